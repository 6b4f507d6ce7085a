package suggest

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// ModelAction is the structured decision extracted from a free-form
// planning/research reply: either a tool request or a "done" signal.
type ModelAction struct {
	Done    bool
	Tool    string
	Args    map[string]string
	Reason  string
	Summary string
}

// Alias tables for the loosely-specified JSON the model emits. Kept as
// explicit mappings so tests can pin them down.
var (
	doneAliases    = []string{"done", "finished", "complete"}
	toolAliases    = []string{"tool", "action", "command"}
	argsAliases    = []string{"args", "arguments", "parameters"}
	reasonAliases  = []string{"reason", "why"}
	summaryAliases = []string{"summary", "conclusion", "findings"}
)

// completionPhrases signal "done" in natural language.
var completionPhrases = []string{
	"sufficient context",
	"research complete",
	"research is complete",
	"enough information",
	"enough context",
	"no further research",
	"nothing more to explore",
	"ready to suggest",
}

var (
	readRequestRe   = regexp.MustCompile(`(?i)\bread(?:ing)?\s+(?:the\s+)?(?:file\s+)?([\w~$./\\-]+\.[\w]+|[\w~$./\\-]*/[\w~$./\\-]+)`)
	listRequestRe   = regexp.MustCompile(`(?i)\blist(?:ing)?\s+(?:the\s+)?(?:directory\s+|dir\s+|contents\s+of\s+)?([\w~$./\\-]*/[\w~$./\\-]*|\.)`)
	searchRequestRe = regexp.MustCompile(`(?i)\bsearch(?:ing)?\s+(?:for\s+)?["']?([\w.-]+)["']?`)
)

// NormalizeModelAction extracts a ModelAction from free-form model text.
// Resolution order, first success wins: fence-stripped brace-matched JSON
// with alias lookup, natural-language completion phrases, last-resort tool
// request regexes. Returns ok=false when nothing matched; never an error.
func NormalizeModelAction(text string) (ModelAction, bool) {
	if action, ok := parseJSONAction(text); ok {
		return action, true
	}
	if action, ok := parseCompletionPhrase(text); ok {
		return action, true
	}
	return parseNaturalToolRequest(text)
}

// extractJSONObject strips a markdown code fence if present, then locates
// the first '{' and scans forward tracking brace depth to its matching '}',
// tolerating trailing prose after the object.
func extractJSONObject(text string) (string, bool) {
	if idx := strings.Index(text, "```"); idx >= 0 {
		rest := text[idx+3:]
		rest = strings.TrimPrefix(rest, "json")
		if end := strings.Index(rest, "```"); end >= 0 {
			text = rest[:end]
		} else {
			text = rest
		}
	}

	start := strings.Index(text, "{")
	if start < 0 {
		return "", false
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		ch := text[i]
		if escaped {
			escaped = false
			continue
		}
		switch ch {
		case '\\':
			if inString {
				escaped = true
			}
		case '"':
			inString = !inString
		case '{':
			if !inString {
				depth++
			}
		case '}':
			if !inString {
				depth--
				if depth == 0 {
					return text[start : i+1], true
				}
			}
		}
	}
	return "", false
}

func parseJSONAction(text string) (ModelAction, bool) {
	raw, ok := extractJSONObject(text)
	if !ok {
		return ModelAction{}, false
	}

	var obj map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &obj); err != nil {
		return ModelAction{}, false
	}

	lowered := make(map[string]interface{}, len(obj))
	for k, v := range obj {
		lowered[strings.ToLower(k)] = v
	}

	action := ModelAction{
		Reason:  firstString(lowered, reasonAliases),
		Summary: firstString(lowered, summaryAliases),
	}

	for _, alias := range doneAliases {
		if v, ok := lowered[alias]; ok && truthy(v) {
			action.Done = true
			break
		}
	}

	action.Tool = firstString(lowered, toolAliases)
	if action.Tool != "" {
		action.Args = map[string]string{}
		for _, alias := range argsAliases {
			if v, ok := lowered[alias]; ok {
				if m, ok := v.(map[string]interface{}); ok {
					for k, av := range m {
						action.Args[k] = stringify(av)
					}
				}
				break
			}
		}
		return action, true
	}

	// A summary with no tool request is implicitly done.
	if action.Summary != "" {
		action.Done = true
	}
	if action.Done {
		return action, true
	}
	return ModelAction{}, false
}

func parseCompletionPhrase(text string) (ModelAction, bool) {
	lower := strings.ToLower(text)
	for _, phrase := range completionPhrases {
		idx := strings.Index(lower, phrase)
		if idx < 0 {
			continue
		}
		// Use the surrounding line as the summary.
		start := strings.LastIndexByte(text[:idx], '\n') + 1
		end := strings.IndexByte(text[idx:], '\n')
		if end < 0 {
			end = len(text)
		} else {
			end += idx
		}
		return ModelAction{Done: true, Summary: strings.TrimSpace(text[start:end])}, true
	}
	return ModelAction{}, false
}

func parseNaturalToolRequest(text string) (ModelAction, bool) {
	if m := readRequestRe.FindStringSubmatch(text); m != nil {
		return ModelAction{Tool: "read_file", Args: map[string]string{"path": m[1]}}, true
	}
	if m := listRequestRe.FindStringSubmatch(text); m != nil {
		return ModelAction{Tool: "list_dir", Args: map[string]string{"path": m[1]}}, true
	}
	if m := searchRequestRe.FindStringSubmatch(text); m != nil {
		return ModelAction{Tool: "search_files", Args: map[string]string{"pattern": m[1]}}, true
	}
	return ModelAction{}, false
}

func firstString(obj map[string]interface{}, aliases []string) string {
	for _, alias := range aliases {
		if v, ok := obj[alias]; ok {
			if s := stringify(v); s != "" {
				return s
			}
		}
	}
	return ""
}

func truthy(v interface{}) bool {
	switch t := v.(type) {
	case bool:
		return t
	case string:
		return strings.EqualFold(t, "true") || strings.EqualFold(t, "yes")
	}
	return false
}

func stringify(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		if t == float64(int64(t)) {
			return fmt.Sprintf("%d", int64(t))
		}
		return fmt.Sprintf("%g", t)
	case bool:
		return fmt.Sprintf("%v", t)
	case nil:
		return ""
	}
	return fmt.Sprintf("%v", v)
}
