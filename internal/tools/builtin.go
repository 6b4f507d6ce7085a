package tools

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"
)

const (
	// maxReadLines bounds read_file output.
	maxReadLines = 200
	// maxSearchMatches bounds search_files output.
	maxSearchMatches = 50
	// maxSearchFileSize skips files too large to be worth scanning.
	maxSearchFileSize = 512 * 1024
	// searchConcurrency bounds the concurrent file scans.
	searchConcurrency = 8
)

var skippedDirs = map[string]bool{
	".git":         true,
	"node_modules": true,
	"vendor":       true,
	".termhint":    true,
}

// NewDefaultRegistry returns a registry with the built-in read-only
// research tools.
func NewDefaultRegistry() *Registry {
	r := NewRegistry()
	r.MustRegister(readFileTool())
	r.MustRegister(listDirTool())
	r.MustRegister(searchFilesTool())
	return r
}

// resolvePath anchors a possibly-relative path at cwd.
func resolvePath(path, cwd string) string {
	if path == "" {
		return cwd
	}
	if filepath.IsAbs(path) {
		return filepath.Clean(path)
	}
	return filepath.Join(cwd, path)
}

func readFileTool() *Tool {
	return &Tool{
		Name:        "read_file",
		Description: "Read a text file, optionally restricted to a line range.",
		Schema: ToolSchema{
			Required: []string{"path"},
			Properties: map[string]Property{
				"path":       {Type: "string", Description: "File path, relative to the working directory"},
				"start_line": {Type: "string", Description: "First line to include (1-based, optional)"},
				"end_line":   {Type: "string", Description: "Last line to include (inclusive, optional)"},
			},
		},
		Execute: func(ctx context.Context, args map[string]string, cwd string) (string, error) {
			path := resolvePath(args["path"], cwd)
			data, err := os.ReadFile(path)
			if err != nil {
				return "", fmt.Errorf("failed to read %s: %w", args["path"], err)
			}

			lines := strings.Split(string(data), "\n")
			start, end := 1, len(lines)
			if v := args["start_line"]; v != "" {
				if n, err := strconv.Atoi(v); err == nil && n > 0 {
					start = n
				}
			}
			if v := args["end_line"]; v != "" {
				if n, err := strconv.Atoi(v); err == nil && n >= start {
					end = n
				}
			}
			if start > len(lines) {
				return "", fmt.Errorf("start_line %d past end of file (%d lines)", start, len(lines))
			}
			if end > len(lines) {
				end = len(lines)
			}

			truncated := false
			if end-start+1 > maxReadLines {
				end = start + maxReadLines - 1
				truncated = true
			}

			var b strings.Builder
			for i := start; i <= end; i++ {
				fmt.Fprintf(&b, "%d: %s\n", i, lines[i-1])
			}
			if truncated {
				fmt.Fprintf(&b, "... truncated at %d lines\n", maxReadLines)
			}
			return b.String(), nil
		},
	}
}

func listDirTool() *Tool {
	return &Tool{
		Name:        "list_dir",
		Description: "List the entries of a directory.",
		Schema: ToolSchema{
			Properties: map[string]Property{
				"path": {Type: "string", Description: "Directory path, relative to the working directory (default: the working directory)"},
			},
		},
		Execute: func(ctx context.Context, args map[string]string, cwd string) (string, error) {
			path := resolvePath(args["path"], cwd)
			entries, err := os.ReadDir(path)
			if err != nil {
				return "", fmt.Errorf("failed to list %s: %w", path, err)
			}

			var b strings.Builder
			for _, e := range entries {
				if e.IsDir() {
					fmt.Fprintf(&b, "%s/\n", e.Name())
					continue
				}
				info, err := e.Info()
				if err != nil {
					fmt.Fprintf(&b, "%s\n", e.Name())
					continue
				}
				fmt.Fprintf(&b, "%s (%d bytes)\n", e.Name(), info.Size())
			}
			if b.Len() == 0 {
				return "(empty directory)\n", nil
			}
			return b.String(), nil
		},
	}
}

func searchFilesTool() *Tool {
	return &Tool{
		Name:        "search_files",
		Description: "Search file contents for a substring (case-insensitive), recursively.",
		Schema: ToolSchema{
			Required: []string{"pattern"},
			Properties: map[string]Property{
				"pattern": {Type: "string", Description: "Substring to search for"},
				"path":    {Type: "string", Description: "Directory to search, relative to the working directory (default: the working directory)"},
			},
		},
		Execute: func(ctx context.Context, args map[string]string, cwd string) (string, error) {
			root := resolvePath(args["path"], cwd)
			pattern := strings.ToLower(args["pattern"])

			var mu sync.Mutex
			var matches []string

			g, ctx := errgroup.WithContext(ctx)
			g.SetLimit(searchConcurrency)

			walkErr := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
				if err != nil {
					return nil // unreadable entries are skipped, not fatal
				}
				if d.IsDir() {
					if skippedDirs[d.Name()] {
						return filepath.SkipDir
					}
					return nil
				}
				if ctx.Err() != nil {
					return ctx.Err()
				}

				mu.Lock()
				full := len(matches) >= maxSearchMatches
				mu.Unlock()
				if full {
					return filepath.SkipAll
				}

				g.Go(func() error {
					info, err := d.Info()
					if err != nil || info.Size() > maxSearchFileSize {
						return nil
					}
					data, err := os.ReadFile(path)
					if err != nil || !isText(data) {
						return nil
					}

					rel, err := filepath.Rel(root, path)
					if err != nil {
						rel = path
					}
					for i, line := range strings.Split(string(data), "\n") {
						if strings.Contains(strings.ToLower(line), pattern) {
							mu.Lock()
							if len(matches) < maxSearchMatches {
								matches = append(matches, fmt.Sprintf("%s:%d: %s", rel, i+1, strings.TrimSpace(line)))
							}
							mu.Unlock()
						}
					}
					return nil
				})
				return nil
			})

			if err := g.Wait(); err != nil {
				return "", err
			}
			if walkErr != nil && walkErr != filepath.SkipAll {
				return "", fmt.Errorf("search failed: %w", walkErr)
			}

			if len(matches) == 0 {
				return "no matches\n", nil
			}
			sort.Strings(matches)
			var b strings.Builder
			for _, m := range matches {
				b.WriteString(m)
				b.WriteByte('\n')
			}
			if len(matches) >= maxSearchMatches {
				fmt.Fprintf(&b, "... capped at %d matches\n", maxSearchMatches)
			}
			return b.String(), nil
		},
	}
}

// isText rejects obviously binary content by probing for NUL bytes in the
// first KB.
func isText(data []byte) bool {
	n := len(data)
	if n > 1024 {
		n = 1024
	}
	for _, b := range data[:n] {
		if b == 0 {
			return false
		}
	}
	return true
}
