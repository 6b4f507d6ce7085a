// Package tools provides the research tool registry: small read-only
// filesystem tools the research loop can invoke, exposed both through a
// direct Execute contract and as provider tool schemas.
package tools

import (
	"context"
)

// Property describes a single parameter for the JSON schema surfaced to
// tool-calling models.
type Property struct {
	Type        string `json:"type"`
	Description string `json:"description"`
}

// ToolSchema defines the expected arguments for a tool.
type ToolSchema struct {
	Required   []string            `json:"required"`
	Properties map[string]Property `json:"properties"`
}

// ExecuteFunc runs a tool. Arguments arrive as strings; cwd anchors any
// relative paths.
type ExecuteFunc func(ctx context.Context, args map[string]string, cwd string) (string, error)

// Tool is one registered research tool.
type Tool struct {
	Name        string
	Description string
	Schema      ToolSchema
	Execute     ExecuteFunc
}

// Validate checks the tool definition is usable.
func (t *Tool) Validate() error {
	if t.Name == "" {
		return ErrToolNameEmpty
	}
	if t.Execute == nil {
		return ErrToolExecuteNil
	}
	return nil
}
