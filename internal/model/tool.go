package model

import "context"

type ToolParameter struct {
	Name        string   `yaml:"name"`
	Type        string   `yaml:"type"` // string, integer, boolean, array, object
	Description string   `yaml:"description"`
	Required    bool     `yaml:"required"`
	Enum        []string `yaml:"enum,omitempty"`
	Default     any      `yaml:"default,omitempty"`
}

// ToolOutput is what a handler returns on success. Artifacts describe the
// workspace files the call created, modified or deleted.
type ToolOutput struct {
	Content   string
	Artifacts []Artifact
}

type ToolHandler func(ctx context.Context, args map[string]any) (ToolOutput, error)

type ToolDefinition struct {
	Name                 string
	Description          string
	Parameters           []ToolParameter
	ApplicableTaskTypes  []TaskType
	RequiresConfirmation bool
	// Writes marks tools that mutate the workspace. The orchestrator runs
	// them one at a time.
	Writes  bool
	Handler ToolHandler
}

// AppliesTo reports whether the tool is valid for t. An empty applicable set
// means every task type.
func (d ToolDefinition) AppliesTo(t TaskType) bool {
	if len(d.ApplicableTaskTypes) == 0 {
		return true
	}
	for _, a := range d.ApplicableTaskTypes {
		if a == t {
			return true
		}
	}
	return false
}

// InputSchema renders the parameters as a JSON-schema object.
func (d ToolDefinition) InputSchema() map[string]any {
	props := make(map[string]any, len(d.Parameters))
	required := make([]string, 0, len(d.Parameters))
	for _, p := range d.Parameters {
		prop := map[string]any{
			"type":        p.Type,
			"description": p.Description,
		}
		if len(p.Enum) > 0 {
			prop["enum"] = p.Enum
		}
		if p.Default != nil {
			prop["default"] = p.Default
		}
		props[p.Name] = prop
		if p.Required {
			required = append(required, p.Name)
		}
	}
	return map[string]any{
		"type":       "object",
		"properties": props,
		"required":   required,
	}
}

// RequiredParams returns the names of required parameters in declaration order.
func (d ToolDefinition) RequiredParams() []string {
	var out []string
	for _, p := range d.Parameters {
		if p.Required {
			out = append(out, p.Name)
		}
	}
	return out
}

// ToolCall is a tool invocation requested by the session backend.
type ToolCall struct {
	ID        string         `yaml:"id"`
	Name      string         `yaml:"name"`
	Arguments map[string]any `yaml:"arguments,omitempty"`
}

// ToolResult is the structured reply returned to the backend for one call.
type ToolResult struct {
	CallID  string `yaml:"call_id"`
	Name    string `yaml:"name"`
	Success bool   `yaml:"success"`
	Result  string `yaml:"result,omitempty"`
	Error   string `yaml:"error,omitempty"`
}
