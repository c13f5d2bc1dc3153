// Package action serves requests that a single built-in operation can
// answer, such as listing files or running the tests, without opening a
// backend session.
package action

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/msageha/relay/internal/classify"
	"github.com/msageha/relay/internal/logging"
	"github.com/msageha/relay/internal/model"
	"github.com/msageha/relay/internal/tokens"
	"github.com/msageha/relay/internal/toolset"
)

// toolFor maps an action to the built-in tool that performs it.
var toolFor = map[string]string{
	classify.ActionListFiles:   "list_directory",
	classify.ActionReadFile:    "read_file",
	classify.ActionCountTokens: "read_file",
	classify.ActionRunTests:    "run_tests",
}

// Task types that ask for a change; a request classified as one of these
// always goes to a full session even if it reads like a simple action.
var sessionOnly = []model.TaskType{
	model.TaskImplement,
	model.TaskGenerate,
	model.TaskRefactor,
	model.TaskScaffold,
	model.TaskMigrate,
	model.TaskDeploy,
}

// Plan is a matched action ready to run. Tool carries the confirmation
// flag the caller must honor before Run.
type Plan struct {
	Action classify.Action
	Tool   model.ToolDefinition
	Args   map[string]any
}

// Call is the tool call Run will make, for confirmation prompts and events.
func (p Plan) Call() model.ToolCall {
	return model.ToolCall{ID: "action_" + p.Action.Name, Name: p.Tool.Name, Arguments: p.Args}
}

type Runner struct {
	registry *toolset.Registry
	builtins *toolset.Builtins
	counter  tokens.Counter
	logger   *logging.Logger
}

func NewRunner(registry *toolset.Registry, builtins *toolset.Builtins, counter tokens.Counter, logger *logging.Logger) *Runner {
	if counter == nil {
		counter = tokens.Estimator{}
	}
	return &Runner{
		registry: registry,
		builtins: builtins,
		counter:  counter,
		logger:   logger.With("action"),
	}
}

// Match returns the plan for request when a built-in action can serve it.
func (r *Runner) Match(request string, taskType model.TaskType) (Plan, bool) {
	if slices.Contains(sessionOnly, taskType) {
		return Plan{}, false
	}
	a := classify.DetectAction(request)
	name, ok := toolFor[a.Name]
	if !ok {
		return Plan{}, false
	}
	def, ok := r.registry.Lookup(name)
	if !ok || def.Handler == nil {
		return Plan{}, false
	}
	args := map[string]any{}
	switch a.Name {
	case classify.ActionReadFile, classify.ActionCountTokens:
		if a.Path == "" {
			return Plan{}, false
		}
		args["path"] = a.Path
	case classify.ActionListFiles:
		path := a.Path
		if path == "" {
			path = "."
		}
		args["path"] = path
	}
	r.logger.Debugf("match action=%s tool=%s task_type=%s", a.Name, def.Name, taskType)
	return Plan{Action: a, Tool: def, Args: args}, true
}

// Run executes p and returns its output text with any artifacts.
func (r *Runner) Run(ctx context.Context, p Plan) (model.ToolOutput, error) {
	switch p.Action.Name {
	case classify.ActionListFiles:
		return r.listFiles(ctx, p)
	case classify.ActionCountTokens:
		return r.countTokens(ctx, p)
	}
	if p.Tool.Handler == nil {
		return model.ToolOutput{}, fmt.Errorf("action %s has no handler", p.Action.Name)
	}
	return p.Tool.Handler(ctx, p.Args)
}

func (r *Runner) listFiles(ctx context.Context, p Plan) (model.ToolOutput, error) {
	dir, _ := p.Args["path"].(string)
	entries, truncated, err := r.builtins.List(ctx, dir, "*", true)
	if err != nil {
		return model.ToolOutput{}, err
	}
	out := strings.TrimSuffix(toolset.FormatListing(entries), "\n")
	if truncated {
		out += fmt.Sprintf("\n... (listing truncated at %d entries)", len(entries))
	}
	return model.ToolOutput{Content: out}, nil
}

func (r *Runner) countTokens(ctx context.Context, p Plan) (model.ToolOutput, error) {
	read, err := p.Tool.Handler(ctx, p.Args)
	if err != nil {
		return model.ToolOutput{}, err
	}
	path, _ := p.Args["path"].(string)
	n := r.counter.Count(read.Content)
	return model.ToolOutput{Content: fmt.Sprintf("%s: %d tokens (%d chars)", path, n, len(read.Content))}, nil
}
