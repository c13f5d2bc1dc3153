// Package toolset assembles the tools offered to a backend session for a
// task type, and provides the built-in workspace tools.
package toolset

import (
	"errors"
	"fmt"
	"slices"

	"github.com/msageha/relay/internal/model"
	"github.com/msageha/relay/internal/workspace"
)

// Capabilities that unlock optional tools.
const (
	CapSearch   = "search"
	CapAnalysis = "analysis"
	CapWrite    = "write"
	CapExecute  = "execute"
)

// Entry registers one tool for one task type. Required tools are always
// offered; optional ones only when their Capability is available.
type Entry struct {
	Factory    func() model.ToolDefinition
	Required   bool
	Capability string
}

// Registry is an explicit task type → tool table, built once at startup.
type Registry struct {
	entries map[model.TaskType][]Entry
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[model.TaskType][]Entry)}
}

// Register appends e for each of the given task types. Order of
// registration is the order tools are offered in.
func (r *Registry) Register(e Entry, types ...model.TaskType) {
	for _, t := range types {
		r.entries[t] = append(r.entries[t], e)
	}
}

// Assemble returns the tools for taskType: required tools first in
// registration order, then optional tools whose capability is in
// capabilities. A tool whose name was already assembled is rejected and
// reported through an error wrapping model.ErrDuplicateTool; the returned
// list is still usable and never contains duplicate names.
func (r *Registry) Assemble(taskType model.TaskType, capabilities []string) ([]model.ToolDefinition, error) {
	entries := r.entries[taskType]
	var (
		out  []model.ToolDefinition
		errs []error
		seen = make(map[string]bool, len(entries))
	)
	add := func(e Entry) {
		def := e.Factory()
		if seen[def.Name] {
			errs = append(errs, fmt.Errorf("%w: %s (task type %s)", model.ErrDuplicateTool, def.Name, taskType))
			return
		}
		seen[def.Name] = true
		out = append(out, def)
	}
	for _, e := range entries {
		if e.Required {
			add(e)
		}
	}
	for _, e := range entries {
		if !e.Required && slices.Contains(capabilities, e.Capability) {
			add(e)
		}
	}
	return out, errors.Join(errs...)
}

// Lookup finds a registered tool by name regardless of task type.
func (r *Registry) Lookup(name string) (model.ToolDefinition, bool) {
	for _, t := range model.TaskTypes {
		for _, e := range r.entries[t] {
			if def := e.Factory(); def.Name == name {
				return def, true
			}
		}
	}
	return model.ToolDefinition{}, false
}

var (
	readTypes = []model.TaskType{
		model.TaskImplement, model.TaskAnalyze, model.TaskGenerate, model.TaskRefactor,
		model.TaskDebug, model.TaskTest, model.TaskDeploy, model.TaskAutomate,
		model.TaskScaffold, model.TaskMigrate, model.TaskOptimize, model.TaskUnknown,
	}
	searchTypes   = []model.TaskType{model.TaskAnalyze, model.TaskDebug, model.TaskRefactor, model.TaskOptimize}
	analysisTypes = []model.TaskType{model.TaskAnalyze, model.TaskRefactor, model.TaskOptimize}
	writeTypes    = []model.TaskType{model.TaskImplement, model.TaskRefactor, model.TaskGenerate, model.TaskScaffold}
	testTypes     = []model.TaskType{model.TaskTest, model.TaskDebug}
	commandTypes  = []model.TaskType{model.TaskDeploy, model.TaskAutomate}
)

func complement(types []model.TaskType) []model.TaskType {
	var out []model.TaskType
	for _, t := range model.TaskTypes {
		if !slices.Contains(types, t) {
			out = append(out, t)
		}
	}
	return out
}

// NewDefaultRegistry registers the built-in tools over ws for every task
// type.
func NewDefaultRegistry(ws *workspace.Workspace, opts ...Option) *Registry {
	b := NewBuiltins(ws, opts...)
	r := NewRegistry()

	r.Register(Entry{Factory: b.ReadFile, Required: true}, readTypes...)
	r.Register(Entry{Factory: b.ListDirectory, Required: true}, readTypes...)

	r.Register(Entry{Factory: b.SearchCode, Required: true}, searchTypes...)
	r.Register(Entry{Factory: b.SearchCode, Capability: CapSearch}, complement(searchTypes)...)

	r.Register(Entry{Factory: b.AnalyzeCode, Required: true}, analysisTypes...)
	r.Register(Entry{Factory: b.AnalyzeCode, Capability: CapAnalysis}, complement(analysisTypes)...)

	r.Register(Entry{Factory: b.WriteFile, Required: true}, writeTypes...)
	r.Register(Entry{Factory: b.WriteFile, Capability: CapWrite}, complement(writeTypes)...)
	r.Register(Entry{Factory: b.DeleteFile, Capability: CapWrite}, readTypes...)

	r.Register(Entry{Factory: b.RunTests, Required: true}, testTypes...)
	r.Register(Entry{Factory: b.RunTests, Capability: CapExecute}, complement(testTypes)...)

	r.Register(Entry{Factory: b.RunCommand, Required: true}, commandTypes...)
	r.Register(Entry{Factory: b.RunCommand, Capability: CapExecute}, complement(commandTypes)...)

	return r
}
