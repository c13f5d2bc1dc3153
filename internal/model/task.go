// Package model defines the data structures shared by the relay pipeline:
// task types, context chunks, budgets, envelopes, tools, artifacts,
// checkpoints and configuration.
package model

import (
	"fmt"
	"strings"
	"unicode"
)

type TaskType string

const (
	TaskImplement TaskType = "implement"
	TaskAnalyze   TaskType = "analyze"
	TaskGenerate  TaskType = "generate"
	TaskRefactor  TaskType = "refactor"
	TaskDebug     TaskType = "debug"
	TaskTest      TaskType = "test"
	TaskDeploy    TaskType = "deploy"
	TaskAutomate  TaskType = "automate"
	TaskScaffold  TaskType = "scaffold"
	TaskMigrate   TaskType = "migrate"
	TaskOptimize  TaskType = "optimize"
	TaskUnknown   TaskType = "unknown"
)

// TaskTypes lists every classifiable type in a fixed order. Unknown is last.
var TaskTypes = []TaskType{
	TaskImplement,
	TaskAnalyze,
	TaskGenerate,
	TaskRefactor,
	TaskDebug,
	TaskTest,
	TaskDeploy,
	TaskAutomate,
	TaskScaffold,
	TaskMigrate,
	TaskOptimize,
	TaskUnknown,
}

func ParseTaskType(s string) (TaskType, error) {
	t := TaskType(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range TaskTypes {
		if t == known {
			return t, nil
		}
	}
	return "", fmt.Errorf("unknown task type %q", s)
}

// Priority is the coarse importance class of a chunk.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityMedium   Priority = "medium"
	PriorityLow      Priority = "low"
	PriorityMinimal  Priority = "minimal"
)

var priorityBaseScores = map[Priority]float64{
	PriorityCritical: 1000,
	PriorityHigh:     800,
	PriorityMedium:   500,
	PriorityLow:      200,
	PriorityMinimal:  100,
}

// BaseScore returns the fixed score a priority contributes before modifiers.
// Unknown priorities score as minimal.
func (p Priority) BaseScore() float64 {
	if s, ok := priorityBaseScores[p]; ok {
		return s
	}
	return priorityBaseScores[PriorityMinimal]
}

type ChunkType string

const (
	ChunkFile       ChunkType = "file"
	ChunkStructure  ChunkType = "structure"
	ChunkDependency ChunkType = "dependency"
	ChunkHistory    ChunkType = "history"
)

// Well-known chunk sources that are not file paths.
const (
	SourceWorkspaceTree = "workspace-tree"
	SourceGitLog        = "git-log"
)

// Metadata keys set by the gatherer.
const (
	MetaLanguage = "language"
	MetaModTime  = "mtime"
	MetaExt      = "ext"
	MetaSize     = "size"
	MetaRecent   = "recent"
	MetaKind     = "kind" // code, config, doc
)

const (
	KindCode   = "code"
	KindConfig = "config"
	KindDoc    = "doc"
)

// ContextChunk is a sized unit of contextual text. Treat as immutable once
// produced; copy Metadata before changing it.
type ContextChunk struct {
	Content   string            `yaml:"content"`
	Source    string            `yaml:"source"`
	ChunkType ChunkType         `yaml:"chunk_type"`
	Priority  Priority          `yaml:"priority"`
	Tokens    int               `yaml:"tokens"`
	Metadata  map[string]string `yaml:"metadata,omitempty"`
	// Order is the gather position, used to break score ties.
	Order int `yaml:"order"`
}

func (c ContextChunk) Meta(key string) string {
	if c.Metadata == nil {
		return ""
	}
	return c.Metadata[key]
}

// IsCode reports whether the chunk holds source code eligible for
// structure-preserving truncation.
func (c ContextChunk) IsCode() bool {
	return c.ChunkType == ChunkFile && c.Meta(MetaKind) == KindCode
}

const DefaultReservedTokens = 500

type TokenBudget struct {
	InputMax  int `yaml:"input_max"`
	OutputMax int `yaml:"output_max"`
	InputUsed int `yaml:"input_used"`
	// Reserved is held back from InputMax for the system prompt when the
	// orchestrator sizes the context budget.
	Reserved int `yaml:"reserved"`
}

func NewTokenBudget(inputMax, outputMax int) TokenBudget {
	return TokenBudget{InputMax: inputMax, OutputMax: outputMax, Reserved: DefaultReservedTokens}
}

func (b TokenBudget) Available() int {
	if n := b.InputMax - b.InputUsed; n > 0 {
		return n
	}
	return 0
}

// CanFit reports whether n more tokens fit without exceeding InputMax.
func (b TokenBudget) CanFit(n int) bool {
	return n >= 0 && b.InputUsed+n <= b.InputMax
}

// ContextBudget is the share of InputMax left for gathered context once
// Reserved is subtracted.
func (b TokenBudget) ContextBudget() int {
	if n := b.InputMax - b.Reserved; n > 0 {
		return n
	}
	return b.InputMax
}

// ReservePrompt counts the tokens held back from gathered context as used,
// leaving ContextBudget available.
func (b *TokenBudget) ReservePrompt() {
	b.InputUsed += b.InputMax - b.ContextBudget()
}

type CompressedContext struct {
	Chunks      []ContextChunk `yaml:"chunks"`
	TotalTokens int            `yaml:"total_tokens"`
	Utilization float64        `yaml:"utilization"`
	Truncated   bool           `yaml:"truncated"`
	// Dropped lists sources that did not fit at all.
	Dropped []string `yaml:"dropped,omitempty"`
}

// PromptText renders the included chunks with a header per chunk.
func (c CompressedContext) PromptText() string {
	var b strings.Builder
	for i, ch := range c.Chunks {
		if i > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "=== %s (%s) ===\n", ch.Source, ch.ChunkType)
		b.WriteString(ch.Content)
	}
	return b.String()
}

func (c CompressedContext) Summary() ContextSummary {
	return ContextSummary{
		ChunkCount:  len(c.Chunks),
		TokensUsed:  c.TotalTokens,
		Utilization: c.Utilization,
	}
}

type ArtifactType string

const (
	ArtifactCode   ArtifactType = "code"
	ArtifactTest   ArtifactType = "test"
	ArtifactDoc    ArtifactType = "doc"
	ArtifactConfig ArtifactType = "config"
)

type ArtifactAction string

const (
	ActionCreated  ArtifactAction = "created"
	ActionModified ArtifactAction = "modified"
	ActionDeleted  ArtifactAction = "deleted"
)

type Artifact struct {
	Path         string         `yaml:"path"`
	ArtifactType ArtifactType   `yaml:"artifact_type"`
	Action       ArtifactAction `yaml:"action"`
	ToolName     string         `yaml:"tool_name,omitempty"`
	CreatedAt    string         `yaml:"created_at,omitempty"`
}

var docExts = map[string]bool{".md": true, ".txt": true, ".rst": true, ".adoc": true}

var configExts = map[string]bool{
	".json": true, ".yaml": true, ".yml": true, ".toml": true,
	".ini": true, ".cfg": true, ".env": true, ".xml": true,
}

// IsTestPath reports whether the file name of p looks like a test: a name
// word starting with "test" (test_login.py, tests.go, LoginTest.java) or a
// "spec" word (app.spec.ts). Words split on punctuation and camelCase, so
// latest.go and inspect.go are not tests.
func IsTestPath(p string) bool {
	base := p
	if i := strings.LastIndexAny(p, `/\`); i >= 0 {
		base = p[i+1:]
	}
	var words []string
	var cur []rune
	prev := rune(0)
	flush := func() {
		if len(cur) > 0 {
			words = append(words, strings.ToLower(string(cur)))
			cur = cur[:0]
		}
	}
	for _, r := range base {
		switch {
		case !unicode.IsLetter(r) && !unicode.IsDigit(r):
			flush()
		case unicode.IsUpper(r) && unicode.IsLower(prev):
			flush()
			cur = append(cur, r)
		default:
			cur = append(cur, r)
		}
		prev = r
	}
	flush()
	for _, w := range words {
		if strings.HasPrefix(w, "test") || w == "spec" || w == "specs" {
			return true
		}
	}
	return false
}

// InferArtifactType classifies a workspace path by name and extension.
func InferArtifactType(path string) ArtifactType {
	lower := strings.ToLower(path)
	base := lower
	if i := strings.LastIndexAny(lower, `/\`); i >= 0 {
		base = lower[i+1:]
	}
	ext := ""
	if i := strings.LastIndex(base, "."); i >= 0 {
		ext = base[i:]
	}
	switch {
	case IsTestPath(base):
		return ArtifactTest
	case docExts[ext]:
		return ArtifactDoc
	case configExts[ext] || base == "dockerfile" || base == "makefile":
		return ArtifactConfig
	default:
		return ArtifactCode
	}
}
