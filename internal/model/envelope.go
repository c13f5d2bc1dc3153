package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Features are the surface signals the classifier extracted from a request.
type Features struct {
	MatchedKeywords []string             `yaml:"matched_keywords,omitempty"`
	MatchedPatterns []string             `yaml:"matched_patterns,omitempty"`
	Keywords        []string             `yaml:"keywords,omitempty"`
	MentionedFiles  []string             `yaml:"mentioned_files,omitempty"`
	Similarity      float64              `yaml:"similarity,omitempty"`
	Scores          map[TaskType]float64 `yaml:"scores,omitempty"`
	Ambiguous       bool                 `yaml:"ambiguous,omitempty"`
	Overridden      bool                 `yaml:"overridden,omitempty"`
	// Action names a lightweight built-in action that can serve the request
	// without opening a backend session.
	Action string `yaml:"action,omitempty"`
}

// TaskEnvelope carries one request through the pipeline. TaskID and
// CreatedAt never change after NewTaskEnvelope.
type TaskEnvelope struct {
	taskID    string
	createdAt time.Time

	TaskType          TaskType
	Confidence        float64
	Features          Features
	OriginalRequest   string
	CompressedContext CompressedContext
	TokenBudget       TokenBudget
	SelectedTools     []string
	Model             string
	Artifacts         []Artifact
}

func NewTaskEnvelope(request string, budget TokenBudget, modelHint string) *TaskEnvelope {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return newTaskEnvelope(id.String(), time.Now().UTC(), request, budget, modelHint)
}

func newTaskEnvelope(id string, createdAt time.Time, request string, budget TokenBudget, modelHint string) *TaskEnvelope {
	return &TaskEnvelope{
		taskID:          id,
		createdAt:       createdAt,
		TaskType:        TaskUnknown,
		OriginalRequest: strings.TrimSpace(request),
		TokenBudget:     budget,
		Model:           modelHint,
	}
}

// RestoreTaskEnvelope rebuilds an envelope from persisted identity fields.
func RestoreTaskEnvelope(id string, createdAt time.Time, request string, budget TokenBudget, modelHint string) *TaskEnvelope {
	return newTaskEnvelope(id, createdAt, request, budget, modelHint)
}

func (e *TaskEnvelope) TaskID() string       { return e.taskID }
func (e *TaskEnvelope) CreatedAt() time.Time { return e.createdAt }

// SetTools records the selected tool names, rejecting duplicates.
func (e *TaskEnvelope) SetTools(names []string) error {
	seen := make(map[string]bool, len(names))
	for _, n := range names {
		if seen[n] {
			return fmt.Errorf("%w: %s", ErrDuplicateTool, n)
		}
		seen[n] = true
	}
	e.SelectedTools = append([]string(nil), names...)
	return nil
}

func (e *TaskEnvelope) AddArtifact(a Artifact) {
	e.Artifacts = append(e.Artifacts, a)
}

// BuildPrompt renders the first user message: gathered context followed by
// the request itself.
func BuildPrompt(contextText, request string) string {
	var b strings.Builder
	if contextText != "" {
		b.WriteString("## Context\n\n")
		b.WriteString(contextText)
		b.WriteString("\n\n")
	}
	b.WriteString("## Request\n\n")
	b.WriteString(request)
	return b.String()
}

var taskGuidelines = map[TaskType][]string{
	TaskImplement: {
		"Follow the existing code style and conventions of the workspace.",
		"Add error handling for new code paths.",
		"Keep changes focused on the requested feature.",
	},
	TaskAnalyze: {
		"Read the relevant files before drawing conclusions.",
		"Report findings with file and line references.",
		"Do not modify files unless asked.",
	},
	TaskGenerate: {
		"Generate complete, working files.",
		"Match the naming and layout already used in the workspace.",
	},
	TaskRefactor: {
		"Preserve existing behavior.",
		"Make small, reviewable steps.",
		"Run the tests after each change when possible.",
	},
	TaskDebug: {
		"Reproduce the failure before changing code.",
		"Identify the root cause, not only the symptom.",
		"Add or update a test that covers the fix.",
	},
	TaskTest: {
		"Cover both success and failure paths.",
		"Use the test framework the workspace already uses.",
		"Keep tests deterministic.",
	},
	TaskDeploy: {
		"Never embed secrets in configuration files.",
		"Prefer declarative configuration.",
		"Explain any step that changes shared infrastructure.",
	},
	TaskAutomate: {
		"Make scripts idempotent.",
		"Fail loudly on errors.",
	},
	TaskScaffold: {
		"Create a minimal, buildable project layout.",
		"Include a README describing how to run it.",
	},
	TaskMigrate: {
		"Keep migrations reversible where possible.",
		"Migrate in small, verifiable steps.",
	},
	TaskOptimize: {
		"Measure before and after each change.",
		"Preserve existing behavior.",
	},
}

// SystemPrompt renders task-type guidance for the backend session.
func SystemPrompt(t TaskType) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are assisting with a %s task in a local workspace.\n", t)
	b.WriteString("Use the provided tools to inspect and change files. All paths are relative to the workspace root.\n")
	if g := taskGuidelines[t]; len(g) > 0 {
		b.WriteString("\nGuidelines:\n")
		for _, line := range g {
			b.WriteString("- ")
			b.WriteString(line)
			b.WriteString("\n")
		}
	}
	return b.String()
}
