package toolset

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	yamlv3 "gopkg.in/yaml.v3"

	"github.com/msageha/relay/internal/model"
	"github.com/msageha/relay/internal/workspace"
)

const (
	defaultCommandTimeout = 60 * time.Second
	maxCommandTimeout     = 10 * time.Minute
	maxReadBytes          = 512 * 1024
	maxCommandOutput      = 10000
	maxListEntries        = 500
	maxSearchFiles        = 200
	maxSearchMatches      = 100
	maxAnalyzeFiles       = 20
)

// Builtins builds the workspace tools. Every path argument is resolved
// through the workspace and rejected when it escapes the root.
type Builtins struct {
	ws             *workspace.Workspace
	commandTimeout time.Duration
	testCommand    string
	now            func() time.Time
}

type Option func(*Builtins)

// WithCommandTimeout sets the default timeout for run_command and run_tests.
func WithCommandTimeout(d time.Duration) Option {
	return func(b *Builtins) {
		if d > 0 {
			b.commandTimeout = d
		}
	}
}

// WithTestCommand makes run_tests run cmd through the shell instead of a
// command detected from the workspace manifests.
func WithTestCommand(cmd string) Option {
	return func(b *Builtins) { b.testCommand = strings.TrimSpace(cmd) }
}

// OptionsFromConfig maps the tools section of cfg to builtin options.
func OptionsFromConfig(cfg *model.Config) []Option {
	return []Option{
		WithCommandTimeout(time.Duration(cfg.Tools.CommandTimeoutSeconds) * time.Second),
		WithTestCommand(cfg.Tools.TestCommand),
	}
}

func NewBuiltins(ws *workspace.Workspace, opts ...Option) *Builtins {
	b := &Builtins{
		ws:             ws,
		commandTimeout: defaultCommandTimeout,
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Builtins) artifact(rel, tool string, action model.ArtifactAction) model.Artifact {
	return model.Artifact{
		Path:         rel,
		ArtifactType: model.InferArtifactType(rel),
		Action:       action,
		ToolName:     tool,
		CreatedAt:    b.now().UTC().Format(time.RFC3339),
	}
}

// render encodes a structured tool reply the way relay writes its own state
// files.
func render(v any) (string, error) {
	out, err := yamlv3.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode result: %w", err)
	}
	return string(out), nil
}

func stringArg(args map[string]any, name string, required bool, def string) (string, error) {
	v, ok := args[name]
	if !ok || v == nil {
		if required {
			return "", fmt.Errorf("missing required argument %q", name)
		}
		return def, nil
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("argument %q must be a string, got %T", name, v)
	}
	if required && s == "" {
		return "", fmt.Errorf("argument %q must not be empty", name)
	}
	return s, nil
}

func boolArg(args map[string]any, name string, def bool) (bool, error) {
	v, ok := args[name]
	if !ok || v == nil {
		return def, nil
	}
	switch x := v.(type) {
	case bool:
		return x, nil
	case string:
		b, err := strconv.ParseBool(x)
		if err != nil {
			return false, fmt.Errorf("argument %q must be a boolean: %w", name, err)
		}
		return b, nil
	default:
		return false, fmt.Errorf("argument %q must be a boolean, got %T", name, v)
	}
}

// intArg accepts the numeric shapes decoded JSON and YAML produce.
func intArg(args map[string]any, name string, def int) (int, error) {
	v, ok := args[name]
	if !ok || v == nil {
		return def, nil
	}
	switch x := v.(type) {
	case int:
		return x, nil
	case int64:
		return int(x), nil
	case float64:
		if x != float64(int(x)) {
			return 0, fmt.Errorf("argument %q must be an integer, got %v", name, x)
		}
		return int(x), nil
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(x))
		if err != nil {
			return 0, fmt.Errorf("argument %q must be an integer: %w", name, err)
		}
		return n, nil
	default:
		return 0, fmt.Errorf("argument %q must be an integer, got %T", name, v)
	}
}

func truncateOutput(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return strings.ToValidUTF8(s[:limit], "") + fmt.Sprintf("\n... (%d bytes truncated)", len(s)-limit)
}
