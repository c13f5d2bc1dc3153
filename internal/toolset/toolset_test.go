package toolset

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	yamlv3 "gopkg.in/yaml.v3"

	"github.com/msageha/relay/internal/model"
	"github.com/msageha/relay/internal/workspace"
)

func newWorkspace(t *testing.T, files map[string]string) *workspace.Workspace {
	t.Helper()
	root := t.TempDir()
	for name, content := range files {
		p := filepath.Join(root, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0755))
		require.NoError(t, os.WriteFile(p, []byte(content), 0644))
	}
	ws, err := workspace.New(root)
	require.NoError(t, err)
	return ws
}

func names(defs []model.ToolDefinition) []string {
	out := make([]string, 0, len(defs))
	for _, d := range defs {
		out = append(out, d.Name)
	}
	return out
}

func TestAssemble_RequiredThenOptional(t *testing.T) {
	r := NewDefaultRegistry(newWorkspace(t, nil))

	defs, err := r.Assemble(model.TaskDebug, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"read_file", "list_directory", "search_code", "run_tests"}, names(defs))

	defs, err = r.Assemble(model.TaskDebug, []string{CapWrite, CapExecute})
	require.NoError(t, err)
	assert.Equal(t, []string{"read_file", "list_directory", "search_code", "run_tests", "write_file", "delete_file", "run_command"}, names(defs))

	defs, err = r.Assemble(model.TaskImplement, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"read_file", "list_directory", "write_file"}, names(defs))

	defs, err = r.Assemble(model.TaskDeploy, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"read_file", "list_directory", "run_command"}, names(defs))
}

func TestAssemble_DeterministicAndUnique(t *testing.T) {
	r := NewDefaultRegistry(newWorkspace(t, nil))
	caps := [][]string{nil, {CapSearch}, {CapWrite}, {CapExecute}, {CapSearch, CapAnalysis, CapWrite, CapExecute}, {"unknown"}}
	for _, tt := range model.TaskTypes {
		for _, c := range caps {
			first, err := r.Assemble(tt, c)
			require.NoError(t, err, "%s %v", tt, c)
			second, _ := r.Assemble(tt, c)
			assert.Equal(t, names(first), names(second))

			seen := map[string]bool{}
			for _, d := range first {
				assert.False(t, seen[d.Name], "duplicate %s for %s %v", d.Name, tt, c)
				seen[d.Name] = true
			}
			assert.True(t, seen["read_file"])
		}
	}
}

func TestAssemble_RejectsLaterDuplicate(t *testing.T) {
	first := func() model.ToolDefinition { return model.ToolDefinition{Name: "echo", Description: "first"} }
	second := func() model.ToolDefinition { return model.ToolDefinition{Name: "echo", Description: "second"} }

	r := NewRegistry()
	r.Register(Entry{Factory: first, Required: true}, model.TaskTest)
	r.Register(Entry{Factory: second, Capability: "x"}, model.TaskTest)

	defs, err := r.Assemble(model.TaskTest, []string{"x"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, model.ErrDuplicateTool))
	require.Len(t, defs, 1)
	assert.Equal(t, "first", defs[0].Description, "the earlier registration wins")
}

func TestLookup(t *testing.T) {
	r := NewDefaultRegistry(newWorkspace(t, nil))
	def, ok := r.Lookup("run_tests")
	require.True(t, ok)
	assert.True(t, def.RequiresConfirmation)
	assert.False(t, def.Writes)

	_, ok = r.Lookup("nope")
	assert.False(t, ok)
}

func TestBuiltinDefinitions(t *testing.T) {
	b := NewBuiltins(newWorkspace(t, nil))
	tests := []struct {
		def     model.ToolDefinition
		confirm bool
		writes  bool
	}{
		{b.ReadFile(), false, false},
		{b.ListDirectory(), false, false},
		{b.SearchCode(), false, false},
		{b.AnalyzeCode(), false, false},
		{b.WriteFile(), true, true},
		{b.DeleteFile(), true, true},
		{b.RunCommand(), true, true},
		{b.RunTests(), true, false},
	}
	for _, tt := range tests {
		t.Run(tt.def.Name, func(t *testing.T) {
			assert.Equal(t, tt.confirm, tt.def.RequiresConfirmation)
			assert.Equal(t, tt.writes, tt.def.Writes)
			assert.NotNil(t, tt.def.Handler)
			assert.NotEmpty(t, tt.def.Description)
			schema := tt.def.InputSchema()
			assert.Equal(t, "object", schema["type"])
		})
	}
}

func call(t *testing.T, def model.ToolDefinition, args map[string]any) (model.ToolOutput, error) {
	t.Helper()
	return def.Handler(context.Background(), args)
}

func TestReadFile(t *testing.T) {
	ws := newWorkspace(t, map[string]string{"src/a.go": "package a\n", "bin.dat": "x\x00y"})
	b := NewBuiltins(ws)

	out, err := call(t, b.ReadFile(), map[string]any{"path": "src/a.go"})
	require.NoError(t, err)
	assert.Equal(t, "package a\n", out.Content)
	assert.Empty(t, out.Artifacts)

	_, err = call(t, b.ReadFile(), map[string]any{"path": "../etc/passwd"})
	assert.True(t, errors.Is(err, model.ErrPathOutsideWorkspace))

	_, err = call(t, b.ReadFile(), map[string]any{"path": "missing.go"})
	assert.ErrorContains(t, err, "file not found")

	_, err = call(t, b.ReadFile(), map[string]any{"path": "src"})
	assert.ErrorContains(t, err, "not a file")

	_, err = call(t, b.ReadFile(), map[string]any{"path": "bin.dat"})
	assert.ErrorContains(t, err, "not a text file")

	_, err = call(t, b.ReadFile(), map[string]any{})
	assert.ErrorContains(t, err, `missing required argument "path"`)

	_, err = call(t, b.ReadFile(), map[string]any{"path": 3.0})
	assert.ErrorContains(t, err, "must be a string")
}

func TestWriteAndDeleteFile(t *testing.T) {
	ws := newWorkspace(t, map[string]string{"README.md": "old"})
	b := NewBuiltins(ws)
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	b.now = func() time.Time { return fixed }

	out, err := call(t, b.WriteFile(), map[string]any{"path": "pkg/auth/login_test.go", "content": "package auth\n"})
	require.NoError(t, err)
	require.Len(t, out.Artifacts, 1)
	assert.Equal(t, model.Artifact{
		Path:         "pkg/auth/login_test.go",
		ArtifactType: model.ArtifactTest,
		Action:       model.ActionCreated,
		ToolName:     "write_file",
		CreatedAt:    "2026-03-01T12:00:00Z",
	}, out.Artifacts[0])
	data, err := os.ReadFile(filepath.Join(ws.Root(), "pkg", "auth", "login_test.go"))
	require.NoError(t, err)
	assert.Equal(t, "package auth\n", string(data))

	out, err = call(t, b.WriteFile(), map[string]any{"path": "README.md", "content": "new"})
	require.NoError(t, err)
	assert.Equal(t, model.ActionModified, out.Artifacts[0].Action)
	assert.Equal(t, model.ArtifactDoc, out.Artifacts[0].ArtifactType)

	_, err = call(t, b.WriteFile(), map[string]any{"path": "../outside.txt", "content": "x"})
	assert.True(t, errors.Is(err, model.ErrPathOutsideWorkspace))
	_, statErr := os.Stat(filepath.Join(filepath.Dir(ws.Root()), "outside.txt"))
	assert.True(t, os.IsNotExist(statErr))

	_, err = call(t, b.WriteFile(), map[string]any{"path": "x.go"})
	assert.ErrorContains(t, err, `"content"`)

	out, err = call(t, b.DeleteFile(), map[string]any{"path": "README.md"})
	require.NoError(t, err)
	assert.Equal(t, model.ActionDeleted, out.Artifacts[0].Action)
	assert.NoFileExists(t, filepath.Join(ws.Root(), "README.md"))

	_, err = call(t, b.DeleteFile(), map[string]any{"path": "README.md"})
	assert.ErrorContains(t, err, "file not found")

	_, err = call(t, b.DeleteFile(), map[string]any{"path": "pkg"})
	assert.ErrorContains(t, err, "not a file")
}

func TestWriteFile_SymlinkEscape(t *testing.T) {
	outside := t.TempDir()
	ws := newWorkspace(t, nil)
	require.NoError(t, os.Symlink(outside, filepath.Join(ws.Root(), "link")))

	_, err := call(t, NewBuiltins(ws).WriteFile(), map[string]any{"path": "link/evil.txt", "content": "x"})
	assert.True(t, errors.Is(err, model.ErrPathOutsideWorkspace))
	assert.NoFileExists(t, filepath.Join(outside, "evil.txt"))
}

func TestWriteFile_CancelledContext(t *testing.T) {
	ws := newWorkspace(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewBuiltins(ws).WriteFile().Handler(ctx, map[string]any{"path": "a.txt", "content": "x"})
	assert.ErrorIs(t, err, context.Canceled)
	assert.NoFileExists(t, filepath.Join(ws.Root(), "a.txt"))
}

func TestListDirectory(t *testing.T) {
	ws := newWorkspace(t, map[string]string{
		"main.go":              "package main\n",
		"README.md":            "# hi\n",
		"internal/app/app.go":  "package app\n",
		"node_modules/x/x.js":  "x",
		"internal/app/data.md": "d",
	})
	b := NewBuiltins(ws)

	entries, truncated, err := b.List(context.Background(), ".", "*", false)
	require.NoError(t, err)
	assert.False(t, truncated)
	var got []string
	for _, e := range entries {
		got = append(got, e.Type+":"+e.Name)
	}
	assert.Equal(t, []string{"file:README.md", "directory:internal", "file:main.go", "directory:node_modules"}, got)

	entries, _, err = b.List(context.Background(), ".", "*.go", true)
	require.NoError(t, err)
	got = nil
	for _, e := range entries {
		got = append(got, e.Name)
	}
	assert.Equal(t, []string{"internal/app/app.go", "main.go"}, got)
	assert.Equal(t, "internal/app/app.go\nmain.go\n", FormatListing(entries))

	out, err := call(t, b.ListDirectory(), map[string]any{"path": "internal/app"})
	require.NoError(t, err)
	var listing dirListing
	require.NoError(t, yamlv3.Unmarshal([]byte(out.Content), &listing))
	assert.Equal(t, 2, listing.Count)
	require.NotNil(t, listing.Entries[0].Size)
	assert.Equal(t, int64(len("package app\n")), *listing.Entries[0].Size)

	_, _, err = b.List(context.Background(), "main.go", "*", false)
	assert.ErrorContains(t, err, "not a directory")
	_, _, err = b.List(context.Background(), "..", "*", false)
	assert.True(t, errors.Is(err, model.ErrPathOutsideWorkspace))
	_, _, err = b.List(context.Background(), ".", "[unclosed", false)
	assert.ErrorContains(t, err, "invalid pattern")
}

func TestSearchCode(t *testing.T) {
	ws := newWorkspace(t, map[string]string{
		"auth/login.go":       "package auth\n\nfunc Login() error {\n\treturn ErrDenied\n}\n",
		"auth/login_test.go":  "package auth\n\n// TestLogin checks ErrDenied.\n",
		"docs/notes.md":       "errdenied is documented here\n",
		"vendor/lib/lib.go":   "ErrDenied\n",
		"node_modules/a/a.js": "ErrDenied",
	})
	b := NewBuiltins(ws)

	out, err := call(t, b.SearchCode(), map[string]any{"pattern": `ErrDenied`, "file_pattern": "*.go", "case_sensitive": true})
	require.NoError(t, err)
	var report searchReport
	require.NoError(t, yamlv3.Unmarshal([]byte(out.Content), &report))
	require.Equal(t, 2, report.Total)
	assert.Equal(t, "auth/login.go", report.Matches[0].File)
	assert.Equal(t, 4, report.Matches[0].Line)
	assert.Equal(t, "return ErrDenied", report.Matches[0].Text)
	assert.Equal(t, []string{"", "func Login() error {", "return ErrDenied", "}", ""}, report.Matches[0].Context)
	assert.Equal(t, "auth/login_test.go", report.Matches[1].File)

	out, err = call(t, b.SearchCode(), map[string]any{"pattern": `errdenied`})
	require.NoError(t, err)
	report = searchReport{}
	require.NoError(t, yamlv3.Unmarshal([]byte(out.Content), &report))
	assert.Equal(t, 3, report.Total, "case-insensitive by default, vendor and node_modules skipped")

	_, err = call(t, b.SearchCode(), map[string]any{"pattern": `(`})
	assert.ErrorContains(t, err, "invalid regex")

	_, err = call(t, b.SearchCode(), map[string]any{"pattern": "x", "path": "../"})
	assert.True(t, errors.Is(err, model.ErrPathOutsideWorkspace))
}

func TestAnalyze(t *testing.T) {
	goSrc := `package svc

import (
	"fmt"
	"strings"
)

// Service does things.
type Service struct{}

type List[T any] struct{}

func New() *Service { return &Service{} }

func (s *Service) Run() { fmt.Println(strings.ToUpper("x")) }

func (l List[T]) Len() int { return 0 }
`
	fa := Analyze("svc/svc.go", []byte(goSrc))
	assert.Equal(t, "go", fa.Language)
	assert.Equal(t, []string{"Service", "List"}, fa.Types)
	assert.Equal(t, []string{"New", "Service.Run", "List.Len"}, fa.Functions)
	assert.Equal(t, []string{"fmt", "strings"}, fa.Imports)
	assert.Empty(t, fa.Error)
	assert.Equal(t, 17, fa.Lines)

	pySrc := "import os\nfrom app.models import User\nimport os\n\nclass Greeter:\n    def greet(self):\n        pass\n\n# helper\nasync def main():\n    pass\n"
	fa = Analyze("app/main.py", []byte(pySrc))
	assert.Equal(t, []string{"Greeter"}, fa.Types)
	assert.Equal(t, []string{"main"}, fa.Functions)
	assert.Equal(t, []string{"app.models", "os"}, fa.Imports)
	assert.Equal(t, 8, fa.CodeLines)

	fa = Analyze("bad.go", []byte("package x\nfunc {"))
	assert.NotEmpty(t, fa.Error)
}

func TestAnalyzeCodeTool(t *testing.T) {
	ws := newWorkspace(t, map[string]string{
		"svc/a.go":   "package svc\n\nimport \"os\"\n\nfunc A() { os.Exit(0) }\n",
		"svc/b.md":   "# not code\n",
		"svc/c.py":   "def c():\n    pass\n",
		"svc/d.json": "{}",
	})
	b := NewBuiltins(ws)

	out, err := call(t, b.AnalyzeCode(), map[string]any{"path": "svc"})
	require.NoError(t, err)
	var report analysisReport
	require.NoError(t, yamlv3.Unmarshal([]byte(out.Content), &report))
	require.Len(t, report.Results, 2)
	assert.Equal(t, "svc/a.go", report.Results[0].File)
	assert.Equal(t, []string{"A"}, report.Results[0].Functions)
	assert.Empty(t, report.Results[0].Imports, "structure analysis omits imports")

	out, err = call(t, b.AnalyzeCode(), map[string]any{"path": "svc/a.go", "analysis_type": "dependencies"})
	require.NoError(t, err)
	report = analysisReport{}
	require.NoError(t, yamlv3.Unmarshal([]byte(out.Content), &report))
	require.Len(t, report.Results, 1)
	assert.Equal(t, []string{"os"}, report.Results[0].Imports)
	assert.Empty(t, report.Results[0].Functions)

	_, err = call(t, b.AnalyzeCode(), map[string]any{"path": "svc", "analysis_type": "security"})
	assert.ErrorContains(t, err, "unknown analysis_type")
}

func TestRunCommand(t *testing.T) {
	ws := newWorkspace(t, map[string]string{"sub/file.txt": "hello"})
	b := NewBuiltins(ws)

	out, err := call(t, b.RunCommand(), map[string]any{"command": "cat file.txt", "cwd": "sub"})
	require.NoError(t, err)
	assert.Equal(t, "hello", out.Content)

	_, err = call(t, b.RunCommand(), map[string]any{"command": "echo oops >&2; exit 3"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exit code 3")
	assert.Contains(t, err.Error(), "[stderr]\noops")

	_, err = call(t, b.RunCommand(), map[string]any{"command": "rm -rf / --no-preserve-root"})
	assert.ErrorContains(t, err, "blocked dangerous command")

	_, err = call(t, b.RunCommand(), map[string]any{"command": "pwd", "cwd": "../.."})
	assert.True(t, errors.Is(err, model.ErrPathOutsideWorkspace))

	_, err = call(t, b.RunCommand(), map[string]any{"command": "sleep 5", "timeout": 1.0})
	assert.ErrorContains(t, err, "timed out")
}

func TestRunCommand_ContextCancel(t *testing.T) {
	b := NewBuiltins(newWorkspace(t, nil))
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err := b.RunCommand().Handler(ctx, map[string]any{"command": "sleep 5"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 4*time.Second)
}

func TestRunTests(t *testing.T) {
	ws := newWorkspace(t, nil)
	b := NewBuiltins(ws, WithTestCommand("echo ran"))
	out, err := call(t, b.RunTests(), map[string]any{"target": "./pkg/..."})
	require.NoError(t, err)
	assert.Equal(t, "ran ./pkg/...\n", out.Content)

	_, err = call(t, NewBuiltins(ws).RunTests(), nil)
	assert.ErrorContains(t, err, "no test runner detected")
}

func TestDetectTestCommand(t *testing.T) {
	tests := []struct {
		file string
		want string
	}{
		{"go.mod", "go test ./..."},
		{"Cargo.toml", "cargo test"},
		{"package.json", "npm test --silent"},
		{"pyproject.toml", "python -m pytest -q"},
		{"requirements.txt", "python -m pytest -q"},
		{"pom.xml", "mvn -q test"},
		{"Makefile", "make test"},
	}
	for _, tt := range tests {
		t.Run(tt.file, func(t *testing.T) {
			ws := newWorkspace(t, map[string]string{tt.file: ""})
			argv, err := DetectTestCommand(ws.Root())
			require.NoError(t, err)
			assert.Equal(t, tt.want, strings.Join(argv, " "))
		})
	}
}

func TestArgs(t *testing.T) {
	n, err := intArg(map[string]any{"n": 4.0}, "n", 1)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	n, err = intArg(map[string]any{"n": "7"}, "n", 1)
	require.NoError(t, err)
	assert.Equal(t, 7, n)
	n, err = intArg(nil, "n", 1)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	_, err = intArg(map[string]any{"n": 1.5}, "n", 1)
	assert.Error(t, err)

	v, err := boolArg(map[string]any{"b": "true"}, "b", false)
	require.NoError(t, err)
	assert.True(t, v)
	_, err = boolArg(map[string]any{"b": 1}, "b", false)
	assert.Error(t, err)

	assert.Equal(t, "abc\n... (3 bytes truncated)", truncateOutput("abcdef", 3))
}
