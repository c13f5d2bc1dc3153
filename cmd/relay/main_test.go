package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	yamlv3 "gopkg.in/yaml.v3"

	"github.com/msageha/relay/internal/events"
	"github.com/msageha/relay/internal/logging"
	"github.com/msageha/relay/internal/model"
)

func workspaceDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "main.go"), []byte("package main\n\nfunc main() {}\n"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("# demo\n"), 0644))
	return dir
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetIn(strings.NewReader(""))
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

var sessionRe = regexp.MustCompile(`session:\s+(sess_\S+)`)

func TestVersion(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Equal(t, "relay "+version+"\n", out)
}

func TestClassify(t *testing.T) {
	dir := workspaceDir(t)
	out, err := execute(t, "-C", dir, "classify", "read", "main.go")
	require.NoError(t, err)
	assert.Contains(t, out, "task type:")
	assert.Contains(t, out, "action:     read_file main.go")
}

func TestRun_DryRunThenInspect(t *testing.T) {
	dir := workspaceDir(t)
	out, err := execute(t, "-C", dir, "run", "--dry-run", "--type", "implement", "add", "a", "flag", "to", "main.go")
	require.NoError(t, err)
	assert.Contains(t, out, "dry run: model=")
	assert.Contains(t, out, "status:    completed")
	assert.Contains(t, out, "tools:     read_file, list_directory, write_file")

	m := sessionRe.FindStringSubmatch(out)
	require.Len(t, m, 2)
	id := m[1]

	out, err = execute(t, "-C", dir, "checkpoints", "list")
	require.NoError(t, err)
	assert.Contains(t, out, id)
	assert.Contains(t, out, "completed")

	out, err = execute(t, "-C", dir, "checkpoints", "show", id)
	require.NoError(t, err)
	var cp model.SessionCheckpoint
	require.NoError(t, yamlv3.Unmarshal([]byte(out), &cp))
	assert.Equal(t, model.StateCompleted, cp.State)
	assert.Equal(t, model.TaskImplement, cp.TaskType)

	out, err = execute(t, "-C", dir, "metrics")
	require.NoError(t, err)
	assert.Contains(t, out, `relay_sessions_total{status="completed"} 1`)

	_, err = execute(t, "-C", dir, "resume", "--dry-run", id)
	assert.ErrorContains(t, err, "already completed")

	out, err = execute(t, "-C", dir, "checkpoints", "delete", id)
	require.NoError(t, err)
	assert.Contains(t, out, "deleted "+id)

	_, err = os.Stat(filepath.Join(dir, ".relay", "logs", "events.jsonl"))
	assert.NoError(t, err)
}

func TestRun_LightweightYAML(t *testing.T) {
	dir := workspaceDir(t)
	out, err := execute(t, "-C", dir, "run", "--dry-run", "-o", "yaml", "--type", "analyze", "list", "files")
	require.NoError(t, err)

	var res model.SessionResult
	require.NoError(t, yamlv3.Unmarshal([]byte(out), &res))
	assert.Equal(t, model.SessionStatusCompleted, res.Status)
	assert.Equal(t, "list_files", res.Lightweight)
	assert.Contains(t, res.Output, "main.go")
}

func TestRun_Errors(t *testing.T) {
	dir := workspaceDir(t)
	_, err := execute(t, "-C", dir, "run", "--type", "juggle", "x")
	assert.Error(t, err)

	_, err = execute(t, "-C", dir, "run", "--dry-run", "-o", "xml", "list", "files")
	assert.ErrorContains(t, err, "unknown output format")

	require.NoError(t, os.MkdirAll(filepath.Join(dir, ".relay"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".relay", "config.yaml"), []byte("backend:\n  kind: carrier-pigeon\n"), 0644))
	_, err = execute(t, "-C", dir, "run", "--type", "implement", "anything")
	assert.ErrorContains(t, err, "carrier-pigeon")
}

func TestResume_Missing(t *testing.T) {
	dir := workspaceDir(t)
	out, err := execute(t, "-C", dir, "resume", "--dry-run", "sess_nope")
	var ee *exitError
	require.True(t, errors.As(err, &ee))
	assert.Equal(t, 1, ee.code)
	assert.ErrorIs(t, err, model.ErrCheckpointNotFound)
	assert.Contains(t, out, "status:    failed")

	out, err = execute(t, "-C", dir, "resume", "--dry-run", "--request", "implement a flag", "sess_nope")
	require.NoError(t, err)
	assert.Contains(t, out, "started a fresh session")
}

func TestCount(t *testing.T) {
	dir := workspaceDir(t)
	out, err := execute(t, "-C", dir, "count", "main.go", "README.md")
	require.NoError(t, err)
	assert.Contains(t, out, "main.go")
	assert.Contains(t, out, "total")

	_, err = execute(t, "-C", dir, "count", "../outside.go")
	assert.Error(t, err)
}

func TestGather(t *testing.T) {
	dir := workspaceDir(t)
	out, err := execute(t, "-C", dir, "gather", "--type", "implement", "change", "main.go")
	require.NoError(t, err)
	assert.Contains(t, out, "SOURCE")
	assert.Contains(t, out, "main.go")
	assert.Regexp(t, `\d+ of \d+ chunks`, out)
}

func TestInit_SQLiteStore(t *testing.T) {
	dir := workspaceDir(t)
	out, err := execute(t, "-C", dir, "init", "--checkpoint", "sqlite")
	require.NoError(t, err)
	assert.Contains(t, out, "Initialized")

	_, err = execute(t, "-C", dir, "init")
	assert.ErrorContains(t, err, "already exists")

	out, err = execute(t, "-C", dir, "run", "--dry-run", "--type", "debug", "why", "does", "main", "crash")
	require.NoError(t, err)
	id := sessionRe.FindStringSubmatch(out)[1]

	_, err = os.Stat(filepath.Join(dir, ".relay", "checkpoints.db"))
	require.NoError(t, err)
	out, err = execute(t, "-C", dir, "checkpoints", "list")
	require.NoError(t, err)
	assert.Contains(t, out, id)
}

func TestStatus(t *testing.T) {
	dir := workspaceDir(t)
	out, err := execute(t, "-C", dir, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "Lock: free")
	assert.Contains(t, out, "Sessions: none")

	_, err = execute(t, "-C", dir, "run", "--dry-run", "--type", "implement", "add", "a", "flag")
	require.NoError(t, err)
	out, err = execute(t, "-C", dir, "status", "--json")
	require.NoError(t, err)
	assert.Contains(t, out, `"completed": 1`)
	assert.Contains(t, out, `"state_changed"`)
}

func TestWarnDropped(t *testing.T) {
	var buf bytes.Buffer
	logger := logging.New(&buf, "relay", logging.LevelWarn)

	quiet := events.NewBus(8)
	quiet.Publish(events.EventText, "s", nil)
	quiet.Close()
	warnDropped(logger, quiet)
	assert.Empty(t, buf.String())

	bus := events.NewBus(1)
	release := make(chan struct{})
	bus.SubscribeAll(func(events.Event) { <-release })
	for i := 0; i < 5; i++ {
		bus.Publish(events.EventToolCall, "s", nil)
	}
	close(release)
	done := make(chan struct{})
	go func() {
		bus.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("bus did not close")
	}

	warnDropped(logger, bus)
	assert.Contains(t, buf.String(), "dropped")
	assert.Contains(t, buf.String(), "tool_call")
	assert.NotContains(t, buf.String(), "state_changed")
}
