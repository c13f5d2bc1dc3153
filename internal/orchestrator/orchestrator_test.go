package orchestrator

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/relay/internal/action"
	"github.com/msageha/relay/internal/backend"
	"github.com/msageha/relay/internal/checkpoint"
	"github.com/msageha/relay/internal/events"
	"github.com/msageha/relay/internal/logging"
	"github.com/msageha/relay/internal/model"
	"github.com/msageha/relay/internal/toolset"
	"github.com/msageha/relay/internal/workspace"
)

// recordingStore remembers the state of every checkpoint saved.
type recordingStore struct {
	checkpoint.Store
	mu     sync.Mutex
	states []model.SessionState
}

func (s *recordingStore) Save(ctx context.Context, cp *model.SessionCheckpoint) error {
	if cp != nil {
		s.mu.Lock()
		s.states = append(s.states, cp.State)
		s.mu.Unlock()
	}
	return s.Store.Save(ctx, cp)
}

func (s *recordingStore) saved() []model.SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.SessionState(nil), s.states...)
}

type harness struct {
	ws       *workspace.Workspace
	cfg      *model.Config
	registry *toolset.Registry
	store    *recordingStore
	backend  *backend.Scripted
	deps     Deps
}

func newHarness(t *testing.T, turns ...backend.Turn) *harness {
	t.Helper()
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "main.go"), []byte("package main\n\nfunc main() {}\n"), 0644))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "src"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "src", "app.go"), []byte("package src\n"), 0644))
	ws, err := workspace.New(root)
	require.NoError(t, err)

	fs, err := checkpoint.NewFileStore(t.TempDir(), logging.Discard())
	require.NoError(t, err)

	cfg := model.DefaultConfig()
	h := &harness{
		ws:       ws,
		cfg:      &cfg,
		registry: toolset.NewDefaultRegistry(ws),
		store:    &recordingStore{Store: fs},
		backend:  backend.NewScripted(turns...),
	}
	h.deps = Deps{
		Workspace: ws,
		Registry:  h.registry,
		Backend:   h.backend,
		Store:     h.store,
		Confirmer: AutoApprove,
		Timeout:   10 * time.Second,
	}
	return h
}

func (h *harness) orchestrator(t *testing.T) *Orchestrator {
	t.Helper()
	o, err := New(h.cfg, h.deps)
	require.NoError(t, err)
	return o
}

func call(id, name string, args map[string]any) model.ToolCall {
	return model.ToolCall{ID: id, Name: name, Arguments: args}
}

func TestNew_RequiresCollaborators(t *testing.T) {
	h := newHarness(t)
	_, err := New(nil, h.deps)
	assert.Error(t, err)

	for name, mutate := range map[string]func(*Deps){
		"workspace": func(d *Deps) { d.Workspace = nil },
		"registry":  func(d *Deps) { d.Registry = nil },
		"backend":   func(d *Deps) { d.Backend = nil },
		"store":     func(d *Deps) { d.Store = nil },
	} {
		d := h.deps
		mutate(&d)
		_, err := New(h.cfg, d)
		assert.ErrorContains(t, err, name)
	}
}

func TestRun_CompletesWithTools(t *testing.T) {
	h := newHarness(t,
		backend.Turn{Text: "writing the greeting", ToolCalls: []model.ToolCall{
			call("c1", "write_file", map[string]any{"path": "greet.txt", "content": "hello"}),
			call("c2", "read_file", map[string]any{"path": "main.go"}),
		}},
		backend.Turn{Text: "added greet.txt"},
	)
	o := h.orchestrator(t)

	res, err := o.Run(context.Background(), Request{Text: "implement a greeting file", TaskType: model.TaskImplement})
	require.NoError(t, err)
	assert.Equal(t, model.SessionStatusCompleted, res.Status)
	assert.Equal(t, model.StateCompleted, res.State)
	assert.Equal(t, model.TaskImplement, res.TaskType)
	assert.Equal(t, 1, res.Iterations)
	assert.Equal(t, "writing the greeting\nadded greet.txt", res.Output)
	assert.Equal(t, []string{"read_file", "list_directory", "write_file"}, res.Tools)
	require.Len(t, res.Artifacts, 1)
	assert.Equal(t, "greet.txt", res.Artifacts[0].Path)
	assert.Equal(t, model.ActionCreated, res.Artifacts[0].Action)
	assert.True(t, strings.HasPrefix(res.SessionID, "sess_"))

	data, err := os.ReadFile(filepath.Join(h.ws.Root(), "greet.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))

	opened := h.backend.Opened()
	require.Len(t, opened, 1)
	assert.Equal(t, model.SystemPrompt(model.TaskImplement), opened[0].System)
	assert.Equal(t, h.cfg.OutputTokenBudget, opened[0].MaxTokens)
	assert.Empty(t, opened[0].History)

	received := h.backend.Received()
	require.Len(t, received, 2)
	assert.Contains(t, received[0].Text, "implement a greeting file")
	results := received[1].ToolResults
	require.Len(t, results, 2)
	assert.Equal(t, "c1", results[0].CallID)
	assert.True(t, results[0].Success)
	assert.Equal(t, "c2", results[1].CallID)
	assert.Contains(t, results[1].Result, "package main")
	assert.Equal(t, 1, h.backend.Closed())

	assert.Equal(t, []model.SessionState{
		model.StateCreated,
		model.StateClassified,
		model.StateContextGathered,
		model.StateContextCompressed,
		model.StateToolsAssembled,
		model.StateSessionActive,
		model.StateToolCallPending,
		model.StateSessionActive,
		model.StateCompleted,
	}, h.store.saved())

	cp, err := h.store.Restore(context.Background(), res.SessionID)
	require.NoError(t, err)
	assert.Equal(t, model.StateCompleted, cp.State)
	assert.Len(t, cp.Artifacts, 1)
	roles := make([]string, 0, len(cp.ConversationHistory))
	for _, m := range cp.ConversationHistory {
		roles = append(roles, m.Role)
	}
	assert.Equal(t, []string{"user", "assistant", "tool", "tool", "assistant"}, roles)
}

func TestRun_ToolFailuresKeepSessionGoing(t *testing.T) {
	h := newHarness(t,
		backend.Turn{ToolCalls: []model.ToolCall{
			call("c1", "read_file", map[string]any{"path": "missing.go"}),
			call("c2", "explode", nil),
			call("c3", "no_such_tool", nil),
		}},
		backend.Turn{Text: "recovered"},
	)
	h.registry.Register(toolset.Entry{Required: true, Factory: func() model.ToolDefinition {
		return model.ToolDefinition{
			Name:        "explode",
			Description: "panics",
			Handler: func(context.Context, map[string]any) (model.ToolOutput, error) {
				panic("boom")
			},
		}
	}}, model.TaskDebug)
	o := h.orchestrator(t)

	res, err := o.Run(context.Background(), Request{Text: "debug the crash", TaskType: model.TaskDebug})
	require.NoError(t, err)
	assert.Equal(t, model.StateCompleted, res.State)

	received := h.backend.Received()
	require.Len(t, received, 2)
	results := received[1].ToolResults
	require.Len(t, results, 3)
	for _, r := range results {
		assert.False(t, r.Success, r.Name)
		assert.Contains(t, r.Error, model.ErrToolExecutionFailed.Error(), r.Name)
	}
	assert.Contains(t, results[0].Error, "file not found")
	assert.Contains(t, results[1].Error, "boom")
	assert.Contains(t, results[2].Error, `unknown tool "no_such_tool"`)
}

func TestRun_ConfirmationDenied(t *testing.T) {
	h := newHarness(t,
		backend.Turn{ToolCalls: []model.ToolCall{call("c1", "write_file", map[string]any{"path": "x.txt", "content": "x"})}},
	)
	h.deps.Confirmer = nil
	o := h.orchestrator(t)

	res, err := o.Run(context.Background(), Request{Text: "implement x", TaskType: model.TaskImplement})
	require.NoError(t, err)
	assert.Equal(t, model.StateCompleted, res.State)
	assert.Empty(t, res.Artifacts)
	_, statErr := os.Stat(filepath.Join(h.ws.Root(), "x.txt"))
	assert.True(t, os.IsNotExist(statErr))

	results := h.backend.Received()[1].ToolResults
	require.Len(t, results, 1)
	assert.False(t, results[0].Success)
	assert.Contains(t, results[0].Error, model.ErrConfirmationDenied.Error())
}

func TestRun_TimeoutDiscardsLateResult(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	h := newHarness(t,
		backend.Turn{ToolCalls: []model.ToolCall{call("c1", "write_file", map[string]any{"path": "early.txt", "content": "kept"})}},
		backend.Turn{ToolCalls: []model.ToolCall{call("c2", "stall", nil)}},
	)
	h.registry.Register(toolset.Entry{Required: true, Factory: func() model.ToolDefinition {
		return model.ToolDefinition{
			Name:        "stall",
			Description: "ignores its context",
			Handler: func(context.Context, map[string]any) (model.ToolOutput, error) {
				<-release
				return model.ToolOutput{Content: "too late", Artifacts: []model.Artifact{{Path: "late.txt"}}}, nil
			},
		}
	}}, model.TaskImplement)
	h.deps.Timeout = 300 * time.Millisecond
	o := h.orchestrator(t)

	start := time.Now()
	res, err := o.Run(context.Background(), Request{Text: "implement the stall", TaskType: model.TaskImplement})
	assert.ErrorIs(t, err, model.ErrSessionTimeout)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Equal(t, model.SessionStatusTimedOut, res.Status)
	assert.Equal(t, model.StateTimedOut, res.State)
	assert.Contains(t, res.Reason, "session timeout")
	require.Len(t, res.Artifacts, 1)
	assert.Equal(t, "early.txt", res.Artifacts[0].Path)
	assert.Len(t, h.backend.Received(), 2)

	states := h.store.saved()
	assert.Equal(t, model.StateTimedOut, states[len(states)-1])
}

func TestRun_BackendErrorFails(t *testing.T) {
	h := newHarness(t, backend.Turn{Text: "partial", Err: errors.New("overloaded")})
	o := h.orchestrator(t)

	res, err := o.Run(context.Background(), Request{Text: "implement it", TaskType: model.TaskImplement})
	assert.ErrorContains(t, err, "overloaded")
	assert.Equal(t, model.StateFailed, res.State)
	assert.Equal(t, "partial", res.Output)
}

func TestRun_OpenFailureFails(t *testing.T) {
	h := newHarness(t)
	h.backend.FailOpen(errors.New("no credentials"))
	o := h.orchestrator(t)

	res, err := o.Run(context.Background(), Request{Text: "implement it", TaskType: model.TaskImplement})
	assert.ErrorContains(t, err, "no credentials")
	assert.Equal(t, model.StateFailed, res.State)
	assert.Equal(t, model.StateToolsAssembled, h.store.saved()[4])
}

func TestRun_MaxIterations(t *testing.T) {
	read := backend.Turn{ToolCalls: []model.ToolCall{call("", "read_file", map[string]any{"path": "main.go"})}}
	h := newHarness(t, read, read, read)
	h.cfg.MaxIterations = 2
	o := h.orchestrator(t)

	res, err := o.Run(context.Background(), Request{Text: "implement forever", TaskType: model.TaskImplement})
	assert.ErrorContains(t, err, "exceeded 2 tool iterations")
	assert.Equal(t, model.StateFailed, res.State)
	assert.Equal(t, 2, res.Iterations)

	received := h.backend.Received()
	require.Len(t, received, 2)
	assert.Equal(t, "call_1_1", received[1].ToolResults[0].CallID)
}

func TestRun_InvalidRequests(t *testing.T) {
	h := newHarness(t)
	o := h.orchestrator(t)

	res, err := o.Run(context.Background(), Request{Text: "   "})
	assert.Error(t, err)
	assert.Equal(t, model.StateFailed, res.State)

	res, err = o.Run(context.Background(), Request{Text: "do it", TaskType: "juggle"})
	assert.Error(t, err)
	assert.Equal(t, model.SessionStatusFailed, res.Status)
	assert.Empty(t, h.store.saved())
}

func TestRun_LightweightAction(t *testing.T) {
	h := newHarness(t)
	h.deps.Actions = action.NewRunner(h.registry, toolset.NewBuiltins(h.ws), nil, logging.Discard())
	o := h.orchestrator(t)

	res, err := o.Run(context.Background(), Request{Text: "list files", TaskType: model.TaskAnalyze})
	require.NoError(t, err)
	assert.Equal(t, model.StateCompleted, res.State)
	assert.Equal(t, "list_files", res.Lightweight)
	assert.Contains(t, res.Output, "main.go")
	assert.Contains(t, res.Output, "src/app.go")
	assert.Empty(t, h.backend.Opened())
	assert.Equal(t, []model.SessionState{model.StateCreated, model.StateClassified, model.StateCompleted}, h.store.saved())

	res, err = o.Run(context.Background(), Request{Text: "list files", TaskType: model.TaskAnalyze, NoActions: true})
	require.NoError(t, err)
	assert.Empty(t, res.Lightweight)
	assert.Len(t, h.backend.Opened(), 1)
}

func TestRun_PublishesEvents(t *testing.T) {
	h := newHarness(t,
		backend.Turn{Text: "writing", ToolCalls: []model.ToolCall{call("c1", "write_file", map[string]any{"path": "a.txt", "content": "a"})}},
	)
	bus := events.NewBus(256)
	var (
		mu  sync.Mutex
		got []events.Event
	)
	bus.SubscribeAll(func(e events.Event) {
		mu.Lock()
		got = append(got, e)
		mu.Unlock()
	})
	h.deps.Bus = bus
	o := h.orchestrator(t)

	res, err := o.Run(context.Background(), Request{Text: "implement a", TaskType: model.TaskImplement})
	require.NoError(t, err)
	bus.Close()

	counts := map[events.EventType]int{}
	var last events.Event
	for _, e := range got {
		assert.Equal(t, res.SessionID, e.SessionID)
		counts[e.Type]++
		if e.Type == events.EventStateChanged {
			last = e
		}
	}
	assert.Equal(t, 9, counts[events.EventStateChanged])
	assert.Equal(t, 1, counts[events.EventToolCall])
	assert.Equal(t, 1, counts[events.EventToolResult])
	assert.Equal(t, 1, counts[events.EventArtifact])
	assert.Equal(t, 2, counts[events.EventText])
	assert.Equal(t, "completed", last.Data["to"])
}

func resumableCheckpoint() *model.SessionCheckpoint {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	cp := &model.SessionCheckpoint{
		SessionID:       "sess_resume",
		TaskID:          "0193c5d2-7a00-7000-8000-000000000001",
		CreatedAt:       now.Format(time.RFC3339Nano),
		TaskType:        model.TaskDebug,
		Confidence:      0.7,
		OriginalRequest: "why does main.go crash",
		State:           model.StateToolCallPending,
		ContextText:     "=== main.go (file) ===\npackage main\n",
		TokenBudget:     model.NewTokenBudget(8000, 4000),
		SelectedTools:   []string{"read_file", "list_directory", "search_code", "run_tests"},
		Model:           "claude-sonnet-4-5",
		ConversationHistory: []model.Message{
			{Role: model.RoleUser, Content: "why does main.go crash"},
			{Role: model.RoleAssistant, Content: "reading main.go"},
			{Role: model.RoleTool, Content: "read_file: package main"},
		},
		Iterations: 1,
		Metadata:   map[string]string{"backend": "scripted"},
	}
	cp.Touch(now)
	return cp
}

func TestResume_FromToolCallPending(t *testing.T) {
	h := newHarness(t, backend.Turn{Text: "main never returns an error"})
	cp := resumableCheckpoint()
	require.NoError(t, h.store.Store.Save(context.Background(), cp))
	o := h.orchestrator(t)

	res, err := o.Resume(context.Background(), "sess_resume", Request{})
	require.NoError(t, err)
	assert.Equal(t, model.StateCompleted, res.State)
	assert.Equal(t, model.TaskDebug, res.TaskType)
	assert.Equal(t, 1, res.Iterations)
	assert.Equal(t, cp.SelectedTools, res.Tools)

	opened := h.backend.Opened()
	require.Len(t, opened, 1)
	names := make([]string, 0, len(opened[0].Tools))
	for _, d := range opened[0].Tools {
		names = append(names, d.Name)
	}
	assert.Equal(t, cp.SelectedTools, names)
	require.Len(t, opened[0].History, 3)
	assert.Equal(t, model.BuildPrompt(cp.ContextText, cp.OriginalRequest), opened[0].History[0].Content)

	received := h.backend.Received()
	require.Len(t, received, 1)
	assert.Equal(t, backend.ResumePrompt, received[0].Text)

	assert.Equal(t, []model.SessionState{model.StateSessionActive, model.StateCompleted}, h.store.saved())
}

func TestResume_AfterCompressionReusesContext(t *testing.T) {
	h := newHarness(t)
	cp := resumableCheckpoint()
	cp.State = model.StateContextCompressed
	cp.SelectedTools = nil
	cp.ConversationHistory = nil
	cp.Iterations = 0
	require.NoError(t, h.store.Store.Save(context.Background(), cp))
	o := h.orchestrator(t)

	res, err := o.Resume(context.Background(), "sess_resume", Request{})
	require.NoError(t, err)
	assert.Equal(t, model.StateCompleted, res.State)
	assert.Equal(t, model.TaskDebug, res.TaskType)
	assert.Equal(t, []string{"read_file", "list_directory", "search_code", "run_tests"}, res.Tools)

	received := h.backend.Received()
	require.Len(t, received, 1)
	assert.Equal(t, model.BuildPrompt(cp.ContextText, cp.OriginalRequest), received[0].Text)
	assert.Equal(t, []model.SessionState{
		model.StateToolsAssembled, model.StateSessionActive, model.StateCompleted,
	}, h.store.saved())
}

func TestResume_AfterGatheringRebuildsSameContext(t *testing.T) {
	h := newHarness(t)
	o := h.orchestrator(t)
	ctx := context.Background()

	fresh, err := o.Run(ctx, Request{Text: "why does main.go crash", TaskType: model.TaskDebug})
	require.NoError(t, err)
	freshCP, err := h.store.Restore(ctx, fresh.SessionID)
	require.NoError(t, err)
	require.NotEmpty(t, freshCP.ContextText)

	cp := resumableCheckpoint()
	cp.State = model.StateContextGathered
	cp.ContextText = ""
	cp.SelectedTools = nil
	cp.ConversationHistory = nil
	cp.Iterations = 0
	require.NoError(t, h.store.Store.Save(ctx, cp))

	res, err := o.Resume(ctx, "sess_resume", Request{})
	require.NoError(t, err)
	assert.Equal(t, model.StateCompleted, res.State)
	assert.Equal(t, fresh.Context, res.Context)

	resumed, err := h.store.Restore(ctx, "sess_resume")
	require.NoError(t, err)
	assert.Equal(t, freshCP.ContextText, resumed.ContextText)
	assert.Equal(t, freshCP.Truncated, resumed.Truncated)
}

func TestResume_Missing(t *testing.T) {
	h := newHarness(t)
	o := h.orchestrator(t)

	res, err := o.Resume(context.Background(), "sess_gone", Request{})
	assert.ErrorIs(t, err, model.ErrCheckpointNotFound)
	assert.Equal(t, model.SessionStatusFailed, res.Status)
	assert.Empty(t, h.backend.Opened())

	res, err = o.Resume(context.Background(), "sess_gone", Request{Text: "implement it", TaskType: model.TaskImplement})
	require.NoError(t, err)
	assert.Equal(t, model.StateCompleted, res.State)
	assert.NotEqual(t, "sess_gone", res.SessionID)
	require.NotEmpty(t, res.Warnings)
	assert.Contains(t, res.Warnings[len(res.Warnings)-1], "started a fresh session")
}

func TestResume_CorruptCheckpointIsQuarantined(t *testing.T) {
	h := newHarness(t)
	base := t.TempDir()
	fs, err := checkpoint.NewFileStore(base, logging.Discard())
	require.NoError(t, err)
	h.store = &recordingStore{Store: fs}
	h.deps.Store = h.store
	file := filepath.Join(base, "checkpoints", "sess_broken.yaml")
	require.NoError(t, os.WriteFile(file, []byte("session_id: [unclosed\n"), 0644))
	o := h.orchestrator(t)

	res, err := o.Resume(context.Background(), "sess_broken", Request{Text: "implement it", TaskType: model.TaskImplement})
	require.NoError(t, err)
	assert.Equal(t, model.StateCompleted, res.State)
	assert.NotEqual(t, "sess_broken", res.SessionID)
	assert.NoFileExists(t, file)
	n, err := fs.Quarantined(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestResume_Terminal(t *testing.T) {
	h := newHarness(t)
	o := h.orchestrator(t)
	res, err := o.Run(context.Background(), Request{Text: "implement it", TaskType: model.TaskImplement})
	require.NoError(t, err)

	again, err := o.Resume(context.Background(), res.SessionID, Request{})
	assert.ErrorContains(t, err, "already completed")
	assert.Equal(t, model.StateCompleted, again.State)
	assert.Len(t, h.backend.Opened(), 1)
}

func TestClip(t *testing.T) {
	assert.Equal(t, "short", clip("short", 10))
	assert.Equal(t, "abc...", clip("abcdef", 3))
	assert.Equal(t, "日...", clip("日本語", 4))
}

func TestRun_SmallBudgetKeepsContext(t *testing.T) {
	h := newHarness(t, backend.Turn{Text: "done"})
	body := strings.Repeat("func helper() int { return 42 }\n", 50)
	for _, name := range []string{"a.go", "b.go", "c.go", "d.go", "e.go"} {
		require.NoError(t, os.WriteFile(filepath.Join(h.ws.Root(), "src", name), []byte("package src\n\n"+body), 0644))
	}
	h.cfg.InputTokenBudget = 500
	o := h.orchestrator(t)

	res, err := o.Run(context.Background(), Request{Text: "implement caching in src", TaskType: model.TaskImplement})
	require.NoError(t, err)
	assert.Equal(t, model.SessionStatusCompleted, res.Status)
	assert.True(t, res.Truncated)
	assert.Positive(t, res.Context.ChunkCount)
	assert.Positive(t, res.Context.TokensUsed)
	assert.LessOrEqual(t, res.Context.TokensUsed, 500)

	cp, err := h.store.Restore(context.Background(), res.SessionID)
	require.NoError(t, err)
	assert.NotEmpty(t, cp.ContextText)
	assert.LessOrEqual(t, cp.TokenBudget.InputUsed, cp.TokenBudget.InputMax)
}
