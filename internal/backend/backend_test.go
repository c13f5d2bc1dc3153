package backend

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/relay/internal/logging"
	"github.com/msageha/relay/internal/model"
)

func collect(t *testing.T, ch <-chan Event) (texts []string, calls []model.ToolCall, errs []error) {
	t.Helper()
	for ev := range ch {
		switch {
		case ev.Err != nil:
			errs = append(errs, ev.Err)
		case ev.ToolCall != nil:
			calls = append(calls, *ev.ToolCall)
		default:
			texts = append(texts, ev.Text)
		}
	}
	return texts, calls, errs
}

var readTool = model.ToolDefinition{
	Name:        "read_file",
	Description: "Read a file",
	Parameters: []model.ToolParameter{
		{Name: "path", Type: "string", Description: "path", Required: true},
	},
}

func TestScripted_ReplaysTurnsInOrder(t *testing.T) {
	s := NewScripted(
		Turn{Text: "looking", ToolCalls: []model.ToolCall{{ID: "c1", Name: "read_file", Arguments: map[string]any{"path": "a.go"}}}},
		Turn{Text: "fixed"},
	)
	sess, err := s.Open(context.Background(), OpenRequest{Model: "m", Tools: []model.ToolDefinition{readTool}})
	require.NoError(t, err)

	ch, err := sess.Send(context.Background(), Message{Text: "hello"})
	require.NoError(t, err)
	texts, calls, errs := collect(t, ch)
	assert.Equal(t, []string{"looking"}, texts)
	require.Len(t, calls, 1)
	assert.Equal(t, "c1", calls[0].ID)
	assert.Empty(t, errs)

	results := []model.ToolResult{{CallID: "c1", Name: "read_file", Success: true, Result: "package a"}}
	ch, err = sess.Send(context.Background(), Message{ToolResults: results})
	require.NoError(t, err)
	texts, calls, _ = collect(t, ch)
	assert.Equal(t, []string{"fixed"}, texts)
	assert.Empty(t, calls)

	ch, err = sess.Send(context.Background(), Message{Text: "more?"})
	require.NoError(t, err)
	texts, _, _ = collect(t, ch)
	assert.Equal(t, []string{"done"}, texts, "an exhausted script closes the conversation")

	got := s.Received()
	require.Len(t, got, 3)
	assert.Equal(t, "hello", got[0].Text)
	assert.Equal(t, results, got[1].ToolResults)

	require.NoError(t, sess.Close())
	require.NoError(t, sess.Close())
	assert.Equal(t, 1, s.Closed())
	_, err = sess.Send(context.Background(), Message{Text: "x"})
	assert.Error(t, err)
}

func TestScripted_DelayHonorsContext(t *testing.T) {
	s := NewScripted(Turn{Text: "late", Delay: time.Minute})
	sess, err := s.Open(context.Background(), OpenRequest{})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	ch, err := sess.Send(ctx, Message{Text: "go"})
	require.NoError(t, err)
	texts, _, errs := collect(t, ch)
	assert.Empty(t, texts)
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], context.DeadlineExceeded)
}

func TestScripted_ErrorsAndFailOpen(t *testing.T) {
	boom := errors.New("boom")
	s := NewScripted(Turn{Text: "partial", Err: boom})
	sess, err := s.Open(context.Background(), OpenRequest{})
	require.NoError(t, err)
	ch, _ := sess.Send(context.Background(), Message{Text: "go"})
	texts, _, errs := collect(t, ch)
	assert.Equal(t, []string{"partial"}, texts)
	assert.Equal(t, []error{boom}, errs)

	s.FailOpen(boom)
	_, err = s.Open(context.Background(), OpenRequest{})
	assert.ErrorIs(t, err, boom)
}

func TestDryRun(t *testing.T) {
	s := DryRun()
	sess, err := s.Open(context.Background(), OpenRequest{Model: "m1", Tools: []model.ToolDefinition{readTool, {Name: "write_file"}}})
	require.NoError(t, err)
	ch, _ := sess.Send(context.Background(), Message{Text: "12345"})
	texts, calls, _ := collect(t, ch)
	assert.Empty(t, calls)
	assert.Equal(t, []string{"dry run: model=m1 prompt_chars=5 tools=[read_file, write_file]"}, texts)
}

func TestReplay(t *testing.T) {
	history := []model.Message{
		{Role: model.RoleUser, Content: "fix it"},
		{Role: model.RoleAssistant, Content: "reading"},
		{Role: model.RoleTool, Content: "read_file: package a"},
		{Role: model.RoleTool, Content: "run_tests: ok"},
		{Role: model.RoleAssistant, Content: ""},
		{Role: model.RoleAssistant, Content: "done"},
	}
	got := replay(history)
	assert.Equal(t, []turn{
		{role: model.RoleUser, text: "fix it"},
		{role: model.RoleAssistant, text: "reading"},
		{role: model.RoleUser, text: "Tool result:\nread_file: package a\n\nTool result:\nrun_tests: ok"},
		{role: model.RoleAssistant, text: "done"},
	}, got)

	got = replay([]model.Message{{Role: model.RoleAssistant, Content: "hi"}})
	assert.Equal(t, model.RoleUser, got[0].role, "conversations always start with a user turn")
	assert.Empty(t, replay(nil))
}

func TestNew(t *testing.T) {
	cfg := model.DefaultConfig()
	b, err := New(&cfg, logging.Discard())
	require.NoError(t, err)
	assert.Equal(t, "scripted", b.Name())

	cfg.Backend.Kind = "anthropic"
	_, err = New(&cfg, logging.Discard())
	assert.ErrorContains(t, err, "ANTHROPIC_API_KEY")

	cfg.Backend.Kind = "openai"
	_, err = New(&cfg, logging.Discard())
	assert.ErrorContains(t, err, "OPENAI_API_KEY")

	cfg.Backend.Kind = "other"
	_, err = New(&cfg, logging.Discard())
	assert.Error(t, err)
}

type recorder struct {
	mu     sync.Mutex
	bodies []map[string]any
}

func (r *recorder) record(t *testing.T, req *http.Request) {
	data, err := io.ReadAll(req.Body)
	require.NoError(t, err)
	var body map[string]any
	require.NoError(t, json.Unmarshal(data, &body))
	r.mu.Lock()
	r.bodies = append(r.bodies, body)
	r.mu.Unlock()
}

func TestAnthropicBackend_ToolRoundTrip(t *testing.T) {
	rec := &recorder{}
	replies := []string{
		`{"id":"msg_1","type":"message","role":"assistant","model":"claude-test","stop_reason":"tool_use",
		  "content":[{"type":"text","text":"Let me look."},{"type":"tool_use","id":"toolu_1","name":"read_file","input":{"path":"a.go"}}],
		  "usage":{"input_tokens":10,"output_tokens":5}}`,
		`{"id":"msg_2","type":"message","role":"assistant","model":"claude-test","stop_reason":"end_turn",
		  "content":[{"type":"text","text":"All good."}],
		  "usage":{"input_tokens":20,"output_tokens":3}}`,
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		assert.Equal(t, "/v1/messages", req.URL.Path)
		rec.record(t, req)
		rec.mu.Lock()
		n := len(rec.bodies)
		rec.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, replies[min(n, len(replies))-1])
	}))
	defer srv.Close()

	b, err := NewAnthropic(model.BackendConfig{APIKey: "test", Model: "claude-test", BaseURL: srv.URL}, false, logging.Discard(), option.WithMaxRetries(0))
	require.NoError(t, err)
	sess, err := b.Open(context.Background(), OpenRequest{System: "be brief", Tools: []model.ToolDefinition{readTool}, MaxTokens: 100})
	require.NoError(t, err)

	ch, err := sess.Send(context.Background(), Message{Text: "check a.go"})
	require.NoError(t, err)
	texts, calls, errs := collect(t, ch)
	require.Empty(t, errs)
	assert.Equal(t, []string{"Let me look."}, texts)
	require.Len(t, calls, 1)
	assert.Equal(t, model.ToolCall{ID: "toolu_1", Name: "read_file", Arguments: map[string]any{"path": "a.go"}}, calls[0])

	ch, err = sess.Send(context.Background(), Message{ToolResults: []model.ToolResult{{CallID: "toolu_1", Name: "read_file", Success: false, Error: "file not found"}}})
	require.NoError(t, err)
	texts, calls, errs = collect(t, ch)
	require.Empty(t, errs)
	assert.Equal(t, []string{"All good."}, texts)
	assert.Empty(t, calls)

	require.Len(t, rec.bodies, 2)
	first := rec.bodies[0]
	assert.Equal(t, "claude-test", first["model"])
	assert.EqualValues(t, 100, first["max_tokens"])
	tools := first["tools"].([]any)
	require.Len(t, tools, 1)
	assert.Equal(t, "read_file", tools[0].(map[string]any)["name"])

	msgs := rec.bodies[1]["messages"].([]any)
	require.Len(t, msgs, 3, "user, assistant tool use, tool result")
	assert.Equal(t, "assistant", msgs[1].(map[string]any)["role"])
	last := msgs[2].(map[string]any)["content"].([]any)[0].(map[string]any)
	assert.Equal(t, "tool_result", last["type"])
	assert.Equal(t, "toolu_1", last["tool_use_id"])
	assert.Equal(t, true, last["is_error"])
}

func TestOpenAIBackend_ToolRoundTrip(t *testing.T) {
	rec := &recorder{}
	replies := []string{
		`{"id":"c1","object":"chat.completion","created":1,"model":"gpt-test",
		  "choices":[{"index":0,"finish_reason":"tool_calls","message":{"role":"assistant","content":"",
		    "tool_calls":[{"id":"call_1","type":"function","function":{"name":"read_file","arguments":"{\"path\":\"a.go\"}"}}]}}],
		  "usage":{"prompt_tokens":10,"completion_tokens":5,"total_tokens":15}}`,
		`{"id":"c2","object":"chat.completion","created":2,"model":"gpt-test",
		  "choices":[{"index":0,"finish_reason":"stop","message":{"role":"assistant","content":"Done."}}],
		  "usage":{"prompt_tokens":20,"completion_tokens":2,"total_tokens":22}}`,
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		assert.Equal(t, "/chat/completions", req.URL.Path)
		rec.record(t, req)
		rec.mu.Lock()
		n := len(rec.bodies)
		rec.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, replies[min(n, len(replies))-1])
	}))
	defer srv.Close()

	b, err := NewOpenAI(model.BackendConfig{APIKey: "test", Model: "gpt-test", BaseURL: srv.URL}, false, logging.Discard())
	require.NoError(t, err)
	sess, err := b.Open(context.Background(), OpenRequest{
		System:  "be brief",
		Tools:   []model.ToolDefinition{readTool},
		History: []model.Message{{Role: model.RoleUser, Content: "earlier"}, {Role: model.RoleAssistant, Content: "ok"}},
	})
	require.NoError(t, err)

	ch, err := sess.Send(context.Background(), Message{Text: ResumePrompt})
	require.NoError(t, err)
	texts, calls, errs := collect(t, ch)
	require.Empty(t, errs)
	assert.Empty(t, texts)
	require.Len(t, calls, 1)
	assert.Equal(t, "call_1", calls[0].ID)
	assert.Equal(t, map[string]any{"path": "a.go"}, calls[0].Arguments)

	ch, err = sess.Send(context.Background(), Message{ToolResults: []model.ToolResult{{CallID: "call_1", Success: true, Result: "package a"}}})
	require.NoError(t, err)
	texts, _, errs = collect(t, ch)
	require.Empty(t, errs)
	assert.Equal(t, []string{"Done."}, texts)

	require.Len(t, rec.bodies, 2)
	msgs := rec.bodies[0]["messages"].([]any)
	require.Len(t, msgs, 4, "system, replayed user and assistant, new user")
	assert.Equal(t, "system", msgs[0].(map[string]any)["role"])
	assert.Equal(t, ResumePrompt, msgs[3].(map[string]any)["content"])

	msgs = rec.bodies[1]["messages"].([]any)
	tool := msgs[len(msgs)-1].(map[string]any)
	assert.Equal(t, "tool", tool["role"])
	assert.Equal(t, "call_1", tool["tool_call_id"])
	assert.Equal(t, "package a", tool["content"])
}

func TestOpenAIBackend_Streaming(t *testing.T) {
	rec := &recorder{}
	chunk := func(delta string, finish string) string {
		f := "null"
		if finish != "" {
			f = `"` + finish + `"`
		}
		return `data: {"id":"s","object":"chat.completion.chunk","created":1,"model":"gpt-test","choices":[{"index":0,"delta":` + delta + `,"finish_reason":` + f + `}]}` + "\n\n"
	}
	replies := [][]string{
		{
			chunk(`{"role":"assistant","content":"Let me "}`, ""),
			chunk(`{"content":"look."}`, ""),
			chunk(`{"tool_calls":[{"index":0,"id":"call_1","type":"function","function":{"name":"read_file","arguments":"{\"pa"}}]}`, ""),
			chunk(`{"tool_calls":[{"index":0,"function":{"arguments":"th\":\"a.go\"}"}}]}`, ""),
			chunk(`{"tool_calls":[{"index":1,"id":"call_2","type":"function","function":{"name":"read_file","arguments":"{}"}}]}`, ""),
			chunk(`{}`, "tool_calls"),
		},
		{
			chunk(`{"role":"assistant","content":"Done."}`, "stop"),
		},
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		rec.record(t, req)
		rec.mu.Lock()
		n := len(rec.bodies)
		rec.mu.Unlock()
		w.Header().Set("Content-Type", "text/event-stream")
		for _, c := range replies[min(n, len(replies))-1] {
			_, _ = io.WriteString(w, c)
		}
		_, _ = io.WriteString(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	b, err := NewOpenAI(model.BackendConfig{APIKey: "test", Model: "gpt-test", BaseURL: srv.URL}, true, logging.Discard())
	require.NoError(t, err)
	sess, err := b.Open(context.Background(), OpenRequest{Tools: []model.ToolDefinition{readTool}})
	require.NoError(t, err)

	ch, err := sess.Send(context.Background(), Message{Text: "check a.go"})
	require.NoError(t, err)
	texts, calls, errs := collect(t, ch)
	require.Empty(t, errs)
	assert.Equal(t, []string{"Let me ", "look."}, texts)
	require.Len(t, calls, 2)
	assert.Equal(t, model.ToolCall{ID: "call_1", Name: "read_file", Arguments: map[string]any{"path": "a.go"}}, calls[0])
	assert.Equal(t, "call_2", calls[1].ID)

	ch, err = sess.Send(context.Background(), Message{ToolResults: []model.ToolResult{
		{CallID: "call_1", Success: true, Result: "package a"},
		{CallID: "call_2", Success: false, Error: "missing path"},
	}})
	require.NoError(t, err)
	texts, _, errs = collect(t, ch)
	require.Empty(t, errs)
	assert.Equal(t, []string{"Done."}, texts)

	require.Len(t, rec.bodies, 2)
	assert.Equal(t, true, rec.bodies[0]["stream"])
	msgs := rec.bodies[1]["messages"].([]any)
	require.Len(t, msgs, 4, "user, assembled assistant turn, two tool results")
	assistant := msgs[1].(map[string]any)
	assert.Equal(t, "Let me look.", assistant["content"])
	toolCalls := assistant["tool_calls"].([]any)
	require.Len(t, toolCalls, 2)
	fn := toolCalls[0].(map[string]any)["function"].(map[string]any)
	assert.Equal(t, `{"path":"a.go"}`, fn["arguments"])
	assert.Equal(t, "error: missing path", msgs[3].(map[string]any)["content"])
}

func TestSessions_RejectEmptyMessage(t *testing.T) {
	a, err := NewAnthropic(model.BackendConfig{APIKey: "k"}, false, logging.Discard())
	require.NoError(t, err)
	sess, err := a.Open(context.Background(), OpenRequest{})
	require.NoError(t, err)
	_, err = sess.Send(context.Background(), Message{})
	assert.Error(t, err)

	o, err := NewOpenAI(model.BackendConfig{APIKey: "k"}, false, logging.Discard())
	require.NoError(t, err)
	sess, err = o.Open(context.Background(), OpenRequest{})
	require.NoError(t, err)
	_, err = sess.Send(context.Background(), Message{})
	assert.Error(t, err)
}
