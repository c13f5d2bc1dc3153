package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/msageha/relay/internal/backend"
	"github.com/msageha/relay/internal/events"
	"github.com/msageha/relay/internal/model"
)

// converse opens a backend session and alternates between backend turns
// and tool execution until the backend answers without tool calls.
func (r *run) converse(ctx context.Context) (*model.SessionResult, error) {
	if err := ctx.Err(); err != nil {
		return r.finish(ctx, model.StateFailed, err)
	}
	cfg := r.o.cfg
	open := backend.OpenRequest{
		Model:     r.cp.Model,
		System:    model.SystemPrompt(r.cp.TaskType),
		Tools:     r.order,
		MaxTokens: cfg.OutputTokenBudget,
	}
	msg := backend.Message{Text: model.BuildPrompt(r.cp.ContextText, r.cp.OriginalRequest)}
	if r.resumed && len(r.cp.ConversationHistory) > 0 {
		open.History = r.replayHistory()
		msg = backend.Message{Text: backend.ResumePrompt}
	} else {
		r.cp.ConversationHistory = append(r.cp.ConversationHistory, model.Message{Role: model.RoleUser, Content: r.cp.OriginalRequest})
	}

	sess, err := r.o.backend.Open(ctx, open)
	if err != nil {
		return r.finish(ctx, model.StateFailed, fmt.Errorf("open %s session: %w", r.o.backend.Name(), err))
	}
	defer func() {
		if err := sess.Close(); err != nil {
			r.o.logger.Warnf("session=%s close backend: %v", r.id(), err)
		}
	}()

	if r.cp.State == model.StateToolsAssembled || r.cp.State == model.StateToolCallPending {
		if err := r.enter(ctx, model.StateSessionActive); err != nil {
			return r.finish(ctx, model.StateFailed, err)
		}
	}

	for {
		text, calls, err := r.exchange(ctx, sess, msg)
		if text != "" {
			if r.output.Len() > 0 {
				r.output.WriteString("\n")
			}
			r.output.WriteString(text)
			r.cp.ConversationHistory = append(r.cp.ConversationHistory, model.Message{Role: model.RoleAssistant, Content: clip(text, maxHistoryContent)})
			r.o.publish(events.EventText, r.id(), map[string]any{"text": text})
		}
		if err != nil {
			return r.finish(ctx, model.StateFailed, fmt.Errorf("backend: %w", err))
		}
		if len(calls) == 0 {
			return r.finish(ctx, model.StateCompleted, nil)
		}

		r.cp.Iterations++
		if err := r.enter(ctx, model.StateToolCallPending); err != nil {
			return r.finish(ctx, model.StateFailed, err)
		}
		results := make([]model.ToolResult, 0, len(calls))
		for _, call := range calls {
			res, err := r.execute(ctx, call)
			if err != nil {
				return r.finish(ctx, model.StateFailed, err)
			}
			results = append(results, res)
			r.cp.ConversationHistory = append(r.cp.ConversationHistory, model.Message{Role: model.RoleTool, Content: clip(historyLine(res), maxHistoryContent)})
		}
		if r.cp.Iterations >= cfg.MaxIterations {
			return r.finish(ctx, model.StateFailed, fmt.Errorf("exceeded %d tool iterations", cfg.MaxIterations))
		}
		if err := r.enter(ctx, model.StateSessionActive); err != nil {
			return r.finish(ctx, model.StateFailed, err)
		}
		msg = backend.Message{ToolResults: results}
	}
}

// replayHistory returns the stored conversation with the first user turn
// expanded back into the full prompt, so the resumed backend sees the same
// context the interrupted one did.
func (r *run) replayHistory() []model.Message {
	history := append([]model.Message(nil), r.cp.ConversationHistory...)
	if len(history) > 0 && history[0].Role == model.RoleUser {
		history[0].Content = model.BuildPrompt(r.cp.ContextText, history[0].Content)
	}
	return history
}

// exchange sends msg and drains the reply.
func (r *run) exchange(ctx context.Context, sess backend.Session, msg backend.Message) (string, []model.ToolCall, error) {
	ch, err := sess.Send(ctx, msg)
	if err != nil {
		return "", nil, err
	}
	var (
		text  strings.Builder
		calls []model.ToolCall
		first error
	)
	for ev := range ch {
		switch {
		case ev.Err != nil:
			if first == nil {
				first = ev.Err
			}
		case ev.ToolCall != nil:
			call := *ev.ToolCall
			if call.ID == "" {
				call.ID = fmt.Sprintf("call_%d_%d", r.cp.Iterations+1, len(calls)+1)
			}
			calls = append(calls, call)
		default:
			text.WriteString(ev.Text)
		}
	}
	if first == nil {
		first = ctx.Err()
	}
	return text.String(), calls, first
}

// execute runs one tool call. A tool that fails or is denied yields a
// failed result and the session continues; only a done context is
// returned as an error, and whatever the tool produced is discarded.
func (r *run) execute(ctx context.Context, call model.ToolCall) (model.ToolResult, error) {
	res := model.ToolResult{CallID: call.ID, Name: call.Name}
	r.o.publish(events.EventToolCall, r.id(), map[string]any{"tool": call.Name, "call_id": call.ID, "arguments": call.Arguments})

	def, ok := r.tools[call.Name]
	if !ok || def.Handler == nil {
		res.Error = fmt.Sprintf("%v: unknown tool %q", model.ErrToolExecutionFailed, call.Name)
		r.toolDone(call, res)
		return res, nil
	}

	if def.RequiresConfirmation {
		approved, err := r.o.confirmer.Confirm(ctx, call, def)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return res, ctxErr
		}
		if err != nil || !approved {
			reason := fmt.Errorf("%w: %s", model.ErrConfirmationDenied, call.Name)
			if err != nil {
				reason = fmt.Errorf("%w: %s: %v", model.ErrConfirmationDenied, call.Name, err)
			}
			res.Error = reason.Error()
			r.toolDone(call, res)
			return res, nil
		}
	}

	if def.Writes {
		if err := r.o.writes.LockContext(ctx, r.o.ws.Root()); err != nil {
			return res, err
		}
		defer r.o.writes.Unlock(r.o.ws.Root())
	}

	out, err := invoke(ctx, def, call.Arguments)
	if ctxErr := ctx.Err(); ctxErr != nil {
		r.o.logger.Warnf("session=%s tool=%s result discarded: %v", r.id(), call.Name, ctxErr)
		return res, ctxErr
	}
	if err != nil {
		res.Error = fmt.Errorf("%w: %s: %v", model.ErrToolExecutionFailed, call.Name, err).Error()
		r.toolDone(call, res)
		return res, nil
	}
	res.Success = true
	res.Result = out.Content
	r.addArtifacts(out.Artifacts)
	r.toolDone(call, res)
	return res, nil
}

func (r *run) toolDone(call model.ToolCall, res model.ToolResult) {
	if r.o.metrics != nil {
		r.o.metrics.ToolCalled(call.Name, res.Success)
	}
	data := map[string]any{"tool": call.Name, "call_id": call.ID, "success": res.Success}
	if res.Error != "" {
		data["error"] = res.Error
		r.o.logger.Warnf("session=%s tool=%s failed: %s", r.id(), call.Name, res.Error)
	} else {
		r.o.logger.Debugf("session=%s tool=%s ok bytes=%d", r.id(), call.Name, len(res.Result))
	}
	r.o.publish(events.EventToolResult, r.id(), data)
}

var errToolPanicked = errors.New("tool panicked")

// invoke runs the handler on its own goroutine so a tool that ignores ctx
// cannot hold the session past its deadline.
func invoke(ctx context.Context, def model.ToolDefinition, args map[string]any) (model.ToolOutput, error) {
	type reply struct {
		out model.ToolOutput
		err error
	}
	ch := make(chan reply, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				ch <- reply{err: fmt.Errorf("%w: %v", errToolPanicked, p)}
			}
		}()
		out, err := def.Handler(ctx, args)
		ch <- reply{out, err}
	}()
	select {
	case <-ctx.Done():
		return model.ToolOutput{}, ctx.Err()
	case rep := <-ch:
		return rep.out, rep.err
	}
}

func historyLine(res model.ToolResult) string {
	if !res.Success {
		return res.Name + " failed: " + res.Error
	}
	return res.Name + ": " + res.Result
}
