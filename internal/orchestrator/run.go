package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/msageha/relay/internal/classify"
	"github.com/msageha/relay/internal/events"
	"github.com/msageha/relay/internal/gather"
	"github.com/msageha/relay/internal/model"
)

// maxHistoryContent bounds each stored tool message so checkpoints stay
// small; the backend still receives the full result.
const maxHistoryContent = 4000

// run is the mutable state of one session. Only the goroutine driving it
// touches it.
type run struct {
	o       *Orchestrator
	cp      *model.SessionCheckpoint
	env     *model.TaskEnvelope
	req     Request
	resumed bool

	chunks []model.ContextChunk
	tools  map[string]model.ToolDefinition
	order  []model.ToolDefinition
	output strings.Builder
}

func (o *Orchestrator) newRun(cp *model.SessionCheckpoint, env *model.TaskEnvelope, req Request) *run {
	return &run{o: o, cp: cp, env: env, req: req}
}

func (r *run) id() string { return r.cp.SessionID }

// enter moves to state `to`, records it and checkpoints. The first entry
// of a fresh session has no predecessor.
func (r *run) enter(ctx context.Context, to model.SessionState) error {
	from := r.cp.State
	if from != "" {
		if err := model.ValidateSessionTransition(from, to); err != nil {
			return err
		}
	}
	r.cp.State = to
	r.cp.Touch(r.o.now())
	if r.o.metrics != nil {
		r.o.metrics.StateEntered(to)
	}
	r.o.publish(events.EventStateChanged, r.id(), map[string]any{"from": string(from), "to": string(to)})
	r.o.logger.Debugf("session=%s state=%s->%s", r.id(), from, to)
	r.save(ctx)
	return nil
}

// save checkpoints a copy. A failed save is logged and recorded but never
// stops the session.
func (r *run) save(ctx context.Context) {
	err := r.o.store.Save(context.WithoutCancel(ctx), r.cp.Clone())
	if r.o.metrics != nil {
		r.o.metrics.CheckpointSaved(err)
	}
	if err != nil {
		r.o.logger.Warnf("session=%s checkpoint save failed: %v", r.id(), err)
	}
}

func (r *run) warn(msg string) {
	r.cp.Warnings = append(r.cp.Warnings, msg)
	r.o.publish(events.EventWarning, r.id(), map[string]any{"message": msg})
	r.o.logger.Warnf("session=%s %s", r.id(), msg)
}

// drive runs every stage not yet reached, then the conversation.
func (r *run) drive(ctx context.Context) (*model.SessionResult, error) {
	stages := []struct {
		state model.SessionState
		fn    func(context.Context) error
	}{
		{model.StateClassified, r.classify},
		{model.StateContextGathered, r.gather},
		{model.StateContextCompressed, r.compress},
		{model.StateToolsAssembled, r.assemble},
	}
	for _, st := range stages {
		if r.cp.State.Reached(st.state) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return r.finish(ctx, model.StateFailed, err)
		}
		if err := st.fn(ctx); err != nil {
			return r.finish(ctx, model.StateFailed, err)
		}
		if err := r.enter(ctx, st.state); err != nil {
			return r.finish(ctx, model.StateFailed, err)
		}
		if st.state == model.StateClassified {
			if res, err, ok := r.lightweight(ctx); ok {
				return res, err
			}
		}
	}
	if r.tools == nil {
		r.restoreTools()
	}
	return r.converse(ctx)
}

func (r *run) classify(ctx context.Context) error {
	c := r.o.classifier
	if r.req.TaskType != "" {
		c = c.WithOverride(r.req.TaskType)
	}
	res := c.Classify(r.cp.OriginalRequest)
	r.env.TaskType = res.TaskType
	r.env.Confidence = res.Confidence
	r.env.Features = res.Features
	r.cp.TaskType = res.TaskType
	r.cp.Confidence = res.Confidence
	if res.Err != nil {
		r.warn(res.Err.Error())
	}
	r.o.logger.Infof("session=%s task_type=%s confidence=%.2f", r.id(), res.TaskType, res.Confidence)
	return nil
}

func (r *run) gather(ctx context.Context) error {
	include := r.req.Include
	if include == nil {
		include = r.o.cfg.Gather.Include
	}
	res, err := r.o.gatherer.Gather(ctx, gather.Request{
		TaskType: r.cp.TaskType,
		Include:  include,
		MaxFiles: r.o.cfg.MaxGatherFiles,
		Focus:    classify.MentionedFiles(r.cp.OriginalRequest),
	})
	if err != nil {
		return err
	}
	r.chunks = res.Collect()
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := res.Err(); err != nil {
		r.o.logger.Warnf("session=%s %v", r.id(), err)
		for _, w := range res.Warnings() {
			r.warn(w.String())
		}
	}
	if r.chunks == nil {
		r.chunks = []model.ContextChunk{}
	}
	return nil
}

func (r *run) compress(ctx context.Context) error {
	if r.chunks == nil {
		// resumed after gathering; nothing has been sent yet, so gather again
		if err := r.gather(ctx); err != nil {
			return err
		}
	}
	scored := r.o.scorer.Rank(r.chunks, r.cp.TaskType, r.cp.OriginalRequest)
	budget := r.cp.TokenBudget
	budget.ReservePrompt()
	cc, err := r.o.compressor.Compress(scored, &budget)
	if err != nil {
		return err
	}
	r.env.CompressedContext = cc
	r.env.TokenBudget = budget
	r.cp.TokenBudget = budget
	r.cp.ContextText = cc.PromptText()
	r.cp.ContextSummary = cc.Summary()
	r.cp.Truncated = cc.Truncated
	if len(cc.Dropped) > 0 {
		r.o.logger.Debugf("session=%s dropped=%s", r.id(), strings.Join(cc.Dropped, ","))
	}
	if r.o.metrics != nil {
		r.o.metrics.ContextTokens(cc.TotalTokens)
	}
	return nil
}

func (r *run) assemble(ctx context.Context) error {
	caps := r.req.Capabilities
	if caps == nil {
		caps = r.o.cfg.Backend.Capabilities
	}
	defs, err := r.o.registry.Assemble(r.cp.TaskType, caps)
	if err != nil {
		// duplicates were dropped; the list is still usable
		r.warn(err.Error())
	}
	names := make([]string, 0, len(defs))
	for _, d := range defs {
		names = append(names, d.Name)
	}
	if err := r.env.SetTools(names); err != nil {
		return err
	}
	r.cp.SelectedTools = names
	r.setTools(defs)
	return nil
}

func (r *run) setTools(defs []model.ToolDefinition) {
	r.order = defs
	r.tools = make(map[string]model.ToolDefinition, len(defs))
	for _, d := range defs {
		r.tools[d.Name] = d
	}
}

// restoreTools rebuilds the assembled tool set from the names a
// checkpoint recorded.
func (r *run) restoreTools() {
	defs := make([]model.ToolDefinition, 0, len(r.cp.SelectedTools))
	for _, name := range r.cp.SelectedTools {
		def, ok := r.o.registry.Lookup(name)
		if !ok {
			r.warn(fmt.Sprintf("tool %s is no longer registered", name))
			continue
		}
		defs = append(defs, def)
	}
	r.setTools(defs)
}

// lightweight serves the request with a built-in action when one matches.
// ok is false when the request needs a backend session.
func (r *run) lightweight(ctx context.Context) (*model.SessionResult, error, bool) {
	if r.o.actions == nil || r.req.NoActions {
		return nil, nil, false
	}
	plan, ok := r.o.actions.Match(r.cp.OriginalRequest, r.cp.TaskType)
	if !ok {
		return nil, nil, false
	}
	call := plan.Call()
	r.cp.Metadata["lightweight"] = plan.Action.Name
	r.o.publish(events.EventToolCall, r.id(), map[string]any{"tool": call.Name, "call_id": call.ID, "arguments": call.Arguments})
	r.o.logger.Infof("session=%s lightweight action=%s", r.id(), plan.Action.Name)

	if plan.Tool.RequiresConfirmation {
		approved, err := r.o.confirmer.Confirm(ctx, call, plan.Tool)
		if err != nil {
			res, ferr := r.finish(ctx, model.StateFailed, err)
			return res, ferr, true
		}
		if !approved {
			res, ferr := r.finish(ctx, model.StateFailed, fmt.Errorf("%w: %s", model.ErrConfirmationDenied, call.Name))
			return res, ferr, true
		}
	}
	out, err := r.o.actions.Run(ctx, plan)
	if r.o.metrics != nil {
		r.o.metrics.ToolCalled(call.Name, err == nil)
		r.o.metrics.ActionServed(plan.Action.Name)
	}
	if err != nil {
		if ctx.Err() != nil {
			res, ferr := r.finish(ctx, model.StateFailed, ctx.Err())
			return res, ferr, true
		}
		res, ferr := r.finish(ctx, model.StateFailed, fmt.Errorf("%w: %s: %v", model.ErrToolExecutionFailed, plan.Action.Name, err))
		return res, ferr, true
	}
	r.output.WriteString(out.Content)
	r.addArtifacts(out.Artifacts)
	res, ferr := r.finish(ctx, model.StateCompleted, nil)
	return res, ferr, true
}

func (r *run) addArtifacts(artifacts []model.Artifact) {
	for _, a := range artifacts {
		r.env.AddArtifact(a)
		r.cp.Artifacts = append(r.cp.Artifacts, a)
		r.o.publish(events.EventArtifact, r.id(), map[string]any{"path": a.Path, "action": string(a.Action), "tool": a.ToolName})
	}
}

// finish records the terminal state. A context deadline always ends as
// TIMED_OUT, whatever state the caller asked for.
func (r *run) finish(ctx context.Context, state model.SessionState, cause error) (*model.SessionResult, error) {
	if state != model.StateCompleted && (errors.Is(cause, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded)) {
		state = model.StateTimedOut
		cause = fmt.Errorf("%w after %s", model.ErrSessionTimeout, r.o.timeout)
	}
	if cause != nil {
		r.cp.Reason = cause.Error()
	}
	if err := r.enter(ctx, state); err != nil {
		r.o.logger.Errorf("session=%s %v", r.id(), err)
	}
	res := r.result()
	if r.o.metrics != nil {
		r.o.metrics.SessionFinished(res.Status, r.o.now().Sub(r.env.CreatedAt()))
	}
	if cause != nil {
		r.o.logger.Warnf("session=%s state=%s reason=%q artifacts=%d", r.id(), state, cause.Error(), len(r.cp.Artifacts))
	} else {
		r.o.logger.Infof("session=%s state=%s iterations=%d artifacts=%d", r.id(), state, r.cp.Iterations, len(r.cp.Artifacts))
	}
	return res, cause
}

func (r *run) result() *model.SessionResult {
	return &model.SessionResult{
		SessionID:   r.cp.SessionID,
		TaskID:      r.cp.TaskID,
		TaskType:    r.cp.TaskType,
		Confidence:  r.cp.Confidence,
		Status:      model.StatusForState(r.cp.State),
		State:       r.cp.State,
		Reason:      r.cp.Reason,
		Output:      r.output.String(),
		Artifacts:   append([]model.Artifact(nil), r.cp.Artifacts...),
		Warnings:    append([]string(nil), r.cp.Warnings...),
		Context:     r.cp.ContextSummary,
		Truncated:   r.cp.Truncated,
		Tools:       append([]string(nil), r.cp.SelectedTools...),
		Iterations:  r.cp.Iterations,
		Lightweight: r.cp.Metadata["lightweight"],
	}
}

func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := n
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}
