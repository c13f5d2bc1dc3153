// Package orchestrator drives one request through the pipeline: classify,
// gather, compress, assemble tools, then converse with the backend until
// the session completes, fails or times out. Every state entry is
// checkpointed so an interrupted session can be resumed.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/msageha/relay/internal/action"
	"github.com/msageha/relay/internal/backend"
	"github.com/msageha/relay/internal/checkpoint"
	"github.com/msageha/relay/internal/classify"
	"github.com/msageha/relay/internal/compress"
	"github.com/msageha/relay/internal/events"
	"github.com/msageha/relay/internal/gather"
	"github.com/msageha/relay/internal/lock"
	"github.com/msageha/relay/internal/logging"
	"github.com/msageha/relay/internal/metrics"
	"github.com/msageha/relay/internal/model"
	"github.com/msageha/relay/internal/score"
	"github.com/msageha/relay/internal/tokens"
	"github.com/msageha/relay/internal/toolset"
	"github.com/msageha/relay/internal/workspace"
)

// Request is one user request.
type Request struct {
	Text string
	// TaskType overrides classification when set.
	TaskType model.TaskType
	// Include overrides gather.include from the config.
	Include []string
	// Capabilities overrides backend.capabilities from the config.
	Capabilities []string
	// NoActions sends every request to a backend session.
	NoActions bool
}

// Deps are the collaborators of an Orchestrator. Workspace, Registry,
// Backend and Store are required; the rest default.
type Deps struct {
	Workspace  *workspace.Workspace
	Registry   *toolset.Registry
	Backend    backend.Backend
	Store      checkpoint.Store
	Counter    tokens.Counter
	Classifier *classify.Classifier
	Gatherer   *gather.Gatherer
	Scorer     *score.Scorer
	Compressor *compress.Compressor
	Actions    *action.Runner
	Bus        *events.Bus
	Metrics    *metrics.Metrics
	// Confirmer defaults to DenyAll.
	Confirmer Confirmer
	Logger    *logging.Logger
	// Timeout overrides session_timeout_seconds when positive.
	Timeout time.Duration
	Now     func() time.Time
}

type Orchestrator struct {
	cfg        *model.Config
	ws         *workspace.Workspace
	registry   *toolset.Registry
	backend    backend.Backend
	store      checkpoint.Store
	classifier *classify.Classifier
	gatherer   *gather.Gatherer
	scorer     *score.Scorer
	compressor *compress.Compressor
	actions    *action.Runner
	bus        *events.Bus
	metrics    *metrics.Metrics
	confirmer  Confirmer
	logger     *logging.Logger
	timeout    time.Duration
	now        func() time.Time

	// writes serializes write tools per workspace root.
	writes *lock.MutexMap
}

func New(cfg *model.Config, d Deps) (*Orchestrator, error) {
	switch {
	case cfg == nil:
		return nil, errors.New("orchestrator: nil config")
	case d.Workspace == nil:
		return nil, errors.New("orchestrator: workspace is required")
	case d.Registry == nil:
		return nil, errors.New("orchestrator: tool registry is required")
	case d.Backend == nil:
		return nil, errors.New("orchestrator: backend is required")
	case d.Store == nil:
		return nil, errors.New("orchestrator: checkpoint store is required")
	}
	logger := d.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	counter := d.Counter
	if counter == nil {
		counter = tokens.Estimator{}
	}
	o := &Orchestrator{
		cfg:        cfg,
		ws:         d.Workspace,
		registry:   d.Registry,
		backend:    d.Backend,
		store:      d.Store,
		classifier: d.Classifier,
		gatherer:   d.Gatherer,
		scorer:     d.Scorer,
		compressor: d.Compressor,
		actions:    d.Actions,
		bus:        d.Bus,
		metrics:    d.Metrics,
		confirmer:  d.Confirmer,
		logger:     logger.With("orchestrator"),
		timeout:    d.Timeout,
		now:        d.Now,
		writes:     lock.NewMutexMap(),
	}
	if o.classifier == nil {
		o.classifier = classify.New(logger)
	}
	if o.gatherer == nil {
		o.gatherer = gather.New(d.Workspace, counter, gather.OptionsFromConfig(cfg), logger)
	}
	if o.scorer == nil {
		o.scorer = score.New(score.WeightsFromConfig(cfg))
	}
	if o.compressor == nil {
		o.compressor = compress.New(counter, logger)
	}
	if o.confirmer == nil {
		o.confirmer = DenyAll
	}
	if o.timeout <= 0 {
		o.timeout = time.Duration(cfg.SessionTimeoutSeconds) * time.Second
	}
	if o.now == nil {
		o.now = time.Now
	}
	return o, nil
}

// Run processes req from CREATED to a terminal state. The result is never
// nil; the error is the cause of a failed or timed-out session.
func (o *Orchestrator) Run(ctx context.Context, req Request) (*model.SessionResult, error) {
	text := strings.TrimSpace(req.Text)
	if text == "" {
		err := errors.New("empty request")
		return &model.SessionResult{Status: model.SessionStatusFailed, State: model.StateFailed, Reason: err.Error()}, err
	}
	if req.TaskType != "" {
		if _, err := model.ParseTaskType(string(req.TaskType)); err != nil {
			return &model.SessionResult{Status: model.SessionStatusFailed, State: model.StateFailed, Reason: err.Error()}, err
		}
	}
	id, err := model.GenerateSessionID()
	if err != nil {
		err = fmt.Errorf("generate session id: %w", err)
		return &model.SessionResult{Status: model.SessionStatusFailed, State: model.StateFailed, Reason: err.Error()}, err
	}
	env := model.NewTaskEnvelope(text, o.cfg.TokenBudget(), o.cfg.Backend.Model)
	cp := &model.SessionCheckpoint{
		SessionID:       id,
		TaskID:          env.TaskID(),
		CreatedAt:       env.CreatedAt().Format(time.RFC3339Nano),
		TaskType:        model.TaskUnknown,
		OriginalRequest: env.OriginalRequest,
		TokenBudget:     env.TokenBudget,
		Model:           env.Model,
		Metadata:        map[string]string{"backend": o.backend.Name()},
	}
	r := o.newRun(cp, env, req)

	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()
	o.logger.Infof("session=%s task=%s request=%q", id, env.TaskID(), clip(text, 80))
	if err := r.enter(ctx, model.StateCreated); err != nil {
		return r.finish(ctx, model.StateFailed, err)
	}
	return r.drive(ctx)
}

// Resume restores sessionID and re-enters the pipeline at the saved state.
// Classification and any context already compressed are reused. A corrupt
// checkpoint is quarantined. When the checkpoint is missing or corrupt and
// fallback has text, a fresh session runs instead and the result carries a
// warning.
func (o *Orchestrator) Resume(ctx context.Context, sessionID string, fallback Request) (*model.SessionResult, error) {
	cp, err := o.store.Restore(ctx, sessionID)
	if err != nil {
		if errors.Is(err, model.ErrCheckpointCorrupt) {
			if qerr := o.store.Quarantine(ctx, sessionID); qerr != nil {
				o.logger.Errorf("quarantine session=%s error=%v", sessionID, qerr)
			}
		}
		recoverable := errors.Is(err, model.ErrCheckpointNotFound) || errors.Is(err, model.ErrCheckpointCorrupt)
		if recoverable && strings.TrimSpace(fallback.Text) != "" {
			o.logger.Warnf("resume session=%s error=%v fallback=fresh", sessionID, err)
			res, runErr := o.Run(ctx, fallback)
			res.Warnings = append(res.Warnings, fmt.Sprintf("resume %s: %v; started a fresh session", sessionID, err))
			return res, runErr
		}
		return &model.SessionResult{SessionID: sessionID, Status: model.SessionStatusFailed, State: model.StateFailed, Reason: err.Error()}, err
	}

	createdAt, perr := time.Parse(time.RFC3339Nano, cp.CreatedAt)
	if perr != nil {
		createdAt = o.now().UTC()
	}
	env := model.RestoreTaskEnvelope(cp.TaskID, createdAt, cp.OriginalRequest, cp.TokenBudget, cp.Model)
	env.TaskType = cp.TaskType
	env.Confidence = cp.Confidence
	env.Artifacts = append(env.Artifacts, cp.Artifacts...)
	if err := env.SetTools(cp.SelectedTools); err != nil {
		return &model.SessionResult{SessionID: sessionID, Status: model.SessionStatusFailed, State: model.StateFailed, Reason: err.Error()}, err
	}
	if cp.Metadata == nil {
		cp.Metadata = map[string]string{}
	}
	req := Request{Text: cp.OriginalRequest}
	if cp.State.Reached(model.StateClassified) {
		req.TaskType = cp.TaskType
	}
	r := o.newRun(cp, env, req)
	r.resumed = true

	if model.IsSessionTerminal(cp.State) {
		return r.result(), fmt.Errorf("session %s already %s", sessionID, cp.State)
	}

	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()
	o.logger.Infof("resume session=%s state=%s iterations=%d", sessionID, cp.State, cp.Iterations)
	return r.drive(ctx)
}

func (o *Orchestrator) publish(t events.EventType, sessionID string, data map[string]any) {
	if o.bus != nil {
		o.bus.Publish(t, sessionID, data)
	}
}
