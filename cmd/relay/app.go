package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/msageha/relay/internal/action"
	"github.com/msageha/relay/internal/backend"
	"github.com/msageha/relay/internal/checkpoint"
	"github.com/msageha/relay/internal/events"
	"github.com/msageha/relay/internal/gather"
	"github.com/msageha/relay/internal/lock"
	"github.com/msageha/relay/internal/logging"
	"github.com/msageha/relay/internal/metrics"
	"github.com/msageha/relay/internal/model"
	"github.com/msageha/relay/internal/orchestrator"
	"github.com/msageha/relay/internal/status"
	"github.com/msageha/relay/internal/tokens"
	"github.com/msageha/relay/internal/toolset"
	"github.com/msageha/relay/internal/workspace"
)

type globalFlags struct {
	workspace string
	config    string
	logLevel  string
}

// app is the configuration and workspace every command starts from.
type app struct {
	cfg      *model.Config
	ws       *workspace.Workspace
	stateDir string
	logger   *logging.Logger
	counter  tokens.Counter
}

func (g *globalFlags) load(cmd *cobra.Command) (*app, error) {
	ws, err := workspace.New(g.workspace)
	if err != nil {
		return nil, fmt.Errorf("workspace: %w", err)
	}
	path := g.config
	if path == "" {
		path = filepath.Join(ws.Root(), checkpoint.DefaultDirName, "config.yaml")
	}
	cfg, err := model.LoadConfig(path)
	if err != nil {
		return nil, err
	}
	applyEnv(&cfg)

	level := cfg.Logging.Level
	if g.logLevel != "" {
		level = g.logLevel
	}
	logger := logging.New(cmd.ErrOrStderr(), "relay", logging.ParseLevel(level))

	counter, err := tokens.New(cfg.TokenCounter)
	if err != nil {
		return nil, err
	}
	return &app{
		cfg:      &cfg,
		ws:       ws,
		stateDir: checkpoint.Dir(&cfg, ws.Root()),
		logger:   logger,
		counter:  counter,
	}, nil
}

// applyEnv fills secrets and overrides that only live in the environment.
func applyEnv(cfg *model.Config) {
	if cfg.Backend.APIKey == "" {
		switch cfg.Backend.Kind {
		case "anthropic":
			cfg.Backend.APIKey = os.Getenv("ANTHROPIC_API_KEY")
		case "openai":
			cfg.Backend.APIKey = os.Getenv("OPENAI_API_KEY")
		}
	}
	if v := os.Getenv("RELAY_MODEL"); v != "" {
		cfg.Backend.Model = v
	}
}

func (a *app) metricsPath() string {
	return filepath.Join(a.stateDir, "state", "metrics.yaml")
}

func (a *app) journalPath() string {
	return filepath.Join(a.stateDir, "logs", "events.jsonl")
}

func (a *app) openStore() (checkpoint.Store, error) {
	return checkpoint.New(a.cfg, a.ws.Root(), a.logger)
}

type sessionOptions struct {
	dryRun bool
	yes    bool
	// in and out are used for confirmation prompts.
	in  io.Reader
	out io.Writer
}

// session wires an orchestrator for one command, runs fn and tears every
// collaborator down again. Metrics are flushed even when fn fails.
func (a *app) session(ctx context.Context, opts sessionOptions, fn func(context.Context, *orchestrator.Orchestrator) (*model.SessionResult, error)) (*model.SessionResult, error) {
	if err := os.MkdirAll(a.stateDir, 0755); err != nil {
		return nil, fmt.Errorf("create %s: %w", a.stateDir, err)
	}
	fl := lock.NewFileLock(filepath.Join(a.stateDir, status.LockFileName))
	if err := fl.TryLock(); err != nil {
		return nil, err
	}
	defer func() {
		if err := fl.Unlock(); err != nil {
			a.logger.Warnf("%v", err)
		}
	}()

	var be backend.Backend = backend.DryRun()
	if !opts.dryRun {
		var err error
		if be, err = backend.New(a.cfg, a.logger); err != nil {
			return nil, err
		}
	}

	store, err := a.openStore()
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := store.Close(); err != nil {
			a.logger.Warnf("close checkpoint store: %v", err)
		}
	}()

	bus := events.NewBus(256)
	journal, err := events.OpenJournal(a.journalPath(), 0)
	if err != nil {
		a.logger.Warnf("event journal disabled: %v", err)
	} else {
		bus.SubscribeAll(journal.Record)
	}
	defer func() {
		bus.Close()
		warnDropped(a.logger, bus)
		if journal != nil {
			_ = journal.Close()
		}
	}()

	m := metrics.New()
	defer func() {
		if err := m.Flush(a.metricsPath(), time.Now()); err != nil {
			a.logger.Warnf("flush metrics: %v", err)
		}
	}()

	gopts := gather.OptionsFromConfig(a.cfg)
	if a.cfg.Gather.WatchWorkspace {
		tracker, err := gather.NewTracker(a.ws, gopts.RecencyWindow, a.logger)
		if err != nil {
			a.logger.Warnf("workspace watch disabled: %v", err)
		} else {
			defer func() { _ = tracker.Close() }()
			gopts.Tracker = tracker
		}
	}

	toolOpts := toolset.OptionsFromConfig(a.cfg)
	registry := toolset.NewDefaultRegistry(a.ws, toolOpts...)

	var confirmer orchestrator.Confirmer = orchestrator.DenyAll
	switch {
	case opts.yes:
		confirmer = orchestrator.AutoApprove
	case isTerminal(opts.in):
		confirmer = orchestrator.NewPrompt(opts.in, opts.out)
	}

	o, err := orchestrator.New(a.cfg, orchestrator.Deps{
		Workspace: a.ws,
		Registry:  registry,
		Backend:   be,
		Store:     store,
		Counter:   a.counter,
		Gatherer:  gather.New(a.ws, a.counter, gopts, a.logger),
		Actions:   action.NewRunner(registry, toolset.NewBuiltins(a.ws, toolOpts...), a.counter, a.logger),
		Bus:       bus,
		Metrics:   m,
		Confirmer: confirmer,
		Logger:    a.logger,
	})
	if err != nil {
		return nil, err
	}
	return fn(ctx, o)
}

// warnDropped reports events the journal never saw because its buffer was
// full.
func warnDropped(logger *logging.Logger, bus *events.Bus) {
	for _, et := range events.AllEventTypes {
		if n := bus.Dropped(et); n > 0 {
			logger.Warnf("event bus dropped %d %s event(s); the journal is incomplete", n, et)
		}
	}
}

func isTerminal(r io.Reader) bool {
	f, ok := r.(*os.File)
	if !ok {
		return false
	}
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return info.Mode()&os.ModeCharDevice != 0
}
