// Package gather collects context chunks from a workspace.
//
// Gathering is best effort: unreadable files, binary files, oversized files
// and paths escaping the workspace become warnings, never errors. Chunks are
// produced lazily through an iterator in a deterministic order while file
// reads run concurrently behind it.
package gather

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"iter"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/glob"
	"golang.org/x/sync/errgroup"

	"github.com/msageha/relay/internal/logging"
	"github.com/msageha/relay/internal/model"
	"github.com/msageha/relay/internal/tokens"
	"github.com/msageha/relay/internal/workspace"
)

const (
	DefaultMaxFileBytes   = 100_000
	DefaultConcurrency    = 8
	DefaultTreeDepth      = 3
	DefaultTreeMaxEntries = 200
	DefaultHistoryCommits = 10

	// binarySniffBytes is how much of a file is checked for NUL bytes.
	binarySniffBytes = 8000
)

type Options struct {
	MaxFileBytes   int64
	Concurrency    int
	TreeDepth      int
	TreeMaxEntries int
	HistoryCommits int
	// RecencyWindow marks files modified within it as recent.
	RecencyWindow time.Duration
	// Tracker, when set, contributes files it saw change.
	Tracker *Tracker
	Now     func() time.Time
}

func (o Options) withDefaults() Options {
	if o.MaxFileBytes <= 0 {
		o.MaxFileBytes = DefaultMaxFileBytes
	}
	if o.Concurrency <= 0 {
		o.Concurrency = DefaultConcurrency
	}
	if o.TreeDepth <= 0 {
		o.TreeDepth = DefaultTreeDepth
	}
	if o.TreeMaxEntries <= 0 {
		o.TreeMaxEntries = DefaultTreeMaxEntries
	}
	if o.HistoryCommits < 0 {
		o.HistoryCommits = 0
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// OptionsFromConfig maps the gather section of the config.
func OptionsFromConfig(cfg *model.Config) Options {
	return Options{
		MaxFileBytes:   cfg.Gather.MaxFileBytes,
		Concurrency:    cfg.GatherConcurrency,
		TreeDepth:      cfg.Gather.TreeDepth,
		HistoryCommits: cfg.Gather.HistoryCommits,
		RecencyWindow:  time.Duration(cfg.Gather.RecencyHours) * time.Hour,
	}
}

type Gatherer struct {
	ws      *workspace.Workspace
	counter tokens.Counter
	opts    Options
	logger  *logging.Logger
}

func New(ws *workspace.Workspace, counter tokens.Counter, opts Options, logger *logging.Logger) *Gatherer {
	if counter == nil {
		counter = tokens.Estimator{}
	}
	return &Gatherer{
		ws:      ws,
		counter: counter,
		opts:    opts.withDefaults(),
		logger:  logger.With("gather"),
	}
}

type Request struct {
	TaskType model.TaskType
	// Include holds glob patterns matched against the slash-separated
	// relative path and the base name. Empty selects the default file kinds
	// for TaskType.
	Include []string
	// MaxFiles caps the number of file chunks; <= 0 means no cap.
	MaxFiles int
	// Focus lists paths or base names the request mentions. Matching files
	// are gathered first and marked CRITICAL.
	Focus []string

	SkipStructure    bool
	SkipDependencies bool
	SkipHistory      bool
}

type Warning struct {
	Path   string `yaml:"path"`
	Reason string `yaml:"reason"`
}

func (w Warning) String() string {
	if w.Path == "" {
		return w.Reason
	}
	return w.Path + ": " + w.Reason
}

// Result is the output of one Gather call. Chunks may be consumed once;
// Warnings and Err are complete after the iteration ends.
type Result struct {
	ctx      context.Context
	g        *Gatherer
	req      Request
	matchers []glob.Glob
	focus    map[string]bool

	started atomic.Bool

	mu       sync.Mutex
	warnings []Warning
	files    int
	next     int
}

// Gather prepares a lazy gather of the workspace. The only error is an
// invalid include pattern; nothing is read until Chunks is iterated.
func (g *Gatherer) Gather(ctx context.Context, req Request) (*Result, error) {
	matchers := make([]glob.Glob, 0, len(req.Include))
	for _, p := range req.Include {
		m, err := glob.Compile(p, '/')
		if err != nil {
			return nil, fmt.Errorf("compile include pattern %q: %w", p, err)
		}
		matchers = append(matchers, m)
	}
	focus := make(map[string]bool, len(req.Focus))
	for _, f := range req.Focus {
		f = strings.TrimPrefix(filepath.ToSlash(strings.TrimSpace(f)), "./")
		if f != "" {
			focus[f] = true
		}
	}
	return &Result{ctx: ctx, g: g, req: req, matchers: matchers, focus: focus}, nil
}

// Chunks yields the structure chunk, dependency manifests, files in
// priority-then-path order, and finally the history chunk. Stopping early
// cancels outstanding reads. A second iteration yields nothing.
func (r *Result) Chunks() iter.Seq[model.ContextChunk] {
	return func(yield func(model.ContextChunk) bool) {
		if !r.started.CompareAndSwap(false, true) {
			return
		}
		r.run(yield)
		r.g.logger.Debugf("files=%d warnings=%d", r.files, len(r.Warnings()))
	}
}

// Collect drains Chunks into a slice.
func (r *Result) Collect() []model.ContextChunk {
	var out []model.ContextChunk
	for c := range r.Chunks() {
		out = append(out, c)
	}
	return out
}

// Warnings returns the recorded warnings sorted by path.
func (r *Result) Warnings() []Warning {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Warning, len(r.warnings))
	copy(out, r.warnings)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

// Err wraps model.ErrGatherPartialFailure when any warning was recorded.
func (r *Result) Err() error {
	n := len(r.Warnings())
	if n == 0 {
		return nil
	}
	return fmt.Errorf("%w: %d warning(s)", model.ErrGatherPartialFailure, n)
}

func (r *Result) warn(p, reason string) {
	r.mu.Lock()
	r.warnings = append(r.warnings, Warning{Path: p, Reason: reason})
	r.mu.Unlock()
	r.g.logger.Debugf("warning path=%s reason=%q", p, reason)
}

func (r *Result) emit(yield func(model.ContextChunk) bool, c model.ContextChunk) bool {
	c.Order = r.next
	r.next++
	return yield(c)
}

func (r *Result) run(yield func(model.ContextChunk) bool) {
	ctx, cancel := context.WithCancel(r.ctx)
	defer cancel()

	if !r.req.SkipStructure {
		if !r.emit(yield, r.g.structureChunk(r)) {
			return
		}
	}
	manifests := map[string]bool{}
	if !r.req.SkipDependencies {
		for _, name := range Manifests {
			c, ok := r.g.readChunk(ctx, r, name, model.ChunkDependency, model.PriorityMedium, true)
			if !ok {
				continue
			}
			manifests[name] = true
			if !r.emit(yield, c) {
				return
			}
		}
	}

	files := r.g.discover(ctx, r, manifests)
	if !r.readFiles(ctx, cancel, files, yield) {
		return
	}

	if !r.req.SkipHistory && r.g.opts.HistoryCommits > 0 {
		if c, ok := r.g.historyChunk(ctx, r); ok {
			r.emit(yield, c)
		}
	}
}

type slot struct {
	chunk model.ContextChunk
	ok    bool
	done  chan struct{}
}

// readFiles reads files concurrently and yields them in input order. It
// returns false if the consumer stopped.
func (r *Result) readFiles(ctx context.Context, cancel context.CancelFunc, files []candidate, yield func(model.ContextChunk) bool) bool {
	slots := make([]slot, len(files))
	for i := range slots {
		slots[i].done = make(chan struct{})
	}

	eg, egctx := errgroup.WithContext(ctx)
	eg.SetLimit(r.g.opts.Concurrency)
	launched := make(chan struct{})
	go func() {
		defer close(launched)
		for i := range files {
			eg.Go(func() error {
				defer close(slots[i].done)
				if egctx.Err() != nil {
					return nil
				}
				slots[i].chunk, slots[i].ok = r.g.readChunk(egctx, r, files[i].rel, model.ChunkFile, files[i].priority, false)
				return nil
			})
		}
	}()
	wait := func() {
		cancel()
		<-launched
		_ = eg.Wait()
	}

	for i := range slots {
		select {
		case <-slots[i].done:
		case <-ctx.Done():
			err := ctx.Err()
			wait()
			r.warn("", "gather cancelled: "+err.Error())
			return false
		}
		if !slots[i].ok {
			continue
		}
		r.files++
		if !r.emit(yield, slots[i].chunk) {
			wait()
			return false
		}
	}
	<-launched
	_ = eg.Wait()
	return true
}

type candidate struct {
	rel      string
	priority model.Priority
	test     bool
	depth    int
}

// discover walks the workspace and returns the files to read, ranked by
// priority, then test relevance for test and debug tasks, then depth, then
// path, and capped at MaxFiles.
func (g *Gatherer) discover(ctx context.Context, r *Result, manifests map[string]bool) []candidate {
	kinds := defaultKinds(r.req.TaskType)
	var out []candidate
	root := g.ws.Root()
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		rel := g.ws.Rel(p)
		if err != nil {
			r.warn(rel, err.Error())
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			if p != root && IgnoreDirs[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		if manifests[rel] {
			return nil
		}
		if !r.selected(rel, kinds) {
			return nil
		}
		out = append(out, candidate{
			rel:      rel,
			priority: filePriority(rel, r.focus),
			test:     model.IsTestPath(rel),
			depth:    strings.Count(rel, "/"),
		})
		return nil
	})
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		r.warn("", "walk workspace: "+err.Error())
	}

	preferTests := r.req.TaskType == model.TaskTest || r.req.TaskType == model.TaskDebug
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if ra, rb := a.priority.BaseScore(), b.priority.BaseScore(); ra != rb {
			return ra > rb
		}
		if preferTests && a.test != b.test {
			return a.test
		}
		if a.depth != b.depth {
			return a.depth < b.depth
		}
		return a.rel < b.rel
	})
	if r.req.MaxFiles > 0 && len(out) > r.req.MaxFiles {
		g.logger.Debugf("capped files=%d max=%d", len(out), r.req.MaxFiles)
		out = out[:r.req.MaxFiles]
	}
	return out
}

func (r *Result) selected(rel string, kinds map[string]bool) bool {
	if focusMatch(rel, r.focus) {
		return true
	}
	if len(r.matchers) == 0 {
		return kinds[Kind(rel)]
	}
	base := path.Base(rel)
	for _, m := range r.matchers {
		if m.Match(rel) || m.Match(base) {
			return true
		}
	}
	return false
}

// readChunk reads one workspace file into a chunk. quietMissing suppresses
// the warning for files that do not exist.
func (g *Gatherer) readChunk(ctx context.Context, r *Result, rel string, ct model.ChunkType, prio model.Priority, quietMissing bool) (model.ContextChunk, bool) {
	if ctx.Err() != nil {
		return model.ContextChunk{}, false
	}
	abs, err := g.ws.Resolve(rel)
	if err != nil {
		r.warn(rel, err.Error())
		return model.ContextChunk{}, false
	}
	info, err := os.Stat(abs)
	if err != nil {
		if !(quietMissing && errors.Is(err, fs.ErrNotExist)) {
			r.warn(rel, err.Error())
		}
		return model.ContextChunk{}, false
	}
	if info.IsDir() {
		return model.ContextChunk{}, false
	}
	if info.Size() > g.opts.MaxFileBytes {
		r.warn(rel, fmt.Sprintf("file too large (%d bytes, limit %d)", info.Size(), g.opts.MaxFileBytes))
		return model.ContextChunk{}, false
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		r.warn(rel, err.Error())
		return model.ContextChunk{}, false
	}
	if bytes.IndexByte(data[:min(len(data), binarySniffBytes)], 0) >= 0 {
		r.warn(rel, "binary file skipped")
		return model.ContextChunk{}, false
	}

	content := strings.ToValidUTF8(string(data), "\uFFFD")
	meta := map[string]string{
		model.MetaLanguage: Language(rel),
		model.MetaExt:      strings.ToLower(path.Ext(rel)),
		model.MetaSize:     strconv.FormatInt(info.Size(), 10),
		model.MetaModTime:  info.ModTime().UTC().Format(time.RFC3339),
	}
	if k := Kind(rel); k != "" {
		meta[model.MetaKind] = k
	}
	if g.recent(rel, info.ModTime()) {
		meta[model.MetaRecent] = "true"
	}
	return model.ContextChunk{
		Content:   content,
		Source:    rel,
		ChunkType: ct,
		Priority:  prio,
		Tokens:    g.counter.Count(content),
		Metadata:  meta,
	}, true
}

func (g *Gatherer) recent(rel string, mtime time.Time) bool {
	if g.opts.Tracker != nil && g.opts.Tracker.Recent(rel) {
		return true
	}
	if g.opts.RecencyWindow <= 0 {
		return false
	}
	return g.opts.Now().Sub(mtime) <= g.opts.RecencyWindow
}
