package gather

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/msageha/relay/internal/logging"
	"github.com/msageha/relay/internal/workspace"
)

// Tracker watches a workspace and remembers which files changed recently.
// inotify watches are per directory, so every non-ignored directory is
// added, including ones created after start.
type Tracker struct {
	ws      *workspace.Workspace
	window  time.Duration
	now     func() time.Time
	logger  *logging.Logger
	watcher *fsnotify.Watcher

	mu   sync.Mutex
	seen map[string]time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewTracker(ws *workspace.Workspace, window time.Duration, logger *logging.Logger) (*Tracker, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t := &Tracker{
		ws:      ws,
		window:  window,
		now:     time.Now,
		logger:  logger.With("tracker"),
		watcher: watcher,
		seen:    make(map[string]time.Time),
		ctx:     ctx,
		cancel:  cancel,
	}
	if err := t.addTree(ws.Root()); err != nil {
		cancel()
		watcher.Close()
		return nil, err
	}
	t.wg.Add(1)
	go t.loop()
	return t, nil
}

func (t *Tracker) addTree(root string) error {
	return filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if p == root {
				return err
			}
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if p != root && IgnoreDirs[d.Name()] {
			return filepath.SkipDir
		}
		if err := t.watcher.Add(p); err != nil {
			return fmt.Errorf("watch %s: %w", p, err)
		}
		return nil
	})
}

func (t *Tracker) loop() {
	defer t.wg.Done()
	for {
		select {
		case <-t.ctx.Done():
			return
		case event, ok := <-t.watcher.Events:
			if !ok {
				return
			}
			t.handle(event)
		case err, ok := <-t.watcher.Errors:
			if !ok {
				return
			}
			t.logger.Errorf("fsnotify error=%v", err)
		}
	}
}

func (t *Tracker) handle(event fsnotify.Event) {
	if !(event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename)) {
		return
	}
	if event.Has(fsnotify.Create) {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if !IgnoreDirs[info.Name()] {
				if err := t.addTree(event.Name); err != nil {
					t.logger.Warnf("watch new dir=%s error=%v", event.Name, err)
				}
			}
			return
		}
	}
	t.logger.Debugf("fsnotify event=%s file=%s", event.Op, event.Name)
	t.Touch(t.ws.Rel(event.Name))
}

// Touch marks rel as modified now.
func (t *Tracker) Touch(rel string) {
	t.mu.Lock()
	t.seen[rel] = t.now()
	t.mu.Unlock()
}

// Recent reports whether rel changed within the window.
func (t *Tracker) Recent(rel string) bool {
	t.mu.Lock()
	at, ok := t.seen[rel]
	t.mu.Unlock()
	if !ok {
		return false
	}
	return t.window <= 0 || t.now().Sub(at) <= t.window
}

// RecentFiles lists tracked paths that are still within the window.
func (t *Tracker) RecentFiles() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []string
	for rel, at := range t.seen {
		if t.window <= 0 || t.now().Sub(at) <= t.window {
			out = append(out, rel)
		}
	}
	return out
}

func (t *Tracker) Close() error {
	t.cancel()
	err := t.watcher.Close()
	t.wg.Wait()
	return err
}
