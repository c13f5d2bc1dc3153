package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sync/singleflight"
	yamlv3 "gopkg.in/yaml.v3"

	"github.com/msageha/relay/internal/lock"
	"github.com/msageha/relay/internal/logging"
	"github.com/msageha/relay/internal/model"
	yamlutil "github.com/msageha/relay/internal/yaml"
)

const checkpointDirName = "checkpoints"

// FileStore keeps one YAML file per session under <base>/checkpoints.
// Quarantined files move to <base>/quarantine.
type FileStore struct {
	baseDir string
	dir     string
	locks   *lock.MutexMap
	reads   singleflight.Group
	logger  *logging.Logger
}

func NewFileStore(baseDir string, logger *logging.Logger) (*FileStore, error) {
	dir := filepath.Join(baseDir, checkpointDirName)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create checkpoint dir: %w", err)
	}
	return &FileStore{
		baseDir: baseDir,
		dir:     dir,
		locks:   lock.NewMutexMap(),
		logger:  logger.With("checkpoint"),
	}, nil
}

func (s *FileStore) path(id string) string {
	return filepath.Join(s.dir, id+".yaml")
}

func (s *FileStore) Save(ctx context.Context, cp *model.SessionCheckpoint) error {
	if cp == nil {
		return errors.New("nil checkpoint")
	}
	if err := validateID(cp.SessionID); err != nil {
		return err
	}
	if err := s.locks.LockContext(ctx, cp.SessionID); err != nil {
		return err
	}
	defer s.locks.Unlock(cp.SessionID)

	out := cp.Clone()
	out.SchemaVersion = yamlutil.CurrentSchemaVersion
	out.FileType = yamlutil.FileTypeSessionCheckpoint
	if err := yamlutil.AtomicWrite(s.path(cp.SessionID), out); err != nil {
		return fmt.Errorf("save checkpoint %s: %w", cp.SessionID, err)
	}
	s.logger.Debugf("saved session=%s state=%s", cp.SessionID, cp.State)
	return nil
}

// Restore loads the checkpoint for sessionID. Concurrent restores of the
// same id share one read.
func (s *FileStore) Restore(ctx context.Context, sessionID string) (*model.SessionCheckpoint, error) {
	if err := validateID(sessionID); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	v, err, _ := s.reads.Do(sessionID, func() (any, error) {
		return s.load(sessionID)
	})
	if err != nil {
		return nil, err
	}
	return v.(*model.SessionCheckpoint).Clone(), nil
}

func (s *FileStore) load(id string) (*model.SessionCheckpoint, error) {
	p := s.path(id)
	content, err := os.ReadFile(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("read checkpoint %s: %w", id, err)
	}
	cp, err := decode(content, id)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, id, err)
	}
	return cp, nil
}

func decode(content []byte, id string) (*model.SessionCheckpoint, error) {
	if err := yamlutil.ValidateSchemaHeader(content, yamlutil.FileTypeSessionCheckpoint); err != nil {
		return nil, err
	}
	var cp model.SessionCheckpoint
	if err := yamlv3.Unmarshal(content, &cp); err != nil {
		return nil, err
	}
	if err := validate(&cp, id); err != nil {
		return nil, err
	}
	// Clone maps empty lists back to nil, as they were before Save.
	return cp.Clone(), nil
}

// List returns the readable checkpoints, newest first. Unreadable files
// are skipped and left for Restore to quarantine.
func (s *FileStore) List(ctx context.Context) ([]Info, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	var out []Info
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".yaml") || strings.HasPrefix(name, ".") {
			continue
		}
		id := strings.TrimSuffix(name, ".yaml")
		content, err := os.ReadFile(filepath.Join(s.dir, name))
		if err != nil {
			continue
		}
		cp, err := decode(content, id)
		if err != nil {
			s.logger.Warnf("skip unreadable checkpoint file=%s error=%v", name, err)
			continue
		}
		out = append(out, infoOf(cp))
	}
	sortInfos(out)
	return out, nil
}

func (s *FileStore) Delete(ctx context.Context, sessionID string) error {
	if err := validateID(sessionID); err != nil {
		return err
	}
	if err := s.locks.LockContext(ctx, sessionID); err != nil {
		return err
	}
	defer s.locks.Unlock(sessionID)

	p := s.path(sessionID)
	if err := os.Remove(p); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrNotFound, sessionID)
		}
		return fmt.Errorf("delete checkpoint %s: %w", sessionID, err)
	}
	_ = os.Remove(p + ".bak")
	return nil
}

// Quarantine moves the checkpoint file of sessionID into the quarantine
// directory. The .bak copy stays where it is.
func (s *FileStore) Quarantine(ctx context.Context, sessionID string) error {
	if err := validateID(sessionID); err != nil {
		return err
	}
	if err := s.locks.LockContext(ctx, sessionID); err != nil {
		return err
	}
	defer s.locks.Unlock(sessionID)

	p := s.path(sessionID)
	if _, err := os.Stat(p); errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: %s", ErrNotFound, sessionID)
	}
	dst, err := yamlutil.Quarantine(s.baseDir, p)
	if err != nil {
		return fmt.Errorf("quarantine checkpoint %s: %w", sessionID, err)
	}
	s.logger.Warnf("quarantined session=%s to=%s", sessionID, dst)
	return nil
}

// Quarantined counts the checkpoint files set aside so far.
func (s *FileStore) Quarantined(ctx context.Context) (int, error) {
	matches, err := filepath.Glob(filepath.Join(s.baseDir, yamlutil.QuarantineDirName, "*.yaml.*.corrupt"))
	if err != nil {
		return 0, err
	}
	return len(matches), ctx.Err()
}

func (s *FileStore) Close() error { return nil }
