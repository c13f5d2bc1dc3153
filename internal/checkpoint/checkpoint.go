// Package checkpoint persists session checkpoints so an interrupted session
// can be resumed. Two stores share the same semantics: one YAML file per
// session, or a single SQLite database.
package checkpoint

import (
	"context"
	"fmt"
	"path/filepath"
	"regexp"
	"sort"

	"github.com/msageha/relay/internal/logging"
	"github.com/msageha/relay/internal/model"
)

var (
	ErrNotFound = model.ErrCheckpointNotFound
	ErrCorrupt  = model.ErrCheckpointCorrupt
)

// Store saves and restores checkpoints. Saves for one session id are
// serialized; Restore returns a copy the caller owns and never changes the
// store, even when the checkpoint is corrupt. Quarantine sets a checkpoint
// aside so the id can start over.
type Store interface {
	Save(ctx context.Context, cp *model.SessionCheckpoint) error
	Restore(ctx context.Context, sessionID string) (*model.SessionCheckpoint, error)
	List(ctx context.Context) ([]Info, error)
	Delete(ctx context.Context, sessionID string) error
	Quarantine(ctx context.Context, sessionID string) error
	Quarantined(ctx context.Context) (int, error)
	Close() error
}

// Info summarizes a stored checkpoint for listings.
type Info struct {
	SessionID string             `yaml:"session_id"`
	TaskType  model.TaskType     `yaml:"task_type"`
	State     model.SessionState `yaml:"state"`
	UpdatedAt string             `yaml:"updated_at"`
	Request   string             `yaml:"request"`
}

func infoOf(cp *model.SessionCheckpoint) Info {
	return Info{
		SessionID: cp.SessionID,
		TaskType:  cp.TaskType,
		State:     cp.State,
		UpdatedAt: cp.Timestamp,
		Request:   cp.OriginalRequest,
	}
}

// sortInfos orders newest first, then by id.
func sortInfos(infos []Info) {
	sort.Slice(infos, func(i, j int) bool {
		if infos[i].UpdatedAt != infos[j].UpdatedAt {
			return infos[i].UpdatedAt > infos[j].UpdatedAt
		}
		return infos[i].SessionID < infos[j].SessionID
	})
}

var sessionIDRe = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]*$`)

func validateID(id string) error {
	if !sessionIDRe.MatchString(id) {
		return fmt.Errorf("invalid session id %q", id)
	}
	return nil
}

// validate rejects a decoded checkpoint that cannot drive a resume.
func validate(cp *model.SessionCheckpoint, id string) error {
	if cp.SessionID != id {
		return fmt.Errorf("session_id %q does not match %q", cp.SessionID, id)
	}
	if !cp.State.Valid() {
		return fmt.Errorf("unknown state %q", cp.State)
	}
	return nil
}

const (
	DefaultDirName = ".relay"
	sqliteFileName = "checkpoints.db"
)

// New opens the store selected by cfg.Checkpoint.Backend. Relative
// directories are taken against workspaceRoot.
func New(cfg *model.Config, workspaceRoot string, logger *logging.Logger) (Store, error) {
	dir := Dir(cfg, workspaceRoot)
	switch cfg.Checkpoint.Backend {
	case "", "file":
		return NewFileStore(dir, logger)
	case "sqlite":
		return OpenSQLite(filepath.Join(dir, sqliteFileName), logger)
	default:
		return nil, fmt.Errorf("unknown checkpoint backend %q", cfg.Checkpoint.Backend)
	}
}

// Dir is the state directory checkpoints live under.
func Dir(cfg *model.Config, workspaceRoot string) string {
	dir := cfg.Checkpoint.Dir
	if dir == "" {
		dir = DefaultDirName
	}
	if !filepath.IsAbs(dir) {
		dir = filepath.Join(workspaceRoot, dir)
	}
	return dir
}
