package checkpoint

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	yamlv3 "gopkg.in/yaml.v3"
	_ "modernc.org/sqlite"

	"github.com/msageha/relay/internal/lock"
	"github.com/msageha/relay/internal/logging"
	"github.com/msageha/relay/internal/model"
	yamlutil "github.com/msageha/relay/internal/yaml"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS checkpoints (
	session_id TEXT PRIMARY KEY,
	updated_at TEXT NOT NULL,
	state      TEXT NOT NULL,
	task_type  TEXT NOT NULL,
	request    TEXT NOT NULL,
	payload    BLOB NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_checkpoints_updated ON checkpoints(updated_at);
CREATE TABLE IF NOT EXISTS quarantine (
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id     TEXT NOT NULL,
	quarantined_at TEXT NOT NULL,
	reason         TEXT NOT NULL,
	payload        BLOB NOT NULL
);
`

// SQLiteStore keeps checkpoints as YAML payloads in one SQLite database.
// Quarantined rows move to the quarantine table.
type SQLiteStore struct {
	db     *sql.DB
	locks  *lock.MutexMap
	logger *logging.Logger
}

func OpenSQLite(path string, logger *logging.Logger) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open checkpoint database: %w", err)
	}
	// one writer; saves are already serialized per session
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{"PRAGMA journal_mode = WAL", "PRAGMA busy_timeout = 5000"} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create checkpoint schema: %w", err)
	}
	return &SQLiteStore{db: db, locks: lock.NewMutexMap(), logger: logger.With("checkpoint.sqlite")}, nil
}

func (s *SQLiteStore) Save(ctx context.Context, cp *model.SessionCheckpoint) error {
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
	payload, err := yamlv3.Marshal(out)
	if err != nil {
		return fmt.Errorf("marshal checkpoint %s: %w", cp.SessionID, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO checkpoints (session_id, updated_at, state, task_type, request, payload)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			updated_at = excluded.updated_at,
			state = excluded.state,
			task_type = excluded.task_type,
			request = excluded.request,
			payload = excluded.payload`,
		out.SessionID, out.Timestamp, string(out.State), string(out.TaskType), out.OriginalRequest, payload)
	if err != nil {
		return fmt.Errorf("save checkpoint %s: %w", cp.SessionID, err)
	}
	s.logger.Debugf("saved session=%s state=%s", cp.SessionID, cp.State)
	return nil
}

func (s *SQLiteStore) Restore(ctx context.Context, sessionID string) (*model.SessionCheckpoint, error) {
	if err := validateID(sessionID); err != nil {
		return nil, err
	}
	var payload []byte
	err := s.db.QueryRowContext(ctx, `SELECT payload FROM checkpoints WHERE session_id = ?`, sessionID).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, sessionID)
	}
	if err != nil {
		return nil, fmt.Errorf("read checkpoint %s: %w", sessionID, err)
	}
	cp, err := decode(payload, sessionID)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, sessionID, err)
	}
	return cp, nil
}

// Quarantine moves the row of sessionID into the quarantine table together
// with the reason it could not be decoded.
func (s *SQLiteStore) Quarantine(ctx context.Context, sessionID string) error {
	if err := validateID(sessionID); err != nil {
		return err
	}
	if err := s.locks.LockContext(ctx, sessionID); err != nil {
		return err
	}
	defer s.locks.Unlock(sessionID)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("quarantine checkpoint %s: %w", sessionID, err)
	}
	defer func() { _ = tx.Rollback() }()

	var payload []byte
	err = tx.QueryRowContext(ctx, `SELECT payload FROM checkpoints WHERE session_id = ?`, sessionID).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", ErrNotFound, sessionID)
	}
	if err != nil {
		return fmt.Errorf("quarantine checkpoint %s: %w", sessionID, err)
	}
	reason := "quarantined"
	if _, derr := decode(payload, sessionID); derr != nil {
		reason = derr.Error()
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO quarantine (session_id, quarantined_at, reason, payload) VALUES (?, ?, ?, ?)`,
		sessionID, time.Now().UTC().Format(time.RFC3339Nano), reason, payload); err != nil {
		return fmt.Errorf("quarantine checkpoint %s: %w", sessionID, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM checkpoints WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("quarantine checkpoint %s: %w", sessionID, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("quarantine checkpoint %s: %w", sessionID, err)
	}
	s.logger.Warnf("quarantined session=%s reason=%s", sessionID, reason)
	return nil
}

func (s *SQLiteStore) List(ctx context.Context) ([]Info, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT session_id, updated_at, state, task_type, request FROM checkpoints`)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var out []Info
	for rows.Next() {
		var (
			info            Info
			state, taskType string
		)
		if err := rows.Scan(&info.SessionID, &info.UpdatedAt, &state, &taskType, &info.Request); err != nil {
			return nil, fmt.Errorf("scan checkpoint: %w", err)
		}
		info.State = model.SessionState(state)
		info.TaskType = model.TaskType(taskType)
		out = append(out, info)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	sortInfos(out)
	return out, nil
}

func (s *SQLiteStore) Delete(ctx context.Context, sessionID string) error {
	if err := validateID(sessionID); err != nil {
		return err
	}
	if err := s.locks.LockContext(ctx, sessionID); err != nil {
		return err
	}
	defer s.locks.Unlock(sessionID)

	res, err := s.db.ExecContext(ctx, `DELETE FROM checkpoints WHERE session_id = ?`, sessionID)
	if err != nil {
		return fmt.Errorf("delete checkpoint %s: %w", sessionID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, sessionID)
	}
	return nil
}

// Quarantined reports how many corrupt payloads have been set aside.
func (s *SQLiteStore) Quarantined(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM quarantine`).Scan(&n)
	return n, err
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
