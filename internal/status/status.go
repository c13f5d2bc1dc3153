// Package status summarizes the .relay state of a workspace: whether a
// relay process holds the workspace lock and which sessions can be resumed.
package status

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/msageha/relay/internal/checkpoint"
	"github.com/msageha/relay/internal/events"
	"github.com/msageha/relay/internal/lock"
	"github.com/msageha/relay/internal/model"
)

const LockFileName = "relay.lock"

type WorkspaceStatus struct {
	StateDir  string          `json:"state_dir"`
	Lock      LockStatus      `json:"lock"`
	Sessions  map[string]int  `json:"sessions"`
	Resumable []SessionStatus `json:"resumable,omitempty"`
	// Quarantined counts corrupt checkpoints set aside by resume.
	Quarantined int `json:"quarantined"`
	// Events counts journal entries by type.
	Events map[string]int `json:"events,omitempty"`
}

type LockStatus struct {
	Held bool   `json:"held"`
	Pid  string `json:"pid,omitempty"`
}

type SessionStatus struct {
	ID        string `json:"id"`
	State     string `json:"state"`
	TaskType  string `json:"task_type"`
	UpdatedAt string `json:"updated_at"`
	Request   string `json:"request"`
}

// Collect reads the lock, the checkpoint store and the event journal under
// stateDir.
func Collect(ctx context.Context, stateDir string, store checkpoint.Store, journalPath string) (WorkspaceStatus, error) {
	s := WorkspaceStatus{StateDir: stateDir, Sessions: map[string]int{}}
	s.Lock = checkLock(filepath.Join(stateDir, LockFileName))

	infos, err := store.List(ctx)
	if err != nil {
		return s, fmt.Errorf("list checkpoints: %w", err)
	}
	for _, i := range infos {
		s.Sessions[string(i.State)]++
		if !model.IsSessionTerminal(i.State) {
			s.Resumable = append(s.Resumable, SessionStatus{
				ID:        i.SessionID,
				State:     string(i.State),
				TaskType:  string(i.TaskType),
				UpdatedAt: i.UpdatedAt,
				Request:   i.Request,
			})
		}
	}

	if s.Quarantined, err = store.Quarantined(ctx); err != nil {
		return s, fmt.Errorf("count quarantined checkpoints: %w", err)
	}

	if journalPath != "" {
		entries, err := events.ReadJournal(journalPath)
		if err == nil && len(entries) > 0 {
			s.Events = map[string]int{}
			for _, e := range entries {
				s.Events[e.EventType]++
			}
		}
	}
	return s, nil
}

// checkLock reports whether another process holds the workspace lock. The
// check takes and immediately releases the lock when it is free.
func checkLock(path string) LockStatus {
	if _, err := os.Stat(path); err != nil {
		return LockStatus{}
	}
	fl := lock.NewFileLock(path)
	if err := fl.TryLock(); err != nil {
		st := LockStatus{Held: true}
		if data, rerr := os.ReadFile(path); rerr == nil {
			st.Pid = strings.TrimSpace(string(data))
		}
		return st
	}
	_ = fl.Unlock()
	return LockStatus{}
}

// Write prints s as indented JSON or as text.
func Write(w io.Writer, s WorkspaceStatus, jsonOutput bool) error {
	if jsonOutput {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(s)
	}

	if s.Lock.Held {
		fmt.Fprintf(w, "Lock: held by pid %s\n", s.Lock.Pid)
	} else {
		fmt.Fprintln(w, "Lock: free")
	}

	if len(s.Sessions) == 0 {
		fmt.Fprintln(w, "\nSessions: none")
	} else {
		fmt.Fprintln(w, "\nSessions:")
		for _, st := range sortedKeys(s.Sessions) {
			fmt.Fprintf(w, "  %-20s %5d\n", st, s.Sessions[st])
		}
	}

	if len(s.Resumable) > 0 {
		fmt.Fprintln(w, "\nResumable:")
		for _, r := range s.Resumable {
			fmt.Fprintf(w, "  %-32s  %-18s  %-9s  %s\n", r.ID, r.State, r.TaskType, r.Request)
		}
	}

	if s.Quarantined > 0 {
		fmt.Fprintf(w, "\nQuarantined checkpoints: %d\n", s.Quarantined)
	}

	if len(s.Events) > 0 {
		fmt.Fprintln(w, "\nEvents:")
		for _, et := range sortedKeys(s.Events) {
			fmt.Fprintf(w, "  %-20s %5d\n", et, s.Events[et])
		}
	}
	return nil
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
