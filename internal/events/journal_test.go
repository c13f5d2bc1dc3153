package events

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJournal_WriteAndRead(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "sessions.jsonl")
	j, err := OpenJournal(path, 0)
	require.NoError(t, err)

	j.Record(Event{Type: EventStateChanged, SessionID: "s1", Timestamp: time.Now().UTC(), Data: map[string]any{"to": "classified"}})
	j.Record(Event{Type: EventArtifact, SessionID: "s1", Timestamp: time.Now().UTC(), Data: map[string]any{"path": "a.go"}})
	require.NoError(t, j.Close())

	entries, err := ReadJournal(path)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "state_changed", entries[0].EventType)
	assert.Equal(t, "s1", entries[0].SessionID)
	assert.Equal(t, "a.go", entries[1].Details["path"])
}

func TestJournal_Rotation(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sessions.jsonl")
	j, err := OpenJournal(path, 200)
	require.NoError(t, err)
	defer j.Close()

	for i := 0; i < 10; i++ {
		require.NoError(t, j.Write(JournalEntry{Timestamp: time.Now().UTC(), EventType: "text", Details: map[string]any{"i": i}}))
	}

	archived, err := os.ReadDir(filepath.Join(dir, ArchiveDir))
	require.NoError(t, err)
	assert.NotEmpty(t, archived)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.LessOrEqual(t, info.Size(), int64(200))
}

func TestJournal_WriteAfterClose(t *testing.T) {
	j, err := OpenJournal(filepath.Join(t.TempDir(), "j.jsonl"), 0)
	require.NoError(t, err)
	require.NoError(t, j.Close())
	assert.Error(t, j.Write(JournalEntry{EventType: "x"}))
	assert.NoError(t, j.Close())
}

func TestJournal_WithBus(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessions.jsonl")
	j, err := OpenJournal(path, 0)
	require.NoError(t, err)

	bus := NewBus(10)
	bus.SubscribeAll(j.Record)
	bus.Publish(EventToolCall, "s2", map[string]any{"tool": "read_file"})
	bus.Close()
	require.NoError(t, j.Close())

	entries, err := ReadJournal(path)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "read_file", entries[0].Details["tool"])
}
