package session

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	sesserr "github.com/agent-command/sessiond/internal/errors"
)

func TestStoreRoundTrip(t *testing.T) {
	store := NewStore(filepath.Join(t.TempDir(), "console", "sessions.json"))

	records := []Record{
		{ID: "session_1", Project: "p", Agent: "shell", Role: "human", SpecID: "", Command: "bash", Args: []string{}},
		{ID: "session_4", Project: "app", Agent: "claude", Role: "builder", SpecID: "T-12", Command: "claude", Args: []string{"--verbose", "a b"}, Cwd: "/srv/app"},
	}
	require.NoError(t, store.Save(records))

	loaded, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, records, loaded)
}

func TestStoreMissingFile(t *testing.T) {
	loaded, err := NewStore(filepath.Join(t.TempDir(), "none.json")).Load()
	require.NoError(t, err)
	assert.Empty(t, loaded)
}

func TestStoreSkipsMalformedRecords(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessions.json")
	require.NoError(t, os.WriteFile(path, []byte(`[
		{"id": "session_2", "project": "p", "agent": "shell", "role": "human", "specId": "", "command": "sh"},
		{"id": 7},
		{"project": "no-id", "command": "sh"}
	]`), 0600))

	loaded, err := NewStore(path).Load()
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.Equal(t, "session_2", loaded[0].ID)
	assert.Equal(t, []string{}, loaded[0].Args)
}

func TestStoreCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessions.json")
	require.NoError(t, os.WriteFile(path, []byte(`{not an array`), 0600))

	_, err := NewStore(path).Load()
	assert.True(t, sesserr.Is(err, sesserr.ErrCodeConfigError))
}
