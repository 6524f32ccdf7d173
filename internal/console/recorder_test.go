package console

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agent-command/sessiond/internal/events"
)

func output(id, data string) events.Event {
	return events.Event{Type: events.Output, SessionID: id, Data: []byte(data)}
}

func TestRecordAndScrollback(t *testing.T) {
	r, err := NewRecorder(t.TempDir(), 0)
	require.NoError(t, err)
	defer r.Close()

	r.Record(output("session_1", "hello "))
	r.Record(output("session_1", "world"))
	r.Record(output("session_2", "other"))
	r.Record(events.Event{Type: events.Closed, SessionID: "session_1"})

	all, err := r.Scrollback("session_1", 0)
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(all))

	tail, err := r.Scrollback("session_1", 5)
	require.NoError(t, err)
	assert.Equal(t, "world", string(tail))

	none, err := r.Scrollback("session_9", 10)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestTranscriptIsBounded(t *testing.T) {
	r, err := NewRecorder(t.TempDir(), 100)
	require.NoError(t, err)
	defer r.Close()

	for i := 0; i < 30; i++ {
		r.Record(output("session_1", "0123456789"))
	}
	r.Record(output("session_1", "END"))

	data, err := r.Scrollback("session_1", 0)
	require.NoError(t, err)
	assert.LessOrEqual(t, len(data), 100)
	assert.True(t, bytes.HasSuffix(data, []byte("END")))
}

func TestRemove(t *testing.T) {
	r, err := NewRecorder(t.TempDir(), 0)
	require.NoError(t, err)
	defer r.Close()

	r.Record(output("session_1", "data"))
	require.NoError(t, r.Remove("session_1"))
	assert.NoFileExists(t, r.LogPath("session_1"))
	assert.NoError(t, r.Remove("session_1"))
}

func TestQueuedOutputAfterRemoveIsDropped(t *testing.T) {
	r, err := NewRecorder(t.TempDir(), 0)
	require.NoError(t, err)
	defer r.Close()

	r.Record(output("session_1", "before"))
	require.NoError(t, r.Remove("session_1"))
	r.Record(output("session_1", "late"))
	assert.NoFileExists(t, r.LogPath("session_1"))

	r.Record(events.Event{Type: events.Closed, SessionID: "session_1"})
	r.Record(output("session_2", "other"))
	assert.FileExists(t, r.LogPath("session_2"))
}

func TestRunConsumesSubscription(t *testing.T) {
	r, err := NewRecorder(t.TempDir(), 0)
	require.NoError(t, err)

	bus := events.NewBus()
	sub := bus.Subscribe(8)
	done := make(chan struct{})
	go func() {
		r.Run(sub)
		close(done)
	}()

	bus.Publish(output("session_3", "abc"))
	sub.Close()
	<-done

	data, err := r.Scrollback("session_3", 0)
	require.NoError(t, err)
	assert.Equal(t, "abc", string(data))
}

func TestRecordRejectsPathLikeIDs(t *testing.T) {
	dir := t.TempDir()
	r, err := NewRecorder(dir, 0)
	require.NoError(t, err)
	defer r.Close()

	r.Record(output("../escape", "x"))
	data, err := r.Scrollback("session_1", 0)
	require.NoError(t, err)
	assert.Empty(t, data)
}

func TestScrollbackRejectsPathLikeIDs(t *testing.T) {
	r, err := NewRecorder(t.TempDir(), 0)
	require.NoError(t, err)
	defer r.Close()

	_, err = r.Scrollback("../session_1", 0)
	assert.Error(t, err)
	assert.Error(t, r.Remove("a/b"))
}
