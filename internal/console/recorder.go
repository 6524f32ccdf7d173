// Package console keeps a bounded transcript of every session's output on
// disk so clients that connect late can replay recent scrollback.
package console

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/agent-command/sessiond/internal/events"
	"github.com/agent-command/sessiond/internal/logging"
)

// DefaultMaxBytes bounds a transcript when no limit is configured.
const DefaultMaxBytes = 256 * 1024

type Recorder struct {
	logDir   string
	maxBytes int64
	files    map[string]*logFile
	// removed holds ids whose transcript was deleted while output for them
	// may still be queued.
	removed map[string]struct{}
	mu      sync.Mutex
	logger  *logrus.Entry
}

type logFile struct {
	file *os.File
	size int64
}

func NewRecorder(logDir string, maxBytes int64) (*Recorder, error) {
	if err := os.MkdirAll(logDir, 0700); err != nil {
		return nil, err
	}
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	return &Recorder{
		logDir:   logDir,
		maxBytes: maxBytes,
		files:    make(map[string]*logFile),
		removed:  make(map[string]struct{}),
		logger:   logging.NewLogger("console"),
	}, nil
}

// Run records events from sub until it is closed.
func (r *Recorder) Run(sub *events.Subscription) {
	for e := range sub.C {
		r.Record(e)
	}
	r.Close()
}

// Record appends an output event to its session's transcript. A closed
// event releases the file handle; the transcript stays for replay.
func (r *Recorder) Record(e events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e.Type == events.Closed {
		r.closeLocked(e.SessionID)
		delete(r.removed, e.SessionID)
		return
	}
	if len(e.Data) == 0 {
		return
	}
	if _, gone := r.removed[e.SessionID]; gone {
		return
	}

	lf, err := r.openLocked(e.SessionID)
	if err != nil {
		r.logger.WithError(err).WithField("session_id", e.SessionID).Warn("Failed to open transcript")
		return
	}
	n, err := lf.file.Write(e.Data)
	lf.size += int64(n)
	if err != nil {
		r.logger.WithError(err).WithField("session_id", e.SessionID).Warn("Failed to append transcript")
		return
	}
	if lf.size > r.maxBytes {
		if err := r.trimLocked(e.SessionID, lf); err != nil {
			r.logger.WithError(err).WithField("session_id", e.SessionID).Warn("Failed to trim transcript")
		}
	}
}

// Scrollback returns up to limit trailing bytes of a session's transcript.
// limit <= 0 returns the whole transcript.
func (r *Recorder) Scrollback(sessionID string, limit int) ([]byte, error) {
	if !validID(sessionID) {
		return nil, fmt.Errorf("invalid session id %q", sessionID)
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	file, err := os.Open(r.LogPath(sessionID))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []byte{}, nil
		}
		return nil, err
	}
	defer file.Close()

	stat, err := file.Stat()
	if err != nil {
		return nil, err
	}
	offset := int64(0)
	if limit > 0 && stat.Size() > int64(limit) {
		offset = stat.Size() - int64(limit)
	}
	buf := make([]byte, stat.Size()-offset)
	n, err := file.ReadAt(buf, offset)
	if err != nil && err != io.EOF {
		return nil, err
	}
	return buf[:n], nil
}

// Remove deletes a session's transcript.
func (r *Recorder) Remove(sessionID string) error {
	if !validID(sessionID) {
		return fmt.Errorf("invalid session id %q", sessionID)
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	r.closeLocked(sessionID)
	r.removed[sessionID] = struct{}{}
	if err := os.Remove(r.LogPath(sessionID)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func (r *Recorder) LogPath(sessionID string) string {
	return filepath.Join(r.logDir, sessionID+".log")
}

// Close releases every open transcript.
func (r *Recorder) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for id := range r.files {
		r.closeLocked(id)
	}
}

func (r *Recorder) openLocked(sessionID string) (*logFile, error) {
	if lf, ok := r.files[sessionID]; ok {
		return lf, nil
	}
	if !validID(sessionID) {
		return nil, fmt.Errorf("invalid session id %q", sessionID)
	}

	file, err := os.OpenFile(r.LogPath(sessionID), os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0600)
	if err != nil {
		return nil, err
	}
	stat, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, err
	}
	lf := &logFile{file: file, size: stat.Size()}
	r.files[sessionID] = lf
	return lf, nil
}

func validID(sessionID string) bool {
	return sessionID != "" && sessionID != "." && sessionID != ".." && filepath.Base(sessionID) == sessionID
}

func (r *Recorder) closeLocked(sessionID string) {
	if lf, ok := r.files[sessionID]; ok {
		_ = lf.file.Close()
		delete(r.files, sessionID)
	}
}

// trimLocked keeps the newest half of the limit.
func (r *Recorder) trimLocked(sessionID string, lf *logFile) error {
	path := r.LogPath(sessionID)
	keep := r.maxBytes / 2

	src, err := os.Open(path)
	if err != nil {
		return err
	}
	tail := make([]byte, keep)
	n, err := src.ReadAt(tail, lf.size-keep)
	src.Close()
	if err != nil && err != io.EOF {
		return err
	}

	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, tail[:n], 0600); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return err
	}

	r.closeLocked(sessionID)
	_, err = r.openLocked(sessionID)
	return err
}
