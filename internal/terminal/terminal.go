// Package terminal runs a process on a pseudo-terminal and pumps its output
// to an event publisher.
package terminal

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"

	"github.com/creack/pty"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/agent-command/sessiond/internal/events"
	"github.com/agent-command/sessiond/internal/logging"
	"github.com/agent-command/sessiond/internal/metrics"
	"github.com/agent-command/sessiond/internal/proc"
)

const defaultReadChunk = 4096

// Options configure a terminal.
type Options struct {
	Cols      uint16
	Rows      uint16
	ReadChunk int
}

// Terminal is one process attached to a pty. The master is the control
// handle and the read handle; writes go through a duplicate descriptor.
type Terminal struct {
	sessionID string
	cmd       *exec.Cmd
	ptmx      *os.File
	input     *os.File
	writer    *bufio.Writer
	writeMu   sync.Mutex
	publisher events.Publisher
	chunk     int

	closeOnce sync.Once
	closed    chan struct{}
	done      chan struct{}
	logger    *logrus.Entry
}

// Start spawns cmd on a new pty of the given size and starts the reader.
// The process is killed if the daemon dies.
func Start(sessionID string, cmd *exec.Cmd, opts Options, publisher events.Publisher) (*Terminal, error) {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	setParentDeathSignal(cmd.SysProcAttr)

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: opts.Rows, Cols: opts.Cols})
	if err != nil {
		return nil, fmt.Errorf("failed to start %s on pty: %w", cmd.Path, err)
	}

	fd, err := dupHandle(ptmx)
	if err != nil {
		_ = ptmx.Close()
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		return nil, fmt.Errorf("failed to duplicate pty handle: %w", err)
	}
	input := os.NewFile(uintptr(fd), ptmx.Name())

	chunk := opts.ReadChunk
	if chunk <= 0 {
		chunk = defaultReadChunk
	}

	t := &Terminal{
		sessionID: sessionID,
		cmd:       cmd,
		ptmx:      ptmx,
		input:     input,
		writer:    bufio.NewWriter(input),
		publisher: publisher,
		chunk:     chunk,
		closed:    make(chan struct{}),
		done:      make(chan struct{}),
		logger:    logging.NewLogger("terminal").WithField("session_id", sessionID),
	}

	go t.readLoop()

	return t, nil
}

// Pid returns the process id.
func (t *Terminal) Pid() int {
	if t.cmd.Process == nil {
		return 0
	}
	return t.cmd.Process.Pid
}

// Write sends input to the process and flushes immediately.
func (t *Terminal) Write(data []byte) error {
	select {
	case <-t.closed:
		return os.ErrClosed
	default:
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if _, err := t.writer.Write(data); err != nil {
		return err
	}
	return t.writer.Flush()
}

// Resize changes the pty's character-grid geometry.
func (t *Terminal) Resize(cols, rows uint16) error {
	select {
	case <-t.closed:
		return os.ErrClosed
	default:
	}

	return pty.Setsize(t.ptmx, &pty.Winsize{Rows: rows, Cols: cols})
}

// Alive reports whether the reader is still running, i.e. the process has
// not reached end of stream.
func (t *Terminal) Alive() bool {
	select {
	case <-t.done:
		return false
	default:
		return true
	}
}

// Done is closed once the reader has exited and the process is reaped.
func (t *Terminal) Done() <-chan struct{} {
	return t.done
}

// Close releases the pty handles and hangs up the process group, as the
// kernel does when a terminal goes away. The process is not killed and the
// reader is not interrupted; the reader ends when the process does.
func (t *Terminal) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.closed)

		// A Write blocked on a full input queue holds writeMu; closing the
		// handles first wakes it with ErrClosed.
		err = errors.Join(t.input.Close(), t.ptmx.Close())

		if pid := t.Pid(); pid > 0 && t.Alive() && proc.Alive(pid) {
			_ = unix.Kill(-pid, unix.SIGHUP)
		}
	})
	return err
}

func (t *Terminal) isClosed() bool {
	select {
	case <-t.closed:
		return true
	default:
		return false
	}
}

// readLoop forwards output chunks until end of stream, then reaps the
// process.
func (t *Terminal) readLoop() {
	defer close(t.done)
	defer t.reap()

	buf := make([]byte, t.chunk)
	for {
		n, err := t.ptmx.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			metrics.OutputBytes.Add(float64(n))
			t.publish(events.Event{Type: events.Output, SessionID: t.sessionID, Data: data})
		}
		if err == nil {
			continue
		}

		switch {
		case endOfStream(err):
			t.logger.Debug("Terminal reached end of stream")
			t.publish(events.Event{Type: events.Closed, SessionID: t.sessionID})
		case t.isClosed() || errors.Is(err, os.ErrClosed):
			t.logger.Debug("Terminal reader stopped after close")
		default:
			t.logger.WithError(err).Error("Terminal read failed")
		}
		return
	}
}

func (t *Terminal) reap() {
	err := t.cmd.Wait()
	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		t.logger.WithError(err).Warn("Failed to reap process")
		return
	}
	t.logger.WithField("exit_code", t.cmd.ProcessState.ExitCode()).Info("Process exited")
}

func (t *Terminal) publish(e events.Event) {
	if t.publisher != nil {
		t.publisher.Publish(e)
	}
}

// dupHandle duplicates the master without switching it to blocking mode,
// which File.Fd would do.
func dupHandle(f *os.File) (int, error) {
	conn, err := f.SyscallConn()
	if err != nil {
		return -1, err
	}
	fd := -1
	var dupErr error
	if err := conn.Control(func(raw uintptr) {
		fd, dupErr = unix.FcntlInt(raw, unix.F_DUPFD_CLOEXEC, 0)
	}); err != nil {
		return -1, err
	}
	return fd, dupErr
}

// endOfStream reports whether err means the slave side is gone. Linux
// returns EIO on the master once the last slave descriptor closes.
func endOfStream(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, syscall.EIO)
}
