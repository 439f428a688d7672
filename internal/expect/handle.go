// Package expect drives interactive child processes over a pseudo-terminal:
// write a line, wait for a pattern, drain whatever output is pending.
package expect

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"sync"
	"syscall"
	"time"
	"unicode/utf8"

	shlex "github.com/anmitsu/go-shlex"
	"github.com/creack/pty"
)

const (
	// DefaultTimeout bounds Expect when no explicit timeout is given.
	DefaultTimeout = 10 * time.Minute

	// DefaultGrace is how long ReadAvailable waits for the first byte.
	DefaultGrace = 100 * time.Millisecond

	interruptByte = "\x03"
	readChunk     = 4096
)

// ErrEOF is returned by Expect when the child closed its output before the
// pattern appeared.
var ErrEOF = errors.New("expect: end of output")

// Sink receives raw child output, one line at a time.
type Sink interface {
	WriteLine(line string)
}

// Conn is the subset of a Handle the launcher, tunnel manager and supervisor
// work with.
type Conn interface {
	SendLine(text string) error
	Expect(re *regexp.Regexp, timeout time.Duration) (Match, error)
	ReadAvailable() (string, bool)
	IsAlive() bool
	SendInterrupt() error
	Close() error
}

// Spawner starts a command and returns a live Conn.
type Spawner func(command string, timeout time.Duration) (Conn, error)

// NewSpawner returns a Spawner that starts real processes logging to sink.
func NewSpawner(sink Sink) Spawner {
	return func(command string, timeout time.Duration) (Conn, error) {
		h, err := Spawn(command, timeout, sink)
		if err != nil {
			return nil, err
		}
		return h, nil
	}
}

// SpawnError reports a command that could not be started.
type SpawnError struct {
	Command string
	Err     error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawn %q: %v", e.Command, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// TimeoutError reports a pattern that did not appear in time. Output holds
// the tail of what the child printed meanwhile.
type TimeoutError struct {
	Pattern string
	Timeout time.Duration
	Output  string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timed out after %s waiting for %q", e.Timeout, e.Pattern)
}

// Match is a successful Expect.
type Match struct {
	Text   string
	Groups []string
}

// Group returns capture group i, or "" when absent. Group(0) is the whole match.
func (m Match) Group(i int) string {
	if i == 0 {
		return m.Text
	}
	if i < 1 || i > len(m.Groups) {
		return ""
	}
	return m.Groups[i-1]
}

// Handle wraps one child process running on a pseudo-terminal. All methods
// except IsAlive must be called from a single goroutine.
type Handle struct {
	command string
	cmd     *exec.Cmd
	pty     *os.File
	sink    Sink

	timeout time.Duration
	grace   time.Duration

	chunks  chan []byte
	pending string
	eof     bool
	partial string

	exited    chan struct{}
	closeOnce sync.Once
}

// Spawn starts command (split with shell quoting rules) on a new
// pseudo-terminal. timeout is the default for Expect; sink may be nil.
func Spawn(command string, timeout time.Duration, sink Sink) (*Handle, error) {
	args, err := shlex.Split(command, true)
	if err != nil {
		return nil, &SpawnError{Command: command, Err: err}
	}
	if len(args) == 0 {
		return nil, &SpawnError{Command: command, Err: errors.New("empty command")}
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	cmd := exec.Command(args[0], args[1:]...)
	ptyFile, err := startPTY(cmd, &pty.Winsize{Rows: 24, Cols: 80})
	if err != nil {
		return nil, &SpawnError{Command: command, Err: err}
	}

	h := &Handle{
		command: command,
		cmd:     cmd,
		pty:     ptyFile,
		sink:    sink,
		timeout: timeout,
		grace:   DefaultGrace,
		chunks:  make(chan []byte, 256),
		exited:  make(chan struct{}),
	}
	go h.readLoop()
	go func() {
		_ = cmd.Wait()
		close(h.exited)
	}()
	return h, nil
}

func startPTY(cmd *exec.Cmd, ws *pty.Winsize) (*os.File, error) {
	ptyFile, ttyFile, err := pty.Open()
	if err != nil {
		return nil, err
	}
	defer func() { _ = ttyFile.Close() }()

	if ws != nil {
		_ = pty.Setsize(ptyFile, ws)
	}

	cmd.Stdin = ttyFile
	cmd.Stdout = ttyFile
	cmd.Stderr = ttyFile
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	// The child's own stdin becomes its controlling terminal so that the
	// interrupt byte reaches it as SIGINT.
	cmd.SysProcAttr.Setsid = true
	cmd.SysProcAttr.Setctty = true
	cmd.SysProcAttr.Ctty = 0

	if err := cmd.Start(); err != nil {
		_ = ptyFile.Close()
		return nil, err
	}
	return ptyFile, nil
}

func (h *Handle) readLoop() {
	defer close(h.chunks)
	buf := make([]byte, readChunk)
	for {
		n, err := h.pty.Read(buf)
		if n > 0 {
			h.chunks <- append([]byte(nil), buf[:n]...)
		}
		if err != nil {
			// Linux reports EIO once the last slave fd closes.
			return
		}
	}
}

// Command returns the command line the handle was spawned with.
func (h *Handle) Command() string { return h.command }

// Pid returns the child's process id.
func (h *Handle) Pid() int {
	if h.cmd == nil || h.cmd.Process == nil {
		return 0
	}
	return h.cmd.Process.Pid
}

// SetTimeout changes the default Expect timeout.
func (h *Handle) SetTimeout(d time.Duration) {
	if d > 0 {
		h.timeout = d
	}
}

// SetGrace changes how long ReadAvailable waits when nothing is buffered.
func (h *Handle) SetGrace(d time.Duration) {
	if d > 0 {
		h.grace = d
	}
}

// SendLine writes text followed by a newline to the child.
func (h *Handle) SendLine(text string) error {
	if _, err := h.pty.Write([]byte(text + "\n")); err != nil {
		return fmt.Errorf("write to %q: %w", h.command, err)
	}
	return nil
}

// SendInterrupt delivers Ctrl-C to the child through its terminal.
func (h *Handle) SendInterrupt() error {
	if _, err := h.pty.Write([]byte(interruptByte)); err != nil {
		return fmt.Errorf("interrupt %q: %w", h.command, err)
	}
	return nil
}

// Expect reads output until re matches or timeout elapses. Output up to the
// end of the match is consumed. A zero timeout uses the handle default.
func (h *Handle) Expect(re *regexp.Regexp, timeout time.Duration) (Match, error) {
	if timeout <= 0 {
		timeout = h.timeout
	}
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		if loc := re.FindStringSubmatchIndex(h.pending); loc != nil {
			m := Match{Text: h.pending[loc[0]:loc[1]]}
			for i := 2; i < len(loc); i += 2 {
				if loc[i] < 0 {
					m.Groups = append(m.Groups, "")
					continue
				}
				m.Groups = append(m.Groups, h.pending[loc[i]:loc[i+1]])
			}
			h.pending = h.pending[loc[1]:]
			return m, nil
		}
		if h.eof {
			return Match{}, fmt.Errorf("waiting for %q: %w", re.String(), ErrEOF)
		}
		select {
		case chunk, ok := <-h.chunks:
			if !ok {
				h.eof = true
				h.flushPartial()
				continue
			}
			h.pending += h.take(chunk)
		case <-deadline.C:
			return Match{}, &TimeoutError{Pattern: re.String(), Timeout: timeout, Output: tail(h.pending, 512)}
		}
	}
}

// ReadAvailable returns whatever output is buffered, waiting at most the
// grace period for something to arrive. It reports false when nothing came.
func (h *Handle) ReadAvailable() (string, bool) {
	text := h.pending
	h.pending = ""

	if text == "" && !h.eof {
		timer := time.NewTimer(h.grace)
		select {
		case chunk, ok := <-h.chunks:
			if ok {
				text += h.take(chunk)
			} else {
				h.eof = true
				h.flushPartial()
			}
		case <-timer.C:
		}
		timer.Stop()
	}

	for !h.eof {
		select {
		case chunk, ok := <-h.chunks:
			if !ok {
				h.eof = true
				h.flushPartial()
				continue
			}
			text += h.take(chunk)
			continue
		default:
		}
		break
	}
	return text, text != ""
}

// IsAlive reports whether the child has not yet exited.
func (h *Handle) IsAlive() bool {
	select {
	case <-h.exited:
		return false
	default:
		return true
	}
}

// Close kills the child if it is still running, reaps it and releases the
// terminal. It is safe to call more than once.
func (h *Handle) Close() error {
	var err error
	h.closeOnce.Do(func() {
		if h.IsAlive() && h.cmd.Process != nil {
			_ = h.cmd.Process.Kill()
		}
		<-h.exited
		err = h.pty.Close()
	})
	return err
}

// take decodes a raw chunk and forwards complete lines to the sink.
func (h *Handle) take(chunk []byte) string {
	text := decode(chunk)
	if h.sink == nil {
		return text
	}
	data := h.partial + text
	lines := strings.Split(data, "\n")
	h.partial = lines[len(lines)-1]
	for _, line := range lines[:len(lines)-1] {
		h.emit(line)
	}
	return text
}

func (h *Handle) flushPartial() {
	if h.sink != nil && h.partial != "" {
		h.emit(h.partial)
	}
	h.partial = ""
}

func (h *Handle) emit(line string) {
	line = strings.TrimRight(line, "\r")
	if strings.TrimSpace(line) == "" {
		return
	}
	h.sink.WriteLine(line)
}

// decode turns child output into text, replacing invalid UTF-8.
func decode(b []byte) string {
	if utf8.Valid(b) {
		return string(b)
	}
	return strings.ToValidUTF8(string(b), "�")
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
