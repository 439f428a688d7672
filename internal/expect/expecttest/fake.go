// Package expecttest provides scripted stand-ins for interactive children.
package expecttest

import (
	"errors"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/antonkrylov/remote-ikernel/internal/expect"
)

// Conn is a scripted expect.Conn. Output is delivered as chunks: Expect sees
// everything queued, ReadAvailable pops one chunk per call.
type Conn struct {
	// Command is the command line the conn was spawned with, if any.
	Command string

	// Echo makes SendLine queue the sent line, like a terminal would.
	Echo bool

	// Respond, when set, is called for every sent line; a non-empty result
	// is queued as output.
	Respond func(line string) string

	// ExitOn marks the conn dead once this exact line is sent.
	ExitOn string

	mu         sync.Mutex
	queue      []string
	pending    string
	sent       []string
	interrupts int
	alive      bool
	closed     int
}

// NewConn returns a live conn that will emit output as separate chunks.
func NewConn(output ...string) *Conn {
	c := &Conn{Echo: true, alive: true}
	for _, o := range output {
		if o != "" {
			c.queue = append(c.queue, o)
		}
	}
	return c
}

// Emit queues more output.
func (c *Conn) Emit(output string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.queue = append(c.queue, output)
}

// Kill marks the conn as exited.
func (c *Conn) Kill() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.alive = false
}

// Sent returns every line written so far.
func (c *Conn) Sent() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.sent...)
}

// Interrupts returns how many times SendInterrupt was called.
func (c *Conn) Interrupts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.interrupts
}

// Closed reports whether Close was called.
func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed > 0
}

func (c *Conn) SendLine(text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed > 0 {
		return errors.New("expecttest: conn closed")
	}
	c.sent = append(c.sent, text)
	if c.Echo {
		c.queue = append(c.queue, text+"\r\n")
	}
	if c.Respond != nil {
		if out := c.Respond(text); out != "" {
			c.queue = append(c.queue, out)
		}
	}
	if c.ExitOn != "" && text == c.ExitOn {
		c.alive = false
	}
	return nil
}

// Expect never blocks: it matches against everything queued and fails with
// an *expect.TimeoutError otherwise.
func (c *Conn) Expect(re *regexp.Regexp, timeout time.Duration) (expect.Match, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending += strings.Join(c.queue, "")
	c.queue = nil
	loc := re.FindStringSubmatchIndex(c.pending)
	if loc == nil {
		return expect.Match{}, &expect.TimeoutError{Pattern: re.String(), Timeout: timeout, Output: c.pending}
	}
	m := expect.Match{Text: c.pending[loc[0]:loc[1]]}
	for i := 2; i < len(loc); i += 2 {
		if loc[i] < 0 {
			m.Groups = append(m.Groups, "")
			continue
		}
		m.Groups = append(m.Groups, c.pending[loc[i]:loc[i+1]])
	}
	c.pending = c.pending[loc[1]:]
	return m, nil
}

func (c *Conn) ReadAvailable() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending != "" {
		out := c.pending
		c.pending = ""
		return out, true
	}
	if len(c.queue) == 0 {
		return "", false
	}
	out := c.queue[0]
	c.queue = c.queue[1:]
	return out, true
}

func (c *Conn) IsAlive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.alive && c.closed == 0
}

func (c *Conn) SendInterrupt() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.interrupts++
	return nil
}

func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed++
	c.alive = false
	return nil
}

// Spawner records spawned commands and hands out conns built by New.
type Spawner struct {
	// New builds the conn for a command. When nil, a silent live conn is used.
	New func(command string) (*Conn, error)

	mu    sync.Mutex
	conns []*Conn
}

// Spawn satisfies expect.Spawner.
func (s *Spawner) Spawn(command string, _ time.Duration) (expect.Conn, error) {
	var (
		c   *Conn
		err error
	)
	if s.New != nil {
		c, err = s.New(command)
	} else {
		c = NewConn()
	}
	if err != nil {
		return nil, err
	}
	c.Command = command
	s.mu.Lock()
	s.conns = append(s.conns, c)
	s.mu.Unlock()
	return c, nil
}

// Conns returns every conn handed out, in spawn order.
func (s *Spawner) Conns() []*Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Conn(nil), s.conns...)
}

// Commands returns every spawned command line, in order.
func (s *Spawner) Commands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.conns))
	for _, c := range s.conns {
		out = append(out, c.Command)
	}
	return out
}
