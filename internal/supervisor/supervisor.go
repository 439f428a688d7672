// Package supervisor keeps a launched session alive: it polls the remote
// shell, restarts dead tunnels and relays Ctrl-C to the kernel.
package supervisor

import (
	"context"
	"log/slog"
	"os"
	"strings"
	"time"
)

// DefaultInterval is the polling period.
const DefaultInterval = 5 * time.Second

// State of the loop.
type State int

const (
	Running State = iota
	Terminated
)

func (s State) String() string {
	switch s {
	case Running:
		return "running"
	case Terminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Conn is the primary session process.
type Conn interface {
	ReadAvailable() (string, bool)
	IsAlive() bool
	SendInterrupt() error
}

// Checker repairs auxiliary processes once per cycle.
type Checker interface {
	Check() error
}

// Options configure Run.
type Options struct {
	Interval   time.Duration
	Interrupts <-chan os.Signal
	Logger     *slog.Logger
	// OnState observes transitions.
	OnState func(State)
}

// Run blocks until the remote session ends or ctx is cancelled. A session
// ending on its own is the normal way out and returns nil.
func Run(ctx context.Context, conn Conn, checker Checker, opts Options) error {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	interval := opts.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	if opts.OnState != nil {
		opts.OnState(Running)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if !conn.IsAlive() {
			logger.Error("Kernel died.")
			for {
				text, ok := conn.ReadAvailable()
				if !ok {
					break
				}
				for _, line := range splitLines(text) {
					logger.Error(line)
				}
			}
			if opts.OnState != nil {
				opts.OnState(Terminated)
			}
			return nil
		}

		if checker != nil {
			if err := checker.Check(); err != nil {
				logger.Error("tunnel restart failed", "err", err)
			}
		}
		// Raw output reaches the debug log through the handle's sink.
		conn.ReadAvailable()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case sig := <-opts.Interrupts:
			logger.Info("Sending interrupt to kernel", "signal", sig)
			if err := conn.SendInterrupt(); err != nil {
				logger.Warn("interrupt failed", "err", err)
			}
		case <-ticker.C:
		}
	}
}

func splitLines(text string) []string {
	var out []string
	for _, line := range strings.Split(text, "\n") {
		if line = strings.TrimRight(line, "\r"); strings.TrimSpace(line) != "" {
			out = append(out, line)
		}
	}
	return out
}
