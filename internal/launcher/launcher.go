// Package launcher obtains an interactive session on a compute node, starts
// the kernel there and forwards its ports back.
package launcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/antonkrylov/remote-ikernel/internal/askpass"
	"github.com/antonkrylov/remote-ikernel/internal/backend"
	"github.com/antonkrylov/remote-ikernel/internal/connfile"
	"github.com/antonkrylov/remote-ikernel/internal/expect"
	"github.com/antonkrylov/remote-ikernel/internal/tunnel"
)

// HostConnectionFile is replaced in the kernel command with the path of the
// connection file on the remote side.
const HostConnectionFile = "{host_connection_file}"

// DefaultLaunchTimeout is how long a scheduler may keep the job queued.
const DefaultLaunchTimeout = 10 * time.Minute

const exitTimeout = time.Minute

// exitRe matches the echoed exit line, possibly behind a shell prompt, but
// not a path or word that merely contains "exit".
var exitRe = regexp.MustCompile(`(?m)(?:^|[\s$#>%])exit\r?$`)

// Config is the resolved Session Configuration.
type Config struct {
	Interface      string
	ConnectionFile string
	CPUs           int
	PE             string
	KernelCmd      string
	Workdir        string
	Host           string
	Precmd         string
	LaunchArgs     string
	LaunchCmd      string
	TunnelHosts    []string
	Tunnel         bool
	Verbose        bool
	LaunchTimeout  time.Duration
}

// Options carry the collaborators Launch needs.
type Options struct {
	Spawn    expect.Spawner
	Password askpass.PasswordFunc
	Logger   *slog.Logger
	// Getwd resolves the default remote working directory.
	Getwd func() (string, error)
}

// Session is a running remote kernel.
type Session struct {
	ID            uuid.UUID
	Conn          expect.Conn
	Host          string
	Backend       string
	TunnelEnabled bool
	Tunnels       *tunnel.Registry
	Manager       *tunnel.Manager
	TempFile      string
}

// Check reopens the port forward if it died. It is a no-op without one.
func (s *Session) Check() error {
	if s.Manager == nil {
		return nil
	}
	return s.Manager.Check()
}

// Close kills the tunnels and the primary process.
func (s *Session) Close() error {
	if s.Manager != nil {
		s.Manager.Close()
	}
	s.Tunnels.Close()
	if s.Conn == nil {
		return nil
	}
	return s.Conn.Close()
}

// TempFileName is the connection file copy written in the remote workdir.
func TempFileName(id uuid.UUID) string {
	return fmt.Sprintf("./rik_%s_kernel.json", strings.ReplaceAll(id.String(), "-", "")[:8])
}

// Launch runs the whole launch sequence and returns the established session.
func Launch(ctx context.Context, cfg Config, opts Options) (*Session, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Spawn == nil {
		return nil, errors.New("launcher: no spawner")
	}

	strategy, err := backend.Lookup(cfg.Interface)
	if err != nil {
		return nil, err
	}
	desc, err := connfile.Load(cfg.ConnectionFile)
	if err != nil {
		return nil, err
	}
	plan, err := strategy.Plan(backend.Options{
		CPUs:       cfg.CPUs,
		PE:         cfg.PE,
		Host:       cfg.Host,
		LaunchArgs: cfg.LaunchArgs,
		LaunchCmd:  cfg.LaunchCmd,
	})
	if err != nil {
		return nil, err
	}
	timeout := cfg.LaunchTimeout
	if timeout <= 0 {
		timeout = DefaultLaunchTimeout
	}

	id := connfile.SessionID(cfg.ConnectionFile)
	sess := &Session{
		ID:            id,
		Backend:       strategy.Name(),
		TunnelEnabled: cfg.Tunnel && plan.Remote,
		Tunnels:       tunnel.NewRegistry(),
		TempFile:      TempFileName(id),
	}
	logger = logger.With("session", id.String()[:8], "interface", strategy.Name())
	logger.Info("Launching kernel", "backend", strategy.Label())

	gateways := tunnel.ParseGateways(cfg.TunnelHosts)
	if len(gateways) > 0 {
		chain := tunnel.Chain(gateways)
		logger.Debug("gateway chain", "cmd", chain)
		if sess.Conn, err = opts.Spawn(chain, timeout); err != nil {
			return nil, err
		}
		if err := askpass.Drain(sess.Conn, opts.Password); err != nil {
			sess.Close()
			return nil, err
		}
	}

	if err := ctx.Err(); err != nil {
		sess.Close()
		return nil, err
	}
	logger.Debug("launch command", "cmd", plan.Command)
	if sess.Conn == nil {
		if sess.Conn, err = opts.Spawn(plan.Command, timeout); err != nil {
			return nil, err
		}
	} else if err := sess.Conn.SendLine(plan.Command); err != nil {
		sess.Close()
		return nil, err
	}
	if plan.Prompts {
		if err := askpass.Drain(sess.Conn, opts.Password); err != nil {
			sess.Close()
			return nil, err
		}
	}

	host, err := backend.Establish(sess.Conn, plan, timeout)
	if err != nil {
		sess.Close()
		return nil, err
	}
	sess.Host = host
	logger.Info("Established session", "host", host)

	if err := ctx.Err(); err != nil {
		sess.Close()
		return nil, err
	}
	if err := startKernel(sess, cfg, desc, opts, logger); err != nil {
		sess.Close()
		return nil, err
	}

	if sess.TunnelEnabled {
		sess.Manager = tunnel.NewManager(tunnel.Config{
			Host:     host,
			Gateways: gateways,
			Ports:    desc.PortNumbers(),
			Spawn:    opts.Spawn,
			Password: opts.Password,
			Logger:   logger,
		}, sess.Tunnels)
		if _, err := sess.Manager.Open(); err != nil {
			sess.Close()
			return nil, err
		}
	}
	return sess, nil
}

// startKernel writes the connection file next to the kernel, starts it and
// queues the file's removal behind it. The rm must not run before the
// kernel has read the file.
func startKernel(sess *Session, cfg Config, desc *connfile.Descriptor, opts Options, logger *slog.Logger) error {
	workdir := cfg.Workdir
	if workdir == "" {
		getwd := opts.Getwd
		if getwd == nil {
			getwd = os.Getwd
		}
		wd, err := getwd()
		if err != nil {
			return fmt.Errorf("working directory: %w", err)
		}
		workdir = wd
		logger.Info("Current working directory", "dir", workdir)
	} else {
		logger.Info("Remote working directory", "dir", workdir)
	}

	kernel := strings.ReplaceAll(cfg.KernelCmd, HostConnectionFile, sess.TempFile)
	lines := []string{
		"cd " + workdir,
		"rm -f " + sess.TempFile,
		"echo " + shellEscapeArg(desc.JSON()) + " > " + sess.TempFile,
	}
	if cfg.Precmd != "" {
		lines = append(lines, cfg.Precmd)
	}
	lines = append(lines, kernel, "rm -f "+sess.TempFile, "exit")

	logger.Info("Running kernel command", "cmd", kernel)
	for _, line := range lines {
		if err := sess.Conn.SendLine(line); err != nil {
			return err
		}
	}
	if _, err := sess.Conn.Expect(exitRe, exitTimeout); err != nil {
		return fmt.Errorf("start kernel on %s: %w", sess.Host, err)
	}
	return nil
}

func shellEscapeArg(s string) string {
	if s == "" {
		return "''"
	}
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}
