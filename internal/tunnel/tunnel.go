// Package tunnel forwards the kernel ports from a compute node back to this
// machine with a single ssh process, optionally hopping through gateways.
package tunnel

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/antonkrylov/remote-ikernel/internal/askpass"
	"github.com/antonkrylov/remote-ikernel/internal/expect"
)

// MainTunnel is the registry name of the port-forwarding process.
const MainTunnel = "tunnel"

// keepOpen runs on the far end so the forward stays up; it outlasts the
// supervisor's check interval by a wide margin.
const keepOpen = "sleep 600"

const (
	spawnTimeout   = 30 * time.Second
	hostKeyTimeout = 10 * time.Second
)

// Gateway is an intermediate ssh hop, optionally on a non-default port.
type Gateway struct {
	Host string
	Port string
}

func (g Gateway) String() string {
	if g.Port == "" {
		return g.Host
	}
	return g.Host + ":" + g.Port
}

// ParseGateway splits "host" or "host:port".
func ParseGateway(s string) Gateway {
	s = strings.TrimSpace(s)
	if i := strings.LastIndex(s, ":"); i > 0 {
		if _, err := strconv.Atoi(s[i+1:]); err == nil {
			return Gateway{Host: s[:i], Port: s[i+1:]}
		}
	}
	return Gateway{Host: s}
}

// ParseGateways parses each non-empty entry of hosts.
func ParseGateways(hosts []string) []Gateway {
	var out []Gateway
	for _, h := range hosts {
		if strings.TrimSpace(h) == "" {
			continue
		}
		out = append(out, ParseGateway(h))
	}
	return out
}

// Chain is the interactive ssh command that logs in through every gateway.
func Chain(gateways []Gateway) string {
	var words []string
	for _, g := range gateways {
		words = append(words, "ssh -o StrictHostKeyChecking=no")
		if g.Port != "" {
			words = append(words, "-p "+g.Port)
		}
		words = append(words, g.Host)
	}
	return strings.Join(words, " ")
}

// HostKeyCommand logs into host once so its key is accepted before the
// non-interactive forward is attempted.
func HostKeyCommand(host string, gateways []Gateway) string {
	target := ParseGateway(host)
	words := []string{}
	if pre := Chain(gateways); pre != "" {
		words = append(words, pre)
	}
	words = append(words, "ssh -o StrictHostKeyChecking=no")
	if target.Port != "" {
		words = append(words, "-p "+target.Port)
	}
	words = append(words, target.Host)
	return strings.Join(words, " ")
}

// Command builds the forwarding command: every hop forwards all ports to
// the next one and the last hop targets host.
func Command(host string, gateways []Gateway, ports []int) string {
	forwards := make([]string, 0, len(ports))
	for _, p := range ports {
		forwards = append(forwards, fmt.Sprintf("-L 127.0.0.1:%d:127.0.0.1:%d", p, p))
	}
	fwd := strings.Join(forwards, " ")

	var words []string
	for _, g := range gateways {
		words = append(words, "ssh")
		if g.Port != "" {
			words = append(words, "-p "+g.Port)
		}
		words = append(words, "-S none", fwd, g.Host)
	}
	target := ParseGateway(host)
	words = append(words, "ssh")
	if target.Port != "" {
		words = append(words, "-p "+target.Port)
	}
	words = append(words, "-S none", fwd, target.Host, keepOpen)
	return strings.Join(words, " ")
}

// Registry holds at most one process per tunnel name.
type Registry struct {
	mu      sync.Mutex
	entries map[string]expect.Conn
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]expect.Conn)}
}

// Get returns the process stored under name.
func (r *Registry) Get(name string) (expect.Conn, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.entries[name]
	return c, ok
}

// Put stores conn under name, closing whatever was there.
func (r *Registry) Put(name string, conn expect.Conn) {
	r.mu.Lock()
	old := r.entries[name]
	r.entries[name] = conn
	r.mu.Unlock()
	if old != nil && old != conn {
		_ = old.Close()
	}
}

// Remove closes and forgets the process stored under name.
func (r *Registry) Remove(name string) {
	r.mu.Lock()
	old, ok := r.entries[name]
	delete(r.entries, name)
	r.mu.Unlock()
	if ok {
		_ = old.Close()
	}
}

// Len is the number of registered tunnels.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Close closes every registered process.
func (r *Registry) Close() {
	r.mu.Lock()
	entries := r.entries
	r.entries = make(map[string]expect.Conn)
	r.mu.Unlock()
	for _, c := range entries {
		_ = c.Close()
	}
}

// Config describes one forward.
type Config struct {
	Host     string
	Gateways []Gateway
	Ports    []int
	Spawn    expect.Spawner
	Password askpass.PasswordFunc
	Logger   *slog.Logger
}

// Manager opens the forward and reopens it when it dies. Only the
// supervisor calls Check, so two forwards never race for the local ports.
type Manager struct {
	cfg      Config
	registry *Registry
	logger   *slog.Logger

	// wanted is set by the first Open and cleared by Close. While set, Check
	// reopens a forward that is dead or missing after a failed restart.
	wanted bool
}

func NewManager(cfg Config, registry *Registry) *Manager {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if registry == nil {
		registry = NewRegistry()
	}
	return &Manager{cfg: cfg, registry: registry, logger: logger.With("component", "tunnel")}
}

// Registry returns the registry the manager writes to.
func (m *Manager) Registry() *Registry { return m.registry }

// Open accepts the node's host key, spawns the forward, answers its
// credential prompts and registers it, replacing any previous forward.
func (m *Manager) Open() (expect.Conn, error) {
	m.wanted = true
	m.registry.Remove(MainTunnel)

	m.acceptHostKey()

	cmd := Command(m.cfg.Host, m.cfg.Gateways, m.cfg.Ports)
	m.logger.Debug("tunnel command", "cmd", cmd)
	conn, err := m.cfg.Spawn(cmd, spawnTimeout)
	if err != nil {
		return nil, err
	}
	if err := askpass.Drain(conn, m.cfg.Password); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("tunnel to %s: %w", m.cfg.Host, err)
	}
	m.registry.Put(MainTunnel, conn)

	ports := make([]string, len(m.cfg.Ports))
	for i, p := range m.cfg.Ports {
		ports[i] = strconv.Itoa(p)
	}
	m.logger.Info("Setting up tunnels", "host", m.cfg.Host, "ports", strings.Join(ports, ", "))
	return conn, nil
}

func (m *Manager) acceptHostKey() {
	cmd := HostKeyCommand(m.cfg.Host, m.cfg.Gateways)
	conn, err := m.cfg.Spawn(cmd, hostKeyTimeout)
	if err != nil {
		m.logger.Debug("host key check failed", "cmd", cmd, "err", err)
		return
	}
	defer conn.Close()
	// A login stuck at a prompt nobody can answer never exits.
	if err := askpass.Drain(conn, m.cfg.Password); err != nil {
		m.logger.Debug("host key login not completed", "cmd", cmd, "err", err)
		return
	}
	_ = conn.SendLine("exit")
	deadline := time.Now().Add(hostKeyTimeout)
	for conn.IsAlive() && time.Now().Before(deadline) {
		conn.ReadAvailable()
	}
}

// Check reopens the forward if its process has exited, or if an earlier
// restart failed and left nothing registered.
func (m *Manager) Check() error {
	if !m.wanted {
		return nil
	}
	if conn, ok := m.registry.Get(MainTunnel); ok && conn.IsAlive() {
		return nil
	}
	m.logger.Debug("Restarting ssh tunnels.")
	_, err := m.Open()
	return err
}

// Close tears down every forward.
func (m *Manager) Close() {
	m.wanted = false
	m.registry.Close()
}
