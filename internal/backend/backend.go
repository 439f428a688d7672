// Package backend knows how each job system hands out an interactive
// session: the command to run, what it prints once a node is granted, and
// where in that text the node name sits.
//
// Scheduler confirmation strings are human-readable and change between
// releases; the patterns below match the wording of the versions in use and
// fail with a LaunchTimeoutError rather than guessing when they drift.
package backend

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/antonkrylov/remote-ikernel/internal/expect"
)

// JobName is the job name submitted to every scheduler.
const JobName = "remote_ikernel"

// Options are the Session Configuration fields a strategy reads.
type Options struct {
	CPUs       int
	PE         string
	Host       string
	LaunchArgs string
	// LaunchCmd replaces the executable (qlogin, qsub, srun, bsub, ssh, bash).
	LaunchCmd string
}

// Stage is one wait in the launch handshake. Send, when set, is written
// before waiting for Ready.
type Stage struct {
	Send  string
	Ready *regexp.Regexp
}

// Plan is everything the launcher needs to run a strategy.
type Plan struct {
	Backend string
	Command string
	Stages  []Stage
	// Host is known up front for local and ssh; otherwise it comes from
	// group 1 of the last stage.
	Host string
	// Remote is false when the kernel runs on this machine; tunnelling is
	// then pointless.
	Remote bool
	// Prompts marks commands that may ask for credentials right away.
	Prompts bool
}

// Strategy is one way of obtaining a session.
type Strategy interface {
	Name() string
	Label() string
	Plan(opts Options) (Plan, error)
}

// UnknownInterfaceError reports a backend name no strategy answers to.
type UnknownInterfaceError struct {
	Name string
}

func (e *UnknownInterfaceError) Error() string {
	return fmt.Sprintf("unknown interface %q (expected one of %s)", e.Name, strings.Join(Names(), ", "))
}

// LaunchTimeoutError reports a scheduler that never confirmed a session.
type LaunchTimeoutError struct {
	Backend string
	Pattern string
	Timeout time.Duration
	Output  string
}

func (e *LaunchTimeoutError) Error() string {
	return fmt.Sprintf("%s: no session after %s (waiting for %q)", e.Backend, e.Timeout, e.Pattern)
}

var strategies = map[string]Strategy{
	"local": local{},
	"ssh":   ssh{},
	"sge":   sge{},
	"pbs":   pbs{},
	"slurm": slurm{},
	"lsf":   lsf{},
}

// Lookup returns the strategy registered under name.
func Lookup(name string) (Strategy, error) {
	s, ok := strategies[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return nil, &UnknownInterfaceError{Name: name}
	}
	return s, nil
}

// Names lists the known backends, sorted.
func Names() []string {
	names := make([]string, 0, len(strategies))
	for name := range strategies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Conn is what Establish needs from the session process.
type Conn interface {
	SendLine(text string) error
	Expect(re *regexp.Regexp, timeout time.Duration) (expect.Match, error)
}

// Establish walks the plan's stages on conn and returns the allocated host.
func Establish(conn Conn, plan Plan, timeout time.Duration) (string, error) {
	host := plan.Host
	for i, stage := range plan.Stages {
		if stage.Send != "" {
			if err := conn.SendLine(stage.Send); err != nil {
				return "", err
			}
		}
		m, err := conn.Expect(stage.Ready, timeout)
		if err != nil {
			var te *expect.TimeoutError
			if errors.As(err, &te) {
				return "", &LaunchTimeoutError{Backend: plan.Backend, Pattern: te.Pattern, Timeout: te.Timeout, Output: te.Output}
			}
			return "", fmt.Errorf("%s: %w", plan.Backend, err)
		}
		if i == len(plan.Stages)-1 {
			host = strings.TrimSpace(m.Group(1))
		}
	}
	if host == "" {
		return "", fmt.Errorf("%s: no host in scheduler output", plan.Backend)
	}
	return host, nil
}

func command(defaultExe, override string, parts ...string) string {
	exe := defaultExe
	if v := strings.TrimSpace(override); v != "" {
		exe = v
	}
	words := []string{exe}
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			words = append(words, p)
		}
	}
	return strings.Join(words, " ")
}

type local struct{}

func (local) Name() string  { return "local" }
func (local) Label() string { return "Local" }

func (local) Plan(opts Options) (Plan, error) {
	return Plan{
		Backend: "local",
		Command: command("/bin/bash", opts.LaunchCmd, opts.LaunchArgs),
		Host:    "localhost",
	}, nil
}

type ssh struct{}

func (ssh) Name() string  { return "ssh" }
func (ssh) Label() string { return "SSH" }

func (ssh) Plan(opts Options) (Plan, error) {
	host := strings.TrimSpace(opts.Host)
	if host == "" {
		return Plan{}, errors.New("ssh: host is required")
	}
	return Plan{
		Backend: "ssh",
		Command: command("ssh", opts.LaunchCmd, "-o StrictHostKeyChecking=no", opts.LaunchArgs, host),
		Host:    host,
		Remote:  true,
		Prompts: true,
	}, nil
}

var sgeReady = regexp.MustCompile(`Establishing builtin session to host (.*) \.\.\.`)

type sge struct{}

func (sge) Name() string  { return "sge" }
func (sge) Label() string { return "GridEngine" }

func (sge) Plan(opts Options) (Plan, error) {
	var pe string
	if opts.CPUs > 1 {
		pe = fmt.Sprintf("-pe %s %d", opts.PE, opts.CPUs)
	}
	return Plan{
		Backend: "sge",
		Command: command("qlogin", opts.LaunchCmd, "-now n", pe, "-N "+JobName, opts.LaunchArgs),
		Stages:  []Stage{{Ready: sgeReady}},
		Remote:  true,
	}, nil
}

var (
	pbsReady   = regexp.MustCompile(`qsub: job (.*) ready`)
	pbsRunning = regexp.MustCompile(`Running on ([\w.-]+)`)
)

// pbsProbe asks the granted shell for its hostname; the backticks keep the
// echoed probe itself from matching pbsRunning.
const pbsProbe = "echo Running on `hostname`"

type pbs struct{}

func (pbs) Name() string  { return "pbs" }
func (pbs) Label() string { return "PBS" }

func (pbs) Plan(opts Options) (Plan, error) {
	var cpus string
	if opts.CPUs > 1 {
		cpus = fmt.Sprintf("-l ncpus=%d", opts.CPUs)
	}
	return Plan{
		Backend: "pbs",
		Command: command("qsub", opts.LaunchCmd, "-I", cpus, "-N "+JobName, opts.LaunchArgs),
		Stages: []Stage{
			{Ready: pbsReady},
			{Send: pbsProbe, Ready: pbsRunning},
		},
		Remote: true,
	}, nil
}

var slurmReady = regexp.MustCompile(`srun: Node ([^,\s]+), .* tasks started`)

type slurm struct{}

func (slurm) Name() string  { return "slurm" }
func (slurm) Label() string { return "SLURM" }

func (slurm) Plan(opts Options) (Plan, error) {
	var cpus string
	if opts.CPUs > 1 {
		cpus = fmt.Sprintf("--cpus-per-task %d", opts.CPUs)
	}
	// -v prints the node, -u unbuffers; job options must precede bash.
	return Plan{
		Backend: "slurm",
		Command: command("srun", opts.LaunchCmd, cpus, "-J "+JobName, opts.LaunchArgs, "-v -u bash -i"),
		Stages:  []Stage{{Ready: slurmReady}},
		Remote:  true,
	}, nil
}

var lsfReady = regexp.MustCompile(`<<Starting on (\S+)>>`)

type lsf struct{}

func (lsf) Name() string  { return "lsf" }
func (lsf) Label() string { return "LSF" }

func (lsf) Plan(opts Options) (Plan, error) {
	var cpus string
	if opts.CPUs > 1 {
		cpus = fmt.Sprintf("-n %d", opts.CPUs)
	}
	return Plan{
		Backend: "lsf",
		Command: command("bsub", opts.LaunchCmd, "-Is", cpus, "-J "+JobName, opts.LaunchArgs, "bash"),
		Stages:  []Stage{{Ready: lsfReady}},
		Remote:  true,
	}, nil
}
