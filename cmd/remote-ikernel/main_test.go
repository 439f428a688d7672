package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	cliconfig "github.com/antonkrylov/remote-ikernel/internal/cli/config"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd(&rootOptions{})
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("JUPYTER_DATA_DIR", filepath.Join(dir, "jupyter"))
	t.Setenv("REMOTE_IKERNEL_HOME", filepath.Join(dir, "home"))
	t.Setenv("REMOTE_IKERNEL_CONFIG", "")
	return dir
}

func TestLauncherRequiresConnectionFile(t *testing.T) {
	isolate(t)
	if _, err := execute(t); err == nil {
		t.Fatalf("expected error without connection file")
	}
}

func TestVersion(t *testing.T) {
	isolate(t)
	for _, args := range [][]string{{"version"}, {"-V"}, {"--version"}} {
		out, err := execute(t, args...)
		if err != nil {
			t.Fatalf("%v: %v", args, err)
		}
		if !strings.Contains(out, "Remote Jupyter kernel launcher") {
			t.Fatalf("%v output = %q", args, out)
		}
	}
}

func TestManageAddRequiredFlags(t *testing.T) {
	isolate(t)
	tests := []struct {
		args []string
		want string
	}{
		{[]string{"manage", "add", "--kernel-cmd=command", "--name=name"}, "interface must be specified"},
		{[]string{"manage", "add", "--interface=local", "--name=name"}, "kernel_cmd is required"},
		{[]string{"manage", "add", "--interface=local", "--kernel-cmd=command"}, "name is required for kernel"},
	}
	for _, tt := range tests {
		_, err := execute(t, tt.args...)
		if err == nil || !strings.Contains(err.Error(), tt.want) {
			t.Fatalf("%v: err = %v, want %q", tt.args, err, tt.want)
		}
	}
}

func TestManageLifecycle(t *testing.T) {
	isolate(t)
	out, err := execute(t, "manage", "add", "--user", "--interface=local", "--kernel_cmd=command {connection_file}", "--name=name")
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if !strings.Contains(out, "Added kernel ['rik_local_name']") {
		t.Fatalf("add output = %q", out)
	}

	out, err = execute(t, "manage", "list")
	if err != nil || !strings.Contains(out, "rik_local_name") || !strings.Contains(out, "Local name") {
		t.Fatalf("list = %q, %v", out, err)
	}

	out, err = execute(t, "manage", "show", "rik_local_name")
	if err != nil || !strings.Contains(out, "--kernel-cmd 'command {host_connection_file}' {connection_file}") {
		t.Fatalf("show = %q, %v", out, err)
	}

	out, err = execute(t, "manage", "delete", "rik_local_name")
	if err != nil || !strings.Contains(out, "Removed kernel") {
		t.Fatalf("delete = %q, %v", out, err)
	}
	if _, err := execute(t, "manage", "delete", "rik_local_name"); err == nil {
		t.Fatalf("deleting a missing kernel succeeded")
	}
}

func TestManageAddFixesCommand(t *testing.T) {
	isolate(t)
	tests := []struct {
		cmd  string
		want string
	}{
		{"something IRkernel::main()", "Escaping IRkernel"},
		{"something unescaped()", "unescaped brackets"},
		{`"something badly quoted'`, "missing quotation marks"},
	}
	for _, tt := range tests {
		out, err := execute(t, "manage", "add", "--user", "--interface=local", "--kernel-cmd="+tt.cmd, "--name=name")
		if err != nil {
			t.Fatalf("add %q: %v", tt.cmd, err)
		}
		if !strings.Contains(out, tt.want) {
			t.Fatalf("add %q output = %q, want %q", tt.cmd, out, tt.want)
		}
	}
}

func TestProfiles(t *testing.T) {
	dir := isolate(t)
	cfgPath := filepath.Join(dir, "profiles.yaml")
	if _, err := execute(t, "--config", cfgPath, "profile", "set", "hpc", "--interface=slurm", "--cpus=4", "--tunnel-hosts=login.example.org"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if _, err := execute(t, "--config", cfgPath, "profile", "set", "lab", "--interface=ssh", "--host=lab-box"); err != nil {
		t.Fatalf("set lab: %v", err)
	}
	// Updating keeps fields not given again.
	if _, err := execute(t, "--config", cfgPath, "profile", "set", "hpc", "--pe=mpi"); err != nil {
		t.Fatalf("update: %v", err)
	}
	if _, err := execute(t, "--config", cfgPath, "profile", "use", "lab"); err != nil {
		t.Fatalf("use: %v", err)
	}
	if _, err := execute(t, "--config", cfgPath, "profile", "use", "ghost"); err == nil {
		t.Fatalf("use of unknown profile succeeded")
	}

	cfg, err := cliconfig.Load(cfgPath)
	if err != nil || cfg == nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.CurrentProfile != "lab" {
		t.Fatalf("current = %q", cfg.CurrentProfile)
	}
	hpc := cfg.Profiles["hpc"]
	if hpc.Interface != "slurm" || hpc.CPUs != 4 || hpc.PE != "mpi" || len(hpc.TunnelHosts) != 1 {
		t.Fatalf("hpc = %+v", hpc)
	}

	out, err := execute(t, "--config", cfgPath, "profile", "list")
	if err != nil || !strings.Contains(out, "lab-box") || !strings.Contains(out, "login.example.org") {
		t.Fatalf("list = %q, %v", out, err)
	}
}

func TestApplyProfileKeepsExplicitFlags(t *testing.T) {
	cmd := newRootCmd(&rootOptions{})
	if err := cmd.ParseFlags([]string{"--interface=sge", "--cpus=2"}); err != nil {
		t.Fatalf("parse: %v", err)
	}
	opts := &launchFlags{iface: "sge", cpus: 2, pe: "smp", launchTimeout: time.Minute}
	applyProfile(cmd, opts, &cliconfig.Profile{
		Interface:            "slurm",
		CPUs:                 8,
		PE:                   "mpi",
		TunnelHosts:          []string{"gw"},
		LaunchTimeoutSeconds: 30,
	})
	if opts.iface != "sge" || opts.cpus != 2 {
		t.Fatalf("explicit flags overridden: %+v", opts)
	}
	if opts.pe != "mpi" || len(opts.tunnelHosts) != 1 || opts.launchTimeout != 30*time.Second {
		t.Fatalf("profile not applied: %+v", opts)
	}
}

func TestUnderscoreFlags(t *testing.T) {
	cmd := newRootCmd(&rootOptions{})
	if err := cmd.ParseFlags([]string{"--kernel_cmd=R -e x", "--launch_args=-p short"}); err != nil {
		t.Fatalf("parse: %v", err)
	}
	if v, _ := cmd.Flags().GetString("kernel-cmd"); v != "R -e x" {
		t.Fatalf("kernel-cmd = %q", v)
	}
	if v, _ := cmd.Flags().GetString("launch-args"); v != "-p short" {
		t.Fatalf("launch-args = %q", v)
	}
}

func TestDrainSignalsDropsLaunchInterrupts(t *testing.T) {
	ch := make(chan os.Signal, 1)
	if n := drainSignals(ch); n != 0 {
		t.Fatalf("empty channel drained %d", n)
	}
	ch <- os.Interrupt
	if n := drainSignals(ch); n != 1 {
		t.Fatalf("drained %d, want 1", n)
	}
	select {
	case sig := <-ch:
		t.Fatalf("signal %v left for the supervisor", sig)
	default:
	}
}
