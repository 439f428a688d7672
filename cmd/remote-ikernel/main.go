package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/antonkrylov/remote-ikernel/internal/askpass"
	cliconfig "github.com/antonkrylov/remote-ikernel/internal/cli/config"
	"github.com/antonkrylov/remote-ikernel/internal/expect"
	"github.com/antonkrylov/remote-ikernel/internal/launcher"
	"github.com/antonkrylov/remote-ikernel/internal/logging"
	"github.com/antonkrylov/remote-ikernel/internal/supervisor"
)

var (
	version   = "dev"
	commit    = ""
	buildTime = ""
)

const defaultKernelCmd = "ipython kernel -f " + launcher.HostConnectionFile

type rootOptions struct {
	configPath  string
	profileName string
}

type launchFlags struct {
	iface         string
	cpus          int
	pe            string
	kernelCmd     string
	workdir       string
	host          string
	precmd        string
	launchArgs    string
	launchCmd     string
	tunnelHosts   []string
	tunnel        bool
	verbose       bool
	logLevel      string
	logJSON       bool
	launchTimeout time.Duration
	interval      time.Duration
	ttyPassword   bool
}

func main() {
	root := &rootOptions{}
	if err := newRootCmd(root).Execute(); err != nil {
		log.Fatal(err)
	}
}

func newRootCmd(root *rootOptions) *cobra.Command {
	opts := &launchFlags{}
	rootCmd := &cobra.Command{
		Use:   "remote-ikernel [flags] CONNECTION_FILE",
		Short: "Remote Jupyter kernel launcher",
		Long: "Starts a Jupyter kernel on a cluster node through a batch scheduler or ssh\n" +
			"and forwards its ports back. Kernels are normally registered with\n" +
			"'remote-ikernel manage add' and started by Jupyter.",
		Version:       versionString(),
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLauncher(cmd, root, opts, args[0])
		},
	}
	rootCmd.SetGlobalNormalizationFunc(dashes)
	rootCmd.SetVersionTemplate("Remote Jupyter kernel launcher {{.Version}}\n")

	defaultConfig := os.Getenv("REMOTE_IKERNEL_CONFIG")
	if defaultConfig == "" {
		defaultConfig = cliconfig.DefaultConfigPath()
	}
	rootCmd.PersistentFlags().StringVar(&root.configPath, "config", defaultConfig, "path to the profiles file (default $HOME/.remote-ikernel/config)")
	rootCmd.PersistentFlags().StringVar(&root.profileName, "profile", "", "profile supplying launch defaults (overrides currentProfile)")

	f := rootCmd.Flags()
	f.BoolP("version", "V", false, "print the version and exit")
	f.StringVar(&opts.iface, "interface", "local", "how the session is obtained: local|ssh|sge|pbs|slurm|lsf")
	f.IntVar(&opts.cpus, "cpus", 1, "number of CPUs to request")
	f.StringVar(&opts.pe, "pe", "smp", "parallel environment (GridEngine)")
	f.StringVar(&opts.kernelCmd, "kernel-cmd", defaultKernelCmd, "kernel command; "+launcher.HostConnectionFile+" is replaced with the remote connection file")
	f.StringVar(&opts.workdir, "workdir", "", "remote working directory (default: the current directory)")
	f.StringVar(&opts.host, "host", "", "target host for the ssh interface")
	f.StringVar(&opts.precmd, "precmd", "", "command run on the remote host before the kernel")
	f.StringVar(&opts.launchArgs, "launch-args", "", "extra arguments for the command opening the session")
	f.StringVar(&opts.launchCmd, "launch-cmd", "", "replace the scheduler or ssh executable")
	f.StringSliceVar(&opts.tunnelHosts, "tunnel-hosts", nil, "gateway hosts to chain through, host or host:port; repeatable")
	f.BoolVar(&opts.tunnel, "tunnel", true, "forward the kernel ports back to this machine")
	f.BoolVar(&opts.verbose, "verbose", false, "enable verbose debug logging (same as --log-level=debug)")
	f.StringVar(&opts.logLevel, "log-level", "info", "log level: debug|info|warn|error")
	f.BoolVar(&opts.logJSON, "log-json", false, "emit JSON logs")
	f.DurationVar(&opts.launchTimeout, "launch-timeout", launcher.DefaultLaunchTimeout, "how long to wait for the scheduler to grant a node")
	f.DurationVar(&opts.interval, "interval", supervisor.DefaultInterval, "how often the session and tunnels are checked")
	f.BoolVar(&opts.ttyPassword, "tty-password", false, "ask for passwords on the terminal when SSH_ASKPASS is unset")

	rootCmd.AddCommand(newManageCmd())
	rootCmd.AddCommand(newProfileCmd(root))
	rootCmd.AddCommand(newVersionCmd())
	return rootCmd
}

// dashes accepts underscore spellings such as --kernel_cmd.
func dashes(_ *pflag.FlagSet, name string) pflag.NormalizedName {
	return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
}

func versionString() string {
	v := version
	if commit != "" {
		v += " (" + commit + ")"
	}
	if buildTime != "" {
		v += " built " + buildTime
	}
	return v
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "Remote Jupyter kernel launcher %s\n", versionString())
		},
	}
}

// applyProfile fills every flag the user did not set from p.
func applyProfile(cmd *cobra.Command, opts *launchFlags, p *cliconfig.Profile) {
	if p == nil {
		return
	}
	changed := cmd.Flags().Changed
	if !changed("interface") && p.Interface != "" {
		opts.iface = p.Interface
	}
	if !changed("host") && p.Host != "" {
		opts.host = p.Host
	}
	if !changed("pe") && p.PE != "" {
		opts.pe = p.PE
	}
	if !changed("cpus") && p.CPUs > 0 {
		opts.cpus = p.CPUs
	}
	if !changed("workdir") && p.Workdir != "" {
		opts.workdir = p.Workdir
	}
	if !changed("precmd") && p.Precmd != "" {
		opts.precmd = p.Precmd
	}
	if !changed("launch-args") && p.LaunchArgs != "" {
		opts.launchArgs = p.LaunchArgs
	}
	if !changed("launch-cmd") && p.LaunchCmd != "" {
		opts.launchCmd = p.LaunchCmd
	}
	if !changed("tunnel-hosts") && len(p.TunnelHosts) > 0 {
		opts.tunnelHosts = append([]string(nil), p.TunnelHosts...)
	}
	if !changed("launch-timeout") && p.LaunchTimeoutSeconds > 0 {
		opts.launchTimeout = time.Duration(p.LaunchTimeoutSeconds) * time.Second
	}
}

func (o *launchFlags) config(connectionFile string) launcher.Config {
	return launcher.Config{
		Interface:      o.iface,
		ConnectionFile: connectionFile,
		CPUs:           o.cpus,
		PE:             o.pe,
		KernelCmd:      o.kernelCmd,
		Workdir:        o.workdir,
		Host:           o.host,
		Precmd:         o.precmd,
		LaunchArgs:     o.launchArgs,
		LaunchCmd:      o.launchCmd,
		TunnelHosts:    o.tunnelHosts,
		Tunnel:         o.tunnel,
		Verbose:        o.verbose,
		LaunchTimeout:  o.launchTimeout,
	}
}

func runLauncher(cmd *cobra.Command, root *rootOptions, opts *launchFlags, connectionFile string) error {
	cfgFile, err := cliconfig.Load(root.configPath)
	if err != nil {
		return err
	}
	profile, _, err := cfgFile.Resolve(root.profileName)
	if err != nil {
		return err
	}
	applyProfile(cmd, opts, profile)

	level, err := logging.ParseLevel(opts.logLevel)
	if err != nil && !opts.verbose {
		log.Printf("%v; defaulting to info", err)
	}
	logger := logging.New(os.Stderr, logging.Options{Level: level, Verbose: opts.verbose, JSON: opts.logJSON})

	password := askpass.Helper()
	if opts.ttyPassword {
		password = askpass.Chain(password, askpass.Terminal(os.Stdin, os.Stderr))
	}

	// Jupyter stops kernels with SIGTERM; SIGINT is an interrupt for the
	// remote kernel and never stops the launcher.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGHUP)
	defer stop()
	interrupts := make(chan os.Signal, 1)
	signal.Notify(interrupts, os.Interrupt)
	defer signal.Stop(interrupts)

	sess, err := launcher.Launch(ctx, opts.config(connectionFile), launcher.Options{
		Spawn:    expect.NewSpawner(logging.Sink(logger, "child")),
		Password: password,
		Logger:   logger,
	})
	if err != nil {
		return err
	}
	defer sess.Close()
	if n := drainSignals(interrupts); n > 0 {
		logger.Debug("Discarding interrupts received during launch", "count", n)
	}

	err = supervisor.Run(ctx, sess.Conn, sess, supervisor.Options{
		Interval:   opts.interval,
		Interrupts: interrupts,
		Logger:     logger,
	})
	if errors.Is(err, context.Canceled) {
		logger.Info("Shutting down", "host", sess.Host)
		return nil
	}
	return err
}

// drainSignals empties ch without blocking and reports how many signals it
// held. An interrupt aimed at a pending job must not reach the new kernel.
func drainSignals(ch <-chan os.Signal) int {
	n := 0
	for {
		select {
		case <-ch:
			n++
		default:
			return n
		}
	}
}
