package main

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	cliconfig "github.com/antonkrylov/remote-ikernel/internal/cli/config"
)

func newProfileCmd(root *rootOptions) *cobra.Command {
	profileCmd := &cobra.Command{
		Use:   "profile",
		Short: "Manage named launch defaults",
	}
	profileCmd.AddCommand(newProfileListCmd(root))
	profileCmd.AddCommand(newProfileSetCmd(root))
	profileCmd.AddCommand(newProfileUseCmd(root))
	return profileCmd
}

func loadOrEmpty(path string) (*cliconfig.Config, error) {
	cfg, err := cliconfig.Load(path)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		cfg = &cliconfig.Config{}
	}
	return cfg, nil
}

func newProfileListCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List profiles",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadOrEmpty(root.configPath)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "CURRENT\tNAME\tINTERFACE\tHOST\tTUNNEL HOSTS")
			for _, name := range cfg.Names() {
				p := cfg.Profiles[name]
				current := ""
				if name == cfg.CurrentProfile {
					current = "*"
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", current, name, p.Interface, p.Host, strings.Join(p.TunnelHosts, ","))
			}
			return tw.Flush()
		},
	}
}

func newProfileSetCmd(root *rootOptions) *cobra.Command {
	p := &cliconfig.Profile{}
	cmd := &cobra.Command{
		Use:   "set NAME",
		Short: "Create or update a profile",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadOrEmpty(root.configPath)
			if err != nil {
				return err
			}
			name := args[0]
			merged := p
			if existing, ok := cfg.Profiles[name]; ok && existing != nil {
				merged = existing
				overlay(cmd, merged, p)
			}
			cfg.Set(name, merged)
			if cfg.CurrentProfile == "" {
				cfg.CurrentProfile = name
			}
			if err := cfg.Save(root.configPath); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Saved profile %s\n", name)
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&p.Interface, "interface", "", "local|ssh|sge|pbs|slurm|lsf")
	f.StringVar(&p.Host, "host", "", "target host for the ssh interface")
	f.StringVar(&p.PE, "pe", "", "parallel environment (GridEngine)")
	f.IntVar(&p.CPUs, "cpus", 0, "number of CPUs to request")
	f.StringVar(&p.Workdir, "workdir", "", "remote working directory")
	f.StringVar(&p.Precmd, "precmd", "", "command run before the kernel")
	f.StringVar(&p.LaunchArgs, "launch-args", "", "extra arguments for the session command")
	f.StringVar(&p.LaunchCmd, "launch-cmd", "", "replace the scheduler or ssh executable")
	f.StringSliceVar(&p.TunnelHosts, "tunnel-hosts", nil, "gateway hosts; repeatable")
	f.IntVar(&p.LaunchTimeoutSeconds, "launch-timeout-seconds", 0, "scheduler wait in seconds")
	return cmd
}

// overlay copies the flags given on this invocation onto dst.
func overlay(cmd *cobra.Command, dst, src *cliconfig.Profile) {
	changed := cmd.Flags().Changed
	if changed("interface") {
		dst.Interface = src.Interface
	}
	if changed("host") {
		dst.Host = src.Host
	}
	if changed("pe") {
		dst.PE = src.PE
	}
	if changed("cpus") {
		dst.CPUs = src.CPUs
	}
	if changed("workdir") {
		dst.Workdir = src.Workdir
	}
	if changed("precmd") {
		dst.Precmd = src.Precmd
	}
	if changed("launch-args") {
		dst.LaunchArgs = src.LaunchArgs
	}
	if changed("launch-cmd") {
		dst.LaunchCmd = src.LaunchCmd
	}
	if changed("tunnel-hosts") {
		dst.TunnelHosts = src.TunnelHosts
	}
	if changed("launch-timeout-seconds") {
		dst.LaunchTimeoutSeconds = src.LaunchTimeoutSeconds
	}
}

func newProfileUseCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "use NAME",
		Short: "Make a profile the default",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadOrEmpty(root.configPath)
			if err != nil {
				return err
			}
			if err := cfg.Use(args[0]); err != nil {
				return err
			}
			if err := cfg.Save(root.configPath); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Switched to profile %s\n", args[0])
			return nil
		},
	}
}
