package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/antonkrylov/remote-ikernel/internal/kernelspec"
)

type manageAddFlags struct {
	kernelspec.Options
	user bool
}

func newManageCmd() *cobra.Command {
	manageCmd := &cobra.Command{
		Use:   "manage",
		Short: "Install, list and remove remote kernels",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
	}
	store := kernelspec.DefaultStore()
	manageCmd.AddCommand(newManageAddCmd(store))
	manageCmd.AddCommand(newManageListCmd(store))
	manageCmd.AddCommand(newManageShowCmd(store))
	manageCmd.AddCommand(newManageDeleteCmd(store))
	return manageCmd
}

func newManageAddCmd(store *kernelspec.Store) *cobra.Command {
	opts := &manageAddFlags{}
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Register a kernel with Jupyter",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := cmd.OutOrStdout()
			exe, err := os.Executable()
			if err != nil {
				return fmt.Errorf("locate launcher: %w", err)
			}
			if opts.KernelCmd != "" {
				opts.KernelCmd = kernelspec.CommandFix(opts.KernelCmd, out)
			}
			name, spec, err := kernelspec.Build(exe, opts.Options)
			if err != nil {
				return err
			}
			if _, err := store.Install(name, spec, opts.user); err != nil {
				return fmt.Errorf("install %s: %w", name, err)
			}
			fmt.Fprintf(out, "Added kernel ['%s']: %s.\n", name, spec.DisplayName)
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVarP(&opts.Interface, "interface", "i", "", "how the kernel is launched: local|ssh|sge|pbs|slurm|lsf")
	f.StringVarP(&opts.Name, "name", "n", "", "name identifying the kernel, e.g. 'Python 3'")
	f.StringVarP(&opts.KernelCmd, "kernel-cmd", "k", "", "kernel command; {connection_file} is the kernel's connection file")
	f.StringVar(&opts.Language, "language", "", "language of the kernel")
	f.IntVarP(&opts.CPUs, "cpus", "c", 1, "number of CPUs to request")
	f.StringVar(&opts.PE, "pe", "", "parallel environment (GridEngine)")
	f.StringVarP(&opts.Host, "host", "x", "", "target host for the ssh interface")
	f.StringVarP(&opts.Workdir, "workdir", "w", "", "remote working directory")
	f.StringVar(&opts.Precmd, "remote-precmd", "", "command run on the remote host before the kernel")
	f.StringVar(&opts.LaunchCmd, "launch-cmd", "", "replace the scheduler or ssh executable")
	f.StringVar(&opts.LaunchArgs, "remote-launch-args", "", "extra arguments for the command opening the session")
	f.StringSliceVar(&opts.TunnelHosts, "tunnel-hosts", nil, "gateway hosts to chain through; repeatable")
	f.BoolVar(&opts.Verbose, "verbose", false, "launch the kernel with verbose logging")
	f.BoolVar(&opts.user, "user", false, "install for the current user only")
	return cmd
}

func newManageListCmd(store *kernelspec.Store) *cobra.Command {
	return &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List installed remote kernels",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			kernels, err := store.List()
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tDISPLAY NAME")
			for _, k := range kernels {
				fmt.Fprintf(tw, "%s\t%s\n", k.Name, k.Spec.DisplayName)
			}
			return tw.Flush()
		},
	}
}

func newManageShowCmd(store *kernelspec.Store) *cobra.Command {
	return &cobra.Command{
		Use:   "show [NAME]",
		Short: "Show the command line of installed remote kernels",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			if len(args) == 1 {
				k, err := store.Get(args[0])
				if err != nil {
					return err
				}
				printKernel(out, k)
				return nil
			}
			kernels, err := store.List()
			if err != nil {
				return err
			}
			for _, k := range kernels {
				printKernel(out, k)
			}
			return nil
		},
	}
}

func printKernel(w io.Writer, k kernelspec.Kernel) {
	fmt.Fprintf(w, "* Kernel found in: %s\n", k.Dir)
	fmt.Fprintf(w, "* Name: %s\n", k.Spec.DisplayName)
	if k.Spec.Language != "" {
		fmt.Fprintf(w, "* Language: %s\n", k.Spec.Language)
	}
	fmt.Fprintf(w, "* Command: %s\n\n", strings.Join(quoteArgs(k.Spec.Argv), " "))
}

func quoteArgs(argv []string) []string {
	out := make([]string, len(argv))
	for i, a := range argv {
		if a == "" || strings.ContainsAny(a, " \t'\"") {
			a = shellQuote(a)
		}
		out[i] = a
	}
	return out
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}

func newManageDeleteCmd(store *kernelspec.Store) *cobra.Command {
	return &cobra.Command{
		Use:     "delete NAME",
		Aliases: []string{"rm"},
		Short:   "Remove an installed remote kernel",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]
			if err := store.Delete(name); err != nil {
				if errors.Is(err, kernelspec.ErrNotFound) {
					return fmt.Errorf("can't delete %s: %w", name, err)
				}
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removed kernel ['%s'].\n", name)
			return nil
		},
	}
}
