package kernelspec

import (
	"errors"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"

	"github.com/antonkrylov/remote-ikernel/internal/backend"
	"github.com/antonkrylov/remote-ikernel/internal/launcher"
)

// Options describe a kernel to register.
type Options struct {
	Interface   string
	Name        string
	KernelCmd   string
	Language    string
	CPUs        int
	PE          string
	Host        string
	Workdir     string
	Precmd      string
	LaunchCmd   string
	LaunchArgs  string
	TunnelHosts []string
	Verbose     bool
}

var nonWord = regexp.MustCompile(`\W`)

// Build returns the kernel name and spec that run exe with opts. The
// kernel's {connection_file} becomes the launcher's remote placeholder and
// Jupyter's own {connection_file} is appended as the last argument.
func Build(exe string, opts Options) (string, Spec, error) {
	if strings.TrimSpace(opts.Interface) == "" {
		return "", Spec{}, errors.New("interface must be specified")
	}
	strategy, err := backend.Lookup(opts.Interface)
	if err != nil {
		return "", Spec{}, err
	}
	if strings.TrimSpace(opts.KernelCmd) == "" {
		return "", Spec{}, errors.New("kernel_cmd is required")
	}
	if strings.TrimSpace(opts.Name) == "" {
		return "", Spec{}, errors.New("name is required for kernel")
	}

	iface := strategy.Name()
	argv := []string{exe, "--interface", iface}
	nameParts := []string{iface, opts.Name}
	var details []string

	if opts.LaunchCmd != "" {
		argv = append(argv, "--launch-cmd", opts.LaunchCmd)
		nameParts = append(nameParts, opts.LaunchCmd)
		details = append(details, opts.LaunchCmd)
	}
	if opts.PE != "" {
		argv = append(argv, "--pe", opts.PE)
		nameParts = append(nameParts, opts.PE)
		details = append(details, opts.PE)
	}
	if opts.CPUs > 1 {
		n := strconv.Itoa(opts.CPUs)
		argv = append(argv, "--cpus", n)
		nameParts = append(nameParts, n)
		details = append(details, n+" CPUs")
	}
	if opts.Host != "" {
		argv = append(argv, "--host", opts.Host)
		nameParts = append(nameParts, opts.Host)
		details = append(details, opts.Host)
	}
	if opts.Workdir != "" {
		argv = append(argv, "--workdir", opts.Workdir)
	}
	if opts.Precmd != "" {
		argv = append(argv, "--precmd", opts.Precmd)
	}
	if opts.LaunchArgs != "" {
		argv = append(argv, "--launch-args", opts.LaunchArgs)
	}
	if len(opts.TunnelHosts) > 0 {
		for _, h := range opts.TunnelHosts {
			argv = append(argv, "--tunnel-hosts", h)
		}
		via := "via " + strings.Join(opts.TunnelHosts, " ")
		nameParts = append(nameParts, via)
		details = append(details, via)
	}
	if opts.Verbose {
		argv = append(argv, "--verbose")
	}

	kernelCmd := strings.ReplaceAll(opts.KernelCmd, ConnectionFile, launcher.HostConnectionFile)
	argv = append(argv, "--kernel-cmd", kernelCmd, ConnectionFile)

	display := strategy.Label() + " " + opts.Name
	if len(details) > 0 {
		display += " (" + strings.Join(details, ", ") + ")"
	}
	return KernelName(nameParts...), Spec{DisplayName: display, Argv: argv, Language: opts.Language}, nil
}

// KernelName joins parts behind the rik_ prefix, lower-cased, with every
// non-word character replaced by an underscore.
func KernelName(parts ...string) string {
	return Prefix + strings.ToLower(nonWord.ReplaceAllString(strings.Join(parts, "_"), "_"))
}

var (
	quotedRe       = regexp.MustCompile(`'[^']*'|"[^"]*"`)
	escapedParenRe = regexp.MustCompile(`\\[()]`)
	escapedQuoteRe = regexp.MustCompile(`\\['"]`)
	unquotedIR     = regexp.MustCompile(`(^|[^'"\\])IRkernel::main\(\)`)
)

// CommandFix repairs kernel commands that would break in the remote shell
// and prints a note to w for anything changed or suspicious.
func CommandFix(cmd string, w io.Writer) string {
	if unquotedIR.MatchString(cmd) {
		fmt.Fprintln(w, "Escaping IRkernel::main() in kernel command.")
		cmd = unquotedIR.ReplaceAllString(cmd, "${1}'IRkernel::main()'")
	}

	bare := escapedParenRe.ReplaceAllString(quotedRe.ReplaceAllString(cmd, ""), "")
	if strings.ContainsAny(bare, "()") {
		fmt.Fprintln(w, "Kernel command has unescaped brackets; it may fail in the remote shell.")
	}

	unescaped := escapedQuoteRe.ReplaceAllString(cmd, "")
	if strings.Count(unescaped, "'")%2 != 0 || strings.Count(unescaped, `"`)%2 != 0 {
		fmt.Fprintln(w, "Kernel command may have missing quotation marks.")
	}
	return cmd
}
