// Package askpass answers password and passphrase prompts printed by ssh
// and friends running inside an interactive child.
package askpass

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"regexp"
	"strings"

	"golang.org/x/term"
)

// ErrNoHelper means a prompt appeared but nothing is configured to answer it.
var ErrNoHelper = errors.New("no password helper configured, try setting SSH_ASKPASS")

var (
	passphraseRe = regexp.MustCompile(`Enter passphrase .*:`)
	passwordRe   = regexp.MustCompile(`.*@.* password:`)
)

// PasswordFunc returns the secret for a prompt.
type PasswordFunc func(prompt string) (string, error)

// Conn is what Drain needs from an interactive child.
type Conn interface {
	ReadAvailable() (string, bool)
	SendLine(text string) error
}

// Drain answers prompts until the child goes quiet or prints something that
// is not a prompt. Chained ssh hops may each ask in turn.
func Drain(conn Conn, password PasswordFunc) error {
	for {
		text, ok := conn.ReadAvailable()
		if !ok {
			return nil
		}
		prompt := FindPrompt(text)
		if prompt == "" {
			return nil
		}
		if password == nil {
			return ErrNoHelper
		}
		secret, err := password(prompt)
		if err != nil {
			return fmt.Errorf("password for %q: %w", prompt, err)
		}
		if err := conn.SendLine(secret); err != nil {
			return err
		}
	}
}

// FindPrompt returns the passphrase or password prompt in text, or "".
func FindPrompt(text string) string {
	if m := passphraseRe.FindString(text); m != "" {
		return m
	}
	return strings.TrimSpace(passwordRe.FindString(text))
}

// Helper asks the program named by SSH_ASKPASS, resolved on every call.
func Helper() PasswordFunc {
	return func(prompt string) (string, error) {
		helper := strings.TrimSpace(os.Getenv("SSH_ASKPASS"))
		if helper == "" {
			return "", ErrNoHelper
		}
		out, err := exec.Command(helper, prompt).Output()
		if err != nil {
			return "", fmt.Errorf("%s: %w", helper, err)
		}
		return strings.TrimRight(string(out), "\r\n"), nil
	}
}

// Terminal reads the secret from in with echo disabled, printing the prompt
// to out. in must be a terminal.
func Terminal(in *os.File, out io.Writer) PasswordFunc {
	return func(prompt string) (string, error) {
		fd := int(in.Fd())
		if !term.IsTerminal(fd) {
			return "", ErrNoHelper
		}
		fmt.Fprintf(out, "%s ", prompt)
		secret, err := term.ReadPassword(fd)
		fmt.Fprintln(out)
		if err != nil {
			return "", fmt.Errorf("read password: %w", err)
		}
		return string(secret), nil
	}
}

// Chain tries each func in order, moving on while they report ErrNoHelper.
func Chain(funcs ...PasswordFunc) PasswordFunc {
	return func(prompt string) (string, error) {
		for _, f := range funcs {
			if f == nil {
				continue
			}
			secret, err := f(prompt)
			if errors.Is(err, ErrNoHelper) {
				continue
			}
			return secret, err
		}
		return "", ErrNoHelper
	}
}
