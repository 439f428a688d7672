package askpass

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/antonkrylov/remote-ikernel/internal/expect/expecttest"
)

func TestDrainAnswersChainedPrompts(t *testing.T) {
	conn := expecttest.NewConn("Enter passphrase for key:")
	conn.Echo = false
	sends := 0
	conn.Respond = func(string) string {
		sends++
		if sends == 1 {
			return "user@host's password:"
		}
		return ""
	}

	var prompts []string
	err := Drain(conn, func(prompt string) (string, error) {
		prompts = append(prompts, prompt)
		return "secret", nil
	})
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if len(prompts) != 2 {
		t.Fatalf("password callback called %d times, want 2: %q", len(prompts), prompts)
	}
	if prompts[0] != "Enter passphrase for key:" || prompts[1] != "user@host's password:" {
		t.Fatalf("prompts out of order: %q", prompts)
	}
	if sent := conn.Sent(); len(sent) != 2 || sent[0] != "secret" || sent[1] != "secret" {
		t.Fatalf("sent = %q", sent)
	}
}

func TestDrainStopsOnOrdinaryOutput(t *testing.T) {
	conn := expecttest.NewConn("Last login: Mon Oct 12 on pts/3\r\n$ ")
	called := false
	err := Drain(conn, func(string) (string, error) {
		called = true
		return "", nil
	})
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if called || len(conn.Sent()) != 0 {
		t.Fatalf("no prompt expected, called=%v sent=%q", called, conn.Sent())
	}
}

func TestDrainSilentConn(t *testing.T) {
	if err := Drain(expecttest.NewConn(), nil); err != nil {
		t.Fatalf("drain: %v", err)
	}
}

func TestDrainWithoutHelper(t *testing.T) {
	conn := expecttest.NewConn("me@gateway password:")
	if err := Drain(conn, nil); !errors.Is(err, ErrNoHelper) {
		t.Fatalf("expected ErrNoHelper, got %v", err)
	}
}

func TestHelperRequiresAskpass(t *testing.T) {
	t.Setenv("SSH_ASKPASS", "")
	if _, err := Helper()("me@host password:"); !errors.Is(err, ErrNoHelper) {
		t.Fatalf("expected ErrNoHelper, got %v", err)
	}
}

func TestHelperRunsAskpass(t *testing.T) {
	script := filepath.Join(t.TempDir(), "askpass.sh")
	if err := os.WriteFile(script, []byte("#!/bin/sh\necho \"pw-for-$1\"\n"), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	t.Setenv("SSH_ASKPASS", script)
	got, err := Helper()("prompt")
	if err != nil {
		t.Fatalf("helper: %v", err)
	}
	if got != "pw-for-prompt" {
		t.Fatalf("helper returned %q", got)
	}
}

func TestChainSkipsMissingHelpers(t *testing.T) {
	missing := func(string) (string, error) { return "", ErrNoHelper }
	found := func(string) (string, error) { return "pw", nil }
	got, err := Chain(missing, nil, found)("prompt")
	if err != nil || got != "pw" {
		t.Fatalf("chain = %q, %v", got, err)
	}
	if _, err := Chain(missing)("prompt"); !errors.Is(err, ErrNoHelper) {
		t.Fatalf("expected ErrNoHelper, got %v", err)
	}
}

func TestFindPrompt(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Enter passphrase for key '/home/u/.ssh/id_rsa': ", "Enter passphrase for key '/home/u/.ssh/id_rsa':"},
		{"\r\nalice@login1.cluster's password: ", "alice@login1.cluster's password:"},
		{"Welcome to the cluster", ""},
	}
	for _, tt := range tests {
		if got := FindPrompt(tt.in); got != tt.want {
			t.Fatalf("FindPrompt(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
