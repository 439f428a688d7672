package connfile

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/uuid"
)

const sample = `{
  "shell_port": 52001,
  "iopub_port": 52002,
  "stdin_port": 52003,
  "control_port": 52004,
  "hb_port": 52005,
  "ip": "127.0.0.1",
  "key": "a0436f6c-1916-498b-8eb9-e81ab9368e84",
  "transport": "tcp",
  "signature_scheme": "hmac-sha256",
  "kernel_name": ""
}`

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kernel.json")
	if err := os.WriteFile(path, []byte(sample), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	d, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	want := []int{52005, 52001, 52002, 52003, 52004}
	got := d.PortNumbers()
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("ports = %v, want %v", got, want)
		}
	}
	if d.Key != "a0436f6c-1916-498b-8eb9-e81ab9368e84" || d.Transport != "tcp" {
		t.Fatalf("unexpected descriptor: %+v", d)
	}
}

func TestJSONIsVerbatimOnOneLine(t *testing.T) {
	d, err := Parse([]byte(sample))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	out := d.JSON()
	if strings.Contains(out, "\n") {
		t.Fatalf("json spans lines: %q", out)
	}
	if !strings.HasPrefix(out, `{"shell_port":52001,"iopub_port":52002`) {
		t.Fatalf("key order not preserved: %s", out)
	}
}

func TestParseRejectsMissingPorts(t *testing.T) {
	if _, err := Parse([]byte(`{"shell_port": 1, "key": "k"}`)); err == nil {
		t.Fatalf("expected error for missing ports")
	}
	if _, err := Parse([]byte(`not json`)); err == nil {
		t.Fatalf("expected error for invalid json")
	}
}

func TestExtractUUID(t *testing.T) {
	want := uuid.MustParse("fbbdec0f-1403-48c9-b2ae-b5b5e1572068")
	for _, path := range []string{
		"/home/user/.local/share/jupyter/runtime/kernel-fbbdec0f-1403-48c9-b2ae-b5b5e1572068.json",
		"../../.local/share/jupyter/runtime/kernel-fbbdec0f-1403-48c9-b2ae-b5b5e1572068.json",
		"kernel-fbbdec0f-1403-48c9-b2ae-b5b5e1572068.json",
	} {
		got, ok := ExtractUUID(path)
		if !ok || got != want {
			t.Fatalf("ExtractUUID(%q) = %v, %v", path, got, ok)
		}
	}
}

func TestExtractUUIDMissing(t *testing.T) {
	for _, path := range []string{
		"/home/user/.local/share/jupyter/runtime/kernel-not-a-uuid.json",
		"kernel-not-a-uuid.json",
		"not-a-uuid.json",
	} {
		if _, ok := ExtractUUID(path); ok {
			t.Fatalf("ExtractUUID(%q) found a uuid", path)
		}
	}
}

func TestSessionIDFallsBackToRandom(t *testing.T) {
	a := SessionID("not-a-uuid.json")
	b := SessionID("not-a-uuid.json")
	if a == uuid.Nil || a == b {
		t.Fatalf("expected distinct random ids, got %v and %v", a, b)
	}
}
