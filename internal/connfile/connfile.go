// Package connfile reads the kernel connection file written by the notebook
// server: the five ports, the signing key and the transport.
package connfile

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"github.com/google/uuid"
)

// Port is one named kernel port.
type Port struct {
	Name   string
	Number int
}

// Descriptor is a parsed connection file. It keeps the file bytes so the
// remote copy is exactly what the notebook server wrote.
type Descriptor struct {
	HBPort          int    `json:"hb_port"`
	ShellPort       int    `json:"shell_port"`
	IOPubPort       int    `json:"iopub_port"`
	StdinPort       int    `json:"stdin_port"`
	ControlPort     int    `json:"control_port"`
	IP              string `json:"ip"`
	Key             string `json:"key"`
	Transport       string `json:"transport"`
	SignatureScheme string `json:"signature_scheme"`
	KernelName      string `json:"kernel_name"`

	raw []byte
}

// Load reads and validates a connection file.
func Load(path string) (*Descriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	d, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return d, nil
}

// Parse decodes a connection file body.
func Parse(data []byte) (*Descriptor, error) {
	var d Descriptor
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("parse connection file: %w", err)
	}
	for _, p := range d.Ports() {
		if p.Number <= 0 || p.Number > 65535 {
			return nil, fmt.Errorf("connection file: invalid %s %d", p.Name, p.Number)
		}
	}
	var compact bytes.Buffer
	if err := json.Compact(&compact, data); err != nil {
		return nil, fmt.Errorf("parse connection file: %w", err)
	}
	d.raw = compact.Bytes()
	return &d, nil
}

// Ports lists the ports in forwarding order.
func (d *Descriptor) Ports() []Port {
	return []Port{
		{"hb_port", d.HBPort},
		{"shell_port", d.ShellPort},
		{"iopub_port", d.IOPubPort},
		{"stdin_port", d.StdinPort},
		{"control_port", d.ControlPort},
	}
}

// PortNumbers lists just the numbers, in forwarding order.
func (d *Descriptor) PortNumbers() []int {
	ports := d.Ports()
	out := make([]int, len(ports))
	for i, p := range ports {
		out[i] = p.Number
	}
	return out
}

// JSON returns the file content compacted onto a single line.
func (d *Descriptor) JSON() string {
	return string(d.raw)
}

var uuidRe = regexp.MustCompile(`kernel-([0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12})\.json$`)

// ExtractUUID pulls the kernel id out of a kernel-<uuid>.json path.
func ExtractUUID(path string) (uuid.UUID, bool) {
	m := uuidRe.FindStringSubmatch(filepath.Base(path))
	if m == nil {
		return uuid.Nil, false
	}
	id, err := uuid.Parse(m[1])
	if err != nil {
		return uuid.Nil, false
	}
	return id, true
}

// SessionID is the kernel id from path, or a fresh random one.
func SessionID(path string) uuid.UUID {
	if id, ok := ExtractUUID(path); ok {
		return id
	}
	return uuid.New()
}
