// Package kernelspec installs, lists and removes the Jupyter kernel
// definitions that invoke the launcher.
package kernelspec

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Prefix marks kernels this tool owns.
const Prefix = "rik_"

// ConnectionFile is Jupyter's placeholder for the local connection file.
const ConnectionFile = "{connection_file}"

// ErrNotFound indicates no installed kernel has the requested name.
var ErrNotFound = errors.New("kernel not found")

// Spec is the kernel.json record.
type Spec struct {
	DisplayName string   `json:"display_name"`
	Argv        []string `json:"argv"`
	Language    string   `json:"language,omitempty"`
}

// Kernel is an installed spec and where it lives.
type Kernel struct {
	Name string
	Dir  string
	Spec Spec
}

// Store is a set of kernel directories. Lookups search Roots in order;
// installs go to UserDir or SystemDir.
type Store struct {
	UserDir   string
	SystemDir string
}

// DefaultStore uses $JUPYTER_DATA_DIR/kernels (else
// ~/.local/share/jupyter/kernels) and /usr/local/share/jupyter/kernels.
func DefaultStore() *Store {
	user := ""
	if v := os.Getenv("JUPYTER_DATA_DIR"); v != "" {
		user = filepath.Join(v, "kernels")
	} else if home, err := os.UserHomeDir(); err == nil {
		user = filepath.Join(home, ".local", "share", "jupyter", "kernels")
	}
	return &Store{UserDir: user, SystemDir: "/usr/local/share/jupyter/kernels"}
}

// Roots lists the directories searched, user first.
func (s *Store) Roots() []string {
	var roots []string
	for _, r := range []string{s.UserDir, s.SystemDir} {
		if r != "" {
			roots = append(roots, r)
		}
	}
	return roots
}

// Install writes name/kernel.json, replacing an existing definition.
func (s *Store) Install(name string, spec Spec, user bool) (string, error) {
	root := s.SystemDir
	if user {
		root = s.UserDir
	}
	if root == "" {
		return "", errors.New("no kernel directory configured")
	}
	dir := filepath.Join(root, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	data, err := json.MarshalIndent(spec, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal kernel spec: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "kernel.json"), append(data, '\n'), 0o644); err != nil {
		return "", err
	}
	return dir, nil
}

// List returns every installed kernel with the rik_ prefix, sorted by name.
// A name present in several roots resolves to the first.
func (s *Store) List() ([]Kernel, error) {
	seen := make(map[string]bool)
	var out []Kernel
	for _, root := range s.Roots() {
		entries, err := os.ReadDir(root)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			if !e.IsDir() || !strings.HasPrefix(e.Name(), Prefix) || seen[e.Name()] {
				continue
			}
			k, err := read(filepath.Join(root, e.Name()))
			if err != nil {
				continue
			}
			seen[e.Name()] = true
			out = append(out, k)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Get finds an installed kernel by name.
func (s *Store) Get(name string) (Kernel, error) {
	for _, root := range s.Roots() {
		k, err := read(filepath.Join(root, name))
		if err == nil {
			return k, nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return Kernel{}, err
		}
	}
	return Kernel{}, fmt.Errorf("%w: %s", ErrNotFound, name)
}

// Delete removes kernel.json and, when nothing else is left, the directory.
func (s *Store) Delete(name string) error {
	k, err := s.Get(name)
	if err != nil {
		return err
	}
	if err := os.Remove(filepath.Join(k.Dir, "kernel.json")); err != nil {
		return err
	}
	// Left in place when it holds other resources.
	_ = os.Remove(k.Dir)
	return nil
}

func read(dir string) (Kernel, error) {
	data, err := os.ReadFile(filepath.Join(dir, "kernel.json"))
	if err != nil {
		return Kernel{}, err
	}
	var spec Spec
	if err := json.Unmarshal(data, &spec); err != nil {
		return Kernel{}, fmt.Errorf("%s: %w", dir, err)
	}
	return Kernel{Name: filepath.Base(dir), Dir: dir, Spec: spec}, nil
}
