package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the profiles file: named sets of launch defaults.
type Config struct {
	CurrentProfile string              `yaml:"currentProfile"`
	Profiles       map[string]*Profile `yaml:"profiles"`
}

// Profile holds defaults for the launcher flags. Zero values mean unset.
type Profile struct {
	Interface            string   `yaml:"interface,omitempty"`
	Host                 string   `yaml:"host,omitempty"`
	PE                   string   `yaml:"pe,omitempty"`
	CPUs                 int      `yaml:"cpus,omitempty"`
	Workdir              string   `yaml:"workdir,omitempty"`
	Precmd               string   `yaml:"precmd,omitempty"`
	LaunchArgs           string   `yaml:"launchArgs,omitempty"`
	LaunchCmd            string   `yaml:"launchCmd,omitempty"`
	TunnelHosts          []string `yaml:"tunnelHosts,omitempty"`
	LaunchTimeoutSeconds int      `yaml:"launchTimeoutSeconds,omitempty"`
}

// ErrProfileNotFound indicates the requested profile is missing.
var ErrProfileNotFound = errors.New("profile not found")

// Load decodes the config file. Missing files return (nil, nil).
func Load(path string) (*Config, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return nil, nil
	}
	expanded, err := expandPath(trimmed)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(expanded)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return &cfg, nil
}

// Save writes the config to disk, creating parent directories if needed.
func (c *Config) Save(path string) error {
	if strings.TrimSpace(path) == "" {
		return fmt.Errorf("config path is required")
	}
	expanded, err := expandPath(path)
	if err != nil {
		return err
	}
	if c == nil {
		return fmt.Errorf("config is nil")
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(expanded), 0o755); err != nil {
		return err
	}
	return os.WriteFile(expanded, data, 0o600)
}

// Resolve picks a profile either by explicit name or the currentProfile value.
// No selection at all is not an error and yields a nil profile.
func (c *Config) Resolve(name string) (*Profile, string, error) {
	profileName := strings.TrimSpace(name)
	if c == nil {
		if profileName != "" {
			return nil, profileName, fmt.Errorf("%w: %s", ErrProfileNotFound, profileName)
		}
		return nil, "", nil
	}
	if profileName == "" {
		profileName = c.CurrentProfile
	}
	if profileName == "" {
		return nil, "", nil
	}
	p, ok := c.Profiles[profileName]
	if !ok || p == nil {
		return nil, profileName, fmt.Errorf("%w: %s", ErrProfileNotFound, profileName)
	}
	return p, profileName, nil
}

// Set stores p under name, creating the map on first use.
func (c *Config) Set(name string, p *Profile) {
	if c.Profiles == nil {
		c.Profiles = make(map[string]*Profile)
	}
	c.Profiles[name] = p
}

// Use makes name the current profile.
func (c *Config) Use(name string) error {
	if _, ok := c.Profiles[name]; !ok {
		return fmt.Errorf("%w: %s", ErrProfileNotFound, name)
	}
	c.CurrentProfile = name
	return nil
}

// Names lists the profiles, sorted.
func (c *Config) Names() []string {
	if c == nil {
		return nil
	}
	names := make([]string, 0, len(c.Profiles))
	for name := range c.Profiles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func expandPath(path string) (string, error) {
	switch {
	case strings.HasPrefix(path, "~/"):
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, path[2:]), nil
	case path == "~":
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return home, nil
	case filepath.IsAbs(path):
		return path, nil
	default:
		cwd, err := os.Getwd()
		if err != nil {
			return "", err
		}
		return filepath.Join(cwd, path), nil
	}
}
