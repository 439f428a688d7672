package config

import (
	"os"
	"path/filepath"
)

// DefaultConfigDir is $REMOTE_IKERNEL_HOME, else ~/.remote-ikernel.
func DefaultConfigDir() string {
	if v := os.Getenv("REMOTE_IKERNEL_HOME"); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".remote-ikernel")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config")
}
