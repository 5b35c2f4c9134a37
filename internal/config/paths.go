package config

import (
	"os"
	"path/filepath"
)

// TestrigPath returns the root directory for testrig data.
// It uses $TESTRIG_PATH if set, otherwise defaults to ~/.testrig.
func TestrigPath() string {
	if v := os.Getenv("TESTRIG_PATH"); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".testrig")
	}
	return filepath.Join(home, ".testrig")
}

// ConfigPath returns the path to the config file.
func ConfigPath() string {
	return filepath.Join(TestrigPath(), "config.jsonc")
}

// DotenvPath returns the path to the .env file.
func DotenvPath() string {
	return filepath.Join(TestrigPath(), ".env")
}
