package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDotenv(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	content := `
# comment line
PLAIN=value
QUOTED="with spaces"
SINGLE='single'
SPACED = trimmed
NOEQUALS
EXISTING=should-not-win
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write .env: %v", err)
	}

	for _, key := range []string{"PLAIN", "QUOTED", "SINGLE", "SPACED"} {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}
	t.Setenv("EXISTING", "kept")

	if err := LoadDotenv(path); err != nil {
		t.Fatalf("LoadDotenv: %v", err)
	}

	want := map[string]string{
		"PLAIN":    "value",
		"QUOTED":   "with spaces",
		"SINGLE":   "single",
		"SPACED":   "trimmed",
		"EXISTING": "kept",
	}
	for key, val := range want {
		if got := os.Getenv(key); got != val {
			t.Fatalf("%s = %q, want %q", key, got, val)
		}
	}
}

func TestLoadDotenvMissingFile(t *testing.T) {
	if err := LoadDotenv(filepath.Join(t.TempDir(), ".env")); err != nil {
		t.Fatalf("missing file must be ignored: %v", err)
	}
}
