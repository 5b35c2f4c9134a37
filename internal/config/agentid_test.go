package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
)

func TestAgentUUIDPersists(t *testing.T) {
	t.Setenv("TESTRIG_PATH", t.TempDir())

	first, err := AgentUUID()
	if err != nil {
		t.Fatalf("AgentUUID: %v", err)
	}
	if _, err := uuid.Parse(first); err != nil {
		t.Fatalf("generated id %q not a uuid: %v", first, err)
	}

	second, err := AgentUUID()
	if err != nil {
		t.Fatalf("AgentUUID: %v", err)
	}
	if second != first {
		t.Fatalf("uuid changed between calls: %q vs %q", first, second)
	}
}

func TestAgentUUIDRegeneratesCorruptFile(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("TESTRIG_PATH", dir)
	if err := os.WriteFile(filepath.Join(dir, "agent.uuid"), []byte("garbage\n"), 0o644); err != nil {
		t.Fatalf("seed corrupt file: %v", err)
	}

	id, err := AgentUUID()
	if err != nil {
		t.Fatalf("AgentUUID: %v", err)
	}
	if _, err := uuid.Parse(id); err != nil {
		t.Fatalf("regenerated id %q not a uuid: %v", id, err)
	}
}
