package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// AgentUUID returns this machine's stable executor uuid, generating and
// persisting one on first run. The uuid names the agent's broker queue, so
// it must survive restarts or queued assignments would be orphaned.
func AgentUUID() (string, error) {
	path := filepath.Join(TestrigPath(), "agent.uuid")

	data, err := os.ReadFile(path)
	if err == nil {
		id := strings.TrimSpace(string(data))
		if _, perr := uuid.Parse(id); perr == nil {
			return id, nil
		}
		// Corrupt file: fall through and regenerate.
	}

	id := uuid.New().String()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create data dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(id+"\n"), 0o644); err != nil {
		return "", fmt.Errorf("persist agent uuid: %w", err)
	}
	return id, nil
}
