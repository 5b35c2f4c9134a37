// Package config loads the JSONC configuration for the server and agent
// binaries.
package config

// ServerConfig configures the control plane binary.
type ServerConfig struct {
	Host         string `json:"host"`
	Port         int    `json:"port"`
	DatabasePath string `json:"database_path"`
	BrokerURL    string `json:"broker_url"`
	MediaRoot    string `json:"media_root"`
	LogLevel     string `json:"log_level"`

	DispatchBatch int `json:"dispatch_batch"`
}

// AgentConfig configures the executor agent binary.
type AgentConfig struct {
	ServerURL     string   `json:"server_url"`
	BrokerURL     string   `json:"broker_url"`
	Name          string   `json:"name"`
	MaxConcurrent int      `json:"max_concurrent"`
	BrowserTypes  []string `json:"browser_types"`
	Owner         string   `json:"owner"`
	LogLevel      string   `json:"log_level"`
}

// Config is the root configuration document. Both binaries read the same
// file; each uses its own section.
type Config struct {
	Server ServerConfig `json:"server"`
	Agent  AgentConfig  `json:"agent"`
}
