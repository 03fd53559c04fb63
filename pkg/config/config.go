package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Settings holds the process-wide runtime configuration. Values come from
// defaults, then an optional YAML settings file, then environment variables.
type Settings struct {
	OpenAIAPIKey       string `yaml:"openai_api_key"`
	QdrantURL          string `yaml:"qdrant_url"`
	ContentStoragePath string `yaml:"content_storage_path"`

	IndexName           string `yaml:"index_name"`
	EmbeddingModelName  string `yaml:"embedding_model_name"`
	DescriptorModelName string `yaml:"descriptor_model_name"`
	VisionModelName     string `yaml:"vision_model_name"`
	Dimensions          int    `yaml:"dimensions"`

	MaxResultTokens int  `yaml:"max_result_tokens"`
	DescribeImages  bool `yaml:"describe_images"`

	ServerIdleTTL  time.Duration `yaml:"-"`
	CallTimeout    time.Duration `yaml:"-"`
	TaskWorkers    int           `yaml:"task_workers"`
	TaskQueueSize  int           `yaml:"task_queue_size"`
	ServerIndexers int           `yaml:"server_index_concurrency"`
	ToolIndexers   int           `yaml:"tool_index_concurrency"`

	// YAML-friendly duration fields, seconds.
	ServerIdleTTLSeconds int `yaml:"server_idle_ttl_seconds"`
	CallTimeoutSeconds   int `yaml:"call_timeout_seconds"`
}

// DefaultSettings returns the built-in defaults.
func DefaultSettings() *Settings {
	return &Settings{
		IndexName:            "omnimcp_idx",
		EmbeddingModelName:   "text-embedding-3-small",
		DescriptorModelName:  "gpt-4.1-mini",
		VisionModelName:      "gpt-4.1-mini",
		Dimensions:           1024,
		MaxResultTokens:      5000,
		DescribeImages:       true,
		TaskWorkers:          4,
		TaskQueueSize:        1024,
		ServerIndexers:       3,
		ToolIndexers:         8,
		ServerIdleTTLSeconds: 300,
		CallTimeoutSeconds:   120,
	}
}

// LoadSettings builds Settings from defaults, an optional YAML file pointed at
// by MCP_ROUTER_SETTINGS, and environment variables.
func LoadSettings() (*Settings, error) {
	s := DefaultSettings()

	if path := os.Getenv("MCP_ROUTER_SETTINGS"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read settings file: %w", err)
		}
		if err := yaml.Unmarshal(data, s); err != nil {
			return nil, fmt.Errorf("failed to parse settings file: %w", err)
		}
	}

	applyEnvOverrides(s)

	s.ServerIdleTTL = time.Duration(s.ServerIdleTTLSeconds) * time.Second
	s.CallTimeout = time.Duration(s.CallTimeoutSeconds) * time.Second

	if err := s.validate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Settings) validate() error {
	if s.OpenAIAPIKey == "" {
		return fmt.Errorf("OPENAI_API_KEY is required")
	}
	if s.QdrantURL == "" {
		return fmt.Errorf("QDRANT_URL is required")
	}
	if s.ContentStoragePath == "" {
		return fmt.Errorf("CONTENT_STORAGE_PATH is required")
	}
	if s.Dimensions <= 0 {
		return fmt.Errorf("DIMENSIONS must be positive, got %d", s.Dimensions)
	}
	if s.MaxResultTokens <= 0 {
		return fmt.Errorf("MAX_RESULT_TOKENS must be positive, got %d", s.MaxResultTokens)
	}
	return nil
}

func applyEnvOverrides(s *Settings) {
	setString(&s.OpenAIAPIKey, "OPENAI_API_KEY")
	setString(&s.QdrantURL, "QDRANT_URL")
	setString(&s.ContentStoragePath, "CONTENT_STORAGE_PATH")
	setString(&s.IndexName, "INDEX_NAME")
	setString(&s.EmbeddingModelName, "EMBEDDING_MODEL_NAME")
	setString(&s.DescriptorModelName, "DESCRIPTOR_MODEL_NAME")
	setString(&s.VisionModelName, "VISION_MODEL_NAME")
	setInt(&s.Dimensions, "DIMENSIONS")
	setInt(&s.MaxResultTokens, "MAX_RESULT_TOKENS")
	setBool(&s.DescribeImages, "DESCRIBE_IMAGES")
	setInt(&s.TaskWorkers, "TASK_WORKERS")
	setInt(&s.TaskQueueSize, "TASK_QUEUE_SIZE")
	setInt(&s.ServerIndexers, "SERVER_INDEX_CONCURRENCY")
	setInt(&s.ToolIndexers, "TOOL_INDEX_CONCURRENCY")
	setInt(&s.ServerIdleTTLSeconds, "SERVER_IDLE_TTL_SECONDS")
	setInt(&s.CallTimeoutSeconds, "CALL_TIMEOUT_SECONDS")
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

// ServerConfig describes one upstream MCP server from the servers-config file.
type ServerConfig struct {
	Name           string            `json:"-"`
	Command        string            `json:"command"`
	Args           []string          `json:"args"`
	Env            map[string]string `json:"env"`
	TimeoutSeconds float64           `json:"timeout"`
	Hints          []string          `json:"hints"`
	BlockedTools   []string          `json:"blocked_tools"`
	Ignore         bool              `json:"ignore"`
	Overwrite      bool              `json:"overwrite"`
}

// Timeout returns the startup/handshake timeout for this server.
func (c *ServerConfig) Timeout() time.Duration {
	if c.TimeoutSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.TimeoutSeconds * float64(time.Second))
}

// IsBlocked reports whether toolName is in the server's blocked list.
func (c *ServerConfig) IsBlocked(toolName string) bool {
	for _, t := range c.BlockedTools {
		if t == toolName {
			return true
		}
	}
	return false
}

// ServersConfig is the parsed servers-config file.
type ServersConfig struct {
	Servers map[string]*ServerConfig `json:"mcpServers"`
}

// Get looks up a server by name.
func (c *ServersConfig) Get(name string) (*ServerConfig, bool) {
	s, ok := c.Servers[name]
	return s, ok
}

// LoadServers reads and validates the JSON servers-config file.
func LoadServers(path string) (*ServersConfig, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("failed to read servers config %s: %w", path, err)
	}

	var cfg ServersConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse servers config %s: %w", path, err)
	}
	if len(cfg.Servers) == 0 {
		return nil, fmt.Errorf("servers config %s has no mcpServers entries", path)
	}

	for name, server := range cfg.Servers {
		server.Name = name
		if server.Command == "" {
			return nil, fmt.Errorf("server %q has no command", name)
		}
	}
	return &cfg, nil
}
