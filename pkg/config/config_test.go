package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("OPENAI_API_KEY", "sk-test")
	t.Setenv("QDRANT_URL", "localhost:6334")
	t.Setenv("CONTENT_STORAGE_PATH", t.TempDir())
	t.Setenv("MCP_ROUTER_SETTINGS", "")
}

func TestLoadSettingsDefaults(t *testing.T) {
	setRequiredEnv(t)

	s, err := LoadSettings()
	if err != nil {
		t.Fatalf("LoadSettings failed: %v", err)
	}

	if s.IndexName != "omnimcp_idx" {
		t.Errorf("IndexName = %q", s.IndexName)
	}
	if s.Dimensions != 1024 {
		t.Errorf("Dimensions = %d, want 1024", s.Dimensions)
	}
	if s.MaxResultTokens != 5000 {
		t.Errorf("MaxResultTokens = %d, want 5000", s.MaxResultTokens)
	}
	if !s.DescribeImages {
		t.Error("DescribeImages should default to true")
	}
	if s.ServerIdleTTL != 5*time.Minute {
		t.Errorf("ServerIdleTTL = %s, want 5m", s.ServerIdleTTL)
	}
	if s.CallTimeout != 2*time.Minute {
		t.Errorf("CallTimeout = %s, want 2m", s.CallTimeout)
	}
}

func TestLoadSettingsEnvOverrides(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("DIMENSIONS", "256")
	t.Setenv("MAX_RESULT_TOKENS", "100")
	t.Setenv("DESCRIBE_IMAGES", "false")
	t.Setenv("SERVER_IDLE_TTL_SECONDS", "60")
	t.Setenv("INDEX_NAME", "custom_idx")

	s, err := LoadSettings()
	if err != nil {
		t.Fatalf("LoadSettings failed: %v", err)
	}
	if s.Dimensions != 256 {
		t.Errorf("Dimensions = %d, want 256", s.Dimensions)
	}
	if s.MaxResultTokens != 100 {
		t.Errorf("MaxResultTokens = %d, want 100", s.MaxResultTokens)
	}
	if s.DescribeImages {
		t.Error("DESCRIBE_IMAGES=false should disable captions")
	}
	if s.ServerIdleTTL != time.Minute {
		t.Errorf("ServerIdleTTL = %s, want 1m", s.ServerIdleTTL)
	}
	if s.IndexName != "custom_idx" {
		t.Errorf("IndexName = %q, want custom_idx", s.IndexName)
	}
}

func TestLoadSettingsMissingRequired(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	t.Setenv("QDRANT_URL", "localhost:6334")
	t.Setenv("CONTENT_STORAGE_PATH", t.TempDir())

	if _, err := LoadSettings(); err == nil {
		t.Error("missing OPENAI_API_KEY must fail validation")
	}
}

func TestLoadSettingsYAMLFile(t *testing.T) {
	setRequiredEnv(t)

	path := filepath.Join(t.TempDir(), "settings.yaml")
	yaml := "dimensions: 512\nmax_result_tokens: 2000\nindex_name: yaml_idx\n"
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("MCP_ROUTER_SETTINGS", path)

	s, err := LoadSettings()
	if err != nil {
		t.Fatalf("LoadSettings failed: %v", err)
	}
	if s.Dimensions != 512 || s.MaxResultTokens != 2000 || s.IndexName != "yaml_idx" {
		t.Errorf("YAML overrides not applied: %+v", s)
	}
}

func TestLoadSettingsEnvBeatsYAML(t *testing.T) {
	setRequiredEnv(t)

	path := filepath.Join(t.TempDir(), "settings.yaml")
	if err := os.WriteFile(path, []byte("dimensions: 512\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("MCP_ROUTER_SETTINGS", path)
	t.Setenv("DIMENSIONS", "128")

	s, err := LoadSettings()
	if err != nil {
		t.Fatalf("LoadSettings failed: %v", err)
	}
	if s.Dimensions != 128 {
		t.Errorf("Dimensions = %d, env var should win over YAML", s.Dimensions)
	}
}

func TestLoadServers(t *testing.T) {
	path := filepath.Join(t.TempDir(), "servers.json")
	content := `{
		"mcpServers": {
			"files": {
				"command": "npx",
				"args": ["-y", "@modelcontextprotocol/server-filesystem", "/tmp"],
				"env": {"DEBUG": "1"},
				"timeout": 45,
				"hints": ["local filesystem"],
				"blocked_tools": ["delete_file"]
			},
			"ignored": {
				"command": "noop",
				"ignore": true
			}
		}
	}`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadServers(path)
	if err != nil {
		t.Fatalf("LoadServers failed: %v", err)
	}

	files, ok := cfg.Get("files")
	if !ok {
		t.Fatal("files server missing")
	}
	if files.Name != "files" {
		t.Errorf("Name = %q, want files (set from the map key)", files.Name)
	}
	if files.Command != "npx" || len(files.Args) != 3 {
		t.Errorf("command/args not parsed: %+v", files)
	}
	if files.Timeout() != 45*time.Second {
		t.Errorf("Timeout = %s, want 45s", files.Timeout())
	}
	if !files.IsBlocked("delete_file") || files.IsBlocked("read_file") {
		t.Error("blocked_tools not applied")
	}

	ignored, _ := cfg.Get("ignored")
	if !ignored.Ignore {
		t.Error("ignore flag not parsed")
	}
	if ignored.Timeout() != 30*time.Second {
		t.Errorf("default Timeout = %s, want 30s", ignored.Timeout())
	}
}

func TestLoadServersErrors(t *testing.T) {
	dir := t.TempDir()

	tests := []struct {
		name    string
		content string
	}{
		{"invalid json", `{`},
		{"no servers", `{"mcpServers": {}}`},
		{"missing command", `{"mcpServers": {"x": {"args": ["a"]}}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(dir, tt.name+".json")
			if err := os.WriteFile(path, []byte(tt.content), 0o644); err != nil {
				t.Fatal(err)
			}
			if _, err := LoadServers(path); err == nil {
				t.Error("expected an error")
			}
		})
	}

	if _, err := LoadServers(filepath.Join(dir, "missing.json")); err == nil {
		t.Error("missing file must fail")
	}
}
