// Package config loads forkchat settings from defaults, an optional TOML file
// and FORKCHAT_ environment variables, in that order.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"forkchat/internal/llm"
	"forkchat/internal/mcpclient"
	"forkchat/internal/store"
)

const (
	DefaultFileName = "forkchat.toml"
	envPrefix       = "FORKCHAT_"
)

type Config struct {
	Backend BackendConfig `koanf:"backend"`
	Agent   AgentConfig   `koanf:"agent"`
	Store   StoreConfig   `koanf:"store"`
	Log     LogConfig     `koanf:"log"`
	MCP     MCPConfig     `koanf:"mcp"`
	Tools   ToolsConfig   `koanf:"tools"`
}

type BackendConfig struct {
	Kind              string   `koanf:"kind"`
	Model             string   `koanf:"model"`
	APIKey            string   `koanf:"api_key"`
	BaseURL           string   `koanf:"base_url"`
	MaxTokens         int      `koanf:"max_tokens"`
	ThinkingBudget    int      `koanf:"thinking_budget"`
	RequestsPerMinute int      `koanf:"requests_per_minute"`
	Command           string   `koanf:"command"`
	Args              []string `koanf:"args"`
}

type AgentConfig struct {
	SystemPrompt         string `koanf:"system_prompt"`
	MaxToolRounds        int    `koanf:"max_tool_rounds"`
	AutoCompactThreshold int    `koanf:"auto_compact_threshold"`
	ToolOutputMaxChars   int    `koanf:"tool_output_max_chars"`
}

type StoreConfig struct {
	Driver    string `koanf:"driver"`
	Path      string `koanf:"path"`
	RedisURL  string `koanf:"redis_url"`
	KeyPrefix string `koanf:"key_prefix"`
}

type LogConfig struct {
	Path       string `koanf:"path"`
	Level      string `koanf:"level"`
	MaxSizeMB  int    `koanf:"max_size_mb"`
	MaxBackups int    `koanf:"max_backups"`
}

type MCPConfig struct {
	ConfigPath string                   `koanf:"config"`
	Servers    []mcpclient.ServerConfig `koanf:"servers"`
}

type ToolsConfig struct {
	Workdir            string `koanf:"workdir"`
	ExecTimeoutSeconds int    `koanf:"exec_timeout_seconds"`
}

func defaults() map[string]any {
	return map[string]any{
		"backend.kind":                 "anthropic",
		"backend.model":                "claude-sonnet-4-5",
		"backend.max_tokens":           8192,
		"agent.max_tool_rounds":        25,
		"agent.auto_compact_threshold": 50000,
		"agent.tool_output_max_chars":  2000,
		"store.driver":                 "sqlite",
		"store.path":                   filepath.Join(DataDir(), "threads.db"),
		"store.key_prefix":             "forkchat",
		"log.path":                     filepath.Join(DataDir(), "forkchat.log"),
		"log.level":                    "info",
		"log.max_size_mb":              20,
		"log.max_backups":              3,
		"mcp.config":                   "",
		"tools.workdir":                ".",
		"tools.exec_timeout_seconds":   120,
	}
}

// DataDir is where the default database and log file live.
func DataDir() string {
	if dir := strings.TrimSpace(os.Getenv("FORKCHAT_HOME")); dir != "" {
		return dir
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".forkchat")
	}
	return ".forkchat"
}

// Load reads configPath, or the first default location that exists when
// configPath is empty. An explicit path that does not exist is an error.
func Load(configPath string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(defaults(), "."), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if configPath != "" {
		if err := k.Load(file.Provider(configPath), toml.Parser()); err != nil {
			return nil, fmt.Errorf("error loading config: %w", err)
		}
	} else {
		for _, path := range defaultPaths() {
			if _, err := os.Stat(path); err == nil {
				if err := k.Load(file.Provider(path), toml.Parser()); err != nil {
					return nil, fmt.Errorf("error loading config %s: %w", path, err)
				}
				break
			}
		}
	}

	// FORKCHAT_AGENT_MAX_TOOL_ROUNDS -> agent.max_tool_rounds
	if err := k.Load(env.Provider(envPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("error unmarshalling config: %w", err)
	}
	cfg.applyKeyFallback()
	return &cfg, nil
}

func defaultPaths() []string {
	return []string{
		"./" + DefaultFileName,
		filepath.Join(DataDir(), "config.toml"),
	}
}

func envKey(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, envPrefix))
	return strings.Replace(s, "_", ".", 1)
}

func (c *Config) applyKeyFallback() {
	if strings.TrimSpace(c.Backend.APIKey) != "" {
		return
	}
	switch strings.ToLower(strings.TrimSpace(c.Backend.Kind)) {
	case "anthropic", "claude":
		c.Backend.APIKey = os.Getenv("ANTHROPIC_API_KEY")
	case "openai":
		c.Backend.APIKey = os.Getenv("OPENAI_API_KEY")
	}
}

func (c *Config) Validate() error {
	kind, err := llm.ParseBackendKind(c.Backend.Kind)
	if err != nil {
		return err
	}
	switch kind {
	case llm.BackendSubprocess:
		if strings.TrimSpace(c.Backend.Command) == "" {
			return errors.New("backend.command is required for the subprocess backend")
		}
	default:
		if strings.TrimSpace(c.Backend.APIKey) == "" {
			return fmt.Errorf("backend.api_key is required for %s (or set the provider's API key variable)", kind)
		}
		if strings.TrimSpace(c.Backend.Model) == "" {
			return errors.New("backend.model is required")
		}
	}
	if c.Agent.MaxToolRounds < 0 || c.Agent.AutoCompactThreshold < 0 {
		return errors.New("agent limits must not be negative")
	}
	return nil
}

func (c *Config) LLM() llm.Config {
	return llm.Config{
		Kind:              c.Backend.Kind,
		Model:             c.Backend.Model,
		APIKey:            c.Backend.APIKey,
		BaseURL:           c.Backend.BaseURL,
		MaxTokens:         c.Backend.MaxTokens,
		ThinkingBudget:    c.Backend.ThinkingBudget,
		RequestsPerMinute: c.Backend.RequestsPerMinute,
		Command:           c.Backend.Command,
		Args:              c.Backend.Args,
		Dir:               c.Tools.Workdir,
	}
}

func (c *Config) StoreConfig() store.Config {
	return store.Config{
		Driver:    c.Store.Driver,
		Path:      c.Store.Path,
		RedisURL:  c.Store.RedisURL,
		KeyPrefix: c.Store.KeyPrefix,
	}
}

// Init writes a sample configuration file.
func Init(configPath string) error {
	if _, err := os.Stat(configPath); err == nil {
		return fmt.Errorf("configuration file already exists at %s", configPath)
	}
	if dir := filepath.Dir(configPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return os.WriteFile(configPath, []byte(sampleConfig), 0o644)
}

const sampleConfig = `# forkchat configuration

[backend]
# anthropic | openai | subprocess
kind = "anthropic"
model = "claude-sonnet-4-5"
# api_key falls back to ANTHROPIC_API_KEY / OPENAI_API_KEY
# api_key = ""
# base_url = ""
max_tokens = 8192
# thinking_budget = 4096
# requests_per_minute = 50
# subprocess backend: a CLI agent that speaks stream-json on stdout
# command = "claude"
# args = ["-p", "--output-format", "stream-json", "--verbose"]

[agent]
max_tool_rounds = 25
auto_compact_threshold = 50000
tool_output_max_chars = 2000
# system_prompt = ""

[store]
# sqlite | redis | file | memory
driver = "sqlite"
# path = "~/.forkchat/threads.db"
# redis_url = "redis://localhost:6379/0"
key_prefix = "forkchat"

[log]
level = "info"
max_size_mb = 20
max_backups = 3

[mcp]
# JSON file with {"mcp_servers": [...]}; defaults to ./mcp.json when present
# config = "mcp.json"

# [[mcp.servers]]
# name = "fs"
# transport = "command"
# command = "mcp-server-filesystem"
# args = ["."]

[tools]
workdir = "."
exec_timeout_seconds = 120
`
