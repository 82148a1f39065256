package mcpclient

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
)

// DefaultConfigPath is read when no path is configured. A missing default
// file means no MCP servers.
const DefaultConfigPath = "mcp.json"

type Config struct {
	Servers []ServerConfig `json:"mcp_servers"`
}

type ServerConfig struct {
	Name       string            `json:"name" koanf:"name"`
	Transport  string            `json:"transport" koanf:"transport"`
	Command    string            `json:"command" koanf:"command"`
	Args       []string          `json:"args,omitempty" koanf:"args"`
	Dir        string            `json:"dir,omitempty" koanf:"dir"`
	Env        map[string]string `json:"env,omitempty" koanf:"env"`
	InheritEnv *bool             `json:"inherit_env,omitempty" koanf:"inherit_env"`
	URL        string            `json:"url,omitempty" koanf:"url"`
	Headers    map[string]string `json:"headers,omitempty" koanf:"headers"`
	Disabled   bool              `json:"disabled,omitempty" koanf:"disabled"`
}

func LoadConfig(path string) (Config, error) {
	explicit := strings.TrimSpace(path) != ""
	if !explicit {
		path = DefaultConfigPath
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if !explicit && errors.Is(err, os.ErrNotExist) {
			return Config{}, nil
		}
		return Config{}, err
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}

// Merge appends servers from other whose names are not already present.
func (c Config) Merge(other []ServerConfig) Config {
	seen := make(map[string]bool, len(c.Servers))
	out := Config{Servers: append([]ServerConfig(nil), c.Servers...)}
	for _, s := range c.Servers {
		seen[strings.TrimSpace(s.Name)] = true
	}
	for _, s := range other {
		name := strings.TrimSpace(s.Name)
		if seen[name] {
			continue
		}
		seen[name] = true
		out.Servers = append(out.Servers, s)
	}
	return out
}
