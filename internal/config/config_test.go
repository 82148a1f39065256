package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "forkchat.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("FORKCHAT_HOME", t.TempDir())
	t.Setenv("ANTHROPIC_API_KEY", "sk-ant")
	path := writeConfig(t, "")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "anthropic", cfg.Backend.Kind)
	assert.Equal(t, "sk-ant", cfg.Backend.APIKey)
	assert.Equal(t, 25, cfg.Agent.MaxToolRounds)
	assert.Equal(t, 50000, cfg.Agent.AutoCompactThreshold)
	assert.Equal(t, 2000, cfg.Agent.ToolOutputMaxChars)
	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, 120, cfg.Tools.ExecTimeoutSeconds)
	require.NoError(t, cfg.Validate())
}

func TestLoad_FileThenEnvironment(t *testing.T) {
	t.Setenv("FORKCHAT_HOME", t.TempDir())
	t.Setenv("OPENAI_API_KEY", "sk-fallback")
	t.Setenv("FORKCHAT_AGENT_MAX_TOOL_ROUNDS", "7")
	path := writeConfig(t, `
[backend]
kind = "openai"
model = "gpt-4o"

[agent]
max_tool_rounds = 3
auto_compact_threshold = 1000

[store]
driver = "redis"
redis_url = "redis://localhost:6379/2"

[[mcp.servers]]
name = "fs"
command = "mcp-fs"
args = ["."]
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "openai", cfg.Backend.Kind)
	assert.Equal(t, "sk-fallback", cfg.Backend.APIKey)
	assert.Equal(t, 7, cfg.Agent.MaxToolRounds)
	assert.Equal(t, 1000, cfg.Agent.AutoCompactThreshold)
	assert.Equal(t, "redis", cfg.StoreConfig().Driver)
	require.Len(t, cfg.MCP.Servers, 1)
	assert.Equal(t, "fs", cfg.MCP.Servers[0].Name)
	assert.Equal(t, []string{"."}, cfg.MCP.Servers[0].Args)

	lc := cfg.LLM()
	assert.Equal(t, "gpt-4o", lc.Model)
	assert.Equal(t, ".", lc.Dir)
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"hosted without key", Config{Backend: BackendConfig{Kind: "anthropic", Model: "m"}}, true},
		{"hosted ok", Config{Backend: BackendConfig{Kind: "openai", Model: "m", APIKey: "k"}}, false},
		{"subprocess without command", Config{Backend: BackendConfig{Kind: "subprocess"}}, true},
		{"subprocess ok", Config{Backend: BackendConfig{Kind: "subprocess", Command: "claude"}}, false},
		{"unknown kind", Config{Backend: BackendConfig{Kind: "telnet"}}, true},
		{"negative rounds", Config{Backend: BackendConfig{Kind: "subprocess", Command: "x"}, Agent: AgentConfig{MaxToolRounds: -1}}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.cfg.Validate()
			if tc.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestInit_WritesLoadableSample(t *testing.T) {
	t.Setenv("FORKCHAT_HOME", t.TempDir())
	path := filepath.Join(t.TempDir(), "nested", "forkchat.toml")
	require.NoError(t, Init(path))
	assert.Error(t, Init(path))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "anthropic", cfg.Backend.Kind)
	assert.Equal(t, 25, cfg.Agent.MaxToolRounds)
}

func TestEnvKey(t *testing.T) {
	assert.Equal(t, "backend.api_key", envKey("FORKCHAT_BACKEND_API_KEY"))
	assert.Equal(t, "store.driver", envKey("FORKCHAT_STORE_DRIVER"))
}
