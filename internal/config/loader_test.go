package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeSection(t *testing.T, dir, name, body string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644))
}

func baseDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	writeSection(t, dir, "agents.json", `{
		"content_strategy": {"enabled": true},
		"content_creation": {"enabled": true, "autoGenerateTypes": ["blog"]}
	}`)
	return dir
}

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(baseDir(t), "")
	require.NoError(t, err)

	assert.Equal(t, EnvDevelopment, cfg.Env)
	assert.Equal(t, "memory", cfg.Storage.Backend)
	assert.Equal(t, 128, cfg.Messaging.QueueSize)
	assert.Equal(t, 3, cfg.Messaging.Retry.Attempts)
	assert.Equal(t, 18990, cfg.External.AdminPort)
	assert.True(t, cfg.Agents["content_strategy"].Enabled)
	assert.Equal(t, []string{"blog"}, cfg.Agents["content_creation"].AutoGenerateTypes)
}

func TestLoadEnvFileOverridesBase(t *testing.T) {
	dir := baseDir(t)
	writeSection(t, dir, "storage.json", `{"backend": "memory"}`)
	writeSection(t, filepath.Join(dir, "staging"), "storage.json", `{"backend": "redis", "uri": "redis://staging:6379/0"}`)
	writeSection(t, filepath.Join(dir, "staging"), "messaging.json", `{"queueSize": 256}`)

	cfg, err := Load(dir, "staging")
	require.NoError(t, err)
	assert.Equal(t, "redis", cfg.Storage.Backend)
	assert.Equal(t, "redis://staging:6379/0", cfg.Storage.URI)
	assert.Equal(t, 256, cfg.Messaging.QueueSize)
	// Untouched settings keep their defaults.
	assert.Equal(t, 8, cfg.Messaging.Concurrency)

	// The base environment never sees the staging overlay.
	cfg, err = Load(dir, "development")
	require.NoError(t, err)
	assert.Equal(t, "memory", cfg.Storage.Backend)
}

func TestEnvVarsOverrideFiles(t *testing.T) {
	dir := baseDir(t)
	writeSection(t, dir, "messaging.json", `{"queueSize": 64, "broker": {"host": "file-host"}}`)

	t.Setenv("CONFIG_MESSAGING_QUEUESIZE", "512")
	t.Setenv("CONFIG_MESSAGING_BROKER_HOST", "env-host")
	t.Setenv("CONFIG_EXTERNAL_JWTSECRET", "sekrit")

	cfg, err := Load(dir, "development")
	require.NoError(t, err)
	assert.Equal(t, 512, cfg.Messaging.QueueSize)
	assert.Equal(t, "env-host", cfg.Messaging.Broker.Host)
	// Segment matching is case-insensitive against the camelCase key.
	assert.Equal(t, "sekrit", cfg.External.JWTSecret)
}

func TestParseScalar(t *testing.T) {
	assert.Equal(t, true, parseScalar("true"))
	assert.Equal(t, false, parseScalar("FALSE"))
	assert.Equal(t, int64(42), parseScalar("42"))
	assert.Equal(t, 2.5, parseScalar("2.5"))
	assert.Equal(t, "redis://localhost", parseScalar("redis://localhost"))
}

func TestLoadDecodesModuleSpecs(t *testing.T) {
	dir := t.TempDir()
	writeSection(t, dir, "agents.json", `{
		"content_creation": {
			"enabled": true,
			"modules": [
				{"name": "blog_generator", "enabled": true, "options": {"temperature": 0.4}}
			],
			"commandTimeoutsSec": {"generate_content": 120}
		}
	}`)

	cfg, err := Load(dir, "development")
	require.NoError(t, err)
	agent := cfg.Agents["content_creation"]
	require.Len(t, agent.Modules, 1)
	assert.Equal(t, "blog_generator", agent.Modules[0].Name)
	assert.True(t, agent.Modules[0].Enabled)
	assert.Equal(t, 0.4, agent.Modules[0].Options["temperature"])
	assert.Equal(t, 120, agent.CommandTimeoutsSec["generate_content"])
}

func TestLoadRequiresAgents(t *testing.T) {
	_, err := Load(t.TempDir(), "development")
	assert.Error(t, err)
}

func TestValidateProduction(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Env = EnvProduction
	cfg.Agents = map[string]AgentConfig{"content_strategy": {Enabled: true}}

	assert.ErrorContains(t, cfg.Validate(), "broker credentials")

	cfg.Messaging.Broker.Host = "broker.internal"
	cfg.Messaging.Broker.Password = "pw"
	assert.ErrorContains(t, cfg.Validate(), "storage URI")

	cfg.Storage.URI = "redis://prod:6379/0"
	assert.ErrorContains(t, cfg.Validate(), "JWT secret")

	cfg.External.JWTSecret = "sekrit"
	assert.ErrorContains(t, cfg.Validate(), "LLM provider key")

	cfg.External.LLM = map[string]LLMProvider{"openai": {APIKey: "sk-test"}}
	assert.NoError(t, cfg.Validate())
}

func TestValidateRejectsZeroRetryAttempts(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Agents = map[string]AgentConfig{"content_strategy": {Enabled: true}}
	cfg.Messaging.Retry.Attempts = 0
	assert.Error(t, cfg.Validate())
}
