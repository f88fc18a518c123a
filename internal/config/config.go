// Package config loads the layered platform configuration: file defaults,
// environment-specific override files, then CONFIG_<SECTION>_<KEY>
// environment variables. Numeric and boolean env values are parsed.
package config

import (
	"github.com/promohive/promohive/internal/module"
)

// Environment names recognized by the loader.
const (
	EnvDevelopment = "development"
	EnvTest        = "test"
	EnvStaging     = "staging"
	EnvProduction  = "production"
)

// Config is the merged platform configuration.
type Config struct {
	Env       string                 `json:"env"`
	Agents    map[string]AgentConfig `json:"agents"`
	Messaging Messaging              `json:"messaging"`
	Storage   Storage                `json:"storage"`
	External  External               `json:"external"`
}

// AgentConfig is one agent's slice of the configuration.
type AgentConfig struct {
	Enabled            bool           `json:"enabled"`
	Concurrency        int            `json:"concurrency,omitempty"`
	AutoGenerateTypes  []string       `json:"autoGenerateTypes,omitempty"`
	Modules            []module.Spec  `json:"modules,omitempty"`
	CommandTimeoutsSec map[string]int `json:"commandTimeoutsSec,omitempty"`
}

// Messaging configures the bus and broker connection.
type Messaging struct {
	Broker              Broker `json:"broker"`
	QueueSize           int    `json:"queueSize,omitempty"`
	Concurrency         int    `json:"concurrency,omitempty"`
	HandlerTimeoutSec   int    `json:"handlerTimeoutSec,omitempty"`
	Retry               Retry  `json:"retry"`
	GracefulShutdownSec int    `json:"gracefulShutdownSec,omitempty"`
	SchemaDir           string `json:"schemaDir,omitempty"`
}

// Broker holds broker connection settings.
type Broker struct {
	Host     string `json:"host,omitempty"`
	Port     int    `json:"port,omitempty"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
}

// Retry holds the default retry policy settings.
type Retry struct {
	Attempts   int     `json:"attempts,omitempty"`
	InitialMs  int     `json:"initialMs,omitempty"`
	Factor     float64 `json:"factor,omitempty"`
	MaxDelayMs int     `json:"maxDelayMs,omitempty"`
}

// Storage selects and configures the storage backend.
type Storage struct {
	Backend  string `json:"backend,omitempty"` // "memory" or "redis"
	URI      string `json:"uri,omitempty"`
	Password string `json:"password,omitempty"`
	DB       int    `json:"db,omitempty"`
}

// External holds credentials and settings for external collaborators.
type External struct {
	JWTSecret   string                 `json:"jwtSecret,omitempty"`
	CORSOrigins []string               `json:"corsOrigins,omitempty"`
	AdminPort   int                    `json:"adminPort,omitempty"`
	AdminAPIKey string                 `json:"adminApiKey,omitempty"`
	LLM         map[string]LLMProvider `json:"llm,omitempty"`
}

// LLMProvider holds one provider's connection settings.
type LLMProvider struct {
	APIKey  string `json:"apiKey,omitempty"`
	APIBase string `json:"apiBase,omitempty"`
	Model   string `json:"model,omitempty"`
}

// DefaultConfig returns the built-in defaults applied under every layer.
func DefaultConfig() Config {
	return Config{
		Env:    EnvDevelopment,
		Agents: map[string]AgentConfig{},
		Messaging: Messaging{
			QueueSize:           128,
			Concurrency:         8,
			HandlerTimeoutSec:   30,
			Retry:               Retry{Attempts: 3, InitialMs: 100, Factor: 2, MaxDelayMs: 30000},
			GracefulShutdownSec: 20,
			SchemaDir:           "schemas",
		},
		Storage: Storage{Backend: "memory"},
		External: External{
			AdminPort: 18990,
		},
	}
}
