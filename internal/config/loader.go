package config

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// sectionFiles maps config file base names to section keys.
var sectionFiles = map[string]string{
	"agents.json":            "agents",
	"messaging.json":         "messaging",
	"storage.json":           "storage",
	"external-services.json": "external",
}

// Load reads the layered configuration from dir for the given environment.
// Layering, lowest to highest precedence:
//
//	built-in defaults → dir/<file>.json → dir/<env>/<file>.json →
//	CONFIG_<SECTION>_<KEY> environment variables
//
// Missing optional files log a warning; required sections (agents,
// messaging, storage) must exist after all layers merge.
func Load(dir, env string) (*Config, error) {
	if env == "" {
		env = EnvDevelopment
	}

	sections := configToSections(DefaultConfig())

	for file, section := range sectionFiles {
		if err := mergeFile(sections, section, filepath.Join(dir, file), false); err != nil {
			return nil, err
		}
		if err := mergeFile(sections, section, filepath.Join(dir, env, file), true); err != nil {
			return nil, err
		}
	}

	applyEnvOverrides(sections, os.Environ())

	cfg, err := sectionsToConfig(sections)
	if err != nil {
		return nil, err
	}
	cfg.Env = env

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func mergeFile(sections map[string]map[string]any, section, path string, isOverride bool) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			if !isOverride {
				log.Printf("[Config] ⚠️ Missing %s, using defaults for %q", path, section)
			}
			return nil
		}
		return fmt.Errorf("read %s: %w", path, err)
	}
	var layer map[string]any
	if err := json.Unmarshal(data, &layer); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	if sections[section] == nil {
		sections[section] = map[string]any{}
	}
	deepMerge(sections[section], layer)
	return nil
}

// deepMerge overlays src onto dst, descending into nested maps. Arrays
// and scalars are replaced wholesale.
func deepMerge(dst, src map[string]any) {
	for k, v := range src {
		if sv, ok := v.(map[string]any); ok {
			if dv, ok := dst[k].(map[string]any); ok {
				deepMerge(dv, sv)
				continue
			}
		}
		dst[k] = v
	}
}

// applyEnvOverrides applies CONFIG_<SECTION>_<KEY>[_<SUBKEY>...] variables.
// Each segment after the section descends one map level; segments match
// existing keys case-insensitively so CONFIG_EXTERNAL_JWTSECRET finds
// "jwtSecret". Values parse as bool, then number, then string.
func applyEnvOverrides(sections map[string]map[string]any, environ []string) {
	for _, kv := range environ {
		if !strings.HasPrefix(kv, "CONFIG_") {
			continue
		}
		eq := strings.IndexByte(kv, '=')
		if eq < 0 {
			continue
		}
		name, value := kv[:eq], kv[eq+1:]
		parts := strings.Split(name, "_")
		if len(parts) < 3 {
			continue
		}
		section := strings.ToLower(parts[1])
		target, ok := sections[section]
		if !ok {
			continue
		}
		path := parts[2:]
		setPath(target, path, parseScalar(value))
	}
}

func setPath(m map[string]any, path []string, value any) {
	key := matchKey(m, path[0])
	if len(path) == 1 {
		m[key] = value
		return
	}
	child, ok := m[key].(map[string]any)
	if !ok {
		child = map[string]any{}
		m[key] = child
	}
	setPath(child, path[1:], value)
}

// matchKey finds an existing map key case-insensitively, else returns the
// lowercased segment.
func matchKey(m map[string]any, segment string) string {
	for k := range m {
		if strings.EqualFold(k, segment) {
			return k
		}
	}
	return strings.ToLower(segment)
}

func parseScalar(s string) any {
	switch strings.ToLower(s) {
	case "true":
		return true
	case "false":
		return false
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return s
}

func configToSections(cfg Config) map[string]map[string]any {
	data, _ := json.Marshal(cfg)
	var all map[string]any
	_ = json.Unmarshal(data, &all)
	out := map[string]map[string]any{}
	for _, section := range []string{"agents", "messaging", "storage", "external"} {
		if m, ok := all[section].(map[string]any); ok {
			out[section] = m
		} else {
			out[section] = map[string]any{}
		}
	}
	return out
}

func sectionsToConfig(sections map[string]map[string]any) (*Config, error) {
	all := map[string]any{}
	for k, v := range sections {
		all[k] = v
	}
	data, err := json.Marshal(all)
	if err != nil {
		return nil, fmt.Errorf("merge config: %w", err)
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return &cfg, nil
}

// Validate checks required sections and, in production, required
// credentials: broker, storage, JWT secret, and at least one LLM key.
func (c *Config) Validate() error {
	if len(c.Agents) == 0 {
		return fmt.Errorf("config: agents section is required")
	}
	if c.Storage.Backend == "" {
		return fmt.Errorf("config: storage section is required")
	}
	if c.Messaging.Retry.Attempts <= 0 {
		return fmt.Errorf("config: messaging.retry.attempts must be positive")
	}

	if c.Env != EnvProduction {
		return nil
	}
	if c.Messaging.Broker.Host == "" || c.Messaging.Broker.Password == "" {
		return fmt.Errorf("config: production requires broker credentials")
	}
	if c.Storage.URI == "" {
		return fmt.Errorf("config: production requires a storage URI")
	}
	if c.External.JWTSecret == "" {
		return fmt.Errorf("config: production requires a JWT secret")
	}
	hasLLMKey := false
	for _, p := range c.External.LLM {
		if p.APIKey != "" {
			hasLLMKey = true
			break
		}
	}
	if !hasLLMKey {
		return fmt.Errorf("config: production requires at least one LLM provider key")
	}
	return nil
}

// AgentNames returns the configured agent names.
func (c *Config) AgentNames() []string {
	names := make([]string, 0, len(c.Agents))
	for name := range c.Agents {
		names = append(names, name)
	}
	return names
}
