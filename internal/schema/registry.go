package schema

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/promohive/promohive/internal/errs"
)

// FieldType is the validation type for a payload field.
type FieldType string

const (
	FieldString FieldType = "string"
	FieldNumber FieldType = "number"
	FieldBool   FieldType = "bool"
	FieldArray  FieldType = "array"
	FieldObject FieldType = "object"
)

// Definition describes one registered message type.
type Definition struct {
	Name     string               `yaml:"name" json:"name"`
	Kind     MessageKind          `yaml:"kind" json:"kind"`
	Owner    string               `yaml:"owner,omitempty" json:"owner,omitempty"`
	Required []string             `yaml:"required,omitempty" json:"required,omitempty"`
	Fields   map[string]FieldType `yaml:"fields,omitempty" json:"fields,omitempty"`
}

// Registry is the static catalog of message types. Agents register their
// vocabulary at init; operators can extend the catalog from YAML files.
type Registry struct {
	mu   sync.RWMutex
	defs map[string]Definition // key: kind + ":" + name
}

// NewRegistry creates an empty schema registry.
func NewRegistry() *Registry {
	return &Registry{defs: make(map[string]Definition)}
}

func key(kind MessageKind, name string) string {
	return string(kind) + ":" + name
}

// Register adds a message type to the catalog. Re-registering the same
// name and kind replaces the earlier definition.
func (r *Registry) Register(def Definition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defs[key(def.Kind, def.Name)] = def
}

// Lookup returns the definition for a kind/name pair.
func (r *Registry) Lookup(kind MessageKind, name string) (Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.defs[key(kind, name)]
	return def, ok
}

// Count returns the number of registered message types.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.defs)
}

// Validate checks the envelope and payload against the catalog. A failed
// check is terminal: the bus never retries validation errors.
func (r *Registry) Validate(m Message) error {
	if m.ID == "" {
		return errs.New(errs.KindValidation, "message missing messageId")
	}
	if m.Timestamp.IsZero() {
		return errs.New(errs.KindValidation, "message missing timestamp")
	}
	if m.Priority < 1 || m.Priority > 10 {
		return errs.Newf(errs.KindValidation, "priority %d out of range [1..10]", m.Priority)
	}
	if m.RetryCount < 0 {
		return errs.Newf(errs.KindValidation, "negative retryCount %d", m.RetryCount)
	}
	def, ok := r.Lookup(m.Kind, m.Type)
	if !ok {
		return errs.Newf(errs.KindValidation, "unregistered %s type %q", m.Kind, m.Type)
	}
	if def.Owner != "" && m.Kind == KindCommand && def.Owner != m.Agent {
		return errs.Newf(errs.KindValidation, "command %q belongs to agent %q, not %q", m.Type, def.Owner, m.Agent)
	}

	for _, field := range def.Required {
		if _, ok := m.Payload[field]; !ok {
			return errs.Newf(errs.KindValidation, "%s %q missing required field %q", m.Kind, m.Type, field)
		}
	}
	for field, want := range def.Fields {
		v, ok := m.Payload[field]
		if !ok || v == nil {
			continue
		}
		if !typeMatches(v, want) {
			return errs.Newf(errs.KindValidation, "%s %q field %q is not a %s", m.Kind, m.Type, field, want)
		}
	}
	return nil
}

func typeMatches(v any, want FieldType) bool {
	switch want {
	case FieldString:
		_, ok := v.(string)
		return ok
	case FieldNumber:
		switch v.(type) {
		case float64, float32, int, int32, int64:
			return true
		}
		return false
	case FieldBool:
		_, ok := v.(bool)
		return ok
	case FieldArray:
		_, ok := v.([]any)
		if !ok {
			_, ok = v.([]string)
		}
		return ok
	case FieldObject:
		_, ok := v.(map[string]any)
		return ok
	}
	return true
}

// catalogFile is the top-level structure of a schema catalog YAML file.
type catalogFile struct {
	Messages []Definition `yaml:"messages"`
}

// LoadDir loads catalog extension files (*.yaml) from a directory.
// A missing directory is not an error; malformed files are skipped.
func (r *Registry) LoadDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read schema dir: %w", err)
	}

	loaded := 0
	for _, entry := range entries {
		if entry.IsDir() || (!strings.HasSuffix(entry.Name(), ".yaml") && !strings.HasSuffix(entry.Name(), ".yml")) {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			log.Printf("[Schema] ⚠️ Failed to read %s: %v", path, err)
			continue
		}
		var f catalogFile
		if err := yaml.Unmarshal(data, &f); err != nil {
			log.Printf("[Schema] ⚠️ Failed to parse %s: %v", path, err)
			continue
		}
		for _, def := range f.Messages {
			if def.Name == "" || def.Kind == "" {
				log.Printf("[Schema] ⚠️ Skipping unnamed definition in %s", entry.Name())
				continue
			}
			r.Register(def)
			loaded++
		}
	}
	if loaded > 0 {
		log.Printf("[Schema] ✅ Loaded %d catalog extensions from %s", loaded, dir)
	}
	return nil
}
