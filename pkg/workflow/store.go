package workflow

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

var (
	// ErrNotFound is returned for unknown workflow ids, tokens or topics.
	ErrNotFound = errors.New("workflow not found")
	// ErrTriggerDisabled is returned when the matching trigger is off.
	ErrTriggerDisabled = errors.New("workflow trigger disabled")
)

// Store holds workflow definitions. Definitions are read-only to the
// engine except for the trigger's runtime fields.
type Store interface {
	Get(id string) (Definition, error)
	List() []Definition
	FindByWebhook(token string) (Definition, error)
	FindByTopic(topic string) []Definition
	ListScheduled() []Definition
	MarkFired(id string, at time.Time) error
	DisableTrigger(id, reason string) error
}

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu   sync.RWMutex
	defs map[string]*Definition
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore validates defs and loads them.
func NewMemoryStore(defs ...Definition) (*MemoryStore, error) {
	s := &MemoryStore{defs: make(map[string]*Definition)}
	if err := s.Replace(defs); err != nil {
		return nil, err
	}
	return s, nil
}

// Replace swaps the whole catalog. Runtime trigger state is carried over
// for ids that survive the reload.
func (s *MemoryStore) Replace(defs []Definition) error {
	next := make(map[string]*Definition, len(defs))
	tokens := make(map[string]string)
	for _, def := range defs {
		def := def.Clone()
		if err := def.Validate(); err != nil {
			return err
		}
		if _, dup := next[def.ID]; dup {
			return fmt.Errorf("duplicate workflow id: %s", def.ID)
		}
		if def.Trigger.Type == TriggerWebhook {
			if other, dup := tokens[def.Trigger.Token]; dup {
				return fmt.Errorf("workflows %s and %s share a webhook token", other, def.ID)
			}
			tokens[def.Trigger.Token] = def.ID
		}
		next[def.ID] = &def
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for id, def := range next {
		if prev, ok := s.defs[id]; ok && prev.Trigger.Type == def.Trigger.Type {
			def.Trigger.LastFiredAt = prev.Trigger.LastFiredAt
		}
	}
	s.defs = next
	return nil
}

// Get returns one definition.
func (s *MemoryStore) Get(id string) (Definition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	def, ok := s.defs[id]
	if !ok {
		return Definition{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return def.Clone(), nil
}

// List returns every definition sorted by id.
func (s *MemoryStore) List() []Definition {
	return s.filter(func(*Definition) bool { return true })
}

// FindByWebhook returns the workflow owning token.
func (s *MemoryStore) FindByWebhook(token string) (Definition, error) {
	if token == "" {
		return Definition{}, fmt.Errorf("%w: empty webhook token", ErrNotFound)
	}
	matches := s.filter(func(d *Definition) bool {
		return d.Trigger.Type == TriggerWebhook && d.Trigger.Token == token
	})
	if len(matches) == 0 {
		return Definition{}, fmt.Errorf("%w: no webhook for token", ErrNotFound)
	}
	if !matches[0].Trigger.Enabled {
		return matches[0], fmt.Errorf("%w: %s", ErrTriggerDisabled, matches[0].ID)
	}
	return matches[0], nil
}

// FindByTopic returns the enabled workflows subscribed to topic.
func (s *MemoryStore) FindByTopic(topic string) []Definition {
	return s.filter(func(d *Definition) bool {
		return d.Trigger.Type == TriggerEvent && d.Trigger.Enabled && d.Trigger.Topic == topic
	})
}

// ListScheduled returns the enabled schedule-triggered workflows.
func (s *MemoryStore) ListScheduled() []Definition {
	return s.filter(func(d *Definition) bool {
		return d.Trigger.Type == TriggerSchedule && d.Trigger.Enabled
	})
}

// MarkFired records the last time the trigger fired.
func (s *MemoryStore) MarkFired(id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	def, ok := s.defs[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	def.Trigger.LastFiredAt = at
	return nil
}

// DisableTrigger switches the trigger off until the next reload.
func (s *MemoryStore) DisableTrigger(id, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	def, ok := s.defs[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	def.Trigger.Enabled = false
	def.Trigger.DisabledReason = reason
	return nil
}

func (s *MemoryStore) filter(keep func(*Definition) bool) []Definition {
	s.mu.RLock()
	out := make([]Definition, 0, len(s.defs))
	for _, def := range s.defs {
		if keep(def) {
			out = append(out, def.Clone())
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// file is the on-disk layout: either a single definition or a list under
// "workflows".
type file struct {
	Definition `yaml:",inline"`
	Workflows  []Definition `yaml:"workflows"`
}

// LoadDefinitions reads workflow definitions from files or glob patterns.
func LoadDefinitions(patterns ...string) ([]Definition, error) {
	var defs []Definition
	for _, pattern := range patterns {
		paths, err := filepath.Glob(pattern)
		if err != nil {
			return nil, fmt.Errorf("bad workflow pattern %q: %w", pattern, err)
		}
		if len(paths) == 0 {
			return nil, fmt.Errorf("no workflow files match %q", pattern)
		}
		sort.Strings(paths)
		for _, path := range paths {
			loaded, err := LoadFile(path)
			if err != nil {
				return nil, err
			}
			defs = append(defs, loaded...)
		}
	}
	return defs, nil
}

// LoadFile reads the definitions in one YAML file and validates them.
func LoadFile(path string) ([]Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	defs := f.Workflows
	if len(defs) == 0 {
		defs = []Definition{f.Definition}
	}
	for i := range defs {
		if err := defs[i].Validate(); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
	}
	return defs, nil
}
