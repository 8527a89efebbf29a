// Package symbols resolves canonical (signal venue) instrument names to
// execution venue symbols and back, and provides per-instrument pip sizes for
// trailing-stop arithmetic.
package symbols

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"trademirror/internal/ports"
)

// Mapper maps canonical instrument names to execution venue symbols. An
// explicit override takes precedence; otherwise the configured default suffix
// is appended. Constructed once at startup and passed by reference to all
// consumers.
type Mapper struct {
	mu        sync.RWMutex
	suffix    string
	overrides map[string]string
	path      string // Override table file; empty disables persistence
	logger    ports.Logger
}

// MapperConfig holds configuration for the symbol mapper.
type MapperConfig struct {
	DefaultSuffix string            // Appended when no override matches (e.g. ".a")
	Overrides     map[string]string // Initial overrides, merged under the persisted table
	OverridesPath string            // YAML file for the override table; optional
	Logger        ports.Logger
}

// NewMapper creates a symbol mapper, loading the persisted override table
// when a path is configured.
func NewMapper(cfg MapperConfig) (*Mapper, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for symbol mapper")
	}
	m := &Mapper{
		suffix:    cfg.DefaultSuffix,
		overrides: make(map[string]string, len(cfg.Overrides)),
		path:      cfg.OverridesPath,
		logger:    cfg.Logger,
	}
	for k, v := range cfg.Overrides {
		m.overrides[k] = v
	}

	if m.path != "" {
		if err := m.load(); err != nil {
			return nil, fmt.Errorf("failed to load symbol overrides from '%s': %w", m.path, err)
		}
	}
	return m, nil
}

// ToVenueSymbol maps a canonical instrument name to the execution venue symbol.
func (m *Mapper) ToVenueSymbol(canonical string) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if mapped, ok := m.overrides[canonical]; ok {
		return mapped
	}
	return canonical + m.suffix
}

// ToCanonical maps a venue symbol back to the canonical instrument name. An
// override hit wins; otherwise the default suffix is stripped.
func (m *Mapper) ToCanonical(venueSymbol string) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for canonical, mapped := range m.overrides {
		if mapped == venueSymbol {
			return canonical
		}
	}
	return strings.TrimSuffix(venueSymbol, m.suffix)
}

// AddMapping registers an explicit override and persists the table.
func (m *Mapper) AddMapping(ctx context.Context, canonical, venueSymbol string) error {
	m.mu.Lock()
	m.overrides[canonical] = venueSymbol
	m.mu.Unlock()
	m.logger.Info(ctx, "Symbol override added", map[string]interface{}{"canonical": canonical, "venueSymbol": venueSymbol})
	return m.persist()
}

// RemoveMapping deletes an override and persists the table. Removing an
// unknown mapping is a no-op.
func (m *Mapper) RemoveMapping(ctx context.Context, canonical string) error {
	m.mu.Lock()
	delete(m.overrides, canonical)
	m.mu.Unlock()
	m.logger.Info(ctx, "Symbol override removed", map[string]interface{}{"canonical": canonical})
	return m.persist()
}

// Mappings returns a copy of the override table, sorted for stable output.
func (m *Mapper) Mappings() []struct{ Canonical, VenueSymbol string } {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]struct{ Canonical, VenueSymbol string }, 0, len(m.overrides))
	for k, v := range m.overrides {
		out = append(out, struct{ Canonical, VenueSymbol string }{k, v})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Canonical < out[j].Canonical })
	return out
}

type overridesFile struct {
	Overrides map[string]string `yaml:"overrides"`
}

func (m *Mapper) load() error {
	data, err := os.ReadFile(m.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil // First run, nothing persisted yet
		}
		return err
	}
	var f overridesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("failed to parse overrides file: %w", err)
	}
	m.mu.Lock()
	for k, v := range f.Overrides {
		m.overrides[k] = v
	}
	m.mu.Unlock()
	return nil
}

func (m *Mapper) persist() error {
	if m.path == "" {
		return nil
	}
	m.mu.RLock()
	f := overridesFile{Overrides: make(map[string]string, len(m.overrides))}
	for k, v := range m.overrides {
		f.Overrides[k] = v
	}
	m.mu.RUnlock()

	data, err := yaml.Marshal(&f)
	if err != nil {
		return fmt.Errorf("failed to marshal overrides: %w", err)
	}
	if err := os.WriteFile(m.path, data, 0644); err != nil {
		return fmt.Errorf("failed to write overrides file '%s': %w", m.path, err)
	}
	return nil
}
