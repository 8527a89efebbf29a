package symbols

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"trademirror/internal/ports"
)

// PipTable resolves the pip size for an instrument, used to convert a
// trailing distance expressed in pips into price units. Unknown instruments
// fall back to a conservative default and log a warning once per instrument.
type PipTable struct {
	mu       sync.RWMutex
	sizes    map[string]decimal.Decimal
	fallback decimal.Decimal
	warned   map[string]bool
	logger   ports.Logger
}

// PipTableConfig holds configuration for the pip size table.
type PipTableConfig struct {
	Path     string // YAML file with per-instrument pip sizes; optional
	Fallback decimal.Decimal
	Logger   ports.Logger
}

// DefaultPipFallback is used when the configuration supplies none. 0.0001 is
// the classic 4-decimal FX pip; for crypto/metal instruments the table should
// carry explicit entries.
var DefaultPipFallback = decimal.RequireFromString("0.0001")

// NewPipTable loads the pip size table.
func NewPipTable(cfg PipTableConfig) (*PipTable, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for pip table")
	}
	fallback := cfg.Fallback
	if !fallback.IsPositive() {
		fallback = DefaultPipFallback
	}
	t := &PipTable{
		sizes:    make(map[string]decimal.Decimal),
		fallback: fallback,
		warned:   make(map[string]bool),
		logger:   cfg.Logger,
	}
	if cfg.Path != "" {
		if err := t.load(cfg.Path); err != nil {
			return nil, fmt.Errorf("failed to load pip table from '%s': %w", cfg.Path, err)
		}
	}
	return t, nil
}

// PipSize returns the pip size for a canonical instrument name.
func (t *PipTable) PipSize(ctx context.Context, instrument string) decimal.Decimal {
	t.mu.RLock()
	size, ok := t.sizes[instrument]
	t.mu.RUnlock()
	if ok {
		return size
	}

	t.mu.Lock()
	if !t.warned[instrument] {
		t.warned[instrument] = true
		t.mu.Unlock()
		t.logger.Warn(ctx, "Unknown instrument in pip table, using fallback pip size", map[string]interface{}{
			"instrument": instrument,
			"fallback":   t.fallback.String(),
		})
	} else {
		t.mu.Unlock()
	}
	return t.fallback
}

// Set registers a pip size, replacing any existing entry.
func (t *PipTable) Set(instrument string, size decimal.Decimal) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sizes[instrument] = size
}

type pipFile struct {
	PipSizes map[string]string `yaml:"pip_sizes"`
}

func (t *PipTable) load(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	var f pipFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("failed to parse pip table: %w", err)
	}
	for instrument, raw := range f.PipSizes {
		size, err := decimal.NewFromString(raw)
		if err != nil {
			return fmt.Errorf("invalid pip size '%s' for instrument %s: %w", raw, instrument, err)
		}
		t.sizes[instrument] = size
	}
	return nil
}
