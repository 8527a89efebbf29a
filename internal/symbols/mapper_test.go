package symbols

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testLogger struct{ warnings []string }

func (l *testLogger) Debug(ctx context.Context, msg string, fields ...map[string]interface{}) {}
func (l *testLogger) Info(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (l *testLogger) Warn(ctx context.Context, msg string, fields ...map[string]interface{}) {
	l.warnings = append(l.warnings, msg)
}
func (l *testLogger) Error(ctx context.Context, err error, msg string, fields ...map[string]interface{}) {
}

func TestMapper_ToVenueSymbol(t *testing.T) {
	m, err := NewMapper(MapperConfig{
		DefaultSuffix: ".a",
		Overrides:     map[string]string{"US30": "DJ30.cash"},
		Logger:        &testLogger{},
	})
	require.NoError(t, err)

	tests := []struct {
		name      string
		canonical string
		want      string
	}{
		{"suffix rule", "BTCUSD", "BTCUSD.a"},
		{"override wins", "US30", "DJ30.cash"},
		{"suffix rule gold", "XAUUSD", "XAUUSD.a"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, m.ToVenueSymbol(tt.canonical))
		})
	}
}

func TestMapper_ToCanonical(t *testing.T) {
	m, err := NewMapper(MapperConfig{
		DefaultSuffix: ".a",
		Overrides:     map[string]string{"US30": "DJ30.cash"},
		Logger:        &testLogger{},
	})
	require.NoError(t, err)

	assert.Equal(t, "BTCUSD", m.ToCanonical("BTCUSD.a"))
	assert.Equal(t, "US30", m.ToCanonical("DJ30.cash"))
	// Symbols without the suffix pass through unchanged.
	assert.Equal(t, "EURUSD", m.ToCanonical("EURUSD"))
}

func TestMapper_Persistence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "overrides.yaml")
	ctx := context.Background()

	m, err := NewMapper(MapperConfig{DefaultSuffix: ".a", OverridesPath: path, Logger: &testLogger{}})
	require.NoError(t, err)
	require.NoError(t, m.AddMapping(ctx, "ETHUSD", "ETHUSD.pro"))

	// Reload from disk: the mapping must survive.
	m2, err := NewMapper(MapperConfig{DefaultSuffix: ".a", OverridesPath: path, Logger: &testLogger{}})
	require.NoError(t, err)
	assert.Equal(t, "ETHUSD.pro", m2.ToVenueSymbol("ETHUSD"))

	require.NoError(t, m2.RemoveMapping(ctx, "ETHUSD"))
	m3, err := NewMapper(MapperConfig{DefaultSuffix: ".a", OverridesPath: path, Logger: &testLogger{}})
	require.NoError(t, err)
	assert.Equal(t, "ETHUSD.a", m3.ToVenueSymbol("ETHUSD"))

	_, err = os.Stat(path)
	assert.NoError(t, err)
}

func TestPipTable(t *testing.T) {
	logger := &testLogger{}
	table, err := NewPipTable(PipTableConfig{Logger: logger})
	require.NoError(t, err)
	table.Set("XAUUSD", decimal.RequireFromString("0.1"))

	ctx := context.Background()
	assert.True(t, table.PipSize(ctx, "XAUUSD").Equal(decimal.RequireFromString("0.1")))

	// Unknown instrument: fallback plus a single warning.
	assert.True(t, table.PipSize(ctx, "EURUSD").Equal(DefaultPipFallback))
	assert.True(t, table.PipSize(ctx, "EURUSD").Equal(DefaultPipFallback))
	assert.Len(t, logger.warnings, 1)
}

func TestPipTable_LoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pips.yaml")
	require.NoError(t, os.WriteFile(path, []byte("pip_sizes:\n  BTCUSD: \"1\"\n  EURUSD: \"0.0001\"\n"), 0644))

	table, err := NewPipTable(PipTableConfig{Path: path, Logger: &testLogger{}})
	require.NoError(t, err)
	assert.True(t, table.PipSize(context.Background(), "BTCUSD").Equal(decimal.NewFromInt(1)))
}
