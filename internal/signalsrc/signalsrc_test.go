package signalsrc

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/web3guy0/peakrunner/internal/dedup"
	"github.com/web3guy0/peakrunner/internal/position"
)

func TestParseLineIgnoresUnknownAction(t *testing.T) {
	sig, ok, err := ParseLine(`{"action":"NOISE","ts":"2025-01-13T20:00:00Z","kind":"long","price":95000.0}`)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, Signal{}, sig)
}

func TestParseLinePeak(t *testing.T) {
	sig, ok, err := ParseLine(`{"action":"PEAK","ts":"2025-01-13T20:00:00Z","kind":"long","price":95000.0}`)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, position.Long, sig.Side())
	assert.True(t, sig.Price.Equal(decimal.NewFromFloat(95000.0)))
}

func TestParseLineShortKind(t *testing.T) {
	sig, ok, err := ParseLine(`{"action":"PEAK","ts":"2025-01-13T20:00:00Z","kind":"short","price":95000.0}`)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, position.Short, sig.Side())
}

func TestSourceLatestSkipsSeenAndFallsBackToOlder(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "signals.jsonl")
	lines := []string{
		`{"action":"PEAK","ts":"2025-01-13T19:00:00Z","kind":"long","price":94000.0}`,
		`{"action":"PEAK","ts":"2025-01-13T20:00:00Z","kind":"long","price":95000.0}`,
	}
	content := lines[0] + "\n" + lines[1] + "\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	src := New(path, 100, 2, 0)
	seen := dedup.NewSet(100, "fp")
	now, err := time.Parse(time.RFC3339, "2025-01-13T20:00:01Z")
	require.NoError(t, err)

	sig, key, ok := src.Latest(seen, now)
	require.True(t, ok)
	assert.True(t, sig.Price.Equal(decimal.NewFromFloat(95000.0)))

	seen.Add(key)
	sig2, _, ok := src.Latest(seen, now)
	require.True(t, ok, "should fall back to the earlier unseen signal")
	assert.True(t, sig2.Price.Equal(decimal.NewFromFloat(94000.0)))
}

func TestSourceLatestRespectsMaxAge(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "signals.jsonl")
	line := `{"action":"PEAK","ts":"2025-01-13T19:00:00Z","kind":"long","price":94000.0}` + "\n"
	require.NoError(t, os.WriteFile(path, []byte(line), 0o600))

	src := New(path, 100, 2, time.Minute)
	seen := dedup.NewSet(100, "fp")
	now, err := time.Parse(time.RFC3339, "2025-01-13T20:00:00Z")
	require.NoError(t, err)

	_, _, ok := src.Latest(seen, now)
	assert.False(t, ok)
}

func TestSourceLatestMissingFile(t *testing.T) {
	src := New(filepath.Join(t.TempDir(), "nope.jsonl"), 100, 2, 0)
	seen := dedup.NewSet(100, "fp")
	_, _, ok := src.Latest(seen, time.Now())
	assert.False(t, ok)
}
