package statestore

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type doc struct {
	TradeKey string `json:"trade_key"`
	Qty      int    `json:"qty"`
}

func TestLoadMissingFileIsEmpty(t *testing.T) {
	dir := t.TempDir()
	s := New(filepath.Join(dir, "state.json"))

	var out doc
	require.NoError(t, s.Load(&out))
	assert.Equal(t, doc{}, out)
}

func TestSaveThenLoadRoundTrips(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")
	s := New(path)

	in := doc{TradeKey: "abc123", Qty: 7}
	require.True(t, s.Save(in))

	var out doc
	require.NoError(t, s.Load(&out))
	assert.Equal(t, in, out)
}

func TestLoadMalformedFileErrors(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))

	s := New(path)
	var out doc
	assert.Error(t, s.Load(&out))
}

func TestSaveLeavesNoTempFilesBehind(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")
	s := New(path)

	require.True(t, s.Save(doc{TradeKey: "x"}))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "state.json", entries[0].Name())
}
