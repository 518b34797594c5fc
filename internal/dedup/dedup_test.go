package dedup

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyStableUnderSubMinuteJitter(t *testing.T) {
	price := decimal.RequireFromString("95000.127")
	ts1 := time.Date(2025, 1, 13, 20, 0, 1, 0, time.UTC)
	ts2 := time.Date(2025, 1, 13, 20, 0, 59, 0, time.UTC)

	k1 := Key("PEAK", "long", ts1, price, 2)
	k2 := Key("PEAK", "long", ts2, price, 2)
	assert.Equal(t, k1, k2)
}

func TestKeyDiffersAcrossMinuteBoundary(t *testing.T) {
	price := decimal.RequireFromString("95000.00")
	ts1 := time.Date(2025, 1, 13, 20, 0, 59, 0, time.UTC)
	ts2 := time.Date(2025, 1, 13, 20, 1, 0, 0, time.UTC)

	k1 := Key("PEAK", "long", ts1, price, 2)
	k2 := Key("PEAK", "long", ts2, price, 2)
	assert.NotEqual(t, k1, k2)
}

func TestSetIsFIFOBounded(t *testing.T) {
	s := NewSet(3, "fp")
	s.Add("a")
	s.Add("b")
	s.Add("c")
	s.Add("d") // evicts "a"

	assert.False(t, s.Seen("a"))
	assert.True(t, s.Seen("b"))
	assert.True(t, s.Seen("c"))
	assert.True(t, s.Seen("d"))
	assert.Equal(t, 3, s.Len())
}

func TestSetAddIsIdempotent(t *testing.T) {
	s := NewSet(2, "fp")
	s.Add("a")
	s.Add("a")
	assert.Equal(t, 1, s.Len())
}

func TestRehydrateDiscardsOnFingerprintMismatch(t *testing.T) {
	s := &Set{Fingerprint: "old", Keys: []string{"a", "b"}}
	s.Rehydrate(500, "new")

	assert.Equal(t, "new", s.Fingerprint)
	assert.Equal(t, 0, s.Len())
	assert.False(t, s.Seen("a"))
}

func TestRehydrateKeepsMatchingFingerprint(t *testing.T) {
	s := &Set{Fingerprint: "fp", Keys: []string{"a", "b"}}
	s.Rehydrate(500, "fp")

	require.Equal(t, 2, s.Len())
	assert.True(t, s.Seen("a"))
	assert.True(t, s.Seen("b"))
}

func TestFingerprintChangesWithInputs(t *testing.T) {
	f1 := Fingerprint("v1", 2, true)
	f2 := Fingerprint("v2", 2, true)
	f3 := Fingerprint("v1", 3, true)
	f4 := Fingerprint("v1", 2, false)

	assert.NotEqual(t, f1, f2)
	assert.NotEqual(t, f1, f3)
	assert.NotEqual(t, f1, f4)
}
