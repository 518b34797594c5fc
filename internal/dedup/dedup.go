// Package dedup computes a stable per-signal key and maintains a bounded
// FIFO set of recently seen keys so a PEAK signal is never acted on twice
// (spec.md §4.3).
package dedup

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Key computes the stable dedup key for one signal:
// "{action}|{ts_bucketed_to_minute}|{direction}|{price_rounded_to_D_decimals}".
func Key(action, direction string, ts time.Time, price decimal.Decimal, priceDecimals int32) string {
	bucket := ts.UTC().Truncate(time.Minute).Format(time.RFC3339)
	rounded := price.Round(priceDecimals)
	return fmt.Sprintf("%s|%s|%s|%s", action, bucket, direction, rounded.StringFixed(priceDecimals))
}

// Fingerprint hashes the parameters that, if changed, invalidate a
// persisted seen-keys set: algorithm version, configured decimals, and
// the strict-source flag.
func Fingerprint(algoVersion string, priceDecimals int32, strictSource bool) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%d|%t", algoVersion, priceDecimals, strictSource)
	return hex.EncodeToString(h.Sum(nil))
}

// Set is a bounded FIFO collection of recently seen dedup keys.
type Set struct {
	Fingerprint string   `json:"fingerprint"`
	Keys        []string `json:"keys"`
	index       map[string]struct{}
	max         int
}

// NewSet creates an empty set bounded to max entries, stamped with
// fingerprint.
func NewSet(max int, fingerprint string) *Set {
	return &Set{
		Fingerprint: fingerprint,
		Keys:        make([]string, 0, max),
		index:       make(map[string]struct{}, max),
		max:         max,
	}
}

// Rehydrate rebuilds the lookup index after the Set has been loaded from
// JSON (the index field does not survive serialization). If the loaded
// fingerprint differs from want, the set is discarded and replaced with
// an empty one stamped with want — an algorithm change invalidates
// everything persisted under the old formula.
func (s *Set) Rehydrate(max int, want string) {
	s.max = max
	if s.Fingerprint != want {
		s.Fingerprint = want
		s.Keys = nil
	}
	s.index = make(map[string]struct{}, len(s.Keys))
	for _, k := range s.Keys {
		s.index[k] = struct{}{}
	}
}

// Seen reports whether key has already been recorded.
func (s *Set) Seen(key string) bool {
	if s.index == nil {
		s.index = make(map[string]struct{})
	}
	_, ok := s.index[key]
	return ok
}

// Add records key, evicting the oldest entry if the set is now over
// capacity. Add is idempotent: adding an already-seen key is a no-op.
func (s *Set) Add(key string) {
	if s.Seen(key) {
		return
	}
	s.Keys = append(s.Keys, key)
	s.index[key] = struct{}{}
	for len(s.Keys) > s.max {
		oldest := s.Keys[0]
		s.Keys = s.Keys[1:]
		delete(s.index, oldest)
	}
}

// Len returns the current number of tracked keys.
func (s *Set) Len() int {
	return len(s.Keys)
}
