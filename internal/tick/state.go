// Package tick implements the position lifecycle state machine
// (spec.md §4.10-§4.14): one Run call advances the position at most
// one step, enforcing finalization-first ordering, cancel-first
// watchdog sequencing with post-market verify/rebalance, a decoupled
// break-even transition, throttled trailing maintenance, and
// event-triggered (never periodic) reconciliation.
package tick

import (
	"time"

	"github.com/web3guy0/peakrunner/internal/anomaly"
	"github.com/web3guy0/peakrunner/internal/dedup"
	"github.com/web3guy0/peakrunner/internal/position"
)

// State is the single persisted JSON document (spec.md §3, §4.2):
// the live position (nil when flat), the previous position's terminal
// record, the single-position guard deadlines, sleep mode, the margin
// ledger, and the dedup seen-keys set.
type State struct {
	Position      *position.Position   `json:"position"`
	LastClosed    *position.LastClosed `json:"last_closed,omitempty"`
	CooldownUntil time.Time            `json:"cooldown_until,omitempty"`
	LockUntil     time.Time            `json:"lock_until,omitempty"`
	Sleeping      bool                 `json:"sleeping"`
	MarginLedger  *position.MarginLedger `json:"margin_ledger"`
	SeenKeys      *dedup.Set           `json:"seen_keys"`
}

// NewState returns an empty flat state ready for its first tick.
func NewState() *State {
	return &State{
		MarginLedger: position.NewMarginLedger(),
	}
}

// DetectorMeta is the separate small JSON document holding per-
// invariant throttle state, kept apart from State so detector
// bookkeeping never pollutes the operational document an operator
// might inspect (spec.md §6 Persisted paths).
type DetectorMeta struct {
	I13       anomaly.I13State `json:"i13"`
	NextRunAt time.Time        `json:"next_run_at"`
}
