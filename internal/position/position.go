// Package position defines the single mutable Position entity, the
// margin ledger, and the last-closed record (spec.md §3). The tick
// package owns all mutation; this package only defines shape and the
// small derived queries the planner and detectors need.
package position

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side is the position direction.
type Side string

const (
	Long  Side = "LONG"
	Short Side = "SHORT"
)

// Status is the position lifecycle stage.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusOpen       Status = "OPEN"
	StatusOpenFilled Status = "OPEN_FILLED"
	StatusClosing    Status = "CLOSING"
	StatusClosed     Status = "CLOSED"
)

// OrderKey names one of the five order slots a position tracks.
type OrderKey string

const (
	OrderEntry  OrderKey = "ENTRY"
	OrderSL     OrderKey = "SL"
	OrderTP1    OrderKey = "TP1"
	OrderTP2    OrderKey = "TP2"
	OrderSLPrev OrderKey = "SL_PREV"
)

// OrderObservation is a cached exchange-reported order status with the
// timestamp it was observed at, used as a freshness gate (spec.md §3
// Reconciliation cache, §4.13).
type OrderObservation struct {
	Status      string    `json:"status"`
	ExecutedQty decimal.Decimal `json:"executed_qty"`
	ObservedAt  time.Time `json:"observed_at"`
}

// WatchdogState is the per-order-family cancel-verify-replace substate
// described in spec.md §4.9-§4.10.
type WatchdogState struct {
	Attempts             int       `json:"attempts"`
	NextAttemptAt        time.Time `json:"next_attempt_at"`
	ExecutedBeforeCancel decimal.Decimal `json:"executed_before_cancel"`
	LastStatus           string    `json:"last_status"`
	LastError            string    `json:"last_error,omitempty"`
	CappedUntil          time.Time `json:"capped_until,omitempty"`
}

// Attempt records one more try and reports whether it is allowed. The
// try that brings the count to maxAttempts is still allowed but sets
// CappedUntil; further Attempt calls are refused until CappedUntil has
// passed, at which point the counter resets to zero.
func (w *WatchdogState) Attempt(maxAttempts int, cooldown time.Duration, now time.Time) (allowed bool) {
	if !w.CappedUntil.IsZero() {
		if now.Before(w.CappedUntil) {
			return false
		}
		w.Attempts = 0
		w.CappedUntil = time.Time{}
	}
	w.Attempts++
	if w.Attempts >= maxAttempts {
		w.CappedUntil = now.Add(cooldown)
	}
	return true
}

// Position is the single mutable trading entity. At most one exists at
// a time (spec.md §3 Ownership).
type Position struct {
	TradeKey string `json:"trade_key"`
	Side     Side   `json:"side"`
	Status   Status `json:"status"`

	QtyTotal decimal.Decimal `json:"qty_total"`
	Qty1     decimal.Decimal `json:"qty1"`
	Qty2     decimal.Decimal `json:"qty2"`
	Qty3     decimal.Decimal `json:"qty3"`
	Degraded bool            `json:"degraded"` // 50/50/0 split, see decimalstep.Legs.Degraded

	Entry decimal.Decimal `json:"entry"`
	SL    decimal.Decimal `json:"sl"`
	TP1   decimal.Decimal `json:"tp1"`
	TP2   decimal.Decimal `json:"tp2"`

	EntryID   string `json:"entry_id,omitempty"`
	SLID      string `json:"sl_id,omitempty"`
	TP1ID     string `json:"tp1_id,omitempty"`
	TP2ID     string `json:"tp2_id,omitempty"`
	SLPrevID  string `json:"sl_prev_id,omitempty"`

	TP1Done       bool `json:"tp1_done"`
	TP2Done       bool `json:"tp2_done"`
	SLDone        bool `json:"sl_done"`
	TrailActive   bool `json:"trail_active"`
	TP2Synthetic  bool `json:"tp2_synthetic"`

	// Break-even transition substate (spec.md §4.10).
	TP1BEPending bool          `json:"tp1_be_pending"`
	TP1BEOldSL   string        `json:"tp1_be_old_sl,omitempty"`
	TP1BE        WatchdogState `json:"tp1_be"`

	// Watchdog substates per family.
	SLWatchdog   WatchdogState `json:"sl_watchdog"`
	TP1Watchdog  WatchdogState `json:"tp1_watchdog"`
	TP2Watchdog  WatchdogState `json:"tp2_watchdog"`
	TrailWatchdog WatchdogState `json:"trail_watchdog"`

	// One-shot event-logged flags so the planner doesn't re-log a
	// detection every tick while the same condition persists
	// (spec.md §4.9).
	WDSLPartialLogged   bool `json:"wd_sl_partial_logged"`
	WDSLSlippageLogged  bool `json:"wd_sl_slippage_logged"`
	WDTP1MissingLogged  bool `json:"wd_tp1_missing_logged"`
	WDTP2MissingLogged  bool `json:"wd_tp2_missing_logged"`

	// Throttle timestamps, one per expensive operation (spec.md §4.10).
	NextTP1PollAt   time.Time `json:"next_tp1_poll_at"`
	NextTP2PollAt   time.Time `json:"next_tp2_poll_at"`
	NextSLPollAt    time.Time `json:"next_sl_poll_at"`
	NextCleanupAt   time.Time `json:"next_cleanup_at"`
	NextTrailAt     time.Time `json:"next_trail_at"`
	NextReconcileAt time.Time `json:"next_reconcile_at"`
	NextFallbackAt  time.Time `json:"next_fallback_at"`

	// Reconciliation cache: last known exchange status per order key.
	Observations map[OrderKey]OrderObservation `json:"observations"`

	OpenedAt time.Time `json:"opened_at"`
}

// New creates a fresh PENDING position for a just-dispatched entry.
func New(tradeKey string, side Side, qtyTotal decimal.Decimal) *Position {
	return &Position{
		TradeKey:     tradeKey,
		Side:         side,
		Status:       StatusPending,
		QtyTotal:     qtyTotal,
		Observations: make(map[OrderKey]OrderObservation),
		OpenedAt:     time.Now().UTC(),
	}
}

// Observe records the latest known status for an order key.
func (p *Position) Observe(key OrderKey, status string, executedQty decimal.Decimal, at time.Time) {
	if p.Observations == nil {
		p.Observations = make(map[OrderKey]OrderObservation)
	}
	p.Observations[key] = OrderObservation{Status: status, ExecutedQty: executedQty, ObservedAt: at}
}

// FreshWithin reports whether the cached observation for key is no
// older than maxAge as of now.
func (p *Position) FreshWithin(key OrderKey, maxAge time.Duration, now time.Time) bool {
	obs, ok := p.Observations[key]
	if !ok {
		return false
	}
	return now.Sub(obs.ObservedAt) <= maxAge
}

// QuantityInvariantHolds checks spec.md §3/§8: qty1+qty2+qty3 == qty_total.
func (p *Position) QuantityInvariantHolds() bool {
	return p.Qty1.Add(p.Qty2).Add(p.Qty3).Equal(p.QtyTotal)
}

// PriceHierarchyHolds checks spec.md §3/§8: sl < entry < tp1 < tp2 for
// LONG, reversed for SHORT.
func (p *Position) PriceHierarchyHolds() bool {
	if p.Side == Long {
		return p.SL.LessThan(p.Entry) && p.Entry.LessThan(p.TP1) && p.TP1.LessThan(p.TP2)
	}
	return p.SL.GreaterThan(p.Entry) && p.Entry.GreaterThan(p.TP1) && p.TP1.GreaterThan(p.TP2)
}

// LastClosed keeps the immediately previous position's terminal state
// for reporting while position is nil and cooldown is active.
type LastClosed struct {
	TradeKey   string          `json:"trade_key"`
	Side       Side            `json:"side"`
	Entry      decimal.Decimal `json:"entry"`
	ExitReason string          `json:"exit_reason"`
	ClosedAt   time.Time       `json:"closed_at"`
}

// MarginLedger tracks per-trade borrow amounts and repay completion
// (spec.md §3 Margin ledger).
type MarginLedger struct {
	Borrowed      map[string]map[string]decimal.Decimal `json:"borrowed"` // trade_key -> asset -> amount
	Repaid        []string                              `json:"repaid"`   // trade_keys fully repaid
	ActiveTradeKey string                                `json:"active_trade_key,omitempty"`
}

// NewMarginLedger returns an empty ledger.
func NewMarginLedger() *MarginLedger {
	return &MarginLedger{Borrowed: make(map[string]map[string]decimal.Decimal)}
}

// RecordBorrow adds amount to the borrowed total for tradeKey/asset.
func (m *MarginLedger) RecordBorrow(tradeKey, asset string, amount decimal.Decimal) {
	if m.Borrowed == nil {
		m.Borrowed = make(map[string]map[string]decimal.Decimal)
	}
	if m.Borrowed[tradeKey] == nil {
		m.Borrowed[tradeKey] = make(map[string]decimal.Decimal)
	}
	m.Borrowed[tradeKey][asset] = m.Borrowed[tradeKey][asset].Add(amount)
}

// MarkRepaid appends tradeKey to the repaid list if not already present.
func (m *MarginLedger) MarkRepaid(tradeKey string) {
	for _, k := range m.Repaid {
		if k == tradeKey {
			return
		}
	}
	m.Repaid = append(m.Repaid, tradeKey)
}

// IsRepaid reports whether tradeKey has been marked repaid.
func (m *MarginLedger) IsRepaid(tradeKey string) bool {
	for _, k := range m.Repaid {
		if k == tradeKey {
			return true
		}
	}
	return false
}

// NoDebtInvariantHolds checks spec.md §3: every borrowed key must be
// repaid once its position reaches CLOSED. closedTradeKeys is the set
// of trade keys known to have reached Status CLOSED.
func (m *MarginLedger) NoDebtInvariantHolds(closedTradeKeys map[string]bool) bool {
	for tradeKey := range m.Borrowed {
		if closedTradeKeys[tradeKey] && !m.IsRepaid(tradeKey) {
			return false
		}
	}
	return true
}
