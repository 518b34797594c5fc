// Package anomaly implements the read-only invariant detectors I1-I13
// (spec.md §4.8). Detectors only log events and emit alerts; they never
// mutate position state or place orders. Each alert is throttled by the
// (invariant_id, position_key) tuple so a persisting condition doesn't
// flood the event log every tick.
package anomaly

import (
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/peakrunner/internal/exchange"
	"github.com/web3guy0/peakrunner/internal/position"
)

// Finding is one detector's result for one evaluation.
type Finding struct {
	InvariantID string
	Severity    string // "WARN" or "ERROR"
	Message     string
}

// Throttle tracks the last-alerted time per (invariant_id,
// position_key) so repeated detections of the same condition don't
// re-emit every tick.
type Throttle struct {
	last map[string]time.Time
	min  time.Duration
}

// NewThrottle builds a throttle requiring minInterval between repeated
// alerts for the same key.
func NewThrottle(minInterval time.Duration) *Throttle {
	return &Throttle{last: make(map[string]time.Time), min: minInterval}
}

// Allow reports whether an alert for (invariantID, positionKey) may
// fire now, recording the attempt if so.
func (t *Throttle) Allow(invariantID, positionKey string, now time.Time) bool {
	key := invariantID + "|" + positionKey
	last, ok := t.last[key]
	if ok && now.Sub(last) < t.min {
		return false
	}
	t.last[key] = now
	return true
}

// I13State tracks the post-close debt escalation clock for I13, which
// is the one detector permitted to halt the process (spec.md §4.8,
// §7) when I13_KILL_ON_DEBT is configured.
type I13State struct {
	ClosedAt       time.Time
	FirstObservedDebtAt time.Time
}

// Config carries the detector thresholds from the flat configuration
// surface (spec.md §6).
type Config struct {
	GraceSec        int // INVAR_GRACE_SEC
	I13GraceSec     int
	I13EscalateSec  int
	I13KillOnDebt   bool
	TrailFeedStaleSec int // I6 threshold
}

// CheckI1ProtectionPresent: once OPEN_FILLED, a stop-loss order id must
// exist.
func CheckI1ProtectionPresent(p *position.Position) *Finding {
	if p.Status == position.StatusOpenFilled && p.SLID == "" {
		return &Finding{InvariantID: "I1", Severity: "ERROR", Message: fmt.Sprintf("position %s is OPEN_FILLED with no stop-loss order", p.TradeKey)}
	}
	return nil
}

// CheckI2PriceHierarchy mirrors position.PriceHierarchyHolds.
func CheckI2PriceHierarchy(p *position.Position) *Finding {
	if !p.PriceHierarchyHolds() {
		return &Finding{InvariantID: "I2", Severity: "ERROR", Message: fmt.Sprintf("position %s violates price hierarchy", p.TradeKey)}
	}
	return nil
}

// CheckI3QuantityAccounting mirrors position.QuantityInvariantHolds.
func CheckI3QuantityAccounting(p *position.Position) *Finding {
	if !p.QuantityInvariantHolds() {
		return &Finding{InvariantID: "I3", Severity: "ERROR", Message: fmt.Sprintf("position %s leg quantities do not sum to total", p.TradeKey)}
	}
	return nil
}

// CheckI5I9TrailingCoherence: if trailing is active, a stop must exist
// and its update timestamp must be advancing.
func CheckI5I9TrailingCoherence(p *position.Position, now time.Time, staleAfter time.Duration) *Finding {
	if !p.TrailActive {
		return nil
	}
	if p.SLID == "" {
		return &Finding{InvariantID: "I5", Severity: "ERROR", Message: fmt.Sprintf("position %s has trailing active with no stop order", p.TradeKey)}
	}
	if p.NextTrailAt.IsZero() {
		return nil
	}
	if now.Sub(p.NextTrailAt) > staleAfter {
		return &Finding{InvariantID: "I9", Severity: "WARN", Message: fmt.Sprintf("position %s trailing update timestamp has not advanced", p.TradeKey)}
	}
	return nil
}

// CheckI6FeedFreshness: the trailing CSV feed's most recent bar must
// not be older than staleAfter.
func CheckI6FeedFreshness(lastBarTime time.Time, now time.Time, staleAfter time.Duration) *Finding {
	if lastBarTime.IsZero() {
		return nil
	}
	if now.Sub(lastBarTime) > staleAfter {
		return &Finding{InvariantID: "I6", Severity: "WARN", Message: "trailing bar feed is stale"}
	}
	return nil
}

// CheckI7TPOrdersExist: once OPEN_FILLED and not yet done, TP1
// and TP2 order ids must exist.
func CheckI7TPOrdersExist(p *position.Position) *Finding {
	if p.Status != position.StatusOpenFilled {
		return nil
	}
	if !p.TP1Done && p.TP1ID == "" {
		return &Finding{InvariantID: "I7", Severity: "ERROR", Message: fmt.Sprintf("position %s missing TP1 order after fill", p.TradeKey)}
	}
	if !p.TP2Done && p.TP2ID == "" {
		return &Finding{InvariantID: "I7", Severity: "ERROR", Message: fmt.Sprintf("position %s missing TP2 order after fill", p.TradeKey)}
	}
	return nil
}

// RateLimitTracker counts repeated rate-limit-like errors per endpoint
// pattern for I10.
type RateLimitTracker struct {
	counts    map[string]int
	threshold int
}

// NewRateLimitTracker builds a tracker that flags once the same
// endpoint pattern has errored threshold times without a reset.
func NewRateLimitTracker(threshold int) *RateLimitTracker {
	return &RateLimitTracker{counts: make(map[string]int), threshold: threshold}
}

// Record registers one rate-limit-like error for endpoint.
func (r *RateLimitTracker) Record(endpoint string) {
	r.counts[endpoint]++
}

// Reset clears the count for endpoint (call on a subsequent success).
func (r *RateLimitTracker) Reset(endpoint string) {
	delete(r.counts, endpoint)
}

// CheckI10RateLimitPattern returns a finding if endpoint has hit the
// threshold.
func (r *RateLimitTracker) CheckI10RateLimitPattern(endpoint string) *Finding {
	if r.counts[endpoint] >= r.threshold {
		return &Finding{InvariantID: "I10", Severity: "WARN", Message: fmt.Sprintf("repeated rate-limit-like errors from %s", endpoint)}
	}
	return nil
}

// CheckI11MarginModeCoherence mirrors margin.Config.Validate's
// invariant at the detector layer, for visibility independent of
// startup validation.
func CheckI11MarginModeCoherence(tradeMode string, borrowMode string) *Finding {
	if tradeMode != "spot" && tradeMode != "margin" {
		return &Finding{InvariantID: "I11", Severity: "ERROR", Message: fmt.Sprintf("unrecognized TRADE_MODE %q", tradeMode)}
	}
	if tradeMode == "margin" && borrowMode != "auto" && borrowMode != "manual" {
		return &Finding{InvariantID: "I11", Severity: "ERROR", Message: fmt.Sprintf("unrecognized MARGIN_BORROW_MODE %q", borrowMode)}
	}
	return nil
}

// CheckI13PostCloseDebt escalates WARN to ERROR after I13EscalateSec
// have elapsed since the debt was first observed post-close, and
// reports whether the process should halt when cfg.I13KillOnDebt is
// set and escalation has occurred.
func CheckI13PostCloseDebt(debts []exchange.DebtSnapshot, state *I13State, now time.Time, cfg Config) (finding *Finding, shouldHalt bool) {
	if len(debts) == 0 {
		state.FirstObservedDebtAt = time.Time{}
		return nil, false
	}
	if state.FirstObservedDebtAt.IsZero() {
		state.FirstObservedDebtAt = now
	}
	elapsed := now.Sub(state.FirstObservedDebtAt)
	if elapsed < time.Duration(cfg.I13GraceSec)*time.Second {
		return nil, false
	}

	severity := "WARN"
	if elapsed >= time.Duration(cfg.I13EscalateSec)*time.Second {
		severity = "ERROR"
	}
	finding = &Finding{InvariantID: "I13", Severity: severity, Message: fmt.Sprintf("outstanding margin debt %d assets after position close", len(debts))}
	shouldHalt = severity == "ERROR" && cfg.I13KillOnDebt
	return finding, shouldHalt
}

// Emit logs a finding if the throttle allows it for positionKey.
func Emit(t *Throttle, positionKey string, now time.Time, finding *Finding) {
	if finding == nil {
		return
	}
	if !t.Allow(finding.InvariantID, positionKey, now) {
		return
	}
	evt := log.Warn()
	if finding.Severity == "ERROR" {
		evt = log.Error()
	}
	evt.Str("invariant", finding.InvariantID).Str("position_key", positionKey).Msg(finding.Message)
}

// DebtIsEmpty is a small convenience for call sites that only need the
// boolean form of I13's "no debt" precondition.
func DebtIsEmpty(debts []exchange.DebtSnapshot) bool {
	for _, d := range debts {
		if d.Debt.GreaterThan(decimal.Zero) {
			return false
		}
	}
	return true
}
