package tick

import (
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/peakrunner/internal/alert"
	"github.com/web3guy0/peakrunner/internal/anomaly"
	"github.com/web3guy0/peakrunner/internal/config"
	"github.com/web3guy0/peakrunner/internal/dedup"
	"github.com/web3guy0/peakrunner/internal/exchange"
	"github.com/web3guy0/peakrunner/internal/margin"
	"github.com/web3guy0/peakrunner/internal/planner"
	"github.com/web3guy0/peakrunner/internal/position"
	"github.com/web3guy0/peakrunner/internal/reports"
	"github.com/web3guy0/peakrunner/internal/signalsrc"
	"github.com/web3guy0/peakrunner/internal/snapshot"
	"github.com/web3guy0/peakrunner/internal/statestore"
	"github.com/web3guy0/peakrunner/internal/eventlog"
)

// Deps bundles every collaborator Tick needs, assembled once at
// startup by cmd/peakrunner/main.go.
type Deps struct {
	Cfg           *config.Config
	Adapter       exchange.Adapter
	Store         *statestore.Store
	DetectorStore *statestore.Store
	Events        *eventlog.Log
	Notifier      alert.Notifier
	Reports       *reports.Store // nil disables trade-report persistence
	OpenOrders    *snapshot.OpenOrders
	Mid           *snapshot.MidPrice
	Margin        *margin.Coordinator
	Signals       *signalsrc.Source
	UserStream    *exchange.UserStream // optional websocket accelerant; nil is fine
}

// Tick owns the mutable State and an immutable borrow of its
// collaborators (spec.md §9: "encode the tick as a method on a Tick
// value that owns a mutable borrow of State and an immutable borrow
// of Config and ExchangeAdapter").
type Tick struct {
	Deps

	State        *State
	DetectorMeta *DetectorMeta

	detectorThrottle *anomaly.Throttle
	rateLimits       *anomaly.RateLimitTracker
}

// New builds a Tick with fresh in-memory State; callers should
// immediately call Boot to load persisted state and run startup
// reconciliation.
func New(deps Deps) *Tick {
	return &Tick{
		Deps:             deps,
		State:            NewState(),
		DetectorMeta:     &DetectorMeta{},
		detectorThrottle: anomaly.NewThrottle(time.Duration(deps.Cfg.InvarThrottleSec) * time.Second),
		rateLimits:       anomaly.NewRateLimitTracker(3),
	}
}

// Boot loads persisted state and detector metadata, rehydrates the
// dedup set, and runs the one-time attach reconciliation (spec.md
// §4.13: "Called on boot").
func (t *Tick) Boot(now time.Time) {
	if err := t.Store.Load(t.State); err != nil {
		log.Fatal().Err(err).Msg("tick: boot: malformed state file")
	}
	if t.State.MarginLedger == nil {
		t.State.MarginLedger = position.NewMarginLedger()
	}
	fp := dedup.Fingerprint("peak-v1", t.Cfg.DedupPriceDecimals, t.Cfg.StrictSource)
	if t.State.SeenKeys == nil {
		t.State.SeenKeys = dedup.NewSet(t.Cfg.SeenKeysMax, fp)
	} else {
		t.State.SeenKeys.Rehydrate(t.Cfg.SeenKeysMax, fp)
	}

	if err := t.DetectorStore.Load(t.DetectorMeta); err != nil {
		log.Fatal().Err(err).Msg("tick: boot: malformed detector metadata file")
	}

	if t.State.Position != nil {
		t.Reconcile(now, "boot")
	}
}

// Run advances the process by one tick: sleep-mode / emergency-flag
// handling first, then either the entry flow (no live position) or
// one step of the open-position state machine.
func (t *Tick) Run(now time.Time) {
	if t.checkWakeFlag(now) {
		return
	}
	if t.State.Sleeping {
		return
	}
	if t.checkEmergencyFlag(now) {
		return
	}

	t.runDetectors(now)

	if t.State.Position == nil {
		t.tryEntry(now)
		return
	}

	t.advancePosition(now)
}

// advancePosition runs one step of the open-position state machine
// (spec.md §4.10): finalization-first, then orphan cleanup, break-even
// maintenance, planner-driven watchdog actions, TP fill detection, and
// trailing maintenance, each gated by its own throttle timestamp.
func (t *Tick) advancePosition(now time.Time) {
	p := t.State.Position

	t.drainUserStream(now)

	if t.finalizationCheck(now) {
		return
	}

	t.maintainCleanup(now)

	if p.TP1BEPending {
		t.maintainBreakEven(now)
	}

	t.runPlanner(now)

	// runPlanner can finalize the position mid-tick (ActionFinalize, or
	// a market-fallback action that routes through
	// cancelVerifyReplaceMarketStop's own call to finalize). The local
	// p above is now stale, so every check after this point must go
	// through a freshly re-fetched position rather than trusting it.
	p = t.State.Position
	if p == nil {
		return
	}

	if p.Status == position.StatusOpenFilled && !p.TP1Done && p.TP1ID != "" {
		t.detectTP1Fill(now)
	}
	if p.Status == position.StatusOpenFilled && p.TP1Done && !p.TP2Done && p.TP2ID != "" {
		t.detectTP2Fill(now)
	}

	if p.TrailActive {
		t.maintainTrailing(now)
	}

	t.persist()
}

// finalizationCheck implements spec.md §4.10's finalization-first
// ordering discipline: it must run before any watchdog or trailing
// logic, and on either condition the tick finalizes and returns
// before doing anything else this tick. The SL status poll and the
// exchange-empty reconciliation sweep are each gated by their own
// next-allowed timestamp (NextSLPollAt, NextReconcileAt) so they don't
// add an unthrottled poll on top of the planner's every single tick.
func (t *Tick) finalizationCheck(now time.Time) bool {
	p := t.State.Position

	if p.SLDone {
		t.finalize(now, "SL", "stop-loss confirmed filled")
		return true
	}

	if !now.Before(p.NextSLPollAt) {
		p.NextSLPollAt = now.Add(time.Duration(t.Cfg.PollSec) * time.Second)
		slReport, slErr := t.Adapter.Status(p.SLID)
		t.recordEndpointResult("order_status", slErr)
		if slErr == nil && slReport.Status == exchange.StatusFilled {
			p.SLDone = true
			t.finalize(now, "SL", "stop-loss order observed filled")
			return true
		}
	}

	if !now.Before(p.NextReconcileAt) {
		p.NextReconcileAt = now.Add(time.Duration(t.Cfg.SLReconFreshSec) * time.Second)
		if t.exchangeIsEmpty(now) {
			t.finalize(now, "MANUAL_CLOSE", "exchange shows no position and no open orders")
			return true
		}
	}

	return false
}

// maintainCleanup implements spec.md §4.10's cleanup retry: once a
// stop is replaced, the superseded order id is parked in sl_prev_id as
// an orphan slot (the cancel inside cancelVerifyReplace already
// verified it once, but a retry here catches anything that slipped
// back to live, e.g. an exchange-side cancel-reject). Re-verifies the
// orphan's status and cancels it outright if still live, clearing the
// slot once terminal. Throttled by CLOSE_CLEANUP_RETRY_SEC.
func (t *Tick) maintainCleanup(now time.Time) {
	p := t.State.Position
	if p.SLPrevID == "" {
		return
	}
	if now.Before(p.NextCleanupAt) {
		return
	}
	p.NextCleanupAt = now.Add(time.Duration(t.Cfg.CloseCleanupRetrySec) * time.Second)

	report, err := t.Adapter.Status(p.SLPrevID)
	t.recordEndpointResult("order_status", err)
	if err != nil {
		log.Warn().Err(err).Str("order_id", p.SLPrevID).Msg("tick: orphan cleanup status poll failed")
		return
	}
	if report.Status.IsTerminal() {
		p.SLPrevID = ""
		return
	}

	if err := t.Adapter.Cancel(p.SLPrevID); err != nil {
		log.Warn().Err(err).Str("order_id", p.SLPrevID).Msg("tick: orphan cleanup cancel failed, will retry")
		return
	}
	t.logEvent("ORPHAN_ORDER_CANCELED", map[string]any{"trade_key": p.TradeKey, "order_id": p.SLPrevID})
	p.SLPrevID = ""
}

// exchangeIsEmpty reports whether none of the position's tracked
// order ids are live on the exchange (spec.md §4.10, §4.13
// exchange-empty condition): every tracked id is absent from the
// open-orders snapshot and, when polled directly, reports a terminal
// or missing status.
func (t *Tick) exchangeIsEmpty(now time.Time) bool {
	p := t.State.Position
	open, err := t.OpenOrders.Get(now)
	if err != nil {
		return false
	}
	tracked := trackedOrderIDs(p)
	if len(tracked) == 0 {
		return false
	}
	for _, id := range tracked {
		for _, o := range open {
			if o.OrderID == id {
				return false
			}
		}
	}
	for _, id := range tracked {
		report, err := t.Adapter.Status(id)
		t.recordEndpointResult("order_status", err)
		if err != nil || !report.Status.IsTerminal() {
			return false
		}
	}
	return true
}

// drainUserStream opportunistically folds any pending websocket
// order-update pushes into the position's observation cache so the
// next planner pass and watchdog poll see fresher data without
// spending a REST call. It never blocks: the REST-poll path remains
// the source of truth whether or not a stream is connected (spec.md
// §9).
func (t *Tick) drainUserStream(now time.Time) {
	if t.UserStream == nil {
		return
	}
	p := t.State.Position
	for {
		select {
		case update := <-t.UserStream.Updates():
			key := observationKeyForOrderID(p, update.OrderID)
			if key == "" {
				continue
			}
			p.Observe(key, string(update.Status), update.ExecutedQty, now)
		default:
			return
		}
	}
}

func observationKeyForOrderID(p *position.Position, orderID string) position.OrderKey {
	switch orderID {
	case p.SLID:
		return position.OrderSL
	case p.TP1ID:
		return position.OrderTP1
	case p.TP2ID:
		return position.OrderTP2
	case p.EntryID:
		return position.OrderEntry
	}
	return ""
}

func trackedOrderIDs(p *position.Position) []string {
	var ids []string
	if p.SLID != "" {
		ids = append(ids, p.SLID)
	}
	if !p.TP1Done && p.TP1ID != "" {
		ids = append(ids, p.TP1ID)
	}
	if !p.TP2Done && p.TP2ID != "" {
		ids = append(ids, p.TP2ID)
	}
	return ids
}

// runPlanner evaluates the pure exit-safety planner and executes the
// resulting plan (spec.md §4.9, §4.10: "Watchdog plan computation
// (pure) strictly precedes plan execution").
func (t *Tick) runPlanner(now time.Time) {
	p := t.State.Position

	open, err := t.OpenOrders.Get(now)
	t.recordEndpointResult("open_orders", err)
	if err != nil {
		log.Warn().Err(err).Msg("tick: open orders refresh failed, skipping planner pass")
		return
	}
	mid, err := t.Mid.Get(now)
	t.recordEndpointResult("mid_price", err)
	if err != nil {
		log.Warn().Err(err).Msg("tick: mid price refresh failed, skipping planner pass")
		return
	}

	lastKnown := observationsToReports(p)
	view := planner.ViewOf(p)
	plan := planner.Evaluate(view, open, lastKnown, mid, now, p.SLWatchdog.NextAttemptAt, planner.Config{SLWatchdogGraceSec: t.Cfg.SLWatchdogGraceSec})

	for _, evt := range plan.Events {
		t.setEventFlag(evt.SetFlag)
		t.logEvent(evt.Action, map[string]any{"trade_key": p.TradeKey, "message": evt.Message})
	}
	for _, action := range plan.Actions {
		t.executeAction(action, now)
	}
}

func (t *Tick) setEventFlag(flag string) {
	p := t.State.Position
	switch flag {
	case "WDSLPartialLogged":
		p.WDSLPartialLogged = true
	case "WDSLSlippageLogged":
		p.WDSLSlippageLogged = true
	case "WDTP1MissingLogged":
		p.WDTP1MissingLogged = true
	case "WDTP2MissingLogged":
		p.WDTP2MissingLogged = true
	}
}

func observationsToReports(p *position.Position) map[string]exchange.OrderStatusReport {
	out := make(map[string]exchange.OrderStatusReport, len(p.Observations))
	for key, obs := range p.Observations {
		id := orderIDForKey(p, key)
		if id == "" {
			continue
		}
		out[id] = exchange.OrderStatusReport{OrderID: id, Status: exchange.OrderStatus(obs.Status), ExecutedQty: obs.ExecutedQty, ObservedAt: obs.ObservedAt}
	}
	return out
}

func orderIDForKey(p *position.Position, key position.OrderKey) string {
	switch key {
	case position.OrderSL:
		return p.SLID
	case position.OrderTP1:
		return p.TP1ID
	case position.OrderTP2:
		return p.TP2ID
	case position.OrderSLPrev:
		return p.SLPrevID
	}
	return ""
}

// executeAction dispatches one planner action. Actions are executed
// impurely here; the planner itself never touches the adapter.
func (t *Tick) executeAction(a planner.Action, now time.Time) {
	p := t.State.Position
	switch a.Kind {
	case planner.ActionFinalize:
		p.SLDone = true
		t.finalize(now, "SL", a.Reason)

	case planner.ActionCancelOrder:
		if err := t.Adapter.Cancel(a.OrderID); err != nil {
			log.Warn().Err(err).Str("order_id", a.OrderID).Msg("tick: cancel failed")
		}

	case planner.ActionMarketCloseQty:
		clientID := p.TradeKey + "-flatten-" + now.UTC().Format("150405")
		if _, err := t.Adapter.PlaceMarket(a.Side, a.Qty, clientID, t.Margin != nil && t.marginAutoBorrow()); err != nil {
			log.Warn().Err(err).Msg("tick: market close failed")
		}

	case planner.ActionMoveStopToBreakeven:
		p.TP1BEPending = true
		p.TP1BEOldSL = p.SLID

	case planner.ActionActivateSyntheticTrailing:
		p.TrailActive = true
		p.TP2Synthetic = true
		t.logEvent("TRAIL_ACTIVATED", map[string]any{"trade_key": p.TradeKey, "qty": a.Qty.String(), "synthetic": true})

	case planner.ActionPlaceStopMarketFallback:
		t.cancelVerifyReplaceMarketStop(now, a.Qty, a.Side, a.Reason)

	case planner.ActionRebalanceMarket:
		clientID := p.TradeKey + "-rebalance-" + now.UTC().Format("150405")
		if _, err := t.Adapter.PlaceMarket(a.Side, a.Qty, clientID, false); err != nil {
			log.Warn().Err(err).Msg("tick: rebalance market order failed")
		}
		t.logEvent("DOUBLE_FILL_REBALANCE", map[string]any{"trade_key": p.TradeKey, "qty": a.Qty.String()})
	}
}

func (t *Tick) marginAutoBorrow() bool {
	return t.Cfg.TradeMode == "margin" && t.Cfg.MarginBorrowMode == "auto"
}

// persist writes State to disk and alerts once on failure rather than
// halting (spec.md §4.2, §4.14, §7): an in-flight transition must not
// stop just because the disk write failed.
func (t *Tick) persist() {
	if ok := t.Store.Save(t.State); !ok {
		t.Notifier.Notify("STATE_SAVE_FAILED", "state persist failed; consider emergency shutdown if this repeats")
	}
}

func (t *Tick) persistDetectorMeta() {
	t.DetectorStore.Save(t.DetectorMeta)
}

// logEvent appends to the output event log and mirrors the same
// fields through zerolog at the call site (spec.md SPEC_FULL.md
// ambient stack: every structured event is also logged via zerolog).
func (t *Tick) logEvent(action string, ctx map[string]any) {
	t.Events.Append(action, "executor", time.Now().UTC(), ctx)
	evt := log.Info()
	for k, v := range ctx {
		evt = evt.Interface(k, v)
	}
	evt.Str("action", action).Msg("tick: event")
}

// priceOrZero is a small guard used by callers that format an
// optional decimal for logging.
func priceOrZero(d decimal.Decimal) string {
	if d.IsZero() {
		return "0"
	}
	return d.String()
}
