package tick

import (
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/web3guy0/peakrunner/internal/decimalstep"
	"github.com/web3guy0/peakrunner/internal/position"
)

// validateExitPlan checks the invariants spec.md §3/§8 require before
// any exit leg is placed: the three legs must sum exactly to the total
// and the price hierarchy must hold for the position's side.
func validateExitPlan(p *position.Position) error {
	if !p.QuantityInvariantHolds() {
		return fmt.Errorf("tick: qty1+qty2+qty3 != qty_total for %s", p.TradeKey)
	}
	if !p.PriceHierarchyHolds() {
		return fmt.Errorf("tick: exit price hierarchy violated for %s (sl=%s entry=%s tp1=%s tp2=%s)",
			p.TradeKey, p.SL, p.Entry, p.TP1, p.TP2)
	}
	return nil
}

// placeExitsWithFailsafe splits the filled quantity into three legs,
// places SL/TP1/TP2, and retries on placement failure every
// EXITS_RETRY_EVERY_SEC up to FAILSAFE_EXITS_MAX_TRIES (spec.md §4.12).
// On exhaustion it flattens the position at MARKET if FAILSAFE_FLATTEN
// is set, otherwise it halts with an alert and leaves the naked
// position for an operator to handle by hand.
func (t *Tick) placeExitsWithFailsafe(p *position.Position, now time.Time) {
	minQtyUnits := int64(0)
	if t.Cfg.QtyStep.IsPositive() {
		minQtyUnits = t.Cfg.MinQty.Div(t.Cfg.QtyStep).Ceil().IntPart()
	}
	legs := decimalstep.SplitThreeLegs(p.QtyTotal, t.Cfg.QtyStep, minQtyUnits)
	p.Qty1, p.Qty2, p.Qty3, p.Degraded = legs.Qty1, legs.Qty2, legs.Qty3, legs.Degraded
	if p.Degraded {
		t.logEvent("EXIT_SPLIT_DEGRADED", map[string]any{"trade_key": p.TradeKey, "qty1": p.Qty1.String(), "qty2": p.Qty2.String()})
	}

	if err := validateExitPlan(p); err != nil {
		log.Error().Err(err).Msg("tick: refusing to place exits, plan invalid")
		t.Notifier.Notify("EXIT_PLAN_INVALID", err.Error())
		return
	}

	retryEvery := time.Duration(t.Cfg.ExitsRetryEverySec) * time.Second
	var lastErr error
	for attempt := 1; attempt <= t.Cfg.FailsafeExitsMaxTries; attempt++ {
		if lastErr = t.placeExitLegs(p); lastErr == nil {
			t.logEvent("EXITS_PLACED", map[string]any{"trade_key": p.TradeKey, "sl": priceOrZero(p.SL), "tp1": priceOrZero(p.TP1), "tp2": priceOrZero(p.TP2)})
			return
		}
		log.Warn().Err(lastErr).Int("attempt", attempt).Str("trade_key", p.TradeKey).Msg("tick: exit leg placement failed, retrying")
		if attempt < t.Cfg.FailsafeExitsMaxTries {
			time.Sleep(retryEvery)
		}
	}

	t.logEvent("EXITS_FAILSAFE_EXHAUSTED", map[string]any{"trade_key": p.TradeKey, "error": lastErr.Error()})
	if t.Cfg.FailsafeFlatten {
		t.flattenAtMarket(p, now, "EXITS_PLACEMENT_FAILED")
		return
	}
	t.Notifier.Notify("EXITS_PLACEMENT_HALTED", p.TradeKey+": exit legs could not be placed, position left open for operator")
}

// placeExitLegs cancels nothing (first placement, not a replace) and
// places each leg that isn't already tracked, so a retry after a
// partial failure only fills in the missing orders.
func (t *Tick) placeExitLegs(p *position.Position) error {
	side := exitSideFor(p.Side)

	if p.SLID == "" {
		id, err := t.Adapter.PlaceLimit(side, p.QtyTotal, p.SL, p.TradeKey+"-sl", t.marginAutoBorrow())
		if err != nil {
			return fmt.Errorf("tick: place SL: %w", err)
		}
		p.SLID = id
	}
	if p.TP1ID == "" && !p.Qty1.IsZero() {
		id, err := t.Adapter.PlaceLimit(side, p.Qty1, p.TP1, p.TradeKey+"-tp1", t.marginAutoBorrow())
		if err != nil {
			return fmt.Errorf("tick: place TP1: %w", err)
		}
		p.TP1ID = id
	}
	if p.TP2ID == "" && !p.Qty2.Add(p.Qty3).IsZero() {
		id, err := t.Adapter.PlaceLimit(side, p.Qty2.Add(p.Qty3), p.TP2, p.TradeKey+"-tp2", t.marginAutoBorrow())
		if err != nil {
			return fmt.Errorf("tick: place TP2: %w", err)
		}
		p.TP2ID = id
	}
	return nil
}

// flattenAtMarket is the failsafe path: cancel whatever exit legs
// landed and close the entire remaining quantity at MARKET, then
// finalize with the given reason.
func (t *Tick) flattenAtMarket(p *position.Position, now time.Time, reason string) {
	for _, id := range []string{p.SLID, p.TP1ID, p.TP2ID} {
		if id == "" {
			continue
		}
		if err := t.Adapter.Cancel(id); err != nil {
			log.Warn().Err(err).Str("order_id", id).Msg("tick: flatten cancel failed")
		}
	}

	// This failsafe only runs right after an entry fill, before any exit
	// leg could have filled, so the full total is still outstanding.
	clientID := p.TradeKey + "-flatten-" + now.UTC().Format("150405")
	if _, err := t.Adapter.PlaceMarket(exitSideFor(p.Side), p.QtyTotal, clientID, t.marginAutoBorrow()); err != nil {
		log.Error().Err(err).Str("trade_key", p.TradeKey).Msg("tick: flatten market order failed")
		t.Notifier.Notify("FLATTEN_FAILED", p.TradeKey+": "+err.Error())
		return
	}

	p.SLDone = true
	t.finalize(now, reason, "failsafe flatten at market")
}
