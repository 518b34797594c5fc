package tick

import (
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/peakrunner/internal/exchange"
	"github.com/web3guy0/peakrunner/internal/position"
)

// cancelVerifyReplace implements the authoritative §4.10 cancel-first
// sequence: record executed-before-cancel, cancel, verify the cancel
// landed on an acceptable terminal status, place the replacement, then
// post-market-verify the old order for a race-fill and report any
// rebalance quantity needed to flatten the resulting extra exposure.
//
// placeReplacement is called only after the cancel has verified;
// callers pass a closure so this function stays order-type agnostic
// (stop-market fallback, break-even stop, trailing stop all share it).
func (t *Tick) cancelVerifyReplace(oldOrderID string, placeReplacement func() (newOrderID string, err error)) (newOrderID string, rebalanceQty decimal.Decimal, err error) {
	before, statusErr := t.Adapter.Status(oldOrderID)
	if statusErr != nil {
		return "", decimal.Zero, fmt.Errorf("tick: status before cancel: %w", statusErr)
	}
	executedBeforeCancel := before.ExecutedQty

	if before.Status == exchange.StatusFilled {
		// The old order already succeeded; finalization-first handles
		// this on the next check. Abort the transition.
		return "", decimal.Zero, fmt.Errorf("tick: old order %s already filled, aborting replace", oldOrderID)
	}

	if err := t.Adapter.Cancel(oldOrderID); err != nil {
		return "", decimal.Zero, fmt.Errorf("tick: cancel %s: %w", oldOrderID, err)
	}

	verify, err := t.Adapter.Status(oldOrderID)
	if err != nil {
		return "", decimal.Zero, fmt.Errorf("tick: verify cancel %s: %w", oldOrderID, err)
	}
	switch verify.Status {
	case exchange.StatusCanceled, exchange.StatusRejected, exchange.StatusExpired, exchange.StatusMissing:
		// acceptable terminal statuses, proceed.
	case exchange.StatusFilled:
		return "", decimal.Zero, fmt.Errorf("tick: %s filled during cancel, aborting replace", oldOrderID)
	default:
		return "", decimal.Zero, fmt.Errorf("tick: %s still live after cancel (status %s)", oldOrderID, verify.Status)
	}

	newOrderID, err = placeReplacement()
	if err != nil {
		return "", decimal.Zero, fmt.Errorf("tick: place replacement for %s: %w", oldOrderID, err)
	}

	postVerify, err := t.Adapter.Status(oldOrderID)
	if err != nil {
		log.Warn().Err(err).Str("order_id", oldOrderID).Msg("tick: post-market verify failed, proceeding without rebalance check")
		return newOrderID, decimal.Zero, nil
	}
	if postVerify.Status == exchange.StatusFilled && postVerify.ExecutedQty.GreaterThan(executedBeforeCancel) {
		rebalanceQty = postVerify.ExecutedQty.Sub(executedBeforeCancel)
	}

	return newOrderID, rebalanceQty, nil
}

// cancelVerifyReplaceMarketStop executes the watchdog's market-fallback
// action: cancel the live stop, replace it with an immediate MARKET
// close, and rebalance if the old stop race-filled.
func (t *Tick) cancelVerifyReplaceMarketStop(now time.Time, qty decimal.Decimal, side exchange.Side, reason string) {
	p := t.State.Position

	if now.Before(p.NextFallbackAt) {
		return
	}
	if !p.SLWatchdog.Attempt(5, time.Hour, now) {
		return
	}
	p.NextFallbackAt = now.Add(time.Duration(t.Cfg.SLWatchdogRetrySec) * time.Second)

	newID, rebalanceQty, err := t.cancelVerifyReplace(p.SLID, func() (string, error) {
		clientID := p.TradeKey + "-sl-fallback-" + now.UTC().Format("150405")
		return t.Adapter.PlaceMarket(side, qty, clientID, t.marginAutoBorrow())
	})
	if err != nil {
		p.SLWatchdog.LastError = err.Error()
		log.Warn().Err(err).Str("trade_key", p.TradeKey).Msg("tick: sl market fallback failed")
		return
	}

	p.SLPrevID = p.SLID
	p.SLID = newID
	p.SLDone = true
	t.logEvent("SL_MARKET_FALLBACK", map[string]any{"trade_key": p.TradeKey, "reason": reason, "new_order_id": newID})

	if rebalanceQty.GreaterThan(decimal.Zero) {
		rebalanceSide := oppositeSide(side)
		clientID := p.TradeKey + "-rebalance-" + now.UTC().Format("150405")
		if _, err := t.Adapter.PlaceMarket(rebalanceSide, rebalanceQty, clientID, false); err != nil {
			log.Warn().Err(err).Msg("tick: rebalance market order failed")
		}
		t.logEvent("DOUBLE_FILL_REBALANCE", map[string]any{"trade_key": p.TradeKey, "qty": rebalanceQty.String()})
	}

	t.finalize(now, "SL", reason)
}

func exitSideFor(side position.Side) exchange.Side {
	if side == position.Long {
		return exchange.Sell
	}
	return exchange.Buy
}

func oppositeSide(side exchange.Side) exchange.Side {
	if side == exchange.Buy {
		return exchange.Sell
	}
	return exchange.Buy
}
