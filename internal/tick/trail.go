package tick

import (
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/peakrunner/internal/exchange"
	"github.com/web3guy0/peakrunner/internal/position"
	"github.com/web3guy0/peakrunner/internal/trailing"
)

// detectTP2Fill polls the TP2 order (throttled by NextTP2PollAt) and,
// on FILLED, records the fact and activates trailing on the remaining
// qty3 leg — unless the position degraded to a 50/50/0 split, in which
// case qty3 is zero and trailing must not activate (spec.md §9 Open
// Question: degraded positions carry Legs.Degraded precisely so this
// check can forbid trailing rather than activate it on a zero stop
// quantity).
func (t *Tick) detectTP2Fill(now time.Time) {
	p := t.State.Position
	if now.Before(p.NextTP2PollAt) {
		return
	}
	p.NextTP2PollAt = now.Add(time.Duration(t.Cfg.PollSec) * time.Second)

	report, err := t.Adapter.Status(p.TP2ID)
	if err != nil {
		log.Warn().Err(err).Str("trade_key", p.TradeKey).Msg("tick: tp2 status poll failed")
		return
	}
	p.Observe(position.OrderTP2, string(report.Status), report.ExecutedQty, now)

	if report.Status != exchange.StatusFilled {
		return
	}

	p.TP2Done = true
	t.logEvent("TP2_DONE", map[string]any{"trade_key": p.TradeKey, "qty": p.Qty2.String()})

	if p.Degraded || p.Qty3.IsZero() {
		t.logEvent("TRAIL_SKIPPED_DEGRADED", map[string]any{"trade_key": p.TradeKey, "reason": "degraded split leaves no qty3 to trail"})
		return
	}

	p.TrailActive = true
	t.logEvent("TRAIL_ACTIVATED", map[string]any{"trade_key": p.TradeKey, "qty": p.Qty3.String()})
}

// maintainTrailing asks the swing engine for a desired stop every
// TRAIL_UPDATE_EVERY_SEC and, if the move is favorable by at least
// TRAIL_STEP_USD, cancels and replaces the stop through the same
// cancel-first sequence the watchdogs use (spec.md §4.10).
func (t *Tick) maintainTrailing(now time.Time) {
	p := t.State.Position
	if now.Before(p.NextTrailAt) {
		return
	}
	p.NextTrailAt = now.Add(time.Duration(t.Cfg.TrailUpdateEverySec) * time.Second)

	bars, err := trailing.ReadBars(t.Cfg.BarCSVPath, t.Cfg.TrailSwingLookback)
	if err != nil {
		log.Error().Err(err).Msg("tick: trailing bar feed schema mismatch, disabling trail this tick")
		return
	}
	if bars == nil {
		return // fail-closed: missing/empty feed, skip this cycle
	}

	desired, ok := trailing.SwingStop(bars, p.Side, t.Cfg.TrailSwingLookback, t.Cfg.TrailSwingLR, t.Cfg.TrailSwingBufferUSD)
	if !ok {
		return
	}

	favorable := desired.Sub(p.SL)
	if p.Side == position.Short {
		favorable = p.SL.Sub(desired)
	}
	if favorable.LessThan(t.Cfg.TrailStepUSD) {
		return
	}
	if !trailing.ConfirmByClose(bars, p.Side, p.SL, t.Cfg.TrailConfirmBufferUSD) {
		return
	}

	qty := remainderAfterTP1(p)
	newID, rebalanceQty, err := t.cancelVerifyReplace(p.SLID, func() (string, error) {
		clientID := p.TradeKey + "-trail-" + now.UTC().Format("150405")
		return t.Adapter.PlaceLimit(exitSideFor(p.Side), qty, desired, clientID, t.marginAutoBorrow())
	})
	if err != nil {
		log.Warn().Err(err).Str("trade_key", p.TradeKey).Msg("tick: trailing stop replace failed")
		return
	}

	p.SLPrevID = p.SLID
	p.SLID = newID
	p.SL = desired
	t.logEvent("TRAIL_UPDATED", map[string]any{"trade_key": p.TradeKey, "new_sl": priceOrZero(desired), "new_order_id": newID})

	if rebalanceQty.GreaterThan(decimal.Zero) {
		rebalanceSide := oppositeSide(exitSideFor(p.Side))
		clientID := p.TradeKey + "-rebalance-" + now.UTC().Format("150405")
		if _, err := t.Adapter.PlaceMarket(rebalanceSide, rebalanceQty, clientID, false); err != nil {
			log.Warn().Err(err).Msg("tick: rebalance market order failed")
		}
		t.logEvent("DOUBLE_FILL_REBALANCE", map[string]any{"trade_key": p.TradeKey, "qty": rebalanceQty.String()})
	}
}
