package tick

import (
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/peakrunner/internal/exchange"
	"github.com/web3guy0/peakrunner/internal/position"
)

// detectTP1Fill polls the TP1 order (throttled by NextTP1PollAt) and,
// on observing FILLED, unconditionally records the fact and starts
// the break-even transition as a separate state machine (spec.md
// §4.10: "the TP1 detection must not be retried — it is a fact — but
// the stop replacement can legitimately fail").
func (t *Tick) detectTP1Fill(now time.Time) {
	p := t.State.Position
	if now.Before(p.NextTP1PollAt) {
		return
	}
	p.NextTP1PollAt = now.Add(time.Duration(t.Cfg.PollSec) * time.Second)

	report, err := t.Adapter.Status(p.TP1ID)
	if err != nil {
		log.Warn().Err(err).Str("trade_key", p.TradeKey).Msg("tick: tp1 status poll failed")
		return
	}
	p.Observe(position.OrderTP1, string(report.Status), report.ExecutedQty, now)

	if report.Status != exchange.StatusFilled {
		return
	}

	p.TP1Done = true
	t.logEvent("TP1_DONE", map[string]any{"trade_key": p.TradeKey, "qty": p.Qty1.String()})

	p.TP1BEPending = true
	p.TP1BEOldSL = p.SLID
}

// maintainBreakEven advances the break-even transition: cancel the
// old stop, place a new stop at entry, update the position's sl price,
// and schedule an immediate (unthrottled) status check of the new
// stop so invariants observe consistent state right away (spec.md
// §4.10).
func (t *Tick) maintainBreakEven(now time.Time) {
	p := t.State.Position
	if now.Before(p.TP1BE.NextAttemptAt) {
		return
	}
	if !p.TP1BE.Attempt(t.Cfg.TP1BEMaxAttempts, time.Duration(t.Cfg.TP1BECooldownSec)*time.Second, now) {
		p.TP1BE.NextAttemptAt = now.Add(time.Duration(t.Cfg.TP1BECooldownSec) * time.Second)
		t.logEvent("BE_RETRY_CAPPED", map[string]any{"trade_key": p.TradeKey, "attempts": p.TP1BE.Attempts})
		return
	}

	newID, _, err := t.cancelVerifyReplace(p.TP1BEOldSL, func() (string, error) {
		clientID := p.TradeKey + "-be-" + now.UTC().Format("150405")
		return t.Adapter.PlaceLimit(exitSideFor(p.Side), remainderAfterTP1(p), p.Entry, clientID, t.marginAutoBorrow())
	})
	if err != nil {
		p.TP1BE.LastError = err.Error()
		p.TP1BE.NextAttemptAt = now.Add(10 * time.Second)
		log.Warn().Err(err).Str("trade_key", p.TradeKey).Msg("tick: break-even replace failed, will retry")
		return
	}

	p.SLPrevID = p.TP1BEOldSL
	p.SLID = newID
	p.SL = p.Entry
	p.TP1BEPending = false
	p.TP1BE = position.WatchdogState{}
	p.NextSLPollAt = now // immediate status check, no throttle delay

	t.logEvent("BE_PLACED", map[string]any{"trade_key": p.TradeKey, "new_sl_id": newID, "price": priceOrZero(p.Entry)})
}

// remainderAfterTP1 is the quantity the new break-even stop must
// cover: qty2 plus qty3, since TP1's leg has already exited.
func remainderAfterTP1(p *position.Position) decimal.Decimal {
	return p.Qty2.Add(p.Qty3)
}
