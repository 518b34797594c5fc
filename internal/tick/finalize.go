package tick

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/web3guy0/peakrunner/internal/position"
)

// finalize closes the live position: repays margin, records the trade
// report, clears the position to nil, starts cooldown, and persists.
// Stop filled, exchange-empty manual close, market-fallback finalize
// and failsafe flatten all funnel through it; Reconcile's
// clear-by-exchange path and emergency shutdown clear the position
// themselves and record no trade report.
func (t *Tick) finalize(now time.Time, exitReason, message string) {
	p := t.State.Position

	if t.Margin != nil {
		if err := t.Margin.AfterPositionClosed(p.TradeKey); err != nil {
			t.Notifier.Notify("MARGIN_REPAY_FAILED", err.Error())
		}
	}

	if t.Reports != nil {
		// Realized P/L in quote-asset terms would require tracking each
		// leg's actual average fill price, which the position model
		// does not carry; the report records the trade shape and
		// leaves P/L enrichment to downstream reporting tooling.
		t.Reports.Record(t.Cfg.Symbol, p, exitReason, decimal.Zero, now)
	}

	t.State.LastClosed = &position.LastClosed{
		TradeKey:   p.TradeKey,
		Side:       p.Side,
		Entry:      p.Entry,
		ExitReason: exitReason,
		ClosedAt:   now,
	}
	t.State.CooldownUntil = now.Add(time.Duration(t.Cfg.CooldownSec) * time.Second)
	t.State.Position = nil

	t.logEvent("POSITION_CLOSED", map[string]any{"trade_key": p.TradeKey, "reason": exitReason, "message": message})
	t.Notifier.Notify("POSITION_CLOSED", p.TradeKey+": "+message)

	t.persist()
}
