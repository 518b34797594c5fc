package tick

import (
	"time"

	"github.com/rs/zerolog/log"

	"github.com/web3guy0/peakrunner/internal/exchange"
	"github.com/web3guy0/peakrunner/internal/position"
)

// Reconcile implements spec.md §4.13: attach to whatever the exchange
// actually shows for the current position's tracked orders. This is
// event-triggered only — called from Boot() on restart (the
// emergency-shutdown path in emergency.go polls the tracked orders
// itself) — and must never run on the periodic
// Run()/advancePosition() cadence: polling every order status on every
// tick would blow through the exchange's rate limit for no benefit
// once the planner and watchdogs already cover steady-state drift.
func (t *Tick) Reconcile(now time.Time, trigger string) {
	p := t.State.Position
	if p == nil {
		return
	}

	open, err := t.Adapter.OpenOrders()
	if err != nil {
		log.Warn().Err(err).Str("trigger", trigger).Msg("tick: reconcile open orders fetch failed")
		return
	}
	openByID := make(map[string]exchange.OrderStatusReport, len(open))
	for _, o := range open {
		openByID[o.OrderID] = o
	}

	anyLive := false
	for _, key := range []position.OrderKey{position.OrderSL, position.OrderTP1, position.OrderTP2} {
		id := orderIDForKey(p, key)
		if id == "" {
			continue
		}
		if report, live := openByID[id]; live {
			p.Observe(key, string(report.Status), report.ExecutedQty, now)
			anyLive = true
			continue
		}
		report, err := t.Adapter.Status(id)
		if err != nil {
			log.Warn().Err(err).Str("order_id", id).Msg("tick: reconcile status poll failed")
			continue
		}
		p.Observe(key, string(report.Status), report.ExecutedQty, now)
		if !report.Status.IsTerminal() {
			anyLive = true
		}
	}

	var debt []exchange.DebtSnapshot
	if t.Cfg.TradeMode == "margin" {
		debt, err = t.Adapter.DebtSnapshot()
		if err != nil {
			log.Warn().Err(err).Msg("tick: reconcile debt snapshot failed")
		}
	}
	hasDebt := false
	for _, d := range debt {
		if d.Debt.IsPositive() {
			hasDebt = true
			break
		}
	}

	if !anyLive && len(open) == 0 && !hasDebt {
		t.logEvent("POSITION_CLEARED_BY_EXCHANGE", map[string]any{"trade_key": p.TradeKey, "trigger": trigger})
		t.State.LastClosed = &position.LastClosed{
			TradeKey:   p.TradeKey,
			Side:       p.Side,
			Entry:      p.Entry,
			ExitReason: "MANUAL_CLOSE",
			ClosedAt:   now,
		}
		t.State.CooldownUntil = now.Add(time.Duration(t.Cfg.CooldownSec) * time.Second)
		t.State.Position = nil
		t.persist()
	}
}
