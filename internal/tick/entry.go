package tick

import (
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/peakrunner/internal/config"
	"github.com/web3guy0/peakrunner/internal/decimalstep"
	"github.com/web3guy0/peakrunner/internal/exchange"
	"github.com/web3guy0/peakrunner/internal/position"
	"github.com/web3guy0/peakrunner/internal/trailing"
)

// tryEntry implements spec.md §4.11: pop the freshest unseen signal,
// size and place the entry, and on fill place the three exit legs. The
// single-position guard (cooldown/lock) is checked first so a new
// signal is ignored entirely while either deadline is open.
func (t *Tick) tryEntry(now time.Time) {
	if now.Before(t.State.CooldownUntil) || now.Before(t.State.LockUntil) {
		return
	}

	sig, key, ok := t.Signals.Latest(t.State.SeenKeys, now)
	if !ok {
		return
	}
	// Mark seen immediately: dedup must be idempotent even if the
	// entry attempt below fails (spec.md §8, "replaying the last N
	// signal lines does not open additional positions").
	t.State.SeenKeys.Add(key)

	tradeKey := fmt.Sprintf("%s-%d", sig.Side(), sig.Ts.Unix())
	side := sig.Side()

	entryPrice := directionalEntryPrice(side, sig.Price, t.Cfg.EntryOffsetUSD, t.Cfg.TickSize)

	qtyTotal := decimalstep.FloorToStep(t.Cfg.QtyUSD.Div(entryPrice), t.Cfg.QtyStep)
	if qtyTotal.LessThan(t.Cfg.MinQty) {
		t.logEvent("ENTRY_REJECTED", map[string]any{"trade_key": tradeKey, "reason": "qty below MIN_QTY"})
		return
	}
	if qtyTotal.Mul(entryPrice).LessThan(t.Cfg.MinNotional) {
		t.logEvent("ENTRY_REJECTED", map[string]any{"trade_key": tradeKey, "reason": "notional below MIN_NOTIONAL"})
		return
	}

	p := position.New(tradeKey, side, qtyTotal)
	p.Entry = entryPrice

	base, quote := splitSymbol(t.Cfg.Symbol)
	if t.Margin != nil {
		if err := t.Margin.BeforeEntry(tradeKey, side, qtyTotal, entryPrice, base, quote); err != nil {
			t.logEvent("ENTRY_REJECTED", map[string]any{"trade_key": tradeKey, "reason": err.Error()})
			return
		}
	}

	clientID := tradeKey + "-entry"
	orderID, err := t.Adapter.PlaceLimit(entrySideFor(side), qtyTotal, entryPrice, clientID, t.marginAutoBorrow())
	if err != nil {
		t.logEvent("ENTRY_PLACE_FAILED", map[string]any{"trade_key": tradeKey, "error": err.Error()})
		return
	}
	p.EntryID = orderID
	p.Status = position.StatusOpen
	t.State.Position = p
	t.State.LockUntil = now.Add(time.Duration(t.Cfg.LockSec) * time.Second)
	t.logEvent("ENTRY_PLACED", map[string]any{"trade_key": tradeKey, "side": string(side), "price": priceOrZero(entryPrice), "qty": qtyTotal.String()})
	t.persist()

	if !t.awaitEntryFill(p, now) {
		t.persist()
		return
	}

	p.Status = position.StatusOpenFilled
	t.logEvent("ENTRY_FILLED", map[string]any{"trade_key": tradeKey, "price": priceOrZero(p.Entry)})
	t.Notifier.Notify("ENTRY_FILLED", tradeKey+" filled at "+priceOrZero(p.Entry))

	if t.Margin != nil {
		t.Margin.AfterEntryOpened(tradeKey)
	}

	t.computeExitPrices(p)
	t.placeExitsWithFailsafe(p, time.Now())
	t.persist()
}

// directionalEntryPrice rounds close+offset toward the exchange tick,
// directionally: LONG rounds up (never pay less than offset demands),
// SHORT rounds down.
func directionalEntryPrice(side position.Side, closePrice, offset, tick decimal.Decimal) decimal.Decimal {
	if side == position.Long {
		return decimalstep.CeilToStep(closePrice.Add(offset), tick)
	}
	return decimalstep.FloorToStep(closePrice.Sub(offset), tick)
}

func entrySideFor(side position.Side) exchange.Side {
	if side == position.Long {
		return exchange.Buy
	}
	return exchange.Sell
}

// splitSymbol extracts base/quote assets from a combined symbol using
// the common quote-suffix convention (e.g. BTCUSDT -> BTC, USDT).
func splitSymbol(symbol string) (base, quote string) {
	for _, suffix := range []string{"USDT", "USDC", "BUSD", "FDUSD", "BTC", "ETH"} {
		if len(symbol) > len(suffix) && symbol[len(symbol)-len(suffix):] == suffix {
			return symbol[:len(symbol)-len(suffix)], suffix
		}
	}
	return symbol, ""
}

// computeExitPrices fills SL/TP1/TP2 from the swing trailing engine
// (preferred) or SL_PCT (fallback when no valid swing point exists),
// then derives TP1/TP2 from TP_R_LIST R-multiples of the resulting
// entry-to-stop distance (spec.md §4.7, §4.11).
func (t *Tick) computeExitPrices(p *position.Position) {
	sl, ok := t.swingStop(p)
	if !ok {
		sl = pctStop(p.Side, p.Entry, t.Cfg.SLPct, t.Cfg.TickSize)
	}
	p.SL = sl

	r := p.Entry.Sub(p.SL).Abs()
	rMultiple := decimal.NewFromInt(2)
	if len(t.Cfg.TPRList) > 0 {
		rMultiple = t.Cfg.TPRList[0]
	}
	p.TP1 = rTarget(p.Side, p.Entry, r, rMultiple, t.Cfg.TickSize)

	rMultiple2 := decimal.NewFromInt(4)
	if len(t.Cfg.TPRList) > 1 {
		rMultiple2 = t.Cfg.TPRList[1]
	}
	p.TP2 = rTarget(p.Side, p.Entry, r, rMultiple2, t.Cfg.TickSize)
}

func (t *Tick) swingStop(p *position.Position) (decimal.Decimal, bool) {
	bars, err := trailing.ReadBars(t.Cfg.BarCSVPath, t.Cfg.TrailSwingLookback)
	if err != nil {
		log.Error().Err(err).Msg("tick: bar feed schema mismatch computing entry stop, falling back to SL_PCT")
		return decimal.Zero, false
	}
	if bars == nil {
		return decimal.Zero, false
	}
	return trailing.SwingStop(bars, p.Side, t.Cfg.TrailSwingLookback, t.Cfg.TrailSwingLR, t.Cfg.TrailSwingBufferUSD)
}

func pctStop(side position.Side, entry, pct, tick decimal.Decimal) decimal.Decimal {
	offset := entry.Mul(pct)
	if side == position.Long {
		return decimalstep.FloorToStep(entry.Sub(offset), tick)
	}
	return decimalstep.CeilToStep(entry.Add(offset), tick)
}

func rTarget(side position.Side, entry, r, rMultiple, tick decimal.Decimal) decimal.Decimal {
	offset := r.Mul(rMultiple)
	if side == position.Long {
		return decimalstep.CeilToStep(entry.Add(offset), tick)
	}
	return decimalstep.FloorToStep(entry.Sub(offset), tick)
}

// awaitEntryFill polls the entry order until LIVE_ENTRY_TIMEOUT_SEC
// elapses, applying Plan B on timeout (spec.md §4.11 step 6): if the
// current mid has deviated beyond the configured guard or already
// passed an estimated TP1, abort by canceling; otherwise fall back to
// MARKET when ENTRY_MODE allows it.
func (t *Tick) awaitEntryFill(p *position.Position, start time.Time) bool {
	deadline := start.Add(time.Duration(t.Cfg.LiveEntryTimeoutSec) * time.Second)
	poll := time.Duration(t.Cfg.PollSec) * time.Second

	for time.Now().Before(deadline) {
		report, err := t.Adapter.Status(p.EntryID)
		if err == nil && report.Status == exchange.StatusFilled {
			if report.Price.IsPositive() {
				p.Entry = report.Price
			}
			return true
		}
		if err == nil && report.Status.IsTerminal() {
			t.logEvent("ENTRY_ABORTED", map[string]any{"trade_key": p.TradeKey, "reason": "entry order went terminal before fill"})
			t.State.Position = nil
			return false
		}
		time.Sleep(poll)
	}

	return t.applyPlanB(p)
}

// applyPlanB runs after the live-entry timeout without a fill.
func (t *Tick) applyPlanB(p *position.Position) bool {
	mid, err := t.Adapter.MidPrice()
	if err != nil {
		log.Warn().Err(err).Str("trade_key", p.TradeKey).Msg("tick: plan b mid price lookup failed, aborting entry")
		t.Adapter.Cancel(p.EntryID)
		t.State.Position = nil
		return false
	}

	deviationUSD := mid.Sub(p.Entry).Abs()
	// The R-unit isn't known yet (SL hasn't been computed); approximate
	// it from SL_PCT so the R-multiple guard has a basis to compare
	// against even before the swing engine runs.
	rUnit := p.Entry.Mul(t.Cfg.SLPct)
	tripped := planBDeviationTripped(deviationUSD, rUnit, t.Cfg)

	estimatedTP1 := rTarget(p.Side, p.Entry, rUnit, decimal.NewFromInt(2), t.Cfg.TickSize)
	if len(t.Cfg.TPRList) > 0 {
		estimatedTP1 = rTarget(p.Side, p.Entry, rUnit, t.Cfg.TPRList[0], t.Cfg.TickSize)
	}
	alreadyPassedTP1 := priceHasPassed(p.Side, mid, estimatedTP1)

	if tripped || alreadyPassedTP1 {
		t.Adapter.Cancel(p.EntryID)
		t.logEvent("ENTRY_ABORTED", map[string]any{"trade_key": p.TradeKey, "reason": "plan b guard tripped"})
		t.State.Position = nil
		return false
	}

	if t.Cfg.EntryMode != config.EntryLimitThenMarket && t.Cfg.EntryMode != config.EntryMarketOnly {
		t.Adapter.Cancel(p.EntryID)
		t.logEvent("ENTRY_ABORTED", map[string]any{"trade_key": p.TradeKey, "reason": "limit timed out, ENTRY_MODE forbids market fallback"})
		t.State.Position = nil
		return false
	}

	t.Adapter.Cancel(p.EntryID)
	clientID := p.TradeKey + "-entry-fallback"
	orderID, err := t.Adapter.PlaceMarket(entrySideFor(p.Side), p.QtyTotal, clientID, t.marginAutoBorrow())
	if err != nil {
		t.logEvent("ENTRY_ABORTED", map[string]any{"trade_key": p.TradeKey, "reason": "market fallback failed: " + err.Error()})
		t.State.Position = nil
		return false
	}
	p.EntryID = orderID
	t.logEvent("ENTRY_PLANB_MARKET", map[string]any{"trade_key": p.TradeKey, "order_id": orderID})

	report, err := t.Adapter.Status(orderID)
	if err != nil || report.Status != exchange.StatusFilled {
		log.Warn().Str("trade_key", p.TradeKey).Msg("tick: plan b market order not immediately confirmed filled")
	}
	if report.Price.IsPositive() {
		p.Entry = report.Price
	}
	return true
}

// planBDeviationTripped combines the two deviation guards per the
// configured rule (spec.md §9 Open Question, resolved in
// config.PlanBDeviationRule): EITHER trips on either guard alone, BOTH
// requires both to trip simultaneously.
func planBDeviationTripped(deviationUSD, rUnit decimal.Decimal, cfg *config.Config) bool {
	usdTripped := deviationUSD.GreaterThan(cfg.PlanBMaxDevUSD)
	rTripped := rUnit.IsPositive() && deviationUSD.Div(rUnit).GreaterThan(cfg.PlanBMaxDevRMult)

	if cfg.PlanBDeviationRule == config.PlanBDeviationBoth {
		return usdTripped && rTripped
	}
	return usdTripped || rTripped
}

func priceHasPassed(side position.Side, mid, target decimal.Decimal) bool {
	if side == position.Long {
		return mid.GreaterThanOrEqual(target)
	}
	return mid.LessThanOrEqual(target)
}
