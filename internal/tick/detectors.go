package tick

import (
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/web3guy0/peakrunner/internal/anomaly"
	"github.com/web3guy0/peakrunner/internal/trailing"
)

// runDetectors implements spec.md §4.8: the read-only I1-I13 invariant
// battery. It runs every tick, gated by INVAR_ENABLED and throttled to
// INVAR_EVERY_SEC so the checks don't add a poll of their own on top of
// the planner's. Detectors only log/alert; they never mutate the
// position or touch the adapter beyond the debt snapshot I13 needs.
func (t *Tick) runDetectors(now time.Time) {
	if !t.Cfg.InvarEnabled {
		return
	}
	if now.Before(t.DetectorMeta.NextRunAt) {
		return
	}
	t.DetectorMeta.NextRunAt = now.Add(time.Duration(t.Cfg.InvarEverySec) * time.Second)

	posKey := "none"
	if p := t.State.Position; p != nil {
		posKey = p.TradeKey

		anomaly.Emit(t.detectorThrottle, posKey, now, anomaly.CheckI1ProtectionPresent(p))
		anomaly.Emit(t.detectorThrottle, posKey, now, anomaly.CheckI2PriceHierarchy(p))
		anomaly.Emit(t.detectorThrottle, posKey, now, anomaly.CheckI3QuantityAccounting(p))
		anomaly.Emit(t.detectorThrottle, posKey, now, anomaly.CheckI7TPOrdersExist(p))

		staleAfter := time.Duration(t.Cfg.TrailUpdateEverySec*3) * time.Second
		anomaly.Emit(t.detectorThrottle, posKey, now, anomaly.CheckI5I9TrailingCoherence(p, now, staleAfter))

		if p.TrailActive {
			if bars, err := trailing.ReadBars(t.Cfg.BarCSVPath, 1); err == nil && len(bars) > 0 {
				anomaly.Emit(t.detectorThrottle, posKey, now, anomaly.CheckI6FeedFreshness(bars[len(bars)-1].Timestamp, now, staleAfter))
			}
		}
	}

	anomaly.Emit(t.detectorThrottle, posKey, now, anomaly.CheckI11MarginModeCoherence(t.Cfg.TradeMode, t.Cfg.MarginBorrowMode))

	for _, endpoint := range []string{"open_orders", "mid_price", "order_status"} {
		anomaly.Emit(t.detectorThrottle, posKey, now, t.rateLimits.CheckI10RateLimitPattern(endpoint))
	}

	if t.Cfg.TradeMode == "margin" && t.State.Position == nil {
		t.checkI13PostCloseDebt(now, posKey)
	}

	t.persistDetectorMeta()
}

// checkI13PostCloseDebt polls the debt snapshot once a position is
// flat and feeds it through the escalating WARN->ERROR detector,
// halting the process when cfg.I13KillOnDebt is set and escalation
// has occurred (spec.md §4.8, §7).
func (t *Tick) checkI13PostCloseDebt(now time.Time, posKey string) {
	debts, err := t.Adapter.DebtSnapshot()
	t.recordEndpointResult("debt_snapshot", err)
	if err != nil {
		log.Warn().Err(err).Msg("tick: I13 debt snapshot poll failed")
		return
	}

	finding, shouldHalt := anomaly.CheckI13PostCloseDebt(debts, &t.DetectorMeta.I13, now, anomaly.Config{
		I13GraceSec:    t.Cfg.I13GraceSec,
		I13EscalateSec: t.Cfg.I13EscalateSec,
		I13KillOnDebt:  t.Cfg.I13KillOnDebt,
	})
	anomaly.Emit(t.detectorThrottle, posKey, now, finding)
	if shouldHalt {
		t.Notifier.Notify("I13_KILL_ON_DEBT", "halting: outstanding margin debt past the configured escalation threshold")
		log.Fatal().Msg("tick: I13 kill-on-debt triggered, halting process")
	}
}

// isRateLimitLikeError reports whether err looks like a rate-limit
// rejection from the exchange (spec.md §4.8 I10), going by the HTTP
// status classes Binance uses for throttling (429 Too Many Requests,
// 418 IP ban) the way exchange.classifyHTTPError already encodes them
// into its error text.
func isRateLimitLikeError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "HTTP 429") || strings.Contains(msg, "HTTP 418")
}

// recordEndpointResult feeds one adapter call's outcome into the I10
// rate-limit tracker for endpoint, resetting the streak on success.
func (t *Tick) recordEndpointResult(endpoint string, err error) {
	if isRateLimitLikeError(err) {
		t.rateLimits.Record(endpoint)
		return
	}
	t.rateLimits.Reset(endpoint)
}
