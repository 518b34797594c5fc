package tick

import (
	"os"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/web3guy0/peakrunner/internal/position"
)

// checkEmergencyFlag implements spec.md §4.14: when the emergency
// shutdown flag file appears, wait for every tracked order to reach a
// terminal status, repay any outstanding margin, and go to sleep. It
// returns true when the flag is present, whether or not the shutdown
// sequence has finished this call (so the caller skips the rest of the
// tick either way while the flag is up).
func (t *Tick) checkEmergencyFlag(now time.Time) bool {
	if _, err := os.Stat(t.Cfg.EmergencyFlagPath); err != nil {
		return false
	}
	if t.State.Sleeping {
		return true
	}

	p := t.State.Position
	if p != nil {
		for _, id := range trackedOrderIDs(p) {
			report, err := t.Adapter.Status(id)
			if err != nil {
				log.Warn().Err(err).Str("order_id", id).Msg("tick: emergency shutdown status poll failed")
				return true
			}
			if !report.Status.IsTerminal() {
				log.Info().Str("order_id", id).Msg("tick: emergency shutdown waiting on live order")
				return true
			}
		}

		if t.Margin != nil {
			if err := t.Margin.AfterPositionClosed(p.TradeKey); err != nil {
				t.Notifier.Notify("MARGIN_REPAY_FAILED", err.Error())
				return true
			}
		}

		t.State.LastClosed = &position.LastClosed{
			TradeKey:   p.TradeKey,
			Side:       p.Side,
			Entry:      p.Entry,
			ExitReason: "EMERGENCY_SHUTDOWN",
			ClosedAt:   now,
		}
		t.State.Position = nil
	}

	t.State.Sleeping = true
	if !t.Store.Save(t.State) {
		if data, err := os.ReadFile(t.Cfg.StatePath); err == nil {
			os.WriteFile(t.Cfg.EmergencyBackupStatePath, data, 0o644)
		}
		log.Error().Msg("tick: primary state save failed during emergency shutdown, wrote backup copy")
	}

	t.logEvent("EMERGENCY_SHUTDOWN", map[string]any{"trigger": t.Cfg.EmergencyFlagPath})
	t.Notifier.Notify("EMERGENCY_SHUTDOWN", "peakrunner is sleeping; all tracked orders are terminal")
	return true
}

// checkWakeFlag implements the companion half of §4.14: the wake-up
// flag clears Sleeping and removes itself so the file doesn't
// re-trigger the wake path every tick.
func (t *Tick) checkWakeFlag(now time.Time) bool {
	if _, err := os.Stat(t.Cfg.WakeUpFlagPath); err != nil {
		return false
	}
	if !t.State.Sleeping {
		os.Remove(t.Cfg.WakeUpFlagPath)
		return false
	}

	t.State.Sleeping = false
	os.Remove(t.Cfg.WakeUpFlagPath)
	t.logEvent("WAKE_UP", map[string]any{})
	t.Notifier.Notify("WAKE_UP", "peakrunner resumed from emergency sleep")
	t.persist()
	return true
}
