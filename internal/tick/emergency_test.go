package tick

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/web3guy0/peakrunner/internal/exchange"
)

func TestCheckEmergencyFlag_AbsentIsNoOp(t *testing.T) {
	tk, _, _ := newTestTick(t)
	require.False(t, tk.checkEmergencyFlag(time.Now().UTC()))
	require.False(t, tk.State.Sleeping)
}

func TestCheckEmergencyFlag_WaitsForLiveOrders(t *testing.T) {
	tk, adapter, notifier := newTestTick(t)
	p := samplePosition("t1")
	slID, err := adapter.PlaceLimit(exchange.Sell, p.QtyTotal, p.SL, "sl", false)
	require.NoError(t, err)
	p.SLID = slID
	tk.State.Position = p
	require.NoError(t, os.WriteFile(tk.Cfg.EmergencyFlagPath, []byte("1"), 0o644))

	triggered := tk.checkEmergencyFlag(time.Now().UTC())

	require.True(t, triggered)
	require.False(t, tk.State.Sleeping, "must not sleep while a tracked order is still live")
	require.NotNil(t, tk.State.Position)
	require.Equal(t, 0, notifier.count())
}

func TestCheckEmergencyFlag_SleepsOnceOrdersAreTerminal(t *testing.T) {
	tk, adapter, notifier := newTestTick(t)
	p := samplePosition("t1")
	slID, err := adapter.PlaceLimit(exchange.Sell, p.QtyTotal, p.SL, "sl", false)
	require.NoError(t, err)
	p.SLID = slID
	adapter.fill(slID, p.QtyTotal)
	tk.State.Position = p
	require.NoError(t, os.WriteFile(tk.Cfg.EmergencyFlagPath, []byte("1"), 0o644))

	triggered := tk.checkEmergencyFlag(time.Now().UTC())

	require.True(t, triggered)
	require.True(t, tk.State.Sleeping)
	require.Nil(t, tk.State.Position)
	require.NotNil(t, tk.State.LastClosed)
	require.Equal(t, "EMERGENCY_SHUTDOWN", tk.State.LastClosed.ExitReason)
	action, _ := notifier.last()
	require.Equal(t, "EMERGENCY_SHUTDOWN", action)
}

func TestCheckEmergencyFlag_NoPositionSleepsImmediately(t *testing.T) {
	tk, _, _ := newTestTick(t)
	require.NoError(t, os.WriteFile(tk.Cfg.EmergencyFlagPath, []byte("1"), 0o644))

	triggered := tk.checkEmergencyFlag(time.Now().UTC())

	require.True(t, triggered)
	require.True(t, tk.State.Sleeping)
}

func TestCheckEmergencyFlag_AlreadySleepingShortCircuits(t *testing.T) {
	tk, _, notifier := newTestTick(t)
	tk.State.Sleeping = true
	require.NoError(t, os.WriteFile(tk.Cfg.EmergencyFlagPath, []byte("1"), 0o644))

	triggered := tk.checkEmergencyFlag(time.Now().UTC())

	require.True(t, triggered)
	require.Equal(t, 0, notifier.count(), "an already-sleeping tick must not re-fire the shutdown notification")
}

func TestCheckWakeFlag_AbsentIsNoOp(t *testing.T) {
	tk, _, _ := newTestTick(t)
	tk.State.Sleeping = true
	require.False(t, tk.checkWakeFlag(time.Now().UTC()))
	require.True(t, tk.State.Sleeping)
}

func TestCheckWakeFlag_ClearsSleepingAndRemovesFlag(t *testing.T) {
	tk, _, notifier := newTestTick(t)
	tk.State.Sleeping = true
	require.NoError(t, os.WriteFile(tk.Cfg.WakeUpFlagPath, []byte("1"), 0o644))

	woke := tk.checkWakeFlag(time.Now().UTC())

	require.True(t, woke)
	require.False(t, tk.State.Sleeping)
	_, err := os.Stat(tk.Cfg.WakeUpFlagPath)
	require.True(t, os.IsNotExist(err), "the wake flag must be removed so it doesn't re-trigger")
	action, _ := notifier.last()
	require.Equal(t, "WAKE_UP", action)
}

func TestCheckWakeFlag_IgnoredWhenNotSleeping(t *testing.T) {
	tk, _, notifier := newTestTick(t)
	require.NoError(t, os.WriteFile(tk.Cfg.WakeUpFlagPath, []byte("1"), 0o644))

	woke := tk.checkWakeFlag(time.Now().UTC())

	require.False(t, woke)
	_, err := os.Stat(tk.Cfg.WakeUpFlagPath)
	require.True(t, os.IsNotExist(err), "a stray wake flag is still removed even when not sleeping")
	require.Equal(t, 0, notifier.count())
}
