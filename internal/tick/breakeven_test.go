package tick

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/web3guy0/peakrunner/internal/exchange"
)

func TestDetectTP1Fill_StartsBreakEvenTransition(t *testing.T) {
	tk, adapter, _ := newTestTick(t)
	p := samplePosition("t1")
	id, err := adapter.PlaceLimit(exchange.Sell, p.Qty1, p.TP1, "tp1", false)
	require.NoError(t, err)
	p.TP1ID = id
	adapter.fill(id, p.Qty1)
	tk.State.Position = p

	tk.detectTP1Fill(time.Now().UTC())

	require.True(t, p.TP1Done)
	require.True(t, p.TP1BEPending)
	require.Equal(t, p.SLID, p.TP1BEOldSL)
}

func TestDetectTP1Fill_ThrottledNoOp(t *testing.T) {
	tk, adapter, _ := newTestTick(t)
	p := samplePosition("t1")
	id, err := adapter.PlaceLimit(exchange.Sell, p.Qty1, p.TP1, "tp1", false)
	require.NoError(t, err)
	p.TP1ID = id
	adapter.fill(id, p.Qty1)
	tk.State.Position = p

	now := time.Now().UTC()
	p.NextTP1PollAt = now.Add(time.Hour) // still throttled

	tk.detectTP1Fill(now)

	require.False(t, p.TP1Done, "a throttled poll must not observe the fill yet")
}

func TestMaintainBreakEven_PlacesBreakEvenStop(t *testing.T) {
	tk, adapter, _ := newTestTick(t)
	p := samplePosition("t1")
	oldSLID, err := adapter.PlaceLimit(exchange.Sell, p.QtyTotal, p.SL, "sl-old", false)
	require.NoError(t, err)
	p.SLID = oldSLID
	p.TP1Done = true
	p.TP1BEPending = true
	p.TP1BEOldSL = oldSLID
	tk.State.Position = p

	tk.maintainBreakEven(time.Now().UTC())

	require.False(t, p.TP1BEPending)
	require.NotEqual(t, oldSLID, p.SLID)
	require.True(t, p.SL.Equal(p.Entry))

	oldReport, _ := adapter.Status(oldSLID)
	require.Equal(t, exchange.StatusCanceled, oldReport.Status)
}

func TestRemainderAfterTP1(t *testing.T) {
	p := samplePosition("t1")
	require.True(t, remainderAfterTP1(p).Equal(p.Qty2.Add(p.Qty3)))
}

func TestMaintainBreakEven_RetriesOnFailure(t *testing.T) {
	tk, adapter, _ := newTestTick(t)
	p := samplePosition("t1")
	oldSLID, err := adapter.PlaceLimit(exchange.Sell, p.QtyTotal, p.SL, "sl-old", false)
	require.NoError(t, err)
	p.SLID = oldSLID
	p.TP1Done = true
	p.TP1BEPending = true
	p.TP1BEOldSL = oldSLID
	tk.State.Position = p

	adapter.cancelErr = &fakePlaceError{"simulated cancel failure"}

	tk.maintainBreakEven(time.Now().UTC())

	require.True(t, p.TP1BEPending, "a failed replace must leave the transition pending for the next retry")
	require.Equal(t, 1, p.TP1BE.Attempts)
	require.NotEmpty(t, p.TP1BE.LastError)
}
