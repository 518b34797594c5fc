package tick

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/web3guy0/peakrunner/internal/exchange"
)

func TestDetectTP2Fill_ActivatesTrailingWhenNotDegraded(t *testing.T) {
	tk, adapter, _ := newTestTick(t)
	p := samplePosition("t1")
	id, err := adapter.PlaceLimit(exchange.Sell, p.Qty2.Add(p.Qty3), p.TP2, "tp2", false)
	require.NoError(t, err)
	p.TP2ID = id
	adapter.fill(id, p.Qty2.Add(p.Qty3))
	tk.State.Position = p

	tk.detectTP2Fill(time.Now().UTC())

	require.True(t, p.TP2Done)
	require.True(t, p.TrailActive)
}

// TestDetectTP2Fill_SkipsTrailingWhenDegraded is the §9 Open Question
// #2 regression: a degraded 50/50/0 split leaves qty3 at zero, and
// trailing must never activate on a zero-quantity leg.
func TestDetectTP2Fill_SkipsTrailingWhenDegraded(t *testing.T) {
	tk, adapter, _ := newTestTick(t)
	p := samplePosition("t1")
	p.Degraded = true
	p.Qty3 = decimal.Zero
	id, err := adapter.PlaceLimit(exchange.Sell, p.Qty2, p.TP2, "tp2", false)
	require.NoError(t, err)
	p.TP2ID = id
	adapter.fill(id, p.Qty2)
	tk.State.Position = p

	tk.detectTP2Fill(time.Now().UTC())

	require.True(t, p.TP2Done)
	require.False(t, p.TrailActive, "degraded split must never activate trailing on a zero qty3")
}

func TestDetectTP2Fill_SkipsTrailingWhenQty3ZeroWithoutDegradedFlag(t *testing.T) {
	tk, adapter, _ := newTestTick(t)
	p := samplePosition("t1")
	p.Qty3 = decimal.Zero // zero qty3 alone, regardless of the Degraded flag, must forbid trailing
	id, err := adapter.PlaceLimit(exchange.Sell, p.Qty2, p.TP2, "tp2", false)
	require.NoError(t, err)
	p.TP2ID = id
	adapter.fill(id, p.Qty2)
	tk.State.Position = p

	tk.detectTP2Fill(time.Now().UTC())

	require.False(t, p.TrailActive)
}

func TestMaintainTrailing_NoOpWithoutBarFeed(t *testing.T) {
	tk, _, _ := newTestTick(t)
	p := samplePosition("t1")
	p.TrailActive = true
	originalSL := p.SL
	tk.State.Position = p

	tk.maintainTrailing(time.Now().UTC()) // BarCSVPath doesn't exist: fail-closed, no mutation

	require.True(t, p.SL.Equal(originalSL))
}
