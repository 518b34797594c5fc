package tick

import (
	"os"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/web3guy0/peakrunner/internal/config"
	"github.com/web3guy0/peakrunner/internal/exchange"
	"github.com/web3guy0/peakrunner/internal/position"
)

func TestDirectionalEntryPrice(t *testing.T) {
	tick := decimal.NewFromFloat(0.01)
	offset := decimal.NewFromFloat(0.5)

	long := directionalEntryPrice(position.Long, decimal.NewFromFloat(100.123), offset, tick)
	require.True(t, long.Equal(decimal.NewFromFloat(100.63)), "got %s", long)

	short := directionalEntryPrice(position.Short, decimal.NewFromFloat(100.123), offset, tick)
	require.True(t, short.Equal(decimal.NewFromFloat(99.62)), "got %s", short)
}

func TestSplitSymbol(t *testing.T) {
	cases := []struct{ symbol, base, quote string }{
		{"BTCUSDT", "BTC", "USDT"},
		{"ETHUSDC", "ETH", "USDC"},
		{"ETHBTC", "ETH", "BTC"},
		{"UNKNOWN", "UNKNOWN", ""},
	}
	for _, c := range cases {
		base, quote := splitSymbol(c.symbol)
		require.Equal(t, c.base, base, c.symbol)
		require.Equal(t, c.quote, quote, c.symbol)
	}
}

func TestPctStop(t *testing.T) {
	tick := decimal.NewFromFloat(0.01)
	entry := decimal.NewFromInt(100)
	pct := decimal.NewFromFloat(0.02)

	long := pctStop(position.Long, entry, pct, tick)
	require.True(t, long.Equal(decimal.NewFromInt(98)), "got %s", long)

	short := pctStop(position.Short, entry, pct, tick)
	require.True(t, short.Equal(decimal.NewFromInt(102)), "got %s", short)
}

func TestRTarget(t *testing.T) {
	tick := decimal.NewFromFloat(0.01)
	entry := decimal.NewFromInt(100)
	r := decimal.NewFromInt(2)

	long := rTarget(position.Long, entry, r, decimal.NewFromInt(2), tick)
	require.True(t, long.Equal(decimal.NewFromInt(104)), "got %s", long)

	short := rTarget(position.Short, entry, r, decimal.NewFromInt(2), tick)
	require.True(t, short.Equal(decimal.NewFromInt(96)), "got %s", short)
}

func TestPlanBDeviationTripped_Either(t *testing.T) {
	cfg := &config.Config{
		PlanBMaxDevUSD:     decimal.NewFromInt(20),
		PlanBMaxDevRMult:   decimal.NewFromFloat(0.5),
		PlanBDeviationRule: config.PlanBDeviationEither,
	}
	// USD guard alone trips.
	require.True(t, planBDeviationTripped(decimal.NewFromInt(25), decimal.NewFromInt(1000), cfg))
	// R-multiple guard alone trips (deviation/rUnit > 0.5).
	require.True(t, planBDeviationTripped(decimal.NewFromInt(10), decimal.NewFromInt(10), cfg))
	// Neither trips.
	require.False(t, planBDeviationTripped(decimal.NewFromInt(5), decimal.NewFromInt(1000), cfg))
}

func TestPlanBDeviationTripped_Both(t *testing.T) {
	cfg := &config.Config{
		PlanBMaxDevUSD:     decimal.NewFromInt(20),
		PlanBMaxDevRMult:   decimal.NewFromFloat(0.5),
		PlanBDeviationRule: config.PlanBDeviationBoth,
	}
	// Only USD trips -> BOTH requires the R-multiple guard too.
	require.False(t, planBDeviationTripped(decimal.NewFromInt(25), decimal.NewFromInt(1000), cfg))
	// Both trip.
	require.True(t, planBDeviationTripped(decimal.NewFromInt(25), decimal.NewFromInt(10), cfg))
}

func TestPriceHasPassed(t *testing.T) {
	require.True(t, priceHasPassed(position.Long, decimal.NewFromInt(105), decimal.NewFromInt(104)))
	require.False(t, priceHasPassed(position.Long, decimal.NewFromInt(103), decimal.NewFromInt(104)))
	require.True(t, priceHasPassed(position.Short, decimal.NewFromInt(95), decimal.NewFromInt(96)))
	require.False(t, priceHasPassed(position.Short, decimal.NewFromInt(97), decimal.NewFromInt(96)))
}

func TestComputeExitPrices_FallsBackToPctStopWithoutBarFeed(t *testing.T) {
	tk, _, _ := newTestTick(t)
	p := samplePosition("t1")
	p.SL = decimal.Zero
	p.TP1 = decimal.Zero
	p.TP2 = decimal.Zero

	tk.computeExitPrices(p)

	require.True(t, p.SL.LessThan(p.Entry))
	require.True(t, p.Entry.LessThan(p.TP1))
	require.True(t, p.TP1.LessThan(p.TP2))
	require.True(t, p.PriceHierarchyHolds())
}

// TestTryEntry_ImmediateFillPlacesExits drives the full §4.11 happy
// path: a fresh PEAK signal is sized, a LIMIT entry is placed and
// fills on the first poll, and the three exit legs land.
func TestTryEntry_ImmediateFillPlacesExits(t *testing.T) {
	tk, adapter, _ := newTestTick(t)
	writeSignal(t, tk.Cfg.SignalLogPath, `{"action":"PEAK","ts":"`+time.Now().UTC().Format(time.RFC3339)+`","kind":"long","price":100.0}`)

	// The order id isn't known until tryEntry places it, so a
	// background goroutine busy-polls the adapter (PollSec=0, no
	// sleep) and fills the first NEW order it sees, well within the
	// 2-second LIVE_ENTRY_TIMEOUT_SEC budget.
	tk.Cfg.PollSec = 0
	tk.Cfg.LiveEntryTimeoutSec = 2

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		for {
			select {
			case <-stop:
				return
			default:
			}
			adapter.mu.Lock()
			for _, o := range adapter.orders {
				if o.Status == exchange.StatusNew {
					o.Status = exchange.StatusFilled
					o.ExecutedQty = o.Price
				}
			}
			adapter.mu.Unlock()
		}
	}()

	tk.tryEntry(time.Now().UTC())

	require.NotNil(t, tk.State.Position)
	p := tk.State.Position
	require.NotEmpty(t, p.SLID)
	require.NotEmpty(t, p.TP1ID)
	require.NotEmpty(t, p.TP2ID)
	require.Equal(t, position.StatusOpenFilled, p.Status)
}

// TestTryEntry_RespectsCooldownAndLock confirms the single-position
// guard blocks a new entry attempt outright.
func TestTryEntry_RespectsCooldownAndLock(t *testing.T) {
	tk, _, _ := newTestTick(t)
	writeSignal(t, tk.Cfg.SignalLogPath, `{"action":"PEAK","ts":"`+time.Now().UTC().Format(time.RFC3339)+`","kind":"long","price":100.0}`)
	tk.State.CooldownUntil = time.Now().UTC().Add(time.Hour)

	tk.tryEntry(time.Now().UTC())

	require.Nil(t, tk.State.Position)
}

// TestApplyPlanB_AbortsOnDeviation exercises the Plan B guard: when the
// live-entry timeout elapses and the mid has moved past the configured
// deviation threshold, the stale LIMIT entry is canceled and no
// position survives.
func TestApplyPlanB_AbortsOnDeviation(t *testing.T) {
	tk, adapter, _ := newTestTick(t)
	tk.Cfg.LiveEntryTimeoutSec = 0
	tk.Cfg.PlanBMaxDevUSD = decimal.NewFromInt(1)
	tk.Cfg.PlanBMaxDevRMult = decimal.NewFromFloat(100) // effectively disabled, USD guard alone trips

	p := position.New("t1", position.Long, decimal.NewFromFloat(0.01))
	p.Entry = decimal.NewFromInt(100)
	id, err := adapter.PlaceLimit(exchange.Buy, p.QtyTotal, p.Entry, "t1-entry", false)
	require.NoError(t, err)
	p.EntryID = id
	adapter.mid = decimal.NewFromInt(150) // far beyond the $1 guard

	tk.State.Position = p
	ok := tk.awaitEntryFill(p, time.Now().UTC())

	require.False(t, ok)
	require.Nil(t, tk.State.Position)
	report, _ := adapter.Status(id)
	require.Equal(t, exchange.StatusCanceled, report.Status)
}

// TestApplyPlanB_MarketFallback exercises the other branch: deviation
// within guard, ENTRY_MODE allows market fallback, so the stale LIMIT
// is replaced with an immediately-filled MARKET order.
func TestApplyPlanB_MarketFallback(t *testing.T) {
	tk, adapter, _ := newTestTick(t)
	tk.Cfg.LiveEntryTimeoutSec = 0
	tk.Cfg.EntryMode = config.EntryLimitThenMarket

	p := position.New("t1", position.Long, decimal.NewFromFloat(0.01))
	p.Entry = decimal.NewFromInt(100)
	id, err := adapter.PlaceLimit(exchange.Buy, p.QtyTotal, p.Entry, "t1-entry", false)
	require.NoError(t, err)
	p.EntryID = id
	adapter.mid = decimal.NewFromFloat(100.1) // within guard

	tk.State.Position = p
	ok := tk.awaitEntryFill(p, time.Now().UTC())

	require.True(t, ok)
	require.NotNil(t, tk.State.Position)
	require.NotEqual(t, id, p.EntryID, "a new market order id must replace the stale limit id")
}

func writeSignal(t *testing.T, path, line string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(line+"\n"), 0o644))
}
