package tick

import (
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/web3guy0/peakrunner/internal/alert"
	"github.com/web3guy0/peakrunner/internal/config"
	"github.com/web3guy0/peakrunner/internal/eventlog"
	"github.com/web3guy0/peakrunner/internal/exchange"
	"github.com/web3guy0/peakrunner/internal/signalsrc"
	"github.com/web3guy0/peakrunner/internal/snapshot"
	"github.com/web3guy0/peakrunner/internal/statestore"
)

// fakeAdapter is an in-memory exchange.Adapter used by every test in
// this package. Each order is keyed by the id PlaceLimit/PlaceMarket
// return (the client id plus a sequence number), which tests use to
// fill or inspect it.
type fakeAdapter struct {
	mu sync.Mutex

	nextID int
	orders map[string]*exchange.OrderStatusReport

	mid   decimal.Decimal
	debt  []exchange.DebtSnapshot
	open  []exchange.OrderStatusReport

	placeErr   error
	cancelErr  error
	midErr     error
	openErr    error
	debtErr    error
	borrowErr  error
	repayErr   error
}

func newFakeAdapter() *fakeAdapter {
	return &fakeAdapter{
		orders: make(map[string]*exchange.OrderStatusReport),
		mid:    decimal.NewFromInt(100),
	}
}

func (f *fakeAdapter) place(side exchange.Side, qty, price decimal.Decimal, clientID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.placeErr != nil {
		return "", f.placeErr
	}
	f.nextID++
	id := fmt.Sprintf("%s-%d", clientID, f.nextID)
	f.orders[id] = &exchange.OrderStatusReport{OrderID: id, Status: exchange.StatusNew, Price: price, Side: side, ObservedAt: time.Now().UTC()}
	return id, nil
}

func (f *fakeAdapter) PlaceLimit(side exchange.Side, qty, price decimal.Decimal, clientID string, autoBorrow bool) (string, error) {
	return f.place(side, qty, price, clientID)
}

func (f *fakeAdapter) PlaceMarket(side exchange.Side, qty decimal.Decimal, clientID string, autoBorrow bool) (string, error) {
	id, err := f.place(side, qty, f.mid, clientID)
	if err != nil {
		return "", err
	}
	f.mu.Lock()
	f.orders[id].Status = exchange.StatusFilled
	f.orders[id].ExecutedQty = qty
	f.mu.Unlock()
	return id, nil
}

func (f *fakeAdapter) Cancel(orderID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cancelErr != nil {
		return f.cancelErr
	}
	if o, ok := f.orders[orderID]; ok && !o.Status.IsTerminal() {
		o.Status = exchange.StatusCanceled
	}
	return nil
}

func (f *fakeAdapter) Status(orderID string) (exchange.OrderStatusReport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.orders[orderID]
	if !ok {
		return exchange.OrderStatusReport{OrderID: orderID, Status: exchange.StatusMissing}, nil
	}
	return *o, nil
}

func (f *fakeAdapter) OpenOrders() ([]exchange.OrderStatusReport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.openErr != nil {
		return nil, f.openErr
	}
	if f.open != nil {
		return f.open, nil
	}
	var out []exchange.OrderStatusReport
	for _, o := range f.orders {
		if !o.Status.IsTerminal() {
			out = append(out, *o)
		}
	}
	return out, nil
}

func (f *fakeAdapter) MidPrice() (decimal.Decimal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.midErr != nil {
		return decimal.Zero, f.midErr
	}
	return f.mid, nil
}

func (f *fakeAdapter) Borrow(asset string, amount decimal.Decimal) error { return f.borrowErr }
func (f *fakeAdapter) Repay(asset string, amount decimal.Decimal) error  { return f.repayErr }
func (f *fakeAdapter) DebtSnapshot() ([]exchange.DebtSnapshot, error) {
	if f.debtErr != nil {
		return nil, f.debtErr
	}
	return f.debt, nil
}

// fill marks an existing order FILLED with the given executed qty.
func (f *fakeAdapter) fill(orderID string, qty decimal.Decimal) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if o, ok := f.orders[orderID]; ok {
		o.Status = exchange.StatusFilled
		o.ExecutedQty = qty
	}
}

// fakeNotifier records every Notify call.
type fakeNotifier struct {
	mu    sync.Mutex
	calls []struct{ action, message string }
}

func (n *fakeNotifier) Notify(action, message string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = append(n.calls, struct{ action, message string }{action, message})
}

func (n *fakeNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.calls)
}

func (n *fakeNotifier) last() (action, message string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.calls) == 0 {
		return "", ""
	}
	c := n.calls[len(n.calls)-1]
	return c.action, c.message
}

var _ alert.Notifier = (*fakeNotifier)(nil)

// newTestTick builds a Tick wired to a fakeAdapter and temp-dir-backed
// persistence, with conservative defaults tests can override before
// use.
func newTestTick(t testingT) (*Tick, *fakeAdapter, *fakeNotifier) {
	dir := t.TempDir()

	cfg := &config.Config{
		Symbol:      "BTCUSDT",
		QtyUSD:      decimal.NewFromInt(1000),
		QtyStep:     decimal.NewFromFloat(0.001),
		TickSize:    decimal.NewFromFloat(0.01),
		MinQty:      decimal.NewFromFloat(0.001),
		MinNotional: decimal.NewFromInt(10),

		SLPct:     decimal.NewFromFloat(0.01),
		TPRList:   []decimal.Decimal{decimal.NewFromInt(2), decimal.NewFromInt(4)},
		SwingMins: 15,

		EntryOffsetUSD:      decimal.NewFromFloat(0.5),
		EntryMode:           config.EntryLimitThenMarket,
		LiveEntryTimeoutSec: 5,
		PlanBMaxDevUSD:      decimal.NewFromInt(20),
		PlanBMaxDevRMult:    decimal.NewFromFloat(0.5),
		PlanBDeviationRule:  config.PlanBDeviationEither,

		PollSec:               1,
		CooldownSec:           60,
		LockSec:               30,
		ManageEverySec:        1,
		TrailUpdateEverySec:   30,
		ExitsRetryEverySec:    0,
		FailsafeExitsMaxTries: 2,
		FailsafeFlatten:       true,

		TrailSwingLookback:    60,
		TrailSwingLR:          3,
		TrailSwingBufferUSD:   decimal.NewFromFloat(5),
		TrailConfirmBufferUSD: decimal.NewFromFloat(2),
		TrailStepUSD:          decimal.NewFromFloat(10),

		TradeMode:             "spot",
		MarginBorrowBufferPct: decimal.NewFromFloat(0.003),

		SLWatchdogGraceSec: 15,
		TP1BEMaxAttempts:   5,
		TP1BECooldownSec:   3600,

		DedupPriceDecimals: 2,
		SeenKeysMax:        500,
		StrictSource:       true,

		LogMaxLines:   200,
		TailLines:     50,
		MaxPeakAgeSec: 120,

		SignalLogPath:    dir + "/signals.jsonl",
		BarCSVPath:       dir + "/bars.csv",
		StatePath:        dir + "/state.json",
		EventLogPath:     dir + "/events.jsonl",
		DetectorMetaPath: dir + "/detector_meta.json",

		EmergencyFlagPath:        dir + "/emergency_shutdown.flag",
		WakeUpFlagPath:           dir + "/wake_up.flag",
		EmergencyBackupStatePath: dir + "/state.emergency-backup.json",
	}

	adapter := newFakeAdapter()
	notifier := &fakeNotifier{}

	tk := New(Deps{
		Cfg:           cfg,
		Adapter:       adapter,
		Store:         statestore.New(cfg.StatePath),
		DetectorStore: statestore.New(cfg.DetectorMetaPath),
		Events:        eventlog.New(cfg.EventLogPath, cfg.LogMaxLines),
		Notifier:      notifier,
		OpenOrders:    snapshot.NewOpenOrders(adapter, 0),
		Mid:           snapshot.NewMidPrice(adapter, 0),
		Signals:       signalsrc.New(cfg.SignalLogPath, cfg.TailLines, cfg.DedupPriceDecimals, time.Duration(cfg.MaxPeakAgeSec)*time.Second),
	})
	tk.Boot(time.Now().UTC())
	return tk, adapter, notifier
}

// testingT is the minimal subset of *testing.T this file needs, so it
// stays importable without pulling "testing" into non-test files.
type testingT interface {
	TempDir() string
}
