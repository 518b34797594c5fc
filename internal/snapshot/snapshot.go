// Package snapshot provides throttled caches over two exchange
// endpoints the tick consults every few seconds (spec.md §4.5): the
// open-orders list and the mid-price. Status polls and debt checks
// bypass these caches entirely; they are not general-purpose.
package snapshot

import (
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/web3guy0/peakrunner/internal/exchange"
)

// OpenOrders caches the open-orders list, refreshed at most once per
// minInterval.
type OpenOrders struct {
	mu          sync.Mutex
	adapter     exchange.Adapter
	minInterval time.Duration

	orders      []exchange.OrderStatusReport
	fetchedAt   time.Time
}

// NewOpenOrders builds a cache that refuses to hit the adapter more
// than once per minInterval.
func NewOpenOrders(adapter exchange.Adapter, minInterval time.Duration) *OpenOrders {
	return &OpenOrders{adapter: adapter, minInterval: minInterval}
}

// FreshWithin reports whether the cached snapshot is no older than age.
func (o *OpenOrders) FreshWithin(age time.Duration, now time.Time) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.fetchedAt.IsZero() {
		return false
	}
	return now.Sub(o.fetchedAt) <= age
}

// Age returns how long ago the cache was last refreshed, or a very
// large duration if it was never populated.
func (o *OpenOrders) Age(now time.Time) time.Duration {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.fetchedAt.IsZero() {
		return time.Duration(1<<63 - 1)
	}
	return now.Sub(o.fetchedAt)
}

// Get returns the cached list, refreshing it from the adapter first if
// minInterval has elapsed since the last refresh.
func (o *OpenOrders) Get(now time.Time) ([]exchange.OrderStatusReport, error) {
	o.mu.Lock()
	stale := o.fetchedAt.IsZero() || now.Sub(o.fetchedAt) >= o.minInterval
	o.mu.Unlock()
	if !stale {
		o.mu.Lock()
		defer o.mu.Unlock()
		return o.orders, nil
	}

	orders, err := o.adapter.OpenOrders()
	if err != nil {
		return nil, fmt.Errorf("snapshot: refresh open orders: %w", err)
	}

	o.mu.Lock()
	o.orders = orders
	o.fetchedAt = now
	o.mu.Unlock()
	return orders, nil
}

// MidPrice caches the book-ticker midpoint, refreshed on demand by
// callers such as the trailing engine and stop watchdog.
type MidPrice struct {
	mu          sync.Mutex
	adapter     exchange.Adapter
	minInterval time.Duration

	price     decimal.Decimal
	fetchedAt time.Time
}

// NewMidPrice builds a midpoint cache.
func NewMidPrice(adapter exchange.Adapter, minInterval time.Duration) *MidPrice {
	return &MidPrice{adapter: adapter, minInterval: minInterval}
}

// FreshWithin reports whether the cached price is no older than age.
func (m *MidPrice) FreshWithin(age time.Duration, now time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fetchedAt.IsZero() {
		return false
	}
	return now.Sub(m.fetchedAt) <= age
}

// Get returns the cached mid-price, refreshing it if stale.
func (m *MidPrice) Get(now time.Time) (decimal.Decimal, error) {
	m.mu.Lock()
	stale := m.fetchedAt.IsZero() || now.Sub(m.fetchedAt) >= m.minInterval
	m.mu.Unlock()
	if !stale {
		m.mu.Lock()
		defer m.mu.Unlock()
		return m.price, nil
	}

	price, err := m.adapter.MidPrice()
	if err != nil {
		return decimal.Zero, fmt.Errorf("snapshot: refresh mid price: %w", err)
	}

	m.mu.Lock()
	m.price = price
	m.fetchedAt = now
	m.mu.Unlock()
	return price, nil
}
