// Package exchange is the signed-REST adapter over a single centralized
// spot/margin venue (spec.md §4.4). It normalizes "no such order"
// responses to a synthetic Missing status so callers never need to
// pattern-match error strings.
package exchange

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderStatus is a closed sum of exchange-reported order states, with
// Missing added by adapter-side normalization (spec.md §9).
type OrderStatus string

const (
	StatusNew             OrderStatus = "NEW"
	StatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	StatusFilled          OrderStatus = "FILLED"
	StatusCanceled        OrderStatus = "CANCELED"
	StatusRejected        OrderStatus = "REJECTED"
	StatusExpired         OrderStatus = "EXPIRED"
	// StatusMissing is synthesized by the adapter when the exchange
	// reports "no such order" under any of its known codes/messages.
	StatusMissing OrderStatus = "MISSING"
)

// IsTerminal reports whether status is one the watchdog state machine
// accepts as proof an old order is no longer live (spec.md §4.10 step 3).
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case StatusFilled, StatusCanceled, StatusRejected, StatusExpired, StatusMissing:
		return true
	}
	return false
}

// Side is BUY or SELL at the exchange-order level (distinct from
// position.Side, which is the position's LONG/SHORT direction).
type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

// OrderType is the exchange order type.
type OrderType string

const (
	TypeLimit          OrderType = "LIMIT"
	TypeMarket         OrderType = "MARKET"
	TypeStopLossLimit  OrderType = "STOP_LOSS_LIMIT"
)

// BorrowMode selects who performs margin borrow/repay (spec.md §4.6).
type BorrowMode string

const (
	BorrowExchangeManaged BorrowMode = "auto"
	BorrowExplicit        BorrowMode = "manual"
)

// OrderStatusReport is what Status() and OpenOrders() return.
type OrderStatusReport struct {
	OrderID     string
	Status      OrderStatus
	ExecutedQty decimal.Decimal
	Price       decimal.Decimal
	Side        Side
	ObservedAt  time.Time
}

// DebtSnapshot is one asset's outstanding margin debt.
type DebtSnapshot struct {
	Asset string
	Debt  decimal.Decimal
}

// Adapter is the full set of operations the tick, snapshots, and margin
// coordinator call against the venue. A real implementation signs every
// request; tests use a fake that implements the same interface.
type Adapter interface {
	PlaceLimit(side Side, qty, price decimal.Decimal, clientID string, autoBorrow bool) (orderID string, err error)
	PlaceMarket(side Side, qty decimal.Decimal, clientID string, autoBorrow bool) (orderID string, err error)
	Cancel(orderID string) error
	Status(orderID string) (OrderStatusReport, error)
	OpenOrders() ([]OrderStatusReport, error)
	MidPrice() (decimal.Decimal, error)

	Borrow(asset string, amount decimal.Decimal) error
	Repay(asset string, amount decimal.Decimal) error
	DebtSnapshot() ([]DebtSnapshot, error)
}
