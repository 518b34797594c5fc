// Package margin implements the four tick-lifecycle hooks described in
// spec.md §4.6: validate config on startup, borrow before entry, record
// the active trade after open, repay after close. Two modes exist:
// exchange-managed (hooks are no-ops; orders carry an auto-borrow/
// auto-repay side-effect flag) and explicit (hooks call Borrow/Repay
// directly and orders carry no side-effect flag).
package margin

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/peakrunner/internal/decimalstep"
	"github.com/web3guy0/peakrunner/internal/exchange"
	"github.com/web3guy0/peakrunner/internal/position"
)

// Mode mirrors exchange.BorrowMode; kept as a distinct type so the
// coordinator's config validation doesn't need to import exchange's
// order-placement types.
type Mode string

const (
	ModeExchangeManaged Mode = "auto"
	ModeExplicit        Mode = "manual"
)

// Config is the margin-relevant subset of the flat configuration
// surface (spec.md §6): TRADE_MODE, MARGIN_ISOLATED,
// MARGIN_BORROW_MODE, MARGIN_BORROW_BUFFER_PCT.
type Config struct {
	TradeMode      string // "spot" or "margin"
	Isolated       bool
	BorrowMode     Mode
	BorrowBufferPct decimal.Decimal // e.g. 0.003 for 0.3%
}

// Validate enforces the "no mixed modes" runtime invariant (spec.md
// §4.6): margin trading must pick exactly one of auto/manual; spot
// trading accepts any borrow mode and ignores it.
func (c Config) Validate() error {
	if c.TradeMode != "spot" && c.TradeMode != "margin" {
		return fmt.Errorf("margin: TRADE_MODE must be spot or margin, got %q", c.TradeMode)
	}
	if c.TradeMode == "spot" {
		return nil
	}
	if c.BorrowMode != ModeExchangeManaged && c.BorrowMode != ModeExplicit {
		return fmt.Errorf("margin: MARGIN_BORROW_MODE must be auto or manual, got %q", c.BorrowMode)
	}
	return nil
}

// AutoBorrow reports whether order placement should carry the
// exchange's auto-borrow/auto-repay side-effect flag.
func (c Config) AutoBorrow() bool {
	return c.TradeMode == "margin" && c.BorrowMode == ModeExchangeManaged
}

// Coordinator wires the four lifecycle hooks to an adapter and ledger.
type Coordinator struct {
	cfg     Config
	adapter exchange.Adapter
	ledger  *position.MarginLedger
}

// New validates cfg and returns a Coordinator, or an error if the
// config invariant is violated (programmer/operator error, fatal at
// startup per spec.md §7).
func New(cfg Config, adapter exchange.Adapter, ledger *position.MarginLedger) (*Coordinator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Coordinator{cfg: cfg, adapter: adapter, ledger: ledger}, nil
}

// BorrowAsset is the asset that must be borrowed for side: quote asset
// for LONG, base asset for SHORT. Callers pass the resolved symbol
// halves; this package doesn't parse the trading-pair string itself.
func BorrowAsset(side position.Side, baseAsset, quoteAsset string) string {
	if side == position.Long {
		return quoteAsset
	}
	return baseAsset
}

// BeforeEntry borrows the computed amount if in explicit mode. qty and
// price must be the *formatted* values that will actually be sent to
// the exchange (spec.md §4.6: computing the borrow from pre-format
// values under-borrows once rounding is applied and the exchange
// rejects with insufficient balance).
func (c *Coordinator) BeforeEntry(tradeKey string, side position.Side, formattedQty, formattedPrice decimal.Decimal, baseAsset, quoteAsset string) error {
	if c.cfg.TradeMode != "margin" || c.cfg.BorrowMode != ModeExplicit {
		return nil
	}

	notional := formattedQty.Mul(formattedPrice)
	buffer := decimal.NewFromInt(1).Add(c.cfg.BorrowBufferPct)
	amount := notional.Mul(buffer)
	asset := BorrowAsset(side, baseAsset, quoteAsset)
	if side == position.Short {
		amount = formattedQty.Mul(buffer)
	}

	if err := c.adapter.Borrow(asset, amount); err != nil {
		return fmt.Errorf("margin: borrow %s %s for %s: %w", amount, asset, tradeKey, err)
	}
	c.ledger.RecordBorrow(tradeKey, asset, amount)
	log.Info().Str("trade_key", tradeKey).Str("asset", asset).Str("amount", amount.String()).Msg("margin: borrowed")
	return nil
}

// AfterEntryOpened records tradeKey as the ledger's active trade.
func (c *Coordinator) AfterEntryOpened(tradeKey string) {
	c.ledger.ActiveTradeKey = tradeKey
}

// AfterPositionClosed repays all outstanding borrow for tradeKey if in
// explicit mode. Exchange-managed mode relies on the venue's
// auto-repay side effect and only clears the ledger bookkeeping.
func (c *Coordinator) AfterPositionClosed(tradeKey string) error {
	if c.cfg.TradeMode != "margin" {
		return nil
	}
	if c.cfg.BorrowMode == ModeExchangeManaged {
		c.ledger.MarkRepaid(tradeKey)
		return nil
	}

	borrowed := c.ledger.Borrowed[tradeKey]
	for asset, amount := range borrowed {
		if amount.IsZero() {
			continue
		}
		if err := c.adapter.Repay(asset, amount); err != nil {
			return fmt.Errorf("margin: repay %s %s for %s: %w", amount, asset, tradeKey, err)
		}
		log.Info().Str("trade_key", tradeKey).Str("asset", asset).Str("amount", amount.String()).Msg("margin: repaid")
	}
	c.ledger.MarkRepaid(tradeKey)
	return nil
}

// FormatBorrowQty rounds qty down to step before computing notional,
// matching decimalstep's floor convention for exchange-bound
// quantities.
func FormatBorrowQty(qty, step decimal.Decimal) decimal.Decimal {
	return decimalstep.FloorToStep(qty, step)
}
