// Package planner implements the pure exit-safety planner (spec.md
// §4.9). Given an immutable view of the position, the open-orders
// snapshot, the mid-price snapshot, and per-order last-known statuses,
// Evaluate returns a Plan: a list of recommended actions. It has no
// side effects — the tick package is the impure orchestrator that
// executes plans; this package only encodes decisions, which is what
// makes it independently testable.
package planner

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/web3guy0/peakrunner/internal/exchange"
	"github.com/web3guy0/peakrunner/internal/position"
)

// ActionKind is the closed sum of plan variants.
type ActionKind string

const (
	ActionPlaceStopMarketFallback    ActionKind = "PLACE_STOP_MARKET_FALLBACK"
	ActionCancelOrder                ActionKind = "CANCEL_ORDER"
	ActionActivateSyntheticTrailing  ActionKind = "ACTIVATE_SYNTHETIC_TRAILING"
	ActionMoveStopToBreakeven        ActionKind = "MOVE_STOP_TO_BREAKEVEN"
	ActionMarketCloseQty             ActionKind = "MARKET_CLOSE_QTY"
	ActionFinalize                   ActionKind = "FINALIZE"
	ActionRebalanceMarket            ActionKind = "REBALANCE_MARKET"
)

// Action is one recommended step. Not every field applies to every
// Kind; callers switch on Kind before reading the rest.
type Action struct {
	Kind      ActionKind
	Qty       decimal.Decimal
	Side      exchange.Side
	OrderID   string
	StopPrice decimal.Decimal
	Reason    string
}

// Event is an event-log entry the plan recommends emitting. SetFlag,
// when non-empty, names a one-shot flag on the position the tick must
// set to true so the same detection event is not re-logged every tick
// while the underlying condition persists (spec.md §4.9). Action
// events (fallback placed, trailing activated) carry an empty SetFlag
// and are always logged.
type Event struct {
	Action  string
	Message string
	SetFlag string
}

// Plan is the planner's full output for one evaluation.
type Plan struct {
	Actions []Action
	Events  []Event
}

func (p *Plan) addAction(a Action) { p.Actions = append(p.Actions, a) }
func (p *Plan) addEvent(e Event)   { p.Events = append(p.Events, e) }

// PositionView is the immutable subset of position.Position the
// planner reads. It is built once per tick from the live *Position and
// passed by value so the planner cannot accidentally mutate live
// state.
type PositionView struct {
	TradeKey string
	Side     position.Side
	Status   position.Status

	Qty1, Qty2, Qty3 decimal.Decimal
	Degraded         bool

	Entry, SL, TP1, TP2 decimal.Decimal
	SLID, TP1ID, TP2ID  string

	TP1Done, TP2Done, SLDone bool
	TrailActive              bool

	WDSLPartialLogged  bool
	WDSLSlippageLogged bool
	WDTP1MissingLogged bool
	WDTP2MissingLogged bool
}

// ViewOf builds a PositionView from a live position.
func ViewOf(p *position.Position) PositionView {
	return PositionView{
		TradeKey: p.TradeKey, Side: p.Side, Status: p.Status,
		Qty1: p.Qty1, Qty2: p.Qty2, Qty3: p.Qty3, Degraded: p.Degraded,
		Entry: p.Entry, SL: p.SL, TP1: p.TP1, TP2: p.TP2,
		SLID: p.SLID, TP1ID: p.TP1ID, TP2ID: p.TP2ID,
		TP1Done: p.TP1Done, TP2Done: p.TP2Done, SLDone: p.SLDone,
		TrailActive:        p.TrailActive,
		WDSLPartialLogged:  p.WDSLPartialLogged,
		WDSLSlippageLogged: p.WDSLSlippageLogged,
		WDTP1MissingLogged: p.WDTP1MissingLogged,
		WDTP2MissingLogged: p.WDTP2MissingLogged,
	}
}

// Config carries the planner's threshold inputs from the flat
// configuration surface (spec.md §6).
type Config struct {
	SLWatchdogGraceSec int
}

// statusByID finds the snapshot entry for orderID, if any is known.
func statusByID(openOrders []exchange.OrderStatusReport, lastKnown map[string]exchange.OrderStatusReport, orderID string) (exchange.OrderStatusReport, bool) {
	for _, o := range openOrders {
		if o.OrderID == orderID {
			return o, true
		}
	}
	if r, ok := lastKnown[orderID]; ok {
		return r, true
	}
	return exchange.OrderStatusReport{}, false
}

// Evaluate runs every detection policy against view and returns the
// combined plan. lastKnown supplies each order's most recently
// observed status when it is no longer in openOrders (e.g. because it
// already went terminal and dropped off the open-orders list).
func Evaluate(view PositionView, openOrders []exchange.OrderStatusReport, lastKnown map[string]exchange.OrderStatusReport, mid decimal.Decimal, now time.Time, slWatchdogSince time.Time, cfg Config) Plan {
	var plan Plan

	if view.Status != position.StatusOpen && view.Status != position.StatusOpenFilled {
		return plan
	}

	slReport, slKnown := statusByID(openOrders, lastKnown, view.SLID)

	// Terminal detection: stop observed FILLED → finalize.
	if slKnown && slReport.Status == exchange.StatusFilled {
		plan.addAction(Action{Kind: ActionFinalize, Reason: "stop loss filled"})
		plan.addEvent(Event{Action: "SL_FILLED", Message: "stop loss order filled"})
		return plan
	}

	// SL partial: executedQty > 0 and status not terminal.
	if slKnown && slReport.ExecutedQty.GreaterThan(decimal.Zero) && !slReport.Status.IsTerminal() {
		remainder := positionRemainder(view).Sub(slReport.ExecutedQty)
		plan.addAction(Action{Kind: ActionCancelOrder, OrderID: view.SLID, Reason: "sl partial fill"})
		if remainder.GreaterThan(decimal.Zero) {
			plan.addAction(Action{Kind: ActionMarketCloseQty, Qty: remainder, Side: exitSide(view.Side), Reason: "flatten remainder after sl partial"})
		}
		if !view.WDSLPartialLogged {
			plan.addEvent(Event{Action: "SL_PARTIAL_DETECTED", Message: "stop loss partially filled, flattening remainder", SetFlag: "WDSLPartialLogged"})
		}
	}

	// SL slippage: mid crossed stop beyond grace period, stop still
	// non-terminal.
	if slKnown && !slReport.Status.IsTerminal() && !view.SL.IsZero() && midCrossedStop(view.Side, mid, view.SL) {
		graceDeadline := slWatchdogSince.Add(time.Duration(cfg.SLWatchdogGraceSec) * time.Second)
		if !slWatchdogSince.IsZero() && now.After(graceDeadline) {
			plan.addAction(Action{Kind: ActionPlaceStopMarketFallback, Qty: positionRemainder(view), Side: exitSide(view.Side), Reason: "sl slippage beyond grace period"})
			if !view.WDSLSlippageLogged {
				plan.addEvent(Event{Action: "SL_SLIPPAGE_DETECTED", Message: "mid crossed stop beyond grace period", SetFlag: "WDSLSlippageLogged"})
			}
		}
	}

	// TP1 missing + price crossed.
	if !view.TP1Done {
		tp1Report, tp1Known := statusByID(openOrders, lastKnown, view.TP1ID)
		if tp1Known && isMissingLike(tp1Report.Status) && priceCrossed(view.Side, mid, view.TP1) {
			plan.addAction(Action{Kind: ActionMarketCloseQty, Qty: view.Qty1, Side: exitSide(view.Side), Reason: "tp1 missing, price already crossed"})
			plan.addAction(Action{Kind: ActionMoveStopToBreakeven, StopPrice: view.Entry, Reason: "initialize break-even after tp1 market-close"})
			if !view.WDTP1MissingLogged {
				plan.addEvent(Event{Action: "TP1_MISSING_DETECTED", Message: "tp1 order missing after price crossed", SetFlag: "WDTP1MissingLogged"})
			}
		}
	}

	// TP2 missing + price crossed: trailing activation uses qty2+qty3
	// since TP2 never filled.
	if view.TP1Done && !view.TP2Done {
		tp2Report, tp2Known := statusByID(openOrders, lastKnown, view.TP2ID)
		if tp2Known && isMissingLike(tp2Report.Status) && priceCrossed(view.Side, mid, view.TP2) {
			remainder := view.Qty2.Add(view.Qty3)
			plan.addAction(Action{Kind: ActionMarketCloseQty, Qty: view.Qty2, Side: exitSide(view.Side), Reason: "tp2 missing, price already crossed"})
			plan.addAction(Action{Kind: ActionActivateSyntheticTrailing, Qty: remainder, Reason: "tp2 never filled, trailing activates on qty2+qty3"})
			if !view.WDTP2MissingLogged {
				plan.addEvent(Event{Action: "TP2_MISSING_DETECTED", Message: "tp2 order missing after price crossed", SetFlag: "WDTP2MissingLogged"})
			}
		}
	}

	return plan
}

func positionRemainder(view PositionView) decimal.Decimal {
	remainder := decimal.Zero
	if !view.TP1Done {
		remainder = remainder.Add(view.Qty1)
	}
	if !view.TP2Done {
		remainder = remainder.Add(view.Qty2)
	}
	remainder = remainder.Add(view.Qty3)
	return remainder
}

func exitSide(side position.Side) exchange.Side {
	if side == position.Long {
		return exchange.Sell
	}
	return exchange.Buy
}

func midCrossedStop(side position.Side, mid, sl decimal.Decimal) bool {
	if side == position.Long {
		return mid.LessThanOrEqual(sl)
	}
	return mid.GreaterThanOrEqual(sl)
}

func priceCrossed(side position.Side, mid, target decimal.Decimal) bool {
	if side == position.Long {
		return mid.GreaterThanOrEqual(target)
	}
	return mid.LessThanOrEqual(target)
}

func isMissingLike(s exchange.OrderStatus) bool {
	switch s {
	case exchange.StatusCanceled, exchange.StatusExpired, exchange.StatusRejected, exchange.StatusMissing:
		return true
	}
	return false
}
