package engine

import (
	"context"
	"fmt"

	"tradecore/internal/execution"
	"tradecore/internal/models"
	"tradecore/internal/orders"
	"tradecore/internal/risk"
)

// Intent is a strategy's request to trade. LimitPrice selects a limit entry and
// Bracket attaches exits. Option carries contract metrics for OCC symbols.
type Intent struct {
	Symbol        string
	Side          models.OrderSide
	Qty           float64
	TimeInForce   models.TimeInForce
	LimitPrice    *float64
	Bracket       *models.BracketLegs
	ClientOrderID string
	Option        *risk.OptionMetrics
}

// Outcome reports how far an intent got. Result is nil when the order was
// never queued.
type Outcome struct {
	Order    models.OrderRequest
	Decision risk.Decision
	Result   *execution.Result
}

// Trade builds, gates and submits one order. Validation failures are errors;
// risk denials are returned in Outcome.Decision.
func (e *Engine) Trade(ctx context.Context, intent Intent) (Outcome, error) {
	order, err := buildOrder(intent)
	if err != nil {
		e.logEntry().WithError(err).WithField("symbol", intent.Symbol).Warn("Order rejected by validation.")
		return Outcome{}, err
	}
	out := Outcome{Order: order}

	account := e.accountState(ctx, order, intent.Option)
	out.Decision = e.gate.Evaluate(order, e.preset, account)
	if !out.Decision.Allow {
		return out, nil
	}

	if !e.running.Load() {
		return out, ErrNotRunning
	}

	res, err := e.queue.Submit(ctx, order)
	out.Result = &res
	if err != nil {
		return out, fmt.Errorf("submit %s: %w", order.ClientOrderID, err)
	}

	return out, nil
}

func buildOrder(intent Intent) (models.OrderRequest, error) {
	var opts []orders.Option
	if intent.ClientOrderID != "" {
		opts = append(opts, orders.WithClientOrderID(intent.ClientOrderID))
	}

	switch {
	case intent.Bracket != nil && intent.LimitPrice != nil:
		return orders.BracketLimit(intent.Symbol, intent.Qty, intent.Side, intent.TimeInForce, intent.LimitPrice, *intent.Bracket, opts...)
	case intent.Bracket != nil:
		return orders.BracketMarket(intent.Symbol, intent.Qty, intent.Side, intent.TimeInForce, *intent.Bracket, opts...)
	case intent.LimitPrice != nil:
		return orders.Limit(intent.Symbol, intent.Qty, intent.Side, intent.TimeInForce, intent.LimitPrice, opts...)
	default:
		return orders.Market(intent.Symbol, intent.Qty, intent.Side, intent.TimeInForce, opts...)
	}
}
