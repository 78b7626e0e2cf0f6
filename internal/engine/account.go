package engine

import (
	"context"
	"time"

	"tradecore/internal/execution"
	"tradecore/internal/models"
	"tradecore/internal/risk"
)

const readAttempts = 3

// accountState gathers the gate's inputs. Anything that cannot be read is left
// unknown so that the gate fails closed.
func (e *Engine) accountState(ctx context.Context, order models.OrderRequest, option *risk.OptionMetrics) risk.AccountState {
	state := risk.AccountState{
		LastTradeAt: e.lastTrades(),
		MarkPrices:  make(map[string]float64),
	}

	account, err := withRetry(ctx, e, func(ctx context.Context) (models.Account, error) {
		return e.deps.Broker.GetAccount(ctx)
	})
	if err != nil {
		e.logEntry().WithError(err).Warn("Account unavailable for risk evaluation.")
	} else if account.Equity > 0 {
		equity := account.Equity
		pnl := account.Equity - account.LastEquity
		state.Equity = &equity
		state.RealizedPnL = &pnl
	}

	// Without the account the gate may still size on fallback equity, but the
	// daily loss check needs P&L from the portfolio history.
	if state.RealizedPnL == nil {
		pnl, err := withRetry(ctx, e, e.deps.Broker.DayPnL)
		if err != nil {
			e.logEntry().WithError(err).Warn("Daily P&L unavailable for risk evaluation.")
		} else {
			state.RealizedPnL = &pnl
		}
	}

	positions, err := withRetry(ctx, e, func(ctx context.Context) ([]models.Position, error) {
		return e.deps.Broker.GetPositions(ctx)
	})
	if err != nil {
		e.logEntry().WithError(err).Warn("Positions unavailable for risk evaluation.")
		state.PositionsUnknown = true
	} else {
		state.Positions = positions
	}

	for _, sym := range append(symbolsOf(state.Positions), order.Symbol, order.Underlying()) {
		if price, ok := e.monitor.LastPrice(sym); ok {
			state.MarkPrices[sym] = price
		}
	}
	if option != nil {
		state.Options = map[string]risk.OptionMetrics{order.Symbol: *option}
		if _, ok := state.MarkPrices[order.Symbol]; !ok && option.Price > 0 {
			state.MarkPrices[order.Symbol] = option.Price
		}
	}
	return state
}

func (e *Engine) lastTrades() map[string]time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]time.Time, len(e.lastTrade))
	for sym, at := range e.lastTrade {
		out[sym] = at
	}
	return out
}

func symbolsOf(positions []models.Position) []string {
	out := make([]string, 0, len(positions))
	for _, p := range positions {
		out = append(out, p.Symbol)
	}
	return out
}

// withRetry retries transient read failures a few times with backoff.
func withRetry[T any](ctx context.Context, e *Engine, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	var lastErr error
	for attempt := 1; attempt <= readAttempts; attempt++ {
		v, err := fn(ctx)
		if err == nil {
			return v, nil
		}
		lastErr = err
		if !execution.Retryable(err) || attempt == readAttempts {
			break
		}
		e.logEntry().WithError(err).WithField("attempt", attempt).Warn("Broker read failed, retrying.")
		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-time.After(e.retry.Next(attempt)):
		}
	}
	return zero, lastErr
}
