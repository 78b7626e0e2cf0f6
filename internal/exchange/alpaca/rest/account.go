package rest

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"tradecore/internal/models"
)

var ErrNoProfitLoss = errors.New("portfolio history has no profit/loss for today")

func (c *Client) GetAccount(ctx context.Context) (models.Account, error) {
	var resp accountResponse
	if _, err := c.doTrading(ctx, http.MethodGet, "/v2/account", nil, nil, &resp); err != nil {
		return models.Account{}, err
	}

	return models.Account{
		Equity:      parseNumberOrZero(resp.Equity),
		LastEquity:  parseNumberOrZero(resp.LastEquity),
		BuyingPower: parseNumberOrZero(resp.BuyingPower),
		Blocked:     resp.TradingBlocked || resp.AccountBlocked,
	}, nil
}

// GetPositions returns open positions with short quantities negated.
func (c *Client) GetPositions(ctx context.Context) ([]models.Position, error) {
	var resp []positionResponse
	if _, err := c.doTrading(ctx, http.MethodGet, "/v2/positions", nil, nil, &resp); err != nil {
		return nil, err
	}

	positions := make([]models.Position, 0, len(resp))
	for _, p := range resp {
		qty := parseNumberOrZero(p.Qty)
		if strings.EqualFold(p.Side, "short") && qty > 0 {
			qty = -qty
		}
		positions = append(positions, models.Position{
			Symbol:   p.Symbol,
			Qty:      qty,
			AvgPrice: parseNumberOrZero(p.AvgEntryPrice),
			Notional: parseNumberOrZero(p.MarketValue),
		})
	}
	return positions, nil
}

// DayPnL reads today's profit and loss from the portfolio history, which is
// served independently of the account snapshot.
func (c *Client) DayPnL(ctx context.Context) (float64, error) {
	params := url.Values{}
	params.Set("period", "1D")
	params.Set("timeframe", "1D")

	var resp portfolioHistoryResponse
	if _, err := c.doTrading(ctx, http.MethodGet, "/v2/account/portfolio/history", params, nil, &resp); err != nil {
		return 0, err
	}
	for i := len(resp.ProfitLoss) - 1; i >= 0; i-- {
		if pl := resp.ProfitLoss[i]; pl != nil {
			return *pl, nil
		}
	}
	return 0, ErrNoProfitLoss
}
