package rest

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/sirupsen/logrus"

	"tradecore/internal/models"
)

func (c *Client) PlaceOrder(ctx context.Context, order models.OrderRequest) (models.OrderAck, error) {
	body := orderBody{
		Symbol:        order.Symbol,
		Qty:           formatQty(order.Qty),
		Side:          string(order.Side),
		Type:          string(order.Type),
		TimeInForce:   string(order.TimeInForce),
		ClientOrderID: order.ClientOrderID,
	}
	if order.LimitPrice != nil {
		body.LimitPrice = formatPrice(*order.LimitPrice)
	}
	if order.Class == models.OrderClassBracket && order.Bracket != nil {
		body.OrderClass = string(models.OrderClassBracket)
		body.TakeProfit = &orderLeg{LimitPrice: formatPrice(order.Bracket.TakeProfit)}
		body.StopLoss = &orderLeg{StopPrice: formatPrice(order.Bracket.StopLoss)}
	}

	var resp orderResponse
	header, err := c.doReserved(ctx, http.MethodPost, "/v2/orders", nil, body, &resp)
	if err != nil {
		return models.OrderAck{}, err
	}

	c.logEntry().WithFields(logrus.Fields{
		"client_order_id": order.ClientOrderID,
		"order_id":        resp.ID,
		"status":          resp.Status,
	}).Debug("Order accepted by broker.")

	ack := toAck(resp)
	ack.Header = header
	return ack, nil
}

// OrderByClientID resolves an order previously sent with the given idempotency key.
func (c *Client) OrderByClientID(ctx context.Context, clientOrderID string) (models.OrderAck, error) {
	params := url.Values{}
	params.Set("client_order_id", clientOrderID)

	var resp orderResponse
	header, err := c.doReserved(ctx, http.MethodGet, "/v2/orders:by_client_order_id", params, nil, &resp)
	if err != nil {
		return models.OrderAck{}, fmt.Errorf("lookup order %s: %w", clientOrderID, err)
	}

	ack := toAck(resp)
	ack.Header = header
	return ack, nil
}

func toAck(resp orderResponse) models.OrderAck {
	return models.OrderAck{
		ID:            resp.ID,
		ClientOrderID: resp.ClientOrderID,
		Symbol:        resp.Symbol,
		Status:        resp.Status,
		SubmittedAt:   resp.SubmittedAt,
	}
}
