package exchange

import (
	"context"
	"time"

	"tradecore/internal/models"
)

type EventType string

const (
	EventTypeMarket     EventType = "Market"
	EventTypeDisconnect EventType = "Disconnect"
	EventTypeReconnect  EventType = "Reconnect"
)

type Event struct {
	Type   EventType
	Market *models.MarketEvent
	Err    error
	At     time.Time
}

type Broker interface {
	PlaceOrder(ctx context.Context, order models.OrderRequest) (models.OrderAck, error)
	OrderByClientID(ctx context.Context, clientOrderID string) (models.OrderAck, error)
	GetAccount(ctx context.Context) (models.Account, error)
	GetPositions(ctx context.Context) ([]models.Position, error)
	DayPnL(ctx context.Context) (float64, error)
}

type MarketData interface {
	ProbeEntitlement(ctx context.Context, feed, symbol string) error
	Snapshots(ctx context.Context, symbols []string) (map[string]models.Snapshot, error)
	Bars(ctx context.Context, symbols []string, start, end time.Time) (map[string][]models.Bar, error)
}

type Stream interface {
	Run(ctx context.Context) error
	Events() <-chan Event
}
