package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradecore/internal/config"
	"tradecore/internal/exchange"
	"tradecore/internal/execution"
	"tradecore/internal/feed"
	"tradecore/internal/logger"
	"tradecore/internal/models"
	"tradecore/internal/orders"
	"tradecore/internal/ratelimit"
	"tradecore/internal/risk"
)

type fakeBroker struct {
	mu         sync.Mutex
	placed     []models.OrderRequest
	accountErr error
	account    models.Account
	positions  []models.Position
	dayPnL     float64
	dayPnLErr  error
}

func (b *fakeBroker) PlaceOrder(_ context.Context, order models.OrderRequest) (models.OrderAck, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.placed = append(b.placed, order)
	return models.OrderAck{ID: "srv-" + order.ClientOrderID, ClientOrderID: order.ClientOrderID, Symbol: order.Symbol, Status: "accepted"}, nil
}

func (b *fakeBroker) OrderByClientID(_ context.Context, id string) (models.OrderAck, error) {
	return models.OrderAck{}, exchange.ErrOrderNotFound
}

func (b *fakeBroker) GetAccount(context.Context) (models.Account, error) {
	if b.accountErr != nil {
		return models.Account{}, b.accountErr
	}
	return b.account, nil
}

func (b *fakeBroker) GetPositions(context.Context) ([]models.Position, error) {
	return b.positions, nil
}

func (b *fakeBroker) DayPnL(context.Context) (float64, error) {
	return b.dayPnL, b.dayPnLErr
}

func (b *fakeBroker) orders() []models.OrderRequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]models.OrderRequest(nil), b.placed...)
}

type fakeMarketData struct{}

func (fakeMarketData) ProbeEntitlement(context.Context, string, string) error { return nil }

func (fakeMarketData) Snapshots(context.Context, []string) (map[string]models.Snapshot, error) {
	return map[string]models.Snapshot{}, nil
}

func (fakeMarketData) Bars(context.Context, []string, time.Time, time.Time) (map[string][]models.Bar, error) {
	return map[string][]models.Bar{}, nil
}

type fakeStream struct {
	events chan exchange.Event
}

func (s *fakeStream) Run(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

func (s *fakeStream) Events() <-chan exchange.Event { return s.events }

type fakeSwitch struct {
	mu      sync.Mutex
	engaged bool
}

func (s *fakeSwitch) Engaged() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.engaged
}

func (s *fakeSwitch) Engage(string) error {
	s.mu.Lock()
	s.engaged = true
	s.mu.Unlock()
	return nil
}

func (s *fakeSwitch) Watch(ctx context.Context, _ func(bool)) error {
	<-ctx.Done()
	return nil
}

func testConfig() *config.Config {
	return &config.Config{
		Feed: config.FeedConfig{
			Symbols:          []string{"AAPL"},
			Staleness:        5 * time.Second,
			WatchdogInterval: 50 * time.Millisecond,
			TickSize:         0.01,
		},
		Risk: config.RiskConfig{
			Preset:  "balanced",
			Presets: risk.DefaultPresets(),
		},
		Execution: config.ExecutionConfig{
			Workers:        2,
			QueueSize:      8,
			MaxAttempts:    3,
			BackoffMin:     time.Millisecond,
			BackoffMax:     5 * time.Millisecond,
			AttemptTimeout: time.Second,
		},
		Runtime: config.RuntimeConfig{Mode: config.ModePaper},
	}
}

type harness struct {
	engine *Engine
	broker *fakeBroker
	stream *fakeStream
	ks     *fakeSwitch
}

func startEngine(t *testing.T, cfg *config.Config, broker *fakeBroker) *harness {
	t.Helper()
	h := &harness{
		broker: broker,
		stream: &fakeStream{events: make(chan exchange.Event, 16)},
		ks:     &fakeSwitch{},
	}
	h.engine = New(cfg, feed.Premium, Deps{
		Broker:     broker,
		MarketData: fakeMarketData{},
		Stream:     h.stream,
		Budget:     ratelimit.New(time.Second, logger.Discard()),
		KillSwitch: h.ks,
	}, logger.Discard())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.engine.Start(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Error("engine did not stop")
		}
	})
	require.Eventually(t, h.engine.running.Load, time.Second, 5*time.Millisecond)
	return h
}

func (h *harness) trade(t *testing.T, symbol string, price float64) {
	t.Helper()
	now := time.Now()
	h.stream.events <- exchange.Event{
		Type:   exchange.EventTypeMarket,
		Market: &models.MarketEvent{Kind: models.EventKindTrade, Symbol: symbol, Price: price, EventTime: now, IngestAt: now},
		At:     now,
	}
	require.Eventually(t, func() bool {
		_, ok := h.engine.Monitor().LastPrice(symbol)
		return ok
	}, time.Second, 5*time.Millisecond)
}

func healthyBroker() *fakeBroker {
	return &fakeBroker{account: models.Account{Equity: 100_000, LastEquity: 100_000}}
}

func TestTradeReachesBroker(t *testing.T) {
	h := startEngine(t, testConfig(), healthyBroker())
	h.trade(t, "AAPL", 190)

	out, err := h.engine.Trade(context.Background(), Intent{
		Symbol:      "AAPL",
		Side:        models.OrderSideBuy,
		Qty:         2,
		TimeInForce: models.TimeInForceDay,
	})
	require.NoError(t, err)
	assert.True(t, out.Decision.Allow, out.Decision.Detail)
	require.NotNil(t, out.Result)
	assert.Equal(t, execution.StateAcked, out.Result.State)

	placed := h.broker.orders()
	require.Len(t, placed, 1)
	assert.Equal(t, out.Order.ClientOrderID, placed[0].ClientOrderID)

	// The acknowledged trade starts the cooldown.
	out, err = h.engine.Trade(context.Background(), Intent{
		Symbol:      "AAPL",
		Side:        models.OrderSideBuy,
		Qty:         1,
		TimeInForce: models.TimeInForceDay,
	})
	require.NoError(t, err)
	assert.Equal(t, risk.ReasonCooldown, out.Decision.Reason)
	assert.Nil(t, out.Result)
	assert.Len(t, h.broker.orders(), 1)
}

func TestKillSwitchBlocksTrading(t *testing.T) {
	h := startEngine(t, testConfig(), healthyBroker())
	h.trade(t, "AAPL", 190)
	require.NoError(t, h.ks.Engage("operator"))

	out, err := h.engine.Trade(context.Background(), Intent{Symbol: "AAPL", Side: models.OrderSideBuy, Qty: 1, TimeInForce: models.TimeInForceDay})
	require.NoError(t, err)
	assert.Equal(t, risk.ReasonKillSwitch, out.Decision.Reason)
	assert.Empty(t, h.broker.orders())
}

func TestSilentFeedDeniesTrading(t *testing.T) {
	h := startEngine(t, testConfig(), healthyBroker())

	limit := 190.0
	out, err := h.engine.Trade(context.Background(), Intent{
		Symbol: "AAPL", Side: models.OrderSideBuy, Qty: 1, TimeInForce: models.TimeInForceDay, LimitPrice: &limit,
	})
	require.NoError(t, err)
	assert.Equal(t, risk.ReasonDataUnreliable, out.Decision.Reason)
	assert.Empty(t, h.broker.orders())
}

func TestAccountUnavailableFailsClosed(t *testing.T) {
	broker := healthyBroker()
	broker.accountErr = errors.New("account endpoint down")
	h := startEngine(t, testConfig(), broker)
	h.trade(t, "AAPL", 190)

	out, err := h.engine.Trade(context.Background(), Intent{Symbol: "AAPL", Side: models.OrderSideBuy, Qty: 1, TimeInForce: models.TimeInForceDay})
	require.NoError(t, err)
	assert.Equal(t, risk.ReasonInputUnavailable, out.Decision.Reason)
	assert.Empty(t, broker.orders())
}

func TestFallbackEquityWhenAccountUnavailable(t *testing.T) {
	cfg := testConfig()
	cfg.Risk.FallbackEquity = 100_000
	broker := healthyBroker()
	broker.accountErr = errors.New("account endpoint down")
	broker.dayPnL = -120
	h := startEngine(t, cfg, broker)
	h.trade(t, "AAPL", 190)

	out, err := h.engine.Trade(context.Background(), Intent{Symbol: "AAPL", Side: models.OrderSideBuy, Qty: 2, TimeInForce: models.TimeInForceDay})
	require.NoError(t, err)
	assert.True(t, out.Decision.Allow, out.Decision.Detail)
	require.NotNil(t, out.Result)
	assert.Equal(t, execution.StateAcked, out.Result.State)
}

func TestFallbackEquityStillNeedsDailyPnL(t *testing.T) {
	cfg := testConfig()
	cfg.Risk.FallbackEquity = 100_000
	broker := healthyBroker()
	broker.accountErr = errors.New("account endpoint down")
	broker.dayPnLErr = errors.New("portfolio history down")
	h := startEngine(t, cfg, broker)
	h.trade(t, "AAPL", 190)

	out, err := h.engine.Trade(context.Background(), Intent{Symbol: "AAPL", Side: models.OrderSideBuy, Qty: 2, TimeInForce: models.TimeInForceDay})
	require.NoError(t, err)
	assert.Equal(t, risk.ReasonInputUnavailable, out.Decision.Reason)
	assert.Empty(t, broker.orders())
}

func TestInvalidIntentIsAnError(t *testing.T) {
	h := startEngine(t, testConfig(), healthyBroker())

	_, err := h.engine.Trade(context.Background(), Intent{Symbol: "AAPL", Side: models.OrderSideBuy, Qty: 0, TimeInForce: models.TimeInForceDay})
	var verr *orders.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.ErrorIs(t, err, orders.ErrInvalidQuantity)
}

func TestTradeBeforeStart(t *testing.T) {
	cfg := testConfig()
	e := New(cfg, feed.Premium, Deps{
		Broker:     healthyBroker(),
		MarketData: fakeMarketData{},
		Stream:     &fakeStream{events: make(chan exchange.Event)},
		Budget:     ratelimit.New(time.Second, logger.Discard()),
		KillSwitch: &fakeSwitch{},
	}, logger.Discard())
	e.monitor.Observe(models.MarketEvent{Kind: models.EventKindTrade, Symbol: "AAPL", Price: 190, EventTime: time.Now(), IngestAt: time.Now()})

	out, err := e.Trade(context.Background(), Intent{Symbol: "AAPL", Side: models.OrderSideBuy, Qty: 1, TimeInForce: models.TimeInForceDay})
	assert.ErrorIs(t, err, ErrNotRunning)
	assert.True(t, out.Decision.Allow)
}

func TestStreamOutagesReachMonitor(t *testing.T) {
	h := startEngine(t, testConfig(), healthyBroker())
	h.trade(t, "AAPL", 190)

	h.stream.events <- exchange.Event{Type: exchange.EventTypeDisconnect, Err: errors.New("eof"), At: time.Now()}
	h.stream.events <- exchange.Event{Type: exchange.EventTypeReconnect, At: time.Now()}
	h.trade(t, "AAPL", 191)

	price, ok := h.engine.Monitor().LastPrice("AAPL")
	require.True(t, ok)
	assert.Eventually(t, func() bool {
		p, _ := h.engine.Monitor().LastPrice("AAPL")
		return p == 191
	}, time.Second, 5*time.Millisecond, "last price %v", price)
}
