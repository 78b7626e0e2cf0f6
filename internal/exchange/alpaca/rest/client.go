package rest

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"tradecore/internal/logger"
)

const (
	DefaultBaseURL = "https://paper-api.alpaca.markets"
	DefaultDataURL = "https://data.alpaca.markets"

	// DefaultDataRatePerMin is the market-data allowance of the basic plan.
	DefaultDataRatePerMin = 200
)

// Budget is the trading-API rate-limit state shared with the execution queue.
type Budget interface {
	Acquire(ctx context.Context) error
	Update(h http.Header)
}

type Client struct {
	baseURL    string
	dataURL    string
	apiKey     string
	secret     string
	httpClient *http.Client
	dataPace   *rate.Limiter
	log        *logger.Logger

	mu     sync.RWMutex
	feed   string
	budget Budget
}

func New(baseURL, dataURL, apiKey, secret string, timeout time.Duration, log *logger.Logger) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if dataURL == "" {
		dataURL = DefaultDataURL
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		dataURL: strings.TrimRight(dataURL, "/"),
		apiKey:  apiKey,
		secret:  secret,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		dataPace: rate.NewLimiter(perMinute(DefaultDataRatePerMin), dataBurst(DefaultDataRatePerMin)),
		log:      log,
		feed:     "iex",
	}
}

// SetDataRate paces market-data queries to perMin calls per minute.
func (c *Client) SetDataRate(perMin int) {
	if perMin <= 0 {
		return
	}
	c.dataPace.SetLimit(perMinute(perMin))
	c.dataPace.SetBurst(dataBurst(perMin))
}

func perMinute(n int) rate.Limit {
	return rate.Limit(float64(n) / 60)
}

func dataBurst(perMin int) int {
	return max(1, perMin/20)
}

// SetFeed fixes the market-data feed used by snapshot and bar queries.
func (c *Client) SetFeed(feed string) {
	c.mu.Lock()
	c.feed = feed
	c.mu.Unlock()
}

func (c *Client) Feed() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.feed
}

// SetBudget meters trading-API calls against b. Order placement and lookup
// only refresh it; their caller reserves the call.
func (c *Client) SetBudget(b Budget) {
	c.mu.Lock()
	c.budget = b
	c.mu.Unlock()
}

func (c *Client) tradingBudget() Budget {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.budget
}

func (c *Client) logEntry() *logrus.Entry {
	return c.log.WithComponent("alpaca_rest")
}
