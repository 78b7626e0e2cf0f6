package alpaca

import (
	"tradecore/internal/config"
	"tradecore/internal/exchange/alpaca/rest"
	"tradecore/internal/exchange/alpaca/ws"
	"tradecore/internal/feed"
	"tradecore/internal/logger"
)

// Client is the broker REST surface plus a factory for the market stream,
// which can only be built once the feed tier is known.
type Client struct {
	*rest.Client

	cfg config.BrokerConfig
	log *logger.Logger
}

func New(cfg config.BrokerConfig, log *logger.Logger) *Client {
	c := &Client{
		Client: rest.New(cfg.BaseURL, cfg.DataURL, cfg.ApiKey, cfg.Secret, cfg.Timeout, log),
		cfg:    cfg,
		log:    log,
	}
	c.SetDataRate(cfg.DataRatePerMin)
	return c
}

// Stream pins the REST data queries to tier and returns a stream on the same feed.
func (c *Client) Stream(tier feed.Tier, symbols []string) *ws.Client {
	c.SetFeed(tier.Name())
	return ws.New(ws.Config{
		BaseURL: c.cfg.StreamURL,
		Feed:    tier.Name(),
		Key:     c.cfg.ApiKey,
		Secret:  c.cfg.Secret,
		Symbols: symbols,
	}, c.log)
}
