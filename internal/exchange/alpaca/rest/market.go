package rest

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"tradecore/internal/models"
)

// maxBarPages stops a misbehaving pagination loop.
const maxBarPages = 50

// ProbeEntitlement fetches one snapshot on the given feed. A 403 means the
// account is not entitled to it.
func (c *Client) ProbeEntitlement(ctx context.Context, feed, symbol string) error {
	params := url.Values{}
	params.Set("feed", feed)

	var resp snapshotResponse
	path := "/v2/stocks/" + url.PathEscape(symbol) + "/snapshot"
	if err := c.doData(ctx, path, params, &resp); err != nil {
		return fmt.Errorf("probe %s feed: %w", feed, err)
	}
	return nil
}

func (c *Client) Snapshots(ctx context.Context, symbols []string) (map[string]models.Snapshot, error) {
	out := make(map[string]models.Snapshot, len(symbols))
	if len(symbols) == 0 {
		return out, nil
	}

	params := url.Values{}
	params.Set("symbols", strings.Join(symbols, ","))
	params.Set("feed", c.Feed())

	var resp map[string]*snapshotResponse
	if err := c.doData(ctx, "/v2/stocks/snapshots", params, &resp); err != nil {
		return nil, err
	}

	for symbol, snap := range resp {
		if snap == nil || snap.LatestTrade == nil {
			continue
		}
		out[symbol] = models.Snapshot{
			Symbol:    symbol,
			Price:     snap.LatestTrade.Price,
			Timestamp: snap.LatestTrade.Timestamp,
		}
	}
	return out, nil
}

// Bars returns one-minute bars in [start, end), following page tokens.
func (c *Client) Bars(ctx context.Context, symbols []string, start, end time.Time) (map[string][]models.Bar, error) {
	out := make(map[string][]models.Bar, len(symbols))
	if len(symbols) == 0 {
		return out, nil
	}

	params := url.Values{}
	params.Set("symbols", strings.Join(symbols, ","))
	params.Set("timeframe", "1Min")
	params.Set("start", start.UTC().Format(time.RFC3339))
	params.Set("end", end.UTC().Format(time.RFC3339))
	params.Set("feed", c.Feed())
	params.Set("limit", "10000")
	params.Set("adjustment", "raw")

	for page := 0; page < maxBarPages; page++ {
		var resp barsPage
		if err := c.doData(ctx, "/v2/stocks/bars", params, &resp); err != nil {
			return nil, err
		}
		for symbol, bars := range resp.Bars {
			for _, b := range bars {
				out[symbol] = append(out[symbol], models.Bar{
					Symbol:    symbol,
					Open:      b.Open,
					High:      b.High,
					Low:       b.Low,
					Close:     b.Close,
					Volume:    b.Volume,
					Timestamp: b.Timestamp,
				})
			}
		}
		if resp.NextPageToken == nil || *resp.NextPageToken == "" {
			return out, nil
		}
		params.Set("page_token", *resp.NextPageToken)
	}

	c.logEntry().WithFields(logrus.Fields{
		"symbols": len(symbols),
		"pages":   maxBarPages,
	}).Warn("Bar pagination truncated.")
	return out, nil
}
