package ws

import (
	"encoding/json"
	"fmt"
	"time"

	"tradecore/internal/models"
)

// toMarketEvent maps a stream element to a market event. ok is false for
// elements that are not market data. A bar is stamped with the end of its
// minute, which is when it becomes observable.
func toMarketEvent(m Message, ingest time.Time) (ev models.MarketEvent, ok bool, err error) {
	if m.S == "" {
		return models.MarketEvent{}, false, nil
	}
	ev = models.MarketEvent{
		Symbol:   m.S,
		IngestAt: ingest,
	}

	switch m.T {
	case typeTrade:
		var t tradeMessage
		if err := json.Unmarshal(m.Raw, &t); err != nil {
			return models.MarketEvent{}, false, fmt.Errorf("decode trade: %w", err)
		}
		ev.Kind = models.EventKindTrade
		ev.Price = t.Price
		ev.EventTime = t.Timestamp
	case typeBar:
		var b barMessage
		if err := json.Unmarshal(m.Raw, &b); err != nil {
			return models.MarketEvent{}, false, fmt.Errorf("decode bar: %w", err)
		}
		ev.Kind = models.EventKindBar
		ev.Price = b.Close
		ev.EventTime = b.Timestamp.Add(time.Minute)
	case typeQuote:
		var q quoteMessage
		if err := json.Unmarshal(m.Raw, &q); err != nil {
			return models.MarketEvent{}, false, fmt.Errorf("decode quote: %w", err)
		}
		ev.Kind = models.EventKindQuote
		ev.EventTime = q.Timestamp
		if q.BidPrice > 0 && q.AskPrice > 0 {
			ev.Price = (q.BidPrice + q.AskPrice) / 2
		}
	default:
		return models.MarketEvent{}, false, nil
	}

	if ev.EventTime.IsZero() {
		return models.MarketEvent{}, false, fmt.Errorf("%s event for %s has no timestamp", m.T, m.S)
	}
	return ev, true, nil
}
