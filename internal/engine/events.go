package engine

import (
	"context"

	"tradecore/internal/exchange"
)

// handleEvents is the single ingest path from the stream into the monitor.
func (e *Engine) handleEvents(ctx context.Context, events <-chan exchange.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				e.logEntry().Warn("Stream event channel closed.")
				return
			}
			switch event.Type {
			case exchange.EventTypeMarket:
				if event.Market != nil {
					e.monitor.Observe(*event.Market)
				}
			case exchange.EventTypeDisconnect:
				e.monitor.NoteDisconnect(event.At, event.Err)
			case exchange.EventTypeReconnect:
				e.monitor.NoteReconnect(event.At)
			}
		}
	}
}
