package ws

import (
	"context"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"tradecore/internal/exchange"
)

const pingWriteWait = 5 * time.Second

// readLoop forwards market events until the connection fails or ctx ends.
func (w *Client) readLoop(ctx context.Context, conn *websocket.Conn) error {
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	extend := func() { _ = conn.SetReadDeadline(time.Now().Add(w.cfg.ReadTimeout)) }
	extend()
	conn.SetPongHandler(func(string) error {
		extend()
		return nil
	})

	pingCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go w.keepalive(pingCtx, conn)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read stream: %w", err)
		}
		ingest := time.Now()
		extend()

		msgs, err := decode(data)
		if err != nil {
			w.logEntry().WithError(err).Warn("Failed to decode stream message.")
			continue
		}

		for _, m := range msgs {
			if m.T == typeError {
				w.logEntry().WithFields(logrus.Fields{
					"code": m.Code,
					"msg":  m.Msg,
				}).Warn("Stream reported an error.")
				continue
			}
			ev, ok, err := toMarketEvent(m, ingest)
			if err != nil {
				w.logEntry().WithError(err).Warn("Dropped malformed market event.")
				continue
			}
			if !ok {
				continue
			}
			w.emit(ctx, exchange.Event{Type: exchange.EventTypeMarket, Market: &ev, At: ingest})
		}
	}
}

// keepalive pings the server so that a half-open connection trips the read
// deadline instead of blocking the reader forever.
func (w *Client) keepalive(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(w.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(pingWriteWait)); err != nil {
				w.logEntry().WithError(err).Debug("Stream ping failed.")
				return
			}
		}
	}
}
