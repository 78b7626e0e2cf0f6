package ws

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"tradecore/internal/exchange"
	"tradecore/internal/logger"
)

const readLimit = 2 << 20

// ErrAuthFailed is not retried: wrong keys will not start working.
var ErrAuthFailed = errors.New("stream authentication failed")

func New(cfg Config, log *logger.Logger) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Feed == "" {
		cfg.Feed = "iex"
	}
	if cfg.Backoff.Min <= 0 {
		cfg.Backoff.Min = time.Second
	}
	if cfg.Backoff.Max <= 0 {
		cfg.Backoff.Max = 30 * time.Second
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 1024
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 15 * time.Second
	}
	if cfg.ReadTimeout <= cfg.PingInterval {
		cfg.ReadTimeout = 2 * cfg.PingInterval
	}

	return &Client{
		cfg:    cfg,
		url:    strings.TrimRight(cfg.BaseURL, "/") + "/" + cfg.Feed,
		log:    log,
		dialer: &websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout},
		events: make(chan exchange.Event, cfg.BufferSize),
	}
}

func (w *Client) Events() <-chan exchange.Event {
	return w.events
}

// Run keeps a subscribed connection open until ctx is cancelled. Every lost
// connection is reported as a Disconnect event and every recovered one as a
// Reconnect event. It returns nil on cancellation and ErrAuthFailed when the
// credentials are rejected.
func (w *Client) Run(ctx context.Context) error {
	w.logEntry().WithFields(logrus.Fields{
		"url":     w.url,
		"symbols": len(w.cfg.Symbols),
	}).Info("Market stream starting.")

	attempt := 0
	down := false
	for {
		conn, err := w.connect(ctx)
		if err == nil {
			if down {
				w.emit(ctx, exchange.Event{Type: exchange.EventTypeReconnect, At: time.Now()})
				w.logEntry().Info("Market stream reconnected.")
			}
			down = false
			attempt = 0

			err = w.readLoop(ctx, conn)
			w.closeConn()
		}
		if ctx.Err() != nil {
			w.logEntry().Info("Market stream stopped.")
			return nil
		}
		if errors.Is(err, ErrAuthFailed) {
			w.logEntry().WithError(err).Error("Market stream credentials rejected.")
			return err
		}

		if !down {
			down = true
			w.emit(ctx, exchange.Event{Type: exchange.EventTypeDisconnect, Err: err, At: time.Now()})
		}

		attempt++
		wait := w.cfg.Backoff.Next(attempt)
		w.logEntry().WithError(err).WithFields(logrus.Fields{
			"attempt": attempt,
			"wait":    wait.String(),
		}).Warn("Market stream connection lost.")

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
}

func (w *Client) connect(ctx context.Context) (*websocket.Conn, error) {
	hctx, cancel := context.WithTimeout(ctx, w.cfg.HandshakeTimeout)
	defer cancel()

	conn, _, err := w.dialer.DialContext(hctx, w.url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial stream: %w", err)
	}
	conn.SetReadLimit(readLimit)

	deadline, _ := hctx.Deadline()
	_ = conn.SetReadDeadline(deadline)

	if err := w.expectConnected(conn); err != nil {
		_ = conn.Close()
		return nil, err
	}
	if err := w.authenticate(conn); err != nil {
		_ = conn.Close()
		return nil, err
	}
	if err := w.subscribe(conn); err != nil {
		_ = conn.Close()
		return nil, err
	}
	_ = conn.SetReadDeadline(time.Time{})

	w.mu.Lock()
	w.conn = conn
	w.mu.Unlock()

	w.logEntry().Info("Market stream connected.")
	return conn, nil
}

func (w *Client) closeConn() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.conn != nil {
		_ = w.conn.Close()
		w.conn = nil
	}
}

func (w *Client) emit(ctx context.Context, ev exchange.Event) {
	select {
	case w.events <- ev:
	case <-ctx.Done():
	}
}

func (w *Client) logEntry() *logrus.Entry {
	return w.log.WithComponent("alpaca_ws").WithField("feed", w.cfg.Feed)
}
