package ws

import (
	"fmt"

	"github.com/gorilla/websocket"
)

// subscribe asks for trades and bars on every symbol, plus quotes when enabled,
// and waits for the subscription acknowledgement.
func (w *Client) subscribe(conn *websocket.Conn) error {
	msg := SubscribeMessage{
		Action: "subscribe",
		Trades: w.cfg.Symbols,
		Bars:   w.cfg.Symbols,
	}
	if w.cfg.Quotes {
		msg.Quotes = w.cfg.Symbols
	}
	if err := conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("send subscribe: %w", err)
	}

	for {
		msgs, err := readControl(conn)
		if err != nil {
			return fmt.Errorf("read subscribe reply: %w", err)
		}
		for _, m := range msgs {
			switch m.T {
			case typeSubscription:
				return nil
			case typeError:
				return fmt.Errorf("subscribe error %d: %s", m.Code, m.Msg)
			}
		}
	}
}
