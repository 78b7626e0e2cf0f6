package ws

import (
	"fmt"

	"github.com/gorilla/websocket"
)

// Stream error codes that mean the credentials themselves are wrong.
const (
	codeAuthFailed       = 402
	codeNotAuthenticated = 401
)

func (w *Client) expectConnected(conn *websocket.Conn) error {
	msgs, err := readControl(conn)
	if err != nil {
		return fmt.Errorf("read welcome: %w", err)
	}
	for _, m := range msgs {
		if m.T == typeSuccess && m.Msg == "connected" {
			return nil
		}
	}
	return fmt.Errorf("unexpected welcome: %+v", msgs)
}

func (w *Client) authenticate(conn *websocket.Conn) error {
	msg := AuthMessage{
		Action: "auth",
		Key:    w.cfg.Key,
		Secret: w.cfg.Secret,
	}
	if err := conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("send auth: %w", err)
	}

	msgs, err := readControl(conn)
	if err != nil {
		return fmt.Errorf("read auth reply: %w", err)
	}
	for _, m := range msgs {
		switch {
		case m.T == typeSuccess && m.Msg == "authenticated":
			return nil
		case m.T == typeError && (m.Code == codeAuthFailed || m.Code == codeNotAuthenticated):
			return fmt.Errorf("%w: %s", ErrAuthFailed, m.Msg)
		case m.T == typeError:
			return fmt.Errorf("auth error %d: %s", m.Code, m.Msg)
		}
	}
	return fmt.Errorf("unexpected auth reply: %+v", msgs)
}

func readControl(conn *websocket.Conn) ([]Message, error) {
	_, data, err := conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	return decode(data)
}
