package ws

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"tradecore/internal/backoff"
	"tradecore/internal/exchange"
	"tradecore/internal/logger"
)

const (
	DefaultBaseURL = "wss://stream.data.alpaca.markets/v2"

	typeSuccess      = "success"
	typeError        = "error"
	typeSubscription = "subscription"
	typeTrade        = "t"
	typeQuote        = "q"
	typeBar          = "b"
)

type Config struct {
	BaseURL string
	Feed    string
	Key     string
	Secret  string
	Symbols []string
	Quotes  bool
	Backoff backoff.Policy
	// HandshakeTimeout bounds dial, auth and subscribe together.
	HandshakeTimeout time.Duration
	BufferSize       int
	// ReadTimeout is how long the connection may stay silent, pongs included,
	// before it is treated as lost.
	ReadTimeout  time.Duration
	PingInterval time.Duration
}

type Client struct {
	cfg    Config
	url    string
	log    *logger.Logger
	dialer *websocket.Dialer
	events chan exchange.Event

	mu   sync.Mutex
	conn *websocket.Conn
}

// Message is the envelope of one element of the arrays the stream sends.
// Raw keeps the element so it can be decoded by type, since fields such as
// "c" mean different things in trades and bars.
type Message struct {
	T    string          `json:"T"`
	S    string          `json:"S"`
	Msg  string          `json:"msg"`
	Code int             `json:"code"`
	Raw  json.RawMessage `json:"-"`
}

type tradeMessage struct {
	Price     float64   `json:"p"`
	Size      float64   `json:"s"`
	Timestamp time.Time `json:"t"`
}

type quoteMessage struct {
	BidPrice  float64   `json:"bp"`
	AskPrice  float64   `json:"ap"`
	Timestamp time.Time `json:"t"`
}

type barMessage struct {
	Open      float64   `json:"o"`
	High      float64   `json:"h"`
	Low       float64   `json:"l"`
	Close     float64   `json:"c"`
	Volume    float64   `json:"v"`
	Timestamp time.Time `json:"t"`
}

type AuthMessage struct {
	Action string `json:"action"`
	Key    string `json:"key"`
	Secret string `json:"secret"`
}

type SubscribeMessage struct {
	Action string   `json:"action"`
	Trades []string `json:"trades,omitempty"`
	Quotes []string `json:"quotes,omitempty"`
	Bars   []string `json:"bars,omitempty"`
}

func decode(data []byte) ([]Message, error) {
	var raws []json.RawMessage
	if err := json.Unmarshal(data, &raws); err != nil {
		return nil, err
	}
	msgs := make([]Message, 0, len(raws))
	for _, raw := range raws {
		var m Message
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, err
		}
		m.Raw = raw
		msgs = append(msgs, m)
	}
	return msgs, nil
}
