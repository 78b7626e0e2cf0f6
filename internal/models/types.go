package models

import (
	"net/http"
	"strings"
	"time"
	"unicode"
)

type OrderSide string
type OrderType string
type TimeInForce string
type OrderClass string
type AssetClass string
type EventKind string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"

	OrderTypeMarket OrderType = "market"
	OrderTypeLimit  OrderType = "limit"

	TimeInForceDay TimeInForce = "day"
	TimeInForceGTC TimeInForce = "gtc"
	TimeInForceIOC TimeInForce = "ioc"
	TimeInForceFOK TimeInForce = "fok"
	TimeInForceOPG TimeInForce = "opg"
	TimeInForceCLS TimeInForce = "cls"

	OrderClassSimple  OrderClass = "simple"
	OrderClassBracket OrderClass = "bracket"

	AssetClassEquity AssetClass = "us_equity"
	AssetClassOption AssetClass = "us_option"

	EventKindBar   EventKind = "BAR"
	EventKindTrade EventKind = "TRADE"
	EventKindQuote EventKind = "QUOTE"
)

// BracketLegs are the exit legs attached to a bracket entry.
type BracketLegs struct {
	TakeProfit float64 `json:"take_profit"`
	StopLoss   float64 `json:"stop_loss"`
}

// OrderRequest is a validated order that has not been sent yet.
// ClientOrderID is the idempotency key and is never rewritten after construction.
type OrderRequest struct {
	Symbol        string       `json:"symbol"`
	Side          OrderSide    `json:"side"`
	Qty           float64      `json:"qty"`
	Type          OrderType    `json:"type"`
	TimeInForce   TimeInForce  `json:"time_in_force"`
	Class         OrderClass   `json:"order_class"`
	AssetClass    AssetClass   `json:"asset_class"`
	LimitPrice    *float64     `json:"limit_price,omitempty"`
	Bracket       *BracketLegs `json:"bracket,omitempty"`
	ClientOrderID string       `json:"client_order_id"`
	CreatedAt     time.Time    `json:"created_at"`
}

func (o OrderRequest) IsOption() bool {
	return o.AssetClass == AssetClassOption
}

// Underlying returns the root ticker for OCC option symbols and the symbol itself otherwise.
func (o OrderRequest) Underlying() string {
	if !o.IsOption() {
		return o.Symbol
	}
	return OptionRoot(o.Symbol)
}

// OptionRoot extracts the root of an OCC symbol such as AAPL240119C00150000.
func OptionRoot(symbol string) string {
	end := strings.IndexFunc(symbol, unicode.IsDigit)
	if end <= 0 {
		return symbol
	}
	return strings.TrimSpace(symbol[:end])
}

// IsOptionSymbol reports whether symbol looks like an OCC contract: root, yymmdd, C/P, 8 digit strike.
func IsOptionSymbol(symbol string) bool {
	root := OptionRoot(symbol)
	if root == symbol || len(root) > 6 {
		return false
	}
	rest := symbol[len(root):]
	if len(rest) != 15 {
		return false
	}
	for i, r := range rest {
		switch {
		case i == 6:
			if r != 'C' && r != 'P' {
				return false
			}
		case !unicode.IsDigit(r):
			return false
		}
	}
	return true
}

type OrderAck struct {
	ID            string      `json:"id"`
	ClientOrderID string      `json:"client_order_id"`
	Symbol        string      `json:"symbol"`
	Status        string      `json:"status"`
	SubmittedAt   time.Time   `json:"submitted_at"`
	Header        http.Header `json:"-"`
}

type Position struct {
	Symbol   string  `json:"symbol"`
	Qty      float64 `json:"qty"`
	AvgPrice float64 `json:"avg_entry_price"`
	Notional float64 `json:"market_value"`
}

type Account struct {
	Equity      float64 `json:"equity"`
	LastEquity  float64 `json:"last_equity"`
	BuyingPower float64 `json:"buying_power"`
	Blocked     bool    `json:"trading_blocked"`
}

// MarketEvent is a bar, trade or quote received from the stream.
type MarketEvent struct {
	Kind      EventKind `json:"kind"`
	Symbol    string    `json:"symbol"`
	Price     float64   `json:"price"`
	EventTime time.Time `json:"event_time"`
	IngestAt  time.Time `json:"ingest_at"`
}

type Bar struct {
	Symbol    string    `json:"symbol"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    float64   `json:"volume"`
	Timestamp time.Time `json:"timestamp"`
}

type Snapshot struct {
	Symbol    string    `json:"symbol"`
	Price     float64   `json:"price"`
	Timestamp time.Time `json:"timestamp"`
}
