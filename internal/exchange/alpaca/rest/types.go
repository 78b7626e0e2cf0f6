package rest

import (
	"encoding/json"
	"time"
)

type orderLeg struct {
	LimitPrice string `json:"limit_price,omitempty"`
	StopPrice  string `json:"stop_price,omitempty"`
}

type orderBody struct {
	Symbol        string    `json:"symbol"`
	Qty           string    `json:"qty"`
	Side          string    `json:"side"`
	Type          string    `json:"type"`
	TimeInForce   string    `json:"time_in_force"`
	LimitPrice    string    `json:"limit_price,omitempty"`
	ClientOrderID string    `json:"client_order_id"`
	OrderClass    string    `json:"order_class,omitempty"`
	TakeProfit    *orderLeg `json:"take_profit,omitempty"`
	StopLoss      *orderLeg `json:"stop_loss,omitempty"`
}

type orderResponse struct {
	ID            string    `json:"id"`
	ClientOrderID string    `json:"client_order_id"`
	Symbol        string    `json:"symbol"`
	Status        string    `json:"status"`
	SubmittedAt   time.Time `json:"submitted_at"`
}

type accountResponse struct {
	Equity         json.Number `json:"equity"`
	LastEquity     json.Number `json:"last_equity"`
	BuyingPower    json.Number `json:"buying_power"`
	TradingBlocked bool        `json:"trading_blocked"`
	AccountBlocked bool        `json:"account_blocked"`
}

// portfolioHistoryResponse holds one point per timeframe; nulls mark gaps.
type portfolioHistoryResponse struct {
	Timestamp  []int64    `json:"timestamp"`
	ProfitLoss []*float64 `json:"profit_loss"`
}

type positionResponse struct {
	Symbol        string      `json:"symbol"`
	Qty           json.Number `json:"qty"`
	Side          string      `json:"side"`
	AvgEntryPrice json.Number `json:"avg_entry_price"`
	MarketValue   json.Number `json:"market_value"`
}

type tradeResponse struct {
	Price     float64   `json:"p"`
	Timestamp time.Time `json:"t"`
}

type barResponse struct {
	Timestamp time.Time `json:"t"`
	Open      float64   `json:"o"`
	High      float64   `json:"h"`
	Low       float64   `json:"l"`
	Close     float64   `json:"c"`
	Volume    float64   `json:"v"`
}

type snapshotResponse struct {
	LatestTrade  *tradeResponse `json:"latestTrade"`
	MinuteBar    *barResponse   `json:"minuteBar"`
	PrevDailyBar *barResponse   `json:"prevDailyBar"`
}

type barsPage struct {
	Bars          map[string][]barResponse `json:"bars"`
	NextPageToken *string                  `json:"next_page_token"`
}
