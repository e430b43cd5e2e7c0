package models

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// Quote represents the latest known price snapshot for one tradable symbol
type Quote struct {
	Symbol        string          `json:"symbol"`
	LastPrice     decimal.Decimal `json:"last_price"`
	Change        decimal.Decimal `json:"change"`
	ChangePercent decimal.Decimal `json:"change_percent"`
	// PercentValid is false when the close price was zero and the percent
	// change could not be derived
	PercentValid bool            `json:"change_percent_valid"`
	Open         decimal.Decimal `json:"open"`
	High         decimal.Decimal `json:"high"`
	Low          decimal.Decimal `json:"low"`
	Close        decimal.Decimal `json:"close"`
	Volume       int64           `json:"volume"`
	Timestamp    time.Time       `json:"timestamp"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// WatchlistEvent is the envelope of a watchlist channel publication.
// Data stays raw until the event kind is known.
type WatchlistEvent struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// EventAngelOneQuotes is the only quote-delta event kind currently produced
// by the backend. Unknown kinds are skipped for forward compatibility.
const EventAngelOneQuotes = "ANGEL_ONE_QUOTES"

// TokenInfo identifies the instrument on the upstream exchange feed
type TokenInfo struct {
	ExchangeType int    `json:"ExchangeType"`
	Token        string `json:"Token"`
}

// SymbolTick is one per-symbol entry of an ANGEL_ONE_QUOTES publication.
// All price fields are integers scaled by 100.
type SymbolTick struct {
	TokenInfo                   TokenInfo `json:"TokenInfo"`
	SequenceNumber              int64     `json:"SequenceNumber"`
	ExchangeFeedTimeEpochMillis int64     `json:"ExchangeFeedTimeEpochMillis"`
	LastTradedPrice             int64     `json:"LastTradedPrice"`
	LastTradedQty               int64     `json:"LastTradedQty"`
	AvgTradedPrice              int64     `json:"AvgTradedPrice"`
	VolumeTradedToday           int64     `json:"VolumeTradedToday"`
	TotalBuyQty                 int64     `json:"TotalBuyQty"`
	TotalSellQty                int64     `json:"TotalSellQty"`
	OpenPrice                   int64     `json:"OpenPrice"`
	HighPrice                   int64     `json:"HighPrice"`
	LowPrice                    int64     `json:"LowPrice"`
	ClosePrice                  int64     `json:"ClosePrice"`
}
