package market

import (
	"time"

	"github.com/shopspring/decimal"
)

// Bar is one OHLCV bucket of a single instrument. Bars are ordered by
// timestamp and unique per (symbol, timestamp, timeframe).
type Bar struct {
	Timestamp time.Time `json:"timestamp"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    float64   `json:"volume"`
	Timeframe string    `json:"timeframe"`
}

// PriceTick is an ephemeral real-time quote. Ticks feed the bus and the
// order executor; they are never persisted.
type PriceTick struct {
	Symbol    string          `json:"symbol"`
	Price     decimal.Decimal `json:"price"`
	Volume    int64           `json:"volume"`
	Timestamp time.Time       `json:"timestamp"`
}

// SortedByTime reports whether bars are in non-decreasing timestamp order.
func SortedByTime(bars []Bar) bool {
	for i := 1; i < len(bars); i++ {
		if bars[i].Timestamp.Before(bars[i-1].Timestamp) {
			return false
		}
	}
	return true
}
