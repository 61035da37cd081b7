// Package market defines the snapshot and candle types consumed by the
// decision engine and the tool library, plus the Source implementations
// that produce them.
package market

import (
	"context"
	"strings"
	"time"
)

type Ticker struct {
	Symbol       string  `json:"symbol"`
	Price        float64 `json:"price"`
	Change24h    float64 `json:"price_24h_change"`
	Volume24h    float64 `json:"volume_24h,omitempty"`
	FundingRate  float64 `json:"funding_rate,omitempty"`
	OpenInterest float64 `json:"open_interest,omitempty"`
}

// Snapshot is the ordered per-cycle view of the tracked symbols.
type Snapshot struct {
	TakenAt time.Time `json:"taken_at"`
	Tickers []Ticker  `json:"tickers"`
}

// Price returns the snapshot price for symbol, case-insensitive.
func (s Snapshot) Price(symbol string) (float64, bool) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	for _, t := range s.Tickers {
		if strings.ToUpper(t.Symbol) == symbol {
			return t.Price, true
		}
	}
	return 0, false
}

// Has reports whether symbol is part of the snapshot.
func (s Snapshot) Has(symbol string) bool {
	_, ok := s.Price(symbol)
	return ok
}

type Candle struct {
	OpenTime  int64   `json:"open_time"`
	CloseTime int64   `json:"close_time"`
	Open      float64 `json:"open"`
	High      float64 `json:"high"`
	Low       float64 `json:"low"`
	Close     float64 `json:"close"`
	Volume    float64 `json:"volume"`
}

// Closes extracts the close series, oldest first.
func Closes(candles []Candle) []float64 {
	out := make([]float64, 0, len(candles))
	for _, c := range candles {
		out = append(out, c.Close)
	}
	return out
}

// Source supplies market data to the engine. Implementations must be
// safe for concurrent use: all agents share one source.
type Source interface {
	Snapshot(ctx context.Context) (Snapshot, error)
	Candles(ctx context.Context, symbol, interval string, limit int) ([]Candle, error)
}
