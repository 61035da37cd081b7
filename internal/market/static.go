package market

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// StaticSource serves prices and candles from memory. It backs paper
// trading and tests, where prices advance only when SetPrice is called.
type StaticSource struct {
	mu      sync.RWMutex
	tickers []Ticker
	candles map[string][]Candle
}

func NewStaticSource(tickers ...Ticker) *StaticSource {
	return &StaticSource{
		tickers: tickers,
		candles: make(map[string][]Candle),
	}
}

func (s *StaticSource) Snapshot(ctx context.Context) (Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Ticker, len(s.tickers))
	copy(out, s.tickers)
	return Snapshot{TakenAt: time.Now(), Tickers: out}, nil
}

func (s *StaticSource) Candles(ctx context.Context, symbol, interval string, limit int) ([]Candle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	key := candleKey(symbol, interval)
	series, ok := s.candles[key]
	if !ok {
		return nil, fmt.Errorf("no candles for %s %s", symbol, interval)
	}
	if limit > 0 && limit < len(series) {
		series = series[len(series)-limit:]
	}
	out := make([]Candle, len(series))
	copy(out, series)
	return out, nil
}

// SetPrice updates or inserts the ticker for symbol.
func (s *StaticSource) SetPrice(symbol string, price float64) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.tickers {
		if strings.ToUpper(s.tickers[i].Symbol) == symbol {
			prev := s.tickers[i].Price
			s.tickers[i].Price = price
			if prev > 0 {
				s.tickers[i].Change24h = (price - prev) / prev * 100
			}
			return
		}
	}
	s.tickers = append(s.tickers, Ticker{Symbol: symbol, Price: price})
}

// SetCandles replaces the stored series for symbol+interval.
func (s *StaticSource) SetCandles(symbol, interval string, series []Candle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]Candle, len(series))
	copy(cp, series)
	s.candles[candleKey(symbol, interval)] = cp
}

func candleKey(symbol, interval string) string {
	return strings.ToUpper(strings.TrimSpace(symbol)) + "#" + strings.ToLower(strings.TrimSpace(interval))
}
