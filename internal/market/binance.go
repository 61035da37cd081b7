package market

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/adshao/go-binance/v2/futures"
)

const maxKlineLimit = 1500

// BinanceSource reads futures tickers and klines through the go-binance
// SDK. Read-only endpoints, no credentials needed.
type BinanceSource struct {
	client  *futures.Client
	symbols []string
}

type BinanceConfig struct {
	BaseURL     string
	Symbols     []string
	HTTPTimeout time.Duration
}

func NewBinanceSource(cfg BinanceConfig) (*BinanceSource, error) {
	if len(cfg.Symbols) == 0 {
		return nil, fmt.Errorf("binance source: at least one symbol required")
	}
	client := futures.NewClient("", "")
	if base := strings.TrimSpace(cfg.BaseURL); base != "" {
		client.BaseURL = base
	}
	timeout := cfg.HTTPTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	client.HTTPClient = &http.Client{Timeout: timeout}
	symbols := make([]string, 0, len(cfg.Symbols))
	for _, s := range cfg.Symbols {
		s = strings.ToUpper(strings.TrimSpace(s))
		if s != "" {
			symbols = append(symbols, s)
		}
	}
	return &BinanceSource{client: client, symbols: symbols}, nil
}

func (s *BinanceSource) Snapshot(ctx context.Context) (Snapshot, error) {
	snap := Snapshot{TakenAt: time.Now()}
	for _, sym := range s.symbols {
		stats, err := s.client.NewListPriceChangeStatsService().Symbol(sym).Do(ctx)
		if err != nil {
			return Snapshot{}, fmt.Errorf("ticker %s: %w", sym, err)
		}
		if len(stats) == 0 {
			continue
		}
		st := stats[0]
		snap.Tickers = append(snap.Tickers, Ticker{
			Symbol:    sym,
			Price:     parseFloat(st.LastPrice),
			Change24h: parseFloat(st.PriceChangePercent),
			Volume24h: parseFloat(st.QuoteVolume),
		})
	}
	return snap, nil
}

func (s *BinanceSource) Candles(ctx context.Context, symbol, interval string, limit int) ([]Candle, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if symbol == "" {
		return nil, fmt.Errorf("symbol is required")
	}
	interval = strings.ToLower(strings.TrimSpace(interval))
	if interval == "" {
		interval = "1h"
	}
	if limit <= 0 {
		limit = 100
	}
	if limit > maxKlineLimit {
		limit = maxKlineLimit
	}
	kls, err := s.client.NewKlinesService().Symbol(symbol).Interval(interval).Limit(limit).Do(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Candle, 0, len(kls))
	for _, kl := range kls {
		if kl == nil {
			continue
		}
		out = append(out, Candle{
			OpenTime:  kl.OpenTime,
			CloseTime: kl.CloseTime,
			Open:      parseFloat(kl.Open),
			High:      parseFloat(kl.High),
			Low:       parseFloat(kl.Low),
			Close:     parseFloat(kl.Close),
			Volume:    parseFloat(kl.Volume),
		})
	}
	return out, nil
}

func parseFloat(s string) float64 {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0
	}
	return v
}
