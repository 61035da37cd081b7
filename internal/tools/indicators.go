package tools

import (
	"context"
	"fmt"

	"github.com/markcheno/go-talib"

	"talos/internal/market"
)

// Indicator tools are pure over the supplied candle series; the only
// external touch is fetching the series itself from the market source.

type seriesParams struct {
	Symbol   string `mapstructure:"symbol"`
	Interval string `mapstructure:"interval"`
	Period   int    `mapstructure:"period"`
	Limit    int    `mapstructure:"limit"`
}

func (p *seriesParams) normalize() {
	if p.Interval == "" {
		p.Interval = "1h"
	}
	if p.Period <= 0 {
		p.Period = 14
	}
	if p.Limit <= 0 {
		p.Limit = 200
	}
}

type indicatorResult struct {
	Symbol   string    `json:"symbol"`
	Interval string    `json:"interval"`
	Period   int       `json:"period,omitempty"`
	Latest   float64   `json:"latest"`
	Series   []float64 `json:"series,omitempty"`
}

func (d *Dispatcher) fetchCloses(ctx context.Context, p seriesParams) ([]market.Candle, []float64, error) {
	if p.Symbol == "" {
		return nil, nil, fmt.Errorf("symbol is required")
	}
	candles, err := d.source.Candles(ctx, p.Symbol, p.Interval, p.Limit)
	if err != nil {
		return nil, nil, err
	}
	if len(candles) == 0 {
		return nil, nil, fmt.Errorf("no candles for %s %s", p.Symbol, p.Interval)
	}
	return candles, market.Closes(candles), nil
}

func (d *Dispatcher) toolEMA(ctx context.Context, p seriesParams) (any, error) {
	p.normalize()
	_, closes, err := d.fetchCloses(ctx, p)
	if err != nil {
		return nil, err
	}
	if len(closes) < p.Period {
		return nil, fmt.Errorf("need %d closes, have %d", p.Period, len(closes))
	}
	series := talib.Ema(closes, p.Period)
	return indicatorResult{
		Symbol: p.Symbol, Interval: p.Interval, Period: p.Period,
		Latest: series[len(series)-1], Series: tail(series, 20),
	}, nil
}

func (d *Dispatcher) toolRSI(ctx context.Context, p seriesParams) (any, error) {
	p.normalize()
	_, closes, err := d.fetchCloses(ctx, p)
	if err != nil {
		return nil, err
	}
	if len(closes) <= p.Period {
		return nil, fmt.Errorf("need more than %d closes, have %d", p.Period, len(closes))
	}
	series := talib.Rsi(closes, p.Period)
	return indicatorResult{
		Symbol: p.Symbol, Interval: p.Interval, Period: p.Period,
		Latest: series[len(series)-1], Series: tail(series, 20),
	}, nil
}

type macdParams struct {
	seriesParams `mapstructure:",squash"`
	Fast         int `mapstructure:"fast"`
	Slow         int `mapstructure:"slow"`
	Signal       int `mapstructure:"signal"`
}

type macdResult struct {
	Symbol    string  `json:"symbol"`
	Interval  string  `json:"interval"`
	MACD      float64 `json:"macd"`
	Signal    float64 `json:"signal"`
	Histogram float64 `json:"histogram"`
}

func (d *Dispatcher) toolMACD(ctx context.Context, p macdParams) (any, error) {
	p.seriesParams.normalize()
	if p.Fast <= 0 {
		p.Fast = 12
	}
	if p.Slow <= 0 {
		p.Slow = 26
	}
	if p.Signal <= 0 {
		p.Signal = 9
	}
	_, closes, err := d.fetchCloses(ctx, p.seriesParams)
	if err != nil {
		return nil, err
	}
	if len(closes) < p.Slow+p.Signal {
		return nil, fmt.Errorf("need %d closes, have %d", p.Slow+p.Signal, len(closes))
	}
	macd, signal, hist := talib.Macd(closes, p.Fast, p.Slow, p.Signal)
	n := len(macd) - 1
	return macdResult{
		Symbol: p.Symbol, Interval: p.Interval,
		MACD: macd[n], Signal: signal[n], Histogram: hist[n],
	}, nil
}

func (d *Dispatcher) toolATR(ctx context.Context, p seriesParams) (any, error) {
	p.normalize()
	candles, _, err := d.fetchCloses(ctx, p)
	if err != nil {
		return nil, err
	}
	if len(candles) <= p.Period {
		return nil, fmt.Errorf("need more than %d candles, have %d", p.Period, len(candles))
	}
	highs := make([]float64, len(candles))
	lows := make([]float64, len(candles))
	closes := make([]float64, len(candles))
	for i, c := range candles {
		highs[i], lows[i], closes[i] = c.High, c.Low, c.Close
	}
	series := talib.Atr(highs, lows, closes, p.Period)
	return indicatorResult{
		Symbol: p.Symbol, Interval: p.Interval, Period: p.Period,
		Latest: series[len(series)-1],
	}, nil
}

type priceParams struct {
	Symbol string `mapstructure:"symbol"`
}

func toolPrice(snap market.Snapshot, p priceParams) (any, error) {
	if p.Symbol == "" {
		return snap.Tickers, nil
	}
	for _, t := range snap.Tickers {
		if equalSymbol(t.Symbol, p.Symbol) {
			return t, nil
		}
	}
	return nil, fmt.Errorf("symbol %s not in snapshot", p.Symbol)
}

func tail(series []float64, n int) []float64 {
	if len(series) <= n {
		return series
	}
	return series[len(series)-n:]
}
