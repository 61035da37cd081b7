// Package ledger owns one agent's balance, open positions, cooldowns
// and order history, and enforces the margin/leverage/cooldown rules on
// every mutation. All operations of one ledger are serialized behind a
// single mutex; different agents own different ledgers.
package ledger

import (
	"errors"
	"time"
)

type Side string

const (
	Long  Side = "long"
	Short Side = "short"
)

// direction returns +1 for long, -1 for short.
func (s Side) direction() float64 {
	if s == Short {
		return -1
	}
	return 1
}

func (s Side) Valid() bool {
	return s == Long || s == Short
}

type CloseReason string

const (
	ReasonDecision    CloseReason = "decision"
	ReasonLiquidation CloseReason = "liquidation"
	ReasonStopLoss    CloseReason = "stop_loss"
	ReasonTakeProfit  CloseReason = "take_profit"
)

var (
	ErrMarginTooSmall      = errors.New("margin below minimum")
	ErrInsufficientBalance = errors.New("margin exceeds available balance")
	ErrLeverageRange       = errors.New("leverage out of range")
	ErrCooldownActive      = errors.New("symbol in cooldown")
	ErrStopOrdering        = errors.New("stop-loss/take-profit ordering invalid")
	ErrLiquidationCrossed  = errors.New("entry price already beyond liquidation")
	ErrPositionNotFound    = errors.New("position not found")
	ErrBadRequest          = errors.New("invalid open request")
)

// Config carries the risk parameters. Zero values are replaced by the
// defaults from DefaultConfig.
type Config struct {
	InitialBalance float64       `mapstructure:"initial_balance"`
	MinMargin      float64       `mapstructure:"min_margin"`
	MinLeverage    int           `mapstructure:"min_leverage"`
	MaxLeverage    int           `mapstructure:"max_leverage"`
	FeeRate        float64       `mapstructure:"fee_rate"` // per leg, on notional
	Cooldown       time.Duration `mapstructure:"cooldown"`
}

func DefaultConfig() Config {
	return Config{
		InitialBalance: 10000,
		MinMargin:      50,
		MinLeverage:    1,
		MaxLeverage:    50,
		FeeRate:        0.03,
		Cooldown:       30 * time.Minute,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.InitialBalance <= 0 {
		c.InitialBalance = d.InitialBalance
	}
	if c.MinMargin <= 0 {
		c.MinMargin = d.MinMargin
	}
	if c.MinLeverage <= 0 {
		c.MinLeverage = d.MinLeverage
	}
	if c.MaxLeverage <= 0 {
		c.MaxLeverage = d.MaxLeverage
	}
	if c.FeeRate <= 0 {
		c.FeeRate = d.FeeRate
	}
	if c.Cooldown <= 0 {
		c.Cooldown = d.Cooldown
	}
	return c
}

// Position is an open leveraged position. It is created by
// OpenPosition, its PnL fields are updated by Tick, and it disappears
// on close; the closed record lives on as an Order.
type Position struct {
	ID               string    `json:"id"`
	Symbol           string    `json:"symbol"`
	Side             Side      `json:"side"`
	EntryPrice       float64   `json:"entry_price"`
	MarginUSD        float64   `json:"margin_usd"`
	Leverage         int       `json:"leverage"`
	LiquidationPrice float64   `json:"liquidation_price"`
	StopLoss         float64   `json:"stop_loss,omitempty"`
	TakeProfit       float64   `json:"take_profit,omitempty"`
	UnrealizedPnL    float64   `json:"unrealized_pnl"`
	MarkPrice        float64   `json:"mark_price"`
	OpenedAt         time.Time `json:"opened_at"`
}

// Notional is the exposure the position controls.
func (p *Position) Notional() float64 {
	return p.MarginUSD * float64(p.Leverage)
}

// PnLAt evaluates unrealized PnL at price.
func (p *Position) PnLAt(price float64) float64 {
	if p.EntryPrice <= 0 {
		return 0
	}
	move := (price - p.EntryPrice) / p.EntryPrice
	return p.Side.direction() * move * float64(p.Leverage) * p.MarginUSD
}

// Order is the immutable historical record of a closed position.
type Order struct {
	ID          string      `json:"id"`
	PositionID  string      `json:"position_id"`
	Symbol      string      `json:"symbol"`
	Side        Side        `json:"side"`
	EntryPrice  float64     `json:"entry_price"`
	ExitPrice   float64     `json:"exit_price"`
	MarginUSD   float64     `json:"margin_usd"`
	Leverage    int         `json:"leverage"`
	RealizedPnL float64     `json:"realized_pnl"`
	Fee         float64     `json:"fee"`
	OpenedAt    time.Time   `json:"opened_at"`
	ClosedAt    time.Time   `json:"closed_at"`
	Reason      CloseReason `json:"reason"`
}

// OpenRequest is the validated input to OpenPosition. StopLoss and
// TakeProfit are optional (zero means unset).
type OpenRequest struct {
	Symbol     string
	Side       Side
	MarginUSD  float64
	Leverage   int
	StopLoss   float64
	TakeProfit float64
	EntryPrice float64
}

// Snapshot is the serializable view handed to persistence/broadcast.
type Snapshot struct {
	Balance      float64              `json:"balance"`
	TotalValue   float64              `json:"total_value"`
	Positions    []Position           `json:"positions"`
	Orders       []Order              `json:"orders"`
	Cooldowns    map[string]time.Time `json:"cooldowns"`
	GeneratedAt  time.Time            `json:"generated_at"`
	InitialValue float64              `json:"initial_value"`
}
