package ledger

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"talos/internal/logger"
	"talos/internal/market"
)

type Ledger struct {
	mu        sync.Mutex
	cfg       Config
	agent     string
	balance   float64
	positions []*Position
	cooldowns map[string]time.Time
	orders    []Order

	now func() time.Time
}

func New(agent string, cfg Config) *Ledger {
	cfg = cfg.withDefaults()
	return &Ledger{
		cfg:       cfg,
		agent:     agent,
		balance:   roundCents(cfg.InitialBalance),
		cooldowns: make(map[string]time.Time),
		now:       time.Now,
	}
}

// Balance returns the free margin.
func (l *Ledger) Balance() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balance
}

// OpenPosition validates the request and, on success, reserves the
// margin and appends the position. A failed precondition leaves the
// ledger untouched.
func (l *Ledger) OpenPosition(req OpenRequest) (*Position, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	symbol := strings.ToUpper(strings.TrimSpace(req.Symbol))
	if symbol == "" || !req.Side.Valid() || req.EntryPrice <= 0 {
		return nil, ErrBadRequest
	}
	if req.MarginUSD < l.cfg.MinMargin {
		return nil, fmt.Errorf("%w: %.2f < %.2f", ErrMarginTooSmall, req.MarginUSD, l.cfg.MinMargin)
	}
	if req.Leverage < l.cfg.MinLeverage || req.Leverage > l.cfg.MaxLeverage {
		return nil, fmt.Errorf("%w: %dx not in [%d,%d]", ErrLeverageRange, req.Leverage, l.cfg.MinLeverage, l.cfg.MaxLeverage)
	}
	if req.MarginUSD > l.balance {
		return nil, fmt.Errorf("%w: need %.2f, have %.2f", ErrInsufficientBalance, req.MarginUSD, l.balance)
	}
	now := l.now()
	if until, ok := l.cooldowns[symbol]; ok {
		if now.Before(until) {
			return nil, fmt.Errorf("%w: %s until %s", ErrCooldownActive, symbol, until.Format(time.RFC3339))
		}
		delete(l.cooldowns, symbol)
	}
	if err := validateStops(req); err != nil {
		return nil, err
	}
	liq := LiquidationPrice(req.Side, req.EntryPrice, req.Leverage)
	if crossed(req.Side, req.EntryPrice, liq) {
		return nil, fmt.Errorf("%w: entry %.4f, liquidation %.4f", ErrLiquidationCrossed, req.EntryPrice, liq)
	}

	pos := &Position{
		ID:               uuid.NewString(),
		Symbol:           symbol,
		Side:             req.Side,
		EntryPrice:       req.EntryPrice,
		MarginUSD:        roundCents(req.MarginUSD),
		Leverage:         req.Leverage,
		LiquidationPrice: liq,
		StopLoss:         req.StopLoss,
		TakeProfit:       req.TakeProfit,
		MarkPrice:        req.EntryPrice,
		OpenedAt:         now,
	}
	l.balance = addMoney(l.balance, -pos.MarginUSD)
	l.positions = append(l.positions, pos)
	logger.Infof("ledger[%s]: opened %s %s margin=%.2f lev=%dx entry=%.4f liq=%.4f",
		l.agent, pos.Side, pos.Symbol, pos.MarginUSD, pos.Leverage, pos.EntryPrice, pos.LiquidationPrice)
	return clonePosition(pos), nil
}

// Tick re-marks every open position against the snapshot and fires at
// most one automatic close per position, liquidation taking priority
// over stop-loss and take-profit. Closed orders are returned.
func (l *Ledger) Tick(snap market.Snapshot) []Order {
	l.mu.Lock()
	defer l.mu.Unlock()

	var closed []Order
	remaining := l.positions[:0]
	for _, pos := range l.positions {
		mark, ok := snap.Price(pos.Symbol)
		if !ok || mark <= 0 {
			remaining = append(remaining, pos)
			continue
		}
		pos.MarkPrice = mark
		pos.UnrealizedPnL = pos.PnLAt(mark)

		if trigger, reason, hit := l.autoTrigger(pos, mark); hit {
			order := l.settleLocked(pos, trigger, reason)
			closed = append(closed, order)
			continue
		}
		remaining = append(remaining, pos)
	}
	l.positions = remaining
	return closed
}

// ClosePosition closes by id at exitPrice and returns the immutable
// order record.
func (l *Ledger) ClosePosition(id string, exitPrice float64, reason CloseReason) (Order, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if exitPrice <= 0 {
		return Order{}, fmt.Errorf("%w: exit price %.4f", ErrBadRequest, exitPrice)
	}
	for i, pos := range l.positions {
		if pos.ID != id {
			continue
		}
		l.positions = append(l.positions[:i], l.positions[i+1:]...)
		return l.settleLocked(pos, exitPrice, reason), nil
	}
	return Order{}, fmt.Errorf("%w: %s", ErrPositionNotFound, id)
}

// settleLocked realizes PnL, charges both fee legs, credits the
// balance, records the order and arms the cooldown. Loss is bounded by
// the reserved margin (isolated margin), and the fee charge is capped
// so the balance cannot go below zero on a forced close.
func (l *Ledger) settleLocked(pos *Position, exitPrice float64, reason CloseReason) Order {
	pnl := pos.PnLAt(exitPrice)
	if pnl < -pos.MarginUSD {
		pnl = -pos.MarginUSD
	}
	pnl = roundCents(pnl)

	fee := roundCents(2 * l.cfg.FeeRate * pos.Notional())
	if avail := addMoney(l.balance, pos.MarginUSD, pnl); fee > avail {
		fee = avail
	}
	l.balance = addMoney(l.balance, pos.MarginUSD, pnl, -fee)

	now := l.now()
	order := Order{
		ID:          uuid.NewString(),
		PositionID:  pos.ID,
		Symbol:      pos.Symbol,
		Side:        pos.Side,
		EntryPrice:  pos.EntryPrice,
		ExitPrice:   exitPrice,
		MarginUSD:   pos.MarginUSD,
		Leverage:    pos.Leverage,
		RealizedPnL: pnl,
		Fee:         fee,
		OpenedAt:    pos.OpenedAt,
		ClosedAt:    now,
		Reason:      reason,
	}
	l.orders = append(l.orders, order)
	l.cooldowns[pos.Symbol] = now.Add(l.cfg.Cooldown)
	logger.Infof("ledger[%s]: closed %s %s exit=%.4f pnl=%.2f fee=%.2f reason=%s balance=%.2f",
		l.agent, pos.Side, pos.Symbol, exitPrice, pnl, fee, reason, l.balance)
	return order
}

// autoTrigger returns the fill price and reason when mark crosses a
// close threshold. Exactly one trigger fires even when several are
// crossed at once.
func (l *Ledger) autoTrigger(pos *Position, mark float64) (float64, CloseReason, bool) {
	if pos.Side == Long {
		switch {
		case mark <= pos.LiquidationPrice && pos.LiquidationPrice > 0:
			return pos.LiquidationPrice, ReasonLiquidation, true
		case pos.StopLoss > 0 && mark <= pos.StopLoss:
			return pos.StopLoss, ReasonStopLoss, true
		case pos.TakeProfit > 0 && mark >= pos.TakeProfit:
			return pos.TakeProfit, ReasonTakeProfit, true
		}
		return 0, "", false
	}
	switch {
	case mark >= pos.LiquidationPrice:
		return pos.LiquidationPrice, ReasonLiquidation, true
	case pos.StopLoss > 0 && mark >= pos.StopLoss:
		return pos.StopLoss, ReasonStopLoss, true
	case pos.TakeProfit > 0 && mark <= pos.TakeProfit:
		return pos.TakeProfit, ReasonTakeProfit, true
	}
	return 0, "", false
}

// LiquidationPrice implements entry*(1∓1/leverage). No maintenance
// margin haircut; the formula is the documented design choice.
func LiquidationPrice(side Side, entry float64, leverage int) float64 {
	if leverage <= 0 || entry <= 0 {
		return 0
	}
	step := entry / float64(leverage)
	if side == Long {
		return entry - step
	}
	return entry + step
}

func crossed(side Side, entry, liq float64) bool {
	if side == Long {
		return liq > 0 && entry <= liq
	}
	return entry >= liq
}

func validateStops(req OpenRequest) error {
	if req.Side == Long {
		if req.StopLoss > 0 && req.StopLoss >= req.EntryPrice {
			return fmt.Errorf("%w: long needs stop-loss < entry", ErrStopOrdering)
		}
		if req.TakeProfit > 0 && req.TakeProfit <= req.EntryPrice {
			return fmt.Errorf("%w: long needs take-profit > entry", ErrStopOrdering)
		}
		return nil
	}
	if req.StopLoss > 0 && req.StopLoss <= req.EntryPrice {
		return fmt.Errorf("%w: short needs stop-loss > entry", ErrStopOrdering)
	}
	if req.TakeProfit > 0 && req.TakeProfit >= req.EntryPrice {
		return fmt.Errorf("%w: short needs take-profit < entry", ErrStopOrdering)
	}
	return nil
}

// Positions returns copies of the open positions.
func (l *Ledger) Positions() []Position {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Position, 0, len(l.positions))
	for _, p := range l.positions {
		out = append(out, *p)
	}
	return out
}

// PositionBySymbol returns the first open position on symbol.
func (l *Ledger) PositionBySymbol(symbol string) (Position, bool) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, p := range l.positions {
		if p.Symbol == symbol {
			return *p, true
		}
	}
	return Position{}, false
}

// Orders returns the most recent closed orders, newest last.
func (l *Ledger) Orders(limit int) []Order {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := len(l.orders)
	if limit > 0 && limit < n {
		return append([]Order(nil), l.orders[n-limit:]...)
	}
	return append([]Order(nil), l.orders...)
}

// CooldownUntil reports the active cooldown for symbol, if any.
func (l *Ledger) CooldownUntil(symbol string) (time.Time, bool) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	l.mu.Lock()
	defer l.mu.Unlock()
	until, ok := l.cooldowns[symbol]
	if !ok || !l.now().Before(until) {
		return time.Time{}, false
	}
	return until, true
}

// Snapshot builds the serializable ledger view.
func (l *Ledger) Snapshot() Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	snap := Snapshot{
		Balance:      l.balance,
		TotalValue:   l.balance,
		Cooldowns:    make(map[string]time.Time),
		GeneratedAt:  now,
		InitialValue: l.cfg.InitialBalance,
	}
	for _, p := range l.positions {
		snap.Positions = append(snap.Positions, *p)
		snap.TotalValue += p.UnrealizedPnL
	}
	snap.Orders = append(snap.Orders, l.orders...)
	for sym, until := range l.cooldowns {
		if now.Before(until) {
			snap.Cooldowns[sym] = until
		} else {
			delete(l.cooldowns, sym)
		}
	}
	return snap
}

// SetClock overrides the time source, tests only.
func (l *Ledger) SetClock(now func() time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if now != nil {
		l.now = now
	}
}

func clonePosition(p *Position) *Position {
	cp := *p
	return &cp
}
