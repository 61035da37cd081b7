// Package store persists orders, cycle transcripts and portfolio
// snapshots to SQLite through Gorm.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"talos/internal/engine"
	"talos/internal/ledger"
)

type Store struct {
	db *gorm.DB
}

func Open(path string) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("store: path cannot be empty")
	}
	if err := ensureDir(path); err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&cache=shared", path)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:                                   gormlogger.Default.LogMode(gormlogger.Silent),
		DisableForeignKeyConstraintWhenMigrating: true,
	})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&OrderModel{}, &CycleModel{}, &SnapshotModel{}); err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	// SQLite + WAL: a couple of connections keep HTTP reads cheap
	// without lock contention from the agent writers.
	sqlDB.SetMaxOpenConns(2)
	sqlDB.SetMaxIdleConns(2)
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// SaveOrder records a settled trade. Saving the same ledger order twice
// is a no-op thanks to the unique index on order_id.
func (s *Store) SaveOrder(ctx context.Context, agent string, o ledger.Order) error {
	raw, err := json.Marshal(o)
	if err != nil {
		return err
	}
	m := OrderModel{
		OrderID:      o.ID,
		Agent:        agent,
		PositionID:   o.PositionID,
		Symbol:       o.Symbol,
		Side:         string(o.Side),
		MarginUSD:    o.MarginUSD,
		Leverage:     o.Leverage,
		EntryPrice:   o.EntryPrice,
		ExitPrice:    o.ExitPrice,
		RealizedPnL:  o.RealizedPnL,
		Fee:          o.Fee,
		CloseReason:  string(o.Reason),
		OpenedAtUnix: o.OpenedAt.Unix(),
		ClosedAtUnix: o.ClosedAt.Unix(),
		RawJSON:      datatypes.JSON(raw),
	}
	err = s.db.WithContext(ctx).Create(&m).Error
	if err != nil && strings.Contains(err.Error(), "UNIQUE") {
		return nil
	}
	return err
}

// Orders returns the most recent settled trades for one agent, newest
// first.
func (s *Store) Orders(ctx context.Context, agent string, limit int) ([]ledger.Order, error) {
	if limit <= 0 {
		limit = 50
	}
	var models []OrderModel
	err := s.db.WithContext(ctx).
		Where("agent = ?", agent).
		Order("closed_at DESC").
		Limit(limit).
		Find(&models).Error
	if err != nil {
		return nil, err
	}
	out := make([]ledger.Order, 0, len(models))
	for _, m := range models {
		var o ledger.Order
		if err := json.Unmarshal(m.RawJSON, &o); err != nil {
			continue
		}
		out = append(out, o)
	}
	return out, nil
}

// CycleRecord is the read-side view of one persisted cycle.
type CycleRecord struct {
	ID         int64                 `json:"id"`
	Agent      string                `json:"agent"`
	StartedAt  time.Time             `json:"started_at"`
	RoundsUsed int                   `json:"rounds_used"`
	Decisions  []engine.Decision     `json:"decisions"`
	Transcript []engine.AnalysisStep `json:"transcript"`
	Outcomes   []engine.Outcome      `json:"outcomes"`
	Error      string                `json:"error,omitempty"`
}

func (s *Store) SaveCycle(ctx context.Context, agent string, startedAt time.Time, res engine.CycleResult, outcomes []engine.Outcome) error {
	decisions, err := json.Marshal(res.Decisions)
	if err != nil {
		return err
	}
	transcript, err := json.Marshal(res.Transcript)
	if err != nil {
		return err
	}
	outs, err := json.Marshal(outcomes)
	if err != nil {
		return err
	}
	m := CycleModel{
		Agent:          agent,
		StartedAtUnix:  startedAt.Unix(),
		RoundsUsed:     res.RoundsUsed,
		DecisionsJSON:  datatypes.JSON(decisions),
		TranscriptJSON: datatypes.JSON(transcript),
		OutcomesJSON:   datatypes.JSON(outs),
	}
	if res.Err != nil {
		m.Error = res.Err.Error()
	}
	return s.db.WithContext(ctx).Create(&m).Error
}

func (s *Store) Cycles(ctx context.Context, agent string, limit int) ([]CycleRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	var models []CycleModel
	err := s.db.WithContext(ctx).
		Where("agent = ?", agent).
		Order("started_at DESC").
		Limit(limit).
		Find(&models).Error
	if err != nil {
		return nil, err
	}
	out := make([]CycleRecord, 0, len(models))
	for _, m := range models {
		rec := CycleRecord{
			ID:         m.ID,
			Agent:      m.Agent,
			StartedAt:  time.Unix(m.StartedAtUnix, 0).UTC(),
			RoundsUsed: m.RoundsUsed,
			Error:      m.Error,
		}
		_ = json.Unmarshal(m.DecisionsJSON, &rec.Decisions)
		_ = json.Unmarshal(m.TranscriptJSON, &rec.Transcript)
		_ = json.Unmarshal(m.OutcomesJSON, &rec.Outcomes)
		out = append(out, rec)
	}
	return out, nil
}

func (s *Store) SaveSnapshot(ctx context.Context, agent string, snap ledger.Snapshot) error {
	positions, err := json.Marshal(snap.Positions)
	if err != nil {
		return err
	}
	m := SnapshotModel{
		Agent:         agent,
		Balance:       snap.Balance,
		TotalValue:    snap.TotalValue,
		PositionsJSON: datatypes.JSON(positions),
		TakenAtUnix:   snap.GeneratedAt.Unix(),
	}
	return s.db.WithContext(ctx).Create(&m).Error
}

// LatestSnapshot returns the newest snapshot for agent, or ok=false if
// none has been written yet.
func (s *Store) LatestSnapshot(ctx context.Context, agent string) (ledger.Snapshot, bool, error) {
	var m SnapshotModel
	err := s.db.WithContext(ctx).
		Where("agent = ?", agent).
		Order("taken_at DESC").
		First(&m).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ledger.Snapshot{}, false, nil
		}
		return ledger.Snapshot{}, false, err
	}
	snap := ledger.Snapshot{
		Balance:     m.Balance,
		TotalValue:  m.TotalValue,
		GeneratedAt: time.Unix(m.TakenAtUnix, 0).UTC(),
	}
	_ = json.Unmarshal(m.PositionsJSON, &snap.Positions)
	return snap, true, nil
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "" || dir == "." {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
