package store

import (
	"gorm.io/datatypes"
)

// OrderModel is one settled trade. Mirrors ledger.Order with the
// ledger-internal fields flattened for querying.
type OrderModel struct {
	ID            int64          `gorm:"column:id;primaryKey"`
	OrderID       string         `gorm:"column:order_id;uniqueIndex"`
	Agent         string         `gorm:"column:agent;index"`
	PositionID    string         `gorm:"column:position_id"`
	Symbol        string         `gorm:"column:symbol"`
	Side          string         `gorm:"column:side"`
	MarginUSD     float64        `gorm:"column:margin_usd"`
	Leverage      int            `gorm:"column:leverage"`
	EntryPrice    float64        `gorm:"column:entry_price"`
	ExitPrice     float64        `gorm:"column:exit_price"`
	RealizedPnL   float64        `gorm:"column:realized_pnl"`
	Fee           float64        `gorm:"column:fee"`
	CloseReason   string         `gorm:"column:close_reason"`
	OpenedAtUnix  int64          `gorm:"column:opened_at"`
	ClosedAtUnix  int64          `gorm:"column:closed_at;index"`
	CreatedAtUnix int64          `gorm:"column:created_at;autoCreateTime"`
	RawJSON       datatypes.JSON `gorm:"column:raw_json;type:TEXT"`
}

func (OrderModel) TableName() string { return "orders" }

// CycleModel records one completed decision cycle: what the oracle
// decided, the tool transcript, and how the ledger responded.
type CycleModel struct {
	ID             int64          `gorm:"column:id;primaryKey"`
	Agent          string         `gorm:"column:agent;index"`
	StartedAtUnix  int64          `gorm:"column:started_at;index"`
	RoundsUsed     int            `gorm:"column:rounds_used"`
	DecisionsJSON  datatypes.JSON `gorm:"column:decisions_json;type:TEXT"`
	TranscriptJSON datatypes.JSON `gorm:"column:transcript_json;type:TEXT"`
	OutcomesJSON   datatypes.JSON `gorm:"column:outcomes_json;type:TEXT"`
	Error          string         `gorm:"column:error"`
	CreatedAtUnix  int64          `gorm:"column:created_at;autoCreateTime"`
}

func (CycleModel) TableName() string { return "cycles" }

// SnapshotModel is a periodic portfolio snapshot per agent.
type SnapshotModel struct {
	ID            int64          `gorm:"column:id;primaryKey"`
	Agent         string         `gorm:"column:agent;index"`
	Balance       float64        `gorm:"column:balance"`
	TotalValue    float64        `gorm:"column:total_value"`
	PositionsJSON datatypes.JSON `gorm:"column:positions_json;type:TEXT"`
	TakenAtUnix   int64          `gorm:"column:taken_at;index"`
	CreatedAtUnix int64          `gorm:"column:created_at;autoCreateTime"`
}

func (SnapshotModel) TableName() string { return "snapshots" }
