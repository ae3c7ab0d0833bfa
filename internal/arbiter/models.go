package arbiter

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/ksred/polar-ops/internal/types"
)

type SignalType string

const (
	SignalOpen  SignalType = "open"
	SignalClose SignalType = "close"
)

type SignalStatus string

const (
	SignalPending  SignalStatus = "pending"
	SignalExecuted SignalStatus = "executed"
	SignalRejected SignalStatus = "rejected"
	SignalMerged   SignalStatus = "merged"
	SignalFailed   SignalStatus = "failed"
)

type ConflictType string

const (
	ConflictOppositeDirection ConflictType = "opposite_direction"
	ConflictExceedLimit       ConflictType = "exceed_limit"
	ConflictSameSymbol        ConflictType = "same_symbol"
)

// Signal is a trading intent raised by a strategy instance.
type Signal struct {
	ID              string          `gorm:"primaryKey;type:varchar(64)" json:"id"`
	InstanceID      string          `gorm:"type:varchar(64);index" json:"instance_id"`
	GroupID         string          `gorm:"type:varchar(64);index" json:"group_id,omitempty"`
	AccountID       string          `gorm:"type:varchar(64)" json:"account_id"`
	Symbol          string          `gorm:"type:varchar(32)" json:"symbol"`
	SignalType      SignalType      `gorm:"type:varchar(8)" json:"signal_type"`
	Direction       types.Direction `gorm:"type:varchar(8)" json:"direction"`
	Volume          int64           `json:"volume"`
	Price           decimal.Decimal `gorm:"type:numeric(20,4)" json:"price"`
	Status          SignalStatus    `gorm:"type:varchar(16);index" json:"status"`
	Decision        string          `gorm:"type:varchar(16)" json:"decision,omitempty"`
	ExecutedVolume  int64           `json:"executed_volume"`
	ExecutedPrice   decimal.Decimal `gorm:"type:numeric(20,4)" json:"executed_price"`
	ClientOrderID   string          `gorm:"type:varchar(96)" json:"client_order_id,omitempty"`
	OrderID         string          `gorm:"type:varchar(96)" json:"order_id,omitempty"`
	RejectionReason string          `json:"rejection_reason,omitempty"`
	ExpiresAt       *time.Time      `json:"expires_at,omitempty"`
	ProcessedAt     *time.Time      `json:"processed_at,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

func (Signal) TableName() string { return "strategy_signals" }

func (s *Signal) expired(now time.Time) bool {
	return s.ExpiresAt != nil && now.After(*s.ExpiresAt)
}

// Conflict is a pairwise clash found while admitting a signal. Limit
// breaches leave InstanceID2 empty.
type Conflict struct {
	ID           string       `gorm:"primaryKey;type:varchar(64)" json:"id"`
	GroupID      string       `gorm:"type:varchar(64);index:idx_conflict_open" json:"group_id"`
	InstanceID1  string       `gorm:"column:instance_id_1;type:varchar(64);index:idx_conflict_open" json:"instance_id_1"`
	InstanceID2  string       `gorm:"column:instance_id_2;type:varchar(64);index:idx_conflict_open" json:"instance_id_2"`
	Symbol       string       `gorm:"type:varchar(32);index:idx_conflict_open" json:"symbol"`
	ConflictType ConflictType `gorm:"type:varchar(32)" json:"conflict_type"`
	Description  string       `json:"description"`
	SignalID     string       `gorm:"type:varchar(64)" json:"signal_id"`
	Resolved     bool         `gorm:"index" json:"resolved"`
	Resolution   string       `json:"resolution,omitempty"`
	ResolvedAt   *time.Time   `json:"resolved_at,omitempty"`
	CreatedAt    time.Time    `json:"created_at"`
}

func (Conflict) TableName() string { return "strategy_conflicts" }

// IdempotencyRecord maps a client supplied Idempotency-Key to the signal it
// created. Records stop matching after ExpiresAt.
type IdempotencyRecord struct {
	IdempotencyKey string    `gorm:"primaryKey;type:varchar(128)" json:"idempotency_key"`
	SignalID       string    `gorm:"type:varchar(64)" json:"signal_id"`
	ExpiresAt      time.Time `gorm:"index" json:"expires_at"`
	CreatedAt      time.Time `json:"created_at"`
}

func (IdempotencyRecord) TableName() string { return "signal_idempotency_keys" }

// pair orders two instance ids so (a, b) and (b, a) match.
func pair(a, b string) (string, string) {
	if b != "" && b < a {
		return b, a
	}
	return a, b
}
