package strategy

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/ksred/polar-ops/internal/types"
)

type InstanceStatus string

const (
	InstanceRunning InstanceStatus = "running"
	InstancePaused  InstanceStatus = "paused"
	InstanceStopped InstanceStatus = "stopped"
	InstanceError   InstanceStatus = "error"
)

func (s InstanceStatus) Valid() bool {
	switch s {
	case InstanceRunning, InstancePaused, InstanceStopped, InstanceError:
		return true
	}
	return false
}

// ConflictMode is a group's policy for intents that clash with other
// members.
type ConflictMode string

const (
	ModeAllow  ConflictMode = "allow"
	ModeReject ConflictMode = "reject"
	ModeMerge  ConflictMode = "merge"
)

func (m ConflictMode) Valid() bool {
	return m == ModeAllow || m == ModeReject || m == ModeMerge
}

// Instance is one running copy of a strategy trading an account.
type Instance struct {
	ID            string         `gorm:"primaryKey;type:varchar(64)" json:"id"`
	InstanceName  string         `json:"instance_name"`
	StrategyID    string         `gorm:"type:varchar(64);index" json:"strategy_id"`
	AccountID     string         `gorm:"type:varchar(64);index" json:"account_id"`
	Status        InstanceStatus `gorm:"type:varchar(16)" json:"status"`
	LastHeartbeat *time.Time     `json:"last_heartbeat,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

func (Instance) TableName() string { return "strategy_instances" }

// Group shares an account's capital and risk budget between instances.
type Group struct {
	ID                     string          `gorm:"primaryKey;type:varchar(64)" json:"id"`
	AccountID              string          `gorm:"type:varchar(64);index" json:"account_id"`
	GroupName              string          `json:"group_name"`
	Description            string          `json:"description"`
	TotalCapital           decimal.Decimal `gorm:"type:numeric(20,2)" json:"total_capital"`
	MaxPositionRatio       decimal.Decimal `gorm:"type:numeric(10,4)" json:"max_position_ratio"`
	MaxRiskPerStrategy     decimal.Decimal `gorm:"type:numeric(10,4)" json:"max_risk_per_strategy"`
	AllowOppositePositions bool            `json:"allow_opposite_positions"`
	PositionConflictMode   ConflictMode    `gorm:"type:varchar(16)" json:"position_conflict_mode"`
	IsActive               bool            `json:"is_active"`
	CreatedAt              time.Time       `json:"created_at"`
	UpdatedAt              time.Time       `json:"updated_at"`
}

func (Group) TableName() string { return "strategy_groups" }

func (g *Group) Validate() error {
	one := decimal.NewFromInt(1)
	switch {
	case g.AccountID == "":
		return types.NewValidationError("account_id", "is required")
	case g.GroupName == "":
		return types.NewValidationError("group_name", "is required")
	case g.TotalCapital.IsNegative():
		return types.NewValidationError("total_capital", "must not be negative")
	case !g.MaxPositionRatio.IsPositive() || g.MaxPositionRatio.GreaterThan(one):
		return types.NewValidationError("max_position_ratio", "must be in (0, 1], got %s", g.MaxPositionRatio)
	case !g.MaxRiskPerStrategy.IsPositive() || g.MaxRiskPerStrategy.GreaterThan(one):
		return types.NewValidationError("max_risk_per_strategy", "must be in (0, 1], got %s", g.MaxRiskPerStrategy)
	case !g.PositionConflictMode.Valid():
		return types.NewValidationError("position_conflict_mode", "must be allow, reject or merge, got %q", g.PositionConflictMode)
	}
	return nil
}

// MaxPositionValue is the group's notional limit. Zero means unlimited.
func (g *Group) MaxPositionValue() decimal.Decimal {
	return g.TotalCapital.Mul(g.MaxPositionRatio)
}

// Member places an instance in a group. Zero CapitalAllocation or
// PositionLimit means no member limit.
type Member struct {
	ID                uint            `gorm:"primaryKey" json:"id"`
	GroupID           string          `gorm:"type:varchar(64);uniqueIndex:idx_group_member" json:"group_id"`
	InstanceID        string          `gorm:"type:varchar(64);uniqueIndex:idx_group_member;index" json:"instance_id"`
	CapitalAllocation decimal.Decimal `gorm:"type:numeric(20,2)" json:"capital_allocation"`
	PositionLimit     int64           `json:"position_limit"`
	Priority          int             `json:"priority"`
	IsActive          bool            `json:"is_active"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

func (Member) TableName() string { return "strategy_group_members" }

// GroupDetail is a group with its members.
type GroupDetail struct {
	Group
	Members []Member `json:"members"`
}

// PerformanceDateLayout is the day key of a Performance row.
const PerformanceDateLayout = "2006-01-02"

// Performance is one instance's results for one trading day.
type Performance struct {
	ID            uint            `gorm:"primaryKey" json:"id"`
	InstanceID    string          `gorm:"type:varchar(64);uniqueIndex:idx_perf_instance_date" json:"instance_id"`
	Date          string          `gorm:"type:varchar(10);uniqueIndex:idx_perf_instance_date" json:"date"`
	TotalTrades   int64           `json:"total_trades"`
	WinningTrades int64           `json:"winning_trades"`
	TotalProfit   decimal.Decimal `gorm:"type:numeric(20,2)" json:"total_profit"`
	MaxDrawdown   decimal.Decimal `gorm:"type:numeric(20,2)" json:"max_drawdown"`
	SharpeRatio   decimal.Decimal `gorm:"type:numeric(10,4)" json:"sharpe_ratio"`
	WinRate       decimal.Decimal `gorm:"type:numeric(10,4)" json:"win_rate"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

func (Performance) TableName() string { return "strategy_performance" }

// Ranking is an instance's performance summed over a window.
type Ranking struct {
	Rank          int             `json:"rank"`
	InstanceID    string          `json:"instance_id"`
	Days          int             `json:"days"`
	TotalTrades   int64           `json:"total_trades"`
	WinningTrades int64           `json:"winning_trades"`
	TotalProfit   decimal.Decimal `json:"total_profit"`
	MaxDrawdown   decimal.Decimal `json:"max_drawdown"`
	WinRate       decimal.Decimal `json:"win_rate"`
}

type ParamType string

const (
	ParamInt    ParamType = "int"
	ParamFloat  ParamType = "float"
	ParamBool   ParamType = "bool"
	ParamString ParamType = "string"
)

func (t ParamType) Valid() bool {
	switch t {
	case ParamInt, ParamFloat, ParamBool, ParamString:
		return true
	}
	return false
}

// ParamDefinition declares a tunable parameter of a strategy. Bounds apply
// to int and float parameters only.
type ParamDefinition struct {
	ID           uint                `gorm:"primaryKey" json:"id"`
	StrategyID   string              `gorm:"type:varchar(64);uniqueIndex:idx_param_def" json:"strategy_id"`
	ParamKey     string              `gorm:"type:varchar(64);uniqueIndex:idx_param_def" json:"param_key"`
	ParamType    ParamType           `gorm:"type:varchar(16)" json:"param_type"`
	DefaultValue string              `json:"default_value"`
	MinValue     decimal.NullDecimal `gorm:"type:numeric(20,6)" json:"min_value"`
	MaxValue     decimal.NullDecimal `gorm:"type:numeric(20,6)" json:"max_value"`
	Description  string              `json:"description"`
	CreatedAt    time.Time           `json:"created_at"`
	UpdatedAt    time.Time           `json:"updated_at"`
}

func (ParamDefinition) TableName() string { return "strategy_param_definitions" }

// ParamVersion is one value an instance's parameter has held. At most one
// version per (instance, key) is active.
type ParamVersion struct {
	ID           uint      `gorm:"primaryKey" json:"id"`
	InstanceID   string    `gorm:"type:varchar(64);index:idx_param_version" json:"instance_id"`
	ParamKey     string    `gorm:"type:varchar(64);index:idx_param_version" json:"param_key"`
	Value        string    `json:"value"`
	Version      int       `json:"version"`
	IsActive     bool      `json:"is_active"`
	ChangedBy    string    `json:"changed_by"`
	ChangeReason string    `json:"change_reason"`
	CreatedAt    time.Time `json:"created_at"`
}

func (ParamVersion) TableName() string { return "strategy_param_versions" }
