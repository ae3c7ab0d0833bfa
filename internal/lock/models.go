package lock

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/ksred/polar-ops/internal/types"
)

// TriggerType selects the rule a LockConfig is evaluated with.
type TriggerType string

const (
	TriggerProfit TriggerType = "profit"
	TriggerPrice  TriggerType = "price"
	TriggerTime   TriggerType = "time"
)

type TriggerStatus string

const (
	StatusPending        TriggerStatus = "pending"
	StatusWaitingConfirm TriggerStatus = "waiting_confirm"
	StatusExecuted       TriggerStatus = "executed"
	StatusFailed         TriggerStatus = "failed"
	StatusCancelled      TriggerStatus = "cancelled"
)

// Terminal reports whether no further transition is allowed.
func (s TriggerStatus) Terminal() bool {
	return s == StatusExecuted || s == StatusFailed || s == StatusCancelled
}

type ExecutionMethod string

const (
	MethodAuto   ExecutionMethod = "auto"
	MethodManual ExecutionMethod = "manual"
)

// Config is a standing lock rule for one side of a position. Edits bump
// Version; triggers already created keep the version they fired under.
type Config struct {
	ID                  string              `gorm:"primaryKey;type:varchar(64)" json:"id"`
	AccountID           string              `gorm:"type:varchar(64);index:idx_lock_config_key" json:"account_id"`
	Symbol              string              `gorm:"type:varchar(32);index:idx_lock_config_key" json:"symbol"`
	Direction           types.Direction     `gorm:"type:varchar(8)" json:"direction"`
	TriggerType         TriggerType         `gorm:"type:varchar(16)" json:"trigger_type"`
	ProfitLockThreshold decimal.Decimal     `gorm:"type:numeric(20,4)" json:"profit_lock_threshold"`
	ProfitLockRatio     decimal.Decimal     `gorm:"type:numeric(10,4)" json:"profit_lock_ratio"`
	TriggerPrice        decimal.NullDecimal `gorm:"type:numeric(20,4)" json:"trigger_price"`
	StopLossPrice       decimal.NullDecimal `gorm:"type:numeric(20,4)" json:"stop_loss_price"`
	TriggerTime         *time.Time          `json:"trigger_time,omitempty"`
	AutoExecute         bool                `json:"auto_execute"`
	IsActive            bool                `gorm:"index" json:"is_active"`
	Version             int64               `json:"version"`
	CreatedAt           time.Time           `json:"created_at"`
	UpdatedAt           time.Time           `json:"updated_at"`
}

func (Config) TableName() string { return "lock_configs" }

// Validate checks a config before it is stored.
func (c *Config) Validate() error {
	if c.AccountID == "" || c.Symbol == "" {
		return types.NewValidationError("symbol", "account_id and symbol are required")
	}
	if !c.Direction.Valid() {
		return types.NewValidationError("direction", "must be long or short, got %q", c.Direction)
	}
	if !c.ProfitLockRatio.IsPositive() || c.ProfitLockRatio.GreaterThan(decimal.NewFromInt(1)) {
		return types.NewValidationError("profit_lock_ratio", "must be in (0, 1], got %s", c.ProfitLockRatio)
	}
	switch c.TriggerType {
	case TriggerProfit:
		if !c.ProfitLockThreshold.IsPositive() {
			return types.NewValidationError("profit_lock_threshold", "must be positive for profit triggers")
		}
	case TriggerPrice:
		if !c.TriggerPrice.Valid && !c.StopLossPrice.Valid {
			return types.NewValidationError("trigger_price", "price triggers need trigger_price or stop_loss_price")
		}
		if c.TriggerPrice.Valid && !c.TriggerPrice.Decimal.IsPositive() {
			return types.NewValidationError("trigger_price", "must be positive")
		}
		if c.StopLossPrice.Valid && !c.StopLossPrice.Decimal.IsPositive() {
			return types.NewValidationError("stop_loss_price", "must be positive")
		}
	case TriggerTime:
		if c.TriggerTime == nil {
			return types.NewValidationError("trigger_time", "is required for time triggers")
		}
	default:
		return types.NewValidationError("trigger_type", "unknown trigger type %q", c.TriggerType)
	}
	return nil
}

// Trigger is one firing of a Config against a position epoch.
type Trigger struct {
	ID               string          `gorm:"primaryKey;type:varchar(64)" json:"id"`
	ConfigID         string          `gorm:"type:varchar(64);index:idx_lock_trigger_epoch" json:"config_id"`
	ConfigVersion    int64           `json:"config_version"`
	Epoch            int64           `gorm:"index:idx_lock_trigger_epoch" json:"epoch"`
	AccountID        string          `gorm:"type:varchar(64);index:idx_lock_trigger_key" json:"account_id"`
	Symbol           string          `gorm:"type:varchar(32);index:idx_lock_trigger_key" json:"symbol"`
	Direction        types.Direction `gorm:"type:varchar(8);index:idx_lock_trigger_key" json:"direction"`
	TriggerType      TriggerType     `gorm:"type:varchar(16)" json:"trigger_type"`
	TriggerPrice     decimal.Decimal `gorm:"type:numeric(20,4)" json:"trigger_price"`
	TriggerProfit    decimal.Decimal `gorm:"type:numeric(20,4)" json:"trigger_profit"`
	TriggerCondition string          `json:"trigger_condition"`
	LockVolume       int64           `json:"lock_volume"`
	LockPrice        decimal.Decimal `gorm:"type:numeric(20,4)" json:"lock_price"`
	ExecutionStatus  TriggerStatus   `gorm:"type:varchar(16);index" json:"execution_status"`
	ClientOrderID    string          `gorm:"type:varchar(128)" json:"client_order_id,omitempty"`
	ExecutionTime    *time.Time      `json:"execution_time,omitempty"`
	ExecutionResult  string          `json:"execution_result,omitempty"`
	ErrorMessage     string          `json:"error_message,omitempty"`
	CreatedAt        time.Time       `gorm:"index" json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

func (Trigger) TableName() string { return "lock_triggers" }

// Execution is the audit record of a realized lock. It is written once,
// in the same transaction that marks its trigger executed.
type Execution struct {
	ID                  string          `gorm:"primaryKey;type:varchar(64)" json:"id"`
	TriggerID           string          `gorm:"type:varchar(64);uniqueIndex" json:"trigger_id"`
	AccountID           string          `gorm:"type:varchar(64);index" json:"account_id"`
	Symbol              string          `gorm:"type:varchar(32)" json:"symbol"`
	Direction           types.Direction `gorm:"type:varchar(8)" json:"direction"`
	BeforePosition      int64           `json:"before_position"`
	BeforeAvgPrice      decimal.Decimal `gorm:"type:numeric(20,4)" json:"before_avg_price"`
	BeforeProfit        decimal.Decimal `gorm:"type:numeric(20,4)" json:"before_profit"`
	LockVolume          int64           `json:"lock_volume"`
	LockDirection       types.Direction `gorm:"type:varchar(8)" json:"lock_direction"`
	LockPrice           decimal.Decimal `gorm:"type:numeric(20,4)" json:"lock_price"`
	LockedProfit        decimal.Decimal `gorm:"type:numeric(20,4)" json:"locked_profit"`
	Commission          decimal.Decimal `gorm:"type:numeric(20,4)" json:"commission"`
	AfterLockedPosition int64           `json:"after_locked_position"`
	AfterOpenPosition   int64           `json:"after_open_position"`
	OrderID             string          `gorm:"type:varchar(128)" json:"order_id"`
	ExecutionMethod     ExecutionMethod `gorm:"type:varchar(8)" json:"execution_method"`
	CreatedAt           time.Time       `json:"created_at"`
}

func (Execution) TableName() string { return "lock_executions" }
