package rollover

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"

	"github.com/ksred/polar-ops/internal/types"
)

type TaskStatus string

const (
	StatusPending    TaskStatus = "pending"
	StatusInProgress TaskStatus = "in_progress"
	StatusCompleted  TaskStatus = "completed"
	StatusFailed     TaskStatus = "failed"
	StatusCancelled  TaskStatus = "cancelled"
)

// Terminal reports whether the task can no longer change.
func (s TaskStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// TriggerKind records what created a task.
type TriggerKind string

const (
	TriggerMainSwitch TriggerKind = "main_switch"
	TriggerExpiry     TriggerKind = "expiry"
	TriggerManual     TriggerKind = "manual"
)

type Step string

const (
	StepCloseOld Step = "close_old"
	StepOpenNew  Step = "open_new"
)

type ExecutionStatus string

const (
	ExecSubmitted ExecutionStatus = "submitted"
	ExecExecuted  ExecutionStatus = "executed"
	ExecFailed    ExecutionStatus = "failed"
)

// Config holds an account's rollover policy for one variety.
type Config struct {
	ID                  string          `gorm:"primaryKey;type:varchar(64)" json:"id"`
	AccountID           string          `gorm:"type:varchar(64);index:idx_rollover_config_key" json:"account_id"`
	Exchange            string          `gorm:"type:varchar(16);index:idx_rollover_config_key" json:"exchange"`
	VarietyCode         string          `gorm:"type:varchar(16);index:idx_rollover_config_key" json:"variety_code"`
	RolloverThreshold   decimal.Decimal `gorm:"type:numeric(10,3)" json:"rollover_threshold"`
	DaysBeforeExpiry    int             `json:"days_before_expiry"`
	RolloverRatio       decimal.Decimal `gorm:"type:numeric(10,4)" json:"rollover_ratio"`
	TriggerOnMainSwitch bool            `json:"trigger_on_main_switch"`
	AutoExecute         bool            `json:"auto_execute"`
	IsEnabled           bool            `gorm:"index" json:"is_enabled"`
	CreatedAt           time.Time       `json:"created_at"`
	UpdatedAt           time.Time       `json:"updated_at"`
}

func (Config) TableName() string { return "rollover_configs" }

func (c *Config) Validate() error {
	if c.AccountID == "" || c.Exchange == "" || c.VarietyCode == "" {
		return types.NewValidationError("variety_code", "account_id, exchange and variety_code are required")
	}
	if !c.RolloverRatio.IsPositive() || c.RolloverRatio.GreaterThan(decimal.NewFromInt(1)) {
		return types.NewValidationError("rollover_ratio", "must be in (0, 1], got %s", c.RolloverRatio)
	}
	if c.RolloverThreshold.IsNegative() {
		return types.NewValidationError("rollover_threshold", "must not be negative")
	}
	if c.DaysBeforeExpiry < 0 {
		return types.NewValidationError("days_before_expiry", "must not be negative")
	}
	return nil
}

// Task migrates TargetPosition lots of one position side from OldSymbol to
// NewSymbol. ExecutedVolume counts lots that finished both legs and
// ExecutedVolume+RemainingVolume always equals TargetPosition.
type Task struct {
	ID                  string          `gorm:"primaryKey;type:varchar(64)" json:"id"`
	ConfigID            string          `gorm:"type:varchar(64);index" json:"config_id,omitempty"`
	AccountID           string          `gorm:"type:varchar(64);index:idx_rollover_task_key" json:"account_id"`
	Exchange            string          `gorm:"type:varchar(16)" json:"exchange"`
	VarietyCode         string          `gorm:"type:varchar(16)" json:"variety_code"`
	OldSymbol           string          `gorm:"type:varchar(32);index:idx_rollover_task_key" json:"old_symbol"`
	NewSymbol           string          `gorm:"type:varchar(32);index:idx_rollover_task_key" json:"new_symbol"`
	Direction           types.Direction `gorm:"type:varchar(8)" json:"direction"`
	TriggerType         TriggerKind     `gorm:"type:varchar(16)" json:"trigger_type"`
	RolloverIndex       decimal.Decimal `gorm:"type:numeric(10,3)" json:"rollover_index"`
	Status              TaskStatus      `gorm:"type:varchar(16);index" json:"status"`
	AutoExecute         bool            `json:"auto_execute"`
	OldPosition         int64           `json:"old_position"`
	TargetPosition      int64           `json:"target_position"`
	ExecutedVolume      int64           `json:"executed_volume"`
	RemainingVolume     int64           `json:"remaining_volume"`
	CloseVolume         int64           `json:"close_volume"`
	CloseAvgPrice       decimal.Decimal `gorm:"type:numeric(20,4)" json:"close_avg_price"`
	OpenVolume          int64           `json:"open_volume"`
	OpenAvgPrice        decimal.Decimal `gorm:"type:numeric(20,4)" json:"open_avg_price"`
	TotalCost           decimal.Decimal `gorm:"type:numeric(20,4)" json:"total_cost"`
	RetryCount          int             `json:"retry_count"`
	StopRequested       bool            `json:"stop_requested"`
	StartedAt           *time.Time      `json:"started_at,omitempty"`
	CompletedAt         *time.Time      `json:"completed_at,omitempty"`
	ExecutionDurationMs int64           `json:"execution_duration_ms"`
	ErrorMessage        string          `json:"error_message,omitempty"`
	CreatedAt           time.Time       `json:"created_at"`
	UpdatedAt           time.Time       `json:"updated_at"`

	// Allocations splits TargetPosition between the strategy instances
	// holding the old contract. It is fixed when the task starts.
	Allocations datatypes.JSONType[[]Allocation] `json:"allocations"`
}

func (Task) TableName() string { return "rollover_tasks" }

// Allocation is one instance's share of a task. An empty InstanceID holds
// lots no instance booked.
type Allocation struct {
	InstanceID string `json:"instance_id"`
	Volume     int64  `json:"volume"`
}

// pendingOpen is close-leg volume still waiting for its open leg.
func (t *Task) pendingOpen() int64 {
	return t.CloseVolume - t.ExecutedVolume
}

// Execution is one order of a rollover step. Rows are written as submitted
// before the gateway call and never change once executed.
type Execution struct {
	ID            string          `gorm:"primaryKey;type:varchar(64)" json:"id"`
	TaskID        string          `gorm:"type:varchar(64);index" json:"task_id"`
	Step          Step            `gorm:"type:varchar(16)" json:"step"`
	Sequence      int             `json:"sequence"`
	Symbol        string          `gorm:"type:varchar(32)" json:"symbol"`
	Side          types.Side      `gorm:"type:varchar(8)" json:"direction"`
	Offset        types.Offset    `gorm:"type:varchar(8)" json:"offset"`
	Volume        int64           `json:"volume"`
	Price         decimal.Decimal `gorm:"type:numeric(20,4)" json:"price"`
	Commission    decimal.Decimal `gorm:"type:numeric(20,4)" json:"commission"`
	Slippage      decimal.Decimal `gorm:"type:numeric(20,4)" json:"slippage"`
	ClientOrderID string          `gorm:"type:varchar(128);uniqueIndex" json:"client_order_id"`
	OrderID       string          `gorm:"type:varchar(128)" json:"order_id,omitempty"`
	Status        ExecutionStatus `gorm:"type:varchar(16);index" json:"status"`
	ErrorMessage  string          `json:"error_message,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

func (Execution) TableName() string { return "rollover_executions" }

// Statistics is the daily rollup per account and variety. Closed rows are
// frozen.
type Statistics struct {
	ID           uint            `gorm:"primaryKey" json:"id"`
	AccountID    string          `gorm:"type:varchar(64);uniqueIndex:idx_rollover_stats_key" json:"account_id"`
	Exchange     string          `gorm:"type:varchar(16);uniqueIndex:idx_rollover_stats_key" json:"exchange"`
	VarietyCode  string          `gorm:"type:varchar(16);uniqueIndex:idx_rollover_stats_key" json:"variety_code"`
	Date         string          `gorm:"type:varchar(10);uniqueIndex:idx_rollover_stats_key" json:"date"`
	TotalTasks   int64           `json:"total_tasks"`
	SuccessTasks int64           `json:"success_tasks"`
	FailedTasks  int64           `json:"failed_tasks"`
	TotalVolume  int64           `json:"total_volume"`
	TotalCost    decimal.Decimal `gorm:"type:numeric(20,4)" json:"total_cost"`
	Closed       bool            `json:"closed"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

func (Statistics) TableName() string { return "rollover_statistics" }

const dateLayout = "2006-01-02"
