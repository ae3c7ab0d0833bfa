package resource

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// Usage is one immutable snapshot of a group's resource consumption.
type Usage struct {
	ID                 string                        `gorm:"primaryKey;type:varchar(64)" json:"id"`
	GroupID            string                        `gorm:"type:varchar(64);index:idx_usage_group_time" json:"group_id"`
	Timestamp          time.Time                     `gorm:"index:idx_usage_group_time" json:"timestamp"`
	TotalCapitalUsed   decimal.Decimal               `gorm:"type:numeric(20,2)" json:"total_capital_used"`
	TotalPosition      int64                         `json:"total_position"`
	TotalPositionValue decimal.Decimal               `gorm:"type:numeric(20,2)" json:"total_position_value"`
	TotalMarginUsed    decimal.Decimal               `gorm:"type:numeric(20,2)" json:"total_margin_used"`
	TotalRisk          decimal.Decimal               `gorm:"type:numeric(20,2)" json:"total_risk"`
	RiskUtilization    decimal.Decimal               `gorm:"type:numeric(12,6)" json:"risk_utilization"`
	StrategyBreakdown  datatypes.JSONType[Breakdown] `json:"strategy_breakdown"`
}

func (Usage) TableName() string { return "resource_usage" }

// Breakdown maps instance id to its share of a snapshot.
type Breakdown map[string]InstanceUsage

// InstanceUsage is one member's share of a snapshot.
type InstanceUsage struct {
	CapitalUsed   decimal.Decimal `json:"capital_used"`
	Position      int64           `json:"position"`
	PositionValue decimal.Decimal `json:"position_value"`
	MarginUsed    decimal.Decimal `json:"margin_used"`
	Risk          decimal.Decimal `json:"risk"`
}

// Member returns the breakdown entry for instanceID, zero when the
// instance held nothing.
func (u *Usage) Member(instanceID string) InstanceUsage {
	if u == nil {
		return InstanceUsage{}
	}
	return u.StrategyBreakdown.Data()[instanceID]
}
