package contract

import (
	"time"

	"github.com/shopspring/decimal"
)

// Contract is one tradable futures contract.
type Contract struct {
	ID          uint            `gorm:"primaryKey" json:"id"`
	Symbol      string          `gorm:"type:varchar(32);uniqueIndex" json:"symbol"`
	Exchange    string          `gorm:"type:varchar(16);index:idx_contract_variety" json:"exchange"`
	VarietyCode string          `gorm:"type:varchar(16);index:idx_contract_variety" json:"variety_code"`
	VarietyName string          `json:"variety_name"`
	Multiplier  decimal.Decimal `gorm:"type:numeric(20,4)" json:"multiplier"`
	MarginRatio decimal.Decimal `gorm:"type:numeric(10,4)" json:"margin_ratio"`
	PriceTick   decimal.Decimal `gorm:"type:numeric(20,4)" json:"price_tick"`
	ExpireDate  time.Time       `json:"expire_date"`
	IsMain      bool            `json:"is_main"`
	IsActive    bool            `json:"is_active"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// MainContractSwitch records the venue's main contract moving from one
// delivery month to the next.
type MainContractSwitch struct {
	ID              string          `gorm:"primaryKey;type:varchar(64)" json:"id"`
	Exchange        string          `gorm:"type:varchar(16)" json:"exchange"`
	VarietyCode     string          `gorm:"type:varchar(16)" json:"variety_code"`
	OldMainContract string          `gorm:"type:varchar(32)" json:"old_main_contract"`
	NewMainContract string          `gorm:"type:varchar(32)" json:"new_main_contract"`
	RolloverIndex   decimal.Decimal `gorm:"type:numeric(10,3)" json:"rollover_index"`
	SwitchDate      time.Time       `gorm:"index" json:"switch_date"`
	Processed       bool            `gorm:"index" json:"processed"`
	CreatedAt       time.Time       `json:"created_at"`
}
