package contract

import (
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/ksred/polar-ops/internal/types"
)

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

// Upsert inserts c or refreshes the row with the same symbol.
func (d *Database) Upsert(c *Contract) error {
	return d.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "symbol"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"exchange", "variety_code", "variety_name", "multiplier",
			"margin_ratio", "price_tick", "expire_date", "is_main", "is_active", "updated_at",
		}),
	}).Create(c).Error
}

func (d *Database) GetBySymbol(symbol string) (*Contract, error) {
	var c Contract
	if err := d.db.Where("symbol = ?", symbol).First(&c).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("contract %s: %w", symbol, types.ErrNotFound)
		}
		return nil, err
	}
	return &c, nil
}

func (d *Database) List(exchange, variety string) ([]Contract, error) {
	q := d.db.Model(&Contract{})
	if exchange != "" {
		q = q.Where("exchange = ?", exchange)
	}
	if variety != "" {
		q = q.Where("variety_code = ?", variety)
	}
	var out []Contract
	err := q.Order("symbol").Find(&out).Error
	return out, err
}

func (d *Database) MainContract(exchange, variety string) (*Contract, error) {
	var c Contract
	err := d.db.Where("exchange = ? AND variety_code = ? AND is_main = ? AND is_active = ?",
		exchange, variety, true, true).First(&c).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("main contract %s.%s: %w", exchange, variety, types.ErrNotFound)
		}
		return nil, err
	}
	return &c, nil
}

func (d *Database) ExpiringBefore(deadline time.Time) ([]Contract, error) {
	var out []Contract
	err := d.db.Where("is_active = ? AND expire_date <= ?", true, deadline).
		Order("expire_date").Find(&out).Error
	return out, err
}

// RecordSwitch stores s and moves the main flag of the variety to the new
// contract in one transaction.
func (d *Database) RecordSwitch(s *MainContractSwitch) error {
	return d.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(s).Error; err != nil {
			return err
		}
		if err := tx.Model(&Contract{}).
			Where("exchange = ? AND variety_code = ?", s.Exchange, s.VarietyCode).
			Update("is_main", false).Error; err != nil {
			return err
		}
		return tx.Model(&Contract{}).
			Where("symbol = ?", s.NewMainContract).
			Update("is_main", true).Error
	})
}

// UnprocessedSwitches lists every switch not yet acted on, oldest first.
func (d *Database) UnprocessedSwitches() ([]MainContractSwitch, error) {
	var out []MainContractSwitch
	err := d.db.Where("processed = ?", false).
		Order("switch_date").Find(&out).Error
	return out, err
}

func (d *Database) MarkSwitchProcessed(id string) error {
	res := d.db.Model(&MainContractSwitch{}).Where("id = ?", id).Update("processed", true)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("main contract switch %s: %w", id, types.ErrNotFound)
	}
	return nil
}
