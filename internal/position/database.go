package position

import (
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/ksred/polar-ops/internal/types"
)

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

func getPosition(tx *gorm.DB, accountID, symbol string) (*Position, error) {
	var p Position
	err := tx.Where("account_id = ? AND symbol = ?", accountID, symbol).First(&p).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("position %s/%s: %w", accountID, symbol, types.ErrNotFound)
		}
		return nil, err
	}
	return &p, nil
}

func (d *Database) GetPosition(accountID, symbol string) (*Position, error) {
	return getPosition(d.db, accountID, symbol)
}

func (d *Database) ListByAccount(accountID string) ([]Position, error) {
	var out []Position
	err := d.db.Where("account_id = ?", accountID).Order("symbol").Find(&out).Error
	return out, err
}

func (d *Database) ListBySymbol(symbol string) ([]Position, error) {
	var out []Position
	err := d.db.Where("symbol = ?", symbol).Find(&out).Error
	return out, err
}

// ListOpen returns every position with lots on either side.
func (d *Database) ListOpen() ([]Position, error) {
	var out []Position
	err := d.db.Where("long_position > 0 OR short_position > 0").
		Order("account_id, symbol").Find(&out).Error
	return out, err
}

func (d *Database) TradesByInstances(instanceIDs []string) ([]Trade, error) {
	if len(instanceIDs) == 0 {
		return nil, nil
	}
	var out []Trade
	err := d.db.Where("instance_id IN ?", instanceIDs).Order("id").Find(&out).Error
	return out, err
}

// AttributedTrades lists the instance-booked fills of one position key.
func (d *Database) AttributedTrades(accountID, symbol string) ([]Trade, error) {
	var out []Trade
	err := d.db.Where("account_id = ? AND symbol = ? AND instance_id <> ?", accountID, symbol, "").
		Order("id").Find(&out).Error
	return out, err
}

func (d *Database) TradeByOrderID(orderID string) (*Trade, error) {
	var t Trade
	if err := d.db.Where("order_id = ?", orderID).First(&t).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("trade %s: %w", orderID, types.ErrNotFound)
		}
		return nil, err
	}
	return &t, nil
}

func (d *Database) ListTrades(accountID, symbol string, limit int) ([]Trade, error) {
	q := d.db.Model(&Trade{})
	if accountID != "" {
		q = q.Where("account_id = ?", accountID)
	}
	if symbol != "" {
		q = q.Where("symbol = ?", symbol)
	}
	if limit <= 0 {
		limit = 100
	}
	var out []Trade
	err := q.Order("id DESC").Limit(limit).Find(&out).Error
	return out, err
}
