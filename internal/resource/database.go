package resource

import (
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/ksred/polar-ops/internal/types"
)

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

func (d *Database) Create(u *Usage) error {
	return d.db.Create(u).Error
}

func (d *Database) Latest(groupID string) (*Usage, error) {
	var u Usage
	err := d.db.Where("group_id = ?", groupID).Order("timestamp DESC").First(&u).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("resource usage of %s: %w", groupID, types.ErrNotFound)
		}
		return nil, err
	}
	return &u, nil
}

func (d *Database) Since(groupID string, since time.Time) ([]Usage, error) {
	var out []Usage
	err := d.db.Where("group_id = ? AND timestamp >= ?", groupID, since).
		Order("timestamp").Find(&out).Error
	return out, err
}
