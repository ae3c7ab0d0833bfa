package lock

import (
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/ksred/polar-ops/internal/types"
)

// dedupStatuses are the trigger states that count as a firing for the
// current epoch. Failed and cancelled triggers do not.
var dedupStatuses = []TriggerStatus{StatusPending, StatusWaitingConfirm, StatusExecuted}

var unresolvedStatuses = []TriggerStatus{StatusPending, StatusWaitingConfirm}

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

func (d *Database) CreateConfig(c *Config) error {
	return d.db.Create(c).Error
}

func (d *Database) GetConfig(id string) (*Config, error) {
	var c Config
	if err := d.db.Where("id = ?", id).First(&c).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("lock config %s: %w", id, types.ErrNotFound)
		}
		return nil, err
	}
	return &c, nil
}

func (d *Database) SaveConfig(c *Config) error {
	return d.db.Save(c).Error
}

func (d *Database) DeleteConfig(id string) error {
	res := d.db.Where("id = ?", id).Delete(&Config{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("lock config %s: %w", id, types.ErrNotFound)
	}
	return nil
}

type ConfigFilter struct {
	AccountID  string
	Symbol     string
	ActiveOnly bool
}

func (d *Database) ListConfigs(f ConfigFilter) ([]Config, error) {
	q := d.db.Model(&Config{})
	if f.AccountID != "" {
		q = q.Where("account_id = ?", f.AccountID)
	}
	if f.Symbol != "" {
		q = q.Where("symbol = ?", f.Symbol)
	}
	if f.ActiveOnly {
		q = q.Where("is_active = ?", true)
	}
	var out []Config
	err := q.Order("created_at").Find(&out).Error
	return out, err
}

func (d *Database) GetTrigger(id string) (*Trigger, error) {
	return getTrigger(d.db, id)
}

func getTrigger(tx *gorm.DB, id string) (*Trigger, error) {
	var t Trigger
	if err := tx.Where("id = ?", id).First(&t).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("lock trigger %s: %w", id, types.ErrNotFound)
		}
		return nil, err
	}
	return &t, nil
}

type TriggerFilter struct {
	Status    TriggerStatus
	AccountID string
	ConfigID  string
	Limit     int
}

func (d *Database) ListTriggers(f TriggerFilter) ([]Trigger, error) {
	q := d.db.Model(&Trigger{})
	if f.Status != "" {
		q = q.Where("execution_status = ?", f.Status)
	}
	if f.AccountID != "" {
		q = q.Where("account_id = ?", f.AccountID)
	}
	if f.ConfigID != "" {
		q = q.Where("config_id = ?", f.ConfigID)
	}
	if f.Limit <= 0 {
		f.Limit = 200
	}
	var out []Trigger
	err := q.Order("created_at DESC").Limit(f.Limit).Find(&out).Error
	return out, err
}

// PendingTriggers returns pending triggers oldest first.
func (d *Database) PendingTriggers() ([]Trigger, error) {
	var out []Trigger
	err := d.db.Where("execution_status = ?", StatusPending).
		Order("created_at, id").Find(&out).Error
	return out, err
}

// insertTriggerOnce stores t unless a trigger for the same config and
// epoch already counts as fired. It must run inside a transaction held
// under the config's evaluation key.
func insertTriggerOnce(tx *gorm.DB, t *Trigger) (bool, error) {
	var count int64
	err := tx.Model(&Trigger{}).
		Where("config_id = ? AND epoch = ? AND execution_status IN ?", t.ConfigID, t.Epoch, dedupStatuses).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	if count > 0 {
		return false, nil
	}
	if err := tx.Create(t).Error; err != nil {
		return false, err
	}
	return true, nil
}

// earlierUnresolved reports whether a trigger older than t on the same
// position side is still pending or waiting for confirmation.
func (d *Database) earlierUnresolved(t *Trigger) (*Trigger, error) {
	var earlier Trigger
	err := d.db.
		Where("account_id = ? AND symbol = ? AND direction = ? AND id <> ?", t.AccountID, t.Symbol, t.Direction, t.ID).
		Where("execution_status IN ?", unresolvedStatuses).
		Where("created_at < ? OR (created_at = ? AND id < ?)", t.CreatedAt, t.CreatedAt, t.ID).
		Order("created_at").
		First(&earlier).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &earlier, nil
}

// transition moves a trigger from one of the from states, applying extra
// column updates. It reports ErrInvalidTransition when the trigger is in
// some other state.
func transition(tx *gorm.DB, id string, from []TriggerStatus, to TriggerStatus, extra map[string]interface{}) error {
	updates := map[string]interface{}{
		"execution_status": to,
		"updated_at":       time.Now(),
	}
	for k, v := range extra {
		updates[k] = v
	}
	res := tx.Model(&Trigger{}).
		Where("id = ? AND execution_status IN ?", id, from).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("lock trigger %s to %s: %w", id, to, types.ErrInvalidTransition)
	}
	return nil
}

func (d *Database) Transition(id string, from []TriggerStatus, to TriggerStatus, extra map[string]interface{}) error {
	return transition(d.db, id, from, to, extra)
}

func (d *Database) UpdateTriggerFields(id string, fields map[string]interface{}) error {
	fields["updated_at"] = time.Now()
	return d.db.Model(&Trigger{}).Where("id = ?", id).Updates(fields).Error
}

// CompleteExecution writes the execution record and marks its trigger
// executed atomically.
func (d *Database) CompleteExecution(exec *Execution, result string, lockVolume int64) error {
	return d.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(exec).Error; err != nil {
			return err
		}
		now := time.Now()
		return transition(tx, exec.TriggerID, []TriggerStatus{StatusPending}, StatusExecuted, map[string]interface{}{
			"execution_time":   now,
			"execution_result": result,
			"lock_volume":      lockVolume,
			"lock_price":       exec.LockPrice,
			"error_message":    "",
		})
	})
}

func (d *Database) ExecutionByTrigger(triggerID string) (*Execution, error) {
	var e Execution
	if err := d.db.Where("trigger_id = ?", triggerID).First(&e).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("lock execution for %s: %w", triggerID, types.ErrNotFound)
		}
		return nil, err
	}
	return &e, nil
}

func (d *Database) ListExecutions(accountID string, limit int) ([]Execution, error) {
	q := d.db.Model(&Execution{})
	if accountID != "" {
		q = q.Where("account_id = ?", accountID)
	}
	if limit <= 0 {
		limit = 200
	}
	var out []Execution
	err := q.Order("created_at DESC").Limit(limit).Find(&out).Error
	return out, err
}
