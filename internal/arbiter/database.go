package arbiter

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

func (d *Database) CreateSignal(s *Signal) error {
	return d.db.Create(s).Error
}

// CreateSignalWithKey stores s and its idempotency record in one
// transaction. An expired record for the same key is replaced.
func (d *Database) CreateSignalWithKey(s *Signal, key string, expiresAt, now time.Time) error {
	return d.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("idempotency_key = ? AND expires_at <= ?", key, now).
			Delete(&IdempotencyRecord{}).Error; err != nil {
			return err
		}
		if err := tx.Create(s).Error; err != nil {
			return err
		}
		return tx.Create(&IdempotencyRecord{
			IdempotencyKey: key,
			SignalID:       s.ID,
			ExpiresAt:      expiresAt,
		}).Error
	})
}

// SignalForKey returns the signal recorded under an unexpired key.
func (d *Database) SignalForKey(key string, now time.Time) (*Signal, error) {
	var rec IdempotencyRecord
	err := d.db.Where("idempotency_key = ? AND expires_at > ?", key, now).First(&rec).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("idempotency key %s: %w", key, types.ErrNotFound)
		}
		return nil, err
	}
	return d.GetSignal(rec.SignalID)
}

// PurgeIdempotencyKeys drops records that expired before now.
func (d *Database) PurgeIdempotencyKeys(now time.Time) (int64, error) {
	res := d.db.Where("expires_at <= ?", now).Delete(&IdempotencyRecord{})
	return res.RowsAffected, res.Error
}

func (d *Database) GetSignal(id string) (*Signal, error) {
	var s Signal
	if err := d.db.Where("id = ?", id).First(&s).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("strategy signal %s: %w", id, types.ErrNotFound)
		}
		return nil, err
	}
	return &s, nil
}

type SignalFilter struct {
	InstanceID string
	Status     SignalStatus
	Limit      int
}

func (d *Database) ListSignals(f SignalFilter) ([]Signal, error) {
	q := d.db.Model(&Signal{})
	if f.InstanceID != "" {
		q = q.Where("instance_id = ?", f.InstanceID)
	}
	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	}
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}
	var out []Signal
	err := q.Order("created_at DESC").Find(&out).Error
	return out, err
}

// PendingSignals returns unprocessed signals oldest first.
func (d *Database) PendingSignals() ([]Signal, error) {
	var out []Signal
	err := d.db.Where("status = ?", SignalPending).Order("created_at").Find(&out).Error
	return out, err
}

// PendingFor returns the unexpired pending signals of the given instances
// on symbol, leaving out exclude.
func (d *Database) PendingFor(instanceIDs []string, symbol, exclude string, now time.Time) ([]Signal, error) {
	if len(instanceIDs) == 0 {
		return nil, nil
	}
	var out []Signal
	err := d.db.Where("instance_id IN ? AND symbol = ? AND status = ? AND id <> ?", instanceIDs, symbol, SignalPending, exclude).
		Where("(expires_at IS NULL OR expires_at > ?)", now).
		Find(&out).Error
	return out, err
}

func (d *Database) UpdateSignal(id string, fields map[string]interface{}) error {
	return d.db.Model(&Signal{}).Where("id = ?", id).Updates(fields).Error
}

// FinishSignal moves a pending signal to its outcome.
func (d *Database) FinishSignal(id string, to SignalStatus, fields map[string]interface{}) error {
	if fields == nil {
		fields = map[string]interface{}{}
	}
	fields["status"] = to
	res := d.db.Model(&Signal{}).Where("id = ? AND status = ?", id, SignalPending).Updates(fields)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("signal %s to %s: %w", id, to, types.ErrInvalidTransition)
	}
	return nil
}

// RecordConflict stores c unless the pair already has an unresolved
// conflict on the symbol, whatever its type. It reports whether a row was
// written.
func (d *Database) RecordConflict(c *Conflict) (bool, error) {
	c.InstanceID1, c.InstanceID2 = pair(c.InstanceID1, c.InstanceID2)
	created := false
	err := d.db.Transaction(func(tx *gorm.DB) error {
		if !c.Resolved {
			var count int64
			if err := tx.Model(&Conflict{}).
				Where("group_id = ? AND instance_id_1 = ? AND instance_id_2 = ? AND symbol = ? AND resolved = ?",
					c.GroupID, c.InstanceID1, c.InstanceID2, c.Symbol, false).
				Count(&count).Error; err != nil {
				return err
			}
			if count > 0 {
				return nil
			}
		}
		if err := tx.Create(c).Error; err != nil {
			return err
		}
		created = true
		return nil
	})
	return created, err
}

func (d *Database) GetConflict(id string) (*Conflict, error) {
	var c Conflict
	if err := d.db.Where("id = ?", id).First(&c).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("strategy conflict %s: %w", id, types.ErrNotFound)
		}
		return nil, err
	}
	return &c, nil
}

type ConflictFilter struct {
	GroupID  string
	Resolved *bool
}

func (d *Database) ListConflicts(f ConflictFilter) ([]Conflict, error) {
	q := d.db.Model(&Conflict{})
	if f.GroupID != "" {
		q = q.Where("group_id = ?", f.GroupID)
	}
	if f.Resolved != nil {
		q = q.Where("resolved = ?", *f.Resolved)
	}
	var out []Conflict
	err := q.Order("created_at DESC").Find(&out).Error
	return out, err
}

// Resolve closes an unresolved conflict.
func (d *Database) Resolve(id, resolution string, at time.Time) error {
	res := d.db.Model(&Conflict{}).Where("id = ? AND resolved = ?", id, false).Updates(map[string]interface{}{
		"resolved":    true,
		"resolution":  resolution,
		"resolved_at": at,
	})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		if _, err := d.GetConflict(id); err != nil {
			return err
		}
		return fmt.Errorf("conflict %s already resolved: %w", id, types.ErrInvalidTransition)
	}
	return nil
}
