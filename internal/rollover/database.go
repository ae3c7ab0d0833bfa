package rollover

import (
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/ksred/polar-ops/internal/types"
)

var activeStatuses = []TaskStatus{StatusPending, StatusInProgress}

// progressColumns are the counters the coordinator advances while a task
// runs. stop_requested is written only by Cancel and is left out.
var progressColumns = []string{
	"executed_volume", "remaining_volume",
	"close_volume", "close_avg_price",
	"open_volume", "open_avg_price",
	"total_cost", "retry_count", "updated_at",
}

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
			return nil, fmt.Errorf("rollover config %s: %w", id, types.ErrNotFound)
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
		return fmt.Errorf("rollover config %s: %w", id, types.ErrNotFound)
	}
	return nil
}

type ConfigFilter struct {
	AccountID   string
	Exchange    string
	VarietyCode string
	EnabledOnly bool
}

func (d *Database) ListConfigs(f ConfigFilter) ([]Config, error) {
	q := d.db.Model(&Config{})
	if f.AccountID != "" {
		q = q.Where("account_id = ?", f.AccountID)
	}
	if f.Exchange != "" {
		q = q.Where("exchange = ?", f.Exchange)
	}
	if f.VarietyCode != "" {
		q = q.Where("variety_code = ?", f.VarietyCode)
	}
	if f.EnabledOnly {
		q = q.Where("is_enabled = ?", true)
	}
	var out []Config
	err := q.Order("created_at").Find(&out).Error
	return out, err
}

// CreateTask stores t unless an active task already rolls the same
// position side between the same contracts.
func (d *Database) CreateTask(t *Task) error {
	return d.db.Transaction(func(tx *gorm.DB) error {
		var count int64
		err := tx.Model(&Task{}).
			Where("account_id = ? AND old_symbol = ? AND new_symbol = ? AND direction = ?", t.AccountID, t.OldSymbol, t.NewSymbol, t.Direction).
			Where("status IN ?", activeStatuses).
			Count(&count).Error
		if err != nil {
			return err
		}
		if count > 0 {
			return fmt.Errorf("rollover %s %s->%s %s: %w", t.AccountID, t.OldSymbol, t.NewSymbol, t.Direction, types.ErrDuplicate)
		}
		return tx.Create(t).Error
	})
}

func (d *Database) GetTask(id string) (*Task, error) {
	var t Task
	if err := d.db.Where("id = ?", id).First(&t).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("rollover task %s: %w", id, types.ErrNotFound)
		}
		return nil, err
	}
	return &t, nil
}

type TaskFilter struct {
	AccountID string
	Status    TaskStatus
	Limit     int
}

func (d *Database) ListTasks(f TaskFilter) ([]Task, error) {
	q := d.db.Model(&Task{})
	if f.AccountID != "" {
		q = q.Where("account_id = ?", f.AccountID)
	}
	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	}
	if f.Limit <= 0 {
		f.Limit = 200
	}
	var out []Task
	err := q.Order("created_at DESC").Limit(f.Limit).Find(&out).Error
	return out, err
}

// RunnableTasks returns auto-execute pending tasks and every in-progress
// task, oldest first.
func (d *Database) RunnableTasks() ([]Task, error) {
	var out []Task
	err := d.db.
		Where("(status = ? AND auto_execute = ?) OR status = ?", StatusPending, true, StatusInProgress).
		Order("created_at, id").
		Find(&out).Error
	return out, err
}

func transition(tx *gorm.DB, id string, from []TaskStatus, to TaskStatus, extra map[string]interface{}) error {
	updates := map[string]interface{}{
		"status":     to,
		"updated_at": time.Now(),
	}
	for k, v := range extra {
		updates[k] = v
	}
	res := tx.Model(&Task{}).Where("id = ? AND status IN ?", id, from).Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("rollover task %s to %s: %w", id, to, types.ErrInvalidTransition)
	}
	return nil
}

func (d *Database) Transition(id string, from []TaskStatus, to TaskStatus, extra map[string]interface{}) error {
	return transition(d.db, id, from, to, extra)
}

// RequestStop flags an in-progress task to stop after its current step.
func (d *Database) RequestStop(id string) error {
	res := d.db.Model(&Task{}).
		Where("id = ? AND status = ?", id, StatusInProgress).
		Updates(map[string]interface{}{"stop_requested": true, "updated_at": time.Now()})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("rollover task %s stop: %w", id, types.ErrInvalidTransition)
	}
	return nil
}

func (d *Database) StopRequested(id string) (bool, error) {
	var t Task
	err := d.db.Select("stop_requested").Where("id = ?", id).First(&t).Error
	return t.StopRequested, err
}

func (d *Database) SaveRetryCount(t *Task) error {
	return d.db.Model(t).Updates(map[string]interface{}{"retry_count": t.RetryCount, "updated_at": time.Now()}).Error
}

func (d *Database) CreateExecution(e *Execution) error {
	return d.db.Create(e).Error
}

func (d *Database) Executions(taskID string) ([]Execution, error) {
	var out []Execution
	err := d.db.Where("task_id = ?", taskID).Order("created_at, sequence").Find(&out).Error
	return out, err
}

func (d *Database) SubmittedExecutions(taskID string) ([]Execution, error) {
	var out []Execution
	err := d.db.Where("task_id = ? AND status = ?", taskID, ExecSubmitted).Order("created_at, sequence").Find(&out).Error
	return out, err
}

// NextSequence is one past the number of orders already placed for step.
func (d *Database) NextSequence(taskID string, step Step) (int, error) {
	var count int64
	err := d.db.Model(&Execution{}).Where("task_id = ? AND step = ?", taskID, step).Count(&count).Error
	return int(count) + 1, err
}

// FailExecution closes a submitted row that did not fill.
func (d *Database) FailExecution(id, message string) error {
	return d.db.Model(&Execution{}).
		Where("id = ? AND status = ?", id, ExecSubmitted).
		Updates(map[string]interface{}{"status": ExecFailed, "error_message": message, "updated_at": time.Now()}).Error
}

// RecordFill marks e executed and saves the task's advanced counters in
// one transaction.
func (d *Database) RecordFill(e *Execution, t *Task) error {
	return d.db.Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&Execution{}).
			Where("id = ? AND status = ?", e.ID, ExecSubmitted).
			Updates(map[string]interface{}{
				"status":     ExecExecuted,
				"volume":     e.Volume,
				"price":      e.Price,
				"commission": e.Commission,
				"slippage":   e.Slippage,
				"order_id":   e.OrderID,
				"updated_at": time.Now(),
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("rollover execution %s: %w", e.ID, types.ErrInvalidTransition)
		}
		t.UpdatedAt = time.Now()
		return tx.Model(t).Select(progressColumns).Updates(t).Error
	})
}

// Finish moves an in-progress task to a terminal status and rolls it into
// the statistics bucket for day in the same transaction.
func (d *Database) Finish(t *Task, to TaskStatus, day string, extra map[string]interface{}) error {
	return d.db.Transaction(func(tx *gorm.DB) error {
		if err := transition(tx, t.ID, []TaskStatus{StatusInProgress}, to, extra); err != nil {
			return err
		}
		return bumpStatistics(tx, t, to, day)
	})
}

func bumpStatistics(tx *gorm.DB, t *Task, status TaskStatus, day string) error {
	bucket := Statistics{
		AccountID:   t.AccountID,
		Exchange:    t.Exchange,
		VarietyCode: t.VarietyCode,
		Date:        day,
	}
	if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&bucket).Error; err != nil {
		return err
	}

	updates := map[string]interface{}{
		"total_tasks": gorm.Expr("total_tasks + 1"),
		"updated_at":  time.Now(),
	}
	if status == StatusCompleted {
		updates["success_tasks"] = gorm.Expr("success_tasks + 1")
		updates["total_volume"] = gorm.Expr("total_volume + ?", t.ExecutedVolume)
		updates["total_cost"] = gorm.Expr("total_cost + ?", t.TotalCost)
	} else {
		updates["failed_tasks"] = gorm.Expr("failed_tasks + 1")
	}
	res := tx.Model(&Statistics{}).
		Where("account_id = ? AND exchange = ? AND variety_code = ? AND date = ? AND closed = ?",
			t.AccountID, t.Exchange, t.VarietyCode, day, false).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("rollover statistics for %s are closed", day)
	}
	return nil
}

// CloseDay freezes every bucket dated before day.
func (d *Database) CloseDay(day string) (int64, error) {
	res := d.db.Model(&Statistics{}).
		Where("date < ? AND closed = ?", day, false).
		Updates(map[string]interface{}{"closed": true, "updated_at": time.Now()})
	return res.RowsAffected, res.Error
}

type StatisticsFilter struct {
	AccountID string
	Start     string
	End       string
}

func (d *Database) ListStatistics(f StatisticsFilter) ([]Statistics, error) {
	q := d.db.Model(&Statistics{})
	if f.AccountID != "" {
		q = q.Where("account_id = ?", f.AccountID)
	}
	if f.Start != "" {
		q = q.Where("date >= ?", f.Start)
	}
	if f.End != "" {
		q = q.Where("date <= ?", f.End)
	}
	var out []Statistics
	err := q.Order("date DESC, exchange, variety_code").Find(&out).Error
	return out, err
}
