package strategy

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

func (d *Database) CreateInstance(i *Instance) error {
	return d.db.Create(i).Error
}

func (d *Database) GetInstance(id string) (*Instance, error) {
	var i Instance
	if err := d.db.Where("id = ?", id).First(&i).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("strategy instance %s: %w", id, types.ErrNotFound)
		}
		return nil, err
	}
	return &i, nil
}

func (d *Database) ListInstances(accountID string, status InstanceStatus) ([]Instance, error) {
	q := d.db.Model(&Instance{})
	if accountID != "" {
		q = q.Where("account_id = ?", accountID)
	}
	if status != "" {
		q = q.Where("status = ?", status)
	}
	var out []Instance
	err := q.Order("created_at").Find(&out).Error
	return out, err
}

func (d *Database) UpdateInstance(id string, fields map[string]interface{}) error {
	fields["updated_at"] = time.Now()
	res := d.db.Model(&Instance{}).Where("id = ?", id).Updates(fields)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("strategy instance %s: %w", id, types.ErrNotFound)
	}
	return nil
}

func (d *Database) CreateGroup(g *Group) error {
	return d.db.Create(g).Error
}

func (d *Database) SaveGroup(g *Group) error {
	return d.db.Save(g).Error
}

func (d *Database) GetGroup(id string) (*Group, error) {
	var g Group
	if err := d.db.Where("id = ?", id).First(&g).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("strategy group %s: %w", id, types.ErrNotFound)
		}
		return nil, err
	}
	return &g, nil
}

func (d *Database) ListGroups(accountID string, activeOnly bool) ([]Group, error) {
	q := d.db.Model(&Group{})
	if accountID != "" {
		q = q.Where("account_id = ?", accountID)
	}
	if activeOnly {
		q = q.Where("is_active = ?", true)
	}
	var out []Group
	err := q.Order("created_at").Find(&out).Error
	return out, err
}

// AddMember inserts m, refusing a second row for the same instance in the
// group.
func (d *Database) AddMember(m *Member) error {
	return d.db.Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&Member{}).
			Where("group_id = ? AND instance_id = ?", m.GroupID, m.InstanceID).
			Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return fmt.Errorf("member %s of %s: %w", m.InstanceID, m.GroupID, types.ErrDuplicate)
		}
		return tx.Create(m).Error
	})
}

func (d *Database) RemoveMember(groupID, instanceID string) error {
	res := d.db.Where("group_id = ? AND instance_id = ?", groupID, instanceID).Delete(&Member{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("member %s of %s: %w", instanceID, groupID, types.ErrNotFound)
	}
	return nil
}

func (d *Database) Members(groupID string, activeOnly bool) ([]Member, error) {
	q := d.db.Where("group_id = ?", groupID)
	if activeOnly {
		q = q.Where("is_active = ?", true)
	}
	var out []Member
	err := q.Order("priority DESC, created_at").Find(&out).Error
	return out, err
}

// MembershipOf returns the instance's active membership, preferring one in
// an active group.
func (d *Database) MembershipOf(instanceID string) (*Group, *Member, error) {
	var members []Member
	if err := d.db.Where("instance_id = ? AND is_active = ?", instanceID, true).
		Order("created_at").Find(&members).Error; err != nil {
		return nil, nil, err
	}
	var fallback *Group
	var fallbackMember *Member
	for i := range members {
		g, err := d.GetGroup(members[i].GroupID)
		if errors.Is(err, types.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, nil, err
		}
		if g.IsActive {
			return g, &members[i], nil
		}
		if fallback == nil {
			fallback, fallbackMember = g, &members[i]
		}
	}
	if fallback != nil {
		return fallback, fallbackMember, nil
	}
	return nil, nil, fmt.Errorf("group of instance %s: %w", instanceID, types.ErrNotFound)
}

// UpsertPerformance inserts p or overwrites the row for the same instance
// and day.
func (d *Database) UpsertPerformance(p *Performance) error {
	return d.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "instance_id"}, {Name: "date"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"total_trades", "winning_trades", "total_profit", "max_drawdown",
			"sharpe_ratio", "win_rate", "updated_at",
		}),
	}).Create(p).Error
}

// ListPerformance returns rows newest first. Empty bounds are open.
func (d *Database) ListPerformance(instanceID, from, to string) ([]Performance, error) {
	q := d.db.Model(&Performance{})
	if instanceID != "" {
		q = q.Where("instance_id = ?", instanceID)
	}
	if from != "" {
		q = q.Where("date >= ?", from)
	}
	if to != "" {
		q = q.Where("date <= ?", to)
	}
	var out []Performance
	err := q.Order("date DESC, instance_id").Find(&out).Error
	return out, err
}

func (d *Database) SaveParamDefinition(def *ParamDefinition) error {
	return d.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "strategy_id"}, {Name: "param_key"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"param_type", "default_value", "min_value", "max_value", "description", "updated_at",
		}),
	}).Create(def).Error
}

func (d *Database) ParamDefinitions(strategyID string) ([]ParamDefinition, error) {
	var out []ParamDefinition
	err := d.db.Where("strategy_id = ?", strategyID).Order("param_key").Find(&out).Error
	return out, err
}

func (d *Database) GetParamDefinition(strategyID, key string) (*ParamDefinition, error) {
	var def ParamDefinition
	if err := d.db.Where("strategy_id = ? AND param_key = ?", strategyID, key).First(&def).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("parameter %s of %s: %w", key, strategyID, types.ErrNotFound)
		}
		return nil, err
	}
	return &def, nil
}

// ActiveParams returns the instance's current version of every parameter
// it has set.
func (d *Database) ActiveParams(instanceID string) ([]ParamVersion, error) {
	var out []ParamVersion
	err := d.db.Where("instance_id = ? AND is_active = ?", instanceID, true).
		Order("param_key").Find(&out).Error
	return out, err
}

func (d *Database) ParamHistory(instanceID, key string) ([]ParamVersion, error) {
	var out []ParamVersion
	err := d.db.Where("instance_id = ? AND param_key = ?", instanceID, key).
		Order("version DESC").Find(&out).Error
	return out, err
}

// PushParamVersion retires the active version of the key and stores v as
// its successor. A v equal to the active value is not stored and the
// active version is returned.
func (d *Database) PushParamVersion(v *ParamVersion) (*ParamVersion, error) {
	var out *ParamVersion
	err := d.db.Transaction(func(tx *gorm.DB) error {
		var current ParamVersion
		err := tx.Where("instance_id = ? AND param_key = ? AND is_active = ?", v.InstanceID, v.ParamKey, true).
			First(&current).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			v.Version = 1
		case err != nil:
			return err
		case current.Value == v.Value:
			out = &current
			return nil
		default:
			if err := tx.Model(&ParamVersion{}).Where("id = ?", current.ID).
				Update("is_active", false).Error; err != nil {
				return err
			}
			v.Version = current.Version + 1
		}
		v.IsActive = true
		if err := tx.Create(v).Error; err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}
