package migrations

import (
	"github.com/ksred/polar-ops/internal/arbiter"
	"github.com/ksred/polar-ops/internal/contract"
	"github.com/ksred/polar-ops/internal/gateway"
	"github.com/ksred/polar-ops/internal/lock"
	"github.com/ksred/polar-ops/internal/position"
	"github.com/ksred/polar-ops/internal/resource"
	"github.com/ksred/polar-ops/internal/rollover"
	"github.com/ksred/polar-ops/internal/strategy"
	"gorm.io/gorm"
)

// Models lists every persisted engine table in creation order.
func Models() []interface{} {
	return []interface{}{
		&contract.Contract{},
		&contract.MainContractSwitch{},
		&position.Position{},
		&position.Trade{},
		&gateway.SimulatedOrder{},
		&lock.Config{},
		&lock.Trigger{},
		&lock.Execution{},
		&rollover.Config{},
		&rollover.Task{},
		&rollover.Execution{},
		&rollover.Statistics{},
		&strategy.Instance{},
		&strategy.Group{},
		&strategy.Member{},
		&strategy.Performance{},
		&strategy.ParamDefinition{},
		&strategy.ParamVersion{},
		&resource.Usage{},
		&arbiter.Signal{},
		&arbiter.Conflict{},
		&arbiter.IdempotencyRecord{},
	}
}

// CreateEngineSchema creates or updates the tables of all engines.
func CreateEngineSchema(db *gorm.DB) error {
	return db.AutoMigrate(Models()...)
}
