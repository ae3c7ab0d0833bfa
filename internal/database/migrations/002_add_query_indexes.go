package migrations

import (
	"fmt"

	"gorm.io/gorm"
)

type queryIndex struct {
	table   string
	name    string
	columns string
}

// AddQueryIndexes adds composite indexes for the hot lookups of the
// sweeps and workers.
func AddQueryIndexes(db *gorm.DB) error {
	indexes := []queryIndex{
		// Unresolved trigger lookup per position side
		{"lock_triggers", "idx_lock_triggers_side_status", "account_id, symbol, direction, execution_status"},

		// Active rollover duplicate check
		{"rollover_tasks", "idx_rollover_tasks_active", "account_id, old_symbol, new_symbol, direction, status"},

		// Pending signal drain, oldest first
		{"strategy_signals", "idx_strategy_signals_pending", "status, created_at"},

		// Open conflicts per group
		{"strategy_conflicts", "idx_strategy_conflicts_open", "group_id, resolved"},

		// Instance holdings
		{"trades", "idx_trades_instance_symbol", "instance_id, account_id, symbol"},
	}

	// HasIndex keeps this idempotent on dialects without IF NOT EXISTS for indexes
	for _, idx := range indexes {
		if db.Migrator().HasIndex(idx.table, idx.name) {
			continue
		}
		stmt := fmt.Sprintf("CREATE INDEX %s ON %s(%s)", idx.name, idx.table, idx.columns)
		if err := db.Exec(stmt).Error; err != nil {
			return fmt.Errorf("create index %s: %w", idx.name, err)
		}
	}
	return nil
}
