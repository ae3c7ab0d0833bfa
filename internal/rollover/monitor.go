package rollover

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/ksred/polar-ops/internal/contract"
	"github.com/ksred/polar-ops/internal/position"
	"github.com/ksred/polar-ops/internal/types"
)

// ContractSource is what the monitor reads from the contract catalog.
type ContractSource interface {
	UnprocessedSwitches() ([]contract.MainContractSwitch, error)
	MarkSwitchProcessed(id string) error
	Expiring(now time.Time, days int) ([]contract.Contract, error)
	MainContract(exchange, variety string) (*contract.Contract, error)
}

type PositionReader interface {
	GetPosition(ctx context.Context, accountID, symbol string) (*position.Position, error)
}

// Monitor creates rollover tasks from main contract switches and expiry
// windows, and runs the ones configured to execute automatically.
type Monitor struct {
	db          *Database
	contracts   ContractSource
	positions   PositionReader
	coordinator *Coordinator
	now         func() time.Time
}

func NewMonitor(db *Database, contracts ContractSource, positions PositionReader, coordinator *Coordinator) *Monitor {
	return &Monitor{
		db:          db,
		contracts:   contracts,
		positions:   positions,
		coordinator: coordinator,
		now:         time.Now,
	}
}

// CheckMainSwitches turns every unprocessed main contract switch into
// tasks for the configs that follow switches and whose threshold the
// switch's rollover index meets. Switches missed while the monitor was
// down are picked up on the next run. When a variety switched more than
// once, every old contract rolls to the latest main.
func (m *Monitor) CheckMainSwitches(ctx context.Context) (int, error) {
	switches, err := m.contracts.UnprocessedSwitches()
	if err != nil {
		return 0, err
	}
	latest := make(map[string]string)
	for _, sw := range switches {
		latest[sw.Exchange+"."+sw.VarietyCode] = sw.NewMainContract
	}

	created := 0
	for _, sw := range switches {
		target := latest[sw.Exchange+"."+sw.VarietyCode]
		if sw.OldMainContract == target {
			if err := m.contracts.MarkSwitchProcessed(sw.ID); err != nil {
				return created, err
			}
			continue
		}
		configs, err := m.db.ListConfigs(ConfigFilter{Exchange: sw.Exchange, VarietyCode: sw.VarietyCode, EnabledOnly: true})
		if err != nil {
			return created, err
		}
		for i := range configs {
			cfg := &configs[i]
			if !cfg.TriggerOnMainSwitch || sw.RolloverIndex.LessThan(cfg.RolloverThreshold) {
				continue
			}
			n, err := m.createFromConfig(ctx, cfg, sw.OldMainContract, target, TriggerMainSwitch, sw.RolloverIndex)
			if err != nil {
				return created, err
			}
			created += n
		}
		if err := m.contracts.MarkSwitchProcessed(sw.ID); err != nil {
			return created, err
		}
		log.Info().
			Str("component", "rollover_monitor").
			Str("switch_id", sw.ID).
			Str("old_main", sw.OldMainContract).
			Str("new_main", target).
			Str("rollover_index", sw.RolloverIndex.String()).
			Msg("main contract switch processed")
	}
	return created, nil
}

// CheckExpiring creates tasks moving positions off contracts that expire
// within a config's days_before_expiry onto the variety's main contract.
func (m *Monitor) CheckExpiring(ctx context.Context) (int, error) {
	configs, err := m.db.ListConfigs(ConfigFilter{EnabledOnly: true})
	if err != nil {
		return 0, err
	}
	created := 0
	for i := range configs {
		cfg := &configs[i]
		expiring, err := m.contracts.Expiring(m.now(), cfg.DaysBeforeExpiry)
		if err != nil {
			return created, err
		}
		for _, c := range expiring {
			if c.Exchange != cfg.Exchange || c.VarietyCode != cfg.VarietyCode {
				continue
			}
			main, err := m.contracts.MainContract(cfg.Exchange, cfg.VarietyCode)
			if errors.Is(err, types.ErrNotFound) {
				log.Warn().Str("component", "rollover_monitor").Str("symbol", c.Symbol).Msg("no main contract to roll an expiring contract into")
				continue
			}
			if err != nil {
				return created, err
			}
			if main.Symbol == c.Symbol {
				continue
			}
			n, err := m.createFromConfig(ctx, cfg, c.Symbol, main.Symbol, TriggerExpiry, decimal.Zero)
			if err != nil {
				return created, err
			}
			created += n
		}
	}
	return created, nil
}

// createFromConfig opens one task per held side of oldSymbol.
func (m *Monitor) createFromConfig(ctx context.Context, cfg *Config, oldSymbol, newSymbol string, kind TriggerKind, index decimal.Decimal) (int, error) {
	pos, err := m.positions.GetPosition(ctx, cfg.AccountID, oldSymbol)
	if err != nil {
		return 0, err
	}
	created := 0
	for _, dir := range []types.Direction{types.DirectionLong, types.DirectionShort} {
		size := pos.Size(dir)
		target := TargetVolume(size, cfg.RolloverRatio)
		if target == 0 {
			continue
		}
		t := &Task{
			ID:              types.NewID(types.PrefixRolloverTask),
			ConfigID:        cfg.ID,
			AccountID:       cfg.AccountID,
			Exchange:        cfg.Exchange,
			VarietyCode:     cfg.VarietyCode,
			OldSymbol:       oldSymbol,
			NewSymbol:       newSymbol,
			Direction:       dir,
			TriggerType:     kind,
			RolloverIndex:   index,
			Status:          StatusPending,
			AutoExecute:     cfg.AutoExecute,
			OldPosition:     size,
			TargetPosition:  target,
			RemainingVolume: target,
		}
		err := m.db.CreateTask(t)
		if errors.Is(err, types.ErrDuplicate) {
			log.Debug().Str("component", "rollover_monitor").Str("old_symbol", oldSymbol).Str("direction", string(dir)).Msg("rollover already active")
			continue
		}
		if err != nil {
			return created, fmt.Errorf("create rollover task: %w", err)
		}
		log.Info().
			Str("component", "rollover_monitor").
			Str("task_id", t.ID).
			Str("trigger_type", string(kind)).
			Str("old_symbol", oldSymbol).
			Str("new_symbol", newSymbol).
			Int64("target_position", target).
			Msg("rollover task created")
		created++
	}
	return created, nil
}

// TargetVolume is floor(size*ratio), at least one lot of an open side.
func TargetVolume(size int64, ratio decimal.Decimal) int64 {
	if size <= 0 {
		return 0
	}
	v := decimal.NewFromInt(size).Mul(ratio).Floor().IntPart()
	if v < 1 {
		v = 1
	}
	if v > size {
		v = size
	}
	return v
}

// ProcessPending runs auto-execute pending tasks and resumes in-progress
// ones left by an earlier run. It returns the number that completed.
func (m *Monitor) ProcessPending(ctx context.Context) (int, error) {
	tasks, err := m.db.RunnableTasks()
	if err != nil {
		return 0, err
	}
	completed := 0
	for _, t := range tasks {
		if ctx.Err() != nil {
			return completed, ctx.Err()
		}
		done, err := m.coordinator.Execute(ctx, t.ID)
		if err != nil {
			log.Warn().Err(err).Str("component", "rollover_monitor").Str("task_id", t.ID).Msg("rollover run interrupted")
			continue
		}
		if done.Status == StatusCompleted {
			completed++
		}
	}
	return completed, nil
}

// CloseDay freezes statistics for every day before the current one.
func (m *Monitor) CloseDay(_ context.Context) (int64, error) {
	n, err := m.db.CloseDay(m.now().Format(dateLayout))
	if err == nil && n > 0 {
		log.Info().Str("component", "rollover_monitor").Int64("buckets", n).Msg("rollover statistics closed")
	}
	return n, err
}

// Run is the cron entry point.
func (m *Monitor) Run(ctx context.Context) {
	if _, err := m.CheckMainSwitches(ctx); err != nil {
		log.Error().Err(err).Str("component", "rollover_monitor").Msg("main switch check failed")
	}
	if _, err := m.CheckExpiring(ctx); err != nil {
		log.Error().Err(err).Str("component", "rollover_monitor").Msg("expiry check failed")
	}
	if _, err := m.ProcessPending(ctx); err != nil {
		log.Error().Err(err).Str("component", "rollover_monitor").Msg("pending rollovers failed")
	}
}
