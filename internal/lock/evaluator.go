package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"github.com/ksred/polar-ops/internal/event"
	"github.com/ksred/polar-ops/internal/keylock"
	"github.com/ksred/polar-ops/internal/metrics"
	"github.com/ksred/polar-ops/internal/position"
	"github.com/ksred/polar-ops/internal/types"
)

// PositionReader is the read side of the position store.
type PositionReader interface {
	GetPosition(ctx context.Context, accountID, symbol string) (*position.Position, error)
}

// Dispatcher accepts triggers for asynchronous execution.
type Dispatcher interface {
	Enqueue(triggerID string) bool
}

// evalInput is what a rule sees for one config.
type evalInput struct {
	cfg        *Config
	pos        *position.Position
	prev       decimal.Decimal
	cur        decimal.Decimal
	multiplier decimal.Decimal
	now        time.Time
}

type firing struct {
	volume    int64
	profit    decimal.Decimal
	condition string
}

type ruleFunc func(in evalInput) (firing, bool)

var rules = map[TriggerType]ruleFunc{
	TriggerProfit: profitRule,
	TriggerPrice:  priceRule,
	TriggerTime:   timeRule,
}

// LockVolume is floor(size*ratio) clamped to [1, size]. It is zero only for
// a flat position.
func LockVolume(size int64, ratio decimal.Decimal) int64 {
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

func profitRule(in evalInput) (firing, bool) {
	dir := in.cfg.Direction
	profit := in.pos.UnrealizedProfit(dir, in.cur, in.multiplier)
	if profit.LessThan(in.cfg.ProfitLockThreshold) {
		return firing{}, false
	}
	return firing{
		volume:    LockVolume(in.pos.Size(dir), in.cfg.ProfitLockRatio),
		profit:    profit,
		condition: fmt.Sprintf("profit %s >= threshold %s", profit.StringFixed(2), in.cfg.ProfitLockThreshold.StringFixed(2)),
	}, true
}

// crossedUp reports prev < level <= cur. Without a previous price the
// current price alone decides.
func crossedUp(prev, cur, level decimal.Decimal) bool {
	if prev.IsZero() {
		return cur.GreaterThanOrEqual(level)
	}
	return prev.LessThan(level) && cur.GreaterThanOrEqual(level)
}

// crossedDown reports prev > level >= cur.
func crossedDown(prev, cur, level decimal.Decimal) bool {
	if prev.IsZero() {
		return cur.LessThanOrEqual(level)
	}
	return prev.GreaterThan(level) && cur.LessThanOrEqual(level)
}

// priceRule fires on a target price crossing in the profitable direction
// and on a stop-loss crossing against the position. A stop-loss locks the
// whole side.
func priceRule(in evalInput) (firing, bool) {
	dir := in.cfg.Direction
	size := in.pos.Size(dir)
	profit := in.pos.UnrealizedProfit(dir, in.cur, in.multiplier)

	if sl := in.cfg.StopLossPrice; sl.Valid {
		hit := crossedDown(in.prev, in.cur, sl.Decimal)
		op := "<="
		if dir == types.DirectionShort {
			hit = crossedUp(in.prev, in.cur, sl.Decimal)
			op = ">="
		}
		if hit {
			return firing{
				volume:    size,
				profit:    profit,
				condition: fmt.Sprintf("stop loss: price %s %s %s", in.cur, op, sl.Decimal),
			}, true
		}
	}

	if tp := in.cfg.TriggerPrice; tp.Valid {
		hit := crossedUp(in.prev, in.cur, tp.Decimal)
		op := ">="
		if dir == types.DirectionShort {
			hit = crossedDown(in.prev, in.cur, tp.Decimal)
			op = "<="
		}
		if hit {
			return firing{
				volume:    LockVolume(size, in.cfg.ProfitLockRatio),
				profit:    profit,
				condition: fmt.Sprintf("price %s %s target %s", in.cur, op, tp.Decimal),
			}, true
		}
	}
	return firing{}, false
}

func timeRule(in evalInput) (firing, bool) {
	if in.cfg.TriggerTime == nil || in.now.Before(*in.cfg.TriggerTime) {
		return firing{}, false
	}
	dir := in.cfg.Direction
	return firing{
		volume:    LockVolume(in.pos.Size(dir), in.cfg.ProfitLockRatio),
		profit:    in.pos.UnrealizedProfit(dir, in.cur, in.multiplier),
		condition: fmt.Sprintf("scheduled lock at %s", in.cfg.TriggerTime.Format(time.RFC3339)),
	}, true
}

// Evaluator turns position updates into lock triggers. It never places
// orders; auto-execute triggers are handed to the Dispatcher.
type Evaluator struct {
	db         *Database
	positions  PositionReader
	specs      position.Multipliers
	locker     keylock.Locker
	lockTTL    time.Duration
	dispatcher Dispatcher
	bus        *event.Bus
	now        func() time.Time
}

func NewEvaluator(db *Database, positions PositionReader, specs position.Multipliers, locker keylock.Locker, lockTTL time.Duration, dispatcher Dispatcher, bus *event.Bus) *Evaluator {
	return &Evaluator{
		db:         db,
		positions:  positions,
		specs:      specs,
		locker:     locker,
		lockTTL:    lockTTL,
		dispatcher: dispatcher,
		bus:        bus,
		now:        time.Now,
	}
}

// Evaluate checks every active config for the updated position and
// returns the triggers it created. Re-evaluating the same update creates
// nothing new.
func (e *Evaluator) Evaluate(ctx context.Context, upd position.Update) ([]Trigger, error) {
	configs, err := e.db.ListConfigs(ConfigFilter{AccountID: upd.AccountID, Symbol: upd.Symbol, ActiveOnly: true})
	if err != nil {
		return nil, fmt.Errorf("load lock configs: %w", err)
	}
	if len(configs) == 0 {
		return nil, nil
	}

	pos := upd.Position
	cur := upd.Price
	if cur.IsZero() {
		cur = pos.LastPrice
	}
	multiplier := e.specs.Multiplier(upd.Symbol)

	var created []Trigger
	for i := range configs {
		t, err := e.evaluateConfig(ctx, evalInput{
			cfg:        &configs[i],
			pos:        &pos,
			prev:       upd.PrevPrice,
			cur:        cur,
			multiplier: multiplier,
			now:        e.now(),
		})
		if err != nil {
			return created, err
		}
		if t != nil {
			created = append(created, *t)
		}
	}
	return created, nil
}

func (e *Evaluator) evaluateConfig(ctx context.Context, in evalInput) (*Trigger, error) {
	cfg := in.cfg
	if in.pos.Size(cfg.Direction) == 0 || in.cur.IsZero() {
		return nil, nil
	}
	rule, ok := rules[cfg.TriggerType]
	if !ok {
		return nil, nil
	}
	fire, hit := rule(in)
	if !hit || fire.volume <= 0 {
		return nil, nil
	}

	status := StatusWaitingConfirm
	if cfg.AutoExecute {
		status = StatusPending
	}
	t := &Trigger{
		ID:               types.NewID(types.PrefixLockTrigger),
		ConfigID:         cfg.ID,
		ConfigVersion:    cfg.Version,
		Epoch:            in.pos.Epoch(cfg.Direction),
		AccountID:        cfg.AccountID,
		Symbol:           cfg.Symbol,
		Direction:        cfg.Direction,
		TriggerType:      cfg.TriggerType,
		TriggerPrice:     in.cur,
		TriggerProfit:    fire.profit,
		TriggerCondition: fire.condition,
		LockVolume:       fire.volume,
		LockPrice:        in.cur,
		ExecutionStatus:  status,
	}

	var inserted bool
	err := keylock.With(ctx, e.locker, "lock-eval:"+cfg.ID, e.lockTTL, func(ctx context.Context) error {
		return e.db.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var err error
			inserted, err = insertTriggerOnce(tx, t)
			return err
		})
	})
	if err != nil {
		return nil, fmt.Errorf("store trigger for %s: %w", cfg.ID, err)
	}
	if !inserted {
		return nil, nil
	}

	log.Info().
		Str("component", "lock_evaluator").
		Str("config_id", cfg.ID).
		Str("trigger_id", t.ID).
		Str("account_id", t.AccountID).
		Str("symbol", t.Symbol).
		Str("direction", string(t.Direction)).
		Int64("epoch", t.Epoch).
		Int64("lock_volume", t.LockVolume).
		Str("status", string(t.ExecutionStatus)).
		Msg(t.TriggerCondition)
	metrics.RecordLockTrigger(string(t.TriggerType), string(t.ExecutionStatus))
	e.bus.Publish(&event.Event{Type: event.LockTriggered, Data: *t})

	if t.ExecutionStatus == StatusPending && e.dispatcher != nil {
		if !e.dispatcher.Enqueue(t.ID) {
			log.Warn().Str("trigger_id", t.ID).Msg("executor queue full, trigger left for the pending sweep")
		}
	}
	return t, nil
}

// Run evaluates every position update received on events until ctx is
// done or the channel closes.
func (e *Evaluator) Run(ctx context.Context, events <-chan *event.Event) {
	logger := log.With().Str("component", "lock_evaluator").Logger()
	logger.Info().Msg("starting lock evaluator")
	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("shutting down lock evaluator")
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.Type != event.PositionUpdated {
				continue
			}
			upd, ok := ev.Data.(position.Update)
			if !ok {
				continue
			}
			if _, err := e.Evaluate(ctx, upd); err != nil {
				logger.Error().Err(err).
					Str("account_id", upd.AccountID).
					Str("symbol", upd.Symbol).
					Msg("lock evaluation failed")
			}
		}
	}
}

// Sweep re-evaluates all active configs against stored positions. It
// catches time triggers and anything missed while the process was down.
func (e *Evaluator) Sweep(ctx context.Context) (int, error) {
	configs, err := e.db.ListConfigs(ConfigFilter{ActiveOnly: true})
	if err != nil {
		return 0, err
	}
	keys := make(map[[2]string]struct{})
	for _, c := range configs {
		keys[[2]string{c.AccountID, c.Symbol}] = struct{}{}
	}

	created := make(chan int, len(keys))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for key := range keys {
		key := key
		g.Go(func() error {
			pos, err := e.positions.GetPosition(gctx, key[0], key[1])
			if err != nil {
				return err
			}
			triggers, err := e.Evaluate(gctx, position.Update{
				AccountID: key[0],
				Symbol:    key[1],
				PrevPrice: pos.PrevPrice,
				Price:     pos.LastPrice,
				Position:  *pos,
				At:        e.now(),
			})
			created <- len(triggers)
			return err
		})
	}
	err = g.Wait()
	close(created)
	n := 0
	for c := range created {
		n += c
	}
	return n, err
}
