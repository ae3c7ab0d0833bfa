package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/ksred/polar-ops/internal/event"
	"github.com/ksred/polar-ops/internal/gateway"
	"github.com/ksred/polar-ops/internal/keylock"
	"github.com/ksred/polar-ops/internal/metrics"
	"github.com/ksred/polar-ops/internal/notify"
	"github.com/ksred/polar-ops/internal/position"
	"github.com/ksred/polar-ops/internal/types"
)

// PositionWriter is the part of the position store the executor needs.
type PositionWriter interface {
	PositionReader
	ApplyFill(ctx context.Context, f position.Fill) (*position.Position, error)
	MarkLocked(ctx context.Context, accountID, symbol string, d types.Direction, price decimal.Decimal) error
}

// Executor realizes lock triggers by opening the opposite side. There is
// at most one execution in flight per config, and a failed execution is
// never retried automatically.
type Executor struct {
	db        *Database
	positions PositionWriter
	gw        gateway.Gateway
	specs     position.Multipliers
	locker    keylock.Locker
	lockTTL   time.Duration
	notifier  notify.Notifier
	bus       *event.Bus

	queue   chan string
	workers int

	// deferred holds queued triggers waiting on an earlier trigger of the
	// same position side, keyed by that trigger's id.
	mu       sync.Mutex
	deferred map[string][]string
}

// blockedError reports the earlier unresolved trigger a trigger waits for.
type blockedError struct {
	id, blocker string
}

func (e *blockedError) Error() string {
	return fmt.Sprintf("lock trigger %s waits for %s: %s", e.id, e.blocker, types.ErrOutOfOrder)
}

func (e *blockedError) Unwrap() error { return types.ErrOutOfOrder }

type ExecutorOptions struct {
	LockTTL   time.Duration
	Workers   int
	QueueSize int
}

func NewExecutor(db *Database, positions PositionWriter, gw gateway.Gateway, specs position.Multipliers, locker keylock.Locker, notifier notify.Notifier, bus *event.Bus, opts ExecutorOptions) *Executor {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 64
	}
	if notifier == nil {
		notifier = notify.Nop{}
	}
	return &Executor{
		db:        db,
		positions: positions,
		gw:        gw,
		specs:     specs,
		locker:    locker,
		lockTTL:   opts.LockTTL,
		notifier:  notifier,
		bus:       bus,
		queue:     make(chan string, opts.QueueSize),
		workers:   opts.Workers,
		deferred:  make(map[string][]string),
	}
}

func (x *Executor) Enqueue(triggerID string) bool {
	select {
	case x.queue <- triggerID:
		return true
	default:
		return false
	}
}

// Run starts the workers that execute queued triggers and blocks until ctx
// is done.
func (x *Executor) Run(ctx context.Context) {
	logger := log.With().Str("component", "lock_executor").Logger()
	logger.Info().Int("workers", x.workers).Msg("starting lock executor")

	var wg sync.WaitGroup
	for i := 0; i < x.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case id := <-x.queue:
					if _, err := x.Execute(ctx, id, MethodAuto); err != nil {
						var blocked *blockedError
						if errors.As(err, &blocked) {
							logger.Debug().Str("trigger_id", id).Str("blocker", blocked.blocker).Msg("earlier trigger unresolved, deferring")
							x.deferBehind(blocked.blocker, id)
							continue
						}
						logger.Warn().Err(err).Str("trigger_id", id).Msg("queued lock execution failed")
					}
				}
			}
		}()
	}
	wg.Wait()
	logger.Info().Msg("shutting down lock executor")
}

func (x *Executor) deferBehind(blocker, id string) {
	x.mu.Lock()
	defer x.mu.Unlock()
	for _, queued := range x.deferred[blocker] {
		if queued == id {
			return
		}
	}
	x.deferred[blocker] = append(x.deferred[blocker], id)
}

// release requeues the triggers deferred behind id once id was attempted.
func (x *Executor) release(id string) {
	x.mu.Lock()
	waiting := x.deferred[id]
	delete(x.deferred, id)
	x.mu.Unlock()
	for _, next := range waiting {
		if !x.Enqueue(next) {
			log.Warn().Str("component", "lock_executor").Str("trigger_id", next).Msg("executor queue full, trigger left for the pending sweep")
		}
	}
}

// DrainPending executes pending triggers oldest first. Triggers blocked by
// an earlier unresolved trigger are skipped. Interrupted submissions are
// resumed through their client order id.
func (x *Executor) DrainPending(ctx context.Context) (int, error) {
	pending, err := x.db.PendingTriggers()
	if err != nil {
		return 0, err
	}
	done := 0
	for _, t := range pending {
		if ctx.Err() != nil {
			return done, ctx.Err()
		}
		_, err := x.Execute(ctx, t.ID, MethodAuto)
		switch {
		case err == nil:
			done++
		case errors.Is(err, types.ErrOutOfOrder), errors.Is(err, types.ErrInvalidTransition):
		default:
			log.Warn().Err(err).Str("trigger_id", t.ID).Msg("pending lock execution failed")
		}
	}
	return done, nil
}

// Confirm promotes a waiting_confirm trigger to pending.
func (x *Executor) Confirm(ctx context.Context, triggerID string) error {
	t, err := x.db.GetTrigger(triggerID)
	if err != nil {
		return err
	}
	return keylock.With(ctx, x.locker, "lock-exec:"+t.ConfigID, x.lockTTL, func(ctx context.Context) error {
		return x.db.Transition(triggerID, []TriggerStatus{StatusWaitingConfirm}, StatusPending, nil)
	})
}

// ConfirmAndExecute is the operator path: confirm if needed, then execute.
func (x *Executor) ConfirmAndExecute(ctx context.Context, triggerID string) (*Execution, error) {
	t, err := x.db.GetTrigger(triggerID)
	if err != nil {
		return nil, err
	}
	if t.ExecutionStatus == StatusWaitingConfirm {
		if err := x.Confirm(ctx, triggerID); err != nil && !errors.Is(err, types.ErrInvalidTransition) {
			return nil, err
		}
	}
	return x.Execute(ctx, triggerID, MethodManual)
}

// Cancel withdraws a trigger that has not reached the gateway.
func (x *Executor) Cancel(ctx context.Context, triggerID, reason string) error {
	t, err := x.db.GetTrigger(triggerID)
	if err != nil {
		return err
	}
	if reason == "" {
		reason = "cancelled by operator"
	}
	err = keylock.With(ctx, x.locker, "lock-exec:"+t.ConfigID, x.lockTTL, func(ctx context.Context) error {
		cur, err := x.db.GetTrigger(triggerID)
		if err != nil {
			return err
		}
		if cur.ClientOrderID != "" {
			return fmt.Errorf("lock trigger %s already submitted: %w", triggerID, types.ErrInvalidTransition)
		}
		return x.db.Transition(triggerID, unresolvedStatuses, StatusCancelled, map[string]interface{}{
			"error_message": reason,
		})
	})
	if err == nil {
		x.release(triggerID)
	}
	return err
}

// Execute realizes a pending trigger. An executed trigger returns its
// existing execution.
func (x *Executor) Execute(ctx context.Context, triggerID string, method ExecutionMethod) (*Execution, error) {
	t, err := x.db.GetTrigger(triggerID)
	if err != nil {
		return nil, err
	}

	var exec *Execution
	err = keylock.With(ctx, x.locker, "lock-exec:"+t.ConfigID, x.lockTTL, func(ctx context.Context) error {
		var err error
		exec, err = x.execute(ctx, triggerID, method)
		return err
	})
	if !errors.Is(err, types.ErrOutOfOrder) {
		x.release(triggerID)
	}
	return exec, err
}

func (x *Executor) execute(ctx context.Context, triggerID string, method ExecutionMethod) (*Execution, error) {
	logger := log.With().
		Str("component", "lock_executor").
		Str("trigger_id", triggerID).
		Str("method", string(method)).
		Logger()

	t, err := x.db.GetTrigger(triggerID)
	if err != nil {
		return nil, err
	}
	switch t.ExecutionStatus {
	case StatusExecuted:
		return x.db.ExecutionByTrigger(t.ID)
	case StatusPending:
	default:
		return nil, fmt.Errorf("lock trigger %s is %s: %w", t.ID, t.ExecutionStatus, types.ErrInvalidTransition)
	}

	earlier, err := x.db.earlierUnresolved(t)
	if err != nil {
		return nil, err
	}
	if earlier != nil {
		return nil, &blockedError{id: t.ID, blocker: earlier.ID}
	}

	pos, err := x.positions.GetPosition(ctx, t.AccountID, t.Symbol)
	if err != nil {
		return nil, err
	}
	size := pos.Size(t.Direction)
	resuming := t.ClientOrderID != ""
	if size == 0 && !resuming {
		msg := "position is flat"
		if err := x.db.Transition(t.ID, []TriggerStatus{StatusPending}, StatusCancelled, map[string]interface{}{
			"error_message": msg,
		}); err != nil {
			return nil, err
		}
		metrics.RecordLockExecution(string(method), "stale")
		return nil, &types.StaleStateError{Entity: "lock trigger", ID: t.ID, Message: msg}
	}
	if t.LockVolume > size && !resuming {
		logger.Warn().
			Int64("lock_volume", t.LockVolume).
			Int64("position", size).
			Msg("position shrank since trigger fired, reducing lock volume")
		t.LockVolume = size
		if err := x.db.UpdateTriggerFields(t.ID, map[string]interface{}{"lock_volume": size}); err != nil {
			return nil, err
		}
	}

	price := pos.LastPrice
	if !price.IsPositive() {
		price = t.LockPrice
	}
	order := gateway.Order{
		ClientOrderID: t.ClientOrderID,
		AccountID:     t.AccountID,
		Symbol:        t.Symbol,
		Side:          t.Direction.Opposite().OpenSide(),
		Offset:        types.OffsetOpen,
		Volume:        t.LockVolume,
		Price:         price,
	}

	var rep *gateway.Report
	if resuming {
		rep, err = x.gw.QueryOrder(ctx, t.ClientOrderID)
		if errors.Is(err, gateway.ErrOrderNotFound) {
			rep, err = x.gw.SubmitOrder(ctx, order)
		}
	} else {
		order.ClientOrderID = "LCK-" + t.ID
		if err := x.db.UpdateTriggerFields(t.ID, map[string]interface{}{"client_order_id": order.ClientOrderID}); err != nil {
			return nil, err
		}
		rep, err = x.gw.SubmitOrder(ctx, order)
	}
	if gateway.IsTransient(err) {
		// A lost reply may hide a fill. Look once before giving up; this
		// never places a second order.
		if found, qerr := x.gw.QueryOrder(ctx, order.ClientOrderID); qerr == nil && found.FilledVolume > 0 {
			logger.Warn().Err(err).Msg("submission reply lost, order found at gateway")
			rep, err = found, nil
		}
	}
	if err == nil && (rep == nil || rep.FilledVolume == 0) {
		err = gateway.Rejected("submit", errors.New("order not filled"))
	}
	if err != nil {
		x.fail(ctx, t, method, err)
		return nil, err
	}

	fill := position.Fill{
		OrderID:    rep.OrderID,
		AccountID:  t.AccountID,
		Symbol:     t.Symbol,
		Side:       order.Side,
		Offset:     types.OffsetOpen,
		Volume:     rep.FilledVolume,
		Price:      rep.AvgPrice,
		Commission: rep.Commission,
		Source:     "lock",
	}
	if fill.OrderID == "" {
		fill.OrderID = order.ClientOrderID
	}
	if _, err := x.positions.ApplyFill(ctx, fill); err != nil {
		// The order is live at the venue; leave the trigger pending so the
		// next drain resumes from the gateway record.
		return nil, fmt.Errorf("apply lock fill: %w", err)
	}
	if err := x.positions.MarkLocked(ctx, t.AccountID, t.Symbol, t.Direction, rep.AvgPrice); err != nil {
		return nil, fmt.Errorf("mark locked: %w", err)
	}

	before := pos.Size(t.Direction)
	locked := rep.FilledVolume
	diff := rep.AvgPrice.Sub(pos.AvgPrice(t.Direction))
	if t.Direction == types.DirectionShort {
		diff = diff.Neg()
	}
	lockedProfit := diff.Mul(decimal.NewFromInt(locked)).Mul(x.specs.Multiplier(t.Symbol))

	exec := &Execution{
		ID:                  types.NewID(types.PrefixLockExecution),
		TriggerID:           t.ID,
		AccountID:           t.AccountID,
		Symbol:              t.Symbol,
		Direction:           t.Direction,
		BeforePosition:      before,
		BeforeAvgPrice:      pos.AvgPrice(t.Direction),
		BeforeProfit:        pos.Profit(t.Direction),
		LockVolume:          locked,
		LockDirection:       t.Direction.Opposite(),
		LockPrice:           rep.AvgPrice,
		LockedProfit:        lockedProfit,
		Commission:          rep.Commission,
		AfterLockedPosition: locked,
		AfterOpenPosition:   before - locked,
		OrderID:             rep.OrderID,
		ExecutionMethod:     method,
	}
	result := fmt.Sprintf("locked %d lots @%s, locked profit %s", locked, rep.AvgPrice, lockedProfit.StringFixed(2))
	if err := x.db.CompleteExecution(exec, result, locked); err != nil {
		return nil, fmt.Errorf("record lock execution: %w", err)
	}

	logger.Info().
		Str("symbol", t.Symbol).
		Str("direction", string(t.Direction)).
		Int64("lock_volume", locked).
		Str("lock_price", rep.AvgPrice.String()).
		Str("locked_profit", lockedProfit.String()).
		Msg("lock executed")
	metrics.RecordLockExecution(string(method), "success")
	x.bus.Publish(&event.Event{Type: event.LockExecuted, Data: *exec})
	_ = x.notifier.Notify(ctx, notify.Notification{
		Title:    "Lock executed",
		Message:  fmt.Sprintf("%s %s %s: %s", t.AccountID, t.Symbol, t.Direction, result),
		Priority: notify.PriorityHigh,
		Fields:   map[string]interface{}{"trigger_id": t.ID, "execution_id": exec.ID},
	})
	return exec, nil
}

func (x *Executor) fail(ctx context.Context, t *Trigger, method ExecutionMethod, cause error) {
	logger := log.With().Str("component", "lock_executor").Str("trigger_id", t.ID).Logger()
	if err := x.db.Transition(t.ID, []TriggerStatus{StatusPending}, StatusFailed, map[string]interface{}{
		"execution_time": time.Now(),
		"error_message":  cause.Error(),
	}); err != nil {
		logger.Error().Err(err).Msg("failed to record lock failure")
	}
	logger.Error().Err(cause).Msg("lock execution failed")
	metrics.RecordLockExecution(string(method), "failed")
	x.bus.Publish(&event.Event{Type: event.LockFailed, Data: map[string]string{
		"trigger_id": t.ID,
		"error":      cause.Error(),
	}})
	_ = x.notifier.Notify(ctx, notify.Notification{
		Title:    "Lock failed",
		Message:  fmt.Sprintf("%s %s %s: %v", t.AccountID, t.Symbol, t.Direction, cause),
		Priority: notify.PriorityHigh,
		Fields:   map[string]interface{}{"trigger_id": t.ID},
	})
}
