package rollover

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jpillora/backoff"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"

	"github.com/ksred/polar-ops/internal/event"
	"github.com/ksred/polar-ops/internal/gateway"
	"github.com/ksred/polar-ops/internal/keylock"
	"github.com/ksred/polar-ops/internal/metrics"
	"github.com/ksred/polar-ops/internal/notify"
	"github.com/ksred/polar-ops/internal/position"
	"github.com/ksred/polar-ops/internal/types"
)

const stoppedByOperator = "stopped by operator"

// PositionWriter is the slice of the position store the coordinator needs.
type PositionWriter interface {
	GetPosition(ctx context.Context, accountID, symbol string) (*position.Position, error)
	ApplyFill(ctx context.Context, f position.Fill) (*position.Position, error)
	SymbolHoldings(ctx context.Context, accountID, symbol string) ([]position.Holding, error)
}

// RetryPolicy bounds retries of a step on transient gateway errors.
type RetryPolicy struct {
	MaxRetries int
	MinBackoff time.Duration
	MaxBackoff time.Duration
}

func (p RetryPolicy) backoff() *backoff.Backoff {
	lo, hi := p.MinBackoff, p.MaxBackoff
	if lo <= 0 {
		lo = 200 * time.Millisecond
	}
	if hi < lo {
		hi = lo
	}
	return &backoff.Backoff{Min: lo, Max: hi, Factor: 2, Jitter: true}
}

// Coordinator drives rollover tasks through their close and open legs. A
// task's volume is closed on the old contract before any of it is opened
// on the new one.
type Coordinator struct {
	db        *Database
	positions PositionWriter
	gw        gateway.Gateway
	specs     position.Multipliers
	locker    keylock.Locker
	lockTTL   time.Duration
	notifier  notify.Notifier
	bus       *event.Bus
	retry     RetryPolicy
	now       func() time.Time
}

func NewCoordinator(db *Database, positions PositionWriter, gw gateway.Gateway, specs position.Multipliers, locker keylock.Locker, lockTTL time.Duration, notifier notify.Notifier, bus *event.Bus, retry RetryPolicy) *Coordinator {
	if notifier == nil {
		notifier = notify.Nop{}
	}
	return &Coordinator{
		db:        db,
		positions: positions,
		gw:        gw,
		specs:     specs,
		locker:    locker,
		lockTTL:   lockTTL,
		notifier:  notifier,
		bus:       bus,
		retry:     retry,
		now:       time.Now,
	}
}

// Execute claims a pending task or resumes an in-progress one and runs it
// until it completes, fails, or ctx ends. Terminal tasks are returned
// unchanged.
func (c *Coordinator) Execute(ctx context.Context, taskID string) (*Task, error) {
	var task *Task
	err := keylock.With(ctx, c.locker, "rollover:"+taskID, c.lockTTL, func(ctx context.Context) error {
		var err error
		task, err = c.execute(ctx, taskID)
		return err
	})
	return task, err
}

func (c *Coordinator) execute(ctx context.Context, taskID string) (*Task, error) {
	t, err := c.db.GetTask(taskID)
	if err != nil {
		return nil, err
	}
	logger := log.With().
		Str("component", "rollover_coordinator").
		Str("task_id", t.ID).
		Str("old_symbol", t.OldSymbol).
		Str("new_symbol", t.NewSymbol).
		Logger()

	switch t.Status {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return t, nil
	case StatusPending:
		allocs, err := c.allocations(ctx, t)
		if err != nil {
			return nil, err
		}
		started := c.now()
		if err := c.db.Transition(t.ID, []TaskStatus{StatusPending}, StatusInProgress, map[string]interface{}{
			"started_at":  started,
			"allocations": allocs,
		}); err != nil {
			return nil, err
		}
		t.Status = StatusInProgress
		t.StartedAt = &started
		t.Allocations = allocs
		logger.Info().
			Int64("target_position", t.TargetPosition).
			Str("direction", string(t.Direction)).
			Msg("rollover started")
	case StatusInProgress:
		logger.Info().
			Int64("executed_volume", t.ExecutedVolume).
			Int64("close_volume", t.CloseVolume).
			Msg("resuming rollover")
	}

	if err := c.reconcile(ctx, t, logger); err != nil {
		return t, err
	}

	var stepErr error
	for {
		if err := ctx.Err(); err != nil {
			return t, err
		}
		if t.ExecutedVolume >= t.TargetPosition {
			return t, c.finish(ctx, t, StatusCompleted, "")
		}
		stop, err := c.db.StopRequested(t.ID)
		if err != nil {
			return t, err
		}
		t.StopRequested = stop

		needClose := t.TargetPosition - t.CloseVolume
		if needClose > 0 && !stop && stepErr == nil {
			pos, err := c.positions.GetPosition(ctx, t.AccountID, t.OldSymbol)
			if err != nil {
				return t, err
			}
			vol := min(needClose, pos.Size(t.Direction))
			if vol > 0 {
				stepErr = c.runStep(ctx, t, StepCloseOld, vol, logger)
				if stepErr != nil && ctx.Err() != nil {
					return t, stepErr
				}
				continue
			}
			if t.pendingOpen() == 0 {
				msg := fmt.Sprintf("no %s position left on %s", t.Direction, t.OldSymbol)
				return t, c.finish(ctx, t, StatusFailed, msg)
			}
			stepErr = fmt.Errorf("%s position on %s closed outside the task", t.Direction, t.OldSymbol)
		}

		// Closed volume is always carried to the new contract before the
		// task stops.
		if t.pendingOpen() > 0 {
			if err := c.runStep(ctx, t, StepOpenNew, t.pendingOpen(), logger); err != nil {
				if ctx.Err() != nil {
					return t, err
				}
				if stepErr != nil {
					err = fmt.Errorf("%v; open leg: %w", stepErr, err)
				}
				return t, c.finish(ctx, t, StatusFailed, err.Error())
			}
			continue
		}

		switch {
		case stepErr != nil:
			return t, c.finish(ctx, t, StatusFailed, stepErr.Error())
		case stop:
			return t, c.finish(ctx, t, StatusFailed, stoppedByOperator)
		}
	}
}

// allocations fixes how the task's lots are attributed to the strategy
// instances holding the old contract.
func (c *Coordinator) allocations(ctx context.Context, t *Task) (datatypes.JSONType[[]Allocation], error) {
	pos, err := c.positions.GetPosition(ctx, t.AccountID, t.OldSymbol)
	if err != nil {
		return datatypes.JSONType[[]Allocation]{}, err
	}
	holdings, err := c.positions.SymbolHoldings(ctx, t.AccountID, t.OldSymbol)
	if err != nil {
		return datatypes.JSONType[[]Allocation]{}, err
	}
	return datatypes.NewJSONType(allocate(t.TargetPosition, pos.Size(t.Direction), holdings, t.Direction)), nil
}

// reconcile settles executions left submitted by an interrupted run
// before any new order is placed.
func (c *Coordinator) reconcile(ctx context.Context, t *Task, logger zerolog.Logger) error {
	open, err := c.db.SubmittedExecutions(t.ID)
	if err != nil {
		return err
	}
	for i := range open {
		e := &open[i]
		rep, err := c.gw.QueryOrder(ctx, e.ClientOrderID)
		switch {
		case errors.Is(err, gateway.ErrOrderNotFound):
			if err := c.db.FailExecution(e.ID, "order not found at gateway"); err != nil {
				return err
			}
			continue
		case err != nil:
			return fmt.Errorf("reconcile %s: %w", e.ClientOrderID, err)
		}
		if rep.FilledVolume == 0 {
			if err := c.db.FailExecution(e.ID, "order not filled"); err != nil {
				return err
			}
			continue
		}
		logger.Info().Str("client_order_id", e.ClientOrderID).Int64("filled", rep.FilledVolume).Msg("reconciled submitted order")
		if err := c.recordFill(ctx, t, e, rep); err != nil {
			return err
		}
	}
	return nil
}

// runStep places one order for step, retrying transient failures with
// backoff. Every attempt is persisted as submitted before the gateway
// sees it.
func (c *Coordinator) runStep(ctx context.Context, t *Task, step Step, volume int64, logger zerolog.Logger) error {
	b := c.retry.backoff()
	for attempt := 0; ; attempt++ {
		e, err := c.submitted(ctx, t, step, volume)
		if err != nil {
			return err
		}
		order := gateway.Order{
			ClientOrderID: e.ClientOrderID,
			AccountID:     t.AccountID,
			Symbol:        e.Symbol,
			Side:          e.Side,
			Offset:        e.Offset,
			Volume:        volume,
			Price:         e.Price,
		}

		rep, err := c.gw.SubmitOrder(ctx, order)
		if gateway.IsTransient(err) {
			if found, qerr := c.gw.QueryOrder(ctx, order.ClientOrderID); qerr == nil && found.FilledVolume > 0 {
				logger.Warn().Err(err).Str("client_order_id", order.ClientOrderID).Msg("submission reply lost, order found at gateway")
				rep, err = found, nil
			}
		}
		if err == nil && (rep == nil || rep.FilledVolume == 0) {
			err = gateway.Rejected("submit", errors.New("order not filled"))
		}
		if err == nil {
			metrics.RecordRolloverStep(string(step), "filled")
			return c.recordFill(ctx, t, e, rep)
		}

		if ferr := c.db.FailExecution(e.ID, err.Error()); ferr != nil {
			return ferr
		}
		if !gateway.IsTransient(err) || attempt >= c.retry.MaxRetries || ctx.Err() != nil {
			metrics.RecordRolloverStep(string(step), "failed")
			logger.Error().Err(err).Str("step", string(step)).Int("attempts", attempt+1).Msg("rollover step failed")
			return fmt.Errorf("%s %s: %w", step, e.Symbol, err)
		}

		metrics.RecordRolloverStep(string(step), "retry")
		t.RetryCount++
		if err := c.db.SaveRetryCount(t); err != nil {
			return err
		}
		wait := b.Duration()
		logger.Warn().Err(err).
			Str("step", string(step)).
			Int("attempt", attempt+1).
			Dur("backoff", wait).
			Msg("transient gateway error, retrying step")
		if err := sleep(ctx, wait); err != nil {
			return err
		}
	}
}

// submitted writes the submitted row for the next order of step. Client
// order ids are derived from the task, step and sequence so a resumed run
// can find them at the gateway.
func (c *Coordinator) submitted(ctx context.Context, t *Task, step Step, volume int64) (*Execution, error) {
	seq, err := c.db.NextSequence(t.ID, step)
	if err != nil {
		return nil, err
	}
	e := &Execution{
		ID:            types.NewID(types.PrefixRolloverStep),
		TaskID:        t.ID,
		Step:          step,
		Sequence:      seq,
		Volume:        volume,
		ClientOrderID: fmt.Sprintf("%s-%s-%d", t.ID, step, seq),
		Status:        ExecSubmitted,
	}
	if step == StepCloseOld {
		e.Symbol = t.OldSymbol
		e.Side = t.Direction.CloseSide()
		e.Offset = types.OffsetClose
	} else {
		e.Symbol = t.NewSymbol
		e.Side = t.Direction.OpenSide()
		e.Offset = types.OffsetOpen
	}
	e.Price, err = c.orderPrice(ctx, t, e.Symbol)
	if err != nil {
		return nil, err
	}
	if err := c.db.CreateExecution(e); err != nil {
		return nil, err
	}
	return e, nil
}

// orderPrice uses the contract's last mark, falling back to the close
// leg's average for a new contract the account has never traded.
func (c *Coordinator) orderPrice(ctx context.Context, t *Task, symbol string) (decimal.Decimal, error) {
	pos, err := c.positions.GetPosition(ctx, t.AccountID, symbol)
	if err != nil {
		return decimal.Zero, err
	}
	switch {
	case pos.LastPrice.IsPositive():
		return pos.LastPrice, nil
	case t.CloseAvgPrice.IsPositive():
		return t.CloseAvgPrice, nil
	default:
		return pos.AvgPrice(t.Direction), nil
	}
}

// recordFill applies a filled report to the position store, one ledger
// fill per attributed instance, then advances the task and closes the
// execution row atomically.
func (c *Coordinator) recordFill(ctx context.Context, t *Task, e *Execution, rep *gateway.Report) error {
	orderID := rep.OrderID
	if orderID == "" {
		orderID = e.ClientOrderID
	}
	filled := rep.FilledVolume
	done := t.OpenVolume
	if e.Step == StepCloseOld {
		done = t.CloseVolume
	}
	pieces := split(t.Allocations.Data(), done, filled)
	for i, piece := range pieces {
		// Commission is booked once per order.
		commission := decimal.Zero
		if i == 0 {
			commission = rep.Commission
		}
		if _, err := c.positions.ApplyFill(ctx, position.Fill{
			OrderID:    fillOrderID(orderID, piece.InstanceID),
			InstanceID: piece.InstanceID,
			AccountID:  t.AccountID,
			Symbol:     e.Symbol,
			Side:       e.Side,
			Offset:     e.Offset,
			Volume:     piece.Volume,
			Price:      rep.AvgPrice,
			Commission: commission,
			Source:     "rollover",
			TradeTime:  rep.UpdatedAt,
		}); err != nil {
			return fmt.Errorf("apply %s fill: %w", e.Step, err)
		}
	}

	e.OrderID = orderID
	e.Volume = filled
	e.Price = rep.AvgPrice
	e.Commission = rep.Commission
	e.Slippage = decimal.Zero

	next := *t
	next.TotalCost = next.TotalCost.Add(rep.Commission)
	if e.Step == StepCloseOld {
		next.CloseAvgPrice = weightedAvg(t.CloseAvgPrice, t.CloseVolume, rep.AvgPrice, filled)
		next.CloseVolume += filled
	} else {
		e.Slippage = Slippage(t.Direction, t.CloseAvgPrice, rep.AvgPrice, filled, c.specs.Multiplier(t.NewSymbol))
		next.TotalCost = next.TotalCost.Add(e.Slippage)
		next.OpenAvgPrice = weightedAvg(t.OpenAvgPrice, t.OpenVolume, rep.AvgPrice, filled)
		next.OpenVolume += filled
		next.ExecutedVolume += filled
		next.RemainingVolume = next.TargetPosition - next.ExecutedVolume
	}
	if err := c.db.RecordFill(e, &next); err != nil {
		return err
	}
	*t = next

	log.Info().
		Str("component", "rollover_coordinator").
		Str("task_id", t.ID).
		Str("step", string(e.Step)).
		Str("client_order_id", e.ClientOrderID).
		Int64("filled", filled).
		Str("price", rep.AvgPrice.String()).
		Int64("executed_volume", t.ExecutedVolume).
		Int64("remaining_volume", t.RemainingVolume).
		Msg("rollover fill recorded")
	return nil
}

// Slippage is the cost of re-opening volume at openPrice after closing it
// at closeAvg. It is positive when the roll costs money: for a long when
// the new contract is dearer, for a short when it is cheaper.
func Slippage(d types.Direction, closeAvg, openPrice decimal.Decimal, volume int64, multiplier decimal.Decimal) decimal.Decimal {
	diff := openPrice.Sub(closeAvg)
	if d == types.DirectionShort {
		diff = diff.Neg()
	}
	return diff.Mul(decimal.NewFromInt(volume)).Mul(multiplier)
}

func weightedAvg(avg decimal.Decimal, vol int64, price decimal.Decimal, add int64) decimal.Decimal {
	total := vol + add
	if total == 0 {
		return decimal.Zero
	}
	sum := avg.Mul(decimal.NewFromInt(vol)).Add(price.Mul(decimal.NewFromInt(add)))
	return sum.Div(decimal.NewFromInt(total))
}

func (c *Coordinator) finish(ctx context.Context, t *Task, to TaskStatus, message string) error {
	done := c.now()
	extra := map[string]interface{}{
		"completed_at":  done,
		"error_message": message,
	}
	if t.StartedAt != nil {
		t.ExecutionDurationMs = done.Sub(*t.StartedAt).Milliseconds()
		extra["execution_duration_ms"] = t.ExecutionDurationMs
	}
	if err := c.db.Finish(t, to, done.Format(dateLayout), extra); err != nil {
		return err
	}
	t.Status = to
	t.CompletedAt = &done
	t.ErrorMessage = message
	metrics.RecordRolloverTask(string(to))

	logger := log.With().
		Str("component", "rollover_coordinator").
		Str("task_id", t.ID).
		Int64("executed_volume", t.ExecutedVolume).
		Int64("target_position", t.TargetPosition).
		Str("total_cost", t.TotalCost.StringFixed(2)).
		Logger()

	n := notify.Notification{
		Fields: map[string]interface{}{
			"task_id":  t.ID,
			"contract": t.OldSymbol + " -> " + t.NewSymbol,
			"volume":   fmt.Sprintf("%d/%d", t.ExecutedVolume, t.TargetPosition),
		},
	}
	if to == StatusCompleted {
		logger.Info().Msg("rollover completed")
		c.bus.Publish(&event.Event{Type: event.RolloverCompleted, Data: *t})
		n.Title = "Rollover completed: " + t.VarietyCode
		n.Message = fmt.Sprintf("rolled %d lots, cost %s", t.ExecutedVolume, t.TotalCost.StringFixed(2))
	} else {
		logger.Error().Str("error", message).Msg("rollover failed")
		c.bus.Publish(&event.Event{Type: event.RolloverFailed, Data: *t})
		n.Title = "Rollover failed: " + t.VarietyCode
		n.Message = message
		n.Priority = notify.PriorityHigh
	}
	if err := c.notifier.Notify(ctx, n); err != nil {
		logger.Warn().Err(err).Msg("rollover notification failed")
	}
	return nil
}

// Cancel cancels a pending task. An in-progress task is asked to stop
// after its current step instead.
func (c *Coordinator) Cancel(ctx context.Context, taskID string) (*Task, error) {
	t, err := c.db.GetTask(taskID)
	if err != nil {
		return nil, err
	}
	switch t.Status {
	case StatusPending:
		err = c.db.Transition(t.ID, []TaskStatus{StatusPending}, StatusCancelled, map[string]interface{}{
			"error_message": "cancelled by operator",
		})
		if err == nil {
			metrics.RecordRolloverTask(string(StatusCancelled))
			break
		}
		if !errors.Is(err, types.ErrInvalidTransition) {
			return nil, err
		}
		// Claimed in the meantime.
		fallthrough
	case StatusInProgress:
		if err := c.db.RequestStop(t.ID); err != nil {
			return nil, err
		}
		log.Info().Str("component", "rollover_coordinator").Str("task_id", t.ID).Msg("stop requested for running rollover")
	default:
		return nil, fmt.Errorf("rollover task %s is %s: %w", t.ID, t.Status, types.ErrInvalidTransition)
	}
	return c.db.GetTask(taskID)
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
