package rollover

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ksred/polar-ops/internal/contract"
	"github.com/ksred/polar-ops/internal/database/dbtest"
	"github.com/ksred/polar-ops/internal/event"
	"github.com/ksred/polar-ops/internal/gateway"
	"github.com/ksred/polar-ops/internal/gateway/gatewaytest"
	"github.com/ksred/polar-ops/internal/keylock"
	"github.com/ksred/polar-ops/internal/notify"
	"github.com/ksred/polar-ops/internal/position"
	"github.com/ksred/polar-ops/internal/types"
)

const (
	testAccount = "acc-1"
	oldSymbol   = "rb2401"
	newSymbol   = "rb2405"
)

// hookGateway runs before ahead of every submission.
type hookGateway struct {
	*gatewaytest.Scripted
	before func(o gateway.Order)
}

func (g *hookGateway) SubmitOrder(ctx context.Context, o gateway.Order) (*gateway.Report, error) {
	if g.before != nil {
		g.before(o)
	}
	return g.Scripted.SubmitOrder(ctx, o)
}

type harness struct {
	db          *Database
	store       *position.Store
	contracts   *contract.Service
	gw          *hookGateway
	coordinator *Coordinator
	monitor     *Monitor
	service     *Service
	notes       *notify.Recorder
	seq         int
}

func newHarness(t *testing.T, steps ...gatewaytest.Step) *harness {
	t.Helper()
	gdb := dbtest.Open(t,
		&position.Position{}, &position.Trade{},
		&contract.Contract{}, &contract.MainContractSwitch{},
		&Config{}, &Task{}, &Execution{}, &Statistics{},
	)
	bus := event.NewBus(64)
	t.Cleanup(bus.Close)

	h := &harness{
		db:        NewDatabase(gdb),
		contracts: contract.NewService(gdb),
		gw:        &hookGateway{Scripted: gatewaytest.New(steps...)},
		notes:     &notify.Recorder{},
	}
	for _, c := range []contract.Contract{
		{Symbol: oldSymbol, Exchange: "SHFE", VarietyCode: "rb", Multiplier: decimal.NewFromInt(10), ExpireDate: time.Now().AddDate(0, 0, 3), IsActive: true, IsMain: true},
		{Symbol: newSymbol, Exchange: "SHFE", VarietyCode: "rb", Multiplier: decimal.NewFromInt(10), ExpireDate: time.Now().AddDate(0, 4, 0), IsActive: true},
	} {
		c := c
		if err := h.contracts.Upsert(&c); err != nil {
			t.Fatalf("seed contract: %v", err)
		}
	}
	h.store = position.NewStore(gdb, h.contracts, bus)
	h.coordinator = NewCoordinator(h.db, h.store, h.gw, h.contracts, keylock.NewLocalLocker(), time.Second, h.notes, bus,
		RetryPolicy{MaxRetries: 3, MinBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond})
	h.monitor = NewMonitor(h.db, h.contracts, h.store, h.coordinator)
	h.service = NewService(h.db, h.coordinator, h.store, h.contracts)
	return h
}

func (h *harness) open(t *testing.T, side types.Side, vol int64, price string) {
	t.Helper()
	h.seq++
	_, err := h.store.ApplyFill(context.Background(), position.Fill{
		OrderID:   fmt.Sprintf("seed-%d", h.seq),
		AccountID: testAccount,
		Symbol:    oldSymbol,
		Side:      side,
		Offset:    types.OffsetOpen,
		Volume:    vol,
		Price:     decimal.RequireFromString(price),
	})
	if err != nil {
		t.Fatalf("seed fill: %v", err)
	}
}

func (h *harness) task(t *testing.T, dir types.Direction, target int64) *Task {
	t.Helper()
	task, err := h.service.CreateTask(context.Background(), TaskRequest{
		AccountID:      testAccount,
		OldSymbol:      oldSymbol,
		NewSymbol:      newSymbol,
		Direction:      dir,
		TargetPosition: target,
	})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	return task
}

func (h *harness) size(t *testing.T, symbol string, dir types.Direction) int64 {
	t.Helper()
	p, err := h.store.GetPosition(context.Background(), testAccount, symbol)
	if err != nil {
		t.Fatal(err)
	}
	return p.Size(dir)
}

func TestScenarioPartialFillThenTimeout(t *testing.T) {
	h := newHarness(t,
		gatewaytest.Step{FillVolume: 12},
		gatewaytest.Step{Err: gateway.Transient("submit", context.DeadlineExceeded)},
	)
	ctx := context.Background()
	h.open(t, types.SideBuy, 20, "3800")
	task := h.task(t, types.DirectionLong, 20)
	if task.Exchange != "SHFE" || task.VarietyCode != "rb" || task.RemainingVolume != 20 {
		t.Fatalf("task=%+v", task)
	}

	got, err := h.coordinator.Execute(ctx, task.ID)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if got.Status != StatusCompleted || got.ExecutedVolume != 20 || got.RemainingVolume != 0 {
		t.Fatalf("task=%+v", got)
	}
	if got.RetryCount != 1 || got.CloseVolume != 20 || got.OpenVolume != 20 {
		t.Fatalf("counters=%+v", got)
	}

	// close 20 (12 filled), close 8 (timed out), close 8, then open 20.
	want := []struct {
		symbol string
		offset types.Offset
		volume int64
	}{
		{oldSymbol, types.OffsetClose, 20},
		{oldSymbol, types.OffsetClose, 8},
		{oldSymbol, types.OffsetClose, 8},
		{newSymbol, types.OffsetOpen, 20},
	}
	if len(h.gw.Submitted) != len(want) {
		t.Fatalf("orders=%d want %d", len(h.gw.Submitted), len(want))
	}
	for i, w := range want {
		o := h.gw.Submitted[i]
		if o.Symbol != w.symbol || o.Offset != w.offset || o.Volume != w.volume {
			t.Errorf("order %d = %s %s %d, want %s %s %d", i, o.Symbol, o.Offset, o.Volume, w.symbol, w.offset, w.volume)
		}
	}
	if h.gw.Submitted[0].Side != types.SideSell || h.gw.Submitted[3].Side != types.SideBuy {
		t.Fatalf("sides %s/%s", h.gw.Submitted[0].Side, h.gw.Submitted[3].Side)
	}

	if n := h.size(t, oldSymbol, types.DirectionLong); n != 0 {
		t.Fatalf("old position=%d", n)
	}
	if n := h.size(t, newSymbol, types.DirectionLong); n != 20 {
		t.Fatalf("new position=%d", n)
	}

	execs, _ := h.db.Executions(task.ID)
	if len(execs) != 4 {
		t.Fatalf("executions=%d want 4", len(execs))
	}
	failed := 0
	for _, e := range execs {
		if e.Status == ExecFailed {
			failed++
		}
		if e.Status == ExecSubmitted {
			t.Fatalf("execution %s left submitted", e.ClientOrderID)
		}
	}
	if failed != 1 {
		t.Fatalf("failed executions=%d want 1", failed)
	}

	stats, _ := h.db.ListStatistics(StatisticsFilter{AccountID: testAccount})
	if len(stats) != 1 || stats[0].SuccessTasks != 1 || stats[0].TotalTasks != 1 || stats[0].TotalVolume != 20 {
		t.Fatalf("stats=%+v", stats)
	}
	if len(h.notes.Sent()) != 1 {
		t.Fatalf("notifications=%d", len(h.notes.Sent()))
	}
}

func TestCompletedTaskRerunIsNoop(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.open(t, types.SideBuy, 10, "3800")
	task := h.task(t, types.DirectionLong, 10)
	if _, err := h.coordinator.Execute(ctx, task.ID); err != nil {
		t.Fatal(err)
	}
	calls := h.gw.Calls()
	before, _ := h.db.Executions(task.ID)

	got, err := h.coordinator.Execute(ctx, task.ID)
	if err != nil || got.Status != StatusCompleted {
		t.Fatalf("rerun=%+v err=%v", got, err)
	}
	after, _ := h.db.Executions(task.ID)
	if h.gw.Calls() != calls || len(after) != len(before) {
		t.Fatalf("rerun placed orders: calls %d->%d executions %d->%d", calls, h.gw.Calls(), len(before), len(after))
	}
	stats, _ := h.db.ListStatistics(StatisticsFilter{AccountID: testAccount})
	if stats[0].TotalTasks != 1 {
		t.Fatalf("rerun counted twice: %+v", stats[0])
	}
}

func TestVolumeInvariantHolds(t *testing.T) {
	h := newHarness(t,
		gatewaytest.Step{FillVolume: 7},
		gatewaytest.Step{FillVolume: 5},
		gatewaytest.Step{},
		gatewaytest.Step{FillVolume: 9},
		gatewaytest.Step{Err: gateway.Transient("submit", errors.New("connection reset"))},
	)
	h.open(t, types.SideBuy, 20, "3800")
	task := h.task(t, types.DirectionLong, 20)

	var last int64
	h.gw.before = func(gateway.Order) {
		cur, err := h.db.GetTask(task.ID)
		if err != nil {
			t.Errorf("read task: %v", err)
			return
		}
		if cur.ExecutedVolume+cur.RemainingVolume != cur.TargetPosition {
			t.Errorf("executed %d + remaining %d != target %d", cur.ExecutedVolume, cur.RemainingVolume, cur.TargetPosition)
		}
		if cur.ExecutedVolume < last {
			t.Errorf("executed volume went back from %d to %d", last, cur.ExecutedVolume)
		}
		if cur.CloseVolume < cur.ExecutedVolume {
			t.Errorf("opened %d ahead of closed %d", cur.ExecutedVolume, cur.CloseVolume)
		}
		last = cur.ExecutedVolume
	}

	got, err := h.coordinator.Execute(context.Background(), task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != StatusCompleted || got.ExecutedVolume+got.RemainingVolume != 20 {
		t.Fatalf("task=%+v", got)
	}
}

func TestRolloverCost(t *testing.T) {
	h := newHarness(t,
		gatewaytest.Step{Commission: decimal.RequireFromString("1.5")},
		gatewaytest.Step{Price: decimal.NewFromInt(3810), Commission: decimal.NewFromInt(2)},
	)
	h.open(t, types.SideBuy, 20, "3800")
	task := h.task(t, types.DirectionLong, 20)

	got, err := h.coordinator.Execute(context.Background(), task.ID)
	if err != nil {
		t.Fatal(err)
	}
	// 1.5 + 2 commission plus (3810-3800)*20*10 slippage.
	if want := decimal.RequireFromString("2003.5"); !got.TotalCost.Equal(want) {
		t.Fatalf("total cost=%s want %s", got.TotalCost, want)
	}
	if !got.CloseAvgPrice.Equal(decimal.NewFromInt(3800)) || !got.OpenAvgPrice.Equal(decimal.NewFromInt(3810)) {
		t.Fatalf("avg prices close=%s open=%s", got.CloseAvgPrice, got.OpenAvgPrice)
	}
}

func TestSlippageSign(t *testing.T) {
	ten := decimal.NewFromInt(10)
	tests := []struct {
		dir        types.Direction
		close, opn int64
		want       int64
	}{
		{types.DirectionLong, 3800, 3810, 2000},
		{types.DirectionLong, 3800, 3790, -2000},
		{types.DirectionShort, 3800, 3790, 2000},
		{types.DirectionShort, 3800, 3810, -2000},
	}
	for _, tt := range tests {
		got := Slippage(tt.dir, decimal.NewFromInt(tt.close), decimal.NewFromInt(tt.opn), 20, ten)
		if !got.Equal(decimal.NewFromInt(tt.want)) {
			t.Errorf("%s %d->%d = %s want %d", tt.dir, tt.close, tt.opn, got, tt.want)
		}
	}
}

func TestRejectionFailsImmediately(t *testing.T) {
	h := newHarness(t, gatewaytest.Step{Err: gateway.Rejected("submit", errors.New("risk check failed"))})
	h.open(t, types.SideBuy, 20, "3800")
	task := h.task(t, types.DirectionLong, 20)

	got, err := h.coordinator.Execute(context.Background(), task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != StatusFailed || !strings.Contains(got.ErrorMessage, "risk check failed") {
		t.Fatalf("task=%+v", got)
	}
	if h.gw.Calls() != 1 || got.RetryCount != 0 || got.ExecutedVolume != 0 {
		t.Fatalf("calls=%d retries=%d executed=%d", h.gw.Calls(), got.RetryCount, got.ExecutedVolume)
	}
	stats, _ := h.db.ListStatistics(StatisticsFilter{AccountID: testAccount})
	if len(stats) != 1 || stats[0].FailedTasks != 1 || stats[0].SuccessTasks != 0 {
		t.Fatalf("stats=%+v", stats)
	}
	sent := h.notes.Sent()
	if len(sent) != 1 || sent[0].Priority != notify.PriorityHigh {
		t.Fatalf("notifications=%+v", sent)
	}
}

func TestRetriesExhausted(t *testing.T) {
	timeout := gatewaytest.Step{Err: gateway.Transient("submit", context.DeadlineExceeded)}
	h := newHarness(t, timeout, timeout, timeout, timeout)
	h.open(t, types.SideBuy, 20, "3800")
	task := h.task(t, types.DirectionLong, 20)

	got, err := h.coordinator.Execute(context.Background(), task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != StatusFailed || got.RetryCount != 3 || h.gw.Calls() != 4 {
		t.Fatalf("status=%s retries=%d calls=%d", got.Status, got.RetryCount, h.gw.Calls())
	}
	if n := h.size(t, oldSymbol, types.DirectionLong); n != 20 {
		t.Fatalf("old position=%d want untouched", n)
	}
}

func TestFailedCloseStillOpensClosedVolume(t *testing.T) {
	h := newHarness(t,
		gatewaytest.Step{FillVolume: 5},
		gatewaytest.Step{Err: gateway.Rejected("submit", errors.New("price limit"))},
	)
	h.open(t, types.SideBuy, 20, "3800")
	task := h.task(t, types.DirectionLong, 20)

	got, err := h.coordinator.Execute(context.Background(), task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != StatusFailed || got.ExecutedVolume != 5 || got.RemainingVolume != 15 {
		t.Fatalf("task=%+v", got)
	}
	if n := h.size(t, newSymbol, types.DirectionLong); n != 5 {
		t.Fatalf("new position=%d want 5", n)
	}
}

func TestCancel(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.open(t, types.SideBuy, 20, "3800")
	task := h.task(t, types.DirectionLong, 20)

	got, err := h.coordinator.Cancel(ctx, task.ID)
	if err != nil || got.Status != StatusCancelled {
		t.Fatalf("cancel=%+v err=%v", got, err)
	}
	got, err = h.coordinator.Execute(ctx, task.ID)
	if err != nil || got.Status != StatusCancelled || h.gw.Calls() != 0 {
		t.Fatalf("execute cancelled=%+v err=%v", got, err)
	}
	if _, err := h.coordinator.Cancel(ctx, task.ID); !errors.Is(err, types.ErrInvalidTransition) {
		t.Fatalf("second cancel err=%v", err)
	}
}

func TestStopRequestBalancesLegs(t *testing.T) {
	h := newHarness(t, gatewaytest.Step{FillVolume: 12})
	h.open(t, types.SideBuy, 20, "3800")
	task := h.task(t, types.DirectionLong, 20)

	h.gw.before = func(o gateway.Order) {
		if o.Offset == types.OffsetClose {
			if _, err := h.coordinator.Cancel(context.Background(), task.ID); err != nil {
				t.Errorf("cancel running task: %v", err)
			}
		}
	}
	got, err := h.coordinator.Execute(context.Background(), task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != StatusFailed || got.ErrorMessage != stoppedByOperator {
		t.Fatalf("task=%+v", got)
	}
	if got.ExecutedVolume != 12 || got.CloseVolume != 12 || got.RemainingVolume != 8 {
		t.Fatalf("counters=%+v", got)
	}
	if n := h.size(t, newSymbol, types.DirectionLong); n != 12 {
		t.Fatalf("new position=%d want 12", n)
	}
}

func TestResumeReconcilesSubmittedOrder(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.open(t, types.SideBuy, 20, "3800")
	task := h.task(t, types.DirectionLong, 20)

	// A previous run claimed the task and its close order filled, but the
	// process died before recording it.
	if err := h.db.Transition(task.ID, []TaskStatus{StatusPending}, StatusInProgress, map[string]interface{}{"started_at": time.Now()}); err != nil {
		t.Fatal(err)
	}
	coid := task.ID + "-close_old-1"
	if err := h.db.CreateExecution(&Execution{
		ID: types.NewID(types.PrefixRolloverStep), TaskID: task.ID, Step: StepCloseOld, Sequence: 1,
		Symbol: oldSymbol, Side: types.SideSell, Offset: types.OffsetClose, Volume: 20,
		Price: decimal.NewFromInt(3800), ClientOrderID: coid, Status: ExecSubmitted,
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := h.gw.Scripted.SubmitOrder(ctx, gateway.Order{
		ClientOrderID: coid, AccountID: testAccount, Symbol: oldSymbol,
		Side: types.SideSell, Offset: types.OffsetClose, Volume: 20, Price: decimal.NewFromInt(3800),
	}); err != nil {
		t.Fatal(err)
	}

	n, err := h.monitor.ProcessPending(ctx)
	if err != nil || n != 1 {
		t.Fatalf("process n=%d err=%v", n, err)
	}
	got, _ := h.db.GetTask(task.ID)
	if got.Status != StatusCompleted || got.ExecutedVolume != 20 {
		t.Fatalf("task=%+v", got)
	}
	// Only the open leg was sent after resuming.
	if h.gw.Calls() != 2 || h.gw.Submitted[1].Offset != types.OffsetOpen {
		t.Fatalf("calls=%d", h.gw.Calls())
	}
	if n := h.size(t, oldSymbol, types.DirectionLong); n != 0 {
		t.Fatalf("old position=%d", n)
	}
}

func TestCreateTaskValidation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.open(t, types.SideBuy, 20, "3800")

	tests := []struct {
		name string
		req  TaskRequest
		dup  bool
	}{
		{"target above position", TaskRequest{AccountID: testAccount, OldSymbol: oldSymbol, NewSymbol: newSymbol, Direction: types.DirectionLong, TargetPosition: 21}, false},
		{"negative target", TaskRequest{AccountID: testAccount, OldSymbol: oldSymbol, NewSymbol: newSymbol, Direction: types.DirectionLong, TargetPosition: -1}, false},
		{"same contract", TaskRequest{AccountID: testAccount, OldSymbol: oldSymbol, NewSymbol: oldSymbol, Direction: types.DirectionLong}, false},
		{"no short position", TaskRequest{AccountID: testAccount, OldSymbol: oldSymbol, NewSymbol: newSymbol, Direction: types.DirectionShort}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := h.service.CreateTask(ctx, tt.req); !types.IsValidation(err) {
				t.Fatalf("err=%v want validation", err)
			}
		})
	}

	first := h.task(t, types.DirectionLong, 0)
	if first.TargetPosition != 20 {
		t.Fatalf("default target=%d", first.TargetPosition)
	}
	_, err := h.service.CreateTask(ctx, TaskRequest{AccountID: testAccount, OldSymbol: oldSymbol, NewSymbol: newSymbol, Direction: types.DirectionLong, TargetPosition: 5})
	if !errors.Is(err, types.ErrDuplicate) {
		t.Fatalf("err=%v want ErrDuplicate", err)
	}
}

func TestConfigValidation(t *testing.T) {
	h := newHarness(t)
	zero := decimal.Zero
	_, err := h.service.CreateConfig(ConfigRequest{AccountID: testAccount, Exchange: "SHFE", VarietyCode: "rb", RolloverRatio: &zero})
	if !types.IsValidation(err) {
		t.Fatalf("err=%v want validation", err)
	}
	cfg, err := h.service.CreateConfig(ConfigRequest{AccountID: testAccount, Exchange: "SHFE", VarietyCode: "rb"})
	if err != nil {
		t.Fatal(err)
	}
	if !cfg.RolloverThreshold.Equal(DefaultThreshold) || cfg.DaysBeforeExpiry != 7 || !cfg.IsEnabled || !cfg.TriggerOnMainSwitch {
		t.Fatalf("defaults=%+v", cfg)
	}
}

func (h *harness) config(t *testing.T, ratio string, auto bool) *Config {
	t.Helper()
	r := decimal.RequireFromString(ratio)
	cfg, err := h.service.CreateConfig(ConfigRequest{
		AccountID:     testAccount,
		Exchange:      "SHFE",
		VarietyCode:   "rb",
		RolloverRatio: &r,
		AutoExecute:   &auto,
	})
	if err != nil {
		t.Fatal(err)
	}
	return cfg
}

func TestMonitorMainSwitch(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.open(t, types.SideBuy, 20, "3800")
	h.open(t, types.SideSell, 3, "3800")
	h.config(t, "0.5", false)

	low := decimal.RequireFromString("0.5")
	if _, err := h.contracts.RecordSwitch(contract.SwitchRequest{
		Exchange: "SHFE", VarietyCode: "rb", OldMainContract: oldSymbol, NewMainContract: newSymbol, RolloverIndex: &low,
	}); err != nil {
		t.Fatal(err)
	}
	if n, err := h.monitor.CheckMainSwitches(ctx); err != nil || n != 0 {
		t.Fatalf("below threshold n=%d err=%v", n, err)
	}

	// 0.7*1.2 + 0.3*1.5 = 1.29
	if _, err := h.contracts.RecordSwitch(contract.SwitchRequest{
		Exchange: "SHFE", VarietyCode: "rb", OldMainContract: oldSymbol, NewMainContract: newSymbol,
		CurrentVolume: 1000, CurrentOI: 1000, NextVolume: 1500, NextOI: 1200,
	}); err != nil {
		t.Fatal(err)
	}
	n, err := h.monitor.CheckMainSwitches(ctx)
	if err != nil || n != 2 {
		t.Fatalf("n=%d err=%v want 2", n, err)
	}
	tasks, _ := h.db.ListTasks(TaskFilter{AccountID: testAccount})
	targets := map[types.Direction]int64{}
	for _, task := range tasks {
		if task.TriggerType != TriggerMainSwitch || !task.RolloverIndex.Equal(decimal.RequireFromString("1.29")) {
			t.Fatalf("task=%+v", task)
		}
		targets[task.Direction] = task.TargetPosition
	}
	if targets[types.DirectionLong] != 10 || targets[types.DirectionShort] != 1 {
		t.Fatalf("targets=%v", targets)
	}

	if n, _ := h.monitor.CheckMainSwitches(ctx); n != 0 {
		t.Fatalf("processed switch created %d more", n)
	}
}

func TestMonitorCatchesUpMissedSwitches(t *testing.T) {
	const later = "rb2409"
	h := newHarness(t)
	ctx := context.Background()
	h.open(t, types.SideBuy, 20, "3800")
	h.config(t, "1", false)

	high := decimal.RequireFromString("1.5")
	for i, sw := range []struct{ from, to string }{{oldSymbol, newSymbol}, {newSymbol, later}} {
		at := time.Now().AddDate(0, 0, -3+i)
		if _, err := h.contracts.RecordSwitch(contract.SwitchRequest{
			Exchange: "SHFE", VarietyCode: "rb", OldMainContract: sw.from, NewMainContract: sw.to,
			RolloverIndex: &high, SwitchDate: &at,
		}); err != nil {
			t.Fatal(err)
		}
	}

	n, err := h.monitor.CheckMainSwitches(ctx)
	if err != nil || n != 1 {
		t.Fatalf("n=%d err=%v want 1", n, err)
	}
	tasks, _ := h.db.ListTasks(TaskFilter{AccountID: testAccount})
	if len(tasks) != 1 || tasks[0].OldSymbol != oldSymbol || tasks[0].NewSymbol != later || tasks[0].TargetPosition != 20 {
		t.Fatalf("tasks=%+v", tasks)
	}
	if pending, _ := h.contracts.UnprocessedSwitches(); len(pending) != 0 {
		t.Fatalf("unprocessed switches left: %d", len(pending))
	}
}

func TestMonitorExpiring(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.open(t, types.SideBuy, 20, "3800")
	h.config(t, "1", true)

	// rb2401 is still main; no contract to roll into yet.
	if n, err := h.monitor.CheckExpiring(ctx); err != nil || n != 0 {
		t.Fatalf("n=%d err=%v", n, err)
	}
	idx := decimal.NewFromInt(1)
	if _, err := h.contracts.RecordSwitch(contract.SwitchRequest{
		Exchange: "SHFE", VarietyCode: "rb", OldMainContract: oldSymbol, NewMainContract: newSymbol, RolloverIndex: &idx,
	}); err != nil {
		t.Fatal(err)
	}
	if err := h.monitor.contracts.MarkSwitchProcessed(mustSwitchID(t, h)); err != nil {
		t.Fatal(err)
	}

	n, err := h.monitor.CheckExpiring(ctx)
	if err != nil || n != 1 {
		t.Fatalf("n=%d err=%v want 1", n, err)
	}
	if n, _ := h.monitor.CheckExpiring(ctx); n != 0 {
		t.Fatalf("duplicate task created")
	}

	done, err := h.monitor.ProcessPending(ctx)
	if err != nil || done != 1 {
		t.Fatalf("process done=%d err=%v", done, err)
	}
	if n := h.size(t, newSymbol, types.DirectionLong); n != 20 {
		t.Fatalf("new position=%d", n)
	}
}

func mustSwitchID(t *testing.T, h *harness) string {
	t.Helper()
	switches, err := h.contracts.UnprocessedSwitches()
	if err != nil || len(switches) != 1 {
		t.Fatalf("switches=%v err=%v", switches, err)
	}
	return switches[0].ID
}

func TestCloseDayFreezesEarlierBuckets(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	yesterday := time.Now().AddDate(0, 0, -1).Format(dateLayout)
	if err := h.db.db.Create(&Statistics{AccountID: testAccount, Exchange: "SHFE", VarietyCode: "rb", Date: yesterday, TotalTasks: 4}).Error; err != nil {
		t.Fatal(err)
	}

	n, err := h.monitor.CloseDay(ctx)
	if err != nil || n != 1 {
		t.Fatalf("closed=%d err=%v", n, err)
	}

	h.open(t, types.SideBuy, 5, "3800")
	task := h.task(t, types.DirectionLong, 5)
	if _, err := h.coordinator.Execute(ctx, task.ID); err != nil {
		t.Fatal(err)
	}

	stats, _ := h.db.ListStatistics(StatisticsFilter{AccountID: testAccount})
	if len(stats) != 2 {
		t.Fatalf("buckets=%d want 2", len(stats))
	}
	for _, s := range stats {
		switch s.Date {
		case yesterday:
			if !s.Closed || s.TotalTasks != 4 {
				t.Fatalf("closed bucket changed: %+v", s)
			}
		default:
			if s.Closed || s.SuccessTasks != 1 || s.TotalVolume != 5 {
				t.Fatalf("today=%+v", s)
			}
		}
	}
}
