package arbiter

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/ksred/polar-ops/internal/contract"
	"github.com/ksred/polar-ops/internal/database/dbtest"
	"github.com/ksred/polar-ops/internal/gateway"
	"github.com/ksred/polar-ops/internal/gateway/gatewaytest"
	"github.com/ksred/polar-ops/internal/keylock"
	"github.com/ksred/polar-ops/internal/position"
	"github.com/ksred/polar-ops/internal/resource"
	"github.com/ksred/polar-ops/internal/rollover"
	"github.com/ksred/polar-ops/internal/strategy"
	"github.com/ksred/polar-ops/internal/types"
)

const symbol = "rb2405"

type harness struct {
	gdb        *gorm.DB
	contracts  *contract.Service
	arbiter    *Arbiter
	strategies *strategy.Service
	store      *position.Store
	gw         *gatewaytest.Scripted
	seq        int
}

func newHarness(t *testing.T, steps ...gatewaytest.Step) *harness {
	t.Helper()
	gdb := dbtest.Open(t,
		&position.Position{}, &position.Trade{}, &contract.Contract{},
		&strategy.Instance{}, &strategy.Group{}, &strategy.Member{},
		&resource.Usage{}, &Signal{}, &Conflict{}, &IdempotencyRecord{},
		&rollover.Task{}, &rollover.Execution{}, &rollover.Statistics{},
	)
	contracts := contract.NewService(gdb)
	if err := contracts.Upsert(&contract.Contract{Symbol: symbol, Exchange: "SHFE", VarietyCode: "rb", Multiplier: decimal.NewFromInt(10),
		MarginRatio: decimal.NewFromFloat(0.1), ExpireDate: time.Now().AddDate(0, 6, 0), IsActive: true}); err != nil {
		t.Fatalf("seed contract: %v", err)
	}
	h := &harness{
		gdb:        gdb,
		contracts:  contracts,
		strategies: strategy.NewService(strategy.NewDatabase(gdb)),
		store:      position.NewStore(gdb, contracts, nil),
		gw:         gatewaytest.New(steps...),
	}
	accountant := resource.NewAccountant(resource.NewDatabase(gdb), h.strategies, h.store, contracts)
	h.arbiter = New(NewDatabase(gdb), h.strategies, accountant, h.store, contracts, h.gw, keylock.NewLocalLocker(), nil,
		Options{SnapshotMaxAge: time.Minute, LockTTL: time.Second})
	return h
}

type groupOpts struct {
	mode          strategy.ConflictMode
	capital       int64
	ratio         float64
	allowOpposite bool
	inactive      bool
}

func (h *harness) group(t *testing.T, o groupOpts, names ...string) (*strategy.Group, []string) {
	t.Helper()
	capital := decimal.NewFromInt(o.capital)
	ratio := decimal.NewFromFloat(o.ratio)
	active := !o.inactive
	g, err := h.strategies.CreateGroup(strategy.GroupRequest{
		AccountID:              "acc-1",
		GroupName:              "desk",
		TotalCapital:           &capital,
		MaxPositionRatio:       &ratio,
		AllowOppositePositions: &o.allowOpposite,
		PositionConflictMode:   o.mode,
		IsActive:               &active,
	})
	if err != nil {
		t.Fatalf("create group: %v", err)
	}
	var ids []string
	for _, n := range names {
		ids = append(ids, h.instance(t, n))
		if _, err := h.strategies.AddMember(g.ID, strategy.MemberRequest{InstanceID: ids[len(ids)-1]}); err != nil {
			t.Fatalf("add member: %v", err)
		}
	}
	return g, ids
}

func (h *harness) instance(t *testing.T, name string) string {
	t.Helper()
	inst, err := h.strategies.CreateInstance(strategy.InstanceRequest{InstanceName: name, StrategyID: "trend", AccountID: "acc-1"})
	if err != nil {
		t.Fatalf("create instance: %v", err)
	}
	return inst.ID
}

// hold books an opening fill for the instance outside the arbiter.
func (h *harness) hold(t *testing.T, instanceID string, dir types.Direction, vol int64) {
	t.Helper()
	h.seq++
	_, err := h.store.ApplyFill(context.Background(), position.Fill{
		OrderID:    fmt.Sprintf("hold-%d", h.seq),
		InstanceID: instanceID,
		AccountID:  "acc-1",
		Symbol:     symbol,
		Side:       dir.OpenSide(),
		Offset:     types.OffsetOpen,
		Volume:     vol,
		Price:      decimal.NewFromInt(100),
	})
	if err != nil {
		t.Fatalf("hold: %v", err)
	}
}

func (h *harness) signal(t *testing.T, instanceID string, dir types.Direction, vol int64) *Signal {
	t.Helper()
	s, err := h.arbiter.CreateSignal(SignalRequest{
		InstanceID: instanceID,
		Symbol:     symbol,
		SignalType: SignalOpen,
		Direction:  dir,
		Volume:     vol,
		Price:      decimal.NewFromInt(100),
	})
	if err != nil {
		t.Fatalf("create signal: %v", err)
	}
	return s
}

func (h *harness) process(t *testing.T, id string) *Signal {
	t.Helper()
	s, err := h.arbiter.ProcessSignal(context.Background(), id)
	if err != nil {
		t.Fatalf("process signal: %v", err)
	}
	return s
}

func (h *harness) conflicts(t *testing.T, groupID string, resolved *bool) []Conflict {
	t.Helper()
	out, err := h.arbiter.ListConflicts(ConflictFilter{GroupID: groupID, Resolved: resolved})
	if err != nil {
		t.Fatalf("list conflicts: %v", err)
	}
	return out
}

func involves(c Conflict, a, b string) bool {
	return (c.InstanceID1 == a && c.InstanceID2 == b) || (c.InstanceID1 == b && c.InstanceID2 == a)
}

func TestScenarioOppositeDirectionRejected(t *testing.T) {
	h := newHarness(t)
	g, ids := h.group(t, groupOpts{mode: strategy.ModeReject, capital: 1000000, ratio: 1}, "a", "b")
	a, b := ids[0], ids[1]
	h.hold(t, a, types.DirectionLong, 10)

	s := h.process(t, h.signal(t, b, types.DirectionShort, 5).ID)
	if s.Status != SignalRejected || s.Decision != string(VerdictReject) {
		t.Fatalf("signal = %s/%s, want rejected", s.Status, s.Decision)
	}
	if h.gw.Calls() != 0 {
		t.Fatalf("rejected signal reached the gateway")
	}

	all := h.conflicts(t, g.ID, nil)
	if len(all) != 1 {
		t.Fatalf("conflicts = %d, want 1", len(all))
	}
	c := all[0]
	if c.ConflictType != ConflictOppositeDirection || !c.Resolved || c.ResolvedAt == nil || !involves(c, a, b) || c.SignalID != s.ID {
		t.Fatalf("unexpected conflict %+v", c)
	}
}

func TestScenarioExceedLimitRejected(t *testing.T) {
	for _, mode := range []strategy.ConflictMode{strategy.ModeAllow, strategy.ModeReject} {
		t.Run(string(mode), func(t *testing.T) {
			h := newHarness(t)
			g, ids := h.group(t, groupOpts{mode: mode, capital: 100000, ratio: 0.5, allowOpposite: true}, "a", "b")
			h.hold(t, ids[0], types.DirectionLong, 40)

			// 40 lots held plus 20 requested is 60000 against a 50000 limit.
			s := h.process(t, h.signal(t, ids[1], types.DirectionLong, 20).ID)
			if s.Status != SignalRejected {
				t.Fatalf("status = %s, want rejected", s.Status)
			}
			var exceed, same int
			for _, c := range h.conflicts(t, g.ID, nil) {
				switch c.ConflictType {
				case ConflictExceedLimit:
					exceed++
					if !c.Resolved || c.InstanceID1 != ids[1] || c.InstanceID2 != "" {
						t.Errorf("unexpected exceed_limit row %+v", c)
					}
				case ConflictSameSymbol:
					same++
					if c.Resolved {
						t.Errorf("same_symbol audit row must stay open")
					}
				}
			}
			if exceed != 1 || same != 1 {
				t.Fatalf("exceed_limit=%d same_symbol=%d, want 1 and 1", exceed, same)
			}
		})
	}
}

func TestConflictDedup(t *testing.T) {
	h := newHarness(t)
	g, ids := h.group(t, groupOpts{mode: strategy.ModeAllow, capital: 1000000, ratio: 1}, "a", "b")
	a, b := ids[0], ids[1]
	h.hold(t, a, types.DirectionLong, 10)

	for i := 0; i < 2; i++ {
		s := h.process(t, h.signal(t, b, types.DirectionShort, 2).ID)
		if s.Status != SignalExecuted || s.ExecutedVolume != 2 {
			t.Fatalf("signal %d = %s/%d, want executed 2", i, s.Status, s.ExecutedVolume)
		}
	}
	open := false
	unresolved := h.conflicts(t, g.ID, &open)
	if len(unresolved) != 1 || unresolved[0].ConflictType != ConflictOppositeDirection {
		t.Fatalf("unresolved conflicts = %+v, want one opposite_direction", unresolved)
	}

	resolved, err := h.arbiter.ResolveConflict(context.Background(), unresolved[0].ID, "desk accepts the hedge")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !resolved.Resolved || resolved.ResolvedAt == nil {
		t.Fatalf("conflict not resolved: %+v", resolved)
	}
	if _, err := h.arbiter.ResolveConflict(context.Background(), resolved.ID, "again"); !errors.Is(err, types.ErrInvalidTransition) {
		t.Fatalf("second resolve: expected invalid transition, got %v", err)
	}

	h.process(t, h.signal(t, b, types.DirectionShort, 1).ID)
	if n := len(h.conflicts(t, g.ID, &open)); n != 1 {
		t.Fatalf("after resolve, unresolved = %d, want a fresh row", n)
	}
	if n := len(h.conflicts(t, g.ID, nil)); n != 2 {
		t.Fatalf("total conflicts = %d, want 2", n)
	}

	holdings, err := h.store.InstanceHoldings(context.Background(), []string{b})
	if err != nil {
		t.Fatal(err)
	}
	if len(holdings) != 1 || holdings[0].Volume != 5 || holdings[0].Direction != types.DirectionShort {
		t.Fatalf("fills not attributed to the instance: %+v", holdings)
	}
}

func TestConflictDedupAcrossTypes(t *testing.T) {
	h := newHarness(t)
	g, ids := h.group(t, groupOpts{mode: strategy.ModeAllow, capital: 1000000, ratio: 1}, "a", "b")
	a, b := ids[0], ids[1]
	h.hold(t, a, types.DirectionLong, 10)

	h.process(t, h.signal(t, b, types.DirectionLong, 1).ID)
	h.process(t, h.signal(t, b, types.DirectionShort, 1).ID)

	open := false
	unresolved := h.conflicts(t, g.ID, &open)
	if len(unresolved) != 1 {
		t.Fatalf("unresolved conflicts = %d, want 1 for the pair", len(unresolved))
	}
	if c := unresolved[0]; c.ConflictType != ConflictSameSymbol || !involves(c, a, b) || c.Symbol != symbol {
		t.Fatalf("unexpected conflict %+v", c)
	}
	if n := len(h.conflicts(t, g.ID, nil)); n != 1 {
		t.Fatalf("total conflicts = %d, want 1", n)
	}
}

func TestMergeNetsOpposingVolume(t *testing.T) {
	h := newHarness(t)
	g, ids := h.group(t, groupOpts{mode: strategy.ModeMerge, capital: 1000000, ratio: 1}, "a", "b")
	a, b := ids[0], ids[1]
	h.hold(t, a, types.DirectionLong, 10)

	s := h.process(t, h.signal(t, b, types.DirectionShort, 15).ID)
	if s.Status != SignalMerged || s.ExecutedVolume != 5 {
		t.Fatalf("signal = %s/%d, want merged 5", s.Status, s.ExecutedVolume)
	}
	if h.gw.Calls() != 1 || h.gw.Submitted[0].Volume != 5 || h.gw.Submitted[0].Side != types.SideSell {
		t.Fatalf("unexpected orders %+v", h.gw.Submitted)
	}

	s = h.process(t, h.signal(t, b, types.DirectionShort, 5).ID)
	if s.Status != SignalMerged || s.ExecutedVolume != 0 {
		t.Fatalf("signal = %s/%d, want merged 0", s.Status, s.ExecutedVolume)
	}
	if h.gw.Calls() != 1 {
		t.Fatalf("fully netted signal must not reach the gateway")
	}
	for _, c := range h.conflicts(t, g.ID, nil) {
		if !c.Resolved {
			t.Fatalf("merge conflicts are auto-resolved, got %+v", c)
		}
	}
}

func TestMergeShrinksToHeadroom(t *testing.T) {
	h := newHarness(t)
	_, ids := h.group(t, groupOpts{mode: strategy.ModeMerge, capital: 100000, ratio: 0.5, allowOpposite: true}, "a", "b")
	h.hold(t, ids[0], types.DirectionLong, 40)

	s := h.process(t, h.signal(t, ids[1], types.DirectionLong, 20).ID)
	if s.Status != SignalMerged || s.ExecutedVolume != 10 {
		t.Fatalf("signal = %s/%d, want merged 10", s.Status, s.ExecutedVolume)
	}
}

func TestPendingSignalsCountAsExposure(t *testing.T) {
	h := newHarness(t)
	g, ids := h.group(t, groupOpts{mode: strategy.ModeReject, capital: 1000000, ratio: 1}, "a", "b")
	h.signal(t, ids[0], types.DirectionLong, 3)

	s := h.process(t, h.signal(t, ids[1], types.DirectionShort, 3).ID)
	if s.Status != SignalRejected {
		t.Fatalf("status = %s, want rejected against a pending opposite signal", s.Status)
	}
	if n := len(h.conflicts(t, g.ID, nil)); n != 1 {
		t.Fatalf("conflicts = %d, want 1", n)
	}
}

func TestGroupResolution(t *testing.T) {
	h := newHarness(t)
	_, dormant := h.group(t, groupOpts{mode: strategy.ModeAllow, capital: 1000000, ratio: 1, inactive: true}, "a")
	loner := h.instance(t, "loner")

	s := h.process(t, h.signal(t, dormant[0], types.DirectionLong, 1).ID)
	if s.Status != SignalRejected || s.RejectionReason == "" {
		t.Fatalf("inactive group: %s %q", s.Status, s.RejectionReason)
	}
	if n := len(h.conflicts(t, "", nil)); n != 0 {
		t.Fatalf("inactive group must not record conflicts, got %d", n)
	}

	s = h.process(t, h.signal(t, loner, types.DirectionLong, 2).ID)
	if s.Status != SignalExecuted || s.ExecutedVolume != 2 || s.GroupID != "" {
		t.Fatalf("ungrouped instance: %+v", s)
	}
}

func TestSignalOutcomes(t *testing.T) {
	h := newHarness(t, gatewaytest.Step{Err: gateway.Rejected("submit", errors.New("risk check"))})
	_, ids := h.group(t, groupOpts{mode: strategy.ModeAllow, capital: 1000000, ratio: 1}, "a")

	s := h.process(t, h.signal(t, ids[0], types.DirectionLong, 1).ID)
	if s.Status != SignalFailed || s.RejectionReason == "" {
		t.Fatalf("gateway rejection: %s %q", s.Status, s.RejectionReason)
	}

	past := time.Now().Add(-time.Minute)
	expired, err := h.arbiter.CreateSignal(SignalRequest{InstanceID: ids[0], Symbol: symbol, SignalType: SignalOpen,
		Direction: types.DirectionLong, Volume: 1, ExpiresAt: &past})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if s := h.process(t, expired.ID); s.Status != SignalRejected || s.RejectionReason != "signal expired" {
		t.Fatalf("expired signal: %s %q", s.Status, s.RejectionReason)
	}

	again := h.process(t, s.ID)
	if again.Status != SignalFailed || h.gw.Calls() != 1 {
		t.Fatalf("reprocessing a finished signal must be a no-op")
	}
}

func TestCloseSignalSkipsChecks(t *testing.T) {
	h := newHarness(t)
	_, ids := h.group(t, groupOpts{mode: strategy.ModeReject, capital: 1000000, ratio: 1}, "a", "b")
	h.hold(t, ids[0], types.DirectionLong, 10)
	h.hold(t, ids[1], types.DirectionShort, 4)

	s, err := h.arbiter.CreateSignal(SignalRequest{InstanceID: ids[1], Symbol: symbol, SignalType: SignalClose,
		Direction: types.DirectionShort, Volume: 4, Price: decimal.NewFromInt(100)})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	s = h.process(t, s.ID)
	if s.Status != SignalExecuted {
		t.Fatalf("close signal status = %s", s.Status)
	}
	o := h.gw.Submitted[0]
	if o.Side != types.SideBuy || o.Offset != types.OffsetClose {
		t.Fatalf("close order = %s/%s", o.Side, o.Offset)
	}
}

func TestProcessPendingResumesSubmitted(t *testing.T) {
	h := newHarness(t, gatewaytest.Step{LoseResponse: true})
	_, ids := h.group(t, groupOpts{mode: strategy.ModeAllow, capital: 1000000, ratio: 1}, "a")
	sig := h.signal(t, ids[0], types.DirectionLong, 3)

	// The lost reply is reconciled through QueryOrder in the same pass.
	n, err := h.arbiter.ProcessPending(context.Background())
	if err != nil || n != 1 {
		t.Fatalf("process pending: n=%d err=%v", n, err)
	}
	s, err := h.arbiter.GetSignal(sig.ID)
	if err != nil {
		t.Fatal(err)
	}
	if s.Status != SignalExecuted || s.ExecutedVolume != 3 || s.ClientOrderID != "SIG-"+sig.ID {
		t.Fatalf("signal = %+v", s)
	}
}

func TestCreateSignalValidation(t *testing.T) {
	h := newHarness(t)
	id := h.instance(t, "a")
	tests := []SignalRequest{
		{InstanceID: id, Symbol: symbol, SignalType: "flip", Direction: types.DirectionLong, Volume: 1},
		{InstanceID: id, Symbol: symbol, SignalType: SignalOpen, Direction: "up", Volume: 1},
		{InstanceID: id, Symbol: symbol, SignalType: SignalOpen, Direction: types.DirectionLong, Volume: 0},
	}
	for i, req := range tests {
		if _, err := h.arbiter.CreateSignal(req); !types.IsValidation(err) {
			t.Errorf("case %d: expected validation error, got %v", i, err)
		}
	}
	_, err := h.arbiter.CreateSignal(SignalRequest{InstanceID: "INS_missing", Symbol: symbol, SignalType: SignalOpen, Direction: types.DirectionLong, Volume: 1})
	if !errors.Is(err, types.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestCreateSignalIdempotencyKey(t *testing.T) {
	h := newHarness(t)
	id := h.instance(t, "a")
	start := time.Now()
	h.arbiter.now = func() time.Time { return start }

	req := SignalRequest{InstanceID: id, Symbol: symbol, SignalType: SignalOpen, Direction: types.DirectionLong, Volume: 3, IdempotencyKey: "retry-1"}
	first, err := h.arbiter.CreateSignal(req)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	again, err := h.arbiter.CreateSignal(req)
	if err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	if again.ID != first.ID {
		t.Fatalf("resubmit created %s, want %s", again.ID, first.ID)
	}

	// after expiry the key is free again
	h.arbiter.now = func() time.Time { return start.Add(idempotencyTTL + time.Minute) }
	later, err := h.arbiter.CreateSignal(req)
	if err != nil {
		t.Fatalf("create after expiry: %v", err)
	}
	if later.ID == first.ID {
		t.Fatal("expired key still returned the old signal")
	}

	all, err := h.arbiter.ListSignals(SignalFilter{InstanceID: id})
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 {
		t.Fatalf("signals = %d, want 2", len(all))
	}
}

func TestExposureFollowsRollover(t *testing.T) {
	const next = "rb2410"
	h := newHarness(t)
	g, ids := h.group(t, groupOpts{mode: strategy.ModeReject, capital: 1000000, ratio: 1}, "a", "b")
	a, b := ids[0], ids[1]
	h.hold(t, a, types.DirectionLong, 10)

	ctx := context.Background()
	rdb := rollover.NewDatabase(h.gdb)
	coordinator := rollover.NewCoordinator(rdb, h.store, gatewaytest.New(), h.contracts, keylock.NewLocalLocker(), time.Second, nil, nil, rollover.RetryPolicy{})
	rolls := rollover.NewService(rdb, coordinator, h.store, h.contracts)
	task, err := rolls.CreateTask(ctx, rollover.TaskRequest{AccountID: "acc-1", OldSymbol: symbol, NewSymbol: next, Direction: types.DirectionLong})
	if err != nil {
		t.Fatalf("create rollover: %v", err)
	}
	if task, err = coordinator.Execute(ctx, task.ID); err != nil || task.Status != rollover.StatusCompleted {
		t.Fatalf("rollover = %+v, err %v", task, err)
	}

	s, err := h.arbiter.CreateSignal(SignalRequest{InstanceID: b, Symbol: next, SignalType: SignalOpen,
		Direction: types.DirectionShort, Volume: 2, Price: decimal.NewFromInt(100)})
	if err != nil {
		t.Fatalf("create signal: %v", err)
	}
	if s = h.process(t, s.ID); s.Status != SignalRejected {
		t.Fatalf("signal against the rolled position = %s, want rejected", s.Status)
	}
	all := h.conflicts(t, g.ID, nil)
	if len(all) != 1 || all[0].Symbol != next || all[0].ConflictType != ConflictOppositeDirection || !involves(all[0], a, b) {
		t.Fatalf("conflicts = %+v", all)
	}

	// Nothing is left on the expired contract.
	s = h.process(t, h.signal(t, b, types.DirectionShort, 2).ID)
	if s.Status != SignalExecuted {
		t.Fatalf("signal on the old contract = %s, want executed", s.Status)
	}
}
