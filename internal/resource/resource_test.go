package resource

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ksred/polar-ops/internal/contract"
	"github.com/ksred/polar-ops/internal/database/dbtest"
	"github.com/ksred/polar-ops/internal/position"
	"github.com/ksred/polar-ops/internal/strategy"
	"github.com/ksred/polar-ops/internal/types"
)

type harness struct {
	accountant *Accountant
	strategies *strategy.Service
	store      *position.Store
	clock      time.Time
	seq        int
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	gdb := dbtest.Open(t,
		&position.Position{}, &position.Trade{}, &contract.Contract{},
		&strategy.Instance{}, &strategy.Group{}, &strategy.Member{},
		&Usage{},
	)
	contracts := contract.NewService(gdb)
	for _, sym := range []string{"rb2405", "hc2405"} {
		c := &contract.Contract{Symbol: sym, Exchange: "SHFE", VarietyCode: sym[:2], Multiplier: decimal.NewFromInt(10),
			MarginRatio: decimal.NewFromFloat(0.1), ExpireDate: time.Now().AddDate(0, 6, 0), IsActive: true}
		if err := contracts.Upsert(c); err != nil {
			t.Fatalf("seed contract: %v", err)
		}
	}
	h := &harness{
		strategies: strategy.NewService(strategy.NewDatabase(gdb)),
		store:      position.NewStore(gdb, contracts, nil),
		clock:      time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC),
	}
	h.accountant = NewAccountant(NewDatabase(gdb), h.strategies, h.store, contracts)
	h.accountant.now = func() time.Time { return h.clock }
	return h
}

func (h *harness) group(t *testing.T, capital int64) *strategy.Group {
	t.Helper()
	c := decimal.NewFromInt(capital)
	g, err := h.strategies.CreateGroup(strategy.GroupRequest{AccountID: "acc-1", GroupName: "desk", TotalCapital: &c})
	if err != nil {
		t.Fatalf("create group: %v", err)
	}
	return g
}

func (h *harness) member(t *testing.T, groupID, name string) string {
	t.Helper()
	inst, err := h.strategies.CreateInstance(strategy.InstanceRequest{InstanceName: name, StrategyID: "trend", AccountID: "acc-1"})
	if err != nil {
		t.Fatalf("create instance: %v", err)
	}
	if _, err := h.strategies.AddMember(groupID, strategy.MemberRequest{InstanceID: inst.ID}); err != nil {
		t.Fatalf("add member: %v", err)
	}
	return inst.ID
}

func (h *harness) fill(t *testing.T, instanceID, symbol string, side types.Side, vol int64, price string) {
	t.Helper()
	h.seq++
	_, err := h.store.ApplyFill(context.Background(), position.Fill{
		OrderID:    fmt.Sprintf("fill-%d", h.seq),
		InstanceID: instanceID,
		AccountID:  "acc-1",
		Symbol:     symbol,
		Side:       side,
		Offset:     types.OffsetOpen,
		Volume:     vol,
		Price:      decimal.RequireFromString(price),
	})
	if err != nil {
		t.Fatalf("apply fill: %v", err)
	}
}

func TestSnapshotSumsMembers(t *testing.T) {
	h := newHarness(t)
	g := h.group(t, 100000)
	a := h.member(t, g.ID, "a")
	b := h.member(t, g.ID, "b")
	idle := h.member(t, g.ID, "idle")
	h.fill(t, a, "rb2405", types.SideBuy, 10, "100")
	h.fill(t, b, "hc2405", types.SideSell, 5, "200")
	// Fills without an instance do not count towards the group.
	h.fill(t, "", "rb2405", types.SideBuy, 50, "100")

	u, err := h.accountant.Snapshot(context.Background(), g.ID)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if u.TotalPosition != 15 {
		t.Errorf("total position = %d, want 15", u.TotalPosition)
	}
	if !u.TotalPositionValue.Equal(decimal.NewFromInt(20000)) {
		t.Errorf("position value = %s, want 20000", u.TotalPositionValue)
	}
	if !u.TotalMarginUsed.Equal(decimal.NewFromInt(2000)) || !u.TotalRisk.Equal(u.TotalMarginUsed) {
		t.Errorf("margin %s risk %s, want 2000", u.TotalMarginUsed, u.TotalRisk)
	}
	// 2000 / (0.2 * 100000)
	if !u.RiskUtilization.Equal(decimal.NewFromFloat(0.1)) {
		t.Errorf("risk utilization = %s, want 0.1", u.RiskUtilization)
	}
	if got := u.Member(a); got.Position != 10 || !got.CapitalUsed.Equal(decimal.NewFromInt(1000)) {
		t.Errorf("breakdown a = %+v", got)
	}
	if _, ok := u.StrategyBreakdown.Data()[idle]; !ok {
		t.Errorf("idle member missing from breakdown")
	}
}

func TestUtilizationZeroBudget(t *testing.T) {
	if got := Utilization(decimal.NewFromInt(500), decimal.NewFromFloat(0.2), decimal.Zero); !got.IsZero() {
		t.Fatalf("utilization = %s, want 0", got)
	}
	h := newHarness(t)
	g := h.group(t, 0)
	a := h.member(t, g.ID, "a")
	h.fill(t, a, "rb2405", types.SideBuy, 1, "100")
	u, err := h.accountant.Snapshot(context.Background(), g.ID)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if !u.RiskUtilization.IsZero() {
		t.Fatalf("risk utilization = %s, want 0", u.RiskUtilization)
	}
}

func TestLatestHonoursMaxAge(t *testing.T) {
	h := newHarness(t)
	g := h.group(t, 100000)
	a := h.member(t, g.ID, "a")
	ctx := context.Background()

	first, err := h.accountant.Latest(ctx, g.ID, time.Minute)
	if err != nil {
		t.Fatalf("first latest: %v", err)
	}
	if first.TotalPosition != 0 {
		t.Fatalf("empty group position = %d", first.TotalPosition)
	}

	h.fill(t, a, "rb2405", types.SideBuy, 3, "100")
	h.clock = h.clock.Add(30 * time.Second)
	cached, err := h.accountant.Latest(ctx, g.ID, time.Minute)
	if err != nil {
		t.Fatalf("cached latest: %v", err)
	}
	if cached.ID != first.ID {
		t.Fatalf("expected the cached snapshot within max age")
	}

	h.clock = h.clock.Add(time.Minute)
	fresh, err := h.accountant.Latest(ctx, g.ID, time.Minute)
	if err != nil {
		t.Fatalf("fresh latest: %v", err)
	}
	if fresh.ID == first.ID || fresh.TotalPosition != 3 {
		t.Fatalf("expected a fresh snapshot with 3 lots, got %+v", fresh)
	}
}

func TestHistoryAndSweep(t *testing.T) {
	h := newHarness(t)
	g := h.group(t, 100000)
	h.member(t, g.ID, "a")
	off := false
	if _, err := h.strategies.CreateGroup(strategy.GroupRequest{AccountID: "acc-1", GroupName: "off", IsActive: &off}); err != nil {
		t.Fatalf("create inactive group: %v", err)
	}
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		n, err := h.accountant.SnapshotAll(ctx)
		if err != nil || n != 1 {
			t.Fatalf("sweep %d: n=%d err=%v", i, n, err)
		}
		h.clock = h.clock.Add(time.Hour)
	}

	all, err := h.accountant.History(ctx, g.ID, h.clock.Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("history = %d snapshots, want 3", len(all))
	}
	recent, err := h.accountant.History(ctx, g.ID, h.clock.Add(-90*time.Minute))
	if err != nil {
		t.Fatalf("recent history: %v", err)
	}
	if len(recent) != 1 {
		t.Fatalf("recent history = %d snapshots, want 1", len(recent))
	}
	if _, err := h.accountant.History(ctx, "GRP_missing", h.clock); !errors.Is(err, types.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}
