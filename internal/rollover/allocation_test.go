package rollover

import (
	"context"
	"reflect"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/ksred/polar-ops/internal/gateway/gatewaytest"
	"github.com/ksred/polar-ops/internal/position"
	"github.com/ksred/polar-ops/internal/types"
)

func TestAllocate(t *testing.T) {
	long := func(id string, vol int64) position.Holding {
		return position.Holding{InstanceID: id, Direction: types.DirectionLong, Volume: vol}
	}
	tests := []struct {
		name         string
		target, size int64
		holdings     []position.Holding
		want         []Allocation
	}{
		{"no instances", 10, 10, nil, []Allocation{{Volume: 10}}},
		{"full roll", 20, 20, []position.Holding{long("b", 8), long("a", 12)},
			[]Allocation{{InstanceID: "a", Volume: 12}, {InstanceID: "b", Volume: 8}}},
		{"manual lots", 20, 20, []position.Holding{long("a", 15)},
			[]Allocation{{InstanceID: "a", Volume: 15}, {Volume: 5}}},
		{"half roll rounds to instances", 5, 10, []position.Holding{long("a", 5), long("b", 5)},
			[]Allocation{{InstanceID: "a", Volume: 3}, {InstanceID: "b", Volume: 2}}},
		{"other side ignored", 4, 4, []position.Holding{
			long("a", 4),
			{InstanceID: "b", Direction: types.DirectionShort, Volume: 9},
		}, []Allocation{{InstanceID: "a", Volume: 4}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := allocate(tt.target, tt.size, tt.holdings, types.DirectionLong)
			if !reflect.DeepEqual(got, tt.want) {
				t.Fatalf("allocate = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestSplit(t *testing.T) {
	allocs := []Allocation{{InstanceID: "a", Volume: 12}, {InstanceID: "b", Volume: 8}}
	tests := []struct {
		done, vol int64
		want      []Allocation
	}{
		{0, 20, []Allocation{{InstanceID: "a", Volume: 12}, {InstanceID: "b", Volume: 8}}},
		{0, 7, []Allocation{{InstanceID: "a", Volume: 7}}},
		{7, 9, []Allocation{{InstanceID: "a", Volume: 5}, {InstanceID: "b", Volume: 4}}},
		{16, 6, []Allocation{{InstanceID: "b", Volume: 4}, {Volume: 2}}},
	}
	for _, tt := range tests {
		if got := split(allocs, tt.done, tt.vol); !reflect.DeepEqual(got, tt.want) {
			t.Errorf("split(%d, %d) = %+v, want %+v", tt.done, tt.vol, got, tt.want)
		}
	}
	if got := split(nil, 3, 4); !reflect.DeepEqual(got, []Allocation{{Volume: 4}}) {
		t.Errorf("split without allocations = %+v", got)
	}
}

func TestRolloverCarriesInstanceExposure(t *testing.T) {
	h := newHarness(t,
		gatewaytest.Step{FillVolume: 7},
	)
	ctx := context.Background()
	for i, f := range []struct {
		instance string
		vol      int64
	}{{"ins-a", 12}, {"ins-b", 8}} {
		_, err := h.store.ApplyFill(ctx, position.Fill{
			OrderID:    "seed-" + f.instance,
			InstanceID: f.instance,
			AccountID:  testAccount,
			Symbol:     oldSymbol,
			Side:       types.SideBuy,
			Offset:     types.OffsetOpen,
			Volume:     f.vol,
			Price:      decimal.NewFromInt(int64(3800 + i)),
		})
		if err != nil {
			t.Fatal(err)
		}
	}
	task := h.task(t, types.DirectionLong, 20)

	got, err := h.coordinator.Execute(ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != StatusCompleted {
		t.Fatalf("task=%+v", got)
	}
	if want := []Allocation{{InstanceID: "ins-a", Volume: 12}, {InstanceID: "ins-b", Volume: 8}}; !reflect.DeepEqual(got.Allocations.Data(), want) {
		t.Fatalf("allocations=%+v", got.Allocations.Data())
	}

	holdings, err := h.store.InstanceHoldings(ctx, []string{"ins-a", "ins-b"})
	if err != nil {
		t.Fatal(err)
	}
	bySymbol := map[string]int64{}
	for _, hd := range holdings {
		if hd.Direction != types.DirectionLong {
			t.Fatalf("unexpected holding %+v", hd)
		}
		bySymbol[hd.InstanceID+"@"+hd.Symbol] = hd.Volume
	}
	want := map[string]int64{"ins-a@" + newSymbol: 12, "ins-b@" + newSymbol: 8}
	if !reflect.DeepEqual(bySymbol, want) {
		t.Fatalf("holdings after roll = %v, want %v", bySymbol, want)
	}
	if n := h.size(t, newSymbol, types.DirectionLong); n != 20 {
		t.Fatalf("account position on %s = %d", newSymbol, n)
	}
}
