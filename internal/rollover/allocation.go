package rollover

import (
	"sort"

	"github.com/ksred/polar-ops/internal/position"
	"github.com/ksred/polar-ops/internal/types"
)

// allocate splits target lots of an account side holding size lots in
// proportion to each instance's holding on that side. Lots no instance
// booked go to the unattributed slot, which is always last.
func allocate(target, size int64, holdings []position.Holding, d types.Direction) []Allocation {
	held := make(map[string]int64)
	var ids []string
	var attributed int64
	for _, h := range holdings {
		if h.Direction != d || h.Volume <= 0 || h.InstanceID == "" {
			continue
		}
		if _, ok := held[h.InstanceID]; !ok {
			ids = append(ids, h.InstanceID)
		}
		held[h.InstanceID] += h.Volume
		attributed += h.Volume
	}
	sort.Strings(ids)

	base := max(size, attributed)
	if base <= 0 || target <= 0 {
		return []Allocation{{Volume: max(target, 0)}}
	}

	shares := make([]int64, len(ids))
	var assigned int64
	for i, id := range ids {
		shares[i] = held[id] * target / base
		assigned += shares[i]
	}
	unattributed := (base - attributed) * target / base
	leftover := target - assigned - unattributed
	for i, id := range ids {
		if leftover == 0 {
			break
		}
		if shares[i] < held[id] {
			shares[i]++
			leftover--
		}
	}
	unattributed += leftover

	out := make([]Allocation, 0, len(ids)+1)
	for i, id := range ids {
		if shares[i] > 0 {
			out = append(out, Allocation{InstanceID: id, Volume: shares[i]})
		}
	}
	if unattributed > 0 {
		out = append(out, Allocation{Volume: unattributed})
	}
	return out
}

// split attributes the vol lots of a leg that follow the done lots already
// filled on it. Allocations are consumed in order, so replaying a fill
// yields the same pieces.
func split(allocs []Allocation, done, vol int64) []Allocation {
	lo, hi := done, done+vol
	var out []Allocation
	var start int64
	for _, a := range allocs {
		end := start + a.Volume
		if n := min(end, hi) - max(start, lo); n > 0 {
			out = append(out, Allocation{InstanceID: a.InstanceID, Volume: n})
		}
		start = end
	}
	if extra := hi - max(start, lo); extra > 0 {
		if len(out) > 0 && out[len(out)-1].InstanceID == "" {
			out[len(out)-1].Volume += extra
		} else {
			out = append(out, Allocation{Volume: extra})
		}
	}
	return out
}

// fillOrderID is the ledger id of an attributed piece of a gateway order.
func fillOrderID(orderID, instanceID string) string {
	if instanceID == "" {
		return orderID
	}
	return orderID + "/" + instanceID
}
