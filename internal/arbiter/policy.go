package arbiter

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/ksred/polar-ops/internal/strategy"
	"github.com/ksred/polar-ops/internal/types"
)

type Verdict string

const (
	VerdictAllow  Verdict = "allow"
	VerdictReject Verdict = "reject"
	VerdictMerge  Verdict = "merge"
)

// Intent is an order a member wants to place.
type Intent struct {
	SignalID   string          `json:"signal_id,omitempty"`
	InstanceID string          `json:"instance_id"`
	Symbol     string          `json:"symbol"`
	Direction  types.Direction `json:"direction"`
	Volume     int64           `json:"volume"`
	Price      decimal.Decimal `json:"price"`
}

// Exposure is open or pending volume held by a group member.
type Exposure struct {
	InstanceID string
	Symbol     string
	Direction  types.Direction
	Volume     int64
	Pending    bool
}

// Policy is everything a mode needs to decide on an intent. Zero limits
// are unlimited.
type Policy struct {
	Mode          strategy.ConflictMode
	AllowOpposite bool
	Multiplier    decimal.Decimal
	MarginRatio   decimal.Decimal

	MaxPositionValue   decimal.Decimal
	GroupPositionValue decimal.Decimal

	PositionLimit     int64
	MemberPosition    int64
	CapitalAllocation decimal.Decimal
	MemberCapitalUsed decimal.Decimal
}

// Finding is one detected conflict before it is stored.
type Finding struct {
	Type         ConflictType `json:"conflict_type"`
	Counterparty string       `json:"counterparty,omitempty"`
	Description  string       `json:"description"`
	Resolved     bool         `json:"resolved"`
	Resolution   string       `json:"resolution,omitempty"`
}

func (f Finding) blocking() bool {
	return f.Type != ConflictSameSymbol
}

type Decision struct {
	Verdict   Verdict    `json:"verdict"`
	Volume    int64      `json:"volume"`
	Reason    string     `json:"reason,omitempty"`
	Findings  []Finding  `json:"findings,omitempty"`
	Conflicts []Conflict `json:"conflicts,omitempty"`
}

type policyFunc func(existing []Exposure, in Intent, p Policy) Decision

var policies = map[strategy.ConflictMode]policyFunc{
	strategy.ModeAllow:  allowPolicy,
	strategy.ModeReject: rejectPolicy,
	strategy.ModeMerge:  mergePolicy,
}

// decide dispatches on the group's conflict mode. Unknown modes reject.
func decide(existing []Exposure, in Intent, p Policy) Decision {
	fn, ok := policies[p.Mode]
	if !ok {
		return Decision{Verdict: VerdictReject, Reason: fmt.Sprintf("unknown conflict mode %q", p.Mode)}
	}
	return fn(existing, in, p)
}

// detect lists the conflicts intent in has with the other members'
// exposure and with the group and member limits.
func detect(existing []Exposure, in Intent, p Policy) []Finding {
	type sides struct{ same, opposite int64 }
	var order []string
	byInstance := make(map[string]*sides)
	for _, e := range existing {
		if e.InstanceID == in.InstanceID || e.Symbol != in.Symbol || e.Volume <= 0 {
			continue
		}
		s, ok := byInstance[e.InstanceID]
		if !ok {
			s = &sides{}
			byInstance[e.InstanceID] = s
			order = append(order, e.InstanceID)
		}
		if e.Direction == in.Direction {
			s.same += e.Volume
		} else {
			s.opposite += e.Volume
		}
	}

	var out []Finding
	for _, id := range order {
		s := byInstance[id]
		if s.same > 0 {
			out = append(out, Finding{
				Type:         ConflictSameSymbol,
				Counterparty: id,
				Description:  fmt.Sprintf("%s already holds %d %s lots on %s", id, s.same, in.Direction, in.Symbol),
			})
		}
		if s.opposite > 0 && !p.AllowOpposite {
			out = append(out, Finding{
				Type:         ConflictOppositeDirection,
				Counterparty: id,
				Description: fmt.Sprintf("%s holds %d %s lots on %s against a %s intent",
					id, s.opposite, in.Direction.Opposite(), in.Symbol, in.Direction),
			})
		}
	}
	return append(out, limitFindings(in.Volume, in, p)...)
}

func limitFindings(volume int64, in Intent, p Policy) []Finding {
	var out []Finding
	lots := decimal.NewFromInt(volume)
	value := in.Price.Mul(p.Multiplier).Mul(lots)

	if p.MaxPositionValue.IsPositive() {
		if projected := p.GroupPositionValue.Add(value); projected.GreaterThan(p.MaxPositionValue) {
			out = append(out, Finding{
				Type:        ConflictExceedLimit,
				Description: fmt.Sprintf("group position value %s would exceed limit %s", projected.StringFixed(2), p.MaxPositionValue.StringFixed(2)),
			})
		}
	}
	if p.PositionLimit > 0 && p.MemberPosition+volume > p.PositionLimit {
		out = append(out, Finding{
			Type:        ConflictExceedLimit,
			Description: fmt.Sprintf("member position %d would exceed limit %d", p.MemberPosition+volume, p.PositionLimit),
		})
	}
	if p.CapitalAllocation.IsPositive() {
		if used := p.MemberCapitalUsed.Add(value.Mul(p.MarginRatio)); used.GreaterThan(p.CapitalAllocation) {
			out = append(out, Finding{
				Type:        ConflictExceedLimit,
				Description: fmt.Sprintf("member capital %s would exceed allocation %s", used.StringFixed(2), p.CapitalAllocation.StringFixed(2)),
			})
		}
	}
	return out
}

// headroom is the largest volume every limit still accepts.
func headroom(in Intent, p Policy) int64 {
	room := in.Volume
	unit := in.Price.Mul(p.Multiplier)
	if p.MaxPositionValue.IsPositive() && unit.IsPositive() {
		room = minLots(room, p.MaxPositionValue.Sub(p.GroupPositionValue).Div(unit))
	}
	if p.PositionLimit > 0 && p.PositionLimit-p.MemberPosition < room {
		room = p.PositionLimit - p.MemberPosition
	}
	if p.CapitalAllocation.IsPositive() && unit.Mul(p.MarginRatio).IsPositive() {
		room = minLots(room, p.CapitalAllocation.Sub(p.MemberCapitalUsed).Div(unit.Mul(p.MarginRatio)))
	}
	if room < 0 {
		return 0
	}
	return room
}

func minLots(room int64, lots decimal.Decimal) int64 {
	n := lots.Floor().IntPart()
	if n < room {
		return n
	}
	return room
}

func allowPolicy(existing []Exposure, in Intent, p Policy) Decision {
	findings := detect(existing, in, p)
	for _, f := range findings {
		if f.Type == ConflictExceedLimit {
			return rejectWith(findings, func(f Finding) bool { return f.Type == ConflictExceedLimit })
		}
	}
	return Decision{Verdict: VerdictAllow, Volume: in.Volume, Findings: findings}
}

func rejectPolicy(existing []Exposure, in Intent, p Policy) Decision {
	findings := detect(existing, in, p)
	for _, f := range findings {
		if f.blocking() {
			return rejectWith(findings, Finding.blocking)
		}
	}
	return Decision{Verdict: VerdictAllow, Volume: in.Volume, Findings: findings}
}

// rejectWith resolves the findings matched by cause and reports the first
// as the reason.
func rejectWith(findings []Finding, cause func(Finding) bool) Decision {
	d := Decision{Verdict: VerdictReject, Findings: findings}
	for i := range d.Findings {
		if !cause(d.Findings[i]) {
			continue
		}
		d.Findings[i].Resolved = true
		d.Findings[i].Resolution = "auto-rejected: " + d.Findings[i].Description
		if d.Reason == "" {
			d.Reason = d.Findings[i].Description
		}
	}
	return d
}

// mergePolicy nets the intent against opposing member volume on the symbol
// and shrinks what is left to the remaining headroom.
func mergePolicy(existing []Exposure, in Intent, p Policy) Decision {
	findings := detect(existing, in, p)
	volume := in.Volume
	adjusted := false
	for _, f := range findings {
		if f.blocking() {
			adjusted = true
		}
	}
	if !adjusted {
		return Decision{Verdict: VerdictAllow, Volume: volume, Findings: findings}
	}

	if !p.AllowOpposite {
		for _, e := range existing {
			if e.InstanceID != in.InstanceID && e.Symbol == in.Symbol && e.Direction != in.Direction {
				volume -= e.Volume
			}
		}
		if volume < 0 {
			volume = 0
		}
	}
	if room := headroom(in, p); volume > room {
		volume = room
	}

	resolution := fmt.Sprintf("auto-merged: volume %d -> %d", in.Volume, volume)
	for i := range findings {
		if findings[i].blocking() {
			findings[i].Resolved = true
			findings[i].Resolution = resolution
		}
	}
	return Decision{Verdict: VerdictMerge, Volume: volume, Reason: resolution, Findings: findings}
}
