// Package resource snapshots how much of a strategy group's capital and
// risk budget its members consume.
package resource

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"
	"gorm.io/datatypes"

	"github.com/ksred/polar-ops/internal/metrics"
	"github.com/ksred/polar-ops/internal/position"
	"github.com/ksred/polar-ops/internal/strategy"
	"github.com/ksred/polar-ops/internal/types"
	"github.com/ksred/polar-ops/pkg/response"
)

// Groups reads group configuration and membership.
type Groups interface {
	GetGroup(id string) (*strategy.Group, error)
	ActiveGroups() ([]strategy.Group, error)
	ActiveMembers(groupID string) ([]strategy.Member, error)
}

// Holdings reports the exposure each instance built through its fills.
type Holdings interface {
	InstanceHoldings(ctx context.Context, instanceIDs []string) ([]position.Holding, error)
}

// Specs resolves contract size and margin requirement.
type Specs interface {
	Multiplier(symbol string) decimal.Decimal
	MarginRatio(symbol string) decimal.Decimal
}

type Accountant struct {
	db       *Database
	groups   Groups
	holdings Holdings
	specs    Specs
	flight   singleflight.Group
	now      func() time.Time
}

func NewAccountant(db *Database, groups Groups, holdings Holdings, specs Specs) *Accountant {
	return &Accountant{db: db, groups: groups, holdings: holdings, specs: specs, now: time.Now}
}

// Snapshot computes and persists the group's current usage.
func (a *Accountant) Snapshot(ctx context.Context, groupID string) (*Usage, error) {
	g, err := a.groups.GetGroup(groupID)
	if err != nil {
		return nil, err
	}
	members, err := a.groups.ActiveMembers(groupID)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(members))
	for _, m := range members {
		ids = append(ids, m.InstanceID)
	}

	u := &Usage{
		ID:        types.NewID(types.PrefixUsage),
		GroupID:   groupID,
		Timestamp: a.now(),
	}
	breakdown := make(Breakdown, len(ids))
	for _, id := range ids {
		breakdown[id] = InstanceUsage{}
	}

	if len(ids) > 0 {
		holdings, err := a.holdings.InstanceHoldings(ctx, ids)
		if err != nil {
			return nil, err
		}
		for _, h := range holdings {
			value := h.MarkPrice.Mul(decimal.NewFromInt(h.Volume)).Mul(a.specs.Multiplier(h.Symbol))
			margin := value.Mul(a.specs.MarginRatio(h.Symbol))

			iu := breakdown[h.InstanceID]
			iu.Position += h.Volume
			iu.PositionValue = iu.PositionValue.Add(value)
			iu.CapitalUsed = iu.CapitalUsed.Add(margin)
			iu.MarginUsed = iu.MarginUsed.Add(margin)
			iu.Risk = iu.Risk.Add(margin)
			breakdown[h.InstanceID] = iu

			u.TotalPosition += h.Volume
			u.TotalPositionValue = u.TotalPositionValue.Add(value)
			u.TotalCapitalUsed = u.TotalCapitalUsed.Add(margin)
			u.TotalMarginUsed = u.TotalMarginUsed.Add(margin)
			u.TotalRisk = u.TotalRisk.Add(margin)
		}
	}
	u.StrategyBreakdown = datatypes.NewJSONType(breakdown)
	u.RiskUtilization = Utilization(u.TotalRisk, g.MaxRiskPerStrategy, g.TotalCapital)

	if err := a.db.Create(u); err != nil {
		return nil, err
	}
	util, _ := u.RiskUtilization.Float64()
	metrics.SetRiskUtilization(groupID, util)
	log.Debug().
		Str("component", "resource_accountant").
		Str("group_id", groupID).
		Int64("position", u.TotalPosition).
		Str("risk_utilization", u.RiskUtilization.StringFixed(4)).
		Msg("resource snapshot taken")
	return u, nil
}

// Utilization is risk / (maxRisk * capital), zero when the budget is zero.
func Utilization(risk, maxRisk, capital decimal.Decimal) decimal.Decimal {
	budget := maxRisk.Mul(capital)
	if !budget.IsPositive() || risk.IsNegative() {
		return decimal.Zero
	}
	return risk.Div(budget)
}

// Latest returns the newest snapshot taken within maxAge, or a fresh one.
// Concurrent callers for the same group share a single fresh snapshot.
func (a *Accountant) Latest(ctx context.Context, groupID string, maxAge time.Duration) (*Usage, error) {
	u, err := a.db.Latest(groupID)
	switch {
	case err == nil && a.now().Sub(u.Timestamp) <= maxAge:
		return u, nil
	case err != nil && !errors.Is(err, types.ErrNotFound):
		return nil, err
	}
	v, err, _ := a.flight.Do(groupID, func() (interface{}, error) {
		return a.Snapshot(ctx, groupID)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Usage), nil
}

func (a *Accountant) History(_ context.Context, groupID string, since time.Time) ([]Usage, error) {
	if _, err := a.groups.GetGroup(groupID); err != nil {
		return nil, err
	}
	return a.db.Since(groupID, since)
}

// SnapshotAll snapshots every active group and returns how many succeeded.
func (a *Accountant) SnapshotAll(ctx context.Context) (int, error) {
	groups, err := a.groups.ActiveGroups()
	if err != nil {
		return 0, err
	}
	n := 0
	for _, g := range groups {
		if ctx.Err() != nil {
			return n, ctx.Err()
		}
		if _, err := a.Snapshot(ctx, g.ID); err != nil {
			log.Error().Err(err).Str("component", "resource_accountant").Str("group_id", g.ID).Msg("resource snapshot failed")
			continue
		}
		n++
	}
	return n, nil
}

// Run is the cron entry point.
func (a *Accountant) Run(ctx context.Context) {
	if _, err := a.SnapshotAll(ctx); err != nil {
		log.Error().Err(err).Str("component", "resource_accountant").Msg("resource sweep failed")
	}
}

const defaultHistoryHours = 24

// GinHandlers contains HTTP handlers for resource usage endpoints
type GinHandlers struct {
	accountant *Accountant
}

func NewGinHandlers(accountant *Accountant) *GinHandlers {
	return &GinHandlers{accountant: accountant}
}

func (h *GinHandlers) HistoryHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		hours := defaultHistoryHours
		if raw := c.Query("hours"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n <= 0 {
				response.BadRequest(c, "hours must be a positive integer")
				return
			}
			hours = n
		}
		since := h.accountant.now().Add(-time.Duration(hours) * time.Hour)
		usage, err := h.accountant.History(c.Request.Context(), c.Param("groupId"), since)
		response.Handle(c, usage, err)
	}
}
