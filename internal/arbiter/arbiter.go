// Package arbiter checks strategy signals against their group's policy
// before they reach the order gateway.
package arbiter

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/ksred/polar-ops/internal/event"
	"github.com/ksred/polar-ops/internal/gateway"
	"github.com/ksred/polar-ops/internal/keylock"
	"github.com/ksred/polar-ops/internal/metrics"
	"github.com/ksred/polar-ops/internal/position"
	"github.com/ksred/polar-ops/internal/resource"
	"github.com/ksred/polar-ops/internal/strategy"
	"github.com/ksred/polar-ops/internal/types"
	"github.com/ksred/polar-ops/pkg/response"
)

// Registry resolves instances and their group membership.
type Registry interface {
	GetInstance(id string) (*strategy.Instance, error)
	MembershipOf(instanceID string) (*strategy.Group, *strategy.Member, error)
	ActiveMembers(groupID string) ([]strategy.Member, error)
}

// UsageSource serves resource snapshots.
type UsageSource interface {
	Latest(ctx context.Context, groupID string, maxAge time.Duration) (*resource.Usage, error)
	Snapshot(ctx context.Context, groupID string) (*resource.Usage, error)
}

// Positions is the part of the position store the arbiter reads and fills.
type Positions interface {
	GetPosition(ctx context.Context, accountID, symbol string) (*position.Position, error)
	InstanceHoldings(ctx context.Context, instanceIDs []string) ([]position.Holding, error)
	ApplyFill(ctx context.Context, f position.Fill) (*position.Position, error)
}

type Options struct {
	SnapshotMaxAge time.Duration
	LockTTL        time.Duration
}

type Arbiter struct {
	db        *Database
	registry  Registry
	usage     UsageSource
	positions Positions
	specs     resource.Specs
	gw        gateway.Gateway
	locker    keylock.Locker
	bus       *event.Bus
	opts      Options
	now       func() time.Time
}

func New(db *Database, registry Registry, usage UsageSource, positions Positions, specs resource.Specs, gw gateway.Gateway, locker keylock.Locker, bus *event.Bus, opts Options) *Arbiter {
	if opts.SnapshotMaxAge <= 0 {
		opts.SnapshotMaxAge = 30 * time.Second
	}
	if opts.LockTTL <= 0 {
		opts.LockTTL = 30 * time.Second
	}
	return &Arbiter{
		db:        db,
		registry:  registry,
		usage:     usage,
		positions: positions,
		specs:     specs,
		gw:        gw,
		locker:    locker,
		bus:       bus,
		opts:      opts,
		now:       time.Now,
	}
}

// Admit decides on an opening intent and records the conflicts it raises.
func (a *Arbiter) Admit(ctx context.Context, in Intent) (Decision, error) {
	inst, err := a.registry.GetInstance(in.InstanceID)
	if err != nil {
		return Decision{}, err
	}
	g, m, err := a.registry.MembershipOf(in.InstanceID)
	if errors.Is(err, types.ErrNotFound) {
		return Decision{Verdict: VerdictAllow, Volume: in.Volume, Reason: "instance is not in a strategy group"}, nil
	}
	if err != nil {
		return Decision{}, err
	}
	if !g.IsActive {
		metrics.RecordDecision(string(g.PositionConflictMode), string(VerdictReject))
		return Decision{Verdict: VerdictReject, Reason: "strategy group is inactive"}, nil
	}

	members, err := a.registry.ActiveMembers(g.ID)
	if err != nil {
		return Decision{}, err
	}
	ids := make([]string, 0, len(members))
	others := make([]string, 0, len(members))
	for _, mb := range members {
		ids = append(ids, mb.InstanceID)
		if mb.InstanceID != in.InstanceID {
			others = append(others, mb.InstanceID)
		}
	}
	existing, err := a.exposure(ctx, ids, others, in)
	if err != nil {
		return Decision{}, err
	}

	if !in.Price.IsPositive() {
		pos, err := a.positions.GetPosition(ctx, inst.AccountID, in.Symbol)
		if err != nil {
			return Decision{}, err
		}
		in.Price = pos.LastPrice
	}
	usage, err := a.usage.Latest(ctx, g.ID, a.opts.SnapshotMaxAge)
	if err != nil {
		return Decision{}, fmt.Errorf("resource usage of %s: %w", g.ID, err)
	}
	mine := usage.Member(in.InstanceID)
	p := Policy{
		Mode:               g.PositionConflictMode,
		AllowOpposite:      g.AllowOppositePositions,
		Multiplier:         a.specs.Multiplier(in.Symbol),
		MarginRatio:        a.specs.MarginRatio(in.Symbol),
		MaxPositionValue:   g.MaxPositionValue(),
		GroupPositionValue: usage.TotalPositionValue,
		PositionLimit:      m.PositionLimit,
		MemberPosition:     mine.Position,
		CapitalAllocation:  m.CapitalAllocation,
		MemberCapitalUsed:  mine.CapitalUsed,
	}

	d := decide(existing, in, p)
	if err := a.record(g.ID, in, &d); err != nil {
		return Decision{}, err
	}
	metrics.RecordDecision(string(p.Mode), string(d.Verdict))
	log.Info().
		Str("component", "arbiter").
		Str("group_id", g.ID).
		Str("instance_id", in.InstanceID).
		Str("symbol", in.Symbol).
		Str("direction", string(in.Direction)).
		Str("verdict", string(d.Verdict)).
		Int64("volume", in.Volume).
		Int64("admitted", d.Volume).
		Int("conflicts", len(d.Findings)).
		Msg("intent decided")
	return d, nil
}

// exposure merges member holdings with the other members' pending signals.
func (a *Arbiter) exposure(ctx context.Context, ids, others []string, in Intent) ([]Exposure, error) {
	holdings, err := a.positions.InstanceHoldings(ctx, ids)
	if err != nil {
		return nil, err
	}
	out := make([]Exposure, 0, len(holdings))
	for _, h := range holdings {
		out = append(out, Exposure{InstanceID: h.InstanceID, Symbol: h.Symbol, Direction: h.Direction, Volume: h.Volume})
	}
	pending, err := a.db.PendingFor(others, in.Symbol, in.SignalID, a.now())
	if err != nil {
		return nil, err
	}
	for _, s := range pending {
		if s.SignalType != SignalOpen {
			continue
		}
		out = append(out, Exposure{InstanceID: s.InstanceID, Symbol: s.Symbol, Direction: s.Direction, Volume: s.Volume, Pending: true})
	}
	return out, nil
}

func (a *Arbiter) record(groupID string, in Intent, d *Decision) error {
	for _, f := range d.Findings {
		c := &Conflict{
			ID:           types.NewID(types.PrefixConflict),
			GroupID:      groupID,
			InstanceID1:  in.InstanceID,
			InstanceID2:  f.Counterparty,
			Symbol:       in.Symbol,
			ConflictType: f.Type,
			Description:  f.Description,
			SignalID:     in.SignalID,
			Resolved:     f.Resolved,
			Resolution:   f.Resolution,
		}
		if f.Resolved {
			at := a.now()
			c.ResolvedAt = &at
		}
		created, err := a.db.RecordConflict(c)
		if err != nil {
			return fmt.Errorf("record conflict: %w", err)
		}
		if !created {
			continue
		}
		d.Conflicts = append(d.Conflicts, *c)
		metrics.RecordConflict(string(c.ConflictType))
		a.bus.Publish(&event.Event{Type: event.ConflictDetected, Data: *c})
	}
	return nil
}

type SignalRequest struct {
	InstanceID string          `json:"instance_id" binding:"required"`
	Symbol     string          `json:"symbol" binding:"required"`
	SignalType SignalType      `json:"signal_type" binding:"required"`
	Direction  types.Direction `json:"direction" binding:"required"`
	Volume     int64           `json:"volume" binding:"required"`
	Price      decimal.Decimal `json:"price"`
	ExpiresAt  *time.Time      `json:"expires_at"`

	// IdempotencyKey makes a resubmission return the signal created first.
	IdempotencyKey string `json:"-"`
}

// idempotencyTTL bounds how long a resubmitted key maps to its signal.
const idempotencyTTL = 24 * time.Hour

func (a *Arbiter) CreateSignal(req SignalRequest) (*Signal, error) {
	switch {
	case req.SignalType != SignalOpen && req.SignalType != SignalClose:
		return nil, types.NewValidationError("signal_type", "must be open or close, got %q", req.SignalType)
	case !req.Direction.Valid():
		return nil, types.NewValidationError("direction", "must be long or short, got %q", req.Direction)
	case req.Volume <= 0:
		return nil, types.NewValidationError("volume", "must be positive")
	case req.Price.IsNegative():
		return nil, types.NewValidationError("price", "must not be negative")
	}
	now := a.now()
	if req.IdempotencyKey != "" {
		existing, err := a.db.SignalForKey(req.IdempotencyKey, now)
		if err == nil {
			return existing, nil
		}
		if !errors.Is(err, types.ErrNotFound) {
			return nil, err
		}
	}

	inst, err := a.registry.GetInstance(req.InstanceID)
	if err != nil {
		return nil, err
	}
	s := &Signal{
		ID:         types.NewID(types.PrefixSignal),
		InstanceID: inst.ID,
		AccountID:  inst.AccountID,
		Symbol:     req.Symbol,
		SignalType: req.SignalType,
		Direction:  req.Direction,
		Volume:     req.Volume,
		Price:      req.Price,
		Status:     SignalPending,
		ExpiresAt:  req.ExpiresAt,
	}
	if req.IdempotencyKey == "" {
		if err := a.db.CreateSignal(s); err != nil {
			return nil, err
		}
		return s, nil
	}
	if err := a.db.CreateSignalWithKey(s, req.IdempotencyKey, now.Add(idempotencyTTL), now); err != nil {
		// a concurrent submission with the same key won the insert
		if existing, lookupErr := a.db.SignalForKey(req.IdempotencyKey, now); lookupErr == nil {
			return existing, nil
		}
		return nil, err
	}
	return s, nil
}

func (a *Arbiter) GetSignal(id string) (*Signal, error) {
	return a.db.GetSignal(id)
}

func (a *Arbiter) ListSignals(f SignalFilter) ([]Signal, error) {
	return a.db.ListSignals(f)
}

// ProcessSignal admits a pending signal and places the admitted volume.
// Signals already processed are returned unchanged.
func (a *Arbiter) ProcessSignal(ctx context.Context, id string) (*Signal, error) {
	s, err := a.db.GetSignal(id)
	if err != nil {
		return nil, err
	}
	if s.Status != SignalPending {
		return s, nil
	}
	key := "arbiter:" + s.InstanceID
	g, _, err := a.registry.MembershipOf(s.InstanceID)
	switch {
	case err == nil:
		key = "arbiter:" + g.ID
	case !errors.Is(err, types.ErrNotFound):
		return nil, err
	}

	err = keylock.With(ctx, a.locker, key, a.opts.LockTTL, func(ctx context.Context) error {
		return a.process(ctx, id)
	})
	if err != nil {
		return nil, err
	}
	return a.db.GetSignal(id)
}

func (a *Arbiter) process(ctx context.Context, id string) error {
	s, err := a.db.GetSignal(id)
	if err != nil {
		return err
	}
	if s.Status != SignalPending {
		return nil
	}
	logger := log.With().Str("component", "arbiter").Str("signal_id", s.ID).Str("instance_id", s.InstanceID).Logger()
	now := a.now()

	var rep *gateway.Report
	if s.ClientOrderID != "" {
		// Submitted before a restart: settle from the venue record.
		rep, err = a.gw.QueryOrder(ctx, s.ClientOrderID)
		if err != nil && !errors.Is(err, gateway.ErrOrderNotFound) {
			return err
		}
		if rep != nil && rep.FilledVolume > 0 {
			return a.settle(ctx, s, Verdict(s.Decision), rep)
		}
	}

	if s.expired(now) {
		logger.Info().Msg("signal expired before processing")
		return a.db.FinishSignal(s.ID, SignalRejected, map[string]interface{}{
			"rejection_reason": "signal expired",
			"processed_at":     now,
		})
	}

	in := Intent{SignalID: s.ID, InstanceID: s.InstanceID, Symbol: s.Symbol, Direction: s.Direction, Volume: s.Volume, Price: s.Price}
	d := Decision{Verdict: VerdictAllow, Volume: s.Volume}
	if s.SignalType == SignalOpen {
		if d, err = a.Admit(ctx, in); err != nil {
			return err
		}
	}
	groupID := ""
	if g, _, err := a.registry.MembershipOf(s.InstanceID); err == nil {
		groupID = g.ID
	}
	if err := a.db.UpdateSignal(s.ID, map[string]interface{}{"group_id": groupID, "decision": string(d.Verdict)}); err != nil {
		return err
	}
	s.GroupID = groupID

	switch {
	case d.Verdict == VerdictReject:
		return a.db.FinishSignal(s.ID, SignalRejected, map[string]interface{}{
			"rejection_reason": d.Reason,
			"processed_at":     now,
		})
	case d.Volume == 0:
		logger.Info().Str("reason", d.Reason).Msg("signal netted out, nothing sent")
		return a.db.FinishSignal(s.ID, SignalMerged, map[string]interface{}{
			"executed_volume": 0,
			"processed_at":    now,
		})
	}

	order := gateway.Order{
		ClientOrderID: "SIG-" + s.ID,
		AccountID:     s.AccountID,
		Symbol:        s.Symbol,
		Side:          s.Direction.OpenSide(),
		Offset:        types.OffsetOpen,
		Volume:        d.Volume,
		Price:         s.Price,
	}
	if s.SignalType == SignalClose {
		order.Side, order.Offset = s.Direction.CloseSide(), types.OffsetClose
	}
	if !order.Price.IsPositive() {
		if pos, err := a.positions.GetPosition(ctx, s.AccountID, s.Symbol); err == nil {
			order.Price = pos.LastPrice
		}
	}
	if err := a.db.UpdateSignal(s.ID, map[string]interface{}{"client_order_id": order.ClientOrderID}); err != nil {
		return err
	}
	rep, err = a.gw.SubmitOrder(ctx, order)
	if gateway.IsTransient(err) {
		if found, qerr := a.gw.QueryOrder(ctx, order.ClientOrderID); qerr == nil && found.FilledVolume > 0 {
			logger.Warn().Err(err).Msg("submission reply lost, order found at gateway")
			rep, err = found, nil
		}
	}
	if err == nil && (rep == nil || rep.FilledVolume == 0) {
		err = gateway.Rejected("submit", errors.New("order not filled"))
	}
	if err != nil {
		logger.Error().Err(err).Msg("signal order failed")
		return a.db.FinishSignal(s.ID, SignalFailed, map[string]interface{}{
			"rejection_reason": err.Error(),
			"processed_at":     now,
		})
	}
	return a.settle(ctx, s, d.Verdict, rep)
}

// settle books the fill against the instance and closes the signal.
func (a *Arbiter) settle(ctx context.Context, s *Signal, verdict Verdict, rep *gateway.Report) error {
	side, offset := s.Direction.OpenSide(), types.OffsetOpen
	if s.SignalType == SignalClose {
		side, offset = s.Direction.CloseSide(), types.OffsetClose
	}
	fill := position.Fill{
		OrderID:    rep.OrderID,
		InstanceID: s.InstanceID,
		AccountID:  s.AccountID,
		Symbol:     s.Symbol,
		Side:       side,
		Offset:     offset,
		Volume:     rep.FilledVolume,
		Price:      rep.AvgPrice,
		Commission: rep.Commission,
		Source:     "strategy",
	}
	if fill.OrderID == "" {
		fill.OrderID = rep.ClientOrderID
	}
	if _, err := a.positions.ApplyFill(ctx, fill); err != nil {
		return fmt.Errorf("apply signal fill: %w", err)
	}

	status := SignalExecuted
	if verdict == VerdictMerge {
		status = SignalMerged
	}
	if err := a.db.FinishSignal(s.ID, status, map[string]interface{}{
		"executed_volume": rep.FilledVolume,
		"executed_price":  rep.AvgPrice,
		"order_id":        rep.OrderID,
		"processed_at":    a.now(),
	}); err != nil {
		return err
	}
	log.Info().
		Str("component", "arbiter").
		Str("signal_id", s.ID).
		Str("status", string(status)).
		Int64("volume", rep.FilledVolume).
		Str("price", rep.AvgPrice.String()).
		Msg("signal executed")

	if s.GroupID != "" {
		if _, err := a.usage.Snapshot(ctx, s.GroupID); err != nil {
			log.Warn().Err(err).Str("component", "arbiter").Str("group_id", s.GroupID).Msg("usage refresh failed")
		}
	}
	return nil
}

// ProcessPending works through pending signals oldest first and returns
// how many were handled.
func (a *Arbiter) ProcessPending(ctx context.Context) (int, error) {
	pending, err := a.db.PendingSignals()
	if err != nil {
		return 0, err
	}
	n := 0
	for _, s := range pending {
		if ctx.Err() != nil {
			return n, ctx.Err()
		}
		if _, err := a.ProcessSignal(ctx, s.ID); err != nil {
			log.Warn().Err(err).Str("component", "arbiter").Str("signal_id", s.ID).Msg("signal processing interrupted")
			continue
		}
		n++
	}
	return n, nil
}

// Run is the cron entry point.
func (a *Arbiter) Run(ctx context.Context) {
	if _, err := a.ProcessPending(ctx); err != nil {
		log.Error().Err(err).Str("component", "arbiter").Msg("pending signals failed")
	}
	if n, err := a.db.PurgeIdempotencyKeys(a.now()); err != nil {
		log.Error().Err(err).Str("component", "arbiter").Msg("idempotency purge failed")
	} else if n > 0 {
		log.Debug().Str("component", "arbiter").Int64("purged", n).Msg("expired idempotency keys removed")
	}
}

func (a *Arbiter) ListConflicts(f ConflictFilter) ([]Conflict, error) {
	return a.db.ListConflicts(f)
}

// ResolveConflict records an operator's resolution.
func (a *Arbiter) ResolveConflict(_ context.Context, id, resolution string) (*Conflict, error) {
	if resolution == "" {
		return nil, types.NewValidationError("resolution", "is required")
	}
	if err := a.db.Resolve(id, resolution, a.now()); err != nil {
		return nil, err
	}
	log.Info().Str("component", "arbiter").Str("conflict_id", id).Msg("conflict resolved")
	return a.db.GetConflict(id)
}

// GinHandlers contains HTTP handlers for signal and conflict endpoints
type GinHandlers struct {
	arbiter *Arbiter
}

func NewGinHandlers(arbiter *Arbiter) *GinHandlers {
	return &GinHandlers{arbiter: arbiter}
}

func (h *GinHandlers) ListSignalsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		limit, _ := strconv.Atoi(c.Query("limit"))
		out, err := h.arbiter.ListSignals(SignalFilter{
			InstanceID: c.Query("instance_id"),
			Status:     SignalStatus(c.Query("status")),
			Limit:      limit,
		})
		response.Handle(c, out, err)
	}
}

func (h *GinHandlers) CreateSignalHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req SignalRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		req.IdempotencyKey = c.GetHeader("Idempotency-Key")
		s, err := h.arbiter.CreateSignal(req)
		response.Handle(c, s, err)
	}
}

func (h *GinHandlers) ProcessSignalHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		s, err := h.arbiter.ProcessSignal(c.Request.Context(), c.Param("id"))
		response.Handle(c, s, err)
	}
}

func (h *GinHandlers) ListConflictsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		f := ConflictFilter{GroupID: c.Query("group_id")}
		if raw := c.Query("resolved"); raw != "" {
			v, err := strconv.ParseBool(raw)
			if err != nil {
				response.BadRequest(c, "resolved must be true or false")
				return
			}
			f.Resolved = &v
		}
		out, err := h.arbiter.ListConflicts(f)
		response.Handle(c, out, err)
	}
}

func (h *GinHandlers) ResolveConflictHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			Resolution string `json:"resolution" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		out, err := h.arbiter.ResolveConflict(c.Request.Context(), c.Param("id"), req.Resolution)
		response.Handle(c, out, err)
	}
}
