// Package strategy registers strategy instances, their tunable parameters
// and daily results, and the groups that share an account's capital
// between them.
package strategy

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/ksred/polar-ops/internal/types"
	"github.com/ksred/polar-ops/pkg/response"
)

// Group defaults applied when a create request leaves them out.
var (
	DefaultMaxPositionRatio   = decimal.NewFromInt(1)
	DefaultMaxRiskPerStrategy = decimal.NewFromFloat(0.2)
)

type Service struct {
	db  *Database
	now func() time.Time
}

func NewService(db *Database) *Service {
	return &Service{db: db, now: time.Now}
}

type InstanceRequest struct {
	InstanceName string `json:"instance_name" binding:"required"`
	StrategyID   string `json:"strategy_id" binding:"required"`
	AccountID    string `json:"account_id" binding:"required"`
}

func (s *Service) CreateInstance(req InstanceRequest) (*Instance, error) {
	i := &Instance{
		ID:           types.NewID(types.PrefixInstance),
		InstanceName: req.InstanceName,
		StrategyID:   req.StrategyID,
		AccountID:    req.AccountID,
		Status:       InstanceStopped,
	}
	if err := s.db.CreateInstance(i); err != nil {
		return nil, err
	}
	log.Info().
		Str("instance_id", i.ID).
		Str("strategy_id", i.StrategyID).
		Str("account_id", i.AccountID).
		Msg("strategy instance registered")
	return i, nil
}

func (s *Service) GetInstance(id string) (*Instance, error) {
	return s.db.GetInstance(id)
}

func (s *Service) ListInstances(accountID string, status InstanceStatus) ([]Instance, error) {
	return s.db.ListInstances(accountID, status)
}

func (s *Service) SetStatus(id string, status InstanceStatus) (*Instance, error) {
	if !status.Valid() {
		return nil, types.NewValidationError("status", "unknown instance status %q", status)
	}
	if err := s.db.UpdateInstance(id, map[string]interface{}{"status": status}); err != nil {
		return nil, err
	}
	return s.db.GetInstance(id)
}

// Heartbeat stamps the instance as alive.
func (s *Service) Heartbeat(id string) (*Instance, error) {
	if err := s.db.UpdateInstance(id, map[string]interface{}{"last_heartbeat": s.now()}); err != nil {
		return nil, err
	}
	return s.db.GetInstance(id)
}

// GroupRequest is the body of create and update calls. Nil fields keep
// their current value on update.
type GroupRequest struct {
	AccountID              string           `json:"account_id"`
	GroupName              string           `json:"group_name"`
	Description            *string          `json:"description"`
	TotalCapital           *decimal.Decimal `json:"total_capital"`
	MaxPositionRatio       *decimal.Decimal `json:"max_position_ratio"`
	MaxRiskPerStrategy     *decimal.Decimal `json:"max_risk_per_strategy"`
	AllowOppositePositions *bool            `json:"allow_opposite_positions"`
	PositionConflictMode   ConflictMode     `json:"position_conflict_mode"`
	IsActive               *bool            `json:"is_active"`
}

func (r GroupRequest) apply(g *Group) {
	if r.AccountID != "" {
		g.AccountID = r.AccountID
	}
	if r.GroupName != "" {
		g.GroupName = r.GroupName
	}
	if r.Description != nil {
		g.Description = *r.Description
	}
	if r.TotalCapital != nil {
		g.TotalCapital = *r.TotalCapital
	}
	if r.MaxPositionRatio != nil {
		g.MaxPositionRatio = *r.MaxPositionRatio
	}
	if r.MaxRiskPerStrategy != nil {
		g.MaxRiskPerStrategy = *r.MaxRiskPerStrategy
	}
	if r.AllowOppositePositions != nil {
		g.AllowOppositePositions = *r.AllowOppositePositions
	}
	if r.PositionConflictMode != "" {
		g.PositionConflictMode = r.PositionConflictMode
	}
	if r.IsActive != nil {
		g.IsActive = *r.IsActive
	}
}

func (s *Service) CreateGroup(req GroupRequest) (*Group, error) {
	g := &Group{
		ID:                     types.NewID(types.PrefixGroup),
		MaxPositionRatio:       DefaultMaxPositionRatio,
		MaxRiskPerStrategy:     DefaultMaxRiskPerStrategy,
		AllowOppositePositions: true,
		PositionConflictMode:   ModeAllow,
		IsActive:               true,
	}
	req.apply(g)
	if err := g.Validate(); err != nil {
		return nil, err
	}
	if err := s.db.CreateGroup(g); err != nil {
		return nil, err
	}
	log.Info().
		Str("group_id", g.ID).
		Str("account_id", g.AccountID).
		Str("mode", string(g.PositionConflictMode)).
		Msg("strategy group created")
	return g, nil
}

func (s *Service) UpdateGroup(id string, req GroupRequest) (*Group, error) {
	g, err := s.db.GetGroup(id)
	if err != nil {
		return nil, err
	}
	req.apply(g)
	if err := g.Validate(); err != nil {
		return nil, err
	}
	if err := s.db.SaveGroup(g); err != nil {
		return nil, err
	}
	return g, nil
}

func (s *Service) GetGroup(id string) (*Group, error) {
	return s.db.GetGroup(id)
}

func (s *Service) GroupDetail(id string) (*GroupDetail, error) {
	g, err := s.db.GetGroup(id)
	if err != nil {
		return nil, err
	}
	members, err := s.db.Members(id, false)
	if err != nil {
		return nil, err
	}
	return &GroupDetail{Group: *g, Members: members}, nil
}

func (s *Service) ListGroups(accountID string) ([]Group, error) {
	return s.db.ListGroups(accountID, false)
}

func (s *Service) ActiveGroups() ([]Group, error) {
	return s.db.ListGroups("", true)
}

func (s *Service) ActiveMembers(groupID string) ([]Member, error) {
	return s.db.Members(groupID, true)
}

// MembershipOf returns the group an instance trades in. It returns
// types.ErrNotFound for an instance in no group.
func (s *Service) MembershipOf(instanceID string) (*Group, *Member, error) {
	return s.db.MembershipOf(instanceID)
}

type MemberRequest struct {
	InstanceID        string          `json:"instance_id" binding:"required"`
	CapitalAllocation decimal.Decimal `json:"capital_allocation"`
	PositionLimit     int64           `json:"position_limit"`
	Priority          int             `json:"priority"`
}

func (s *Service) AddMember(groupID string, req MemberRequest) (*Member, error) {
	g, err := s.db.GetGroup(groupID)
	if err != nil {
		return nil, err
	}
	inst, err := s.db.GetInstance(req.InstanceID)
	if err != nil {
		return nil, err
	}
	if inst.AccountID != g.AccountID {
		return nil, types.NewValidationError("instance_id", "instance trades %s, group belongs to %s", inst.AccountID, g.AccountID)
	}
	switch {
	case req.CapitalAllocation.IsNegative():
		return nil, types.NewValidationError("capital_allocation", "must not be negative")
	case req.PositionLimit < 0:
		return nil, types.NewValidationError("position_limit", "must not be negative")
	}
	m := &Member{
		GroupID:           groupID,
		InstanceID:        req.InstanceID,
		CapitalAllocation: req.CapitalAllocation,
		PositionLimit:     req.PositionLimit,
		Priority:          req.Priority,
		IsActive:          true,
	}
	if err := s.db.AddMember(m); err != nil {
		return nil, err
	}
	log.Info().
		Str("group_id", groupID).
		Str("instance_id", req.InstanceID).
		Msg("instance added to strategy group")
	return m, nil
}

func (s *Service) RemoveMember(groupID, instanceID string) error {
	return s.db.RemoveMember(groupID, instanceID)
}

// GinHandlers contains HTTP handlers for strategy endpoints
type GinHandlers struct {
	service *Service
}

func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{service: service}
}

func (h *GinHandlers) ListInstancesHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		out, err := h.service.ListInstances(c.Query("account_id"), InstanceStatus(c.Query("status")))
		response.Handle(c, out, err)
	}
}

func (h *GinHandlers) CreateInstanceHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req InstanceRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		i, err := h.service.CreateInstance(req)
		response.Handle(c, i, err)
	}
}

func (h *GinHandlers) GetInstanceHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		i, err := h.service.GetInstance(c.Param("id"))
		response.Handle(c, i, err)
	}
}

func (h *GinHandlers) SetStatusHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			Status InstanceStatus `json:"status" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		i, err := h.service.SetStatus(c.Param("id"), req.Status)
		response.Handle(c, i, err)
	}
}

func (h *GinHandlers) HeartbeatHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		i, err := h.service.Heartbeat(c.Param("id"))
		response.Handle(c, i, err)
	}
}

func (h *GinHandlers) ListGroupsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		out, err := h.service.ListGroups(c.Query("account_id"))
		response.Handle(c, out, err)
	}
}

func (h *GinHandlers) CreateGroupHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req GroupRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		g, err := h.service.CreateGroup(req)
		response.Handle(c, g, err)
	}
}

func (h *GinHandlers) GetGroupHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		g, err := h.service.GroupDetail(c.Param("id"))
		response.Handle(c, g, err)
	}
}

func (h *GinHandlers) UpdateGroupHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req GroupRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		g, err := h.service.UpdateGroup(c.Param("id"), req)
		response.Handle(c, g, err)
	}
}

func (h *GinHandlers) AddMemberHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req MemberRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		m, err := h.service.AddMember(c.Param("id"), req)
		response.Handle(c, m, err)
	}
}

func (h *GinHandlers) RemoveMemberHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := h.service.RemoveMember(c.Param("id"), c.Param("instanceId")); err != nil {
			response.Handle(c, nil, err)
			return
		}
		response.Message(c, "member removed")
	}
}
