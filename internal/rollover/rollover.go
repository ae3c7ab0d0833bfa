// Package rollover moves positions from one contract month to the next as
// persisted, resumable close/open tasks.
package rollover

import (
	"context"
	"errors"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/ksred/polar-ops/internal/contract"
	"github.com/ksred/polar-ops/internal/types"
	"github.com/ksred/polar-ops/pkg/response"
)

var (
	DefaultThreshold        = decimal.NewFromFloat(0.7)
	DefaultDaysBeforeExpiry = 7
)

// ContractLookup resolves a symbol to its variety.
type ContractLookup interface {
	Get(symbol string) (*contract.Contract, error)
}

type Service struct {
	db          *Database
	coordinator *Coordinator
	positions   PositionReader
	contracts   ContractLookup
}

func NewService(db *Database, coordinator *Coordinator, positions PositionReader, contracts ContractLookup) *Service {
	return &Service{db: db, coordinator: coordinator, positions: positions, contracts: contracts}
}

// ConfigRequest is the body of create and update calls. Nil fields keep
// their current value on update.
type ConfigRequest struct {
	AccountID           string           `json:"account_id"`
	Exchange            string           `json:"exchange"`
	VarietyCode         string           `json:"variety_code"`
	RolloverThreshold   *decimal.Decimal `json:"rollover_threshold"`
	DaysBeforeExpiry    *int             `json:"days_before_expiry"`
	RolloverRatio       *decimal.Decimal `json:"rollover_ratio"`
	TriggerOnMainSwitch *bool            `json:"trigger_on_main_switch"`
	AutoExecute         *bool            `json:"auto_execute"`
	IsEnabled           *bool            `json:"is_enabled"`
}

func (r ConfigRequest) apply(c *Config) {
	if r.AccountID != "" {
		c.AccountID = r.AccountID
	}
	if r.Exchange != "" {
		c.Exchange = r.Exchange
	}
	if r.VarietyCode != "" {
		c.VarietyCode = r.VarietyCode
	}
	if r.RolloverThreshold != nil {
		c.RolloverThreshold = *r.RolloverThreshold
	}
	if r.DaysBeforeExpiry != nil {
		c.DaysBeforeExpiry = *r.DaysBeforeExpiry
	}
	if r.RolloverRatio != nil {
		c.RolloverRatio = *r.RolloverRatio
	}
	if r.TriggerOnMainSwitch != nil {
		c.TriggerOnMainSwitch = *r.TriggerOnMainSwitch
	}
	if r.AutoExecute != nil {
		c.AutoExecute = *r.AutoExecute
	}
	if r.IsEnabled != nil {
		c.IsEnabled = *r.IsEnabled
	}
}

func (s *Service) CreateConfig(req ConfigRequest) (*Config, error) {
	c := &Config{
		ID:                  types.NewID(types.PrefixRolloverConfig),
		RolloverThreshold:   DefaultThreshold,
		DaysBeforeExpiry:    DefaultDaysBeforeExpiry,
		RolloverRatio:       decimal.NewFromInt(1),
		TriggerOnMainSwitch: true,
		IsEnabled:           true,
	}
	req.apply(c)
	if err := c.Validate(); err != nil {
		return nil, err
	}
	if err := s.db.CreateConfig(c); err != nil {
		return nil, err
	}
	log.Info().
		Str("config_id", c.ID).
		Str("account_id", c.AccountID).
		Str("variety", c.Exchange+"."+c.VarietyCode).
		Msg("rollover config created")
	return c, nil
}

func (s *Service) ListConfigs(f ConfigFilter) ([]Config, error) {
	return s.db.ListConfigs(f)
}

func (s *Service) UpdateConfig(id string, req ConfigRequest) (*Config, error) {
	c, err := s.db.GetConfig(id)
	if err != nil {
		return nil, err
	}
	req.apply(c)
	if err := c.Validate(); err != nil {
		return nil, err
	}
	if err := s.db.SaveConfig(c); err != nil {
		return nil, err
	}
	return c, nil
}

func (s *Service) DeleteConfig(id string) error {
	return s.db.DeleteConfig(id)
}

// TaskRequest creates a manual task. OldPosition defaults to the live size
// of the side on the old contract.
type TaskRequest struct {
	AccountID      string          `json:"account_id" binding:"required"`
	OldSymbol      string          `json:"old_symbol" binding:"required"`
	NewSymbol      string          `json:"new_symbol" binding:"required"`
	Direction      types.Direction `json:"direction" binding:"required"`
	OldPosition    int64           `json:"old_position"`
	TargetPosition int64           `json:"target_position"`
	AutoExecute    bool            `json:"auto_execute"`
	ConfigID       string          `json:"config_id"`
}

func (s *Service) CreateTask(ctx context.Context, req TaskRequest) (*Task, error) {
	if req.OldSymbol == req.NewSymbol {
		return nil, types.NewValidationError("new_symbol", "must differ from old_symbol")
	}
	if !req.Direction.Valid() {
		return nil, types.NewValidationError("direction", "must be long or short, got %q", req.Direction)
	}
	if req.OldPosition == 0 {
		pos, err := s.positions.GetPosition(ctx, req.AccountID, req.OldSymbol)
		if err != nil {
			return nil, err
		}
		req.OldPosition = pos.Size(req.Direction)
	}
	if req.OldPosition <= 0 {
		return nil, types.NewValidationError("old_position", "no %s position on %s", req.Direction, req.OldSymbol)
	}
	if req.TargetPosition == 0 {
		req.TargetPosition = req.OldPosition
	}
	if req.TargetPosition < 1 || req.TargetPosition > req.OldPosition {
		return nil, types.NewValidationError("target_position", "must be between 1 and %d, got %d", req.OldPosition, req.TargetPosition)
	}

	t := &Task{
		ID:              types.NewID(types.PrefixRolloverTask),
		ConfigID:        req.ConfigID,
		AccountID:       req.AccountID,
		OldSymbol:       req.OldSymbol,
		NewSymbol:       req.NewSymbol,
		Direction:       req.Direction,
		TriggerType:     TriggerManual,
		Status:          StatusPending,
		AutoExecute:     req.AutoExecute,
		OldPosition:     req.OldPosition,
		TargetPosition:  req.TargetPosition,
		RemainingVolume: req.TargetPosition,
	}
	if s.contracts != nil {
		c, err := s.contracts.Get(req.OldSymbol)
		switch {
		case err == nil:
			t.Exchange, t.VarietyCode = c.Exchange, c.VarietyCode
		case !errors.Is(err, types.ErrNotFound):
			return nil, err
		}
	}
	if err := s.db.CreateTask(t); err != nil {
		return nil, err
	}
	log.Info().
		Str("task_id", t.ID).
		Str("account_id", t.AccountID).
		Str("old_symbol", t.OldSymbol).
		Str("new_symbol", t.NewSymbol).
		Int64("target_position", t.TargetPosition).
		Msg("manual rollover task created")
	return t, nil
}

func (s *Service) GetTask(id string) (*Task, error) {
	return s.db.GetTask(id)
}

func (s *Service) ListTasks(f TaskFilter) ([]Task, error) {
	return s.db.ListTasks(f)
}

func (s *Service) ExecuteTask(ctx context.Context, id string) (*Task, error) {
	return s.coordinator.Execute(ctx, id)
}

func (s *Service) CancelTask(ctx context.Context, id string) (*Task, error) {
	return s.coordinator.Cancel(ctx, id)
}

func (s *Service) Executions(taskID string) ([]Execution, error) {
	if _, err := s.db.GetTask(taskID); err != nil {
		return nil, err
	}
	return s.db.Executions(taskID)
}

func (s *Service) Statistics(f StatisticsFilter) ([]Statistics, error) {
	return s.db.ListStatistics(f)
}

// GinHandlers contains HTTP handlers for rollover endpoints
type GinHandlers struct {
	service *Service
}

func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{service: service}
}

func (h *GinHandlers) ListConfigsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		configs, err := h.service.ListConfigs(ConfigFilter{
			AccountID:   c.Query("account_id"),
			Exchange:    c.Query("exchange"),
			VarietyCode: c.Query("variety_code"),
		})
		response.Handle(c, configs, err)
	}
}

func (h *GinHandlers) CreateConfigHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req ConfigRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		cfg, err := h.service.CreateConfig(req)
		response.Handle(c, cfg, err)
	}
}

func (h *GinHandlers) UpdateConfigHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req ConfigRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		cfg, err := h.service.UpdateConfig(c.Param("id"), req)
		response.Handle(c, cfg, err)
	}
}

func (h *GinHandlers) DeleteConfigHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := h.service.DeleteConfig(c.Param("id")); err != nil {
			response.Handle(c, nil, err)
			return
		}
		response.Message(c, "rollover config deleted")
	}
}

func (h *GinHandlers) ListTasksHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		limit, _ := strconv.Atoi(c.Query("limit"))
		tasks, err := h.service.ListTasks(TaskFilter{
			AccountID: c.Query("account_id"),
			Status:    TaskStatus(c.Query("status")),
			Limit:     limit,
		})
		response.Handle(c, tasks, err)
	}
}

func (h *GinHandlers) CreateTaskHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req TaskRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		t, err := h.service.CreateTask(c.Request.Context(), req)
		response.Handle(c, t, err)
	}
}

func (h *GinHandlers) GetTaskHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		t, err := h.service.GetTask(c.Param("id"))
		response.Handle(c, t, err)
	}
}

// ExecuteTaskHandler runs the task synchronously. A client that goes away
// leaves the task in progress for the monitor to resume.
func (h *GinHandlers) ExecuteTaskHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		t, err := h.service.ExecuteTask(c.Request.Context(), c.Param("id"))
		response.Handle(c, t, err)
	}
}

func (h *GinHandlers) CancelTaskHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		t, err := h.service.CancelTask(c.Request.Context(), c.Param("id"))
		response.Handle(c, t, err)
	}
}

func (h *GinHandlers) ListExecutionsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		execs, err := h.service.Executions(c.Param("id"))
		response.Handle(c, execs, err)
	}
}

func (h *GinHandlers) StatisticsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		stats, err := h.service.Statistics(StatisticsFilter{
			AccountID: c.Query("account_id"),
			Start:     c.Query("start"),
			End:       c.Query("end"),
		})
		response.Handle(c, stats, err)
	}
}
