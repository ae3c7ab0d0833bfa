// Package lock watches positions for lock rules and realizes the resulting
// triggers by opening the opposite side of the position.
package lock

import (
	"context"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/ksred/polar-ops/internal/types"
	"github.com/ksred/polar-ops/pkg/response"
)

// DefaultLockRatio applies when a config leaves profit_lock_ratio out.
var DefaultLockRatio = decimal.NewFromFloat(0.8)

// Service handles lock configuration and trigger management
type Service struct {
	db       *Database
	executor *Executor
}

func NewService(db *Database, executor *Executor) *Service {
	return &Service{db: db, executor: executor}
}

// ConfigRequest is the body of create and update calls. Nil fields keep
// their current value on update.
type ConfigRequest struct {
	AccountID           string           `json:"account_id"`
	Symbol              string           `json:"symbol"`
	Direction           types.Direction  `json:"direction"`
	TriggerType         TriggerType      `json:"trigger_type"`
	ProfitLockThreshold *decimal.Decimal `json:"profit_lock_threshold"`
	ProfitLockRatio     *decimal.Decimal `json:"profit_lock_ratio"`
	TriggerPrice        *decimal.Decimal `json:"trigger_price"`
	StopLossPrice       *decimal.Decimal `json:"stop_loss_price"`
	TriggerTime         *time.Time       `json:"trigger_time"`
	AutoExecute         *bool            `json:"auto_execute"`
	IsActive            *bool            `json:"is_active"`
}

func (r ConfigRequest) apply(c *Config) {
	if r.AccountID != "" {
		c.AccountID = r.AccountID
	}
	if r.Symbol != "" {
		c.Symbol = r.Symbol
	}
	if r.Direction != "" {
		c.Direction = r.Direction
	}
	if r.TriggerType != "" {
		c.TriggerType = r.TriggerType
	}
	if r.ProfitLockThreshold != nil {
		c.ProfitLockThreshold = *r.ProfitLockThreshold
	}
	if r.ProfitLockRatio != nil {
		c.ProfitLockRatio = *r.ProfitLockRatio
	}
	if r.TriggerPrice != nil {
		c.TriggerPrice = decimal.NewNullDecimal(*r.TriggerPrice)
	}
	if r.StopLossPrice != nil {
		c.StopLossPrice = decimal.NewNullDecimal(*r.StopLossPrice)
	}
	if r.TriggerTime != nil {
		c.TriggerTime = r.TriggerTime
	}
	if r.AutoExecute != nil {
		c.AutoExecute = *r.AutoExecute
	}
	if r.IsActive != nil {
		c.IsActive = *r.IsActive
	}
}

func (s *Service) CreateConfig(req ConfigRequest) (*Config, error) {
	c := &Config{
		ID:              types.NewID(types.PrefixLockConfig),
		ProfitLockRatio: DefaultLockRatio,
		IsActive:        true,
		Version:         1,
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
		Str("symbol", c.Symbol).
		Str("trigger_type", string(c.TriggerType)).
		Msg("lock config created")
	return c, nil
}

func (s *Service) GetConfig(id string) (*Config, error) {
	return s.db.GetConfig(id)
}

func (s *Service) ListConfigs(f ConfigFilter) ([]Config, error) {
	return s.db.ListConfigs(f)
}

// UpdateConfig edits a config and bumps its version. Triggers that already
// fired are not touched.
func (s *Service) UpdateConfig(id string, req ConfigRequest) (*Config, error) {
	c, err := s.db.GetConfig(id)
	if err != nil {
		return nil, err
	}
	req.apply(c)
	if err := c.Validate(); err != nil {
		return nil, err
	}
	c.Version++
	if err := s.db.SaveConfig(c); err != nil {
		return nil, err
	}
	return c, nil
}

func (s *Service) DeleteConfig(id string) error {
	return s.db.DeleteConfig(id)
}

func (s *Service) ListTriggers(f TriggerFilter) ([]Trigger, error) {
	return s.db.ListTriggers(f)
}

func (s *Service) CancelTrigger(ctx context.Context, id, reason string) (*Trigger, error) {
	if err := s.executor.Cancel(ctx, id, reason); err != nil {
		return nil, err
	}
	return s.db.GetTrigger(id)
}

func (s *Service) ExecuteTrigger(ctx context.Context, id string) (*Execution, error) {
	return s.executor.ConfirmAndExecute(ctx, id)
}

func (s *Service) ListExecutions(accountID string, limit int) ([]Execution, error) {
	return s.db.ListExecutions(accountID, limit)
}

// GinHandlers contains HTTP handlers for lock endpoints
type GinHandlers struct {
	service *Service
}

func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{service: service}
}

func (h *GinHandlers) ListConfigsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		configs, err := h.service.ListConfigs(ConfigFilter{
			AccountID:  c.Query("account_id"),
			Symbol:     c.Query("symbol"),
			ActiveOnly: c.Query("active") == "true",
		})
		response.Handle(c, configs, err)
	}
}

func (h *GinHandlers) GetConfigHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		cfg, err := h.service.GetConfig(c.Param("id"))
		response.Handle(c, cfg, err)
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
		response.Message(c, "lock config deleted")
	}
}

func (h *GinHandlers) ListTriggersHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		limit, _ := strconv.Atoi(c.Query("limit"))
		triggers, err := h.service.ListTriggers(TriggerFilter{
			Status:    TriggerStatus(c.Query("status")),
			AccountID: c.Query("account_id"),
			ConfigID:  c.Query("config_id"),
			Limit:     limit,
		})
		response.Handle(c, triggers, err)
	}
}

func (h *GinHandlers) CancelTriggerHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var body struct {
			Reason string `json:"reason"`
		}
		_ = c.ShouldBindJSON(&body)
		t, err := h.service.CancelTrigger(c.Request.Context(), c.Param("id"), body.Reason)
		response.Handle(c, t, err)
	}
}

// ExecuteTriggerHandler confirms a waiting trigger if needed and executes
// it synchronously.
func (h *GinHandlers) ExecuteTriggerHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		exec, err := h.service.ExecuteTrigger(c.Request.Context(), c.Param("triggerId"))
		response.Handle(c, exec, err)
	}
}

func (h *GinHandlers) ListExecutionsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		limit, _ := strconv.Atoi(c.Query("limit"))
		execs, err := h.service.ListExecutions(c.Query("account_id"), limit)
		response.Handle(c, execs, err)
	}
}
