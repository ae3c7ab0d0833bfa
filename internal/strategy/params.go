package strategy

import (
	"fmt"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/ksred/polar-ops/internal/types"
	"github.com/ksred/polar-ops/pkg/response"
)

type ParamDefinitionRequest struct {
	ParamKey     string              `json:"param_key" binding:"required"`
	ParamType    ParamType           `json:"param_type" binding:"required"`
	DefaultValue string              `json:"default_value"`
	MinValue     decimal.NullDecimal `json:"min_value"`
	MaxValue     decimal.NullDecimal `json:"max_value"`
	Description  string              `json:"description"`
}

// normalize checks raw against the definition and returns its canonical
// form.
func (def *ParamDefinition) normalize(raw string) (string, error) {
	var n decimal.Decimal
	switch def.ParamType {
	case ParamString:
		return raw, nil
	case ParamBool:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return "", types.NewValidationError(def.ParamKey, "must be a bool, got %q", raw)
		}
		return strconv.FormatBool(b), nil
	case ParamInt:
		i, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return "", types.NewValidationError(def.ParamKey, "must be an int, got %q", raw)
		}
		n = decimal.NewFromInt(i)
		raw = strconv.FormatInt(i, 10)
	case ParamFloat:
		d, err := decimal.NewFromString(raw)
		if err != nil {
			return "", types.NewValidationError(def.ParamKey, "must be a number, got %q", raw)
		}
		n = d
		raw = d.String()
	default:
		return "", types.NewValidationError("param_type", "unknown parameter type %q", def.ParamType)
	}
	if def.MinValue.Valid && n.LessThan(def.MinValue.Decimal) {
		return "", types.NewValidationError(def.ParamKey, "must be >= %s, got %s", def.MinValue.Decimal, raw)
	}
	if def.MaxValue.Valid && n.GreaterThan(def.MaxValue.Decimal) {
		return "", types.NewValidationError(def.ParamKey, "must be <= %s, got %s", def.MaxValue.Decimal, raw)
	}
	return raw, nil
}

// DefineParam declares or redefines a parameter of a strategy.
func (s *Service) DefineParam(strategyID string, req ParamDefinitionRequest) (*ParamDefinition, error) {
	if !req.ParamType.Valid() {
		return nil, types.NewValidationError("param_type", "must be int, float, bool or string, got %q", req.ParamType)
	}
	if req.MinValue.Valid && req.MaxValue.Valid && req.MinValue.Decimal.GreaterThan(req.MaxValue.Decimal) {
		return nil, types.NewValidationError("min_value", "must not exceed max_value")
	}
	def := &ParamDefinition{
		StrategyID:   strategyID,
		ParamKey:     req.ParamKey,
		ParamType:    req.ParamType,
		DefaultValue: req.DefaultValue,
		MinValue:     req.MinValue,
		MaxValue:     req.MaxValue,
		Description:  req.Description,
	}
	if req.ParamType == ParamBool || req.ParamType == ParamString {
		def.MinValue, def.MaxValue = decimal.NullDecimal{}, decimal.NullDecimal{}
	}
	v, err := def.normalize(req.DefaultValue)
	if err != nil {
		return nil, err
	}
	def.DefaultValue = v
	if err := s.db.SaveParamDefinition(def); err != nil {
		return nil, err
	}
	return s.db.GetParamDefinition(strategyID, req.ParamKey)
}

func (s *Service) ParamDefinitions(strategyID string) ([]ParamDefinition, error) {
	return s.db.ParamDefinitions(strategyID)
}

// GetParams returns the instance's effective parameters: strategy defaults
// overlaid with the active version of each key it has set.
func (s *Service) GetParams(instanceID string) (map[string]string, error) {
	inst, err := s.db.GetInstance(instanceID)
	if err != nil {
		return nil, err
	}
	defs, err := s.db.ParamDefinitions(inst.StrategyID)
	if err != nil {
		return nil, err
	}
	active, err := s.db.ActiveParams(instanceID)
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(defs))
	for _, d := range defs {
		out[d.ParamKey] = d.DefaultValue
	}
	for _, v := range active {
		out[v.ParamKey] = v.Value
	}
	return out, nil
}

type SetParamRequest struct {
	Value        string `json:"value"`
	ChangedBy    string `json:"changed_by"`
	ChangeReason string `json:"change_reason"`
}

// SetParam validates the value against the strategy's definition and makes
// it the key's new active version. Setting the current value again is a
// no-op.
func (s *Service) SetParam(instanceID, key string, req SetParamRequest) (*ParamVersion, error) {
	inst, err := s.db.GetInstance(instanceID)
	if err != nil {
		return nil, err
	}
	def, err := s.db.GetParamDefinition(inst.StrategyID, key)
	if err != nil {
		return nil, err
	}
	value, err := def.normalize(req.Value)
	if err != nil {
		return nil, err
	}
	v, err := s.db.PushParamVersion(&ParamVersion{
		InstanceID:   instanceID,
		ParamKey:     key,
		Value:        value,
		ChangedBy:    req.ChangedBy,
		ChangeReason: req.ChangeReason,
	})
	if err != nil {
		return nil, err
	}
	log.Info().
		Str("instance_id", instanceID).
		Str("param", key).
		Str("value", v.Value).
		Int("version", v.Version).
		Str("changed_by", v.ChangedBy).
		Msg("strategy parameter set")
	return v, nil
}

func (s *Service) ParamHistory(instanceID, key string) ([]ParamVersion, error) {
	if _, err := s.db.GetInstance(instanceID); err != nil {
		return nil, err
	}
	return s.db.ParamHistory(instanceID, key)
}

// RollbackParam restores the value the key held before its active version.
// The restore is recorded as a new version.
func (s *Service) RollbackParam(instanceID, key, changedBy string) (*ParamVersion, error) {
	history, err := s.ParamHistory(instanceID, key)
	if err != nil {
		return nil, err
	}
	var active *ParamVersion
	for i := range history {
		if history[i].IsActive {
			active = &history[i]
			break
		}
	}
	if active == nil {
		return nil, fmt.Errorf("parameter %s of %s: %w", key, instanceID, types.ErrNotFound)
	}
	for i := range history {
		prev := history[i]
		if prev.Version >= active.Version {
			continue
		}
		return s.SetParam(instanceID, key, SetParamRequest{
			Value:        prev.Value,
			ChangedBy:    changedBy,
			ChangeReason: fmt.Sprintf("rollback to version %d", prev.Version),
		})
	}
	return nil, fmt.Errorf("earlier version of %s on %s: %w", key, instanceID, types.ErrNotFound)
}

func (h *GinHandlers) DefineParamHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req ParamDefinitionRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		def, err := h.service.DefineParam(c.Param("strategyId"), req)
		response.Handle(c, def, err)
	}
}

func (h *GinHandlers) ListParamDefinitionsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		out, err := h.service.ParamDefinitions(c.Param("strategyId"))
		response.Handle(c, out, err)
	}
}

func (h *GinHandlers) GetParamsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		out, err := h.service.GetParams(c.Param("id"))
		response.Handle(c, out, err)
	}
}

func (h *GinHandlers) SetParamHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req SetParamRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		v, err := h.service.SetParam(c.Param("id"), c.Param("key"), req)
		response.Handle(c, v, err)
	}
}

func (h *GinHandlers) ParamHistoryHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		out, err := h.service.ParamHistory(c.Param("id"), c.Param("key"))
		response.Handle(c, out, err)
	}
}

func (h *GinHandlers) RollbackParamHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			ChangedBy string `json:"changed_by"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		v, err := h.service.RollbackParam(c.Param("id"), c.Param("key"), req.ChangedBy)
		response.Handle(c, v, err)
	}
}
