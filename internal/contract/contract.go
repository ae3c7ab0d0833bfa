// Package contract keeps the futures contract catalog: multipliers, margin
// ratios, expiry dates and the main contract of each variety.
package contract

import (
	"fmt"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/ksred/polar-ops/internal/types"
	"github.com/ksred/polar-ops/pkg/response"
)

var (
	DefaultMultiplier  = decimal.NewFromInt(10)
	DefaultMarginRatio = decimal.NewFromFloat(0.1)
)

type Service struct {
	db *Database

	mu    sync.RWMutex
	cache map[string]Contract
}

func NewService(gormDB *gorm.DB) *Service {
	return &Service{
		db:    NewDatabase(gormDB),
		cache: make(map[string]Contract),
	}
}

// LoadCatalog upserts every entry of the catalog file at path.
func (s *Service) LoadCatalog(path string) (int, error) {
	logger := log.With().Str("component", "contract_catalog").Str("path", path).Logger()

	cat, err := ReadCatalog(path)
	if err != nil {
		return 0, err
	}
	for _, e := range cat.Contracts {
		c, err := e.ToContract()
		if err != nil {
			return 0, err
		}
		if err := s.Upsert(c); err != nil {
			return 0, fmt.Errorf("upsert %s: %w", c.Symbol, err)
		}
	}
	logger.Info().Int("contracts", len(cat.Contracts)).Msg("contract catalog loaded")
	return len(cat.Contracts), nil
}

func (s *Service) Upsert(c *Contract) error {
	if err := s.db.Upsert(c); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.cache, c.Symbol)
	s.mu.Unlock()
	return nil
}

func (s *Service) Get(symbol string) (*Contract, error) {
	s.mu.RLock()
	c, ok := s.cache[symbol]
	s.mu.RUnlock()
	if ok {
		return &c, nil
	}

	got, err := s.db.GetBySymbol(symbol)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.cache[symbol] = *got
	s.mu.Unlock()
	return got, nil
}

// Multiplier returns the contract size of symbol, or DefaultMultiplier for
// symbols missing from the catalog.
func (s *Service) Multiplier(symbol string) decimal.Decimal {
	c, err := s.Get(symbol)
	if err != nil || !c.Multiplier.IsPositive() {
		return DefaultMultiplier
	}
	return c.Multiplier
}

// MarginRatio returns the margin requirement of symbol, or
// DefaultMarginRatio for unknown symbols.
func (s *Service) MarginRatio(symbol string) decimal.Decimal {
	c, err := s.Get(symbol)
	if err != nil || !c.MarginRatio.IsPositive() {
		return DefaultMarginRatio
	}
	return c.MarginRatio
}

func (s *Service) List(exchange, variety string) ([]Contract, error) {
	return s.db.List(exchange, variety)
}

func (s *Service) MainContract(exchange, variety string) (*Contract, error) {
	return s.db.MainContract(exchange, variety)
}

// Expiring lists active contracts that expire within days of now.
func (s *Service) Expiring(now time.Time, days int) ([]Contract, error) {
	return s.db.ExpiringBefore(now.AddDate(0, 0, days))
}

// SwitchRequest reports a main contract change. RolloverIndex is computed
// from the volume and open interest figures when it is not given.
type SwitchRequest struct {
	Exchange        string           `json:"exchange" binding:"required"`
	VarietyCode     string           `json:"variety_code" binding:"required"`
	OldMainContract string           `json:"old_main_contract" binding:"required"`
	NewMainContract string           `json:"new_main_contract" binding:"required"`
	RolloverIndex   *decimal.Decimal `json:"rollover_index"`
	CurrentVolume   int64            `json:"current_volume"`
	CurrentOI       int64            `json:"current_oi"`
	NextVolume      int64            `json:"next_volume"`
	NextOI          int64            `json:"next_oi"`
	SwitchDate      *time.Time       `json:"switch_date"`
}

func (s *Service) RecordSwitch(req SwitchRequest) (*MainContractSwitch, error) {
	if req.OldMainContract == req.NewMainContract {
		return nil, types.NewValidationError("new_main_contract", "must differ from old_main_contract")
	}
	sw := &MainContractSwitch{
		ID:              types.NewID(types.PrefixSwitch),
		Exchange:        req.Exchange,
		VarietyCode:     req.VarietyCode,
		OldMainContract: req.OldMainContract,
		NewMainContract: req.NewMainContract,
		SwitchDate:      time.Now(),
	}
	if req.SwitchDate != nil {
		sw.SwitchDate = *req.SwitchDate
	}
	if req.RolloverIndex != nil {
		sw.RolloverIndex = *req.RolloverIndex
	} else {
		sw.RolloverIndex = RolloverIndex(req.CurrentVolume, req.CurrentOI, req.NextVolume, req.NextOI)
	}
	if err := s.db.RecordSwitch(sw); err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.cache = make(map[string]Contract)
	s.mu.Unlock()

	log.Info().
		Str("exchange", sw.Exchange).
		Str("variety", sw.VarietyCode).
		Str("old", sw.OldMainContract).
		Str("new", sw.NewMainContract).
		Str("rollover_index", sw.RolloverIndex.String()).
		Msg("main contract switch recorded")
	return sw, nil
}

func (s *Service) UnprocessedSwitches() ([]MainContractSwitch, error) {
	return s.db.UnprocessedSwitches()
}

func (s *Service) MarkSwitchProcessed(id string) error {
	return s.db.MarkSwitchProcessed(id)
}

// RolloverIndex scores how far liquidity has moved to the next contract:
// 0.7 of the open interest ratio plus 0.3 of the volume ratio, rounded to
// three places. It is zero when the current contract has no volume or
// open interest.
func RolloverIndex(curVolume, curOI, nextVolume, nextOI int64) decimal.Decimal {
	if curVolume == 0 || curOI == 0 {
		return decimal.Zero
	}
	oiRatio := decimal.NewFromInt(nextOI).Div(decimal.NewFromInt(curOI))
	volRatio := decimal.NewFromInt(nextVolume).Div(decimal.NewFromInt(curVolume))
	return oiRatio.Mul(decimal.NewFromFloat(0.7)).
		Add(volRatio.Mul(decimal.NewFromFloat(0.3))).
		Round(3)
}

type GinHandlers struct {
	service *Service
}

func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{service: service}
}

func (h *GinHandlers) ListContractsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		contracts, err := h.service.List(c.Query("exchange"), c.Query("variety_code"))
		response.Handle(c, contracts, err)
	}
}

func (h *GinHandlers) RecordSwitchHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req SwitchRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		sw, err := h.service.RecordSwitch(req)
		response.Handle(c, sw, err)
	}
}
