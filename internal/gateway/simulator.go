package gateway

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/ksred/polar-ops/internal/config"
	"github.com/ksred/polar-ops/internal/types"
)

// SimulatedOrder is the simulator's ledger row, keyed by client order id.
type SimulatedOrder struct {
	ClientOrderID string          `gorm:"primaryKey;type:varchar(128)" json:"client_order_id"`
	OrderID       string          `gorm:"type:varchar(64);uniqueIndex" json:"order_id"`
	AccountID     string          `gorm:"type:varchar(64)" json:"account_id"`
	Symbol        string          `gorm:"type:varchar(32)" json:"symbol"`
	Side          types.Side      `gorm:"type:varchar(8)" json:"side"`
	Offset        types.Offset    `gorm:"type:varchar(8)" json:"offset"`
	Volume        int64           `json:"volume"`
	Status        OrderStatus     `gorm:"type:varchar(16)" json:"status"`
	FilledVolume  int64           `json:"filled_volume"`
	AvgPrice      decimal.Decimal `gorm:"type:numeric(20,4)" json:"avg_price"`
	Commission    decimal.Decimal `gorm:"type:numeric(20,4)" json:"commission"`
	Reason        string          `json:"reason"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

func (o *SimulatedOrder) report() *Report {
	return &Report{
		OrderID:       o.OrderID,
		ClientOrderID: o.ClientOrderID,
		Status:        o.Status,
		FilledVolume:  o.FilledVolume,
		AvgPrice:      o.AvgPrice,
		Commission:    o.Commission,
		Reason:        o.Reason,
		UpdatedAt:     o.UpdatedAt,
	}
}

// priceVariance is the largest relative slippage applied to a fill.
const priceVariance = 0.001

// Simulator is a mock futures venue. It fills orders after a random
// latency, fails a share of them, and partially fills when liquidity runs
// short. Orders are idempotent by client order id.
type Simulator struct {
	db  *gorm.DB
	cfg config.SimulatorConfig

	mu  sync.Mutex
	rnd *rand.Rand
}

func NewSimulator(db *gorm.DB, cfg config.SimulatorConfig) *Simulator {
	return &Simulator{
		db:  db,
		cfg: cfg,
		rnd: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (s *Simulator) float() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rnd.Float64()
}

func (s *Simulator) latency() time.Duration {
	if s.cfg.MaxLatency <= s.cfg.MinLatency {
		return s.cfg.MinLatency
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.MinLatency + time.Duration(s.rnd.Int63n(int64(s.cfg.MaxLatency-s.cfg.MinLatency)))
}

func (s *Simulator) SubmitOrder(ctx context.Context, o Order) (*Report, error) {
	logger := log.With().
		Str("component", "gateway_simulator").
		Str("client_order_id", o.ClientOrderID).
		Str("symbol", o.Symbol).
		Str("side", string(o.Side)).
		Str("offset", string(o.Offset)).
		Int64("volume", o.Volume).
		Logger()

	if o.ClientOrderID == "" {
		return nil, Rejected("submit", errors.New("client order id is required"))
	}
	if existing, err := s.find(ctx, o.ClientOrderID); err == nil {
		logger.Debug().Msg("duplicate client order id, returning recorded result")
		if existing.Status == StatusRejected {
			return existing.report(), Rejected("submit", errors.New(existing.Reason))
		}
		return existing.report(), nil
	} else if !errors.Is(err, ErrOrderNotFound) {
		return nil, Transient("submit", err)
	}

	if o.Volume <= 0 || !o.Price.IsPositive() {
		return s.record(ctx, o, StatusRejected, 0, decimal.Zero, "invalid volume or price")
	}

	delay := s.latency()
	logger.Debug().Dur("latency", delay).Msg("simulated network latency")
	select {
	case <-time.After(delay):
	case <-ctx.Done():
		return nil, Transient("submit", ctx.Err())
	}

	if s.float() > s.cfg.SuccessRate {
		logger.Warn().Float64("success_rate", s.cfg.SuccessRate).Msg("simulated venue failure")
		return nil, Transient("submit", fmt.Errorf("venue unavailable for %s", o.Symbol))
	}

	filled := o.Volume
	if s.float() > s.cfg.LiquidityFactor {
		filled = int64(float64(o.Volume) * s.cfg.LiquidityFactor)
		logger.Debug().
			Float64("liquidity_factor", s.cfg.LiquidityFactor).
			Int64("filled", filled).
			Msg("volume reduced by liquidity")
	}
	if filled == 0 {
		// Nothing traded and nothing is recorded, so the order can be
		// placed again.
		logger.Warn().Msg("no liquidity for any lot")
		return nil, Transient("submit", fmt.Errorf("insufficient liquidity for %s", o.Symbol))
	}

	variance := decimal.NewFromFloat(1 + (s.float()*2-1)*priceVariance)
	price := o.Price.Mul(variance).Round(2)

	status := StatusFilled
	if filled < o.Volume {
		status = StatusPartial
	}
	rep, err := s.record(ctx, o, status, filled, price, "")
	if err != nil {
		return nil, err
	}
	logger.Info().
		Str("order_id", rep.OrderID).
		Int64("filled", rep.FilledVolume).
		Str("price", rep.AvgPrice.String()).
		Str("commission", rep.Commission.String()).
		Msg("order executed")
	return rep, nil
}

func (s *Simulator) record(ctx context.Context, o Order, status OrderStatus, filled int64, price decimal.Decimal, reason string) (*Report, error) {
	row := &SimulatedOrder{
		ClientOrderID: o.ClientOrderID,
		OrderID:       fmt.Sprintf("SIM-%s", types.NewID("")),
		AccountID:     o.AccountID,
		Symbol:        o.Symbol,
		Side:          o.Side,
		Offset:        o.Offset,
		Volume:        o.Volume,
		Status:        status,
		FilledVolume:  filled,
		AvgPrice:      price,
		Commission:    decimal.NewFromFloat(s.cfg.CommissionPerLot).Mul(decimal.NewFromInt(filled)),
		Reason:        reason,
	}
	if err := s.db.WithContext(ctx).Create(row).Error; err != nil {
		return nil, Transient("submit", err)
	}
	if status == StatusRejected {
		return row.report(), Rejected("submit", errors.New(reason))
	}
	return row.report(), nil
}

func (s *Simulator) find(ctx context.Context, clientOrderID string) (*SimulatedOrder, error) {
	var row SimulatedOrder
	err := s.db.WithContext(ctx).Where("client_order_id = ?", clientOrderID).First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrOrderNotFound
		}
		return nil, err
	}
	return &row, nil
}

func (s *Simulator) QueryOrder(ctx context.Context, clientOrderID string) (*Report, error) {
	row, err := s.find(ctx, clientOrderID)
	if err != nil {
		if errors.Is(err, ErrOrderNotFound) {
			return nil, err
		}
		return nil, Transient("query", err)
	}
	return row.report(), nil
}
