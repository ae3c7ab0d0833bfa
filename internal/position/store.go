// Package position owns account positions and the fill ledger. Every
// change to a position goes through ApplyFill, UpdatePrice or MarkLocked.
package position

import (
	"context"
	"errors"
	"hash/fnv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/ksred/polar-ops/internal/event"
	"github.com/ksred/polar-ops/internal/types"
)

// Multipliers resolves the contract size used for profit figures.
type Multipliers interface {
	Multiplier(symbol string) decimal.Decimal
}

const stripes = 64

type Store struct {
	db    *Database
	specs Multipliers
	bus   *event.Bus

	locks [stripes]sync.Mutex
}

func NewStore(gormDB *gorm.DB, specs Multipliers, bus *event.Bus) *Store {
	return &Store{
		db:    NewDatabase(gormDB),
		specs: specs,
		bus:   bus,
	}
}

func (s *Store) stripe(accountID, symbol string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(accountID))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(symbol))
	return &s.locks[h.Sum32()%stripes]
}

// GetPosition returns the position for the key, or a flat position when
// the account never traded the symbol.
func (s *Store) GetPosition(_ context.Context, accountID, symbol string) (*Position, error) {
	p, err := s.db.GetPosition(accountID, symbol)
	if errors.Is(err, types.ErrNotFound) {
		return &Position{AccountID: accountID, Symbol: symbol}, nil
	}
	return p, err
}

func (s *Store) ListPositions(_ context.Context, accountID string) ([]Position, error) {
	return s.db.ListByAccount(accountID)
}

func (s *Store) OpenPositions(_ context.Context) ([]Position, error) {
	return s.db.ListOpen()
}

func (s *Store) ListTrades(_ context.Context, accountID, symbol string, limit int) ([]Trade, error) {
	return s.db.ListTrades(accountID, symbol, limit)
}

// ApplyFill books f against its position. A fill whose order id is already
// in the ledger leaves the position untouched. Closing more lots than are
// open clamps the side at zero.
func (s *Store) ApplyFill(ctx context.Context, f Fill) (*Position, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	if f.TradeTime.IsZero() {
		f.TradeTime = time.Now()
	}
	logger := log.With().
		Str("component", "position_store").
		Str("account_id", f.AccountID).
		Str("symbol", f.Symbol).
		Str("order_id", f.OrderID).
		Logger()

	// Resolved outside the transaction: a catalog lookup needs its own
	// connection and the sqlite pool holds one.
	multiplier := s.specs.Multiplier(f.Symbol)

	mu := s.stripe(f.AccountID, f.Symbol)
	mu.Lock()
	defer mu.Unlock()

	var (
		result    Position
		duplicate bool
	)
	err := s.db.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&Trade{}).Where("order_id = ?", f.OrderID).Count(&count).Error; err != nil {
			return err
		}

		p, err := getPosition(tx, f.AccountID, f.Symbol)
		if errors.Is(err, types.ErrNotFound) {
			p = &Position{AccountID: f.AccountID, Symbol: f.Symbol}
		} else if err != nil {
			return err
		}
		if count > 0 {
			duplicate = true
			result = *p
			return nil
		}

		dir := types.AffectedDirection(f.Side, f.Offset)
		if f.Offset == types.OffsetOpen {
			p.open(dir, f.Volume, f.Price)
		} else if closed := p.close(dir, f.Volume); closed < f.Volume {
			logger.Warn().
				Int64("requested", f.Volume).
				Int64("closed", closed).
				Msg("close exceeds open position, clamped")
		}
		if p.LastPrice.IsZero() {
			p.LastPrice = f.Price
		}
		p.recompute(multiplier)

		if err := tx.Save(p).Error; err != nil {
			return err
		}
		trade := &Trade{
			OrderID:    f.OrderID,
			InstanceID: f.InstanceID,
			AccountID:  f.AccountID,
			Symbol:     f.Symbol,
			Side:       f.Side,
			Offset:     f.Offset,
			Volume:     f.Volume,
			Price:      f.Price,
			Commission: f.Commission,
			Source:     f.Source,
			TradeTime:  f.TradeTime,
		}
		if err := tx.Create(trade).Error; err != nil {
			return err
		}
		result = *p
		return nil
	})
	if err != nil {
		return nil, err
	}
	if duplicate {
		logger.Debug().Msg("fill already applied")
		return &result, nil
	}

	logger.Info().
		Str("side", string(f.Side)).
		Str("offset", string(f.Offset)).
		Int64("volume", f.Volume).
		Str("price", f.Price.String()).
		Int64("long", result.LongPosition).
		Int64("short", result.ShortPosition).
		Msg("fill applied")
	s.publish("fill", result.PrevPrice, result)
	return &result, nil
}

// UpdatePrice marks the position to price, keeping the previous mark so
// price-crossing rules can see both.
func (s *Store) UpdatePrice(ctx context.Context, accountID, symbol string, price decimal.Decimal) (*Position, error) {
	if !price.IsPositive() {
		return nil, types.NewValidationError("price", "must be positive")
	}
	multiplier := s.specs.Multiplier(symbol)
	mu := s.stripe(accountID, symbol)
	mu.Lock()
	defer mu.Unlock()

	var result Position
	err := s.db.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		p, err := getPosition(tx, accountID, symbol)
		if err != nil {
			return err
		}
		p.PrevPrice = p.LastPrice
		p.LastPrice = price
		p.recompute(multiplier)
		if err := tx.Save(p).Error; err != nil {
			return err
		}
		result = *p
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.publish("price", result.PrevPrice, result)
	return &result, nil
}

// ApplyTick marks every position in symbol to price and returns how many
// were updated.
func (s *Store) ApplyTick(ctx context.Context, symbol string, price decimal.Decimal) (int, error) {
	positions, err := s.db.ListBySymbol(symbol)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, p := range positions {
		if _, err := s.UpdatePrice(ctx, p.AccountID, symbol, price); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// MarkLocked flags side d as hedged at price.
func (s *Store) MarkLocked(ctx context.Context, accountID, symbol string, d types.Direction, price decimal.Decimal) error {
	mu := s.stripe(accountID, symbol)
	mu.Lock()
	defer mu.Unlock()

	var result Position
	err := s.db.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		p, err := getPosition(tx, accountID, symbol)
		if err != nil {
			return err
		}
		lockPrice := decimal.NewNullDecimal(price)
		if d == types.DirectionLong {
			p.IsLongLocked = true
			p.LongLockPrice = lockPrice
		} else {
			p.IsShortLocked = true
			p.ShortLockPrice = lockPrice
		}
		if err := tx.Save(p).Error; err != nil {
			return err
		}
		result = *p
		return nil
	})
	if err != nil {
		return err
	}
	s.publish("lock", result.PrevPrice, result)
	return nil
}

func (s *Store) publish(cause string, prev decimal.Decimal, p Position) {
	s.bus.Publish(&event.Event{
		Type: event.PositionUpdated,
		Data: Update{
			AccountID: p.AccountID,
			Symbol:    p.Symbol,
			Cause:     cause,
			PrevPrice: prev,
			Price:     p.LastPrice,
			Position:  p,
			At:        time.Now(),
		},
	})
}

type holdingKey struct {
	instance  string
	account   string
	symbol    string
	direction types.Direction
}

// InstanceHoldings rebuilds each instance's open lots from the fills it
// booked. Mark price comes from the account position, falling back to the
// holding's average cost.
func (s *Store) InstanceHoldings(_ context.Context, instanceIDs []string) ([]Holding, error) {
	trades, err := s.db.TradesByInstances(instanceIDs)
	if err != nil {
		return nil, err
	}
	return s.holdings(trades), nil
}

// SymbolHoldings is InstanceHoldings for every instance that booked fills
// on the account's symbol.
func (s *Store) SymbolHoldings(_ context.Context, accountID, symbol string) ([]Holding, error) {
	trades, err := s.db.AttributedTrades(accountID, symbol)
	if err != nil {
		return nil, err
	}
	return s.holdings(trades), nil
}

func (s *Store) holdings(trades []Trade) []Holding {
	agg := make(map[holdingKey]*Holding)
	var order []holdingKey
	for _, t := range trades {
		key := holdingKey{t.InstanceID, t.AccountID, t.Symbol, types.AffectedDirection(t.Side, t.Offset)}
		h, ok := agg[key]
		if !ok {
			h = &Holding{InstanceID: t.InstanceID, AccountID: t.AccountID, Symbol: t.Symbol, Direction: key.direction}
			agg[key] = h
			order = append(order, key)
		}
		if t.Offset == types.OffsetOpen {
			total := h.AvgPrice.Mul(decimal.NewFromInt(h.Volume)).Add(t.Price.Mul(decimal.NewFromInt(t.Volume)))
			h.Volume += t.Volume
			h.AvgPrice = total.Div(decimal.NewFromInt(h.Volume))
			continue
		}
		h.Volume -= t.Volume
		if h.Volume <= 0 {
			h.Volume = 0
			h.AvgPrice = decimal.Zero
		}
	}

	marks := make(map[string]decimal.Decimal)
	out := make([]Holding, 0, len(order))
	for _, key := range order {
		h := agg[key]
		if h.Volume == 0 {
			continue
		}
		mk := key.account + "|" + key.symbol
		mark, ok := marks[mk]
		if !ok {
			if p, err := s.db.GetPosition(key.account, key.symbol); err == nil {
				mark = p.LastPrice
			}
			marks[mk] = mark
		}
		h.MarkPrice = mark
		if !h.MarkPrice.IsPositive() {
			h.MarkPrice = h.AvgPrice
		}
		out = append(out, *h)
	}
	return out
}
