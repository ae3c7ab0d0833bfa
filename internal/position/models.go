package position

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/ksred/polar-ops/internal/types"
)

// Position is the net holding of one account in one contract, tracked per
// side. Sizes are lots and never negative; an average price is zero while
// its side is flat.
type Position struct {
	ID        uint   `gorm:"primaryKey" json:"id"`
	AccountID string `gorm:"type:varchar(64);uniqueIndex:idx_position_key" json:"account_id"`
	Symbol    string `gorm:"type:varchar(32);uniqueIndex:idx_position_key;index" json:"symbol"`

	LongPosition  int64               `json:"long_position"`
	LongAvgPrice  decimal.Decimal     `gorm:"type:numeric(20,4)" json:"long_avg_price"`
	LongProfit    decimal.Decimal     `gorm:"type:numeric(20,4)" json:"long_profit"`
	LongEpoch     int64               `json:"long_epoch"`
	IsLongLocked  bool                `json:"is_long_locked"`
	LongLockPrice decimal.NullDecimal `gorm:"type:numeric(20,4)" json:"long_lock_price"`

	ShortPosition  int64               `json:"short_position"`
	ShortAvgPrice  decimal.Decimal     `gorm:"type:numeric(20,4)" json:"short_avg_price"`
	ShortProfit    decimal.Decimal     `gorm:"type:numeric(20,4)" json:"short_profit"`
	ShortEpoch     int64               `json:"short_epoch"`
	IsShortLocked  bool                `json:"is_short_locked"`
	ShortLockPrice decimal.NullDecimal `gorm:"type:numeric(20,4)" json:"short_lock_price"`

	LastPrice decimal.Decimal `gorm:"type:numeric(20,4)" json:"last_price"`
	PrevPrice decimal.Decimal `gorm:"type:numeric(20,4)" json:"prev_price"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Size returns the open lots on side d.
func (p *Position) Size(d types.Direction) int64 {
	if d == types.DirectionLong {
		return p.LongPosition
	}
	return p.ShortPosition
}

func (p *Position) AvgPrice(d types.Direction) decimal.Decimal {
	if d == types.DirectionLong {
		return p.LongAvgPrice
	}
	return p.ShortAvgPrice
}

func (p *Position) Profit(d types.Direction) decimal.Decimal {
	if d == types.DirectionLong {
		return p.LongProfit
	}
	return p.ShortProfit
}

// Epoch counts how many times side d has been opened from flat. Triggers
// are deduplicated per epoch.
func (p *Position) Epoch(d types.Direction) int64 {
	if d == types.DirectionLong {
		return p.LongEpoch
	}
	return p.ShortEpoch
}

func (p *Position) Locked(d types.Direction) bool {
	if d == types.DirectionLong {
		return p.IsLongLocked
	}
	return p.IsShortLocked
}

// UnrealizedProfit marks side d to price: (price-avg)*size*multiplier for
// long, (avg-price)*size*multiplier for short.
func (p *Position) UnrealizedProfit(d types.Direction, price, multiplier decimal.Decimal) decimal.Decimal {
	size := p.Size(d)
	if size == 0 || price.IsZero() {
		return decimal.Zero
	}
	diff := price.Sub(p.AvgPrice(d))
	if d == types.DirectionShort {
		diff = diff.Neg()
	}
	return diff.Mul(decimal.NewFromInt(size)).Mul(multiplier)
}

func (p *Position) recompute(multiplier decimal.Decimal) {
	p.LongProfit = p.UnrealizedProfit(types.DirectionLong, p.LastPrice, multiplier)
	p.ShortProfit = p.UnrealizedProfit(types.DirectionShort, p.LastPrice, multiplier)
}

func (p *Position) open(d types.Direction, volume int64, price decimal.Decimal) {
	size := p.Size(d)
	avg := p.AvgPrice(d)
	newSize := size + volume
	newAvg := avg.Mul(decimal.NewFromInt(size)).
		Add(price.Mul(decimal.NewFromInt(volume))).
		Div(decimal.NewFromInt(newSize))

	if d == types.DirectionLong {
		if size == 0 {
			p.LongEpoch++
		}
		p.LongPosition = newSize
		p.LongAvgPrice = newAvg
		return
	}
	if size == 0 {
		p.ShortEpoch++
	}
	p.ShortPosition = newSize
	p.ShortAvgPrice = newAvg
}

// close reduces side d by at most its size and returns the lots removed.
func (p *Position) close(d types.Direction, volume int64) int64 {
	size := p.Size(d)
	if volume > size {
		volume = size
	}
	remaining := size - volume

	if d == types.DirectionLong {
		p.LongPosition = remaining
		if remaining == 0 {
			p.LongAvgPrice = decimal.Zero
			p.IsLongLocked = false
			p.LongLockPrice = decimal.NullDecimal{}
		}
		return volume
	}
	p.ShortPosition = remaining
	if remaining == 0 {
		p.ShortAvgPrice = decimal.Zero
		p.IsShortLocked = false
		p.ShortLockPrice = decimal.NullDecimal{}
	}
	return volume
}

// Trade is one fill in the ledger. OrderID makes ApplyFill idempotent.
type Trade struct {
	gorm.Model `json:"-"`
	OrderID    string          `gorm:"type:varchar(128);uniqueIndex" json:"order_id"`
	InstanceID string          `gorm:"type:varchar(64);index" json:"instance_id,omitempty"`
	AccountID  string          `gorm:"type:varchar(64);index:idx_trade_key" json:"account_id"`
	Symbol     string          `gorm:"type:varchar(32);index:idx_trade_key" json:"symbol"`
	Side       types.Side      `gorm:"type:varchar(8)" json:"direction"`
	Offset     types.Offset    `gorm:"type:varchar(8)" json:"offset"`
	Volume     int64           `json:"volume"`
	Price      decimal.Decimal `gorm:"type:numeric(20,4)" json:"price"`
	Commission decimal.Decimal `gorm:"type:numeric(20,4)" json:"commission"`
	Source     string          `gorm:"type:varchar(32)" json:"source"`
	TradeTime  time.Time       `json:"trade_time"`
}

// Fill is an execution reported by the gateway or pushed by the broker
// bridge.
type Fill struct {
	OrderID    string          `json:"order_id" binding:"required"`
	InstanceID string          `json:"instance_id"`
	AccountID  string          `json:"account_id" binding:"required"`
	Symbol     string          `json:"symbol" binding:"required"`
	Side       types.Side      `json:"direction" binding:"required"`
	Offset     types.Offset    `json:"offset" binding:"required"`
	Volume     int64           `json:"volume" binding:"required"`
	Price      decimal.Decimal `json:"price"`
	Commission decimal.Decimal `json:"commission"`
	Source     string          `json:"source"`
	TradeTime  time.Time       `json:"trade_time"`
}

func (f Fill) Validate() error {
	switch {
	case f.OrderID == "":
		return types.NewValidationError("order_id", "is required")
	case f.AccountID == "" || f.Symbol == "":
		return types.NewValidationError("symbol", "account_id and symbol are required")
	case !f.Side.Valid():
		return types.NewValidationError("direction", "must be buy or sell, got %q", f.Side)
	case !f.Offset.Valid():
		return types.NewValidationError("offset", "must be open or close, got %q", f.Offset)
	case f.Volume <= 0:
		return types.NewValidationError("volume", "must be positive")
	case !f.Price.IsPositive():
		return types.NewValidationError("price", "must be positive")
	case f.Commission.IsNegative():
		return types.NewValidationError("commission", "must not be negative")
	}
	return nil
}

// Update is the payload of a PositionUpdated event.
type Update struct {
	AccountID string          `json:"account_id"`
	Symbol    string          `json:"symbol"`
	Cause     string          `json:"cause"` // fill, price, lock
	PrevPrice decimal.Decimal `json:"prev_price"`
	Price     decimal.Decimal `json:"price"`
	Position  Position        `json:"position"`
	At        time.Time       `json:"at"`
}

// Holding is the open exposure one strategy instance built through its own
// fills.
type Holding struct {
	InstanceID string          `json:"instance_id"`
	AccountID  string          `json:"account_id"`
	Symbol     string          `json:"symbol"`
	Direction  types.Direction `json:"direction"`
	Volume     int64           `json:"volume"`
	AvgPrice   decimal.Decimal `json:"avg_price"`
	MarkPrice  decimal.Decimal `json:"mark_price"`
}
