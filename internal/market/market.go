// Package market carries last-price ticks from the data feed into the
// position store.
package market

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/ksred/polar-ops/internal/types"
	"github.com/ksred/polar-ops/pkg/response"
)

var ErrFeedClosed = errors.New("market feed closed")

type Tick struct {
	Symbol    string          `json:"symbol"`
	LastPrice decimal.Decimal `json:"last_price"`
	Timestamp time.Time       `json:"timestamp"`
}

func (t Tick) Validate() error {
	switch {
	case t.Symbol == "":
		return types.NewValidationError("symbol", "is required")
	case !t.LastPrice.IsPositive():
		return types.NewValidationError("last_price", "must be positive")
	}
	return nil
}

// Feed streams ticks until it is closed.
type Feed interface {
	Ticks() <-chan Tick
}

// ChannelFeed is a Feed fed by Push, used by the HTTP tick endpoint and
// the simulator.
type ChannelFeed struct {
	mu     sync.RWMutex
	ch     chan Tick
	closed bool
}

func NewChannelFeed(buffer int) *ChannelFeed {
	if buffer <= 0 {
		buffer = 1024
	}
	return &ChannelFeed{ch: make(chan Tick, buffer)}
}

func (f *ChannelFeed) Ticks() <-chan Tick {
	return f.ch
}

// Push queues t, waiting for room until ctx is done.
func (f *ChannelFeed) Push(ctx context.Context, t Tick) error {
	if err := t.Validate(); err != nil {
		return err
	}
	if t.Timestamp.IsZero() {
		t.Timestamp = time.Now()
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.closed {
		return ErrFeedClosed
	}
	select {
	case f.ch <- t:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *ChannelFeed) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.ch)
	}
}

// PriceSink marks every position on a symbol to a new price.
type PriceSink interface {
	ApplyTick(ctx context.Context, symbol string, price decimal.Decimal) (int, error)
}

// Pump applies ticks in arrival order, dropping any tick older than the
// last one applied for its symbol.
type Pump struct {
	feed Feed
	sink PriceSink
	last map[string]time.Time
}

func NewPump(feed Feed, sink PriceSink) *Pump {
	return &Pump{feed: feed, sink: sink, last: make(map[string]time.Time)}
}

// Run blocks until ctx is done or the feed closes.
func (p *Pump) Run(ctx context.Context) {
	ticks := p.feed.Ticks()
	for {
		select {
		case <-ctx.Done():
			return
		case t, ok := <-ticks:
			if !ok {
				return
			}
			p.apply(ctx, t)
		}
	}
}

func (p *Pump) apply(ctx context.Context, t Tick) bool {
	if prev, ok := p.last[t.Symbol]; ok && t.Timestamp.Before(prev) {
		log.Debug().Str("component", "market_pump").Str("symbol", t.Symbol).Msg("out of order tick dropped")
		return false
	}
	p.last[t.Symbol] = t.Timestamp
	if _, err := p.sink.ApplyTick(ctx, t.Symbol, t.LastPrice); err != nil {
		log.Error().Err(err).Str("component", "market_pump").Str("symbol", t.Symbol).Msg("apply tick failed")
		return false
	}
	return true
}

// GinHandlers contains HTTP handlers for market data endpoints
type GinHandlers struct {
	feed *ChannelFeed
}

func NewGinHandlers(feed *ChannelFeed) *GinHandlers {
	return &GinHandlers{feed: feed}
}

// PushTicksHandler accepts a batch of ticks.
func (h *GinHandlers) PushTicksHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var ticks []Tick
		if err := c.ShouldBindJSON(&ticks); err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		for _, t := range ticks {
			if err := t.Validate(); err != nil {
				response.Handle(c, nil, err)
				return
			}
		}
		for _, t := range ticks {
			if err := h.feed.Push(c.Request.Context(), t); err != nil {
				response.Handle(c, nil, err)
				return
			}
		}
		response.Handle(c, gin.H{"accepted": len(ticks)}, nil)
	}
}
