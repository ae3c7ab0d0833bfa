// Package gatewaytest provides a scripted gateway for engine tests.
package gatewaytest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ksred/polar-ops/internal/gateway"
)

// Step scripts the outcome of one SubmitOrder call.
type Step struct {
	// FillVolume is the filled lots; zero fills the whole order.
	FillVolume int64
	// Price overrides the order price when non-zero.
	Price      decimal.Decimal
	Commission decimal.Decimal
	// Err is returned without recording the order.
	Err error
	// LoseResponse records the fill but returns a transient error, as if
	// the reply was lost on the wire.
	LoseResponse bool
}

// Scripted replays Steps in order and fills in full once they run out.
// Resubmitting a recorded client order id returns the recorded report.
type Scripted struct {
	mu        sync.Mutex
	steps     []Step
	reports   map[string]*gateway.Report
	Submitted []gateway.Order
	seq       int
}

func New(steps ...Step) *Scripted {
	return &Scripted{steps: steps, reports: make(map[string]*gateway.Report)}
}

// Push appends more steps.
func (s *Scripted) Push(steps ...Step) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.steps = append(s.steps, steps...)
}

func (s *Scripted) SubmitOrder(ctx context.Context, o gateway.Order) (*gateway.Report, error) {
	if err := ctx.Err(); err != nil {
		return nil, gateway.Transient("submit", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.Submitted = append(s.Submitted, o)
	if rep, ok := s.reports[o.ClientOrderID]; ok {
		cp := *rep
		return &cp, nil
	}

	var step Step
	if len(s.steps) > 0 {
		step = s.steps[0]
		s.steps = s.steps[1:]
	}
	if step.Err != nil {
		return nil, step.Err
	}

	filled := o.Volume
	if step.FillVolume > 0 && step.FillVolume < o.Volume {
		filled = step.FillVolume
	}
	price := o.Price
	if !step.Price.IsZero() {
		price = step.Price
	}
	status := gateway.StatusFilled
	if filled < o.Volume {
		status = gateway.StatusPartial
	}
	s.seq++
	rep := &gateway.Report{
		OrderID:       fmt.Sprintf("SCR-%d", s.seq),
		ClientOrderID: o.ClientOrderID,
		Status:        status,
		FilledVolume:  filled,
		AvgPrice:      price,
		Commission:    step.Commission,
		UpdatedAt:     time.Now(),
	}
	s.reports[o.ClientOrderID] = rep
	if step.LoseResponse {
		return nil, gateway.Transient("submit", errors.New("response lost"))
	}
	cp := *rep
	return &cp, nil
}

func (s *Scripted) QueryOrder(_ context.Context, clientOrderID string) (*gateway.Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rep, ok := s.reports[clientOrderID]
	if !ok {
		return nil, gateway.ErrOrderNotFound
	}
	cp := *rep
	return &cp, nil
}

// Calls returns the number of SubmitOrder calls so far.
func (s *Scripted) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.Submitted)
}

// Filled returns the number of distinct orders that were recorded.
func (s *Scripted) Filled() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.reports)
}
