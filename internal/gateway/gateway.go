// Package gateway is the port through which the engines place orders with
// the broker.
package gateway

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ksred/polar-ops/internal/types"
)

// ErrOrderNotFound is returned by QueryOrder for an unknown client order id.
var ErrOrderNotFound = errors.New("order not found")

type OrderStatus string

const (
	StatusFilled   OrderStatus = "filled"
	StatusPartial  OrderStatus = "partial"
	StatusRejected OrderStatus = "rejected"
)

// Order is an immediate-or-cancel request. ClientOrderID is chosen by the
// caller and identifies the order across retries and restarts.
type Order struct {
	ClientOrderID string          `json:"client_order_id"`
	AccountID     string          `json:"account_id"`
	Symbol        string          `json:"symbol"`
	Side          types.Side      `json:"side"`
	Offset        types.Offset    `json:"offset"`
	Volume        int64           `json:"volume"`
	Price         decimal.Decimal `json:"price"`
}

// Report is the final state of an order. Unfilled volume is cancelled.
type Report struct {
	OrderID       string          `json:"order_id"`
	ClientOrderID string          `json:"client_order_id"`
	Status        OrderStatus     `json:"status"`
	FilledVolume  int64           `json:"filled_volume"`
	AvgPrice      decimal.Decimal `json:"avg_price"`
	Commission    decimal.Decimal `json:"commission"`
	Reason        string          `json:"reason,omitempty"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// Gateway submits orders and looks them up again by client order id.
type Gateway interface {
	SubmitOrder(ctx context.Context, o Order) (*Report, error)
	QueryOrder(ctx context.Context, clientOrderID string) (*Report, error)
}

func Transient(op string, err error) error {
	return &types.GatewayError{Kind: types.GatewayTransient, Op: op, Err: err}
}

func Rejected(op string, err error) error {
	return &types.GatewayError{Kind: types.GatewayRejected, Op: op, Err: err}
}

// IsTransient reports whether err may succeed on retry. Deadline errors
// count as transient.
func IsTransient(err error) bool {
	var ge *types.GatewayError
	if errors.As(err, &ge) {
		return ge.Kind == types.GatewayTransient
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// IsRejected reports whether the venue refused the order outright.
func IsRejected(err error) bool {
	var ge *types.GatewayError
	return errors.As(err, &ge) && ge.Kind == types.GatewayRejected
}
