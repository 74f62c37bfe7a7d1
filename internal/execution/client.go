// Package execution defines the downstream collaborator admitted orders
// are forwarded to. The real exchange client (signing, retries,
// pagination) lives outside this repository; the gate only depends on the
// interface.
package execution

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Order is an admitted, resized order ready for execution.
type Order struct {
	ID             string          `json:"id"`
	Symbol         string          `json:"symbol"`
	Side           string          `json:"side"`
	Qty            decimal.Decimal `json:"qty"`
	Price          decimal.Decimal `json:"price"`
	IdempotencyKey string          `json:"idempotency_key"`
	AdmittedAt     time.Time       `json:"admitted_at"`
}

// Client forwards admitted orders to the execution venue. Submit must not
// be called from inside the gate's critical section; forwarding errors are
// the caller's to log and never undo an admission.
type Client interface {
	Submit(ctx context.Context, o Order) error
}

// Nop discards orders. Used when no execution backend is configured.
type Nop struct{}

func (Nop) Submit(context.Context, Order) error { return nil }
