package db

import (
	"context"

	"slideforge/internal/billing"
	"slideforge/internal/ledger"
	"slideforge/internal/scheduler"
)

// The service packages each declare the narrow DB/Tx interfaces they need,
// with Begin returning their own Tx type. Store satisfies every method set,
// but Go interface satisfaction requires the exact return type, so each
// service gets a thin wrapper whose Begin converts *Tx to that service's
// Tx interface.

// BillingStore adapts Store to billing.DB.
type BillingStore struct {
	*Store
}

func (s BillingStore) Begin(ctx context.Context) (billing.Tx, error) {
	return s.Store.Begin(ctx)
}

// LedgerStore adapts Store to ledger.DB.
type LedgerStore struct {
	*Store
}

func (s LedgerStore) Begin(ctx context.Context) (ledger.Tx, error) {
	return s.Store.Begin(ctx)
}

// SchedulerStore adapts Store to scheduler.DB.
type SchedulerStore struct {
	*Store
}

func (s SchedulerStore) Begin(ctx context.Context) (scheduler.Tx, error) {
	return s.Store.Begin(ctx)
}
