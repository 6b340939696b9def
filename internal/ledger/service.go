package ledger

import (
	"context"
	"log/slog"
	"time"

	"slideforge/internal/types"
)

// DB defines the database operations needed by the ledger Service. The
// concrete implementation is the db package's store adapter; tests use an
// in-memory fake.
type DB interface {
	// Begin starts a transaction for an atomic multi-entry write.
	Begin(ctx context.Context) (Tx, error)

	// CreditBalance sums the user's non-expired entries as of now.
	CreditBalance(ctx context.Context, userID string, now time.Time) (int64, error)

	// ListCreditTransactions returns the user's entries, newest first.
	ListCreditTransactions(ctx context.Context, userID string, limit, offset int) ([]types.CreditTransaction, error)
}

// Tx defines the transactional operations for grants and consumption.
type Tx interface {
	// LockCreditLedger serializes concurrent writers for one user.
	LockCreditLedger(ctx context.Context, userID string) error

	// ListActiveCreditEntries returns the user's non-expired entries.
	ListActiveCreditEntries(ctx context.Context, userID string, now time.Time) ([]types.CreditTransaction, error)

	// InsertCreditEntry appends one entry, populating its ID.
	InsertCreditEntry(ctx context.Context, e *types.CreditTransaction) error

	// InsertCreditEntries appends multiple entries.
	InsertCreditEntries(ctx context.Context, entries []*types.CreditTransaction) error

	Commit(ctx context.Context) error
	Rollback(ctx context.Context)
}

// Service is the credit ledger's transactional entry point.
type Service struct {
	db     DB
	logger *slog.Logger
}

// NewService creates a ledger Service.
func NewService(db DB, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{db: db, logger: logger}
}

// Grant appends a positive entry for the user. FREE and PURCHASE grants are
// forced permanent even when an expiry is supplied; the override is logged
// as a warning, not treated as an error, so callers with stale policy
// knowledge keep working.
func (s *Service) Grant(ctx context.Context, userID string, source types.CreditSource, amount int64, description string, expiresInDays *int) (*types.CreditTransaction, error) {
	now := time.Now().UTC()
	grant, err := BuildGrant(userID, source, amount, description, expiresInDays, now)
	if err != nil {
		return nil, err
	}
	if grant.ForcedPermanent {
		s.logger.Warn("expiry discarded for permanent credit source",
			slog.String("user_id", userID),
			slog.String("source", string(source)),
			slog.Int("requested_expiry_days", *expiresInDays),
		)
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	if err := tx.InsertCreditEntry(ctx, grant.Entry); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	s.logger.Info("credits granted",
		slog.String("user_id", userID),
		slog.String("source", string(source)),
		slog.Int64("amount", amount),
	)
	return grant.Entry, nil
}

// Balance returns the user's derived balance as of now.
func (s *Service) Balance(ctx context.Context, userID string) (int64, error) {
	return s.db.CreditBalance(ctx, userID, time.Now().UTC())
}

// Consume atomically deducts amount from the user's balance, spending
// soonest-expiring credits first. On insufficient balance the call is a
// complete no-op: nothing is written and the transaction rolls back.
func (s *Service) Consume(ctx context.Context, userID string, amount int64, description string) ([]*types.CreditTransaction, error) {
	now := time.Now().UTC()

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	if err := tx.LockCreditLedger(ctx, userID); err != nil {
		return nil, err
	}

	entries, err := tx.ListActiveCreditEntries(ctx, userID, now)
	if err != nil {
		return nil, err
	}

	planned, err := PlanConsumption(userID, entries, amount, description)
	if err != nil {
		return nil, err
	}

	if err := tx.InsertCreditEntries(ctx, planned); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	s.logger.Info("credits consumed",
		slog.String("user_id", userID),
		slog.Int64("amount", amount),
		slog.Int("entries_written", len(planned)),
	)
	return planned, nil
}

// History returns the user's ledger entries, newest first.
func (s *Service) History(ctx context.Context, userID string, limit, offset int) ([]types.CreditTransaction, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	return s.db.ListCreditTransactions(ctx, userID, limit, offset)
}
