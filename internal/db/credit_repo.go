package db

import (
	"context"
	"time"

	"slideforge/internal/types"
)

// creditColumns is the canonical SELECT column list for the
// credit_transactions table. Scan order must match scanCreditTransaction.
const creditColumns = `id, user_id, amount, source_type, expires_at, description, created_at`

// CreditRepo provides data access for the append-only credit_transactions
// ledger. Rows are only ever inserted; the balance is always derived by
// summing non-expired rows, never stored.
//
// Consumption rows carry the expires_at of the grant bucket they deplete,
// so an expiring grant and its partial consumption fall out of the balance
// together and the unused remainder is forfeited.
type CreditRepo struct {
	db DBTX
}

// NewCreditRepo creates a new CreditRepo backed by the given database
// connection (pool or transaction).
func NewCreditRepo(db DBTX) *CreditRepo {
	return &CreditRepo{db: db}
}

// Insert appends one ledger entry. If e.ID is empty a prefixed ID is
// assigned; e.ID and e.CreatedAt are populated on return.
func (r *CreditRepo) Insert(ctx context.Context, e *types.CreditTransaction) error {
	if e.ID == "" {
		e.ID = newCreditTransactionID()
	}
	err := r.db.QueryRow(ctx,
		`INSERT INTO credit_transactions
		 (id, user_id, amount, source_type, expires_at, description, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, NOW())
		 RETURNING created_at`,
		e.ID,
		e.UserID,
		e.Amount,
		e.SourceType,
		e.ExpiresAt,
		e.Description,
	).Scan(&e.CreatedAt)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to insert credit transaction", err)
	}
	return nil
}

// InsertMany appends multiple ledger entries. Callers wrap this in a
// transaction; a failure part-way through must roll back the earlier
// inserts or the consumption would be partial.
func (r *CreditRepo) InsertMany(ctx context.Context, entries []*types.CreditTransaction) error {
	for _, e := range entries {
		if err := r.Insert(ctx, e); err != nil {
			return err
		}
	}
	return nil
}

// Balance returns the sum of all non-expired entries for the user.
func (r *CreditRepo) Balance(ctx context.Context, userID string, now time.Time) (int64, error) {
	var balance int64
	err := r.db.QueryRow(ctx,
		`SELECT COALESCE(SUM(amount), 0)
		 FROM credit_transactions
		 WHERE user_id = $1
		   AND (expires_at IS NULL OR expires_at > $2)`,
		userID,
		now,
	).Scan(&balance)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to compute credit balance", err)
	}
	return balance, nil
}

// ListActive returns all non-expired entries for the user, ordered by
// creation time. This is the input to consumption planning.
func (r *CreditRepo) ListActive(ctx context.Context, userID string, now time.Time) ([]types.CreditTransaction, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+creditColumns+`
		 FROM credit_transactions
		 WHERE user_id = $1
		   AND (expires_at IS NULL OR expires_at > $2)
		 ORDER BY created_at ASC`,
		userID,
		now,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list active credit transactions", err)
	}
	defer rows.Close()

	var entries []types.CreditTransaction
	for rows.Next() {
		var e types.CreditTransaction
		if err := rows.Scan(
			&e.ID,
			&e.UserID,
			&e.Amount,
			&e.SourceType,
			&e.ExpiresAt,
			&e.Description,
			&e.CreatedAt,
		); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan credit transaction row", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating credit transaction rows", err)
	}
	return entries, nil
}

// ListByUser returns the user's ledger entries, newest first, for the
// transaction history API.
func (r *CreditRepo) ListByUser(ctx context.Context, userID string, limit, offset int) ([]types.CreditTransaction, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+creditColumns+`
		 FROM credit_transactions
		 WHERE user_id = $1
		 ORDER BY created_at DESC
		 LIMIT $2 OFFSET $3`,
		userID,
		limit,
		offset,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list credit transactions", err)
	}
	defer rows.Close()

	var entries []types.CreditTransaction
	for rows.Next() {
		var e types.CreditTransaction
		if err := rows.Scan(
			&e.ID,
			&e.UserID,
			&e.Amount,
			&e.SourceType,
			&e.ExpiresAt,
			&e.Description,
			&e.CreatedAt,
		); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan credit transaction row", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating credit transaction rows", err)
	}
	return entries, nil
}

// AcquireUserLock takes a transaction-scoped advisory lock keyed by the
// user ID. Row locks cannot serialize inserts into an append-only table,
// so concurrent consume calls for the same user are serialized here; the
// lock releases automatically at commit or rollback.
func (r *CreditRepo) AcquireUserLock(ctx context.Context, userID string) error {
	_, err := r.db.Exec(ctx,
		`SELECT pg_advisory_xact_lock(hashtext('credits:' || $1))`,
		userID,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to acquire credit ledger lock", err)
	}
	return nil
}
