package db

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"slideforge/internal/types"
)

// subscriptionColumns is the canonical SELECT column list for the
// subscriptions table. Scan order must match scanSubscription.
const subscriptionColumns = `id, user_id, tier, status, start_date, end_date,
	        auto_renewal, billing_key_ref, next_billing_date,
	        failed_payment_count, last_payment_attempt,
	        credits_granted_for_cycle, created_at, updated_at`

// SubscriptionRepo provides data access for the subscriptions table.
// Each user has at most one row (user_id is UNIQUE); a new billing cycle
// after expiry reuses the row rather than inserting a second one.
//
// Update uses optimistic locking on the status column: the sweep and the
// webhook path can both try to move the same subscription, and the loser of
// the race observes zero rows affected and treats it as a no-op.
type SubscriptionRepo struct {
	db DBTX
}

// NewSubscriptionRepo creates a new SubscriptionRepo backed by the given
// database connection (pool or transaction).
func NewSubscriptionRepo(db DBTX) *SubscriptionRepo {
	return &SubscriptionRepo{db: db}
}

// GetByUserID returns the user's subscription row, if any.
func (r *SubscriptionRepo) GetByUserID(ctx context.Context, userID string) (*types.Subscription, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+subscriptionColumns+`
		 FROM subscriptions
		 WHERE user_id = $1`,
		userID,
	)
	sub, err := scanSubscription(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundSubscription, "subscription not found", nil)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to get subscription", err)
	}
	return sub, nil
}

// GetByID returns the subscription row with the given ID.
func (r *SubscriptionRepo) GetByID(ctx context.Context, id string) (*types.Subscription, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+subscriptionColumns+`
		 FROM subscriptions
		 WHERE id = $1`,
		id,
	)
	sub, err := scanSubscription(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundSubscription, "subscription not found", nil)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to get subscription", err)
	}
	return sub, nil
}

// UpsertPending creates the user's subscription row in PENDING for the
// target tier, or resets an existing non-ACTIVE row to PENDING. An upgrade
// attempt while a paid cycle is still running must not clobber that cycle,
// so rows currently ACTIVE, CANCELED, or PAST_DUE are left untouched and
// the stored row is returned as-is.
func (r *SubscriptionRepo) UpsertPending(ctx context.Context, userID string, targetTier types.Tier) (*types.Subscription, error) {
	row := r.db.QueryRow(ctx,
		`INSERT INTO subscriptions
		 (id, user_id, tier, status, auto_renewal, failed_payment_count,
		  credits_granted_for_cycle, created_at, updated_at)
		 VALUES ($1, $2, $3, 'PENDING', false, 0, false, NOW(), NOW())
		 ON CONFLICT (user_id) DO UPDATE
		   SET tier = EXCLUDED.tier,
		       status = 'PENDING',
		       failed_payment_count = 0,
		       credits_granted_for_cycle = false,
		       updated_at = NOW()
		   WHERE subscriptions.status IN ('PENDING', 'EXPIRED')
		      OR (subscriptions.status = 'ACTIVE' AND subscriptions.tier = 'FREE')
		 RETURNING `+subscriptionColumns,
		newSubscriptionID(),
		userID,
		targetTier,
	)
	sub, err := scanSubscription(row)
	if err == nil {
		return sub, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to upsert pending subscription", err)
	}
	// The conflict WHERE clause filtered the row out: a paid cycle is in
	// progress. Return the stored row unchanged.
	return r.GetByUserID(ctx, userID)
}

// Update persists the full mutable state of sub, guarded by the status the
// caller read (expectStatus). Returns false without error when another
// writer got there first; callers treat that as an idempotent no-op.
func (r *SubscriptionRepo) Update(ctx context.Context, sub *types.Subscription, expectStatus types.SubscriptionStatus) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE subscriptions
		 SET tier = $2,
		     status = $3,
		     start_date = $4,
		     end_date = $5,
		     auto_renewal = $6,
		     billing_key_ref = $7,
		     next_billing_date = $8,
		     failed_payment_count = $9,
		     last_payment_attempt = $10,
		     credits_granted_for_cycle = $11,
		     updated_at = NOW()
		 WHERE id = $1
		   AND status = $12`,
		sub.ID,
		sub.Tier,
		sub.Status,
		sub.StartDate,
		sub.EndDate,
		sub.AutoRenewal,
		sub.BillingKeyRef,
		sub.NextBillingDate,
		sub.FailedPaymentCount,
		sub.LastPaymentAttempt,
		sub.CreditsGrantedForCycle,
		sub.ID,
		expectStatus,
	)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to update subscription", err)
	}
	return tag.RowsAffected() > 0, nil
}

// SetBillingKey points the subscription at the given billing key reference
// and enables auto-renewal. A nil ref clears the key and disables renewal
// (the cascade when the user removes their payment method).
func (r *SubscriptionRepo) SetBillingKey(ctx context.Context, userID string, ref *string) error {
	autoRenew := ref != nil
	_, err := r.db.Exec(ctx,
		`UPDATE subscriptions
		 SET billing_key_ref = $2,
		     auto_renewal = $3,
		     updated_at = NOW()
		 WHERE user_id = $1`,
		userID,
		ref,
		autoRenew,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to set subscription billing key", err)
	}
	return nil
}

// ListLapsed returns subscriptions whose paid period has ended and whose
// renewal will not happen: ACTIVE without auto-renewal, or CANCELED. These
// are the expire pass's work set.
func (r *SubscriptionRepo) ListLapsed(ctx context.Context, now time.Time) ([]types.Subscription, error) {
	return r.list(ctx,
		`SELECT `+subscriptionColumns+`
		 FROM subscriptions
		 WHERE ((status = 'ACTIVE' AND auto_renewal = false) OR status = 'CANCELED')
		   AND end_date IS NOT NULL
		   AND end_date < $1
		 ORDER BY end_date ASC`,
		now,
	)
}

// ListExpiringBetween returns subscriptions on the no-renewal track whose
// end_date falls in [start, end). The expire-pass filter minus the
// already-lapsed: rows with end_date in the future only.
func (r *SubscriptionRepo) ListExpiringBetween(ctx context.Context, start, end time.Time) ([]types.Subscription, error) {
	return r.list(ctx,
		`SELECT `+subscriptionColumns+`
		 FROM subscriptions
		 WHERE ((status = 'ACTIVE' AND auto_renewal = false) OR status = 'CANCELED')
		   AND end_date IS NOT NULL
		   AND end_date >= $1
		   AND end_date < $2
		 ORDER BY end_date ASC`,
		start,
		end,
	)
}

// ListRenewalDue returns subscriptions eligible for the renewal charge:
// ACTIVE, auto-renewal on, a stored billing key, period ended, and not yet
// on the past-due escalation track.
func (r *SubscriptionRepo) ListRenewalDue(ctx context.Context, now time.Time) ([]types.Subscription, error) {
	return r.list(ctx,
		`SELECT `+subscriptionColumns+`
		 FROM subscriptions
		 WHERE status = 'ACTIVE'
		   AND auto_renewal = true
		   AND billing_key_ref IS NOT NULL
		   AND end_date IS NOT NULL
		   AND end_date <= $1
		   AND failed_payment_count = 0
		 ORDER BY end_date ASC`,
		now,
	)
}

// ListRetryCandidates returns subscriptions with at least one failed
// renewal charge that still have a billing key to retry against. The
// day-based retry schedule itself is applied in Go by the sweep, so this
// query only narrows the candidate set.
func (r *SubscriptionRepo) ListRetryCandidates(ctx context.Context) ([]types.Subscription, error) {
	return r.list(ctx,
		`SELECT `+subscriptionColumns+`
		 FROM subscriptions
		 WHERE status IN ('ACTIVE', 'PAST_DUE')
		   AND failed_payment_count BETWEEN 1 AND 3
		   AND last_payment_attempt IS NOT NULL
		   AND billing_key_ref IS NOT NULL
		 ORDER BY last_payment_attempt ASC`,
	)
}

func (r *SubscriptionRepo) list(ctx context.Context, query string, args ...any) ([]types.Subscription, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list subscriptions", err)
	}
	defer rows.Close()

	var subs []types.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan subscription row", err)
		}
		subs = append(subs, *sub)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating subscription rows", err)
	}
	return subs, nil
}

// scanSubscription scans a subscription row in subscriptionColumns order.
func scanSubscription(row pgx.Row) (*types.Subscription, error) {
	var sub types.Subscription
	err := row.Scan(
		&sub.ID,
		&sub.UserID,
		&sub.Tier,
		&sub.Status,
		&sub.StartDate,
		&sub.EndDate,
		&sub.AutoRenewal,
		&sub.BillingKeyRef,
		&sub.NextBillingDate,
		&sub.FailedPaymentCount,
		&sub.LastPaymentAttempt,
		&sub.CreditsGrantedForCycle,
		&sub.CreatedAt,
		&sub.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &sub, nil
}
