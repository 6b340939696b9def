package db

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"slideforge/internal/types"
)

// PaymentMethodRepo provides data access for the payment_methods table.
// At most one row per user is active; activating a new billing key first
// deactivates the prior one, and deletion is always soft.
type PaymentMethodRepo struct {
	db DBTX
}

// NewPaymentMethodRepo creates a new PaymentMethodRepo backed by the given
// database connection (pool or transaction).
func NewPaymentMethodRepo(db DBTX) *PaymentMethodRepo {
	return &PaymentMethodRepo{db: db}
}

// Activate deactivates any existing active method for the user and inserts
// the new one as active. Callers wrap this in a transaction so a crash
// between the two statements cannot leave the user with no active method
// after having had one.
func (r *PaymentMethodRepo) Activate(ctx context.Context, pm *types.PaymentMethod) error {
	if pm.ID == "" {
		pm.ID = newPaymentMethodID()
	}
	_, err := r.db.Exec(ctx,
		`UPDATE payment_methods
		 SET is_active = false,
		     deactivated_at = NOW()
		 WHERE user_id = $1
		   AND is_active = true`,
		pm.UserID,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to deactivate prior payment methods", err)
	}

	err = r.db.QueryRow(ctx,
		`INSERT INTO payment_methods
		 (id, user_id, billing_key_ref, card_brand, card_last4, is_active, created_at)
		 VALUES ($1, $2, $3, $4, $5, true, NOW())
		 RETURNING created_at`,
		pm.ID,
		pm.UserID,
		pm.BillingKeyRef,
		pm.CardBrand,
		pm.CardLast4,
	).Scan(&pm.CreatedAt)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to insert payment method", err)
	}
	pm.IsActive = true
	return nil
}

// GetActive returns the user's active payment method.
func (r *PaymentMethodRepo) GetActive(ctx context.Context, userID string) (*types.PaymentMethod, error) {
	var pm types.PaymentMethod
	err := r.db.QueryRow(ctx,
		`SELECT id, user_id, billing_key_ref, card_brand, card_last4,
		        is_active, created_at, deactivated_at
		 FROM payment_methods
		 WHERE user_id = $1
		   AND is_active = true`,
		userID,
	).Scan(
		&pm.ID,
		&pm.UserID,
		&pm.BillingKeyRef,
		&pm.CardBrand,
		&pm.CardLast4,
		&pm.IsActive,
		&pm.CreatedAt,
		&pm.DeactivatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundBillingKey, "no active payment method", nil)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to get active payment method", err)
	}
	return &pm, nil
}

// Deactivate soft-deletes the user's active payment method and returns its
// billing key reference so the caller can revoke it at the gateway.
func (r *PaymentMethodRepo) Deactivate(ctx context.Context, userID string) (string, error) {
	var ref string
	err := r.db.QueryRow(ctx,
		`UPDATE payment_methods
		 SET is_active = false,
		     deactivated_at = NOW()
		 WHERE user_id = $1
		   AND is_active = true
		 RETURNING billing_key_ref`,
		userID,
	).Scan(&ref)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", types.NewAppError(types.ErrCodeNotFoundBillingKey, "no active payment method", nil)
		}
		return "", types.NewAppError(types.ErrCodeInternalDB, "failed to deactivate payment method", err)
	}
	return ref, nil
}
