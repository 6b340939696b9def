package db

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"slideforge/internal/types"
)

// paymentColumns is the canonical SELECT column list for the payments
// table. Scan order must match scanPayment.
const paymentColumns = `payment_id, user_id, amount, currency, status, purpose,
	        method, target_tier, credit_amount, subscription_id,
	        credit_transaction_id, gateway_tx_id, receipt_url, fail_reason,
	        gateway_payload, created_at, updated_at`

// PaymentRepo provides data access for the payments table.
//
// Key invariants:
//   - Create relies on the payment_id primary key for idempotency: a second
//     insert with the same client-generated ID fails with a duplicate error
//     rather than creating a second economic record.
//   - TransitionTo is a guarded update that never moves a record out of a
//     terminal status (PAID, CANCELED, REFUNDED). Re-applying the same
//     terminal status is an idempotent no-op; requesting a different
//     terminal status is a conflict.
type PaymentRepo struct {
	db DBTX
}

// NewPaymentRepo creates a new PaymentRepo backed by the given database
// connection (pool or transaction).
func NewPaymentRepo(db DBTX) *PaymentRepo {
	return &PaymentRepo{db: db}
}

// Create inserts a new PENDING payment record. A unique violation on
// payment_id is returned as ErrCodeConflictDuplicatePayment; the caller
// decides whether the duplicate is a benign retry (same payload) or an
// idempotency-key reuse.
func (r *PaymentRepo) Create(ctx context.Context, p *types.Payment) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO payments
		 (payment_id, user_id, amount, currency, status, purpose,
		  method, target_tier, credit_amount, gateway_payload, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NOW(), NOW())`,
		p.PaymentID,
		p.UserID,
		p.Amount,
		p.Currency,
		p.Status,
		p.Purpose,
		nilIfEmpty(p.Method),
		nilIfEmpty(string(p.TargetTier)),
		p.CreditAmount,
		[]byte(p.GatewayPayload),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return types.NewAppError(types.ErrCodeConflictDuplicatePayment,
				"payment with this ID already exists", err)
		}
		return types.NewAppError(types.ErrCodeInternalDB, "failed to create payment record", err)
	}
	return nil
}

// Get returns the payment record for the given client-generated payment ID.
func (r *PaymentRepo) Get(ctx context.Context, paymentID string) (*types.Payment, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+paymentColumns+`
		 FROM payments
		 WHERE payment_id = $1`,
		paymentID,
	)
	p, err := scanPayment(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundPayment, "payment not found", nil)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to get payment record", err)
	}
	return p, nil
}

// TransitionTo applies a guarded status update and merges the optional
// enrichment fields from ch. The WHERE clause excludes terminal statuses
// and the requested status itself, so concurrent verify and webhook
// deliveries can only finalize a record once, and redelivering the same
// outcome (including a repeated FAILED) never re-applies it.
//
// Returns (record, true) when the row was updated, and (record, false) when
// the record is already in the requested status (idempotent no-op). A
// terminal record asked to move to a different terminal status is a
// conflict; a terminal record asked to move to a non-terminal status is
// also refused.
func (r *PaymentRepo) TransitionTo(ctx context.Context, paymentID string, newStatus types.PaymentStatus, ch types.PaymentChange) (*types.Payment, bool, error) {
	row := r.db.QueryRow(ctx,
		`UPDATE payments
		 SET status = $2,
		     gateway_tx_id = COALESCE(NULLIF($3, ''), gateway_tx_id),
		     receipt_url = COALESCE(NULLIF($4, ''), receipt_url),
		     fail_reason = COALESCE(NULLIF($5, ''), fail_reason),
		     method = COALESCE(NULLIF($6, ''), method),
		     subscription_id = COALESCE($7, subscription_id),
		     credit_transaction_id = COALESCE($8, credit_transaction_id),
		     gateway_payload = COALESCE($9, gateway_payload),
		     updated_at = NOW()
		 WHERE payment_id = $1
		   AND status <> $2
		   AND status NOT IN ('PAID', 'CANCELED', 'REFUNDED')
		 RETURNING `+paymentColumns,
		paymentID,
		newStatus,
		ch.GatewayTxID,
		ch.ReceiptURL,
		ch.FailReason,
		ch.Method,
		ch.SubscriptionID,
		ch.CreditTransactionID,
		[]byte(ch.GatewayPayload),
	)
	p, err := scanPayment(row)
	if err == nil {
		return p, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, types.NewAppError(types.ErrCodeInternalDB, "failed to transition payment status", err)
	}

	// Zero rows: the record does not exist, is already in the requested
	// status, or is terminal. Re-read to distinguish.
	current, getErr := r.Get(ctx, paymentID)
	if getErr != nil {
		return nil, false, getErr
	}
	if current.Status == newStatus {
		// Already in the requested state. Duplicate delivery of the
		// same outcome is expected and harmless.
		return current, false, nil
	}
	return nil, false, types.NewAppError(types.ErrCodeConflictInvalidTransition,
		"payment is already in a terminal state", nil).WithDetails(map[string]any{
		"payment_id":       paymentID,
		"current_status":   string(current.Status),
		"requested_status": string(newStatus),
	})
}

// LinkArtifacts attaches the subscription and credit transaction produced
// by a finalized payment. This is metadata enrichment, permitted on
// terminal records, so it bypasses the terminal-state guard.
func (r *PaymentRepo) LinkArtifacts(ctx context.Context, paymentID string, subscriptionID, creditTransactionID *string) error {
	_, err := r.db.Exec(ctx,
		`UPDATE payments
		 SET subscription_id = COALESCE($2, subscription_id),
		     credit_transaction_id = COALESCE($3, credit_transaction_id),
		     updated_at = NOW()
		 WHERE payment_id = $1`,
		paymentID,
		subscriptionID,
		creditTransactionID,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to link payment artifacts", err)
	}
	return nil
}

// ListByUser returns the user's payment records, newest first.
func (r *PaymentRepo) ListByUser(ctx context.Context, userID string, limit, offset int) ([]types.Payment, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+paymentColumns+`
		 FROM payments
		 WHERE user_id = $1
		 ORDER BY created_at DESC
		 LIMIT $2 OFFSET $3`,
		userID,
		limit,
		offset,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list payments", err)
	}
	defer rows.Close()

	var payments []types.Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan payment row", err)
		}
		payments = append(payments, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating payment rows", err)
	}
	return payments, nil
}

// ListStalePending returns PENDING payments older than the cutoff. These are
// records whose client abandoned the checkout or whose webhook never arrived;
// the sweep reports them for reconciliation against the gateway.
func (r *PaymentRepo) ListStalePending(ctx context.Context, olderThan time.Time) ([]types.Payment, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+paymentColumns+`
		 FROM payments
		 WHERE status = 'PENDING'
		   AND created_at < $1
		 ORDER BY created_at ASC`,
		olderThan,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list stale pending payments", err)
	}
	defer rows.Close()

	var payments []types.Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan payment row", err)
		}
		payments = append(payments, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating payment rows", err)
	}
	return payments, nil
}

// scanPayment scans a payment row in paymentColumns order. Nullable text
// columns are read through pointers and flattened to the struct's plain
// string fields.
func scanPayment(row pgx.Row) (*types.Payment, error) {
	var (
		p          types.Payment
		method     *string
		targetTier *string
		gatewayTx  *string
		receiptURL *string
		failReason *string
		payload    []byte
	)
	err := row.Scan(
		&p.PaymentID,
		&p.UserID,
		&p.Amount,
		&p.Currency,
		&p.Status,
		&p.Purpose,
		&method,
		&targetTier,
		&p.CreditAmount,
		&p.SubscriptionID,
		&p.CreditTransactionID,
		&gatewayTx,
		&receiptURL,
		&failReason,
		&payload,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if method != nil {
		p.Method = *method
	}
	if targetTier != nil {
		p.TargetTier = types.Tier(*targetTier)
	}
	if gatewayTx != nil {
		p.GatewayTxID = *gatewayTx
	}
	if receiptURL != nil {
		p.ReceiptURL = *receiptURL
	}
	if failReason != nil {
		p.FailReason = *failReason
	}
	p.GatewayPayload = payload
	return &p, nil
}

// nilIfEmpty maps an empty string to a SQL NULL.
func nilIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
