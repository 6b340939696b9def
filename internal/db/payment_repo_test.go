package db

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"slideforge/internal/types"
)

// paymentRowVals builds a scan row in paymentColumns order.
func paymentRowVals(p types.Payment) []any {
	vals := []any{
		p.PaymentID, p.UserID, p.Amount, p.Currency, p.Status, p.Purpose,
		nil, nil, p.CreditAmount, nil, nil, nil, nil, nil,
		[]byte(p.GatewayPayload), p.CreatedAt, p.UpdatedAt,
	}
	if p.Method != "" {
		vals[6] = p.Method
	}
	if p.TargetTier != "" {
		vals[7] = string(p.TargetTier)
	}
	if p.SubscriptionID != nil {
		vals[9] = *p.SubscriptionID
	}
	if p.CreditTransactionID != nil {
		vals[10] = *p.CreditTransactionID
	}
	if p.GatewayTxID != "" {
		vals[11] = p.GatewayTxID
	}
	if p.ReceiptURL != "" {
		vals[12] = p.ReceiptURL
	}
	if p.FailReason != "" {
		vals[13] = p.FailReason
	}
	return vals
}

func TestPaymentRepo_Create_Success(t *testing.T) {
	db := new(mockDBTX)
	repo := NewPaymentRepo(db)

	db.On("Exec", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.NewCommandTag("INSERT 0 1"), nil)

	err := repo.Create(context.Background(), &types.Payment{
		PaymentID: "pay_abc",
		UserID:    "user_1",
		Amount:    9900,
		Currency:  "KRW",
		Status:    types.PaymentStatusPending,
		Purpose:   types.PurposeSubscriptionUpgrade,
	})
	require.NoError(t, err)
	db.AssertExpectations(t)
}

func TestPaymentRepo_Create_DuplicateID(t *testing.T) {
	db := new(mockDBTX)
	repo := NewPaymentRepo(db)

	db.On("Exec", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.CommandTag{}, &pgconn.PgError{Code: "23505"})

	err := repo.Create(context.Background(), &types.Payment{PaymentID: "pay_abc"})
	require.Error(t, err)

	var appErr *types.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, types.ErrCodeConflictDuplicatePayment, appErr.Code)
}

func TestPaymentRepo_Get_NotFound(t *testing.T) {
	db := new(mockDBTX)
	repo := NewPaymentRepo(db)

	db.On("QueryRow", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(&mockRow{scanErr: pgx.ErrNoRows})

	_, err := repo.Get(context.Background(), "pay_missing")
	require.Error(t, err)

	var appErr *types.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, types.ErrCodeNotFoundPayment, appErr.Code)
}

func TestPaymentRepo_TransitionTo_Applied(t *testing.T) {
	db := new(mockDBTX)
	repo := NewPaymentRepo(db)

	now := time.Now().UTC()
	db.On("QueryRow", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(&mockRow{vals: paymentRowVals(types.Payment{
			PaymentID: "pay_abc",
			UserID:    "user_1",
			Amount:    9900,
			Currency:  "KRW",
			Status:    types.PaymentStatusPaid,
			Purpose:   types.PurposeSubscriptionUpgrade,
			CreatedAt: now,
			UpdatedAt: now,
		})}).Once()

	p, changed, err := repo.TransitionTo(context.Background(), "pay_abc",
		types.PaymentStatusPaid, types.PaymentChange{GatewayTxID: "tx_9"})
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, types.PaymentStatusPaid, p.Status)
	db.AssertExpectations(t)
}

func TestPaymentRepo_TransitionTo_DuplicateDelivery(t *testing.T) {
	db := new(mockDBTX)
	repo := NewPaymentRepo(db)

	// Guarded UPDATE touches no rows: record is already terminal.
	db.On("QueryRow", mock.Anything, mock.MatchedBy(func(sql string) bool {
		return len(sql) > 6 && sql[:6] == "UPDATE"
	}), mock.Anything).Return(&mockRow{scanErr: pgx.ErrNoRows}).Once()

	// Re-read finds it already PAID: idempotent no-op.
	db.On("QueryRow", mock.Anything, mock.MatchedBy(func(sql string) bool {
		return len(sql) > 6 && sql[:6] == "SELECT"
	}), mock.Anything).Return(&mockRow{vals: paymentRowVals(types.Payment{
		PaymentID: "pay_abc",
		Status:    types.PaymentStatusPaid,
	})}).Once()

	p, changed, err := repo.TransitionTo(context.Background(), "pay_abc",
		types.PaymentStatusPaid, types.PaymentChange{})
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, types.PaymentStatusPaid, p.Status)
	db.AssertExpectations(t)
}

func TestPaymentRepo_TransitionTo_RepeatedFailureIsNoop(t *testing.T) {
	db := new(mockDBTX)
	repo := NewPaymentRepo(db)

	// FAILED stays non-terminal, but re-asserting it matches the
	// status <> $2 guard: zero rows.
	db.On("QueryRow", mock.Anything, mock.MatchedBy(func(sql string) bool {
		return len(sql) > 6 && sql[:6] == "UPDATE"
	}), mock.Anything).Return(&mockRow{scanErr: pgx.ErrNoRows}).Once()

	db.On("QueryRow", mock.Anything, mock.MatchedBy(func(sql string) bool {
		return len(sql) > 6 && sql[:6] == "SELECT"
	}), mock.Anything).Return(&mockRow{vals: paymentRowVals(types.Payment{
		PaymentID: "pay_abc",
		Status:    types.PaymentStatusFailed,
	})}).Once()

	p, changed, err := repo.TransitionTo(context.Background(), "pay_abc",
		types.PaymentStatusFailed, types.PaymentChange{FailReason: "card declined"})
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, types.PaymentStatusFailed, p.Status)
	db.AssertExpectations(t)
}

func TestPaymentRepo_TransitionTo_ConflictingTerminalState(t *testing.T) {
	db := new(mockDBTX)
	repo := NewPaymentRepo(db)

	db.On("QueryRow", mock.Anything, mock.MatchedBy(func(sql string) bool {
		return len(sql) > 6 && sql[:6] == "UPDATE"
	}), mock.Anything).Return(&mockRow{scanErr: pgx.ErrNoRows}).Once()

	// Already CANCELED; asking for PAID is a conflict, not a no-op.
	db.On("QueryRow", mock.Anything, mock.MatchedBy(func(sql string) bool {
		return len(sql) > 6 && sql[:6] == "SELECT"
	}), mock.Anything).Return(&mockRow{vals: paymentRowVals(types.Payment{
		PaymentID: "pay_abc",
		Status:    types.PaymentStatusCanceled,
	})}).Once()

	_, _, err := repo.TransitionTo(context.Background(), "pay_abc",
		types.PaymentStatusPaid, types.PaymentChange{})
	require.Error(t, err)

	var appErr *types.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, types.ErrCodeConflictInvalidTransition, appErr.Code)
	assert.Equal(t, "CANCELED", appErr.Details["current_status"])
	assert.Equal(t, "PAID", appErr.Details["requested_status"])
}

func TestPaymentRepo_TransitionTo_MissingPayment(t *testing.T) {
	db := new(mockDBTX)
	repo := NewPaymentRepo(db)

	db.On("QueryRow", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(&mockRow{scanErr: pgx.ErrNoRows}).Twice()

	_, _, err := repo.TransitionTo(context.Background(), "pay_ghost",
		types.PaymentStatusPaid, types.PaymentChange{})
	require.Error(t, err)

	var appErr *types.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, types.ErrCodeNotFoundPayment, appErr.Code)
}

func TestPaymentRepo_LinkArtifacts(t *testing.T) {
	db := new(mockDBTX)
	repo := NewPaymentRepo(db)

	db.On("Exec", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.NewCommandTag("UPDATE 1"), nil)

	subID := "sub_1"
	err := repo.LinkArtifacts(context.Background(), "pay_abc", &subID, nil)
	require.NoError(t, err)
	db.AssertExpectations(t)
}

func TestPaymentRepo_ListStalePending(t *testing.T) {
	db := new(mockDBTX)
	repo := NewPaymentRepo(db)

	old := time.Now().Add(-48 * time.Hour)
	db.On("Query", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(newMockRows([][]any{
			paymentRowVals(types.Payment{
				PaymentID: "pay_stale",
				UserID:    "user_1",
				Status:    types.PaymentStatusPending,
				CreatedAt: old,
			}),
		}), nil)

	payments, err := repo.ListStalePending(context.Background(), time.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	require.Len(t, payments, 1)
	assert.Equal(t, "pay_stale", payments[0].PaymentID)
}
