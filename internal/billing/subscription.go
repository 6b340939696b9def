package billing

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"slideforge/internal/gateway"
	"slideforge/internal/types"
)

// SubscriptionService owns the user-facing subscription and billing key
// operations. Status changes go through the lifecycle Manager; billing key
// state is kept consistent between the payment_methods table and the
// subscription row inside one transaction.
type SubscriptionService struct {
	db        DB
	gw        Gateway
	lifecycle *Manager
	logger    *slog.Logger
}

// NewSubscriptionService creates a SubscriptionService.
func NewSubscriptionService(db DB, gw Gateway, lifecycle *Manager, logger *slog.Logger) *SubscriptionService {
	if logger == nil {
		logger = slog.Default()
	}
	return &SubscriptionService{db: db, gw: gw, lifecycle: lifecycle, logger: logger}
}

// GetSubscription returns the user's subscription. A user who never
// upgraded has no row; that is the free plan, synthesized here rather than
// persisted.
func (s *SubscriptionService) GetSubscription(ctx context.Context, userID string) (*types.Subscription, error) {
	sub, err := s.db.GetSubscriptionByUserID(ctx, userID)
	if err != nil {
		var appErr *types.AppError
		if errors.As(err, &appErr) && appErr.Code == types.ErrCodeNotFoundSubscription {
			return &types.Subscription{
				UserID: userID,
				Tier:   types.TierFree,
				Status: types.SubStatusActive,
			}, nil
		}
		return nil, err
	}
	return sub, nil
}

// Cancel stops auto-renewal. The paid period keeps running to its end
// date; the sweep expires it then. Canceling a subscription that is not
// in a cancelable status is a conflict.
func (s *SubscriptionService) Cancel(ctx context.Context, userID string) (*types.Subscription, error) {
	now := time.Now().UTC()

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	sub, err := tx.GetSubscriptionByUserID(ctx, userID)
	if err != nil {
		return nil, err
	}

	outcome := s.lifecycle.Apply(sub, EventCancelRequested, now)
	if !outcome.Applied {
		return nil, types.NewAppError(types.ErrCodeConflictInvalidTransition,
			"subscription cannot be canceled in its current status", nil).WithDetails(map[string]any{
			"status": string(sub.Status),
		})
	}

	ok, err := tx.UpdateSubscription(ctx, sub, outcome.From)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, types.NewAppError(types.ErrCodeConflictInvalidTransition,
			"subscription changed concurrently; retry", nil)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return sub, nil
}

// StartBillingKeyIssue begins the gateway's billing key issue flow for the
// user and returns the issued key reference with its card metadata. The
// key is not trusted until ConfirmBillingKey checks it back.
func (s *SubscriptionService) StartBillingKeyIssue(ctx context.Context, userID string) (*gateway.BillingKey, error) {
	return s.gw.IssueBillingKey(ctx, userID)
}

// ConfirmBillingKey verifies the issued key with the gateway and activates
// it locally: the payment_methods row and the subscription's billing
// fields update in one transaction, deactivating any prior key.
func (s *SubscriptionService) ConfirmBillingKey(ctx context.Context, userID, ref string) (*types.PaymentMethod, error) {
	if ref == "" {
		return nil, types.NewAppError(types.ErrCodeValidationMissingField, "billingKeyRef is required", nil)
	}

	key, err := s.gw.QueryBillingKey(ctx, ref)
	if err != nil {
		return nil, err
	}
	if !key.Active || key.Customer != userID {
		return nil, types.NewAppError(types.ErrCodeNotFoundBillingKey,
			"billing key is not active for this user", nil)
	}

	pm := &types.PaymentMethod{
		UserID:        userID,
		BillingKeyRef: key.Ref,
		CardBrand:     key.CardBrand,
		CardLast4:     key.CardLast4,
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	if err := tx.ActivatePaymentMethod(ctx, pm); err != nil {
		return nil, err
	}
	if err := tx.SetSubscriptionBillingKey(ctx, userID, &key.Ref); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	s.logger.Info("billing key activated",
		slog.String("user_id", userID),
		slog.String("card_brand", pm.CardBrand),
	)
	return pm, nil
}

// GetPaymentMethod returns the user's active payment method.
func (s *SubscriptionService) GetPaymentMethod(ctx context.Context, userID string) (*types.PaymentMethod, error) {
	return s.db.GetActivePaymentMethod(ctx, userID)
}

// RemoveBillingKey soft-deletes the active payment method and cascades to
// the subscription: auto-renewal off, billing key cleared, status
// untouched. The local state is authoritative; revoking the key at the
// gateway afterwards is best effort.
func (s *SubscriptionService) RemoveBillingKey(ctx context.Context, userID string) error {
	now := time.Now().UTC()

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	ref, err := tx.DeactivatePaymentMethod(ctx, userID)
	if err != nil {
		return err
	}

	sub, err := tx.GetSubscriptionByUserID(ctx, userID)
	switch {
	case err == nil:
		outcome := s.lifecycle.Apply(sub, EventBillingKeyRemoved, now)
		if outcome.Applied {
			if _, err := tx.UpdateSubscription(ctx, sub, outcome.From); err != nil {
				return err
			}
		}
	default:
		var appErr *types.AppError
		if !errors.As(err, &appErr) || appErr.Code != types.ErrCodeNotFoundSubscription {
			return err
		}
		// No subscription row; nothing to cascade.
	}

	if err := tx.Commit(ctx); err != nil {
		return err
	}

	if err := s.gw.DeleteBillingKey(ctx, ref); err != nil {
		// Local removal already committed. The orphaned vendor-side key
		// cannot charge anything because the local reference is gone.
		s.logger.Warn("gateway billing key revocation failed",
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
	}

	s.logger.Info("billing key removed", slog.String("user_id", userID))
	return nil
}
