package billing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"slideforge/internal/gateway"
	"slideforge/internal/ledger"
	"slideforge/internal/metrics"
	"slideforge/internal/types"
)

// DB defines the database operations needed by the billing services. The
// concrete implementation is the db package's store adapter; tests use an
// in-memory fake.
type DB interface {
	Begin(ctx context.Context) (Tx, error)

	GetPayment(ctx context.Context, paymentID string) (*types.Payment, error)
	ListPayments(ctx context.Context, userID string, limit, offset int) ([]types.Payment, error)
	GetSubscriptionByUserID(ctx context.Context, userID string) (*types.Subscription, error)
	GetActivePaymentMethod(ctx context.Context, userID string) (*types.PaymentMethod, error)
}

// Tx defines the transactional operations the billing services compose.
// Every multi-entity effect (payment transition + subscription change +
// credit grant + notification) runs inside one Tx.
type Tx interface {
	GetPayment(ctx context.Context, paymentID string) (*types.Payment, error)
	CreatePayment(ctx context.Context, p *types.Payment) error
	TransitionPayment(ctx context.Context, paymentID string, newStatus types.PaymentStatus, ch types.PaymentChange) (*types.Payment, bool, error)
	LinkPaymentArtifacts(ctx context.Context, paymentID string, subscriptionID, creditTransactionID *string) error

	GetSubscriptionByUserID(ctx context.Context, userID string) (*types.Subscription, error)
	UpsertPendingSubscription(ctx context.Context, userID string, targetTier types.Tier) (*types.Subscription, error)
	UpdateSubscription(ctx context.Context, sub *types.Subscription, expectStatus types.SubscriptionStatus) (bool, error)
	SetSubscriptionBillingKey(ctx context.Context, userID string, ref *string) error

	InsertCreditEntry(ctx context.Context, e *types.CreditTransaction) error
	CreateNotification(ctx context.Context, n *types.SubscriptionNotification) error

	ActivatePaymentMethod(ctx context.Context, pm *types.PaymentMethod) error
	DeactivatePaymentMethod(ctx context.Context, userID string) (string, error)

	Commit(ctx context.Context) error
	Rollback(ctx context.Context)
}

// Gateway defines the PayRail operations the billing services call.
type Gateway interface {
	CreatePaymentIntent(ctx context.Context, req gateway.IntentRequest) (*gateway.Transaction, error)
	QueryPayment(ctx context.Context, orderRef string) (*gateway.Transaction, error)
	IssueBillingKey(ctx context.Context, customer string) (*gateway.BillingKey, error)
	QueryBillingKey(ctx context.Context, ref string) (*gateway.BillingKey, error)
	DeleteBillingKey(ctx context.Context, ref string) error
}

const defaultCurrency = "KRW"

// CreatePaymentRequest are the client-supplied parameters for a new
// payment. PaymentID is the client-generated idempotency key.
type CreatePaymentRequest struct {
	PaymentID  string
	Purpose    types.PaymentPurpose
	Amount     int64
	Currency   string
	TargetTier types.Tier
}

// PaymentService owns payment creation and the single idempotent
// finalization path shared by the client verify flow and webhook
// ingestion.
type PaymentService struct {
	db        DB
	gw        Gateway
	plans     PlanRegistry
	lifecycle *Manager
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

// NewPaymentService creates a PaymentService. metrics may be nil.
func NewPaymentService(db DB, gw Gateway, plans PlanRegistry, lifecycle *Manager, m *metrics.Metrics, logger *slog.Logger) *PaymentService {
	if logger == nil {
		logger = slog.Default()
	}
	return &PaymentService{
		db:        db,
		gw:        gw,
		plans:     plans,
		lifecycle: lifecycle,
		metrics:   m,
		logger:    logger,
	}
}

// CreatePayment validates the request against the plan registry, persists
// a PENDING payment record keyed by the client's payment ID, and registers
// the intent with the gateway.
//
// Replaying the same payment ID with identical attributes returns the
// stored record; replaying it with different attributes is an idempotency
// conflict.
func (s *PaymentService) CreatePayment(ctx context.Context, userID string, req CreatePaymentRequest) (*types.Payment, error) {
	if req.PaymentID == "" {
		return nil, types.NewAppError(types.ErrCodeValidationMissingField, "paymentId is required", nil)
	}
	if req.Amount <= 0 {
		return nil, types.NewAppError(types.ErrCodeValidationInvalidAmount,
			fmt.Sprintf("amount must be positive, got %d", req.Amount), nil)
	}
	currency := req.Currency
	if currency == "" {
		currency = defaultCurrency
	}

	payment := &types.Payment{
		PaymentID: req.PaymentID,
		UserID:    userID,
		Amount:    req.Amount,
		Currency:  currency,
		Status:    types.PaymentStatusPending,
		Purpose:   req.Purpose,
	}

	switch req.Purpose {
	case types.PurposeSubscriptionUpgrade:
		plan, err := s.plans.GetPlan(req.TargetTier)
		if err != nil {
			return nil, err
		}
		if req.Amount != plan.Price {
			return nil, types.NewAppError(types.ErrCodeValidationInvalidAmount,
				fmt.Sprintf("amount %d does not match the %s plan price %d", req.Amount, plan.Tier, plan.Price), nil)
		}
		payment.TargetTier = plan.Tier
	case types.PurposeCreditPurchase:
		pack, err := s.plans.GetCreditPack(req.Amount)
		if err != nil {
			return nil, err
		}
		payment.CreditAmount = pack.Credits
	default:
		return nil, types.NewAppError(types.ErrCodeValidationInvalidPurpose,
			fmt.Sprintf("unknown payment purpose %q", req.Purpose), nil)
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	if req.Purpose == types.PurposeSubscriptionUpgrade {
		sub, err := tx.UpsertPendingSubscription(ctx, userID, payment.TargetTier)
		if err != nil {
			return nil, err
		}
		if sub.Status != types.SubStatusPending {
			return nil, types.NewAppError(types.ErrCodeConflictInvalidTransition,
				"a paid subscription cycle is already in progress", nil)
		}
		payment.SubscriptionID = &sub.ID
	}

	if err := tx.CreatePayment(ctx, payment); err != nil {
		var appErr *types.AppError
		if errors.As(err, &appErr) && appErr.Code == types.ErrCodeConflictDuplicatePayment {
			tx.Rollback(ctx)
			return s.resolveDuplicate(ctx, userID, req)
		}
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	s.metrics.PaymentCreated(string(req.Purpose))

	// Register the checkout intent. A gateway failure here leaves the
	// PENDING record in place; the client can retry with the same
	// payment ID, and abandoned records surface in the sweep report.
	if _, err := s.gw.CreatePaymentIntent(ctx, gateway.IntentRequest{
		OrderRef: payment.PaymentID,
		Amount:   payment.Amount,
		Currency: payment.Currency,
		Customer: userID,
	}); err != nil {
		s.logger.Warn("gateway intent registration failed",
			slog.String("payment_id", payment.PaymentID),
			slog.String("error", err.Error()),
		)
		return nil, err
	}

	s.logger.Info("payment created",
		slog.String("payment_id", payment.PaymentID),
		slog.String("user_id", userID),
		slog.String("purpose", string(req.Purpose)),
		slog.Int64("amount", req.Amount),
	)
	return payment, nil
}

// resolveDuplicate decides whether a duplicate payment ID is a benign
// retry (identical attributes: return the stored record) or a key reuse
// (different attributes: conflict).
func (s *PaymentService) resolveDuplicate(ctx context.Context, userID string, req CreatePaymentRequest) (*types.Payment, error) {
	existing, err := s.db.GetPayment(ctx, req.PaymentID)
	if err != nil {
		return nil, err
	}
	if existing.UserID != userID ||
		existing.Purpose != req.Purpose ||
		existing.Amount != req.Amount ||
		existing.TargetTier != req.TargetTier {
		return nil, types.NewAppError(types.ErrCodeConflictIdempotencyMismatch,
			"payment ID was already used with different attributes", nil)
	}
	s.logger.Info("duplicate payment create treated as replay",
		slog.String("payment_id", req.PaymentID),
	)
	return existing, nil
}

// Finalize is the single finalization path for a payment outcome, shared
// by Verify and webhook ingestion. It applies the guarded status
// transition and, only when the record actually changed, the
// purpose-specific side effect, all in one transaction. Because the
// transition is a no-op for a record already in the requested terminal
// state, calling Finalize any number of times with the same outcome
// produces the economic effect exactly once.
func (s *PaymentService) Finalize(ctx context.Context, paymentID string, gwTx *gateway.Transaction) (*types.Payment, error) {
	var target types.PaymentStatus
	switch gwTx.Status {
	case types.GatewayStatusPaid:
		target = types.PaymentStatusPaid
	case types.GatewayStatusFailed:
		target = types.PaymentStatusFailed
	case types.GatewayStatusCancelled:
		target = types.PaymentStatusCanceled
	case types.GatewayStatusPending:
		// Still in flight at the gateway; nothing to finalize.
		return s.db.GetPayment(ctx, paymentID)
	default:
		return nil, types.NewAppError(types.ErrCodeUpstreamGatewayRejected,
			fmt.Sprintf("gateway reported unknown status %q", gwTx.Status), nil)
	}

	now := time.Now().UTC()

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	payment, changed, err := tx.TransitionPayment(ctx, paymentID, target, types.PaymentChange{
		GatewayTxID:    gwTx.ID,
		ReceiptURL:     gwTx.ReceiptURL,
		FailReason:     gwTx.FailReason,
		Method:         gwTx.Method,
		GatewayPayload: gwTx.Raw,
	})
	if err != nil {
		return nil, err
	}
	if !changed {
		s.metrics.PaymentFinalized(string(target), true)
		s.logger.Info("duplicate payment finalization ignored",
			slog.String("payment_id", paymentID),
			slog.String("status", string(payment.Status)),
		)
		return payment, nil
	}

	switch target {
	case types.PaymentStatusPaid:
		if err := s.applyPaidEffect(ctx, tx, payment, now); err != nil {
			return nil, err
		}
	case types.PaymentStatusFailed:
		n := NewPaymentFailedNotification(payment.UserID, payment.SubscriptionID, payment.FailReason)
		if err := tx.CreateNotification(ctx, n); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	s.metrics.PaymentFinalized(string(target), false)
	s.logger.Info("payment finalized",
		slog.String("payment_id", paymentID),
		slog.String("status", string(target)),
		slog.String("purpose", string(payment.Purpose)),
	)
	return payment, nil
}

// applyPaidEffect applies the purpose-specific side effect for a payment
// that just transitioned into PAID.
func (s *PaymentService) applyPaidEffect(ctx context.Context, tx Tx, payment *types.Payment, now time.Time) error {
	switch payment.Purpose {
	case types.PurposeSubscriptionUpgrade:
		sub, err := tx.GetSubscriptionByUserID(ctx, payment.UserID)
		if err != nil {
			return err
		}
		outcome := s.lifecycle.Apply(sub, EventPaymentVerified, now)
		if outcome.Applied {
			ok, err := tx.UpdateSubscription(ctx, sub, outcome.From)
			if err != nil {
				return err
			}
			if !ok {
				// Another writer moved the subscription first. The
				// payment itself stays finalized.
				s.logger.Warn("subscription activation lost optimistic lock",
					slog.String("subscription_id", sub.ID),
					slog.String("payment_id", payment.PaymentID),
				)
				return nil
			}
			if outcome.GrantMonthlyCredits > 0 {
				grant, err := ledger.BuildGrant(payment.UserID, types.CreditSourceSubscription,
					outcome.GrantMonthlyCredits,
					fmt.Sprintf("%s monthly credits", sub.Tier), nil, now)
				if err != nil {
					return err
				}
				if err := tx.InsertCreditEntry(ctx, grant.Entry); err != nil {
					return err
				}
				if err := tx.LinkPaymentArtifacts(ctx, payment.PaymentID, &sub.ID, &grant.Entry.ID); err != nil {
					return err
				}
			}
		}
		return tx.CreateNotification(ctx, NewPaymentSuccessNotification(payment.UserID, &sub.ID, payment.Amount))

	case types.PurposeCreditPurchase:
		grant, err := ledger.BuildGrant(payment.UserID, types.CreditSourcePurchase,
			payment.CreditAmount,
			fmt.Sprintf("Purchased %d credits", payment.CreditAmount), nil, now)
		if err != nil {
			return err
		}
		if err := tx.InsertCreditEntry(ctx, grant.Entry); err != nil {
			return err
		}
		if err := tx.LinkPaymentArtifacts(ctx, payment.PaymentID, nil, &grant.Entry.ID); err != nil {
			return err
		}
		return tx.CreateNotification(ctx, NewPaymentSuccessNotification(payment.UserID, nil, payment.Amount))

	default:
		return types.NewAppError(types.ErrCodeInternalUnexpected,
			fmt.Sprintf("payment %s has unknown purpose %q", payment.PaymentID, payment.Purpose), nil)
	}
}

// Verify reconciles a payment against the gateway's authoritative state
// and finalizes it. Safe to call any number of times; the client calls it
// after checkout, racing freely with webhook delivery.
func (s *PaymentService) Verify(ctx context.Context, userID, paymentID string) (*types.Payment, error) {
	payment, err := s.db.GetPayment(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if payment.UserID != userID {
		return nil, types.NewAppError(types.ErrCodeNotFoundPayment, "payment not found", nil)
	}

	gwTx, err := s.gw.QueryPayment(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	return s.Finalize(ctx, paymentID, gwTx)
}

// GetPayment returns one of the user's payment records.
func (s *PaymentService) GetPayment(ctx context.Context, userID, paymentID string) (*types.Payment, error) {
	payment, err := s.db.GetPayment(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if payment.UserID != userID {
		return nil, types.NewAppError(types.ErrCodeNotFoundPayment, "payment not found", nil)
	}
	return payment, nil
}

// ListPayments returns the user's payment history, newest first.
func (s *PaymentService) ListPayments(ctx context.Context, userID string, limit, offset int) ([]types.Payment, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	return s.db.ListPayments(ctx, userID, limit, offset)
}
