// Package scheduler implements the daily renewal and retry sweep over the
// subscription set. One run makes four ordered passes (expire, warn, renew,
// retry past-due) plus an abandoned-payment report, and returns a summary
// of everything it did.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"slideforge/internal/billing"
	"slideforge/internal/gateway"
	"slideforge/internal/ledger"
	"slideforge/internal/metrics"
	"slideforge/internal/types"
)

// retrySchedule holds the days that must pass since the last failed charge
// before the next retry, indexed by failedPaymentCount-1. The escalation is
// increasingly patient: 1 day after the first failure, then 3, then 7.
var retrySchedule = []int{1, 3, 7}

// warnDays are the expiry warning notices, in days before end_date.
var warnDays = []int{3, 1}

// DB defines the list queries the sweep iterates over, plus Begin for the
// per-subscription transactions.
type DB interface {
	Begin(ctx context.Context) (Tx, error)

	// ListLapsedSubscriptions returns rows for the expire pass: paid
	// periods that ended with renewal off.
	ListLapsedSubscriptions(ctx context.Context, now time.Time) ([]types.Subscription, error)

	// ListSubscriptionsExpiringBetween returns non-renewing rows whose
	// end_date falls in [start, end), for the warn pass.
	ListSubscriptionsExpiringBetween(ctx context.Context, start, end time.Time) ([]types.Subscription, error)

	// ListRenewalDueSubscriptions returns rows due for the renewal
	// charge: auto-renewal on, billing key set, period ended, no prior
	// failures this cycle.
	ListRenewalDueSubscriptions(ctx context.Context, now time.Time) ([]types.Subscription, error)

	// ListRetryCandidateSubscriptions returns rows with 1..3 failed
	// charges and a billing key; the day-based schedule is applied in
	// the retry pass.
	ListRetryCandidateSubscriptions(ctx context.Context) ([]types.Subscription, error)

	// ListStalePendingPayments returns PENDING payments older than the
	// cutoff for the abandoned-payment report.
	ListStalePendingPayments(ctx context.Context, olderThan time.Time) ([]types.Payment, error)
}

// Tx defines the transactional operations one sweep item uses.
type Tx interface {
	UpdateSubscription(ctx context.Context, sub *types.Subscription, expectStatus types.SubscriptionStatus) (bool, error)
	CreateNotification(ctx context.Context, n *types.SubscriptionNotification) error
	NotificationExists(ctx context.Context, subscriptionID string, typ types.NotificationType, daysBeforeExpiry *int) (bool, error)
	InsertCreditEntry(ctx context.Context, e *types.CreditTransaction) error
	CreatePayment(ctx context.Context, p *types.Payment) error

	Commit(ctx context.Context) error
	Rollback(ctx context.Context)
}

// Gateway is the single charge operation the sweep needs.
type Gateway interface {
	ChargeBillingKey(ctx context.Context, ref string, amount int64, currency, orderRef string) (*gateway.Transaction, error)
}

// Sweeper runs the four-pass sweep. It is safe to re-run: every pass is
// idempotent through the optimistic subscription updates and notification
// deduplication.
type Sweeper struct {
	db              DB
	gw              Gateway
	plans           billing.PlanRegistry
	lifecycle       *billing.Manager
	metrics         *metrics.Metrics
	logger          *slog.Logger
	stalePendingAge time.Duration
}

// NewSweeper creates a Sweeper. metrics may be nil.
func NewSweeper(db DB, gw Gateway, plans billing.PlanRegistry, lifecycle *billing.Manager, m *metrics.Metrics, stalePendingAge time.Duration, logger *slog.Logger) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	if stalePendingAge <= 0 {
		stalePendingAge = 24 * time.Hour
	}
	return &Sweeper{
		db:              db,
		gw:              gw,
		plans:           plans,
		lifecycle:       lifecycle,
		metrics:         m,
		logger:          logger,
		stalePendingAge: stalePendingAge,
	}
}

// Run executes one complete sweep as of now. A failure on one subscription
// is recorded in the summary and skipped; it never aborts the remaining
// work. Only a failure to list a pass's work set ends the run early.
func (s *Sweeper) Run(ctx context.Context, now time.Time) (*types.SweepSummary, error) {
	started := time.Now()
	summary := &types.SweepSummary{}

	s.logger.InfoContext(ctx, "sweep starting", "as_of", now.Format(time.RFC3339))

	if err := s.expirePass(ctx, now, summary); err != nil {
		return summary, err
	}
	if err := s.warnPass(ctx, now, summary); err != nil {
		return summary, err
	}
	if err := s.renewPass(ctx, now, summary); err != nil {
		return summary, err
	}
	if err := s.retryPass(ctx, now, summary); err != nil {
		return summary, err
	}
	if err := s.stalePendingReport(ctx, now, summary); err != nil {
		return summary, err
	}

	s.metrics.SweepDuration(time.Since(started))
	s.logger.InfoContext(ctx, "sweep complete",
		"expired", summary.Expired,
		"notifications_created", summary.NotificationsCreated,
		"renewals_attempted", summary.RenewalsAttempted,
		"renewals_succeeded", summary.RenewalsSucceeded,
		"retries_attempted", summary.RetriesAttempted,
		"retries_succeeded", summary.RetriesSucceeded,
		"stale_pending_payments", summary.StalePendingPayments,
		"errors", len(summary.Errors),
	)
	return summary, nil
}

// expirePass downgrades subscriptions whose paid period ended with renewal
// off. Runs first so later passes never see rows it should have handled.
func (s *Sweeper) expirePass(ctx context.Context, now time.Time, summary *types.SweepSummary) error {
	subs, err := s.db.ListLapsedSubscriptions(ctx, now)
	if err != nil {
		return fmt.Errorf("listing lapsed subscriptions: %w", err)
	}

	for i := range subs {
		sub := subs[i]
		if err := s.expireOne(ctx, &sub, now, summary); err != nil {
			s.recordItemError(ctx, summary, "expire", sub.ID, err)
			continue
		}
	}
	return nil
}

func (s *Sweeper) expireOne(ctx context.Context, sub *types.Subscription, now time.Time, summary *types.SweepSummary) error {
	previousTier := sub.Tier

	outcome := s.lifecycle.Apply(sub, billing.EventPeriodLapsed, now)
	if !outcome.Applied {
		return nil
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	ok, err := tx.UpdateSubscription(ctx, sub, outcome.From)
	if err != nil {
		return err
	}
	if !ok {
		// Another writer moved the row; it no longer needs expiring.
		s.metrics.SweepItem("expire", "skipped")
		return nil
	}
	if err := tx.CreateNotification(ctx, billing.NewExpiredNotification(sub, previousTier)); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return err
	}

	summary.Expired++
	summary.NotificationsCreated++
	s.metrics.SweepItem("expire", "expired")
	return nil
}

// warnPass creates EXPIRING_SOON notices for non-renewing subscriptions
// whose end_date falls in the 3-day or 1-day window. Deduplicated by a
// prior notification of the same (type, daysBeforeExpiry), so re-running
// the sweep never double-notifies.
func (s *Sweeper) warnPass(ctx context.Context, now time.Time, summary *types.SweepSummary) error {
	for _, days := range warnDays {
		start := now.AddDate(0, 0, days-1)
		end := now.AddDate(0, 0, days)

		subs, err := s.db.ListSubscriptionsExpiringBetween(ctx, start, end)
		if err != nil {
			return fmt.Errorf("listing subscriptions expiring in %d day(s): %w", days, err)
		}

		for i := range subs {
			sub := subs[i]
			if err := s.warnOne(ctx, &sub, days, summary); err != nil {
				s.recordItemError(ctx, summary, "warn", sub.ID, err)
				continue
			}
		}
	}
	return nil
}

func (s *Sweeper) warnOne(ctx context.Context, sub *types.Subscription, days int, summary *types.SweepSummary) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	exists, err := tx.NotificationExists(ctx, sub.ID, types.NotificationExpiringSoon, &days)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	if err := tx.CreateNotification(ctx, billing.NewExpiringSoonNotification(sub, days)); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return err
	}

	summary.NotificationsCreated++
	s.metrics.SweepItem("warn", "notified")
	return nil
}

// renewPass charges the renewal amount for subscriptions due today.
func (s *Sweeper) renewPass(ctx context.Context, now time.Time, summary *types.SweepSummary) error {
	subs, err := s.db.ListRenewalDueSubscriptions(ctx, now)
	if err != nil {
		return fmt.Errorf("listing renewal-due subscriptions: %w", err)
	}

	for i := range subs {
		sub := subs[i]
		summary.RenewalsAttempted++
		succeeded, err := s.chargeOne(ctx, &sub, billing.EventRenewalSucceeded, "renew", now)
		if err != nil {
			s.recordItemError(ctx, summary, "renew", sub.ID, err)
			continue
		}
		if succeeded {
			summary.RenewalsSucceeded++
		}
	}
	return nil
}

// retryPass re-attempts the charge for subscriptions with 1..3 failures,
// once the schedule's waiting period since the last attempt has passed.
func (s *Sweeper) retryPass(ctx context.Context, now time.Time, summary *types.SweepSummary) error {
	subs, err := s.db.ListRetryCandidateSubscriptions(ctx)
	if err != nil {
		return fmt.Errorf("listing retry candidates: %w", err)
	}

	for i := range subs {
		sub := subs[i]
		if !retryDue(&sub, now) {
			continue
		}
		summary.RetriesAttempted++
		succeeded, err := s.chargeOne(ctx, &sub, billing.EventRetrySucceeded, "retry", now)
		if err != nil {
			s.recordItemError(ctx, summary, "retry", sub.ID, err)
			continue
		}
		if succeeded {
			summary.RetriesSucceeded++
		}
	}
	return nil
}

// retryDue applies the day-based schedule: the wait before attempt N+1 is
// retrySchedule[N-1] days after the Nth failure, clamped at the last step.
func retryDue(sub *types.Subscription, now time.Time) bool {
	if sub.LastPaymentAttempt == nil || sub.FailedPaymentCount < 1 {
		return false
	}
	idx := sub.FailedPaymentCount - 1
	if idx >= len(retrySchedule) {
		idx = len(retrySchedule) - 1
	}
	daysSince := int(now.Sub(*sub.LastPaymentAttempt).Hours() / 24)
	return daysSince >= retrySchedule[idx]
}

// chargeOne performs one off-session charge and applies the outcome to the
// subscription, recording the payment, the lifecycle transition, the credit
// allotment on success, and the user notification in a single transaction.
//
// A transport-level gateway failure (timeout, breaker open) is returned as
// an error without touching the subscription: the outcome of the charge is
// unknown, so the failure counter must not move. A decline reported by the
// gateway is a definitive outcome and escalates the counter.
//
// When the subscription moved under us between listing and update, the
// payment record is still committed: a completed charge must always leave
// a persisted attempt, even when its lifecycle effect no longer applies.
func (s *Sweeper) chargeOne(ctx context.Context, sub *types.Subscription, successEvent billing.Event, pass string, now time.Time) (bool, error) {
	if sub.BillingKeyRef == nil {
		return false, nil
	}
	plan, err := s.plans.GetPlan(sub.Tier)
	if err != nil {
		return false, err
	}

	orderRef := "ren_" + uuid.NewString()
	gwTx, err := s.gw.ChargeBillingKey(ctx, *sub.BillingKeyRef, plan.Price, defaultChargeCurrency, orderRef)
	if err != nil {
		s.metrics.GatewayCharge("error")
		return false, err
	}

	payment := &types.Payment{
		PaymentID:      orderRef,
		UserID:         sub.UserID,
		Amount:         plan.Price,
		Currency:       defaultChargeCurrency,
		Purpose:        types.PurposeSubscriptionUpgrade,
		TargetTier:     sub.Tier,
		SubscriptionID: &sub.ID,
		GatewayTxID:    gwTx.ID,
		FailReason:     gwTx.FailReason,
		GatewayPayload: gwTx.Raw,
	}

	var event billing.Event
	if gwTx.Status == types.GatewayStatusPaid {
		payment.Status = types.PaymentStatusPaid
		event = successEvent
		s.metrics.GatewayCharge("paid")
	} else {
		payment.Status = types.PaymentStatusFailed
		event = billing.EventRenewalFailed
		s.metrics.GatewayCharge("declined")
	}

	outcome := s.lifecycle.Apply(sub, event, now)

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer tx.Rollback(ctx)

	if err := tx.CreatePayment(ctx, payment); err != nil {
		return false, err
	}

	applied := false
	if outcome.Applied {
		applied, err = tx.UpdateSubscription(ctx, sub, outcome.From)
		if err != nil {
			return false, err
		}
	}
	if !applied {
		// The gateway already produced a definitive outcome for this
		// charge, so its record must survive even though the subscription
		// moved under us. Commit the payment row alone and surface the
		// mismatch; the gateway webhook finds the record and the
		// terminal-state guard makes its redelivery a no-op.
		if err := tx.Commit(ctx); err != nil {
			return false, err
		}
		return false, fmt.Errorf("subscription changed concurrently; charge %s recorded without applying %s", orderRef, event)
	}

	if event == successEvent {
		if outcome.GrantMonthlyCredits > 0 {
			grant, err := ledger.BuildGrant(sub.UserID, types.CreditSourceSubscription,
				outcome.GrantMonthlyCredits,
				fmt.Sprintf("%s monthly credits", sub.Tier), nil, now)
			if err != nil {
				return false, err
			}
			if err := tx.InsertCreditEntry(ctx, grant.Entry); err != nil {
				return false, err
			}
		}
		if err := tx.CreateNotification(ctx, billing.NewRenewedNotification(sub)); err != nil {
			return false, err
		}
	} else {
		if err := tx.CreateNotification(ctx, billing.NewPaymentFailedNotification(sub.UserID, &sub.ID, gwTx.FailReason)); err != nil {
			return false, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return false, err
	}

	if event == successEvent {
		s.metrics.SweepItem(pass, "succeeded")
		return true, nil
	}
	s.metrics.SweepItem(pass, "failed")
	return false, nil
}

// stalePendingReport surfaces PENDING payments older than the configured
// age. They are reported for reconciliation, never auto-failed: the
// gateway may still deliver their outcome, and the terminal-state guard
// makes late delivery safe.
func (s *Sweeper) stalePendingReport(ctx context.Context, now time.Time, summary *types.SweepSummary) error {
	payments, err := s.db.ListStalePendingPayments(ctx, now.Add(-s.stalePendingAge))
	if err != nil {
		return fmt.Errorf("listing stale pending payments: %w", err)
	}

	for i := range payments {
		p := payments[i]
		s.logger.WarnContext(ctx, "stale pending payment",
			"payment_id", p.PaymentID,
			"user_id", p.UserID,
			"age_hours", int(now.Sub(p.CreatedAt).Hours()),
		)
	}
	summary.StalePendingPayments = len(payments)
	return nil
}

const defaultChargeCurrency = "KRW"

func (s *Sweeper) recordItemError(ctx context.Context, summary *types.SweepSummary, pass, subjectID string, err error) {
	summary.Errors = append(summary.Errors, fmt.Sprintf("%s %s: %v", pass, subjectID, err))
	s.metrics.SweepItem(pass, "error")
	s.logger.ErrorContext(ctx, "sweep item failed",
		"pass", pass,
		"subject_id", subjectID,
		"error", err,
	)
}
