package db

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"slideforge/internal/types"
)

// queries bundles every repository over a single DBTX so the same method
// set is available both on the pool (autocommit reads) and inside a
// transaction. Service packages consume these methods through their own
// narrow interfaces.
type queries struct {
	payments       *PaymentRepo
	subscriptions  *SubscriptionRepo
	credits        *CreditRepo
	notifications  *NotificationRepo
	paymentMethods *PaymentMethodRepo
}

func newQueries(db DBTX) queries {
	return queries{
		payments:       NewPaymentRepo(db),
		subscriptions:  NewSubscriptionRepo(db),
		credits:        NewCreditRepo(db),
		notifications:  NewNotificationRepo(db),
		paymentMethods: NewPaymentMethodRepo(db),
	}
}

// Payments.

func (q queries) CreatePayment(ctx context.Context, p *types.Payment) error {
	return q.payments.Create(ctx, p)
}

func (q queries) GetPayment(ctx context.Context, paymentID string) (*types.Payment, error) {
	return q.payments.Get(ctx, paymentID)
}

func (q queries) TransitionPayment(ctx context.Context, paymentID string, newStatus types.PaymentStatus, ch types.PaymentChange) (*types.Payment, bool, error) {
	return q.payments.TransitionTo(ctx, paymentID, newStatus, ch)
}

func (q queries) LinkPaymentArtifacts(ctx context.Context, paymentID string, subscriptionID, creditTransactionID *string) error {
	return q.payments.LinkArtifacts(ctx, paymentID, subscriptionID, creditTransactionID)
}

func (q queries) ListPayments(ctx context.Context, userID string, limit, offset int) ([]types.Payment, error) {
	return q.payments.ListByUser(ctx, userID, limit, offset)
}

func (q queries) ListStalePendingPayments(ctx context.Context, olderThan time.Time) ([]types.Payment, error) {
	return q.payments.ListStalePending(ctx, olderThan)
}

// Subscriptions.

func (q queries) GetSubscriptionByUserID(ctx context.Context, userID string) (*types.Subscription, error) {
	return q.subscriptions.GetByUserID(ctx, userID)
}

func (q queries) GetSubscription(ctx context.Context, id string) (*types.Subscription, error) {
	return q.subscriptions.GetByID(ctx, id)
}

func (q queries) UpsertPendingSubscription(ctx context.Context, userID string, targetTier types.Tier) (*types.Subscription, error) {
	return q.subscriptions.UpsertPending(ctx, userID, targetTier)
}

func (q queries) UpdateSubscription(ctx context.Context, sub *types.Subscription, expectStatus types.SubscriptionStatus) (bool, error) {
	return q.subscriptions.Update(ctx, sub, expectStatus)
}

func (q queries) SetSubscriptionBillingKey(ctx context.Context, userID string, ref *string) error {
	return q.subscriptions.SetBillingKey(ctx, userID, ref)
}

func (q queries) ListLapsedSubscriptions(ctx context.Context, now time.Time) ([]types.Subscription, error) {
	return q.subscriptions.ListLapsed(ctx, now)
}

func (q queries) ListSubscriptionsExpiringBetween(ctx context.Context, start, end time.Time) ([]types.Subscription, error) {
	return q.subscriptions.ListExpiringBetween(ctx, start, end)
}

func (q queries) ListRenewalDueSubscriptions(ctx context.Context, now time.Time) ([]types.Subscription, error) {
	return q.subscriptions.ListRenewalDue(ctx, now)
}

func (q queries) ListRetryCandidateSubscriptions(ctx context.Context) ([]types.Subscription, error) {
	return q.subscriptions.ListRetryCandidates(ctx)
}

// Credit ledger.

func (q queries) InsertCreditEntry(ctx context.Context, e *types.CreditTransaction) error {
	return q.credits.Insert(ctx, e)
}

func (q queries) InsertCreditEntries(ctx context.Context, entries []*types.CreditTransaction) error {
	return q.credits.InsertMany(ctx, entries)
}

func (q queries) CreditBalance(ctx context.Context, userID string, now time.Time) (int64, error) {
	return q.credits.Balance(ctx, userID, now)
}

func (q queries) ListActiveCreditEntries(ctx context.Context, userID string, now time.Time) ([]types.CreditTransaction, error) {
	return q.credits.ListActive(ctx, userID, now)
}

func (q queries) ListCreditTransactions(ctx context.Context, userID string, limit, offset int) ([]types.CreditTransaction, error) {
	return q.credits.ListByUser(ctx, userID, limit, offset)
}

func (q queries) LockCreditLedger(ctx context.Context, userID string) error {
	return q.credits.AcquireUserLock(ctx, userID)
}

// Notifications.

func (q queries) CreateNotification(ctx context.Context, n *types.SubscriptionNotification) error {
	return q.notifications.Create(ctx, n)
}

func (q queries) NotificationExists(ctx context.Context, subscriptionID string, typ types.NotificationType, daysBeforeExpiry *int) (bool, error) {
	return q.notifications.Exists(ctx, subscriptionID, typ, daysBeforeExpiry)
}

func (q queries) ListNotifications(ctx context.Context, userID string, unreadOnly bool, limit, offset int) ([]types.SubscriptionNotification, error) {
	return q.notifications.ListByUser(ctx, userID, unreadOnly, limit, offset)
}

func (q queries) MarkNotificationRead(ctx context.Context, userID, notificationID string) error {
	return q.notifications.MarkRead(ctx, userID, notificationID)
}

func (q queries) MarkAllNotificationsRead(ctx context.Context, userID string) (int, error) {
	return q.notifications.MarkAllRead(ctx, userID)
}

// Payment methods.

func (q queries) ActivatePaymentMethod(ctx context.Context, pm *types.PaymentMethod) error {
	return q.paymentMethods.Activate(ctx, pm)
}

func (q queries) GetActivePaymentMethod(ctx context.Context, userID string) (*types.PaymentMethod, error) {
	return q.paymentMethods.GetActive(ctx, userID)
}

func (q queries) DeactivatePaymentMethod(ctx context.Context, userID string) (string, error) {
	return q.paymentMethods.Deactivate(ctx, userID)
}

// Store is the concrete database access layer over a pgx connection pool.
// Methods called directly on the Store run in autocommit mode; Begin opens
// a transaction whose Tx exposes the same method set plus Commit/Rollback.
type Store struct {
	queries
	pool *pgxpool.Pool
}

// NewStore creates a Store over the given pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{
		queries: newQueries(pool),
		pool:    pool,
	}
}

// Begin opens a database transaction.
func (s *Store) Begin(ctx context.Context) (*Tx, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to begin transaction", err)
	}
	return &Tx{
		queries: newQueries(tx),
		tx:      tx,
	}, nil
}

// Tx is an open database transaction carrying the full query method set.
type Tx struct {
	queries
	tx pgx.Tx
}

// Commit commits the transaction.
func (t *Tx) Commit(ctx context.Context) error {
	if err := t.tx.Commit(ctx); err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to commit transaction", err)
	}
	return nil
}

// Rollback aborts the transaction. Rolling back an already-committed
// transaction is a no-op, so it is safe to defer unconditionally.
func (t *Tx) Rollback(ctx context.Context) {
	_ = t.tx.Rollback(ctx)
}
