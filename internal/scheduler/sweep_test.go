package scheduler

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"slideforge/internal/billing"
	"slideforge/internal/gateway"
	"slideforge/internal/types"
)

func testNow() time.Time {
	return time.Date(2025, 6, 15, 3, 0, 0, 0, time.UTC)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeSweepDB stages the list results per pass. Its transactions buffer
// writes until Commit and discard them on Rollback, so the tests observe
// exactly what a committed sweep leaves behind.
type fakeSweepDB struct {
	lapsed        []types.Subscription
	expiring      map[int][]types.Subscription // keyed by warn-window days
	renewalDue    []types.Subscription
	retryDue      []types.Subscription
	stalePending  []types.Payment
	subscriptions map[string]*types.Subscription // keyed by subscription ID

	payments      []*types.Payment
	entries       []*types.CreditTransaction
	notifications []*types.SubscriptionNotification

	listErr error
}

func newFakeSweepDB() *fakeSweepDB {
	return &fakeSweepDB{
		expiring:      make(map[int][]types.Subscription),
		subscriptions: make(map[string]*types.Subscription),
	}
}

func (f *fakeSweepDB) add(sub types.Subscription) {
	cp := sub
	f.subscriptions[sub.ID] = &cp
}

func (f *fakeSweepDB) Begin(ctx context.Context) (Tx, error) {
	return &fakeSweepTx{db: f}, nil
}

func (f *fakeSweepDB) ListLapsedSubscriptions(_ context.Context, _ time.Time) ([]types.Subscription, error) {
	return f.lapsed, f.listErr
}

func (f *fakeSweepDB) ListSubscriptionsExpiringBetween(_ context.Context, start, end time.Time) ([]types.Subscription, error) {
	days := int(end.Sub(testNow()).Hours() / 24)
	return f.expiring[days], nil
}

func (f *fakeSweepDB) ListRenewalDueSubscriptions(_ context.Context, _ time.Time) ([]types.Subscription, error) {
	return f.renewalDue, nil
}

func (f *fakeSweepDB) ListRetryCandidateSubscriptions(_ context.Context) ([]types.Subscription, error) {
	return f.retryDue, nil
}

func (f *fakeSweepDB) ListStalePendingPayments(_ context.Context, _ time.Time) ([]types.Payment, error) {
	return f.stalePending, nil
}

func (f *fakeSweepDB) notificationTypes() []types.NotificationType {
	out := make([]types.NotificationType, 0, len(f.notifications))
	for _, n := range f.notifications {
		out = append(out, n.Type)
	}
	return out
}

type fakeSweepTx struct {
	db   *fakeSweepDB
	done bool

	stagedSubs          []*types.Subscription
	stagedNotifications []*types.SubscriptionNotification
	stagedEntries       []*types.CreditTransaction
	stagedPayments      []*types.Payment
}

func (t *fakeSweepTx) Commit(context.Context) error {
	t.done = true
	for _, s := range t.stagedSubs {
		t.db.subscriptions[s.ID] = s
	}
	t.db.notifications = append(t.db.notifications, t.stagedNotifications...)
	t.db.entries = append(t.db.entries, t.stagedEntries...)
	t.db.payments = append(t.db.payments, t.stagedPayments...)
	return nil
}

func (t *fakeSweepTx) Rollback(context.Context) { t.done = true }

func (t *fakeSweepTx) UpdateSubscription(_ context.Context, sub *types.Subscription, expectStatus types.SubscriptionStatus) (bool, error) {
	stored, ok := t.db.subscriptions[sub.ID]
	if !ok || stored.Status != expectStatus {
		return false, nil
	}
	cp := *sub
	t.stagedSubs = append(t.stagedSubs, &cp)
	return true, nil
}

func (t *fakeSweepTx) CreateNotification(_ context.Context, n *types.SubscriptionNotification) error {
	cp := *n
	t.stagedNotifications = append(t.stagedNotifications, &cp)
	return nil
}

func (t *fakeSweepTx) NotificationExists(_ context.Context, subscriptionID string, typ types.NotificationType, daysBeforeExpiry *int) (bool, error) {
	for _, n := range t.db.notifications {
		if n.SubscriptionID == nil || *n.SubscriptionID != subscriptionID || n.Type != typ {
			continue
		}
		if daysBeforeExpiry == nil || (n.DaysBeforeExpiry != nil && *n.DaysBeforeExpiry == *daysBeforeExpiry) {
			return true, nil
		}
	}
	return false, nil
}

func (t *fakeSweepTx) InsertCreditEntry(_ context.Context, e *types.CreditTransaction) error {
	cp := *e
	t.stagedEntries = append(t.stagedEntries, &cp)
	return nil
}

func (t *fakeSweepTx) CreatePayment(_ context.Context, p *types.Payment) error {
	cp := *p
	t.stagedPayments = append(t.stagedPayments, &cp)
	return nil
}

// fakeChargeGateway scripts ChargeBillingKey per billing key ref.
type fakeChargeGateway struct {
	results map[string]*gateway.Transaction
	errs    map[string]error
	charges []string
}

func (g *fakeChargeGateway) ChargeBillingKey(_ context.Context, ref string, amount int64, currency, orderRef string) (*gateway.Transaction, error) {
	g.charges = append(g.charges, ref)
	if err, ok := g.errs[ref]; ok {
		return nil, err
	}
	if tx, ok := g.results[ref]; ok {
		out := *tx
		out.OrderRef = orderRef
		return &out, nil
	}
	return &gateway.Transaction{ID: "gwtx_" + ref, OrderRef: orderRef, Status: types.GatewayStatusPaid}, nil
}

func newTestSweeper(db *fakeSweepDB, gw Gateway) *Sweeper {
	plans := billing.NewStaticPlanRegistry()
	lifecycle := billing.NewManager(plans, testLogger())
	return NewSweeper(db, gw, plans, lifecycle, nil, 24*time.Hour, testLogger())
}

func paidSub(id, userID string, tier types.Tier, end time.Time) types.Subscription {
	key := "bk_" + id
	return types.Subscription{
		ID:            id,
		UserID:        userID,
		Tier:          tier,
		Status:        types.SubStatusActive,
		AutoRenewal:   true,
		EndDate:       &end,
		BillingKeyRef: &key,
	}
}

func TestSweep_ExpirePass(t *testing.T) {
	now := testNow()
	db := newFakeSweepDB()

	sub := paidSub("sub_1", "user_1", types.TierPro, now.Add(-24*time.Hour))
	sub.AutoRenewal = false
	db.lapsed = []types.Subscription{sub}
	db.add(sub)

	summary, err := newTestSweeper(db, &fakeChargeGateway{}).Run(context.Background(), now)
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Expired)
	assert.Equal(t, 1, summary.NotificationsCreated)
	assert.Empty(t, summary.Errors)

	stored := db.subscriptions["sub_1"]
	assert.Equal(t, types.SubStatusExpired, stored.Status)
	assert.Equal(t, types.TierFree, stored.Tier)
	assert.Nil(t, stored.BillingKeyRef)
	assert.Contains(t, db.notificationTypes(), types.NotificationExpired)
}

func TestSweep_ExpireLostRaceIsSkipped(t *testing.T) {
	now := testNow()
	db := newFakeSweepDB()

	sub := paidSub("sub_1", "user_1", types.TierPro, now.Add(-24*time.Hour))
	sub.AutoRenewal = false
	db.lapsed = []types.Subscription{sub}
	// Another writer moved the stored row after the list query; the
	// optimistic status guard must turn the expire into a no-op.
	moved := sub
	moved.Status = types.SubStatusCanceled
	db.subscriptions["sub_1"] = &moved

	summary, err := newTestSweeper(db, &fakeChargeGateway{}).Run(context.Background(), now)
	require.NoError(t, err)

	assert.Zero(t, summary.Expired)
	assert.Empty(t, db.notifications)
}

func TestSweep_WarnPassDeduplicates(t *testing.T) {
	now := testNow()
	db := newFakeSweepDB()

	sub := paidSub("sub_1", "user_1", types.TierPro, now.Add(60*time.Hour))
	sub.AutoRenewal = false
	db.expiring[3] = []types.Subscription{sub}
	db.add(sub)

	sweeper := newTestSweeper(db, &fakeChargeGateway{})

	summary, err := sweeper.Run(context.Background(), now)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.NotificationsCreated)

	require.Len(t, db.notifications, 1)
	n := db.notifications[0]
	assert.Equal(t, types.NotificationExpiringSoon, n.Type)
	require.NotNil(t, n.DaysBeforeExpiry)
	assert.Equal(t, 3, *n.DaysBeforeExpiry)

	// Re-running the sweep must not notify again.
	summary, err = sweeper.Run(context.Background(), now)
	require.NoError(t, err)
	assert.Zero(t, summary.NotificationsCreated)
	assert.Len(t, db.notifications, 1)
}

func TestSweep_RenewPassSuccess(t *testing.T) {
	now := testNow()
	db := newFakeSweepDB()

	end := now.Add(-time.Hour)
	sub := paidSub("sub_1", "user_1", types.TierPro, end)
	sub.CreditsGrantedForCycle = true
	db.renewalDue = []types.Subscription{sub}
	db.add(sub)

	gw := &fakeChargeGateway{}
	summary, err := newTestSweeper(db, gw).Run(context.Background(), now)
	require.NoError(t, err)

	assert.Equal(t, 1, summary.RenewalsAttempted)
	assert.Equal(t, 1, summary.RenewalsSucceeded)
	assert.Equal(t, []string{"bk_sub_1"}, gw.charges)

	require.Len(t, db.payments, 1)
	p := db.payments[0]
	assert.Equal(t, types.PaymentStatusPaid, p.Status)
	assert.True(t, strings.HasPrefix(p.PaymentID, "ren_"))
	assert.Equal(t, int64(9900), p.Amount)

	stored := db.subscriptions["sub_1"]
	assert.Equal(t, types.SubStatusActive, stored.Status)
	assert.Equal(t, end.Add(30*24*time.Hour), *stored.EndDate)
	assert.Zero(t, stored.FailedPaymentCount)

	// Fresh cycle grants the monthly allotment.
	require.Len(t, db.entries, 1)
	assert.Equal(t, int64(500), db.entries[0].Amount)
	assert.Equal(t, types.CreditSourceSubscription, db.entries[0].SourceType)
	assert.Contains(t, db.notificationTypes(), types.NotificationRenewed)
}

func TestSweep_RenewLostRaceStillRecordsCharge(t *testing.T) {
	now := testNow()
	db := newFakeSweepDB()

	sub := paidSub("sub_1", "user_1", types.TierPro, now.Add(-time.Hour))
	db.renewalDue = []types.Subscription{sub}

	// The user canceled between the list query and the charge.
	stored := sub
	stored.Status = types.SubStatusCanceled
	db.add(stored)

	gw := &fakeChargeGateway{}
	summary, err := newTestSweeper(db, gw).Run(context.Background(), now)
	require.NoError(t, err)

	// The card was charged, so the attempt must survive the lost race:
	// the later webhook for this order ref has to find its record.
	require.Len(t, gw.charges, 1)
	require.Len(t, db.payments, 1)
	assert.Equal(t, types.PaymentStatusPaid, db.payments[0].Status)
	assert.True(t, strings.HasPrefix(db.payments[0].PaymentID, "ren_"))

	// The renewal itself did not apply and the mismatch is surfaced.
	assert.Equal(t, 1, summary.RenewalsAttempted)
	assert.Zero(t, summary.RenewalsSucceeded)
	require.Len(t, summary.Errors, 1)
	assert.Contains(t, summary.Errors[0], "renew sub_1")

	assert.Equal(t, types.SubStatusCanceled, db.subscriptions["sub_1"].Status)
	assert.Empty(t, db.entries)
	assert.Empty(t, db.notifications)
}

func TestSweep_RenewDecline(t *testing.T) {
	now := testNow()
	db := newFakeSweepDB()

	sub := paidSub("sub_1", "user_1", types.TierPro, now.Add(-time.Hour))
	db.renewalDue = []types.Subscription{sub}
	db.add(sub)

	gw := &fakeChargeGateway{results: map[string]*gateway.Transaction{
		"bk_sub_1": {ID: "gwtx_1", Status: types.GatewayStatusFailed, FailReason: "card declined"},
	}}
	summary, err := newTestSweeper(db, gw).Run(context.Background(), now)
	require.NoError(t, err)

	assert.Equal(t, 1, summary.RenewalsAttempted)
	assert.Zero(t, summary.RenewalsSucceeded)
	assert.Empty(t, summary.Errors)

	require.Len(t, db.payments, 1)
	assert.Equal(t, types.PaymentStatusFailed, db.payments[0].Status)
	assert.Equal(t, "card declined", db.payments[0].FailReason)

	stored := db.subscriptions["sub_1"]
	assert.Equal(t, 1, stored.FailedPaymentCount)
	assert.Equal(t, types.SubStatusActive, stored.Status)
	assert.Empty(t, db.entries)
	assert.Contains(t, db.notificationTypes(), types.NotificationPaymentFailed)
}

func TestSweep_TransportErrorLeavesCounterUntouched(t *testing.T) {
	now := testNow()
	db := newFakeSweepDB()

	sub := paidSub("sub_1", "user_1", types.TierPro, now.Add(-time.Hour))
	db.renewalDue = []types.Subscription{sub}
	db.add(sub)

	gw := &fakeChargeGateway{errs: map[string]error{
		"bk_sub_1": types.NewAppError(types.ErrCodeUpstreamGatewayUnavailable, "gateway timeout", nil),
	}}
	summary, err := newTestSweeper(db, gw).Run(context.Background(), now)
	require.NoError(t, err)

	assert.Equal(t, 1, summary.RenewalsAttempted)
	assert.Zero(t, summary.RenewalsSucceeded)
	require.Len(t, summary.Errors, 1)
	assert.Contains(t, summary.Errors[0], "renew sub_1")

	// Charge outcome unknown: no payment record, no counter movement.
	assert.Empty(t, db.payments)
	assert.Zero(t, db.subscriptions["sub_1"].FailedPaymentCount)
}

func TestSweep_RetryEscalatesToPastDue(t *testing.T) {
	now := testNow()
	db := newFakeSweepDB()

	sub := paidSub("sub_1", "user_1", types.TierPremium, now.Add(-3*24*time.Hour))
	sub.FailedPaymentCount = 2
	attempt := now.Add(-4 * 24 * time.Hour)
	sub.LastPaymentAttempt = &attempt
	db.retryDue = []types.Subscription{sub}
	db.add(sub)

	gw := &fakeChargeGateway{results: map[string]*gateway.Transaction{
		"bk_sub_1": {ID: "gwtx_1", Status: types.GatewayStatusFailed, FailReason: "insufficient funds"},
	}}
	summary, err := newTestSweeper(db, gw).Run(context.Background(), now)
	require.NoError(t, err)

	assert.Equal(t, 1, summary.RetriesAttempted)
	assert.Zero(t, summary.RetriesSucceeded)

	stored := db.subscriptions["sub_1"]
	assert.Equal(t, 3, stored.FailedPaymentCount)
	assert.Equal(t, types.SubStatusPastDue, stored.Status)
}

func TestSweep_RetryRecoversPastDue(t *testing.T) {
	now := testNow()
	db := newFakeSweepDB()

	end := now.Add(-10 * 24 * time.Hour)
	sub := paidSub("sub_1", "user_1", types.TierPro, end)
	sub.Status = types.SubStatusPastDue
	sub.FailedPaymentCount = 3
	attempt := now.Add(-8 * 24 * time.Hour)
	sub.LastPaymentAttempt = &attempt
	db.retryDue = []types.Subscription{sub}
	db.add(sub)

	summary, err := newTestSweeper(db, &fakeChargeGateway{}).Run(context.Background(), now)
	require.NoError(t, err)

	assert.Equal(t, 1, summary.RetriesAttempted)
	assert.Equal(t, 1, summary.RetriesSucceeded)

	stored := db.subscriptions["sub_1"]
	assert.Equal(t, types.SubStatusActive, stored.Status)
	assert.Zero(t, stored.FailedPaymentCount)
	require.Len(t, db.entries, 1)
	assert.Equal(t, int64(500), db.entries[0].Amount)
}

func TestRetryDue_Schedule(t *testing.T) {
	now := testNow()

	tests := []struct {
		name     string
		failures int
		daysAgo  int
		want     bool
	}{
		{"first failure waits one day", 1, 0, false},
		{"first failure due after one day", 1, 1, true},
		{"second failure waits three days", 2, 2, false},
		{"second failure due after three days", 2, 3, true},
		{"third failure waits seven days", 3, 6, false},
		{"third failure due after seven days", 3, 7, true},
		{"counter beyond schedule clamps to last step", 5, 7, true},
		{"no failures never due", 0, 30, false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			sub := paidSub("sub_1", "user_1", types.TierPro, now)
			sub.FailedPaymentCount = tc.failures
			attempt := now.AddDate(0, 0, -tc.daysAgo)
			sub.LastPaymentAttempt = &attempt

			assert.Equal(t, tc.want, retryDue(&sub, now))
		})
	}

	t.Run("no prior attempt never due", func(t *testing.T) {
		sub := paidSub("sub_1", "user_1", types.TierPro, now)
		sub.FailedPaymentCount = 1
		assert.False(t, retryDue(&sub, now))
	})
}

func TestSweep_StalePendingReport(t *testing.T) {
	now := testNow()
	db := newFakeSweepDB()
	db.stalePending = []types.Payment{
		{PaymentID: "pay_old", UserID: "user_1", Status: types.PaymentStatusPending, CreatedAt: now.Add(-48 * time.Hour)},
		{PaymentID: "pay_older", UserID: "user_2", Status: types.PaymentStatusPending, CreatedAt: now.Add(-72 * time.Hour)},
	}

	summary, err := newTestSweeper(db, &fakeChargeGateway{}).Run(context.Background(), now)
	require.NoError(t, err)

	assert.Equal(t, 2, summary.StalePendingPayments)
	// Reported only; the payments must not be touched.
	assert.Empty(t, db.payments)
}

func TestSweep_ListFailureAbortsRun(t *testing.T) {
	db := newFakeSweepDB()
	db.listErr = types.NewAppError(types.ErrCodeInternalDB, "connection lost", nil)

	_, err := newTestSweeper(db, &fakeChargeGateway{}).Run(context.Background(), testNow())
	require.Error(t, err)
}
