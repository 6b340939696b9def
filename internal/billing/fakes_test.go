package billing

import (
	"context"
	"fmt"

	"slideforge/internal/gateway"
	"slideforge/internal/types"
)

// fakeBillingDB is an in-memory DB implementation shared by the payment
// and subscription service tests. Transactions apply writes immediately;
// the tests that matter here assert on which writes happen at all, not on
// partial-rollback recovery, which the real store's pgx transaction covers.
type fakeBillingDB struct {
	payments       map[string]*types.Payment
	subscriptions  map[string]*types.Subscription // keyed by user ID
	paymentMethods map[string]*types.PaymentMethod
	entries        []*types.CreditTransaction
	notifications  []*types.SubscriptionNotification

	nextID    int
	commits   int
	rollbacks int
	beginErr  error
}

func newFakeBillingDB() *fakeBillingDB {
	return &fakeBillingDB{
		payments:       make(map[string]*types.Payment),
		subscriptions:  make(map[string]*types.Subscription),
		paymentMethods: make(map[string]*types.PaymentMethod),
	}
}

func (f *fakeBillingDB) id(prefix string) string {
	f.nextID++
	return fmt.Sprintf("%s_%d", prefix, f.nextID)
}

func (f *fakeBillingDB) Begin(ctx context.Context) (Tx, error) {
	if f.beginErr != nil {
		return nil, f.beginErr
	}
	return &fakeBillingTx{db: f}, nil
}

func (f *fakeBillingDB) GetPayment(_ context.Context, paymentID string) (*types.Payment, error) {
	p, ok := f.payments[paymentID]
	if !ok {
		return nil, types.NewAppError(types.ErrCodeNotFoundPayment, "payment not found", nil)
	}
	cp := *p
	return &cp, nil
}

func (f *fakeBillingDB) ListPayments(_ context.Context, userID string, limit, offset int) ([]types.Payment, error) {
	var out []types.Payment
	for _, p := range f.payments {
		if p.UserID == userID {
			out = append(out, *p)
		}
	}
	return out, nil
}

func (f *fakeBillingDB) GetSubscriptionByUserID(_ context.Context, userID string) (*types.Subscription, error) {
	sub, ok := f.subscriptions[userID]
	if !ok {
		return nil, types.NewAppError(types.ErrCodeNotFoundSubscription, "subscription not found", nil)
	}
	cp := *sub
	return &cp, nil
}

func (f *fakeBillingDB) GetActivePaymentMethod(_ context.Context, userID string) (*types.PaymentMethod, error) {
	pm, ok := f.paymentMethods[userID]
	if !ok || !pm.IsActive {
		return nil, types.NewAppError(types.ErrCodeNotFoundBillingKey, "no active payment method", nil)
	}
	cp := *pm
	return &cp, nil
}

func (f *fakeBillingDB) notificationTypes() []types.NotificationType {
	out := make([]types.NotificationType, 0, len(f.notifications))
	for _, n := range f.notifications {
		out = append(out, n.Type)
	}
	return out
}

func (f *fakeBillingDB) creditTotal(userID string) int64 {
	var total int64
	for _, e := range f.entries {
		if e.UserID == userID {
			total += e.Amount
		}
	}
	return total
}

type fakeBillingTx struct {
	db   *fakeBillingDB
	done bool
}

func (t *fakeBillingTx) Commit(context.Context) error {
	t.done = true
	t.db.commits++
	return nil
}

func (t *fakeBillingTx) Rollback(context.Context) {
	if t.done {
		return
	}
	t.done = true
	t.db.rollbacks++
}

func (t *fakeBillingTx) GetPayment(ctx context.Context, paymentID string) (*types.Payment, error) {
	return t.db.GetPayment(ctx, paymentID)
}

func (t *fakeBillingTx) CreatePayment(_ context.Context, p *types.Payment) error {
	if _, ok := t.db.payments[p.PaymentID]; ok {
		return types.NewAppError(types.ErrCodeConflictDuplicatePayment, "payment already exists", nil)
	}
	cp := *p
	t.db.payments[p.PaymentID] = &cp
	return nil
}

func (t *fakeBillingTx) TransitionPayment(_ context.Context, paymentID string, newStatus types.PaymentStatus, ch types.PaymentChange) (*types.Payment, bool, error) {
	p, ok := t.db.payments[paymentID]
	if !ok {
		return nil, false, types.NewAppError(types.ErrCodeNotFoundPayment, "payment not found", nil)
	}
	if p.Status == newStatus {
		cp := *p
		return &cp, false, nil
	}
	if p.Status.IsTerminal() {
		return nil, false, types.NewAppErrorWithDetails(types.ErrCodeConflictInvalidTransition,
			"payment is already in a terminal state", nil, map[string]any{
				"current_status":   string(p.Status),
				"requested_status": string(newStatus),
			})
	}
	p.Status = newStatus
	if ch.GatewayTxID != "" {
		p.GatewayTxID = ch.GatewayTxID
	}
	if ch.ReceiptURL != "" {
		p.ReceiptURL = ch.ReceiptURL
	}
	if ch.FailReason != "" {
		p.FailReason = ch.FailReason
	}
	if ch.Method != "" {
		p.Method = ch.Method
	}
	cp := *p
	return &cp, true, nil
}

func (t *fakeBillingTx) LinkPaymentArtifacts(_ context.Context, paymentID string, subscriptionID, creditTransactionID *string) error {
	p, ok := t.db.payments[paymentID]
	if !ok {
		return types.NewAppError(types.ErrCodeNotFoundPayment, "payment not found", nil)
	}
	if subscriptionID != nil {
		p.SubscriptionID = subscriptionID
	}
	if creditTransactionID != nil {
		p.CreditTransactionID = creditTransactionID
	}
	return nil
}

func (t *fakeBillingTx) GetSubscriptionByUserID(ctx context.Context, userID string) (*types.Subscription, error) {
	return t.db.GetSubscriptionByUserID(ctx, userID)
}

func (t *fakeBillingTx) UpsertPendingSubscription(_ context.Context, userID string, targetTier types.Tier) (*types.Subscription, error) {
	if sub, ok := t.db.subscriptions[userID]; ok {
		if sub.Status != types.SubStatusPending {
			cp := *sub
			return &cp, nil
		}
		sub.Tier = targetTier
		cp := *sub
		return &cp, nil
	}
	sub := &types.Subscription{
		ID:     t.db.id("sub"),
		UserID: userID,
		Tier:   targetTier,
		Status: types.SubStatusPending,
	}
	t.db.subscriptions[userID] = sub
	cp := *sub
	return &cp, nil
}

func (t *fakeBillingTx) UpdateSubscription(_ context.Context, sub *types.Subscription, expectStatus types.SubscriptionStatus) (bool, error) {
	stored, ok := t.db.subscriptions[sub.UserID]
	if !ok || stored.Status != expectStatus {
		return false, nil
	}
	cp := *sub
	t.db.subscriptions[sub.UserID] = &cp
	return true, nil
}

func (t *fakeBillingTx) SetSubscriptionBillingKey(_ context.Context, userID string, ref *string) error {
	if sub, ok := t.db.subscriptions[userID]; ok {
		sub.BillingKeyRef = ref
		sub.AutoRenewal = ref != nil
	}
	return nil
}

func (t *fakeBillingTx) InsertCreditEntry(_ context.Context, e *types.CreditTransaction) error {
	e.ID = t.db.id("ct")
	cp := *e
	t.db.entries = append(t.db.entries, &cp)
	return nil
}

func (t *fakeBillingTx) CreateNotification(_ context.Context, n *types.SubscriptionNotification) error {
	n.ID = t.db.id("ntf")
	cp := *n
	t.db.notifications = append(t.db.notifications, &cp)
	return nil
}

func (t *fakeBillingTx) ActivatePaymentMethod(_ context.Context, pm *types.PaymentMethod) error {
	pm.ID = t.db.id("pm")
	pm.IsActive = true
	cp := *pm
	t.db.paymentMethods[pm.UserID] = &cp
	return nil
}

func (t *fakeBillingTx) DeactivatePaymentMethod(_ context.Context, userID string) (string, error) {
	pm, ok := t.db.paymentMethods[userID]
	if !ok || !pm.IsActive {
		return "", types.NewAppError(types.ErrCodeNotFoundBillingKey, "no active payment method", nil)
	}
	pm.IsActive = false
	return pm.BillingKeyRef, nil
}

// fakeGateway scripts PayRail responses and records calls.
type fakeGateway struct {
	intentErr   error
	intents     []gateway.IntentRequest
	queryTx     *gateway.Transaction
	queryErr    error
	issuedKey   *gateway.BillingKey
	issueErr    error
	queriedKey  *gateway.BillingKey
	queryKeyErr error
	deletedRefs []string
	deleteErr   error
}

func (g *fakeGateway) CreatePaymentIntent(_ context.Context, req gateway.IntentRequest) (*gateway.Transaction, error) {
	if g.intentErr != nil {
		return nil, g.intentErr
	}
	g.intents = append(g.intents, req)
	return &gateway.Transaction{OrderRef: req.OrderRef, Status: types.GatewayStatusPending}, nil
}

func (g *fakeGateway) QueryPayment(_ context.Context, orderRef string) (*gateway.Transaction, error) {
	if g.queryErr != nil {
		return nil, g.queryErr
	}
	return g.queryTx, nil
}

func (g *fakeGateway) IssueBillingKey(_ context.Context, customer string) (*gateway.BillingKey, error) {
	if g.issueErr != nil {
		return nil, g.issueErr
	}
	return g.issuedKey, nil
}

func (g *fakeGateway) QueryBillingKey(_ context.Context, ref string) (*gateway.BillingKey, error) {
	if g.queryKeyErr != nil {
		return nil, g.queryKeyErr
	}
	return g.queriedKey, nil
}

func (g *fakeGateway) DeleteBillingKey(_ context.Context, ref string) error {
	if g.deleteErr != nil {
		return g.deleteErr
	}
	g.deletedRefs = append(g.deletedRefs, ref)
	return nil
}
