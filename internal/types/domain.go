package types

import (
	"encoding/json"
	"time"
)

// Subscription is the one-per-user billing state row. It is mutated
// exclusively by the lifecycle manager (billing package) and created
// lazily on the user's first upgrade attempt.
//
// Invariants:
//   - TierFree always has Status = ACTIVE and EndDate = nil.
//   - FailedPaymentCount stays in [0, 3].
//   - BillingKeyRef is owned by the active PaymentMethod; clearing the
//     payment method cascades to AutoRenewal=false and BillingKeyRef=nil.
type Subscription struct {
	ID                 string             `json:"id"`
	UserID             string             `json:"user_id"`
	Tier               Tier               `json:"tier"`
	Status             SubscriptionStatus `json:"status"`
	StartDate          *time.Time         `json:"start_date,omitempty"`
	EndDate            *time.Time         `json:"end_date,omitempty"`
	AutoRenewal        bool               `json:"auto_renewal"`
	BillingKeyRef      *string            `json:"-"`
	NextBillingDate    *time.Time         `json:"next_billing_date,omitempty"`
	FailedPaymentCount int                `json:"failed_payment_count"`
	LastPaymentAttempt *time.Time         `json:"last_payment_attempt,omitempty"`
	// CreditsGrantedForCycle guards the monthly allotment: set when the
	// cycle's credits are granted, cleared on the next successful renewal
	// rollover.
	CreditsGrantedForCycle bool      `json:"-"`
	CreatedAt              time.Time `json:"created_at"`
	UpdatedAt              time.Time `json:"updated_at"`
}

// PeriodLapsed reports whether the subscription's paid period has ended.
// A nil EndDate (non-expiring FREE) never lapses.
func (s *Subscription) PeriodLapsed(now time.Time) bool {
	return s.EndDate != nil && s.EndDate.Before(now)
}

// PaymentMethod is a stored billing key: an opaque gateway-issued token
// standing in for a payment method, plus masked display metadata. At most
// one row per user has IsActive = true; activating a new key deactivates
// the prior one. Deletion is soft (IsActive = false).
type PaymentMethod struct {
	ID            string     `json:"id"`
	UserID        string     `json:"user_id"`
	BillingKeyRef string     `json:"-"`
	CardBrand     string     `json:"card_brand,omitempty"`
	CardLast4     string     `json:"card_last4,omitempty"`
	IsActive      bool       `json:"is_active"`
	CreatedAt     time.Time  `json:"created_at"`
	DeactivatedAt *time.Time `json:"deactivated_at,omitempty"`
}

// Payment is one row per payment attempt, keyed by the client-generated
// idempotency key PaymentID. Once the status is terminal the row is
// immutable except for receipt/metadata enrichment; the purpose-specific
// side effect is applied exactly once, on the transition into PAID.
type Payment struct {
	PaymentID           string         `json:"payment_id"`
	UserID              string         `json:"user_id"`
	Amount              int64          `json:"amount"` // minor currency units
	Currency            string         `json:"currency"`
	Status              PaymentStatus  `json:"status"`
	Purpose             PaymentPurpose `json:"purpose"`
	Method              string         `json:"method,omitempty"`
	TargetTier          Tier           `json:"target_tier,omitempty"`
	CreditAmount        int64          `json:"credit_amount,omitempty"`
	SubscriptionID      *string        `json:"subscription_id,omitempty"`
	CreditTransactionID *string        `json:"credit_transaction_id,omitempty"`
	GatewayTxID         string         `json:"gateway_tx_id,omitempty"`
	ReceiptURL          string         `json:"receipt_url,omitempty"`
	FailReason          string         `json:"fail_reason,omitempty"`
	// GatewayPayload is the opaque vendor response snapshot kept for
	// audit. It is never parsed beyond the typed projections above.
	GatewayPayload json.RawMessage `json:"-"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// CreditTransaction is an append-only ledger entry. Positive amounts are
// grants, negative amounts are consumption. Entries are never updated or
// deleted; corrections are new offsetting entries. The user's balance is
// always recomputed as the sum of non-expired entries, never stored.
type CreditTransaction struct {
	ID          string       `json:"id"`
	UserID      string       `json:"user_id"`
	Amount      int64        `json:"amount"`
	SourceType  CreditSource `json:"source_type"`
	ExpiresAt   *time.Time   `json:"expires_at,omitempty"`
	Description string       `json:"description"`
	CreatedAt   time.Time    `json:"created_at"`
}

// Expired reports whether the entry no longer counts toward the balance.
func (t *CreditTransaction) Expired(now time.Time) bool {
	return t.ExpiresAt != nil && !t.ExpiresAt.After(now)
}

// PaymentChange carries the optional enrichment fields applied alongside a
// payment status transition. Zero-valued fields leave the stored column
// untouched, so a webhook and a verify call racing on the same payment can
// each contribute the fields they know without clobbering the other's.
type PaymentChange struct {
	GatewayTxID         string
	ReceiptURL          string
	FailReason          string
	Method              string
	SubscriptionID      *string
	CreditTransactionID *string
	GatewayPayload      json.RawMessage
}

// SubscriptionNotification is an immutable state-change record surfaced to
// the user. Only IsRead/ReadAt are ever mutated after creation.
type SubscriptionNotification struct {
	ID             string           `json:"id"`
	UserID         string           `json:"user_id"`
	SubscriptionID *string          `json:"subscription_id,omitempty"`
	Type           NotificationType `json:"type"`
	// DaysBeforeExpiry is set only for EXPIRING_SOON notices (3 or 1).
	DaysBeforeExpiry *int       `json:"days_before_expiry,omitempty"`
	Message          string     `json:"message"`
	IsRead           bool       `json:"is_read"`
	ReadAt           *time.Time `json:"read_at,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
}

// SweepSummary is the run report returned by one complete execution of
// the four-pass renewal and retry scheduler.
type SweepSummary struct {
	Expired              int      `json:"expired"`
	NotificationsCreated int      `json:"notifications_created"`
	RenewalsAttempted    int      `json:"renewals_attempted"`
	RenewalsSucceeded    int      `json:"renewals_succeeded"`
	RetriesAttempted     int      `json:"retries_attempted"`
	RetriesSucceeded     int      `json:"retries_succeeded"`
	StalePendingPayments int      `json:"stale_pending_payments"`
	Errors               []string `json:"errors,omitempty"`
}
