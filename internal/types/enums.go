package types

// Tier is a subscription plan tier. The tier is orthogonal to the
// subscription status: a PRO subscription can be ACTIVE, CANCELED, or
// PAST_DUE without changing tier until it finally expires.
type Tier string

const (
	TierFree    Tier = "FREE"
	TierPro     Tier = "PRO"
	TierPremium Tier = "PREMIUM"
)

// IsPaid reports whether the tier is a paid plan.
func (t Tier) IsPaid() bool {
	return t == TierPro || t == TierPremium
}

// SubscriptionStatus is the lifecycle status of a subscription.
type SubscriptionStatus string

const (
	// SubStatusPending marks a subscription created for an upgrade whose
	// payment has not yet been confirmed.
	SubStatusPending SubscriptionStatus = "PENDING"
	// SubStatusActive marks a subscription in good standing.
	SubStatusActive SubscriptionStatus = "ACTIVE"
	// SubStatusCanceled marks a subscription whose renewal was stopped by
	// the user; the paid period still runs to its end date.
	SubStatusCanceled SubscriptionStatus = "CANCELED"
	// SubStatusPastDue marks a subscription whose renewal charge has failed
	// repeatedly and is now on the day-based retry schedule.
	SubStatusPastDue SubscriptionStatus = "PAST_DUE"
	// SubStatusExpired marks a finished billing cycle. A fresh PENDING
	// cycle begins on the next manual upgrade.
	SubStatusExpired SubscriptionStatus = "EXPIRED"
)

// PaymentStatus is the status of a single payment attempt.
type PaymentStatus string

const (
	PaymentStatusPending  PaymentStatus = "PENDING"
	PaymentStatusPaid     PaymentStatus = "PAID"
	PaymentStatusFailed   PaymentStatus = "FAILED"
	PaymentStatusCanceled PaymentStatus = "CANCELED"
	PaymentStatusRefunded PaymentStatus = "REFUNDED"
)

// IsTerminal reports whether no further transition is permitted from this
// status. FAILED is deliberately not terminal: the gateway can still
// confirm a payment the client saw fail, and the verify path must be able
// to move such a record to PAID.
func (s PaymentStatus) IsTerminal() bool {
	switch s {
	case PaymentStatusPaid, PaymentStatusCanceled, PaymentStatusRefunded:
		return true
	default:
		return false
	}
}

// PaymentPurpose distinguishes what a successful payment pays for, which
// determines the side effect applied exactly once on finalization.
type PaymentPurpose string

const (
	PurposeSubscriptionUpgrade PaymentPurpose = "SUBSCRIPTION_UPGRADE"
	PurposeCreditPurchase      PaymentPurpose = "CREDIT_PURCHASE"
)

// CreditSource identifies where a credit grant came from. The source
// determines the expiration policy: FREE and PURCHASE grants are
// permanent, EVENT and SUBSCRIPTION grants expire.
type CreditSource string

const (
	CreditSourceFree         CreditSource = "FREE"
	CreditSourceEvent        CreditSource = "EVENT"
	CreditSourceSubscription CreditSource = "SUBSCRIPTION"
	CreditSourcePurchase     CreditSource = "PURCHASE"
)

// Permanent reports whether grants from this source never expire.
func (s CreditSource) Permanent() bool {
	return s == CreditSourceFree || s == CreditSourcePurchase
}

// NotificationType classifies user-facing subscription state-change records.
type NotificationType string

const (
	NotificationExpiringSoon   NotificationType = "EXPIRING_SOON"
	NotificationExpired        NotificationType = "EXPIRED"
	NotificationRenewed        NotificationType = "RENEWED"
	NotificationPaymentFailed  NotificationType = "PAYMENT_FAILED"
	NotificationPaymentSuccess NotificationType = "PAYMENT_SUCCESS"
)

// GatewayPaymentStatus is the status the payment gateway reports for a
// transaction. This is the typed projection of the gateway's status field;
// the full vendor payload is retained as an opaque snapshot.
type GatewayPaymentStatus string

const (
	GatewayStatusPending   GatewayPaymentStatus = "PENDING"
	GatewayStatusPaid      GatewayPaymentStatus = "PAID"
	GatewayStatusFailed    GatewayPaymentStatus = "FAILED"
	GatewayStatusCancelled GatewayPaymentStatus = "CANCELLED"
)
