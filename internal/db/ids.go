package db

import "github.com/google/uuid"

// Prefixed row IDs. The prefix makes IDs self-describing in logs and
// support tickets; the UUID part guarantees uniqueness without a sequence
// round-trip.
func newSubscriptionID() string      { return "sub_" + uuid.NewString() }
func newPaymentMethodID() string     { return "pm_" + uuid.NewString() }
func newCreditTransactionID() string { return "ct_" + uuid.NewString() }
func newNotificationID() string      { return "ntf_" + uuid.NewString() }
