package billing

import (
	"fmt"
	"log/slog"
	"time"

	"slideforge/internal/types"
)

// Event is a subscription lifecycle trigger. Every status change in the
// system goes through the transition table below; nothing else mutates a
// subscription's status.
type Event string

const (
	// EventPaymentVerified fires when an upgrade payment reaches PAID.
	EventPaymentVerified Event = "payment_verified"
	// EventPeriodLapsed fires when a non-renewing paid period has ended.
	EventPeriodLapsed Event = "period_lapsed"
	// EventRenewalSucceeded fires when the scheduled renewal charge clears.
	EventRenewalSucceeded Event = "renewal_succeeded"
	// EventRenewalFailed fires when a renewal or retry charge is declined.
	EventRenewalFailed Event = "renewal_failed"
	// EventRetrySucceeded fires when a retry charge clears after failures.
	EventRetrySucceeded Event = "retry_succeeded"
	// EventCancelRequested fires when the user stops auto-renewal.
	EventCancelRequested Event = "cancel_requested"
	// EventBillingKeyRemoved fires when the stored billing key is deleted.
	EventBillingKeyRemoved Event = "billing_key_removed"
)

// cycleLength is the paid period granted per successful charge.
const cycleLength = 30 * 24 * time.Hour

// maxFailedPayments caps the consecutive-failure counter; reaching it moves
// the subscription to PAST_DUE.
const maxFailedPayments = 3

// allEvents is the complete event list, used by the init-time table check.
var allEvents = []Event{
	EventPaymentVerified,
	EventPeriodLapsed,
	EventRenewalSucceeded,
	EventRenewalFailed,
	EventRetrySucceeded,
	EventCancelRequested,
	EventBillingKeyRemoved,
}

type transitionKey struct {
	from  types.SubscriptionStatus
	event Event
}

// transitionSpec mutates the subscription for one (status, event) pair.
// precondition, when set, must hold or the event is a logged no-op. apply
// sets the new status itself because some outcomes depend on the row
// (renewal_failed lands on ACTIVE or PAST_DUE depending on the counter).
// freshCycle marks transitions that start a new paid period, which clears
// the per-cycle credit grant guard before the allotment decision.
type transitionSpec struct {
	precondition func(sub *types.Subscription, now time.Time) bool
	apply        func(sub *types.Subscription, now time.Time)
	freshCycle   bool
}

func lapsed(sub *types.Subscription, now time.Time) bool {
	return sub.PeriodLapsed(now) && (sub.Status == types.SubStatusCanceled || !sub.AutoRenewal)
}

func activate(sub *types.Subscription, now time.Time) {
	sub.Status = types.SubStatusActive
	start := now
	end := now.Add(cycleLength)
	sub.StartDate = &start
	sub.EndDate = &end
	sub.NextBillingDate = &end
	sub.FailedPaymentCount = 0
}

func extendCycle(sub *types.Subscription, now time.Time) {
	sub.Status = types.SubStatusActive
	sub.FailedPaymentCount = 0
	attempt := now
	sub.LastPaymentAttempt = &attempt
	if sub.EndDate != nil {
		end := sub.EndDate.Add(cycleLength)
		sub.EndDate = &end
		sub.NextBillingDate = &end
	}
}

func expire(sub *types.Subscription, _ time.Time) {
	sub.Status = types.SubStatusExpired
	sub.Tier = types.TierFree
	sub.AutoRenewal = false
	sub.BillingKeyRef = nil
	sub.NextBillingDate = nil
	sub.FailedPaymentCount = 0
	sub.CreditsGrantedForCycle = false
}

func recordChargeFailure(sub *types.Subscription, now time.Time) {
	if sub.FailedPaymentCount < maxFailedPayments {
		sub.FailedPaymentCount++
	}
	attempt := now
	sub.LastPaymentAttempt = &attempt
	if sub.FailedPaymentCount >= maxFailedPayments {
		sub.Status = types.SubStatusPastDue
	}
}

func cancel(sub *types.Subscription, _ time.Time) {
	sub.Status = types.SubStatusCanceled
	sub.AutoRenewal = false
}

func removeBillingKey(sub *types.Subscription, _ time.Time) {
	sub.AutoRenewal = false
	sub.BillingKeyRef = nil
}

var transitions = map[transitionKey]transitionSpec{
	{types.SubStatusPending, EventPaymentVerified}: {
		apply:      activate,
		freshCycle: true,
	},
	{types.SubStatusActive, EventPeriodLapsed}: {
		precondition: lapsed,
		apply:        expire,
	},
	{types.SubStatusCanceled, EventPeriodLapsed}: {
		precondition: lapsed,
		apply:        expire,
	},
	{types.SubStatusActive, EventRenewalSucceeded}: {
		apply:      extendCycle,
		freshCycle: true,
	},
	{types.SubStatusActive, EventRenewalFailed}: {
		apply: recordChargeFailure,
	},
	{types.SubStatusPastDue, EventRenewalFailed}: {
		apply: recordChargeFailure,
	},
	{types.SubStatusActive, EventRetrySucceeded}: {
		apply:      extendCycle,
		freshCycle: true,
	},
	{types.SubStatusPastDue, EventRetrySucceeded}: {
		apply:      extendCycle,
		freshCycle: true,
	},
	{types.SubStatusActive, EventCancelRequested}: {
		apply: cancel,
	},
	{types.SubStatusPastDue, EventCancelRequested}: {
		apply: cancel,
	},
	{types.SubStatusActive, EventBillingKeyRemoved}: {
		apply: removeBillingKey,
	},
	{types.SubStatusPastDue, EventBillingKeyRemoved}: {
		apply: removeBillingKey,
	},
	{types.SubStatusCanceled, EventBillingKeyRemoved}: {
		apply: removeBillingKey,
	},
}

func init() {
	// Every declared event must appear in the table at least once.
	// A missing event is a programming error caught at process start.
	covered := make(map[Event]bool)
	for key := range transitions {
		covered[key.event] = true
	}
	for _, ev := range allEvents {
		if !covered[ev] {
			panic(fmt.Sprintf("lifecycle transition table does not cover event %q", ev))
		}
	}
}

// Outcome reports what Apply did to the subscription.
type Outcome struct {
	From    types.SubscriptionStatus
	To      types.SubscriptionStatus
	Applied bool
	// GrantMonthlyCredits is set when this transition started a paid
	// cycle whose allotment has not been granted yet. The caller grants
	// the credits in the same transaction that persists the row.
	GrantMonthlyCredits int64
}

// Manager is the subscription lifecycle manager. It is stateless: Apply
// mutates the given row in memory and the caller persists it under the
// optimistic status guard.
type Manager struct {
	plans  PlanRegistry
	logger *slog.Logger
}

// NewManager creates a lifecycle Manager.
func NewManager(plans PlanRegistry, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{plans: plans, logger: logger}
}

// Apply runs one lifecycle event against the subscription. An event with no
// table entry for the current status, or whose precondition does not hold,
// is a logged no-op: duplicate deliveries and racing sweeps land here
// instead of corrupting state.
func (m *Manager) Apply(sub *types.Subscription, event Event, now time.Time) Outcome {
	out := Outcome{From: sub.Status, To: sub.Status}

	spec, ok := transitions[transitionKey{from: sub.Status, event: event}]
	if !ok {
		m.logger.Info("lifecycle event not applicable in current status",
			slog.String("subscription_id", sub.ID),
			slog.String("status", string(sub.Status)),
			slog.String("event", string(event)),
		)
		return out
	}
	if spec.precondition != nil && !spec.precondition(sub, now) {
		m.logger.Info("lifecycle event precondition not met",
			slog.String("subscription_id", sub.ID),
			slog.String("status", string(sub.Status)),
			slog.String("event", string(event)),
		)
		return out
	}

	if spec.freshCycle {
		sub.CreditsGrantedForCycle = false
	}
	spec.apply(sub, now)
	out.To = sub.Status
	out.Applied = true

	if spec.freshCycle && sub.Tier.IsPaid() && !sub.CreditsGrantedForCycle {
		if plan, err := m.plans.GetPlan(sub.Tier); err == nil {
			out.GrantMonthlyCredits = plan.MonthlyCredits
			sub.CreditsGrantedForCycle = true
		}
	}

	m.logger.Info("lifecycle transition applied",
		slog.String("subscription_id", sub.ID),
		slog.String("event", string(event)),
		slog.String("from", string(out.From)),
		slog.String("to", string(out.To)),
	)
	return out
}
