package billing

import (
	"fmt"

	"slideforge/internal/types"
)

// Notification builders. Records are immutable once written, so the
// message text is rendered at creation time.

func NewPaymentSuccessNotification(userID string, subscriptionID *string, amount int64) *types.SubscriptionNotification {
	return &types.SubscriptionNotification{
		UserID:         userID,
		SubscriptionID: subscriptionID,
		Type:           types.NotificationPaymentSuccess,
		Message:        fmt.Sprintf("Your payment of %d was completed.", amount),
	}
}

func NewPaymentFailedNotification(userID string, subscriptionID *string, reason string) *types.SubscriptionNotification {
	msg := "Your payment could not be processed."
	if reason != "" {
		msg = fmt.Sprintf("Your payment could not be processed: %s", reason)
	}
	return &types.SubscriptionNotification{
		UserID:         userID,
		SubscriptionID: subscriptionID,
		Type:           types.NotificationPaymentFailed,
		Message:        msg,
	}
}

func NewRenewedNotification(sub *types.Subscription) *types.SubscriptionNotification {
	msg := fmt.Sprintf("Your %s subscription has been renewed.", sub.Tier)
	if sub.EndDate != nil {
		msg = fmt.Sprintf("Your %s subscription has been renewed through %s.",
			sub.Tier, sub.EndDate.Format("2006-01-02"))
	}
	return &types.SubscriptionNotification{
		UserID:         sub.UserID,
		SubscriptionID: &sub.ID,
		Type:           types.NotificationRenewed,
		Message:        msg,
	}
}

func NewExpiredNotification(sub *types.Subscription, previousTier types.Tier) *types.SubscriptionNotification {
	return &types.SubscriptionNotification{
		UserID:         sub.UserID,
		SubscriptionID: &sub.ID,
		Type:           types.NotificationExpired,
		Message:        fmt.Sprintf("Your %s subscription has expired. You are now on the FREE plan.", previousTier),
	}
}

func NewExpiringSoonNotification(sub *types.Subscription, daysBefore int) *types.SubscriptionNotification {
	days := daysBefore
	return &types.SubscriptionNotification{
		UserID:           sub.UserID,
		SubscriptionID:   &sub.ID,
		Type:             types.NotificationExpiringSoon,
		DaysBeforeExpiry: &days,
		Message:          fmt.Sprintf("Your %s subscription expires in %d day(s).", sub.Tier, daysBefore),
	}
}
