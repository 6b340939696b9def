package db

import (
	"context"

	"slideforge/internal/types"
)

// NotificationRepo provides data access for the subscription_notifications
// table. Rows are immutable after creation except for the read marker.
type NotificationRepo struct {
	db DBTX
}

// NewNotificationRepo creates a new NotificationRepo backed by the given
// database connection (pool or transaction).
func NewNotificationRepo(db DBTX) *NotificationRepo {
	return &NotificationRepo{db: db}
}

// Create inserts a notification record. If n.ID is empty a prefixed ID is
// assigned; n.ID and n.CreatedAt are populated on return.
func (r *NotificationRepo) Create(ctx context.Context, n *types.SubscriptionNotification) error {
	if n.ID == "" {
		n.ID = newNotificationID()
	}
	err := r.db.QueryRow(ctx,
		`INSERT INTO subscription_notifications
		 (id, user_id, subscription_id, type, days_before_expiry, message, is_read, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, false, NOW())
		 RETURNING created_at`,
		n.ID,
		n.UserID,
		n.SubscriptionID,
		n.Type,
		n.DaysBeforeExpiry,
		n.Message,
	).Scan(&n.CreatedAt)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to create notification", err)
	}
	return nil
}

// Exists reports whether a notification of the given type (and, for expiry
// warnings, the same days-before value) already exists for the
// subscription. The warn pass uses this to stay idempotent across re-runs.
func (r *NotificationRepo) Exists(ctx context.Context, subscriptionID string, typ types.NotificationType, daysBeforeExpiry *int) (bool, error) {
	var exists bool
	err := r.db.QueryRow(ctx,
		`SELECT EXISTS (
		   SELECT 1
		   FROM subscription_notifications
		   WHERE subscription_id = $1
		     AND type = $2
		     AND days_before_expiry IS NOT DISTINCT FROM $3
		 )`,
		subscriptionID,
		typ,
		daysBeforeExpiry,
	).Scan(&exists)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to check notification existence", err)
	}
	return exists, nil
}

// ListByUser returns the user's notifications, newest first. When
// unreadOnly is set, read notifications are filtered out.
func (r *NotificationRepo) ListByUser(ctx context.Context, userID string, unreadOnly bool, limit, offset int) ([]types.SubscriptionNotification, error) {
	query := `SELECT id, user_id, subscription_id, type, days_before_expiry,
	                 message, is_read, read_at, created_at
	          FROM subscription_notifications
	          WHERE user_id = $1`
	if unreadOnly {
		query += ` AND is_read = false`
	}
	query += ` ORDER BY created_at DESC LIMIT $2 OFFSET $3`

	rows, err := r.db.Query(ctx, query, userID, limit, offset)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list notifications", err)
	}
	defer rows.Close()

	var notifications []types.SubscriptionNotification
	for rows.Next() {
		var n types.SubscriptionNotification
		if err := rows.Scan(
			&n.ID,
			&n.UserID,
			&n.SubscriptionID,
			&n.Type,
			&n.DaysBeforeExpiry,
			&n.Message,
			&n.IsRead,
			&n.ReadAt,
			&n.CreatedAt,
		); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan notification row", err)
		}
		notifications = append(notifications, n)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating notification rows", err)
	}
	return notifications, nil
}

// MarkRead sets the read marker on the user's notification. Marking an
// already-read notification again is a no-op, not an error.
func (r *NotificationRepo) MarkRead(ctx context.Context, userID, notificationID string) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE subscription_notifications
		 SET is_read = true,
		     read_at = COALESCE(read_at, NOW())
		 WHERE id = $1
		   AND user_id = $2`,
		notificationID,
		userID,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to mark notification read", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeNotFoundNotification, "notification not found", nil)
	}
	return nil
}

// MarkAllRead sets the read marker on all of the user's unread
// notifications and returns how many were updated.
func (r *NotificationRepo) MarkAllRead(ctx context.Context, userID string) (int, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE subscription_notifications
		 SET is_read = true,
		     read_at = COALESCE(read_at, NOW())
		 WHERE user_id = $1
		   AND is_read = false`,
		userID,
	)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to mark notifications read", err)
	}
	return int(tag.RowsAffected()), nil
}
