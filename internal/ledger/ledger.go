// Package ledger implements the expiring credit ledger. The ledger is
// append-only: grants are positive entries, consumption writes negative
// entries, and a user's balance is always derived by summing the entries
// that have not expired. Nothing ever stores a running balance, so there is
// no counter to drift out of sync with the entries.
package ledger

import (
	"fmt"
	"sort"
	"time"

	"slideforge/internal/types"
)

// Grant captures a validated grant ready to be inserted, along with whether
// the expiry policy overrode the caller's requested expiry.
type Grant struct {
	Entry *types.CreditTransaction
	// ForcedPermanent is set when the caller supplied an expiry for a
	// FREE or PURCHASE grant and the policy discarded it.
	ForcedPermanent bool
}

// defaultExpiryDays applies to EVENT and SUBSCRIPTION grants when the
// caller does not supply an expiry.
const defaultExpiryDays = 30

// BuildGrant validates grant parameters and applies the expiration policy:
// FREE and PURCHASE credits are permanent regardless of a supplied expiry,
// while EVENT and SUBSCRIPTION credits always expire, defaulting to 30
// days when no expiry is given. A zero or negative amount is rejected.
func BuildGrant(userID string, source types.CreditSource, amount int64, description string, expiresInDays *int, now time.Time) (*Grant, error) {
	if amount <= 0 {
		return nil, types.NewAppError(types.ErrCodeValidationInvalidAmount,
			fmt.Sprintf("grant amount must be positive, got %d", amount), nil)
	}
	if expiresInDays != nil && *expiresInDays <= 0 {
		return nil, types.NewAppError(types.ErrCodeValidationInvalidAmount,
			fmt.Sprintf("grant expiry must be positive, got %d days", *expiresInDays), nil)
	}

	entry := &types.CreditTransaction{
		UserID:      userID,
		Amount:      amount,
		SourceType:  source,
		Description: description,
	}

	forced := false
	if source.Permanent() {
		forced = expiresInDays != nil
	} else {
		days := defaultExpiryDays
		if expiresInDays != nil {
			days = *expiresInDays
		}
		exp := now.AddDate(0, 0, days)
		entry.ExpiresAt = &exp
	}

	return &Grant{Entry: entry, ForcedPermanent: forced}, nil
}

// bucket is the remaining value of one grant pool: all entries sharing a
// source and expiry. Consumption entries written against the pool carry the
// same expiry, so the pool's remaining value is just the sum of its entries.
type bucket struct {
	source       types.CreditSource
	expiresAt    *time.Time
	firstGranted time.Time
	remaining    int64
}

// PlanConsumption computes the negative ledger entries that consume amount
// from the given non-expired entries. Pools are depleted earliest expiry
// first, with permanent credits last, so expiring value is spent before
// value that would keep; ties are broken oldest grant first.
//
// Returns ErrCodePaymentInsufficientCredits when the summed balance cannot
// cover the amount; in that case no entries are returned and the caller
// must not write anything.
func PlanConsumption(userID string, entries []types.CreditTransaction, amount int64, description string) ([]*types.CreditTransaction, error) {
	if amount <= 0 {
		return nil, types.NewAppError(types.ErrCodeValidationInvalidAmount,
			fmt.Sprintf("consume amount must be positive, got %d", amount), nil)
	}

	buckets := groupIntoBuckets(entries)

	var balance int64
	for _, b := range buckets {
		balance += b.remaining
	}
	if balance < amount {
		return nil, types.NewAppError(types.ErrCodePaymentInsufficientCredits,
			"credit balance is insufficient", nil).WithDetails(map[string]any{
			"balance":   balance,
			"requested": amount,
		})
	}

	sortBuckets(buckets)

	var planned []*types.CreditTransaction
	left := amount
	for _, b := range buckets {
		if left == 0 {
			break
		}
		if b.remaining <= 0 {
			continue
		}
		take := b.remaining
		if take > left {
			take = left
		}
		planned = append(planned, &types.CreditTransaction{
			UserID:      userID,
			Amount:      -take,
			SourceType:  b.source,
			ExpiresAt:   b.expiresAt,
			Description: description,
		})
		left -= take
	}
	return planned, nil
}

// groupIntoBuckets folds the entry list into per-(source, expiry) pools.
// Positive entries open or top up a pool; negative entries deplete the
// matching pool.
func groupIntoBuckets(entries []types.CreditTransaction) []*bucket {
	index := make(map[string]*bucket)
	var buckets []*bucket

	for i := range entries {
		e := &entries[i]
		key := string(e.SourceType)
		if e.ExpiresAt != nil {
			key += "|" + e.ExpiresAt.UTC().Format(time.RFC3339Nano)
		}
		b, ok := index[key]
		if !ok {
			b = &bucket{
				source:       e.SourceType,
				expiresAt:    e.ExpiresAt,
				firstGranted: e.CreatedAt,
			}
			index[key] = b
			buckets = append(buckets, b)
		}
		b.remaining += e.Amount
		if e.Amount > 0 && e.CreatedAt.Before(b.firstGranted) {
			b.firstGranted = e.CreatedAt
		}
	}
	return buckets
}

// sortBuckets orders pools for depletion: soonest expiry first, permanent
// (nil expiry) last, ties oldest grant first.
func sortBuckets(buckets []*bucket) {
	sort.SliceStable(buckets, func(i, j int) bool {
		bi, bj := buckets[i], buckets[j]
		switch {
		case bi.expiresAt == nil && bj.expiresAt == nil:
			return bi.firstGranted.Before(bj.firstGranted)
		case bi.expiresAt == nil:
			return false
		case bj.expiresAt == nil:
			return true
		case bi.expiresAt.Equal(*bj.expiresAt):
			return bi.firstGranted.Before(bj.firstGranted)
		default:
			return bi.expiresAt.Before(*bj.expiresAt)
		}
	})
}
