package credits

import (
	"context"
	"errors"
	"time"
)

// TTL is how long a balance stays cached before re-reading the store.
const TTL = 300 * time.Second

// ErrInsufficient is returned by Deduct when the conditional decrement
// matched no row, i.e. remaining < amount. The persistent balance is
// guaranteed unchanged in that case.
var ErrInsufficient = errors.New("insufficient credits")

// Balance mirrors the authoritative credits row.
type Balance struct {
	UserID      string    `json:"user_id"`
	Remaining   int64     `json:"remaining"`
	LastUpdated time.Time `json:"last_updated"`
}

// ILedgerUsecase is the cached credit ledger.
type ILedgerUsecase interface {
	// HasEnough reads the cached balance (miss falls through to the store;
	// unknown users are cached as zero to stop repeat misses).
	HasEnough(ctx context.Context, userID string, amount int64) (bool, error)
	// Deduct atomically decrements the persistent balance iff
	// remaining >= amount, then refreshes the cache with the new value.
	Deduct(ctx context.Context, userID string, amount int64) (int64, error)
}
