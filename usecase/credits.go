package usecase

import (
	"context"
	"errors"
	"strconv"

	"github.com/sirupsen/logrus"

	domainCredits "github.com/AzielCF/az-gateway/domains/credits"
	"github.com/AzielCF/az-gateway/domains/queue"
	"github.com/AzielCF/az-gateway/repository"
)

type serviceCredits struct {
	store queue.MessageStore
	repo  repository.Repository
}

// NewCreditsService builds the cached ledger. Unknown users are cached as
// zero so a flood of messages from an unprovisioned number cannot hammer
// the database.
func NewCreditsService(store queue.MessageStore, repo repository.Repository) domainCredits.ILedgerUsecase {
	return &serviceCredits{store: store, repo: repo}
}

func creditsCacheKey(userID string) string {
	return "credits:" + userID
}

func (s *serviceCredits) HasEnough(ctx context.Context, userID string, amount int64) (bool, error) {
	balance, err := s.balance(ctx, userID)
	if err != nil {
		return false, err
	}
	return balance >= amount, nil
}

func (s *serviceCredits) Deduct(ctx context.Context, userID string, amount int64) (int64, error) {
	remaining, err := s.repo.DeductCredits(ctx, userID, amount)
	if err != nil {
		if errors.Is(err, domainCredits.ErrInsufficient) {
			// Refresh the cache so the next HasEnough sees the truth.
			s.cacheBalance(ctx, userID, s.readThrough(ctx, userID))
		}
		return 0, err
	}

	s.cacheBalance(ctx, userID, remaining)
	logrus.WithFields(logrus.Fields{
		"user_id":   userID,
		"amount":    amount,
		"remaining": remaining,
	}).Debug("[CREDITS] Deducted")
	return remaining, nil
}

func (s *serviceCredits) balance(ctx context.Context, userID string) (int64, error) {
	key := creditsCacheKey(userID)

	if raw, ok, err := s.store.Get(ctx, key); err == nil && ok {
		if n, perr := strconv.ParseInt(raw, 10, 64); perr == nil {
			return n, nil
		}
		_ = s.store.Del(ctx, key)
	}

	remaining, found, err := s.repo.RemainingCredits(ctx, userID)
	if err != nil {
		return 0, err
	}
	if !found {
		remaining = 0
	}
	s.cacheBalance(ctx, userID, remaining)
	return remaining, nil
}

// readThrough fetches the persistent balance ignoring errors; used only to
// repair the cache after a failed deduction.
func (s *serviceCredits) readThrough(ctx context.Context, userID string) int64 {
	remaining, _, err := s.repo.RemainingCredits(ctx, userID)
	if err != nil {
		return 0
	}
	return remaining
}

func (s *serviceCredits) cacheBalance(ctx context.Context, userID string, remaining int64) {
	if err := s.store.Set(ctx, creditsCacheKey(userID), strconv.FormatInt(remaining, 10), domainCredits.TTL); err != nil {
		logrus.WithError(err).Debug("[CREDITS] Failed to cache balance")
	}
}
