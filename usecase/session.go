package usecase

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/AzielCF/az-gateway/domains/platform"
	"github.com/AzielCF/az-gateway/domains/queue"
	domainSession "github.com/AzielCF/az-gateway/domains/session"
	"github.com/AzielCF/az-gateway/repository"
)

type serviceSession struct {
	store queue.MessageStore
	repo  repository.Repository
}

// NewSessionService builds the cache-aside session resolver on top of the
// shared store's cache ops and the persistence repo.
func NewSessionService(store queue.MessageStore, repo repository.Repository) domainSession.ISessionUsecase {
	return &serviceSession{store: store, repo: repo}
}

func sessionCacheKey(phoneNumberID, customerPhone string) string {
	return "session:" + phoneNumberID + ":" + customerPhone
}

func sequenceKey(conversationID string) string {
	return "seq:" + conversationID
}

func (s *serviceSession) GetOrCreate(ctx context.Context, phoneNumberID, customerPhone string) (*domainSession.Session, error) {
	cacheKey := sessionCacheKey(phoneNumberID, customerPhone)

	if raw, ok, err := s.store.Get(ctx, cacheKey); err == nil && ok {
		var cached domainSession.Session
		if err := json.Unmarshal([]byte(raw), &cached); err == nil {
			return &cached, nil
		}
		// Unreadable entry; fall through to a fresh resolve.
		_ = s.store.Del(ctx, cacheKey)
	}

	binding, err := s.repo.ResolveAgent(ctx, phoneNumberID)
	if err != nil {
		return nil, err
	}
	if binding == nil {
		logrus.Debugf("[SESSION] No agent mapped to phone number %s", phoneNumberID)
		return nil, nil
	}

	conv, err := s.repo.ActiveConversation(ctx, phoneNumberID, customerPhone)
	if err != nil {
		return nil, err
	}
	if conv == nil {
		conv = &repository.Conversation{
			ID:            uuid.New().String(),
			PhoneNumberID: phoneNumberID,
			CustomerPhone: customerPhone,
			AgentID:       binding.AgentID,
			UserID:        binding.UserID,
		}
		if err := s.repo.CreateConversation(ctx, conv); err != nil {
			return nil, fmt.Errorf("failed to create conversation: %w", err)
		}
		logrus.WithFields(logrus.Fields{
			"conversation_id": conv.ID,
			"phone_number_id": phoneNumberID,
		}).Info("[SESSION] Conversation created")
	}

	sess := &domainSession.Session{
		UserID:               binding.UserID,
		AgentID:              binding.AgentID,
		PromptID:             binding.PromptID,
		ConversationID:       conv.ID,
		OpenAIConversationID: conv.OpenAIConversationID,
		AccessToken:          binding.AccessToken,
		MetaPhoneNumberID:    binding.MetaPhoneNumberID,
		Platform:             platform.Type(binding.Platform),
	}

	s.cache(ctx, cacheKey, sess)
	return sess, nil
}

func (s *serviceSession) UpdateOpenAIConversationID(ctx context.Context, phoneNumberID, customerPhone, openAIConversationID string) error {
	cacheKey := sessionCacheKey(phoneNumberID, customerPhone)

	raw, ok, err := s.store.Get(ctx, cacheKey)
	if err != nil || !ok {
		// Nothing cached; the next GetOrCreate re-reads from the store.
		return s.persistOpenAIID(ctx, phoneNumberID, customerPhone, openAIConversationID)
	}

	var cached domainSession.Session
	if err := json.Unmarshal([]byte(raw), &cached); err != nil {
		_ = s.store.Del(ctx, cacheKey)
		return s.persistOpenAIID(ctx, phoneNumberID, customerPhone, openAIConversationID)
	}

	if err := s.repo.SetOpenAIConversationID(ctx, cached.ConversationID, openAIConversationID); err != nil {
		return err
	}
	cached.OpenAIConversationID = openAIConversationID
	s.cache(ctx, cacheKey, &cached)
	return nil
}

func (s *serviceSession) persistOpenAIID(ctx context.Context, phoneNumberID, customerPhone, openAIConversationID string) error {
	conv, err := s.repo.ActiveConversation(ctx, phoneNumberID, customerPhone)
	if err != nil {
		return err
	}
	if conv == nil {
		return fmt.Errorf("no active conversation for %s/%s", phoneNumberID, customerPhone)
	}
	return s.repo.SetOpenAIConversationID(ctx, conv.ID, openAIConversationID)
}

// NextSequenceNumber increments the per-conversation counter, seeding it
// from the persisted maximum on first use so restarts never reissue a
// number.
func (s *serviceSession) NextSequenceNumber(ctx context.Context, conversationID string) (uint64, error) {
	key := sequenceKey(conversationID)

	exists, err := s.store.Exists(ctx, key)
	if err != nil {
		return 0, err
	}
	if !exists {
		maxSeq, err := s.repo.MaxSequenceNo(ctx, conversationID)
		if err != nil {
			return 0, err
		}
		if maxSeq > 0 {
			if err := s.store.Set(ctx, key, fmt.Sprintf("%d", maxSeq), 0); err != nil {
				return 0, err
			}
		}
	}

	n, err := s.store.Incr(ctx, key)
	if err != nil {
		return 0, err
	}
	return uint64(n), nil
}

func (s *serviceSession) Invalidate(ctx context.Context, phoneNumberID, customerPhone string) error {
	return s.store.Del(ctx, sessionCacheKey(phoneNumberID, customerPhone))
}

func (s *serviceSession) cache(ctx context.Context, key string, sess *domainSession.Session) {
	data, err := json.Marshal(sess)
	if err != nil {
		return
	}
	if err := s.store.Set(ctx, key, string(data), domainSession.TTL); err != nil {
		logrus.WithError(err).Debug("[SESSION] Failed to cache session snapshot")
	}
}
