package session

import (
	"context"
	"time"

	"github.com/AzielCF/az-gateway/domains/platform"
)

// TTL is how long a resolved session snapshot stays cached.
const TTL = 300 * time.Second

// Session is a worker-local snapshot of everything needed to service one
// message. It is materialized by value when processing begins; only ids
// cross component boundaries. ConversationID and OpenAIConversationID are
// written exactly once (at first use) and read-only afterwards.
type Session struct {
	UserID               string        `json:"user_id"`
	AgentID              string        `json:"agent_id"`
	PromptID             string        `json:"prompt_id"`
	ConversationID       string        `json:"conversation_id"`
	OpenAIConversationID string        `json:"openai_conversation_id,omitempty"`
	AccessToken          string        `json:"access_token"`
	MetaPhoneNumberID    string        `json:"meta_phone_number_id"`
	Platform             platform.Type `json:"platform"`
}

// ISessionUsecase resolves and caches conversation sessions.
type ISessionUsecase interface {
	// GetOrCreate resolves the session for a (phone_number_id,
	// customer_phone) pair, creating the active conversation lazily.
	// Returns (nil, nil) when no agent is mapped to the phone number.
	GetOrCreate(ctx context.Context, phoneNumberID, customerPhone string) (*Session, error)
	// UpdateOpenAIConversationID persists the LLM-side conversation id the
	// first time it is materialized and refreshes the cached snapshot.
	UpdateOpenAIConversationID(ctx context.Context, phoneNumberID, customerPhone, openAIConversationID string) error
	// NextSequenceNumber hands out monotone, gap-free sequence numbers
	// within a conversation. Callers must hold the conversation lock.
	NextSequenceNumber(ctx context.Context, conversationID string) (uint64, error)
	// Invalidate drops the cached snapshot (agent/phone/token change).
	Invalidate(ctx context.Context, phoneNumberID, customerPhone string) error
}
