package llm

import (
	"context"
	"time"
)

// ErrorCode categorizes LLM call failures. Retryable codes are handled by
// the client's internal backoff; RATE_LIMIT additionally triggers the
// worker's outer retry protocol.
type ErrorCode string

const (
	ErrCodeInvalidInput    ErrorCode = "INVALID_INPUT"
	ErrCodeInvalidAPIKey   ErrorCode = "INVALID_API_KEY"
	ErrCodeNotFound        ErrorCode = "NOT_FOUND"
	ErrCodeRateLimit       ErrorCode = "RATE_LIMIT"
	ErrCodeServerError     ErrorCode = "SERVER_ERROR"
	ErrCodeTimeout         ErrorCode = "TIMEOUT"
	ErrCodeNetwork         ErrorCode = "NETWORK"
	ErrCodeEmptyResponse   ErrorCode = "EMPTY_RESPONSE"
	ErrCodeNoMessageOutput ErrorCode = "NO_MESSAGE_OUTPUT"
)

// Retryable reports whether the client should retry this code internally.
func (c ErrorCode) Retryable() bool {
	switch c {
	case ErrCodeRateLimit, ErrCodeServerError, ErrCodeTimeout, ErrCodeNetwork:
		return true
	}
	return false
}

// Request is one model invocation against a stored prompt.
type Request struct {
	MessageText    string
	ConversationID string // LLM-side conversation id, empty on first call
	PromptID       string
	UserID         string // optional end-user attribution
}

// Result is the typed outcome of a model invocation.
type Result struct {
	Success    bool
	Response   string
	TokensUsed int64
	Error      string
	ErrorCode  ErrorCode
}

// IClient is the typed LLM client. Call applies the per-call timeout and
// the internal exponential backoff retry; it never panics and never
// returns a Go error for model-side failures (those land in Result).
type IClient interface {
	Call(ctx context.Context, req Request) Result
	// CreateConversation materializes a server-side conversation and
	// returns its id.
	CreateConversation(ctx context.Context) (string, error)
	// TestConnection creates and abandons a short-lived conversation; the
	// measured latency doubles as a health signal.
	TestConnection(ctx context.Context) (time.Duration, error)
}
