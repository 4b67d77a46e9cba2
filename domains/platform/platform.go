package platform

import "context"

// Type identifies the messaging channel a conversation lives on.
type Type string

const (
	TypeWhatsApp  Type = "whatsapp"
	TypeInstagram Type = "instagram"
	TypeWebchat   Type = "webchat"
)

// Valid reports whether t is one of the supported channel types.
func (t Type) Valid() bool {
	switch t {
	case TypeWhatsApp, TypeInstagram, TypeWebchat:
		return true
	}
	return false
}

// ErrorCode classifies outbound send failures across channels.
type ErrorCode string

const (
	ErrCodeNone            ErrorCode = ""
	ErrCodeWindowExpired   ErrorCode = "WINDOW_EXPIRED"
	ErrCodeRateLimit       ErrorCode = "RATE_LIMIT"
	ErrCodeUserUnavailable ErrorCode = "USER_UNAVAILABLE"
	ErrCodeAuth            ErrorCode = "AUTH"
	ErrCodeNetwork         ErrorCode = "NETWORK"
	ErrCodeBadRequest      ErrorCode = "BAD_REQUEST"
	ErrCodeUnknown         ErrorCode = "UNKNOWN"
)

// SendRequest carries everything needed to deliver one outbound message.
// AccessToken and MetaPhoneNumberID come from the session snapshot so the
// sender never touches the database.
type SendRequest struct {
	PhoneNumberID     string
	CustomerPhone     string
	Text              string
	Platform          Type
	AccessToken       string
	MetaPhoneNumberID string
}

// SendResult is the outcome of one delivery attempt.
type SendResult struct {
	Success   bool
	MessageID string
	ErrorCode ErrorCode
	Retryable bool
}

// ISendClient dispatches messages to the originating channel.
type ISendClient interface {
	Send(ctx context.Context, req SendRequest) SendResult
	// SendTypingIndicator is fire-and-forget: it signals activity to the
	// end user and, where the channel supports it, marks the inbound
	// message as read. Errors are logged, never returned.
	SendTypingIndicator(ctx context.Context, req SendRequest, inboundMessageID string)
}

// MaxTextLen returns the channel's outbound text limit in characters.
func (t Type) MaxTextLen() int {
	switch t {
	case TypeWhatsApp:
		return 4096
	case TypeInstagram:
		return 1000
	default:
		return 8192
	}
}
