package llm

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/conversations"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/responses"
	"github.com/sirupsen/logrus"

	domain "github.com/AzielCF/az-gateway/domains/llm"
)

// Options configures the OpenAI-backed client.
type Options struct {
	APIKey      string
	BaseURL     string
	Timeout     time.Duration // per-call budget, applied around each attempt
	MaxAttempts int           // total attempts including the first, clamped 1..5
}

// Client talks to the Responses API using stored prompts and server-side
// conversations. Retries are handled here with exponential backoff; the
// SDK's own retry loop is disabled so backoff timing stays in one place.
type Client struct {
	api         openai.Client
	timeout     time.Duration
	maxAttempts uint
}

var _ domain.IClient = (*Client)(nil)

func NewClient(opts Options) *Client {
	clientOpts := []option.RequestOption{
		option.WithAPIKey(opts.APIKey),
		option.WithMaxRetries(0),
	}
	if opts.BaseURL != "" {
		clientOpts = append(clientOpts, option.WithBaseURL(opts.BaseURL))
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	attempts := opts.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	if attempts > 5 {
		attempts = 5
	}

	return &Client{
		api:         openai.NewClient(clientOpts...),
		timeout:     timeout,
		maxAttempts: uint(attempts),
	}
}

// callError carries the category across retry attempts.
type callError struct {
	code domain.ErrorCode
	msg  string
}

func (e *callError) Error() string { return e.msg }

// backoffDelay grows 2s, 4s, 8s... capped at 30s. retry-go passes n=0 for
// the delay after the first failed attempt.
func backoffDelay(n uint, _ error, _ *retry.Config) time.Duration {
	d := time.Duration(1<<(n+1)) * time.Second
	if d > 30*time.Second {
		d = 30 * time.Second
	}
	return d
}

func (c *Client) Call(ctx context.Context, req domain.Request) domain.Result {
	var result domain.Result

	err := retry.Do(
		func() error {
			res, cerr := c.invoke(ctx, req)
			if cerr != nil {
				return cerr
			}
			result = *res
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(c.maxAttempts),
		retry.LastErrorOnly(true),
		retry.DelayType(backoffDelay),
		retry.RetryIf(func(err error) bool {
			var ce *callError
			return errors.As(err, &ce) && ce.code.Retryable()
		}),
		retry.OnRetry(func(n uint, err error) {
			logrus.WithError(err).Warnf("[LLM] Attempt %d failed, backing off", n+1)
		}),
	)
	if err != nil {
		var ce *callError
		if errors.As(err, &ce) {
			return domain.Result{Error: ce.msg, ErrorCode: ce.code}
		}
		return domain.Result{Error: err.Error(), ErrorCode: domain.ErrCodeNetwork}
	}
	return result
}

func (c *Client) invoke(ctx context.Context, req domain.Request) (*domain.Result, error) {
	cctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	params := responses.ResponseNewParams{
		Prompt: responses.ResponsePromptParam{ID: req.PromptID},
		Input:  responses.ResponseNewParamsInputUnion{OfString: openai.String(req.MessageText)},
	}

	var reqOpts []option.RequestOption
	if req.ConversationID != "" {
		reqOpts = append(reqOpts, option.WithJSONSet("conversation", req.ConversationID))
	}
	if req.UserID != "" {
		reqOpts = append(reqOpts, option.WithJSONSet("user", req.UserID))
	}

	resp, err := c.api.Responses.New(cctx, params, reqOpts...)
	if err != nil {
		code, msg := categorize(err)
		return nil, &callError{code: code, msg: msg}
	}

	hasMessage := false
	for _, item := range resp.Output {
		if item.Type == "message" {
			hasMessage = true
			break
		}
	}
	if !hasMessage {
		return nil, &callError{code: domain.ErrCodeNoMessageOutput, msg: "model produced no message output"}
	}

	text := resp.OutputText()
	if text == "" {
		return nil, &callError{code: domain.ErrCodeEmptyResponse, msg: "model produced an empty response"}
	}

	logrus.WithFields(logrus.Fields{
		"conversation_id": req.ConversationID,
		"tokens":          resp.Usage.TotalTokens,
	}).Debug("[LLM] Call completed")

	return &domain.Result{
		Success:    true,
		Response:   text,
		TokensUsed: resp.Usage.TotalTokens,
	}, nil
}

func (c *Client) CreateConversation(ctx context.Context) (string, error) {
	cctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	conv, err := c.api.Conversations.New(cctx, conversations.ConversationNewParams{})
	if err != nil {
		return "", err
	}
	return conv.ID, nil
}

func (c *Client) TestConnection(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	if _, err := c.CreateConversation(ctx); err != nil {
		return 0, err
	}
	return time.Since(start), nil
}

// categorize maps a transport or API error onto the client's error codes.
func categorize(err error) (domain.ErrorCode, string) {
	if errors.Is(err, context.DeadlineExceeded) {
		return domain.ErrCodeTimeout, "llm call timed out"
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return domain.ErrCodeTimeout, "llm call timed out"
	}

	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode == 400:
			return domain.ErrCodeInvalidInput, err.Error()
		case apiErr.StatusCode == 401 || apiErr.StatusCode == 403:
			return domain.ErrCodeInvalidAPIKey, err.Error()
		case apiErr.StatusCode == 404:
			return domain.ErrCodeNotFound, err.Error()
		case apiErr.StatusCode == 429:
			return domain.ErrCodeRateLimit, err.Error()
		case apiErr.StatusCode >= 500:
			return domain.ErrCodeServerError, err.Error()
		default:
			return domain.ErrCodeInvalidInput, err.Error()
		}
	}

	return domain.ErrCodeNetwork, err.Error()
}
