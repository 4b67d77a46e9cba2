package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	domain "github.com/AzielCF/az-gateway/domains/platform"
)

const defaultTimeout = 15 * time.Second

// GraphClient sends outbound messages through the Meta Graph API (WhatsApp
// Cloud API and Instagram Messaging) and through the in-process webchat hub.
type GraphClient struct {
	baseURL    string
	httpClient *http.Client
	hub        *WebchatHub
}

var _ domain.ISendClient = (*GraphClient)(nil)

func NewGraphClient(baseURL string, timeout time.Duration, hub *WebchatHub) *GraphClient {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &GraphClient{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
		hub:        hub,
	}
}

// graphAPIError is the error envelope Graph returns on non-2xx responses.
type graphAPIError struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    int    `json:"code"`
		Subcode int    `json:"error_subcode"`
	} `json:"error"`
}

func (c *GraphClient) Send(ctx context.Context, req domain.SendRequest) domain.SendResult {
	text := truncate(req.Text, req.Platform.MaxTextLen())

	switch req.Platform {
	case domain.TypeWhatsApp:
		return c.sendWhatsApp(ctx, req, text)
	case domain.TypeInstagram:
		return c.sendInstagram(ctx, req, text)
	case domain.TypeWebchat:
		return c.sendWebchat(req, text)
	default:
		return domain.SendResult{ErrorCode: domain.ErrCodeBadRequest}
	}
}

func (c *GraphClient) sendWhatsApp(ctx context.Context, req domain.SendRequest, text string) domain.SendResult {
	payload := map[string]interface{}{
		"messaging_product": "whatsapp",
		"recipient_type":    "individual",
		"to":                req.CustomerPhone,
		"type":              "text",
		"text":              map[string]interface{}{"preview_url": false, "body": text},
	}
	var resp struct {
		Messages []struct {
			ID string `json:"id"`
		} `json:"messages"`
	}

	url := fmt.Sprintf("%s/%s/messages", c.baseURL, req.MetaPhoneNumberID)
	status, apiErr, err := c.doGraph(ctx, url, req.AccessToken, payload, &resp)
	if err != nil {
		return domain.SendResult{ErrorCode: domain.ErrCodeNetwork, Retryable: true}
	}
	if apiErr != nil {
		code, retryable := mapGraphError(req.Platform, status, apiErr.Error.Code)
		logrus.WithFields(logrus.Fields{
			"status":     status,
			"graph_code": apiErr.Error.Code,
			"error_code": code,
		}).Warn("[PLATFORM] WhatsApp send failed")
		return domain.SendResult{ErrorCode: code, Retryable: retryable}
	}

	var messageID string
	if len(resp.Messages) > 0 {
		messageID = resp.Messages[0].ID
	}
	return domain.SendResult{Success: true, MessageID: messageID}
}

func (c *GraphClient) sendInstagram(ctx context.Context, req domain.SendRequest, text string) domain.SendResult {
	payload := map[string]interface{}{
		"recipient": map[string]interface{}{"id": req.CustomerPhone},
		"message":   map[string]interface{}{"text": text},
	}
	var resp struct {
		MessageID string `json:"message_id"`
	}

	url := c.baseURL + "/me/messages"
	status, apiErr, err := c.doGraph(ctx, url, req.AccessToken, payload, &resp)
	if err != nil {
		return domain.SendResult{ErrorCode: domain.ErrCodeNetwork, Retryable: true}
	}
	if apiErr != nil {
		code, retryable := mapGraphError(req.Platform, status, apiErr.Error.Code)
		logrus.WithFields(logrus.Fields{
			"status":     status,
			"graph_code": apiErr.Error.Code,
			"error_code": code,
		}).Warn("[PLATFORM] Instagram send failed")
		return domain.SendResult{ErrorCode: code, Retryable: retryable}
	}

	return domain.SendResult{Success: true, MessageID: resp.MessageID}
}

func (c *GraphClient) sendWebchat(req domain.SendRequest, text string) domain.SendResult {
	messageID := "webchat-" + uuid.New().String()
	delivered := c.hub.Push(req.PhoneNumberID, req.CustomerPhone, OutboundEvent{
		MessageID: messageID,
		Text:      text,
	})
	if !delivered {
		logrus.Debugf("[PLATFORM] No live webchat session for %s", req.PhoneNumberID)
	}
	return domain.SendResult{Success: true, MessageID: messageID}
}

// SendTypingIndicator signals activity to the end user. On WhatsApp it also
// marks the inbound message as read; errors are logged, never returned.
func (c *GraphClient) SendTypingIndicator(ctx context.Context, req domain.SendRequest, inboundMessageID string) {
	switch req.Platform {
	case domain.TypeWhatsApp:
		payload := map[string]interface{}{
			"messaging_product": "whatsapp",
			"status":            "read",
			"message_id":        inboundMessageID,
			"typing_indicator":  map[string]interface{}{"type": "text"},
		}
		url := fmt.Sprintf("%s/%s/messages", c.baseURL, req.MetaPhoneNumberID)
		if _, apiErr, err := c.doGraph(ctx, url, req.AccessToken, payload, nil); err != nil || apiErr != nil {
			logrus.Debug("[PLATFORM] Typing indicator dispatch failed")
		}
	case domain.TypeInstagram:
		payload := map[string]interface{}{
			"recipient":     map[string]interface{}{"id": req.CustomerPhone},
			"sender_action": "typing_on",
		}
		if _, apiErr, err := c.doGraph(ctx, c.baseURL+"/me/messages", req.AccessToken, payload, nil); err != nil || apiErr != nil {
			logrus.Debug("[PLATFORM] Typing indicator dispatch failed")
		}
	case domain.TypeWebchat:
		c.hub.Push(req.PhoneNumberID, req.CustomerPhone, OutboundEvent{Typing: true})
	}
}

// doGraph posts a JSON payload. It returns the API error envelope for
// non-2xx statuses and a plain error only for transport failures.
func (c *GraphClient) doGraph(ctx context.Context, url, token string, body, dest interface{}) (int, *graphAPIError, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return 0, nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return 0, nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	respData, _ := io.ReadAll(io.LimitReader(resp.Body, 8192))
	if resp.StatusCode >= 400 {
		var apiErr graphAPIError
		_ = json.Unmarshal(respData, &apiErr)
		return resp.StatusCode, &apiErr, nil
	}

	if dest != nil {
		if err := json.Unmarshal(respData, dest); err != nil {
			return resp.StatusCode, nil, err
		}
	}
	return resp.StatusCode, nil, nil
}

// mapGraphError classifies a Graph failure per channel.
func mapGraphError(platform domain.Type, status, graphCode int) (domain.ErrorCode, bool) {
	if platform == domain.TypeWhatsApp && graphCode == 131047 {
		// Customer service window expired; retrying cannot help.
		return domain.ErrCodeWindowExpired, false
	}
	if platform == domain.TypeInstagram && graphCode == 551 {
		return domain.ErrCodeUserUnavailable, true
	}

	switch {
	case status == http.StatusTooManyRequests || graphCode == 4:
		return domain.ErrCodeRateLimit, true
	case status == http.StatusUnauthorized || status == http.StatusForbidden || graphCode == 190:
		return domain.ErrCodeAuth, false
	case status >= 500:
		return domain.ErrCodeUnknown, true
	case status >= 400:
		return domain.ErrCodeBadRequest, false
	}
	return domain.ErrCodeUnknown, false
}

// truncate cuts text to the channel limit without splitting a rune.
func truncate(text string, limit int) string {
	runes := []rune(text)
	if len(runes) <= limit {
		return text
	}
	return string(runes[:limit])
}
