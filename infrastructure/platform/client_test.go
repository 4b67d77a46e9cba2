package platform

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	domain "github.com/AzielCF/az-gateway/domains/platform"
)

func newGraphTestClient(t *testing.T, handler http.Handler) (*GraphClient, *WebchatHub) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	hub := NewWebchatHub()
	return NewGraphClient(srv.URL, 5*time.Second, hub), hub
}

func TestSendWhatsAppSuccess(t *testing.T) {
	var gotPath, gotAuth string
	var gotBody map[string]interface{}
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"messages": []map[string]string{{"id": "wamid.OUT1"}},
		})
	})
	c, _ := newGraphTestClient(t, handler)

	res := c.Send(context.Background(), domain.SendRequest{
		PhoneNumberID:     "p1",
		CustomerPhone:     "+15550001111",
		Text:              "hello",
		Platform:          domain.TypeWhatsApp,
		AccessToken:       "tok",
		MetaPhoneNumberID: "meta123",
	})

	assert.True(t, res.Success)
	assert.Equal(t, "wamid.OUT1", res.MessageID)
	assert.Equal(t, "/meta123/messages", gotPath)
	assert.Equal(t, "Bearer tok", gotAuth)
	assert.Equal(t, "whatsapp", gotBody["messaging_product"])
	assert.Equal(t, "+15550001111", gotBody["to"])
}

func TestSendWhatsAppWindowExpired(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"error": map[string]interface{}{"message": "window closed", "code": 131047},
		})
	})
	c, _ := newGraphTestClient(t, handler)

	res := c.Send(context.Background(), domain.SendRequest{
		Platform: domain.TypeWhatsApp, CustomerPhone: "+1", MetaPhoneNumberID: "m", AccessToken: "t", Text: "x",
	})

	assert.False(t, res.Success)
	assert.Equal(t, domain.ErrCodeWindowExpired, res.ErrorCode)
	assert.False(t, res.Retryable)
}

func TestSendRateLimitRetryable(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"error": map[string]interface{}{"message": "limit", "code": 4},
		})
	})
	c, _ := newGraphTestClient(t, handler)

	res := c.Send(context.Background(), domain.SendRequest{
		Platform: domain.TypeWhatsApp, CustomerPhone: "+1", MetaPhoneNumberID: "m", AccessToken: "t", Text: "x",
	})

	assert.Equal(t, domain.ErrCodeRateLimit, res.ErrorCode)
	assert.True(t, res.Retryable)
}

func TestSendInstagramUserUnavailable(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/me/messages", r.URL.Path)
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"error": map[string]interface{}{"message": "user unavailable", "code": 551},
		})
	})
	c, _ := newGraphTestClient(t, handler)

	res := c.Send(context.Background(), domain.SendRequest{
		Platform: domain.TypeInstagram, CustomerPhone: "ig-user-1", AccessToken: "t", Text: "x",
	})

	assert.Equal(t, domain.ErrCodeUserUnavailable, res.ErrorCode)
	assert.True(t, res.Retryable)
}

func TestSendInstagramSuccess(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		recipient := body["recipient"].(map[string]interface{})
		assert.Equal(t, "ig-user-1", recipient["id"])
		_ = json.NewEncoder(w).Encode(map[string]string{"message_id": "mid.1"})
	})
	c, _ := newGraphTestClient(t, handler)

	res := c.Send(context.Background(), domain.SendRequest{
		Platform: domain.TypeInstagram, CustomerPhone: "ig-user-1", AccessToken: "t", Text: "hi",
	})

	assert.True(t, res.Success)
	assert.Equal(t, "mid.1", res.MessageID)
}

func TestSendTruncatesToPlatformLimit(t *testing.T) {
	var gotBody map[string]interface{}
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"messages": []map[string]string{{"id": "wamid.OUT1"}},
		})
	})
	c, _ := newGraphTestClient(t, handler)

	long := strings.Repeat("a", 5000)
	res := c.Send(context.Background(), domain.SendRequest{
		Platform: domain.TypeWhatsApp, CustomerPhone: "+1", MetaPhoneNumberID: "m", AccessToken: "t", Text: long,
	})

	require.True(t, res.Success)
	text := gotBody["text"].(map[string]interface{})
	assert.Len(t, text["body"], 4096)
}

func TestSendNetworkError(t *testing.T) {
	hub := NewWebchatHub()
	c := NewGraphClient("http://127.0.0.1:1", 200*time.Millisecond, hub)

	res := c.Send(context.Background(), domain.SendRequest{
		Platform: domain.TypeWhatsApp, CustomerPhone: "+1", MetaPhoneNumberID: "m", AccessToken: "t", Text: "x",
	})

	assert.False(t, res.Success)
	assert.Equal(t, domain.ErrCodeNetwork, res.ErrorCode)
	assert.True(t, res.Retryable)
}

func TestSendWebchatPushesToLiveSession(t *testing.T) {
	c, hub := newGraphTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	events, unsubscribe := hub.Subscribe("p1", "visitor-1")
	defer unsubscribe()

	res := c.Send(context.Background(), domain.SendRequest{
		Platform: domain.TypeWebchat, PhoneNumberID: "p1", CustomerPhone: "visitor-1", Text: "hi",
	})

	require.True(t, res.Success)
	assert.NotEmpty(t, res.MessageID)

	select {
	case evt := <-events:
		assert.Equal(t, "hi", evt.Text)
		assert.Equal(t, res.MessageID, evt.MessageID)
	case <-time.After(time.Second):
		t.Fatal("expected a live-session event")
	}
}

func TestSendWebchatWithoutSessionStillSucceeds(t *testing.T) {
	c, _ := newGraphTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	res := c.Send(context.Background(), domain.SendRequest{
		Platform: domain.TypeWebchat, PhoneNumberID: "p1", CustomerPhone: "nobody", Text: "hi",
	})
	assert.True(t, res.Success)
}

func TestTypingIndicatorMarksRead(t *testing.T) {
	var gotBody map[string]interface{}
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.WriteHeader(http.StatusOK)
	})
	c, _ := newGraphTestClient(t, handler)

	c.SendTypingIndicator(context.Background(), domain.SendRequest{
		Platform: domain.TypeWhatsApp, MetaPhoneNumberID: "m", AccessToken: "t", CustomerPhone: "+1",
	}, "wamid.IN1")

	assert.Equal(t, "read", gotBody["status"])
	assert.Equal(t, "wamid.IN1", gotBody["message_id"])
}

func TestWebchatHubReplaceAndUnsubscribe(t *testing.T) {
	hub := NewWebchatHub()

	first, _ := hub.Subscribe("p1", "v1")
	second, unsub := hub.Subscribe("p1", "v1")

	// First channel was replaced and closed.
	_, open := <-first
	assert.False(t, open)
	assert.Equal(t, 1, hub.Sessions())

	assert.True(t, hub.Push("p1", "v1", OutboundEvent{Text: "x"}))
	evt := <-second
	assert.Equal(t, "x", evt.Text)

	unsub()
	assert.Equal(t, 0, hub.Sessions())
	assert.False(t, hub.Push("p1", "v1", OutboundEvent{Text: "y"}))
}
