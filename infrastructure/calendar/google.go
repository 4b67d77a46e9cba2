package calendar

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	defaultTimeout = 15 * time.Second
	// expirySkew refreshes tokens slightly early so an event insert never
	// races the expiry instant.
	expirySkew = 60 * time.Second
)

// Tokens is one user's OAuth credential set. A refresh rotates AccessToken
// (and sometimes RefreshToken); callers persist whatever comes back.
type Tokens struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}

// Attendee is one meeting participant.
type Attendee struct {
	Email string
	Name  string
}

// EventInput describes the event to create. RequestID keys the conference
// creation so a retried insert cannot produce two meet links.
type EventInput struct {
	Title     string
	Start     time.Time
	End       time.Time
	Attendees []Attendee
	RequestID string
}

// CreatedEvent is the provider's answer to a successful insert.
type CreatedEvent struct {
	EventID  string
	MeetLink string
}

// IClient creates calendar events. The returned *Tokens is non-nil only
// when the credential set rotated during the call.
type IClient interface {
	CreateEvent(ctx context.Context, tokens Tokens, input EventInput) (*CreatedEvent, *Tokens, error)
}

// Options configures the Google Calendar client.
type Options struct {
	BaseURL      string // e.g. https://www.googleapis.com/calendar/v3
	TokenURL     string // e.g. https://oauth2.googleapis.com/token
	ClientID     string
	ClientSecret string
	Timeout      time.Duration
}

// Client talks to the Google Calendar REST API with per-user OAuth tokens.
type Client struct {
	opts       Options
	httpClient *http.Client
}

var _ IClient = (*Client)(nil)

func NewClient(opts Options) *Client {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		opts:       opts,
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (c *Client) CreateEvent(ctx context.Context, tokens Tokens, input EventInput) (*CreatedEvent, *Tokens, error) {
	var rotated *Tokens
	if time.Now().Add(expirySkew).After(tokens.ExpiresAt) {
		fresh, err := c.refresh(ctx, tokens)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to refresh calendar token: %w", err)
		}
		tokens = *fresh
		rotated = fresh
	}

	created, status, err := c.insertEvent(ctx, tokens.AccessToken, input)
	if err != nil {
		return nil, rotated, err
	}
	if status == http.StatusUnauthorized {
		// Stored expiry was stale; refresh once and retry.
		fresh, err := c.refresh(ctx, tokens)
		if err != nil {
			return nil, rotated, fmt.Errorf("failed to refresh calendar token: %w", err)
		}
		rotated = fresh
		created, status, err = c.insertEvent(ctx, fresh.AccessToken, input)
		if err != nil {
			return nil, rotated, err
		}
	}
	if created == nil {
		return nil, rotated, fmt.Errorf("calendar insert failed with status %d", status)
	}
	return created, rotated, nil
}

func (c *Client) insertEvent(ctx context.Context, accessToken string, input EventInput) (*CreatedEvent, int, error) {
	attendees := make([]map[string]string, 0, len(input.Attendees))
	for _, a := range input.Attendees {
		entry := map[string]string{"email": a.Email}
		if a.Name != "" {
			entry["displayName"] = a.Name
		}
		attendees = append(attendees, entry)
	}

	payload := map[string]interface{}{
		"summary": input.Title,
		"start":   map[string]string{"dateTime": input.Start.Format(time.RFC3339)},
		"end":     map[string]string{"dateTime": input.End.Format(time.RFC3339)},
		"conferenceData": map[string]interface{}{
			"createRequest": map[string]interface{}{
				"requestId":             input.RequestID,
				"conferenceSolutionKey": map[string]string{"type": "hangoutsMeet"},
			},
		},
	}
	if len(attendees) > 0 {
		payload["attendees"] = attendees
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return nil, 0, err
	}

	endpoint := c.opts.BaseURL + "/calendars/primary/events?conferenceDataVersion=1"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(data))
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 16384))
	if resp.StatusCode == http.StatusUnauthorized {
		return nil, resp.StatusCode, nil
	}
	if resp.StatusCode >= 400 {
		logrus.WithField("status", resp.StatusCode).Warn("[BOOKER] Calendar insert rejected")
		return nil, resp.StatusCode, nil
	}

	var out struct {
		ID          string `json:"id"`
		HangoutLink string `json:"hangoutLink"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, resp.StatusCode, fmt.Errorf("failed to decode calendar response: %w", err)
	}
	return &CreatedEvent{EventID: out.ID, MeetLink: out.HangoutLink}, resp.StatusCode, nil
}

func (c *Client) refresh(ctx context.Context, tokens Tokens) (*Tokens, error) {
	form := url.Values{
		"client_id":     {c.opts.ClientID},
		"client_secret": {c.opts.ClientSecret},
		"refresh_token": {tokens.RefreshToken},
		"grant_type":    {"refresh_token"},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.opts.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 8192))
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("token refresh failed: status=%d body=%s", resp.StatusCode, string(body))
	}

	var out struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		ExpiresIn    int    `json:"expires_in"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("failed to decode token response: %w", err)
	}

	fresh := &Tokens{
		AccessToken:  out.AccessToken,
		RefreshToken: tokens.RefreshToken,
		ExpiresAt:    time.Now().Add(time.Duration(out.ExpiresIn) * time.Second),
	}
	if out.RefreshToken != "" {
		fresh.RefreshToken = out.RefreshToken
	}
	return fresh, nil
}
