package usecase

import (
	"context"
	"sync"
	"time"

	domainCredits "github.com/AzielCF/az-gateway/domains/credits"
	domainLLM "github.com/AzielCF/az-gateway/domains/llm"
	domainMeeting "github.com/AzielCF/az-gateway/domains/meeting"
	domainPlatform "github.com/AzielCF/az-gateway/domains/platform"
	"github.com/AzielCF/az-gateway/infrastructure/calendar"
	"github.com/AzielCF/az-gateway/infrastructure/store"
	"github.com/AzielCF/az-gateway/repository"
)

func newTestStore(tb interface{ Cleanup(func()) }) *store.MemoryStore {
	s := store.NewMemoryStore(store.Options{})
	tb.Cleanup(s.Close)
	return s
}

// --- fake repository ---

type fakeRepo struct {
	mu sync.Mutex

	bindings      map[string]*repository.AgentBinding // phoneNumberID → binding
	conversations map[string]*repository.Conversation // id → conversation
	messages      []repository.MessageRecord
	deliveries    map[string]string // messageID → status
	credits       map[string]int64
	meetings      []repository.Meeting
	tokens        map[string]*repository.CalendarToken
	touched       map[string]int

	resolveCalls int
	failNext     error
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		bindings:      make(map[string]*repository.AgentBinding),
		conversations: make(map[string]*repository.Conversation),
		deliveries:    make(map[string]string),
		credits:       make(map[string]int64),
		tokens:        make(map[string]*repository.CalendarToken),
		touched:       make(map[string]int),
	}
}

func (r *fakeRepo) takeErr() error {
	err := r.failNext
	r.failNext = nil
	return err
}

func (r *fakeRepo) ResolveAgent(ctx context.Context, phoneNumberID string) (*repository.AgentBinding, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.takeErr(); err != nil {
		return nil, err
	}
	r.resolveCalls++
	b, ok := r.bindings[phoneNumberID]
	if !ok {
		return nil, nil
	}
	cp := *b
	return &cp, nil
}

func (r *fakeRepo) ActiveConversation(ctx context.Context, phoneNumberID, customerPhone string) (*repository.Conversation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.conversations {
		if c.PhoneNumberID == phoneNumberID && c.CustomerPhone == customerPhone {
			cp := *c
			return &cp, nil
		}
	}
	return nil, nil
}

func (r *fakeRepo) CreateConversation(ctx context.Context, conv *repository.Conversation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *conv
	r.conversations[conv.ID] = &cp
	return nil
}

func (r *fakeRepo) SetOpenAIConversationID(ctx context.Context, conversationID, openaiID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.conversations[conversationID]; ok {
		c.OpenAIConversationID = openaiID
	}
	return nil
}

func (r *fakeRepo) TouchConversation(ctx context.Context, conversationID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.touched[conversationID]++
	return nil
}

func (r *fakeRepo) ConversationOwner(ctx context.Context, conversationID string) (*repository.AgentBinding, error) {
	r.mu.Lock()
	conv, ok := r.conversations[conversationID]
	r.mu.Unlock()
	if !ok {
		return nil, nil
	}
	return r.ResolveAgent(ctx, conv.PhoneNumberID)
}

func (r *fakeRepo) MaxSequenceNo(ctx context.Context, conversationID string) (uint64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var maxSeq uint64
	for _, m := range r.messages {
		if m.ConversationID == conversationID && m.SequenceNo > maxSeq {
			maxSeq = m.SequenceNo
		}
	}
	return maxSeq, nil
}

func (r *fakeRepo) InsertMessage(ctx context.Context, rec *repository.MessageRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.takeErr(); err != nil {
		return err
	}
	r.messages = append(r.messages, *rec)
	return nil
}

func (r *fakeRepo) TrackDelivery(ctx context.Context, messageID, platformMessageID, status string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deliveries[messageID] = status
	return nil
}

func (r *fakeRepo) RemainingCredits(ctx context.Context, userID string) (int64, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.takeErr(); err != nil {
		return 0, false, err
	}
	n, ok := r.credits[userID]
	return n, ok, nil
}

func (r *fakeRepo) DeductCredits(ctx context.Context, userID string, amount int64) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.credits[userID]
	if !ok || n < amount {
		return 0, domainCredits.ErrInsufficient
	}
	r.credits[userID] = n - amount
	return n - amount, nil
}

func (r *fakeRepo) InsertMeeting(ctx context.Context, m *repository.Meeting) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.meetings = append(r.meetings, *m)
	return nil
}

func (r *fakeRepo) CalendarToken(ctx context.Context, userID string) (*repository.CalendarToken, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tokens[userID]
	if !ok {
		return nil, nil
	}
	cp := *t
	return &cp, nil
}

func (r *fakeRepo) SaveCalendarToken(ctx context.Context, tok *repository.CalendarToken) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *tok
	r.tokens[tok.UserID] = &cp
	return nil
}

func (r *fakeRepo) Ping(ctx context.Context) error { return nil }

func (r *fakeRepo) messageCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.messages)
}

// --- fake LLM client ---

type fakeLLM struct {
	mu      sync.Mutex
	results []domainLLM.Result // consumed in order; last one repeats
	calls   int
	convID  string
	convErr error
}

func (f *fakeLLM) Call(ctx context.Context, req domainLLM.Request) domainLLM.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if len(f.results) == 0 {
		return domainLLM.Result{Success: true, Response: "ok"}
	}
	res := f.results[0]
	if len(f.results) > 1 {
		f.results = f.results[1:]
	}
	return res
}

func (f *fakeLLM) CreateConversation(ctx context.Context) (string, error) {
	if f.convErr != nil {
		return "", f.convErr
	}
	if f.convID == "" {
		return "conv_generated", nil
	}
	return f.convID, nil
}

func (f *fakeLLM) TestConnection(ctx context.Context) (time.Duration, error) {
	return time.Millisecond, nil
}

func (f *fakeLLM) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// --- fake platform sender ---

type sentMessage struct {
	Req domainPlatform.SendRequest
}

type fakeSender struct {
	mu      sync.Mutex
	sent    []sentMessage
	typing  int
	results []domainPlatform.SendResult // consumed in order; last repeats
}

func (f *fakeSender) Send(ctx context.Context, req domainPlatform.SendRequest) domainPlatform.SendResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentMessage{Req: req})
	if len(f.results) == 0 {
		return domainPlatform.SendResult{Success: true, MessageID: "platform-msg-1"}
	}
	res := f.results[0]
	if len(f.results) > 1 {
		f.results = f.results[1:]
	}
	return res
}

func (f *fakeSender) SendTypingIndicator(ctx context.Context, req domainPlatform.SendRequest, inboundMessageID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.typing++
}

func (f *fakeSender) sentTexts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.sent))
	for i, s := range f.sent {
		out[i] = s.Req.Text
	}
	return out
}

// --- fake booker ---

type fakeBooker struct {
	mu     sync.Mutex
	calls  int
	result domainMeeting.BookingResult
}

func (f *fakeBooker) BookFromModel(ctx context.Context, conversationID string, data *domainMeeting.Data) domainMeeting.BookingResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.result
}

// --- fake calendar client ---

type fakeCalendar struct {
	created *calendar.CreatedEvent
	rotated *calendar.Tokens
	err     error
	last    calendar.EventInput
}

func (f *fakeCalendar) CreateEvent(ctx context.Context, tokens calendar.Tokens, input calendar.EventInput) (*calendar.CreatedEvent, *calendar.Tokens, error) {
	f.last = input
	return f.created, f.rotated, f.err
}
