package usecase

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/AzielCF/az-gateway/core/config"
	domainCredits "github.com/AzielCF/az-gateway/domains/credits"
	domainLLM "github.com/AzielCF/az-gateway/domains/llm"
	domainMeeting "github.com/AzielCF/az-gateway/domains/meeting"
	domainPlatform "github.com/AzielCF/az-gateway/domains/platform"
	"github.com/AzielCF/az-gateway/domains/queue"
	domainSession "github.com/AzielCF/az-gateway/domains/session"
	"github.com/AzielCF/az-gateway/pkg/metrics"
)

// creditCostPerMessage is the flat price of one processed message.
const creditCostPerMessage = 1

// healthWindowSize is how many recent outcomes feed the success rate.
const healthWindowSize = 20

// ProcessResult is the outcome of one ProcessOne invocation.
type ProcessResult int

const (
	// ResultIdle means the queue was empty.
	ResultIdle ProcessResult = iota
	// ResultProcessed means a reply reached the customer.
	ResultProcessed
	// ResultOrphaned means the message was completed without a reply
	// (no agent mapped, or insufficient credits).
	ResultOrphaned
	// ResultRateLimited means the rate-limit recovery protocol exhausted
	// its delays and the job terminated deliberately.
	ResultRateLimited
	// ResultFailed means the lease was failed (retryably or not).
	ResultFailed
)

// WorkerHealth is a point-in-time snapshot for the manager.
type WorkerHealth struct {
	ID            string    `json:"id"`
	Processed     uint64    `json:"processed"`
	Failed        uint64    `json:"failed"`
	SuccessRate   float64   `json:"success_rate"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
	Uptime        string    `json:"uptime"`
}

// WorkerDeps bundles everything a worker calls into.
type WorkerDeps struct {
	Store     queue.MessageStore
	Session   domainSession.ISessionUsecase
	Credits   domainCredits.ILedgerUsecase
	LLM       domainLLM.IClient
	Sender    domainPlatform.ISendClient
	Booker    domainMeeting.IBookerUsecase
	Persister *Persister
}

// WorkerSettings tunes one worker's locking and rate-limit behavior.
type WorkerSettings struct {
	LockTTL     time.Duration
	LockRetries int
	RateLimit   config.RateLimitRetryConfig
}

// Worker drives single messages through the full pipeline: dequeue, lock,
// session, credits, LLM, action handling, send, async persistence.
type Worker struct {
	id       string
	deps     WorkerDeps
	settings WorkerSettings

	processed atomic.Uint64
	failed    atomic.Uint64
	heartbeat atomic.Int64
	startedAt time.Time

	windowMu sync.Mutex
	window   []bool // true = success, ring of recent outcomes

	// sleepFn is swapped in tests so the rate-limit delays don't run on
	// the wall clock.
	sleepFn func(ctx context.Context, d time.Duration) error
}

func NewWorker(id string, deps WorkerDeps, settings WorkerSettings) *Worker {
	if settings.LockTTL <= 0 {
		settings.LockTTL = queue.LockTTL
	}
	if settings.LockRetries <= 0 {
		settings.LockRetries = 150
	}
	w := &Worker{
		id:        id,
		deps:      deps,
		settings:  settings,
		startedAt: time.Now(),
		sleepFn:   sleepCtx,
	}
	w.heartbeat.Store(time.Now().UnixNano())
	return w
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

func (w *Worker) ID() string { return w.id }

func (w *Worker) Health() WorkerHealth {
	return WorkerHealth{
		ID:            w.id,
		Processed:     w.processed.Load(),
		Failed:        w.failed.Load(),
		SuccessRate:   w.successRate(),
		LastHeartbeat: time.Unix(0, w.heartbeat.Load()),
		Uptime:        time.Since(w.startedAt).Round(time.Second).String(),
	}
}

// successRate is computed over the sliding outcome window; an idle worker
// reports 100%.
func (w *Worker) successRate() float64 {
	w.windowMu.Lock()
	defer w.windowMu.Unlock()
	if len(w.window) == 0 {
		return 100.0
	}
	ok := 0
	for _, s := range w.window {
		if s {
			ok++
		}
	}
	return float64(ok) / float64(len(w.window)) * 100.0
}

func (w *Worker) record(success bool) {
	if success {
		w.processed.Add(1)
	} else {
		w.failed.Add(1)
	}
	w.windowMu.Lock()
	w.window = append(w.window, success)
	if len(w.window) > healthWindowSize {
		w.window = w.window[1:]
	}
	w.windowMu.Unlock()
}

// ProcessOne dequeues and fully processes a single message. It returns
// ResultIdle when nothing is queued.
func (w *Worker) ProcessOne(ctx context.Context) ProcessResult {
	w.heartbeat.Store(time.Now().UnixNano())

	msg, lease, err := w.deps.Store.Dequeue(ctx, "")
	if err != nil {
		logrus.WithError(err).Error("[WORKER] Dequeue failed")
		return ResultIdle
	}
	if msg == nil {
		return ResultIdle
	}

	log := logrus.WithFields(logrus.Fields{
		"worker_id":       w.id,
		"message_id":      msg.MessageID,
		"phone_number_id": msg.PhoneNumberID,
	})

	if err := msg.Validate(); err != nil {
		log.WithError(err).Warn("[WORKER] Dropping invalid message")
		w.fail(ctx, lease, "invalid message: "+err.Error(), false)
		return ResultFailed
	}

	resource := queue.CustomerLockResource(msg.PhoneNumberID, msg.CustomerPhone)
	lock, err := w.deps.Store.AcquireLock(ctx, resource, w.settings.LockTTL, w.settings.LockRetries)
	if err != nil || lock == nil {
		log.Warn("[WORKER] Customer lock contended, re-enqueueing")
		w.fail(ctx, lease, "lock contention", true)
		return ResultFailed
	}
	defer func() {
		if err := w.deps.Store.ReleaseLock(ctx, lock); err != nil {
			log.WithError(err).Warn("[WORKER] Failed to release customer lock")
		}
	}()

	result := w.process(ctx, log, msg, lease)
	switch result {
	case ResultProcessed, ResultRateLimited, ResultOrphaned:
		w.record(true)
	case ResultFailed:
		w.record(false)
	}
	return result
}

func (w *Worker) process(ctx context.Context, log *logrus.Entry, msg *queue.QueuedMessage, lease *queue.Lease) ProcessResult {
	sess, err := w.deps.Session.GetOrCreate(ctx, msg.PhoneNumberID, msg.CustomerPhone)
	if err != nil {
		log.WithError(err).Error("[WORKER] Session resolution failed")
		w.fail(ctx, lease, "session: "+err.Error(), true)
		return ResultFailed
	}
	if sess == nil {
		log.Info("[WORKER] No agent mapped, completing orphaned message")
		w.complete(ctx, lease)
		return ResultOrphaned
	}

	sendReq := domainPlatform.SendRequest{
		PhoneNumberID:     msg.PhoneNumberID,
		CustomerPhone:     msg.CustomerPhone,
		Platform:          msg.Platform,
		AccessToken:       sess.AccessToken,
		MetaPhoneNumberID: sess.MetaPhoneNumberID,
	}
	go w.deps.Sender.SendTypingIndicator(ctx, sendReq, msg.MessageID)

	enough, err := w.deps.Credits.HasEnough(ctx, sess.UserID, creditCostPerMessage)
	if err != nil {
		log.WithError(err).Error("[WORKER] Credit check failed")
		w.fail(ctx, lease, "credits: "+err.Error(), true)
		return ResultFailed
	}
	if !enough {
		log.WithField("user_id", sess.UserID).Info("[WORKER] Insufficient credits, dropping message")
		w.complete(ctx, lease)
		return ResultOrphaned
	}

	// Sequence numbers are taken one after the other, never in parallel,
	// so the pair can't interleave with another worker's pair.
	seqIn, err := w.deps.Session.NextSequenceNumber(ctx, sess.ConversationID)
	if err != nil {
		log.WithError(err).Error("[WORKER] Sequence allocation failed")
		w.fail(ctx, lease, "sequence: "+err.Error(), true)
		return ResultFailed
	}
	seqOut, err := w.deps.Session.NextSequenceNumber(ctx, sess.ConversationID)
	if err != nil {
		log.WithError(err).Error("[WORKER] Sequence allocation failed")
		w.fail(ctx, lease, "sequence: "+err.Error(), true)
		return ResultFailed
	}

	w.deps.Persister.StoreIncomingMessage(msg.MessageID, sess.ConversationID, msg.MessageText, seqIn, msg.Timestamp)

	if sess.OpenAIConversationID == "" {
		convID, err := w.deps.LLM.CreateConversation(ctx)
		if err != nil {
			log.WithError(err).Error("[WORKER] LLM conversation creation failed")
			w.fail(ctx, lease, "llm conversation: "+err.Error(), true)
			return ResultFailed
		}
		if err := w.deps.Session.UpdateOpenAIConversationID(ctx, msg.PhoneNumberID, msg.CustomerPhone, convID); err != nil {
			log.WithError(err).Error("[WORKER] Failed to persist LLM conversation id")
			w.fail(ctx, lease, "llm conversation: "+err.Error(), true)
			return ResultFailed
		}
		sess.OpenAIConversationID = convID
	}

	llmRes, rateLimited := w.callModel(ctx, log, sess, msg, sendReq)
	if rateLimited {
		// The job terminated deliberately; no credits were consumed.
		metrics.LLMRateLimited.Inc()
		w.complete(ctx, lease)
		return ResultRateLimited
	}
	if !llmRes.Success {
		log.WithFields(logrus.Fields{
			"error_code": llmRes.ErrorCode,
			"error":      llmRes.Error,
		}).Error("[WORKER] LLM call failed")
		w.fail(ctx, lease, "llm: "+llmRes.Error, llmRes.ErrorCode.Retryable())
		return ResultFailed
	}

	finalText := w.applyActions(ctx, log, sess.ConversationID, llmRes.Response)

	sendReq.Text = finalText
	sendRes := w.deps.Sender.Send(ctx, sendReq)
	if !sendRes.Success {
		log.WithField("error_code", sendRes.ErrorCode).Error("[WORKER] Platform send failed")
		w.fail(ctx, lease, "send: "+string(sendRes.ErrorCode), sendRes.Retryable)
		return ResultFailed
	}

	outgoingID := uuid.New().String()
	w.deps.Persister.StoreOutgoingMessage(outgoingID, sess.ConversationID, finalText, seqOut, sendRes.MessageID)
	w.deps.Persister.TrackDelivery(outgoingID, sendRes.MessageID, "sent")
	w.deps.Persister.UpdateConversationActivity(sess.ConversationID)
	w.deps.Persister.DeductCredits(sess.UserID, creditCostPerMessage)

	w.complete(ctx, lease)
	log.Debug("[WORKER] Message processed")
	return ResultProcessed
}

// callModel invokes the LLM, applying the outer rate-limit protocol when
// the client reports RATE_LIMIT after its own backoff gave up. The bool
// result is true when the protocol exhausted its delays.
func (w *Worker) callModel(ctx context.Context, log *logrus.Entry, sess *domainSession.Session, msg *queue.QueuedMessage, sendReq domainPlatform.SendRequest) (domainLLM.Result, bool) {
	req := domainLLM.Request{
		MessageText:    msg.MessageText,
		ConversationID: sess.OpenAIConversationID,
		PromptID:       sess.PromptID,
		UserID:         sess.UserID,
	}

	start := time.Now()
	res := w.deps.LLM.Call(ctx, req)
	metrics.LLMLatency.Observe(time.Since(start).Seconds())

	if res.ErrorCode != domainLLM.ErrCodeRateLimit || !w.settings.RateLimit.Enabled {
		return res, false
	}

	log.Warn("[WORKER] Rate limited, entering recovery protocol")
	busy := sendReq
	busy.Text = w.settings.RateLimit.InitialMessage
	if r := w.deps.Sender.Send(ctx, busy); !r.Success {
		log.Warn("[WORKER] Could not deliver busy notice")
	}

	for _, delay := range w.settings.RateLimit.Delays() {
		if err := w.sleepFn(ctx, delay); err != nil {
			return res, true
		}
		start := time.Now()
		res = w.deps.LLM.Call(ctx, req)
		metrics.LLMLatency.Observe(time.Since(start).Seconds())
		if res.ErrorCode != domainLLM.ErrCodeRateLimit {
			return res, false
		}
	}

	final := sendReq
	final.Text = w.settings.RateLimit.FinalMessage
	if r := w.deps.Sender.Send(ctx, final); !r.Success {
		log.Warn("[WORKER] Could not deliver final rate-limit notice")
	}
	return res, true
}

// applyActions runs the action detector and folds the booking outcome into
// the user-facing text.
func (w *Worker) applyActions(ctx context.Context, log *logrus.Entry, conversationID, reply string) string {
	data, cleaned := DetectMeetingAction(reply)
	if data == nil {
		return reply
	}

	log.Info("[WORKER] Booking action detected")
	booking := w.deps.Booker.BookFromModel(ctx, conversationID, data)
	if booking.Success {
		confirmation := "Meeting confirmed"
		if data.FriendlyTime != "" {
			confirmation += " for " + data.FriendlyTime
		}
		if booking.MeetLink != "" {
			confirmation += ": " + booking.MeetLink
		}
		return cleaned + "\n\n" + confirmation
	}
	if booking.UserMessage != "" {
		return cleaned + "\n\n" + booking.UserMessage
	}
	return cleaned
}

func (w *Worker) complete(ctx context.Context, lease *queue.Lease) {
	if err := w.deps.Store.Complete(ctx, lease); err != nil {
		logrus.WithError(err).Warn("[WORKER] Failed to complete lease")
	}
	metrics.MessagesProcessed.Inc()
}

func (w *Worker) fail(ctx context.Context, lease *queue.Lease, cause string, retryable bool) {
	if err := w.deps.Store.Fail(ctx, lease, cause, retryable); err != nil {
		logrus.WithError(err).Warn("[WORKER] Failed to fail lease")
	}
	metrics.MessagesFailed.Inc()
}
