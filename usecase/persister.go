package usecase

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	domainCredits "github.com/AzielCF/az-gateway/domains/credits"
	"github.com/AzielCF/az-gateway/pkg/metrics"
	"github.com/AzielCF/az-gateway/repository"
)

const persistJobTimeout = 10 * time.Second

// persistJob is one deferred write. Jobs run detached from the message
// lifecycle; by the time they execute the customer already has their reply.
type persistJob struct {
	name     string
	attempts int
	run      func(ctx context.Context) error
}

// Persister executes fire-and-forget persistence work on a small worker
// pool. Failed jobs are re-submitted a bounded number of times and then
// dropped with a log line; nothing here ever surfaces to the customer.
type Persister struct {
	repo    repository.Repository
	credits domainCredits.ILedgerUsecase

	jobs    chan persistJob
	retries int

	wg       sync.WaitGroup
	stopOnce sync.Once
	stopped  chan struct{}
}

// NewPersister creates the executor and starts its workers.
func NewPersister(repo repository.Repository, ledger domainCredits.ILedgerUsecase, workers, queueSize, retries int) *Persister {
	if workers < 1 {
		workers = 1
	}
	if queueSize < 1 {
		queueSize = 100
	}
	if retries < 1 {
		retries = 1
	}

	p := &Persister{
		repo:    repo,
		credits: ledger,
		jobs:    make(chan persistJob, queueSize),
		retries: retries,
		stopped: make(chan struct{}),
	}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.workerLoop()
	}
	return p
}

func (p *Persister) workerLoop() {
	defer p.wg.Done()
	for job := range p.jobs {
		p.execute(job)
	}
}

func (p *Persister) execute(job persistJob) {
	defer func() {
		if r := recover(); r != nil {
			logrus.Errorf("[PERSIST] Panic in %s: %v", job.name, r)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), persistJobTimeout)
	defer cancel()

	err := job.run(ctx)
	if err == nil {
		return
	}
	if errors.Is(err, domainCredits.ErrInsufficient) {
		// Accounting disagreement, retrying cannot fix it.
		logrus.WithError(err).Errorf("[PERSIST] %s failed permanently", job.name)
		return
	}

	job.attempts++
	if job.attempts >= p.retries {
		metrics.PersistenceDropped.Inc()
		logrus.WithError(err).Errorf("[PERSIST] Dropping %s after %d attempts", job.name, job.attempts)
		return
	}
	logrus.WithError(err).Warnf("[PERSIST] %s failed, re-submitting (attempt %d)", job.name, job.attempts)
	p.resubmit(job)
}

func (p *Persister) submit(name string, run func(ctx context.Context) error) {
	select {
	case <-p.stopped:
		logrus.Warnf("[PERSIST] Rejecting %s, executor is shut down", name)
		return
	default:
	}

	select {
	case p.jobs <- persistJob{name: name, run: run}:
	default:
		metrics.PersistenceDropped.Inc()
		logrus.Warnf("[PERSIST] Queue full, dropping %s", name)
	}
}

func (p *Persister) resubmit(job persistJob) {
	select {
	case p.jobs <- job:
	default:
		metrics.PersistenceDropped.Inc()
		logrus.Errorf("[PERSIST] Queue full, dropping retried %s", job.name)
	}
}

// Shutdown stops intake and waits for queued jobs to finish, up to the
// context deadline.
func (p *Persister) Shutdown(ctx context.Context) error {
	p.stopOnce.Do(func() {
		close(p.stopped)
		close(p.jobs)
	})

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// --- Scheduled operations ---

func (p *Persister) StoreIncomingMessage(messageID, conversationID, text string, seq uint64, at time.Time) {
	p.submit("store_incoming_message", func(ctx context.Context) error {
		return p.repo.InsertMessage(ctx, &repository.MessageRecord{
			MessageID:      messageID,
			ConversationID: conversationID,
			Sender:         "user",
			Text:           text,
			Status:         "sent",
			SequenceNo:     seq,
			Timestamp:      at,
		})
	})
}

func (p *Persister) StoreOutgoingMessage(messageID, conversationID, text string, seq uint64, platformMessageID string) {
	p.submit("store_outgoing_message", func(ctx context.Context) error {
		return p.repo.InsertMessage(ctx, &repository.MessageRecord{
			MessageID:         messageID,
			ConversationID:    conversationID,
			Sender:            "agent",
			Text:              text,
			Status:            "sent",
			SequenceNo:        seq,
			PlatformMessageID: platformMessageID,
			Timestamp:         time.Now(),
		})
	})
}

func (p *Persister) TrackDelivery(messageID, platformMessageID, status string) {
	p.submit("track_delivery", func(ctx context.Context) error {
		return p.repo.TrackDelivery(ctx, messageID, platformMessageID, status)
	})
}

func (p *Persister) UpdateConversationActivity(conversationID string) {
	p.submit("update_conversation_activity", func(ctx context.Context) error {
		return p.repo.TouchConversation(ctx, conversationID)
	})
}

func (p *Persister) DeductCredits(userID string, amount int64) {
	p.submit("deduct_credits", func(ctx context.Context) error {
		_, err := p.credits.Deduct(ctx, userID, amount)
		return err
	})
}
