package queue

import (
	"context"
	"errors"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/AzielCF/az-gateway/domains/platform"
)

const (
	// LeaseTTL bounds how long a worker may hold a dequeued message before
	// the janitor re-enqueues it.
	LeaseTTL = 300 * time.Second
	// LockTTL matches LeaseTTL so a stalled worker cannot block its
	// conversation longer than its lease survives.
	LockTTL = 300 * time.Second
	// DedupTTL is the window during which an identical (phone, content)
	// pair is treated as a duplicate delivery from the platform.
	DedupTTL = 5 * time.Second
	// MaxRetries is the number of re-drives before a message lands in the
	// failed map.
	MaxRetries = 3
	// LockRetrySleep is the pause between lock acquisition attempts.
	LockRetrySleep = 200 * time.Millisecond
	// JanitorInterval is the sweep cadence for expired leases, locks and
	// cache entries.
	JanitorInterval = 60 * time.Second
)

var (
	// ErrDuplicate is returned by Enqueue when the dedup window already
	// holds an identical (phone_number_id, content) pair.
	ErrDuplicate = errors.New("duplicate message within dedup window")
	// ErrUnknownLease is returned by Complete/Fail when the lease does not
	// exist (already disposed, or expired and reclaimed by the janitor).
	ErrUnknownLease = errors.New("unknown or expired lease")
)

// QueuedMessage is one inbound customer message awaiting processing.
// Ordering within the queue keyed by PhoneNumberID preserves enqueue order.
type QueuedMessage struct {
	MessageID     string        `json:"message_id"`
	PhoneNumberID string        `json:"phone_number_id"`
	CustomerPhone string        `json:"customer_phone"`
	MessageText   string        `json:"message_text"`
	Platform      platform.Type `json:"platform_type"`
	Timestamp     time.Time     `json:"timestamp"`
	RetryCount    int           `json:"retry_count"`
	EnqueuedAt    time.Time     `json:"enqueued_at"`
	LastError     string        `json:"last_error,omitempty"`
}

// Validate checks the fields ingress must have populated.
func (m QueuedMessage) Validate() error {
	return validation.ValidateStruct(&m,
		validation.Field(&m.MessageID, validation.Required),
		validation.Field(&m.PhoneNumberID, validation.Required),
		validation.Field(&m.CustomerPhone, validation.Required),
		validation.Field(&m.MessageText, validation.Required),
		validation.Field(&m.Platform, validation.Required, validation.By(func(v interface{}) error {
			if t, ok := v.(platform.Type); !ok || !t.Valid() {
				return errors.New("unsupported platform type")
			}
			return nil
		})),
	)
}

// Lease is a time-bounded claim on a dequeued message. Only its holder may
// complete or fail it.
type Lease struct {
	LeaseID       string    `json:"lease_id"`
	MessageID     string    `json:"message_id"`
	PhoneNumberID string    `json:"phone_number_id"`
	ExpiresAt     time.Time `json:"expires_at"`
}

// Lock is an exclusive claim on a resource key. Release is a no-op when the
// current holder's LockID differs, so a late release never frees a newer
// holder's lock.
type Lock struct {
	LockID    string    `json:"lock_id"`
	Resource  string    `json:"resource"`
	ExpiresAt time.Time `json:"expires_at"`
}

// CustomerLockResource builds the lock key serializing one conversation.
func CustomerLockResource(phoneNumberID, customerPhone string) string {
	return "customer:" + phoneNumberID + ":" + customerPhone
}

// FailedMessage is a message that exhausted its retries (or failed
// permanently) together with its last error.
type FailedMessage struct {
	Message  QueuedMessage `json:"message"`
	Error    string        `json:"error"`
	FailedAt time.Time     `json:"failed_at"`
}

// Stats is a point-in-time snapshot of queue state.
type Stats struct {
	Queued     int            `json:"queued"`
	PerPhone   map[string]int `json:"per_phone"`
	Processing int            `json:"processing"`
	Failed     int            `json:"failed"`
}

// MessageStore is the single shared-state abstraction of the processing
// core: FIFO queues with leases, a TTL cache, sets, distributed locks and
// the dedup window. Backends may be in-process or Valkey; semantics are
// identical either way.
type MessageStore interface {
	// Enqueue appends msg to the tail of its per-phone queue, applies the
	// dedup window (ErrDuplicate on a hit) and signals Notify.
	Enqueue(ctx context.Context, msg *QueuedMessage) error
	// Dequeue atomically removes the head of a queue and returns it with a
	// fresh lease. phoneNumberID restricts to one queue when non-empty.
	// Returns (nil, nil, nil) when nothing is queued.
	Dequeue(ctx context.Context, phoneNumberID string) (*QueuedMessage, *Lease, error)
	// Complete disposes a lease after successful processing.
	Complete(ctx context.Context, lease *Lease) error
	// Fail disposes a lease after a failure. With retryable=true the
	// message is re-enqueued until MaxRetries, then moved to the failed
	// map; retryable=false moves it immediately.
	Fail(ctx context.Context, lease *Lease, cause string, retryable bool) error
	Stats(ctx context.Context) (Stats, error)
	FailedMessages(ctx context.Context) ([]FailedMessage, error)
	// Notify yields one signal per enqueue (coalesced); used for
	// zero-polling dispatch.
	Notify() <-chan struct{}

	// Cache ops. Get returns ok=false on a miss or lazily-expired entry.
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Del(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error
	Incr(ctx context.Context, key string) (int64, error)

	SAdd(ctx context.Context, key string, members ...string) error
	SRem(ctx context.Context, key string, members ...string) error
	SMembers(ctx context.Context, key string) ([]string, error)
	SCard(ctx context.Context, key string) (int64, error)

	// AcquireLock retries up to maxRetries with LockRetrySleep between
	// attempts and returns (nil, nil) when the lock stays contended.
	AcquireLock(ctx context.Context, resource string, ttl time.Duration, maxRetries int) (*Lock, error)
	ReleaseLock(ctx context.Context, lock *Lock) error
	ExtendLock(ctx context.Context, lock *Lock, ttl time.Duration) error

	IsDuplicate(ctx context.Context, phoneNumberID, content string) (bool, error)
	MarkProcessed(ctx context.Context, phoneNumberID, content string, ttl time.Duration) error

	Ping(ctx context.Context) error
	Close()
}
