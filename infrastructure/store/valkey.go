package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	valkeylib "github.com/valkey-io/valkey-go"

	"github.com/AzielCF/az-gateway/domains/queue"
	"github.com/AzielCF/az-gateway/infrastructure/valkey"
)

// releaseLockScript deletes a lock only when the caller still holds it.
// Without the token check a slow worker could free a lock that already
// expired and was re-acquired by someone else.
const releaseLockScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end`

// extendLockScript refreshes a lock TTL only for its current holder.
const extendLockScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("expire", KEYS[1], ARGV[2])
else
	return 0
end`

// leaseRecord is the JSON value stored per in-flight lease in the
// processing hash. It carries the message so the janitor can re-enqueue
// without a second lookup.
type leaseRecord struct {
	Lease   queue.Lease          `json:"lease"`
	Message *queue.QueuedMessage `json:"message"`
}

// ValkeyStore is the MessageStore backend shared by every gateway instance.
// Queues are per-phone LISTs, in-flight leases live in one HASH, locks are
// SET NX EX keys with holder tokens, and the dedup window is a plain SETEX.
type ValkeyStore struct {
	client *valkey.Client
	opts   Options

	notify   chan struct{}
	stopOnce chan struct{}
}

var _ queue.MessageStore = (*ValkeyStore)(nil)

// NewValkeyStore wraps an established Valkey connection and starts the
// janitor goroutine.
func NewValkeyStore(client *valkey.Client, opts Options) *ValkeyStore {
	opts.applyDefaults()
	s := &ValkeyStore{
		client:   client,
		opts:     opts,
		notify:   make(chan struct{}, 1),
		stopOnce: make(chan struct{}),
	}
	go s.janitorLoop()
	return s
}

func (s *ValkeyStore) inner() valkeylib.Client { return s.client.Inner() }

func (s *ValkeyStore) queueKey(phoneNumberID string) string {
	return s.client.Key("queue", phoneNumberID)
}

func (s *ValkeyStore) phonesKey() string     { return s.client.Key("queue", "phones") }
func (s *ValkeyStore) processingKey() string { return s.client.Key("processing") }
func (s *ValkeyStore) failedKey() string     { return s.client.Key("failed") }
func (s *ValkeyStore) kvKey(key string) string {
	return s.client.Key("kv", key)
}
func (s *ValkeyStore) setKey(key string) string {
	return s.client.Key("set", key)
}
func (s *ValkeyStore) lockKey(resource string) string {
	return s.client.Key("lock", resource)
}

// --- Queue ops ---

func (s *ValkeyStore) Enqueue(ctx context.Context, msg *queue.QueuedMessage) error {
	dKey := s.client.Key(dedupKey(msg.PhoneNumberID, msg.MessageText))
	setCmd := s.inner().B().Set().Key(dKey).Value("1").Nx().Ex(s.opts.DedupTTL).Build()
	if err := s.inner().Do(ctx, setCmd).Error(); err != nil {
		if valkey.IsNil(err) {
			return queue.ErrDuplicate
		}
		return fmt.Errorf("failed to check dedup window: %w", err)
	}

	m := *msg
	if m.EnqueuedAt.IsZero() {
		m.EnqueuedAt = time.Now()
	}
	data, err := json.Marshal(&m)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	pushCmd := s.inner().B().Rpush().Key(s.queueKey(m.PhoneNumberID)).Element(string(data)).Build()
	if err := s.inner().Do(ctx, pushCmd).Error(); err != nil {
		return fmt.Errorf("failed to enqueue message: %w", err)
	}

	saddCmd := s.inner().B().Sadd().Key(s.phonesKey()).Member(m.PhoneNumberID).Build()
	if err := s.inner().Do(ctx, saddCmd).Error(); err != nil {
		return fmt.Errorf("failed to register queue phone: %w", err)
	}

	s.signal()
	return nil
}

func (s *ValkeyStore) Dequeue(ctx context.Context, phoneNumberID string) (*queue.QueuedMessage, *queue.Lease, error) {
	phones := []string{phoneNumberID}
	if phoneNumberID == "" {
		cmd := s.inner().B().Smembers().Key(s.phonesKey()).Build()
		members, err := s.inner().Do(ctx, cmd).AsStrSlice()
		if err != nil {
			return nil, nil, fmt.Errorf("failed to list queue phones: %w", err)
		}
		phones = members
	}

	for _, phone := range phones {
		msg, lease, err := s.popOne(ctx, phone)
		if err != nil {
			return nil, nil, err
		}
		if msg != nil {
			return msg, lease, nil
		}
	}
	return nil, nil, nil
}

func (s *ValkeyStore) popOne(ctx context.Context, phoneNumberID string) (*queue.QueuedMessage, *queue.Lease, error) {
	popCmd := s.inner().B().Lpop().Key(s.queueKey(phoneNumberID)).Build()
	data, err := s.inner().Do(ctx, popCmd).AsBytes()
	if err != nil {
		if valkey.IsNil(err) {
			// Empty list: drop the phone from the index. A concurrent
			// enqueue re-adds it right after its RPUSH.
			remCmd := s.inner().B().Srem().Key(s.phonesKey()).Member(phoneNumberID).Build()
			_ = s.inner().Do(ctx, remCmd).Error()
			return nil, nil, nil
		}
		return nil, nil, fmt.Errorf("failed to dequeue message: %w", err)
	}

	var msg queue.QueuedMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, nil, fmt.Errorf("failed to unmarshal queued message: %w", err)
	}

	lease := queue.Lease{
		LeaseID:       uuid.New().String(),
		MessageID:     msg.MessageID,
		PhoneNumberID: msg.PhoneNumberID,
		ExpiresAt:     time.Now().Add(s.opts.LeaseTTL),
	}
	record, err := json.Marshal(leaseRecord{Lease: lease, Message: &msg})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal lease record: %w", err)
	}

	hsetCmd := s.inner().B().Hset().
		Key(s.processingKey()).
		FieldValue().
		FieldValue(lease.LeaseID, string(record)).
		Build()
	if err := s.inner().Do(ctx, hsetCmd).Error(); err != nil {
		return nil, nil, fmt.Errorf("failed to record lease: %w", err)
	}

	return &msg, &lease, nil
}

func (s *ValkeyStore) takeLease(ctx context.Context, leaseID string) (*leaseRecord, error) {
	getCmd := s.inner().B().Hget().Key(s.processingKey()).Field(leaseID).Build()
	data, err := s.inner().Do(ctx, getCmd).AsBytes()
	if err != nil {
		if valkey.IsNil(err) {
			return nil, queue.ErrUnknownLease
		}
		return nil, fmt.Errorf("failed to read lease: %w", err)
	}

	delCmd := s.inner().B().Hdel().Key(s.processingKey()).Field(leaseID).Build()
	removed, err := s.inner().Do(ctx, delCmd).AsInt64()
	if err != nil {
		return nil, fmt.Errorf("failed to dispose lease: %w", err)
	}
	if removed == 0 {
		// The janitor got there first.
		return nil, queue.ErrUnknownLease
	}

	var record leaseRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("failed to unmarshal lease record: %w", err)
	}
	return &record, nil
}

func (s *ValkeyStore) Complete(ctx context.Context, lease *queue.Lease) error {
	_, err := s.takeLease(ctx, lease.LeaseID)
	return err
}

func (s *ValkeyStore) Fail(ctx context.Context, lease *queue.Lease, cause string, retryable bool) error {
	record, err := s.takeLease(ctx, lease.LeaseID)
	if err != nil {
		return err
	}

	msg := record.Message
	msg.RetryCount++
	msg.LastError = cause

	if retryable && msg.RetryCount < queue.MaxRetries {
		if err := s.requeueFront(ctx, msg); err != nil {
			return err
		}
		s.signal()
		return nil
	}
	return s.pushFailed(ctx, msg, cause)
}

func (s *ValkeyStore) requeueFront(ctx context.Context, msg *queue.QueuedMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	pushCmd := s.inner().B().Lpush().Key(s.queueKey(msg.PhoneNumberID)).Element(string(data)).Build()
	if err := s.inner().Do(ctx, pushCmd).Error(); err != nil {
		return fmt.Errorf("failed to re-enqueue message: %w", err)
	}
	saddCmd := s.inner().B().Sadd().Key(s.phonesKey()).Member(msg.PhoneNumberID).Build()
	if err := s.inner().Do(ctx, saddCmd).Error(); err != nil {
		return fmt.Errorf("failed to register queue phone: %w", err)
	}
	return nil
}

func (s *ValkeyStore) pushFailed(ctx context.Context, msg *queue.QueuedMessage, cause string) error {
	fm := queue.FailedMessage{Message: *msg, Error: cause, FailedAt: time.Now()}
	data, err := json.Marshal(&fm)
	if err != nil {
		return fmt.Errorf("failed to marshal failed message: %w", err)
	}
	pushCmd := s.inner().B().Rpush().Key(s.failedKey()).Element(string(data)).Build()
	if err := s.inner().Do(ctx, pushCmd).Error(); err != nil {
		return fmt.Errorf("failed to record failed message: %w", err)
	}
	trimCmd := s.inner().B().Ltrim().Key(s.failedKey()).Start(int64(-s.opts.FailedCap)).Stop(-1).Build()
	if err := s.inner().Do(ctx, trimCmd).Error(); err != nil {
		return fmt.Errorf("failed to trim failed list: %w", err)
	}
	return nil
}

func (s *ValkeyStore) Stats(ctx context.Context) (queue.Stats, error) {
	stats := queue.Stats{PerPhone: make(map[string]int)}

	membersCmd := s.inner().B().Smembers().Key(s.phonesKey()).Build()
	phones, err := s.inner().Do(ctx, membersCmd).AsStrSlice()
	if err != nil {
		return stats, fmt.Errorf("failed to list queue phones: %w", err)
	}
	for _, phone := range phones {
		lenCmd := s.inner().B().Llen().Key(s.queueKey(phone)).Build()
		n, err := s.inner().Do(ctx, lenCmd).AsInt64()
		if err != nil {
			return stats, fmt.Errorf("failed to read queue length: %w", err)
		}
		if n == 0 {
			continue
		}
		stats.PerPhone[phone] = int(n)
		stats.Queued += int(n)
	}

	procCmd := s.inner().B().Hlen().Key(s.processingKey()).Build()
	proc, err := s.inner().Do(ctx, procCmd).AsInt64()
	if err != nil {
		return stats, fmt.Errorf("failed to read processing count: %w", err)
	}
	stats.Processing = int(proc)

	failedCmd := s.inner().B().Llen().Key(s.failedKey()).Build()
	failed, err := s.inner().Do(ctx, failedCmd).AsInt64()
	if err != nil {
		return stats, fmt.Errorf("failed to read failed count: %w", err)
	}
	stats.Failed = int(failed)

	return stats, nil
}

func (s *ValkeyStore) FailedMessages(ctx context.Context) ([]queue.FailedMessage, error) {
	cmd := s.inner().B().Lrange().Key(s.failedKey()).Start(0).Stop(-1).Build()
	values, err := s.inner().Do(ctx, cmd).AsStrSlice()
	if err != nil {
		return nil, fmt.Errorf("failed to read failed messages: %w", err)
	}

	out := make([]queue.FailedMessage, 0, len(values))
	for _, v := range values {
		var fm queue.FailedMessage
		if err := json.Unmarshal([]byte(v), &fm); err != nil {
			logrus.WithError(err).Warn("[QUEUE] Skipping unreadable failed-message entry")
			continue
		}
		out = append(out, fm)
	}
	return out, nil
}

func (s *ValkeyStore) Notify() <-chan struct{} {
	return s.notify
}

func (s *ValkeyStore) signal() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// --- Cache ops ---

func (s *ValkeyStore) Get(ctx context.Context, key string) (string, bool, error) {
	cmd := s.inner().B().Get().Key(s.kvKey(key)).Build()
	data, err := s.inner().Do(ctx, cmd).AsBytes()
	if err != nil {
		if valkey.IsNil(err) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("failed to get key: %w", err)
	}
	return string(data), true, nil
}

func (s *ValkeyStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	var cmd valkeylib.Completed
	if ttl > 0 {
		cmd = s.inner().B().Set().Key(s.kvKey(key)).Value(value).Ex(ttl).Build()
	} else {
		cmd = s.inner().B().Set().Key(s.kvKey(key)).Value(value).Build()
	}
	if err := s.inner().Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("failed to set key: %w", err)
	}
	return nil
}

func (s *ValkeyStore) Del(ctx context.Context, key string) error {
	cmd := s.inner().B().Del().Key(s.kvKey(key)).Build()
	if err := s.inner().Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("failed to delete key: %w", err)
	}
	return nil
}

func (s *ValkeyStore) Exists(ctx context.Context, key string) (bool, error) {
	cmd := s.inner().B().Exists().Key(s.kvKey(key)).Build()
	n, err := s.inner().Do(ctx, cmd).AsInt64()
	if err != nil {
		return false, fmt.Errorf("failed to check key: %w", err)
	}
	return n > 0, nil
}

func (s *ValkeyStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	cmd := s.inner().B().Expire().Key(s.kvKey(key)).Seconds(int64(ttl.Seconds())).Build()
	if err := s.inner().Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("failed to expire key: %w", err)
	}
	return nil
}

func (s *ValkeyStore) Incr(ctx context.Context, key string) (int64, error) {
	cmd := s.inner().B().Incr().Key(s.kvKey(key)).Build()
	n, err := s.inner().Do(ctx, cmd).AsInt64()
	if err != nil {
		return 0, fmt.Errorf("failed to increment key: %w", err)
	}
	return n, nil
}

// --- Set ops ---

func (s *ValkeyStore) SAdd(ctx context.Context, key string, members ...string) error {
	cmd := s.inner().B().Sadd().Key(s.setKey(key)).Member(members...).Build()
	if err := s.inner().Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("failed to add set members: %w", err)
	}
	return nil
}

func (s *ValkeyStore) SRem(ctx context.Context, key string, members ...string) error {
	cmd := s.inner().B().Srem().Key(s.setKey(key)).Member(members...).Build()
	if err := s.inner().Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("failed to remove set members: %w", err)
	}
	return nil
}

func (s *ValkeyStore) SMembers(ctx context.Context, key string) ([]string, error) {
	cmd := s.inner().B().Smembers().Key(s.setKey(key)).Build()
	members, err := s.inner().Do(ctx, cmd).AsStrSlice()
	if err != nil {
		return nil, fmt.Errorf("failed to list set members: %w", err)
	}
	return members, nil
}

func (s *ValkeyStore) SCard(ctx context.Context, key string) (int64, error) {
	cmd := s.inner().B().Scard().Key(s.setKey(key)).Build()
	n, err := s.inner().Do(ctx, cmd).AsInt64()
	if err != nil {
		return 0, fmt.Errorf("failed to count set members: %w", err)
	}
	return n, nil
}

// --- Lock ops ---

func (s *ValkeyStore) AcquireLock(ctx context.Context, resource string, ttl time.Duration, maxRetries int) (*queue.Lock, error) {
	lockKey := s.lockKey(resource)
	token := uuid.New().String()

	for attempt := 0; ; attempt++ {
		cmd := s.inner().B().Set().Key(lockKey).Value(token).Nx().Ex(ttl).Build()
		err := s.inner().Do(ctx, cmd).Error()
		if err == nil {
			return &queue.Lock{
				LockID:    token,
				Resource:  resource,
				ExpiresAt: time.Now().Add(ttl),
			}, nil
		}
		if !valkey.IsNil(err) {
			logrus.WithError(err).Debugf("[QUEUE] Lock attempt %d failed for %s", attempt+1, resource)
		}

		if attempt >= maxRetries {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(queue.LockRetrySleep):
		}
	}
}

func (s *ValkeyStore) ReleaseLock(ctx context.Context, lock *queue.Lock) error {
	cmd := s.inner().B().Eval().
		Script(releaseLockScript).
		Numkeys(1).
		Key(s.lockKey(lock.Resource)).
		Arg(lock.LockID).
		Build()
	if err := s.inner().Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("failed to release lock: %w", err)
	}
	return nil
}

func (s *ValkeyStore) ExtendLock(ctx context.Context, lock *queue.Lock, ttl time.Duration) error {
	cmd := s.inner().B().Eval().
		Script(extendLockScript).
		Numkeys(1).
		Key(s.lockKey(lock.Resource)).
		Arg(lock.LockID, fmt.Sprintf("%d", int64(ttl.Seconds()))).
		Build()
	extended, err := s.inner().Do(ctx, cmd).AsInt64()
	if err != nil {
		return fmt.Errorf("failed to extend lock: %w", err)
	}
	if extended == 1 {
		lock.ExpiresAt = time.Now().Add(ttl)
	}
	return nil
}

// --- Dedup ---

func (s *ValkeyStore) IsDuplicate(ctx context.Context, phoneNumberID, content string) (bool, error) {
	cmd := s.inner().B().Exists().Key(s.client.Key(dedupKey(phoneNumberID, content))).Build()
	n, err := s.inner().Do(ctx, cmd).AsInt64()
	if err != nil {
		return false, fmt.Errorf("failed to check dedup key: %w", err)
	}
	return n > 0, nil
}

func (s *ValkeyStore) MarkProcessed(ctx context.Context, phoneNumberID, content string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = s.opts.DedupTTL
	}
	cmd := s.inner().B().Set().Key(s.client.Key(dedupKey(phoneNumberID, content))).Value("1").Ex(ttl).Build()
	if err := s.inner().Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("failed to mark message processed: %w", err)
	}
	return nil
}

// --- Lifecycle ---

func (s *ValkeyStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx)
}

func (s *ValkeyStore) Close() {
	select {
	case <-s.stopOnce:
	default:
		close(s.stopOnce)
	}
}

// --- Janitor ---

func (s *ValkeyStore) janitorLoop() {
	ticker := time.NewTicker(s.opts.JanitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopOnce:
			return
		case <-ticker.C:
			s.sweepLeases()
		}
	}
}

// sweepLeases re-enqueues messages whose lease expired. Valkey handles TTL
// expiry for cache, lock and dedup keys on its own; only the processing
// hash needs an external sweep.
func (s *ValkeyStore) sweepLeases() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cmd := s.inner().B().Hgetall().Key(s.processingKey()).Build()
	entries, err := s.inner().Do(ctx, cmd).AsStrMap()
	if err != nil {
		logrus.WithError(err).Warn("[JANITOR] Failed to scan processing leases")
		return
	}

	now := time.Now()
	requeued := 0
	for leaseID, raw := range entries {
		var record leaseRecord
		if err := json.Unmarshal([]byte(raw), &record); err != nil {
			logrus.WithError(err).Warnf("[JANITOR] Dropping unreadable lease record %s", leaseID)
			delCmd := s.inner().B().Hdel().Key(s.processingKey()).Field(leaseID).Build()
			_ = s.inner().Do(ctx, delCmd).Error()
			continue
		}
		if now.Before(record.Lease.ExpiresAt) {
			continue
		}

		delCmd := s.inner().B().Hdel().Key(s.processingKey()).Field(leaseID).Build()
		removed, err := s.inner().Do(ctx, delCmd).AsInt64()
		if err != nil || removed == 0 {
			// Either a transient error or the holder finished in the meantime.
			continue
		}

		msg := record.Message
		msg.RetryCount++
		msg.LastError = "lease expired"
		if msg.RetryCount < queue.MaxRetries {
			if err := s.requeueFront(ctx, msg); err != nil {
				logrus.WithError(err).Warnf("[JANITOR] Failed to re-enqueue message %s", msg.MessageID)
				continue
			}
			requeued++
		} else {
			if err := s.pushFailed(ctx, msg, "lease expired"); err != nil {
				logrus.WithError(err).Warnf("[JANITOR] Failed to record failed message %s", msg.MessageID)
			}
		}
	}

	if requeued > 0 {
		logrus.Warnf("[JANITOR] Re-enqueued %d messages from expired leases", requeued)
		s.signal()
	}
}
