package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/AzielCF/az-gateway/domains/queue"
)

// Options tunes a store backend. Zero values fall back to the contract
// defaults from domains/queue; tests shrink them to keep runs fast.
type Options struct {
	LeaseTTL        time.Duration
	DedupTTL        time.Duration
	JanitorInterval time.Duration
	FailedCap       int
}

func (o *Options) applyDefaults() {
	if o.LeaseTTL <= 0 {
		o.LeaseTTL = queue.LeaseTTL
	}
	if o.DedupTTL <= 0 {
		o.DedupTTL = queue.DedupTTL
	}
	if o.JanitorInterval <= 0 {
		o.JanitorInterval = queue.JanitorInterval
	}
	if o.FailedCap <= 0 {
		o.FailedCap = 1000
	}
}

// dedupKey hashes a (phone_number_id, content) pair into the dedup window key.
func dedupKey(phoneNumberID, content string) string {
	sum := sha256.Sum256([]byte(phoneNumberID + "|" + content))
	return "dedup:" + hex.EncodeToString(sum[:])
}

type cacheEntry struct {
	value    string
	expireAt time.Time // zero means no TTL
}

func (e cacheEntry) expired(now time.Time) bool {
	return !e.expireAt.IsZero() && now.After(e.expireAt)
}

type leaseEntry struct {
	lease queue.Lease
	msg   *queue.QueuedMessage
}

type lockEntry struct {
	lockID    string
	expiresAt time.Time
}

// MemoryStore is the in-process MessageStore backend. All shared mutable
// state of the core lives behind its single mutex; per-queue FIFO order is
// the slice order. Data is lost on restart.
type MemoryStore struct {
	mu          sync.Mutex
	queues      map[string][]*queue.QueuedMessage
	processing  map[string]*leaseEntry
	failed      map[string]queue.FailedMessage
	failedOrder []string
	cache       map[string]cacheEntry
	sets        map[string]map[string]struct{}
	locks       map[string]lockEntry

	opts     Options
	notify   chan struct{}
	stopOnce sync.Once
	stopCh   chan struct{}
}

var _ queue.MessageStore = (*MemoryStore)(nil)

// NewMemoryStore creates the in-process backend and starts its janitor.
func NewMemoryStore(opts Options) *MemoryStore {
	opts.applyDefaults()
	s := &MemoryStore{
		queues:     make(map[string][]*queue.QueuedMessage),
		processing: make(map[string]*leaseEntry),
		failed:     make(map[string]queue.FailedMessage),
		cache:      make(map[string]cacheEntry),
		sets:       make(map[string]map[string]struct{}),
		locks:      make(map[string]lockEntry),
		opts:       opts,
		notify:     make(chan struct{}, 1),
		stopCh:     make(chan struct{}),
	}
	go s.janitorLoop()
	return s
}

// --- Queue ops ---

func (s *MemoryStore) Enqueue(ctx context.Context, msg *queue.QueuedMessage) error {
	now := time.Now()

	s.mu.Lock()
	key := dedupKey(msg.PhoneNumberID, msg.MessageText)
	if e, ok := s.cache[key]; ok && !e.expired(now) {
		s.mu.Unlock()
		return queue.ErrDuplicate
	}
	s.cache[key] = cacheEntry{value: "1", expireAt: now.Add(s.opts.DedupTTL)}

	m := *msg
	if m.EnqueuedAt.IsZero() {
		m.EnqueuedAt = now
	}
	s.queues[m.PhoneNumberID] = append(s.queues[m.PhoneNumberID], &m)
	s.mu.Unlock()

	s.signal()
	return nil
}

func (s *MemoryStore) Dequeue(ctx context.Context, phoneNumberID string) (*queue.QueuedMessage, *queue.Lease, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	phone := phoneNumberID
	if phone == "" {
		phone = s.oldestHeadLocked()
		if phone == "" {
			return nil, nil, nil
		}
	}

	q := s.queues[phone]
	if len(q) == 0 {
		return nil, nil, nil
	}

	msg := q[0]
	if len(q) == 1 {
		delete(s.queues, phone)
	} else {
		s.queues[phone] = q[1:]
	}

	lease := queue.Lease{
		LeaseID:       uuid.New().String(),
		MessageID:     msg.MessageID,
		PhoneNumberID: msg.PhoneNumberID,
		ExpiresAt:     time.Now().Add(s.opts.LeaseTTL),
	}
	s.processing[lease.LeaseID] = &leaseEntry{lease: lease, msg: msg}

	return msg, &lease, nil
}

// oldestHeadLocked picks the queue whose head message waited longest.
func (s *MemoryStore) oldestHeadLocked() string {
	var best string
	var bestAt time.Time
	for phone, q := range s.queues {
		if len(q) == 0 {
			continue
		}
		if best == "" || q[0].EnqueuedAt.Before(bestAt) {
			best = phone
			bestAt = q[0].EnqueuedAt
		}
	}
	return best
}

func (s *MemoryStore) Complete(ctx context.Context, lease *queue.Lease) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.processing[lease.LeaseID]; !ok {
		return queue.ErrUnknownLease
	}
	delete(s.processing, lease.LeaseID)
	return nil
}

func (s *MemoryStore) Fail(ctx context.Context, lease *queue.Lease, cause string, retryable bool) error {
	s.mu.Lock()

	entry, ok := s.processing[lease.LeaseID]
	if !ok {
		s.mu.Unlock()
		return queue.ErrUnknownLease
	}
	delete(s.processing, lease.LeaseID)

	msg := entry.msg
	msg.RetryCount++
	msg.LastError = cause

	requeued := false
	if retryable && msg.RetryCount < queue.MaxRetries {
		// Back to the front so the retry stays close to its original slot.
		s.queues[msg.PhoneNumberID] = append([]*queue.QueuedMessage{msg}, s.queues[msg.PhoneNumberID]...)
		requeued = true
	} else {
		s.moveToFailedLocked(msg, cause)
	}
	s.mu.Unlock()

	if requeued {
		s.signal()
	}
	return nil
}

func (s *MemoryStore) moveToFailedLocked(msg *queue.QueuedMessage, cause string) {
	if _, exists := s.failed[msg.MessageID]; !exists {
		s.failedOrder = append(s.failedOrder, msg.MessageID)
	}
	s.failed[msg.MessageID] = queue.FailedMessage{Message: *msg, Error: cause, FailedAt: time.Now()}

	for len(s.failedOrder) > s.opts.FailedCap {
		oldest := s.failedOrder[0]
		s.failedOrder = s.failedOrder[1:]
		delete(s.failed, oldest)
	}
}

func (s *MemoryStore) Stats(ctx context.Context) (queue.Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := queue.Stats{PerPhone: make(map[string]int)}
	for phone, q := range s.queues {
		if len(q) == 0 {
			continue
		}
		stats.PerPhone[phone] = len(q)
		stats.Queued += len(q)
	}
	stats.Processing = len(s.processing)
	stats.Failed = len(s.failed)
	return stats, nil
}

func (s *MemoryStore) FailedMessages(ctx context.Context) ([]queue.FailedMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]queue.FailedMessage, 0, len(s.failed))
	for _, id := range s.failedOrder {
		if fm, ok := s.failed[id]; ok {
			out = append(out, fm)
		}
	}
	return out, nil
}

func (s *MemoryStore) Notify() <-chan struct{} {
	return s.notify
}

func (s *MemoryStore) signal() {
	select {
	case s.notify <- struct{}{}:
	default:
		// A wake-up is already pending; the next idle worker re-drains.
	}
}

// --- Cache ops ---

func (s *MemoryStore) Get(ctx context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.cache[key]
	if !ok {
		return "", false, nil
	}
	if e.expired(time.Now()) {
		delete(s.cache, key)
		return "", false, nil
	}
	return e.value, true, nil
}

func (s *MemoryStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := cacheEntry{value: value}
	if ttl > 0 {
		e.expireAt = time.Now().Add(ttl)
	}
	s.cache[key] = e
	return nil
}

func (s *MemoryStore) Del(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.cache, key)
	return nil
}

func (s *MemoryStore) Exists(ctx context.Context, key string) (bool, error) {
	_, ok, err := s.Get(ctx, key)
	return ok, err
}

func (s *MemoryStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.cache[key]
	if !ok || e.expired(time.Now()) {
		return nil
	}
	e.expireAt = time.Now().Add(ttl)
	s.cache[key] = e
	return nil
}

func (s *MemoryStore) Incr(ctx context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	var n int64
	e, ok := s.cache[key]
	if ok && !e.expired(now) {
		parsed, err := strconv.ParseInt(e.value, 10, 64)
		if err != nil {
			return 0, err
		}
		n = parsed
	} else {
		e = cacheEntry{}
	}
	n++
	e.value = strconv.FormatInt(n, 10)
	s.cache[key] = e
	return n, nil
}

// --- Set ops ---

func (s *MemoryStore) SAdd(ctx context.Context, key string, members ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	set, ok := s.sets[key]
	if !ok {
		set = make(map[string]struct{})
		s.sets[key] = set
	}
	for _, m := range members {
		set[m] = struct{}{}
	}
	return nil
}

func (s *MemoryStore) SRem(ctx context.Context, key string, members ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	set, ok := s.sets[key]
	if !ok {
		return nil
	}
	for _, m := range members {
		delete(set, m)
	}
	if len(set) == 0 {
		delete(s.sets, key)
	}
	return nil
}

func (s *MemoryStore) SMembers(ctx context.Context, key string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	set := s.sets[key]
	out := make([]string, 0, len(set))
	for m := range set {
		out = append(out, m)
	}
	sort.Strings(out)
	return out, nil
}

func (s *MemoryStore) SCard(ctx context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return int64(len(s.sets[key])), nil
}

// --- Lock ops ---

func (s *MemoryStore) AcquireLock(ctx context.Context, resource string, ttl time.Duration, maxRetries int) (*queue.Lock, error) {
	for attempt := 0; ; attempt++ {
		if lock := s.tryLock(resource, ttl); lock != nil {
			return lock, nil
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

func (s *MemoryStore) tryLock(resource string, ttl time.Duration) *queue.Lock {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if e, ok := s.locks[resource]; ok && now.Before(e.expiresAt) {
		return nil
	}
	e := lockEntry{lockID: uuid.New().String(), expiresAt: now.Add(ttl)}
	s.locks[resource] = e
	return &queue.Lock{LockID: e.lockID, Resource: resource, ExpiresAt: e.expiresAt}
}

func (s *MemoryStore) ReleaseLock(ctx context.Context, lock *queue.Lock) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Value identity: a late release must not free a newer holder's lock.
	if e, ok := s.locks[lock.Resource]; ok && e.lockID == lock.LockID {
		delete(s.locks, lock.Resource)
	}
	return nil
}

func (s *MemoryStore) ExtendLock(ctx context.Context, lock *queue.Lock, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.locks[lock.Resource]; ok && e.lockID == lock.LockID {
		e.expiresAt = time.Now().Add(ttl)
		s.locks[lock.Resource] = e
		lock.ExpiresAt = e.expiresAt
	}
	return nil
}

// --- Dedup ---

func (s *MemoryStore) IsDuplicate(ctx context.Context, phoneNumberID, content string) (bool, error) {
	return s.Exists(ctx, dedupKey(phoneNumberID, content))
}

func (s *MemoryStore) MarkProcessed(ctx context.Context, phoneNumberID, content string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = s.opts.DedupTTL
	}
	return s.Set(ctx, dedupKey(phoneNumberID, content), "1", ttl)
}

// --- Lifecycle ---

func (s *MemoryStore) Ping(ctx context.Context) error { return nil }

func (s *MemoryStore) Close() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
	})
}

// --- Janitor ---

func (s *MemoryStore) janitorLoop() {
	ticker := time.NewTicker(s.opts.JanitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

// sweep eagerly expires cache entries and locks and re-enqueues messages
// from dead leases so a crashed worker cannot strand its message.
func (s *MemoryStore) sweep() {
	now := time.Now()
	requeued := 0

	s.mu.Lock()
	for key, e := range s.cache {
		if e.expired(now) {
			delete(s.cache, key)
		}
	}
	for resource, e := range s.locks {
		if now.After(e.expiresAt) {
			delete(s.locks, resource)
		}
	}
	for leaseID, entry := range s.processing {
		if now.Before(entry.lease.ExpiresAt) {
			continue
		}
		delete(s.processing, leaseID)

		msg := entry.msg
		msg.RetryCount++
		msg.LastError = "lease expired"
		if msg.RetryCount < queue.MaxRetries {
			s.queues[msg.PhoneNumberID] = append([]*queue.QueuedMessage{msg}, s.queues[msg.PhoneNumberID]...)
			requeued++
		} else {
			s.moveToFailedLocked(msg, "lease expired")
		}
	}
	s.mu.Unlock()

	if requeued > 0 {
		logrus.Warnf("[JANITOR] Re-enqueued %d messages from expired leases", requeued)
		s.signal()
	}
}
