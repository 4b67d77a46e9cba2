package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AzielCF/az-gateway/domains/platform"
	"github.com/AzielCF/az-gateway/domains/queue"
)

func newTestStore(t *testing.T, opts Options) *MemoryStore {
	t.Helper()
	s := NewMemoryStore(opts)
	t.Cleanup(s.Close)
	return s
}

func testMessage(id, phone, text string) *queue.QueuedMessage {
	return &queue.QueuedMessage{
		MessageID:     id,
		PhoneNumberID: phone,
		CustomerPhone: "+15550001111",
		MessageText:   text,
		Platform:      platform.TypeWhatsApp,
		Timestamp:     time.Now(),
	}
}

func TestEnqueueDequeueComplete(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, Options{})

	in := testMessage("wamid.1", "p1", "hola")
	require.NoError(t, s.Enqueue(ctx, in))

	out, lease, err := s.Dequeue(ctx, "p1")
	require.NoError(t, err)
	require.NotNil(t, out)
	require.NotNil(t, lease)

	assert.Equal(t, in.MessageID, out.MessageID)
	assert.Equal(t, in.PhoneNumberID, out.PhoneNumberID)
	assert.Equal(t, in.CustomerPhone, out.CustomerPhone)
	assert.Equal(t, in.MessageText, out.MessageText)
	assert.Equal(t, in.Platform, out.Platform)
	assert.False(t, out.EnqueuedAt.IsZero())

	assert.Equal(t, out.MessageID, lease.MessageID)
	assert.True(t, lease.ExpiresAt.After(time.Now()))

	require.NoError(t, s.Complete(ctx, lease))

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Queued)
	assert.Zero(t, stats.Processing)
	assert.Zero(t, stats.Failed)
}

func TestDequeueEmptyReturnsNil(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, Options{})

	msg, lease, err := s.Dequeue(ctx, "p1")
	require.NoError(t, err)
	assert.Nil(t, msg)
	assert.Nil(t, lease)

	msg, lease, err = s.Dequeue(ctx, "")
	require.NoError(t, err)
	assert.Nil(t, msg)
	assert.Nil(t, lease)
}

func TestFIFOOrderPerPhone(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, Options{})

	require.NoError(t, s.Enqueue(ctx, testMessage("m1", "p1", "first")))
	require.NoError(t, s.Enqueue(ctx, testMessage("m2", "p1", "second")))
	require.NoError(t, s.Enqueue(ctx, testMessage("m3", "p1", "third")))

	for _, want := range []string{"m1", "m2", "m3"} {
		msg, lease, err := s.Dequeue(ctx, "p1")
		require.NoError(t, err)
		require.NotNil(t, msg)
		assert.Equal(t, want, msg.MessageID)
		require.NoError(t, s.Complete(ctx, lease))
	}
}

func TestDequeueAnyPicksLongestWaiting(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, Options{})

	older := testMessage("m-old", "p1", "older")
	older.EnqueuedAt = time.Now().Add(-time.Minute)
	require.NoError(t, s.Enqueue(ctx, older))
	require.NoError(t, s.Enqueue(ctx, testMessage("m-new", "p2", "newer")))

	msg, _, err := s.Dequeue(ctx, "")
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, "m-old", msg.MessageID)
}

func TestDedupWindow(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, Options{DedupTTL: 50 * time.Millisecond})

	require.NoError(t, s.Enqueue(ctx, testMessage("m1", "p1", "same text")))
	err := s.Enqueue(ctx, testMessage("m2", "p1", "same text"))
	assert.ErrorIs(t, err, queue.ErrDuplicate)

	// Same text to a different phone is not a duplicate.
	require.NoError(t, s.Enqueue(ctx, testMessage("m3", "p2", "same text")))

	time.Sleep(80 * time.Millisecond)
	require.NoError(t, s.Enqueue(ctx, testMessage("m4", "p1", "same text")))
}

func TestFailRetryableReenqueuesUntilExhausted(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, Options{})

	require.NoError(t, s.Enqueue(ctx, testMessage("m1", "p1", "flaky")))

	for attempt := 0; attempt < queue.MaxRetries; attempt++ {
		msg, lease, err := s.Dequeue(ctx, "p1")
		require.NoError(t, err)
		require.NotNil(t, msg, "attempt %d should find the message", attempt)
		assert.Equal(t, attempt, msg.RetryCount)
		require.NoError(t, s.Fail(ctx, lease, "llm timeout", true))
	}

	// Retries exhausted: queue is empty and the message sits in failed.
	msg, _, err := s.Dequeue(ctx, "p1")
	require.NoError(t, err)
	assert.Nil(t, msg)

	failed, err := s.FailedMessages(ctx)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "m1", failed[0].Message.MessageID)
	assert.Equal(t, "llm timeout", failed[0].Error)
	assert.Equal(t, queue.MaxRetries, failed[0].Message.RetryCount)
}

func TestFailNonRetryableGoesStraightToFailed(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, Options{})

	require.NoError(t, s.Enqueue(ctx, testMessage("m1", "p1", "bad input")))
	_, lease, err := s.Dequeue(ctx, "p1")
	require.NoError(t, err)

	require.NoError(t, s.Fail(ctx, lease, "invalid input", false))

	failed, err := s.FailedMessages(ctx)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, 1, failed[0].Message.RetryCount)
}

func TestCompleteUnknownLease(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, Options{})

	err := s.Complete(ctx, &queue.Lease{LeaseID: "nope"})
	assert.ErrorIs(t, err, queue.ErrUnknownLease)

	err = s.Fail(ctx, &queue.Lease{LeaseID: "nope"}, "x", true)
	assert.ErrorIs(t, err, queue.ErrUnknownLease)
}

func TestLeaseExpiryReenqueues(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, Options{
		LeaseTTL:        30 * time.Millisecond,
		JanitorInterval: 20 * time.Millisecond,
	})

	require.NoError(t, s.Enqueue(ctx, testMessage("m1", "p1", "stalled worker")))
	_, lease, err := s.Dequeue(ctx, "p1")
	require.NoError(t, err)
	require.NotNil(t, lease)

	require.Eventually(t, func() bool {
		msg, l, err := s.Dequeue(ctx, "p1")
		if err != nil || msg == nil {
			return false
		}
		assert.Equal(t, "m1", msg.MessageID)
		assert.Equal(t, 1, msg.RetryCount)
		_ = s.Complete(ctx, l)
		return true
	}, time.Second, 10*time.Millisecond, "janitor should re-enqueue the expired lease")

	// The old lease is gone for good.
	assert.ErrorIs(t, s.Complete(ctx, lease), queue.ErrUnknownLease)
}

func TestNotifySignalsOnEnqueue(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, Options{})

	require.NoError(t, s.Enqueue(ctx, testMessage("m1", "p1", "wake up")))

	select {
	case <-s.Notify():
	case <-time.After(time.Second):
		t.Fatal("expected a notify signal after enqueue")
	}
}

func TestCacheSetGetTTL(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, Options{})

	require.NoError(t, s.Set(ctx, "k", "v", 40*time.Millisecond))

	v, ok, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "v", v)

	time.Sleep(60 * time.Millisecond)
	_, ok, err = s.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCacheDelAndExists(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, Options{})

	require.NoError(t, s.Set(ctx, "k", "v", 0))
	ok, err := s.Exists(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, s.Del(ctx, "k"))
	ok, err = s.Exists(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestIncrSequence(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, Options{})

	for want := int64(1); want <= 3; want++ {
		n, err := s.Incr(ctx, "seq:conv1")
		require.NoError(t, err)
		assert.Equal(t, want, n)
	}

	// Independent counters do not interfere.
	n, err := s.Incr(ctx, "seq:conv2")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestSetOps(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, Options{})

	require.NoError(t, s.SAdd(ctx, "phones", "p1", "p2", "p2"))

	card, err := s.SCard(ctx, "phones")
	require.NoError(t, err)
	assert.Equal(t, int64(2), card)

	members, err := s.SMembers(ctx, "phones")
	require.NoError(t, err)
	assert.Equal(t, []string{"p1", "p2"}, members)

	require.NoError(t, s.SRem(ctx, "phones", "p1"))
	card, err = s.SCard(ctx, "phones")
	require.NoError(t, err)
	assert.Equal(t, int64(1), card)
}

func TestLockAcquireReleaseReacquire(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, Options{})
	resource := queue.CustomerLockResource("p1", "+15550001111")

	lock, err := s.AcquireLock(ctx, resource, time.Minute, 0)
	require.NoError(t, err)
	require.NotNil(t, lock)

	// Contended: second acquire with zero retries comes back empty.
	second, err := s.AcquireLock(ctx, resource, time.Minute, 0)
	require.NoError(t, err)
	assert.Nil(t, second)

	require.NoError(t, s.ReleaseLock(ctx, lock))

	third, err := s.AcquireLock(ctx, resource, time.Minute, 0)
	require.NoError(t, err)
	assert.NotNil(t, third)
}

func TestReleaseLockIgnoresStaleToken(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, Options{})

	first, err := s.AcquireLock(ctx, "res", 20*time.Millisecond, 0)
	require.NoError(t, err)
	require.NotNil(t, first)

	time.Sleep(40 * time.Millisecond)

	// TTL elapsed; a newer holder takes over.
	second, err := s.AcquireLock(ctx, "res", time.Minute, 0)
	require.NoError(t, err)
	require.NotNil(t, second)

	// The stale holder's release must not free the new lock.
	require.NoError(t, s.ReleaseLock(ctx, first))
	third, err := s.AcquireLock(ctx, "res", time.Minute, 0)
	require.NoError(t, err)
	assert.Nil(t, third)
}

func TestExtendLock(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, Options{})

	lock, err := s.AcquireLock(ctx, "res", 30*time.Millisecond, 0)
	require.NoError(t, err)
	require.NotNil(t, lock)

	require.NoError(t, s.ExtendLock(ctx, lock, time.Minute))
	time.Sleep(50 * time.Millisecond)

	// Still held after the original TTL thanks to the extension.
	other, err := s.AcquireLock(ctx, "res", time.Minute, 0)
	require.NoError(t, err)
	assert.Nil(t, other)
}

func TestDedupHelpers(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, Options{})

	dup, err := s.IsDuplicate(ctx, "p1", "hello")
	require.NoError(t, err)
	assert.False(t, dup)

	require.NoError(t, s.MarkProcessed(ctx, "p1", "hello", 30*time.Millisecond))
	dup, err = s.IsDuplicate(ctx, "p1", "hello")
	require.NoError(t, err)
	assert.True(t, dup)

	time.Sleep(50 * time.Millisecond)
	dup, err = s.IsDuplicate(ctx, "p1", "hello")
	require.NoError(t, err)
	assert.False(t, dup)
}

func TestFailedMapBounded(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, Options{FailedCap: 2})

	for _, id := range []string{"m1", "m2", "m3"} {
		require.NoError(t, s.Enqueue(ctx, testMessage(id, "p-"+id, id)))
		_, lease, err := s.Dequeue(ctx, "p-"+id)
		require.NoError(t, err)
		require.NoError(t, s.Fail(ctx, lease, "boom", false))
	}

	failed, err := s.FailedMessages(ctx)
	require.NoError(t, err)
	require.Len(t, failed, 2)
	assert.Equal(t, "m2", failed[0].Message.MessageID)
	assert.Equal(t, "m3", failed[1].Message.MessageID)
}
