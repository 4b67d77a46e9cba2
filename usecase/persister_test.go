package usecase

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPersister(t *testing.T, repo *fakeRepo) *Persister {
	t.Helper()
	st := newTestStore(t)
	ledger := NewCreditsService(st, repo)
	p := NewPersister(repo, ledger, 2, 16, 3)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = p.Shutdown(ctx)
	})
	return p
}

func TestPersisterStoresMessages(t *testing.T) {
	repo := newFakeRepo()
	p := newTestPersister(t, repo)

	p.StoreIncomingMessage("in-1", "conv-1", "hola", 1, time.Now())
	p.StoreOutgoingMessage("out-1", "conv-1", "hi!", 2, "wamid.X")

	require.Eventually(t, func() bool { return repo.messageCount() == 2 }, time.Second, 10*time.Millisecond)

	repo.mu.Lock()
	defer repo.mu.Unlock()
	bySender := map[string]int{}
	for _, m := range repo.messages {
		bySender[m.Sender]++
	}
	assert.Equal(t, 1, bySender["user"])
	assert.Equal(t, 1, bySender["agent"])
}

func TestPersisterTracksDeliveryAndActivity(t *testing.T) {
	repo := newFakeRepo()
	p := newTestPersister(t, repo)

	p.TrackDelivery("out-1", "wamid.X", "sent")
	p.UpdateConversationActivity("conv-1")

	require.Eventually(t, func() bool {
		repo.mu.Lock()
		defer repo.mu.Unlock()
		return repo.deliveries["out-1"] == "sent" && repo.touched["conv-1"] == 1
	}, time.Second, 10*time.Millisecond)
}

func TestPersisterDeductsCredits(t *testing.T) {
	repo := newFakeRepo()
	repo.credits["user-1"] = 3
	p := newTestPersister(t, repo)

	p.DeductCredits("user-1", 1)

	require.Eventually(t, func() bool {
		repo.mu.Lock()
		defer repo.mu.Unlock()
		return repo.credits["user-1"] == 2
	}, time.Second, 10*time.Millisecond)
}

func TestPersisterRetriesTransientFailure(t *testing.T) {
	repo := newFakeRepo()
	repo.failNext = assert.AnError // first InsertMessage fails, retry succeeds
	p := newTestPersister(t, repo)

	p.StoreIncomingMessage("in-1", "conv-1", "hola", 1, time.Now())

	require.Eventually(t, func() bool { return repo.messageCount() == 1 }, time.Second, 10*time.Millisecond)
}

func TestPersisterShutdownDrains(t *testing.T) {
	repo := newFakeRepo()
	st := newTestStore(t)
	p := NewPersister(repo, NewCreditsService(st, repo), 1, 64, 3)

	for i := 0; i < 10; i++ {
		p.UpdateConversationActivity("conv-1")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, p.Shutdown(ctx))

	repo.mu.Lock()
	defer repo.mu.Unlock()
	assert.Equal(t, 10, repo.touched["conv-1"], "queued jobs run to completion before shutdown returns")
}

func TestPersisterRejectsAfterShutdown(t *testing.T) {
	repo := newFakeRepo()
	st := newTestStore(t)
	p := NewPersister(repo, NewCreditsService(st, repo), 1, 4, 3)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, p.Shutdown(ctx))

	// Must not panic on a closed executor.
	p.UpdateConversationActivity("conv-1")
	assert.Zero(t, repo.touched["conv-1"])
}
