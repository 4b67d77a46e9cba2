package usecase

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AzielCF/az-gateway/core/config"
	"github.com/AzielCF/az-gateway/domains/queue"
	"github.com/AzielCF/az-gateway/infrastructure/store"
)

type managerFixture struct {
	manager *Manager
	store   *store.MemoryStore
	repo    *fakeRepo
	sender  *fakeSender
}

func newManagerFixture(t *testing.T, cfg config.ManagerConfig) *managerFixture {
	t.Helper()

	st := newTestStore(t)
	repo := newFakeRepo()
	seedBinding(repo)
	repo.credits["user-1"] = 100

	sender := &fakeSender{}
	ledger := NewCreditsService(st, repo)
	persister := NewPersister(repo, ledger, 2, 64, 3)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = persister.Shutdown(ctx)
	})

	deps := WorkerDeps{
		Store:     st,
		Session:   NewSessionService(st, repo),
		Credits:   ledger,
		LLM:       &fakeLLM{},
		Sender:    sender,
		Booker:    &fakeBooker{},
		Persister: persister,
	}
	settings := WorkerSettings{LockTTL: time.Minute, LockRetries: 1}

	m := NewManager(st, deps, settings, cfg, 2)
	m.cpuPercent = func() float64 { return 0 }

	return &managerFixture{manager: m, store: st, repo: repo, sender: sender}
}

func baseManagerCfg() config.ManagerConfig {
	return config.ManagerConfig{
		MinWorkers:         1,
		MaxWorkers:         3,
		ScaleUpThreshold:   2,
		ScaleDownThreshold: 1,
		CPUThreshold:       80,
		CheckIntervalMs:    50,
		DrainTimeoutMs:     2000,
	}
}

func TestManagerDispatchesOnNotify(t *testing.T) {
	f := newManagerFixture(t, baseManagerCfg())
	f.manager.Start()
	defer f.manager.Shutdown()

	assert.Equal(t, 1, f.manager.WorkerCount())

	wf := &workerFixture{store: f.store}
	wf.enqueue(t, "hola")

	// Well under the 5s poll fallback, so only the notify path explains it.
	require.Eventually(t, func() bool {
		return len(f.sender.sentTexts()) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestManagerDrainsBacklog(t *testing.T) {
	f := newManagerFixture(t, baseManagerCfg())

	wf := &workerFixture{store: f.store}
	for i := 0; i < 5; i++ {
		wf.enqueue(t, "msg-"+string(rune('a'+i)))
	}

	f.manager.Start()
	defer f.manager.Shutdown()

	require.Eventually(t, func() bool {
		return len(f.sender.sentTexts()) == 5
	}, 3*time.Second, 10*time.Millisecond)

	stats, err := f.store.Stats(context.Background())
	require.NoError(t, err)
	assert.Zero(t, stats.Queued)
	assert.Zero(t, stats.Processing)
}

func TestManagerClampsFleetBounds(t *testing.T) {
	cfg := baseManagerCfg()
	cfg.MinWorkers = 0
	cfg.MaxWorkers = 0
	f := newManagerFixture(t, cfg)

	f.manager.Start()
	defer f.manager.Shutdown()

	assert.Equal(t, 1, f.manager.WorkerCount())
}

func TestManagerScalesUpOnQueueDepth(t *testing.T) {
	f := newManagerFixture(t, baseManagerCfg())
	m := f.manager

	// Hold the customer lock so the backlog can't drain mid-test.
	resource := queue.CustomerLockResource("p1", "+15550001111")
	lock, err := f.store.AcquireLock(context.Background(), resource, time.Minute, 0)
	require.NoError(t, err)
	require.NotNil(t, lock)

	wf := &workerFixture{store: f.store}
	for i := 0; i < 10; i++ {
		wf.enqueue(t, "backlog-"+string(rune('a'+i)))
	}

	for i := 0; i < 5; i++ {
		m.evaluate()
	}
	defer m.Shutdown()

	assert.Equal(t, 3, m.WorkerCount(), "fleet grows one per evaluation up to MaxWorkers")
}

func TestManagerScalesUpOnCPU(t *testing.T) {
	f := newManagerFixture(t, baseManagerCfg())
	m := f.manager
	m.cpuPercent = func() float64 { return 95 }

	m.evaluate()
	defer m.Shutdown()

	assert.Equal(t, 1, m.WorkerCount(), "CPU pressure alone triggers a spawn")
}

func TestManagerScalesDownWhenIdle(t *testing.T) {
	f := newManagerFixture(t, baseManagerCfg())
	m := f.manager

	m.spawnWorker()
	m.spawnWorker()
	m.spawnWorker()
	require.Equal(t, 3, m.WorkerCount())

	m.evaluate() // empty queue, cool CPU
	assert.Equal(t, 2, m.WorkerCount())

	m.evaluate()
	assert.Equal(t, 1, m.WorkerCount())

	m.evaluate()
	assert.Equal(t, 1, m.WorkerCount(), "never below MinWorkers")

	m.Shutdown()
}

func TestManagerRestartsUnhealthyWorker(t *testing.T) {
	f := newManagerFixture(t, baseManagerCfg())
	m := f.manager

	m.spawnWorker()
	require.Equal(t, 1, m.WorkerCount())
	before := m.HealthRecords()[0].ID

	m.mu.Lock()
	sick := m.workers[before].worker
	m.mu.Unlock()
	for i := 0; i < restartMinSamples; i++ {
		sick.record(false)
	}

	m.restartUnhealthy()
	defer m.Shutdown()

	require.Equal(t, 1, m.WorkerCount())
	after := m.HealthRecords()[0].ID
	assert.NotEqual(t, before, after, "sick worker replaced by a fresh one")
}

func TestManagerRestartNeedsMinimumSamples(t *testing.T) {
	f := newManagerFixture(t, baseManagerCfg())
	m := f.manager

	m.spawnWorker()
	before := m.HealthRecords()[0].ID

	m.mu.Lock()
	w := m.workers[before].worker
	m.mu.Unlock()
	for i := 0; i < restartMinSamples-1; i++ {
		w.record(false)
	}

	m.restartUnhealthy()
	defer m.Shutdown()

	assert.Equal(t, before, m.HealthRecords()[0].ID)
}

func TestManagerShutdownStopsFleet(t *testing.T) {
	f := newManagerFixture(t, baseManagerCfg())
	f.manager.Start()

	f.manager.Shutdown()
	assert.Zero(t, f.manager.WorkerCount())
}
