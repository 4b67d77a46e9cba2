package usecase

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/sirupsen/logrus"

	"github.com/AzielCF/az-gateway/core/config"
	"github.com/AzielCF/az-gateway/domains/queue"
	"github.com/AzielCF/az-gateway/pkg/metrics"
)

const (
	// managerPollInterval is the fallback wake cadence. The notify channel
	// is in-process, so messages enqueued by another instance on a shared
	// backend are only seen by polling.
	managerPollInterval = 5 * time.Second

	// scaleDownCPUThreshold gates scale-down together with queue depth.
	scaleDownCPUThreshold = 30.0

	// restartSuccessRate is the health floor; a worker under it over its
	// sliding window gets replaced.
	restartSuccessRate = 50.0

	// restartMinSamples avoids restarting a worker on its first failures.
	restartMinSamples = 10
)

type managedWorker struct {
	worker *Worker
	stop   chan struct{}
}

// Manager owns the worker fleet: event-driven dispatch off the store's
// notify channel, periodic auto-scaling, health-based restarts and a
// graceful drain on shutdown.
type Manager struct {
	store      queue.MessageStore
	deps       WorkerDeps
	settings   WorkerSettings
	cfg        config.ManagerConfig
	perWorker  int // max in-flight messages per worker

	ctx    context.Context
	cancel context.CancelFunc
	wake   chan struct{}

	mu      sync.Mutex
	workers map[string]*managedWorker

	wg       sync.WaitGroup
	stopping atomic.Bool

	// cpuPercent is swapped in tests.
	cpuPercent func() float64
}

func NewManager(store queue.MessageStore, deps WorkerDeps, settings WorkerSettings, cfg config.ManagerConfig, perWorker int) *Manager {
	if cfg.MinWorkers < 1 {
		cfg.MinWorkers = 1
	}
	if cfg.MaxWorkers < cfg.MinWorkers {
		cfg.MaxWorkers = cfg.MinWorkers
	}
	if perWorker < 1 {
		perWorker = 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		store:      store,
		deps:       deps,
		settings:   settings,
		cfg:        cfg,
		perWorker:  perWorker,
		ctx:        ctx,
		cancel:     cancel,
		wake:       make(chan struct{}, 1),
		workers:    make(map[string]*managedWorker),
		cpuPercent: systemCPUPercent,
	}
}

func systemCPUPercent() float64 {
	percents, err := cpu.Percent(0, false)
	if err != nil || len(percents) == 0 {
		return 0
	}
	return percents[0]
}

// Start spawns the minimum fleet, the dispatcher and the auto-scaler.
func (m *Manager) Start() {
	for i := 0; i < m.cfg.MinWorkers; i++ {
		m.spawnWorker()
	}

	m.wg.Add(1)
	go m.dispatchLoop()

	if m.cfg.AutoScaleEnabled {
		m.wg.Add(1)
		go m.autoScaleLoop()
	}

	logrus.Infof("[MANAGER] Started with %d workers", m.cfg.MinWorkers)
}

// dispatchLoop forwards the store's enqueue signals into the shared wake
// channel; exactly one idle worker picks each wake-up.
func (m *Manager) dispatchLoop() {
	defer m.wg.Done()
	for {
		select {
		case <-m.ctx.Done():
			return
		case <-m.store.Notify():
			select {
			case m.wake <- struct{}{}:
			default:
			}
		}
	}
}

func (m *Manager) spawnWorker() {
	if m.stopping.Load() {
		return
	}

	id := uuid.New().String()[:8]
	mw := &managedWorker{
		worker: NewWorker(id, m.deps, m.settings),
		stop:   make(chan struct{}),
	}

	m.mu.Lock()
	m.workers[id] = mw
	count := len(m.workers)
	m.mu.Unlock()
	metrics.ActiveWorkers.Set(float64(count))

	m.wg.Add(1)
	go m.workerLoop(mw)
	logrus.Debugf("[MANAGER] Worker %s started", id)
}

func (m *Manager) stopWorker(id string) {
	m.mu.Lock()
	mw, ok := m.workers[id]
	if ok {
		delete(m.workers, id)
	}
	count := len(m.workers)
	m.mu.Unlock()
	if !ok {
		return
	}

	close(mw.stop)
	metrics.ActiveWorkers.Set(float64(count))
	logrus.Debugf("[MANAGER] Worker %s stopped", id)
}

func (m *Manager) workerLoop(mw *managedWorker) {
	defer m.wg.Done()
	for {
		select {
		case <-m.ctx.Done():
			return
		case <-mw.stop:
			return
		case <-m.wake:
		case <-time.After(managerPollInterval):
		}
		m.drain(mw)
	}
}

// drain processes until the queue reports empty, keeping at most perWorker
// messages in flight for this worker.
func (m *Manager) drain(mw *managedWorker) {
	sem := make(chan struct{}, m.perWorker)
	var wg sync.WaitGroup
	var idle atomic.Bool

	for !idle.Load() {
		select {
		case <-m.ctx.Done():
			idle.Store(true)
		case <-mw.stop:
			idle.Store(true)
		case sem <- struct{}{}:
			wg.Add(1)
			metrics.MessagesDispatched.Inc()
			go func() {
				defer wg.Done()
				defer func() { <-sem }()
				if mw.worker.ProcessOne(m.ctx) == ResultIdle {
					idle.Store(true)
				}
			}()
		}
	}
	wg.Wait()
}

// autoScaleLoop sizes the fleet from queue depth and CPU, and replaces
// unhealthy workers.
func (m *Manager) autoScaleLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.CheckInterval())
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.evaluate()
		}
	}
}

func (m *Manager) evaluate() {
	stats, err := m.store.Stats(m.ctx)
	if err != nil {
		logrus.WithError(err).Warn("[MANAGER] Failed to read queue stats")
		return
	}
	metrics.QueueDepth.Set(float64(stats.Queued))

	cpuLoad := m.cpuPercent()
	current := m.WorkerCount()

	switch {
	case (stats.Queued > m.cfg.ScaleUpThreshold || cpuLoad > m.cfg.CPUThreshold) && current < m.cfg.MaxWorkers:
		logrus.WithFields(logrus.Fields{
			"queued":  stats.Queued,
			"cpu":     cpuLoad,
			"workers": current,
		}).Info("[MANAGER] Scaling up")
		m.spawnWorker()
		m.signalWake()

	case stats.Queued < m.cfg.ScaleDownThreshold && cpuLoad < scaleDownCPUThreshold && current > m.cfg.MinWorkers:
		logrus.WithFields(logrus.Fields{
			"queued":  stats.Queued,
			"cpu":     cpuLoad,
			"workers": current,
		}).Info("[MANAGER] Scaling down")
		m.stopOneWorker()
	}

	m.restartUnhealthy()
}

func (m *Manager) stopOneWorker() {
	m.mu.Lock()
	var victim string
	for id := range m.workers {
		victim = id
		break
	}
	m.mu.Unlock()
	if victim != "" {
		m.stopWorker(victim)
	}
}

func (m *Manager) restartUnhealthy() {
	for _, health := range m.HealthRecords() {
		samples := health.Processed + health.Failed
		if samples < restartMinSamples || health.SuccessRate >= restartSuccessRate {
			continue
		}
		logrus.WithFields(logrus.Fields{
			"worker_id":    health.ID,
			"success_rate": health.SuccessRate,
		}).Warn("[MANAGER] Restarting unhealthy worker")
		m.stopWorker(health.ID)
		m.spawnWorker()
	}
}

func (m *Manager) signalWake() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// WorkerCount reports the live fleet size.
func (m *Manager) WorkerCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.workers)
}

// HealthRecords snapshots every worker's health.
func (m *Manager) HealthRecords() []WorkerHealth {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]WorkerHealth, 0, len(m.workers))
	for _, mw := range m.workers {
		out = append(out, mw.worker.Health())
	}
	return out
}

// Shutdown drains gracefully: stop intake, await in-flight work, cancel
// what remains after the drain timeout.
func (m *Manager) Shutdown() {
	m.stopping.Store(true)

	m.mu.Lock()
	ids := make([]string, 0, len(m.workers))
	for id := range m.workers {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	for _, id := range ids {
		m.stopWorker(id)
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logrus.Info("[MANAGER] Drained cleanly")
	case <-time.After(m.cfg.DrainTimeout()):
		logrus.Warn("[MANAGER] Drain timeout, cancelling in-flight work")
	}
	m.cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		logrus.Error("[MANAGER] Workers did not exit after cancel")
	}
}
