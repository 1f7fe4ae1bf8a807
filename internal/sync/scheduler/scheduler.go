// Package scheduler wires drain triggers to the sync engine.
//
// It routes enqueue notifications and connectivity edges to the engine,
// runs the reachability probe, and refreshes cached snapshots while the
// remote is reachable.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/kimhsiao/fieldsync/internal/errors"
	"github.com/kimhsiao/fieldsync/internal/logging"
	"github.com/kimhsiao/fieldsync/internal/models"
	syncpkg "github.com/kimhsiao/fieldsync/internal/sync"
	"github.com/kimhsiao/fieldsync/internal/sync/connectivity"
	"github.com/kimhsiao/fieldsync/internal/sync/queue"
)

// DrainEngine is the engine surface the scheduler drives.
type DrainEngine interface {
	RequestDrain(orderID string) bool
	DrainNow(ctx context.Context, orderID string) (*syncpkg.DrainResult, error)
	DrainAll(ctx context.Context) (int, error)
	Draining() []string
}

// SnapshotRefresher reloads cached order snapshots.
type SnapshotRefresher interface {
	Reload(ctx context.Context, orderID string) (*models.OrderSnapshot, error)
	ReloadAll(ctx context.Context) int
}

// Scheduler manages background drain triggers.
type Scheduler struct {
	engine  DrainEngine
	queue   *queue.Queue
	monitor *connectivity.Monitor
	prober  connectivity.Prober
	cache   SnapshotRefresher

	probeInterval   time.Duration
	refreshInterval time.Duration
	sweepInterval   time.Duration

	stopCh chan struct{}
	cancel context.CancelFunc
	wg     sync.WaitGroup
	unsubs []func()

	mu            sync.RWMutex
	isRunning     bool
	lastDrainTime time.Time
	lastRefresh   time.Time
}

// SchedulerConfig holds scheduler configuration.
type SchedulerConfig struct {
	ProbeInterval   time.Duration // How often to probe reachability when a prober is set (default: 15 seconds)
	RefreshInterval time.Duration // How often to reload cached snapshots while reachable (default: 5 minutes, 0 disables)
	SweepInterval   time.Duration // How often to drain every queued order while reachable (default: 0, disabled)
}

// DefaultSchedulerConfig returns default scheduler configuration.
func DefaultSchedulerConfig() *SchedulerConfig {
	return &SchedulerConfig{
		ProbeInterval:   15 * time.Second,
		RefreshInterval: 5 * time.Minute,
	}
}

// NewScheduler creates a new Scheduler. prober and cache may be nil.
func NewScheduler(engine DrainEngine, q *queue.Queue, monitor *connectivity.Monitor, prober connectivity.Prober, cache SnapshotRefresher, config *SchedulerConfig) *Scheduler {
	if config == nil {
		config = DefaultSchedulerConfig()
	}

	return &Scheduler{
		engine:          engine,
		queue:           q,
		monitor:         monitor,
		prober:          prober,
		cache:           cache,
		probeInterval:   config.ProbeInterval,
		refreshInterval: config.RefreshInterval,
		sweepInterval:   config.SweepInterval,
	}
}

// Start subscribes to drain triggers and starts the background loops.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = true
	s.stopCh = make(chan struct{})
	ctx, s.cancel = context.WithCancel(ctx)
	s.unsubs = []func(){
		s.queue.Subscribe(s.onQueueEvent),
		s.monitor.OnBecameReachable(func() { s.onReachable(ctx) }),
	}
	s.mu.Unlock()

	if s.prober != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			_ = s.monitor.Run(ctx, s.prober, s.probeInterval)
		}()
	}
	if s.cache != nil && s.refreshInterval > 0 {
		s.wg.Add(1)
		go s.every(ctx, s.refreshInterval, s.refreshSnapshots)
	}
	if s.sweepInterval > 0 {
		s.wg.Add(1)
		go s.every(ctx, s.sweepInterval, s.sweep)
	}

	// Work queued by an earlier process is picked up right away.
	if s.monitor.IsReachable() {
		s.sweep(ctx)
	}

	logging.Info("Sync scheduler started", map[string]interface{}{
		"probe":            s.prober != nil,
		"refresh_interval": s.refreshInterval.String(),
		"sweep_interval":   s.sweepInterval.String(),
	})
}

// Stop unsubscribes from triggers and waits for the loops to exit.
// In-flight drains are not cancelled.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = false
	unsubs := s.unsubs
	s.unsubs = nil
	close(s.stopCh)
	s.cancel()
	s.mu.Unlock()

	for _, unsubscribe := range unsubs {
		unsubscribe()
	}
	s.wg.Wait()

	logging.Info("Sync scheduler stopped", nil)
}

// every runs fn each interval until the scheduler stops.
func (s *Scheduler) every(ctx context.Context, interval time.Duration, fn func(context.Context)) {
	defer s.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			if !s.monitor.IsReachable() {
				continue
			}
			fn(ctx)
		}
	}
}

// onQueueEvent requests a drain for freshly queued work when reachable.
func (s *Scheduler) onQueueEvent(ev queue.Event) {
	if ev.Type != queue.EventEnqueued && ev.Type != queue.EventRequeued {
		return
	}
	if !s.monitor.IsReachable() {
		logging.Debug("Offline, action left queued", map[string]interface{}{
			"order_id": ev.OrderID,
			"pending":  ev.Pending,
		})
		return
	}
	s.engine.RequestDrain(ev.OrderID)
}

func (s *Scheduler) onReachable(ctx context.Context) {
	logging.Info("Remote reachable, draining queued orders", nil)
	s.sweep(ctx)
}

func (s *Scheduler) sweep(ctx context.Context) {
	started, err := s.engine.DrainAll(ctx)
	if err != nil {
		logging.ErrorWithCode("Queue sweep failed", string(errors.CodeOf(err)), err, nil)
		return
	}
	if started > 0 {
		s.mu.Lock()
		s.lastDrainTime = time.Now()
		s.mu.Unlock()
	}
}

func (s *Scheduler) refreshSnapshots(ctx context.Context) {
	n := s.cache.ReloadAll(ctx)
	s.mu.Lock()
	s.lastRefresh = time.Now()
	s.mu.Unlock()
	logging.Debug("Snapshots refreshed", map[string]interface{}{"refreshed": n})
}

// HandleEngineEvent reloads the order snapshot after a drain synced
// something, so server-side effects become visible.
func (s *Scheduler) HandleEngineEvent(ev syncpkg.Event) {
	if ev.Type != syncpkg.EventDrainCompleted || ev.Result == nil || ev.Result.Synced == 0 {
		return
	}
	s.mu.Lock()
	s.lastDrainTime = ev.Timestamp
	s.mu.Unlock()

	if s.cache == nil || !s.monitor.IsReachable() {
		return
	}
	if _, err := s.cache.Reload(context.Background(), ev.OrderID); err != nil {
		logging.Debug("Post-drain snapshot reload failed", map[string]interface{}{
			"order_id": ev.OrderID,
			"error":    err.Error(),
		})
	}
}

// SyncNow drains orderID immediately and waits for completion.
func (s *Scheduler) SyncNow(ctx context.Context, orderID string) (*syncpkg.DrainResult, error) {
	if !s.monitor.IsReachable() {
		return nil, errors.New(errors.ErrOffline, "remote is not reachable")
	}

	result, err := s.engine.DrainNow(ctx, orderID)
	if err != nil {
		return result, err
	}

	s.mu.Lock()
	s.lastDrainTime = time.Now()
	s.mu.Unlock()

	logging.Info("Manual sync completed",
		map[string]interface{}{
			"order_id": orderID,
			"synced":   result.Synced,
			"failed":   result.Failed,
		})

	return result, nil
}

// SchedulerStatus is a point-in-time view of the scheduler.
type SchedulerStatus struct {
	IsRunning     bool           `json:"is_running"`
	IsReachable   bool           `json:"is_reachable"`
	LastDrainTime *time.Time     `json:"last_drain_time,omitempty"`
	LastRefresh   *time.Time     `json:"last_refresh,omitempty"`
	Draining      []string       `json:"draining"`
	PendingItems  int            `json:"pending_items"`
	QueueStats    map[string]int `json:"queue_stats"`
}

// GetStatus returns the current status of the scheduler.
func (s *Scheduler) GetStatus(ctx context.Context) (SchedulerStatus, error) {
	s.mu.RLock()
	status := SchedulerStatus{
		IsRunning:   s.isRunning,
		IsReachable: s.monitor.IsReachable(),
		Draining:    s.engine.Draining(),
		QueueStats:  make(map[string]int),
	}
	if !s.lastDrainTime.IsZero() {
		t := s.lastDrainTime
		status.LastDrainTime = &t
	}
	if !s.lastRefresh.IsZero() {
		t := s.lastRefresh
		status.LastRefresh = &t
	}
	s.mu.RUnlock()

	orders, err := s.queue.Orders(ctx)
	if err != nil {
		return status, err
	}
	for _, id := range orders {
		n, err := s.queue.PendingCount(ctx, id)
		if err != nil {
			return status, err
		}
		status.QueueStats[id] = n
		status.PendingItems += n
	}
	return status, nil
}

// IsRunning returns whether the scheduler is running.
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isRunning
}
