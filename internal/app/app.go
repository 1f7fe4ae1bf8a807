// Package app wires the local stack (store, queue, snapshot cache, timers)
// and, when a backend is configured, the remote client, drain engine and
// scheduler.
package app

import (
	"context"
	"strings"

	"github.com/kimhsiao/fieldsync/internal/config"
	apperrors "github.com/kimhsiao/fieldsync/internal/errors"
	"github.com/kimhsiao/fieldsync/internal/logging"
	"github.com/kimhsiao/fieldsync/internal/models"
	"github.com/kimhsiao/fieldsync/internal/remote"
	"github.com/kimhsiao/fieldsync/internal/services"
	"github.com/kimhsiao/fieldsync/internal/store"
	syncpkg "github.com/kimhsiao/fieldsync/internal/sync"
	"github.com/kimhsiao/fieldsync/internal/sync/connectivity"
	"github.com/kimhsiao/fieldsync/internal/sync/queue"
	"github.com/kimhsiao/fieldsync/internal/sync/scheduler"
	"github.com/kimhsiao/fieldsync/internal/sync/snapshot"
	"github.com/kimhsiao/fieldsync/internal/sync/timer"
)

// App is the wired stack. Remote pieces are nil when no backend is
// configured; gestures still work and stay queued.
type App struct {
	Config *config.Config

	DB        *store.SQLiteStore
	Queue     *queue.Queue
	Cache     *snapshot.Cache
	Timers    *timer.Registry
	Monitor   *connectivity.Monitor
	Client    *remote.Client
	Engine    *syncpkg.Engine
	Scheduler *scheduler.Scheduler
	Orders    *services.OrderService
}

// offlineFetcher stands in for the remote when none is configured.
type offlineFetcher struct{}

func (offlineFetcher) FetchOrder(ctx context.Context, orderID string) (*models.OrderSnapshot, error) {
	return nil, apperrors.New(apperrors.ErrOffline, "no backend configured")
}

// Open opens the store under cfg.DataDir and wires everything on top of it.
// Reachability starts false; the scheduler probe or the caller flips it.
func Open(cfg *config.Config) (*App, error) {
	db, err := store.Open(cfg.DataDir)
	if err != nil {
		return nil, err
	}

	a := &App{
		Config:  cfg,
		DB:      db,
		Monitor: connectivity.NewMonitor(false),
	}
	a.Queue = queue.New(db, queue.Options{MaxAttempts: cfg.Sync.MaxAttempts})
	a.Timers = timer.NewRegistry(db, a.Queue, nil)

	var fetcher snapshot.Fetcher = offlineFetcher{}
	if cfg.Backend.URL != "" {
		a.Client, err = newRemoteClient(cfg)
		if err != nil {
			db.Close()
			return nil, err
		}
		fetcher = a.Client
	}
	a.Cache = snapshot.New(db, fetcher, snapshot.Options{Pending: a.Queue})

	var syncer services.Syncer
	if a.Client != nil {
		a.Engine = syncpkg.NewEngine(a.Queue, a.Client, a.Monitor, syncpkg.Options{ErrorHistory: cfg.Sync.ErrorHistory})

		var prober connectivity.Prober
		if !cfg.Probe.Disabled {
			prober = &connectivity.HTTPProber{URL: cfg.ProbeURL()}
		}
		a.Scheduler = scheduler.NewScheduler(a.Engine, a.Queue, a.Monitor, prober, a.Cache, &scheduler.SchedulerConfig{
			ProbeInterval:   cfg.Probe.Interval,
			RefreshInterval: cfg.Sync.RefreshInterval,
			SweepInterval:   cfg.Sync.SweepInterval,
		})
		a.Engine.SetEventHandler(a.Scheduler.HandleEngineEvent)
		syncer = a.Scheduler
	}

	a.Orders = services.NewOrderService(services.OrderServiceConfig{
		Queue:     a.Queue,
		Snapshots: a.Cache,
		Timers:    a.Timers,
		Syncer:    syncer,
	})
	return a, nil
}

func newRemoteClient(cfg *config.Config) (*remote.Client, error) {
	rc := remote.Config{
		BaseURL: cfg.Backend.URL,
		Token:   cfg.Backend.Token,
		Timeout: cfg.Backend.Timeout,
	}
	if cfg.ObjectStore.Enabled() {
		photos, err := newObjectStore(cfg.ObjectStore)
		if err != nil {
			return nil, err
		}
		rc.Photos = photos
	}
	return remote.NewClient(rc)
}

func newObjectStore(oc config.ObjectStoreConfig) (*remote.S3Store, error) {
	s3 := remote.S3Config{
		Endpoint:       oc.Endpoint,
		Bucket:         oc.Bucket,
		AccessKey:      oc.AccessKey,
		SecretKey:      oc.SecretKey,
		Region:         oc.Region,
		ForcePathStyle: oc.PathStyle,
		Prefix:         oc.Prefix,
	}
	if oc.Provider != "" && oc.Endpoint == "" {
		endpoint, pathStyle, err := remote.ProviderEndpoint(oc.Provider, oc.Region)
		if err != nil {
			return nil, err
		}
		s3.Endpoint = endpoint
		s3.ForcePathStyle = s3.ForcePathStyle || pathStyle
	}
	if strings.EqualFold(oc.Provider, "r2") {
		// Region carries the account id for r2; requests sign as "auto".
		s3.Region = "auto"
	}
	logging.Info("Photo uploads routed to object store", map[string]interface{}{
		"endpoint": s3.Endpoint,
		"bucket":   s3.Bucket,
	})
	return remote.NewS3Store(s3)
}

// ProbeOnce sets reachability from a single probe. It is used by one-shot
// commands that do not run the probe loop.
func (a *App) ProbeOnce(ctx context.Context) bool {
	if a.Client == nil {
		return false
	}
	if a.Config.Probe.Disabled {
		a.Monitor.SetReachable(true)
		return true
	}
	ok := a.Client.Ping(ctx) == nil
	a.Monitor.SetReachable(ok)
	return ok
}

// Close stops background work and closes the store.
func (a *App) Close() error {
	if a.Scheduler != nil {
		a.Scheduler.Stop()
	}
	if a.Engine != nil {
		a.Engine.Wait()
	}
	return a.DB.Close()
}
