package main

import (
	"context"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"go.temporal.io/sdk/client"
	"go.uber.org/zap"

	"github.com/sells-group/eventimport/internal/api"
	"github.com/sells-group/eventimport/internal/blob"
	"github.com/sells-group/eventimport/internal/fetch"
	"github.com/sells-group/eventimport/internal/intake"
	"github.com/sells-group/eventimport/internal/monitoring"
	"github.com/sells-group/eventimport/internal/pipeline"
	"github.com/sells-group/eventimport/internal/queue"
	"github.com/sells-group/eventimport/internal/resilience"
	"github.com/sells-group/eventimport/internal/scheduler"
	"github.com/sells-group/eventimport/internal/settings"
	"github.com/sells-group/eventimport/internal/store"
	"github.com/sells-group/eventimport/pkg/geocode"
)

// taskQueue is what the commands need from either queue backend.
type taskQueue interface {
	queue.Queue
	Run(ctx context.Context) error
}

// appEnv holds the initialized services shared by the commands.
type appEnv struct {
	Store     store.Store
	Blobs     blob.Store
	Queue     taskQueue
	Flags     *settings.Cache
	Pipeline  *pipeline.Pipeline
	Intake    *intake.Service
	Scheduler *scheduler.Scheduler

	// drain is set for the store backend only.
	drain    func(ctx context.Context) error
	temporal client.Client
}

// Close releases resources held by the environment.
func (e *appEnv) Close() {
	if e.temporal != nil {
		e.temporal.Close()
	}
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

// API builds the HTTP API over the environment.
func (e *appEnv) API() *api.Server {
	return api.New(api.Deps{
		Store:       e.Store,
		Jobs:        e.Pipeline,
		Intake:      e.Intake,
		Scheduler:   e.Scheduler,
		Flags:       e.Flags,
		CORSOrigins: cfg.Server.CORSOrigins,
	})
}

// Checker builds the health checker over the store.
func (e *appEnv) Checker() *monitoring.Checker {
	return monitoring.NewChecker(
		monitoring.NewCollector(e.Store),
		monitoring.NewAlerter(cfg.Monitoring),
		cfg.Monitoring,
	)
}

// initApp validates the config for mode, opens and migrates the store, and
// wires the queue, pipeline, intake and scheduler. Callers should defer
// env.Close().
func initApp(ctx context.Context, mode string) (*appEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	env := &appEnv{Store: st}

	if err := st.Migrate(ctx); err != nil {
		env.Close()
		return nil, eris.Wrap(err, "migrate store")
	}

	env.Blobs, err = initBlob(ctx)
	if err != nil {
		env.Close()
		return nil, err
	}

	registry, err := initQueue(env)
	if err != nil {
		env.Close()
		return nil, err
	}

	env.Flags = settings.NewCache(st, cfg.Settings.TTL())
	env.Pipeline = pipeline.New(cfg, st, env.Blobs, env.Queue, initGeocoder(), env.Flags)
	env.Pipeline.Register(registry)

	env.Intake = intake.New(st, env.Blobs, env.Pipeline, cfg.Quotas)

	fetcher := fetch.New(fetch.Options{
		UserAgent:      cfg.Scheduler.UserAgent,
		DefaultTimeout: time.Duration(cfg.Scheduler.DefaultTimeoutSecs) * time.Second,
		HostRPS:        cfg.Scheduler.HostRPS,
	})
	env.Scheduler = scheduler.New(cfg.Scheduler, st, env.Queue, fetcher, env.Intake, env.Flags)
	env.Scheduler.Register(registry)

	return env, nil
}

func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		return store.NewSQLite(cfg.Store.SQLitePath)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, &store.PoolConfig{
			MaxConns: cfg.Store.MaxConns,
			MinConns: cfg.Store.MinConns,
		})
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

func initBlob(ctx context.Context) (blob.Store, error) {
	switch cfg.Blob.Driver {
	case "local":
		return blob.NewLocal(cfg.Blob.Dir)
	case "minio":
		m, err := blob.NewMinio(blob.MinioConfig{
			Endpoint:  cfg.Blob.Endpoint,
			Bucket:    cfg.Blob.Bucket,
			Region:    cfg.Blob.Region,
			AccessKey: cfg.Blob.AccessKey,
			SecretKey: cfg.Blob.SecretKey,
			Secure:    cfg.Blob.Secure,
		})
		if err != nil {
			return nil, err
		}
		if err := m.EnsureBucket(ctx); err != nil {
			return nil, err
		}
		return m, nil
	default:
		return nil, eris.Errorf("unsupported blob driver: %s", cfg.Blob.Driver)
	}
}

// initQueue sets env.Queue and returns the registry handlers are added to.
func initQueue(env *appEnv) (*queue.Registry, error) {
	qc := queueConfig()
	switch cfg.Queue.Backend {
	case "store":
		q := queue.NewStoreQueue(env.Store, qc)
		env.Queue = q
		env.drain = q.Drain
		return q.Registry, nil
	case "temporal":
		opts := queue.TemporalOptions{
			HostPort:    cfg.Queue.Temporal.HostPort,
			Namespace:   cfg.Queue.Temporal.Namespace,
			TaskQueue:   cfg.Queue.Temporal.TaskQueue,
			TaskTimeout: time.Duration(cfg.Queue.Temporal.TaskTimeoutSecs) * time.Second,
		}
		c, err := queue.DialTemporal(opts)
		if err != nil {
			return nil, err
		}
		env.temporal = c
		q := queue.NewTemporalQueue(c, opts, qc)
		env.Queue = q
		return q.Registry, nil
	default:
		return nil, eris.Errorf("unsupported queue backend: %s", cfg.Queue.Backend)
	}
}

func queueConfig() queue.Config {
	return queue.Config{
		PollInterval: cfg.Queue.PollInterval(),
		ClaimBatch:   cfg.Queue.ClaimBatch,
		MaxAttempts:  cfg.Queue.MaxAttempts,
		StaleAfter:   cfg.Queue.StaleAfter(),
		Retry: resilience.RetryConfig{
			InitialBackoff: time.Duration(cfg.Queue.InitialBackoffMs) * time.Millisecond,
			MaxBackoff:     time.Duration(cfg.Queue.MaxBackoffSecs) * time.Second,
			Multiplier:     2,
			JitterFraction: 0.2,
		},
	}
}

// initGeocoder builds the provider cascade. It returns nil when no provider
// is available, which skips geocoding.
func initGeocoder() geocode.Client {
	gc := cfg.Geocode
	hc := &http.Client{Timeout: time.Duration(gc.TimeoutSecs) * time.Second}
	circuit := resilience.CircuitBreakerConfig{
		FailureThreshold: gc.FailureThreshold,
		ResetTimeout:     time.Duration(gc.ResetTimeoutSecs) * time.Second,
	}

	var providers []geocode.ProviderConfig
	if gc.Google.APIKey != "" {
		providers = append(providers, geocode.ProviderConfig{
			Provider: geocode.NewGoogleProvider(gc.Google.APIKey, hc),
			Priority: gc.Google.Priority,
			RPS:      gc.Google.RPS,
			Circuit:  circuit,
		})
	}
	if gc.Nominatim.Enabled {
		providers = append(providers, geocode.ProviderConfig{
			Provider: geocode.NewNominatimProvider(gc.Nominatim.BaseURL, gc.Nominatim.UserAgent, gc.Nominatim.Email, hc),
			Priority: gc.Nominatim.Priority,
			RPS:      gc.Nominatim.RPS,
			Circuit:  circuit,
		})
	}

	cascade := geocode.NewCascadeClient(providers...)
	if len(cascade.Providers()) == 0 {
		zap.L().Warn("no geocoding provider configured, geocoding is skipped")
		return nil
	}
	zap.L().Debug("geocoding providers", zap.Strings("order", cascade.Providers()))
	return cascade
}
