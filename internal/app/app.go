// Package app wires configuration into the running finalizer: queue backend,
// chain reader, relayer, worker pool, reaper, scanner and API server.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/auction-finalizer/internal/adapter"
	"github.com/auction-finalizer/internal/api"
	"github.com/auction-finalizer/internal/circuitbreaker"
	"github.com/auction-finalizer/internal/config"
	"github.com/auction-finalizer/internal/job"
	"github.com/auction-finalizer/internal/logging"
	"github.com/auction-finalizer/internal/metrics"
	"github.com/auction-finalizer/internal/ratelimit"
	"github.com/auction-finalizer/internal/relayer"
	"github.com/auction-finalizer/internal/retry"
	"github.com/auction-finalizer/internal/service"
	"github.com/auction-finalizer/internal/storage"
	"github.com/auction-finalizer/internal/worker"
)

const shutdownTimeout = 45 * time.Second

// startupRetry governs how long the daemon waits for its queue backend to come up
var startupRetry = retry.DefaultRetryConfig()

// App holds the wired components. Fields a command does not need stay nil.
type App struct {
	Config  *config.Config
	Logger  *logging.Logger
	Metrics *metrics.Metrics
	Queue   job.Queue

	RPC     *adapter.RPCPool
	Scanner *service.Scanner
	Runner  *service.ScanRunner
	Pool    *worker.Pool
	Reaper  *worker.Reaper
	Server  *api.Server

	redis   *storage.RedisDB
	closers []func() error
}

// NewLogger builds the process logger from config and installs it globally
func NewLogger(cfg config.LoggingConfig) (*logging.Logger, error) {
	level, err := logging.ParseLogLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	format, err := logging.ParseLogFormat(cfg.Format)
	if err != nil {
		return nil, err
	}
	return logging.InitGlobalLogger(level, format), nil
}

// QueueOptions derives the queue's retry and lease settings from config
func QueueOptions(cfg *config.Config, logger *logging.Logger) job.Options {
	return job.Options{
		Policy: retry.BackoffPolicy{
			BaseDelay:   cfg.Queue.BaseDelay,
			MaxDelay:    cfg.Queue.MaxDelay,
			MaxAttempts: cfg.Queue.MaxAttempts,
		},
		LeaseDuration: cfg.Queue.LeaseDuration,
		Logger:        logger,
	}
}

// NewQueueOnly connects just the job queue, for operator commands
func NewQueueOnly(ctx context.Context, cfg *config.Config, logger *logging.Logger) (*App, error) {
	a := newApp(cfg, logger)
	if err := a.openQueue(ctx); err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

func newApp(cfg *config.Config, logger *logging.Logger) *App {
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	return &App{Config: cfg, Logger: logger, Metrics: metrics.New()}
}

// New wires the complete pipeline, retrying the queue connection while the
// backend comes up. Nothing is started.
func New(ctx context.Context, cfg *config.Config, logger *logging.Logger) (*App, error) {
	if err := cfg.ValidateChain(); err != nil {
		return nil, fmt.Errorf("invalid chain configuration: %w", err)
	}
	a := newApp(cfg, logger)

	res := retry.WithExponentialBackoff(logging.WithLogger(ctx, a.Logger), startupRetry, func(ctx context.Context, _ int) error {
		return a.openQueue(ctx)
	})
	if !res.Success {
		_ = a.Close()
		return nil, fmt.Errorf("job queue unavailable after %d attempts: %w", res.Attempts, res.LastError)
	}
	if err := a.buildPipeline(ctx); err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) openQueue(ctx context.Context) error {
	cfg := a.Config
	opts := QueueOptions(cfg, a.Logger)

	switch cfg.Queue.Backend {
	case config.QueueBackendPostgres:
		db, err := storage.NewPostgresDB(ctx, &cfg.Database.Postgres)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, func() error { db.Close(); return nil })
		q, err := storage.NewPostgresJobQueue(db, opts)
		if err != nil {
			return err
		}
		a.Queue = q

	case config.QueueBackendSQLite:
		q, err := storage.OpenSQLiteJobQueue(cfg.Database.SQLite.Path, opts)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, q.Close)
		a.Queue = q

	case config.QueueBackendRedis:
		rdb, err := a.redisDB(ctx)
		if err != nil {
			return err
		}
		q, err := storage.NewRedisJobQueue(rdb.Client(), cfg.Database.Redis.KeyPrefix, opts)
		if err != nil {
			return err
		}
		a.Queue = q

	default:
		return fmt.Errorf("unknown queue backend %q", cfg.Queue.Backend)
	}

	a.Logger.WithField("backend", cfg.Queue.Backend).Info("Job queue connected")
	return nil
}

// redisDB connects Redis once; the Redis queue and the shared budget share it
func (a *App) redisDB(ctx context.Context) (*storage.RedisDB, error) {
	if a.redis != nil {
		return a.redis, nil
	}
	rdb, err := storage.NewRedisDB(ctx, &a.Config.Database.Redis)
	if err != nil {
		return nil, err
	}
	a.redis = rdb
	a.closers = append(a.closers, rdb.Close)
	return rdb, nil
}

func (a *App) breaker(name string) *circuitbreaker.CircuitBreaker {
	cfg := circuitbreaker.DefaultConfig(name)
	cfg.Logger = a.Logger
	return circuitbreaker.NewCircuitBreaker(cfg)
}

func (a *App) buildPipeline(ctx context.Context) error {
	cfg := a.Config
	logger := a.Logger

	rpc, err := adapter.NewRPCPool(&adapter.RPCPoolConfig{
		Endpoints:    cfg.Chain.RPCURLs,
		CooldownTime: cfg.Chain.RPCCooldown,
		Logger:       logger,
	})
	if err != nil {
		return err
	}
	a.RPC = rpc
	a.closers = append(a.closers, func() error { rpc.Close(); return nil })

	contract, err := adapter.NewAuctionContract(rpc, cfg.Chain.ContractAddress)
	if err != nil {
		return err
	}
	indexer := adapter.NewIndexerClient(adapter.IndexerClientConfig{
		URL:      cfg.Indexer.URL,
		Timeout:  cfg.Indexer.Timeout,
		PageSize: cfg.Scanner.PageSize,
		MaxPages: cfg.Scanner.MaxPages,
		Breaker:  a.breaker("indexer"),
		Logger:   logger,
	})
	reader := adapter.NewChainReader(indexer, contract)

	a.Scanner, err = service.NewScanner(service.ScannerConfig{
		Reader:          reader,
		Queue:           a.Queue,
		TimeBucket:      cfg.Queue.TimeBucket,
		ReadConcurrency: cfg.Scanner.ReadConcurrency,
		Metrics:         a.Metrics,
		Logger:          logger,
	})
	if err != nil {
		return err
	}
	if cfg.Scanner.Enabled {
		a.Runner, err = service.NewScanRunner(a.Scanner, cfg.Scanner.Interval, logger)
		if err != nil {
			return err
		}
	}

	var budget *ratelimit.SubmissionBudget
	if cfg.Relayer.SharedBudget > 0 {
		rdb, err := a.redisDB(ctx)
		if err != nil {
			return fmt.Errorf("shared submission budget: %w", err)
		}
		budget, err = ratelimit.NewSubmissionBudget(&ratelimit.SubmissionBudgetConfig{
			Redis:     rdb.Client(),
			Budget:    cfg.Relayer.SharedBudget,
			KeyPrefix: cfg.Database.Redis.KeyPrefix,
		})
		if err != nil {
			return err
		}
	}

	poolCfg := &worker.PoolConfig{
		Queue: a.Queue,
		Submitter: relayer.NewClient(relayer.Config{
			URL:     cfg.Relayer.URL,
			APIKey:  cfg.Relayer.APIKey,
			Timeout: cfg.Relayer.Timeout,
			Breaker: a.breaker("relayer"),
			Logger:  logger,
		}),
		Confirmer:           adapter.NewReceiptWaiter(rpc, cfg.Worker.ReceiptPollInterval, cfg.Worker.Confirmations, logger),
		StateReader:         contract,
		Gate:                ratelimit.NewSubmissionLimiter(cfg.Relayer.SubmissionsPerSec, cfg.Relayer.Burst, budget, logger),
		Concurrency:         cfg.Worker.Concurrency,
		DequeueTimeout:      cfg.Worker.DequeueTimeout,
		PollInterval:        cfg.Worker.PollInterval,
		ConfirmationTimeout: cfg.Worker.ConfirmationTimeout,
		SubmitTimeout:       cfg.Relayer.Timeout,
		RecheckBeforeRetry:  cfg.Worker.RecheckBeforeRetry,
		Metrics:             a.Metrics,
		Logger:              logger,
	}
	if cfg.Database.ClickHouse.Enabled {
		ch, err := storage.NewClickHouseDB(ctx, &cfg.Database.ClickHouse)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, ch.Close)
		poolCfg.History = storage.NewAttemptHistoryRepository(ch)
	}

	a.Pool, err = worker.NewPool(poolCfg)
	if err != nil {
		return err
	}
	a.Reaper, err = worker.NewReaper(a.Queue, cfg.Worker.ReapInterval, a.Metrics, logger)
	if err != nil {
		return err
	}

	if cfg.Server.Enabled {
		a.Server = api.NewServer(&api.ServerConfig{
			Host:              cfg.Server.Host,
			Port:              cfg.Server.Port,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      2 * time.Minute,
			IdleTimeout:       60 * time.Second,
			RequestsPerSecond: cfg.Server.RequestsPerSecond,
		}, a.Scanner, a.Queue, a.Metrics.Handler(), logger)
		a.Server.SetStatusSource(func() interface{} { return a.Status() })
	}
	return nil
}

// Status snapshots the running components
type Status struct {
	Pool    *worker.PoolStatus        `json:"pool"`
	Reaper  *worker.ReaperStatus      `json:"reaper"`
	Scanner *service.ScanRunnerStatus `json:"scanner,omitempty"`
	RPC     *adapter.RPCPoolStatus    `json:"rpc,omitempty"`
}

// Status reports pool, reaper, scan runner and RPC endpoint status
func (a *App) Status() *Status {
	st := &Status{}
	if a.Pool != nil {
		st.Pool = a.Pool.GetStatus()
	}
	if a.Reaper != nil {
		st.Reaper = a.Reaper.GetStatus()
	}
	if a.Runner != nil {
		st.Scanner = a.Runner.GetStatus()
	}
	if a.RPC != nil {
		st.RPC = a.RPC.Status()
	}
	return st
}

// Run starts every component and blocks until ctx is cancelled or the API
// server fails, then shuts down in order.
func (a *App) Run(ctx context.Context) error {
	if a.Pool == nil || a.Reaper == nil {
		return errors.New("pipeline is not wired")
	}

	if err := a.Pool.Start(ctx); err != nil {
		return err
	}
	if err := a.Reaper.Start(ctx); err != nil {
		return err
	}
	if a.Runner != nil {
		if err := a.Runner.Start(ctx); err != nil {
			return err
		}
	}

	serverErr := make(chan error, 1)
	if a.Server != nil {
		go func() { serverErr <- a.Server.Start() }()
	}

	var runErr error
	select {
	case <-ctx.Done():
		a.Logger.Info("Shutdown signal received")
	case err := <-serverErr:
		if err != nil {
			runErr = fmt.Errorf("api server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := a.shutdown(shutdownCtx); err != nil {
		a.Logger.WithError(err).Warn("Unclean shutdown")
	}
	return runErr
}

func (a *App) shutdown(ctx context.Context) error {
	var errs []error
	if a.Runner != nil {
		errs = append(errs, a.Runner.Stop(ctx))
	}
	if a.Server != nil {
		errs = append(errs, a.Server.Shutdown(ctx))
	}
	errs = append(errs, a.Pool.Stop(ctx), a.Reaper.Stop(ctx))
	return errors.Join(errs...)
}

// Close releases connections in reverse order of creation
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	a.closers = nil
	return errors.Join(errs...)
}
