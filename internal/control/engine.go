// Package control wires the custody engine together and runs its servers
// and background workers.
package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"golang.org/x/sync/errgroup"

	"github.com/vietddude/custody/internal/api"
	"github.com/vietddude/custody/internal/core/access"
	"github.com/vietddude/custody/internal/core/approval"
	"github.com/vietddude/custody/internal/core/audit"
	"github.com/vietddude/custody/internal/core/clock"
	"github.com/vietddude/custody/internal/core/coldstorage"
	"github.com/vietddude/custody/internal/core/config"
	"github.com/vietddude/custody/internal/core/domain"
	"github.com/vietddude/custody/internal/core/reversal"
	"github.com/vietddude/custody/internal/core/risk"
	"github.com/vietddude/custody/internal/core/wallet"
	"github.com/vietddude/custody/internal/core/worker"
	"github.com/vietddude/custody/internal/health"
	"github.com/vietddude/custody/internal/infra/auth"
	"github.com/vietddude/custody/internal/infra/chain"
	"github.com/vietddude/custody/internal/infra/chain/jsonrpc"
	chainmem "github.com/vietddude/custody/internal/infra/chain/memory"
	"github.com/vietddude/custody/internal/infra/kafka"
	redisclient "github.com/vietddude/custody/internal/infra/redis"
	"github.com/vietddude/custody/internal/infra/storage"
	"github.com/vietddude/custody/internal/infra/storage/memory"
	"github.com/vietddude/custody/internal/infra/storage/postgres"
	"github.com/vietddude/custody/internal/tracing"
)

// Version is reported in trace resources.
var Version = "dev"

// Engine owns every long-lived component of the custody service.
type Engine struct {
	cfg *config.AppConfig

	store       storage.Store
	db          *postgres.DB
	redisClient *redisclient.Client
	kafkaSink   *kafka.AlertSink
	adapter     chain.Adapter

	Trail     *audit.Trail
	Workflow  *approval.Manager
	Wallets   *wallet.Service
	Vaults    *coldstorage.Service
	Reversals *reversal.Manager
	Sessions  *auth.Sessions

	sweeper    *worker.Sweeper
	reporter   *worker.StatusReporter
	healthMon  *health.Monitor
	apiServer  *api.Server
	grpcServer *health.GRPCServer

	log *slog.Logger
}

// NewEngine connects storage and optional infrastructure and builds the
// services. Nothing listens until Run.
func NewEngine(ctx context.Context, cfg *config.AppConfig) (*Engine, error) {
	e := &Engine{cfg: cfg, log: slog.Default().With("component", "engine")}
	now := clock.System

	if cfg.Tracing.Enabled {
		if err := tracing.Init("custody", Version, cfg.Tracing.Output); err != nil {
			return nil, fmt.Errorf("failed to init tracing: %w", err)
		}
	}

	// 1. Storage
	if cfg.Database.URL != "" {
		db, err := postgres.NewDB(ctx, cfg.Database)
		if err != nil {
			return nil, fmt.Errorf("failed to init db: %w", err)
		}
		if err := db.Migrate(ctx); err != nil {
			_ = db.Close()
			return nil, err
		}
		e.db = db
		e.store = postgres.NewStore(db)
		e.log.Info("Using PostgreSQL storage")
	} else {
		e.store = memory.NewMemoryStorage()
		e.log.Warn("Using memory storage, state is lost on exit")
	}
	if err := e.seedAdmins(ctx); err != nil {
		e.Close()
		return nil, err
	}

	// 2. Optional Redis and Kafka
	if cfg.Redis.URL != "" {
		rc, err := redisclient.NewClient(cfg.Redis)
		if err != nil {
			e.log.Warn("Failed to connect to Redis, using in-process locks and mfa marks", "error", err)
		} else {
			e.redisClient = rc
		}
	}

	e.Trail = audit.NewTrail(e.store, now, audit.LogSink{})
	if e.redisClient != nil {
		e.Trail.AddSink(redisclient.NewAlertSink(e.redisClient, cfg.Redis.AlertChannel))
	}
	if len(cfg.Kafka.Brokers) > 0 {
		e.kafkaSink = kafka.NewAlertSink(kafka.NewWriter(cfg.Kafka))
		e.Trail.AddSink(e.kafkaSink)
		e.log.Info("Kafka alert sink enabled", "topic", cfg.Kafka.Topic)
	}

	// 3. Chain adapter
	switch cfg.ChainAdapter.Driver {
	case "jsonrpc":
		e.adapter = jsonrpc.NewAdapter(cfg.ChainAdapter.JSONRPC)
	default:
		e.adapter = chainmem.NewAdapter()
		e.log.Warn("Using in-memory chain adapter, transfers are simulated")
	}

	// 4. Access control
	authz := access.NewStoreAuthorizer(e.store.Admins())
	var marks auth.MarkStore = auth.NewMemoryStore(nil)
	if e.redisClient != nil {
		marks = e.redisClient
	}
	totp := auth.NewTOTPVerifier(e.store.Admins(), marks, nil)
	sessions, err := auth.NewSessions(cfg.Auth.JWT, nil)
	if err != nil {
		e.Close()
		return nil, fmt.Errorf("invalid auth.jwt: %w", err)
	}
	e.Sessions = sessions

	// 5. Services
	e.Workflow = approval.NewManager(approval.Deps{
		Store:          e.store,
		Trail:          e.Trail,
		Scorer:         risk.NewScorer(cfg.Risk),
		Adapter:        e.adapter,
		Authz:          authz,
		Now:            now,
		AdapterTimeout: cfg.Workflow.AdapterTimeout,
	})
	e.Wallets = wallet.NewService(wallet.Deps{
		Store: e.store, Workflow: e.Workflow, Trail: e.Trail, Authz: authz, MFA: totp, Now: now,
	})
	e.Vaults = coldstorage.NewService(coldstorage.Deps{
		Store: e.store, Workflow: e.Workflow, Trail: e.Trail, Adapter: e.adapter,
		Authz: authz, Now: now, Config: cfg.ColdStorage,
	})
	e.Reversals = reversal.NewManager(reversal.Deps{
		Store: e.store, Workflow: e.Workflow, Trail: e.Trail, Authz: authz, Now: now,
	})

	// 6. Workers
	var lock worker.LeaderLock
	if e.redisClient != nil {
		lock = e.redisClient
	}
	e.sweeper = worker.NewSweeper(worker.SweeperConfig{
		Interval:  cfg.Workflow.SweepInterval,
		BatchSize: cfg.Workflow.SweepBatch,
	}, e.Workflow, lock)
	e.reporter = worker.NewStatusReporter(e.store.Requests(), cfg.Workflow.StatusInterval)

	// 7. Health and servers
	e.healthMon = health.NewMonitor()
	e.healthMon.Register("storage", e.store, true)
	if e.redisClient != nil {
		e.healthMon.Register("redis", e.redisClient, false)
	}
	if hc, ok := e.adapter.(health.Checker); ok {
		e.healthMon.Register("chain_adapter", hc, false)
	}

	router := api.NewRouter(api.Deps{
		Workflow:    e.Workflow,
		Wallets:     e.Wallets,
		Vaults:      e.Vaults,
		Reversals:   e.Reversals,
		Trail:       e.Trail,
		Authz:       authz,
		Sessions:    sessions,
		StepUp:      auth.NewStepUp(totp, marks, cfg.Auth.MFAWindow),
		Health:      e.healthMon,
		CORSOrigins: cfg.Server.CORSOrigins,
	})
	e.apiServer = api.NewServer(router, cfg.Server.Port, cfg.Server.ReadTimeout, cfg.Server.WriteTimeout)
	if cfg.GRPC.Port > 0 {
		e.grpcServer = health.NewGRPCServer(e.healthMon, cfg.GRPC.Port)
	}

	return e, nil
}

func (e *Engine) seedAdmins(ctx context.Context) error {
	for _, a := range e.cfg.Auth.Admins {
		admin := &domain.Admin{
			ID:         a.ID,
			Name:       a.Name,
			Roles:      a.Roles,
			TOTPSecret: a.TOTPSecret,
			Active:     true,
		}
		if err := e.store.Admins().Upsert(ctx, admin); err != nil {
			return fmt.Errorf("failed to seed admin %s: %w", a.ID, err)
		}
	}
	if n := len(e.cfg.Auth.Admins); n > 0 {
		e.log.Info("Seeded admins", "count", n)
	}
	return nil
}

// Run serves the API and runs the workers until ctx is cancelled or a
// server fails.
func (e *Engine) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		e.log.Info("API server listening", "port", e.cfg.Server.Port)
		if err := e.apiServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("api server: %w", err)
		}
		return nil
	})
	if e.grpcServer != nil {
		g.Go(func() error {
			e.log.Info("gRPC health server listening", "port", e.cfg.GRPC.Port)
			if err := e.grpcServer.Start(); err != nil {
				return fmt.Errorf("grpc server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			e.grpcServer.Watch(ctx)
			return nil
		})
	}
	g.Go(func() error {
		e.sweeper.Start(ctx)
		return nil
	})
	g.Go(func() error {
		e.reporter.Start(ctx)
		return nil
	})
	if e.db != nil {
		e.db.StartMetricsCollector(ctx)
	}

	g.Go(func() error {
		<-ctx.Done()
		e.log.Info("Stopping custody engine")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.Server.WriteTimeout)
		defer cancel()
		if e.grpcServer != nil {
			e.grpcServer.Stop()
		}
		return e.apiServer.Stop(shutdownCtx)
	})

	return g.Wait()
}

// Sweep expires due requests once.
func (e *Engine) Sweep(ctx context.Context) (int, error) {
	return e.sweeper.RunOnce(ctx)
}

// Store exposes persistence for maintenance commands.
func (e *Engine) Store() storage.Store { return e.store }

// Health returns the current dependency report.
func (e *Engine) Health(ctx context.Context) health.Report {
	return e.healthMon.CheckHealth(ctx)
}

// Close releases connections. It is safe to call on a partly built engine.
func (e *Engine) Close() {
	if e.kafkaSink != nil {
		if err := e.kafkaSink.Close(); err != nil {
			e.log.Warn("Failed to close Kafka writer", "error", err)
		}
	}
	if e.redisClient != nil {
		if err := e.redisClient.Close(); err != nil {
			e.log.Warn("Failed to close Redis", "error", err)
		}
	}
	if c, ok := e.adapter.(interface{ Close() error }); ok {
		_ = c.Close()
	}
	if e.store != nil {
		if err := e.store.Close(); err != nil {
			e.log.Warn("Failed to close storage", "error", err)
		}
	}
	if err := tracing.Shutdown(context.Background()); err != nil {
		e.log.Warn("Failed to flush traces", "error", err)
	}
}
