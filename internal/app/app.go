// Package app wires configuration into the store, external adapters and
// domain services shared by the server, worker and operator CLI.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/orquesta/settlement/internal/alert"
	"github.com/orquesta/settlement/internal/api"
	"github.com/orquesta/settlement/internal/config"
	"github.com/orquesta/settlement/internal/feesweep"
	"github.com/orquesta/settlement/internal/gateway"
	"github.com/orquesta/settlement/internal/jobs"
	"github.com/orquesta/settlement/internal/ledger"
	"github.com/orquesta/settlement/internal/model"
	"github.com/orquesta/settlement/internal/payout"
	"github.com/orquesta/settlement/internal/provider"
	"github.com/orquesta/settlement/internal/report"
	"github.com/orquesta/settlement/internal/risk"
	"github.com/orquesta/settlement/internal/settlement"
	"github.com/orquesta/settlement/internal/store"
	"github.com/orquesta/settlement/internal/webhook"
)

// App holds the wired components of one process.
type App struct {
	Config config.Config
	Store  store.Store
	// Postgres is nil when running on the in-memory store.
	Postgres *store.PostgresStore
	Redis    *redis.Client

	Ledger     *ledger.Engine
	Settlement *settlement.Service
	Sweeper    *feesweep.Sweeper
	Payouts    *payout.Scheduler
	Processor  *webhook.Processor
	Provider   *provider.Client
	Gateway    gateway.Gateway
	Guard      webhook.ReplayGuard
	Notifier   alert.Notifier
	Runner     *jobs.Runner

	cleanup []func()
}

// New connects to the configured backends and builds every service. events
// receives activity notifications and may be nil.
func New(ctx context.Context, cfg config.Config, events model.EventPublisher) (*App, error) {
	a := &App{Config: cfg}
	if err := a.initStore(ctx); err != nil {
		a.Close()
		return nil, err
	}
	if err := a.initServices(events); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) initStore(ctx context.Context) error {
	cfg := a.Config
	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		a.Redis = redis.NewClient(opt)
		rdb := a.Redis
		a.cleanup = append(a.cleanup, func() { rdb.Close() })
	}

	if cfg.DatabaseURL == "" {
		slog.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		a.Store = store.NewMemoryStore()
		return nil
	}

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("database connection failed: %w", err)
	}
	a.cleanup = append(a.cleanup, pool.Close)
	if err := pool.Ping(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}
	a.Postgres = store.NewPostgresStore(pool)
	a.Store = a.Postgres
	slog.Info("connected to PostgreSQL")

	if cfg.AutoMigrate {
		if err := a.Postgres.Migrate(ctx); err != nil {
			return err
		}
		slog.Info("schema applied")
	}

	// Read-through cache for sellers and derived balances.
	if a.Redis != nil {
		a.Store = store.NewCachedStore(a.Store, a.Redis, cfg.BalanceCacheTTL)
		slog.Info("Redis cache enabled", "ttl", cfg.BalanceCacheTTL)
	}
	return nil
}

func (a *App) initServices(events model.EventPublisher) error {
	cfg := a.Config
	rate, err := cfg.FeeRate()
	if err != nil {
		return err
	}

	a.Provider = provider.NewClient(provider.Config{
		BaseURL:       cfg.Provider.BaseURL,
		ClientID:      cfg.Provider.ClientID,
		ClientSecret:  cfg.Provider.ClientSecret,
		WebhookSecret: cfg.Provider.WebhookSecret,
		Timeout:       cfg.Provider.Timeout,
	}, nil, nil)

	switch cfg.Gateway.Mode {
	case "http":
		gw, err := gateway.NewClient(gateway.Config{
			BaseURL:  cfg.Gateway.BaseURL,
			CertPath: cfg.Gateway.CertPath,
			KeyPath:  cfg.Gateway.KeyPath,
			CAPath:   cfg.Gateway.CAPath,
			Timeout:  cfg.Gateway.Timeout,
		}, nil)
		if err != nil {
			return err
		}
		a.Gateway = gw
	default:
		slog.Warn("using simulated payout gateway")
		a.Gateway = gateway.NewSimulated()
	}

	if a.Redis != nil {
		a.Guard = webhook.NewRedisGuard(a.Redis, cfg.WebhookRetention)
	} else {
		a.Guard = webhook.NewStoreGuard(a.Store, cfg.WebhookRetention)
	}

	notifiers := alert.Multi{alert.LogNotifier{}}
	if cfg.Alerts.TelegramToken != "" && cfg.Alerts.TelegramChatID != "" {
		notifiers = append(notifiers, alert.NewTelegramNotifier("", cfg.Alerts.TelegramToken, cfg.Alerts.TelegramChatID, nil))
	}
	if len(cfg.Alerts.KafkaBrokers) > 0 {
		kn, err := alert.NewKafkaNotifier(cfg.Alerts.KafkaBrokers, cfg.Alerts.KafkaTopic)
		if err != nil {
			return err
		}
		a.cleanup = append(a.cleanup, func() { kn.Close() })
		notifiers = append(notifiers, kn)
	}
	a.Notifier = notifiers

	a.Ledger = ledger.NewEngine()
	a.Settlement = settlement.NewService(a.Store, a.Ledger, events)
	a.Sweeper = feesweep.NewSweeper(a.Store, a.Ledger, events)
	a.Payouts = payout.NewScheduler(a.Store, a.Ledger, a.Gateway, events)
	a.Processor = webhook.NewProcessor(a.Store, a.Settlement, risk.NewStaticClassifier(rate), a.Payouts)
	a.Runner = jobs.NewRunner(a.Store, a.Notifier, slog.Default())
	return nil
}

// Dependencies reports breaker states keyed by dependency name.
func (a *App) Dependencies() map[string]func() string {
	deps := map[string]func() string{"payment_provider": a.Provider.BreakerState}
	if gw, ok := a.Gateway.(*gateway.Client); ok {
		deps["payout_gateway"] = gw.BreakerState
	}
	return deps
}

// API builds the HTTP service over the wired components.
func (a *App) API() *api.Service {
	return api.NewService(api.Deps{
		Store:         a.Store,
		Processor:     a.Processor,
		Guard:         a.Guard,
		Payouts:       a.Payouts,
		Sweeper:       a.Sweeper,
		Payments:      a.Provider,
		PaymentSecret: a.Config.Provider.WebhookSecret,
		PayoutSecret:  a.Config.Gateway.WebhookSecret,
		ReplayWindow:  a.Config.WebhookRetention,
		Dependencies:  a.Dependencies(),
	})
}

// Jobs returns the recurring jobs with their configured cadence and retry
// policy.
func (a *App) Jobs() []jobs.Job {
	jc := a.Config.Jobs
	opts := func(timeout time.Duration) jobs.Options {
		return jobs.Options{MaxRetries: jc.MaxRetries, BackoffBase: jc.BackoffBase, Timeout: timeout}
	}
	return []jobs.Job{
		{
			Name:    "fee_sweep",
			Spec:    jc.FeeSweepSpec,
			Key:     jobs.HourKey("fee_sweep"),
			Options: opts(jc.SweepTimeout),
			Run: func(ctx context.Context) error {
				_, err := a.Sweeper.SweepAll(ctx, jc.SweepBatchSize)
				return err
			},
		},
		{
			Name:    "payout_batch",
			Spec:    jc.PayoutBatchSpec,
			Key:     jobs.DayKey("payout"),
			Options: opts(jc.PayoutTimeout),
			Run: func(ctx context.Context) error {
				res, err := a.Payouts.RunBatch(ctx, jc.PayoutBatchSize)
				if res != nil {
					slog.Info("payout batch finished",
						"processed", res.Processed,
						"successful", len(res.Successful),
						"failed", len(res.Failed),
						"skipped", len(res.Skipped),
						"total_amount_cents", res.TotalAmountCents,
					)
				}
				return err
			},
		},
		{
			Name:    "payout_dispatch",
			Spec:    jc.PayoutDispatchSpec,
			Key:     jobs.MinuteKey("payout_dispatch"),
			Options: opts(jc.PayoutTimeout),
			Run: func(ctx context.Context) error {
				_, err := a.Payouts.DispatchPending(ctx, jc.PayoutBatchSize)
				return err
			},
		},
		{
			Name:    "tax_report",
			Spec:    jc.TaxReportSpec,
			Key:     jobs.MonthKey("tax_report"),
			Options: opts(jc.SweepTimeout),
			Run: func(ctx context.Context) error {
				return a.TaxReports(ctx, report.PreviousPeriod(time.Now()))
			},
		},
	}
}

// Scheduler registers every job on a new cron scheduler.
func (a *App) Scheduler() (*jobs.Scheduler, error) {
	s := jobs.NewScheduler(a.Runner)
	for _, j := range a.Jobs() {
		if err := s.Add(j); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// TaxReports generates the report for period in every project.
func (a *App) TaxReports(ctx context.Context, period string) error {
	projects, err := a.Store.ListProjects(ctx)
	if err != nil {
		return fmt.Errorf("list projects: %w", err)
	}
	var errs []error
	for _, p := range projects {
		rep, err := report.Generate(ctx, a.Store, p.ID, period)
		if err != nil {
			errs = append(errs, fmt.Errorf("project %s: %w", p.ID, err))
			continue
		}
		for _, t := range rep.Totals {
			slog.Info("tax report generated",
				"project_id", p.ID,
				"period", period,
				"currency", t.Currency,
				"base_amount_cents", t.BaseCents,
				"itbms_cents", t.TaxCents,
			)
		}
	}
	return errors.Join(errs...)
}

// Close releases connections in reverse order of acquisition.
func (a *App) Close() {
	for i := len(a.cleanup) - 1; i >= 0; i-- {
		a.cleanup[i]()
	}
	a.cleanup = nil
}
