// Package app builds the reconciler's components from configuration.
// Both binaries share it so a resync run and the server wire the ledger,
// caches and commerce client the same way.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/iliyamo/checkin-reconciler/internal/cache"
	"github.com/iliyamo/checkin-reconciler/internal/clock"
	"github.com/iliyamo/checkin-reconciler/internal/config"
	"github.com/iliyamo/checkin-reconciler/internal/database"
	"github.com/iliyamo/checkin-reconciler/internal/membership"
	"github.com/iliyamo/checkin-reconciler/internal/merge"
	"github.com/iliyamo/checkin-reconciler/internal/model"
	"github.com/iliyamo/checkin-reconciler/internal/policy"
	"github.com/iliyamo/checkin-reconciler/internal/queue"
	"github.com/iliyamo/checkin-reconciler/internal/repository"
	"github.com/iliyamo/checkin-reconciler/internal/retry"
	"github.com/iliyamo/checkin-reconciler/internal/syncer"
	"github.com/iliyamo/checkin-reconciler/internal/utils"
	"github.com/iliyamo/checkin-reconciler/internal/woo"
)

// App holds the wired components.
type App struct {
	Config config.Config
	Log    *slog.Logger
	Clock  clock.Clock

	DB    *sql.DB
	Redis *redis.Client // nil when Redis is unavailable
	Cache cache.Store

	Events    *repository.EventRepo
	Attendees *repository.AttendeeRepo
	Members   *repository.MemberRepo
	Leases    *repository.LeaseRepo
	Operators *repository.OperatorRepo

	Publisher  *queue.Publisher
	Membership *membership.Calculator
	Syncer     *syncer.Orchestrator
	Merge      *merge.Engine
}

// New opens the ledger, applies migrations and builds every service.
// The freshness cache lives in Redis when it answers and in the ledger
// otherwise.
func New(ctx context.Context, cfg config.Config, log *slog.Logger) (*App, error) {
	a := &App{Config: cfg, Log: log, Clock: clock.NewSystem()}

	db, err := database.Open(cfg.DB)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	a.DB = db
	if err := database.Migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	if rdb := config.NewRedisClient(cfg.Redis); rdb != nil {
		a.Redis = rdb
		a.Cache = cache.NewRedisStore(rdb, "reconciler", a.Clock)
		log.Info("freshness cache: redis")
	} else {
		a.Cache = cache.NewSQLStore(db, a.Clock)
		log.Warn("redis unavailable, freshness cache uses the ledger")
	}

	rules, err := policy.Load(cfg.PolicyFile)
	if err != nil {
		a.Close()
		return nil, err
	}

	shop, err := woo.NewClient(woo.Config{
		BaseURL:        cfg.Woo.BaseURL,
		ConsumerKey:    cfg.Woo.ConsumerKey,
		ConsumerSecret: cfg.Woo.ConsumerSecret,
		PerPage:        cfg.Woo.PerPage,
		RequestDelay:   cfg.Woo.RequestDelay,
		Timeout:        cfg.Woo.Timeout,
		Retry: retry.Policy{
			MaxAttempts: cfg.Woo.MaxAttempts,
			BaseDelay:   cfg.Woo.RetryBaseDelay,
			MaxDelay:    30 * cfg.Woo.RetryBaseDelay,
			Retryable:   retry.IsTransient,
		},
		Logger: log.With("component", "woo"),
	})
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("commerce client: %w", err)
	}

	a.Events = repository.NewEventRepo(db)
	a.Attendees = repository.NewAttendeeRepo(db)
	a.Members = repository.NewMemberRepo(db)
	a.Leases = repository.NewLeaseRepo(db)
	a.Operators = repository.NewOperatorRepo(db)
	loc := cfg.Location()

	a.Publisher = queue.NewPublisher(cfg.RabbitMQ.URL, a.Clock, log.With("component", "queue"))
	a.Membership = membership.New(a.Attendees, a.Members, a.Events, rules, a.Clock,
		membership.WithListSyncer(a.Publisher),
		membership.WithEventDuration(cfg.EventDuration),
		membership.WithLocation(loc),
		membership.WithFreezeHour(cfg.Sync.FreezeHour),
		membership.WithLogger(log.With("component", "membership")),
	)
	a.Syncer = syncer.New(a.Events, a.Attendees, a.Members, shop, a.Cache, a.Clock,
		syncer.WithLocation(loc),
		syncer.WithFreezeHour(cfg.Sync.FreezeHour),
		syncer.WithFreshnessTTL(cfg.Sync.FreshnessTTL),
		syncer.WithOrdersTTL(cfg.Woo.OrdersCacheTTL),
		syncer.WithProgressEvery(cfg.Sync.ProgressEvery),
		syncer.WithRecalculator(a.Membership),
		syncer.WithLogger(log.With("component", "sync")),
	)
	a.Merge = merge.New(a.Events, a.Attendees, a.Leases, repository.NewTransactor(db), a.Cache, rules, a.Clock,
		merge.WithLocation(loc),
		merge.WithMode(merge.Mode(cfg.Merge.Mode)),
		merge.WithLockTTL(cfg.Merge.LockTTL),
		merge.WithRecalculator(a.Membership),
		merge.WithLogger(log.With("component", "merge")),
	)
	return a, nil
}

// EnsureAdmin creates the bootstrap admin operator when configured and
// missing.  An existing account is left untouched.
func (a *App) EnsureAdmin(ctx context.Context) error {
	if a.Config.AdminEmail == "" {
		return nil
	}
	if _, err := a.Operators.GetByEmail(ctx, a.Config.AdminEmail); err == nil {
		return nil
	} else if !errors.Is(err, repository.ErrNotFound) {
		return fmt.Errorf("look up admin: %w", err)
	}
	hash, err := utils.HashPassword(a.Config.AdminPassword, a.Config.BcryptCost)
	if err != nil {
		return fmt.Errorf("hash admin password: %w", err)
	}
	id, err := a.Operators.Create(ctx, a.Config.AdminEmail, hash, model.RoleAdmin)
	if errors.Is(err, repository.ErrEmailExists) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("create admin: %w", err)
	}
	a.Log.Info("bootstrap admin created", "operator_id", id, "email", a.Config.AdminEmail)
	return nil
}

// Close releases the ledger and Redis connections.
func (a *App) Close() {
	if a.Redis != nil {
		_ = a.Redis.Close()
	}
	if a.DB != nil {
		_ = a.DB.Close()
	}
}
