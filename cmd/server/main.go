package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"

	"github.com/iliyamo/checkin-reconciler/internal/app"
	"github.com/iliyamo/checkin-reconciler/internal/config"
	"github.com/iliyamo/checkin-reconciler/internal/handler"
	"github.com/iliyamo/checkin-reconciler/internal/logging"
	"github.com/iliyamo/checkin-reconciler/internal/middleware"
	"github.com/iliyamo/checkin-reconciler/internal/queue"
	"github.com/iliyamo/checkin-reconciler/internal/router"
	"github.com/iliyamo/checkin-reconciler/internal/scheduler"
)

func main() {
	log := logging.New("checkin-server")

	cfg, err := config.Load()
	if err != nil {
		log.Error("config", "error", err)
		os.Exit(1)
	}
	if cfg.JWTSecret == "" {
		log.Error("config", "error", "JWT_SECRET is required by the server")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, log)
	if err != nil {
		log.Error("startup", "error", err)
		os.Exit(1)
	}
	defer a.Close()
	if err := a.EnsureAdmin(ctx); err != nil {
		log.Error("bootstrap admin", "error", err)
		os.Exit(1)
	}

	jobs := scheduler.New(log.With("component", "scheduler"),
		scheduler.CacheSweep(a.Cache, cfg.Schedule.CacheSweep, log),
		scheduler.MembershipSweep(a.Membership, cfg.Schedule.MembershipSweep, log),
		scheduler.MergePass(a.Merge, cfg.Schedule.Merge),
	)
	jobs.Start(ctx)

	consumer := queue.NewConsumer(cfg.RabbitMQ.URL, cfg.LogDir, log.With("component", "membership-consumer"))
	go func() {
		if err := consumer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error("membership consumer stopped", "error", err)
		}
	}()

	e := echo.New()
	e.HideBanner = true
	e.Use(echomw.Recover())
	e.Use(echomw.RequestID())
	router.Register(e, router.Handlers{
		Health:    handler.Health(a.DB),
		Auth:      handler.NewAuthHandler(a.Operators, cfg.JWTSecret, cfg.AccessTTL, a.Clock),
		Events:    handler.NewEventHandler(a.Syncer, 30*time.Minute),
		Attendees: handler.NewAttendeeHandler(a.Attendees, a.Events, a.Membership, a.Clock),
		Merge:     handler.NewMergeHandler(a.Merge),
		Members:   handler.NewMemberHandler(a.Members, a.Membership),
	}, cfg.JWTSecret, middleware.NewTokenBucket(cfg.RateLimit, a.Redis, log))

	addr := ":" + cfg.Port
	go func() {
		log.Info("listening", "addr", addr, "env", cfg.Env)
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown", "error", err)
	}
	jobs.Wait()
}
