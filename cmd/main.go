package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"taskpulse/internal/activity"
	"taskpulse/internal/bus"
	"taskpulse/internal/config"
	"taskpulse/internal/database"
	"taskpulse/internal/dispatcher"
	"taskpulse/internal/idempotency"
	"taskpulse/internal/recurrence"
	"taskpulse/internal/routes"
	"taskpulse/internal/scheduler"
	"taskpulse/internal/syncer"
	"taskpulse/internal/taskstore"
	"taskpulse/pkg/logger"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"
)

func main() {
	_ = godotenv.Load()

	runCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	config.Get()

	// Activity storage (required for the audit consumer and query API)
	db := database.InitDB(runCtx)
	if db == nil {
		logger.Error(runCtx, "Database not available; exiting")
		os.Exit(1)
	}
	if err := database.MigrateOrCreateSchema(runCtx); err != nil {
		os.Exit(1)
	}

	// Redis backs both the idempotency guard and the sync replay buffer
	rdb := idempotency.Client(runCtx)
	if rdb == nil {
		logger.Error(runCtx, "Redis not available; exiting")
		os.Exit(1)
	}
	guard := idempotency.Default(runCtx)

	// Bus: pre-warm the publisher and ensure topics exist
	pub := bus.DefaultPublisher(runCtx)
	bus.EnsureTopics(runCtx)

	store := taskstore.FromConfig()
	broadcaster := syncer.NewBroadcaster(rdb)
	disp := dispatcher.New(guard, store, pub, syncer.NewInAppChannel(broadcaster))
	engine := recurrence.NewEngine(guard, store, pub)
	recorder := activity.NewRecorder(guard, activity.NewRepository(db))
	sched := scheduler.New(store, pub)

	group, ctx := errgroup.WithContext(runCtx)
	group.Go(func() error { return sched.Run(ctx) })
	group.Go(func() error { return disp.Run(ctx) })
	group.Go(func() error { return engine.Run(ctx) })
	group.Go(func() error { return broadcaster.Run(ctx) })
	group.Go(func() error { return recorder.Run(ctx) })

	server := &http.Server{
		Addr:         ":" + config.Get().HTTPPort,
		Handler:      routes.Router(broadcaster, activity.NewHandler(activity.NewRepository(db))),
		ReadTimeout:  10 * time.Second,
		// WriteTimeout stays unset: /ws connections are long-lived.
		IdleTimeout:  120 * time.Second,
	}
	group.Go(func() error {
		logger.Info(ctx, "HTTP server listening", "port", config.Get().HTTPPort)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error(runCtx, "Shutdown with error", "error", err)
		os.Exit(1)
	}
	logger.Info(runCtx, "Server stopped")
}
