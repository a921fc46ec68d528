package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"

	"pushrelay/internal/auth"
	"pushrelay/internal/config"
	"pushrelay/internal/db"
	"pushrelay/internal/delivery"
	"pushrelay/internal/dispatch"
	"pushrelay/internal/handlers"
	"pushrelay/internal/migrations"
	"pushrelay/internal/queue"
	"pushrelay/internal/registry"
	"pushrelay/internal/routes"
	"pushrelay/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	if err := migrations.Up(migrations.Files); err != nil {
		log.Fatalf("Failed to run migrations: %v", err)
	}

	if err := db.Init(cfg); err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	defer db.Close()

	auth.InitSecurity()

	if err := queue.InitQueue(cfg); err != nil {
		log.Fatalf("Failed to initialize task queue: %v", err)
	}
	defer queue.Close()

	subStore := db.NewSubscriptionStore(db.DB)
	logStore := db.NewDeliveryLogStore(db.DB)
	reg := registry.NewService(subStore)

	engine := dispatch.NewEngine(reg, logStore, cfg.DispatchConcurrency, cfg.SendTimeout)
	engine.RegisterTransport(registry.ProviderWebPush,
		dispatch.NewWebPushTransport(cfg.VAPIDSubscriber, cfg.VAPIDPublicKey, cfg.VAPIDPrivateKey, cfg.SendTimeout), 100)
	if err := config.InitMessaging(); err == nil {
		engine.RegisterTransport(registry.ProviderFCM,
			dispatch.NewFCMTransport(config.GetFirebaseClient().Messaging), 500)
	}
	engine.SetRetryScheduler(queue.RetryEnqueuer{})

	selfTester := delivery.NewSelfTester(engine, logStore)
	receipts := delivery.NewReceipts(logStore)
	push := handlers.NewPushHandler(reg, engine, selfTester, receipts, cfg.VAPIDPublicKey)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	w := worker.NewWorker(cfg, engine, reg)
	go func() {
		if err := w.Start(ctx); err != nil {
			slog.Error("Worker failed", "error", err)
			stop()
		}
	}()

	if err := queue.ScheduleStaleSweep(time.Minute); err != nil {
		slog.Warn("Failed to schedule stale sweep", "error", err)
	}

	e := echo.New()
	e.HideBanner = true
	api := e.Group("/api")
	routes.SetupRoutes(api, push)

	go func() {
		if err := e.Start(cfg.ListenAddr); err != nil && err != http.ErrServerClosed {
			slog.Error("Server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server shutdown failed", "error", err)
	}
}
