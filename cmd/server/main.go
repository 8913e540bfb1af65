// Command server is the composition root: it loads configuration, builds
// every core component, wires the HTTP and Socket.IO edge adapters, and
// runs the process until an interrupt signal requests graceful shutdown.
//
// Wiring style (explicit constructor injection, no service locator, signal
// -> context.WithTimeout -> Shutdown) is grounded on the teacher's fuller
// cmd/api/main.go composition.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/ocx/imgforge/internal/cache"
	"github.com/ocx/imgforge/internal/config"
	"github.com/ocx/imgforge/internal/httpapi"
	"github.com/ocx/imgforge/internal/metrics"
	"github.com/ocx/imgforge/internal/progressbus"
	"github.com/ocx/imgforge/internal/ratelimiter"
	"github.com/ocx/imgforge/internal/registry"
	"github.com/ocx/imgforge/internal/scheduler"
	"github.com/ocx/imgforge/internal/validator"
	"github.com/ocx/imgforge/internal/workerpool"
	"github.com/ocx/imgforge/internal/wsgateway"
)

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Info("no .env file found, continuing with process environment")
	}

	cfg := config.Get()
	slog.Info("starting imgforge", "env", cfg.Server.Env, "port", cfg.GetPort())

	backend, err := buildCacheBackend(cfg.Cache)
	if err != nil {
		slog.Error("failed to build cache backend", "error", err)
		os.Exit(1)
	}

	store := cache.NewStore(backend, cache.Config{
		MaxBytes:      cfg.Cache.MaxBytes,
		MaxEntries:    cfg.Cache.MaxEntries,
		MaxAge:        time.Duration(cfg.Cache.MaxAgeSec) * time.Second,
		SweepInterval: time.Duration(cfg.Cache.SweepIntervalSec) * time.Second,
	})
	defer store.Close()

	m := metrics.New()
	store.SetMetrics(m)

	gate := validator.New(validator.Config{
		MaxBytes:    cfg.Security.MaxUploadBytes,
		AllowedMIME: toMIMESet(cfg.Security.AllowedMIME),
		DeepScan:    cfg.Security.DeepScan,
	})

	reg := registry.New()
	pool := workerpool.New(cfg.Worker.Workers, cfg.Worker.QueueCapacity)
	bus := progressbus.New(cfg.Progress.SubscriptionBufferSize)
	sched := scheduler.New(gate, reg, pool, store, bus)
	sched.SetMetrics(m)

	limiter := ratelimiter.New(ratelimiter.Config{
		RequestsPerSecond: cfg.RateLimit.RequestsPerSecond,
		Burst:             cfg.RateLimit.Burst,
		IdleExpiry:        time.Duration(cfg.RateLimit.IdleExpirySec) * time.Second,
	})
	defer limiter.Close()

	handlers := &httpapi.Handlers{Validator: gate, Store: store, Scheduler: sched, Metrics: m}
	router := httpapi.NewRouter(handlers, limiter, cfg.Server.CORSAllowOrigins)

	gw := wsgateway.New(sched, bus)
	router.HandleFunc("/ws", gw.ServeHTTP)
	socketIOServer := gw.NewSocketIOServer()
	go func() {
		if err := socketIOServer.Serve(); err != nil {
			slog.Error("socket.io server stopped", "error", err)
		}
	}()
	defer socketIOServer.Close()
	router.PathPrefix("/socket.io/").Handler(socketIOServer)

	startCleanupLoop(sched, time.Duration(cfg.Processing.JobReapAgeSec)*time.Second)

	srv := &http.Server{
		Addr:         cfg.Server.Interface + ":" + cfg.GetPort(),
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeoutSec) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeoutSec) * time.Second,
		IdleTimeout:  time.Duration(cfg.Server.IdleTimeoutSec) * time.Second,
	}

	go func() {
		slog.Info("listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	slog.Info("shutdown signal received")
	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.Server.ShutdownTimeout)*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("graceful shutdown failed", "error", err)
	}
	pool.Shutdown()
	slog.Info("shutdown complete")
}

func buildCacheBackend(cfg config.CacheConfig) (cache.Backend, error) {
	switch cfg.Backend {
	case "disk":
		return cache.NewDiskBackend(cfg.DiskRoot)
	case "redis":
		return cache.NewRedisBackend(
			cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB,
			cfg.RedisKeyPrefix, time.Duration(cfg.RedisTTLSec)*time.Second,
		)
	default:
		return cache.NewMemoryBackend(), nil
	}
}

func toMIMESet(mimes []string) map[string]bool {
	set := make(map[string]bool, len(mimes))
	for _, m := range mimes {
		set[m] = true
	}
	return set
}

func startCleanupLoop(sched *scheduler.Scheduler, maxAge time.Duration) {
	if maxAge <= 0 {
		return
	}
	ticker := time.NewTicker(maxAge)
	go func() {
		for range ticker.C {
			queues, tasks := sched.Cleanup(maxAge)
			if queues > 0 {
				slog.Info("reaped finished jobs", "queues", queues, "tasks", tasks)
			}
		}
	}()
}
