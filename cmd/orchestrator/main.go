// Package main is the entry point for the orchestrator service.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mentatlab/orchestrator/internal/api"
	"github.com/mentatlab/orchestrator/internal/config"
	"github.com/mentatlab/orchestrator/internal/driver"
	"github.com/mentatlab/orchestrator/internal/eventlog"
	"github.com/mentatlab/orchestrator/internal/fanout"
	"github.com/mentatlab/orchestrator/internal/k8s"
	"github.com/mentatlab/orchestrator/internal/runmanager"
	"github.com/mentatlab/orchestrator/internal/runstore"
	"github.com/mentatlab/orchestrator/internal/scheduler"
	"github.com/mentatlab/orchestrator/internal/validator"
	"github.com/mentatlab/orchestrator/pkg/types"
)

func main() {
	cfg := config.Load()

	logLevel := slog.LevelInfo
	switch cfg.LogLevel {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}

	var handler slog.Handler
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)

	logger.Info("starting orchestrator",
		slog.String("port", cfg.Port),
		slog.String("log_level", cfg.LogLevel),
		slog.String("runstore", cfg.RunStoreType),
	)

	eventlogCfg := eventlog.Config{
		RetentionEvents: cfg.EventRetentionEvents,
		RetentionWindow: cfg.EventRetentionWindow,
		MinReplay:       cfg.EventMinReplay,
	}

	var store runstore.RunStore
	var log eventlog.EventLog
	var k8sClient *k8s.Client

	switch cfg.RunStoreType {
	case "redis":
		redisStore, err := runstore.NewRedisStore(&runstore.RedisConfig{
			URL:      cfg.RedisURL,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			Prefix:   "run",
			TTL:      7 * 24 * time.Hour,
		})
		if err != nil {
			logger.Error("failed to connect to Redis, falling back to memory store", "error", err)
			store = runstore.NewMemoryStore(nil)
			log = eventlog.NewMemoryEventLog(eventlogCfg)
		} else {
			store = redisStore
			log = eventlog.NewRedisEventLog(redisStore.Client(), "events", 7*24*time.Hour, eventlogCfg)
			logger.Info("using Redis runstore and eventlog", slog.String("url", cfg.RedisURL))
		}

	case "k8s":
		client, err := k8s.NewClient(&k8s.Config{
			InCluster:  cfg.K8sInCluster,
			Kubeconfig: cfg.K8sKubeconfig,
			Namespace:  cfg.K8sNamespace,
		})
		if err != nil {
			logger.Error("failed to create K8s client, falling back to memory store", "error", err)
			store = runstore.NewMemoryStore(nil)
		} else {
			k8sClient = client
			store = runstore.NewK8sRunStore(client)
			logger.Info("using K8s-reflected runstore", slog.String("namespace", cfg.K8sNamespace))
		}
		// K8sRunStore is read-only by design; EventLog still owns the
		// process's view of run events regardless of backend.
		log = eventlog.NewMemoryEventLog(eventlogCfg)

	default:
		store = runstore.NewMemoryStore(nil)
		log = eventlog.NewMemoryEventLog(eventlogCfg)
		logger.Info("using in-memory runstore and eventlog")
	}
	defer store.Close()

	if k8sClient == nil && (cfg.K8sInCluster || cfg.K8sKubeconfig != "") {
		client, err := k8s.NewClient(&k8s.Config{
			InCluster:  cfg.K8sInCluster,
			Kubeconfig: cfg.K8sKubeconfig,
			Namespace:  cfg.K8sNamespace,
		})
		if err != nil {
			logger.Warn("failed to create K8s client", "error", err)
		} else {
			k8sClient = client
			logger.Info("K8s client initialized", slog.String("namespace", cfg.K8sNamespace))
		}
	}

	emitter := driver.NewEventLogEmitter(log)

	simulatedDriver := driver.NewSimulatedDriver(emitter, driver.DefaultSimulatedConfig())
	subprocessDriver := driver.NewLocalSubprocessDriver(emitter, &driver.SubprocessConfig{
		EnvPassthrough: map[string]string{"ORCHESTRATOR_URL": "http://localhost:" + cfg.Port},
	})

	var redisQueueDriver *driver.RedisQueueDriver
	if redisStore, ok := store.(*runstore.RedisStore); ok {
		redisQueueDriver = driver.NewRedisQueueDriver(redisStore.Client(), emitter, driver.DefaultRedisQueueConfig())
	}

	var k8sJobDriver *driver.K8sJobDriver
	if k8sClient != nil {
		d, err := driver.NewK8sJobDriver(emitter, &driver.K8sDriverConfig{
			K8sConfig: &k8s.Config{InCluster: cfg.K8sInCluster, Kubeconfig: cfg.K8sKubeconfig, Namespace: cfg.K8sNamespace},
		})
		if err != nil {
			logger.Warn("failed to create K8s job driver", "error", err)
		} else {
			k8sJobDriver = d
		}
	}

	// resolve picks a Driver per the run's mode: memory -> simulated or
	// subprocess, redis -> queued worker, k8s -> Job. A node with an explicit
	// cmd running under ModeMemory exercises the subprocess driver rather
	// than the simulated stand-in.
	resolve := func(run *types.Run, node *types.NodeSpec) driver.Driver {
		switch run.Mode {
		case types.ModeRedis:
			if redisQueueDriver != nil {
				return redisQueueDriver
			}
		case types.ModeK8s:
			if k8sJobDriver != nil {
				return k8sJobDriver
			}
		}
		if len(node.Cmd) > 0 {
			return subprocessDriver
		}
		return simulatedDriver
	}

	sched := scheduler.New(store, log, resolve, scheduler.Config{
		MaxConcurrentNodesPerRun: cfg.MaxConcurrentNodesPerRun,
		DefaultNodeTimeout:       cfg.NodeTimeout,
	}, logger)

	v, err := validator.New()
	if err != nil {
		logger.Error("failed to create plan validator", "error", err)
		os.Exit(1)
	}

	rm := runmanager.New(store, log, sched, v, runmanager.Config{MaxConcurrentRuns: cfg.MaxConcurrentRuns}, logger)

	sseHandler := fanout.NewSSEHandler(log, store, fanout.SSEConfig{HeartbeatInterval: cfg.SSEHeartbeatInterval}, logger)
	hub := fanout.NewHub(log, store, logger)
	go hub.Run()
	defer hub.Stop()

	handlers := api.NewHandlers(rm, sseHandler, hub, store, &api.HandlersConfig{
		CORSOrigins:    cfg.CORSOrigins,
		RateLimitRPS:   cfg.RateLimitRPS,
		RateLimitBurst: cfg.RateLimitBurst,
	}, logger)
	server := api.NewServer(handlers)

	// WriteTimeout stays 0: the /events SSE streams and /ws connections are
	// long-lived by design and a server-wide write deadline would sever them.
	srv := &http.Server{
		Addr:        ":" + cfg.Port,
		Handler:     server.Router(),
		ReadTimeout: cfg.ReadTimeout,
		IdleTimeout: 60 * time.Second,
	}

	go func() {
		logger.Info("server listening", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}

	logger.Info("server stopped")
}
