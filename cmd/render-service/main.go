package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/littb/snapshot/internal/common/config"
	"github.com/littb/snapshot/internal/common/configtypes"
	logutil "github.com/littb/snapshot/internal/common/logger"
	"github.com/littb/snapshot/internal/common/metricsserver"
	"github.com/littb/snapshot/internal/common/redis"
	"github.com/littb/snapshot/internal/render/chrome"
	"github.com/littb/snapshot/internal/render/engine"
	"github.com/littb/snapshot/internal/render/metrics"
	"github.com/littb/snapshot/internal/render/orchestrator"
	"github.com/littb/snapshot/internal/render/registry"
	"github.com/littb/snapshot/internal/render/resultcache"
	"github.com/littb/snapshot/internal/render/service"
	"github.com/littb/snapshot/internal/render/snapshotstore"
	"github.com/littb/snapshot/internal/render/supervisor"
)

func main() {
	configPath := flag.String("c", "configs/render-service.yaml",
		"Path to render service configuration file")
	flag.Parse()

	// Initialize logger (will be reconfigured from config)
	initialLogger, err := logutil.NewDefaultLogger()
	if err != nil {
		panic(err)
	}

	initialLogger.Info("Loading configuration", zap.String("path", *configPath))

	absPath, err := config.GetConfigPath(*configPath)
	if err != nil {
		initialLogger.Fatal("Invalid config path", zap.Error(err))
	}

	cfg, err := config.LoadRSConfig(absPath)
	if err != nil {
		initialLogger.Fatal("Failed to load configuration", zap.Error(err))
	}

	// INFO during startup even when the configured level is higher
	dynamicLogger, err := logutil.NewLoggerWithStartupOverride(cfg.Log)
	if err != nil {
		initialLogger.Fatal("Failed to create configured logger", zap.Error(err))
	}
	logger := dynamicLogger.Logger

	chromeConfig := cfg.Chrome.ToInternalConfig()
	if err := chromeConfig.Validate(); err != nil {
		logger.Fatal("Invalid Chrome configuration", zap.Error(err))
	}
	poolSize := chromeConfig.CalculatePoolSize()

	logger.Info("Render Service starting",
		zap.String("rs", cfg.Server.ID),
		zap.String("listen", cfg.Server.Listen),
		zap.String("chrome_pool_size", cfg.Chrome.PoolSize),
		zap.Int("pool_size", poolSize))

	metricsCollector := metrics.NewMetricsCollector(cfg.Metrics.Namespace, logger)

	metricsServer, err := metricsserver.Start(cfg.Metrics, metricsCollector, logger)
	if err != nil {
		logger.Fatal("Failed to start metrics server", zap.Error(err))
	}

	var redisClient *redis.Client
	if cfg.UsesRedis() {
		redisClient, err = redis.NewClient(&cfg.Redis, logger)
		if err != nil {
			logger.Fatal("Failed to connect to Redis", zap.Error(err))
		}
		defer redisClient.Close()
	}

	var store orchestrator.SnapshotStore
	if cfg.Store.Enabled {
		store = snapshotstore.New(redisClient, snapshotstore.Options{
			TTL:         time.Duration(cfg.Store.TTL),
			Compression: cfg.Store.Compression,
			KeyPrefix:   cfg.Store.KeyPrefix,
		}, metricsCollector, logger)
		logger.Info("Snapshot store enabled",
			zap.Duration("ttl", time.Duration(cfg.Store.TTL)),
			zap.String("compression", cfg.Store.Compression))
	}

	// the engine starts lazily on the first job
	sup := supervisor.New(chrome.NewLauncher(logger), chromeConfig.LaunchOptions(), poolSize, metricsCollector, logger)

	cache := resultcache.New(time.Duration(cfg.Cache.TTL), cfg.CacheCapacity())

	orch := orchestrator.New(sup, cache, store, orchestrator.Options{
		UserAgent:      cfg.Chrome.UserAgent,
		ViewportWidth:  cfg.Chrome.ViewportWidth,
		ViewportHeight: cfg.Chrome.ViewportHeight,
		DefaultTimeout: time.Duration(cfg.Render.Timeout),
		Preview: orchestrator.PreviewOptions{
			Width:           cfg.Preview.Width,
			Height:          cfg.Preview.Height,
			HideSelectors:   cfg.Preview.HideSelectors,
			ContentSelector: cfg.Preview.ContentSelector,
			TextWidth:       cfg.Preview.TextWidth,
		},
		DedupeInflight: cfg.Render.DedupeInflight,
	}, metricsCollector, logger)

	handlers := service.NewHandlers(orch, sup, service.RenderDefaults{
		Wait: engine.WaitPolicy{
			Event:         cfg.Render.WaitFor,
			Selector:      cfg.Render.Selector,
			ErrorSelector: cfg.Render.ErrorSelector,
		},
		Timeout:              time.Duration(cfg.Render.Timeout),
		MaxTimeout:           time.Duration(cfg.Render.MaxTimeout),
		HardTimeout:          cfg.ServerTimeout(),
		BlockedResourceTypes: cfg.Render.BlockedResourceTypes,
		BlockedPatterns:      cfg.Render.BlockedPatterns,
		AllowedHosts:         cfg.Render.AllowedHosts,
	}, metricsCollector, logger)

	server := service.NewServer(service.CreateHTTPHandler(handlers, metricsCollector), cfg.Server.ID, cfg.ServerTimeout())

	listen, err := configtypes.NormalizeListen(cfg.Server.Listen)
	if err != nil {
		logger.Fatal("Failed to parse server.listen", zap.Error(err))
	}

	serverErrCh := make(chan error, 1)
	go func() {
		logger.Info("Starting HTTP server", zap.String("listen", listen))
		if err := server.ListenAndServe(listen); err != nil {
			serverErrCh <- err
		}
	}()

	// Wait briefly for HTTP server to start listening
	time.Sleep(100 * time.Millisecond)
	select {
	case err := <-serverErrCh:
		logger.Fatal("HTTP server failed to start", zap.Error(err))
	default:
	}

	var heartbeat *registry.Registry
	heartbeatCtx, stopHeartbeat := context.WithCancel(context.Background())
	var heartbeatWG sync.WaitGroup
	if cfg.Registry.Enabled {
		heartbeat = registry.New(redisClient, sup, cfg.Server.ID, advertisedAddress(listen), time.Duration(cfg.Registry.Interval), logger)
		heartbeatWG.Add(1)
		go func() {
			defer heartbeatWG.Done()
			heartbeat.Run(heartbeatCtx)
		}()
	}

	logger.Info("Render Service ready",
		zap.String("rs", cfg.Server.ID),
		zap.String("listen", listen),
		zap.Bool("store", cfg.Store.Enabled),
		zap.Bool("registry", cfg.Registry.Enabled))

	dynamicLogger.SwitchToConfiguredLevel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("Received shutdown signal", zap.String("signal", sig.String()))
	case err := <-serverErrCh:
		logger.Error("Server error", zap.Error(err))
	}

	dynamicLogger.EnsureInfoLevelForShutdown()
	logger.Info("Shutting down gracefully...")

	// Stop the heartbeat before removing the report so it is not recreated
	stopHeartbeat()
	heartbeatWG.Wait()
	if heartbeat != nil {
		unregisterCtx, unregisterCancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := heartbeat.Unregister(unregisterCtx); err != nil {
			logger.Error("Failed to remove health report", zap.Error(err))
		}
		unregisterCancel()
	}

	if metricsServer != nil {
		metricsShutdownCtx, metricsShutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := metricsServer.ShutdownWithContext(metricsShutdownCtx); err != nil {
			logger.Error("Metrics server shutdown error", zap.Error(err))
		}
		metricsShutdownCancel()
	}

	// Graceful HTTP server shutdown - complete in-flight requests
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ServerTimeout())
	defer shutdownCancel()
	if err := server.ShutdownWithContext(shutdownCtx); err != nil {
		logger.Error("Server shutdown error", zap.Error(err))
	}

	sup.Shutdown()

	logger.Info("Render Service stopped")
}

// advertisedAddress fills in the hostname when listen binds all interfaces
func advertisedAddress(listen string) string {
	addr, err := configtypes.ParseListen(listen)
	if err != nil {
		return listen
	}
	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		return addr.String()
	}
	return addr.Advertise(hostname)
}
