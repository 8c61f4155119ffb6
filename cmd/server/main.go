package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"streamcore/internal/core/domain"
	"streamcore/internal/core/ports"
	"streamcore/internal/core/services"
	httphandlers "streamcore/internal/handlers/http"
	"streamcore/internal/infrastructure/distributed"
	"streamcore/internal/infrastructure/eventbus"
	"streamcore/internal/infrastructure/middleware"
	"streamcore/internal/infrastructure/monitoring"
	"streamcore/internal/infrastructure/provider"
	"streamcore/internal/infrastructure/repositories"
	wsignal "streamcore/internal/infrastructure/signal"
	"streamcore/pkg/circuitbreaker"
	"streamcore/pkg/config"
	redislock "streamcore/pkg/distributed"
	"streamcore/pkg/logger"
	"streamcore/pkg/retry"
	"streamcore/pkg/tracing"
	"streamcore/pkg/utils"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const reconcileLockKey = "streamcore:lock:reconcile"

func main() {
	startTime := time.Now()

	configPath := flag.String("config", "configs/config.yaml", "path to the YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		// Logger is not up yet.
		println("failed to load config:", err.Error())
		os.Exit(1)
	}

	zapLogger, err := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		println("failed to create logger:", err.Error())
		os.Exit(1)
	}
	defer zapLogger.Sync()
	log := zapLogger.Sugar()

	tracingCfg := tracing.DefaultConfig()
	tracingCfg.Enabled = cfg.Tracing.Enabled
	tracingCfg.JaegerURL = cfg.Tracing.JaegerURL
	tracingCfg.Environment = cfg.Tracing.Environment
	tracingCfg.SampleRate = cfg.Tracing.SampleRate
	tracerProvider, err := tracing.Init(tracingCfg)
	if err != nil {
		log.Fatalw("failed to initialize tracing", "error", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	collector := monitoring.NewPrometheusCollector(prometheus.DefaultRegisterer)

	repoFactory, err := repositories.NewRepositoryFactory(ctx, cfg, log)
	if err != nil {
		log.Fatalw("failed to create repository factory", "error", err)
	}

	streamRepo := repoFactory.CreateStreamRepository()
	chatRepo := repoFactory.CreateChatRepository()
	presenceStore := repoFactory.CreatePresenceStore()

	ingest := newIngestProvider(cfg, collector, log)

	instanceID := utils.GenerateInstanceID()
	broker := eventbus.NewBroker(cfg.Events.SubscriberBuffer, collector, log)
	var events ports.EventBus = broker
	var bridge *distributed.EventBus
	if client := repoFactory.RedisClient(); client != nil {
		bridge = distributed.NewEventBus(broker, client, instanceID, cfg.Events.RedisChannelPrefix, log)
		events = bridge
	}

	probe := services.NewCachedActivityProbe(ingest, cfg.Lifecycle.ActivityCacheTTL, cfg.Lifecycle.ProbeTimeout)
	presence := services.NewPresenceTracker(presenceStore, streamRepo, events, collector, services.PresenceConfig{
		SessionTTL:      cfg.Presence.SessionTTL,
		ReapInterval:    cfg.Presence.ReapInterval,
		PublishInterval: cfg.Presence.PublishInterval,
	}, log)
	lifecycle := services.NewLifecycleService(streamRepo, chatRepo, ingest, probe, presence, events, collector, log)
	chat := services.NewChatService(chatRepo, streamRepo, events, collector, services.ChatConfig{
		MaxBodyLength:  cfg.Chat.MaxBodyLength,
		HistoryDefault: cfg.Chat.HistoryDefault,
		HistoryMax:     cfg.Chat.HistoryMax,
	}, log)
	authService := services.NewAuthService(cfg.Auth.JWTSecret, cfg.Auth.AccessTokenTTL)

	var sweepLock services.SweepLock
	if client := repoFactory.RedisClient(); client != nil {
		sweepLock = redislock.NewLock(client, reconcileLockKey, cfg.Lifecycle.ReconcileInterval)
	}
	reconciler := services.NewReconciler(streamRepo, lifecycle, ingest, probe, sweepLock, collector, services.ReconcilerConfig{
		Interval:      cfg.Lifecycle.ReconcileInterval,
		ProbeTimeout:  cfg.Lifecycle.ProbeTimeout,
		InactiveGrace: cfg.Lifecycle.InactiveGrace,
	}, log)

	// Streams that were Live before a restart resume accounting.
	live, err := streamRepo.ListByState(ctx, domain.StateLive)
	if err != nil {
		log.Warnw("failed to list live streams at startup", "error", err)
	}
	for _, s := range live {
		presence.Activate(s.ID, s.PeakViewers)
	}
	collector.SetLiveStreams(len(live))

	var background sync.WaitGroup
	runBackground := func(name string, fn func(context.Context)) {
		background.Add(1)
		go func() {
			defer background.Done()
			fn(ctx)
			log.Infow("background task stopped", "task", name)
		}()
	}
	runBackground("presence_reaper", presence.Run)
	runBackground("reconciler", reconciler.Run)
	if bridge != nil {
		runBackground("event_bridge", func(ctx context.Context) {
			if err := bridge.Run(ctx); err != nil && ctx.Err() == nil {
				log.Errorw("event bridge stopped", "error", err)
			}
		})
	}

	wsOpts := wsignal.DefaultOptions()
	wsOpts.PingInterval = cfg.WebSocket.PingInterval
	wsOpts.PongTimeout = cfg.WebSocket.PongTimeout
	wsOpts.WriteTimeout = cfg.WebSocket.WriteTimeout
	wsOpts.HistoryLimit = cfg.Chat.HistoryDefault
	wsOpts.AllowedOrigins = cfg.Auth.AllowedOrigins
	if cfg.RateLimiting.Enabled {
		wsOpts.MessagesPerSecond = cfg.RateLimiting.WebSocket.MessagesPerSecond
		wsOpts.Burst = cfg.RateLimiting.WebSocket.Burst
	}
	if cfg.RateLimiting.WebSocket.MaxMessageSizeBytes > 0 {
		wsOpts.MaxMessageSize = cfg.RateLimiting.WebSocket.MaxMessageSizeBytes
	}
	wsServer := wsignal.NewWebSocketServer(events, presence, chat, streamRepo, authService, wsOpts, log)
	wsServer.SetMetrics(collector)

	health := monitoring.NewHealthChecker()
	health.AddRepositoryCheck(streamRepo, 2*time.Second)
	health.AddPingCheck("storage", repoFactory.HealthCheck, 2*time.Second)
	if client := repoFactory.RedisClient(); client != nil {
		health.AddRedisCheck(client, 2*time.Second)
	}
	health.AddProviderCheck(ingest, time.Second)

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(
		middleware.RecoveryMiddleware(log),
		middleware.RequestLoggerMiddleware(logger.NewContextLogger(zapLogger)),
		middleware.TracingMiddleware(),
		middleware.ErrorHandlerMiddleware(log),
		middleware.OptionalAuthMiddleware(authService),
		middleware.NewHTTPRateLimitMiddleware(cfg),
	)

	httphandlers.NewStreamHandler(lifecycle, presence, chat, authService).SetupRoutes(router)
	if cfg.Auth.DevTokens {
		httphandlers.NewAuthHandler(authService, cfg.Auth.AccessTokenTTL).SetupRoutes(router)
		log.Warn("development token issuer enabled at /api/v1/auth/token")
	}
	wsServer.SetupRoutes(router)

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":      "healthy",
			"timestamp":   time.Now(),
			"uptime":      time.Since(startTime).String(),
			"instance_id": instanceID,
			"storage":     repoFactory.Driver(),
			"websockets":  wsServer.ConnectionCount(),
		})
	})

	router.GET("/ready", func(c *gin.Context) {
		status := health.CheckAll(c.Request.Context())
		code := http.StatusOK
		if status.Status == monitoring.StatusUnhealthy {
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, status)
	})

	if cfg.Monitoring.PrometheusEnabled {
		router.GET("/metrics", gin.WrapH(promhttp.Handler()))
		log.Info("Prometheus metrics enabled")
	}

	srv := &http.Server{
		Addr:        cfg.Server.Address,
		Handler:     router,
		ReadTimeout: cfg.Server.ReadTimeout,
		// WriteTimeout would cut long-lived websocket connections; handlers
		// are short and the websocket layer sets its own write deadlines.
		ReadHeaderTimeout: cfg.Server.ReadTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Infow("starting streamcore server",
			"address", cfg.Server.Address,
			"instance_id", instanceID,
			"storage", repoFactory.Driver(),
			"provider", cfg.Provider.Kind,
		)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		log.Errorw("server failed", "error", err)
	case sig := <-sigChan:
		log.Infow("received shutdown signal", "signal", sig)
	}

	log.Info("shutting down streamcore server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	wsServer.Shutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorw("error during server shutdown", "error", err)
		if closeErr := srv.Close(); closeErr != nil {
			log.Errorw("error force closing server", "error", closeErr)
		}
	}

	cancel()
	background.Wait()
	presence.Stop()
	probe.Stop()
	broker.Close()

	if err := tracerProvider.Shutdown(shutdownCtx); err != nil {
		log.Warnw("error flushing traces", "error", err)
	}
	if err := repoFactory.Close(); err != nil {
		log.Errorw("error closing repository factory", "error", err)
	}

	log.Info("streamcore server stopped")
}

func newIngestProvider(cfg *config.Config, collector *monitoring.PrometheusCollector, log *zap.SugaredLogger) ports.IngestProvider {
	switch cfg.Provider.Kind {
	case "http":
		retryCfg := retry.DefaultConfig()
		retryCfg.MaxAttempts = cfg.Provider.Retry.MaxAttempts
		retryCfg.InitialDelay = cfg.Provider.Retry.InitialDelay
		retryCfg.MaxDelay = cfg.Provider.Retry.MaxDelay

		cbCfg := circuitbreaker.DefaultConfig()
		cbCfg.FailureThreshold = cfg.Provider.CircuitBreaker.FailureThreshold
		cbCfg.Timeout = cfg.Provider.CircuitBreaker.OpenTimeout

		log.Infow("using HTTP ingest provider",
			"base_url", cfg.Provider.BaseURL,
			"api_key", utils.MaskSensitive(cfg.Provider.APIKey, 4),
		)
		return provider.NewHTTPProvider(provider.Options{
			BaseURL:         cfg.Provider.BaseURL,
			APIKey:          cfg.Provider.APIKey,
			IngestURL:       cfg.Provider.IngestURL,
			PlaybackBaseURL: cfg.Provider.PlaybackBaseURL,
			Timeout:         cfg.Provider.Timeout,
			Retry:           retryCfg,
			CircuitBreaker:  cbCfg,
		}, collector, log)
	default:
		log.Warn("using in-memory ingest provider; streams never report ingest activity on their own")
		return provider.NewMemoryProvider(cfg.Provider.IngestURL, cfg.Provider.PlaybackBaseURL)
	}
}
