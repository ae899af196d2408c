package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fabiohfernandes/Matchmaker/internal/clock"
	"github.com/fabiohfernandes/Matchmaker/internal/control"
	"github.com/fabiohfernandes/Matchmaker/internal/engine"
	"github.com/fabiohfernandes/Matchmaker/internal/events"
	"github.com/fabiohfernandes/Matchmaker/internal/handlers"
	"github.com/fabiohfernandes/Matchmaker/internal/health"
	"github.com/fabiohfernandes/Matchmaker/internal/metrics"
	"github.com/fabiohfernandes/Matchmaker/internal/session"
	"github.com/fabiohfernandes/Matchmaker/internal/state"
	ws "github.com/fabiohfernandes/Matchmaker/internal/websocket"
	"github.com/fabiohfernandes/Matchmaker/pkg/auth"
	"github.com/fabiohfernandes/Matchmaker/pkg/config"
	"github.com/fabiohfernandes/Matchmaker/pkg/logging"
	"github.com/fabiohfernandes/Matchmaker/pkg/middleware"
	pkgredis "github.com/fabiohfernandes/Matchmaker/pkg/redis"
	"github.com/fabiohfernandes/Matchmaker/pkg/version"
)

const sweepInterval = 60 * time.Second

func main() {
	logger := logging.NewLoggerWithService("matchmaker")
	config.LoadEnv(logger)

	cfg := config.Load()
	production := config.GetEnv("GIN_MODE", "debug") == "release"
	if err := cfg.Validate(production); err != nil {
		logger.WithError(err).Fatal("Invalid configuration")
	}

	if cfg.LogToFile {
		if err := logging.EnableFileOutput(logger, "logs", "matchmaker.log"); err != nil {
			logger.WithError(err).Warn("File logging disabled")
		}
	}

	logger.WithField("version", version.Version).Info("Starting Matchmaker")

	clk := clock.Real{}
	bus := events.NewBus(logger)
	sessions := session.NewStore(logger, clk, bus)
	eng := engine.New(logger, clk, bus, sessions, engine.Options{
		SessionTimeout: cfg.SessionTimeout,
	})

	serviceMetrics := metrics.New()
	wireMetrics(serviceMetrics, bus, eng, sessions)

	// Optional Redis snapshot mirror.
	if cfg.RedisURL != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		client, err := pkgredis.NewClientFromURL(ctx, cfg.RedisURL)
		cancel()
		if err != nil {
			logger.WithError(err).Warn("Redis mirror disabled: connection failed")
		} else {
			defer client.Close()
			mirror := state.NewRedisMirror(client, logger, "matchmaker")
			mirror.Attach(bus, eng, sessions)
			defer func() {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := mirror.Flush(ctx); err != nil {
					logger.WithError(err).Warn("Redis mirror flush failed")
				}
			}()
			logger.Info("Redis snapshot mirror enabled")
		}
	}

	// Node control listener.
	controlServer := control.NewServer(logger, eng)
	if err := controlServer.Listen(":" + cfg.MatchmakerPort); err != nil {
		logger.WithError(err).Fatal("Failed to bind matchmaker control port")
	}

	// Client WebSocket hub.
	hub := ws.NewHub(logger, eng, sessions, serviceMetrics)
	hub.AttachEngineEvents(bus)
	go hub.Run()

	// Health supervisor.
	sup := health.NewSupervisor(logger, bus)
	sup.Register("engine", engineHealthCheck(eng))
	sup.Register("control_listener", controlHealthCheck(controlServer))
	sup.Register("config", configHealthCheck(cfg, production))
	sup.EvaluateAll()

	// Periodic work.
	stopStaleSweep := clk.Every(sweepInterval, func() {
		if n := eng.SweepStaleNodes(); n > 0 {
			serviceMetrics.SweepRemovals.WithLabelValues("node").Add(float64(n))
		}
	})
	stopSessionSweep := clk.Every(sweepInterval, func() {
		if n := eng.SweepSessions(); n > 0 {
			serviceMetrics.SweepRemovals.WithLabelValues("session").Add(float64(n))
		}
	})
	stopHealth := clk.Every(cfg.HealthCheckInterval, func() {
		sup.EvaluateAll()
	})

	// HTTP edge.
	var httpServer *http.Server
	if cfg.EnableWebserver {
		httpServer = startHTTP(cfg, logger, eng, sessions, sup, hub)
	} else {
		logger.Info("Webserver disabled; serving node control only")
	}

	// Wait for interrupt signal.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	// Draining: stop listeners and timers, notify clients, then wait for
	// in-flight work with a hard deadline.
	logger.Info("Shutting down matchmaker...")
	exitCode := 0

	stopStaleSweep()
	stopSessionSweep()
	stopHealth()

	if err := controlServer.Close(); err != nil {
		logger.WithError(err).Error("Control listener shutdown failed")
		exitCode = 1
	}

	hub.Shutdown()

	if httpServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.WithError(err).Error("HTTP server forced to shutdown")
			exitCode = 1
		}
		shutdownCancel()
	}

	logger.Info("Matchmaker stopped")
	if exitCode != 0 {
		os.Exit(exitCode)
	}
}

func startHTTP(cfg config.Config, logger logging.Logger, eng *engine.Engine, sessions *session.Store, sup *health.Supervisor, hub *ws.Hub) *http.Server {
	if config.GetEnv("GIN_MODE", "debug") == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(middleware.RequestIDMiddleware())
	router.Use(middleware.LoggingMiddleware(logger))
	router.Use(middleware.RecoveryMiddleware(logger))
	router.Use(middleware.CORSMiddleware())

	h := handlers.New(logger, eng, sessions, sup)

	router.GET("/health", h.HandleHealth)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/ws", func(c *gin.Context) { hub.ServeWS(c.Writer, c.Request) })

	rateLimiter := middleware.NewRateLimiter(cfg.RateLimitWindow, cfg.RateLimitMaxRequests)
	client := router.Group("/")
	client.Use(rateLimiter.Middleware())
	client.GET("/signallingserver", h.HandleSignallingServer)
	client.POST("/queue/join", h.HandleQueueJoin)
	client.GET("/queue/position/:sessionId", h.HandleQueuePosition)

	stats := router.Group("/stats")
	if cfg.JWTSecret != "" {
		stats.Use(auth.JWTAuthMiddleware([]byte(cfg.JWTSecret)))
	}
	stats.GET("", h.HandleStats)

	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.WithField("port", cfg.HTTPPort).Info("Starting HTTP server")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Fatal("Failed to start HTTP server")
		}
	}()

	return srv
}

// wireMetrics keeps the prometheus gauges in step with engine mutations.
func wireMetrics(m *metrics.Metrics, bus *events.Bus, eng *engine.Engine, sessions *session.Store) {
	refresh := func(events.Event) {
		stats := eng.Stats()
		m.NodesRegistered.Set(float64(stats.TotalNodes))
		m.NodesEligible.Set(float64(stats.EligibleNodes))
		m.QueueLength.Set(float64(stats.QueueLength))

		byStatus := sessions.Stats().ByStatus
		for _, status := range []session.Status{
			session.StatusQueued, session.StatusConnected,
			session.StatusDisconnected, session.StatusExpired,
		} {
			m.SessionsByStatus.WithLabelValues(string(status)).Set(float64(byStatus[status]))
		}
	}
	bus.SubscribeAll(refresh)

	bus.Subscribe(func(events.Event) {
		m.Assignments.WithLabelValues("assigned").Inc()
	}, events.SessionAssigned)
}

func engineHealthCheck(eng *engine.Engine) health.CheckFunc {
	return func(context.Context) health.CheckResult {
		stats := eng.Stats()
		if stats.QueueLength > 0 && stats.TotalNodes == 0 {
			return health.CheckResult{
				Status:  health.StatusDegraded,
				Message: "clients queued with no stream nodes registered",
			}
		}
		return health.CheckResult{Status: health.StatusHealthy}
	}
}

func controlHealthCheck(srv *control.Server) health.CheckFunc {
	return func(context.Context) health.CheckResult {
		if srv.Addr() == nil {
			return health.CheckResult{
				Status:  health.StatusUnhealthy,
				Message: "control listener not bound",
			}
		}
		return health.CheckResult{Status: health.StatusHealthy}
	}
}

func configHealthCheck(cfg config.Config, production bool) health.CheckFunc {
	return func(context.Context) health.CheckResult {
		if err := cfg.Validate(production); err != nil {
			return health.CheckResult{
				Status:  health.StatusUnhealthy,
				Message: err.Error(),
			}
		}
		return health.CheckResult{Status: health.StatusHealthy}
	}
}
