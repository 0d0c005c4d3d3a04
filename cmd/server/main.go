package main

import (
	"context"
	"errors"
	"io"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"gopkg.in/natefinch/lumberjack.v2"
	"pkt.systems/psi"
	"pkt.systems/pslog"

	"github.com/gurungabit/iast/broker"
	"github.com/gurungabit/iast/internal/api/handlers"
	"github.com/gurungabit/iast/internal/api/middleware"
	"github.com/gurungabit/iast/internal/auth"
	"github.com/gurungabit/iast/internal/config"
	"github.com/gurungabit/iast/internal/database"
	"github.com/gurungabit/iast/internal/hostsim"
	"github.com/gurungabit/iast/internal/models"
	"github.com/gurungabit/iast/internal/relay"
)

func main() {
	psi.Run(submain)
}

func submain(ctx context.Context) int {
	cfg, err := config.Load(config.Overrides{})
	if err != nil {
		pslog.Ctx(ctx).With("err", err).Error("failed to load config")
		return 1
	}

	logger := newLogger(cfg)
	ctx = pslog.ContextWithLogger(ctx, logger)
	log.SetOutput(pslog.LogLogger(logger).Writer())
	log.SetFlags(0)

	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	logger.Info("opening database", "path", cfg.DatabasePath)
	db, err := database.Open(cfg.DatabasePath)
	if err != nil {
		logger.With("err", err).Error("failed to open database")
		return 1
	}
	defer db.Close()

	manager, err := auth.NewManager(cfg.MasterSecret)
	if err != nil {
		logger.With("err", err).Error("failed to initialize token manager")
		return 1
	}

	var bus broker.Broker
	if cfg.RedisAddr != "" {
		logger.Info("using redis broker", "addr", cfg.RedisAddr)
		bus = broker.NewRedis(cfg.RedisAddr, logger)
	} else {
		logger.Info("using in-process broker")
		bus = broker.NewMemory(logger)
	}
	defer bus.Close()

	rly, err := relay.New(relay.Config{
		Broker:             bus,
		Verifier:           manager,
		Directory:          models.New(db.DB),
		MaxSessionsPerUser: cfg.MaxSessionsPerUser,
		Logger:             logger,
	})
	if err != nil {
		logger.With("err", err).Error("failed to initialize relay")
		return 1
	}
	if err := rly.Start(ctx); err != nil {
		logger.With("err", err).Error("failed to start relay")
		return 1
	}
	defer rly.Close()

	// Single-binary dev setup: run the host simulator on the in-process
	// broker so a terminal works without Redis or a separate backend.
	if v := os.Getenv("IAST_EMBED_HOSTSIM"); v == "1" || v == "true" {
		sim, err := hostsim.New(hostsim.Config{
			Broker:       bus,
			MasterSecret: cfg.MasterSecret,
			Logger:       logger,
		})
		if err != nil {
			logger.With("err", err).Error("failed to initialize embedded host simulator")
			return 1
		}
		if err := sim.Start(ctx); err != nil {
			logger.With("err", err).Error("failed to start embedded host simulator")
			return 1
		}
		defer sim.Close()
		logger.Info("embedded host simulator enabled")
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"*"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
	}))
	router.Use(middleware.LoggingMiddleware(logger))

	// Plain text for client validation.
	router.GET("/", func(c *gin.Context) {
		c.String(http.StatusOK, "iast server")
	})

	authHandler := handlers.NewAuthHandler(cfg.AccessKeys, manager)
	sessionHandler := handlers.NewSessionHandler(db.DB)
	executionHandler := handlers.NewExecutionHandler(db.DB)

	v1 := router.Group("/v1")
	{
		v1.POST("/auth", authHandler.PostAuth)
	}

	protected := v1.Group("")
	protected.Use(middleware.AuthMiddleware(manager))
	{
		protected.GET("/sessions", sessionHandler.ListSessions)
		protected.POST("/sessions", sessionHandler.CreateSession)
		protected.GET("/sessions/:id", sessionHandler.GetSession)
		protected.PATCH("/sessions/:id", sessionHandler.RenameSession)
		protected.DELETE("/sessions/:id", sessionHandler.DeleteSession)

		protected.GET("/sessions/:id/execution", executionHandler.GetSessionExecution)
		protected.POST("/sessions/:id/execution", executionHandler.ReportExecution)
		protected.POST("/sessions/:id/execution/items", executionHandler.ReportExecutionItem)
	}

	// The socket authenticates after the upgrade so clients observe a close
	// code instead of a bare HTTP error.
	router.GET("/v1/socket", rly.HandleSocket)

	srv := &http.Server{Addr: cfg.Addr, Handler: router}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	logger.Info("iast server listening", "addr", cfg.Addr)

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.With("err", err).Error("http server failed")
			return 1
		}
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.With("err", err).Warn("http shutdown incomplete")
	}
	return 0
}

// newLogger builds the process logger: console on stderr, and when
// IAST_LOG_FILE is set a rotated structured copy next to it.
func newLogger(cfg *config.Config) pslog.Logger {
	opts := pslog.Options{Mode: pslog.ModeConsole}
	if cfg.Debug {
		opts.MinLevel = pslog.DebugLevel
	}
	if cfg.LogFile == "" {
		return pslog.LoggerFromEnv(
			pslog.WithEnvWriter(os.Stderr),
			pslog.WithEnvOptions(opts),
		)
	}
	rotated := &lumberjack.Logger{
		Filename:   cfg.LogFile,
		MaxSize:    10,
		MaxBackups: 3,
	}
	opts.Mode = pslog.ModeStructured
	opts.NoColor = true
	return pslog.NewWithOptions(io.MultiWriter(os.Stderr, rotated), opts)
}
