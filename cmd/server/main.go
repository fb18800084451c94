package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"

	"github.com/ksred/volume-engine/internal/auth"
	"github.com/ksred/volume-engine/internal/config"
	"github.com/ksred/volume-engine/internal/database"
	"github.com/ksred/volume-engine/internal/gateway"
	"github.com/ksred/volume-engine/internal/keys"
	"github.com/ksred/volume-engine/internal/orders"
	"github.com/ksred/volume-engine/internal/scheduler"
	"github.com/ksred/volume-engine/internal/sweep"
	"github.com/ksred/volume-engine/pkg/middleware"

	"github.com/gin-gonic/gin"
)

// init configures the application logging based on environment settings
// In development mode, it enables pretty printing with timestamps
// Debug logging can be enabled via DEBUG environment variable
func init() {
	// Configure pretty logging for development
	if os.Getenv("ENV") != "production" {
		output := zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
		zlog.Logger = zerolog.New(output).With().Timestamp().Logger()
	}

	// Set global log level
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if os.Getenv("DEBUG") == "true" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
}

// main initializes and runs the volume engine API server with graceful
// shutdown support. It wires the key deriver, trading gateway, services,
// background processors, and API routes.
func main() {
	cfg, err := config.Load()
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to load configuration")
	}

	// The deriver validates the master secret; a malformed secret would
	// silently derive garbage addresses, so refuse to start.
	deriver, err := keys.NewDeriver(cfg.MasterSecret)
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to initialize key deriver")
	}

	zlog.Info().
		Str("operations_treasury", deriver.OperationsTreasury().Address()).
		Str("fees_treasury", deriver.FeesTreasury().Address()).
		Msg("Derived treasury addresses")

	db, err := database.NewDatabase(cfg.DBPath)
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to initialize database")
	}

	gw := gateway.NewSimulated()

	// Initialize router
	router := gin.Default()

	// Initialize services and handlers
	authService := auth.NewService(cfg.JWTSecret)
	authHandlers := auth.NewGinHandlers(authService)
	if cfg.Env != "production" {
		// Register dev credentials
		authService.RegisterAPICredentials("dev-api-key", "dev-api-secret")
	}

	orderService := orders.NewService(db, deriver, cfg)
	orderHandlers := orders.NewGinHandlers(orderService)

	sweepService := sweep.NewService(db, gw, deriver, cfg)
	sweepHandlers := sweep.NewGinHandlers(sweepService)

	schedulerService := scheduler.NewService(db, gw, deriver, cfg)
	schedulerHandlers := scheduler.NewGinHandlers(schedulerService)

	// Create and start background processors
	processorCtx, processorCancel := context.WithCancel(context.Background())
	defer processorCancel()

	go sweep.NewProcessor(sweepService, cfg.SweepInterval).Start(processorCtx)
	go scheduler.NewProcessor(schedulerService, cfg.ScheduleInterval).Start(processorCtx)
	go expireDrafts(processorCtx, orderService, cfg.DraftTTL)

	// Setup middleware
	router.Use(middleware.RateLimit())

	// Setup API routes
	setupRoutes(router, cfg, authHandlers, orderHandlers, sweepHandlers, schedulerHandlers)

	// Create server
	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	// Graceful shutdown setup
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zlog.Fatal().Err(err).Msg("listen")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	zlog.Info().Msg("Shutting down server...")

	// Give outstanding operations 5 seconds to complete
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		zlog.Fatal().Err(err).Msg("Server forced to shutdown")
	}

	zlog.Info().Msg("Server exiting")
}

// expireDrafts sweeps abandoned draft orders on a fixed cadence so that
// stale payment addresses never get resurfaced to users.
func expireDrafts(ctx context.Context, service *orders.Service, ttl time.Duration) {
	ticker := time.NewTicker(ttl / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			expired, err := service.ExpireStaleDrafts()
			if err != nil {
				zlog.Error().Err(err).Msg("Failed to expire stale drafts")
			} else if expired > 0 {
				zlog.Info().Int("expired", expired).Msg("Expired stale draft orders")
			}
		}
	}
}

// setupRoutes configures all API endpoints and their handlers
// It groups routes by functionality and applies appropriate middleware:
// - Auth routes: Public endpoints for authentication
// - Order routes: Protected by JWT authentication
// - Internal routes: Protected by internal network authentication
func setupRoutes(
	router *gin.Engine,
	cfg *config.Config,
	authHandlers *auth.GinHandlers,
	orderHandlers *orders.GinHandlers,
	sweepHandlers *sweep.GinHandlers,
	schedulerHandlers *scheduler.GinHandlers,
) {
	v1 := router.Group("/api/v1")
	{
		// Auth routes
		auth := v1.Group("/auth")
		{
			auth.POST("/token", authHandlers.GenerateTokenHandler())
		}

		// Order routes
		ordersGroup := v1.Group("/orders")
		ordersGroup.Use(middleware.JWTAuth(cfg.JWTSecret))
		{
			ordersGroup.POST("/quote", orderHandlers.QuoteHandler())
			ordersGroup.POST("", orderHandlers.CreateDraftHandler())
			ordersGroup.GET("/:order_id", orderHandlers.GetOrderHandler())
			ordersGroup.GET("/:order_id/tasks", orderHandlers.GetOrderTasksHandler())
			ordersGroup.DELETE("/:order_id", orderHandlers.CancelOrderHandler())
		}

		// Internal routes (should be protected by internal network)
		internal := v1.Group("/internal")
		internal.Use(middleware.InternalAuth(cfg.JWTSecret))
		{
			internal.POST("/orders/:order_id/payment", orderHandlers.ConfirmPaymentHandler())
			internal.POST("/sweep/run", sweepHandlers.RunPassHandler())
			internal.POST("/scheduler/run", schedulerHandlers.RunPassHandler())
		}
	}
}
