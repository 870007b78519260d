package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"

	"github.com/ksred/escrow-api/internal/auth"
	"github.com/ksred/escrow-api/internal/custody"
	"github.com/ksred/escrow-api/internal/database"
	"github.com/ksred/escrow-api/internal/dispute"
	"github.com/ksred/escrow-api/internal/escrow"
	"github.com/ksred/escrow-api/internal/events"
	"github.com/ksred/escrow-api/internal/expiry"
	"github.com/ksred/escrow-api/internal/signature"
	"github.com/ksred/escrow-api/pkg/middleware"

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

// main initializes and runs the escrow API server with graceful shutdown
// support. It wires the custody ledger, signature verification, the order
// ledger, the dispute arbiter and the expiry sweeper.
func main() {
	// Initialize database
	db, err := database.NewDatabase()
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to initialize database")
	}

	// Initialize router
	router := gin.Default()

	// Initialize services and handlers
	jwtSecret := envOr("JWT_SECRET", "escrow-secret-key")
	authService := auth.NewService(jwtSecret)
	authHandlers := auth.NewGinHandlers(authService)

	bus := events.NewBus()
	bus.Subscribe(auditListener())

	keyring := signature.NewStaticKeyring()
	verifier := signature.NewVerifier(
		envOr("ESCROW_CONTEXT_ID", "mainnet"),
		envOr("ESCROW_LEDGER_ID", "escrow-v1"),
		keyring,
	)

	custodyLedger := custody.NewLedger(db)

	escrowService := escrow.NewService(db, custodyLedger, verifier, bus, escrow.Options{
		PlatformTreasury:  envOr("PLATFORM_TREASURY", "a3f1c07d5be49c24e8f0d2b6a15c9e8374f60d12"),
		ExecutionDeadline: envDuration("EXECUTION_DEADLINE", escrow.DefaultExecutionDeadline),
	})
	escrowHandlers := escrow.NewGinHandlers(escrowService)

	roster := dispute.NewStaticRoster()
	disputeWindow := envDuration("DISPUTE_WINDOW", dispute.DefaultDisputeWindow)
	disputeService := dispute.NewService(escrowService, roster, dispute.Options{
		DisputeWindow: disputeWindow,
		Quorum:        uint32(envInt("DISPUTE_QUORUM", dispute.DefaultQuorum)),
	})
	disputeHandlers := dispute.NewGinHandlers(disputeService)

	// Create and start the expiry sweeper
	expiryProcessor := expiry.NewProcessor(escrowService, expiry.Options{
		DisputeWindow: disputeWindow,
		SweepInterval: envDuration("SWEEP_INTERVAL", expiry.DefaultSweepInterval),
	})
	expiryHandlers := expiry.NewGinHandlers(expiryProcessor)

	// Register demo participants outside production so the simulator can
	// exercise the full lifecycle
	if os.Getenv("ENV") != "production" {
		seedDemoParticipants(authService, keyring, roster, custodyLedger)
	}

	processorCtx, processorCancel := context.WithCancel(context.Background())
	defer processorCancel()

	go expiryProcessor.Start(processorCtx)

	// Setup middleware
	router.Use(middleware.RateLimit())

	// Setup API routes
	setupRoutes(router, authHandlers, escrowHandlers, disputeHandlers, expiryHandlers)

	// Get port from env otherwise it's 8080
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	// Create server
	srv := &http.Server{
		Addr:    ":" + port,
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

// seedDemoParticipants registers deterministic demo identities: a funded
// client, a performer and referrer with registered signing keys, an ops
// identity for internal endpoints, and the arbiter roster.
func seedDemoParticipants(
	authService *auth.Service,
	keyring *signature.StaticKeyring,
	roster *dispute.StaticRoster,
	ledger *custody.Ledger,
) {
	register := func(label, apiKey, apiSecret string) string {
		pub, _ := signature.DemoKey(label)
		identity := keyring.Register(pub)
		authService.RegisterAPICredentials(apiKey, apiSecret, identity)
		return identity
	}

	client := register("client", auth.DemoClientAPIKey, auth.DemoClientAPISecret)
	register("performer", auth.DemoPerformerAPIKey, auth.DemoPerformerAPISecret)
	register("referrer", auth.DemoReferrerAPIKey, auth.DemoReferrerAPISecret)
	register("ops", auth.DemoOpsAPIKey, auth.DemoOpsAPISecret)

	for i := 1; i <= auth.DemoArbiterCount; i++ {
		label := "arbiter-" + strconv.Itoa(i)
		identity := register(label, auth.DemoArbiterAPIKeyPrefix+strconv.Itoa(i), auth.DemoArbiterAPISecret)
		roster.Add(identity)
	}

	// Top up only once so restarts do not inflate the demo balance.
	if balance, err := ledger.Balance(client); err != nil {
		zlog.Error().Err(err).Msg("failed to read demo client balance")
	} else if balance == 0 {
		if err := ledger.Seed(client, 1_000_000_000); err != nil {
			zlog.Error().Err(err).Msg("failed to seed demo client balance")
		}
	}

	zlog.Info().Str("client", client).Msg("registered demo participants")
}

// auditListener logs every lifecycle event as a structured audit record.
func auditListener() events.Listener {
	return func(e events.Event) {
		zlog.Info().
			Str("event", e.Type()).
			Interface("payload", e).
			Msg("escrow event")
	}
}

// setupRoutes configures all API endpoints and their handlers
// It groups routes by functionality and applies appropriate middleware:
// - Auth routes: Public endpoints for authentication
// - Order routes: Protected by JWT authentication
// - Internal routes: Protected by internal network authentication
func setupRoutes(
	router *gin.Engine,
	authHandlers *auth.GinHandlers,
	escrowHandlers *escrow.GinHandlers,
	disputeHandlers *dispute.GinHandlers,
	expiryHandlers *expiry.GinHandlers,
) {
	v1 := router.Group("/api/v1")
	{
		// Auth routes
		authGroup := v1.Group("/auth")
		{
			authGroup.POST("/token", authHandlers.GenerateTokenHandler())
		}

		// Order routes
		orders := v1.Group("/orders")
		orders.Use(middleware.JWTAuth())
		{
			orders.POST("", escrowHandlers.CreateOrderHandler())
			orders.GET("/:order_id", escrowHandlers.GetOrderHandler())
			orders.POST("/:order_id/confirm", escrowHandlers.ConfirmCompletionHandler())
			orders.POST("/:order_id/dispute", escrowHandlers.OpenDisputeHandler())
			orders.POST("/:order_id/votes", disputeHandlers.CastVoteHandler())
		}

		// Internal routes (should be protected by internal network)
		internal := v1.Group("/internal")
		internal.Use(middleware.InternalAuth())
		{
			internal.POST("/orders/:order_id/finalize", disputeHandlers.FinalizeHandler())
			internal.POST("/sweep", expiryHandlers.SweepHandler())
		}
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
		zlog.Warn().Str("key", key).Str("value", v).Msg("invalid duration, using default")
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
		zlog.Warn().Str("key", key).Str("value", v).Msg("invalid integer, using default")
	}
	return fallback
}
