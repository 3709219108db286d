package main

import (
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/slack-go/slack"
	"gorm.io/gorm/logger"

	"github.com/medic-monitor/medic/internal/alerting"
	"github.com/medic-monitor/medic/internal/breaker"
	"github.com/medic-monitor/medic/internal/config"
	"github.com/medic-monitor/medic/internal/database"
	"github.com/medic-monitor/medic/internal/handlers"
	"github.com/medic-monitor/medic/internal/jobs"
	"github.com/medic-monitor/medic/internal/middleware"
	"github.com/medic-monitor/medic/internal/notify"
	"github.com/medic-monitor/medic/internal/playbook"
	"github.com/medic-monitor/medic/internal/ratelimit"
	"github.com/medic-monitor/medic/internal/snapshot"
)

func main() {
	// Load .env file if it exists (ignore error if file doesn't exist)
	if err := godotenv.Load(); err != nil {
		log.Printf("No .env file found or error loading it (this is fine if using environment variables): %v", err)
	}

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	log.Printf("Starting Medic heartbeat monitor...")

	// Initialize JWT authentication middleware
	if cfg.AdminPassword == "" {
		log.Fatalf("ADMIN_PASSWORD is not set")
	}
	passwordHash, err := middleware.HashPassword(cfg.AdminPassword)
	if err != nil {
		log.Fatalf("Failed to hash admin password: %v", err)
	}

	jwtAuthMiddleware := middleware.NewJWTAuthMiddleware(&middleware.JWTAuthConfig{
		AdminUsername:     cfg.AdminUsername,
		AdminPasswordHash: passwordHash,
		JWTSecret:         cfg.JWTSecret,
		JWTExpiryHours:    cfg.JWTExpiryHours,
		SkipPaths: []string{
			"/health",
			"/auth/login",
			"/v2/heartbeat/*",
			"/webhook/*",
		},
	})
	log.Printf("JWT authentication enabled for user: %s", cfg.AdminUsername)

	// Initialize database connection. The store being unreachable at
	// startup is fatal; everything downstream depends on it.
	if err := database.Connect(cfg.DatabaseURL, logger.Warn); err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	log.Printf("Database connection established")

	if err := database.AutoMigrate(); err != nil {
		log.Fatalf("Failed to run database migrations: %v", err)
	}
	db := database.GetDB()

	// Rate limiters: one budget for heartbeat ingestion, one for outbound
	// notifications. "auto" probes the shared backend and degrades to the
	// in-process counter.
	heartbeatLimiter, err := ratelimit.New(cfg.RateLimiterBackend, cfg.RedisURL,
		cfg.HeartbeatRatePerMinute, time.Minute)
	if err != nil {
		log.Fatalf("Failed to initialize heartbeat rate limiter: %v", err)
	}
	log.Printf("Heartbeat rate limiter backend: %s (%d/min)", heartbeatLimiter.Backend(), cfg.HeartbeatRatePerMinute)

	notifyLimiter, err := ratelimit.New(cfg.RateLimiterBackend, cfg.RedisURL,
		cfg.NotifyRatePerMinute, time.Minute)
	if err != nil {
		log.Fatalf("Failed to initialize notification rate limiter: %v", err)
	}

	// Circuit breaker for alert-open notification storms
	circuitBreaker := breaker.New(cfg.BreakerThreshold,
		time.Duration(cfg.BreakerWindowMinutes)*time.Minute,
		time.Duration(cfg.BreakerCooldownMinutes)*time.Minute)

	// Notification channels
	var pager notify.Pager
	if cfg.PagerRoutingKey != "" {
		pager = notify.NewPagerDutyClient(cfg.PagerRoutingKey, cfg.PagerEventsURL)
		log.Printf("Pager notifications enabled")
	} else {
		log.Printf("Pager notifications disabled (PAGER_ROUTING_KEY not set)")
	}

	var chat notify.Chat
	var slackNotifier *notify.SlackNotifier
	if cfg.SlackBotToken != "" && cfg.SlackAlertsChannel != "" {
		slackNotifier = notify.NewSlackNotifier(slack.New(cfg.SlackBotToken), cfg.SlackAlertsChannel)
		chat = slackNotifier
		log.Printf("Slack notifications enabled for channel %s", cfg.SlackAlertsChannel)
	} else {
		log.Printf("Slack notifications disabled (configure SLACK_BOT_TOKEN and SLACK_ALERTS_CHANNEL)")
	}

	dispatcher := notify.NewDispatcher(pager, chat, circuitBreaker, notifyLimiter)

	// Playbook engine: runner, approval workflow, trigger matching
	runner := playbook.NewRunner(db, cfg.WebhookAllowedHosts)
	var prompter playbook.Prompter
	if slackNotifier != nil {
		prompter = slackNotifier
	}
	approvals := playbook.NewApprovalService(db, runner, prompter)
	approvals.DefaultTimeoutMinutes = cfg.ApprovalExpiryMinutes
	engine := playbook.NewEngine(db, runner, approvals)
	log.Printf("Playbook engine initialized (%d allowlisted webhook hosts)", len(cfg.WebhookAllowedHosts))

	// Alert lifecycle and snapshot-guarded mutations
	manager := alerting.NewManager(db, dispatcher, engine)
	snapshots := snapshot.NewService(db)

	// Worker loop
	detector := jobs.NewStalenessDetector(db, manager, snapshots, approvals, cfg.AutoUnmuteHours)
	stopDetector := make(chan struct{})
	go detector.Start(time.Duration(cfg.WorkerIntervalSeconds)*time.Second, stopDetector)
	log.Printf("Staleness detector started (tick every %ds)", cfg.WorkerIntervalSeconds)

	// HTTP surface
	httpHandler := handlers.NewHTTPHandler(db, manager, heartbeatLimiter)
	apiHandler := handlers.NewAPIHandler(snapshots, approvals)
	playbookHandler := handlers.NewPlaybookHandler(db)
	authHandler := handlers.NewAuthHandler(jwtAuthMiddleware)
	webhookHandler := handlers.NewWebhookHandler(approvals, cfg.ApprovalSigningSecret)

	mux := http.NewServeMux()
	httpHandler.SetupRoutes(mux)
	apiHandler.SetupRoutes(mux)
	playbookHandler.SetupRoutes(mux)
	authHandler.SetupRoutes(mux)
	webhookHandler.SetupRoutes(mux)
	if cfg.SlackSigningSecret != "" {
		slackHandler := handlers.NewSlackHandler(approvals, cfg.SlackSigningSecret)
		slackHandler.SetupRoutes(mux)
	}

	corsMiddleware := middleware.NewCORSMiddleware()
	handler := middleware.RequestIDMiddleware(corsMiddleware.Wrap(jwtAuthMiddleware.Wrap(mux)))

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler: handler,
	}

	go func() {
		log.Printf("Starting HTTP server on port %d", cfg.HTTPPort)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("HTTP server error: %v", err)
		}
	}()

	// Graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Println("Received shutdown signal, cleaning up...")
	close(stopDetector)
	if err := httpServer.Close(); err != nil {
		log.Printf("Error shutting down HTTP server: %v", err)
	}
	if err := database.Close(); err != nil {
		log.Printf("Error closing database: %v", err)
	}
	log.Println("Shutdown complete")
}
