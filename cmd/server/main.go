package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"carehub/internal/api"
	"carehub/internal/api/handlers"
	"carehub/internal/api/middleware"
	"carehub/internal/engine/webhooks"
	"carehub/internal/platform/audit"
	"carehub/internal/platform/auth"
	"carehub/internal/platform/config"
	"carehub/internal/platform/database"
	"carehub/internal/platform/metrics"
	"carehub/internal/platform/repositories"
	"carehub/internal/platform/secrets"
	"carehub/internal/pkg/logger"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
	flag "github.com/spf13/pflag"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load config")
	}

	logger.Init(cfg.Logging)

	db, err := database.Open(cfg.Database)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open database")
	}
	defer db.Close()

	if err := database.Migrate(db); err != nil {
		log.Fatal().Err(err).Msg("Failed to migrate database")
	}

	box, err := secrets.NewBox(cfg.Webhooks.SecretKey)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid webhooks.secret_key")
	}

	// Repositories
	endpointRepo := repositories.NewWebhookRepository(db, box)
	eventRepo := repositories.NewWebhookEventRepository(db)
	deliveryRepo := repositories.NewWebhookDeliveryRepository(db, box)

	// Webhook pipeline
	webhookMetrics := metrics.NewWebhooks(prometheus.DefaultRegisterer)
	registry := webhooks.NewRegistry(endpointRepo, deliveryRepo, webhooks.RegistryOptions{
		DefaultTimeoutSeconds: cfg.Webhooks.DefaultTimeoutSeconds,
		DefaultRetryCount:     cfg.Webhooks.DefaultRetryCount,
		AllowPrivateTargets:   cfg.Webhooks.AllowPrivateTargets,
	})
	executor := webhooks.NewExecutor(webhooks.NewHTTPClient(cfg.Webhooks.AllowPrivateTargets), cfg.Webhooks.UserAgent, cfg.Webhooks.MaxResponseBody)
	health := webhooks.NewHealthTracker(endpointRepo, cfg.Webhooks.FailureThreshold, webhookMetrics)
	dispatcher := webhooks.NewDispatcher(registry, eventRepo, deliveryRepo, executor, health, webhooks.DispatcherOptions{
		MaxConcurrency: cfg.Webhooks.MaxConcurrency,
		Metrics:        webhookMetrics,
	})
	auditLogger := audit.NewLogger(db, dispatcher)

	// Services
	tokenSvc := auth.NewTokenService(cfg.JWT)

	// Middleware
	rateLimiter := middleware.NewRateLimiter(cfg.RateLimit)

	router := api.NewRouter(&api.Dependencies{
		WebhookHandler:   handlers.NewWebhookHandler(registry, auditLogger),
		AuditHandler:     handlers.NewAuditHandler(auditLogger),
		HealthHandler:    handlers.NewHealthHandler(db),
		MetricsHandler:   handlers.NewMetricsHandler(prometheus.DefaultGatherer),
		AuthMiddleware:   middleware.NewAuthMiddleware(tokenSvc),
		TenantMiddleware: middleware.NewTenantMiddleware(),
		RateLimiter:      rateLimiter,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				rateLimiter.Cleanup(10 * time.Minute)
			}
		}
	}()

	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		log.Info().Str("addr", srv.Addr).Msg("Server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("Server failed")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server shutdown failed")
	}

	// in-flight fan-outs finish before the database closes
	dispatcher.Wait()
	log.Info().Msg("Server stopped")
}
