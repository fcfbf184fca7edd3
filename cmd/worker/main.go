package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"carehub/internal/engine/webhooks"
	"carehub/internal/platform/config"
	"carehub/internal/platform/database"
	"carehub/internal/platform/metrics"
	"carehub/internal/platform/repositories"
	"carehub/internal/platform/secrets"
	"carehub/internal/pkg/logger"
	"carehub/internal/workers"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	flag "github.com/spf13/pflag"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "Path to config file")
	runOnce := flag.Bool("run-once", false, "Run each job once and exit")
	metricsAddr := flag.String("metrics-addr", "", "Address to serve /metrics on (disabled when empty)")
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

	endpointRepo := repositories.NewWebhookRepository(db, box)
	deliveryRepo := repositories.NewWebhookDeliveryRepository(db, box)

	webhookMetrics := metrics.NewWebhooks(prometheus.DefaultRegisterer)
	registry := webhooks.NewRegistry(endpointRepo, deliveryRepo, webhooks.RegistryOptions{
		DefaultTimeoutSeconds: cfg.Webhooks.DefaultTimeoutSeconds,
		DefaultRetryCount:     cfg.Webhooks.DefaultRetryCount,
		AllowPrivateTargets:   cfg.Webhooks.AllowPrivateTargets,
	})
	dispatcher := webhooks.NewDispatcher(registry, repositories.NewWebhookEventRepository(db), deliveryRepo,
		webhooks.NewExecutor(webhooks.NewHTTPClient(cfg.Webhooks.AllowPrivateTargets), cfg.Webhooks.UserAgent, cfg.Webhooks.MaxResponseBody),
		webhooks.NewHealthTracker(endpointRepo, cfg.Webhooks.FailureThreshold, webhookMetrics),
		webhooks.DispatcherOptions{MaxConcurrency: cfg.Webhooks.MaxConcurrency, Metrics: webhookMetrics})
	sweeper := webhooks.NewRetrySweeper(deliveryRepo, endpointRepo, dispatcher, cfg.Webhooks.RetryBatchSize, webhookMetrics)

	if *runOnce {
		ctx := context.Background()
		if err := workers.RetryFailedWebhooks(ctx, sweeper); err != nil {
			log.Fatal().Err(err).Msg("Webhook retry sweep failed")
		}
		if err := workers.SweepUnprocessedEvents(ctx, dispatcher, cfg.Webhooks.UnprocessedGrace); err != nil {
			log.Fatal().Err(err).Msg("Unprocessed webhook event sweep failed")
		}
		dispatcher.Wait()
		return
	}

	if *metricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			log.Info().Str("addr", *metricsAddr).Msg("Serving worker metrics")
			if err := http.ListenAndServe(*metricsAddr, mux); err != nil {
				log.Error().Err(err).Msg("Metrics server failed")
			}
		}()
	}

	scheduler, err := workers.NewScheduler(cfg.Webhooks, sweeper, dispatcher)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to schedule jobs")
	}

	log.Info().
		Str("retry_schedule", cfg.Webhooks.RetrySchedule).
		Str("sweep_schedule", cfg.Webhooks.SweepSchedule).
		Msg("Starting CareHub webhook worker")
	scheduler.Start()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	log.Info().Msg("Shutting down worker")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	scheduler.Stop(ctx)
	dispatcher.Wait()
}
