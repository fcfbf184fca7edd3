package workers

import (
	"context"
	"fmt"
	"time"

	"carehub/internal/engine/webhooks"
	"carehub/internal/platform/config"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
)

const unprocessedBatchSize = 100

// RetryFailedWebhooks runs one retry sweep.
func RetryFailedWebhooks(ctx context.Context, sweeper *webhooks.RetrySweeper) error {
	res, err := sweeper.Sweep(ctx)
	if err != nil {
		return err
	}
	if res.Due > 0 || res.Reaped > 0 {
		log.Info().
			Int("reaped", res.Reaped).
			Int("due", res.Due).
			Int("claimed", res.Claimed).
			Int("dispatched", res.Dispatched).
			Int("dropped", res.Dropped).
			Msg("Webhook retry sweep finished")
	}
	return nil
}

// SweepUnprocessedEvents re-fans events whose first fan-out never completed.
func SweepUnprocessedEvents(ctx context.Context, dispatcher *webhooks.Dispatcher, grace time.Duration) error {
	n, err := dispatcher.SweepUnprocessed(ctx, grace, unprocessedBatchSize)
	if err != nil {
		return err
	}
	if n > 0 {
		log.Warn().Int("events", n).Msg("Re-dispatched unprocessed webhook events")
	}
	return nil
}

// Scheduler runs the webhook jobs on their cron schedules. A job still running
// when its next tick fires is skipped.
type Scheduler struct {
	cron   *cron.Cron
	ctx    context.Context
	cancel context.CancelFunc
}

func NewScheduler(cfg config.WebhooksConfig, sweeper *webhooks.RetrySweeper, dispatcher *webhooks.Dispatcher) (*Scheduler, error) {
	ctx, cancel := context.WithCancel(context.Background())
	logger := cronLogger{}
	s := &Scheduler{
		cron:   cron.New(cron.WithLogger(logger), cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger))),
		ctx:    ctx,
		cancel: cancel,
	}

	if _, err := s.cron.AddFunc(cfg.RetrySchedule, func() {
		if err := RetryFailedWebhooks(s.ctx, sweeper); err != nil {
			log.Error().Err(err).Msg("Webhook retry sweep failed")
		}
	}); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to schedule webhook retries: %w", err)
	}

	if _, err := s.cron.AddFunc(cfg.SweepSchedule, func() {
		if err := SweepUnprocessedEvents(s.ctx, dispatcher, cfg.UnprocessedGrace); err != nil {
			log.Error().Err(err).Msg("Unprocessed webhook event sweep failed")
		}
	}); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to schedule unprocessed event sweep: %w", err)
	}

	return s, nil
}

func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop stops scheduling and cancels running jobs, waiting at most until ctx
// is done for them to return.
func (s *Scheduler) Stop(ctx context.Context) {
	done := s.cron.Stop()
	s.cancel()
	select {
	case <-done.Done():
	case <-ctx.Done():
		log.Warn().Msg("Timed out waiting for webhook jobs to stop")
	}
}

// cronLogger routes cron's own logging to zerolog.
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...interface{}) {
	log.Debug().Fields(keysAndValues).Msg("cron: " + msg)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	log.Error().Err(err).Fields(keysAndValues).Msg("cron: " + msg)
}
