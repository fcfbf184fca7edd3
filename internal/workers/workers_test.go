package workers

import (
	"context"
	"testing"
	"time"

	"carehub/internal/engine/webhooks"
	"carehub/internal/platform/config"
	"carehub/internal/platform/database"
	"carehub/internal/platform/repositories"
	"carehub/internal/platform/secrets"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newPipeline(t *testing.T) (*webhooks.Dispatcher, *webhooks.RetrySweeper) {
	t.Helper()
	db, err := database.Open(config.DatabaseConfig{URL: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, database.Migrate(db))

	key, _ := secrets.GenerateKey()
	box, err := secrets.NewBox(key)
	require.NoError(t, err)

	endpoints := repositories.NewWebhookRepository(db, box)
	deliveries := repositories.NewWebhookDeliveryRepository(db, box)
	registry := webhooks.NewRegistry(endpoints, deliveries, webhooks.RegistryOptions{})
	dispatcher := webhooks.NewDispatcher(registry, repositories.NewWebhookEventRepository(db), deliveries,
		webhooks.NewExecutor(nil, "", 0), webhooks.NewHealthTracker(endpoints, 0, nil), webhooks.DispatcherOptions{})
	return dispatcher, webhooks.NewRetrySweeper(deliveries, endpoints, dispatcher, 0, nil)
}

func TestJobs_RunOnEmptyStore(t *testing.T) {
	dispatcher, sweeper := newPipeline(t)
	ctx := context.Background()

	assert.NoError(t, RetryFailedWebhooks(ctx, sweeper))
	assert.NoError(t, SweepUnprocessedEvents(ctx, dispatcher, time.Minute))
}

func TestNewScheduler(t *testing.T) {
	dispatcher, sweeper := newPipeline(t)

	s, err := NewScheduler(config.WebhooksConfig{RetrySchedule: "@every 1m", SweepSchedule: "@every 5m"}, sweeper, dispatcher)
	require.NoError(t, err)
	s.Start()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s.Stop(ctx)

	_, err = NewScheduler(config.WebhooksConfig{RetrySchedule: "not a schedule", SweepSchedule: "@every 5m"}, sweeper, dispatcher)
	assert.Error(t, err)
	_, err = NewScheduler(config.WebhooksConfig{RetrySchedule: "@every 1m", SweepSchedule: "61 * * * *"}, sweeper, dispatcher)
	assert.Error(t, err)
}
