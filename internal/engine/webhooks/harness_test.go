package webhooks

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"carehub/internal/platform/config"
	"carehub/internal/platform/database"
	"carehub/internal/platform/metrics"
	"carehub/internal/platform/models"
	"carehub/internal/platform/repositories"
	"carehub/internal/platform/secrets"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type harness struct {
	endpoints  *repositories.WebhookRepository
	events     *repositories.WebhookEventRepository
	deliveries *repositories.WebhookDeliveryRepository
	registry   *Registry
	dispatcher *Dispatcher
	sweeper    *RetrySweeper
	metrics    *metrics.Webhooks
	clock      *fakeClock
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	db, err := database.Open(config.DatabaseConfig{URL: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, database.Migrate(db))

	key, err := secrets.GenerateKey()
	require.NoError(t, err)
	box, err := secrets.NewBox(key)
	require.NoError(t, err)

	h := &harness{
		endpoints:  repositories.NewWebhookRepository(db, box),
		events:     repositories.NewWebhookEventRepository(db),
		deliveries: repositories.NewWebhookDeliveryRepository(db, box),
		metrics:    metrics.NewWebhooks(prometheus.NewRegistry()),
		clock:      &fakeClock{now: time.Now()},
	}
	h.registry = NewRegistry(h.endpoints, h.deliveries, RegistryOptions{
		DefaultTimeoutSeconds: 30,
		DefaultRetryCount:     3,
		AllowPrivateTargets:   true,
	})
	health := NewHealthTracker(h.endpoints, DefaultFailureThreshold, h.metrics)
	executor := NewExecutor(NewHTTPClient(true), "CareHub-Webhooks/test", 1000)
	h.dispatcher = NewDispatcher(h.registry, h.events, h.deliveries, executor, health, DispatcherOptions{
		MaxConcurrency: 4,
		Metrics:        h.metrics,
	})
	h.dispatcher.now = h.clock.Now
	h.sweeper = NewRetrySweeper(h.deliveries, h.endpoints, h.dispatcher, 10, h.metrics)
	h.sweeper.now = h.clock.Now
	return h
}

func (h *harness) createEndpoint(t *testing.T, orgID, url string, mutate func(*CreateEndpointInput), events ...string) (*models.WebhookEndpoint, string) {
	t.Helper()
	in := CreateEndpointInput{
		OrganizationID: orgID,
		Name:           "receiver",
		URL:            url,
		EventTypes:     events,
		CreatedBy:      "user_1",
	}
	if mutate != nil {
		mutate(&in)
	}
	ep, secret, err := h.registry.Create(context.Background(), in)
	require.NoError(t, err)
	return ep, secret
}

// receiver is an httptest server answering with a fixed status and recording
// every request body.
type receiver struct {
	*httptest.Server
	calls  atomic.Int32
	mu     sync.Mutex
	bodies [][]byte
	sigs   []string
}

func newReceiver(t *testing.T, status int) *receiver {
	t.Helper()
	rc := &receiver{}
	rc.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rc.calls.Add(1)
		body, _ := io.ReadAll(r.Body)
		rc.mu.Lock()
		rc.bodies = append(rc.bodies, body)
		rc.sigs = append(rc.sigs, r.Header.Get(HeaderSignature))
		rc.mu.Unlock()
		w.WriteHeader(status)
	}))
	t.Cleanup(rc.Close)
	return rc
}

func intPtr(v int) *int { return &v }

func strPtr(v string) *string { return &v }
