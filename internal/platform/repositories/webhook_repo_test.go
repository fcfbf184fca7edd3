package repositories

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"carehub/internal/platform/config"
	"carehub/internal/platform/database"
	"carehub/internal/platform/models"
	"carehub/internal/platform/secrets"

	"github.com/DATA-DOG/go-sqlmock"
)

func setupTestDB(t *testing.T) (*sql.DB, *secrets.Box) {
	t.Helper()

	db, err := database.Open(config.DatabaseConfig{URL: ":memory:"})
	if err != nil {
		t.Fatalf("Failed to open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if err := database.Migrate(db); err != nil {
		t.Fatalf("Failed to migrate: %v", err)
	}

	key, _ := secrets.GenerateKey()
	box, err := secrets.NewBox(key)
	if err != nil {
		t.Fatalf("Failed to create box: %v", err)
	}
	return db, box
}

func newEndpoint(orgID string, events ...string) *models.WebhookEndpoint {
	return &models.WebhookEndpoint{
		OrganizationID: orgID,
		Name:           "ops hook",
		URL:            "https://hooks.example.com/in",
		Secret:         "whsec_test",
		EventTypes:     events,
		Headers:        map[string]string{"X-Env": "test"},
		TimeoutSeconds: 30,
		RetryCount:     3,
		CreatedBy:      "user_1",
	}
}

func TestWebhookRepository_CreateAndGet(t *testing.T) {
	db, box := setupTestDB(t)
	repo := NewWebhookRepository(db, box)
	ctx := context.Background()

	ep := newEndpoint("org_1", "member.created", "apikey.created")
	if err := repo.Create(ctx, ep); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if ep.ID == "" || ep.Status != models.EndpointStatusActive {
		t.Fatalf("Create() did not assign id/status: %+v", ep)
	}

	var stored string
	db.QueryRow(`SELECT secret FROM webhook_endpoints WHERE id = ?`, ep.ID).Scan(&stored)
	if stored == "whsec_test" {
		t.Error("secret stored in plaintext")
	}

	got, err := repo.GetByID(ctx, "org_1", ep.ID)
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}
	if got.Secret != "whsec_test" {
		t.Errorf("Secret = %q, want whsec_test", got.Secret)
	}
	if len(got.EventTypes) != 2 || got.Headers["X-Env"] != "test" {
		t.Errorf("unexpected endpoint: %+v", got)
	}
}

func TestWebhookRepository_CrossTenantIsNotFound(t *testing.T) {
	db, box := setupTestDB(t)
	repo := NewWebhookRepository(db, box)
	ctx := context.Background()

	ep := newEndpoint("org_1", "member.created")
	repo.Create(ctx, ep)

	if _, err := repo.GetByID(ctx, "org_2", ep.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetByID() cross tenant error = %v, want ErrNotFound", err)
	}
	if err := repo.SoftDelete(ctx, "org_2", ep.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("SoftDelete() cross tenant error = %v, want ErrNotFound", err)
	}
	ep.OrganizationID = "org_2"
	if err := repo.Update(ctx, ep); !errors.Is(err, ErrNotFound) {
		t.Errorf("Update() cross tenant error = %v, want ErrNotFound", err)
	}
}

func TestWebhookRepository_ListActiveAndSoftDelete(t *testing.T) {
	db, box := setupTestDB(t)
	repo := NewWebhookRepository(db, box)
	ctx := context.Background()

	active := newEndpoint("org_1", "member.created")
	paused := newEndpoint("org_1", "member.created")
	paused.Status = models.EndpointStatusPaused
	deleted := newEndpoint("org_1", "member.created")
	other := newEndpoint("org_2", "member.created")
	for _, ep := range []*models.WebhookEndpoint{active, paused, deleted, other} {
		if err := repo.Create(ctx, ep); err != nil {
			t.Fatalf("Create() error = %v", err)
		}
	}
	if err := repo.SoftDelete(ctx, "org_1", deleted.ID); err != nil {
		t.Fatalf("SoftDelete() error = %v", err)
	}

	list, err := repo.ListActive(ctx, "org_1")
	if err != nil {
		t.Fatalf("ListActive() error = %v", err)
	}
	if len(list) != 1 || list[0].ID != active.ID {
		t.Errorf("ListActive() = %d endpoints, want only %s", len(list), active.ID)
	}

	all, _ := repo.List(ctx, "org_1")
	if len(all) != 2 {
		t.Errorf("List() = %d endpoints, want 2", len(all))
	}

	status, err := repo.GetStatus(ctx, deleted.ID)
	if err != nil || status != models.EndpointStatusInactive {
		t.Errorf("GetStatus(deleted) = %q, %v; want inactive", status, err)
	}
}

func TestWebhookRepository_RecordFailureSuspends(t *testing.T) {
	db, box := setupTestDB(t)
	repo := NewWebhookRepository(db, box)
	ctx := context.Background()

	ep := newEndpoint("org_1", "member.created")
	repo.Create(ctx, ep)
	now := time.Now().Unix()

	for i := 1; i <= 2; i++ {
		count, status, err := repo.RecordFailure(ctx, ep.ID, now, 3)
		if err != nil {
			t.Fatalf("RecordFailure() error = %v", err)
		}
		if count != i || status != models.EndpointStatusActive {
			t.Errorf("after %d failures got count=%d status=%s", i, count, status)
		}
	}

	count, status, _ := repo.RecordFailure(ctx, ep.ID, now, 3)
	if count != 3 || status != models.EndpointStatusFailed {
		t.Errorf("threshold failure got count=%d status=%s, want 3/failed", count, status)
	}

	if err := repo.RecordSuccess(ctx, ep.ID, now); err != nil {
		t.Fatalf("RecordSuccess() error = %v", err)
	}
	got, _ := repo.GetByID(ctx, "org_1", ep.ID)
	if got.FailureCount != 0 || got.LastDeliveryStatus != "success" {
		t.Errorf("after success got %+v", got)
	}
	if got.Status != models.EndpointStatusFailed {
		t.Error("success must not reactivate a suspended endpoint")
	}

	if _, _, err := repo.RecordFailure(ctx, "wh_missing", now, 3); !errors.Is(err, ErrNotFound) {
		t.Errorf("RecordFailure(missing) error = %v, want ErrNotFound", err)
	}
}

func TestWebhookRepository_RecordFailureKeepsPausedStatus(t *testing.T) {
	db, box := setupTestDB(t)
	repo := NewWebhookRepository(db, box)
	ctx := context.Background()

	ep := newEndpoint("org_1", "member.created")
	ep.Status = models.EndpointStatusPaused
	repo.Create(ctx, ep)

	count, status, err := repo.RecordFailure(ctx, ep.ID, time.Now().Unix(), 1)
	if err != nil {
		t.Fatalf("RecordFailure() error = %v", err)
	}
	if count != 1 || status != models.EndpointStatusPaused {
		t.Errorf("got count=%d status=%s, want 1/paused", count, status)
	}
}

func TestWebhookRepository_RecordFailureSQL(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("an error '%s' was not expected when opening a stub database connection", err)
	}
	defer db.Close()

	repo := NewWebhookRepository(db, nil)

	mock.ExpectQuery("UPDATE webhook_endpoints SET failure_count = failure_count \\+ 1(.+)RETURNING failure_count, status").
		WithArgs(int64(100), 10, "wh_1").
		WillReturnRows(sqlmock.NewRows([]string{"failure_count", "status"}).AddRow(10, "failed"))

	count, status, err := repo.RecordFailure(context.Background(), "wh_1", 100, 10)
	if err != nil {
		t.Fatalf("RecordFailure() error = %v", err)
	}
	if count != 10 || status != "failed" {
		t.Errorf("got %d/%s, want 10/failed", count, status)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}
