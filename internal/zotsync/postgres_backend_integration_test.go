package zotsync

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"strings"
	"testing"
	"time"
)

func postgresIntegrationDSN(t *testing.T) string {
	t.Helper()
	dsn := strings.TrimSpace(os.Getenv("ZOTSYNC_TEST_POSTGRES_DSN"))
	if dsn == "" {
		t.Skip("set ZOTSYNC_TEST_POSTGRES_DSN to run Postgres integration tests")
	}
	return dsn
}

func postgresIntegrationBackend(t *testing.T) *PostgresBackend {
	t.Helper()
	dsn := postgresIntegrationDSN(t)
	backend, err := NewPostgresBackend(dsn)
	if err != nil {
		t.Fatalf("new postgres backend: %v", err)
	}
	if err := backend.ensureReady(); err != nil {
		t.Fatalf("ensure ready: %v", err)
	}
	t.Cleanup(func() {
		postgresIntegrationTruncate(t, backend.db)
		_ = backend.Close()
	})
	postgresIntegrationTruncate(t, backend.db)
	return backend
}

func postgresIntegrationTruncate(t *testing.T, db *sql.DB) {
	t.Helper()
	for _, table := range []string{
		"zotero_sync_jobs", "zotero_sync_conflicts", "zotero_library_items",
		"zotero_annotations", "zotero_connections", "zotero_webhook_endpoints",
		"zotero_webhook_events",
	} {
		if _, err := db.Exec("TRUNCATE TABLE " + table); err != nil {
			t.Fatalf("truncate %s: %v", table, err)
		}
	}
}

func TestPostgresIntegrationJobRoundTrip(t *testing.T) {
	backend := postgresIntegrationBackend(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	job := &SyncJob{
		ID:           "job-pg-1",
		ConnectionID: "conn-1",
		JobType:      JobTypeFullSync,
		Priority:     3,
		Status:       JobStatusQueued,
		ScheduledAt:  now,
		MaxRetries:   3,
		Metadata:     map[string]any{"reason": "initial import"},
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := backend.InsertJob(ctx, job); err != nil {
		t.Fatalf("InsertJob: %v", err)
	}

	got, err := backend.GetJob(ctx, "job-pg-1")
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.JobType != JobTypeFullSync || got.Priority != 3 {
		t.Fatalf("round trip = %+v", got)
	}
	if got.Metadata["reason"] != "initial import" {
		t.Fatalf("metadata = %#v", got.Metadata)
	}

	got.Status = JobStatusFailed
	got.ErrorMessage = "remote rejected"
	got.ErrorDetails = append(got.ErrorDetails, JobError{Error: "remote rejected", Timestamp: now, RetryDelay: 60})
	got.UpdatedAt = now.Add(time.Minute)
	if err := backend.UpdateJob(ctx, got); err != nil {
		t.Fatalf("UpdateJob: %v", err)
	}
	got, err = backend.GetJob(ctx, "job-pg-1")
	if err != nil {
		t.Fatalf("GetJob after update: %v", err)
	}
	if got.Status != JobStatusFailed || len(got.ErrorDetails) != 1 {
		t.Fatalf("updated job = %+v", got)
	}

	if _, err := backend.GetJob(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestPostgresIntegrationActiveJobIndex(t *testing.T) {
	backend := postgresIntegrationBackend(t)
	ctx := context.Background()
	now := time.Now().UTC()

	first := &SyncJob{
		ID: "job-pg-a", ConnectionID: "conn-1", JobType: JobTypeIncrementalSync,
		Priority: 5, Status: JobStatusQueued, ScheduledAt: now,
		MaxRetries: 3, CreatedAt: now, UpdatedAt: now,
	}
	if err := backend.InsertJob(ctx, first); err != nil {
		t.Fatalf("InsertJob: %v", err)
	}
	second := &SyncJob{
		ID: "job-pg-b", ConnectionID: "conn-1", JobType: JobTypeIncrementalSync,
		Priority: 5, Status: JobStatusQueued, ScheduledAt: now,
		MaxRetries: 3, CreatedAt: now, UpdatedAt: now,
	}
	if err := backend.InsertJob(ctx, second); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState from partial unique index, got %v", err)
	}

	first.Status = JobStatusCompleted
	first.UpdatedAt = now
	if err := backend.UpdateJob(ctx, first); err != nil {
		t.Fatalf("UpdateJob: %v", err)
	}
	if err := backend.InsertJob(ctx, second); err != nil {
		t.Fatalf("insert after terminal: %v", err)
	}
}

func TestPostgresIntegrationClaimDueJobs(t *testing.T) {
	backend := postgresIntegrationBackend(t)
	ctx := context.Background()
	now := time.Now().UTC()

	for i, spec := range []struct {
		id       string
		priority int
		offset   time.Duration
	}{
		{"job-due-low", 8, -time.Hour},
		{"job-due-high", 1, -time.Minute},
		{"job-future", 1, time.Hour},
	} {
		job := &SyncJob{
			ID: spec.id, ConnectionID: "conn-claim-" + string(rune('a'+i)), JobType: JobTypeFullSync,
			Priority: spec.priority, Status: JobStatusQueued, ScheduledAt: now.Add(spec.offset),
			MaxRetries: 3, CreatedAt: now, UpdatedAt: now,
		}
		if err := backend.InsertJob(ctx, job); err != nil {
			t.Fatalf("InsertJob(%s): %v", spec.id, err)
		}
	}

	claimed, err := backend.ClaimDueJobs(ctx, now, 10)
	if err != nil {
		t.Fatalf("ClaimDueJobs: %v", err)
	}
	if len(claimed) != 2 {
		t.Fatalf("claimed %d, want 2", len(claimed))
	}
	if claimed[0].ID != "job-due-high" || claimed[1].ID != "job-due-low" {
		t.Fatalf("claim order = %s,%s", claimed[0].ID, claimed[1].ID)
	}
	for _, job := range claimed {
		if job.Status != JobStatusRunning || job.StartedAt == nil {
			t.Fatalf("claimed job %s not marked running", job.ID)
		}
	}

	again, err := backend.ClaimDueJobs(ctx, now, 10)
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if len(again) != 0 {
		t.Fatalf("second claim returned %d jobs", len(again))
	}
}

func TestPostgresIntegrationConflictAndItemRoundTrip(t *testing.T) {
	backend := postgresIntegrationBackend(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	item := &LibraryItem{
		ConnectionID: "conn-1", Key: "AAAA1111", Version: 5,
		ItemType: "journalArticle", Title: "A paper",
		DateModified: now, UpdatedAt: now,
	}
	if err := backend.UpsertItem(ctx, item); err != nil {
		t.Fatalf("UpsertItem: %v", err)
	}
	item.Title = "A revised paper"
	item.Version = 6
	if err := backend.UpsertItem(ctx, item); err != nil {
		t.Fatalf("UpsertItem update: %v", err)
	}
	got, err := backend.GetItem(ctx, "conn-1", "AAAA1111")
	if err != nil {
		t.Fatalf("GetItem: %v", err)
	}
	if got.Title != "A revised paper" || got.Version != 6 {
		t.Fatalf("item = %+v", got)
	}

	conflict := &SyncConflict{
		ID: "cf-pg-1", SyncJobID: "job-1", ConnectionID: "conn-1",
		ItemKey: "AAAA1111", ConflictType: ConflictTypeItemUpdate,
		LocalVersion:  []byte(`{"title":"local"}`),
		RemoteVersion: []byte(`{"title":"remote"}`),
		Strategy:      StrategyManual, ResolutionStatus: ResolutionManualRequired,
		CreatedAt: now,
	}
	if err := backend.InsertConflict(ctx, conflict); err != nil {
		t.Fatalf("InsertConflict: %v", err)
	}
	listed, err := backend.ListConflicts(ctx, ConflictFilter{ConnectionID: "conn-1", ResolutionStatus: ResolutionManualRequired})
	if err != nil {
		t.Fatalf("ListConflicts: %v", err)
	}
	if len(listed) != 1 || string(listed[0].LocalVersion) != `{"title":"local"}` {
		t.Fatalf("listed = %+v", listed)
	}
}
