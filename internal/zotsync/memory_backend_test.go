package zotsync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

func seedJob(t *testing.T, b Backend, id, connID string, jobType JobType, status JobStatus, priority int, scheduledAt time.Time) *SyncJob {
	t.Helper()
	job := &SyncJob{
		ID:           id,
		ConnectionID: connID,
		JobType:      jobType,
		Priority:     priority,
		Status:       status,
		ScheduledAt:  scheduledAt,
		MaxRetries:   3,
		CreatedAt:    scheduledAt,
		UpdatedAt:    scheduledAt,
	}
	if err := b.InsertJob(context.Background(), job); err != nil {
		t.Fatalf("InsertJob(%s): %v", id, err)
	}
	return job
}

func TestMemoryBackendActiveJobInvariant(t *testing.T) {
	b := NewMemoryBackend()
	ctx := context.Background()
	now := time.Now()

	seedJob(t, b, "j1", "conn-1", JobTypeFullSync, JobStatusQueued, 5, now)

	dup := &SyncJob{
		ID: "j2", ConnectionID: "conn-1", JobType: JobTypeFullSync,
		Priority: 5, Status: JobStatusQueued, ScheduledAt: now,
		CreatedAt: now, UpdatedAt: now,
	}
	if err := b.InsertJob(ctx, dup); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState for second active job, got %v", err)
	}

	// Retrying still occupies the active slot.
	j1, _ := b.GetJob(ctx, "j1")
	j1.Status = JobStatusRetrying
	if err := b.UpdateJob(ctx, j1); err != nil {
		t.Fatalf("UpdateJob: %v", err)
	}
	if err := b.InsertJob(ctx, dup); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState while retrying, got %v", err)
	}

	// A terminal job frees the slot.
	j1.Status = JobStatusFailed
	if err := b.UpdateJob(ctx, j1); err != nil {
		t.Fatalf("UpdateJob: %v", err)
	}
	if err := b.InsertJob(ctx, dup); err != nil {
		t.Fatalf("insert after terminal: %v", err)
	}
}

func TestMemoryBackendClaimOrdering(t *testing.T) {
	b := NewMemoryBackend()
	ctx := context.Background()
	now := time.Now()

	seedJob(t, b, "low", "conn-1", JobTypeFullSync, JobStatusQueued, 9, now.Add(-time.Hour))
	seedJob(t, b, "high", "conn-2", JobTypeFullSync, JobStatusQueued, 1, now.Add(-time.Minute))
	seedJob(t, b, "future", "conn-3", JobTypeFullSync, JobStatusQueued, 1, now.Add(time.Hour))

	retryAt := now.Add(-time.Second)
	retrying := &SyncJob{
		ID: "retry", ConnectionID: "conn-4", JobType: JobTypeFullSync,
		Priority: 5, Status: JobStatusRetrying, ScheduledAt: now.Add(-2 * time.Hour),
		NextRetryAt: &retryAt, CreatedAt: now, UpdatedAt: now,
	}
	if err := b.InsertJob(ctx, retrying); err != nil {
		t.Fatalf("insert retrying: %v", err)
	}

	claimed, err := b.ClaimDueJobs(ctx, now, 10)
	if err != nil {
		t.Fatalf("ClaimDueJobs: %v", err)
	}
	if len(claimed) != 3 {
		t.Fatalf("claimed %d jobs, want 3", len(claimed))
	}
	wantOrder := []string{"high", "retry", "low"}
	for i, want := range wantOrder {
		if claimed[i].ID != want {
			t.Fatalf("claim order[%d] = %s, want %s", i, claimed[i].ID, want)
		}
		if claimed[i].Status != JobStatusRunning {
			t.Fatalf("claimed job %s status = %s, want running", claimed[i].ID, claimed[i].Status)
		}
		if claimed[i].StartedAt == nil {
			t.Fatalf("claimed job %s missing started_at", claimed[i].ID)
		}
	}

	// Nothing left to claim.
	again, err := b.ClaimDueJobs(ctx, now, 10)
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if len(again) != 0 {
		t.Fatalf("second claim returned %d jobs", len(again))
	}
}

func TestMemoryBackendClaimAtomicity(t *testing.T) {
	b := NewMemoryBackend()
	ctx := context.Background()
	now := time.Now()

	const jobCount = 50
	for i := 0; i < jobCount; i++ {
		seedJob(t, b, fmt.Sprintf("job-%02d", i), fmt.Sprintf("conn-%02d", i), JobTypeFullSync, JobStatusQueued, 5, now.Add(-time.Minute))
	}

	const workers = 8
	var wg sync.WaitGroup
	seen := make(chan string, jobCount*2)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				claimed, err := b.ClaimDueJobs(ctx, now, 5)
				if err != nil {
					t.Errorf("ClaimDueJobs: %v", err)
					return
				}
				if len(claimed) == 0 {
					return
				}
				for _, job := range claimed {
					seen <- job.ID
				}
			}
		}()
	}
	wg.Wait()
	close(seen)

	counts := map[string]int{}
	for id := range seen {
		counts[id]++
	}
	if len(counts) != jobCount {
		t.Fatalf("claimed %d distinct jobs, want %d", len(counts), jobCount)
	}
	for id, n := range counts {
		if n != 1 {
			t.Fatalf("job %s claimed %d times", id, n)
		}
	}
}

func TestMemoryBackendListJobsPagination(t *testing.T) {
	b := NewMemoryBackend()
	ctx := context.Background()
	base := time.Now()

	for i := 0; i < 5; i++ {
		seedJob(t, b, fmt.Sprintf("j%d", i), fmt.Sprintf("conn-%d", i), JobTypeFullSync, JobStatusQueued, 5, base.Add(time.Duration(i)*time.Minute))
	}

	page, total, err := b.ListJobs(ctx, JobFilter{Limit: 2})
	if err != nil {
		t.Fatalf("ListJobs: %v", err)
	}
	if total != 5 || len(page) != 2 {
		t.Fatalf("total=%d len=%d, want 5/2", total, len(page))
	}
	// Newest first.
	if page[0].ID != "j4" || page[1].ID != "j3" {
		t.Fatalf("page order = %s,%s", page[0].ID, page[1].ID)
	}

	page, _, err = b.ListJobs(ctx, JobFilter{Limit: 2, Offset: 4})
	if err != nil {
		t.Fatalf("ListJobs offset: %v", err)
	}
	if len(page) != 1 || page[0].ID != "j0" {
		t.Fatalf("offset page = %v", page)
	}

	page, total, err = b.ListJobs(ctx, JobFilter{ConnectionID: "conn-2"})
	if err != nil {
		t.Fatalf("ListJobs filtered: %v", err)
	}
	if total != 1 || page[0].ID != "j2" {
		t.Fatalf("filtered page = total %d %v", total, page)
	}
}

func TestMemoryBackendClonesReturnedJobs(t *testing.T) {
	b := NewMemoryBackend()
	ctx := context.Background()
	seedJob(t, b, "j1", "conn-1", JobTypeFullSync, JobStatusQueued, 5, time.Now())

	got, err := b.GetJob(ctx, "j1")
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	got.Status = JobStatusFailed
	got.ErrorDetails = append(got.ErrorDetails, JobError{Error: "mutated"})

	again, err := b.GetJob(ctx, "j1")
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if again.Status != JobStatusQueued || len(again.ErrorDetails) != 0 {
		t.Fatal("backend state mutated through a returned copy")
	}
}
