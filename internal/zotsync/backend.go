package zotsync

import (
	"context"
	"time"
)

// Backend is the durable storage surface behind the Store. Implementations
// must make ClaimDueJobs atomic: a job returned by one claim is never
// returned by a concurrent claim. They must also enforce the one-active-job
// invariant: at most one job in an active status (queued, running, retrying)
// per (connection_id, job_type); InsertJob returns ErrInvalidState when a
// second active job would be created.
type Backend interface {
	InsertJob(ctx context.Context, job *SyncJob) error
	GetJob(ctx context.Context, id string) (*SyncJob, error)
	UpdateJob(ctx context.Context, job *SyncJob) error
	ListJobs(ctx context.Context, f JobFilter) ([]*SyncJob, int, error)
	// FindActiveJob returns the job in an active status (queued, running,
	// retrying) for (connectionID, jobType), or ErrNotFound. Used by
	// deduplicated scheduling, which must match the same statuses the
	// one-active-job invariant covers.
	FindActiveJob(ctx context.Context, connectionID string, jobType JobType) (*SyncJob, error)
	// ClaimDueJobs atomically moves up to limit due jobs (queued with
	// scheduled_at <= now, or retrying with next_retry_at <= now) to
	// running, ordered by priority asc then scheduled_at asc.
	ClaimDueJobs(ctx context.Context, now time.Time, limit int) ([]*SyncJob, error)
	DeleteTerminalJobsBefore(ctx context.Context, cutoff time.Time) (int, error)
	JobStats(ctx context.Context, now time.Time) (JobStats, error)

	InsertConflict(ctx context.Context, c *SyncConflict) error
	GetConflict(ctx context.Context, id string) (*SyncConflict, error)
	UpdateConflict(ctx context.Context, c *SyncConflict) error
	ListConflicts(ctx context.Context, f ConflictFilter) ([]*SyncConflict, error)

	UpsertItem(ctx context.Context, item *LibraryItem) error
	GetItem(ctx context.Context, connectionID, key string) (*LibraryItem, error)

	UpsertAnnotation(ctx context.Context, a *Annotation) error
	GetAnnotation(ctx context.Context, id string) (*Annotation, error)
	ListPendingAnnotations(ctx context.Context, connectionID string, limit int) ([]*Annotation, error)

	PutConnection(ctx context.Context, c *Connection) error
	GetConnection(ctx context.Context, id string) (*Connection, error)

	PutWebhookEndpoint(ctx context.Context, e *WebhookEndpoint) error
	GetWebhookEndpoint(ctx context.Context, id string) (*WebhookEndpoint, error)
	InsertWebhookEvent(ctx context.Context, ev *WebhookEvent) error
	UpdateWebhookEvent(ctx context.Context, ev *WebhookEvent) error

	Close() error
}
