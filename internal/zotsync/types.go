package zotsync

import (
	"encoding/json"
	"time"
)

// JobType classifies a synchronization pass.
type JobType string

const (
	JobTypeFullSync         JobType = "full_sync"
	JobTypeIncrementalSync  JobType = "incremental_sync"
	JobTypeWebhookTriggered JobType = "webhook_triggered"
	JobTypeManualSync       JobType = "manual_sync"
)

// ValidJobType reports whether t is one of the known job types.
func ValidJobType(t JobType) bool {
	switch t {
	case JobTypeFullSync, JobTypeIncrementalSync, JobTypeWebhookTriggered, JobTypeManualSync:
		return true
	}
	return false
}

// JobStatus is the lifecycle state of a sync job.
// Transitions: queued -> running -> {completed|failed|cancelled},
// failed attempts below the retry budget go running -> retrying -> running.
type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
	JobStatusRetrying  JobStatus = "retrying"
)

// ActiveJobStatus reports whether a job in this status still occupies the
// one-active-job-per-(connection, type) slot.
func ActiveJobStatus(s JobStatus) bool {
	return s == JobStatusQueued || s == JobStatusRunning || s == JobStatusRetrying
}

// JobError is one entry in a job's ordered failure history.
type JobError struct {
	Error      string    `json:"error"`
	Timestamp  time.Time `json:"timestamp"`
	RetryDelay int64     `json:"retryDelaySeconds"`
}

// SyncJob is a unit of work representing one synchronization pass for a
// connection. Priority runs 1-10, lower is more urgent.
type SyncJob struct {
	ID           string         `json:"id"`
	ConnectionID string         `json:"connectionId"`
	JobType      JobType        `json:"jobType"`
	Priority     int            `json:"priority"`
	Status       JobStatus      `json:"status"`
	ScheduledAt  time.Time      `json:"scheduledAt"`
	StartedAt    *time.Time     `json:"startedAt,omitempty"`
	CompletedAt  *time.Time     `json:"completedAt,omitempty"`
	RetryCount   int            `json:"retryCount"`
	MaxRetries   int            `json:"maxRetries"`
	NextRetryAt  *time.Time     `json:"nextRetryAt,omitempty"`
	ErrorMessage string         `json:"errorMessage,omitempty"`
	ErrorDetails []JobError     `json:"errorDetails,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`

	ItemsProcessed int `json:"itemsProcessed"`
	ItemsAdded     int `json:"itemsAdded"`
	ItemsUpdated   int `json:"itemsUpdated"`
	ItemsDeleted   int `json:"itemsDeleted"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Clone returns a deep copy so backend callers cannot mutate shared state.
func (j *SyncJob) Clone() *SyncJob {
	if j == nil {
		return nil
	}
	out := *j
	if j.StartedAt != nil {
		v := *j.StartedAt
		out.StartedAt = &v
	}
	if j.CompletedAt != nil {
		v := *j.CompletedAt
		out.CompletedAt = &v
	}
	if j.NextRetryAt != nil {
		v := *j.NextRetryAt
		out.NextRetryAt = &v
	}
	out.ErrorDetails = append([]JobError(nil), j.ErrorDetails...)
	if j.Metadata != nil {
		out.Metadata = make(map[string]any, len(j.Metadata))
		for k, v := range j.Metadata {
			out.Metadata[k] = v
		}
	}
	return &out
}

// ConflictType names what diverged between local and remote state.
type ConflictType string

const (
	ConflictTypeItemUpdate       ConflictType = "item_update"
	ConflictTypeItemDeleted      ConflictType = "item_deleted"
	ConflictTypeAnnotationUpdate ConflictType = "annotation_update"
)

// ResolutionStrategy selects how a detected conflict is settled.
type ResolutionStrategy string

const (
	StrategyZoteroWins ResolutionStrategy = "zotero_wins"
	StrategyLocalWins  ResolutionStrategy = "local_wins"
	StrategyMerge      ResolutionStrategy = "merge"
	StrategyManual     ResolutionStrategy = "manual"
)

// ValidStrategy reports whether s is a known resolution strategy.
func ValidStrategy(s ResolutionStrategy) bool {
	switch s {
	case StrategyZoteroWins, StrategyLocalWins, StrategyMerge, StrategyManual:
		return true
	}
	return false
}

// ResolutionStatus is the lifecycle state of a conflict record.
type ResolutionStatus string

const (
	ResolutionUnresolved     ResolutionStatus = "unresolved"
	ResolutionResolved       ResolutionStatus = "resolved"
	ResolutionManualRequired ResolutionStatus = "manual_required"
)

// SyncConflict records a divergence between local and remote state for the
// same item. Conflict rows are never deleted; they are the audit trail.
type SyncConflict struct {
	ID               string             `json:"id"`
	SyncJobID        string             `json:"syncJobId"`
	ConnectionID     string             `json:"connectionId"`
	ItemKey          string             `json:"itemKey"`
	ConflictType     ConflictType       `json:"conflictType"`
	LocalVersion     json.RawMessage    `json:"localVersion,omitempty"`
	RemoteVersion    json.RawMessage    `json:"remoteVersion,omitempty"`
	Strategy         ResolutionStrategy `json:"resolutionStrategy"`
	ResolutionStatus ResolutionStatus   `json:"resolutionStatus"`
	ResolutionNotes  string             `json:"resolutionNotes,omitempty"`
	ResolvedAt       *time.Time         `json:"resolvedAt,omitempty"`
	ResolvedBy       string             `json:"resolvedBy,omitempty"`
	CreatedAt        time.Time          `json:"createdAt"`
}

// AnnotationSyncStatus is the export state of a local annotation.
type AnnotationSyncStatus string

const (
	AnnotationPending  AnnotationSyncStatus = "pending"
	AnnotationSynced   AnnotationSyncStatus = "synced"
	AnnotationConflict AnnotationSyncStatus = "conflict"
)

// Annotation mirrors a Zotero annotation locally. ZoteroKey is empty until
// the annotation has been exported once; Version increments on every local
// update.
type Annotation struct {
	ID            string               `json:"id"`
	ConnectionID  string               `json:"connectionId"`
	AttachmentKey string               `json:"attachmentKey"`
	ZoteroKey     string               `json:"zoteroKey,omitempty"`
	Type          string               `json:"type"`
	Text          string               `json:"text,omitempty"`
	Comment       string               `json:"comment,omitempty"`
	Position      string               `json:"position,omitempty"`
	Color         string               `json:"color,omitempty"`
	SyncStatus    AnnotationSyncStatus `json:"syncStatus"`
	LastSyncedAt  *time.Time           `json:"lastSyncedAt,omitempty"`
	Version       int                  `json:"version"`
	Deleted       bool                 `json:"deleted,omitempty"`
	CreatedAt     time.Time            `json:"createdAt"`
	UpdatedAt     time.Time            `json:"updatedAt"`
}

// LibraryItem mirrors a Zotero library item locally. Version is the remote
// version at last sync; UpdatedAt tracks local edits, DateModified the
// remote modification time seen at last fetch.
type LibraryItem struct {
	ConnectionID string     `json:"connectionId"`
	Key          string     `json:"key"`
	Version      int        `json:"version"`
	ItemType     string     `json:"itemType"`
	Title        string     `json:"title,omitempty"`
	DateModified time.Time  `json:"dateModified"`
	UpdatedAt    time.Time  `json:"updatedAt"`
	LastSyncedAt *time.Time `json:"lastSyncedAt,omitempty"`
	Deleted      bool       `json:"deleted,omitempty"`
}

// Connection links a local user to a remote Zotero account. LibraryVersion
// is the remote version cursor recorded at the last successful sync.
type Connection struct {
	ID             string             `json:"id"`
	UserID         string             `json:"userId"`
	ZoteroUserID   string             `json:"zoteroUserId"`
	APIKey         string             `json:"-"`
	LibraryVersion int                `json:"libraryVersion"`
	Strategy       ResolutionStrategy `json:"resolutionStrategy"`
	CreatedAt      time.Time          `json:"createdAt"`
	UpdatedAt      time.Time          `json:"updatedAt"`
}

// WebhookEndpointStatus gates whether an endpoint accepts deliveries.
type WebhookEndpointStatus string

const (
	EndpointActive   WebhookEndpointStatus = "active"
	EndpointDisabled WebhookEndpointStatus = "disabled"
)

// WebhookEndpoint is a registered ingress point for Zotero notifications.
type WebhookEndpoint struct {
	ID           string                `json:"id"`
	ConnectionID string                `json:"connectionId"`
	URL          string                `json:"url,omitempty"`
	Secret       string                `json:"-"`
	Status       WebhookEndpointStatus `json:"status"`
	ErrorCount   int                   `json:"errorCount"`
	CreatedAt    time.Time             `json:"createdAt"`
	UpdatedAt    time.Time             `json:"updatedAt"`
}

// WebhookEventStatus is the processing state of an inbound webhook delivery.
type WebhookEventStatus string

const (
	EventPending    WebhookEventStatus = "pending"
	EventProcessing WebhookEventStatus = "processing"
	EventCompleted  WebhookEventStatus = "completed"
	EventFailed     WebhookEventStatus = "failed"
)

// WebhookEvent is one inbound notification, kept with the job it produced.
type WebhookEvent struct {
	ID               string             `json:"id"`
	EndpointID       string             `json:"endpointId"`
	Type             string             `json:"type"`
	Payload          json.RawMessage    `json:"payload,omitempty"`
	ProcessingStatus WebhookEventStatus `json:"processingStatus"`
	RetryCount       int                `json:"retryCount"`
	SyncJobID        string             `json:"syncJobId,omitempty"`
	Error            string             `json:"error,omitempty"`
	CreatedAt        time.Time          `json:"createdAt"`
	UpdatedAt        time.Time          `json:"updatedAt"`
}

// JobFilter narrows and pages a job listing. Limit is clamped to 100.
type JobFilter struct {
	ConnectionID string
	Statuses     []JobStatus
	Limit        int
	Offset       int
}

// ConflictFilter narrows a conflict listing.
type ConflictFilter struct {
	ConnectionID     string
	SyncJobID        string
	ResolutionStatus ResolutionStatus
	Limit            int
	Offset           int
}

// JobPage is one page of a job listing.
type JobPage struct {
	Jobs   []*SyncJob `json:"jobs"`
	Total  int        `json:"total"`
	Limit  int        `json:"limit"`
	Offset int        `json:"offset"`
}

// JobStats aggregates job counts by status.
type JobStats struct {
	Total     int `json:"total"`
	Queued    int `json:"queued"`
	Running   int `json:"running"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Cancelled int `json:"cancelled"`
	Retrying  int `json:"retrying"`
	DueNow    int `json:"dueNow"`
}

// QueueStatus is the dispatcher-facing view of the queue.
type QueueStatus struct {
	Stats      JobStats                 `json:"stats"`
	Breakers   map[string]BreakerStatus `json:"breakers,omitempty"`
	BatchSize  int                      `json:"batchSize"`
	CheckedAt  time.Time                `json:"checkedAt"`
	BackendSet bool                     `json:"backendSet"`
}

// DispatchReport summarizes one ProcessSyncJobs pass.
type DispatchReport struct {
	Claimed   int `json:"claimed"`
	Completed int `json:"completed"`
	Retried   int `json:"retried"`
	Failed    int `json:"failed"`
	Deferred  int `json:"deferred"`
	Cancelled int `json:"cancelled"`
}

// ExecResult carries the counters produced by one executor run.
type ExecResult struct {
	Processed      int
	Added          int
	Updated        int
	Deleted        int
	Conflicts      int
	LibraryVersion int
}

// JobEvent is broadcast to event-stream subscribers on every status change.
type JobEvent struct {
	Type         string    `json:"type"`
	JobID        string    `json:"jobId"`
	ConnectionID string    `json:"connectionId"`
	JobType      JobType   `json:"jobType"`
	Status       JobStatus `json:"status"`
	RetryCount   int       `json:"retryCount"`
	Timestamp    time.Time `json:"timestamp"`
}
