package zotsync

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/scholardesk/zotsync/internal/zoteroapi"
)

const (
	defaultPriority      = 5
	minPriority          = 1
	maxPriority          = 10
	defaultMaxRetries    = 3
	defaultRetryBase     = 60 * time.Second
	defaultRetryMax      = time.Hour
	defaultDispatchBatch = 10
)

// StoreOptions configures a Store. Zero values select defaults; Backend is
// required.
type StoreOptions struct {
	Backend  Backend
	Executor Executor
	Logger   *logrus.Logger
	Clock    func() time.Time

	RetryBaseDelay    time.Duration
	RetryMaxDelay     time.Duration
	DefaultMaxRetries int
	DispatchBatchSize int
	BreakerThreshold  int
	BreakerCooldown   time.Duration
}

// Store is the service facade: job scheduling and dispatch, conflict
// resolution, webhook ingestion, queue introspection. All methods are safe
// for concurrent use.
type Store struct {
	backend  Backend
	executor Executor
	logger   *logrus.Logger
	clock    func() time.Time

	retryBase     time.Duration
	retryMax      time.Duration
	maxRetries    int
	dispatchBatch int

	breaker *connectionBreaker
	events  *eventHub
}

func NewStore(backend Backend, executor Executor) (*Store, error) {
	return NewStoreWithOptions(StoreOptions{Backend: backend, Executor: executor})
}

func NewStoreWithOptions(opts StoreOptions) (*Store, error) {
	if opts.Backend == nil {
		return nil, fmt.Errorf("%w: backend is required", ErrInvalidInput)
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.New()
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	retryBase := opts.RetryBaseDelay
	if retryBase <= 0 {
		retryBase = defaultRetryBase
	}
	retryMax := opts.RetryMaxDelay
	if retryMax <= 0 {
		retryMax = defaultRetryMax
	}
	maxRetries := opts.DefaultMaxRetries
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}
	batch := opts.DispatchBatchSize
	if batch <= 0 {
		batch = defaultDispatchBatch
	}
	return &Store{
		backend:       opts.Backend,
		executor:      opts.Executor,
		logger:        logger,
		clock:         clock,
		retryBase:     retryBase,
		retryMax:      retryMax,
		maxRetries:    maxRetries,
		dispatchBatch: batch,
		breaker:       newConnectionBreaker(opts.BreakerThreshold, opts.BreakerCooldown),
		events:        newEventHub(),
	}, nil
}

// ScheduleJobRequest describes one job to enqueue. Zero Priority means the
// default (5). Nil ScheduledAt means now.
type ScheduleJobRequest struct {
	ConnectionID string
	JobType      JobType
	Priority     int
	ScheduledAt  *time.Time
	MaxRetries   *int
	Metadata     map[string]any
	Deduplicate  bool
}

// ScheduleSyncJob validates and enqueues a sync job. With Deduplicate set,
// an existing active job of the same type for the connection is returned
// instead of creating a new one; the second return reports whether a new job
// was created.
func (s *Store) ScheduleSyncJob(ctx context.Context, req ScheduleJobRequest) (*SyncJob, bool, error) {
	if strings.TrimSpace(req.ConnectionID) == "" {
		return nil, false, fmt.Errorf("%w: connection id is required", ErrInvalidInput)
	}
	if !ValidJobType(req.JobType) {
		return nil, false, fmt.Errorf("%w: unknown job type %q", ErrInvalidInput, req.JobType)
	}
	priority := req.Priority
	if priority == 0 {
		priority = defaultPriority
	}
	if priority < minPriority || priority > maxPriority {
		return nil, false, fmt.Errorf("%w: priority %d out of range %d-%d", ErrInvalidInput, priority, minPriority, maxPriority)
	}
	if err := ValidateJobMetadata(req.JobType, req.Metadata); err != nil {
		return nil, false, err
	}
	if _, err := s.backend.GetConnection(ctx, req.ConnectionID); err != nil {
		return nil, false, err
	}

	if req.Deduplicate {
		existing, err := s.backend.FindActiveJob(ctx, req.ConnectionID, req.JobType)
		if err == nil {
			return existing, false, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, false, err
		}
	}

	now := s.clock()
	scheduledAt := now
	if req.ScheduledAt != nil {
		scheduledAt = *req.ScheduledAt
	}
	maxRetries := s.maxRetries
	if req.MaxRetries != nil {
		if *req.MaxRetries < 0 {
			return nil, false, fmt.Errorf("%w: max retries must not be negative", ErrInvalidInput)
		}
		maxRetries = *req.MaxRetries
	}
	job := &SyncJob{
		ID:           uuid.NewString(),
		ConnectionID: req.ConnectionID,
		JobType:      req.JobType,
		Priority:     priority,
		Status:       JobStatusQueued,
		ScheduledAt:  scheduledAt,
		MaxRetries:   maxRetries,
		Metadata:     req.Metadata,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.backend.InsertJob(ctx, job); err != nil {
		return nil, false, err
	}
	s.logger.WithFields(logrus.Fields{
		"job_id":        job.ID,
		"connection_id": job.ConnectionID,
		"job_type":      job.JobType,
		"priority":      job.Priority,
	}).Info("sync job scheduled")
	s.publish("job.scheduled", job)
	return job, true, nil
}

// GetSyncJob fetches one job, checking that userID owns the job's
// connection. An empty userID bypasses the ownership check (system caller).
func (s *Store) GetSyncJob(ctx context.Context, userID, jobID string) (*SyncJob, error) {
	job, err := s.backend.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if err := s.checkOwnership(ctx, userID, job.ConnectionID); err != nil {
		return nil, err
	}
	return job, nil
}

// GetSyncJobs lists jobs with filtering and pagination. Non-system callers
// must scope the listing to a connection they own.
func (s *Store) GetSyncJobs(ctx context.Context, userID string, f JobFilter) (*JobPage, error) {
	if userID != "" {
		if f.ConnectionID == "" {
			return nil, fmt.Errorf("%w: connection filter is required", ErrInvalidInput)
		}
		if err := s.checkOwnership(ctx, userID, f.ConnectionID); err != nil {
			return nil, err
		}
	}
	jobs, total, err := s.backend.ListJobs(ctx, f)
	if err != nil {
		return nil, err
	}
	return &JobPage{
		Jobs:   jobs,
		Total:  total,
		Limit:  clampLimit(f.Limit),
		Offset: maxInt(f.Offset, 0),
	}, nil
}

// CancelSyncJob marks an active job cancelled. Cancelling a terminal job is
// a no-op returning false. A running job is marked cancelled; the dispatcher
// observes the flag between items and discards the run's outcome.
func (s *Store) CancelSyncJob(ctx context.Context, userID, jobID string) (bool, error) {
	job, err := s.backend.GetJob(ctx, jobID)
	if err != nil {
		return false, err
	}
	if err := s.checkOwnership(ctx, userID, job.ConnectionID); err != nil {
		return false, err
	}
	if !ActiveJobStatus(job.Status) {
		return false, nil
	}
	now := s.clock()
	job.Status = JobStatusCancelled
	job.CompletedAt = &now
	job.NextRetryAt = nil
	job.UpdatedAt = now
	if err := s.backend.UpdateJob(ctx, job); err != nil {
		return false, err
	}
	s.logger.WithFields(logrus.Fields{"job_id": job.ID, "user_id": userID}).Info("sync job cancelled")
	s.publish("job.cancelled", job)
	return true, nil
}

func (s *Store) JobStats(ctx context.Context) (JobStats, error) {
	return s.backend.JobStats(ctx, s.clock())
}

// QueueStatus reports aggregate queue depth and breaker state.
func (s *Store) QueueStatus(ctx context.Context) (*QueueStatus, error) {
	now := s.clock()
	stats, err := s.backend.JobStats(ctx, now)
	if err != nil {
		return nil, err
	}
	return &QueueStatus{
		Stats:      stats,
		Breakers:   s.breaker.Status(now),
		BatchSize:  s.dispatchBatch,
		CheckedAt:  now,
		BackendSet: true,
	}, nil
}

// CleanupJobs deletes terminal jobs older than the retention window.
func (s *Store) CleanupJobs(ctx context.Context, olderThan time.Duration) (int, error) {
	if olderThan <= 0 {
		return 0, fmt.Errorf("%w: retention window must be positive", ErrInvalidInput)
	}
	cutoff := s.clock().Add(-olderThan)
	removed, err := s.backend.DeleteTerminalJobsBefore(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if removed > 0 {
		s.logger.WithFields(logrus.Fields{"removed": removed, "cutoff": cutoff}).Info("cleaned up terminal jobs")
	}
	return removed, nil
}

// ListConflicts lists conflicts, scoped to a connection the caller owns
// unless called by the system.
func (s *Store) ListConflicts(ctx context.Context, userID string, f ConflictFilter) ([]*SyncConflict, error) {
	if userID != "" {
		if f.ConnectionID == "" {
			return nil, fmt.Errorf("%w: connection filter is required", ErrInvalidInput)
		}
		if err := s.checkOwnership(ctx, userID, f.ConnectionID); err != nil {
			return nil, err
		}
	}
	return s.backend.ListConflicts(ctx, f)
}

// ResolveSyncConflict settles a conflict awaiting manual resolution. Only
// conflicts in manual_required state can be resolved; re-resolving is
// ErrInvalidState. For zotero_wins the remote snapshot is applied to the
// local mirror; for local_wins the local copy is marked dirty so the next
// sync pushes it.
func (s *Store) ResolveSyncConflict(ctx context.Context, userID, conflictID string, strategy ResolutionStrategy, notes string) (*SyncConflict, error) {
	if !ValidStrategy(strategy) || strategy == StrategyManual {
		return nil, fmt.Errorf("%w: strategy %q cannot resolve a conflict", ErrInvalidInput, strategy)
	}
	conflict, err := s.backend.GetConflict(ctx, conflictID)
	if err != nil {
		return nil, err
	}
	if err := s.checkOwnership(ctx, userID, conflict.ConnectionID); err != nil {
		return nil, err
	}
	if conflict.ResolutionStatus != ResolutionManualRequired {
		return nil, fmt.Errorf("%w: conflict %s is %s", ErrInvalidState, conflictID, conflict.ResolutionStatus)
	}

	now := s.clock()
	if err := s.applyManualResolution(ctx, conflict, strategy, now); err != nil {
		return nil, err
	}

	conflict.Strategy = strategy
	conflict.ResolutionStatus = ResolutionResolved
	conflict.ResolutionNotes = notes
	conflict.ResolvedAt = &now
	conflict.ResolvedBy = userID
	if err := s.backend.UpdateConflict(ctx, conflict); err != nil {
		return nil, err
	}
	s.logger.WithFields(logrus.Fields{
		"conflict_id": conflict.ID,
		"strategy":    strategy,
		"resolved_by": userID,
	}).Info("sync conflict resolved")
	return conflict, nil
}

func (s *Store) applyManualResolution(ctx context.Context, conflict *SyncConflict, strategy ResolutionStrategy, now time.Time) error {
	local, err := s.backend.GetItem(ctx, conflict.ConnectionID, conflict.ItemKey)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	switch strategy {
	case StrategyZoteroWins:
		if len(conflict.RemoteVersion) > 0 {
			var remoteData zoteroapi.ItemData
			if err := json.Unmarshal(conflict.RemoteVersion, &remoteData); err == nil {
				local.ItemType = remoteData.ItemType
				local.Title = remoteData.Title
				if remoteData.Version > local.Version {
					local.Version = remoteData.Version
				}
			}
		}
		if conflict.ConflictType == ConflictTypeItemDeleted {
			local.Deleted = true
		}
		local.UpdatedAt = now
		synced := now
		local.LastSyncedAt = &synced
		return s.backend.UpsertItem(ctx, local)
	case StrategyLocalWins, StrategyMerge:
		// Touch the local copy so the next sync pass pushes it.
		local.UpdatedAt = now
		return s.backend.UpsertItem(ctx, local)
	}
	return nil
}

// ValidateWebhookSignature checks an X-Signature header of the form
// sha256=<hex> against the HMAC-SHA256 of the raw payload. The comparison is
// constant-time.
func ValidateWebhookSignature(payload []byte, signature, secret string) error {
	signature = strings.TrimSpace(signature)
	const prefix = "sha256="
	if !strings.HasPrefix(signature, prefix) {
		return fmt.Errorf("%w: missing sha256 prefix", ErrSignature)
	}
	provided, err := hex.DecodeString(signature[len(prefix):])
	if err != nil {
		return fmt.Errorf("%w: malformed hex digest", ErrSignature)
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	if !hmac.Equal(provided, mac.Sum(nil)) {
		return ErrSignature
	}
	return nil
}

// IngestWebhook validates and records an inbound webhook delivery, then
// enqueues the sync job it implies. The event row survives with the job id
// (or failure reason) attached.
func (s *Store) IngestWebhook(ctx context.Context, endpointID, signature string, body []byte) (*WebhookEvent, error) {
	endpoint, err := s.backend.GetWebhookEndpoint(ctx, endpointID)
	if err != nil {
		return nil, err
	}
	if endpoint.Status != EndpointActive {
		return nil, fmt.Errorf("%w: endpoint %s is %s", ErrInvalidState, endpointID, endpoint.Status)
	}
	if err := ValidateWebhookSignature(body, signature, endpoint.Secret); err != nil {
		s.bumpEndpointErrors(ctx, endpoint)
		return nil, err
	}
	payload, err := ValidateWebhookPayload(body)
	if err != nil {
		s.bumpEndpointErrors(ctx, endpoint)
		return nil, err
	}

	now := s.clock()
	eventType, _ := payload["event"].(string)
	event := &WebhookEvent{
		ID:               uuid.NewString(),
		EndpointID:       endpoint.ID,
		Type:             eventType,
		Payload:          append(json.RawMessage(nil), body...),
		ProcessingStatus: EventProcessing,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := s.backend.InsertWebhookEvent(ctx, event); err != nil {
		return nil, err
	}

	jobType := jobTypeForWebhookEvent(eventType)
	metadata := map[string]any{"event_id": event.ID}
	if topic, ok := payload["topic"].(string); ok && topic != "" {
		metadata["topic"] = topic
	}
	if keys, ok := payload["item_keys"].([]any); ok && len(keys) > 0 && jobType == JobTypeWebhookTriggered {
		metadata["item_keys"] = keys
	}

	job, _, err := s.ScheduleSyncJob(ctx, ScheduleJobRequest{
		ConnectionID: endpoint.ConnectionID,
		JobType:      jobType,
		Metadata:     metadata,
		Deduplicate:  true,
	})
	event.UpdatedAt = s.clock()
	if err != nil {
		event.ProcessingStatus = EventFailed
		event.Error = err.Error()
		_ = s.backend.UpdateWebhookEvent(ctx, event)
		s.bumpEndpointErrors(ctx, endpoint)
		return event, err
	}
	event.ProcessingStatus = EventCompleted
	event.SyncJobID = job.ID
	if err := s.backend.UpdateWebhookEvent(ctx, event); err != nil {
		return event, err
	}
	if endpoint.ErrorCount > 0 {
		endpoint.ErrorCount = 0
		endpoint.UpdatedAt = s.clock()
		_ = s.backend.PutWebhookEndpoint(ctx, endpoint)
	}
	s.logger.WithFields(logrus.Fields{
		"event_id":    event.ID,
		"endpoint_id": endpoint.ID,
		"event_type":  eventType,
		"job_id":      job.ID,
	}).Info("webhook event processed")
	return event, nil
}

func (s *Store) bumpEndpointErrors(ctx context.Context, endpoint *WebhookEndpoint) {
	endpoint.ErrorCount++
	endpoint.UpdatedAt = s.clock()
	if err := s.backend.PutWebhookEndpoint(ctx, endpoint); err != nil {
		s.logger.WithError(err).WithField("endpoint_id", endpoint.ID).Warn("failed to record endpoint error")
	}
}

// jobTypeForWebhookEvent maps a Zotero notification type to the sync job it
// should trigger. Unknown types fall back to an incremental sync, which is
// always safe.
func jobTypeForWebhookEvent(eventType string) JobType {
	switch eventType {
	case "topicUpdated", "library.updated", "full-sync-required":
		return JobTypeIncrementalSync
	case "item.updated", "item.created", "item.deleted",
		"collection.updated", "attachment.updated":
		return JobTypeWebhookTriggered
	default:
		return JobTypeIncrementalSync
	}
}

func (s *Store) PutConnection(ctx context.Context, c *Connection) error {
	if c == nil || strings.TrimSpace(c.ID) == "" {
		return fmt.Errorf("%w: connection id is required", ErrInvalidInput)
	}
	if c.Strategy == "" {
		c.Strategy = StrategyZoteroWins
	}
	if !ValidStrategy(c.Strategy) {
		return fmt.Errorf("%w: unknown resolution strategy %q", ErrInvalidInput, c.Strategy)
	}
	now := s.clock()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	return s.backend.PutConnection(ctx, c)
}

func (s *Store) GetConnection(ctx context.Context, userID, id string) (*Connection, error) {
	conn, err := s.backend.GetConnection(ctx, id)
	if err != nil {
		return nil, err
	}
	if userID != "" && conn.UserID != userID {
		return nil, fmt.Errorf("%w: connection %s", ErrPermission, id)
	}
	return conn, nil
}

func (s *Store) PutWebhookEndpoint(ctx context.Context, e *WebhookEndpoint) error {
	if e == nil || strings.TrimSpace(e.ID) == "" {
		return fmt.Errorf("%w: endpoint id is required", ErrInvalidInput)
	}
	if strings.TrimSpace(e.Secret) == "" {
		return fmt.Errorf("%w: endpoint secret is required", ErrInvalidInput)
	}
	if _, err := s.backend.GetConnection(ctx, e.ConnectionID); err != nil {
		return err
	}
	if e.Status == "" {
		e.Status = EndpointActive
	}
	now := s.clock()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	e.UpdatedAt = now
	return s.backend.PutWebhookEndpoint(ctx, e)
}

// Subscribe returns a live feed of job lifecycle events.
func (s *Store) Subscribe() (<-chan JobEvent, func()) {
	return s.events.Subscribe()
}

func (s *Store) Close() error {
	return s.backend.Close()
}

func (s *Store) checkOwnership(ctx context.Context, userID, connectionID string) error {
	if userID == "" {
		return nil
	}
	conn, err := s.backend.GetConnection(ctx, connectionID)
	if err != nil {
		return err
	}
	if conn.UserID != userID {
		return fmt.Errorf("%w: connection %s", ErrPermission, connectionID)
	}
	return nil
}

func (s *Store) publish(eventType string, job *SyncJob) {
	s.events.Publish(JobEvent{
		Type:         eventType,
		JobID:        job.ID,
		ConnectionID: job.ConnectionID,
		JobType:      job.JobType,
		Status:       job.Status,
		RetryCount:   job.RetryCount,
		Timestamp:    s.clock(),
	})
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
