package zotsync

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryBackend keeps all state in process memory behind a single mutex.
// It is the default backend for tests and single-node development; claim
// atomicity and the active-job invariant hold under the mutex.
type MemoryBackend struct {
	mu          sync.Mutex
	jobs        map[string]*SyncJob
	conflicts   map[string]*SyncConflict
	items       map[string]*LibraryItem // keyed connectionID + "\x00" + itemKey
	annotations map[string]*Annotation
	connections map[string]*Connection
	endpoints   map[string]*WebhookEndpoint
	events      map[string]*WebhookEvent
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		jobs:        map[string]*SyncJob{},
		conflicts:   map[string]*SyncConflict{},
		items:       map[string]*LibraryItem{},
		annotations: map[string]*Annotation{},
		connections: map[string]*Connection{},
		endpoints:   map[string]*WebhookEndpoint{},
		events:      map[string]*WebhookEvent{},
	}
}

func itemKey(connectionID, key string) string {
	return connectionID + "\x00" + key
}

func (b *MemoryBackend) InsertJob(_ context.Context, job *SyncJob) error {
	if job == nil || strings.TrimSpace(job.ID) == "" {
		return ErrInvalidInput
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.jobs[job.ID]; exists {
		return fmt.Errorf("%w: job %s already exists", ErrInvalidState, job.ID)
	}
	if ActiveJobStatus(job.Status) {
		for _, existing := range b.jobs {
			if existing.ConnectionID == job.ConnectionID && existing.JobType == job.JobType && ActiveJobStatus(existing.Status) {
				return fmt.Errorf("%w: active %s job exists for connection %s", ErrInvalidState, job.JobType, job.ConnectionID)
			}
		}
	}
	b.jobs[job.ID] = job.Clone()
	return nil
}

func (b *MemoryBackend) GetJob(_ context.Context, id string) (*SyncJob, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	job, ok := b.jobs[id]
	if !ok {
		return nil, fmt.Errorf("%w: job %s", ErrNotFound, id)
	}
	return job.Clone(), nil
}

func (b *MemoryBackend) UpdateJob(_ context.Context, job *SyncJob) error {
	if job == nil {
		return ErrInvalidInput
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.jobs[job.ID]; !ok {
		return fmt.Errorf("%w: job %s", ErrNotFound, job.ID)
	}
	b.jobs[job.ID] = job.Clone()
	return nil
}

func (b *MemoryBackend) ListJobs(_ context.Context, f JobFilter) ([]*SyncJob, int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	matched := make([]*SyncJob, 0, len(b.jobs))
	for _, job := range b.jobs {
		if f.ConnectionID != "" && job.ConnectionID != f.ConnectionID {
			continue
		}
		if len(f.Statuses) > 0 && !statusIn(job.Status, f.Statuses) {
			continue
		}
		matched = append(matched, job)
	}
	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.After(matched[j].CreatedAt)
		}
		return matched[i].ID < matched[j].ID
	})

	total := len(matched)
	limit := clampLimit(f.Limit)
	offset := f.Offset
	if offset < 0 {
		offset = 0
	}
	if offset > total {
		offset = total
	}
	end := offset + limit
	if end > total {
		end = total
	}
	page := make([]*SyncJob, 0, end-offset)
	for _, job := range matched[offset:end] {
		page = append(page, job.Clone())
	}
	return page, total, nil
}

func (b *MemoryBackend) FindActiveJob(_ context.Context, connectionID string, jobType JobType) (*SyncJob, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var found *SyncJob
	for _, job := range b.jobs {
		if job.ConnectionID != connectionID || job.JobType != jobType || !ActiveJobStatus(job.Status) {
			continue
		}
		if found == nil || job.CreatedAt.Before(found.CreatedAt) {
			found = job
		}
	}
	if found == nil {
		return nil, fmt.Errorf("%w: no active %s job for connection %s", ErrNotFound, jobType, connectionID)
	}
	return found.Clone(), nil
}

func (b *MemoryBackend) ClaimDueJobs(_ context.Context, now time.Time, limit int) ([]*SyncJob, error) {
	if limit <= 0 {
		limit = 10
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	due := make([]*SyncJob, 0)
	for _, job := range b.jobs {
		if jobDue(job, now) {
			due = append(due, job)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].Priority != due[j].Priority {
			return due[i].Priority < due[j].Priority
		}
		if !due[i].ScheduledAt.Equal(due[j].ScheduledAt) {
			return due[i].ScheduledAt.Before(due[j].ScheduledAt)
		}
		return due[i].ID < due[j].ID
	})
	if len(due) > limit {
		due = due[:limit]
	}

	claimed := make([]*SyncJob, 0, len(due))
	for _, job := range due {
		started := now
		job.Status = JobStatusRunning
		job.StartedAt = &started
		job.UpdatedAt = now
		claimed = append(claimed, job.Clone())
	}
	return claimed, nil
}

func jobDue(job *SyncJob, now time.Time) bool {
	switch job.Status {
	case JobStatusQueued:
		return !job.ScheduledAt.After(now)
	case JobStatusRetrying:
		return job.NextRetryAt != nil && !job.NextRetryAt.After(now)
	}
	return false
}

func (b *MemoryBackend) DeleteTerminalJobsBefore(_ context.Context, cutoff time.Time) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	removed := 0
	for id, job := range b.jobs {
		if ActiveJobStatus(job.Status) {
			continue
		}
		if job.UpdatedAt.Before(cutoff) {
			delete(b.jobs, id)
			removed++
		}
	}
	return removed, nil
}

func (b *MemoryBackend) JobStats(_ context.Context, now time.Time) (JobStats, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var stats JobStats
	for _, job := range b.jobs {
		stats.Total++
		switch job.Status {
		case JobStatusQueued:
			stats.Queued++
		case JobStatusRunning:
			stats.Running++
		case JobStatusCompleted:
			stats.Completed++
		case JobStatusFailed:
			stats.Failed++
		case JobStatusCancelled:
			stats.Cancelled++
		case JobStatusRetrying:
			stats.Retrying++
		}
		if jobDue(job, now) {
			stats.DueNow++
		}
	}
	return stats, nil
}

func (b *MemoryBackend) InsertConflict(_ context.Context, c *SyncConflict) error {
	if c == nil || strings.TrimSpace(c.ID) == "" {
		return ErrInvalidInput
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.conflicts[c.ID]; exists {
		return fmt.Errorf("%w: conflict %s already exists", ErrInvalidState, c.ID)
	}
	b.conflicts[c.ID] = cloneConflict(c)
	return nil
}

func (b *MemoryBackend) GetConflict(_ context.Context, id string) (*SyncConflict, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.conflicts[id]
	if !ok {
		return nil, fmt.Errorf("%w: conflict %s", ErrNotFound, id)
	}
	return cloneConflict(c), nil
}

func (b *MemoryBackend) UpdateConflict(_ context.Context, c *SyncConflict) error {
	if c == nil {
		return ErrInvalidInput
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.conflicts[c.ID]; !ok {
		return fmt.Errorf("%w: conflict %s", ErrNotFound, c.ID)
	}
	b.conflicts[c.ID] = cloneConflict(c)
	return nil
}

func (b *MemoryBackend) ListConflicts(_ context.Context, f ConflictFilter) ([]*SyncConflict, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	matched := make([]*SyncConflict, 0)
	for _, c := range b.conflicts {
		if f.ConnectionID != "" && c.ConnectionID != f.ConnectionID {
			continue
		}
		if f.SyncJobID != "" && c.SyncJobID != f.SyncJobID {
			continue
		}
		if f.ResolutionStatus != "" && c.ResolutionStatus != f.ResolutionStatus {
			continue
		}
		matched = append(matched, c)
	}
	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.After(matched[j].CreatedAt)
		}
		return matched[i].ID < matched[j].ID
	})
	limit := clampLimit(f.Limit)
	offset := f.Offset
	if offset < 0 {
		offset = 0
	}
	if offset > len(matched) {
		offset = len(matched)
	}
	end := offset + limit
	if end > len(matched) {
		end = len(matched)
	}
	out := make([]*SyncConflict, 0, end-offset)
	for _, c := range matched[offset:end] {
		out = append(out, cloneConflict(c))
	}
	return out, nil
}

func (b *MemoryBackend) UpsertItem(_ context.Context, item *LibraryItem) error {
	if item == nil || strings.TrimSpace(item.Key) == "" || strings.TrimSpace(item.ConnectionID) == "" {
		return ErrInvalidInput
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	clone := *item
	if item.LastSyncedAt != nil {
		v := *item.LastSyncedAt
		clone.LastSyncedAt = &v
	}
	b.items[itemKey(item.ConnectionID, item.Key)] = &clone
	return nil
}

func (b *MemoryBackend) GetItem(_ context.Context, connectionID, key string) (*LibraryItem, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	item, ok := b.items[itemKey(connectionID, key)]
	if !ok {
		return nil, fmt.Errorf("%w: item %s", ErrNotFound, key)
	}
	clone := *item
	if item.LastSyncedAt != nil {
		v := *item.LastSyncedAt
		clone.LastSyncedAt = &v
	}
	return &clone, nil
}

func (b *MemoryBackend) UpsertAnnotation(_ context.Context, a *Annotation) error {
	if a == nil || strings.TrimSpace(a.ID) == "" {
		return ErrInvalidInput
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.annotations[a.ID] = cloneAnnotation(a)
	return nil
}

func (b *MemoryBackend) GetAnnotation(_ context.Context, id string) (*Annotation, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	a, ok := b.annotations[id]
	if !ok {
		return nil, fmt.Errorf("%w: annotation %s", ErrNotFound, id)
	}
	return cloneAnnotation(a), nil
}

func (b *MemoryBackend) ListPendingAnnotations(_ context.Context, connectionID string, limit int) ([]*Annotation, error) {
	if limit <= 0 {
		limit = 100
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	matched := make([]*Annotation, 0)
	for _, a := range b.annotations {
		if a.ConnectionID == connectionID && a.SyncStatus == AnnotationPending && !a.Deleted {
			matched = append(matched, a)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.Before(matched[j].CreatedAt)
		}
		return matched[i].ID < matched[j].ID
	})
	if len(matched) > limit {
		matched = matched[:limit]
	}
	out := make([]*Annotation, 0, len(matched))
	for _, a := range matched {
		out = append(out, cloneAnnotation(a))
	}
	return out, nil
}

func (b *MemoryBackend) PutConnection(_ context.Context, c *Connection) error {
	if c == nil || strings.TrimSpace(c.ID) == "" {
		return ErrInvalidInput
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	clone := *c
	b.connections[c.ID] = &clone
	return nil
}

func (b *MemoryBackend) GetConnection(_ context.Context, id string) (*Connection, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.connections[id]
	if !ok {
		return nil, fmt.Errorf("%w: connection %s", ErrNotFound, id)
	}
	clone := *c
	return &clone, nil
}

func (b *MemoryBackend) PutWebhookEndpoint(_ context.Context, e *WebhookEndpoint) error {
	if e == nil || strings.TrimSpace(e.ID) == "" {
		return ErrInvalidInput
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	clone := *e
	b.endpoints[e.ID] = &clone
	return nil
}

func (b *MemoryBackend) GetWebhookEndpoint(_ context.Context, id string) (*WebhookEndpoint, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.endpoints[id]
	if !ok {
		return nil, fmt.Errorf("%w: webhook endpoint %s", ErrNotFound, id)
	}
	clone := *e
	return &clone, nil
}

func (b *MemoryBackend) InsertWebhookEvent(_ context.Context, ev *WebhookEvent) error {
	if ev == nil || strings.TrimSpace(ev.ID) == "" {
		return ErrInvalidInput
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.events[ev.ID]; exists {
		return fmt.Errorf("%w: webhook event %s already exists", ErrInvalidState, ev.ID)
	}
	b.events[ev.ID] = cloneEvent(ev)
	return nil
}

func (b *MemoryBackend) UpdateWebhookEvent(_ context.Context, ev *WebhookEvent) error {
	if ev == nil {
		return ErrInvalidInput
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.events[ev.ID]; !ok {
		return fmt.Errorf("%w: webhook event %s", ErrNotFound, ev.ID)
	}
	b.events[ev.ID] = cloneEvent(ev)
	return nil
}

func (b *MemoryBackend) Close() error { return nil }

func statusIn(s JobStatus, set []JobStatus) bool {
	for _, candidate := range set {
		if s == candidate {
			return true
		}
	}
	return false
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return 20
	}
	if limit > 100 {
		return 100
	}
	return limit
}

func cloneConflict(c *SyncConflict) *SyncConflict {
	clone := *c
	clone.LocalVersion = append(json.RawMessage(nil), c.LocalVersion...)
	clone.RemoteVersion = append(json.RawMessage(nil), c.RemoteVersion...)
	if c.ResolvedAt != nil {
		v := *c.ResolvedAt
		clone.ResolvedAt = &v
	}
	return &clone
}

func cloneAnnotation(a *Annotation) *Annotation {
	clone := *a
	if a.LastSyncedAt != nil {
		v := *a.LastSyncedAt
		clone.LastSyncedAt = &v
	}
	return &clone
}

func cloneEvent(ev *WebhookEvent) *WebhookEvent {
	clone := *ev
	clone.Payload = append(json.RawMessage(nil), ev.Payload...)
	return &clone
}
