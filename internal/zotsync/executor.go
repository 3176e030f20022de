package zotsync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/scholardesk/zotsync/internal/zoteroapi"
)

// Remote is the slice of the Zotero API the executor depends on.
type Remote interface {
	ItemsSince(ctx context.Context, creds zoteroapi.Credentials, since, limit int) ([]zoteroapi.Item, int, error)
	DeletedSince(ctx context.Context, creds zoteroapi.Credentials, since int) (*zoteroapi.Deletions, int, error)
	CreateAnnotation(ctx context.Context, creds zoteroapi.Credentials, data zoteroapi.ItemData) (string, int, error)
	UpdateItem(ctx context.Context, creds zoteroapi.Credentials, key string, data zoteroapi.ItemData, lastSeenVersion int) (int, error)
}

// Executor runs one claimed sync job to completion.
type Executor interface {
	Execute(ctx context.Context, job *SyncJob, conn *Connection) (*ExecResult, error)
}

const (
	fetchPageSize       = 100
	annotationPushLimit = 100
)

// zoteroExecutor pulls remote changes into the local mirror, settles
// conflicts per the connection's strategy, and pushes pending annotations
// back out.
type zoteroExecutor struct {
	remote  Remote
	backend Backend
	clock   func() time.Time
}

func NewExecutor(remote Remote, backend Backend, clock func() time.Time) Executor {
	if clock == nil {
		clock = time.Now
	}
	return &zoteroExecutor{remote: remote, backend: backend, clock: clock}
}

func (e *zoteroExecutor) Execute(ctx context.Context, job *SyncJob, conn *Connection) (*ExecResult, error) {
	if job == nil || conn == nil {
		return nil, ErrInvalidInput
	}
	creds := zoteroapi.Credentials{UserID: conn.ZoteroUserID, APIKey: conn.APIKey}

	since := conn.LibraryVersion
	if job.JobType == JobTypeFullSync {
		since = 0
	}

	result := &ExecResult{LibraryVersion: conn.LibraryVersion}
	keyFilter := webhookItemKeys(job)

	if err := e.pullItems(ctx, job, conn, creds, since, keyFilter, result); err != nil {
		return result, err
	}
	if since > 0 {
		if err := e.pullDeletions(ctx, job, conn, creds, since, result); err != nil {
			return result, err
		}
	}
	if err := e.pushAnnotations(ctx, conn, creds, result); err != nil {
		return result, err
	}

	if result.LibraryVersion > conn.LibraryVersion {
		conn.LibraryVersion = result.LibraryVersion
		conn.UpdatedAt = e.clock()
		if err := e.backend.PutConnection(ctx, conn); err != nil {
			return result, fmt.Errorf("advance library cursor: %w", err)
		}
	}
	return result, nil
}

// webhookItemKeys extracts the item_keys hint from a webhook-triggered job's
// metadata. An empty result means sync everything.
func webhookItemKeys(job *SyncJob) map[string]bool {
	if job.JobType != JobTypeWebhookTriggered {
		return nil
	}
	raw, ok := job.Metadata["item_keys"]
	if !ok {
		return nil
	}
	list, ok := raw.([]any)
	if !ok {
		return nil
	}
	keys := make(map[string]bool, len(list))
	for _, v := range list {
		if s, ok := v.(string); ok && s != "" {
			keys[s] = true
		}
	}
	if len(keys) == 0 {
		return nil
	}
	return keys
}

func (e *zoteroExecutor) pullItems(ctx context.Context, job *SyncJob, conn *Connection, creds zoteroapi.Credentials, since int, keyFilter map[string]bool, result *ExecResult) error {
	cursor := since
	for {
		items, remoteVersion, err := e.remote.ItemsSince(ctx, creds, cursor, fetchPageSize)
		if err != nil {
			return fmt.Errorf("%w: fetch items since %d: %v", ErrUpstream, cursor, err)
		}
		if remoteVersion > result.LibraryVersion {
			result.LibraryVersion = remoteVersion
		}
		for i := range items {
			remote := &items[i]
			// The cursor advances over skipped items too, so a filtered
			// page cannot stall pagination.
			if remote.Version > cursor {
				cursor = remote.Version
			}
			if keyFilter != nil && !keyFilter[remote.Key] {
				continue
			}
			if err := e.applyRemoteItem(ctx, job, conn, creds, remote, result); err != nil {
				return err
			}
			result.Processed++
		}
		if len(items) < fetchPageSize {
			return nil
		}
	}
}

func (e *zoteroExecutor) applyRemoteItem(ctx context.Context, job *SyncJob, conn *Connection, creds zoteroapi.Credentials, remote *zoteroapi.Item, result *ExecResult) error {
	now := e.clock()
	local, err := e.backend.GetItem(ctx, conn.ID, remote.Key)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}

	if local == nil {
		synced := now
		item := &LibraryItem{
			ConnectionID: conn.ID,
			Key:          remote.Key,
			Version:      remote.Version,
			ItemType:     remote.Data.ItemType,
			Title:        remote.Data.Title,
			DateModified: remote.Data.DateModified,
			UpdatedAt:    now,
			LastSyncedAt: &synced,
		}
		if err := e.backend.UpsertItem(ctx, item); err != nil {
			return err
		}
		result.Added++
		return nil
	}

	if remote.Version <= local.Version {
		return nil
	}

	if hasConflict(local, remote.Data.DateModified) {
		conflict, err := newConflict(job, local, remote, ConflictTypeItemUpdate, conn.Strategy, now)
		if err != nil {
			return err
		}
		if err := e.backend.InsertConflict(ctx, conflict); err != nil {
			return err
		}
		result.Conflicts++

		resolved, localDirty := resolveItem(local, remote, conn.Strategy, now)
		if err := e.backend.UpsertItem(ctx, resolved); err != nil {
			return err
		}
		if localDirty {
			if err := e.pushLocalItem(ctx, creds, resolved); err != nil {
				return err
			}
		}
		result.Updated++
		return nil
	}

	synced := now
	local.Version = remote.Version
	local.ItemType = remote.Data.ItemType
	local.Title = remote.Data.Title
	local.DateModified = remote.Data.DateModified
	local.UpdatedAt = now
	local.LastSyncedAt = &synced
	local.Deleted = false
	if err := e.backend.UpsertItem(ctx, local); err != nil {
		return err
	}
	result.Updated++
	return nil
}

// pushLocalItem writes a locally edited item back to the remote, conditioned
// on the version we last saw. A 412 means the remote moved again; the next
// pull will re-detect the conflict, so it is not an execution failure.
func (e *zoteroExecutor) pushLocalItem(ctx context.Context, creds zoteroapi.Credentials, item *LibraryItem) error {
	data := zoteroapi.ItemData{
		Key:      item.Key,
		Version:  item.Version,
		ItemType: item.ItemType,
		Title:    item.Title,
	}
	version, err := e.remote.UpdateItem(ctx, creds, item.Key, data, item.Version)
	if errors.Is(err, zoteroapi.ErrVersionConflict) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("%w: push item %s: %v", ErrUpstream, item.Key, err)
	}
	now := e.clock()
	item.Version = version
	item.UpdatedAt = now
	item.LastSyncedAt = &now
	return e.backend.UpsertItem(ctx, item)
}

func (e *zoteroExecutor) pullDeletions(ctx context.Context, job *SyncJob, conn *Connection, creds zoteroapi.Credentials, since int, result *ExecResult) error {
	deletions, remoteVersion, err := e.remote.DeletedSince(ctx, creds, since)
	if err != nil {
		return fmt.Errorf("%w: fetch deletions since %d: %v", ErrUpstream, since, err)
	}
	if remoteVersion > result.LibraryVersion {
		result.LibraryVersion = remoteVersion
	}
	for _, key := range deletions.Items {
		now := e.clock()
		local, err := e.backend.GetItem(ctx, conn.ID, key)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		if local.Deleted {
			continue
		}
		result.Processed++

		// Local edits after the last sync collide with the remote delete.
		if local.LastSyncedAt != nil && local.UpdatedAt.After(*local.LastSyncedAt) {
			conflict, err := newConflict(job, local, nil, ConflictTypeItemDeleted, conn.Strategy, now)
			if err != nil {
				return err
			}
			if err := e.backend.InsertConflict(ctx, conflict); err != nil {
				return err
			}
			result.Conflicts++
			if conn.Strategy == StrategyLocalWins || conn.Strategy == StrategyManual {
				continue
			}
		}

		synced := now
		local.Deleted = true
		local.UpdatedAt = now
		local.LastSyncedAt = &synced
		if err := e.backend.UpsertItem(ctx, local); err != nil {
			return err
		}
		result.Deleted++
	}
	return nil
}

func (e *zoteroExecutor) pushAnnotations(ctx context.Context, conn *Connection, creds zoteroapi.Credentials, result *ExecResult) error {
	pending, err := e.backend.ListPendingAnnotations(ctx, conn.ID, annotationPushLimit)
	if err != nil {
		return err
	}
	for _, a := range pending {
		data := zoteroapi.ItemData{
			ItemType:           "annotation",
			ParentItem:         a.AttachmentKey,
			AnnotationType:     a.Type,
			AnnotationText:     a.Text,
			AnnotationComment:  a.Comment,
			AnnotationColor:    a.Color,
			AnnotationPosition: a.Position,
		}
		key, version, err := e.remote.CreateAnnotation(ctx, creds, data)
		now := e.clock()
		if errors.Is(err, zoteroapi.ErrVersionConflict) {
			a.SyncStatus = AnnotationConflict
			a.UpdatedAt = now
			if err := e.backend.UpsertAnnotation(ctx, a); err != nil {
				return err
			}
			continue
		}
		if err != nil {
			return fmt.Errorf("%w: push annotation %s: %v", ErrUpstream, a.ID, err)
		}
		a.ZoteroKey = key
		a.Version = version
		a.SyncStatus = AnnotationSynced
		a.LastSyncedAt = &now
		a.UpdatedAt = now
		if err := e.backend.UpsertAnnotation(ctx, a); err != nil {
			return err
		}
		result.Processed++
		result.Added++
	}
	return nil
}
