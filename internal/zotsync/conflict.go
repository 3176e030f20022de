package zotsync

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/scholardesk/zotsync/internal/zoteroapi"
)

// hasConflict reports whether local and remote copies of the same item
// diverged: both were modified after the item was last synced. An item that
// was never synced cannot conflict, the remote copy is authoritative.
func hasConflict(local *LibraryItem, remoteModified time.Time) bool {
	if local == nil || local.LastSyncedAt == nil {
		return false
	}
	lastSynced := *local.LastSyncedAt
	return local.UpdatedAt.After(lastSynced) && remoteModified.After(lastSynced)
}

// newConflict records a detected divergence with immutable snapshots of both
// sides taken at detection time.
func newConflict(job *SyncJob, local *LibraryItem, remote *zoteroapi.Item, conflictType ConflictType, strategy ResolutionStrategy, now time.Time) (*SyncConflict, error) {
	localSnapshot, err := json.Marshal(local)
	if err != nil {
		return nil, fmt.Errorf("snapshot local item %s: %w", local.Key, err)
	}
	var remoteSnapshot json.RawMessage
	if remote != nil {
		remoteSnapshot = append(json.RawMessage(nil), remote.Raw...)
	}
	c := &SyncConflict{
		ID:               uuid.NewString(),
		SyncJobID:        job.ID,
		ConnectionID:     job.ConnectionID,
		ItemKey:          local.Key,
		ConflictType:     conflictType,
		LocalVersion:     localSnapshot,
		RemoteVersion:    remoteSnapshot,
		Strategy:         strategy,
		ResolutionStatus: ResolutionUnresolved,
		CreatedAt:        now,
	}
	switch strategy {
	case StrategyManual:
		c.ResolutionStatus = ResolutionManualRequired
	case StrategyZoteroWins, StrategyLocalWins, StrategyMerge:
		c.ResolutionStatus = ResolutionResolved
		resolved := now
		c.ResolvedAt = &resolved
		c.ResolvedBy = "system"
		c.ResolutionNotes = fmt.Sprintf("auto-resolved with strategy %s", strategy)
	}
	return c, nil
}

// resolveItem applies a resolution strategy to a conflicted item and returns
// the state to persist locally. The second return reports whether the local
// copy still carries edits the remote has not seen.
func resolveItem(local *LibraryItem, remote *zoteroapi.Item, strategy ResolutionStrategy, now time.Time) (*LibraryItem, bool) {
	out := *local
	switch strategy {
	case StrategyLocalWins:
		// Keep local content; adopt the remote version cursor so the next
		// push is conditioned on what the server actually has.
		out.Version = remote.Version
		return &out, true
	case StrategyMerge:
		// Field-level merge: newer side wins per field, remote version
		// always wins because it is the server's cursor.
		out.Version = remote.Version
		out.DateModified = remote.Data.DateModified
		if remote.Data.DateModified.After(local.UpdatedAt) {
			out.Title = remote.Data.Title
			out.ItemType = remote.Data.ItemType
		}
		synced := now
		out.LastSyncedAt = &synced
		return &out, local.UpdatedAt.After(remote.Data.DateModified)
	case StrategyManual:
		// Leave both sides untouched until a person decides.
		return &out, false
	default: // zotero_wins
		out.Version = remote.Version
		out.ItemType = remote.Data.ItemType
		out.Title = remote.Data.Title
		out.DateModified = remote.Data.DateModified
		out.UpdatedAt = now
		out.Deleted = false
		synced := now
		out.LastSyncedAt = &synced
		return &out, false
	}
}
