package zotsync

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/scholardesk/zotsync/internal/zoteroapi"
)

type fakeRemote struct {
	items          []zoteroapi.Item
	deletions      zoteroapi.Deletions
	libraryVersion int

	itemsErr      error
	createErr     error
	updateErr     error
	createdKeys   []string
	updatedKeys   []string
	nextCreateKey int
}

func (f *fakeRemote) ItemsSince(_ context.Context, _ zoteroapi.Credentials, since, _ int) ([]zoteroapi.Item, int, error) {
	if f.itemsErr != nil {
		return nil, 0, f.itemsErr
	}
	out := make([]zoteroapi.Item, 0, len(f.items))
	for _, item := range f.items {
		if item.Version > since {
			out = append(out, item)
		}
	}
	return out, f.libraryVersion, nil
}

func (f *fakeRemote) DeletedSince(_ context.Context, _ zoteroapi.Credentials, _ int) (*zoteroapi.Deletions, int, error) {
	d := f.deletions
	return &d, f.libraryVersion, nil
}

func (f *fakeRemote) CreateAnnotation(_ context.Context, _ zoteroapi.Credentials, _ zoteroapi.ItemData) (string, int, error) {
	if f.createErr != nil {
		return "", 0, f.createErr
	}
	f.nextCreateKey++
	key := fmt.Sprintf("ANNOT%03d", f.nextCreateKey)
	f.createdKeys = append(f.createdKeys, key)
	return key, f.libraryVersion, nil
}

func (f *fakeRemote) UpdateItem(_ context.Context, _ zoteroapi.Credentials, key string, _ zoteroapi.ItemData, _ int) (int, error) {
	if f.updateErr != nil {
		return 0, f.updateErr
	}
	f.updatedKeys = append(f.updatedKeys, key)
	return f.libraryVersion, nil
}

func remoteItem(key string, version int, title string, modified time.Time) zoteroapi.Item {
	return zoteroapi.Item{
		Key:     key,
		Version: version,
		Data: zoteroapi.ItemData{
			Key:          key,
			Version:      version,
			ItemType:     "journalArticle",
			Title:        title,
			DateModified: modified,
		},
		Raw: []byte(fmt.Sprintf(`{"key":%q,"version":%d,"itemType":"journalArticle","title":%q}`, key, version, title)),
	}
}

func execSetup(t *testing.T, remote Remote, strategy ResolutionStrategy) (Backend, Executor, *Connection, *SyncJob) {
	t.Helper()
	backend := NewMemoryBackend()
	conn := &Connection{
		ID:           "conn-1",
		UserID:       "user-1",
		ZoteroUserID: "12345",
		APIKey:       "zkey",
		Strategy:     strategy,
	}
	if err := backend.PutConnection(context.Background(), conn); err != nil {
		t.Fatalf("PutConnection: %v", err)
	}
	job := &SyncJob{
		ID:           "job-1",
		ConnectionID: "conn-1",
		JobType:      JobTypeIncrementalSync,
		Status:       JobStatusRunning,
	}
	return backend, NewExecutor(remote, backend, nil), conn, job
}

func TestExecutorAddsNewItems(t *testing.T) {
	now := time.Now()
	remote := &fakeRemote{
		libraryVersion: 10,
		items: []zoteroapi.Item{
			remoteItem("AAAA1111", 8, "First paper", now),
			remoteItem("BBBB2222", 10, "Second paper", now),
		},
	}
	backend, exec, conn, job := execSetup(t, remote, StrategyZoteroWins)

	result, err := exec.Execute(context.Background(), job, conn)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result.Added != 2 || result.Processed != 2 {
		t.Fatalf("result = %+v, want 2 added", result)
	}
	if result.LibraryVersion != 10 {
		t.Fatalf("library version = %d, want 10", result.LibraryVersion)
	}

	item, err := backend.GetItem(context.Background(), "conn-1", "AAAA1111")
	if err != nil {
		t.Fatalf("GetItem: %v", err)
	}
	if item.Title != "First paper" || item.Version != 8 || item.LastSyncedAt == nil {
		t.Fatalf("stored item = %+v", item)
	}

	stored, err := backend.GetConnection(context.Background(), "conn-1")
	if err != nil {
		t.Fatalf("GetConnection: %v", err)
	}
	if stored.LibraryVersion != 10 {
		t.Fatalf("connection cursor = %d, want 10", stored.LibraryVersion)
	}
}

func TestExecutorUpdatesWithoutConflict(t *testing.T) {
	lastSynced := time.Now().Add(-time.Hour)
	remote := &fakeRemote{
		libraryVersion: 20,
		items:          []zoteroapi.Item{remoteItem("AAAA1111", 20, "Revised title", time.Now())},
	}
	backend, exec, conn, job := execSetup(t, remote, StrategyZoteroWins)
	conn.LibraryVersion = 10

	// Local copy untouched since last sync: remote wins silently.
	if err := backend.UpsertItem(context.Background(), &LibraryItem{
		ConnectionID: "conn-1", Key: "AAAA1111", Version: 10,
		ItemType: "journalArticle", Title: "Old title",
		UpdatedAt: lastSynced, LastSyncedAt: &lastSynced,
	}); err != nil {
		t.Fatalf("UpsertItem: %v", err)
	}

	result, err := exec.Execute(context.Background(), job, conn)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result.Updated != 1 || result.Conflicts != 0 {
		t.Fatalf("result = %+v, want 1 updated 0 conflicts", result)
	}
	item, _ := backend.GetItem(context.Background(), "conn-1", "AAAA1111")
	if item.Title != "Revised title" || item.Version != 20 {
		t.Fatalf("item = %+v", item)
	}
}

func TestExecutorDetectsUpdateConflict(t *testing.T) {
	lastSynced := time.Now().Add(-2 * time.Hour)
	localEdit := time.Now().Add(-time.Hour)
	remoteEdit := time.Now().Add(-30 * time.Minute)

	remote := &fakeRemote{
		libraryVersion: 20,
		items:          []zoteroapi.Item{remoteItem("AAAA1111", 20, "Remote edit", remoteEdit)},
	}
	backend, exec, conn, job := execSetup(t, remote, StrategyZoteroWins)
	conn.LibraryVersion = 10

	if err := backend.UpsertItem(context.Background(), &LibraryItem{
		ConnectionID: "conn-1", Key: "AAAA1111", Version: 10,
		ItemType: "journalArticle", Title: "Local edit",
		UpdatedAt: localEdit, LastSyncedAt: &lastSynced,
	}); err != nil {
		t.Fatalf("UpsertItem: %v", err)
	}

	result, err := exec.Execute(context.Background(), job, conn)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result.Conflicts != 1 {
		t.Fatalf("result = %+v, want 1 conflict", result)
	}

	conflicts, err := backend.ListConflicts(context.Background(), ConflictFilter{ConnectionID: "conn-1"})
	if err != nil {
		t.Fatalf("ListConflicts: %v", err)
	}
	if len(conflicts) != 1 {
		t.Fatalf("stored %d conflicts, want 1", len(conflicts))
	}
	c := conflicts[0]
	if c.ConflictType != ConflictTypeItemUpdate || c.SyncJobID != "job-1" {
		t.Fatalf("conflict = %+v", c)
	}
	if c.ResolutionStatus != ResolutionResolved {
		t.Fatalf("zotero_wins conflict should auto-resolve, got %s", c.ResolutionStatus)
	}
	if len(c.LocalVersion) == 0 || len(c.RemoteVersion) == 0 {
		t.Fatal("conflict snapshots missing")
	}

	item, _ := backend.GetItem(context.Background(), "conn-1", "AAAA1111")
	if item.Title != "Remote edit" {
		t.Fatalf("zotero_wins should apply remote title, got %q", item.Title)
	}
}

func TestExecutorManualConflictLeavesLocalUntouched(t *testing.T) {
	lastSynced := time.Now().Add(-2 * time.Hour)
	remote := &fakeRemote{
		libraryVersion: 20,
		items:          []zoteroapi.Item{remoteItem("AAAA1111", 20, "Remote edit", time.Now())},
	}
	backend, exec, conn, job := execSetup(t, remote, StrategyManual)
	conn.LibraryVersion = 10

	if err := backend.UpsertItem(context.Background(), &LibraryItem{
		ConnectionID: "conn-1", Key: "AAAA1111", Version: 10,
		ItemType: "journalArticle", Title: "Local edit",
		UpdatedAt: time.Now().Add(-time.Hour), LastSyncedAt: &lastSynced,
	}); err != nil {
		t.Fatalf("UpsertItem: %v", err)
	}

	if _, err := exec.Execute(context.Background(), job, conn); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	conflicts, _ := backend.ListConflicts(context.Background(), ConflictFilter{ConnectionID: "conn-1"})
	if len(conflicts) != 1 || conflicts[0].ResolutionStatus != ResolutionManualRequired {
		t.Fatalf("conflicts = %+v, want one manual_required", conflicts)
	}
	item, _ := backend.GetItem(context.Background(), "conn-1", "AAAA1111")
	if item.Title != "Local edit" {
		t.Fatalf("manual strategy must not overwrite local, got %q", item.Title)
	}
}

func TestExecutorLocalWinsPushesItem(t *testing.T) {
	lastSynced := time.Now().Add(-2 * time.Hour)
	remote := &fakeRemote{
		libraryVersion: 20,
		items:          []zoteroapi.Item{remoteItem("AAAA1111", 20, "Remote edit", time.Now())},
	}
	backend, exec, conn, job := execSetup(t, remote, StrategyLocalWins)
	conn.LibraryVersion = 10

	if err := backend.UpsertItem(context.Background(), &LibraryItem{
		ConnectionID: "conn-1", Key: "AAAA1111", Version: 10,
		ItemType: "journalArticle", Title: "Local edit",
		UpdatedAt: time.Now().Add(-time.Hour), LastSyncedAt: &lastSynced,
	}); err != nil {
		t.Fatalf("UpsertItem: %v", err)
	}

	if _, err := exec.Execute(context.Background(), job, conn); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(remote.updatedKeys) != 1 || remote.updatedKeys[0] != "AAAA1111" {
		t.Fatalf("pushed keys = %v, want [AAAA1111]", remote.updatedKeys)
	}
	item, _ := backend.GetItem(context.Background(), "conn-1", "AAAA1111")
	if item.Title != "Local edit" {
		t.Fatalf("local_wins should keep local title, got %q", item.Title)
	}
}

func TestExecutorAppliesRemoteDeletions(t *testing.T) {
	lastSynced := time.Now().Add(-time.Hour)
	remote := &fakeRemote{
		libraryVersion: 20,
		deletions:      zoteroapi.Deletions{Items: []string{"GONE1111", "NEVERHAD"}},
	}
	backend, exec, conn, job := execSetup(t, remote, StrategyZoteroWins)
	conn.LibraryVersion = 10

	if err := backend.UpsertItem(context.Background(), &LibraryItem{
		ConnectionID: "conn-1", Key: "GONE1111", Version: 10,
		ItemType: "journalArticle", UpdatedAt: lastSynced, LastSyncedAt: &lastSynced,
	}); err != nil {
		t.Fatalf("UpsertItem: %v", err)
	}

	result, err := exec.Execute(context.Background(), job, conn)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result.Deleted != 1 {
		t.Fatalf("result = %+v, want 1 deleted", result)
	}
	item, _ := backend.GetItem(context.Background(), "conn-1", "GONE1111")
	if !item.Deleted {
		t.Fatal("item should be soft-deleted")
	}
}

func TestExecutorDeleteConflictLocalWinsKeepsItem(t *testing.T) {
	lastSynced := time.Now().Add(-2 * time.Hour)
	remote := &fakeRemote{
		libraryVersion: 20,
		deletions:      zoteroapi.Deletions{Items: []string{"KEEP1111"}},
	}
	backend, exec, conn, job := execSetup(t, remote, StrategyLocalWins)
	conn.LibraryVersion = 10

	if err := backend.UpsertItem(context.Background(), &LibraryItem{
		ConnectionID: "conn-1", Key: "KEEP1111", Version: 10,
		ItemType: "journalArticle", Title: "Edited locally",
		UpdatedAt: time.Now().Add(-time.Hour), LastSyncedAt: &lastSynced,
	}); err != nil {
		t.Fatalf("UpsertItem: %v", err)
	}

	if _, err := exec.Execute(context.Background(), job, conn); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	conflicts, _ := backend.ListConflicts(context.Background(), ConflictFilter{ConnectionID: "conn-1"})
	if len(conflicts) != 1 || conflicts[0].ConflictType != ConflictTypeItemDeleted {
		t.Fatalf("conflicts = %+v, want one item_deleted", conflicts)
	}
	item, _ := backend.GetItem(context.Background(), "conn-1", "KEEP1111")
	if item.Deleted {
		t.Fatal("local_wins should keep the locally edited item")
	}
}

func TestExecutorScopesWebhookJobToItemKeys(t *testing.T) {
	now := time.Now()
	remote := &fakeRemote{
		libraryVersion: 20,
		items: []zoteroapi.Item{
			remoteItem("WANT1111", 15, "Wanted", now),
			remoteItem("SKIP2222", 16, "Skipped", now),
		},
	}
	backend, exec, conn, job := execSetup(t, remote, StrategyZoteroWins)
	conn.LibraryVersion = 10
	job.JobType = JobTypeWebhookTriggered
	job.Metadata = map[string]any{"item_keys": []any{"WANT1111"}}

	result, err := exec.Execute(context.Background(), job, conn)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result.Added != 1 {
		t.Fatalf("result = %+v, want 1 added", result)
	}
	if _, err := backend.GetItem(context.Background(), "conn-1", "SKIP2222"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("out-of-scope item was applied: %v", err)
	}
}

func TestExecutorPushesPendingAnnotations(t *testing.T) {
	remote := &fakeRemote{libraryVersion: 20}
	backend, exec, conn, job := execSetup(t, remote, StrategyZoteroWins)
	conn.LibraryVersion = 20

	now := time.Now()
	if err := backend.UpsertAnnotation(context.Background(), &Annotation{
		ID: "ann-1", ConnectionID: "conn-1", AttachmentKey: "ATTACH11",
		Type: "highlight", Text: "important passage",
		SyncStatus: AnnotationPending, CreatedAt: now, UpdatedAt: now,
	}); err != nil {
		t.Fatalf("UpsertAnnotation: %v", err)
	}

	if _, err := exec.Execute(context.Background(), job, conn); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	ann, err := backend.GetAnnotation(context.Background(), "ann-1")
	if err != nil {
		t.Fatalf("GetAnnotation: %v", err)
	}
	if ann.SyncStatus != AnnotationSynced {
		t.Fatalf("annotation status = %s, want synced", ann.SyncStatus)
	}
	if ann.ZoteroKey == "" || ann.LastSyncedAt == nil {
		t.Fatalf("annotation export fields missing: %+v", ann)
	}
}

func TestExecutorAnnotationVersionConflict(t *testing.T) {
	remote := &fakeRemote{libraryVersion: 20, createErr: zoteroapi.ErrVersionConflict}
	backend, exec, conn, job := execSetup(t, remote, StrategyZoteroWins)
	conn.LibraryVersion = 20

	now := time.Now()
	if err := backend.UpsertAnnotation(context.Background(), &Annotation{
		ID: "ann-1", ConnectionID: "conn-1", AttachmentKey: "ATTACH11",
		Type: "highlight", SyncStatus: AnnotationPending, CreatedAt: now, UpdatedAt: now,
	}); err != nil {
		t.Fatalf("UpsertAnnotation: %v", err)
	}

	if _, err := exec.Execute(context.Background(), job, conn); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	ann, _ := backend.GetAnnotation(context.Background(), "ann-1")
	if ann.SyncStatus != AnnotationConflict {
		t.Fatalf("annotation status = %s, want conflict", ann.SyncStatus)
	}
}

func TestExecutorUpstreamErrorSurfaces(t *testing.T) {
	remote := &fakeRemote{itemsErr: errors.New("boom")}
	_, exec, conn, job := execSetup(t, remote, StrategyZoteroWins)

	if _, err := exec.Execute(context.Background(), job, conn); !errors.Is(err, ErrUpstream) {
		t.Fatalf("expected ErrUpstream, got %v", err)
	}
}
