package zotsync

import (
	"testing"
	"time"
)

func TestHasConflict(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	lastSynced := base

	item := func(updatedAt time.Time, synced *time.Time) *LibraryItem {
		return &LibraryItem{
			ConnectionID: "conn-1",
			Key:          "AAAA1111",
			UpdatedAt:    updatedAt,
			LastSyncedAt: synced,
		}
	}

	cases := []struct {
		name           string
		local          *LibraryItem
		remoteModified time.Time
		want           bool
	}{
		{"both modified after sync", item(base.Add(time.Hour), &lastSynced), base.Add(2 * time.Hour), true},
		{"only local modified", item(base.Add(time.Hour), &lastSynced), base.Add(-time.Hour), false},
		{"only remote modified", item(base.Add(-time.Hour), &lastSynced), base.Add(time.Hour), false},
		{"neither modified", item(base, &lastSynced), base, false},
		{"never synced", item(base.Add(time.Hour), nil), base.Add(time.Hour), false},
		{"nil local", nil, base.Add(time.Hour), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := hasConflict(tc.local, tc.remoteModified); got != tc.want {
				t.Fatalf("hasConflict = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestResolveItemStrategies(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	lastSynced := base
	local := &LibraryItem{
		ConnectionID: "conn-1",
		Key:          "AAAA1111",
		Version:      10,
		ItemType:     "journalArticle",
		Title:        "Local title",
		UpdatedAt:    base.Add(time.Hour),
		LastSyncedAt: &lastSynced,
	}
	remote := remoteItem("AAAA1111", 20, "Remote title", base.Add(2*time.Hour))
	now := base.Add(3 * time.Hour)

	t.Run("zotero_wins", func(t *testing.T) {
		out, dirty := resolveItem(local, &remote, StrategyZoteroWins, now)
		if dirty {
			t.Fatal("zotero_wins should not leave local dirty")
		}
		if out.Title != "Remote title" || out.Version != 20 {
			t.Fatalf("out = %+v", out)
		}
		if out.LastSyncedAt == nil || !out.LastSyncedAt.Equal(now) {
			t.Fatalf("last_synced_at = %v", out.LastSyncedAt)
		}
	})

	t.Run("local_wins", func(t *testing.T) {
		out, dirty := resolveItem(local, &remote, StrategyLocalWins, now)
		if !dirty {
			t.Fatal("local_wins should mark the item for push")
		}
		if out.Title != "Local title" {
			t.Fatalf("title = %q, want local", out.Title)
		}
		if out.Version != 20 {
			t.Fatalf("version = %d, want remote cursor 20", out.Version)
		}
	})

	t.Run("merge remote newer", func(t *testing.T) {
		out, dirty := resolveItem(local, &remote, StrategyMerge, now)
		if dirty {
			t.Fatal("remote-newer merge should not leave local dirty")
		}
		if out.Title != "Remote title" {
			t.Fatalf("title = %q, want remote (newer side)", out.Title)
		}
	})

	t.Run("merge local newer", func(t *testing.T) {
		newerLocal := *local
		newerLocal.UpdatedAt = base.Add(4 * time.Hour)
		out, dirty := resolveItem(&newerLocal, &remote, StrategyMerge, now)
		if !dirty {
			t.Fatal("local-newer merge should mark the item for push")
		}
		if out.Title != "Local title" {
			t.Fatalf("title = %q, want local (newer side)", out.Title)
		}
		if out.Version != 20 {
			t.Fatalf("version = %d, remote cursor always wins", out.Version)
		}
	})

	t.Run("manual", func(t *testing.T) {
		out, dirty := resolveItem(local, &remote, StrategyManual, now)
		if dirty {
			t.Fatal("manual should not mark dirty")
		}
		if out.Title != "Local title" || out.Version != 10 {
			t.Fatalf("manual must leave local untouched: %+v", out)
		}
	})
}

func TestNewConflictSnapshots(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	lastSynced := base
	local := &LibraryItem{
		ConnectionID: "conn-1", Key: "AAAA1111", Version: 10,
		Title: "Local title", UpdatedAt: base.Add(time.Hour), LastSyncedAt: &lastSynced,
	}
	remote := remoteItem("AAAA1111", 20, "Remote title", base.Add(2*time.Hour))
	job := &SyncJob{ID: "job-1", ConnectionID: "conn-1"}

	c, err := newConflict(job, local, &remote, ConflictTypeItemUpdate, StrategyManual, base)
	if err != nil {
		t.Fatalf("newConflict: %v", err)
	}
	if c.ResolutionStatus != ResolutionManualRequired {
		t.Fatalf("manual conflict status = %s", c.ResolutionStatus)
	}
	if c.ResolvedAt != nil || c.ResolvedBy != "" {
		t.Fatal("manual conflict must not carry resolution audit fields")
	}
	if len(c.LocalVersion) == 0 || len(c.RemoteVersion) == 0 {
		t.Fatal("snapshots missing")
	}

	auto, err := newConflict(job, local, &remote, ConflictTypeItemUpdate, StrategyZoteroWins, base)
	if err != nil {
		t.Fatalf("newConflict: %v", err)
	}
	if auto.ResolutionStatus != ResolutionResolved || auto.ResolvedBy != "system" {
		t.Fatalf("auto conflict = %+v", auto)
	}
}
