package notes

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestCreateStartsPendingWithNeedsSync(t *testing.T) {
	db := newTestDB(t)
	store := newTestStore(t, db, []string{"local-1"})
	owner := mustUserID(t, "user-1")

	localID, err := store.Create(context.Background(), Draft{Title: "A", Details: "body"}, owner)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if localID != "local-1" {
		t.Fatalf("unexpected local id %s", localID)
	}

	var stored Note
	if err := db.First(&stored).Error; err != nil {
		t.Fatalf("failed to load stored note: %v", err)
	}
	if stored.SyncStatus != SyncStatusPending {
		t.Fatalf("expected pending status, got %s", stored.SyncStatus)
	}
	if !stored.NeedsSync {
		t.Fatalf("expected needs_sync to be set")
	}
	if stored.LocalUpdatedAt == nil {
		t.Fatalf("expected local_updated_at to be set")
	}
	if stored.ServerID != nil {
		t.Fatalf("expected no server id before first sync")
	}
	if stored.OwnerID != "user-1" {
		t.Fatalf("unexpected owner %s", stored.OwnerID)
	}
}

func TestUpdateByServerRef(t *testing.T) {
	db := newTestDB(t)
	store := newTestStore(t, db, []string{"local-1"})
	owner := mustUserID(t, "user-1")

	localID, err := store.Create(context.Background(), Draft{Title: "A"}, owner)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	sid := "srv-42"
	if err := db.Model(&Note{}).Where("local_id = ?", localID).Update("server_id", sid).Error; err != nil {
		t.Fatalf("failed to seed server id: %v", err)
	}

	if err := store.Update(context.Background(), mustServerRef(t, "srv-42"), Draft{Title: "B", Details: "changed"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var stored Note
	if err := db.First(&stored).Error; err != nil {
		t.Fatalf("failed to load stored note: %v", err)
	}
	if stored.Title != "B" || stored.Details != "changed" {
		t.Fatalf("unexpected content %q/%q", stored.Title, stored.Details)
	}
	if !stored.NeedsSync {
		t.Fatalf("expected needs_sync after update")
	}
}

func TestUpdateMissingNoteReturnsNotFound(t *testing.T) {
	db := newTestDB(t)
	store := newTestStore(t, db, nil)

	err := store.Update(context.Background(), mustLocalRef(t, "missing"), Draft{Title: "X"})
	if !errors.Is(err, ErrNoteNotFound) {
		t.Fatalf("expected ErrNoteNotFound, got %v", err)
	}
}

func TestDeleteHardRemovesRow(t *testing.T) {
	db := newTestDB(t)
	store := newTestStore(t, db, []string{"local-1"})
	owner := mustUserID(t, "user-1")

	localID, err := store.Create(context.Background(), Draft{Title: "A"}, owner)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := store.Delete(context.Background(), mustLocalRef(t, localID)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var count int64
	if err := db.Model(&Note{}).Count(&count).Error; err != nil {
		t.Fatalf("failed to count notes: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected hard delete, found %d rows", count)
	}

	if err := store.Delete(context.Background(), mustLocalRef(t, localID)); !errors.Is(err, ErrNoteNotFound) {
		t.Fatalf("expected ErrNoteNotFound on second delete, got %v", err)
	}
}

func TestFetchAllIncludesSharedAndOrdersByUpdatedAt(t *testing.T) {
	db := newTestDB(t)
	store := newTestStore(t, db, nil)
	viewer := mustUserID(t, "user-1")

	older := time.Unix(1700000000, 0).UTC()
	newer := time.Unix(1700000500, 0).UTC()
	rows := []Note{
		{
			LocalID: "own-old", Title: "old", Details: "", OwnerID: "user-1",
			SharedWith: NewStringSet(), BookmarkedBy: NewStringSet(),
			CreatedAt: older, UpdatedAt: older, SyncStatus: SyncStatusSynced,
		},
		{
			LocalID: "own-new", Title: "new", Details: "", OwnerID: "user-1",
			SharedWith: NewStringSet(), BookmarkedBy: NewStringSet(),
			CreatedAt: newer, UpdatedAt: newer, SyncStatus: SyncStatusSynced,
		},
		{
			LocalID: "shared", Title: "shared", Details: "", OwnerID: "user-2",
			SharedWith: NewStringSet("user-1"), BookmarkedBy: NewStringSet(),
			CreatedAt: older, UpdatedAt: older.Add(time.Minute), SyncStatus: SyncStatusSynced,
		},
		{
			LocalID: "other", Title: "invisible", Details: "", OwnerID: "user-2",
			SharedWith: NewStringSet("user-3"), BookmarkedBy: NewStringSet(),
			CreatedAt: older, UpdatedAt: older, SyncStatus: SyncStatusSynced,
		},
	}
	for i := range rows {
		if err := db.Create(&rows[i]).Error; err != nil {
			t.Fatalf("failed to seed note: %v", err)
		}
	}

	visible, err := store.FetchAll(context.Background(), viewer)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(visible) != 3 {
		t.Fatalf("expected 3 visible notes, got %d", len(visible))
	}
	if visible[0].LocalID != "own-new" {
		t.Fatalf("expected newest first, got %s", visible[0].LocalID)
	}
	if visible[1].LocalID != "shared" {
		t.Fatalf("expected shared note second, got %s", visible[1].LocalID)
	}
	for _, row := range visible {
		if row.LocalID == "other" {
			t.Fatalf("note shared with another user must not be visible")
		}
	}
}

func TestMarkSyncedAppliesServerFields(t *testing.T) {
	db := newTestDB(t)
	store := newTestStore(t, db, []string{"local-1"})
	owner := mustUserID(t, "user-1")

	localID, err := store.Create(context.Background(), Draft{Title: "draft"}, owner)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	serverTime := time.Unix(1700001000, 0).UTC()
	err = store.MarkSynced(context.Background(), localID, &ServerFields{
		Title:        "authoritative",
		Details:      "server body",
		SharedWith:   NewStringSet("friend@example.com"),
		BookmarkedBy: NewStringSet("user-1"),
		UpdatedAt:    serverTime,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var stored Note
	if err := db.First(&stored).Error; err != nil {
		t.Fatalf("failed to load stored note: %v", err)
	}
	if stored.SyncStatus != SyncStatusSynced {
		t.Fatalf("expected synced status, got %s", stored.SyncStatus)
	}
	if stored.NeedsSync {
		t.Fatalf("expected needs_sync cleared")
	}
	if stored.LocalUpdatedAt != nil {
		t.Fatalf("expected local_updated_at cleared")
	}
	if stored.Title != "authoritative" {
		t.Fatalf("expected server title applied, got %q", stored.Title)
	}
	if !stored.SharedWith.Contains("friend@example.com") {
		t.Fatalf("expected server shared set applied")
	}
	if !stored.UpdatedAt.Equal(serverTime) {
		t.Fatalf("expected server updated_at applied, got %v", stored.UpdatedAt)
	}
}

func TestMarkSyncedMissingNoteReturnsNotFound(t *testing.T) {
	db := newTestDB(t)
	store := newTestStore(t, db, nil)

	if err := store.MarkSynced(context.Background(), "missing", nil); !errors.Is(err, ErrNoteNotFound) {
		t.Fatalf("expected ErrNoteNotFound, got %v", err)
	}
}

func TestSetMutatorsTrackDivergence(t *testing.T) {
	db := newTestDB(t)
	store := newTestStore(t, db, []string{"local-1"})
	owner := mustUserID(t, "user-1")

	localID, err := store.Create(context.Background(), Draft{Title: "A"}, owner)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	ref := mustLocalRef(t, localID)
	if err := store.MarkSynced(context.Background(), localID, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := store.AddBookmark(context.Background(), ref, owner); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var stored Note
	if err := db.First(&stored).Error; err != nil {
		t.Fatalf("failed to load stored note: %v", err)
	}
	if !stored.BookmarkedBy.Contains("user-1") {
		t.Fatalf("expected bookmark recorded")
	}
	if !stored.NeedsSync || stored.SyncStatus != SyncStatusPending {
		t.Fatalf("expected divergence tracked after bookmark")
	}

	if err := store.RemoveBookmark(context.Background(), ref, owner); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := db.First(&stored).Error; err != nil {
		t.Fatalf("failed to reload note: %v", err)
	}
	if stored.BookmarkedBy.Contains("user-1") {
		t.Fatalf("expected bookmark removed")
	}
}

func TestRemoveCollaboratorClearsEntry(t *testing.T) {
	db := newTestDB(t)
	store := newTestStore(t, db, []string{"local-1"})
	owner := mustUserID(t, "user-1")

	localID, err := store.Create(context.Background(), Draft{Title: "A"}, owner)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	ref := mustLocalRef(t, localID)

	if err := store.AddCollaborator(context.Background(), ref, "friend@example.com"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := store.RemoveCollaborator(context.Background(), ref, "friend@example.com"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var stored Note
	if err := db.First(&stored).Error; err != nil {
		t.Fatalf("failed to load stored note: %v", err)
	}
	if stored.SharedWith.Contains("friend@example.com") {
		t.Fatalf("expected collaborator removed")
	}

	// Removing an absent entry is a no-op, not an error.
	if err := store.RemoveCollaborator(context.Background(), ref, "friend@example.com"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestUpsertSyncedMatchesOnServerID(t *testing.T) {
	db := newTestDB(t)
	store := newTestStore(t, db, nil)

	sid := "srv-1"
	first := Note{
		LocalID: "local-a", ServerID: &sid, Title: "v1", Details: "",
		OwnerID: "user-1", SharedWith: NewStringSet(), BookmarkedBy: NewStringSet(),
		CreatedAt: time.Unix(1700000000, 0).UTC(), UpdatedAt: time.Unix(1700000000, 0).UTC(),
	}
	if err := store.UpsertSynced(context.Background(), []Note{first}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	second := first
	second.LocalID = "local-b"
	second.Title = "v2"
	if err := store.UpsertSynced(context.Background(), []Note{second}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var count int64
	if err := db.Model(&Note{}).Count(&count).Error; err != nil {
		t.Fatalf("failed to count notes: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected one row after re-upsert, got %d", count)
	}

	var stored Note
	if err := db.First(&stored).Error; err != nil {
		t.Fatalf("failed to load stored note: %v", err)
	}
	if stored.LocalID != "local-a" {
		t.Fatalf("expected original local id preserved, got %s", stored.LocalID)
	}
	if stored.Title != "v2" {
		t.Fatalf("expected updated title, got %q", stored.Title)
	}
}
