package recovery

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/MarcoPoloResearchLab/lodestar/internal/credentials"
	"github.com/MarcoPoloResearchLab/lodestar/internal/notes"
	"github.com/MarcoPoloResearchLab/lodestar/internal/remote"
)

type sequentialIDGenerator struct {
	next int
}

func (g *sequentialIDGenerator) NewID() (string, error) {
	g.next++
	return fmt.Sprintf("recovered-%d", g.next), nil
}

type fakeFetcher struct {
	owned      []remote.Note
	shared     []remote.Note
	bookmarked []remote.Note

	ownedErr      error
	sharedErr     error
	bookmarkedErr error
}

func (f *fakeFetcher) FetchAllNotes(_ context.Context, _ credentials.Credential) ([]remote.Note, error) {
	return f.owned, f.ownedErr
}

func (f *fakeFetcher) FetchSharedNotes(_ context.Context, _ credentials.Credential) ([]remote.Note, error) {
	return f.shared, f.sharedErr
}

func (f *fakeFetcher) FetchBookmarkedNotes(_ context.Context, _ credentials.Credential) ([]remote.Note, error) {
	return f.bookmarked, f.bookmarkedErr
}

type failingCounter struct {
	*notes.Store
}

func (failingCounter) CountForOwner(_ context.Context, _ notes.UserID) (int64, error) {
	return 0, errors.New("disk read failed")
}

var testCredential = credentials.Credential{UserID: "user-1", AccessToken: "token"}

func newTestStore(t *testing.T) (*notes.Store, *gorm.DB) {
	t.Helper()
	dsn := fmt.Sprintf("file:lodestar_recovery_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	if err := db.AutoMigrate(&notes.Note{}); err != nil {
		t.Fatalf("failed to migrate test database: %v", err)
	}
	store, err := notes.NewStore(notes.StoreConfig{
		Database:   db,
		Clock:      func() time.Time { return time.Unix(1700000600, 0).UTC() },
		IDProvider: notes.NewUUIDProvider(),
	})
	if err != nil {
		t.Fatalf("failed to build store: %v", err)
	}
	return store, db
}

func newCoordinator(t *testing.T, store LocalStore, fetcher RemoteAPI, translator ContactTranslator) *Coordinator {
	t.Helper()
	coordinator, err := NewCoordinator(Config{
		Store:      store,
		Remote:     fetcher,
		IDProvider: &sequentialIDGenerator{},
		Translator: translator,
		Clock:      func() time.Time { return time.Unix(1700000600, 0).UTC() },
	})
	if err != nil {
		t.Fatalf("failed to build coordinator: %v", err)
	}
	return coordinator
}

func TestDetectNeedSignalsEmptyLocalState(t *testing.T) {
	store, _ := newTestStore(t)
	coordinator := newCoordinator(t, store, &fakeFetcher{}, nil)

	assessment, err := coordinator.DetectNeed(context.Background(), testCredential)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !assessment.NeedsRecovery || assessment.Reason != "no_local_notes" {
		t.Fatalf("expected empty-state signal, got %+v", assessment)
	}
	if !assessment.CanRecover {
		t.Fatalf("empty state must be recoverable")
	}
}

func TestDetectNeedSignalsProbeFailure(t *testing.T) {
	store, _ := newTestStore(t)
	coordinator := newCoordinator(t, failingCounter{store}, &fakeFetcher{}, nil)

	assessment, err := coordinator.DetectNeed(context.Background(), testCredential)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !assessment.NeedsRecovery || assessment.Reason != "integrity_probe_failed" {
		t.Fatalf("expected probe-failure signal, got %+v", assessment)
	}
}

func TestDetectNeedWithLocalState(t *testing.T) {
	store, db := newTestStore(t)
	row := notes.Note{
		LocalID: "local-1", Title: "A", OwnerID: "user-1",
		SharedWith: notes.NewStringSet(), BookmarkedBy: notes.NewStringSet(),
		CreatedAt: time.Unix(1700000000, 0).UTC(), UpdatedAt: time.Unix(1700000000, 0).UTC(),
		SyncStatus: notes.SyncStatusSynced,
	}
	if err := db.Create(&row).Error; err != nil {
		t.Fatalf("failed to seed note: %v", err)
	}
	coordinator := newCoordinator(t, store, &fakeFetcher{}, nil)

	assessment, err := coordinator.DetectNeed(context.Background(), testCredential)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if assessment.NeedsRecovery {
		t.Fatalf("present local state must not trigger recovery, got %+v", assessment)
	}
}

func TestDetectNeedWithoutIdentity(t *testing.T) {
	store, _ := newTestStore(t)
	coordinator := newCoordinator(t, store, &fakeFetcher{}, nil)

	assessment, err := coordinator.DetectNeed(context.Background(), credentials.Credential{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if assessment.NeedsRecovery || assessment.CanRecover {
		t.Fatalf("missing identity cannot recover, got %+v", assessment)
	}
}

func TestExecuteRebuildsSyncedRows(t *testing.T) {
	store, db := newTestStore(t)
	fetcher := &fakeFetcher{
		owned: []remote.Note{
			{ID: "srv-1", Title: "First", OwnerID: "user-1", UpdatedAt: time.Unix(1700000100, 0).UTC()},
			{ID: "srv-2", Title: "Second", OwnerID: "user-1", Collaborators: []string{"friend@example.com"}},
		},
		shared: []remote.Note{
			{ID: "srv-3", Title: "Theirs", OwnerID: "user-2"},
		},
	}
	coordinator := newCoordinator(t, store, fetcher, nil)

	report, err := coordinator.Execute(context.Background(), testCredential)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if report.Owned.Recovered != 2 || report.Shared.Recovered != 1 || report.Bookmarked.Recovered != 0 {
		t.Fatalf("unexpected report %+v", report)
	}

	var rows []notes.Note
	if err := db.Order("server_id ASC").Find(&rows).Error; err != nil {
		t.Fatalf("failed to load rows: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("expected 3 recovered rows, got %d", len(rows))
	}
	for _, row := range rows {
		if row.SyncStatus != notes.SyncStatusSynced || row.NeedsSync {
			t.Fatalf("recovered rows must be synced, got %+v", row)
		}
		if !row.HasServerID() {
			t.Fatalf("recovered row without server id: %+v", row)
		}
		if !strings.HasPrefix(row.LocalID, "recovered-") {
			t.Fatalf("expected generated local id, got %q", row.LocalID)
		}
	}
	if !rows[1].SharedWith.Contains("friend@example.com") {
		t.Fatalf("expected collaborator preserved")
	}
}

func TestExecuteIsolatesCategoryFailures(t *testing.T) {
	store, db := newTestStore(t)
	fetcher := &fakeFetcher{
		owned:     []remote.Note{{ID: "srv-1", Title: "Mine", OwnerID: "user-1"}},
		sharedErr: errors.New("shared endpoint down"),
	}
	coordinator := newCoordinator(t, store, fetcher, nil)

	report, err := coordinator.Execute(context.Background(), testCredential)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if report.Owned.Recovered != 1 {
		t.Fatalf("owned category must survive a shared failure, got %+v", report)
	}
	if report.Shared.Error == "" {
		t.Fatalf("shared failure must be reported, got %+v", report)
	}

	var count int64
	if err := db.Model(&notes.Note{}).Count(&count).Error; err != nil {
		t.Fatalf("failed to count rows: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected one recovered row, got %d", count)
	}
}

func TestExecuteSkipsNotesWithoutServerID(t *testing.T) {
	store, db := newTestStore(t)
	fetcher := &fakeFetcher{
		owned: []remote.Note{
			{ID: "", Title: "Broken"},
			{ID: "srv-1", Title: "Fine", OwnerID: "user-1"},
		},
	}
	coordinator := newCoordinator(t, store, fetcher, nil)

	report, err := coordinator.Execute(context.Background(), testCredential)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if report.Owned.Recovered != 1 {
		t.Fatalf("expected the broken note skipped, got %+v", report)
	}

	var count int64
	if err := db.Model(&notes.Note{}).Count(&count).Error; err != nil {
		t.Fatalf("failed to count rows: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected one row, got %d", count)
	}
}

func TestExecuteAppliesContactTranslation(t *testing.T) {
	store, db := newTestStore(t)
	fetcher := &fakeFetcher{
		owned: []remote.Note{
			{ID: "srv-1", Title: "A", OwnerID: "user-1", Collaborators: []string{"friend@example.com"}},
		},
	}
	translator := func(_ context.Context, identifiers []string) []string {
		translated := make([]string, 0, len(identifiers))
		for _, id := range identifiers {
			translated = append(translated, "contact:"+id)
		}
		return translated
	}
	coordinator := newCoordinator(t, store, fetcher, translator)

	if _, err := coordinator.Execute(context.Background(), testCredential); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var row notes.Note
	if err := db.First(&row).Error; err != nil {
		t.Fatalf("failed to load row: %v", err)
	}
	if !row.SharedWith.Contains("contact:friend@example.com") {
		t.Fatalf("expected translated collaborator, got %v", row.SharedWith.Members())
	}
}
