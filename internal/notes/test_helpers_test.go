package notes

import (
	"errors"
	"fmt"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

type staticIDGenerator struct {
	ids   []string
	index int
}

func (g *staticIDGenerator) NewID() (string, error) {
	if g.index >= len(g.ids) {
		return "", errors.New("exhausted ids")
	}
	id := g.ids[g.index]
	g.index++
	return id, nil
}

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:lodestar_notes_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&Note{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return db
}

func newTestStore(t *testing.T, db *gorm.DB, ids []string) *Store {
	t.Helper()

	clock := func() time.Time { return time.Unix(1700000600, 0).UTC() }
	store, err := NewStore(StoreConfig{
		Database:   db,
		Clock:      clock,
		IDProvider: &staticIDGenerator{ids: ids},
	})
	if err != nil {
		t.Fatalf("failed to construct store: %v", err)
	}
	return store
}

func mustUserID(t *testing.T, value string) UserID {
	t.Helper()
	id, err := NewUserID(value)
	if err != nil {
		t.Fatalf("unexpected user id error: %v", err)
	}
	return id
}

func mustLocalRef(t *testing.T, value string) Ref {
	t.Helper()
	ref, err := LocalRef(value)
	if err != nil {
		t.Fatalf("unexpected local ref error: %v", err)
	}
	return ref
}

func mustServerRef(t *testing.T, value string) Ref {
	t.Helper()
	ref, err := ServerRef(value)
	if err != nil {
		t.Fatalf("unexpected server ref error: %v", err)
	}
	return ref
}
