package notes

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	noOpLogger           = zap.NewNop()

	// ErrNoteNotFound indicates that no note row matches the supplied reference.
	ErrNoteNotFound = errors.New("notes: note not found")
)

// StoreError wraps a storage failure with an operation code.
type StoreError struct {
	code string
	err  error
}

func (e *StoreError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *StoreError) Unwrap() error {
	return e.err
}

// Code returns the dotted operation code of the failure.
func (e *StoreError) Code() string {
	return e.code
}

const (
	opStoreNew         = "notes.store.new"
	opCreateNote       = "notes.create"
	opUpdateNote       = "notes.update"
	opDeleteNote       = "notes.delete"
	opFetchAll         = "notes.fetch_all"
	opGetNote          = "notes.get"
	opMarkSynced       = "notes.mark_synced"
	opSetConflict      = "notes.set_conflict"
	opMutateSet        = "notes.mutate_set"
	opResolveServerID  = "notes.resolve_server_id"
	opResolveLocalID   = "notes.resolve_local_id"
	opBindServerID     = "notes.bind_server_id"
	opCountNotes       = "notes.count"
	opBulkUpsertSynced = "notes.bulk_upsert_synced"
)

func newStoreError(operation, reason string, cause error) error {
	return &StoreError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

// StoreConfig wires the Store dependencies.
type StoreConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
}

// Store is the durable local record store for notes. Writes are synchronous
// and authoritative for the UI layer; the background processor reconciles them
// with the remote authority later.
type Store struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider IDProvider
	logger     *zap.Logger
}

// NewStore validates the configuration and constructs a Store.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, newStoreError(opStoreNew, "missing_database", errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, newStoreError(opStoreNew, "missing_id_provider", errMissingIDProvider)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Store{
		db:         cfg.Database,
		clock:      clock,
		idProvider: cfg.IDProvider,
		logger:     logger,
	}, nil
}

// Create inserts a new note owned by ownerID and returns its local identifier.
// The row starts pending with needs_sync set; it becomes synced only after its
// queued create operation completes remotely.
func (s *Store) Create(ctx context.Context, draft Draft, ownerID UserID) (string, error) {
	localID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opCreateNote, "id_generation_failed", err)
		return "", newStoreError(opCreateNote, "id_generation_failed", err)
	}

	now := s.clock().UTC()
	row := Note{
		LocalID:        localID,
		Title:          draft.Title,
		Details:        draft.Details,
		OwnerID:        ownerID.String(),
		SharedWith:     NewStringSet(),
		BookmarkedBy:   NewStringSet(),
		CreatedAt:      now,
		UpdatedAt:      now,
		SyncStatus:     SyncStatusPending,
		NeedsSync:      true,
		LocalUpdatedAt: &now,
	}

	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		s.logError(opCreateNote, "insert_failed", err, zap.String("local_id", localID))
		return "", newStoreError(opCreateNote, "insert_failed", err)
	}

	return localID, nil
}

// Get loads a single note by local or server reference.
func (s *Store) Get(ctx context.Context, ref Ref) (Note, error) {
	row, err := s.findByRef(ctx, ref)
	if err != nil {
		if !errors.Is(err, ErrNoteNotFound) {
			s.logError(opGetNote, "query_failed", err, refFields(ref)...)
		}
		return Note{}, err
	}
	return row, nil
}

// Update overwrites the user-editable fields of an existing note and marks it
// diverged from the last known server state.
func (s *Store) Update(ctx context.Context, ref Ref, draft Draft) error {
	row, err := s.findByRef(ctx, ref)
	if err != nil {
		if !errors.Is(err, ErrNoteNotFound) {
			s.logError(opUpdateNote, "query_failed", err, refFields(ref)...)
		}
		return err
	}

	now := s.clock().UTC()
	updates := map[string]interface{}{
		"title":            draft.Title,
		"details":          draft.Details,
		"updated_at":       now,
		"sync_status":      SyncStatusPending,
		"needs_sync":       true,
		"local_updated_at": now,
	}
	if err := s.db.WithContext(ctx).Model(&Note{}).
		Where("local_id = ?", row.LocalID).
		Updates(updates).Error; err != nil {
		s.logError(opUpdateNote, "update_failed", err, zap.String("local_id", row.LocalID))
		return newStoreError(opUpdateNote, "update_failed", err)
	}
	return nil
}

// Delete hard-removes a note row. No tombstone is retained; the queued delete
// operation carries everything the drain loop needs.
func (s *Store) Delete(ctx context.Context, ref Ref) error {
	row, err := s.findByRef(ctx, ref)
	if err != nil {
		if !errors.Is(err, ErrNoteNotFound) {
			s.logError(opDeleteNote, "query_failed", err, refFields(ref)...)
		}
		return err
	}

	if err := s.db.WithContext(ctx).
		Where("local_id = ?", row.LocalID).
		Delete(&Note{}).Error; err != nil {
		s.logError(opDeleteNote, "delete_failed", err, zap.String("local_id", row.LocalID))
		return newStoreError(opDeleteNote, "delete_failed", err)
	}
	return nil
}

// FetchAll returns the notes owned by or shared with userID, most recently
// updated first. Rows without a usable identifier are skipped so corrupt
// storage never reaches the UI layer.
func (s *Store) FetchAll(ctx context.Context, userID UserID) ([]Note, error) {
	var rows []Note
	sharedPattern := fmt.Sprintf("%%%q%%", userID.String())
	if err := s.db.WithContext(ctx).
		Where("owner_id = ? OR shared_with LIKE ?", userID.String(), sharedPattern).
		Order("updated_at DESC").
		Find(&rows).Error; err != nil {
		s.logError(opFetchAll, "query_failed", err, zap.String("user_id", userID.String()))
		return nil, newStoreError(opFetchAll, "query_failed", err)
	}

	visible := make([]Note, 0, len(rows))
	for _, row := range rows {
		if strings.TrimSpace(row.LocalID) == "" {
			s.logger.Warn("skipping note row without local id",
				zap.String("operation", opFetchAll),
				zap.String("owner_id", row.OwnerID))
			continue
		}
		visible = append(visible, row)
	}
	return visible, nil
}

// MarkSynced clears the divergence flags after a queued operation completed.
// When serverFields is non-nil the authoritative server representation
// overwrites the locally stored fields.
func (s *Store) MarkSynced(ctx context.Context, localID string, serverFields *ServerFields) error {
	updates := map[string]interface{}{
		"sync_status":      SyncStatusSynced,
		"needs_sync":       false,
		"local_updated_at": nil,
	}
	if serverFields != nil {
		updates["title"] = serverFields.Title
		updates["details"] = serverFields.Details
		if serverFields.SharedWith != nil {
			updates["shared_with"] = serverFields.SharedWith
		}
		if serverFields.BookmarkedBy != nil {
			updates["bookmarked_by"] = serverFields.BookmarkedBy
		}
		if !serverFields.UpdatedAt.IsZero() {
			updates["updated_at"] = serverFields.UpdatedAt.UTC()
		}
	}

	result := s.db.WithContext(ctx).Model(&Note{}).
		Where("local_id = ?", localID).
		Updates(updates)
	if result.Error != nil {
		s.logError(opMarkSynced, "update_failed", result.Error, zap.String("local_id", localID))
		return newStoreError(opMarkSynced, "update_failed", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNoteNotFound
	}
	return nil
}

// MarkConflict flags a note whose last update fell back to the local version.
// Informational only: the row still becomes synced once its queued update drains.
func (s *Store) MarkConflict(ctx context.Context, localID string) error {
	result := s.db.WithContext(ctx).Model(&Note{}).
		Where("local_id = ?", localID).
		Update("sync_status", SyncStatusConflict)
	if result.Error != nil {
		s.logError(opSetConflict, "update_failed", result.Error, zap.String("local_id", localID))
		return newStoreError(opSetConflict, "update_failed", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNoteNotFound
	}
	return nil
}

// AddCollaborator adds a collaborator identifier to the note's shared set.
func (s *Store) AddCollaborator(ctx context.Context, ref Ref, collaborator string) error {
	return s.mutateSet(ctx, ref, func(row *Note) bool {
		if row.SharedWith == nil {
			row.SharedWith = NewStringSet()
		}
		return row.SharedWith.Add(collaborator)
	})
}

// RemoveCollaborator drops a collaborator identifier from the note's shared set.
func (s *Store) RemoveCollaborator(ctx context.Context, ref Ref, collaborator string) error {
	return s.mutateSet(ctx, ref, func(row *Note) bool {
		if row.SharedWith == nil {
			return false
		}
		return row.SharedWith.Remove(collaborator)
	})
}

// AddBookmark records that userID bookmarked the note.
func (s *Store) AddBookmark(ctx context.Context, ref Ref, userID UserID) error {
	return s.mutateSet(ctx, ref, func(row *Note) bool {
		if row.BookmarkedBy == nil {
			row.BookmarkedBy = NewStringSet()
		}
		return row.BookmarkedBy.Add(userID.String())
	})
}

// RemoveBookmark clears userID's bookmark on the note.
func (s *Store) RemoveBookmark(ctx context.Context, ref Ref, userID UserID) error {
	return s.mutateSet(ctx, ref, func(row *Note) bool {
		if row.BookmarkedBy == nil {
			return false
		}
		return row.BookmarkedBy.Remove(userID.String())
	})
}

func (s *Store) mutateSet(ctx context.Context, ref Ref, mutate func(*Note) bool) error {
	row, err := s.findByRef(ctx, ref)
	if err != nil {
		if !errors.Is(err, ErrNoteNotFound) {
			s.logError(opMutateSet, "query_failed", err, refFields(ref)...)
		}
		return err
	}

	if !mutate(&row) {
		// Set membership unchanged; the queue row still records the action.
		return nil
	}

	now := s.clock().UTC()
	updates := map[string]interface{}{
		"shared_with":      row.SharedWith,
		"bookmarked_by":    row.BookmarkedBy,
		"updated_at":       now,
		"sync_status":      SyncStatusPending,
		"needs_sync":       true,
		"local_updated_at": now,
	}
	if err := s.db.WithContext(ctx).Model(&Note{}).
		Where("local_id = ?", row.LocalID).
		Updates(updates).Error; err != nil {
		s.logError(opMutateSet, "update_failed", err, zap.String("local_id", row.LocalID))
		return newStoreError(opMutateSet, "update_failed", err)
	}
	return nil
}

// CountForOwner reports how many note rows exist for the given owner. Used by
// the recovery integrity probe.
func (s *Store) CountForOwner(ctx context.Context, userID UserID) (int64, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&Note{}).
		Where("owner_id = ?", userID.String()).
		Count(&count).Error; err != nil {
		s.logError(opCountNotes, "query_failed", err, zap.String("user_id", userID.String()))
		return 0, newStoreError(opCountNotes, "query_failed", err)
	}
	return count, nil
}

// UpsertSynced inserts or replaces rows pulled wholesale from the remote
// authority, bypassing the mutation queue: they did not originate locally.
// Rows are matched on their server identifier, so repeated recovery runs
// update in place instead of duplicating notes under fresh local ids.
func (s *Store) UpsertSynced(ctx context.Context, rows []Note) error {
	if len(rows) == 0 {
		return nil
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for i := range rows {
			row := rows[i]
			row.SyncStatus = SyncStatusSynced
			row.NeedsSync = false
			row.LocalUpdatedAt = nil

			if row.HasServerID() {
				var existing Note
				err := tx.Where("server_id = ?", *row.ServerID).Take(&existing).Error
				if err == nil {
					row.LocalID = existing.LocalID
					row.CreatedAt = existing.CreatedAt
				} else if !errors.Is(err, gorm.ErrRecordNotFound) {
					return err
				}
			}
			if err := tx.Save(&row).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		s.logError(opBulkUpsertSynced, "upsert_failed", err, zap.Int("rows", len(rows)))
		return newStoreError(opBulkUpsertSynced, "upsert_failed", err)
	}
	return nil
}

func (s *Store) findByRef(ctx context.Context, ref Ref) (Note, error) {
	if ref.IsZero() {
		return Note{}, ErrInvalidRef
	}

	var row Note
	query := s.db.WithContext(ctx)
	switch ref.Kind() {
	case RefKindServer:
		query = query.Where("server_id = ?", ref.Value())
	default:
		query = query.Where("local_id = ?", ref.Value())
	}

	err := query.Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Note{}, ErrNoteNotFound
	}
	if err != nil {
		return Note{}, newStoreError(opGetNote, "query_failed", err)
	}
	return row, nil
}

func refFields(ref Ref) []zap.Field {
	return []zap.Field{
		zap.String("ref_kind", string(ref.Kind())),
		zap.String("ref_value", ref.Value()),
	}
}

func (s *Store) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("notes store error", attrs...)
}
