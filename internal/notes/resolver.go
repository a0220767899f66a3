package notes

import (
	"context"
	"errors"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ErrServerIDAlreadyBound indicates an attempt to rebind a note to a different
// server identifier. A server id is assigned at most once per local id.
var ErrServerIDAlreadyBound = errors.New("notes: server id already bound")

// Resolver translates between the local and server identifier spaces. Every
// server-facing call for a note goes through this mapping; an unresolved
// lookup means the note's create has not completed yet and is not an error.
type Resolver struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewResolver constructs a Resolver over the notes table.
func NewResolver(db *gorm.DB, logger *zap.Logger) (*Resolver, error) {
	if db == nil {
		return nil, newStoreError(opStoreNew, "missing_database", errMissingDatabase)
	}
	if logger == nil {
		logger = noOpLogger
	}
	return &Resolver{db: db, logger: logger}, nil
}

// ResolveServerID returns the server identifier bound to localID, if any.
func (r *Resolver) ResolveServerID(ctx context.Context, localID string) (string, bool, error) {
	var row Note
	err := r.db.WithContext(ctx).
		Select("local_id", "server_id").
		Where("local_id = ?", localID).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", false, nil
	}
	if err != nil {
		r.logger.Error("resolver lookup failed",
			zap.String("operation", opResolveServerID),
			zap.String("local_id", localID),
			zap.Error(err))
		return "", false, newStoreError(opResolveServerID, "query_failed", err)
	}
	if !row.HasServerID() {
		return "", false, nil
	}
	return *row.ServerID, true, nil
}

// ResolveLocalID returns the local identifier for a server-assigned one, if known.
func (r *Resolver) ResolveLocalID(ctx context.Context, serverID string) (string, bool, error) {
	var row Note
	err := r.db.WithContext(ctx).
		Select("local_id", "server_id").
		Where("server_id = ?", serverID).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", false, nil
	}
	if err != nil {
		r.logger.Error("resolver lookup failed",
			zap.String("operation", opResolveLocalID),
			zap.String("server_id", serverID),
			zap.Error(err))
		return "", false, newStoreError(opResolveLocalID, "query_failed", err)
	}
	return row.LocalID, true, nil
}

// BindServerID records the server identifier assigned by a completed create.
// This is the single place a server id is ever written. Rebinding the same
// value is a no-op; rebinding a different value is refused.
func (r *Resolver) BindServerID(ctx context.Context, localID, serverID string) error {
	var row Note
	err := r.db.WithContext(ctx).
		Select("local_id", "server_id").
		Where("local_id = ?", localID).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNoteNotFound
	}
	if err != nil {
		r.logger.Error("resolver bind lookup failed",
			zap.String("operation", opBindServerID),
			zap.String("local_id", localID),
			zap.Error(err))
		return newStoreError(opBindServerID, "query_failed", err)
	}

	if row.HasServerID() {
		if *row.ServerID == serverID {
			return nil
		}
		return ErrServerIDAlreadyBound
	}

	if err := r.db.WithContext(ctx).Model(&Note{}).
		Where("local_id = ? AND server_id IS NULL", localID).
		Update("server_id", serverID).Error; err != nil {
		r.logger.Error("resolver bind failed",
			zap.String("operation", opBindServerID),
			zap.String("local_id", localID),
			zap.String("server_id", serverID),
			zap.Error(err))
		return newStoreError(opBindServerID, "bind_failed", err)
	}
	return nil
}
