// Package commands is the mutation entrypoint the UI layer calls. Every
// command is synchronous and local only: a store write followed by a queue
// append, two sequential transactions. The network is touched in exactly one
// place, the inline conflict check before an update, and never waited on
// anywhere else.
package commands

import (
	"context"
	"errors"

	"github.com/MarcoPoloResearchLab/lodestar/internal/credentials"
	"github.com/MarcoPoloResearchLab/lodestar/internal/merge"
	"github.com/MarcoPoloResearchLab/lodestar/internal/notes"
	"github.com/MarcoPoloResearchLab/lodestar/internal/queue"
	"github.com/MarcoPoloResearchLab/lodestar/internal/reachability"
	"github.com/MarcoPoloResearchLab/lodestar/internal/remote"
	"go.uber.org/zap"
)

var (
	errMissingStore = errors.New("commands: local store is required")
	errMissingQueue = errors.New("commands: mutation queue is required")
)

// SnapshotFetcher pulls the current server representation of a note for the
// inline conflict check.
type SnapshotFetcher interface {
	GetNote(ctx context.Context, cred credentials.Credential, serverID string) (remote.Note, error)
}

// Config wires the Handler dependencies. Remote, Prober and Credentials are
// optional: without them updates skip conflict resolution and apply locally.
type Config struct {
	Store       *notes.Store
	Queue       *queue.Queue
	Remote      SnapshotFetcher
	Prober      reachability.Prober
	Credentials credentials.Provider
	Logger      *zap.Logger
}

// Handler executes user mutations against local state and records each one in
// the mutation queue for later reconciliation.
type Handler struct {
	store  *notes.Store
	queue  *queue.Queue
	remote SnapshotFetcher
	prober reachability.Prober
	creds  credentials.Provider
	logger *zap.Logger
}

// NewHandler validates the configuration and constructs a Handler.
func NewHandler(cfg Config) (*Handler, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	if cfg.Queue == nil {
		return nil, errMissingQueue
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		store:  cfg.Store,
		queue:  cfg.Queue,
		remote: cfg.Remote,
		prober: cfg.Prober,
		creds:  cfg.Credentials,
		logger: logger,
	}, nil
}

// UpdateResult reports an update, including any conflict resolution applied
// before the write.
type UpdateResult struct {
	LocalID      string   `json:"local_id"`
	HasConflicts bool     `json:"has_conflicts"`
	Notes        []string `json:"resolution_notes,omitempty"`
}

// CreateNote writes the note locally and queues its remote creation.
func (h *Handler) CreateNote(ctx context.Context, ownerID notes.UserID, draft notes.Draft) (string, error) {
	localID, err := h.store.Create(ctx, draft, ownerID)
	if err != nil {
		return "", err
	}

	if _, err := h.queue.Enqueue(ctx, queue.OperationTypeCreate, queue.EntityTypeNote, localID,
		queue.NotePayload{Title: draft.Title, Details: draft.Details}); err != nil {
		// The note is saved but unqueued: an accepted crash-window limitation,
		// surfaced to the caller rather than rolled back.
		h.logger.Error("create saved locally but not queued",
			zap.String("local_id", localID),
			zap.Error(err))
		return localID, err
	}
	return localID, nil
}

// UpdateNote resolves concurrent remote edits when possible, writes the
// resolved value locally, and queues the remote update. The queued value is
// always the already-resolved one.
func (h *Handler) UpdateNote(ctx context.Context, ref notes.Ref, draft notes.Draft) (UpdateResult, error) {
	current, err := h.store.Get(ctx, ref)
	if err != nil {
		return UpdateResult{}, err
	}

	resolved := draft
	result := UpdateResult{LocalID: current.LocalID}

	if resolution, ok := h.resolveAgainstServer(ctx, current, draft); ok {
		resolved = notes.Draft{Title: resolution.Title, Details: resolution.Details}
		result.HasConflicts = resolution.HasConflicts
		result.Notes = resolution.Notes
	}

	localRef, err := notes.LocalRef(current.LocalID)
	if err != nil {
		return UpdateResult{}, err
	}
	if err := h.store.Update(ctx, localRef, resolved); err != nil {
		return UpdateResult{}, err
	}
	if result.HasConflicts {
		if err := h.store.MarkConflict(ctx, current.LocalID); err != nil {
			h.logger.Warn("conflict flag not persisted",
				zap.String("local_id", current.LocalID),
				zap.Error(err))
		}
	}

	if _, err := h.queue.Enqueue(ctx, queue.OperationTypeUpdate, queue.EntityTypeNote, current.LocalID,
		queue.NotePayload{Title: resolved.Title, Details: resolved.Details}); err != nil {
		h.logger.Error("update saved locally but not queued",
			zap.String("local_id", current.LocalID),
			zap.Error(err))
		return result, err
	}
	return result, nil
}

// resolveAgainstServer runs the three-way merge when, and only when, the note
// has a bound server id, its stored row is clean, the network is reachable and
// a credential exists. A clean row is the baseline: it reflects the last known
// server state. A dirty row carries queued edits the server has not seen, so
// merging against it would treat a stale snapshot as a concurrent server edit
// and fold the queued changes away; those rows take the draft as-is and let
// the drain settle first.
func (h *Handler) resolveAgainstServer(ctx context.Context, current notes.Note, draft notes.Draft) (merge.Resolution, bool) {
	if h.remote == nil || h.prober == nil || h.creds == nil {
		return merge.Resolution{}, false
	}
	if !current.HasServerID() {
		return merge.Resolution{}, false
	}
	if current.NeedsSync {
		return merge.Resolution{}, false
	}
	if !h.prober.IsReachable(ctx) {
		return merge.Resolution{}, false
	}
	cred, ok := h.creds.Current(ctx)
	if !ok {
		return merge.Resolution{}, false
	}

	snapshot, err := h.remote.GetNote(ctx, cred, *current.ServerID)
	if err != nil {
		// The background processor will reconcile later; never block the edit.
		h.logger.Debug("server snapshot unavailable, skipping conflict check",
			zap.String("local_id", current.LocalID),
			zap.Error(err))
		return merge.Resolution{}, false
	}

	resolution := merge.Resolve(
		merge.Fields{Title: draft.Title, Details: draft.Details},
		merge.Fields{Title: snapshot.Title, Details: snapshot.Details},
		merge.Fields{Title: current.Title, Details: current.Details},
	)
	return resolution, true
}

// DeleteNote hard-removes the note locally and queues the remote delete. A
// note that never completed its create is discarded outright: its pending
// queue rows are purged and no delete is sent for an entity that does not
// exist remotely.
func (h *Handler) DeleteNote(ctx context.Context, ref notes.Ref) error {
	current, err := h.store.Get(ctx, ref)
	if err != nil {
		return err
	}

	localRef, err := notes.LocalRef(current.LocalID)
	if err != nil {
		return err
	}
	if err := h.store.Delete(ctx, localRef); err != nil {
		return err
	}

	if !current.HasServerID() {
		purged, err := h.queue.PurgeForNote(ctx, current.LocalID)
		if err != nil {
			h.logger.Warn("queue purge for discarded note failed",
				zap.String("local_id", current.LocalID),
				zap.Error(err))
			return err
		}
		h.logger.Debug("discarded never-synced note",
			zap.String("local_id", current.LocalID),
			zap.Int64("purged_operations", purged))
		return nil
	}

	if _, err := h.queue.Enqueue(ctx, queue.OperationTypeDelete, queue.EntityTypeNote, current.LocalID,
		queue.DeletePayload{ServerID: *current.ServerID}); err != nil {
		h.logger.Error("delete applied locally but not queued",
			zap.String("local_id", current.LocalID),
			zap.Error(err))
		return err
	}
	return nil
}

// ShareNote adds a collaborator locally and queues the remote share.
func (h *Handler) ShareNote(ctx context.Context, ref notes.Ref, email string) error {
	current, err := h.store.Get(ctx, ref)
	if err != nil {
		return err
	}
	localRef, err := notes.LocalRef(current.LocalID)
	if err != nil {
		return err
	}
	if err := h.store.AddCollaborator(ctx, localRef, email); err != nil {
		return err
	}
	_, err = h.queue.Enqueue(ctx, queue.OperationTypeShare, queue.EntityTypeShare, current.LocalID,
		queue.SharePayload{Email: email})
	return err
}

// UnshareNote drops a collaborator locally and queues the remote unshare.
func (h *Handler) UnshareNote(ctx context.Context, ref notes.Ref, email string) error {
	current, err := h.store.Get(ctx, ref)
	if err != nil {
		return err
	}
	localRef, err := notes.LocalRef(current.LocalID)
	if err != nil {
		return err
	}
	if err := h.store.RemoveCollaborator(ctx, localRef, email); err != nil {
		return err
	}
	_, err = h.queue.Enqueue(ctx, queue.OperationTypeUnshare, queue.EntityTypeShare, current.LocalID,
		queue.SharePayload{Email: email})
	return err
}

// BookmarkNote records the bookmark locally and queues the remote call. Each
// toggle appends its own queue row; toggles are never merged.
func (h *Handler) BookmarkNote(ctx context.Context, ref notes.Ref, userID notes.UserID) error {
	current, err := h.store.Get(ctx, ref)
	if err != nil {
		return err
	}
	localRef, err := notes.LocalRef(current.LocalID)
	if err != nil {
		return err
	}
	if err := h.store.AddBookmark(ctx, localRef, userID); err != nil {
		return err
	}
	_, err = h.queue.Enqueue(ctx, queue.OperationTypeBookmark, queue.EntityTypeBookmark, current.LocalID,
		queue.BookmarkPayload{UserID: userID.String()})
	return err
}

// UnbookmarkNote clears the bookmark locally and queues the remote call.
func (h *Handler) UnbookmarkNote(ctx context.Context, ref notes.Ref, userID notes.UserID) error {
	current, err := h.store.Get(ctx, ref)
	if err != nil {
		return err
	}
	localRef, err := notes.LocalRef(current.LocalID)
	if err != nil {
		return err
	}
	if err := h.store.RemoveBookmark(ctx, localRef, userID); err != nil {
		return err
	}
	_, err = h.queue.Enqueue(ctx, queue.OperationTypeUnbookmark, queue.EntityTypeBookmark, current.LocalID,
		queue.BookmarkPayload{UserID: userID.String()})
	return err
}

// FetchAll lists the notes visible to userID, most recently updated first.
func (h *Handler) FetchAll(ctx context.Context, userID notes.UserID) ([]notes.Note, error) {
	return h.store.FetchAll(ctx, userID)
}
