// Package recovery rebuilds local state wholesale from the remote authority
// when local storage is empty or corrupt for an authenticated identity.
// Recovered rows bypass the mutation queue: they did not originate locally.
package recovery

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/lodestar/internal/credentials"
	"github.com/MarcoPoloResearchLab/lodestar/internal/notes"
	"github.com/MarcoPoloResearchLab/lodestar/internal/remote"
	"go.uber.org/zap"
)

var (
	errMissingStore  = errors.New("recovery: local store is required")
	errMissingRemote = errors.New("recovery: remote api client is required")
)

// LocalStore is the slice of the record store recovery needs.
type LocalStore interface {
	CountForOwner(ctx context.Context, userID notes.UserID) (int64, error)
	UpsertSynced(ctx context.Context, rows []notes.Note) error
}

// RemoteAPI is the slice of the remote client recovery pulls from.
type RemoteAPI interface {
	FetchAllNotes(ctx context.Context, cred credentials.Credential) ([]remote.Note, error)
	FetchSharedNotes(ctx context.Context, cred credentials.Credential) ([]remote.Note, error)
	FetchBookmarkedNotes(ctx context.Context, cred credentials.Credential) ([]remote.Note, error)
}

// ContactTranslator maps collaborator identifiers from the remote payload
// (typically emails) to the stable contact identifiers the host uses. The
// identity translation is used when the host supplies none.
type ContactTranslator func(ctx context.Context, identifiers []string) []string

// Config wires the Coordinator dependencies.
type Config struct {
	Store      LocalStore
	Remote     RemoteAPI
	IDProvider notes.IDProvider
	Translator ContactTranslator
	Logger     *zap.Logger
	Clock      func() time.Time
}

// Assessment is the outcome of a recovery probe.
type Assessment struct {
	NeedsRecovery bool   `json:"needs_recovery"`
	Reason        string `json:"reason"`
	CanRecover    bool   `json:"can_recover"`
}

// CategoryResult reports one recovery category. Failure in one category never
// blocks the others.
type CategoryResult struct {
	Recovered int    `json:"recovered"`
	Error     string `json:"error,omitempty"`
}

// Report summarizes a recovery run per category.
type Report struct {
	Owned      CategoryResult `json:"owned"`
	Shared     CategoryResult `json:"shared"`
	Bookmarked CategoryResult `json:"bookmarked"`
}

// Coordinator detects lost local state and rebuilds it from the remote authority.
type Coordinator struct {
	store      LocalStore
	remote     RemoteAPI
	idProvider notes.IDProvider
	translator ContactTranslator
	logger     *zap.Logger
	clock      func() time.Time
}

// NewCoordinator validates the configuration and constructs a Coordinator.
func NewCoordinator(cfg Config) (*Coordinator, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	if cfg.Remote == nil {
		return nil, errMissingRemote
	}
	idProvider := cfg.IDProvider
	if idProvider == nil {
		idProvider = notes.NewUUIDProvider()
	}
	translator := cfg.Translator
	if translator == nil {
		translator = func(_ context.Context, identifiers []string) []string { return identifiers }
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Coordinator{
		store:      cfg.Store,
		remote:     cfg.Remote,
		idProvider: idProvider,
		translator: translator,
		logger:     logger,
		clock:      clock,
	}, nil
}

// DetectNeed probes local storage for the authenticated identity. Zero local
// notes for an authenticated user signals lost state, not an empty account;
// a failing probe signals corruption.
func (c *Coordinator) DetectNeed(ctx context.Context, cred credentials.Credential) (Assessment, error) {
	userID, err := notes.NewUserID(cred.UserID)
	if err != nil {
		return Assessment{NeedsRecovery: false, Reason: "no_identity", CanRecover: false}, nil
	}

	count, err := c.store.CountForOwner(ctx, userID)
	if err != nil {
		c.logger.Warn("local storage integrity probe failed",
			zap.String("user_id", userID.String()),
			zap.Error(err))
		return Assessment{NeedsRecovery: true, Reason: "integrity_probe_failed", CanRecover: true}, nil
	}
	if count == 0 {
		return Assessment{NeedsRecovery: true, Reason: "no_local_notes", CanRecover: true}, nil
	}
	return Assessment{NeedsRecovery: false, Reason: "local_state_present", CanRecover: true}, nil
}

// Execute pulls the user's owned, shared and bookmarked notes and bulk-upserts
// them as already-synced rows. Categories are isolated: partial recovery is
// acceptable and reported per category.
func (c *Coordinator) Execute(ctx context.Context, cred credentials.Credential) (Report, error) {
	report := Report{}
	report.Owned = c.recoverCategory(ctx, "owned", func() ([]remote.Note, error) {
		return c.remote.FetchAllNotes(ctx, cred)
	})
	report.Shared = c.recoverCategory(ctx, "shared", func() ([]remote.Note, error) {
		return c.remote.FetchSharedNotes(ctx, cred)
	})
	report.Bookmarked = c.recoverCategory(ctx, "bookmarked", func() ([]remote.Note, error) {
		return c.remote.FetchBookmarkedNotes(ctx, cred)
	})

	c.logger.Info("recovery finished",
		zap.Int("owned", report.Owned.Recovered),
		zap.Int("shared", report.Shared.Recovered),
		zap.Int("bookmarked", report.Bookmarked.Recovered))
	return report, nil
}

func (c *Coordinator) recoverCategory(ctx context.Context, category string, fetch func() ([]remote.Note, error)) CategoryResult {
	fetched, err := fetch()
	if err != nil {
		c.logger.Warn("recovery category fetch failed",
			zap.String("category", category),
			zap.Error(err))
		return CategoryResult{Error: err.Error()}
	}

	rows := make([]notes.Note, 0, len(fetched))
	for _, remoteNote := range fetched {
		row, err := c.localRow(ctx, remoteNote)
		if err != nil {
			c.logger.Warn("skipping unrecoverable remote note",
				zap.String("category", category),
				zap.String("server_id", remoteNote.ID),
				zap.Error(err))
			continue
		}
		rows = append(rows, row)
	}

	if err := c.store.UpsertSynced(ctx, rows); err != nil {
		c.logger.Warn("recovery category upsert failed",
			zap.String("category", category),
			zap.Error(err))
		return CategoryResult{Error: err.Error()}
	}
	return CategoryResult{Recovered: len(rows)}
}

func (c *Coordinator) localRow(ctx context.Context, remoteNote remote.Note) (notes.Note, error) {
	serverID := strings.TrimSpace(remoteNote.ID)
	if serverID == "" {
		return notes.Note{}, errors.New("recovery: remote note without id")
	}

	localID, err := c.idProvider.NewID()
	if err != nil {
		return notes.Note{}, err
	}

	collaborators := c.translator(ctx, remoteNote.Collaborators)

	createdAt := remoteNote.CreatedAt
	if createdAt.IsZero() {
		createdAt = c.clock().UTC()
	}
	updatedAt := remoteNote.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = createdAt
	}

	sid := serverID
	return notes.Note{
		LocalID:      localID,
		ServerID:     &sid,
		Title:        remoteNote.Title,
		Details:      remoteNote.Details,
		OwnerID:      remoteNote.OwnerID,
		SharedWith:   notes.NewStringSet(collaborators...),
		BookmarkedBy: notes.NewStringSet(remoteNote.BookmarkedBy...),
		CreatedAt:    createdAt.UTC(),
		UpdatedAt:    updatedAt.UTC(),
		SyncStatus:   notes.SyncStatusSynced,
		NeedsSync:    false,
	}, nil
}
