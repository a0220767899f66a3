// Package syncer drains the mutation queue against the remote authority. One
// periodically woken worker processes the queue in FIFO order and halts the
// cycle on the first unresolved failure, because a later operation may depend
// on the one that failed.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/MarcoPoloResearchLab/lodestar/internal/credentials"
	"github.com/MarcoPoloResearchLab/lodestar/internal/notes"
	"github.com/MarcoPoloResearchLab/lodestar/internal/queue"
	"github.com/MarcoPoloResearchLab/lodestar/internal/reachability"
	"github.com/MarcoPoloResearchLab/lodestar/internal/remote"
	"go.uber.org/zap"
)

var (
	// ErrDrainInProgress reports a drain attempt while one is already running.
	ErrDrainInProgress = errors.New("syncer: drain already in progress")

	errMissingStore    = errors.New("syncer: local store is required")
	errMissingResolver = errors.New("syncer: identifier resolver is required")
	errMissingQueue    = errors.New("syncer: mutation queue is required")
	errMissingRemote   = errors.New("syncer: remote api client is required")
)

const (
	defaultInterval        = 10 * time.Second
	defaultOpDelay         = 50 * time.Millisecond
	defaultDependencyGrace = 2 * time.Minute
)

// LocalStore is the slice of the record store the drain loop needs.
type LocalStore interface {
	Get(ctx context.Context, ref notes.Ref) (notes.Note, error)
	Delete(ctx context.Context, ref notes.Ref) error
	MarkSynced(ctx context.Context, localID string, serverFields *notes.ServerFields) error
}

// IdentifierResolver translates local identifiers at drain time.
type IdentifierResolver interface {
	ResolveServerID(ctx context.Context, localID string) (string, bool, error)
	BindServerID(ctx context.Context, localID, serverID string) error
}

// MutationQueue is the slice of the queue the drain loop needs.
type MutationQueue interface {
	Enqueue(ctx context.Context, opType queue.OperationType, entityType queue.EntityType, localID string, payload interface{}) (int64, error)
	Pending(ctx context.Context) ([]queue.Operation, error)
	Complete(ctx context.Context, id int64) error
	IncrementRetry(ctx context.Context, id int64) (bool, error)
}

// RemoteAPI is the remote notes authority.
type RemoteAPI interface {
	CreateNote(ctx context.Context, cred credentials.Credential, title, details string) (remote.Note, error)
	UpdateNote(ctx context.Context, cred credentials.Credential, serverID, title, details string) (remote.Note, error)
	DeleteNote(ctx context.Context, cred credentials.Credential, serverID string) error
	ShareNote(ctx context.Context, cred credentials.Credential, serverID, email string) error
	UnshareNote(ctx context.Context, cred credentials.Credential, serverID, email string) error
	CreateBookmark(ctx context.Context, cred credentials.Credential, serverID string) error
	DeleteBookmark(ctx context.Context, cred credentials.Credential, serverID string) error
}

// Config wires the Processor dependencies.
type Config struct {
	Store       LocalStore
	Resolver    IdentifierResolver
	Queue       MutationQueue
	Remote      RemoteAPI
	Prober      reachability.Prober
	Credentials credentials.Provider
	Logger      *zap.Logger
	Clock       func() time.Time

	// Interval is the timer period between background drain cycles.
	Interval time.Duration
	// OpDelay is the pause between dispatched operations within one cycle.
	OpDelay time.Duration
	// DependencyGrace is how long an operation may wait on an unresolved
	// server id before deferrals start counting against its retry budget.
	DependencyGrace time.Duration
}

// CycleSummary reports one drain cycle for observability.
type CycleSummary struct {
	Processed int    `json:"processed"`
	Completed int    `json:"completed"`
	Deferred  int    `json:"deferred"`
	Failed    int    `json:"failed"`
	Halted    bool   `json:"halted"`
	Skipped   string `json:"skipped,omitempty"`
}

// Processor is the single-flight background worker.
type Processor struct {
	store           LocalStore
	resolver        IdentifierResolver
	queue           MutationQueue
	remote          RemoteAPI
	prober          reachability.Prober
	creds           credentials.Provider
	logger          *zap.Logger
	clock           func() time.Time
	interval        time.Duration
	opDelay         time.Duration
	dependencyGrace time.Duration

	inFlight atomic.Bool
	trigger  chan struct{}
}

// NewProcessor validates the configuration and constructs a Processor.
func NewProcessor(cfg Config) (*Processor, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	if cfg.Resolver == nil {
		return nil, errMissingResolver
	}
	if cfg.Queue == nil {
		return nil, errMissingQueue
	}
	if cfg.Remote == nil {
		return nil, errMissingRemote
	}
	if cfg.Prober == nil {
		return nil, errors.New("syncer: reachability prober is required")
	}
	if cfg.Credentials == nil {
		return nil, errors.New("syncer: credential provider is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = defaultInterval
	}
	opDelay := cfg.OpDelay
	if opDelay <= 0 {
		opDelay = defaultOpDelay
	}
	grace := cfg.DependencyGrace
	if grace <= 0 {
		grace = defaultDependencyGrace
	}

	return &Processor{
		store:           cfg.Store,
		resolver:        cfg.Resolver,
		queue:           cfg.Queue,
		remote:          cfg.Remote,
		prober:          cfg.Prober,
		creds:           cfg.Credentials,
		logger:          logger,
		clock:           clock,
		interval:        interval,
		opDelay:         opDelay,
		dependencyGrace: grace,
		trigger:         make(chan struct{}, 1),
	}, nil
}

// Run drives drain cycles from a fixed timer and on-demand triggers until the
// context is cancelled. A cycle in progress finishes; no further one starts.
func (p *Processor) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.logger.Info("sync processor started", zap.Duration("interval", p.interval))
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("sync processor stopped")
			return
		case <-ticker.C:
		case <-p.trigger:
		}

		if _, err := p.DrainOnce(ctx); err != nil && !errors.Is(err, ErrDrainInProgress) {
			p.logger.Warn("drain cycle error", zap.Error(err))
		}
	}
}

// TriggerNow requests an immediate drain cycle. Multiple pending triggers
// collapse into one wake-up; the call never blocks.
func (p *Processor) TriggerNow() {
	select {
	case p.trigger <- struct{}{}:
	default:
	}
}

// IsDraining reports whether a cycle is currently in progress.
func (p *Processor) IsDraining() bool {
	return p.inFlight.Load()
}

// DrainOnce runs one drain cycle. Refused while another cycle is in flight.
// Per-operation failures never escape: every failure path resolves to retry
// bookkeeping and, for anything but a deferral-within-grace, a halted cycle.
func (p *Processor) DrainOnce(ctx context.Context) (CycleSummary, error) {
	if !p.inFlight.CompareAndSwap(false, true) {
		return CycleSummary{}, ErrDrainInProgress
	}
	defer p.inFlight.Store(false)

	summary := CycleSummary{}

	if !p.prober.IsReachable(ctx) {
		summary.Skipped = "unreachable"
		p.logger.Debug("drain skipped", zap.String("reason", summary.Skipped))
		return summary, nil
	}

	cred, ok := p.creds.Current(ctx)
	if !ok {
		summary.Skipped = "no_credential"
		p.logger.Debug("drain skipped", zap.String("reason", summary.Skipped))
		return summary, nil
	}

	pending, err := p.queue.Pending(ctx)
	if err != nil {
		return summary, fmt.Errorf("syncer: fetch pending: %w", err)
	}

	for i, op := range pending {
		if ctx.Err() != nil {
			summary.Halted = true
			break
		}
		if i > 0 && p.opDelay > 0 {
			// Breather between dispatches so the storage layer is not saturated.
			select {
			case <-ctx.Done():
				summary.Halted = true
			case <-time.After(p.opDelay):
			}
			if summary.Halted {
				break
			}
		}

		summary.Processed++
		outcome := p.processOne(ctx, cred, op)
		switch outcome {
		case outcomeCompleted:
			summary.Completed++
		case outcomeDeferred:
			summary.Deferred++
			summary.Halted = true
		case outcomeFailed:
			summary.Failed++
			summary.Halted = true
		}
		if summary.Halted {
			// FIFO dependency safety: later operations may depend on this one.
			break
		}
	}

	p.logger.Info("drain cycle finished",
		zap.Int("processed", summary.Processed),
		zap.Int("completed", summary.Completed),
		zap.Int("deferred", summary.Deferred),
		zap.Int("failed", summary.Failed),
		zap.Bool("halted", summary.Halted))
	return summary, nil
}

type opOutcome int

const (
	outcomeCompleted opOutcome = iota
	outcomeDeferred
	outcomeFailed
)

func (p *Processor) processOne(ctx context.Context, cred credentials.Credential, op queue.Operation) opOutcome {
	switch op.OperationType {
	case queue.OperationTypeCreate:
		return p.processCreate(ctx, cred, op)
	case queue.OperationTypeDelete:
		return p.processDelete(ctx, cred, op)
	default:
		return p.processDependent(ctx, cred, op)
	}
}

func (p *Processor) processCreate(ctx context.Context, cred credentials.Credential, op queue.Operation) opOutcome {
	var payload queue.NotePayload
	if err := op.DecodePayload(&payload); err != nil {
		p.logOpError(op, "payload_decode_failed", err)
		return p.recordFailure(ctx, op)
	}

	created, err := p.remote.CreateNote(ctx, cred, payload.Title, payload.Details)
	if err != nil {
		p.logOpError(op, "remote_create_failed", err)
		return p.recordFailure(ctx, op)
	}

	if err := p.resolver.BindServerID(ctx, op.EntityID, created.ID); err != nil {
		if errors.Is(err, notes.ErrNoteNotFound) {
			// Note discarded locally after the create was queued. Its pending
			// rows were purged with it, so nothing else will remove the remote
			// row this call just made; queue a compensating delete.
			p.logger.Warn("created note no longer present locally",
				zap.Int64("queue_id", op.ID),
				zap.String("local_id", op.EntityID),
				zap.String("server_id", created.ID))
			if _, enqueueErr := p.queue.Enqueue(ctx, queue.OperationTypeDelete, queue.EntityTypeNote, op.EntityID,
				queue.DeletePayload{ServerID: created.ID}); enqueueErr != nil {
				p.logOpError(op, "compensating_delete_enqueue_failed", enqueueErr)
				return p.recordFailure(ctx, op)
			}
			return p.completeOp(ctx, op)
		}
		p.logOpError(op, "bind_server_id_failed", err)
		return p.recordFailure(ctx, op)
	}

	if err := p.markSynced(ctx, op, serverFieldsFromRemote(created)); err != nil {
		p.logOpError(op, "mark_synced_failed", err)
		return p.recordFailure(ctx, op)
	}
	return p.completeOp(ctx, op)
}

func (p *Processor) processDelete(ctx context.Context, cred credentials.Credential, op queue.Operation) opOutcome {
	serverID, ok, err := p.resolver.ResolveServerID(ctx, op.EntityID)
	if err != nil {
		p.logOpError(op, "resolve_failed", err)
		return p.recordFailure(ctx, op)
	}
	if !ok {
		// The local row is usually gone by drain time; fall back to the
		// server id snapshotted when the delete was queued.
		var payload queue.DeletePayload
		if decodeErr := op.DecodePayload(&payload); decodeErr == nil && payload.ServerID != "" {
			serverID = payload.ServerID
			ok = true
		}
	}
	if !ok {
		// Created and deleted without ever syncing: the remote entity never
		// existed, so the end state is already achieved.
		p.logger.Debug("delete for never-synced note completed locally",
			zap.Int64("queue_id", op.ID),
			zap.String("local_id", op.EntityID))
		p.purgeLocal(ctx, op.EntityID)
		return p.completeOp(ctx, op)
	}

	err = p.remote.DeleteNote(ctx, cred, serverID)
	if err != nil && !errors.Is(err, remote.ErrNotFound) {
		p.logOpError(op, "remote_delete_failed", err)
		return p.recordFailure(ctx, op)
	}
	if errors.Is(err, remote.ErrNotFound) {
		// Already gone out-of-band. Idempotent delete: same end state.
		p.logger.Debug("remote delete target already absent",
			zap.Int64("queue_id", op.ID),
			zap.String("server_id", serverID))
	}
	p.purgeLocal(ctx, op.EntityID)
	return p.completeOp(ctx, op)
}

// processDependent handles every operation that needs a bound server id:
// update, share, unshare, bookmark, unbookmark.
func (p *Processor) processDependent(ctx context.Context, cred credentials.Credential, op queue.Operation) opOutcome {
	serverID, ok, err := p.resolver.ResolveServerID(ctx, op.EntityID)
	if err != nil {
		p.logOpError(op, "resolve_failed", err)
		return p.recordFailure(ctx, op)
	}
	if !ok {
		return p.deferOp(ctx, op)
	}

	var serverFields *notes.ServerFields
	switch op.OperationType {
	case queue.OperationTypeUpdate:
		var payload queue.NotePayload
		if err := op.DecodePayload(&payload); err != nil {
			p.logOpError(op, "payload_decode_failed", err)
			return p.recordFailure(ctx, op)
		}
		updated, updateErr := p.remote.UpdateNote(ctx, cred, serverID, payload.Title, payload.Details)
		if updateErr != nil {
			err = updateErr
		} else {
			serverFields = serverFieldsFromRemote(updated)
		}
	case queue.OperationTypeShare:
		var payload queue.SharePayload
		if err := op.DecodePayload(&payload); err != nil {
			p.logOpError(op, "payload_decode_failed", err)
			return p.recordFailure(ctx, op)
		}
		err = p.remote.ShareNote(ctx, cred, serverID, payload.Email)
	case queue.OperationTypeUnshare:
		var payload queue.SharePayload
		if err := op.DecodePayload(&payload); err != nil {
			p.logOpError(op, "payload_decode_failed", err)
			return p.recordFailure(ctx, op)
		}
		err = p.remote.UnshareNote(ctx, cred, serverID, payload.Email)
	case queue.OperationTypeBookmark:
		err = p.remote.CreateBookmark(ctx, cred, serverID)
	case queue.OperationTypeUnbookmark:
		err = p.remote.DeleteBookmark(ctx, cred, serverID)
	default:
		p.logOpError(op, "unknown_operation", fmt.Errorf("syncer: operation type %q", op.OperationType))
		return p.recordFailure(ctx, op)
	}

	if err != nil {
		p.logOpError(op, "remote_dispatch_failed", err)
		return p.recordFailure(ctx, op)
	}

	if err := p.markSynced(ctx, op, serverFields); err != nil {
		p.logOpError(op, "mark_synced_failed", err)
		return p.recordFailure(ctx, op)
	}
	return p.completeOp(ctx, op)
}

// deferOp handles a dependency that has not landed: the note's create has not
// bound a server id yet. Not an error. Retries start counting only once the
// operation has waited past the grace period, giving the create time to drain.
func (p *Processor) deferOp(ctx context.Context, op queue.Operation) opOutcome {
	age := p.clock().UTC().Sub(op.CreatedAt.UTC())
	if age <= p.dependencyGrace {
		p.logger.Debug("operation waiting on unresolved server id",
			zap.Int64("queue_id", op.ID),
			zap.String("local_id", op.EntityID),
			zap.Duration("age", age))
		return outcomeDeferred
	}

	canRetry, err := p.queue.IncrementRetry(ctx, op.ID)
	if err != nil {
		p.logOpError(op, "retry_bookkeeping_failed", err)
		return outcomeDeferred
	}
	p.logger.Warn("dependency wait exceeded grace period",
		zap.Int64("queue_id", op.ID),
		zap.String("local_id", op.EntityID),
		zap.Duration("age", age),
		zap.Bool("can_retry", canRetry))
	return outcomeDeferred
}

func (p *Processor) recordFailure(ctx context.Context, op queue.Operation) opOutcome {
	canRetry, err := p.queue.IncrementRetry(ctx, op.ID)
	if err != nil {
		p.logOpError(op, "retry_bookkeeping_failed", err)
		return outcomeFailed
	}
	if !canRetry {
		p.logger.Warn("operation exhausted retries",
			zap.Int64("queue_id", op.ID),
			zap.String("operation_type", string(op.OperationType)),
			zap.String("local_id", op.EntityID))
	}
	return outcomeFailed
}

func (p *Processor) completeOp(ctx context.Context, op queue.Operation) opOutcome {
	if err := p.queue.Complete(ctx, op.ID); err != nil {
		p.logOpError(op, "complete_bookkeeping_failed", err)
		return outcomeFailed
	}
	return outcomeCompleted
}

// markSynced settles the row for a completed operation unless a newer local
// edit is still queued behind it. Overwriting the row with the remote response
// in that window would revert the pending edit in the UI and flip the note to
// synced while its queue is not empty; the follow-up drain settles it instead.
func (p *Processor) markSynced(ctx context.Context, op queue.Operation, fields *notes.ServerFields) error {
	ref, err := notes.LocalRef(op.EntityID)
	if err != nil {
		return err
	}
	row, err := p.store.Get(ctx, ref)
	if errors.Is(err, notes.ErrNoteNotFound) {
		// Row deleted locally after this operation was queued; nothing to mark.
		return nil
	}
	if err != nil {
		return err
	}
	if row.LocalUpdatedAt != nil && row.LocalUpdatedAt.UTC().After(op.CreatedAt.UTC()) {
		p.logger.Debug("synced state deferred to a newer queued edit",
			zap.Int64("queue_id", op.ID),
			zap.String("local_id", op.EntityID))
		return nil
	}
	err = p.store.MarkSynced(ctx, op.EntityID, fields)
	if errors.Is(err, notes.ErrNoteNotFound) {
		return nil
	}
	return err
}

func (p *Processor) purgeLocal(ctx context.Context, localID string) {
	ref, err := notes.LocalRef(localID)
	if err != nil {
		return
	}
	if err := p.store.Delete(ctx, ref); err != nil && !errors.Is(err, notes.ErrNoteNotFound) {
		p.logger.Warn("local purge after delete failed",
			zap.String("local_id", localID),
			zap.Error(err))
	}
}

func (p *Processor) logOpError(op queue.Operation, reason string, err error) {
	p.logger.Error("queue operation failed",
		zap.Int64("queue_id", op.ID),
		zap.String("operation_type", string(op.OperationType)),
		zap.String("entity_type", string(op.EntityType)),
		zap.String("local_id", op.EntityID),
		zap.String("reason", reason),
		zap.Error(err))
}

func serverFieldsFromRemote(note remote.Note) *notes.ServerFields {
	return &notes.ServerFields{
		Title:        note.Title,
		Details:      note.Details,
		SharedWith:   notes.NewStringSet(note.Collaborators...),
		BookmarkedBy: notes.NewStringSet(note.BookmarkedBy...),
		UpdatedAt:    note.UpdatedAt,
	}
}
