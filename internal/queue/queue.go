package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	noOpLogger         = zap.NewNop()

	// ErrOperationNotFound indicates that no queue row matches the supplied id.
	ErrOperationNotFound = errors.New("queue: operation not found")
	// ErrNotFailed indicates a reset attempt against a row that is not failed.
	ErrNotFailed = errors.New("queue: operation is not failed")
)

// QueueError wraps a queue storage failure with an operation code.
type QueueError struct {
	code string
	err  error
}

func (e *QueueError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *QueueError) Unwrap() error {
	return e.err
}

const (
	opQueueNew       = "queue.new"
	opEnqueue        = "queue.enqueue"
	opPending        = "queue.pending"
	opComplete       = "queue.complete"
	opIncrementRetry = "queue.increment_retry"
	opResetFailed    = "queue.reset_failed"
	opStatus         = "queue.status"
	opPurgeForNote   = "queue.purge_for_note"
)

func newQueueError(operation, reason string, cause error) error {
	return &QueueError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

// Config wires the Queue dependencies.
type Config struct {
	Database   *gorm.DB
	Clock      func() time.Time
	MaxRetries int
	Logger     *zap.Logger
}

// Queue is the durable, append-only mutation log. Every user-visible mutation
// produces exactly one new row; repeated toggles are never merged, trading
// storage growth for a replayable audit trail and simple ordering.
type Queue struct {
	db         *gorm.DB
	clock      func() time.Time
	maxRetries int
	logger     *zap.Logger
}

// New validates the configuration and constructs a Queue.
func New(cfg Config) (*Queue, error) {
	if cfg.Database == nil {
		return nil, newQueueError(opQueueNew, "missing_database", errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Queue{db: cfg.Database, clock: clock, maxRetries: maxRetries, logger: logger}, nil
}

// Enqueue appends one pending operation row and returns its queue id.
func (q *Queue) Enqueue(ctx context.Context, opType OperationType, entityType EntityType, localID string, payload interface{}) (int64, error) {
	encoded := ""
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			q.logError(opEnqueue, "payload_encode_failed", err, zap.String("entity_id", localID))
			return 0, newQueueError(opEnqueue, "payload_encode_failed", err)
		}
		encoded = string(raw)
	}

	row := Operation{
		OperationType: opType,
		EntityType:    entityType,
		EntityID:      localID,
		Payload:       encoded,
		CreatedAt:     q.clock().UTC(),
		RetryCount:    0,
		MaxRetries:    q.maxRetries,
		Status:        StatusPending,
	}
	if err := q.db.WithContext(ctx).Create(&row).Error; err != nil {
		q.logError(opEnqueue, "insert_failed", err,
			zap.String("operation_type", string(opType)),
			zap.String("entity_id", localID))
		return 0, newQueueError(opEnqueue, "insert_failed", err)
	}
	return row.ID, nil
}

// Pending returns the pending operations in FIFO order. The order doubles as
// the implicit dependency ordering: a create must drain before the updates
// and deletes queued after it for the same note.
func (q *Queue) Pending(ctx context.Context) ([]Operation, error) {
	var rows []Operation
	if err := q.db.WithContext(ctx).
		Where("status = ?", StatusPending).
		Order("created_at ASC, id ASC").
		Find(&rows).Error; err != nil {
		q.logError(opPending, "query_failed", err)
		return nil, newQueueError(opPending, "query_failed", err)
	}
	return rows, nil
}

// Complete marks a queue row as applied remotely.
func (q *Queue) Complete(ctx context.Context, id int64) error {
	result := q.db.WithContext(ctx).Model(&Operation{}).
		Where("id = ?", id).
		Update("status", StatusCompleted)
	if result.Error != nil {
		q.logError(opComplete, "update_failed", result.Error, zap.Int64("queue_id", id))
		return newQueueError(opComplete, "update_failed", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrOperationNotFound
	}
	return nil
}

// IncrementRetry bumps the retry counter. Once the counter reaches the row's
// retry budget the row flips to failed and false is returned.
func (q *Queue) IncrementRetry(ctx context.Context, id int64) (bool, error) {
	var row Operation
	err := q.db.WithContext(ctx).Where("id = ?", id).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, ErrOperationNotFound
	}
	if err != nil {
		q.logError(opIncrementRetry, "query_failed", err, zap.Int64("queue_id", id))
		return false, newQueueError(opIncrementRetry, "query_failed", err)
	}

	row.RetryCount++
	updates := map[string]interface{}{"retry_count": row.RetryCount}
	canRetry := row.RetryCount < row.MaxRetries
	if !canRetry {
		updates["status"] = StatusFailed
	}
	if err := q.db.WithContext(ctx).Model(&Operation{}).
		Where("id = ?", id).
		Updates(updates).Error; err != nil {
		q.logError(opIncrementRetry, "update_failed", err, zap.Int64("queue_id", id))
		return false, newQueueError(opIncrementRetry, "update_failed", err)
	}
	return canRetry, nil
}

// ResetFailed returns one failed row to pending with a fresh retry budget.
func (q *Queue) ResetFailed(ctx context.Context, id int64) error {
	var row Operation
	err := q.db.WithContext(ctx).Where("id = ?", id).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrOperationNotFound
	}
	if err != nil {
		q.logError(opResetFailed, "query_failed", err, zap.Int64("queue_id", id))
		return newQueueError(opResetFailed, "query_failed", err)
	}
	if row.Status != StatusFailed {
		return ErrNotFailed
	}

	if err := q.db.WithContext(ctx).Model(&Operation{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":      StatusPending,
			"retry_count": 0,
		}).Error; err != nil {
		q.logError(opResetFailed, "update_failed", err, zap.Int64("queue_id", id))
		return newQueueError(opResetFailed, "update_failed", err)
	}
	return nil
}

// ResetAllFailed returns every failed row to pending, reporting how many moved.
func (q *Queue) ResetAllFailed(ctx context.Context) (int64, error) {
	result := q.db.WithContext(ctx).Model(&Operation{}).
		Where("status = ?", StatusFailed).
		Updates(map[string]interface{}{
			"status":      StatusPending,
			"retry_count": 0,
		})
	if result.Error != nil {
		q.logError(opResetFailed, "bulk_update_failed", result.Error)
		return 0, newQueueError(opResetFailed, "bulk_update_failed", result.Error)
	}
	return result.RowsAffected, nil
}

// Status summarizes the queue for the UI layer.
type Status struct {
	Pending   int64 `json:"pending"`
	Failed    int64 `json:"failed"`
	Completed int64 `json:"completed"`
	Total     int64 `json:"total"`
}

// GetStatus counts rows per lifecycle state.
func (q *Queue) GetStatus(ctx context.Context) (Status, error) {
	var status Status
	counts := []struct {
		state OperationStatus
		dest  *int64
	}{
		{StatusPending, &status.Pending},
		{StatusFailed, &status.Failed},
		{StatusCompleted, &status.Completed},
	}
	for _, c := range counts {
		if err := q.db.WithContext(ctx).Model(&Operation{}).
			Where("status = ?", c.state).
			Count(c.dest).Error; err != nil {
			q.logError(opStatus, "count_failed", err, zap.String("state", string(c.state)))
			return Status{}, newQueueError(opStatus, "count_failed", err)
		}
	}
	status.Total = status.Pending + status.Failed + status.Completed
	return status, nil
}

// PurgeForNote removes the pending rows of a note discarded before ever
// syncing, so its create is never sent for an entity the user already deleted.
func (q *Queue) PurgeForNote(ctx context.Context, localID string) (int64, error) {
	result := q.db.WithContext(ctx).
		Where("entity_id = ? AND status = ?", localID, StatusPending).
		Delete(&Operation{})
	if result.Error != nil {
		q.logError(opPurgeForNote, "delete_failed", result.Error, zap.String("entity_id", localID))
		return 0, newQueueError(opPurgeForNote, "delete_failed", result.Error)
	}
	return result.RowsAffected, nil
}

func (q *Queue) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	q.logger.Error("mutation queue error", attrs...)
}
