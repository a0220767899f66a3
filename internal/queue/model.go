package queue

import (
	"encoding/json"
	"time"
)

// OperationType enumerates the user actions that produce queue rows.
type OperationType string

const (
	// OperationTypeCreate queues a note creation.
	OperationTypeCreate OperationType = "create"
	// OperationTypeUpdate queues a note content update.
	OperationTypeUpdate OperationType = "update"
	// OperationTypeDelete queues a note deletion.
	OperationTypeDelete OperationType = "delete"
	// OperationTypeShare queues a collaborator invitation.
	OperationTypeShare OperationType = "share"
	// OperationTypeUnshare queues a collaborator removal.
	OperationTypeUnshare OperationType = "unshare"
	// OperationTypeBookmark queues a bookmark addition.
	OperationTypeBookmark OperationType = "bookmark"
	// OperationTypeUnbookmark queues a bookmark removal.
	OperationTypeUnbookmark OperationType = "unbookmark"
)

// EntityType names the kind of entity an operation touches.
type EntityType string

const (
	// EntityTypeNote targets the note row itself.
	EntityTypeNote EntityType = "note"
	// EntityTypeShare targets the note's collaborator set.
	EntityTypeShare EntityType = "share"
	// EntityTypeBookmark targets the note's bookmark set.
	EntityTypeBookmark EntityType = "bookmark"
)

// OperationStatus tracks a queue row through its lifecycle.
type OperationStatus string

const (
	// StatusPending marks an operation awaiting remote application.
	StatusPending OperationStatus = "pending"
	// StatusCompleted marks an operation applied remotely.
	StatusCompleted OperationStatus = "completed"
	// StatusFailed marks an operation that exhausted its retries.
	StatusFailed OperationStatus = "failed"
)

// DefaultMaxRetries bounds retry bookkeeping before a row flips to failed.
const DefaultMaxRetries = 5

// Operation is one appended queue row. The entity key is always the note's
// local identifier; server identifier lookup happens at drain time.
type Operation struct {
	ID            int64           `gorm:"column:id;primaryKey;autoIncrement"`
	OperationType OperationType   `gorm:"column:operation_type;size:32;not null"`
	EntityType    EntityType      `gorm:"column:entity_type;size:32;not null;index:idx_queue_entity,priority:1"`
	EntityID      string          `gorm:"column:entity_id;size:190;not null;index:idx_queue_entity,priority:2"`
	Payload       string          `gorm:"column:payload;type:text;not null"`
	CreatedAt     time.Time       `gorm:"column:created_at;not null"`
	RetryCount    int             `gorm:"column:retry_count;not null;default:0"`
	MaxRetries    int             `gorm:"column:max_retries;not null"`
	Status        OperationStatus `gorm:"column:status;size:32;not null;index:idx_queue_status"`
}

// TableName provides the explicit table binding for GORM.
func (Operation) TableName() string {
	return "sync_queue"
}

// NotePayload carries the content fields for create and update operations.
type NotePayload struct {
	Title   string `json:"title"`
	Details string `json:"details"`
}

// DeletePayload snapshots the server identifier known at enqueue time, so a
// drain can still address the remote entity after the local row is gone.
type DeletePayload struct {
	ServerID string `json:"server_id,omitempty"`
}

// SharePayload carries the collaborator email for share and unshare operations.
type SharePayload struct {
	Email string `json:"email"`
}

// BookmarkPayload carries the acting user for bookmark operations.
type BookmarkPayload struct {
	UserID string `json:"user_id"`
}

// DecodePayload unmarshals the operation payload into out.
func (o Operation) DecodePayload(out interface{}) error {
	if o.Payload == "" {
		return nil
	}
	return json.Unmarshal([]byte(o.Payload), out)
}
