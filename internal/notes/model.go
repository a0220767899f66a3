package notes

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// SyncStatus tracks where a local note stands relative to the remote authority.
type SyncStatus string

const (
	// SyncStatusPending marks a note with local changes not yet applied remotely.
	SyncStatusPending SyncStatus = "pending"
	// SyncStatusSynced marks a note whose local state matches the last known server state.
	SyncStatusSynced SyncStatus = "synced"
	// SyncStatusConflict marks a note whose last update required a conflict fallback.
	SyncStatusConflict SyncStatus = "conflict"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidLocalID indicates that a local note identifier is empty or exceeds storage bounds.
	ErrInvalidLocalID = errors.New("notes: invalid local id")
	// ErrInvalidUserID indicates that a user identifier is empty or exceeds storage bounds.
	ErrInvalidUserID = errors.New("notes: invalid user id")
	// ErrInvalidRef indicates a note reference with no identifier value.
	ErrInvalidRef = errors.New("notes: invalid note reference")
)

// UserID represents a validated user identifier.
type UserID string

// NewUserID validates raw input and returns a UserID.
func NewUserID(rawInput string) (UserID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidUserID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidUserID, maxIdentifierLength)
	}
	return UserID(trimmed), nil
}

// String returns the underlying string identifier.
func (id UserID) String() string {
	return string(id)
}

// RefKind distinguishes the identifier space a Ref addresses.
type RefKind string

const (
	// RefKindLocal addresses a note by its client-generated identifier.
	RefKindLocal RefKind = "local"
	// RefKindServer addresses a note by its server-assigned identifier.
	RefKindServer RefKind = "server"
)

// Ref is a typed note reference: exactly one identifier space, resolved once
// at the boundary instead of re-derived per query.
type Ref struct {
	kind  RefKind
	value string
}

// LocalRef builds a reference in the local identifier space.
func LocalRef(localID string) (Ref, error) {
	trimmed := strings.TrimSpace(localID)
	if trimmed == "" {
		return Ref{}, fmt.Errorf("%w: empty local id", ErrInvalidRef)
	}
	return Ref{kind: RefKindLocal, value: trimmed}, nil
}

// ServerRef builds a reference in the server identifier space.
func ServerRef(serverID string) (Ref, error) {
	trimmed := strings.TrimSpace(serverID)
	if trimmed == "" {
		return Ref{}, fmt.Errorf("%w: empty server id", ErrInvalidRef)
	}
	return Ref{kind: RefKindServer, value: trimmed}, nil
}

// Kind reports the identifier space of the reference.
func (r Ref) Kind() RefKind {
	return r.kind
}

// Value returns the raw identifier.
func (r Ref) Value() string {
	return r.value
}

// IsZero reports whether the reference carries no identifier.
func (r Ref) IsZero() bool {
	return r.value == ""
}

// StringSet is an order-irrelevant set of identifiers persisted as a JSON array.
type StringSet map[string]struct{}

// NewStringSet builds a set from the provided members.
func NewStringSet(members ...string) StringSet {
	set := make(StringSet, len(members))
	for _, member := range members {
		if trimmed := strings.TrimSpace(member); trimmed != "" {
			set[trimmed] = struct{}{}
		}
	}
	return set
}

// Contains reports set membership.
func (s StringSet) Contains(member string) bool {
	_, ok := s[member]
	return ok
}

// Add inserts a member, returning true when the set changed.
func (s StringSet) Add(member string) bool {
	if _, ok := s[member]; ok {
		return false
	}
	s[member] = struct{}{}
	return true
}

// Remove deletes a member, returning true when the set changed.
func (s StringSet) Remove(member string) bool {
	if _, ok := s[member]; !ok {
		return false
	}
	delete(s, member)
	return true
}

// Members returns the set contents sorted for stable serialization.
func (s StringSet) Members() []string {
	members := make([]string, 0, len(s))
	for member := range s {
		members = append(members, member)
	}
	sort.Strings(members)
	return members
}

// Value implements driver.Valuer, serializing the set as a JSON array.
func (s StringSet) Value() (driver.Value, error) {
	encoded, err := json.Marshal(s.Members())
	if err != nil {
		return nil, err
	}
	return string(encoded), nil
}

// Scan implements sql.Scanner for JSON array columns.
func (s *StringSet) Scan(src interface{}) error {
	if src == nil {
		*s = NewStringSet()
		return nil
	}
	var raw []byte
	switch typed := src.(type) {
	case string:
		raw = []byte(typed)
	case []byte:
		raw = typed
	default:
		return fmt.Errorf("notes: cannot scan %T into StringSet", src)
	}
	if len(raw) == 0 {
		*s = NewStringSet()
		return nil
	}
	var members []string
	if err := json.Unmarshal(raw, &members); err != nil {
		return err
	}
	*s = NewStringSet(members...)
	return nil
}

// MarshalJSON serializes the set as a sorted JSON array.
func (s StringSet) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Members())
}

// UnmarshalJSON restores the set from a JSON array.
func (s *StringSet) UnmarshalJSON(data []byte) error {
	var members []string
	if err := json.Unmarshal(data, &members); err != nil {
		return err
	}
	*s = NewStringSet(members...)
	return nil
}

// Note models the persisted note row with its sync metadata. The local
// identifier is the only one the UI layer ever sees; the server identifier is
// bound exactly once, when the note's create operation completes remotely.
type Note struct {
	LocalID        string     `gorm:"column:local_id;primaryKey;size:190;not null"`
	ServerID       *string    `gorm:"column:server_id;size:190;uniqueIndex:idx_notes_server_id"`
	Title          string     `gorm:"column:title;type:text;not null"`
	Details        string     `gorm:"column:details;type:text;not null"`
	OwnerID        string     `gorm:"column:owner_id;size:190;not null;index:idx_notes_owner"`
	SharedWith     StringSet  `gorm:"column:shared_with;type:text;not null"`
	BookmarkedBy   StringSet  `gorm:"column:bookmarked_by;type:text;not null"`
	CreatedAt      time.Time  `gorm:"column:created_at;not null"`
	UpdatedAt      time.Time  `gorm:"column:updated_at;not null"`
	SyncStatus     SyncStatus `gorm:"column:sync_status;size:32;not null;index:idx_notes_sync_status"`
	NeedsSync      bool       `gorm:"column:needs_sync;not null;default:false;index:idx_notes_needs_sync"`
	LocalUpdatedAt *time.Time `gorm:"column:local_updated_at"`
}

// TableName provides the explicit table binding for GORM.
func (Note) TableName() string {
	return "notes"
}

// HasServerID reports whether the note completed at least one create round-trip.
func (n Note) HasServerID() bool {
	return n.ServerID != nil && strings.TrimSpace(*n.ServerID) != ""
}

// Draft carries the user-editable fields of a note.
type Draft struct {
	Title   string
	Details string
}

// ServerFields is the authoritative representation returned by a completed
// remote create or update, applied on top of the local row when marking synced.
type ServerFields struct {
	Title        string
	Details      string
	SharedWith   StringSet
	BookmarkedBy StringSet
	UpdatedAt    time.Time
}
