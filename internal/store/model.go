package store

import (
	"errors"
	"fmt"
	"strings"
)

const (
	maxCollectionLength = 64
	maxIdentifierLength = 190
)

// Collections used by the application.
const (
	CollectionNotes       = "notes"
	CollectionCommunities = "communities"
)

var (
	// ErrInvalidCollection indicates that a collection name is empty or exceeds storage bounds.
	ErrInvalidCollection = errors.New("store: invalid collection name")
	// ErrInvalidBackendID indicates that a backend identifier is empty or exceeds storage bounds.
	ErrInvalidBackendID = errors.New("store: invalid backend id")
)

// ValidateCollection checks a collection name against storage bounds.
func ValidateCollection(name string) error {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return fmt.Errorf("%w: empty", ErrInvalidCollection)
	}
	if len(trimmed) > maxCollectionLength {
		return fmt.Errorf("%w: exceeds %d characters", ErrInvalidCollection, maxCollectionLength)
	}
	return nil
}

// ValidateBackendID checks a backend identifier against storage bounds.
func ValidateBackendID(id string) error {
	trimmed := strings.TrimSpace(id)
	if trimmed == "" {
		return fmt.Errorf("%w: empty", ErrInvalidBackendID)
	}
	if len(trimmed) > maxIdentifierLength {
		return fmt.Errorf("%w: exceeds %d characters", ErrInvalidBackendID, maxIdentifierLength)
	}
	return nil
}

// Record models one document in a named collection. The sequential id is
// assigned by the allocator at creation time; records created through the
// degraded fallback path carry none.
type Record struct {
	Collection       string `gorm:"column:collection;primaryKey;size:64;not null;uniqueIndex:idx_records_collection_seq,priority:1"`
	BackendID        string `gorm:"column:backend_id;primaryKey;size:190;not null"`
	SequentialID     *int64 `gorm:"column:sequential_id;uniqueIndex:idx_records_collection_seq,priority:2"`
	AuthorID         string `gorm:"column:author_id;size:190;not null;index:idx_records_author"`
	CommunityID      string `gorm:"column:community_id;size:190;not null;default:'';index:idx_records_community"`
	PayloadJSON      string `gorm:"column:payload_json;type:text;not null"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null"`
	IsDeleted        bool   `gorm:"column:is_deleted;not null;default:false"`
}

// TableName provides the explicit table binding for GORM.
func (Record) TableName() string {
	return "records"
}
