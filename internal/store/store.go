// Package store implements the document layer the rest of the backend builds
// on: named collections of JSON-payload records with point lookups, equality
// queries, transactional read-modify-write, and change notification on every
// committed write.
package store

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/sableriver/notewell/backend/internal/errcode"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	noOpLogger           = zap.NewNop()
)

// ErrRecordNotFound reports that a point lookup matched nothing.
var ErrRecordNotFound = gorm.ErrRecordNotFound

const (
	opStoreNew    = "store.new"
	opCreate      = "store.create"
	opGet         = "store.get"
	opList        = "store.list"
	opUpdate      = "store.update"
	opMarkDeleted = "store.mark_deleted"
)

// Config describes the dependencies of the document store.
type Config struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Events     Publisher
	Logger     *zap.Logger
}

// Store exposes the document-layer operations over the records table.
type Store struct {
	db     *gorm.DB
	clock  func() time.Time
	ids    IDProvider
	events Publisher
	logger *zap.Logger
}

// New constructs a Store after validating its dependencies.
func New(cfg Config) (*Store, error) {
	if cfg.Database == nil {
		return nil, errcode.New(opStoreNew, "missing_database", errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, errcode.New(opStoreNew, "missing_id_provider", errMissingIDProvider)
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
		db:     cfg.Database,
		clock:  clock,
		ids:    cfg.IDProvider,
		events: cfg.Events,
		logger: logger,
	}, nil
}

// DB exposes the underlying handle for collaborators that share transactions.
func (s *Store) DB() *gorm.DB {
	return s.db
}

// NewID issues a fresh backend identifier.
func (s *Store) NewID() (string, error) {
	return s.ids.NewID()
}

// Create persists the record, assigning a backend identifier and timestamps
// when absent, and publishes a creation event.
func (s *Store) Create(ctx context.Context, record *Record) error {
	if err := ValidateCollection(record.Collection); err != nil {
		return errcode.New(opCreate, "invalid_collection", err)
	}
	if record.BackendID == "" {
		id, err := s.ids.NewID()
		if err != nil {
			s.logError(opCreate, "id_generation_failed", err, zap.String("collection", record.Collection))
			return errcode.New(opCreate, "id_generation_failed", err)
		}
		record.BackendID = id
	}
	now := s.clock().UTC().Unix()
	if record.CreatedAtSeconds == 0 {
		record.CreatedAtSeconds = now
	}
	if record.UpdatedAtSeconds == 0 {
		record.UpdatedAtSeconds = now
	}

	if err := s.db.WithContext(ctx).Create(record).Error; err != nil {
		s.logError(opCreate, "insert_failed", err,
			zap.String("collection", record.Collection),
			zap.String("backend_id", record.BackendID))
		return errcode.New(opCreate, "insert_failed", err)
	}

	s.publish(record.Collection, EventRecordCreated, record.BackendID)
	return nil
}

// Get performs a point lookup by collection and backend identifier.
// A miss returns ErrRecordNotFound.
func (s *Store) Get(ctx context.Context, collection, backendID string) (*Record, error) {
	if err := ValidateCollection(collection); err != nil {
		return nil, errcode.New(opGet, "invalid_collection", err)
	}
	if err := ValidateBackendID(backendID); err != nil {
		return nil, errcode.New(opGet, "invalid_backend_id", err)
	}

	var record Record
	err := s.db.WithContext(ctx).
		Where("collection = ? AND backend_id = ?", collection, backendID).
		Take(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrRecordNotFound
		}
		s.logError(opGet, "query_failed", err,
			zap.String("collection", collection),
			zap.String("backend_id", backendID))
		return nil, errcode.New(opGet, "query_failed", err)
	}
	return &record, nil
}

// Filter narrows a List call. Zero values leave the corresponding field
// unconstrained.
type Filter struct {
	AuthorID       string
	CommunityID    string
	IncludeDeleted bool
}

// List returns the records of a collection matching the filter, most recently
// updated first.
func (s *Store) List(ctx context.Context, collection string, filter Filter) ([]Record, error) {
	if err := ValidateCollection(collection); err != nil {
		return nil, errcode.New(opList, "invalid_collection", err)
	}

	query := s.db.WithContext(ctx).Where("collection = ?", collection)
	if filter.AuthorID != "" {
		query = query.Where("author_id = ?", filter.AuthorID)
	}
	if filter.CommunityID != "" {
		query = query.Where("community_id = ?", filter.CommunityID)
	}
	if !filter.IncludeDeleted {
		query = query.Where("is_deleted = ?", false)
	}

	var records []Record
	if err := query.Order("updated_at_s DESC").Find(&records).Error; err != nil {
		s.logError(opList, "query_failed", err, zap.String("collection", collection))
		return nil, errcode.New(opList, "query_failed", err)
	}
	return records, nil
}

// Update persists the record's payload fields, bumps its update timestamp and
// publishes an update event.
func (s *Store) Update(ctx context.Context, record *Record) error {
	if err := ValidateCollection(record.Collection); err != nil {
		return errcode.New(opUpdate, "invalid_collection", err)
	}
	if err := ValidateBackendID(record.BackendID); err != nil {
		return errcode.New(opUpdate, "invalid_backend_id", err)
	}

	record.UpdatedAtSeconds = s.clock().UTC().Unix()
	if err := s.db.WithContext(ctx).Save(record).Error; err != nil {
		s.logError(opUpdate, "save_failed", err,
			zap.String("collection", record.Collection),
			zap.String("backend_id", record.BackendID))
		return errcode.New(opUpdate, "save_failed", err)
	}

	s.publish(record.Collection, EventRecordUpdated, record.BackendID)
	return nil
}

// MarkDeleted soft-deletes the record. The sequential mapping for the record,
// when one exists, is intentionally left in place.
func (s *Store) MarkDeleted(ctx context.Context, collection, backendID string) error {
	record, err := s.Get(ctx, collection, backendID)
	if err != nil {
		return err
	}
	record.IsDeleted = true
	record.UpdatedAtSeconds = s.clock().UTC().Unix()
	if err := s.db.WithContext(ctx).Save(record).Error; err != nil {
		s.logError(opMarkDeleted, "save_failed", err,
			zap.String("collection", collection),
			zap.String("backend_id", backendID))
		return errcode.New(opMarkDeleted, "save_failed", err)
	}

	s.publish(collection, EventRecordDeleted, backendID)
	return nil
}

// Publish emits a change event on behalf of collaborators that write records
// inside their own transactions.
func (s *Store) Publish(collection, eventType string, backendIDs ...string) {
	if s.events == nil {
		return
	}
	s.events.Publish(collection, Event{
		Collection: collection,
		EventType:  eventType,
		BackendIDs: backendIDs,
		Timestamp:  s.clock().UTC(),
	})
}

func (s *Store) publish(collection, eventType string, backendID string) {
	s.Publish(collection, eventType, backendID)
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
	s.logger.Error("store error", attrs...)
}
