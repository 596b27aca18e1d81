// Package seqid assigns small monotonically increasing integers to records so
// human-facing URLs can address them without exposing opaque backend
// identifiers, and resolves between the two in both directions.
//
// The record's own sequential_id column is the durable source of truth; the
// separate mapping table is a rebuildable index, which is why resolution falls
// back to a direct query when the mapping row is missing.
package seqid

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/sableriver/notewell/backend/internal/errcode"
	"github.com/sableriver/notewell/backend/internal/store"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	errAmbiguousMatch    = errors.New("sequential id matches more than one record")
	noOpLogger           = zap.NewNop()
)

const (
	opServiceNew   = "seqid.new"
	opAllocate     = "seqid.allocate"
	opCreate       = "seqid.create"
	opResolve      = "seqid.resolve"
	opResolveBack  = "seqid.resolve_sequential"
	opBackfill     = "seqid.backfill"
	reasonAlloc    = "allocation_failed"
	reasonMapping  = "mapping_write_failed"
	reasonRecord   = "record_creation_failed"
	reasonBackfill = "backfill_failed"
)

// Config describes the dependencies of the allocator.
type Config struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider store.IDProvider
	Events     store.Publisher
	Logger     *zap.Logger
}

// Service allocates sequential identifiers and resolves them against backend
// record identifiers.
type Service struct {
	db     *gorm.DB
	clock  func() time.Time
	ids    store.IDProvider
	events store.Publisher
	logger *zap.Logger
}

// New constructs the allocator after validating its dependencies.
func New(cfg Config) (*Service, error) {
	if cfg.Database == nil {
		return nil, errcode.New(opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, errcode.New(opServiceNew, "missing_id_provider", errMissingIDProvider)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Service{
		db:     cfg.Database,
		clock:  clock,
		ids:    cfg.IDProvider,
		events: cfg.Events,
		logger: logger,
	}, nil
}

// AllocateNext atomically increments the collection's counter and returns the
// new value. Two concurrent callers for the same collection never receive the
// same value; the first allocation for a collection returns 1.
func (s *Service) AllocateNext(ctx context.Context, collection string) (int64, error) {
	if err := store.ValidateCollection(collection); err != nil {
		return 0, errcode.New(opAllocate, "invalid_collection", err)
	}

	var allocated int64
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		value, err := allocateNextTx(tx, collection, s.clock)
		if err != nil {
			return err
		}
		allocated = value
		return nil
	})
	if txErr != nil {
		s.logError(opAllocate, reasonAlloc, txErr, zap.String("collection", collection))
		return 0, errcode.New(opAllocate, reasonAlloc, txErr)
	}
	return allocated, nil
}

// allocateNextTx performs the counter read-modify-write inside the supplied
// transaction so composite operations can commit the increment together with
// their own writes.
func allocateNextTx(tx *gorm.DB, collection string, clock func() time.Time) (int64, error) {
	var counter Counter
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("collection = ?", collection).
		Take(&counter).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		counter = Counter{Collection: collection}
	} else if err != nil {
		return 0, err
	}

	counter.CurrentValue++
	counter.UpdatedAtSeconds = clock().UTC().Unix()
	if err := tx.Save(&counter).Error; err != nil {
		return 0, err
	}
	return counter.CurrentValue, nil
}

// CreatePayload carries the caller-supplied fields of a record to be created.
type CreatePayload struct {
	AuthorID    string
	CommunityID string
	PayloadJSON string
}

// CreateResult reports the identifiers of a created record. SequentialID is
// nil when the record was created through the degraded fallback path; callers
// must then address the record by its backend identifier alone.
type CreateResult struct {
	BackendID    string
	SequentialID *int64
}

// CreateWithSequentialID allocates the next sequential id, persists the record
// carrying it, then writes the mapping row.
//
// A mapping-write failure is logged and returned, but the record has already
// been created with its sequential id, so the returned CreateResult remains
// valid and resolution succeeds through the direct-query fallback. A
// record-creation failure triggers one retry without a sequential id; only
// when that retry also fails is the error returned with an empty result.
func (s *Service) CreateWithSequentialID(ctx context.Context, collection string, payload CreatePayload) (CreateResult, error) {
	if err := store.ValidateCollection(collection); err != nil {
		return CreateResult{}, errcode.New(opCreate, "invalid_collection", err)
	}

	allocated, err := s.AllocateNext(ctx, collection)
	if err != nil {
		return CreateResult{}, err
	}

	backendID, err := s.ids.NewID()
	if err != nil {
		s.logError(opCreate, "id_generation_failed", err, zap.String("collection", collection))
		return CreateResult{}, errcode.New(opCreate, "id_generation_failed", err)
	}

	now := s.clock().UTC().Unix()
	record := store.Record{
		Collection:       collection,
		BackendID:        backendID,
		SequentialID:     &allocated,
		AuthorID:         payload.AuthorID,
		CommunityID:      payload.CommunityID,
		PayloadJSON:      payload.PayloadJSON,
		CreatedAtSeconds: now,
		UpdatedAtSeconds: now,
	}

	if err := s.db.WithContext(ctx).Create(&record).Error; err != nil {
		s.logError(opCreate, reasonRecord, err,
			zap.String("collection", collection),
			zap.Int64("sequential_id", allocated))
		return s.createWithoutSequentialID(ctx, collection, payload, err)
	}

	result := CreateResult{BackendID: backendID, SequentialID: &allocated}

	mapping := Mapping{
		Collection:       collection,
		SequentialID:     allocated,
		BackendID:        backendID,
		CreatedAtSeconds: now,
	}
	if err := s.db.WithContext(ctx).Create(&mapping).Error; err != nil {
		s.logError(opCreate, reasonMapping, err,
			zap.String("collection", collection),
			zap.String("backend_id", backendID),
			zap.Int64("sequential_id", allocated))
		s.publishCreated(collection, backendID)
		return result, errcode.New(opCreate, reasonMapping, err)
	}

	s.publishCreated(collection, backendID)
	return result, nil
}

// createWithoutSequentialID is the one-time fallback after a failed record
// insert: the record is retried without any sequential id at all.
func (s *Service) createWithoutSequentialID(ctx context.Context, collection string, payload CreatePayload, cause error) (CreateResult, error) {
	backendID, err := s.ids.NewID()
	if err != nil {
		return CreateResult{}, errcode.New(opCreate, reasonRecord, cause)
	}

	now := s.clock().UTC().Unix()
	record := store.Record{
		Collection:       collection,
		BackendID:        backendID,
		AuthorID:         payload.AuthorID,
		CommunityID:      payload.CommunityID,
		PayloadJSON:      payload.PayloadJSON,
		CreatedAtSeconds: now,
		UpdatedAtSeconds: now,
	}
	if err := s.db.WithContext(ctx).Create(&record).Error; err != nil {
		s.logError(opCreate, reasonRecord, err, zap.String("collection", collection))
		return CreateResult{}, errcode.New(opCreate, reasonRecord, err)
	}

	s.publishCreated(collection, backendID)
	return CreateResult{BackendID: backendID}, nil
}

// ResolveToBackendID translates a sequential id into its backend identifier.
// The mapping row is consulted first; when it is missing, a direct equality
// query against the records table serves as fallback. A miss on both paths
// returns an empty identifier and no error; callers then treat their original
// input as already being a backend identifier.
func (s *Service) ResolveToBackendID(ctx context.Context, collection string, sequentialID int64) (string, error) {
	if err := store.ValidateCollection(collection); err != nil {
		return "", errcode.New(opResolve, "invalid_collection", err)
	}
	if sequentialID <= 0 {
		return "", nil
	}

	var mapping Mapping
	err := s.db.WithContext(ctx).
		Where("collection = ? AND sequential_id = ?", collection, sequentialID).
		Take(&mapping).Error
	if err == nil {
		return mapping.BackendID, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		s.logError(opResolve, "mapping_query_failed", err,
			zap.String("collection", collection),
			zap.Int64("sequential_id", sequentialID))
		return "", errcode.New(opResolve, "mapping_query_failed", err)
	}

	var records []store.Record
	err = s.db.WithContext(ctx).
		Where("collection = ? AND sequential_id = ?", collection, sequentialID).
		Limit(2).
		Find(&records).Error
	if err != nil {
		s.logError(opResolve, "record_query_failed", err,
			zap.String("collection", collection),
			zap.Int64("sequential_id", sequentialID))
		return "", errcode.New(opResolve, "record_query_failed", err)
	}
	switch len(records) {
	case 1:
		return records[0].BackendID, nil
	case 0:
		return "", nil
	default:
		s.logError(opResolve, "ambiguous_match", errAmbiguousMatch,
			zap.String("collection", collection),
			zap.Int64("sequential_id", sequentialID))
		return "", nil
	}
}

// ResolveToSequentialID translates a backend identifier into its sequential id
// via the mapping table. There is no fallback path in this direction; a miss
// returns ok == false and callers fall back to displaying the raw identifier.
func (s *Service) ResolveToSequentialID(ctx context.Context, collection, backendID string) (int64, bool, error) {
	if err := store.ValidateCollection(collection); err != nil {
		return 0, false, errcode.New(opResolveBack, "invalid_collection", err)
	}
	if strings.TrimSpace(backendID) == "" {
		return 0, false, nil
	}

	var mapping Mapping
	err := s.db.WithContext(ctx).
		Where("collection = ? AND backend_id = ?", collection, backendID).
		Take(&mapping).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, false, nil
	}
	if err != nil {
		s.logError(opResolveBack, "mapping_query_failed", err,
			zap.String("collection", collection),
			zap.String("backend_id", backendID))
		return 0, false, errcode.New(opResolveBack, "mapping_query_failed", err)
	}
	return mapping.SequentialID, true, nil
}

// BackfillCollection assigns sequential ids to every record in the collection
// that lacks one. Each record's counter increment, record update and mapping
// write commit in a single transaction, so a partial failure never leaves a
// record carrying an id without its mapping. Records already carrying an id
// are skipped, which makes repeated runs idempotent. Returns the number of
// ids assigned.
func (s *Service) BackfillCollection(ctx context.Context, collection string) (int, error) {
	if err := store.ValidateCollection(collection); err != nil {
		return 0, errcode.New(opBackfill, "invalid_collection", err)
	}

	var pending []store.Record
	err := s.db.WithContext(ctx).
		Where("collection = ? AND sequential_id IS NULL", collection).
		Order("created_at_s ASC").
		Find(&pending).Error
	if err != nil {
		s.logError(opBackfill, "scan_failed", err, zap.String("collection", collection))
		return 0, errcode.New(opBackfill, reasonBackfill, err)
	}

	assigned := 0
	for i := range pending {
		record := pending[i]
		txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			allocated, err := allocateNextTx(tx, collection, s.clock)
			if err != nil {
				return err
			}
			updates := map[string]interface{}{
				"sequential_id": allocated,
				"updated_at_s":  s.clock().UTC().Unix(),
			}
			err = tx.Model(&store.Record{}).
				Where("collection = ? AND backend_id = ?", collection, record.BackendID).
				Updates(updates).Error
			if err != nil {
				return err
			}
			mapping := Mapping{
				Collection:       collection,
				SequentialID:     allocated,
				BackendID:        record.BackendID,
				CreatedAtSeconds: s.clock().UTC().Unix(),
			}
			return tx.Create(&mapping).Error
		})
		if txErr != nil {
			s.logError(opBackfill, reasonBackfill, txErr,
				zap.String("collection", collection),
				zap.String("backend_id", record.BackendID))
			return assigned, errcode.New(opBackfill, reasonBackfill, txErr)
		}
		assigned++
	}

	if assigned > 0 {
		s.logger.Info("sequential id backfill completed",
			zap.String("collection", collection),
			zap.Int("assigned", assigned))
	}
	return assigned, nil
}

func (s *Service) publishCreated(collection, backendID string) {
	if s.events == nil {
		return
	}
	s.events.Publish(collection, store.Event{
		Collection: collection,
		EventType:  store.EventRecordCreated,
		BackendIDs: []string{backendID},
		Timestamp:  s.clock().UTC(),
	})
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("seqid service error", attrs...)
}
