package database

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/sableriver/notewell/backend/internal/seqid"
	"github.com/sableriver/notewell/backend/internal/store"
)

const migrationBackfillSequentialIDs = "2026-08-30_backfill_sequential_ids"

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB, *zap.Logger) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationBackfillSequentialIDs, apply: backfillSequentialIDs},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := migration.apply(db, logger); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// backfillSequentialIDs assigns sequential ids to records persisted before the
// allocator existed. The backfill itself is idempotent, so re-running after a
// partial failure is safe.
func backfillSequentialIDs(db *gorm.DB, logger *zap.Logger) error {
	allocator, err := seqid.New(seqid.Config{
		Database:   db,
		IDProvider: store.NewUUIDProvider(),
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	ctx := context.Background()
	for _, collection := range []string{store.CollectionNotes, store.CollectionCommunities} {
		if _, err := allocator.BackfillCollection(ctx, collection); err != nil {
			return err
		}
	}
	return nil
}
