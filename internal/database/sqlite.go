package database

import (
	"fmt"

	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/sableriver/notewell/backend/internal/communities"
	"github.com/sableriver/notewell/backend/internal/notes"
	"github.com/sableriver/notewell/backend/internal/profiles"
	"github.com/sableriver/notewell/backend/internal/seqid"
	"github.com/sableriver/notewell/backend/internal/store"
)

// OpenSQLite establishes a SQLite connection and performs schema migrations.
func OpenSQLite(path string, logger *zap.Logger) (*gorm.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	err = db.AutoMigrate(
		&store.Record{},
		&seqid.Counter{},
		&seqid.Mapping{},
		&profiles.Profile{},
		&notes.Reaction{},
		&notes.Comment{},
		&communities.Membership{},
		&communities.JoinRequest{},
		&communities.Invitation{},
		&migrationRecord{},
	)
	if err != nil {
		return nil, err
	}

	if err := applyMigrations(db, logger); err != nil {
		return nil, err
	}

	if logger != nil {
		logger.Info("database initialized", zap.String("path", path))
	}

	return db, nil
}
