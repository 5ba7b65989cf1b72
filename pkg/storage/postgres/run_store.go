package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"emberci/pkg/models"
	"emberci/pkg/storage"
)

type RunStore struct {
	db *gorm.DB
}

// NewRunStore opens the GORM connection and migrates the run archive
// schema.
func NewRunStore(connString string) (*RunStore, error) {
	config := &gorm.Config{
		Logger:      logger.Default.LogMode(logger.Warn),
		PrepareStmt: true,
	}

	db, err := gorm.Open(postgres.Open(connString), config)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetMaxOpenConns(50)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := db.AutoMigrate(&models.RunRecord{}); err != nil {
		return nil, fmt.Errorf("schema migration failed: %w", err)
	}

	return &RunStore{db: db}, nil
}

func (s *RunStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// RecordRun persists the terminal state of a finished run.
func (s *RunStore) RecordRun(ctx context.Context, rec *models.RunRecord) error {
	result := s.db.WithContext(ctx).Create(rec)
	if result.Error != nil {
		return fmt.Errorf("failed to record run: %w", result.Error)
	}
	return nil
}

// GetRun retrieves one archived run by job name and build number.
func (s *RunStore) GetRun(ctx context.Context, name string, build uint) (*models.RunRecord, error) {
	var rec models.RunRecord
	result := s.db.WithContext(ctx).First(&rec, "name = ? AND build = ?", name, build)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, storage.ErrNotFound
		}
		return nil, result.Error
	}
	return &rec, nil
}

// ListHistory returns the most recent archived builds of a job.
func (s *RunStore) ListHistory(ctx context.Context, name string, limit int) ([]models.RunRecord, error) {
	var recs []models.RunRecord
	result := s.db.WithContext(ctx).
		Where("name = ?", name).
		Order("build desc").
		Limit(limit).
		Find(&recs)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to list history: %w", result.Error)
	}
	return recs, nil
}

// LastResult returns the result of the most recent archived build.
func (s *RunStore) LastResult(ctx context.Context, name string) (string, error) {
	var rec models.RunRecord
	result := s.db.WithContext(ctx).
		Where("name = ?", name).
		Order("build desc").
		First(&rec)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return "", storage.ErrNotFound
		}
		return "", result.Error
	}
	return rec.Result, nil
}

// NextBuild returns max archived build number + 1 for a job.
func (s *RunStore) NextBuild(ctx context.Context, name string) (uint, error) {
	var max *uint
	result := s.db.WithContext(ctx).
		Model(&models.RunRecord{}).
		Where("name = ?", name).
		Select("max(build)").
		Scan(&max)
	if result.Error != nil {
		return 0, fmt.Errorf("failed to query next build: %w", result.Error)
	}
	if max == nil {
		return 1, nil
	}
	return *max + 1, nil
}
