package store

import (
	"context"
	"fmt"

	"gorm.io/gorm"
)

// RecordingStore persists recording metadata.
type RecordingStore interface {
	// CreateRecording inserts rec, filling its generated ID and CreatedAt.
	CreateRecording(ctx context.Context, rec *Recording) error
	ListRecordings(ctx context.Context, questionID string) ([]Recording, error)
}

type GormRecordingRepository struct {
	db *gorm.DB
}

func NewGormRecordingRepository(db *gorm.DB) *GormRecordingRepository {
	return &GormRecordingRepository{db: db}
}

// Migrate creates or updates the recordings table.
func (r *GormRecordingRepository) Migrate(ctx context.Context) error {
	if err := r.db.WithContext(ctx).AutoMigrate(&Recording{}); err != nil {
		return fmt.Errorf("failed to migrate recordings: %w", err)
	}
	return nil
}

func (r *GormRecordingRepository) CreateRecording(ctx context.Context, rec *Recording) error {
	return r.db.WithContext(ctx).Create(rec).Error
}

// ListRecordings returns a question's recordings, newest first.
func (r *GormRecordingRepository) ListRecordings(ctx context.Context, questionID string) ([]Recording, error) {
	var recs []Recording
	err := r.db.WithContext(ctx).
		Where("question_id = ?", questionID).
		Order("created_at DESC").
		Find(&recs).Error
	return recs, err
}
