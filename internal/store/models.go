package store

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Recording is the metadata row written after a successful upload.
type Recording struct {
	ID              uuid.UUID `json:"id" gorm:"type:uuid;primaryKey"`
	QuestionID      string    `json:"question_id" gorm:"index;not null"`
	AudioURL        string    `json:"audio_url" gorm:"not null"`
	ObjectKey       string    `json:"object_key"`
	ContentType     string    `json:"content_type" gorm:"default:audio/wav"`
	DurationSeconds float64   `json:"duration_seconds"`
	SizeBytes       int64     `json:"size_bytes"`
	CreatedAt       time.Time `json:"created_at" gorm:"index"`
}

func (r *Recording) BeforeCreate(tx *gorm.DB) error {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	return nil
}

func (Recording) TableName() string {
	return "recordings"
}
