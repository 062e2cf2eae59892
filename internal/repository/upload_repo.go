package repository

import (
	"context"

	"gorm.io/gorm"

	"github.com/noah-isme/gema-assessment-api/internal/models"
)

// UploadRepository persists metadata about uploaded files.
type UploadRepository interface {
	Create(ctx context.Context, record *models.UploadRecord) error
	GetByReference(ctx context.Context, reference string) (models.UploadRecord, error)
}

type uploadRepository struct {
	db *gorm.DB
}

// NewUploadRepository constructs a repository for upload records.
func NewUploadRepository(db *gorm.DB) UploadRepository {
	return &uploadRepository{db: db}
}

func (r *uploadRepository) Create(ctx context.Context, record *models.UploadRecord) error {
	return r.db.WithContext(ctx).Create(record).Error
}

func (r *uploadRepository) GetByReference(ctx context.Context, reference string) (models.UploadRecord, error) {
	var record models.UploadRecord
	if err := r.db.WithContext(ctx).Where("reference = ?", reference).First(&record).Error; err != nil {
		return models.UploadRecord{}, err
	}

	return record, nil
}
