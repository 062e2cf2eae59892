package repository

import (
	"context"

	"gorm.io/gorm"

	"github.com/noah-isme/gema-assessment-api/internal/models"
)

// AllocationCheck validates a new weight against the weights already used in a section.
type AllocationCheck func(existing []float64) error

// AssessmentRepository defines data operations for assessment definitions.
type AssessmentRepository interface {
	GetByID(ctx context.Context, id uint) (models.Assessment, error)
	ListBySection(ctx context.Context, sectionID uint) ([]models.Assessment, error)
	CreateWithinAllocation(ctx context.Context, assessment *models.Assessment, check AllocationCheck) error
}

type assessmentRepository struct {
	db *gorm.DB
}

// NewAssessmentRepository instantiates the repository.
func NewAssessmentRepository(db *gorm.DB) AssessmentRepository {
	return &assessmentRepository{db: db}
}

func (r *assessmentRepository) GetByID(ctx context.Context, id uint) (models.Assessment, error) {
	var assessment models.Assessment
	if err := r.db.WithContext(ctx).First(&assessment, id).Error; err != nil {
		return models.Assessment{}, err
	}

	return assessment, nil
}

func (r *assessmentRepository) ListBySection(ctx context.Context, sectionID uint) ([]models.Assessment, error) {
	var assessments []models.Assessment
	if err := r.db.WithContext(ctx).
		Where("section_id = ?", sectionID).
		Order("created_at ASC, id ASC").
		Find(&assessments).Error; err != nil {
		return nil, err
	}

	return assessments, nil
}

// CreateWithinAllocation reads the section's current weights and inserts the
// assessment in one transaction, aborting when check rejects it.
func (r *assessmentRepository) CreateWithinAllocation(ctx context.Context, assessment *models.Assessment, check AllocationCheck) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing []float64
		if err := tx.Model(&models.Assessment{}).
			Where("section_id = ?", assessment.SectionID).
			Pluck("percentage", &existing).Error; err != nil {
			return err
		}

		if check != nil {
			if err := check(existing); err != nil {
				return err
			}
		}

		return tx.Create(assessment).Error
	})
}
