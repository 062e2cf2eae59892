package repository

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/noah-isme/gema-assessment-api/internal/models"
)

var (
	// ErrDuplicate indicates an attempt already exists for the (assessment, student) pair.
	ErrDuplicate = errors.New("attempt already exists")
	// ErrStaleVersion indicates the attempt changed since it was read.
	ErrStaleVersion = errors.New("attempt version is stale")
)

// AttemptFilter narrows attempt listings.
type AttemptFilter struct {
	AssessmentID *uint
	StudentID    *uint
	Status       *models.AttemptStatus
}

// AttemptRepository persists attempts together with their status history.
type AttemptRepository interface {
	CreateIfAbsent(ctx context.Context, attempt *models.Attempt, entry models.AttemptStatusHistory) error
	GetByID(ctx context.Context, id uint) (models.Attempt, error)
	GetByAssessmentAndStudent(ctx context.Context, assessmentID, studentID uint) (models.Attempt, error)
	List(ctx context.Context, filter AttemptFilter) ([]models.Attempt, error)
	ListByStudent(ctx context.Context, studentID uint, assessmentIDs []uint) ([]models.Attempt, error)
	UpdateWithHistory(ctx context.Context, attempt *models.Attempt, expectedVersion int, entry models.AttemptStatusHistory) error
	HasFeedbackFile(ctx context.Context, studentID uint, reference string) (bool, error)
}

type attemptRepository struct {
	db *gorm.DB
}

// NewAttemptRepository instantiates the repository.
func NewAttemptRepository(db *gorm.DB) AttemptRepository {
	return &attemptRepository{db: db}
}

func (r *attemptRepository) baseQuery(ctx context.Context) *gorm.DB {
	return r.db.WithContext(ctx).Model(&models.Attempt{}).
		Preload("History", func(db *gorm.DB) *gorm.DB {
			return db.Order("created_at ASC, id ASC")
		})
}

// CreateIfAbsent inserts the attempt and its first history entry atomically.
// The unique (assessment_id, student_id) index decides races: the loser gets
// ErrDuplicate and nothing is written.
func (r *attemptRepository) CreateIfAbsent(ctx context.Context, attempt *models.Attempt, entry models.AttemptStatusHistory) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		attempt.History = nil
		result := tx.Omit(clause.Associations).
			Clauses(clause.OnConflict{DoNothing: true}).
			Create(attempt)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return ErrDuplicate
		}

		entry.AttemptID = attempt.ID
		if err := tx.Create(&entry).Error; err != nil {
			return err
		}
		attempt.History = []models.AttemptStatusHistory{entry}
		return nil
	})
}

func (r *attemptRepository) GetByID(ctx context.Context, id uint) (models.Attempt, error) {
	var attempt models.Attempt
	if err := r.baseQuery(ctx).First(&attempt, id).Error; err != nil {
		return models.Attempt{}, err
	}

	return attempt, nil
}

func (r *attemptRepository) GetByAssessmentAndStudent(ctx context.Context, assessmentID, studentID uint) (models.Attempt, error) {
	var attempt models.Attempt
	if err := r.baseQuery(ctx).
		Where("assessment_id = ?", assessmentID).
		Where("student_id = ?", studentID).
		First(&attempt).Error; err != nil {
		return models.Attempt{}, err
	}

	return attempt, nil
}

func (r *attemptRepository) List(ctx context.Context, filter AttemptFilter) ([]models.Attempt, error) {
	query := r.db.WithContext(ctx).Model(&models.Attempt{})

	if filter.AssessmentID != nil {
		query = query.Where("assessment_id = ?", *filter.AssessmentID)
	}

	if filter.StudentID != nil {
		query = query.Where("student_id = ?", *filter.StudentID)
	}

	if filter.Status != nil {
		query = query.Where("status = ?", *filter.Status)
	}

	var attempts []models.Attempt
	if err := query.Order("submitted_at ASC, id ASC").Find(&attempts).Error; err != nil {
		return nil, err
	}

	return attempts, nil
}

func (r *attemptRepository) ListByStudent(ctx context.Context, studentID uint, assessmentIDs []uint) ([]models.Attempt, error) {
	if len(assessmentIDs) == 0 {
		return nil, nil
	}

	var attempts []models.Attempt
	if err := r.db.WithContext(ctx).
		Where("student_id = ?", studentID).
		Where("assessment_id IN ?", assessmentIDs).
		Find(&attempts).Error; err != nil {
		return nil, err
	}

	return attempts, nil
}

// UpdateWithHistory writes the mutable attempt fields only when the stored
// version still equals expectedVersion, and appends entry in the same
// transaction. A lost race returns ErrStaleVersion and writes nothing.
func (r *attemptRepository) UpdateWithHistory(ctx context.Context, attempt *models.Attempt, expectedVersion int, entry models.AttemptStatusHistory) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		next := expectedVersion + 1
		now := time.Now().UTC()

		result := tx.Model(&models.Attempt{}).
			Where("id = ? AND version = ?", attempt.ID, expectedVersion).
			Updates(map[string]interface{}{
				"status":             attempt.Status,
				"obtained_marks":     attempt.ObtainedMarks,
				"feedback_file":      attempt.FeedbackFile,
				"assessor_decision":  attempt.AssessorDecision,
				"moderator_decision": attempt.ModeratorDecision,
				"verifier_decision":  attempt.VerifierDecision,
				"version":            next,
				"updated_at":         now,
			})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return ErrStaleVersion
		}

		entry.AttemptID = attempt.ID
		if err := tx.Create(&entry).Error; err != nil {
			return err
		}

		attempt.Version = next
		attempt.UpdatedAt = now
		attempt.History = append(attempt.History, entry)
		return nil
	})
}

// HasFeedbackFile reports whether reference is, or once was, the feedback file
// on one of the student's attempts. Feedback withdrawn by a moderation round
// survives in the history and still counts.
func (r *attemptRepository) HasFeedbackFile(ctx context.Context, studentID uint, reference string) (bool, error) {
	if reference == "" {
		return false, nil
	}

	historical := r.db.Model(&models.AttemptStatusHistory{}).
		Select("attempt_id").
		Where("feedback_file = ?", reference)

	var count int64
	if err := r.db.WithContext(ctx).Model(&models.Attempt{}).
		Where("student_id = ?", studentID).
		Where("feedback_file = ? OR id IN (?)", reference, historical).
		Count(&count).Error; err != nil {
		return false, err
	}

	return count > 0, nil
}
