package repository

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/noah-isme/gema-assessment-api/internal/models"
)

// EnrollmentRepository reads and records course enrollments.
type EnrollmentRepository interface {
	EnrollmentDate(ctx context.Context, studentID, courseID uint) (*time.Time, error)
	Upsert(ctx context.Context, enrollment *models.Enrollment) error
}

type enrollmentRepository struct {
	db *gorm.DB
}

// NewEnrollmentRepository instantiates the repository.
func NewEnrollmentRepository(db *gorm.DB) EnrollmentRepository {
	return &enrollmentRepository{db: db}
}

// EnrollmentDate returns nil without error when the student is not enrolled.
func (r *enrollmentRepository) EnrollmentDate(ctx context.Context, studentID, courseID uint) (*time.Time, error) {
	var enrollment models.Enrollment
	err := r.db.WithContext(ctx).
		Where("student_id = ? AND course_id = ?", studentID, courseID).
		First(&enrollment).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	enrolledAt := enrollment.EnrolledAt.UTC()
	return &enrolledAt, nil
}

func (r *enrollmentRepository) Upsert(ctx context.Context, enrollment *models.Enrollment) error {
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "student_id"}, {Name: "course_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"enrolled_at", "updated_at"}),
		}).
		Create(enrollment).Error
}
