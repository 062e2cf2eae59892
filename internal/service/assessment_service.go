package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/microcosm-cc/bluemonday"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/noah-isme/gema-assessment-api/internal/dto"
	"github.com/noah-isme/gema-assessment-api/internal/models"
	"github.com/noah-isme/gema-assessment-api/internal/repository"
	"github.com/noah-isme/gema-assessment-api/internal/schedule"
)

// EnrollmentWriter records enrollments.
type EnrollmentWriter interface {
	Upsert(ctx context.Context, enrollment *models.Enrollment) error
}

// CacheInvalidator drops cached enrollment dates.
type CacheInvalidator interface {
	Invalidate(ctx context.Context, studentID, courseID uint) error
}

// AssessmentService manages assessment definitions and their due dates.
type AssessmentService interface {
	Create(ctx context.Context, payload dto.AssessmentCreateRequest) (dto.AssessmentResponse, error)
	Get(ctx context.Context, id uint) (models.Assessment, error)
	ListForSection(ctx context.Context, sectionID uint, studentID *uint, includeAnswers bool) (dto.SectionAssessmentsResponse, error)
	DueDate(ctx context.Context, assessmentID, studentID uint) (dto.DueDateResponse, error)
	RecordEnrollment(ctx context.Context, payload dto.EnrollmentRequest) error
}

type assessmentService struct {
	assessments repository.AssessmentRepository
	attempts    repository.AttemptRepository
	enrollments EnrollmentLookup
	writer      EnrollmentWriter
	validator   *validator.Validate
	sanitizer   *bluemonday.Policy
	logger      zerolog.Logger
	tracer      trace.Tracer
	now         func() time.Time

	sectionLocks keyedMutex
}

// NewAssessmentService constructs an AssessmentService instance.
func NewAssessmentService(assessments repository.AssessmentRepository, attempts repository.AttemptRepository, enrollments EnrollmentLookup, writer EnrollmentWriter, validate *validator.Validate, logger zerolog.Logger) AssessmentService {
	return &assessmentService{
		assessments: assessments,
		attempts:    attempts,
		enrollments: enrollments,
		writer:      writer,
		validator:   validate,
		sanitizer:   bluemonday.StrictPolicy(),
		logger:      logger.With().Str("component", "assessment_service").Logger(),
		tracer:      otel.Tracer("github.com/noah-isme/gema-assessment-api/internal/service/assessment"),
		now:         time.Now,
	}
}

func (s *assessmentService) Create(ctx context.Context, payload dto.AssessmentCreateRequest) (dto.AssessmentResponse, error) {
	ctx, span := s.tracer.Start(ctx, "assessment.create")
	defer span.End()

	if err := s.validator.Struct(payload); err != nil {
		return dto.AssessmentResponse{}, err
	}

	assessment, err := s.buildAssessment(payload)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid content")
		return dto.AssessmentResponse{}, err
	}
	span.SetAttributes(
		attribute.Int("assessment.section_id", int(assessment.SectionID)),
		attribute.Float64("assessment.percentage", assessment.Percentage),
	)

	// The transaction sums and inserts; the lock keeps two creations for the
	// same section from both reading the old sum on this instance.
	unlock := s.sectionLocks.Lock(assessment.SectionID)
	defer unlock()

	err = s.assessments.CreateWithinAllocation(ctx, &assessment, func(existing []float64) error {
		return schedule.CheckAllocation(existing, assessment.Percentage)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "create failed")
		return dto.AssessmentResponse{}, err
	}

	s.logger.Info().
		Uint("assessment_id", assessment.ID).
		Uint("section_id", assessment.SectionID).
		Float64("percentage", assessment.Percentage).
		Msg("assessment created")

	return dto.NewAssessmentResponse(assessment, true), nil
}

func (s *assessmentService) buildAssessment(payload dto.AssessmentCreateRequest) (models.Assessment, error) {
	assessmentType := models.AssessmentType(payload.Type)
	if !assessmentType.Valid() {
		return models.Assessment{}, fmt.Errorf("%w: unknown assessment type %q", ErrValidation, payload.Type)
	}
	if payload.IsTimeBound && payload.TimeAllowedMinutes <= 0 {
		return models.Assessment{}, fmt.Errorf("%w: time bound assessments need time_allowed_minutes", ErrValidation)
	}

	var body models.AssessmentBody
	switch assessmentType {
	case models.AssessmentTypeMCQ:
		if len(payload.MCQ) == 0 {
			return models.Assessment{}, fmt.Errorf("%w: mcq assessments need at least one item", ErrValidation)
		}
		seen := make(map[string]struct{}, len(payload.MCQ))
		for _, req := range payload.MCQ {
			if _, dup := seen[req.ID]; dup {
				return models.Assessment{}, fmt.Errorf("%w: duplicate item id %q", ErrValidation, req.ID)
			}
			seen[req.ID] = struct{}{}

			item, err := models.NewMCQItem(req.ID, s.sanitizer.Sanitize(req.Prompt), req.Options, req.CorrectAnswers)
			if err != nil {
				return models.Assessment{}, err
			}
			body.MCQ = append(body.MCQ, item)
		}
	case models.AssessmentTypeQNA:
		if len(payload.Questions) == 0 {
			return models.Assessment{}, fmt.Errorf("%w: qna assessments need at least one question", ErrValidation)
		}
		for _, q := range payload.Questions {
			body.Questions = append(body.Questions, models.QNAQuestion{ID: q.ID, Prompt: s.sanitizer.Sanitize(q.Prompt)})
		}
	case models.AssessmentTypeFILE:
		body.Files = append(body.Files, payload.Files...)
	}

	timeAllowed := payload.TimeAllowedMinutes
	if !payload.IsTimeBound {
		timeAllowed = 0
	}

	return models.Assessment{
		CourseID:           payload.CourseID,
		SectionID:          payload.SectionID,
		Title:              strings.TrimSpace(s.sanitizer.Sanitize(payload.Title)),
		Type:               assessmentType,
		TotalMarks:         payload.TotalMarks,
		Percentage:         payload.Percentage,
		IntervalDays:       payload.Interval,
		IsTimeBound:        payload.IsTimeBound,
		TimeAllowedMinutes: timeAllowed,
		Body:               datatypes.NewJSONType(body),
	}, nil
}

func (s *assessmentService) Get(ctx context.Context, id uint) (models.Assessment, error) {
	assessment, err := s.assessments.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return models.Assessment{}, ErrAssessmentNotFound
		}
		return models.Assessment{}, err
	}
	return assessment, nil
}

func (s *assessmentService) ListForSection(ctx context.Context, sectionID uint, studentID *uint, includeAnswers bool) (dto.SectionAssessmentsResponse, error) {
	ctx, span := s.tracer.Start(ctx, "assessment.list_for_section")
	defer span.End()

	assessments, err := s.assessments.ListBySection(ctx, sectionID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "list failed")
		return dto.SectionAssessmentsResponse{}, err
	}

	attemptsByAssessment := make(map[uint]models.Attempt)
	if studentID != nil && len(assessments) > 0 {
		ids := make([]uint, 0, len(assessments))
		for _, a := range assessments {
			ids = append(ids, a.ID)
		}
		attempts, err := s.attempts.ListByStudent(ctx, *studentID, ids)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "attempt lookup failed")
			return dto.SectionAssessmentsResponse{}, err
		}
		for _, attempt := range attempts {
			attemptsByAssessment[attempt.AssessmentID] = attempt
		}
	}

	percentages := make([]float64, 0, len(assessments))
	items := make([]dto.SectionAssessmentResponse, 0, len(assessments))
	for _, assessment := range assessments {
		percentages = append(percentages, assessment.Percentage)
		item := dto.SectionAssessmentResponse{Assessment: dto.NewAssessmentResponse(assessment, includeAnswers)}
		if attempt, ok := attemptsByAssessment[assessment.ID]; ok {
			item.Attempt = dto.NewAttemptSummary(attempt)
		}
		items = append(items, item)
	}

	return dto.SectionAssessmentsResponse{
		SectionID:           sectionID,
		RemainingPercentage: schedule.RemainingPercentage(percentages),
		Items:               items,
	}, nil
}

func (s *assessmentService) DueDate(ctx context.Context, assessmentID, studentID uint) (dto.DueDateResponse, error) {
	ctx, span := s.tracer.Start(ctx, "assessment.due_date")
	defer span.End()

	assessment, err := s.Get(ctx, assessmentID)
	if err != nil {
		return dto.DueDateResponse{}, err
	}

	enrolledAt, err := s.enrollments.EnrollmentDate(ctx, studentID, assessment.CourseID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "enrollment lookup failed")
		if !errors.Is(err, ErrDependencyUnavailable) {
			err = fmt.Errorf("%w: enrollment lookup: %v", ErrDependencyUnavailable, err)
		}
		return dto.DueDateResponse{}, err
	}

	due, err := schedule.DueDate(enrolledAt, assessment.IntervalDays)
	if err != nil {
		return dto.DueDateResponse{}, err
	}

	now := s.now()
	return dto.DueDateResponse{
		AssessmentID:  assessment.ID,
		StudentID:     studentID,
		EnrolledAt:    *enrolledAt,
		DueDate:       due,
		DaysRemaining: schedule.DaysRemaining(due, now),
		Status:        schedule.Status(due, now),
	}, nil
}

func (s *assessmentService) RecordEnrollment(ctx context.Context, payload dto.EnrollmentRequest) error {
	if err := s.validator.Struct(payload); err != nil {
		return err
	}
	if s.writer == nil {
		return fmt.Errorf("%w: enrollment writer not configured", ErrDependencyUnavailable)
	}

	enrollment := models.Enrollment{
		StudentID:  payload.StudentID,
		CourseID:   payload.CourseID,
		EnrolledAt: payload.EnrolledAt.UTC(),
	}
	if err := s.writer.Upsert(ctx, &enrollment); err != nil {
		return err
	}

	if invalidator, ok := s.enrollments.(CacheInvalidator); ok {
		if err := invalidator.Invalidate(ctx, payload.StudentID, payload.CourseID); err != nil {
			s.logger.Warn().Err(err).Msg("failed to invalidate enrollment cache")
		}
	}
	return nil
}

// keyedMutex serializes work per key without blocking other keys.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[uint]*keyedLock
}

type keyedLock struct {
	mu   sync.Mutex
	refs int
}

// Lock acquires the lock for key and returns its release function.
func (k *keyedMutex) Lock(key uint) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[uint]*keyedLock)
	}
	lock, ok := k.locks[key]
	if !ok {
		lock = &keyedLock{}
		k.locks[key] = lock
	}
	lock.refs++
	k.mu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		k.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
