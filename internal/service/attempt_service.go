package service

import (
	"context"
	"errors"
	"fmt"
	"mime/multipart"
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
	"github.com/noah-isme/gema-assessment-api/internal/events"
	"github.com/noah-isme/gema-assessment-api/internal/models"
	"github.com/noah-isme/gema-assessment-api/internal/observability"
	"github.com/noah-isme/gema-assessment-api/internal/repository"
	"github.com/noah-isme/gema-assessment-api/internal/scoring"
	"github.com/noah-isme/gema-assessment-api/internal/workflow"
)

// SubmissionHook is notified after an attempt was created.
type SubmissionHook func(attempt models.Attempt)

// AttemptService is the only creation path for attempts and the entry point
// for every review action.
type AttemptService interface {
	Submit(ctx context.Context, actor workflow.Actor, payload dto.AttemptCreateRequest, file *multipart.FileHeader) (dto.AttemptResponse, error)
	AutoSubmit(ctx context.Context, assessmentID, studentID uint, content models.AttemptContent) (*dto.AttemptResponse, error)
	Apply(ctx context.Context, attemptID uint, actor workflow.Actor, payload dto.AttemptActionRequest) (dto.AttemptResponse, error)
	Grade(ctx context.Context, attemptID uint, actor workflow.Actor, payload dto.GradeRequest) (dto.AttemptResponse, error)
	UploadFeedback(ctx context.Context, attemptID uint, actor workflow.Actor, payload dto.FeedbackRequest, file *multipart.FileHeader) (dto.AttemptResponse, error)
	Get(ctx context.Context, id uint) (dto.AttemptResponse, error)
	Lookup(ctx context.Context, assessmentID, studentID uint) (*dto.AttemptResponse, error)
	List(ctx context.Context, filter dto.AttemptFilter) ([]dto.AttemptResponse, error)
	AddSubmissionHook(hook SubmissionHook)
}

type attemptService struct {
	attempts    repository.AttemptRepository
	assessments repository.AssessmentRepository
	files       FileService
	engine      *workflow.Engine
	publisher   events.Publisher
	validator   *validator.Validate
	sanitizer   *bluemonday.Policy
	logger      zerolog.Logger
	tracer      trace.Tracer

	hooksMu sync.RWMutex
	hooks   []SubmissionHook
}

// NewAttemptService constructs an AttemptService instance.
func NewAttemptService(attempts repository.AttemptRepository, assessments repository.AssessmentRepository, files FileService, engine *workflow.Engine, publisher events.Publisher, validate *validator.Validate, logger zerolog.Logger) AttemptService {
	if publisher == nil {
		publisher = events.NopPublisher{}
	}
	return &attemptService{
		attempts:    attempts,
		assessments: assessments,
		files:       files,
		engine:      engine,
		publisher:   publisher,
		validator:   validate,
		sanitizer:   bluemonday.StrictPolicy(),
		logger:      logger.With().Str("component", "attempt_service").Logger(),
		tracer:      otel.Tracer("github.com/noah-isme/gema-assessment-api/internal/service/attempt"),
	}
}

func (s *attemptService) AddSubmissionHook(hook SubmissionHook) {
	if hook == nil {
		return
	}
	s.hooksMu.Lock()
	defer s.hooksMu.Unlock()
	s.hooks = append(s.hooks, hook)
}

func (s *attemptService) Submit(ctx context.Context, actor workflow.Actor, payload dto.AttemptCreateRequest, file *multipart.FileHeader) (dto.AttemptResponse, error) {
	ctx, span := s.tracer.Start(ctx, "attempt.submit")
	defer span.End()

	if err := s.validator.Struct(payload); err != nil {
		return dto.AttemptResponse{}, err
	}

	created, err := s.submit(ctx, actor, payload.AssessmentID, payload.StudentID, payload.Content(), file, false)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "submit failed")
		return dto.AttemptResponse{}, err
	}

	span.SetAttributes(attribute.Int("attempt.id", int(created.ID)))
	return dto.NewAttemptResponse(created), nil
}

// AutoSubmit stores whatever the student entered when their countdown ran
// out. An existing attempt means the student submitted first; the automatic
// submission is then dropped and nil is returned without error.
func (s *attemptService) AutoSubmit(ctx context.Context, assessmentID, studentID uint, content models.AttemptContent) (*dto.AttemptResponse, error) {
	ctx, span := s.tracer.Start(ctx, "attempt.auto_submit")
	defer span.End()

	actor := workflow.Actor{ID: studentID, Role: workflow.RoleStudent}
	created, err := s.submit(ctx, actor, assessmentID, studentID, content, nil, true)
	if errors.Is(err, ErrAttemptExists) {
		observability.AutoSubmitDiscarded().Inc()
		s.logger.Info().
			Uint("assessment_id", assessmentID).
			Uint("student_id", studentID).
			Msg("automatic submission discarded, attempt already submitted")
		return nil, nil
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "auto submit failed")
		return nil, err
	}

	response := dto.NewAttemptResponse(created)
	return &response, nil
}

func (s *attemptService) submit(ctx context.Context, actor workflow.Actor, assessmentID, studentID uint, content models.AttemptContent, file *multipart.FileHeader, auto bool) (models.Attempt, error) {
	attempt, entry, err := s.engine.Submit(models.Attempt{AssessmentID: assessmentID, StudentID: studentID}, actor)
	if err != nil {
		return models.Attempt{}, err
	}

	assessment, err := s.assessments.GetByID(ctx, assessmentID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return models.Attempt{}, ErrAssessmentNotFound
		}
		return models.Attempt{}, err
	}

	// Fail before storing a file when the student already submitted. The
	// unique index still decides concurrent inserts.
	if _, err := s.attempts.GetByAssessmentAndStudent(ctx, assessmentID, studentID); err == nil {
		return models.Attempt{}, ErrAttemptExists
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return models.Attempt{}, err
	}

	content, err = s.prepareContent(ctx, assessment, content, file, actor.ID, auto)
	if err != nil {
		return models.Attempt{}, err
	}

	result, err := scoring.Score(&assessment, content)
	if err != nil {
		return models.Attempt{}, fmt.Errorf("%w: %w", ErrValidation, err)
	}
	if result != nil {
		attempt.CalculatedMarks = &result.CalculatedMarks
		attempt.TotalPossibleMarks = &result.TotalPossibleMarks
		attempt.Percentage = &result.Percentage
	}

	attempt.Content = datatypes.NewJSONType(content)
	attempt.AutoSubmitted = auto
	if auto {
		entry.Comments = "submitted automatically when the time limit expired"
	}

	if err := s.attempts.CreateIfAbsent(ctx, &attempt, entry); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			return models.Attempt{}, ErrAttemptExists
		}
		return models.Attempt{}, err
	}

	trigger := "manual"
	if auto {
		trigger = "timer"
	}
	observability.AttemptsSubmitted().WithLabelValues(string(assessment.Type), trigger).Inc()
	s.logger.Info().
		Uint("attempt_id", attempt.ID).
		Uint("assessment_id", assessmentID).
		Uint("student_id", studentID).
		Bool("auto_submitted", auto).
		Msg("attempt submitted")

	s.publish(ctx, attempt, "", entry, events.TypeAttemptSubmitted)
	s.notifySubmitted(attempt)

	return attempt, nil
}

func (s *attemptService) prepareContent(ctx context.Context, assessment models.Assessment, content models.AttemptContent, file *multipart.FileHeader, uploaderID uint, auto bool) (models.AttemptContent, error) {
	definition, err := assessment.Content()
	if err != nil {
		return models.AttemptContent{}, err
	}

	switch def := definition.(type) {
	case models.MCQContent:
		if len(content.Answers) > 0 || content.SubmittedFile != "" || file != nil {
			return models.AttemptContent{}, fmt.Errorf("%w: mcq attempts only accept mcq_answers", ErrValidation)
		}
		return models.AttemptContent{MCQAnswers: content.MCQAnswers}, nil

	case models.QNAContent:
		if len(content.MCQAnswers) > 0 || content.SubmittedFile != "" || file != nil {
			return models.AttemptContent{}, fmt.Errorf("%w: qna attempts only accept answers", ErrValidation)
		}
		if len(content.Answers) > len(def.Questions) {
			return models.AttemptContent{}, fmt.Errorf("%w: %d answers for %d questions", ErrValidation, len(content.Answers), len(def.Questions))
		}
		answers := make([]string, 0, len(content.Answers))
		for _, answer := range content.Answers {
			answers = append(answers, strings.TrimSpace(s.sanitizer.Sanitize(answer)))
		}
		return models.AttemptContent{Answers: answers}, nil

	case models.FileContent:
		if len(content.Answers) > 0 || len(content.MCQAnswers) > 0 {
			return models.AttemptContent{}, fmt.Errorf("%w: file attempts only accept a file", ErrValidation)
		}
		reference := strings.TrimSpace(content.SubmittedFile)
		if file != nil || reference != "" {
			if s.files == nil {
				return models.AttemptContent{}, fmt.Errorf("%w: file storage not configured", ErrDependencyUnavailable)
			}
		}
		if file != nil {
			stored, err := s.files.Store(ctx, file, models.FileCategorySubmission, &uploaderID)
			if err != nil {
				return models.AttemptContent{}, err
			}
			reference = stored.Reference
		} else if reference != "" {
			if err := s.files.Claim(ctx, reference, models.FileCategorySubmission, uploaderID); err != nil {
				if !auto {
					return models.AttemptContent{}, err
				}
				// The countdown still submits; the unusable draft file is dropped.
				s.logger.Warn().Err(err).Str("reference", reference).Uint("student_id", uploaderID).Msg("draft file rejected at automatic submission")
				reference = ""
			}
		}
		if reference == "" && !auto {
			return models.AttemptContent{}, ErrFileRequired
		}
		return models.AttemptContent{SubmittedFile: reference}, nil
	}

	return models.AttemptContent{}, fmt.Errorf("%w: unsupported assessment content", ErrValidation)
}

func (s *attemptService) Apply(ctx context.Context, attemptID uint, actor workflow.Actor, payload dto.AttemptActionRequest) (dto.AttemptResponse, error) {
	ctx, span := s.tracer.Start(ctx, "attempt.apply")
	defer span.End()

	span.SetAttributes(
		attribute.Int("attempt.id", int(attemptID)),
		attribute.String("attempt.action", payload.Action),
		attribute.String("actor.role", string(actor.Role)),
	)

	if err := s.validator.Struct(payload); err != nil {
		return dto.AttemptResponse{}, err
	}

	updated, err := s.apply(ctx, attemptID, actor, payload)
	if err != nil {
		observability.AttemptTransitions().WithLabelValues(payload.Action, transitionResult(err)).Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "action rejected")
		return dto.AttemptResponse{}, err
	}

	observability.AttemptTransitions().WithLabelValues(payload.Action, "ok").Inc()
	return dto.NewAttemptResponse(updated), nil
}

func (s *attemptService) apply(ctx context.Context, attemptID uint, actor workflow.Actor, payload dto.AttemptActionRequest) (models.Attempt, error) {
	attempt, err := s.attempts.GetByID(ctx, attemptID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return models.Attempt{}, ErrAttemptNotFound
		}
		return models.Attempt{}, err
	}

	if payload.Version != nil && *payload.Version != attempt.Version {
		return models.Attempt{}, fmt.Errorf("%w: expected version %d, current %d", ErrConcurrentModification, *payload.Version, attempt.Version)
	}

	assessment, err := s.assessments.GetByID(ctx, attempt.AssessmentID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return models.Attempt{}, ErrAssessmentNotFound
		}
		return models.Attempt{}, err
	}

	previousStatus := attempt.Status
	updated, entry, err := s.engine.Apply(attempt, assessment.TotalMarks, actor, workflow.Action(payload.Action), workflow.Payload{
		ObtainedMarks: payload.ObtainedMarks,
		FeedbackFile:  payload.FeedbackFile,
		Decision:      models.DecisionStatus(payload.Decision),
		Comments:      s.sanitizer.Sanitize(payload.Comments),
	})
	if err != nil {
		return models.Attempt{}, err
	}
	if workflow.Action(payload.Action) == workflow.ActionUploadFeedback {
		if s.files == nil {
			return models.Attempt{}, fmt.Errorf("%w: file storage not configured", ErrDependencyUnavailable)
		}
		if err := s.files.Claim(ctx, updated.FeedbackFile, models.FileCategoryFeedback, actor.ID); err != nil {
			return models.Attempt{}, err
		}
	}

	if err := s.attempts.UpdateWithHistory(ctx, &updated, attempt.Version, entry); err != nil {
		if errors.Is(err, repository.ErrStaleVersion) {
			return models.Attempt{}, ErrConcurrentModification
		}
		return models.Attempt{}, err
	}

	s.logger.Info().
		Uint("attempt_id", updated.ID).
		Str("action", payload.Action).
		Str("role", string(actor.Role)).
		Uint("actor_id", actor.ID).
		Str("from", string(previousStatus)).
		Str("to", string(updated.Status)).
		Msg("attempt transitioned")

	s.publish(ctx, updated, previousStatus, entry, events.TypeAttemptTransitioned)
	return updated, nil
}

func (s *attemptService) Grade(ctx context.Context, attemptID uint, actor workflow.Actor, payload dto.GradeRequest) (dto.AttemptResponse, error) {
	if err := s.validator.Struct(payload); err != nil {
		return dto.AttemptResponse{}, err
	}

	return s.Apply(ctx, attemptID, actor, dto.AttemptActionRequest{
		Action:        string(workflow.ActionGrade),
		ObtainedMarks: payload.ObtainedMarks,
		Version:       payload.Version,
	})
}

func (s *attemptService) UploadFeedback(ctx context.Context, attemptID uint, actor workflow.Actor, payload dto.FeedbackRequest, file *multipart.FileHeader) (dto.AttemptResponse, error) {
	if err := s.validator.Struct(payload); err != nil {
		return dto.AttemptResponse{}, err
	}
	if actor.Role != workflow.RoleAssessor {
		return dto.AttemptResponse{}, fmt.Errorf("%w: %s cannot %s", workflow.ErrRoleNotPermitted, actor.Role, workflow.ActionUploadFeedback)
	}

	reference := strings.TrimSpace(payload.FeedbackFile)
	if file != nil {
		if s.files == nil {
			return dto.AttemptResponse{}, fmt.Errorf("%w: file storage not configured", ErrDependencyUnavailable)
		}
		uploaderID := actor.ID
		stored, err := s.files.Store(ctx, file, models.FileCategoryFeedback, &uploaderID)
		if err != nil {
			return dto.AttemptResponse{}, err
		}
		reference = stored.Reference
	}
	if reference == "" {
		return dto.AttemptResponse{}, ErrFileRequired
	}

	response, err := s.Apply(ctx, attemptID, actor, dto.AttemptActionRequest{
		Action:       string(workflow.ActionUploadFeedback),
		FeedbackFile: reference,
		Comments:     payload.Comments,
		Version:      payload.Version,
	})
	if err != nil && file != nil {
		observability.OrphanedUploads().WithLabelValues(string(models.FileCategoryFeedback)).Inc()
		s.logger.Warn().Err(err).Str("reference", reference).Uint("attempt_id", attemptID).Msg("feedback stored but not attached")
	}
	return response, err
}

func (s *attemptService) Get(ctx context.Context, id uint) (dto.AttemptResponse, error) {
	attempt, err := s.attempts.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return dto.AttemptResponse{}, ErrAttemptNotFound
		}
		return dto.AttemptResponse{}, err
	}

	return dto.NewAttemptResponse(attempt), nil
}

// Lookup returns nil without error when the student has not submitted yet.
func (s *attemptService) Lookup(ctx context.Context, assessmentID, studentID uint) (*dto.AttemptResponse, error) {
	attempt, err := s.attempts.GetByAssessmentAndStudent(ctx, assessmentID, studentID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}

	response := dto.NewAttemptResponse(attempt)
	return &response, nil
}

func (s *attemptService) List(ctx context.Context, filter dto.AttemptFilter) ([]dto.AttemptResponse, error) {
	if err := s.validator.Struct(filter); err != nil {
		return nil, err
	}

	repoFilter := repository.AttemptFilter{
		AssessmentID: filter.AssessmentID,
		StudentID:    filter.StudentID,
	}
	if filter.Status != nil {
		status := models.AttemptStatus(*filter.Status)
		repoFilter.Status = &status
	}

	attempts, err := s.attempts.List(ctx, repoFilter)
	if err != nil {
		return nil, err
	}

	return dto.NewAttemptResponseSlice(attempts), nil
}

func (s *attemptService) publish(ctx context.Context, attempt models.Attempt, previous models.AttemptStatus, entry models.AttemptStatusHistory, eventType string) {
	event := events.AttemptEvent{
		Type:           eventType,
		AttemptID:      attempt.ID,
		AssessmentID:   attempt.AssessmentID,
		StudentID:      attempt.StudentID,
		Action:         entry.Action,
		PreviousStatus: string(previous),
		Status:         string(attempt.Status),
		Decision:       string(entry.Decision),
		ActorID:        entry.ChangedBy,
		ActorRole:      entry.ChangedByRole,
		AutoSubmitted:  attempt.AutoSubmitted,
		OccurredAt:     entry.CreatedAt,
	}

	publishCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	if err := s.publisher.Publish(publishCtx, event); err != nil {
		s.logger.Warn().Err(err).Uint("attempt_id", attempt.ID).Msg("failed to publish attempt event")
	}
}

func (s *attemptService) notifySubmitted(attempt models.Attempt) {
	s.hooksMu.RLock()
	hooks := append([]SubmissionHook(nil), s.hooks...)
	s.hooksMu.RUnlock()

	for _, hook := range hooks {
		hook(attempt)
	}
}

func transitionResult(err error) string {
	switch {
	case errors.Is(err, workflow.ErrInvalidTransition), errors.Is(err, ErrConcurrentModification):
		return "conflict"
	case errors.Is(err, workflow.ErrRoleNotPermitted):
		return "forbidden"
	case errors.Is(err, ErrAttemptNotFound), errors.Is(err, ErrAssessmentNotFound):
		return "not_found"
	default:
		return "rejected"
	}
}
