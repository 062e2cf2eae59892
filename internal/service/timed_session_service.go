package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/noah-isme/gema-assessment-api/internal/dto"
	"github.com/noah-isme/gema-assessment-api/internal/models"
	"github.com/noah-isme/gema-assessment-api/internal/observability"
	"github.com/noah-isme/gema-assessment-api/internal/repository"
	"github.com/noah-isme/gema-assessment-api/internal/scoring"
	"github.com/noah-isme/gema-assessment-api/internal/timer"
)

// TimedSessionService runs one countdown per (assessment, student) for
// time-bound assessments and submits the latest draft when it expires.
type TimedSessionService interface {
	Open(ctx context.Context, assessmentID, studentID uint) (dto.SessionResponse, error)
	Start(ctx context.Context, assessmentID, studentID uint) (dto.SessionResponse, error)
	SaveDraft(ctx context.Context, assessmentID, studentID uint, payload dto.SessionDraftRequest) (dto.SessionResponse, error)
	Get(ctx context.Context, assessmentID, studentID uint) (dto.SessionResponse, error)
	Abandon(ctx context.Context, assessmentID, studentID uint) (dto.SessionResponse, error)
	Subscribe(assessmentID, studentID uint, buffer int) (<-chan timer.Tick, func(), error)
	HandleSubmitted(attempt models.Attempt)
	Shutdown()
}

// TimedSessionConfig tunes countdowns.
type TimedSessionConfig struct {
	TickInterval      time.Duration
	AutoSubmitTimeout time.Duration
	Clock             clockwork.Clock
}

type sessionKey struct {
	assessmentID uint
	studentID    uint
}

type timedSession struct {
	key        sessionKey
	assessment models.Assessment
	ctrl       *timer.Controller

	mu        sync.Mutex
	draft     models.AttemptContent
	startedAt *time.Time
}

type timedSessionService struct {
	assessments repository.AssessmentRepository
	attempts    AttemptService
	validator   *validator.Validate
	logger      zerolog.Logger
	cfg         TimedSessionConfig

	mu       sync.Mutex
	sessions map[sessionKey]*timedSession
}

// NewTimedSessionService constructs the session registry and registers it for
// submission notifications so a manual submission stops the countdown.
func NewTimedSessionService(assessments repository.AssessmentRepository, attempts AttemptService, validate *validator.Validate, cfg TimedSessionConfig, logger zerolog.Logger) TimedSessionService {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = timer.DefaultTickInterval
	}
	if cfg.AutoSubmitTimeout <= 0 {
		cfg.AutoSubmitTimeout = 10 * time.Second
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}

	s := &timedSessionService{
		assessments: assessments,
		attempts:    attempts,
		validator:   validate,
		logger:      logger.With().Str("component", "timed_session_service").Logger(),
		cfg:         cfg,
		sessions:    make(map[sessionKey]*timedSession),
	}
	attempts.AddSubmissionHook(s.HandleSubmitted)
	return s
}

func (s *timedSessionService) Open(ctx context.Context, assessmentID, studentID uint) (dto.SessionResponse, error) {
	key := sessionKey{assessmentID: assessmentID, studentID: studentID}

	s.mu.Lock()
	if session, ok := s.sessions[key]; ok && !session.ctrl.State().Terminal() {
		s.mu.Unlock()
		return s.describe(session), nil
	}
	s.mu.Unlock()

	assessment, err := s.assessments.GetByID(ctx, assessmentID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return dto.SessionResponse{}, ErrAssessmentNotFound
		}
		return dto.SessionResponse{}, err
	}
	if assessment.TimeAllowed() <= 0 {
		return dto.SessionResponse{}, ErrNotTimeBound
	}

	existing, err := s.attempts.Lookup(ctx, assessmentID, studentID)
	if err != nil {
		return dto.SessionResponse{}, err
	}
	if existing != nil {
		return dto.SessionResponse{}, ErrAttemptExists
	}

	session := &timedSession{key: key, assessment: assessment}
	ctrl, err := timer.New(timer.Config{
		Duration:     assessment.TimeAllowed(),
		TickInterval: s.cfg.TickInterval,
		Clock:        s.cfg.Clock,
		OnExpire:     func() { s.expire(session) },
		Logger: s.logger.With().
			Uint("assessment_id", assessmentID).
			Uint("student_id", studentID).
			Logger(),
	})
	if err != nil {
		return dto.SessionResponse{}, err
	}
	session.ctrl = ctrl

	s.mu.Lock()
	defer s.mu.Unlock()
	if current, ok := s.sessions[key]; ok && !current.ctrl.State().Terminal() {
		return s.describe(current), nil
	}
	s.sessions[key] = session

	return s.describe(session), nil
}

func (s *timedSessionService) Start(ctx context.Context, assessmentID, studentID uint) (dto.SessionResponse, error) {
	if _, err := s.Open(ctx, assessmentID, studentID); err != nil {
		return dto.SessionResponse{}, err
	}

	session, err := s.lookup(assessmentID, studentID)
	if err != nil {
		return dto.SessionResponse{}, err
	}

	session.mu.Lock()
	err = session.ctrl.Start()
	if err == nil {
		now := s.cfg.Clock.Now().UTC()
		session.startedAt = &now
	}
	session.mu.Unlock()

	switch {
	case err == nil:
		observability.TimedSessionsActive().Inc()
		go func() {
			<-session.ctrl.Done()
			observability.TimedSessionsActive().Dec()
		}()
		s.logger.Info().Uint("assessment_id", assessmentID).Uint("student_id", studentID).Msg("timed session started")
	case errors.Is(err, timer.ErrAlreadyStarted):
		if session.ctrl.State().Terminal() {
			return dto.SessionResponse{}, ErrSessionClosed
		}
	default:
		return dto.SessionResponse{}, err
	}

	return s.describe(session), nil
}

func (s *timedSessionService) SaveDraft(ctx context.Context, assessmentID, studentID uint, payload dto.SessionDraftRequest) (dto.SessionResponse, error) {
	if err := s.validator.Struct(payload); err != nil {
		return dto.SessionResponse{}, err
	}

	session, err := s.lookup(assessmentID, studentID)
	if err != nil {
		return dto.SessionResponse{}, err
	}
	if session.ctrl.State().Terminal() {
		return dto.SessionResponse{}, ErrSessionClosed
	}

	draft := dto.AttemptContentFromRequest(payload.Answers, payload.MCQAnswers, payload.SubmittedFile)
	if _, err := scoring.Score(&session.assessment, draft); err != nil {
		return dto.SessionResponse{}, fmt.Errorf("%w: %w", ErrValidation, err)
	}

	session.mu.Lock()
	session.draft = draft
	session.mu.Unlock()

	return s.describe(session), nil
}

func (s *timedSessionService) Get(_ context.Context, assessmentID, studentID uint) (dto.SessionResponse, error) {
	session, err := s.lookup(assessmentID, studentID)
	if err != nil {
		return dto.SessionResponse{}, err
	}
	return s.describe(session), nil
}

// Abandon cancels the countdown without submitting anything.
func (s *timedSessionService) Abandon(_ context.Context, assessmentID, studentID uint) (dto.SessionResponse, error) {
	session, err := s.lookup(assessmentID, studentID)
	if err != nil {
		return dto.SessionResponse{}, err
	}

	if !session.ctrl.Cancel() {
		return dto.SessionResponse{}, ErrSessionClosed
	}
	response := s.describe(session)
	s.remove(session)

	s.logger.Info().Uint("assessment_id", assessmentID).Uint("student_id", studentID).Msg("timed session abandoned")
	return response, nil
}

func (s *timedSessionService) Subscribe(assessmentID, studentID uint, buffer int) (<-chan timer.Tick, func(), error) {
	session, err := s.lookup(assessmentID, studentID)
	if err != nil {
		return nil, nil, err
	}

	ticks, unsubscribe := session.ctrl.Subscribe(buffer)
	return ticks, unsubscribe, nil
}

// HandleSubmitted stops the countdown once the attempt exists.
func (s *timedSessionService) HandleSubmitted(attempt models.Attempt) {
	s.mu.Lock()
	session, ok := s.sessions[sessionKey{assessmentID: attempt.AssessmentID, studentID: attempt.StudentID}]
	s.mu.Unlock()
	if !ok {
		return
	}

	if session.ctrl.Stop() {
		s.logger.Info().Uint("attempt_id", attempt.ID).Msg("timed session stopped by submission")
	}
	s.remove(session)
}

// Shutdown cancels every live countdown.
func (s *timedSessionService) Shutdown() {
	s.mu.Lock()
	sessions := make([]*timedSession, 0, len(s.sessions))
	for _, session := range s.sessions {
		sessions = append(sessions, session)
	}
	s.sessions = make(map[sessionKey]*timedSession)
	s.mu.Unlock()

	for _, session := range sessions {
		session.ctrl.Cancel()
	}
}

func (s *timedSessionService) expire(session *timedSession) {
	session.mu.Lock()
	draft := session.draft
	session.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.AutoSubmitTimeout)
	defer cancel()

	response, err := s.attempts.AutoSubmit(ctx, session.key.assessmentID, session.key.studentID, draft)
	switch {
	case err != nil:
		s.logger.Error().Err(err).
			Uint("assessment_id", session.key.assessmentID).
			Uint("student_id", session.key.studentID).
			Msg("automatic submission failed")
	case response != nil:
		s.logger.Info().Uint("attempt_id", response.ID).Msg("attempt submitted on expiry")
	}

	s.remove(session)
}

func (s *timedSessionService) lookup(assessmentID, studentID uint) (*timedSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[sessionKey{assessmentID: assessmentID, studentID: studentID}]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return session, nil
}

// remove drops the session only if it is still the registered one.
func (s *timedSessionService) remove(session *timedSession) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if current, ok := s.sessions[session.key]; ok && current == session {
		delete(s.sessions, session.key)
	}
}

func (s *timedSessionService) describe(session *timedSession) dto.SessionResponse {
	remaining := session.ctrl.Remaining()

	session.mu.Lock()
	startedAt := session.startedAt
	session.mu.Unlock()

	return dto.SessionResponse{
		AssessmentID:       session.key.assessmentID,
		StudentID:          session.key.studentID,
		State:              string(session.ctrl.State()),
		TimeAllowedSeconds: int64(session.assessment.TimeAllowed() / time.Second),
		RemainingSeconds:   int64((remaining + time.Second - 1) / time.Second),
		StartedAt:          startedAt,
	}
}
