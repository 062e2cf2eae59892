package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/noah-isme/gema-assessment-api/internal/dto"
	"github.com/noah-isme/gema-assessment-api/internal/models"
	"github.com/noah-isme/gema-assessment-api/internal/observability"
	"github.com/noah-isme/gema-assessment-api/internal/repository"
	"github.com/noah-isme/gema-assessment-api/internal/scoring"
	"github.com/noah-isme/gema-assessment-api/internal/workflow"
)

func student(id uint) workflow.Actor { return workflow.Actor{ID: id, Role: workflow.RoleStudent} }

func assessor() workflow.Actor { return workflow.Actor{ID: 100, Role: workflow.RoleAssessor} }

func moderator() workflow.Actor { return workflow.Actor{ID: 200, Role: workflow.RoleModerator} }

func verifier() workflow.Actor { return workflow.Actor{ID: 300, Role: workflow.RoleVerifier} }

func mcqAnswer(id, option string) dto.MCQAnswerRequest {
	return dto.MCQAnswerRequest{MCQID: id, SelectedOptions: []string{option}}
}

func TestAttemptServiceSubmitScoresMCQ(t *testing.T) {
	fx := newAttemptFixture(t, workflow.Options{})
	assessment := seedMCQAssessment(t, fx.db, 5, 10)

	resp, err := fx.service.Submit(context.Background(), student(7), dto.AttemptCreateRequest{
		AssessmentID: assessment.ID,
		StudentID:    7,
		MCQAnswers: []dto.MCQAnswerRequest{
			mcqAnswer("q1", "a"),
			mcqAnswer("q2", "a"),
			mcqAnswer("q3", "a"),
			mcqAnswer("q4", "b"),
		},
	}, nil)
	require.NoError(t, err)
	require.Equal(t, string(models.AttemptStatusSubmitted), resp.Status)
	require.NotNil(t, resp.Score)
	require.InDelta(t, 6.0, resp.Score.CalculatedMarks, 1e-9)
	require.InDelta(t, 60.0, resp.Score.Percentage, 1e-9)
	require.Equal(t, 60, resp.Score.DisplayPercentage)
	require.Nil(t, resp.ObtainedMarks)
	require.Len(t, resp.History, 1)
	require.Equal(t, "submit", resp.History[0].Action)
	require.ElementsMatch(t, []string{"start_plagiarism_check"}, resp.AllowedActions)
	require.False(t, resp.AutoSubmitted)
}

func TestAttemptServiceRejectsSecondSubmission(t *testing.T) {
	fx := newAttemptFixture(t, workflow.Options{})
	assessment := seedQNAAssessment(t, fx.db, 10)
	ctx := context.Background()

	payload := dto.AttemptCreateRequest{AssessmentID: assessment.ID, StudentID: 7, Answers: []string{"first"}}
	_, err := fx.service.Submit(ctx, student(7), payload, nil)
	require.NoError(t, err)

	payload.Answers = []string{"second"}
	_, err = fx.service.Submit(ctx, student(7), payload, nil)
	require.ErrorIs(t, err, ErrAttemptExists)

	stored, err := fx.attempts.GetByAssessmentAndStudent(ctx, assessment.ID, 7)
	require.NoError(t, err)
	require.Equal(t, []string{"first"}, stored.Content.Data().Answers)
}

func TestAttemptServiceSubmitRoleChecks(t *testing.T) {
	fx := newAttemptFixture(t, workflow.Options{})
	assessment := seedQNAAssessment(t, fx.db, 10)
	ctx := context.Background()
	payload := dto.AttemptCreateRequest{AssessmentID: assessment.ID, StudentID: 7, Answers: []string{"answer"}}

	_, err := fx.service.Submit(ctx, student(8), payload, nil)
	require.ErrorIs(t, err, workflow.ErrRoleNotPermitted)

	_, err = fx.service.Submit(ctx, assessor(), payload, nil)
	require.ErrorIs(t, err, workflow.ErrRoleNotPermitted)
}

func TestAttemptServiceSubmitValidatesContent(t *testing.T) {
	fx := newAttemptFixture(t, workflow.Options{})
	mcq := seedMCQAssessment(t, fx.db, 2, 4)
	qna := seedQNAAssessment(t, fx.db, 10)
	ctx := context.Background()

	_, err := fx.service.Submit(ctx, student(7), dto.AttemptCreateRequest{
		AssessmentID: mcq.ID,
		StudentID:    7,
		MCQAnswers:   []dto.MCQAnswerRequest{mcqAnswer("q9", "a")},
	}, nil)
	require.ErrorIs(t, err, ErrValidation)
	require.ErrorIs(t, err, scoring.ErrMalformedAnswer)

	_, err = fx.service.Submit(ctx, student(7), dto.AttemptCreateRequest{
		AssessmentID: qna.ID,
		StudentID:    7,
		MCQAnswers:   []dto.MCQAnswerRequest{mcqAnswer("q1", "a")},
	}, nil)
	require.ErrorIs(t, err, ErrValidation)

	_, err = fx.service.Submit(ctx, student(7), dto.AttemptCreateRequest{AssessmentID: 999, StudentID: 7}, nil)
	require.ErrorIs(t, err, ErrAssessmentNotFound)

	list, err := fx.service.List(ctx, dto.AttemptFilter{})
	require.NoError(t, err)
	require.Empty(t, list)
}

func TestAttemptServiceSubmitFileAssessment(t *testing.T) {
	fx := newAttemptFixture(t, workflow.Options{})
	assessment := seedAssessment(t, fx.db, models.Assessment{
		CourseID:   1,
		SectionID:  1,
		Title:      "Project",
		Type:       models.AssessmentTypeFILE,
		TotalMarks: 50,
		Percentage: 30,
	})
	ctx := context.Background()

	_, err := fx.service.Submit(ctx, student(7), dto.AttemptCreateRequest{AssessmentID: assessment.ID, StudentID: 7}, nil)
	require.ErrorIs(t, err, ErrFileRequired)

	resp, err := fx.service.Submit(ctx, student(7), dto.AttemptCreateRequest{AssessmentID: assessment.ID, StudentID: 7},
		buildFileHeader(t, "report.txt", []byte("final report")))
	require.NoError(t, err)
	require.Equal(t, "raw/submission/report.txt", resp.Content.SubmittedFile)
	require.Nil(t, resp.Score)
	require.Equal(t, 1, fx.storage.count())
}

func TestAttemptServiceSubmitRequiresOwnedSubmissionFile(t *testing.T) {
	fx := newAttemptFixture(t, workflow.Options{})
	assessment := seedAssessment(t, fx.db, models.Assessment{
		CourseID:   1,
		SectionID:  1,
		Title:      "Project",
		Type:       models.AssessmentTypeFILE,
		TotalMarks: 50,
		Percentage: 30,
	})
	ctx := context.Background()
	submit := func(studentID uint, reference string) error {
		_, err := fx.service.Submit(ctx, student(studentID), dto.AttemptCreateRequest{
			AssessmentID:  assessment.ID,
			StudentID:     studentID,
			SubmittedFile: reference,
		}, nil)
		return err
	}

	theirs := fx.upload(t, "theirs.txt", models.FileCategorySubmission, 8)
	brief := fx.upload(t, "brief.txt", models.FileCategoryAssessment, 7)
	mine := fx.upload(t, "mine.txt", models.FileCategorySubmission, 7)

	require.ErrorIs(t, submit(7, theirs), ErrForbidden)
	require.ErrorIs(t, submit(7, "raw/submission/never-uploaded.txt"), ErrFileNotFound)
	require.ErrorIs(t, submit(7, "https://files.example.com/"+mine), ErrFileNotFound)
	require.ErrorIs(t, submit(7, brief), ErrFileNotFound)

	list, err := fx.service.List(ctx, dto.AttemptFilter{})
	require.NoError(t, err)
	require.Empty(t, list)

	require.NoError(t, submit(7, mine))
	stored, err := fx.service.Lookup(ctx, assessment.ID, 7)
	require.NoError(t, err)
	require.NotNil(t, stored)
	require.Equal(t, mine, stored.Content.SubmittedFile)
}

func TestAttemptServiceAutoSubmitDropsUnownedDraftFile(t *testing.T) {
	fx := newAttemptFixture(t, workflow.Options{})
	assessment := seedAssessment(t, fx.db, models.Assessment{
		CourseID:   1,
		SectionID:  1,
		Title:      "Timed upload",
		Type:       models.AssessmentTypeFILE,
		TotalMarks: 20,
		Percentage: 10,
	})
	theirs := fx.upload(t, "theirs.txt", models.FileCategorySubmission, 8)

	auto, err := fx.service.AutoSubmit(context.Background(), assessment.ID, 7, models.AttemptContent{SubmittedFile: theirs})
	require.NoError(t, err)
	require.NotNil(t, auto)
	require.True(t, auto.AutoSubmitted)
	require.Empty(t, auto.Content.SubmittedFile)
}

func TestAttemptServiceFeedbackRequiresOwnedFeedbackFile(t *testing.T) {
	fx := newAttemptFixture(t, workflow.Options{})
	assessment := seedQNAAssessment(t, fx.db, 10)
	ctx := context.Background()

	submitted, err := fx.service.Submit(ctx, student(7), dto.AttemptCreateRequest{AssessmentID: assessment.ID, StudentID: 7, Answers: []string{"x"}}, nil)
	require.NoError(t, err)
	id := submitted.ID
	for _, action := range []string{"start_plagiarism_check", "start_marking"} {
		_, err := fx.service.Apply(ctx, id, assessor(), dto.AttemptActionRequest{Action: action})
		require.NoError(t, err)
	}
	_, err = fx.service.Grade(ctx, id, assessor(), dto.GradeRequest{ObtainedMarks: floatPtr(6)})
	require.NoError(t, err)

	otherAssessor := fx.upload(t, "colleague.txt", models.FileCategoryFeedback, 101)
	submission := fx.upload(t, "essay.txt", models.FileCategorySubmission, assessor().ID)

	cases := []struct {
		name      string
		reference string
		want      error
	}{
		{name: "another assessor", reference: otherAssessor, want: ErrForbidden},
		{name: "never uploaded", reference: "raw/feedback/never-uploaded.pdf", want: ErrFileNotFound},
		{name: "raw url", reference: "https://evil.example.com/feedback.pdf", want: ErrFileNotFound},
		{name: "submission file", reference: submission, want: ErrFileNotFound},
	}
	for _, tc := range cases {
		_, err := fx.service.UploadFeedback(ctx, id, assessor(), dto.FeedbackRequest{FeedbackFile: tc.reference}, nil)
		require.ErrorIs(t, err, tc.want, tc.name)
		_, err = fx.service.Apply(ctx, id, assessor(), dto.AttemptActionRequest{Action: "upload_feedback", FeedbackFile: tc.reference})
		require.ErrorIs(t, err, tc.want, tc.name)
	}

	stored, err := fx.service.Get(ctx, id)
	require.NoError(t, err)
	require.Empty(t, stored.FeedbackFile)
	require.Equal(t, 4, stored.Version)

	own := fx.upload(t, "own.txt", models.FileCategoryFeedback, assessor().ID)
	resp, err := fx.service.UploadFeedback(ctx, id, assessor(), dto.FeedbackRequest{FeedbackFile: own}, nil)
	require.NoError(t, err)
	require.Equal(t, own, resp.FeedbackFile)
}

func TestAttemptServiceCountsOrphanedFeedbackUploads(t *testing.T) {
	fx := newAttemptFixture(t, workflow.Options{})
	assessment := seedQNAAssessment(t, fx.db, 10)
	ctx := context.Background()

	submitted, err := fx.service.Submit(ctx, student(7), dto.AttemptCreateRequest{AssessmentID: assessment.ID, StudentID: 7, Answers: []string{"x"}}, nil)
	require.NoError(t, err)

	orphaned := observability.OrphanedUploads().WithLabelValues(string(models.FileCategoryFeedback))
	before := testutil.ToFloat64(orphaned)

	// Feedback before marking is refused after the file was already stored.
	_, err = fx.service.UploadFeedback(ctx, submitted.ID, assessor(), dto.FeedbackRequest{},
		buildFileHeader(t, "early.txt", []byte("too early")))
	require.ErrorIs(t, err, workflow.ErrInvalidTransition)
	require.Equal(t, 1, fx.storage.count())
	require.Equal(t, before+1, testutil.ToFloat64(orphaned))

	_, err = fx.service.UploadFeedback(ctx, submitted.ID, assessor(), dto.FeedbackRequest{FeedbackFile: "raw/feedback/missing.pdf"}, nil)
	require.ErrorIs(t, err, workflow.ErrInvalidTransition)
	require.Equal(t, before+1, testutil.ToFloat64(orphaned))
}

func TestAttemptServiceReviewWithRevisionRound(t *testing.T) {
	fx := newAttemptFixture(t, workflow.Options{})
	assessment := seedQNAAssessment(t, fx.db, 10)
	ctx := context.Background()

	submitted, err := fx.service.Submit(ctx, student(7), dto.AttemptCreateRequest{
		AssessmentID: assessment.ID,
		StudentID:    7,
		Answers:      []string{"one", "two"},
	}, nil)
	require.NoError(t, err)
	id := submitted.ID

	apply := func(actor workflow.Actor, req dto.AttemptActionRequest) dto.AttemptResponse {
		t.Helper()
		resp, err := fx.service.Apply(ctx, id, actor, req)
		require.NoError(t, err)
		return resp
	}

	apply(assessor(), dto.AttemptActionRequest{Action: "start_plagiarism_check"})
	resp := apply(assessor(), dto.AttemptActionRequest{Action: "start_marking"})
	require.Equal(t, string(models.AttemptStatusMarking), resp.Status)

	resp, err = fx.service.Grade(ctx, id, assessor(), dto.GradeRequest{ObtainedMarks: floatPtr(7)})
	require.NoError(t, err)
	require.Equal(t, 7.0, *resp.ObtainedMarks)

	resp, err = fx.service.UploadFeedback(ctx, id, assessor(), dto.FeedbackRequest{Comments: "see notes"},
		buildFileHeader(t, "feedback.txt", []byte("well argued")))
	require.NoError(t, err)
	require.Equal(t, "raw/feedback/feedback.txt", resp.FeedbackFile)

	resp = apply(assessor(), dto.AttemptActionRequest{Action: "submit_for_moderation"})
	require.Equal(t, string(models.AttemptStatusMarked), resp.Status)
	require.NotNil(t, resp.AssessorDecision)
	require.Equal(t, "SATISFIED", resp.AssessorDecision.Status)

	resp = apply(moderator(), dto.AttemptActionRequest{Action: "moderate", Decision: "NOT_SATISFIED", Comments: "too generous"})
	require.Equal(t, string(models.AttemptStatusMarkingRevision), resp.Status)
	require.Nil(t, resp.ObtainedMarks)
	require.Empty(t, resp.FeedbackFile)

	resp, err = fx.service.Grade(ctx, id, assessor(), dto.GradeRequest{ObtainedMarks: floatPtr(8)})
	require.NoError(t, err)
	require.Equal(t, string(models.AttemptStatusMarkingRevision), resp.Status)

	revised := fx.upload(t, "revised.txt", models.FileCategoryFeedback, assessor().ID)
	_, err = fx.service.UploadFeedback(ctx, id, assessor(), dto.FeedbackRequest{FeedbackFile: revised}, nil)
	require.NoError(t, err)

	apply(assessor(), dto.AttemptActionRequest{Action: "submit_for_moderation"})
	apply(moderator(), dto.AttemptActionRequest{Action: "moderate", Decision: "SATISFIED"})
	resp = apply(verifier(), dto.AttemptActionRequest{Action: "verify", Decision: "SATISFIED"})
	require.Equal(t, string(models.AttemptStatusGraded), resp.Status)
	require.Equal(t, 8.0, *resp.ObtainedMarks)
	require.Empty(t, resp.AllowedActions)

	stored, err := fx.service.Get(ctx, id)
	require.NoError(t, err)
	require.Len(t, stored.History, 12)

	rejected := stored.History[6]
	require.Equal(t, "moderate", rejected.Action)
	require.Equal(t, "NOT_SATISFIED", rejected.Decision)
	require.Equal(t, "too generous", rejected.Comments)
	require.NotNil(t, rejected.ObtainedMarks)
	require.Equal(t, 7.0, *rejected.ObtainedMarks)

	_, err = fx.service.Apply(ctx, id, assessor(), dto.AttemptActionRequest{Action: "start_marking"})
	require.ErrorIs(t, err, workflow.ErrInvalidTransition)
}

func TestAttemptServiceApplyRejections(t *testing.T) {
	fx := newAttemptFixture(t, workflow.Options{})
	assessment := seedQNAAssessment(t, fx.db, 10)
	ctx := context.Background()

	submitted, err := fx.service.Submit(ctx, student(7), dto.AttemptCreateRequest{AssessmentID: assessment.ID, StudentID: 7, Answers: []string{"x"}}, nil)
	require.NoError(t, err)
	id := submitted.ID

	_, err = fx.service.Apply(ctx, id, moderator(), dto.AttemptActionRequest{Action: "start_plagiarism_check"})
	require.ErrorIs(t, err, workflow.ErrRoleNotPermitted)

	_, err = fx.service.Grade(ctx, id, assessor(), dto.GradeRequest{ObtainedMarks: floatPtr(5)})
	require.ErrorIs(t, err, workflow.ErrInvalidTransition)

	_, err = fx.service.Apply(ctx, id, assessor(), dto.AttemptActionRequest{Action: "start_plagiarism_check", Version: intPtr(5)})
	require.ErrorIs(t, err, ErrConcurrentModification)

	_, err = fx.service.Apply(ctx, 999, assessor(), dto.AttemptActionRequest{Action: "start_plagiarism_check"})
	require.ErrorIs(t, err, ErrAttemptNotFound)

	_, err = fx.service.Apply(ctx, id, assessor(), dto.AttemptActionRequest{Action: "start_plagiarism_check"})
	require.NoError(t, err)
	_, err = fx.service.Apply(ctx, id, assessor(), dto.AttemptActionRequest{Action: "start_marking"})
	require.NoError(t, err)

	_, err = fx.service.Grade(ctx, id, assessor(), dto.GradeRequest{ObtainedMarks: floatPtr(11)})
	require.ErrorIs(t, err, workflow.ErrInvalidGrade)

	stored, err := fx.service.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, string(models.AttemptStatusMarking), stored.Status)
	require.Nil(t, stored.ObtainedMarks)
	require.Equal(t, 3, stored.Version)
}

func TestAttemptServiceModeratorApprovalGate(t *testing.T) {
	fx := newAttemptFixture(t, workflow.Options{RequireModeratorApproval: true})
	assessment := seedQNAAssessment(t, fx.db, 10)
	ctx := context.Background()

	submitted, err := fx.service.Submit(ctx, student(7), dto.AttemptCreateRequest{AssessmentID: assessment.ID, StudentID: 7, Answers: []string{"x"}}, nil)
	require.NoError(t, err)
	id := submitted.ID

	for _, req := range []dto.AttemptActionRequest{
		{Action: "start_plagiarism_check"},
		{Action: "start_marking"},
		{Action: "grade", ObtainedMarks: floatPtr(6)},
		{Action: "upload_feedback", FeedbackFile: fx.upload(t, "a.txt", models.FileCategoryFeedback, assessor().ID)},
		{Action: "submit_for_moderation"},
	} {
		_, err := fx.service.Apply(ctx, id, assessor(), req)
		require.NoError(t, err, req.Action)
	}

	_, err = fx.service.Apply(ctx, id, verifier(), dto.AttemptActionRequest{Action: "verify", Decision: "SATISFIED"})
	require.ErrorIs(t, err, workflow.ErrInvalidTransition)

	_, err = fx.service.Apply(ctx, id, moderator(), dto.AttemptActionRequest{Action: "moderate", Decision: "SATISFIED"})
	require.NoError(t, err)

	resp, err := fx.service.Apply(ctx, id, verifier(), dto.AttemptActionRequest{Action: "verify", Decision: "SATISFIED"})
	require.NoError(t, err)
	require.Equal(t, string(models.AttemptStatusGraded), resp.Status)
}

func TestAttemptServiceAutoSubmitRace(t *testing.T) {
	fx := newAttemptFixture(t, workflow.Options{})
	first := seedQNAAssessment(t, fx.db, 10)
	second := seedQNAAssessment(t, fx.db, 10)
	ctx := context.Background()

	_, err := fx.service.Submit(ctx, student(7), dto.AttemptCreateRequest{AssessmentID: first.ID, StudentID: 7, Answers: []string{"manual"}}, nil)
	require.NoError(t, err)
	discarded, err := fx.service.AutoSubmit(ctx, first.ID, 7, models.AttemptContent{Answers: []string{"draft"}})
	require.NoError(t, err)
	require.Nil(t, discarded)

	auto, err := fx.service.AutoSubmit(ctx, second.ID, 7, models.AttemptContent{})
	require.NoError(t, err)
	require.NotNil(t, auto)
	require.True(t, auto.AutoSubmitted)

	_, err = fx.service.Submit(ctx, student(7), dto.AttemptCreateRequest{AssessmentID: second.ID, StudentID: 7, Answers: []string{"late"}}, nil)
	require.ErrorIs(t, err, ErrAttemptExists)
}

func TestAttemptServiceSubmissionHooks(t *testing.T) {
	fx := newAttemptFixture(t, workflow.Options{})
	assessment := seedQNAAssessment(t, fx.db, 10)

	var notified []uint
	fx.service.AddSubmissionHook(func(attempt models.Attempt) {
		notified = append(notified, attempt.ID)
	})

	resp, err := fx.service.Submit(context.Background(), student(7), dto.AttemptCreateRequest{AssessmentID: assessment.ID, StudentID: 7, Answers: []string{"x"}}, nil)
	require.NoError(t, err)
	require.Equal(t, []uint{resp.ID}, notified)
}

func TestAttemptServiceListFilters(t *testing.T) {
	fx := newAttemptFixture(t, workflow.Options{})
	assessment := seedQNAAssessment(t, fx.db, 10)
	ctx := context.Background()

	for _, id := range []uint{7, 8} {
		_, err := fx.service.Submit(ctx, student(id), dto.AttemptCreateRequest{AssessmentID: assessment.ID, StudentID: id, Answers: []string{"x"}}, nil)
		require.NoError(t, err)
	}

	studentID := uint(8)
	list, err := fx.service.List(ctx, dto.AttemptFilter{StudentID: &studentID})
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, uint(8), list[0].StudentID)

	invalid := "DONE"
	_, err = fx.service.List(ctx, dto.AttemptFilter{Status: &invalid})
	require.Error(t, err)

	found, err := fx.service.Lookup(ctx, assessment.ID, 7)
	require.NoError(t, err)
	require.NotNil(t, found)
	missing, err := fx.service.Lookup(ctx, assessment.ID, 9)
	require.NoError(t, err)
	require.Nil(t, missing)
}

// memoryAttemptRepository stores attempts in a map guarded by a mutex so
// concurrent creations race on the uniqueness check only.
type memoryAttemptRepository struct {
	mu       sync.Mutex
	nextID   uint
	attempts map[uint]models.Attempt
}

func newMemoryAttemptRepository() *memoryAttemptRepository {
	return &memoryAttemptRepository{attempts: make(map[uint]models.Attempt)}
}

func (m *memoryAttemptRepository) CreateIfAbsent(_ context.Context, attempt *models.Attempt, entry models.AttemptStatusHistory) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.attempts {
		if existing.AssessmentID == attempt.AssessmentID && existing.StudentID == attempt.StudentID {
			return repository.ErrDuplicate
		}
	}
	m.nextID++
	attempt.ID = m.nextID
	entry.AttemptID = attempt.ID
	attempt.History = []models.AttemptStatusHistory{entry}
	m.attempts[attempt.ID] = *attempt
	return nil
}

func (m *memoryAttemptRepository) GetByID(_ context.Context, id uint) (models.Attempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	attempt, ok := m.attempts[id]
	if !ok {
		return models.Attempt{}, gorm.ErrRecordNotFound
	}
	return attempt, nil
}

func (m *memoryAttemptRepository) GetByAssessmentAndStudent(_ context.Context, assessmentID, studentID uint) (models.Attempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, attempt := range m.attempts {
		if attempt.AssessmentID == assessmentID && attempt.StudentID == studentID {
			return attempt, nil
		}
	}
	return models.Attempt{}, gorm.ErrRecordNotFound
}

func (m *memoryAttemptRepository) List(context.Context, repository.AttemptFilter) ([]models.Attempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.Attempt, 0, len(m.attempts))
	for _, attempt := range m.attempts {
		out = append(out, attempt)
	}
	return out, nil
}

func (m *memoryAttemptRepository) ListByStudent(ctx context.Context, studentID uint, _ []uint) ([]models.Attempt, error) {
	return m.List(ctx, repository.AttemptFilter{StudentID: &studentID})
}

func (m *memoryAttemptRepository) UpdateWithHistory(_ context.Context, attempt *models.Attempt, expectedVersion int, entry models.AttemptStatusHistory) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.attempts[attempt.ID]
	if !ok || current.Version != expectedVersion {
		return repository.ErrStaleVersion
	}
	attempt.Version = expectedVersion + 1
	attempt.History = append(attempt.History, entry)
	m.attempts[attempt.ID] = *attempt
	return nil
}

func (m *memoryAttemptRepository) HasFeedbackFile(_ context.Context, studentID uint, reference string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, attempt := range m.attempts {
		if attempt.StudentID != studentID {
			continue
		}
		if attempt.FeedbackFile == reference {
			return true, nil
		}
		for _, entry := range attempt.History {
			if entry.FeedbackFile == reference {
				return true, nil
			}
		}
	}
	return false, nil
}

func TestAttemptServiceConcurrentSubmitsCreateOneAttempt(t *testing.T) {
	db := setupServiceDB(t)
	assessment := seedQNAAssessment(t, db, 10)
	repo := newMemoryAttemptRepository()
	svc := NewAttemptService(repo, repository.NewAssessmentRepository(db), nil,
		workflow.NewEngine(workflow.Options{}, time.Now), nil, testValidator(), testLogger())

	const submitters = 8
	var wg sync.WaitGroup
	errs := make(chan error, submitters)
	start := make(chan struct{})
	for i := 0; i < submitters; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := svc.Submit(context.Background(), student(7), dto.AttemptCreateRequest{
				AssessmentID: assessment.ID,
				StudentID:    7,
				Answers:      []string{"racing"},
			}, nil)
			errs <- err
		}()
	}
	close(start)
	wg.Wait()
	close(errs)

	succeeded := 0
	for err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		require.ErrorIs(t, err, ErrAttemptExists)
	}
	require.Equal(t, 1, succeeded)
	require.Len(t, repo.attempts, 1)
}
