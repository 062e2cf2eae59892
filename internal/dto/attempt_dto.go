package dto

import (
	"time"

	"github.com/noah-isme/gema-assessment-api/internal/models"
	"github.com/noah-isme/gema-assessment-api/internal/scoring"
	"github.com/noah-isme/gema-assessment-api/internal/workflow"
)

// MCQAnswerRequest is the set of options chosen for one MCQ item.
type MCQAnswerRequest struct {
	MCQID           string   `json:"mcq_id" validate:"required,max=64"`
	SelectedOptions []string `json:"selected_options" validate:"required,min=1,dive,required"`
}

// AttemptCreateRequest describes a submission. FILE submissions arrive as
// multipart with a "file" part instead of SubmittedFile.
type AttemptCreateRequest struct {
	AssessmentID  uint               `json:"assessment_id" form:"assessment_id" validate:"required,gt=0"`
	StudentID     uint               `json:"student_id" form:"student_id" validate:"required,gt=0"`
	Answers       []string           `json:"answers" validate:"omitempty,max=200,dive,max=20000"`
	MCQAnswers    []MCQAnswerRequest `json:"mcq_answers" validate:"omitempty,max=500,dive"`
	SubmittedFile string             `json:"submitted_file" form:"submitted_file" validate:"omitempty,max=512"`
}

// Content converts the request into the stored attempt content.
func (r AttemptCreateRequest) Content() models.AttemptContent {
	return AttemptContentFromRequest(r.Answers, r.MCQAnswers, r.SubmittedFile)
}

// AttemptContentFromRequest builds stored content from request fields.
func AttemptContentFromRequest(answers []string, mcq []MCQAnswerRequest, file string) models.AttemptContent {
	content := models.AttemptContent{
		Answers:       append([]string(nil), answers...),
		SubmittedFile: file,
	}
	if len(mcq) > 0 {
		content.MCQAnswers = make([]models.MCQAnswer, 0, len(mcq))
		for _, answer := range mcq {
			content.MCQAnswers = append(content.MCQAnswers, models.MCQAnswer{
				MCQID:           answer.MCQID,
				SelectedOptions: append([]string(nil), answer.SelectedOptions...),
			})
		}
	}
	return content
}

// AttemptActionRequest is a review action with its role specific payload.
type AttemptActionRequest struct {
	Action        string   `json:"action" validate:"required,oneof=start_plagiarism_check start_marking grade upload_feedback submit_for_moderation moderate verify"`
	ObtainedMarks *float64 `json:"obtained_marks"`
	FeedbackFile  string   `json:"feedback_file" validate:"omitempty,max=512"`
	Decision      string   `json:"decision" validate:"omitempty,oneof=SATISFIED NOT_SATISFIED"`
	Comments      string   `json:"comments" validate:"omitempty,max=2000"`
	Version       *int     `json:"version" validate:"omitempty,gte=1"`
}

// GradeRequest sets the obtained marks of an attempt.
type GradeRequest struct {
	ObtainedMarks *float64 `json:"obtained_marks" validate:"required"`
	Version       *int     `json:"version" validate:"omitempty,gte=1"`
}

// FeedbackRequest attaches a feedback reference. A multipart "file" part is
// uploaded first and takes precedence.
type FeedbackRequest struct {
	FeedbackFile string `json:"feedback_file" form:"feedback_file" validate:"omitempty,max=512"`
	Comments     string `json:"comments" form:"comments" validate:"omitempty,max=2000"`
	Version      *int   `json:"version" form:"version" validate:"omitempty,gte=1"`
}

// AttemptFilter describes query string filters for reviewer queues.
type AttemptFilter struct {
	AssessmentID *uint   `query:"assessment_id"`
	StudentID    *uint   `query:"student_id"`
	Status       *string `query:"status" validate:"omitempty,oneof=SUBMITTED PLAGIARISM_CHECK MARKING MARKING_REVISION MARKED GRADED"`
}

// DecisionResponse serializes a reviewer verdict.
type DecisionResponse struct {
	Status    string     `json:"status"`
	Comments  string     `json:"comments,omitempty"`
	DecidedBy uint       `json:"decided_by"`
	Timestamp *time.Time `json:"timestamp,omitempty"`
}

// AttemptHistoryResponse serializes a status history entry.
type AttemptHistoryResponse struct {
	Status        string    `json:"status"`
	Action        string    `json:"action"`
	Decision      string    `json:"decision,omitempty"`
	Comments      string    `json:"comments,omitempty"`
	ChangedBy     uint      `json:"changed_by"`
	ChangedByRole string    `json:"changed_by_role"`
	ObtainedMarks *float64  `json:"obtained_marks,omitempty"`
	FeedbackFile  string    `json:"feedback_file,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// ScoreResponse is the automatic MCQ score.
type ScoreResponse struct {
	CalculatedMarks    float64 `json:"calculated_marks"`
	TotalPossibleMarks float64 `json:"total_possible_marks"`
	Percentage         float64 `json:"percentage"`
	DisplayPercentage  int     `json:"display_percentage"`
}

// AttemptContentResponse mirrors the stored answer payload.
type AttemptContentResponse struct {
	Answers       []string           `json:"answers,omitempty"`
	MCQAnswers    []MCQAnswerRequest `json:"mcq_answers,omitempty"`
	SubmittedFile string             `json:"submitted_file,omitempty"`
}

// AttemptResponse is returned to API clients when viewing attempts.
type AttemptResponse struct {
	ID                uint                     `json:"id"`
	AssessmentID      uint                     `json:"assessment_id"`
	StudentID         uint                     `json:"student_id"`
	Status            string                   `json:"status"`
	Content           AttemptContentResponse   `json:"content"`
	Score             *ScoreResponse           `json:"score"`
	ObtainedMarks     *float64                 `json:"obtained_marks"`
	FeedbackFile      string                   `json:"feedback_file,omitempty"`
	AssessorDecision  *DecisionResponse        `json:"assessor_decision"`
	ModeratorDecision *DecisionResponse        `json:"moderator_decision"`
	VerifierDecision  *DecisionResponse        `json:"verifier_decision"`
	AutoSubmitted     bool                     `json:"auto_submitted"`
	Version           int                      `json:"version"`
	AllowedActions    []string                 `json:"allowed_actions"`
	History           []AttemptHistoryResponse `json:"history"`
	SubmittedAt       time.Time                `json:"submitted_at"`
	UpdatedAt         time.Time                `json:"updated_at"`
}

// AttemptSummary annotates an assessment with the student's attempt.
type AttemptSummary struct {
	ID            uint      `json:"id"`
	Status        string    `json:"status"`
	Percentage    *float64  `json:"percentage"`
	ObtainedMarks *float64  `json:"obtained_marks"`
	SubmittedAt   time.Time `json:"submitted_at"`
}

// NewAttemptResponse converts an Attempt model into a DTO.
func NewAttemptResponse(model models.Attempt) AttemptResponse {
	content := model.Content.Data()
	response := AttemptResponse{
		ID:                model.ID,
		AssessmentID:      model.AssessmentID,
		StudentID:         model.StudentID,
		Status:            string(model.Status),
		Content:           newAttemptContentResponse(content),
		ObtainedMarks:     model.ObtainedMarks,
		FeedbackFile:      model.FeedbackFile,
		AssessorDecision:  newDecisionResponse(model.AssessorDecision.Data()),
		ModeratorDecision: newDecisionResponse(model.ModeratorDecision.Data()),
		VerifierDecision:  newDecisionResponse(model.VerifierDecision.Data()),
		AutoSubmitted:     model.AutoSubmitted,
		Version:           model.Version,
		SubmittedAt:       model.SubmittedAt,
		UpdatedAt:         model.UpdatedAt,
	}

	if model.CalculatedMarks != nil && model.TotalPossibleMarks != nil && model.Percentage != nil {
		result := scoring.Result{
			CalculatedMarks:    *model.CalculatedMarks,
			TotalPossibleMarks: *model.TotalPossibleMarks,
			Percentage:         *model.Percentage,
		}
		response.Score = &ScoreResponse{
			CalculatedMarks:    result.CalculatedMarks,
			TotalPossibleMarks: result.TotalPossibleMarks,
			Percentage:         result.Percentage,
			DisplayPercentage:  result.RoundedPercentage(),
		}
	}

	actions := workflow.AllowedActions(model.Status)
	response.AllowedActions = make([]string, 0, len(actions))
	for _, action := range actions {
		response.AllowedActions = append(response.AllowedActions, string(action))
	}

	response.History = make([]AttemptHistoryResponse, 0, len(model.History))
	for _, entry := range model.History {
		response.History = append(response.History, AttemptHistoryResponse{
			Status:        string(entry.Status),
			Action:        entry.Action,
			Decision:      string(entry.Decision),
			Comments:      entry.Comments,
			ChangedBy:     entry.ChangedBy,
			ChangedByRole: entry.ChangedByRole,
			ObtainedMarks: entry.ObtainedMarks,
			FeedbackFile:  entry.FeedbackFile,
			Timestamp:     entry.CreatedAt,
		})
	}

	return response
}

// NewAttemptResponseSlice converts attempt models into DTOs.
func NewAttemptResponseSlice(items []models.Attempt) []AttemptResponse {
	responses := make([]AttemptResponse, 0, len(items))
	for _, attempt := range items {
		responses = append(responses, NewAttemptResponse(attempt))
	}

	return responses
}

// NewAttemptSummary condenses an attempt for listings.
func NewAttemptSummary(model models.Attempt) *AttemptSummary {
	return &AttemptSummary{
		ID:            model.ID,
		Status:        string(model.Status),
		Percentage:    model.Percentage,
		ObtainedMarks: model.ObtainedMarks,
		SubmittedAt:   model.SubmittedAt,
	}
}

func newAttemptContentResponse(content models.AttemptContent) AttemptContentResponse {
	response := AttemptContentResponse{
		Answers:       content.Answers,
		SubmittedFile: content.SubmittedFile,
	}
	for _, answer := range content.MCQAnswers {
		response.MCQAnswers = append(response.MCQAnswers, MCQAnswerRequest{
			MCQID:           answer.MCQID,
			SelectedOptions: answer.SelectedOptions,
		})
	}
	return response
}

func newDecisionResponse(decision models.Decision) *DecisionResponse {
	if decision.IsZero() {
		return nil
	}
	return &DecisionResponse{
		Status:    string(decision.Status),
		Comments:  decision.Comments,
		DecidedBy: decision.DecidedBy,
		Timestamp: decision.Timestamp,
	}
}
