package dto

import (
	"time"

	"github.com/noah-isme/gema-assessment-api/internal/models"
)

// MCQItemRequest describes one multiple choice item.
type MCQItemRequest struct {
	ID             string   `json:"id" validate:"required,max=64"`
	Prompt         string   `json:"prompt" validate:"required,max=2000"`
	Options        []string `json:"options" validate:"required,min=2,dive,required,max=500"`
	CorrectAnswers []string `json:"correct_answers" validate:"required,min=1,dive,required"`
}

// QNAQuestionRequest describes one free-text question.
type QNAQuestionRequest struct {
	ID     string `json:"id" validate:"required,max=64"`
	Prompt string `json:"prompt" validate:"required,max=2000"`
}

// AssessmentCreateRequest is the payload for defining an assessment.
type AssessmentCreateRequest struct {
	CourseID           uint                 `json:"course_id" validate:"required,gt=0"`
	SectionID          uint                 `json:"section_id" validate:"required,gt=0"`
	Title              string               `json:"title" validate:"required,min=3,max=255"`
	Type               string               `json:"assessment_type" validate:"required,oneof=MCQ QNA FILE"`
	TotalMarks         float64              `json:"total_marks" validate:"gt=0"`
	Percentage         float64              `json:"percentage" validate:"gte=0,lte=100"`
	Interval           int                  `json:"interval" validate:"gte=0,lte=3650"`
	IsTimeBound        bool                 `json:"is_time_bound"`
	TimeAllowedMinutes float64              `json:"time_allowed_minutes" validate:"required_if=IsTimeBound true,gte=0,lte=1440"`
	MCQ                []MCQItemRequest     `json:"mcq" validate:"omitempty,max=500,dive"`
	Questions          []QNAQuestionRequest `json:"questions" validate:"omitempty,max=200,dive"`
	Files              []string             `json:"files" validate:"omitempty,max=20,dive,required,max=512"`
}

// EnrollmentRequest records a student's enrollment date in a course.
type EnrollmentRequest struct {
	StudentID  uint      `json:"student_id" validate:"required,gt=0"`
	CourseID   uint      `json:"course_id" validate:"required,gt=0"`
	EnrolledAt time.Time `json:"enrolled_at" validate:"required"`
}

// MCQItemResponse serializes an MCQ item. Correct answers are omitted for students.
type MCQItemResponse struct {
	ID                     string   `json:"id"`
	Prompt                 string   `json:"prompt"`
	Options                []string `json:"options"`
	CorrectAnswers         []string `json:"correct_answers,omitempty"`
	NumberOfCorrectAnswers int      `json:"number_of_correct_answers"`
}

// AssessmentContentResponse carries the variant matching the assessment type.
type AssessmentContentResponse struct {
	MCQ       []MCQItemResponse    `json:"mcq,omitempty"`
	Questions []QNAQuestionRequest `json:"questions,omitempty"`
	Files     []string             `json:"files,omitempty"`
}

// AssessmentResponse is returned when viewing assessment definitions.
type AssessmentResponse struct {
	ID                 uint                      `json:"id"`
	CourseID           uint                      `json:"course_id"`
	SectionID          uint                      `json:"section_id"`
	Title              string                    `json:"title"`
	Type               string                    `json:"assessment_type"`
	TotalMarks         float64                   `json:"total_marks"`
	Percentage         float64                   `json:"percentage"`
	Interval           int                       `json:"interval"`
	IsTimeBound        bool                      `json:"is_time_bound"`
	TimeAllowedMinutes float64                   `json:"time_allowed_minutes"`
	Content            AssessmentContentResponse `json:"content"`
	CreatedAt          time.Time                 `json:"created_at"`
}

// SectionAssessmentResponse pairs an assessment with the student's attempt, if any.
type SectionAssessmentResponse struct {
	Assessment AssessmentResponse `json:"assessment"`
	Attempt    *AttemptSummary    `json:"attempt"`
}

// SectionAssessmentsResponse lists a section's assessments with its remaining allocation.
type SectionAssessmentsResponse struct {
	SectionID           uint                        `json:"section_id"`
	RemainingPercentage float64                     `json:"remaining_percentage"`
	Items               []SectionAssessmentResponse `json:"items"`
}

// DueDateResponse describes when a student's assessment is due.
type DueDateResponse struct {
	AssessmentID  uint      `json:"assessment_id"`
	StudentID     uint      `json:"student_id"`
	EnrolledAt    time.Time `json:"enrolled_at"`
	DueDate       time.Time `json:"due_date"`
	DaysRemaining int       `json:"days_remaining"`
	Status        string    `json:"status"`
}

// NewAssessmentResponse converts an Assessment model into a DTO.
func NewAssessmentResponse(model models.Assessment, includeAnswers bool) AssessmentResponse {
	response := AssessmentResponse{
		ID:                 model.ID,
		CourseID:           model.CourseID,
		SectionID:          model.SectionID,
		Title:              model.Title,
		Type:               string(model.Type),
		TotalMarks:         model.TotalMarks,
		Percentage:         model.Percentage,
		Interval:           model.IntervalDays,
		IsTimeBound:        model.IsTimeBound,
		TimeAllowedMinutes: model.TimeAllowedMinutes,
		CreatedAt:          model.CreatedAt,
	}

	content, err := model.Content()
	if err != nil {
		return response
	}

	switch c := content.(type) {
	case models.MCQContent:
		response.Content.MCQ = make([]MCQItemResponse, 0, len(c.Items))
		for _, item := range c.Items {
			entry := MCQItemResponse{
				ID:                     item.ID,
				Prompt:                 item.Prompt,
				Options:                item.Options,
				NumberOfCorrectAnswers: item.NumberOfCorrectAnswers,
			}
			if includeAnswers {
				entry.CorrectAnswers = item.CorrectAnswers
			}
			response.Content.MCQ = append(response.Content.MCQ, entry)
		}
	case models.QNAContent:
		response.Content.Questions = make([]QNAQuestionRequest, 0, len(c.Questions))
		for _, q := range c.Questions {
			response.Content.Questions = append(response.Content.Questions, QNAQuestionRequest{ID: q.ID, Prompt: q.Prompt})
		}
	case models.FileContent:
		response.Content.Files = c.Files
	}

	return response
}
