package dto

import "time"

// SessionDraftRequest stores in-progress answers for a timed attempt.
type SessionDraftRequest struct {
	Answers       []string           `json:"answers" validate:"omitempty,max=200,dive,max=20000"`
	MCQAnswers    []MCQAnswerRequest `json:"mcq_answers" validate:"omitempty,max=500,dive"`
	SubmittedFile string             `json:"submitted_file" validate:"omitempty,max=512"`
}

// SessionResponse describes a timed attempt countdown.
type SessionResponse struct {
	AssessmentID       uint       `json:"assessment_id"`
	StudentID          uint       `json:"student_id"`
	State              string     `json:"state"`
	TimeAllowedSeconds int64      `json:"time_allowed_seconds"`
	RemainingSeconds   int64      `json:"remaining_seconds"`
	StartedAt          *time.Time `json:"started_at,omitempty"`
	AttemptID          *uint      `json:"attempt_id,omitempty"`
}
