package models

import (
	"time"

	"gorm.io/datatypes"
)

// AttemptStatus is the review state of an attempt.
type AttemptStatus string

const (
	AttemptStatusSubmitted       AttemptStatus = "SUBMITTED"
	AttemptStatusPlagiarismCheck AttemptStatus = "PLAGIARISM_CHECK"
	AttemptStatusMarking         AttemptStatus = "MARKING"
	AttemptStatusMarkingRevision AttemptStatus = "MARKING_REVISION"
	AttemptStatusMarked          AttemptStatus = "MARKED"
	AttemptStatusGraded          AttemptStatus = "GRADED"
)

// AttemptStatuses lists every status in pipeline order.
var AttemptStatuses = []AttemptStatus{
	AttemptStatusSubmitted,
	AttemptStatusPlagiarismCheck,
	AttemptStatusMarking,
	AttemptStatusMarkingRevision,
	AttemptStatusMarked,
	AttemptStatusGraded,
}

// IsTerminal reports whether no further transition is possible.
func (s AttemptStatus) IsTerminal() bool {
	return s == AttemptStatusGraded
}

// DecisionStatus is a reviewer verdict.
type DecisionStatus string

const (
	DecisionSatisfied    DecisionStatus = "SATISFIED"
	DecisionNotSatisfied DecisionStatus = "NOT_SATISFIED"
)

// Valid reports whether the verdict is one of the known values.
func (d DecisionStatus) Valid() bool {
	return d == DecisionSatisfied || d == DecisionNotSatisfied
}

// Decision is a reviewer verdict with comments. A zero Status means no decision.
type Decision struct {
	Status    DecisionStatus `json:"status,omitempty"`
	Comments  string         `json:"comments,omitempty"`
	DecidedBy uint           `json:"decided_by,omitempty"`
	Timestamp *time.Time     `json:"timestamp,omitempty"`
}

// IsZero reports whether the decision has not been made.
func (d Decision) IsZero() bool {
	return d.Status == ""
}

// MCQAnswer is the set of options a student selected for one item.
type MCQAnswer struct {
	MCQID           string   `json:"mcq_id"`
	SelectedOptions []string `json:"selected_options"`
}

// AttemptContent is the student's answer payload. Only the field matching the
// assessment type is populated.
type AttemptContent struct {
	Answers       []string    `json:"answers,omitempty"`
	MCQAnswers    []MCQAnswer `json:"mcq_answers,omitempty"`
	SubmittedFile string      `json:"submitted_file,omitempty"`
}

// Attempt is a student's single submission for an assessment.
type Attempt struct {
	ID                 uint                               `gorm:"primaryKey" json:"id"`
	AssessmentID       uint                               `gorm:"not null;uniqueIndex:idx_attempt_assessment_student" json:"assessment_id"`
	StudentID          uint                               `gorm:"not null;uniqueIndex:idx_attempt_assessment_student" json:"student_id"`
	Content            datatypes.JSONType[AttemptContent] `json:"content"`
	Status             AttemptStatus                      `gorm:"size:32;not null;index" json:"status"`
	CalculatedMarks    *float64                           `json:"calculated_marks"`
	TotalPossibleMarks *float64                           `json:"total_possible_marks"`
	Percentage         *float64                           `json:"percentage"`
	ObtainedMarks      *float64                           `json:"obtained_marks"`
	FeedbackFile       string                             `gorm:"size:512" json:"feedback_file"`
	AssessorDecision   datatypes.JSONType[Decision]       `json:"assessor_decision"`
	ModeratorDecision  datatypes.JSONType[Decision]       `json:"moderator_decision"`
	VerifierDecision   datatypes.JSONType[Decision]       `json:"verifier_decision"`
	AutoSubmitted      bool                               `gorm:"not null;default:false" json:"auto_submitted"`
	Version            int                                `gorm:"not null;default:1" json:"version"`
	SubmittedAt        time.Time                          `gorm:"not null" json:"submitted_at"`
	CreatedAt          time.Time                          `json:"created_at"`
	UpdatedAt          time.Time                          `json:"updated_at"`
	History            []AttemptStatusHistory             `gorm:"constraint:OnUpdate:CASCADE,OnDelete:CASCADE" json:"history"`
}

// TableName keeps attempts apart from other submission tables.
func (Attempt) TableName() string {
	return "assessment_attempts"
}

// AttemptStatusHistory is one append-only audit entry.
type AttemptStatusHistory struct {
	ID            uint           `gorm:"primaryKey" json:"id"`
	AttemptID     uint           `gorm:"not null;index" json:"attempt_id"`
	Status        AttemptStatus  `gorm:"size:32;not null" json:"status"`
	Action        string         `gorm:"size:64;not null" json:"action"`
	Decision      DecisionStatus `gorm:"size:16" json:"decision,omitempty"`
	Comments      string         `gorm:"type:text" json:"comments,omitempty"`
	ChangedBy     uint           `gorm:"not null" json:"changed_by"`
	ChangedByRole string         `gorm:"size:32;not null" json:"changed_by_role"`
	ObtainedMarks *float64       `json:"obtained_marks,omitempty"`
	FeedbackFile  string         `gorm:"size:512" json:"feedback_file,omitempty"`
	CreatedAt     time.Time      `json:"timestamp"`
}
