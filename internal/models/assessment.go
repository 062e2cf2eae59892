package models

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/datatypes"
)

// AssessmentType identifies how an assessment is answered and scored.
type AssessmentType string

const (
	// AssessmentTypeMCQ is a multiple choice assessment scored automatically.
	AssessmentTypeMCQ AssessmentType = "MCQ"
	// AssessmentTypeQNA is a free-text question assessment scored by the assessor.
	AssessmentTypeQNA AssessmentType = "QNA"
	// AssessmentTypeFILE is a file upload assessment scored by the assessor.
	AssessmentTypeFILE AssessmentType = "FILE"
)

// Valid reports whether the type is one of the supported assessment types.
func (t AssessmentType) Valid() bool {
	switch t {
	case AssessmentTypeMCQ, AssessmentTypeQNA, AssessmentTypeFILE:
		return true
	}
	return false
}

// ErrInvalidMCQItem is returned when an MCQ item violates its construction rules.
var ErrInvalidMCQItem = errors.New("invalid mcq item")

// Assessment is the definition a student attempts. It is owned by the course
// hierarchy and read-only to the attempt lifecycle.
type Assessment struct {
	ID                 uint                               `gorm:"primaryKey" json:"id"`
	CourseID           uint                               `gorm:"not null;index" json:"course_id"`
	SectionID          uint                               `gorm:"not null;index" json:"section_id"`
	Title              string                             `gorm:"size:255;not null" json:"title"`
	Type               AssessmentType                     `gorm:"size:8;not null" json:"assessment_type"`
	TotalMarks         float64                            `gorm:"not null" json:"total_marks"`
	Percentage         float64                            `gorm:"not null" json:"percentage"`
	IntervalDays       int                                `gorm:"not null;default:0" json:"interval"`
	IsTimeBound        bool                               `gorm:"not null;default:false" json:"is_time_bound"`
	TimeAllowedMinutes float64                            `gorm:"not null;default:0" json:"time_allowed_minutes"`
	Body               datatypes.JSONType[AssessmentBody] `json:"content"`
	CreatedAt          time.Time                          `json:"created_at"`
	UpdatedAt          time.Time                          `json:"updated_at"`
}

// AssessmentBody is the persisted form of the assessment content. Only the
// list matching the assessment type is populated.
type AssessmentBody struct {
	MCQ       []MCQItem     `json:"mcq,omitempty"`
	Questions []QNAQuestion `json:"questions,omitempty"`
	Files     []string      `json:"files,omitempty"`
}

// MCQItem is a single multiple choice question. Build it with NewMCQItem.
type MCQItem struct {
	ID                     string   `json:"id"`
	Prompt                 string   `json:"prompt"`
	Options                []string `json:"options"`
	CorrectAnswers         []string `json:"correct_answers"`
	NumberOfCorrectAnswers int      `json:"number_of_correct_answers"`
}

// QNAQuestion is a free-text question.
type QNAQuestion struct {
	ID     string `json:"id"`
	Prompt string `json:"prompt"`
}

// NewMCQItem validates and builds an MCQ item. Options must be non-empty and
// unique, correct answers must be a subset of the options, and at least one
// but not every option may be correct.
func NewMCQItem(id, prompt string, options, correct []string) (MCQItem, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return MCQItem{}, fmt.Errorf("%w: id is required", ErrInvalidMCQItem)
	}
	if len(options) == 0 {
		return MCQItem{}, fmt.Errorf("%w: options must not be empty", ErrInvalidMCQItem)
	}

	known := make(map[string]struct{}, len(options))
	for _, option := range options {
		if strings.TrimSpace(option) == "" {
			return MCQItem{}, fmt.Errorf("%w: options must not be blank", ErrInvalidMCQItem)
		}
		if _, dup := known[option]; dup {
			return MCQItem{}, fmt.Errorf("%w: duplicate option %q", ErrInvalidMCQItem, option)
		}
		known[option] = struct{}{}
	}

	seen := make(map[string]struct{}, len(correct))
	for _, answer := range correct {
		if _, ok := known[answer]; !ok {
			return MCQItem{}, fmt.Errorf("%w: correct answer %q is not an option", ErrInvalidMCQItem, answer)
		}
		if _, dup := seen[answer]; dup {
			return MCQItem{}, fmt.Errorf("%w: duplicate correct answer %q", ErrInvalidMCQItem, answer)
		}
		seen[answer] = struct{}{}
	}

	if len(seen) < 1 || len(seen) > len(options)-1 {
		return MCQItem{}, fmt.Errorf("%w: item needs between 1 and %d correct answers", ErrInvalidMCQItem, len(options)-1)
	}

	return MCQItem{
		ID:                     id,
		Prompt:                 prompt,
		Options:                append([]string(nil), options...),
		CorrectAnswers:         append([]string(nil), correct...),
		NumberOfCorrectAnswers: len(seen),
	}, nil
}

// Validate re-checks the construction rules, used for items decoded from storage or requests.
func (i MCQItem) Validate() error {
	_, err := NewMCQItem(i.ID, i.Prompt, i.Options, i.CorrectAnswers)
	return err
}

// AssessmentContent is the closed set of content variants. Only MCQContent,
// QNAContent and FileContent implement it.
type AssessmentContent interface {
	contentType() AssessmentType
}

// MCQContent holds multiple choice items.
type MCQContent struct{ Items []MCQItem }

// QNAContent holds free-text questions.
type QNAContent struct{ Questions []QNAQuestion }

// FileContent holds references to the files describing the task.
type FileContent struct{ Files []string }

func (MCQContent) contentType() AssessmentType  { return AssessmentTypeMCQ }
func (QNAContent) contentType() AssessmentType  { return AssessmentTypeQNA }
func (FileContent) contentType() AssessmentType { return AssessmentTypeFILE }

// Content returns the typed content variant for the assessment.
func (a Assessment) Content() (AssessmentContent, error) {
	body := a.Body.Data()
	switch a.Type {
	case AssessmentTypeMCQ:
		return MCQContent{Items: body.MCQ}, nil
	case AssessmentTypeQNA:
		return QNAContent{Questions: body.Questions}, nil
	case AssessmentTypeFILE:
		return FileContent{Files: body.Files}, nil
	}
	return nil, fmt.Errorf("unknown assessment type %q", a.Type)
}

// TimeAllowed returns the countdown duration for time-bound assessments.
func (a Assessment) TimeAllowed() time.Duration {
	if !a.IsTimeBound || a.TimeAllowedMinutes <= 0 {
		return 0
	}
	return time.Duration(a.TimeAllowedMinutes * float64(time.Minute))
}
