// Package scoring computes automatic marks for multiple choice attempts.
package scoring

import (
	"errors"
	"fmt"
	"math"

	"github.com/noah-isme/gema-assessment-api/internal/models"
)

var (
	// ErrMissingDefinition indicates no assessment definition was supplied.
	ErrMissingDefinition = errors.New("assessment definition missing")
	// ErrMalformedAnswer indicates the answer payload does not match the definition.
	ErrMalformedAnswer = errors.New("malformed answer")
)

// Result holds the automatically calculated marks of an MCQ attempt.
type Result struct {
	CalculatedMarks    float64
	TotalPossibleMarks float64
	Percentage         float64
	CorrectItems       int
	TotalItems         int
}

// RoundedPercentage returns the percentage rounded for display.
func (r Result) RoundedPercentage() int {
	return int(math.Round(r.Percentage))
}

// Score marks an attempt against its assessment. It returns nil without error
// for QNA and FILE assessments, which are marked by hand.
//
// An item counts as correct only when the selected options equal the correct
// answers exactly; partial overlap and unattempted items score zero.
func Score(assessment *models.Assessment, content models.AttemptContent) (*Result, error) {
	if assessment == nil {
		return nil, ErrMissingDefinition
	}

	variant, err := assessment.Content()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMissingDefinition, err)
	}

	mcq, ok := variant.(models.MCQContent)
	if !ok {
		return nil, nil
	}
	if len(mcq.Items) == 0 {
		return nil, fmt.Errorf("%w: assessment has no items", ErrMissingDefinition)
	}
	if assessment.TotalMarks <= 0 {
		return nil, fmt.Errorf("%w: total marks must be positive", ErrMissingDefinition)
	}

	items := make(map[string]models.MCQItem, len(mcq.Items))
	for _, item := range mcq.Items {
		items[item.ID] = item
	}

	answered := make(map[string]struct{}, len(content.MCQAnswers))
	correct := 0
	for _, answer := range content.MCQAnswers {
		item, ok := items[answer.MCQID]
		if !ok {
			return nil, fmt.Errorf("%w: unknown item %q", ErrMalformedAnswer, answer.MCQID)
		}
		if _, dup := answered[answer.MCQID]; dup {
			return nil, fmt.Errorf("%w: item %q answered twice", ErrMalformedAnswer, answer.MCQID)
		}
		answered[answer.MCQID] = struct{}{}

		selected, err := optionSet(item, answer.SelectedOptions)
		if err != nil {
			return nil, err
		}
		if sameSet(selected, item.CorrectAnswers) {
			correct++
		}
	}

	total := len(mcq.Items)
	calculated := float64(correct) / float64(total) * assessment.TotalMarks

	return &Result{
		CalculatedMarks:    calculated,
		TotalPossibleMarks: assessment.TotalMarks,
		Percentage:         calculated / assessment.TotalMarks * 100,
		CorrectItems:       correct,
		TotalItems:         total,
	}, nil
}

func optionSet(item models.MCQItem, selected []string) (map[string]struct{}, error) {
	valid := make(map[string]struct{}, len(item.Options))
	for _, option := range item.Options {
		valid[option] = struct{}{}
	}

	set := make(map[string]struct{}, len(selected))
	for _, option := range selected {
		if _, ok := valid[option]; !ok {
			return nil, fmt.Errorf("%w: option %q is not part of item %q", ErrMalformedAnswer, option, item.ID)
		}
		set[option] = struct{}{}
	}
	return set, nil
}

func sameSet(selected map[string]struct{}, correct []string) bool {
	if len(selected) == 0 {
		return false
	}

	expected := make(map[string]struct{}, len(correct))
	for _, answer := range correct {
		expected[answer] = struct{}{}
	}
	if len(expected) != len(selected) {
		return false
	}
	for option := range selected {
		if _, ok := expected[option]; !ok {
			return false
		}
	}
	return true
}
