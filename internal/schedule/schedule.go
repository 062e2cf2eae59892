// Package schedule derives assessment due dates and section weight allocation.
package schedule

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// MaxSectionPercentage is the total weight available to the assessments of one section.
const MaxSectionPercentage = 100.0

const allocationEpsilon = 1e-9

var (
	// ErrMissingEnrollmentDate indicates the student's enrollment date is unknown.
	ErrMissingEnrollmentDate = errors.New("enrollment date missing")
	// ErrAllocationExceeded indicates the requested weight exceeds what remains in the section.
	ErrAllocationExceeded = errors.New("percentage exceeds remaining allocation")
	// ErrInvalidPercentage indicates a negative or non-finite weight.
	ErrInvalidPercentage = errors.New("invalid percentage")
)

// DueDate returns the enrollment date plus the assessment interval in days.
func DueDate(enrolledAt *time.Time, intervalDays int) (time.Time, error) {
	if enrolledAt == nil || enrolledAt.IsZero() {
		return time.Time{}, ErrMissingEnrollmentDate
	}
	return enrolledAt.AddDate(0, 0, intervalDays), nil
}

// DaysRemaining counts whole calendar days from now until due, in UTC.
func DaysRemaining(due, now time.Time) int {
	dueDay := truncateDay(due)
	today := truncateDay(now)
	return int(dueDay.Sub(today).Hours() / 24)
}

// Status labels a due date relative to now.
func Status(due, now time.Time) string {
	days := DaysRemaining(due, now)
	switch {
	case days < 0:
		return "Overdue"
	case days == 0:
		return "Due Today"
	default:
		return fmt.Sprintf("Due in %d days", days)
	}
}

// RemainingPercentage returns the weight still available in a section.
func RemainingPercentage(existing []float64) float64 {
	used := 0.0
	for _, p := range existing {
		used += p
	}
	return MaxSectionPercentage - used
}

// CheckAllocation rejects a requested weight that does not fit in the remaining allocation.
func CheckAllocation(existing []float64, requested float64) error {
	if requested < 0 || math.IsNaN(requested) || requested > MaxSectionPercentage {
		return fmt.Errorf("%w: %v", ErrInvalidPercentage, requested)
	}

	remaining := RemainingPercentage(existing)
	if requested > remaining+allocationEpsilon {
		return fmt.Errorf("%w: requested %.2f, remaining %.2f", ErrAllocationExceeded, requested, remaining)
	}
	return nil
}

func truncateDay(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}
