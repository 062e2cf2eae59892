package service

import "errors"

var (
	// ErrValidation indicates a client-correctable request problem not covered by a more specific error.
	ErrValidation = errors.New("validation failed")
	// ErrAssessmentNotFound indicates an assessment could not be found.
	ErrAssessmentNotFound = errors.New("assessment not found")
	// ErrAttemptNotFound indicates an attempt could not be found.
	ErrAttemptNotFound = errors.New("attempt not found")
	// ErrAttemptExists indicates the student already submitted this assessment.
	ErrAttemptExists = errors.New("attempt already submitted")
	// ErrConcurrentModification indicates another reviewer changed the attempt first. Re-read and retry.
	ErrConcurrentModification = errors.New("attempt was modified concurrently")
	// ErrDependencyUnavailable indicates a collaborator (file storage, enrollment lookup) failed.
	ErrDependencyUnavailable = errors.New("dependency unavailable")
	// ErrNotTimeBound indicates a countdown was requested for an untimed assessment.
	ErrNotTimeBound = errors.New("assessment is not time bound")
	// ErrSessionNotFound indicates no countdown exists for the attempt key.
	ErrSessionNotFound = errors.New("timed session not found")
	// ErrSessionClosed indicates the countdown already expired, stopped or was abandoned.
	ErrSessionClosed = errors.New("timed session closed")
	// ErrForbidden indicates the caller may not act on another user's data.
	ErrForbidden = errors.New("forbidden")
)
