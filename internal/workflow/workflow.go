// Package workflow implements the assessor, moderator and verifier review
// pipeline an attempt moves through after submission.
package workflow

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"gorm.io/datatypes"

	"github.com/noah-isme/gema-assessment-api/internal/models"
)

// Role identifies who performs an action.
type Role string

const (
	RoleStudent   Role = "student"
	RoleAssessor  Role = "assessor"
	RoleModerator Role = "moderator"
	RoleVerifier  Role = "verifier"
)

// ParseRole normalises a role string. Unknown roles return false.
func ParseRole(value string) (Role, bool) {
	role := Role(strings.ToLower(strings.TrimSpace(value)))
	switch role {
	case RoleStudent, RoleAssessor, RoleModerator, RoleVerifier:
		return role, true
	}
	return "", false
}

// Action is a review step requested against an attempt.
type Action string

const (
	ActionSubmit               Action = "submit"
	ActionStartPlagiarismCheck Action = "start_plagiarism_check"
	ActionStartMarking         Action = "start_marking"
	ActionGrade                Action = "grade"
	ActionUploadFeedback       Action = "upload_feedback"
	ActionSubmitForModeration  Action = "submit_for_moderation"
	ActionModerate             Action = "moderate"
	ActionVerify               Action = "verify"
)

// ReviewActions lists the actions accepted by Apply, in pipeline order.
var ReviewActions = []Action{
	ActionStartPlagiarismCheck,
	ActionStartMarking,
	ActionGrade,
	ActionUploadFeedback,
	ActionSubmitForModeration,
	ActionModerate,
	ActionVerify,
}

var (
	// ErrInvalidTransition indicates the action is not allowed from the current state or its guard failed.
	ErrInvalidTransition = errors.New("invalid transition")
	// ErrInvalidGrade indicates obtained marks outside [0, total marks].
	ErrInvalidGrade = errors.New("invalid grade")
	// ErrRoleNotPermitted indicates the actor's role may not perform the action.
	ErrRoleNotPermitted = errors.New("role not permitted for action")
	// ErrInvalidDecision indicates a missing or unknown reviewer verdict.
	ErrInvalidDecision = errors.New("invalid decision")
	// ErrInvalidPayload indicates the action payload is incomplete.
	ErrInvalidPayload = errors.New("invalid action payload")
	// ErrUnknownAction indicates the action name is not recognised.
	ErrUnknownAction = errors.New("unknown action")
)

// Actor is the authenticated user performing an action.
type Actor struct {
	ID   uint
	Role Role
}

// Payload carries the role specific inputs of an action.
type Payload struct {
	ObtainedMarks *float64
	FeedbackFile  string
	Decision      models.DecisionStatus
	Comments      string
}

// Options tunes product decisions that are not settled yet.
type Options struct {
	// RequireModeratorApproval makes the verifier's SATISFIED verdict grade an
	// attempt only after the moderator was satisfied in the same review round.
	RequireModeratorApproval bool
}

type rule struct {
	role Role
	from []models.AttemptStatus
}

var rules = map[Action]rule{
	ActionStartPlagiarismCheck: {role: RoleAssessor, from: []models.AttemptStatus{models.AttemptStatusSubmitted}},
	ActionStartMarking:         {role: RoleAssessor, from: []models.AttemptStatus{models.AttemptStatusPlagiarismCheck}},
	ActionGrade:                {role: RoleAssessor, from: []models.AttemptStatus{models.AttemptStatusMarking, models.AttemptStatusMarkingRevision}},
	ActionUploadFeedback:       {role: RoleAssessor, from: []models.AttemptStatus{models.AttemptStatusMarking, models.AttemptStatusMarkingRevision}},
	ActionSubmitForModeration:  {role: RoleAssessor, from: []models.AttemptStatus{models.AttemptStatusMarking, models.AttemptStatusMarkingRevision}},
	ActionModerate:             {role: RoleModerator, from: []models.AttemptStatus{models.AttemptStatusMarked}},
	ActionVerify:               {role: RoleVerifier, from: []models.AttemptStatus{models.AttemptStatusMarked}},
}

// RoleFor returns the role allowed to perform an action.
func RoleFor(action Action) (Role, bool) {
	if action == ActionSubmit {
		return RoleStudent, true
	}
	r, ok := rules[action]
	return r.role, ok
}

// AllowedActions lists the review actions whose source state matches status.
// Guards on marks, feedback and decisions are not evaluated.
func AllowedActions(status models.AttemptStatus) []Action {
	allowed := make([]Action, 0, 2)
	for _, action := range ReviewActions {
		for _, from := range rules[action].from {
			if from == status {
				allowed = append(allowed, action)
				break
			}
		}
	}
	return allowed
}

// Engine applies review actions to attempts. It holds no attempt state.
type Engine struct {
	opts Options
	now  func() time.Time
}

// NewEngine builds an engine. A nil clock defaults to time.Now.
func NewEngine(opts Options, now func() time.Time) *Engine {
	if now == nil {
		now = time.Now
	}
	return &Engine{opts: opts, now: now}
}

// Options returns the engine configuration.
func (e *Engine) Options() Options {
	return e.opts
}

// Submit prepares a freshly created attempt and its first history entry.
func (e *Engine) Submit(attempt models.Attempt, actor Actor) (models.Attempt, models.AttemptStatusHistory, error) {
	if actor.Role != RoleStudent {
		return attempt, models.AttemptStatusHistory{}, fmt.Errorf("%w: %s cannot %s", ErrRoleNotPermitted, actor.Role, ActionSubmit)
	}
	if actor.ID != attempt.StudentID {
		return attempt, models.AttemptStatusHistory{}, fmt.Errorf("%w: students submit only their own attempt", ErrRoleNotPermitted)
	}

	now := e.now().UTC()
	attempt.Status = models.AttemptStatusSubmitted
	attempt.SubmittedAt = now
	attempt.Version = 1

	entry := models.AttemptStatusHistory{
		Status:        models.AttemptStatusSubmitted,
		Action:        string(ActionSubmit),
		ChangedBy:     actor.ID,
		ChangedByRole: string(actor.Role),
		CreatedAt:     now,
	}
	return attempt, entry, nil
}

// Apply runs a review action against attempt and returns the updated copy with
// the history entry to append. On error the returned attempt is unchanged.
func (e *Engine) Apply(attempt models.Attempt, totalMarks float64, actor Actor, action Action, payload Payload) (models.Attempt, models.AttemptStatusHistory, error) {
	original := attempt

	r, ok := rules[action]
	if !ok {
		return original, models.AttemptStatusHistory{}, fmt.Errorf("%w: %q", ErrUnknownAction, action)
	}
	if actor.Role != r.role {
		return original, models.AttemptStatusHistory{}, fmt.Errorf("%w: %s cannot %s", ErrRoleNotPermitted, actor.Role, action)
	}
	if !containsStatus(r.from, attempt.Status) {
		return original, models.AttemptStatusHistory{}, fmt.Errorf("%w: %s not allowed from %s", ErrInvalidTransition, action, attempt.Status)
	}

	now := e.now().UTC()
	comments := strings.TrimSpace(payload.Comments)
	previousMarks, previousFeedback := attempt.ObtainedMarks, attempt.FeedbackFile

	entry := models.AttemptStatusHistory{
		AttemptID:     attempt.ID,
		Action:        string(action),
		Comments:      comments,
		ChangedBy:     actor.ID,
		ChangedByRole: string(actor.Role),
		CreatedAt:     now,
	}

	switch action {
	case ActionStartPlagiarismCheck:
		attempt.Status = models.AttemptStatusPlagiarismCheck

	case ActionStartMarking:
		attempt.Status = models.AttemptStatusMarking

	case ActionGrade:
		if err := checkGrade(payload.ObtainedMarks, totalMarks); err != nil {
			return original, models.AttemptStatusHistory{}, err
		}
		marks := *payload.ObtainedMarks
		attempt.ObtainedMarks = &marks

	case ActionUploadFeedback:
		if attempt.ObtainedMarks == nil {
			return original, models.AttemptStatusHistory{}, fmt.Errorf("%w: feedback requires obtained marks", ErrInvalidTransition)
		}
		reference := strings.TrimSpace(payload.FeedbackFile)
		if reference == "" {
			return original, models.AttemptStatusHistory{}, fmt.Errorf("%w: feedback file is required", ErrInvalidPayload)
		}
		attempt.FeedbackFile = reference

	case ActionSubmitForModeration:
		if attempt.ObtainedMarks == nil || attempt.FeedbackFile == "" {
			return original, models.AttemptStatusHistory{}, fmt.Errorf("%w: obtained marks and feedback file are required", ErrInvalidTransition)
		}
		attempt.Status = models.AttemptStatusMarked
		attempt.AssessorDecision = decision(models.DecisionSatisfied, comments, actor.ID, now)
		attempt.ModeratorDecision = datatypes.NewJSONType(models.Decision{})
		attempt.VerifierDecision = datatypes.NewJSONType(models.Decision{})
		entry.Decision = models.DecisionSatisfied

	case ActionModerate:
		if !payload.Decision.Valid() {
			return original, models.AttemptStatusHistory{}, fmt.Errorf("%w: %q", ErrInvalidDecision, payload.Decision)
		}
		if !attempt.ModeratorDecision.Data().IsZero() {
			return original, models.AttemptStatusHistory{}, fmt.Errorf("%w: moderator already decided this round", ErrInvalidTransition)
		}
		attempt.ModeratorDecision = decision(payload.Decision, comments, actor.ID, now)
		entry.Decision = payload.Decision
		if payload.Decision == models.DecisionNotSatisfied {
			sendBackForRevision(&attempt)
		}

	case ActionVerify:
		if !payload.Decision.Valid() {
			return original, models.AttemptStatusHistory{}, fmt.Errorf("%w: %q", ErrInvalidDecision, payload.Decision)
		}
		if payload.Decision == models.DecisionSatisfied && e.opts.RequireModeratorApproval &&
			attempt.ModeratorDecision.Data().Status != models.DecisionSatisfied {
			return original, models.AttemptStatusHistory{}, fmt.Errorf("%w: moderator approval pending", ErrInvalidTransition)
		}
		attempt.VerifierDecision = decision(payload.Decision, comments, actor.ID, now)
		entry.Decision = payload.Decision
		if payload.Decision == models.DecisionSatisfied {
			attempt.Status = models.AttemptStatusGraded
		} else {
			sendBackForRevision(&attempt)
		}
	}

	entry.Status = attempt.Status
	entry.ObtainedMarks = copyMarks(attempt.ObtainedMarks)
	entry.FeedbackFile = attempt.FeedbackFile
	if entry.Decision == models.DecisionNotSatisfied {
		entry.ObtainedMarks = copyMarks(previousMarks)
		entry.FeedbackFile = previousFeedback
	}

	return attempt, entry, nil
}

// sendBackForRevision clears the assessor's work so it must be redone. The
// previous values survive in the history entry.
func sendBackForRevision(attempt *models.Attempt) {
	attempt.Status = models.AttemptStatusMarkingRevision
	attempt.ObtainedMarks = nil
	attempt.FeedbackFile = ""
}

func checkGrade(marks *float64, totalMarks float64) error {
	if marks == nil {
		return fmt.Errorf("%w: obtained marks are required", ErrInvalidGrade)
	}
	value := *marks
	if math.IsNaN(value) || math.IsInf(value, 0) || value < 0 || value > totalMarks {
		return fmt.Errorf("%w: %v outside [0, %v]", ErrInvalidGrade, value, totalMarks)
	}
	return nil
}

func decision(status models.DecisionStatus, comments string, actorID uint, at time.Time) datatypes.JSONType[models.Decision] {
	ts := at
	return datatypes.NewJSONType(models.Decision{
		Status:    status,
		Comments:  comments,
		DecidedBy: actorID,
		Timestamp: &ts,
	})
}

func containsStatus(list []models.AttemptStatus, status models.AttemptStatus) bool {
	for _, s := range list {
		if s == status {
			return true
		}
	}
	return false
}

func copyMarks(marks *float64) *float64 {
	if marks == nil {
		return nil
	}
	v := *marks
	return &v
}
