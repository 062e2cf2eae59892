package handler

import (
	"errors"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-assessment-api/internal/middleware"
	"github.com/noah-isme/gema-assessment-api/internal/models"
	"github.com/noah-isme/gema-assessment-api/internal/schedule"
	"github.com/noah-isme/gema-assessment-api/internal/scoring"
	"github.com/noah-isme/gema-assessment-api/internal/service"
	"github.com/noah-isme/gema-assessment-api/internal/utils"
	"github.com/noah-isme/gema-assessment-api/internal/workflow"
)

func parseUintParam(c *fiber.Ctx, key string) (uint, error) {
	value := c.Params(key)
	parsed, err := strconv.ParseUint(value, 10, 64)
	if err != nil || parsed == 0 {
		return 0, errors.New("invalid " + key)
	}
	return uint(parsed), nil
}

func parseQueryUint(c *fiber.Ctx, key string) (*uint, error) {
	value := strings.TrimSpace(c.Query(key))
	if value == "" {
		return nil, nil
	}
	parsed, err := strconv.ParseUint(value, 10, 64)
	if err != nil {
		return nil, errors.New("invalid " + key)
	}
	result := uint(parsed)
	return &result, nil
}

func parseFormUint(c *fiber.Ctx, key string) (uint, error) {
	value := strings.TrimSpace(c.FormValue(key))
	if value == "" {
		return 0, nil
	}
	parsed, err := strconv.ParseUint(value, 10, 64)
	if err != nil {
		return 0, errors.New("invalid " + key)
	}
	return uint(parsed), nil
}

func userIDFromContext(c *fiber.Ctx) uint {
	if v := c.Locals("user_id"); v != nil {
		if id, ok := v.(uint); ok {
			return id
		}
		if id, ok := v.(int); ok {
			if id < 0 {
				return 0
			}
			return uint(id)
		}
	}
	return 0
}

func userRoleFromContext(c *fiber.Ctx) string {
	if v := c.Locals("user_role"); v != nil {
		if role, ok := v.(string); ok {
			return strings.ToLower(strings.TrimSpace(role))
		}
	}
	return ""
}

// actorFromContext builds the workflow actor for the authenticated user.
// Admins act with no workflow role and are refused by role guarded actions.
func actorFromContext(c *fiber.Ctx) workflow.Actor {
	role, _ := workflow.ParseRole(userRoleFromContext(c))
	return workflow.Actor{ID: userIDFromContext(c), Role: role}
}

func isStudent(c *fiber.Ctx) bool {
	return userRoleFromContext(c) == string(workflow.RoleStudent)
}

// studentScope resolves whose data the caller may see. Students are pinned to
// themselves; everyone else may name any student.
func studentScope(c *fiber.Ctx, requested uint) (uint, error) {
	if !isStudent(c) {
		return requested, nil
	}
	self := userIDFromContext(c)
	if requested != 0 && requested != self {
		return 0, service.ErrForbidden
	}
	return self, nil
}

func requestLogger(base zerolog.Logger, c *fiber.Ctx) *zerolog.Logger {
	logger := base
	if c != nil {
		if correlation := middleware.GetCorrelationID(c); correlation != "" {
			logger = base.With().Str("correlation_id", correlation).Logger()
		}
	}
	return &logger
}

func validationDetails(err error) []fiber.Map {
	var validationErrors validator.ValidationErrors
	if !errors.As(err, &validationErrors) {
		return nil
	}
	details := make([]fiber.Map, 0, len(validationErrors))
	for _, fieldErr := range validationErrors {
		details = append(details, fiber.Map{
			"field": fieldErr.Field(),
			"rule":  fieldErr.Tag(),
		})
	}
	return details
}

// respondError maps service and domain errors onto HTTP responses. Anything
// unrecognised is logged and reported as a 500.
func respondError(c *fiber.Ctx, logger zerolog.Logger, err error) error {
	var validationErrors validator.ValidationErrors
	switch {
	case errors.As(err, &validationErrors):
		return utils.Fail(c, fiber.StatusBadRequest, "validation failed", validationDetails(err))
	case errors.Is(err, service.ErrAssessmentNotFound),
		errors.Is(err, service.ErrAttemptNotFound),
		errors.Is(err, service.ErrFileNotFound),
		errors.Is(err, service.ErrSessionNotFound):
		return utils.SendError(c, fiber.StatusNotFound, rootMessage(err))
	case errors.Is(err, service.ErrAttemptExists),
		errors.Is(err, service.ErrConcurrentModification),
		errors.Is(err, service.ErrSessionClosed),
		errors.Is(err, workflow.ErrInvalidTransition):
		return utils.SendError(c, fiber.StatusConflict, err.Error())
	case errors.Is(err, workflow.ErrRoleNotPermitted), errors.Is(err, service.ErrForbidden):
		return utils.SendError(c, fiber.StatusForbidden, err.Error())
	case errors.Is(err, schedule.ErrAllocationExceeded),
		errors.Is(err, schedule.ErrMissingEnrollmentDate),
		errors.Is(err, workflow.ErrInvalidGrade),
		errors.Is(err, service.ErrNotTimeBound):
		return utils.SendError(c, fiber.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, service.ErrUploadTooLarge):
		return utils.SendError(c, fiber.StatusRequestEntityTooLarge, err.Error())
	case errors.Is(err, service.ErrValidation),
		errors.Is(err, scoring.ErrMalformedAnswer),
		errors.Is(err, models.ErrInvalidMCQItem),
		errors.Is(err, workflow.ErrInvalidDecision),
		errors.Is(err, workflow.ErrInvalidPayload),
		errors.Is(err, workflow.ErrUnknownAction),
		errors.Is(err, service.ErrFileRequired),
		errors.Is(err, service.ErrUploadTypeNotAllowed),
		errors.Is(err, service.ErrUploadScanFailed):
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	case errors.Is(err, service.ErrDependencyUnavailable):
		requestLogger(logger, c).Warn().Err(err).Msg("dependency unavailable")
		return utils.SendError(c, fiber.StatusServiceUnavailable, "dependency unavailable, retry later")
	default:
		requestLogger(logger, c).Error().Err(err).Msg("internal server error")
		return utils.SendError(c, fiber.StatusInternalServerError, "internal server error")
	}
}

func rootMessage(err error) string {
	for _, sentinel := range []error{service.ErrAssessmentNotFound, service.ErrAttemptNotFound, service.ErrFileNotFound, service.ErrSessionNotFound} {
		if errors.Is(err, sentinel) {
			return sentinel.Error()
		}
	}
	return err.Error()
}
