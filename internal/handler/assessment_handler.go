package handler

import (
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-assessment-api/internal/dto"
	"github.com/noah-isme/gema-assessment-api/internal/middleware"
	"github.com/noah-isme/gema-assessment-api/internal/service"
	"github.com/noah-isme/gema-assessment-api/internal/utils"
)

// AssessmentHandler serves assessment definitions, due dates and enrollment records.
type AssessmentHandler struct {
	assessments service.AssessmentService
	attempts    service.AttemptService
	logger      zerolog.Logger
}

// NewAssessmentHandler constructs an assessment handler.
func NewAssessmentHandler(assessments service.AssessmentService, attempts service.AttemptService, logger zerolog.Logger) *AssessmentHandler {
	return &AssessmentHandler{
		assessments: assessments,
		attempts:    attempts,
		logger:      logger.With().Str("component", "assessment_handler").Logger(),
	}
}

// Register wires assessment routes onto the versioned API group.
func (h *AssessmentHandler) Register(router fiber.Router) {
	admin := middleware.AuthOptions{Role: middleware.AuthRoleAdmin}
	authenticated := middleware.AuthOptions{RequireUser: true}

	router.Get("/sections/:id/assessments", middleware.WithAuth(h.listForSection, authenticated))
	router.Post("/assessments", middleware.WithAuth(h.create, admin))
	router.Get("/assessments/:id", middleware.WithAuth(h.get, authenticated))
	router.Get("/assessments/:id/due-date", middleware.WithAuth(h.dueDate, authenticated))
	router.Get("/assessments/:id/attempts/:student_id", middleware.WithAuth(h.lookupAttempt, authenticated))
	router.Put("/enrollments", middleware.WithAuth(h.recordEnrollment, admin))
}

func (h *AssessmentHandler) listForSection(c *fiber.Ctx) error {
	sectionID, err := parseUintParam(c, "id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}

	requested, err := parseQueryUint(c, "student_id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}
	var studentID *uint
	if requested != nil || isStudent(c) {
		var value uint
		if requested != nil {
			value = *requested
		}
		scoped, err := studentScope(c, value)
		if err != nil {
			return h.handleError(c, err)
		}
		studentID = &scoped
	}

	result, err := h.assessments.ListForSection(c.UserContext(), sectionID, studentID, !isStudent(c))
	if err != nil {
		return h.handleError(c, err)
	}

	return utils.OK(c, result, "assessments retrieved", fiber.Map{
		"count":                len(result.Items),
		"remaining_percentage": result.RemainingPercentage,
	})
}

func (h *AssessmentHandler) create(c *fiber.Ctx) error {
	var payload dto.AssessmentCreateRequest
	if err := c.BodyParser(&payload); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid request body")
	}

	assessment, err := h.assessments.Create(c.UserContext(), payload)
	if err != nil {
		return h.handleError(c, err)
	}

	requestLogger(h.logger, c).Info().
		Uint("assessment_id", assessment.ID).
		Uint("section_id", assessment.SectionID).
		Uint("created_by", userIDFromContext(c)).
		Msg("assessment created")

	return utils.Created(c, "assessment created", assessment)
}

func (h *AssessmentHandler) get(c *fiber.Ctx) error {
	id, err := parseUintParam(c, "id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}

	assessment, err := h.assessments.Get(c.UserContext(), id)
	if err != nil {
		return h.handleError(c, err)
	}

	return utils.SendSuccess(c, "assessment retrieved", dto.NewAssessmentResponse(assessment, !isStudent(c)))
}

func (h *AssessmentHandler) dueDate(c *fiber.Ctx) error {
	id, err := parseUintParam(c, "id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}

	requested, err := parseQueryUint(c, "student_id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}
	var value uint
	if requested != nil {
		value = *requested
	}
	studentID, err := studentScope(c, value)
	if err != nil {
		return h.handleError(c, err)
	}
	if studentID == 0 {
		return utils.SendError(c, fiber.StatusBadRequest, "student_id is required")
	}

	due, err := h.assessments.DueDate(c.UserContext(), id, studentID)
	if err != nil {
		return h.handleError(c, err)
	}

	return utils.SendSuccess(c, "due date calculated", due)
}

func (h *AssessmentHandler) lookupAttempt(c *fiber.Ctx) error {
	assessmentID, err := parseUintParam(c, "id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}
	requested, err := parseUintParam(c, "student_id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}
	studentID, err := studentScope(c, requested)
	if err != nil {
		return h.handleError(c, err)
	}

	attempt, err := h.attempts.Lookup(c.UserContext(), assessmentID, studentID)
	if err != nil {
		return h.handleError(c, err)
	}
	if attempt == nil {
		return h.handleError(c, service.ErrAttemptNotFound)
	}

	return utils.SendSuccess(c, "attempt retrieved", attempt)
}

func (h *AssessmentHandler) recordEnrollment(c *fiber.Ctx) error {
	var payload dto.EnrollmentRequest
	if err := c.BodyParser(&payload); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid request body")
	}

	if err := h.assessments.RecordEnrollment(c.UserContext(), payload); err != nil {
		return h.handleError(c, err)
	}

	return utils.SendSuccess(c, "enrollment recorded", payload)
}

func (h *AssessmentHandler) handleError(c *fiber.Ctx, err error) error {
	return respondError(c, h.logger, err)
}
