package handler

import (
	"mime/multipart"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-assessment-api/internal/dto"
	"github.com/noah-isme/gema-assessment-api/internal/middleware"
	"github.com/noah-isme/gema-assessment-api/internal/service"
	"github.com/noah-isme/gema-assessment-api/internal/utils"
)

// AttemptHandler exposes submission and review endpoints.
type AttemptHandler struct {
	service service.AttemptService
	logger  zerolog.Logger
}

// NewAttemptHandler builds an attempt handler instance.
func NewAttemptHandler(service service.AttemptService, logger zerolog.Logger) *AttemptHandler {
	return &AttemptHandler{
		service: service,
		logger:  logger.With().Str("component", "attempt_handler").Logger(),
	}
}

// Register attaches the routes to the provided router group. submitLimiter
// guards the create route and may be nil.
func (h *AttemptHandler) Register(router fiber.Router, submitLimiter fiber.Handler) {
	if submitLimiter == nil {
		submitLimiter = func(c *fiber.Ctx) error { return c.Next() }
	}

	reviewer := middleware.AuthOptions{Role: middleware.AuthRoleReviewer}

	router.Post("", submitLimiter, middleware.WithAuth(h.create, middleware.AuthOptions{Role: middleware.AuthRoleStudent}))
	router.Get("", middleware.WithAuth(h.list, reviewer))
	router.Get("/:id", middleware.WithAuth(h.get, middleware.AuthOptions{RequireUser: true}))
	router.Patch("/:id/status", middleware.WithAuth(h.transition, reviewer))
	router.Post("/:id/grade", middleware.WithAuth(h.grade, reviewer))
	router.Post("/:id/feedback", middleware.WithAuth(h.feedback, reviewer))
}

func (h *AttemptHandler) create(c *fiber.Ctx) error {
	var (
		payload dto.AttemptCreateRequest
		file    *multipart.FileHeader
		err     error
	)

	if isMultipart(c) {
		if payload.AssessmentID, err = parseFormUint(c, "assessment_id"); err != nil {
			return utils.SendError(c, fiber.StatusBadRequest, err.Error())
		}
		if payload.StudentID, err = parseFormUint(c, "student_id"); err != nil {
			return utils.SendError(c, fiber.StatusBadRequest, err.Error())
		}
		payload.SubmittedFile = strings.TrimSpace(c.FormValue("submitted_file"))
		if form, formErr := c.MultipartForm(); formErr == nil {
			payload.Answers = form.Value["answers"]
			if files := form.File["file"]; len(files) > 0 {
				file = files[0]
			}
		}
	} else if err := c.BodyParser(&payload); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid request body")
	}

	if payload.StudentID == 0 {
		payload.StudentID = userIDFromContext(c)
	}

	attempt, err := h.service.Submit(c.UserContext(), actorFromContext(c), payload, file)
	if err != nil {
		return h.handleError(c, err)
	}

	return utils.Created(c, "attempt submitted", attempt)
}

func (h *AttemptHandler) list(c *fiber.Ctx) error {
	var (
		filter dto.AttemptFilter
		err    error
	)
	if filter.AssessmentID, err = parseQueryUint(c, "assessment_id"); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}
	if filter.StudentID, err = parseQueryUint(c, "student_id"); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}
	if status := strings.ToUpper(strings.TrimSpace(c.Query("status"))); status != "" {
		filter.Status = &status
	}

	attempts, err := h.service.List(c.UserContext(), filter)
	if err != nil {
		return h.handleError(c, err)
	}

	return utils.OK(c, attempts, "attempts retrieved", fiber.Map{"count": len(attempts)})
}

func (h *AttemptHandler) get(c *fiber.Ctx) error {
	id, err := parseUintParam(c, "id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}

	attempt, err := h.service.Get(c.UserContext(), id)
	if err != nil {
		return h.handleError(c, err)
	}
	if _, err := studentScope(c, attempt.StudentID); err != nil {
		return h.handleError(c, err)
	}

	return utils.SendSuccess(c, "attempt retrieved", attempt)
}

func (h *AttemptHandler) transition(c *fiber.Ctx) error {
	id, err := parseUintParam(c, "id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}

	var payload dto.AttemptActionRequest
	if err := c.BodyParser(&payload); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid request body")
	}
	payload.Action = strings.ToLower(strings.TrimSpace(payload.Action))
	payload.Decision = strings.ToUpper(strings.TrimSpace(payload.Decision))

	attempt, err := h.service.Apply(c.UserContext(), id, actorFromContext(c), payload)
	if err != nil {
		return h.handleError(c, err)
	}

	return utils.SendSuccess(c, "attempt updated", attempt)
}

func (h *AttemptHandler) grade(c *fiber.Ctx) error {
	id, err := parseUintParam(c, "id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}

	var payload dto.GradeRequest
	if err := c.BodyParser(&payload); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid request body")
	}

	attempt, err := h.service.Grade(c.UserContext(), id, actorFromContext(c), payload)
	if err != nil {
		return h.handleError(c, err)
	}

	return utils.SendSuccess(c, "attempt graded", attempt)
}

func (h *AttemptHandler) feedback(c *fiber.Ctx) error {
	id, err := parseUintParam(c, "id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}

	var payload dto.FeedbackRequest
	if err := c.BodyParser(&payload); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid request body")
	}

	var file *multipart.FileHeader
	if isMultipart(c) {
		if header, err := c.FormFile("file"); err == nil {
			file = header
		}
	}

	attempt, err := h.service.UploadFeedback(c.UserContext(), id, actorFromContext(c), payload, file)
	if err != nil {
		return h.handleError(c, err)
	}

	return utils.SendSuccess(c, "feedback attached", attempt)
}

func (h *AttemptHandler) handleError(c *fiber.Ctx, err error) error {
	return respondError(c, h.logger, err)
}

func isMultipart(c *fiber.Ctx) bool {
	return strings.HasPrefix(string(c.Request().Header.ContentType()), fiber.MIMEMultipartForm)
}
