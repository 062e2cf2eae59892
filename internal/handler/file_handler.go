package handler

import (
	"net/url"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-assessment-api/internal/middleware"
	"github.com/noah-isme/gema-assessment-api/internal/models"
	"github.com/noah-isme/gema-assessment-api/internal/service"
	"github.com/noah-isme/gema-assessment-api/internal/utils"
)

// FileHandler stores files and resolves their references to signed URLs.
type FileHandler struct {
	service service.FileService
	logger  zerolog.Logger
}

// NewFileHandler constructs a file handler.
func NewFileHandler(service service.FileService, logger zerolog.Logger) *FileHandler {
	return &FileHandler{
		service: service,
		logger:  logger.With().Str("component", "file_handler").Logger(),
	}
}

// Register wires file routes. uploadLimiter guards the upload route and may be nil.
func (h *FileHandler) Register(router fiber.Router, uploadLimiter fiber.Handler) {
	if uploadLimiter == nil {
		uploadLimiter = func(c *fiber.Ctx) error { return c.Next() }
	}
	authenticated := middleware.AuthOptions{RequireUser: true}

	router.Post("", uploadLimiter, middleware.WithAuth(h.upload, authenticated))
	router.Get("/:reference/url", middleware.WithAuth(h.signedURL, authenticated))
}

func (h *FileHandler) upload(c *fiber.Ctx) error {
	file, err := c.FormFile("file")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "file is required")
	}

	category := models.FileCategory(strings.ToLower(strings.TrimSpace(c.FormValue("category"))))
	if category == "" {
		category = models.FileCategorySubmission
	}
	switch category {
	case models.FileCategoryAssessment, models.FileCategorySubmission, models.FileCategoryFeedback:
	default:
		return utils.SendError(c, fiber.StatusBadRequest, "invalid category")
	}
	// Assessment files are readable by every student.
	if isStudent(c) && category != models.FileCategorySubmission {
		return utils.SendError(c, fiber.StatusForbidden, "students may only upload submission files")
	}

	var uploader *uint
	if id := userIDFromContext(c); id > 0 {
		uploader = &id
	}

	result, err := h.service.Store(c.UserContext(), file, category, uploader)
	if err != nil {
		return h.handleError(c, err)
	}

	return utils.Created(c, "upload successful", result)
}

// References contain slashes, so clients send them path escaped.
func (h *FileHandler) signedURL(c *fiber.Ctx) error {
	reference, err := url.PathUnescape(c.Params("reference"))
	if err != nil || strings.TrimSpace(reference) == "" {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid reference")
	}

	viewer := service.FileViewer{UserID: userIDFromContext(c), Student: isStudent(c)}
	result, err := h.service.ResolveURL(c.UserContext(), reference, viewer)
	if err != nil {
		return h.handleError(c, err)
	}

	return utils.SendSuccess(c, "url signed", result)
}

func (h *FileHandler) handleError(c *fiber.Ctx, err error) error {
	return respondError(c, h.logger, err)
}
