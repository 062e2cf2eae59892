package handler

import (
	"context"
	"errors"
	"strconv"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-assessment-api/internal/dto"
	"github.com/noah-isme/gema-assessment-api/internal/middleware"
	"github.com/noah-isme/gema-assessment-api/internal/observability"
	"github.com/noah-isme/gema-assessment-api/internal/service"
	"github.com/noah-isme/gema-assessment-api/internal/utils"
)

const countdownBuffer = 8

// SessionHandler drives timed attempt countdowns for students.
type SessionHandler struct {
	service service.TimedSessionService
	logger  zerolog.Logger
}

// NewSessionHandler constructs a session handler.
func NewSessionHandler(service service.TimedSessionService, logger zerolog.Logger) *SessionHandler {
	return &SessionHandler{
		service: service,
		logger:  logger.With().Str("component", "session_handler").Logger(),
	}
}

// Register wires the REST session routes onto the versioned API group.
func (h *SessionHandler) Register(router fiber.Router) {
	student := middleware.AuthOptions{Role: middleware.AuthRoleStudent}

	router.Post("/assessments/:id/session", middleware.WithAuth(h.open, student))
	router.Post("/assessments/:id/session/start", middleware.WithAuth(h.start, student))
	router.Put("/assessments/:id/session/draft", middleware.WithAuth(h.saveDraft, student))
	router.Get("/assessments/:id/session", middleware.WithAuth(h.get, student))
	router.Delete("/assessments/:id/session", middleware.WithAuth(h.abandon, student))
}

// RegisterWebsocket wires the countdown stream. The router must already be
// restricted to authenticated students.
func (h *SessionHandler) RegisterWebsocket(router fiber.Router) {
	router.Use("/assessments/:id/session", func(c *fiber.Ctx) error {
		if !websocket.IsWebSocketUpgrade(c) {
			return fiber.ErrUpgradeRequired
		}
		return c.Next()
	})
	router.Get("/assessments/:id/session", websocket.New(h.stream))
}

func (h *SessionHandler) open(c *fiber.Ctx) error {
	return h.respond(c, "session opened", h.service.Open)
}

func (h *SessionHandler) start(c *fiber.Ctx) error {
	return h.respond(c, "session started", h.service.Start)
}

func (h *SessionHandler) get(c *fiber.Ctx) error {
	return h.respond(c, "session retrieved", h.service.Get)
}

func (h *SessionHandler) abandon(c *fiber.Ctx) error {
	return h.respond(c, "session abandoned", h.service.Abandon)
}

func (h *SessionHandler) saveDraft(c *fiber.Ctx) error {
	assessmentID, err := parseUintParam(c, "id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}

	var payload dto.SessionDraftRequest
	if err := c.BodyParser(&payload); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid request body")
	}

	session, err := h.service.SaveDraft(c.UserContext(), assessmentID, userIDFromContext(c), payload)
	if err != nil {
		return h.handleError(c, err)
	}

	return utils.SendSuccess(c, "draft saved", session)
}

type sessionOperation func(ctx context.Context, assessmentID, studentID uint) (dto.SessionResponse, error)

func (h *SessionHandler) respond(c *fiber.Ctx, message string, op sessionOperation) error {
	assessmentID, err := parseUintParam(c, "id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}

	session, err := op(c.UserContext(), assessmentID, userIDFromContext(c))
	if err != nil {
		return h.handleError(c, err)
	}

	return utils.SendSuccess(c, message, session)
}

func (h *SessionHandler) stream(conn *websocket.Conn) {
	defer conn.Close()

	studentID, _ := conn.Locals("user_id").(uint)
	assessmentID, err := strconv.ParseUint(conn.Params("id"), 10, 64)
	if err != nil || assessmentID == 0 || studentID == 0 {
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "invalid session"))
		return
	}

	ticks, unsubscribe, err := h.service.Subscribe(uint(assessmentID), studentID, countdownBuffer)
	if err != nil {
		reason := "session unavailable"
		if errors.Is(err, service.ErrSessionNotFound) {
			reason = "session not found"
		}
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason))
		return
	}
	defer unsubscribe()

	observability.CountdownClients().Inc()
	defer observability.CountdownClients().Dec()

	logger := h.logger.With().Uint64("assessment_id", assessmentID).Uint("student_id", studentID).Logger()
	logger.Debug().Msg("countdown stream opened")

	// The client sends nothing; reading only detects that it went away.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case tick, ok := <-ticks:
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session closed"))
				logger.Debug().Msg("countdown stream finished")
				return
			}
			if err := conn.WriteJSON(tick); err != nil {
				logger.Debug().Err(err).Msg("countdown write failed")
				return
			}
		case <-gone:
			logger.Debug().Msg("countdown client disconnected")
			return
		}
	}
}

func (h *SessionHandler) handleError(c *fiber.Ctx, err error) error {
	return respondError(c, h.logger, err)
}
