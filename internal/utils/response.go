package utils

import "github.com/gofiber/fiber/v2"

// correlationHeader mirrors middleware.CorrelationHeader; utils sits below
// middleware and cannot import it.
const correlationHeader = "X-Correlation-ID"

// APIResponse is the envelope every endpoint answers with.
type APIResponse struct {
	Success       bool        `json:"success"`
	Data          interface{} `json:"data,omitempty"`
	Message       string      `json:"message"`
	Meta          interface{} `json:"meta,omitempty"`
	Details       interface{} `json:"details,omitempty"`
	CorrelationID string      `json:"correlation_id,omitempty"`
}

// SendSuccess answers 200 with data.
func SendSuccess(c *fiber.Ctx, message string, data interface{}) error {
	return SendSuccessWithStatus(c, fiber.StatusOK, message, data)
}

// Created answers 201 with the stored resource.
func Created(c *fiber.Ctx, message string, data interface{}) error {
	return SendSuccessWithStatus(c, fiber.StatusCreated, message, data)
}

// SendSuccessWithStatus answers with a success envelope and status.
func SendSuccessWithStatus(c *fiber.Ctx, status int, message string, data interface{}) error {
	if status == 0 {
		status = fiber.StatusOK
	}
	return write(c, status, APIResponse{Success: true, Data: data, Message: message})
}

// OK answers 200 with listing metadata such as counts or remaining allocation.
func OK(c *fiber.Ctx, data interface{}, message string, meta interface{}) error {
	return write(c, fiber.StatusOK, APIResponse{Success: true, Data: data, Message: message, Meta: meta})
}

// SendError answers with an error envelope.
func SendError(c *fiber.Ctx, status int, message string) error {
	return Fail(c, status, message, nil)
}

// Fail answers with an error envelope carrying machine readable details, such
// as the failing fields of a validation error. The request correlation id is
// echoed so clients can quote it.
func Fail(c *fiber.Ctx, status int, message string, details interface{}) error {
	if message == "" {
		message = "error"
	}
	return write(c, status, APIResponse{
		Message:       message,
		Details:       details,
		CorrelationID: string(c.Response().Header.Peek(correlationHeader)),
	})
}

func write(c *fiber.Ctx, status int, body APIResponse) error {
	if body.Success && body.Message == "" {
		body.Message = "success"
	}
	return c.Status(status).JSON(body)
}
