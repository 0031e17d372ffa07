package handler

import (
	"errors"

	"github.com/gofiber/fiber/v2"

	"lorahub/internal/http/middleware"
)

// errorPayload defines the standardized error response body.
type errorPayload struct {
	RequestID string        `json:"request_id"`
	Error     errorEnvelope `json:"error"`
}

type errorEnvelope struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// writeError writes a standardized JSON error response. The message must
// be safe to show to a client; internal error text never goes here.
func writeError(c *fiber.Ctx, status int, code, message string) error {
	return c.Status(status).JSON(errorPayload{
		RequestID: middleware.RequestIDFrom(c),
		Error: errorEnvelope{
			Code:    code,
			Message: message,
		},
	})
}

// statusCodes maps framework errors to envelope codes. Anything else is
// reported as INTERNAL_ERROR.
var statusCodes = map[int]errorEnvelope{
	fiber.StatusBadRequest:            {"BAD_REQUEST", "bad request"},
	fiber.StatusNotFound:              {"NOT_FOUND", "resource not found"},
	fiber.StatusMethodNotAllowed:      {"METHOD_NOT_ALLOWED", "method not allowed"},
	fiber.StatusRequestEntityTooLarge: {"PAYLOAD_TOO_LARGE", "request body too large"},
	fiber.StatusServiceUnavailable:    {"SERVICE_UNAVAILABLE", "service unavailable"},
}

// ErrorHandler is the app-wide Fiber error handler. Handlers that return an
// error instead of calling writeError end up here.
func ErrorHandler() fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		status := fiber.StatusInternalServerError
		var fe *fiber.Error
		if errors.As(err, &fe) {
			status = fe.Code
		}

		env, ok := statusCodes[status]
		if !ok {
			env = errorEnvelope{"INTERNAL_ERROR", "internal server error"}
		}
		return writeError(c, status, env.Code, env.Message)
	}
}
