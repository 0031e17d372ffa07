package handler

import (
	"errors"

	"github.com/gofiber/fiber/v2"

	"lorahub/internal/runner"
	"lorahub/internal/telemetry"
)

// Devices is the part of the gateway the admin API reads and feeds.
type Devices interface {
	Statuses() []runner.Status
	Runner(deviceID string) (*runner.Runner, bool)
}

type devicesResponse struct {
	Devices []runner.Status `json:"devices"`
}

type enqueueResponse struct {
	DeviceID   string `json:"device_id"`
	Queued     bool   `json:"queued"`
	QueueDepth int    `json:"queue_depth"`
}

// ListDevices returns the status of every runner.
//
//	@Summary	List device runners
//	@Tags		devices
//	@Produce	json
//	@Success	200	{object}	devicesResponse
//	@Router		/devices [get]
func ListDevices(devs Devices) fiber.Handler {
	return func(c *fiber.Ctx) error {
		return c.JSON(devicesResponse{Devices: devs.Statuses()})
	}
}

// EnqueueTelemetry queues a raw reading posted as a JSON object. The
// request never waits for queue room: a full queue answers 503.
//
//	@Summary	Queue a raw reading
//	@Tags		devices
//	@Accept		json
//	@Produce	json
//	@Param		id		path		string	true	"Device ID"
//	@Param		reading	body		object	true	"Raw reading"
//	@Success	202		{object}	enqueueResponse
//	@Failure	400		{object}	errorPayload
//	@Failure	404		{object}	errorPayload
//	@Failure	503		{object}	errorPayload
//	@Router		/devices/{id}/telemetry [post]
func EnqueueTelemetry(devs Devices) fiber.Handler {
	return func(c *fiber.Ctx) error {
		id := c.Params("id")
		r, ok := devs.Runner(id)
		if !ok {
			return writeError(c, fiber.StatusNotFound, "NOT_FOUND", "device not found")
		}

		raw, err := telemetry.ParseReading(c.Body())
		if err != nil {
			return writeError(c, fiber.StatusBadRequest, "INVALID_JSON", "body must be a JSON object")
		}

		if err := r.TryEnqueue(raw); err != nil {
			if errors.Is(err, runner.ErrQueueFull) {
				return writeError(c, fiber.StatusServiceUnavailable, "QUEUE_FULL", "device queue is full")
			}
			return writeError(c, fiber.StatusInternalServerError, "INTERNAL_ERROR", "internal server error")
		}

		return c.Status(fiber.StatusAccepted).JSON(enqueueResponse{
			DeviceID:   id,
			Queued:     true,
			QueueDepth: r.Status().QueueDepth,
		})
	}
}
