package handler

import (
	"strconv"

	"github.com/gofiber/fiber/v2"

	"lorahub/internal/model"
	"lorahub/internal/service"
)

type eventsResponse struct {
	Events []model.HMIEvent `json:"events"`
}

// ListHMIEvents returns recent HMI commands, newest first. The optional
// method query filters by command and limit bounds the result.
//
//	@Summary	List HMI events
//	@Tags		hmi
//	@Produce	json
//	@Param		method	query		string	false	"HMI method"
//	@Param		limit	query		int		false	"Maximum number of events"	minimum(1)
//	@Success	200		{object}	eventsResponse
//	@Failure	400		{object}	errorPayload
//	@Failure	500		{object}	errorPayload
//	@Router		/hmi/events [get]
func ListHMIEvents(svc service.HMIEventService) fiber.Handler {
	return func(c *fiber.Ctx) error {
		limit := service.DefaultListLimit
		if s := c.Query("limit"); s != "" {
			n, err := strconv.Atoi(s)
			if err != nil || n < 1 {
				return writeError(c, fiber.StatusBadRequest, "INVALID_LIMIT", "invalid limit")
			}
			limit = n
		}

		events, err := svc.List(c.UserContext(), c.Query("method"), limit)
		if err != nil {
			return writeError(c, fiber.StatusInternalServerError, "INTERNAL_ERROR", "internal server error")
		}
		if events == nil {
			events = []model.HMIEvent{}
		}
		return c.JSON(eventsResponse{Events: events})
	}
}
