package handler

import (
	"database/sql"

	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus"

	"lorahub/internal/http/middleware"
	"lorahub/internal/service"
)

// RegisterRoutes attaches the admin API to app.
func RegisterRoutes(app *fiber.App, db *sql.DB, devs Devices, events service.HMIEventService, gatherer prometheus.Gatherer) {
	app.Get("/docs", DocsPage())

	app.Get("/health", HealthCheck(db))
	app.Get("/healthz", LivenessProbe())
	app.Get(middleware.MetricsPath, Metrics(gatherer))

	app.Get("/devices", ListDevices(devs))
	app.Post("/devices/:id/telemetry", EnqueueTelemetry(devs))

	app.Get("/hmi/events", ListHMIEvents(events))
}
