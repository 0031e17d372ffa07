package handler

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"lorahub/internal/device"
	"lorahub/internal/http/middleware"
	connMocks "lorahub/internal/iothub/mocks"
	"lorahub/internal/logger"
	"lorahub/internal/model"
	"lorahub/internal/runner"
	serviceMocks "lorahub/internal/service/mocks"
)

type fakeDevices struct {
	runners []*runner.Runner
}

func (f *fakeDevices) Statuses() []runner.Status {
	out := make([]runner.Status, 0, len(f.runners))
	for _, r := range f.runners {
		out = append(out, r.Status())
	}
	return out
}

func (f *fakeDevices) Runner(id string) (*runner.Runner, bool) {
	for _, r := range f.runners {
		if r.DeviceID() == id {
			return r, true
		}
	}
	return nil, false
}

func newDevices(ids ...string) *fakeDevices {
	f := &fakeDevices{}
	for _, id := range ids {
		f.runners = append(f.runners, runner.New(
			device.Device{ID: id, NValves: 1},
			&connMocks.FakeConn{},
			runner.WithLogger(logger.Discard()),
		))
	}
	return f
}

func TestHealthCheck(t *testing.T) {
	db, dbMock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	defer db.Close()

	app := fiber.New()
	app.Use(middleware.RequestID())
	app.Get("/health", HealthCheck(db))

	t.Run("healthy", func(t *testing.T) {
		dbMock.ExpectPing().WillReturnError(nil)

		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		resp, _ := app.Test(req)

		assert.Equal(t, http.StatusOK, resp.StatusCode)

		var body map[string]string
		json.NewDecoder(resp.Body).Decode(&body)
		assert.Equal(t, "healthy", body["status"])
	})

	t.Run("unhealthy", func(t *testing.T) {
		dbMock.ExpectPing().WillReturnError(errors.New("db error"))

		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		req.Header.Set(middleware.RequestIDHeader, "rid-1")
		resp, _ := app.Test(req)

		assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

		var body errorPayload
		json.NewDecoder(resp.Body).Decode(&body)
		assert.Equal(t, "SERVICE_UNAVAILABLE", body.Error.Code)
		assert.Equal(t, "rid-1", body.RequestID)
	})
}

func TestLivenessProbe(t *testing.T) {
	app := fiber.New()
	app.Get("/healthz", LivenessProbe())

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	resp, _ := app.Test(req)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: "lorahub_test_total", Help: "test counter"})
	reg.MustRegister(c)
	c.Add(3)

	app := fiber.New()
	app.Get("/metrics", Metrics(reg))

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	body, _ := io.ReadAll(resp.Body)
	assert.Contains(t, string(body), "lorahub_test_total 3")
}

func TestListDevices(t *testing.T) {
	devs := newDevices("unit-1", "unit-2")
	app := fiber.New()
	app.Get("/devices", ListDevices(devs))

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/devices", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Devices []runner.Status `json:"devices"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Len(t, body.Devices, 2)
	assert.Equal(t, "unit-1", body.Devices[0].DeviceID)
	assert.Equal(t, "unit-2", body.Devices[1].DeviceID)
	assert.False(t, body.Devices[0].Connected)
	assert.Equal(t, runner.QueueCapacity, body.Devices[0].QueueCapacity)
}

func TestEnqueueTelemetry(t *testing.T) {
	devs := newDevices("unit-1")
	app := fiber.New()
	app.Post("/devices/:id/telemetry", EnqueueTelemetry(devs))

	post := func(id, body string) *http.Response {
		req := httptest.NewRequest(http.MethodPost, "/devices/"+id+"/telemetry", strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		resp, err := app.Test(req)
		require.NoError(t, err)
		return resp
	}

	t.Run("accepted", func(t *testing.T) {
		resp := post("unit-1", `{"Bomba": {"Estado": 1}}`)
		assert.Equal(t, http.StatusAccepted, resp.StatusCode)

		var body map[string]any
		json.NewDecoder(resp.Body).Decode(&body)
		assert.Equal(t, "unit-1", body["device_id"])
		assert.Equal(t, float64(1), body["queue_depth"])
	})

	t.Run("unknown device", func(t *testing.T) {
		resp := post("nope", `{}`)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)

		var body errorPayload
		json.NewDecoder(resp.Body).Decode(&body)
		assert.Equal(t, "NOT_FOUND", body.Error.Code)
	})

	t.Run("invalid json", func(t *testing.T) {
		resp := post("unit-1", `{"Bomba":`)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

		var body errorPayload
		json.NewDecoder(resp.Body).Decode(&body)
		assert.Equal(t, "INVALID_JSON", body.Error.Code)
	})

	t.Run("non-object json", func(t *testing.T) {
		resp := post("unit-1", `[1, 2]`)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("queue full", func(t *testing.T) {
		r, _ := devs.Runner("unit-1")
		for r.Status().QueueDepth < runner.QueueCapacity {
			require.NoError(t, r.TryEnqueue(model.Reading{}))
		}

		resp := post("unit-1", `{}`)
		assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

		var body errorPayload
		json.NewDecoder(resp.Body).Decode(&body)
		assert.Equal(t, "QUEUE_FULL", body.Error.Code)
	})
}

func TestListHMIEvents(t *testing.T) {
	mockSvc := new(serviceMocks.MockHMIEventService)
	app := fiber.New()
	app.Get("/hmi/events", ListHMIEvents(mockSvc))

	t.Run("defaults", func(t *testing.T) {
		events := []model.HMIEvent{{
			ID:        7,
			Timestamp: time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC),
			Method:    "run",
			User:      "op",
			Payload:   map[string]any{},
		}}
		mockSvc.On("List", mock.Anything, "", 100).Return(events, nil).Once()

		resp, _ := app.Test(httptest.NewRequest(http.MethodGet, "/hmi/events", nil))
		assert.Equal(t, http.StatusOK, resp.StatusCode)

		var body struct {
			Events []model.HMIEvent `json:"events"`
		}
		json.NewDecoder(resp.Body).Decode(&body)
		require.Len(t, body.Events, 1)
		assert.Equal(t, int64(7), body.Events[0].ID)
		assert.Equal(t, "op", body.Events[0].User)
		mockSvc.AssertExpectations(t)
	})

	t.Run("filtered and limited", func(t *testing.T) {
		mockSvc.On("List", mock.Anything, "stop", 5).Return(nil, nil).Once()

		resp, _ := app.Test(httptest.NewRequest(http.MethodGet, "/hmi/events?method=stop&limit=5", nil))
		assert.Equal(t, http.StatusOK, resp.StatusCode)

		body, _ := io.ReadAll(resp.Body)
		assert.JSONEq(t, `{"events": []}`, string(body))
		mockSvc.AssertExpectations(t)
	})

	t.Run("invalid limit", func(t *testing.T) {
		for _, q := range []string{"abc", "0", "-3"} {
			resp, _ := app.Test(httptest.NewRequest(http.MethodGet, "/hmi/events?limit="+q, nil))
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode, q)

			var res errorPayload
			json.NewDecoder(resp.Body).Decode(&res)
			assert.Equal(t, "INVALID_LIMIT", res.Error.Code)
		}
	})

	t.Run("service error", func(t *testing.T) {
		mockSvc.On("List", mock.Anything, "", 100).Return(nil, errors.New("db error")).Once()

		resp, _ := app.Test(httptest.NewRequest(http.MethodGet, "/hmi/events", nil))
		assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
		mockSvc.AssertExpectations(t)
	})
}

func TestErrorHandler(t *testing.T) {
	app := fiber.New(fiber.Config{ErrorHandler: ErrorHandler()})
	app.Use(middleware.RequestID())
	app.Get("/boom", func(c *fiber.Ctx) error {
		return errors.New("kaboom")
	})

	t.Run("unknown route", func(t *testing.T) {
		resp, _ := app.Test(httptest.NewRequest(http.MethodGet, "/nowhere", nil))
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)

		var res errorPayload
		json.NewDecoder(resp.Body).Decode(&res)
		assert.Equal(t, "NOT_FOUND", res.Error.Code)
		assert.NotEmpty(t, res.RequestID)
	})

	t.Run("internal error is not leaked", func(t *testing.T) {
		resp, _ := app.Test(httptest.NewRequest(http.MethodGet, "/boom", nil))
		assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)

		body, _ := io.ReadAll(resp.Body)
		assert.NotContains(t, string(body), "kaboom")
		assert.Contains(t, string(body), "INTERNAL_ERROR")
	})
}

func TestRegisterRoutes(t *testing.T) {
	db, dbMock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	defer db.Close()
	dbMock.ExpectPing()

	app := fiber.New(fiber.Config{ErrorHandler: ErrorHandler()})
	RegisterRoutes(app, db, newDevices("unit-1"), new(serviceMocks.MockHMIEventService), prometheus.NewRegistry())

	for _, path := range []string{"/health", "/healthz", "/metrics", "/devices", "/docs"} {
		resp, err := app.Test(httptest.NewRequest(http.MethodGet, path, nil))
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, resp.StatusCode, path)
	}
}

func TestDocsPage(t *testing.T) {
	app := fiber.New()
	app.Get("/docs", DocsPage())

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/docs", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/html")

	body, _ := io.ReadAll(resp.Body)
	assert.Contains(t, string(body), "url: '"+SwaggerDocPath+"'")
	assert.Contains(t, string(body), "swagger-ui-bundle.js")
}
