package gateway

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/brocaar/lorawan"
	"github.com/prometheus/client_golang/prometheus"

	"lorahub/internal/chirpstack"
	"lorahub/internal/config"
	"lorahub/internal/database"
	"lorahub/internal/database/migration"
	"lorahub/internal/device"
	"lorahub/internal/hmi"
	"lorahub/internal/iothub"
	"lorahub/internal/repository/sqlstore"
	"lorahub/internal/runner"
	"lorahub/internal/service"
	"lorahub/internal/sink"
	"lorahub/internal/storage"
)

// App is a fully assembled gateway with the stores it owns.
type App struct {
	Gateway *Gateway
	DB      *sql.DB
	Events  service.HMIEventService
	// Archive is nil unless MinIO is configured.
	Archive storage.Storage
}

// SetupOptions select the optional producers.
type SetupOptions struct {
	Registerer prometheus.Registerer
	Simulate   bool
}

// Setup opens the event store, builds one runner per configured device
// and attaches the configured sinks and producers.
func Setup(ctx context.Context, cfg *config.AppConfig, log *slog.Logger, so SetupOptions) (*App, error) {
	devices, err := device.BuildDevices(cfg.Device)
	if err != nil {
		return nil, err
	}

	db, err := database.Open(cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := migration.EnsureMigrated(ctx, db, cfg.Database.Driver, log); err != nil {
		_ = db.Close()
		return nil, err
	}
	events := service.NewHMIEventService(sqlstore.NewHMIEventStore(db))

	reg := so.Registerer
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	metrics, err := runner.NewMetrics(reg)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("register runner metrics: %w", err)
	}

	app := &App{DB: db, Events: events}
	ropts := []runner.Option{runner.WithLogger(log), runner.WithMetrics(metrics)}
	opts := []Option{WithReceive(cfg.Device.ReceiveData)}

	if cfg.MinIO.Enabled() {
		store, err := storage.NewMinIO(ctx, cfg.MinIO)
		if err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("initialize dead-letter storage: %w", err)
		}
		app.Archive = store
		ropts = append(ropts, runner.WithDeadLetter(sink.NewObjectDeadLetter(store)))
	}
	if cfg.Influx.Enabled() {
		hist := sink.NewInfluxHistory(cfg.Influx)
		ropts = append(ropts, runner.WithHistory(hist))
		opts = append(opts, WithCloser(func() error { hist.Close(); return nil }))
	}

	runners := make([]*runner.Runner, 0, len(devices))
	targets := make(map[lorawan.EUI64]chirpstack.Target)
	for _, d := range devices {
		conn, err := iothub.NewDeviceClient(d.ConnectionString, iothub.WithLogger(log))
		if err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("device %s: %w", d.ID, err)
		}
		r := runner.New(d, conn, ropts...)
		runners = append(runners, r)
		if d.EUI != (lorawan.EUI64{}) {
			targets[d.EUI] = r
		}
	}

	if cfg.ChirpStack.MQTTBroker != "" {
		bridge := chirpstack.NewUplinkBridge(cfg.ChirpStack.MQTTBroker, cfg.ChirpStack.ApplicationID, targets, log)
		opts = append(opts, WithProducer("uplink", bridge))
	}
	if so.Simulate {
		interval := time.Duration(cfg.Device.SampleIntervalSec) * time.Second
		opts = append(opts, WithProducer("simulator", NewSimulator(runners, interval, log)))
	}
	opts = append(opts, WithCloser(db.Close))

	app.Gateway = New(runners, hmi.NewDispatcher(events, log), log, opts...)
	return app, nil
}
