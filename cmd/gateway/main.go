// Command gateway runs one IoT Hub runner per configured lubrication unit
// and serves the admin API.
package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/contrib/otelfiber"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/swagger"
	_ "github.com/joho/godotenv/autoload"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	_ "lorahub/docs"
	"lorahub/internal/config"
	"lorahub/internal/gateway"
	handlers "lorahub/internal/http/handler"
	"lorahub/internal/http/middleware"
	"lorahub/internal/logger"
	"lorahub/internal/otel"
)

const shutdownTimeout = 10 * time.Second

// @title lorahub admin API
// @version 1.0
// @BasePath /
func main() {
	// .env is auto-loaded; real environment variables take precedence.
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}

	lg, err := logger.New(cfg.Logger)
	if err != nil {
		log.Fatalf("failed to initialize logger: %v", err)
	}

	if err := run(cfg, lg); err != nil {
		lg.Error("gateway exited", "event", "shutdown", "status", "failed", "error_message", err.Error())
		os.Exit(1)
	}
}

func run(cfg *config.AppConfig, lg *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := otel.Init(ctx, "lorahub-gateway", lg)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = shutdownTracing(sctx)
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	app, err := gateway.Setup(ctx, cfg, lg, gateway.SetupOptions{Registerer: reg})
	if err != nil {
		return fmt.Errorf("setup: %w", err)
	}

	prom, err := middleware.NewPrometheusMiddleware(reg)
	if err != nil {
		return fmt.Errorf("register http metrics: %w", err)
	}

	srv := fiber.New(fiber.Config{
		AppName:               "lorahub",
		ErrorHandler:          handlers.ErrorHandler(),
		DisableStartupMessage: true,
		BodyLimit:             64 * 1024,
	})
	srv.Use(otelfiber.Middleware())
	srv.Use(middleware.RequestID())
	srv.Use(middleware.Logger(lg))
	srv.Use(prom.Handler())
	handlers.RegisterRoutes(srv, app.DB, app.Gateway, app.Events, reg)
	// Swagger UI; the document leaves host empty so the UI targets this origin.
	srv.Get("/swagger/*", swagger.HandlerDefault)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer stop()
		return app.Gateway.Run(gctx)
	})
	g.Go(func() error {
		addr := ":" + cfg.Port
		lg.Info("admin api listening", "component", "http", "event", "startup", "addr", addr)
		if err := srv.Listen(addr); err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.ShutdownWithContext(sctx)
	})

	return g.Wait()
}
