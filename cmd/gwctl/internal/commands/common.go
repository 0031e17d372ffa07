// Package commands implements the gwctl sub-commands.
package commands

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"lorahub/internal/config"
	"lorahub/internal/logger"
)

// InitCommands registers every command group on rootCmd.
func InitCommands(rootCmd *cobra.Command) {
	h := &commandHandler{load: config.Load}
	rootCmd.PersistentFlags().StringVar(&h.logLevel, "log-level", "", "override LOG_LEVEL for this run")

	initConfigCommands(rootCmd, h)
	initIoTHubCommands(rootCmd, h)
	initGatewayCommands(rootCmd, h)
	initChirpStackCommands(rootCmd, h)
	initDiagnosticCommands(rootCmd, h)
	initDeadLetterCommands(rootCmd, h)
}

// commandHandler carries what every command needs: configuration and a
// logger that writes to stderr so stdout stays machine readable.
type commandHandler struct {
	load     func() *config.AppConfig
	logLevel string
}

func (h *commandHandler) config() (*config.AppConfig, error) {
	cfg := h.load()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (h *commandHandler) logger(cmd *cobra.Command, cfg *config.AppConfig) *slog.Logger {
	level := cfg.Logger.LogLevel
	if h.logLevel != "" {
		level = h.logLevel
	}
	return logger.NewWithWriter(cmd.ErrOrStderr(), logger.ParseLevel(level))
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func jsonString(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
