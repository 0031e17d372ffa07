// Package main is the entry point for gwctl, the operator tool of the
// gateway. It registers the IoT Hub, gateway, ChirpStack and diagnostics
// command groups and executes the command line.
package main

import (
	"fmt"
	"log"
	"os"

	_ "github.com/joho/godotenv/autoload"
	"github.com/spf13/cobra"

	"lorahub/cmd/gwctl/internal/commands"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("Error: %v", err)
	}
}

func run() error {
	rootCmd := &cobra.Command{
		Use:   "gwctl",
		Short: "Operate and diagnose the lubrication gateway",
		Long: `gwctl talks to the same IoT Hub, ChirpStack and storage endpoints as the
gateway, configured through the same environment variables (a .env file in
the working directory is loaded automatically).

Service-side commands need IOTHUB_SERVICE_CONNECTION_STRING (iothubowner or a
policy with the service permission). ChirpStack commands need
CHIRPSTACK_SERVER_URL and CHIRPSTACK_API_KEY.`,
		SilenceUsage: true,
	}

	commands.InitCommands(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		return fmt.Errorf("command execution failed: %w", err)
	}
	return nil
}

func init() {
	log.SetFlags(0)
	log.SetOutput(os.Stderr)
}
