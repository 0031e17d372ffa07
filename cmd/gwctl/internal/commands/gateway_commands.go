package commands

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"lorahub/internal/database"
	"lorahub/internal/database/migration"
	"lorahub/internal/gateway"
	"lorahub/internal/repository/sqlstore"
	"lorahub/internal/service"
)

func initGatewayCommands(rootCmd *cobra.Command, h *commandHandler) {
	simulateCmd := &cobra.Command{
		Use:   "simulate",
		Short: "Run the device runners fed with sample readings",
		Long: `simulate starts the same runners as the gateway and feeds every device a
sample reading each DEVICE_SAMPLE_INTERVAL_SEC seconds until interrupted.`,
		Args: cobra.NoArgs,
		RunE: h.simulateCmd,
	}
	rootCmd.AddCommand(simulateCmd)

	eventsCmd := &cobra.Command{
		Use:   "events",
		Short: "List recorded HMI commands, newest first",
		Args:  cobra.NoArgs,
		RunE:  h.eventsCmd,
	}
	eventsCmd.Flags().String("method", "", "only show this HMI method")
	eventsCmd.Flags().Int("limit", service.DefaultListLimit, "maximum number of events")
	eventsCmd.Flags().Bool("json", false, "print JSON instead of a table")
	rootCmd.AddCommand(eventsCmd)
}

func (h *commandHandler) simulateCmd(cmd *cobra.Command, _ []string) error {
	cfg, err := h.config()
	if err != nil {
		return err
	}
	lg := h.logger(cmd, cfg)

	ctx, stop := signalContext(cmd)
	defer stop()

	app, err := gateway.Setup(ctx, cfg, lg, gateway.SetupOptions{Simulate: true})
	if err != nil {
		return err
	}
	return app.Gateway.Run(ctx)
}

func (h *commandHandler) eventsCmd(cmd *cobra.Command, _ []string) error {
	method, err := cmd.Flags().GetString("method")
	if err != nil {
		return err
	}
	limit, err := cmd.Flags().GetInt("limit")
	if err != nil {
		return err
	}
	asJSON, err := cmd.Flags().GetBool("json")
	if err != nil {
		return err
	}
	if limit < 1 {
		return fmt.Errorf("limit must be positive, got %d", limit)
	}

	cfg, err := h.config()
	if err != nil {
		return err
	}
	lg := h.logger(cmd, cfg)

	db, err := database.Open(cfg.Database)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := migration.EnsureMigrated(cmd.Context(), db, cfg.Database.Driver, lg); err != nil {
		return err
	}

	events, err := service.NewHMIEventService(sqlstore.NewHMIEventStore(db)).List(cmd.Context(), method, limit)
	if err != nil {
		return err
	}
	if asJSON {
		return printJSON(cmd.OutOrStdout(), events)
	}

	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTIMESTAMP\tMETHOD\tUSER\tPAYLOAD")
	for _, ev := range events {
		payload, _ := jsonString(ev.Payload)
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n", ev.ID, ev.Timestamp.UTC().Format(time.RFC3339), ev.Method, ev.User, payload)
	}
	return tw.Flush()
}
