package commands

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"lorahub/internal/sink"
	"lorahub/internal/storage"
)

func initDeadLetterCommands(rootCmd *cobra.Command, h *commandHandler) {
	dlCmd := &cobra.Command{
		Use:   "deadletters",
		Short: "Inspect readings archived because they could not be delivered",
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List archived readings",
		Args:  cobra.NoArgs,
		RunE:  h.deadLetterListCmd,
	}
	listCmd.Flags().String("device", "", "only list readings of this device")
	dlCmd.AddCommand(listCmd)

	urlCmd := &cobra.Command{
		Use:   "url KEY",
		Short: "Print a presigned download URL for an archived reading",
		Args:  cobra.ExactArgs(1),
		RunE:  h.deadLetterURLCmd,
	}
	urlCmd.Flags().Duration("expiry", 15*time.Minute, "URL lifetime")
	dlCmd.AddCommand(urlCmd)

	purgeCmd := &cobra.Command{
		Use:   "purge KEY...",
		Short: "Delete archived readings",
		Args:  cobra.MinimumNArgs(1),
		RunE:  h.deadLetterPurgeCmd,
	}
	dlCmd.AddCommand(purgeCmd)

	rootCmd.AddCommand(dlCmd)
}

func (h *commandHandler) archive(cmd *cobra.Command) (storage.Storage, error) {
	cfg, err := h.config()
	if err != nil {
		return nil, err
	}
	if !cfg.MinIO.Enabled() {
		return nil, fmt.Errorf("INFRA_MINIO_ENDPOINT is not set")
	}
	return storage.NewMinIO(cmd.Context(), cfg.MinIO)
}

func (h *commandHandler) deadLetterListCmd(cmd *cobra.Command, _ []string) error {
	deviceID, err := cmd.Flags().GetString("device")
	if err != nil {
		return err
	}
	store, err := h.archive(cmd)
	if err != nil {
		return err
	}

	prefix := sink.DeadLetterPrefix
	if deviceID != "" {
		prefix += deviceID + "/"
	}
	objs, err := store.List(cmd.Context(), prefix)
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "KEY\tSIZE\tLAST_MODIFIED")
	for _, o := range objs {
		fmt.Fprintf(tw, "%s\t%d\t%s\n", o.Key, o.Size, o.LastModified.UTC().Format(time.RFC3339))
	}
	return tw.Flush()
}

func (h *commandHandler) deadLetterURLCmd(cmd *cobra.Command, args []string) error {
	expiry, err := cmd.Flags().GetDuration("expiry")
	if err != nil {
		return err
	}
	store, err := h.archive(cmd)
	if err != nil {
		return err
	}
	u, err := store.PresignGet(cmd.Context(), args[0], expiry)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), u)
	return nil
}

func (h *commandHandler) deadLetterPurgeCmd(cmd *cobra.Command, args []string) error {
	store, err := h.archive(cmd)
	if err != nil {
		return err
	}
	for _, key := range args {
		if err := store.Delete(cmd.Context(), key); err != nil {
			return fmt.Errorf("delete %s: %w", key, err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", key)
	}
	return nil
}
