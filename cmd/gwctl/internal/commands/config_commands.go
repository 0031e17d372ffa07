package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func initConfigCommands(rootCmd *cobra.Command, h *commandHandler) {
	varsCmd := &cobra.Command{
		Use:   "vars",
		Short: "Print the effective configuration with secrets masked",
		Args:  cobra.NoArgs,
		RunE:  h.varsCmd,
	}
	rootCmd.AddCommand(varsCmd)
}

// varsCmd prints the configuration even when it does not validate, followed
// by the validation errors, so a broken .env can be inspected.
func (h *commandHandler) varsCmd(cmd *cobra.Command, _ []string) error {
	cfg := h.load()
	if err := printJSON(cmd.OutOrStdout(), cfg.Redacted()); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("configuration is invalid: %w", err)
	}
	return nil
}
