package commands

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"lorahub/internal/chirpstack"
)

func initChirpStackCommands(rootCmd *cobra.Command, h *commandHandler) {
	checkCmd := &cobra.Command{
		Use:   "check",
		Short: "Check the local ChirpStack installation",
		Long: `check verifies that the ChirpStack web UI and API answer, that every
gateway is ONLINE and that device profiles use CHIRPSTACK_REGION. It exits
non-zero when any check fails.`,
		Args: cobra.NoArgs,
		RunE: h.checkCmd,
	}
	checkCmd.Flags().Bool("json", false, "print JSON instead of text")
	rootCmd.AddCommand(checkCmd)

	gatewaysCmd := &cobra.Command{
		Use:   "gateways",
		Short: "List the gateways registered in ChirpStack",
		Args:  cobra.NoArgs,
		RunE:  h.gatewaysCmd,
	}
	rootCmd.AddCommand(gatewaysCmd)
}

func (h *commandHandler) checkCmd(cmd *cobra.Command, _ []string) error {
	asJSON, err := cmd.Flags().GetBool("json")
	if err != nil {
		return err
	}
	cfg, err := h.config()
	if err != nil {
		return err
	}

	var api chirpstack.API
	if cfg.ChirpStack.ServerURL != "" && cfg.ChirpStack.APIKey != "" {
		client, err := chirpstack.Dial(cfg.ChirpStack)
		if err != nil {
			return err
		}
		defer client.Close()
		api = client
	}

	findings := chirpstack.NewChecker(cfg.ChirpStack, api).Run(cmd.Context())
	if asJSON {
		if err := printJSON(cmd.OutOrStdout(), findings); err != nil {
			return err
		}
	} else {
		for _, f := range findings {
			mark := "FAIL"
			if f.OK {
				mark = " OK "
			}
			fmt.Fprintf(cmd.OutOrStdout(), "[%s] %-24s %s\n", mark, f.Check, f.Detail)
		}
	}

	if !chirpstack.OK(findings) {
		return fmt.Errorf("chirpstack check failed")
	}
	return nil
}

func (h *commandHandler) gatewaysCmd(cmd *cobra.Command, _ []string) error {
	cfg, err := h.config()
	if err != nil {
		return err
	}
	client, err := chirpstack.Dial(cfg.ChirpStack)
	if err != nil {
		return err
	}
	defer client.Close()

	gws, err := client.ListGateways(cmd.Context(), cfg.ChirpStack.TenantID)
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "GATEWAY_ID\tNAME\tSTATE\tLAST_SEEN")
	for _, gw := range gws {
		seen := "never"
		if !gw.LastSeen.IsZero() {
			seen = gw.LastSeen.UTC().Format(time.RFC3339)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", gw.ID, gw.Name, gw.State, seen)
	}
	return tw.Flush()
}
