package commands

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"lorahub/internal/udpprobe"
)

func initDiagnosticCommands(rootCmd *cobra.Command, h *commandHandler) {
	probeCmd := &cobra.Command{
		Use:   "udp-probe",
		Short: "Listen for Semtech packet-forwarder traffic and report what arrives",
		Long: `udp-probe binds the packet-forwarder port and counts PUSH_DATA, PULL_DATA and
TX_ACK datagrams per gateway. Stop the ChirpStack gateway bridge first or
pick another --listen port; with --ack the probe answers like a network
server so the forwarder keeps sending.

Use it when a gateway is online in ChirpStack but no uplinks show up.`,
		Args: cobra.NoArgs,
		RunE: h.udpProbeCmd,
	}
	probeCmd.Flags().String("listen", udpprobe.DefaultAddr, "UDP address to bind")
	probeCmd.Flags().Duration("duration", 30*time.Second, "how long to listen")
	probeCmd.Flags().Bool("ack", false, "answer PUSH_DATA and PULL_DATA")
	probeCmd.Flags().Bool("json", false, "print the report as JSON")
	rootCmd.AddCommand(probeCmd)
}

func (h *commandHandler) udpProbeCmd(cmd *cobra.Command, _ []string) error {
	addr, err := cmd.Flags().GetString("listen")
	if err != nil {
		return err
	}
	d, err := cmd.Flags().GetDuration("duration")
	if err != nil {
		return err
	}
	ack, err := cmd.Flags().GetBool("ack")
	if err != nil {
		return err
	}
	asJSON, err := cmd.Flags().GetBool("json")
	if err != nil {
		return err
	}
	if d <= 0 {
		return fmt.Errorf("duration must be positive, got %s", d)
	}

	// The probe needs no device configuration, only the log settings.
	lg := h.logger(cmd, h.load())

	probe, err := udpprobe.Listen(addr, ack, lg)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "listening on %s for %s\n", probe.LocalAddr(), d)

	ctx, stop := signalContext(cmd)
	defer stop()

	report, err := probe.Serve(ctx, d)
	if err != nil {
		return err
	}
	if asJSON {
		return printJSON(cmd.OutOrStdout(), report)
	}
	printReport(cmd, report)
	return nil
}

func printReport(cmd *cobra.Command, r *udpprobe.Report) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "datagrams: %d  malformed: %d  acked: %d  gateways: %d\n",
		r.Total, r.Malformed, r.Acked, len(r.Gateways))
	if len(r.Gateways) == 0 {
		fmt.Fprintln(out, "no packet-forwarder traffic received; check the gateway server address and firewall")
		return
	}
	for _, gw := range r.Gateways {
		types := make([]string, 0, len(gw.Counts))
		for t, n := range gw.Counts {
			types = append(types, fmt.Sprintf("%s=%d", t, n))
		}
		sort.Strings(types)
		fmt.Fprintf(out, "  %s  %s  from %s\n", gw.EUI, strings.Join(types, " "), strings.Join(gw.Remotes, ","))
	}
}
