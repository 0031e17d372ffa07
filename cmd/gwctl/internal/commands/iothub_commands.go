package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"lorahub/internal/device"
	"lorahub/internal/hmi"
	"lorahub/internal/iothub"
	"lorahub/internal/receiver"
	"lorahub/internal/runner"
	"lorahub/internal/telemetry"
)

func initIoTHubCommands(rootCmd *cobra.Command, h *commandHandler) {
	invokeCmd := &cobra.Command{
		Use:   "invoke DEVICE_ID METHOD USER [JSON]",
		Short: "Invoke an HMI direct method on a device through IoT Hub",
		Long: `invoke calls run_hmi, stop_hmi or reset_hmi on a device. The optional JSON
object is merged into the method payload after method and user.

Example:
  gwctl invoke pulse-id-101 stop_hmi operator '{"speed": 3}'`,
		Args: cobra.RangeArgs(3, 4),
		RunE: h.invokeCmd,
	}
	invokeCmd.Flags().Duration("timeout", 30*time.Second, "time the device has to answer")
	rootCmd.AddCommand(invokeCmd)

	listenCmd := &cobra.Command{
		Use:   "listen",
		Short: "Connect every device and print C2D messages and direct method calls",
		Args:  cobra.NoArgs,
		RunE:  h.listenCmd,
	}
	rootCmd.AddCommand(listenCmd)

	sendCmd := &cobra.Command{
		Use:   "send",
		Short: "Send one sample telemetry message from every device",
		Args:  cobra.NoArgs,
		RunE:  h.sendCmd,
	}
	rootCmd.AddCommand(sendCmd)
}

// invokeBody builds the method payload. Keys from extra win over method and user.
func invokeBody(method, user, extra string) (map[string]any, error) {
	if !validHMIMethod(method) {
		return nil, fmt.Errorf("method must be one of %s, got %q", strings.Join(hmiMethods(), ", "), method)
	}
	body := map[string]any{"method": method, "user": user}
	if extra == "" {
		return body, nil
	}

	var fields map[string]any
	if err := json.Unmarshal([]byte(extra), &fields); err != nil {
		return nil, fmt.Errorf("invalid JSON payload: %w", err)
	}
	for k, v := range fields {
		body[k] = v
	}
	return body, nil
}

func hmiMethods() []string {
	m := []string{hmi.MethodRun, hmi.MethodStop, hmi.MethodReset}
	sort.Strings(m)
	return m
}

func validHMIMethod(m string) bool {
	for _, v := range hmiMethods() {
		if v == m {
			return true
		}
	}
	return false
}

func (h *commandHandler) invokeCmd(cmd *cobra.Command, args []string) error {
	timeout, err := cmd.Flags().GetDuration("timeout")
	if err != nil {
		return err
	}

	extra := ""
	if len(args) == 4 {
		extra = args[3]
	}
	body, err := invokeBody(args[1], args[2], extra)
	if err != nil {
		return err
	}

	cfg, err := h.config()
	if err != nil {
		return err
	}
	if cfg.IoTHub.ServiceConnectionString == "" {
		return fmt.Errorf("IOTHUB_SERVICE_CONNECTION_STRING is not set; use the iothubowner or service policy connection string")
	}
	lg := h.logger(cmd, cfg)

	client, err := iothub.NewServiceClient(cfg.IoTHub.ServiceConnectionString)
	if err != nil {
		return err
	}

	lg.Info("invoking direct method", "component", "gwctl", "device_id", args[0], "method", args[1])
	ctx, cancel := context.WithTimeout(cmd.Context(), timeout+10*time.Second)
	defer cancel()
	res, err := client.InvokeMethod(ctx, args[0], args[1], body, timeout)
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), res)
}

// listenMethods answers the diagnostics methods an operator can call on a
// listening device; HMI commands are printed and acknowledged.
func listenMethods(out io.Writer, mu *sync.Mutex, reg *receiver.MethodRegistry) {
	reg.Add("ping", func(_ context.Context, req iothub.MethodRequest) (int, any, error) {
		return 200, map[string]any{"result": true, "pong": true}, nil
	})
	reg.Add("reboot", func(_ context.Context, req iothub.MethodRequest) (int, any, error) {
		return 200, map[string]any{"result": true, "message": "reboot scheduled"}, nil
	})
	for _, m := range hmiMethods() {
		reg.Add(m, func(_ context.Context, req iothub.MethodRequest) (int, any, error) {
			mu.Lock()
			fmt.Fprintf(out, "method %s payload=%s\n", req.Name, string(req.Payload))
			mu.Unlock()
			return 200, map[string]any{"result": true}, nil
		})
	}
}

func printC2D(out io.Writer, mu *sync.Mutex, deviceID string, body []byte) {
	mu.Lock()
	defer mu.Unlock()

	fmt.Fprintln(out, strings.Repeat("-", 60))
	fmt.Fprintf(out, "  Device : %s\n", deviceID)
	switch v := runner.DecodeC2D(body).(type) {
	case string:
		fmt.Fprintf(out, "  Payload: %s\n", v)
	default:
		b, _ := json.MarshalIndent(v, "  ", "  ")
		fmt.Fprintf(out, "  Payload: %s\n", b)
	}
	fmt.Fprintln(out, strings.Repeat("-", 60))
}

func (h *commandHandler) listenCmd(cmd *cobra.Command, _ []string) error {
	cfg, err := h.config()
	if err != nil {
		return err
	}
	lg := h.logger(cmd, cfg)
	devices, err := device.BuildDevices(cfg.Device)
	if err != nil {
		return err
	}
	if len(devices) == 0 {
		return fmt.Errorf("no devices found, check DEVICE_IDS")
	}

	ctx, stop := signalContext(cmd)
	defer stop()

	out := cmd.OutOrStdout()
	var mu sync.Mutex
	reg := receiver.NewMethodRegistry(lg)
	listenMethods(out, &mu, reg)

	var clients []*iothub.DeviceClient
	defer func() {
		for _, c := range clients {
			_ = c.Close()
		}
	}()

	for _, d := range devices {
		c, err := iothub.NewDeviceClient(d.ConnectionString, iothub.WithLogger(lg))
		if err != nil {
			return fmt.Errorf("device %s: %w", d.ID, err)
		}
		id := d.ID
		dispatch := reg.Dispatcher(c, id)
		c.SetMessageHandler(func(m iothub.Message) { printC2D(out, &mu, id, m.Body) })
		c.SetMethodHandler(func(req iothub.MethodRequest) { dispatch(ctx, req) })
		if err := c.Connect(ctx); err != nil {
			return fmt.Errorf("device %s: %w", d.ID, err)
		}
		clients = append(clients, c)
		fmt.Fprintf(out, "listening on [%s]\n", id)
	}

	fmt.Fprintln(out, "waiting for messages (Ctrl+C to stop)")
	<-ctx.Done()
	return nil
}

func (h *commandHandler) sendCmd(cmd *cobra.Command, _ []string) error {
	cfg, err := h.config()
	if err != nil {
		return err
	}
	lg := h.logger(cmd, cfg)
	devices, err := device.BuildDevices(cfg.Device)
	if err != nil {
		return err
	}
	if len(devices) == 0 {
		return fmt.Errorf("no devices found, check DEVICE_IDS")
	}

	ctx, stop := signalContext(cmd)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	for _, d := range devices {
		d := d
		g.Go(func() error {
			body, err := d.BuildPayload(telemetry.SampleReading(d.NValves))
			if err != nil {
				return fmt.Errorf("device %s: %w", d.ID, err)
			}
			c, err := iothub.NewDeviceClient(d.ConnectionString, iothub.WithLogger(lg))
			if err != nil {
				return fmt.Errorf("device %s: %w", d.ID, err)
			}
			defer c.Close()
			if err := c.Connect(gctx); err != nil {
				return fmt.Errorf("device %s: %w", d.ID, err)
			}
			if err := c.Send(gctx, iothub.Message{Body: body}); err != nil {
				return fmt.Errorf("device %s: %w", d.ID, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "[%s] sent %d bytes (n_valves=%d)\n", d.ID, len(body), d.NValves)
			return nil
		})
	}
	return g.Wait()
}
