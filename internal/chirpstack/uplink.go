package chirpstack

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/brocaar/lorawan"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"lorahub/internal/model"
	"lorahub/internal/telemetry"
)

var (
	ErrUnknownDevice = errors.New("unknown DevEUI")
	ErrNoObject      = errors.New("uplink carries no decoded object")
)

// Target receives readings decoded from uplinks.
type Target interface {
	TryEnqueue(raw model.Reading) error
}

// UplinkEvent is the part of a ChirpStack v4 "up" integration event used here.
type UplinkEvent struct {
	DeduplicationID string `json:"deduplicationId"`
	Time            string `json:"time"`
	DeviceInfo      struct {
		ApplicationID string `json:"applicationId"`
		DeviceName    string `json:"deviceName"`
		DevEUI        string `json:"devEui"`
	} `json:"deviceInfo"`
	FCnt   uint32          `json:"fCnt"`
	FPort  uint8           `json:"fPort"`
	Object json.RawMessage `json:"object"`
}

// UplinkTopic returns the MQTT subscription for applicationID ("+" for all).
func UplinkTopic(applicationID string) string {
	return fmt.Sprintf("application/%s/device/+/event/up", applicationID)
}

// UplinkBridge forwards decoded uplinks from ChirpStack's MQTT integration
// to the runner of the matching device.
type UplinkBridge struct {
	broker  string
	topic   string
	targets map[lorawan.EUI64]Target
	log     *slog.Logger

	received atomic.Int64
	dropped  atomic.Int64
}

// NewUplinkBridge creates a bridge. targets maps DevEUIs to their runners.
func NewUplinkBridge(broker, applicationID string, targets map[lorawan.EUI64]Target, log *slog.Logger) *UplinkBridge {
	return &UplinkBridge{
		broker:  broker,
		topic:   UplinkTopic(applicationID),
		targets: targets,
		log:     log.With("component", "uplink"),
	}
}

// Handle decodes one uplink event and enqueues its object.
func (b *UplinkBridge) Handle(body []byte) error {
	b.received.Add(1)

	var ev UplinkEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		b.dropped.Add(1)
		return fmt.Errorf("decode uplink: %w", err)
	}

	var eui lorawan.EUI64
	if err := eui.UnmarshalText([]byte(ev.DeviceInfo.DevEUI)); err != nil {
		b.dropped.Add(1)
		return fmt.Errorf("uplink devEui %q: %w", ev.DeviceInfo.DevEUI, err)
	}
	target, ok := b.targets[eui]
	if !ok {
		b.dropped.Add(1)
		return fmt.Errorf("%w: %s", ErrUnknownDevice, eui)
	}

	if len(ev.Object) == 0 || string(ev.Object) == "null" {
		b.dropped.Add(1)
		return fmt.Errorf("%w: %s fCnt %d", ErrNoObject, eui, ev.FCnt)
	}
	raw, err := telemetry.ParseReading(ev.Object)
	if err != nil {
		b.dropped.Add(1)
		return fmt.Errorf("uplink object of %s: %w", eui, err)
	}

	if err := target.TryEnqueue(raw); err != nil {
		b.dropped.Add(1)
		return fmt.Errorf("enqueue uplink of %s: %w", eui, err)
	}
	b.log.Debug("uplink enqueued", "event", "uplink", "dev_eui", eui.String(), "f_cnt", ev.FCnt)
	return nil
}

// Stats returns the number of uplinks received and dropped so far.
func (b *UplinkBridge) Stats() (received, dropped int64) {
	return b.received.Load(), b.dropped.Load()
}

// Run connects to the broker and forwards uplinks until ctx is done.
func (b *UplinkBridge) Run(ctx context.Context) error {
	opts := mqtt.NewClientOptions().
		AddBroker(b.broker).
		SetClientID("lorahub-uplink-" + uuid.New().String()[:8]).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetOrderMatters(false).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			b.log.Warn("broker connection lost", "event", "uplink_disconnected", "error", err)
		})
	opts.SetOnConnectHandler(func(c mqtt.Client) {
		t := c.Subscribe(b.topic, 0, func(_ mqtt.Client, m mqtt.Message) {
			if err := b.Handle(m.Payload()); err != nil {
				b.log.Warn("uplink dropped", "event", "uplink", "topic", m.Topic(), "error", err)
			}
		})
		if !t.WaitTimeout(10*time.Second) || t.Error() != nil {
			b.log.Error("subscribe failed", "event", "uplink_subscribe", "topic", b.topic, "error", t.Error())
			return
		}
		b.log.Info("subscribed", "event", "uplink_subscribe", "topic", b.topic)
	})

	client := mqtt.NewClient(opts)
	t := client.Connect()
	select {
	case <-t.Done():
		if err := t.Error(); err != nil {
			return fmt.Errorf("connect uplink broker: %w", err)
		}
	case <-ctx.Done():
		client.Disconnect(250)
		return nil
	}

	<-ctx.Done()
	client.Disconnect(250)
	received, dropped := b.Stats()
	b.log.Info("uplink bridge stopped", "event", "uplink_stopped", "received", received, "dropped", dropped)
	return nil
}
