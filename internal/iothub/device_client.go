package iothub

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

const (
	defaultTokenTTL = time.Hour
	mqttPort        = 8883
)

// DeviceOption customises a DeviceClient.
type DeviceOption func(*DeviceClient)

// WithTokenTTL sets the lifetime of the SAS token minted on each connect.
func WithTokenTTL(d time.Duration) DeviceOption {
	return func(c *DeviceClient) { c.tokenTTL = d }
}

// WithLogger sets the logger used for subscription failures.
func WithLogger(l *slog.Logger) DeviceOption {
	return func(c *DeviceClient) { c.log = l }
}

// DeviceClient is an IoT Hub device connection over MQTT. Reconnection is
// left to the caller.
type DeviceClient struct {
	cs       ConnectionString
	tokenTTL time.Duration
	log      *slog.Logger
	client   mqtt.Client

	mu        sync.RWMutex
	onState   func(bool)
	onMessage func(Message)
	onMethod  func(MethodRequest)
}

var _ Conn = (*DeviceClient)(nil)

// NewDeviceClient builds a client from a device connection string. No
// network traffic happens until Connect.
func NewDeviceClient(connStr string, opts ...DeviceOption) (*DeviceClient, error) {
	cs, err := ParseConnectionString(connStr)
	if err != nil {
		return nil, err
	}
	if cs.DeviceID == "" {
		return nil, fmt.Errorf("%w: DeviceId is required for a device connection", ErrInvalidConnectionString)
	}

	c := &DeviceClient{cs: cs, tokenTTL: defaultTokenTTL, log: slog.Default()}
	for _, o := range opts {
		o(c)
	}

	username := fmt.Sprintf("%s/%s/?api-version=%s", cs.HostName, cs.DeviceID, apiVersion)
	resource := cs.HostName + "/devices/" + cs.DeviceID

	o := mqtt.NewClientOptions().
		AddBroker(fmt.Sprintf("ssl://%s:%d", cs.HostName, mqttPort)).
		SetClientID(cs.DeviceID).
		SetProtocolVersion(4).
		SetCleanSession(false).
		SetKeepAlive(60 * time.Second).
		SetAutoReconnect(false).
		SetConnectRetry(false).
		SetOrderMatters(false).
		SetTLSConfig(&tls.Config{ServerName: cs.HostName, MinVersion: tls.VersionTLS12}).
		SetCredentialsProvider(func() (string, string) {
			token, err := SASToken(resource, cs.SharedAccessKey, "", time.Now().Add(c.tokenTTL))
			if err != nil {
				c.log.Error("sas token", "component", "iothub", "device_id", cs.DeviceID, "error", err)
			}
			return username, token
		}).
		SetOnConnectHandler(c.handleConnect).
		SetConnectionLostHandler(c.handleLost)

	c.client = mqtt.NewClient(o)
	return c, nil
}

// DeviceID returns the device id from the connection string.
func (c *DeviceClient) DeviceID() string { return c.cs.DeviceID }

func (c *DeviceClient) SetConnectionStateHandler(h func(bool)) {
	c.mu.Lock()
	c.onState = h
	c.mu.Unlock()
}

func (c *DeviceClient) SetMessageHandler(h func(Message)) {
	c.mu.Lock()
	c.onMessage = h
	c.mu.Unlock()
}

func (c *DeviceClient) SetMethodHandler(h func(MethodRequest)) {
	c.mu.Lock()
	c.onMethod = h
	c.mu.Unlock()
}

// Connect opens the MQTT session and waits for the CONNACK.
func (c *DeviceClient) Connect(ctx context.Context) error {
	return wait(ctx, c.client.Connect())
}

func (c *DeviceClient) Connected() bool {
	return c.client.IsConnectionOpen()
}

// Send publishes a device-to-cloud message at QoS 1.
func (c *DeviceClient) Send(ctx context.Context, msg Message) error {
	props := map[string]string{propContent: jsonType, propEncoding: utf8}
	for k, v := range msg.Properties {
		props[k] = v
	}
	return wait(ctx, c.client.Publish(eventsTopic(c.cs.DeviceID, props), 1, false, msg.Body))
}

// Respond publishes a direct method response.
func (c *DeviceClient) Respond(ctx context.Context, resp MethodResponse) error {
	body, err := json.Marshal(resp.Payload)
	if err != nil {
		return fmt.Errorf("encode method response: %w", err)
	}
	return wait(ctx, c.client.Publish(methodResponseTopic(resp.Status, resp.RequestID), 1, false, body))
}

func (c *DeviceClient) Close() error {
	c.client.Disconnect(250)
	c.notify(false)
	return nil
}

func (c *DeviceClient) handleConnect(client mqtt.Client) {
	c.mu.RLock()
	wantC2D, wantMethods := c.onMessage != nil, c.onMethod != nil
	c.mu.RUnlock()

	if wantC2D {
		c.subscribe(client, c2dTopic(c.cs.DeviceID), c.routeMessage)
	}
	if wantMethods {
		c.subscribe(client, methodsTopic, c.routeMethod)
	}
	c.notify(true)
}

func (c *DeviceClient) handleLost(_ mqtt.Client, err error) {
	c.log.Warn("connection lost", "component", "iothub", "device_id", c.cs.DeviceID, "error", err)
	c.notify(false)
}

func (c *DeviceClient) subscribe(client mqtt.Client, topic string, h mqtt.MessageHandler) {
	t := client.Subscribe(topic, 1, h)
	if !t.WaitTimeout(10*time.Second) || t.Error() != nil {
		c.log.Error("subscribe failed", "component", "iothub", "device_id", c.cs.DeviceID, "topic", topic, "error", t.Error())
	}
}

func (c *DeviceClient) routeMessage(_ mqtt.Client, m mqtt.Message) {
	c.mu.RLock()
	h := c.onMessage
	c.mu.RUnlock()
	if h == nil {
		return
	}
	h(Message{Body: m.Payload(), Properties: parseDeviceboundProperties(m.Topic())})
}

func (c *DeviceClient) routeMethod(_ mqtt.Client, m mqtt.Message) {
	c.mu.RLock()
	h := c.onMethod
	c.mu.RUnlock()
	if h == nil {
		return
	}
	name, rid, err := parseMethodTopic(m.Topic())
	if err != nil {
		c.log.Warn("ignoring method message", "component", "iothub", "device_id", c.cs.DeviceID, "error", err)
		return
	}
	h(MethodRequest{Name: name, RequestID: rid, Payload: m.Payload()})
}

func (c *DeviceClient) notify(connected bool) {
	c.mu.RLock()
	h := c.onState
	c.mu.RUnlock()
	if h != nil {
		h(connected)
	}
}

// wait blocks until the token completes or ctx is done.
func wait(ctx context.Context, t mqtt.Token) error {
	select {
	case <-t.Done():
		return t.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}
