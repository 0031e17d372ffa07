package iothub

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"strings"
)

// Message is a device-to-cloud or cloud-to-device message.
type Message struct {
	Body       []byte
	Properties map[string]string
}

// MethodRequest is a direct method invocation received by a device.
type MethodRequest struct {
	Name      string
	RequestID string
	Payload   []byte
}

// MethodResponse answers a MethodRequest with the same RequestID.
type MethodResponse struct {
	RequestID string
	Status    int
	Payload   any
}

// Conn is the device-side connection a runner drives. Handlers must be set
// before Connect; they are re-subscribed on every connect.
type Conn interface {
	Connect(ctx context.Context) error
	Connected() bool
	Send(ctx context.Context, msg Message) error
	Respond(ctx context.Context, resp MethodResponse) error
	SetConnectionStateHandler(func(connected bool))
	SetMessageHandler(func(Message))
	SetMethodHandler(func(MethodRequest))
	Close() error
}

const (
	methodsPrefix  = "$iothub/methods/POST/"
	methodsTopic   = methodsPrefix + "#"
	apiVersion     = "2021-04-12"
	jsonType       = "application/json"
	utf8           = "utf-8"
	propContent    = "$.ct"
	propEncoding   = "$.ce"
	deviceboundSeg = "/messages/devicebound/"
)

func eventsTopic(deviceID string, props map[string]string) string {
	return "devices/" + deviceID + "/messages/events/" + encodeProperties(props)
}

func c2dTopic(deviceID string) string {
	return "devices/" + deviceID + "/messages/devicebound/#"
}

func methodResponseTopic(status int, rid string) string {
	return fmt.Sprintf("$iothub/methods/res/%d/?$rid=%s", status, url.QueryEscape(rid))
}

// encodeProperties renders a property bag. System properties ($.ct, $.ce)
// keep their literal key.
func encodeProperties(props map[string]string) string {
	keys := make([]string, 0, len(props))
	for k := range props {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		key := k
		if !strings.HasPrefix(k, "$.") {
			key = url.QueryEscape(k)
		}
		parts = append(parts, key+"="+url.QueryEscape(props[k]))
	}
	return strings.Join(parts, "&")
}

// parseMethodTopic splits "$iothub/methods/POST/{name}/?$rid={rid}".
func parseMethodTopic(topic string) (name, rid string, err error) {
	rest, ok := strings.CutPrefix(topic, methodsPrefix)
	if !ok {
		return "", "", fmt.Errorf("not a method topic: %s", topic)
	}
	name, query, ok := strings.Cut(rest, "/?")
	if !ok || name == "" {
		return "", "", fmt.Errorf("malformed method topic: %s", topic)
	}
	q, err := url.ParseQuery(query)
	if err != nil {
		return "", "", fmt.Errorf("malformed method topic: %w", err)
	}
	rid = q.Get("$rid")
	if rid == "" {
		return "", "", fmt.Errorf("method topic without request id: %s", topic)
	}
	return name, rid, nil
}

// parseDeviceboundProperties extracts the property bag of a C2D topic.
func parseDeviceboundProperties(topic string) map[string]string {
	_, bag, ok := strings.Cut(topic, deviceboundSeg)
	if !ok || bag == "" {
		return map[string]string{}
	}
	q, err := url.ParseQuery(bag)
	if err != nil {
		return map[string]string{}
	}
	out := make(map[string]string, len(q))
	for k, v := range q {
		if len(v) > 0 {
			out[k] = v[0]
		}
	}
	return out
}
