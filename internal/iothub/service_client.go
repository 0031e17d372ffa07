package iothub

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"github.com/go-resty/resty/v2"
)

// MethodResult is the hub's answer to a direct method invocation.
type MethodResult struct {
	Status  int             `json:"status"`
	Payload json.RawMessage `json:"payload"`
}

type hubError struct {
	Message          string `json:"Message"`
	ExceptionMessage string `json:"ExceptionMessage"`
}

// ServiceClient calls the IoT Hub service REST API with a shared access
// policy (iothubowner or service).
type ServiceClient struct {
	cs   ConnectionString
	http *resty.Client
}

// ServiceOption customises a ServiceClient.
type ServiceOption func(*ServiceClient)

// WithBaseURL overrides https://{HostName}.
func WithBaseURL(u string) ServiceOption {
	return func(c *ServiceClient) { c.http.SetBaseURL(u) }
}

// NewServiceClient builds a client from a service connection string.
func NewServiceClient(connStr string, opts ...ServiceOption) (*ServiceClient, error) {
	cs, err := ParseConnectionString(connStr)
	if err != nil {
		return nil, err
	}
	if cs.SharedAccessKeyName == "" {
		return nil, fmt.Errorf("%w: SharedAccessKeyName is required for a service connection", ErrInvalidConnectionString)
	}

	c := &ServiceClient{
		cs: cs,
		http: resty.New().
			SetBaseURL("https://"+cs.HostName).
			SetHeader("Content-Type", jsonType).
			SetQueryParam("api-version", apiVersion),
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// InvokeMethod calls a direct method on deviceID and waits up to timeout
// for the device to answer.
func (c *ServiceClient) InvokeMethod(ctx context.Context, deviceID, method string, payload any, timeout time.Duration) (*MethodResult, error) {
	token, err := SASToken(c.cs.HostName, c.cs.SharedAccessKey, c.cs.SharedAccessKeyName, time.Now().Add(time.Hour))
	if err != nil {
		return nil, err
	}

	secs := int(timeout.Seconds())
	if secs < 5 {
		secs = 5
	}

	var result MethodResult
	var herr hubError
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("Authorization", token).
		SetBody(map[string]any{
			"methodName":               method,
			"responseTimeoutInSeconds": secs,
			"payload":                  payload,
		}).
		SetResult(&result).
		SetError(&herr).
		Post("/twins/" + url.PathEscape(deviceID) + "/methods")
	if err != nil {
		return nil, fmt.Errorf("invoke %s on %s: %w", method, deviceID, err)
	}
	if resp.IsError() {
		msg := herr.Message
		if msg == "" {
			msg = resp.String()
		}
		return nil, fmt.Errorf("invoke %s on %s: %s: %s", method, deviceID, resp.Status(), msg)
	}
	return &result, nil
}
