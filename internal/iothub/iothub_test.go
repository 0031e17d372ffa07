package iothub

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKey = "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA="

func TestParseConnectionString(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    ConnectionString
		wantErr bool
	}{
		{
			name: "device",
			in:   "HostName=test-hub.azure-devices.net;DeviceId=test-device;SharedAccessKey=" + testKey,
			want: ConnectionString{HostName: "test-hub.azure-devices.net", DeviceID: "test-device", SharedAccessKey: testKey},
		},
		{
			name: "service",
			in:   "HostName=test-hub.azure-devices.net;SharedAccessKeyName=iothubowner;SharedAccessKey=" + testKey,
			want: ConnectionString{HostName: "test-hub.azure-devices.net", SharedAccessKeyName: "iothubowner", SharedAccessKey: testKey},
		},
		{name: "missing host", in: "DeviceId=d;SharedAccessKey=k", wantErr: true},
		{name: "missing key", in: "HostName=h;DeviceId=d", wantErr: true},
		{name: "missing identity", in: "HostName=h;SharedAccessKey=k", wantErr: true},
		{name: "malformed", in: "HostName", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseConnectionString(tt.in)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidConnectionString)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSASToken(t *testing.T) {
	expiry := time.Unix(1700000000, 0)

	token, err := SASToken("hub.azure-devices.net/devices/d1", testKey, "", expiry)
	require.NoError(t, err)

	require.True(t, strings.HasPrefix(token, "SharedAccessSignature "))
	q, err := url.ParseQuery(strings.TrimPrefix(token, "SharedAccessSignature "))
	require.NoError(t, err)
	assert.Equal(t, "hub.azure-devices.net/devices/d1", q.Get("sr"))
	assert.Equal(t, "1700000000", q.Get("se"))
	assert.Empty(t, q.Get("skn"))

	raw, _ := base64.StdEncoding.DecodeString(testKey)
	mac := hmac.New(sha256.New, raw)
	mac.Write([]byte(url.QueryEscape("hub.azure-devices.net/devices/d1") + "\n1700000000"))
	assert.Equal(t, base64.StdEncoding.EncodeToString(mac.Sum(nil)), q.Get("sig"))

	token, err = SASToken("hub.azure-devices.net", testKey, "service", expiry)
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(token, "&skn=service"))

	_, err = SASToken("r", "not base64!", "", expiry)
	assert.Error(t, err)
}

func TestTopics(t *testing.T) {
	assert.Equal(t,
		"devices/d1/messages/events/$.ce=utf-8&$.ct=application%2Fjson",
		eventsTopic("d1", map[string]string{propContent: jsonType, propEncoding: utf8}))
	assert.Equal(t, "devices/d1/messages/devicebound/#", c2dTopic("d1"))
	assert.Equal(t, "$iothub/methods/res/200/?$rid=42", methodResponseTopic(200, "42"))
	assert.Equal(t, "a+b=c%26d", encodeProperties(map[string]string{"a b": "c&d"}))
}

func TestParseMethodTopic(t *testing.T) {
	name, rid, err := parseMethodTopic("$iothub/methods/POST/run_hmi/?$rid=1f")
	require.NoError(t, err)
	assert.Equal(t, "run_hmi", name)
	assert.Equal(t, "1f", rid)

	for _, bad := range []string{
		"devices/d1/messages/devicebound/",
		"$iothub/methods/POST/run_hmi",
		"$iothub/methods/POST//?$rid=1",
		"$iothub/methods/POST/run_hmi/?foo=bar",
	} {
		_, _, err := parseMethodTopic(bad)
		assert.Error(t, err, bad)
	}
}

func TestParseDeviceboundProperties(t *testing.T) {
	props := parseDeviceboundProperties("devices/d1/messages/devicebound/%24.to=%2Fdevices%2Fd1&%24.ct=application%2Fjson&user=admin")
	assert.Equal(t, "/devices/d1", props["$.to"])
	assert.Equal(t, "application/json", props["$.ct"])
	assert.Equal(t, "admin", props["user"])

	assert.Empty(t, parseDeviceboundProperties("devices/d1/messages/devicebound/"))
}

func TestNewDeviceClient(t *testing.T) {
	c, err := NewDeviceClient("HostName=hub.azure-devices.net;DeviceId=d1;SharedAccessKey=" + testKey)
	require.NoError(t, err)
	assert.Equal(t, "d1", c.DeviceID())
	assert.False(t, c.Connected())

	_, err = NewDeviceClient("HostName=hub.azure-devices.net;SharedAccessKeyName=owner;SharedAccessKey=" + testKey)
	assert.ErrorIs(t, err, ErrInvalidConnectionString)
}

func TestServiceClientInvokeMethod(t *testing.T) {
	const connStr = "HostName=hub.azure-devices.net;SharedAccessKeyName=iothubowner;SharedAccessKey=" + testKey

	t.Run("success", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, http.MethodPost, r.Method)
			assert.Equal(t, "/twins/pulse-id-100/methods", r.URL.Path)
			assert.Equal(t, apiVersion, r.URL.Query().Get("api-version"))
			assert.True(t, strings.HasPrefix(r.Header.Get("Authorization"), "SharedAccessSignature "))

			var body map[string]any
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, "run_hmi", body["methodName"])
			assert.Equal(t, float64(30), body["responseTimeoutInSeconds"])
			assert.Equal(t, "admin", body["payload"].(map[string]any)["user"])

			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"status":200,"payload":{"result":true}}`))
		}))
		defer srv.Close()

		c, err := NewServiceClient(connStr, WithBaseURL(srv.URL))
		require.NoError(t, err)

		res, err := c.InvokeMethod(context.Background(), "pulse-id-100", "run_hmi", map[string]any{"user": "admin"}, 30*time.Second)
		require.NoError(t, err)
		assert.Equal(t, 200, res.Status)
		assert.JSONEq(t, `{"result":true}`, string(res.Payload))
	})

	t.Run("device offline", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"Message":"{\"errorCode\":404103,\"message\":\"Timed out waiting for device to connect.\"}"}`))
		}))
		defer srv.Close()

		c, err := NewServiceClient(connStr, WithBaseURL(srv.URL))
		require.NoError(t, err)

		_, err = c.InvokeMethod(context.Background(), "pulse-id-100", "stop_hmi", nil, time.Second)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "404")
		assert.Contains(t, err.Error(), "Timed out waiting for device")
	})

	t.Run("device connection string rejected", func(t *testing.T) {
		_, err := NewServiceClient("HostName=h;DeviceId=d;SharedAccessKey=" + testKey)
		assert.ErrorIs(t, err, ErrInvalidConnectionString)
	})
}
