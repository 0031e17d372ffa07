// Package iothub talks to Azure IoT Hub: the device side over MQTT and the
// service side over HTTPS.
package iothub

import (
	"errors"
	"fmt"
	"strings"
)

// ConnectionString is a parsed IoT Hub connection string. Device strings
// carry DeviceID, service (policy) strings carry SharedAccessKeyName.
type ConnectionString struct {
	HostName            string
	DeviceID            string
	SharedAccessKey     string
	SharedAccessKeyName string
}

var ErrInvalidConnectionString = errors.New("invalid connection string")

// ParseConnectionString parses "HostName=...;DeviceId=...;SharedAccessKey=...".
func ParseConnectionString(s string) (ConnectionString, error) {
	var cs ConnectionString
	for _, part := range strings.Split(s, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		k, v, ok := strings.Cut(part, "=")
		if !ok {
			return ConnectionString{}, fmt.Errorf("%w: malformed segment %q", ErrInvalidConnectionString, k)
		}
		switch k {
		case "HostName":
			cs.HostName = v
		case "DeviceId":
			cs.DeviceID = v
		case "SharedAccessKey":
			cs.SharedAccessKey = v
		case "SharedAccessKeyName":
			cs.SharedAccessKeyName = v
		}
	}

	if cs.HostName == "" {
		return ConnectionString{}, fmt.Errorf("%w: HostName is required", ErrInvalidConnectionString)
	}
	if cs.SharedAccessKey == "" {
		return ConnectionString{}, fmt.Errorf("%w: SharedAccessKey is required", ErrInvalidConnectionString)
	}
	if cs.DeviceID == "" && cs.SharedAccessKeyName == "" {
		return ConnectionString{}, fmt.Errorf("%w: DeviceId or SharedAccessKeyName is required", ErrInvalidConnectionString)
	}
	return cs, nil
}
