// Package device holds the configuration-only model of a field device.
package device

import (
	"fmt"

	"github.com/brocaar/lorawan"

	"lorahub/internal/config"
	"lorahub/internal/model"
	"lorahub/internal/telemetry"
)

// Device is a single LoRaWAN lubrication unit registered in Azure IoT Hub.
// It does not own a hub connection; runner.Runner does.
type Device struct {
	ID               string
	ConnectionString string
	NValves          int
	// EUI is the LoRaWAN DevEUI, zero when uplinks are not bridged.
	EUI lorawan.EUI64
}

// BuildPayload returns the telemetry document for this device. Only the
// device's own valves are included.
func (d Device) BuildPayload(raw model.Reading) ([]byte, error) {
	return telemetry.BuildPayload(raw, d.NValves)
}

// BuildDevices returns one Device per configured entry.
func BuildDevices(c config.DeviceConfig) ([]Device, error) {
	if len(c.ConnectionStrings) != len(c.IDs) || len(c.IDs) != len(c.NValves) {
		return nil, fmt.Errorf(
			"DEVICE_CONNECTION_STRINGS, DEVICE_IDS, and DEVICE_N_VALVES must have the same number of entries. Got: %d, %d, %d",
			len(c.ConnectionStrings), len(c.IDs), len(c.NValves),
		)
	}
	if len(c.EUIs) > 0 && len(c.EUIs) != len(c.IDs) {
		return nil, fmt.Errorf("DEVICE_EUIS must have one entry per device. Got: %d, want %d", len(c.EUIs), len(c.IDs))
	}

	devices := make([]Device, 0, len(c.IDs))
	for i, id := range c.IDs {
		d := Device{
			ID:               id,
			ConnectionString: c.ConnectionStrings[i],
			NValves:          c.NValves[i],
		}
		if len(c.EUIs) > 0 {
			if err := d.EUI.UnmarshalText([]byte(c.EUIs[i])); err != nil {
				return nil, fmt.Errorf("device %s: invalid DevEUI %q: %w", id, c.EUIs[i], err)
			}
		}
		devices = append(devices, d)
	}
	return devices, nil
}
