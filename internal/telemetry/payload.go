// Package telemetry turns raw device readings into the JSON documents sent
// to Azure IoT Hub.
package telemetry

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"lorahub/internal/model"
)

const (
	KeyLowLevelAlarm = "Alarma_Bajo_Nivel"
	KeyPump          = "Bomba"
	KeyUnitState     = "Estado_Equipo"
)

var requiredKeys = []string{KeyLowLevelAlarm, KeyPump, KeyUnitState}

var requiredValveFields = []string{
	"Estado",
	"Grasa_24h",
	"Grasa_Dispensada_Desde_Ultimo_Relleno",
	"Grasa_Ultimo_Ciclo",
	"Longitud_Pulsos_Ultimo_Ciclo",
	"Pulsos_Ultimo_Ciclo",
}

var (
	// ErrMissingKey is returned when a top-level key is absent.
	ErrMissingKey = errors.New("missing required key")
	// ErrMissingValve is returned when a valve entry is absent.
	ErrMissingValve = errors.New("missing valve")
	// ErrInvalidValve is returned when a valve entry is malformed.
	ErrInvalidValve = errors.New("invalid valve")
	// ErrInvalidReading is returned when input is not a JSON object.
	ErrInvalidReading = errors.New("reading must be a JSON object")
)

// ValveKey returns the reading key of the i-th valve, starting at 1.
func ValveKey(i int) string {
	return fmt.Sprintf("Valvula_V%d", i)
}

// BuildPayload validates raw and returns the JSON document for a device
// with nValves valves. Only Valvula_V1..Valvula_V{nValves} are kept and
// each valve carries exactly the required fields.
func BuildPayload(raw model.Reading, nValves int) ([]byte, error) {
	var missing []string
	for _, k := range requiredKeys {
		if _, ok := raw[k]; !ok {
			missing = append(missing, k)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: raw data is missing required top-level key(s): %s",
			ErrMissingKey, strings.Join(missing, ", "))
	}

	payload := make(map[string]any, len(requiredKeys)+nValves)
	for _, k := range requiredKeys {
		payload[k] = raw[k]
	}

	for i := 1; i <= nValves; i++ {
		key := ValveKey(i)
		v, ok := raw[key]
		if !ok {
			return nil, fmt.Errorf("%w: raw data is missing valve key '%s' (expected %d valves)",
				ErrMissingValve, key, nValves)
		}
		valve, ok := v.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%w: valve '%s' is not an object", ErrInvalidValve, key)
		}

		var missingFields []string
		out := make(map[string]any, len(requiredValveFields))
		for _, f := range requiredValveFields {
			fv, ok := valve[f]
			if !ok {
				missingFields = append(missingFields, f)
				continue
			}
			out[f] = fv
		}
		if len(missingFields) > 0 {
			return nil, fmt.Errorf("%w: valve '%s' is missing field(s): %s",
				ErrInvalidValve, key, strings.Join(missingFields, ", "))
		}
		payload[key] = out
	}

	return json.Marshal(payload)
}

// ParseReading decodes a JSON object, keeping numbers as written.
func ParseReading(b []byte) (model.Reading, error) {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("decode reading: %w", err)
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return nil, ErrInvalidReading
	}
	return model.Reading(obj), nil
}

// SampleReading returns a plausible reading for a unit with nValves valves.
// The simulator and gwctl use it to exercise the pipeline without hardware.
func SampleReading(nValves int) model.Reading {
	r := model.Reading{
		KeyLowLevelAlarm: map[string]any{
			"Estado":                                true,
			"Grasa_Dispensada_Desde_Ultimo_Relleno": 5699.85,
		},
		KeyPump:      map[string]any{"Falla_Presion": true},
		KeyUnitState: true,
	}
	for i := 1; i <= nValves; i++ {
		r[ValveKey(i)] = map[string]any{
			"Estado":                                true,
			"Grasa_24h":                             79.95,
			"Grasa_Dispensada_Desde_Ultimo_Relleno": 2202.85,
			"Grasa_Ultimo_Ciclo":                    5.2,
			"Longitud_Pulsos_Ultimo_Ciclo":          8,
			"Pulsos_Ultimo_Ciclo":                   []any{947657322},
		}
	}
	return r
}
