package model

// Reading is one raw lubrication-unit reading as produced by the field
// device: the pump, low-level alarm, unit state and one entry per valve
// (Valvula_V1, Valvula_V2, ...). Values are kept as decoded JSON.
type Reading map[string]any

// Clone returns a shallow copy so queued readings are not mutated by callers.
func (r Reading) Clone() Reading {
	out := make(Reading, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}
