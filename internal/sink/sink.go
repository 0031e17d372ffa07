// Package sink holds the optional destinations a runner hands readings to
// besides IoT Hub: an archive for undeliverable readings and a history store.
package sink

import (
	"context"
	"time"

	"lorahub/internal/model"
)

// DeadLetter receives readings that could not be delivered.
type DeadLetter interface {
	Archive(ctx context.Context, deviceID string, raw model.Reading, reason error) error
}

// History records every reading that reached IoT Hub.
type History interface {
	Record(ctx context.Context, deviceID string, raw model.Reading, at time.Time) error
}
