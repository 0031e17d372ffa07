package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"
	"time"

	"github.com/google/uuid"

	"lorahub/internal/model"
	"lorahub/internal/storage"
)

// DeadLetterPrefix is the key prefix of archived readings.
const DeadLetterPrefix = "deadletter/"

// Letter is the archived document.
type Letter struct {
	DeviceID  string        `json:"device_id"`
	Reason    string        `json:"reason"`
	Timestamp time.Time     `json:"timestamp"`
	Reading   model.Reading `json:"reading"`
}

// ObjectDeadLetter archives readings as JSON objects, one per reading.
type ObjectDeadLetter struct {
	store storage.Storage
	now   func() time.Time
}

// NewObjectDeadLetter creates a dead-letter sink on top of store.
func NewObjectDeadLetter(store storage.Storage) *ObjectDeadLetter {
	return &ObjectDeadLetter{store: store, now: time.Now}
}

var _ DeadLetter = (*ObjectDeadLetter)(nil)

// DeadLetterKey returns deadletter/{device}/{yyyy-mm-dd}/{unix-nanos}-{uuid}.json.
func DeadLetterKey(deviceID string, at time.Time) string {
	at = at.UTC()
	name := fmt.Sprintf("%d-%s.json", at.UnixNano(), uuid.New().String())
	return path.Join(DeadLetterPrefix+deviceID, at.Format("2006-01-02"), name)
}

func (s *ObjectDeadLetter) Archive(ctx context.Context, deviceID string, raw model.Reading, reason error) error {
	at := s.now().UTC()
	l := Letter{DeviceID: deviceID, Timestamp: at, Reading: raw}
	if reason != nil {
		l.Reason = reason.Error()
	}
	body, err := json.Marshal(l)
	if err != nil {
		return fmt.Errorf("encode dead letter: %w", err)
	}

	_, err = s.store.Put(ctx, DeadLetterKey(deviceID, at), bytes.NewReader(body), storage.PutObjectOptions{
		Size:        int64(len(body)),
		ContentType: "application/json",
		Metadata:    map[string]string{"device-id": deviceID},
	})
	if err != nil {
		return fmt.Errorf("archive dead letter: %w", err)
	}
	return nil
}
