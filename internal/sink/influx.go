package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"lorahub/internal/config"
	"lorahub/internal/model"
)

// Measurement is the InfluxDB measurement readings are written to.
const Measurement = "lubrication_unit"

type pointWriter interface {
	WritePoint(ctx context.Context, point ...*write.Point) error
}

// InfluxHistory writes each delivered reading as one point tagged with the device id.
type InfluxHistory struct {
	client influxdb2.Client
	writer pointWriter
}

// NewInfluxHistory creates an InfluxDB history sink.
func NewInfluxHistory(cfg config.InfluxConfig) *InfluxHistory {
	client := influxdb2.NewClient(cfg.URL, cfg.Token)
	return &InfluxHistory{
		client: client,
		writer: client.WriteAPIBlocking(cfg.Org, cfg.Bucket),
	}
}

var _ History = (*InfluxHistory)(nil)

// Point converts a reading to a line-protocol point. Nested objects are
// flattened into dotted field names (Valvula_V1.Grasa_24h); lists are skipped.
func Point(deviceID string, raw model.Reading, at time.Time) *write.Point {
	fields := make(map[string]interface{}, len(raw))
	flatten(fields, "", raw)
	return influxdb2.NewPoint(Measurement, map[string]string{"device_id": deviceID}, fields, at)
}

func flatten(dst map[string]interface{}, prefix string, src map[string]any) {
	for k, v := range src {
		if prefix != "" {
			k = prefix + "." + k
		}
		switch x := v.(type) {
		case map[string]any:
			flatten(dst, k, x)
		case json.Number:
			if f, err := x.Float64(); err == nil {
				dst[k] = f
			}
		case bool, string, float64, float32, int, int64:
			dst[k] = x
		}
	}
}

func (h *InfluxHistory) Record(ctx context.Context, deviceID string, raw model.Reading, at time.Time) error {
	if err := h.writer.WritePoint(ctx, Point(deviceID, raw, at)); err != nil {
		return fmt.Errorf("error writing to InfluxDB: %w", err)
	}
	return nil
}

// Close releases the underlying client.
func (h *InfluxHistory) Close() {
	if h.client != nil {
		h.client.Close()
	}
}
