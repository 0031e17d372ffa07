package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"lorahub/internal/model"
	"lorahub/internal/repository"
)

// HMIEventStore is a database/sql implementation of repository.HMIEventRepository.
// Queries use $n placeholders, understood by both go-sqlite3 and pgx.
type HMIEventStore struct {
	db *sql.DB
}

// NewHMIEventStore creates a new HMIEventStore repository.
func NewHMIEventStore(db *sql.DB) *HMIEventStore {
	return &HMIEventStore{db: db}
}

var _ repository.HMIEventRepository = (*HMIEventStore)(nil)

// Create inserts a new event row and returns the stored record.
func (r *HMIEventStore) Create(ctx context.Context, ev *model.HMIEvent) (*model.HMIEvent, error) {
	const q = `
		INSERT INTO hmi_events (timestamp, method, "user", payload)
		VALUES ($1, $2, $3, $4)
		RETURNING id
	`
	payload := ev.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}

	out := *ev
	out.Payload = payload
	if err := r.db.QueryRowContext(ctx, q, ev.Timestamp, ev.Method, ev.User, string(body)).Scan(&out.ID); err != nil {
		return nil, err
	}
	return &out, nil
}

// List returns the most recent events first.
func (r *HMIEventStore) List(ctx context.Context, eq repository.EventQuery) ([]model.HMIEvent, error) {
	const (
		qAll = `
		SELECT id, timestamp, method, "user", payload
		FROM hmi_events
		ORDER BY id DESC
		LIMIT $1
	`
		qByMethod = `
		SELECT id, timestamp, method, "user", payload
		FROM hmi_events
		WHERE method = $1
		ORDER BY id DESC
		LIMIT $2
	`
	)
	limit := eq.Limit
	if limit <= 0 {
		limit = repository.DefaultEventLimit
	}

	var (
		rows *sql.Rows
		err  error
	)
	if eq.Method == "" {
		rows, err = r.db.QueryContext(ctx, qAll, limit)
	} else {
		rows, err = r.db.QueryContext(ctx, qByMethod, eq.Method, limit)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := make([]model.HMIEvent, 0)
	for rows.Next() {
		var (
			ev   model.HMIEvent
			body string
		)
		if err := rows.Scan(&ev.ID, &ev.Timestamp, &ev.Method, &ev.User, &body); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(body), &ev.Payload); err != nil {
			return nil, fmt.Errorf("decode payload of event %d: %w", ev.ID, err)
		}
		items = append(items, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}
