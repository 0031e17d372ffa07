// Package repository contains data access layer abstractions.
// Implementations live in subpackages (e.g. sqlstore) inside this directory.
package repository

import (
	"context"

	"lorahub/internal/model"
)

// DefaultEventLimit is applied when an EventQuery carries no positive limit.
const DefaultEventLimit = 100

// HMIEventRepository persists operator commands. Strictly persistence, no business rules.
type HMIEventRepository interface {
	// Create inserts the event and returns it with the id assigned by the database.
	Create(ctx context.Context, ev *model.HMIEvent) (*model.HMIEvent, error)

	// List returns events newest first, optionally filtered by method.
	List(ctx context.Context, q EventQuery) ([]model.HMIEvent, error)
}

// EventQuery filters HMI events. An empty Method matches every method.
type EventQuery struct {
	Method string
	Limit  int
}
