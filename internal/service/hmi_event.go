package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"lorahub/internal/model"
	"lorahub/internal/repository"
)

const (
	DefaultListLimit = 100
	MaxListLimit     = 1000

	// UnknownUser is recorded when a command arrives without a user.
	UnknownUser = "unknown"
)

var ErrMethodRequired = errors.New("method is required")

// HMIEventService defines the use cases for HMI events.
type HMIEventService interface {
	// Log persists a command. The payload's user key becomes the event user
	// and both user and method keys are stripped from the stored payload.
	Log(ctx context.Context, method string, payload map[string]any) (*model.HMIEvent, error)

	// List returns recent events, newest first.
	List(ctx context.Context, method string, limit int) ([]model.HMIEvent, error)
}

type hmiEventService struct {
	repo repository.HMIEventRepository
	now  func() time.Time
}

// NewHMIEventService constructs a new HMIEventService.
func NewHMIEventService(repo repository.HMIEventRepository) HMIEventService {
	return &hmiEventService{repo: repo, now: time.Now}
}

func (s *hmiEventService) Log(ctx context.Context, method string, payload map[string]any) (*model.HMIEvent, error) {
	if method == "" {
		return nil, ErrMethodRequired
	}

	body := make(map[string]any, len(payload))
	for k, v := range payload {
		body[k] = v
	}
	user := UnknownUser
	if u, ok := body["user"]; ok {
		if name, ok := u.(string); ok && name != "" {
			user = name
		} else if u != nil {
			user = fmt.Sprint(u)
		}
		delete(body, "user")
	}
	delete(body, "method")

	ev, err := s.repo.Create(ctx, &model.HMIEvent{
		Timestamp: s.now().UTC(),
		Method:    method,
		User:      user,
		Payload:   body,
	})
	if err != nil {
		return nil, fmt.Errorf("save hmi event: %w", err)
	}
	return ev, nil
}

func (s *hmiEventService) List(ctx context.Context, method string, limit int) ([]model.HMIEvent, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}
	return s.repo.List(ctx, repository.EventQuery{Method: method, Limit: limit})
}
