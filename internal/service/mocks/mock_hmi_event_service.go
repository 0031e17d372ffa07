package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"lorahub/internal/model"
)

type MockHMIEventService struct {
	mock.Mock
}

func (m *MockHMIEventService) Log(ctx context.Context, method string, payload map[string]any) (*model.HMIEvent, error) {
	args := m.Called(ctx, method, payload)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.HMIEvent), args.Error(1)
}

func (m *MockHMIEventService) List(ctx context.Context, method string, limit int) ([]model.HMIEvent, error) {
	args := m.Called(ctx, method, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.HMIEvent), args.Error(1)
}
