package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"lorahub/internal/model"
	"lorahub/internal/repository"
)

type MockHMIEventRepository struct {
	mock.Mock
}

func (m *MockHMIEventRepository) Create(ctx context.Context, ev *model.HMIEvent) (*model.HMIEvent, error) {
	args := m.Called(ctx, ev)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.HMIEvent), args.Error(1)
}

func (m *MockHMIEventRepository) List(ctx context.Context, q repository.EventQuery) ([]model.HMIEvent, error) {
	args := m.Called(ctx, q)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.HMIEvent), args.Error(1)
}
