package mocks

import (
	"context"

	"github.com/BearBump/DeliverySync/internal/models"
	"github.com/stretchr/testify/mock"
)

type MockRepository struct {
	mock.Mock
}

func (m *MockRepository) GetOrder(ctx context.Context, id uint64) (*models.Order, error) {
	args := m.Called(ctx, id)
	var o *models.Order
	if v := args.Get(0); v != nil {
		o = v.(*models.Order)
	}
	return o, args.Error(1)
}
