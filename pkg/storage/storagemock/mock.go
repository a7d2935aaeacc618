package storagemock

import (
	"context"
	"time"

	"github.com/raterudder/chargerudder/pkg/storage"
	"github.com/raterudder/chargerudder/pkg/types"
	"github.com/stretchr/testify/mock"
)

type MockDatabase struct {
	mock.Mock
}

var _ storage.Database = (*MockDatabase)(nil)

func (m *MockDatabase) GetSettings(ctx context.Context) (types.Settings, int, error) {
	args := m.Called(ctx)
	// return empty if not specified, or checks args
	if len(args) > 0 {
		return args.Get(0).(types.Settings), args.Int(1), args.Error(2)
	}
	return types.Settings{}, 0, nil
}

func (m *MockDatabase) SetSettings(ctx context.Context, settings types.Settings, version int) error {
	args := m.Called(ctx, settings, version)
	return args.Error(0)
}

func (m *MockDatabase) SaveSession(ctx context.Context, token types.SessionToken) error {
	args := m.Called(ctx, token)
	return args.Error(0)
}

func (m *MockDatabase) LoadSession(ctx context.Context) (types.SessionToken, error) {
	args := m.Called(ctx)
	if v := args.Get(0); v != nil {
		return v.(types.SessionToken), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockDatabase) UpsertPrice(ctx context.Context, quote types.PriceQuote) error {
	args := m.Called(ctx, quote)
	return args.Error(0)
}

func (m *MockDatabase) GetPriceHistory(ctx context.Context, start, end time.Time) ([]types.PriceQuote, error) {
	args := m.Called(ctx, start, end)
	if v := args.Get(0); v != nil {
		return v.([]types.PriceQuote), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockDatabase) Close() error {
	args := m.Called()
	return args.Error(0)
}
