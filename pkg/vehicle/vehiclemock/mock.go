package vehiclemock

import (
	"context"

	"github.com/raterudder/chargerudder/pkg/types"
	"github.com/raterudder/chargerudder/pkg/vehicle"
	"github.com/stretchr/testify/mock"
)

type MockClient struct {
	mock.Mock
}

var _ vehicle.Client = (*MockClient)(nil)

func (m *MockClient) AuthenticateWithToken(ctx context.Context, token types.SessionToken) (vehicle.Account, error) {
	args := m.Called(ctx, token)
	return args.Get(0).(vehicle.Account), args.Error(1)
}

func (m *MockClient) AuthenticateWithCredentials(ctx context.Context, creds vehicle.Credentials) (vehicle.Account, error) {
	args := m.Called(ctx, creds)
	return args.Get(0).(vehicle.Account), args.Error(1)
}

func (m *MockClient) ListVehicles(ctx context.Context, account vehicle.Account) ([]vehicle.Vehicle, error) {
	args := m.Called(ctx, account)
	if v := args.Get(0); v != nil {
		return v.([]vehicle.Vehicle), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockClient) GetOverview(ctx context.Context, v vehicle.Vehicle) (types.Overview, error) {
	args := m.Called(ctx, v)
	return args.Get(0).(types.Overview), args.Error(1)
}

func (m *MockClient) SetTargetSOC(ctx context.Context, v vehicle.Vehicle, percent int) (types.CommandResult, error) {
	args := m.Called(ctx, v, percent)
	return args.Get(0).(types.CommandResult), args.Error(1)
}

func (m *MockClient) StartCharge(ctx context.Context, v vehicle.Vehicle) (types.CommandResult, error) {
	args := m.Called(ctx, v)
	return args.Get(0).(types.CommandResult), args.Error(1)
}

func (m *MockClient) StopCharge(ctx context.Context, v vehicle.Vehicle) (types.CommandResult, error) {
	args := m.Called(ctx, v)
	return args.Get(0).(types.CommandResult), args.Error(1)
}
