package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/raterudder/chargerudder/pkg/common"
	"github.com/raterudder/chargerudder/pkg/log"
	"github.com/raterudder/chargerudder/pkg/notify"
	"github.com/raterudder/chargerudder/pkg/retry"
	"github.com/raterudder/chargerudder/pkg/types"
	"github.com/raterudder/chargerudder/pkg/vehicle"
	"github.com/raterudder/chargerudder/pkg/vehicle/vehiclemock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func init() {
	log.SetDefaultLogLevel(slog.LevelError)
}

var testVehicle = vehicle.Vehicle{VIN: "WP0ZZZ99ZTS392124", ModelName: "Taycan"}

type fakeSession struct {
	mu          sync.Mutex
	ok          bool
	ensureCalls int
	invalidated int
}

func (f *fakeSession) EnsureAuthenticated(ctx context.Context) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ensureCalls++
	return f.ok
}

func (f *fakeSession) Invalidate(ctx context.Context) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invalidated++
	f.ok = false
}

func (f *fakeSession) Vehicle() (vehicle.Vehicle, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return testVehicle, f.ok
}

func (f *fakeSession) State() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ok {
		return "authenticated"
	}
	return "unauthenticated"
}

type fixedPrice struct {
	price float64
	calls atomic.Int32
	fn    func()
}

func (p *fixedPrice) CurrentPrice(ctx context.Context, settings types.Settings) float64 {
	p.calls.Add(1)
	if p.fn != nil {
		p.fn()
	}
	return p.price
}

type memSettings struct {
	mu       sync.Mutex
	settings types.Settings
	err      error
	panic    bool
}

func (m *memSettings) GetSettings(ctx context.Context) (types.Settings, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.panic {
		panic("boom")
	}
	return m.settings, types.CurrentSettingsVersion, m.err
}

func (m *memSettings) SetSettings(ctx context.Context, settings types.Settings, version int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.settings = settings
	return nil
}

func ptr[T any](v T) *T {
	return &v
}

func autoSettings() types.Settings {
	return types.Settings{AutoMode: true, PriceThresholdCentsPerKWH: 15}
}

type harness struct {
	loop      *Loop
	client    *vehiclemock.MockClient
	session   *fakeSession
	price     *fixedPrice
	settings  *memSettings
	publisher *notify.FakePublisher
	timer     *retry.RecordingTimer

	mu     sync.Mutex
	sleeps []time.Duration
}

func newHarness(price float64, settings types.Settings) *harness {
	h := &harness{
		client:    new(vehiclemock.MockClient),
		session:   &fakeSession{ok: true},
		price:     &fixedPrice{price: price},
		settings:  &memSettings{settings: settings},
		publisher: notify.NewFakePublisher(),
		timer:     retry.NewRecordingTimer(),
	}
	h.loop = NewLoop(h.session, h.client, h.price, h.settings, h.publisher, time.Minute)
	h.loop.policy.Timer = h.timer
	h.loop.sleep = func(ctx context.Context, d time.Duration) error {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.sleeps = append(h.sleeps, d)
		return nil
	}
	return h
}

func (h *harness) Sleeps() []time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]time.Duration(nil), h.sleeps...)
}

func chargingOverview(level float64) types.Overview {
	return types.Overview{
		BatteryLevelPercent:  ptr(level),
		BatteryChargingState: ptr("CHARGING"),
		ChargingSummary:      &types.ChargingSummary{Status: ptr("CHARGING")},
	}
}

func idleOverview(level float64) types.Overview {
	return types.Overview{
		BatteryLevelPercent:  ptr(level),
		BatteryChargingState: ptr("OFF"),
		ChargingSummary:      &types.ChargingSummary{Status: ptr("READY_TO_CHARGE")},
	}
}

var success = types.CommandResult{Status: "PERFORMED"}

func TestTickNotPluggedIn(t *testing.T) {
	h := newHarness(10, autoSettings())
	h.client.On("GetOverview", mock.Anything, testVehicle).Return(types.Overview{
		BatteryLevelPercent: ptr(50.0),
		ChargingSummary:     &types.ChargingSummary{Status: ptr("NOT_PLUGGED")},
	}, nil).Once()

	status := h.loop.Tick(context.Background())
	assert.Equal(t, types.ActionNone, status.Decision.Action)
	assert.Contains(t, status.Decision.Reason, "not plugged in")
	assert.Equal(t, 10.0, status.PriceCents)
	assert.Equal(t, 15.0, status.ThresholdCents)
	assert.Empty(t, status.Skipped)
	assert.Nil(t, status.LastCommand)
	h.client.AssertNotCalled(t, "StartCharge", mock.Anything, mock.Anything)
	h.client.AssertNotCalled(t, "SetTargetSOC", mock.Anything, mock.Anything, mock.Anything)
	h.client.AssertExpectations(t)
}

func TestTickStop(t *testing.T) {
	h := newHarness(20, autoSettings())
	mock.InOrder(
		h.client.On("GetOverview", mock.Anything, testVehicle).Return(chargingOverview(64.7), nil).Once(),
		h.client.On("SetTargetSOC", mock.Anything, testVehicle, 64).Return(success, nil).Once(),
		h.client.On("StopCharge", mock.Anything, testVehicle).Return(success, nil).Once(),
		h.client.On("GetOverview", mock.Anything, testVehicle).Return(idleOverview(64.7), nil).Once(),
	)

	status := h.loop.Tick(context.Background())
	assert.Equal(t, types.ActionStop, status.Decision.Action)
	require.NotNil(t, status.LastCommand)
	assert.True(t, status.LastCommand.Confirmed)
	assert.Equal(t, types.ChargeCommand{Direction: types.ChargeDirectionStop, TargetSOCPercent: 64}, status.LastCommand.Command)
	assert.Equal(t, []time.Duration{settleConfirmed, verifyDelay}, h.Sleeps())
	h.client.AssertExpectations(t)
}

func TestTickStopUnknownLevel(t *testing.T) {
	h := newHarness(20, autoSettings())
	overview := types.Overview{ChargingRate: &types.ChargingRate{PowerKW: ptr(7.2)}}
	h.client.On("GetOverview", mock.Anything, testVehicle).Return(overview, nil).Once()
	h.client.On("SetTargetSOC", mock.Anything, testVehicle, 25).Return(success, nil).Once()
	h.client.On("StopCharge", mock.Anything, testVehicle).Return(success, nil).Once()
	h.client.On("GetOverview", mock.Anything, testVehicle).Return(types.Overview{}, errors.New("verify failed")).Once()

	status := h.loop.Tick(context.Background())
	require.NotNil(t, status.LastCommand)
	// a failed verification does not undo the command
	assert.True(t, status.LastCommand.Confirmed)
	assert.Equal(t, 25, status.LastCommand.Command.TargetSOCPercent)
	h.client.AssertExpectations(t)
}

func TestTickStart(t *testing.T) {
	t.Run("TargetNotConfirmed", func(t *testing.T) {
		settings := autoSettings()
		settings.TargetSOC = 120
		h := newHarness(15, settings)
		mock.InOrder(
			h.client.On("GetOverview", mock.Anything, testVehicle).Return(idleOverview(40), nil).Once(),
			h.client.On("SetTargetSOC", mock.Anything, testVehicle, 100).Return(types.CommandResult{Status: "IN_PROGRESS"}, nil).Once(),
			h.client.On("StartCharge", mock.Anything, testVehicle).Return(types.CommandResult{Status: "success"}, nil).Once(),
			h.client.On("GetOverview", mock.Anything, testVehicle).Return(chargingOverview(41), nil).Once(),
		)

		// the price equals the threshold which counts as cheap
		status := h.loop.Tick(context.Background())
		assert.Equal(t, types.ActionStart, status.Decision.Action)
		require.NotNil(t, status.LastCommand)
		assert.True(t, status.LastCommand.Confirmed)
		assert.Equal(t, []time.Duration{settleUnconfirmed, verifyDelay}, h.Sleeps())
		h.client.AssertExpectations(t)
	})

	t.Run("NoTarget", func(t *testing.T) {
		h := newHarness(5, autoSettings())
		h.client.On("GetOverview", mock.Anything, testVehicle).Return(idleOverview(40), nil)
		h.client.On("StartCharge", mock.Anything, testVehicle).Return(success, nil).Once()

		h.loop.Tick(context.Background())
		h.client.AssertNotCalled(t, "SetTargetSOC", mock.Anything, mock.Anything, mock.Anything)
		assert.Equal(t, []time.Duration{verifyDelay}, h.Sleeps())
	})

	t.Run("NotConfirmed", func(t *testing.T) {
		h := newHarness(5, autoSettings())
		h.client.On("GetOverview", mock.Anything, testVehicle).Return(idleOverview(40), nil).Once()
		h.client.On("StartCharge", mock.Anything, testVehicle).Return(types.CommandResult{Status: "FAILED", Message: "vehicle asleep"}, nil).Once()

		status := h.loop.Tick(context.Background())
		require.NotNil(t, status.LastCommand)
		assert.False(t, status.LastCommand.Confirmed)
		assert.Equal(t, "vehicle asleep", status.LastCommand.Message)
		// no verification and no retry within the tick
		assert.Empty(t, h.Sleeps())
		h.client.AssertNumberOfCalls(t, "StartCharge", 1)
		h.client.AssertExpectations(t)
	})

	t.Run("CommandUnauthorized", func(t *testing.T) {
		h := newHarness(5, autoSettings())
		h.client.On("GetOverview", mock.Anything, testVehicle).Return(idleOverview(40), nil).Once()
		h.client.On("StartCharge", mock.Anything, testVehicle).Return(types.CommandResult{}, vehicle.ErrUnauthorized).Once()

		status := h.loop.Tick(context.Background())
		require.NotNil(t, status.LastCommand)
		assert.False(t, status.LastCommand.Confirmed)
		assert.Equal(t, 1, h.session.invalidated)
	})

	t.Run("VerifyRetries", func(t *testing.T) {
		h := newHarness(5, autoSettings())
		gatewayTimeout := &common.StatusError{Service: "vehicle", Code: http.StatusGatewayTimeout}
		mock.InOrder(
			h.client.On("GetOverview", mock.Anything, testVehicle).Return(idleOverview(40), nil).Once(),
			h.client.On("StartCharge", mock.Anything, testVehicle).Return(success, nil).Once(),
			h.client.On("GetOverview", mock.Anything, testVehicle).Return(types.Overview{}, gatewayTimeout).Once(),
			h.client.On("GetOverview", mock.Anything, testVehicle).Return(chargingOverview(41), nil).Once(),
		)

		status := h.loop.Tick(context.Background())
		require.NotNil(t, status.LastCommand)
		assert.True(t, status.LastCommand.Confirmed)
		assert.Equal(t, []time.Duration{2 * time.Second}, h.timer.Waits())
		h.client.AssertExpectations(t)
	})

	t.Run("DryRun", func(t *testing.T) {
		settings := autoSettings()
		settings.DryRun = true
		h := newHarness(5, settings)
		h.client.On("GetOverview", mock.Anything, testVehicle).Return(idleOverview(40), nil).Once()

		status := h.loop.Tick(context.Background())
		assert.Equal(t, types.ActionStart, status.Decision.Action)
		assert.True(t, status.DryRun)
		assert.Nil(t, status.LastCommand)
		h.client.AssertNotCalled(t, "StartCharge", mock.Anything, mock.Anything)
	})
}

func TestTickOverviewRetry(t *testing.T) {
	h := newHarness(10, autoSettings())
	gatewayTimeout := &common.StatusError{Service: "vehicle", Code: http.StatusGatewayTimeout}
	h.client.On("GetOverview", mock.Anything, testVehicle).Return(types.Overview{}, gatewayTimeout).Twice()
	h.client.On("GetOverview", mock.Anything, testVehicle).Return(chargingOverview(70), nil).Once()

	status := h.loop.Tick(context.Background())
	assert.Empty(t, status.Skipped)
	assert.Equal(t, types.ActionNone, status.Decision.Action)
	assert.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second}, h.timer.Waits())
	assert.Equal(t, 6*time.Second, h.timer.Total())
	h.client.AssertExpectations(t)
}

func TestTickSkips(t *testing.T) {
	t.Run("AutoModeOff", func(t *testing.T) {
		h := newHarness(10, types.Settings{PriceThresholdCentsPerKWH: 15})
		status := h.loop.Tick(context.Background())
		assert.Equal(t, "auto mode is off", status.Skipped)
		assert.Equal(t, 0, h.session.ensureCalls)
	})

	t.Run("SettingsError", func(t *testing.T) {
		h := newHarness(10, autoSettings())
		h.settings.err = errors.New("db down")
		status := h.loop.Tick(context.Background())
		assert.Equal(t, "failed to read settings", status.Skipped)
	})

	t.Run("NotAuthenticated", func(t *testing.T) {
		h := newHarness(10, autoSettings())
		h.session.ok = false
		status := h.loop.Tick(context.Background())
		assert.Equal(t, "not authenticated", status.Skipped)
		assert.Equal(t, "unauthenticated", status.AuthState)
		h.client.AssertNotCalled(t, "GetOverview", mock.Anything, mock.Anything)
	})

	t.Run("Unauthorized", func(t *testing.T) {
		h := newHarness(10, autoSettings())
		h.client.On("GetOverview", mock.Anything, testVehicle).Return(types.Overview{}, vehicle.ErrUnauthorized).Once()
		status := h.loop.Tick(context.Background())
		assert.Equal(t, "failed to fetch vehicle overview", status.Skipped)
		assert.Equal(t, 1, h.session.invalidated)
		assert.Empty(t, h.timer.Waits())
	})

	t.Run("Panic", func(t *testing.T) {
		h := newHarness(10, autoSettings())
		h.settings.panic = true

		var status types.LoopStatus
		require.NotPanics(t, func() {
			status = h.loop.Tick(context.Background())
		})
		assert.Contains(t, status.Skipped, "panic")
		assert.Contains(t, h.loop.Status().Skipped, "panic")
	})

	t.Run("PricePanic", func(t *testing.T) {
		h := newHarness(10, autoSettings())
		h.price.fn = func() {
			var quote *types.PriceQuote
			panic(fmt.Sprint(quote.CentsPerKWH))
		}
		h.client.On("GetOverview", mock.Anything, testVehicle).Return(idleOverview(40), nil).Maybe()

		var status types.LoopStatus
		require.NotPanics(t, func() {
			status = h.loop.Tick(context.Background())
		})
		assert.Contains(t, status.Skipped, "panic")
		assert.Equal(t, types.ActionNone, status.Decision.Action)
		h.client.AssertNotCalled(t, "StartCharge", mock.Anything, mock.Anything)
		assert.Len(t, h.publisher.Published(), 1)
	})

	t.Run("OverviewPanic", func(t *testing.T) {
		h := newHarness(10, autoSettings())
		h.client.On("GetOverview", mock.Anything, testVehicle).Run(func(mock.Arguments) {
			panic("bad payload")
		}).Return(types.Overview{}, nil).Once()

		var status types.LoopStatus
		require.NotPanics(t, func() {
			status = h.loop.Tick(context.Background())
		})
		assert.Equal(t, "panic: bad payload", status.Skipped)
		assert.Equal(t, "panic: bad payload", h.loop.Status().Skipped)
		assert.Equal(t, 0, h.session.invalidated)
	})
}

func TestTickCanceledContext(t *testing.T) {
	h := newHarness(20, autoSettings())
	h.client.On("GetOverview", mock.Anything, testVehicle).Return(chargingOverview(80), nil).Twice()
	h.client.On("SetTargetSOC", mock.Anything, testVehicle, 80).Return(success, nil).Once()
	h.client.On("StopCharge", mock.Anything, testVehicle).Return(success, nil).Once()
	var sleepErrs []error
	h.loop.sleep = func(ctx context.Context, d time.Duration) error {
		sleepErrs = append(sleepErrs, ctx.Err())
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	status := h.loop.Tick(ctx)
	require.NotNil(t, status.LastCommand)
	assert.True(t, status.LastCommand.Confirmed)
	assert.Equal(t, []error{nil, nil}, sleepErrs)
	h.client.AssertExpectations(t)
}

func TestTicksDoNotOverlap(t *testing.T) {
	h := newHarness(10, autoSettings())
	h.client.On("GetOverview", mock.Anything, testVehicle).Return(chargingOverview(50), nil)

	var inFlight, maxInFlight atomic.Int32
	h.price.fn = func() {
		n := inFlight.Add(1)
		for {
			m := maxInFlight.Load()
			if n <= m || maxInFlight.CompareAndSwap(m, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		inFlight.Add(-1)
	}

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.loop.Tick(context.Background())
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(5), h.price.calls.Load())
	assert.Equal(t, int32(1), maxInFlight.Load())
}

func TestRun(t *testing.T) {
	h := newHarness(10, autoSettings())
	h.client.On("GetOverview", mock.Anything, testVehicle).Return(chargingOverview(50), nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)
	go func() {
		done <- h.loop.Run(ctx)
	}()

	require.Eventually(t, func() bool {
		return len(h.publisher.Published()) >= 1
	}, 5*time.Second, 10*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	published := h.publisher.Published()
	require.NotEmpty(t, published)
	assert.NotEmpty(t, published[0].LastTickID)
	assert.Equal(t, testVehicle.VIN, published[0].VIN)
}

func TestStatusIsCopy(t *testing.T) {
	h := newHarness(10, autoSettings())
	h.client.On("GetOverview", mock.Anything, testVehicle).Return(chargingOverview(50), nil)
	h.loop.Tick(context.Background())

	s := h.loop.Status()
	require.NotNil(t, s.BatteryLevel)
	*s.BatteryLevel = 1
	assert.Equal(t, 50.0, *h.loop.Status().BatteryLevel)
}

func TestCommand(t *testing.T) {
	ctx := context.Background()

	t.Run("Stop", func(t *testing.T) {
		h := newHarness(10, autoSettings())
		h.client.On("GetOverview", mock.Anything, testVehicle).Return(chargingOverview(12), nil)
		h.client.On("SetTargetSOC", mock.Anything, testVehicle, 25).Return(success, nil).Once()
		h.client.On("StopCharge", mock.Anything, testVehicle).Return(success, nil).Once()

		cl, err := h.loop.Command(ctx, types.ChargeDirectionStop)
		require.NoError(t, err)
		assert.True(t, cl.Confirmed)
		assert.Equal(t, 25, cl.Command.TargetSOCPercent)
		require.NotNil(t, h.loop.Status().LastCommand)
		h.client.AssertExpectations(t)
	})

	t.Run("StartIgnoresAutoMode", func(t *testing.T) {
		settings := types.Settings{TargetSOC: 90}
		h := newHarness(10, settings)
		h.client.On("SetTargetSOC", mock.Anything, testVehicle, 90).Return(success, nil).Once()
		h.client.On("StartCharge", mock.Anything, testVehicle).Return(success, nil).Once()
		h.client.On("GetOverview", mock.Anything, testVehicle).Return(chargingOverview(50), nil).Once()

		cl, err := h.loop.Command(ctx, types.ChargeDirectionStart)
		require.NoError(t, err)
		assert.True(t, cl.Confirmed)
		h.client.AssertExpectations(t)
	})

	t.Run("NotAuthenticated", func(t *testing.T) {
		h := newHarness(10, autoSettings())
		h.session.ok = false
		_, err := h.loop.Command(ctx, types.ChargeDirectionStart)
		assert.Error(t, err)
	})

	t.Run("UnknownDirection", func(t *testing.T) {
		h := newHarness(10, autoSettings())
		_, err := h.loop.Command(ctx, types.ChargeDirection("sideways"))
		assert.ErrorContains(t, err, "unknown charge direction")
	})
}
