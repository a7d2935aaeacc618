// Package control runs the periodic decide-and-act loop for the vehicle.
package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/levenlabs/go-lflag"
	"github.com/raterudder/chargerudder/pkg/controller"
	"github.com/raterudder/chargerudder/pkg/log"
	"github.com/raterudder/chargerudder/pkg/metrics"
	"github.com/raterudder/chargerudder/pkg/notify"
	"github.com/raterudder/chargerudder/pkg/retry"
	"github.com/raterudder/chargerudder/pkg/storage"
	"github.com/raterudder/chargerudder/pkg/types"
	"github.com/raterudder/chargerudder/pkg/vehicle"
	"golang.org/x/sync/errgroup"
)

const (
	// DefaultInterval is the time between ticks.
	DefaultInterval = 5 * time.Minute

	overviewRetries = 3

	settleConfirmed   = 5 * time.Second
	settleUnconfirmed = 2 * time.Second
	verifyDelay       = 10 * time.Second
)

// Authenticator keeps the vehicle session alive.
type Authenticator interface {
	EnsureAuthenticated(ctx context.Context) bool
	Invalidate(ctx context.Context)
	Vehicle() (vehicle.Vehicle, bool)
	State() string
}

// PriceSource returns the price to decide on.
type PriceSource interface {
	CurrentPrice(ctx context.Context, settings types.Settings) float64
}

// Loop decides on every tick whether the vehicle should charge and sends the
// matching command.
type Loop struct {
	session   Authenticator
	client    vehicle.Client
	prices    PriceSource
	settings  storage.SettingsStore
	publisher notify.Publisher
	interval  time.Duration

	policy retry.Policy
	sleep  func(ctx context.Context, d time.Duration) error
	now    func() time.Time

	// tickMu keeps ticks and manual commands from overlapping
	tickMu sync.Mutex

	mu     sync.RWMutex
	status types.LoopStatus
}

// Configured returns a Loop whose interval comes from flags.
func Configured(session Authenticator, client vehicle.Client, prices PriceSource, settings storage.SettingsStore, publisher notify.Publisher) *Loop {
	l := NewLoop(session, client, prices, settings, publisher, DefaultInterval)
	interval := lflag.Duration("check-interval", DefaultInterval, "Time between charging decisions")

	lflag.Do(func() {
		if *interval <= 0 {
			panic(fmt.Sprintf("check-interval must be positive, got %s", *interval))
		}
		l.interval = *interval
	})
	return l
}

// NewLoop returns a Loop. A nil publisher publishes nothing.
func NewLoop(session Authenticator, client vehicle.Client, prices PriceSource, settings storage.SettingsStore, publisher notify.Publisher, interval time.Duration) *Loop {
	if publisher == nil {
		publisher = notify.Noop{}
	}
	return &Loop{
		session:   session,
		client:    client,
		prices:    prices,
		settings:  settings,
		publisher: publisher,
		interval:  interval,
		policy:    retry.Policy{Name: "overview"},
		sleep:     sleepCtx,
		now:       time.Now,
	}
}

// Run ticks once immediately and then every interval until ctx is canceled.
// Cancellation is only noticed between ticks.
func (l *Loop) Run(ctx context.Context) error {
	log.Ctx(ctx).InfoContext(ctx, "starting control loop", slog.Duration("interval", l.interval))

	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	l.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			log.Ctx(ctx).InfoContext(ctx, "control loop stopped")
			return nil
		case <-ticker.C:
			if ctx.Err() != nil {
				continue
			}
			l.Tick(ctx)
		}
	}
}

// Status returns a copy of what the last tick saw and did.
func (l *Loop) Status() types.LoopStatus {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return copyStatus(l.status)
}

// Tick runs one decide-and-act cycle and returns its status. It never
// panics and is never interrupted by ctx being canceled.
func (l *Loop) Tick(ctx context.Context) (status types.LoopStatus) {
	l.tickMu.Lock()
	defer l.tickMu.Unlock()

	id := uuid.NewString()
	ctx = log.With(context.WithoutCancel(ctx), log.Ctx(ctx).With(slog.String("tickID", id)))
	start := l.now()

	status = types.LoopStatus{
		LastTick:    start,
		LastTickID:  id,
		LastCommand: l.Status().LastCommand,
	}

	defer func() {
		if r := recover(); r != nil {
			log.Ctx(ctx).ErrorContext(ctx, "control loop tick panicked", slog.Any("panic", r))
			metrics.TicksTotal.WithLabelValues("panic").Inc()
			status.Skipped = fmt.Sprintf("panic: %v", r)
		}
		status.AuthState = l.session.State()
		metrics.TickDuration.Observe(l.now().Sub(start).Seconds())

		l.mu.Lock()
		l.status = copyStatus(status)
		l.mu.Unlock()

		if err := l.publisher.Publish(ctx, status); err != nil {
			log.Ctx(ctx).WarnContext(ctx, "failed to publish tick report", slog.Any("error", err))
		}
		status = copyStatus(status)
	}()

	result := l.tick(ctx, &status)
	metrics.TicksTotal.WithLabelValues(result).Inc()
	return status
}

func (l *Loop) tick(ctx context.Context, status *types.LoopStatus) string {
	skip := func(reason string) string {
		status.Skipped = reason
		log.Ctx(ctx).InfoContext(ctx, "skipping tick", slog.String("reason", reason))
		return "skipped"
	}

	settings, _, err := storage.GetSettingsWithMigration(ctx, l.settings)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to get settings", slog.Any("error", err))
		return skip("failed to read settings")
	}
	status.ThresholdCents = settings.PriceThresholdCentsPerKWH
	status.DryRun = settings.DryRun
	if !settings.AutoMode {
		return skip("auto mode is off")
	}

	if !l.session.EnsureAuthenticated(ctx) {
		log.Ctx(ctx).ErrorContext(ctx, "vehicle account is not authenticated")
		return skip("not authenticated")
	}
	v, ok := l.session.Vehicle()
	if !ok {
		return skip("no vehicle selected")
	}
	status.VIN = v.VIN

	// the overview and price are independent so fetch them together
	var overview types.Overview
	var price float64
	g, gctx := errgroup.WithContext(ctx)
	g.Go(recovering(func() error {
		var err error
		overview, err = l.fetchOverview(gctx, v)
		return err
	}))
	g.Go(recovering(func() error {
		price = l.prices.CurrentPrice(gctx, settings)
		return nil
	}))
	if err := g.Wait(); err != nil {
		var pe *panicError
		if errors.As(err, &pe) {
			log.Ctx(ctx).ErrorContext(ctx, "control loop tick panicked", slog.Any("panic", pe.value))
			status.Skipped = pe.Error()
			return "panic"
		}
		log.Ctx(ctx).ErrorContext(ctx, "failed to fetch vehicle overview", slog.Any("error", err))
		if errors.Is(err, vehicle.ErrUnauthorized) {
			l.session.Invalidate(ctx)
		}
		return skip("failed to fetch vehicle overview")
	}

	state := controller.InferChargeState(overview)
	decision := controller.Decide(price, settings.PriceThresholdCentsPerKWH, state)

	status.PriceCents = price
	status.State = state
	status.BatteryLevel = overview.BatteryLevelPercent
	status.Decision = decision
	recordGauges(price, settings.PriceThresholdCentsPerKWH, state, overview.BatteryLevelPercent)

	log.Ctx(ctx).InfoContext(
		ctx,
		"charging decision",
		slog.String("action", decision.Action.String()),
		slog.String("reason", decision.Reason),
		slog.Float64("price", price),
		slog.Float64("threshold", settings.PriceThresholdCentsPerKWH),
		slog.Bool("charging", state.IsCharging),
		slog.Bool("pluggedIn", state.IsPluggedIn),
	)

	if decision.Action == types.ActionNone {
		return "idle"
	}
	cmd := buildCommand(decision.Action, settings, overview)
	if settings.DryRun {
		log.Ctx(ctx).InfoContext(
			ctx,
			"dry run, not sending command",
			slog.String("direction", string(cmd.Direction)),
			slog.Int("targetSOC", cmd.TargetSOCPercent),
		)
		return "dry_run"
	}

	cl := l.execute(ctx, v, cmd)
	status.LastCommand = &cl
	return "acted"
}

// Command sends a start or stop outside the schedule through the same
// settle and verify sequence as a tick. It waits for a running tick.
func (l *Loop) Command(ctx context.Context, direction types.ChargeDirection) (types.CommandLog, error) {
	var action types.Action
	switch direction {
	case types.ChargeDirectionStart:
		action = types.ActionStart
	case types.ChargeDirectionStop:
		action = types.ActionStop
	default:
		return types.CommandLog{}, fmt.Errorf("unknown charge direction: %q", direction)
	}

	l.tickMu.Lock()
	defer l.tickMu.Unlock()
	ctx = context.WithoutCancel(ctx)

	settings, _, err := storage.GetSettingsWithMigration(ctx, l.settings)
	if err != nil {
		return types.CommandLog{}, fmt.Errorf("failed to get settings: %w", err)
	}
	if !l.session.EnsureAuthenticated(ctx) {
		return types.CommandLog{}, errors.New("vehicle account is not authenticated")
	}
	v, ok := l.session.Vehicle()
	if !ok {
		return types.CommandLog{}, errors.New("no vehicle selected")
	}

	var overview types.Overview
	if action == types.ActionStop {
		// the stop target needs the current level but an unknown level has a
		// fallback
		overview, err = l.fetchOverview(ctx, v)
		if err != nil {
			log.Ctx(ctx).WarnContext(ctx, "failed to fetch overview before stop", slog.Any("error", err))
			if errors.Is(err, vehicle.ErrUnauthorized) {
				l.session.Invalidate(ctx)
				return types.CommandLog{}, err
			}
		}
	}

	log.Ctx(ctx).InfoContext(ctx, "manual charge command", slog.String("direction", string(direction)))
	cl := l.execute(ctx, v, buildCommand(action, settings, overview))

	l.mu.Lock()
	l.status.LastCommand = &cl
	l.mu.Unlock()
	return cl, nil
}

// panicError carries a panic out of an errgroup goroutine, where the deferred
// recover in Tick cannot see it.
type panicError struct {
	value any
}

func (e *panicError) Error() string {
	return fmt.Sprintf("panic: %v", e.value)
}

func recovering(fn func() error) func() error {
	return func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = &panicError{value: r}
			}
		}()
		return fn()
	}
}

func (l *Loop) fetchOverview(ctx context.Context, v vehicle.Vehicle) (types.Overview, error) {
	var overview types.Overview
	err := l.policy.Do(ctx, overviewRetries, vehicle.Classify, func(ctx context.Context) error {
		var err error
		overview, err = l.client.GetOverview(ctx, v)
		return err
	})
	return overview, err
}

func buildCommand(action types.Action, settings types.Settings, overview types.Overview) types.ChargeCommand {
	if action == types.ActionStop {
		return types.ChargeCommand{
			Direction:        types.ChargeDirectionStop,
			TargetSOCPercent: controller.StopTargetSOC(overview.BatteryLevelPercent),
		}
	}
	cmd := types.ChargeCommand{Direction: types.ChargeDirectionStart}
	if settings.TargetSOC > 0 {
		cmd.TargetSOCPercent = controller.ClampSOC(settings.TargetSOC)
	}
	return cmd
}

func recordGauges(price, threshold float64, state types.ChargeState, level *float64) {
	metrics.PriceCents.Set(price)
	metrics.ThresholdCents.Set(threshold)
	metrics.SetBool(metrics.VehicleState.WithLabelValues("charging"), state.IsCharging)
	metrics.SetBool(metrics.VehicleState.WithLabelValues("plugged_in"), state.IsPluggedIn)
	if level != nil {
		metrics.BatteryLevel.Set(*level)
	}
}

func copyStatus(s types.LoopStatus) types.LoopStatus {
	if s.BatteryLevel != nil {
		level := *s.BatteryLevel
		s.BatteryLevel = &level
	}
	if s.LastCommand != nil {
		cl := *s.LastCommand
		s.LastCommand = &cl
	}
	return s
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
