package control

import (
	"context"
	"errors"
	"log/slog"

	"github.com/raterudder/chargerudder/pkg/controller"
	"github.com/raterudder/chargerudder/pkg/log"
	"github.com/raterudder/chargerudder/pkg/metrics"
	"github.com/raterudder/chargerudder/pkg/types"
	"github.com/raterudder/chargerudder/pkg/vehicle"
)

// execute applies the target state of charge, lets it settle, sends the
// command and re-reads the overview once it was confirmed. A command that is
// not confirmed is not retried here; the next tick decides again.
func (l *Loop) execute(ctx context.Context, v vehicle.Vehicle, cmd types.ChargeCommand) types.CommandLog {
	ctx = log.With(ctx, log.Ctx(ctx).With(
		slog.String("direction", string(cmd.Direction)),
		slog.String("vin", v.VIN),
	))

	if cmd.TargetSOCPercent > 0 {
		l.applyTargetSOC(ctx, v, cmd.TargetSOCPercent)
	}

	var res types.CommandResult
	var err error
	switch cmd.Direction {
	case types.ChargeDirectionStart:
		res, err = l.client.StartCharge(ctx, v)
	default:
		res, err = l.client.StopCharge(ctx, v)
	}

	cl := types.CommandLog{Command: cmd, Timestamp: l.now()}
	if err != nil {
		cl.Message = err.Error()
		metrics.CommandsTotal.WithLabelValues(string(cmd.Direction), "error").Inc()
		log.Ctx(ctx).ErrorContext(ctx, "charge command failed, no confirmed change", slog.Any("error", err))
		if errors.Is(err, vehicle.ErrUnauthorized) {
			l.session.Invalidate(ctx)
		}
		return cl
	}
	cl.Message = res.Message
	if !res.Succeeded() {
		if cl.Message == "" {
			cl.Message = res.Status
		}
		metrics.CommandsTotal.WithLabelValues(string(cmd.Direction), "unconfirmed").Inc()
		log.Ctx(ctx).WarnContext(
			ctx,
			"charge command not confirmed, no confirmed change",
			slog.String("status", res.Status),
			slog.String("message", res.Message),
		)
		return cl
	}

	cl.Confirmed = true
	metrics.CommandsTotal.WithLabelValues(string(cmd.Direction), "confirmed").Inc()
	log.Ctx(ctx).InfoContext(ctx, "charge command confirmed", slog.String("status", res.Status))

	l.verify(ctx, v, cmd.Direction)
	return cl
}

func (l *Loop) applyTargetSOC(ctx context.Context, v vehicle.Vehicle, percent int) {
	percent = controller.ClampSOC(percent)
	settle := settleUnconfirmed
	res, err := l.client.SetTargetSOC(ctx, v, percent)
	switch {
	case err != nil:
		log.Ctx(ctx).WarnContext(ctx, "failed to set target state of charge", slog.Int("targetSOC", percent), slog.Any("error", err))
	case !res.Succeeded():
		log.Ctx(ctx).WarnContext(
			ctx,
			"target state of charge not confirmed",
			slog.Int("targetSOC", percent),
			slog.String("status", res.Status),
		)
	default:
		settle = settleConfirmed
		log.Ctx(ctx).InfoContext(ctx, "set target state of charge", slog.Int("targetSOC", percent))
	}
	if err := l.sleep(ctx, settle); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "settle wait interrupted", slog.Any("error", err))
	}
}

// verify re-reads the overview after a confirmed command. The command stands
// even if the vehicle does not report the expected state yet.
func (l *Loop) verify(ctx context.Context, v vehicle.Vehicle, direction types.ChargeDirection) {
	if err := l.sleep(ctx, verifyDelay); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "verify wait interrupted", slog.Any("error", err))
		return
	}
	overview, err := l.fetchOverview(ctx, v)
	if err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to verify charge command", slog.Any("error", err))
		return
	}
	state := controller.InferChargeState(overview)
	expected := direction == types.ChargeDirectionStart
	if state.IsCharging != expected {
		log.Ctx(ctx).WarnContext(
			ctx,
			"vehicle has not reported the new charging state yet",
			slog.Bool("charging", state.IsCharging),
			slog.Bool("pluggedIn", state.IsPluggedIn),
		)
		return
	}
	log.Ctx(ctx).InfoContext(ctx, "verified charging state", slog.Bool("charging", state.IsCharging))
}
