// Package metrics holds the prometheus collectors exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// TicksTotal counts control loop ticks by outcome
	// (acted, idle, skipped, panic).
	TicksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chargerudder_ticks_total",
			Help: "Total number of control loop ticks by result.",
		},
		[]string{"result"},
	)

	TickDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "chargerudder_tick_duration_seconds",
			Help:    "Wall time of a control loop tick including settle and verify waits.",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 20, 30, 60, 120},
		},
	)

	RetryAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chargerudder_retry_attempts_total",
			Help: "Total number of retries after a transient error.",
		},
		[]string{"op"},
	)

	// CommandsTotal counts commands sent to the vehicle.
	// status: confirmed, unconfirmed, error
	CommandsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chargerudder_commands_total",
			Help: "Total number of charge commands sent to the vehicle.",
		},
		[]string{"command", "status"},
	)

	// PriceLookupsTotal counts where the current price came from
	// (mock, cache, live, stale, threshold).
	PriceLookupsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chargerudder_price_lookups_total",
			Help: "Total number of current price lookups by source.",
		},
		[]string{"source"},
	)

	PriceCents = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "chargerudder_price_cents_per_kwh",
			Help: "Last price used for a decision.",
		},
	)

	ThresholdCents = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "chargerudder_threshold_cents_per_kwh",
			Help: "Last threshold used for a decision.",
		},
	)

	BatteryLevel = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "chargerudder_battery_level_percent",
			Help: "Last reported battery level.",
		},
	)

	// VehicleState is 1 when the named state is true (charging, plugged_in).
	VehicleState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "chargerudder_vehicle_state",
			Help: "Inferred vehicle state (1=true, 0=false).",
		},
		[]string{"state"},
	)

	// AuthAttemptsTotal counts authentication attempts.
	// result: token, success, captcha, wrong_credentials, failed
	AuthAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chargerudder_auth_attempts_total",
			Help: "Total number of vehicle account authentication attempts by result.",
		},
		[]string{"result"},
	)
)

func init() {
	prometheus.MustRegister(
		TicksTotal,
		TickDuration,
		RetryAttemptsTotal,
		CommandsTotal,
		PriceLookupsTotal,
		PriceCents,
		ThresholdCents,
		BatteryLevel,
		VehicleState,
		AuthAttemptsTotal,
	)
}

// SetBool sets g to 1 if v is true and 0 otherwise.
func SetBool(g prometheus.Gauge, v bool) {
	if v {
		g.Set(1)
	} else {
		g.Set(0)
	}
}
