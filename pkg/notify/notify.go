// Package notify publishes a report of every control loop tick so home
// automation can follow what the charger is doing.
package notify

import (
	"context"
	"encoding/json"
	"time"

	"github.com/levenlabs/go-lflag"
	"github.com/raterudder/chargerudder/pkg/types"
)

// Publisher publishes tick reports.
type Publisher interface {
	// Publish sends the status. Errors are reported but must never stop the
	// control loop.
	Publish(ctx context.Context, status types.LoopStatus) error
	// Close disconnects from the broker.
	Close() error
}

// Payload is the published JSON document.
type Payload struct {
	Timestamp string           `json:"timestamp"`
	Status    types.LoopStatus `json:"status"`
}

// FormatPayload creates the JSON payload for a status.
func FormatPayload(status types.LoopStatus) ([]byte, error) {
	ts := status.LastTick
	if ts.IsZero() {
		ts = time.Now()
	}
	return json.Marshal(Payload{
		Timestamp: ts.UTC().Format(time.RFC3339),
		Status:    status,
	})
}

// Configured returns an MQTT publisher when mqtt-broker is set and a no-op
// publisher otherwise.
func Configured() Publisher {
	broker := lflag.String("mqtt-broker", "", "MQTT broker URL, e.g. tcp://localhost:1883 (empty disables publishing)")
	topic := lflag.String("mqtt-topic", "chargerudder/status", "MQTT topic for tick reports")
	clientID := lflag.String("mqtt-client-id", "chargerudder", "MQTT client ID")

	var p struct{ Publisher }

	lflag.Do(func() {
		if *broker == "" {
			p.Publisher = Noop{}
			return
		}
		p.Publisher = NewMQTT(*broker, *topic, *clientID)
	})

	return &p
}

// Noop discards every report.
type Noop struct{}

// Publish implements Publisher.
func (Noop) Publish(ctx context.Context, status types.LoopStatus) error { return nil }

// Close implements Publisher.
func (Noop) Close() error { return nil }
