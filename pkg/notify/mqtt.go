package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/raterudder/chargerudder/pkg/log"
	"github.com/raterudder/chargerudder/pkg/types"
)

// MQTT publishes retained tick reports to a broker. The availability topic
// carries "online" while connected and "offline" as the last will.
type MQTT struct {
	client paho.Client
	topic  string
}

// NewMQTT starts connecting to broker in the background and returns
// immediately. Reports published before the connection is up are dropped.
func NewMQTT(broker, topic, clientID string) *MQTT {
	availability := topic + "/availability"
	opts := paho.NewClientOptions().
		AddBroker(broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5*time.Second).
		SetWill(availability, "offline", 1, true).
		SetOnConnectHandler(func(c paho.Client) {
			c.Publish(availability, 1, true, "online")
			log.Ctx(context.Background()).InfoContext(context.Background(), "connected to mqtt broker", slog.String("broker", broker))
		}).
		SetConnectionLostHandler(func(_ paho.Client, err error) {
			log.Ctx(context.Background()).WarnContext(context.Background(), "lost mqtt connection", slog.Any("error", err))
		})

	client := paho.NewClient(opts)
	client.Connect()

	return &MQTT{
		client: client,
		topic:  topic,
	}
}

// Publish implements Publisher.
func (m *MQTT) Publish(ctx context.Context, status types.LoopStatus) error {
	if !m.client.IsConnectionOpen() {
		return errors.New("mqtt not connected")
	}
	payload, err := FormatPayload(status)
	if err != nil {
		return fmt.Errorf("format payload: %w", err)
	}

	// QoS 0 (at-most-once), retained so new subscribers see the last tick
	token := m.client.Publish(m.topic, 0, true, payload)
	if !token.WaitTimeout(5 * time.Second) {
		return errors.New("publish timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish: %w", err)
	}
	return nil
}

// Close disconnects from the broker.
func (m *MQTT) Close() error {
	m.client.Disconnect(1000) // 1 second timeout
	return nil
}
