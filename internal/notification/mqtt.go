package notification

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"github.com/mikeyg42/classycam/internal/config"
	"github.com/mikeyg42/classycam/internal/zone"
)

const publishTimeout = 2 * time.Second

// mqttClient is the part of mqtt.Client the publisher uses.
type mqttClient interface {
	IsConnectionOpen() bool
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Disconnect(quiesce uint)
}

// MQTTPublisher publishes every event as JSON on <topic>/<kind>.
type MQTTPublisher struct {
	cfg    config.MQTTConfig
	client mqttClient
	logger *zap.Logger
}

// NewMQTTPublisher connects to the broker. The client reconnects on its own
// after the initial connection.
func NewMQTTPublisher(cfg config.MQTTConfig, logger *zap.Logger) (*MQTTPublisher, error) {
	if logger == nil {
		logger = zap.L()
	}
	logger = logger.Named("mqtt")

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.SetConnectTimeout(cfg.ConnectTimeout)
	opts.OnConnect = func(mqtt.Client) {
		logger.Info("mqtt connection established",
			zap.String("broker", cfg.Broker),
			zap.String("client_id", cfg.ClientID))
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		logger.Warn("mqtt connection lost, will auto-reconnect",
			zap.String("broker", cfg.Broker),
			zap.Error(err))
	}

	client := mqtt.NewClient(opts)
	logger.Info("connecting to mqtt broker", zap.String("broker", cfg.Broker))

	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	token := client.Connect()
	if !token.WaitTimeout(timeout) {
		return nil, fmt.Errorf("mqtt connection to %s timed out", cfg.Broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connection failed: %w", err)
	}

	return newMQTTPublisher(cfg, client, logger), nil
}

func newMQTTPublisher(cfg config.MQTTConfig, client mqttClient, logger *zap.Logger) *MQTTPublisher {
	return &MQTTPublisher{cfg: cfg, client: client, logger: logger}
}

func (p *MQTTPublisher) Name() string { return "mqtt" }

// Topic returns the topic an event kind is published on.
func (p *MQTTPublisher) Topic(kind zone.Kind) string {
	return fmt.Sprintf("%s/%s", p.cfg.Topic, kind)
}

func (p *MQTTPublisher) Send(ctx context.Context, ev zone.Event) error {
	if !p.client.IsConnectionOpen() {
		return errors.New("mqtt not connected")
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		return backoff.Permanent(fmt.Errorf("failed to marshal event: %w", err))
	}

	topic := p.Topic(ev.Kind)
	token := p.client.Publish(topic, p.cfg.QoS, p.cfg.Retained, payload)

	select {
	case <-token.Done():
	case <-time.After(publishTimeout):
		return errors.New("publish timeout")
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish failed: %w", err)
	}

	p.logger.Debug("event published",
		zap.String("topic", topic),
		zap.Uint8("qos", p.cfg.QoS),
		zap.Int("size", len(payload)))
	return nil
}

// Close disconnects with a short grace period.
func (p *MQTTPublisher) Close() {
	p.client.Disconnect(250)
	p.logger.Info("mqtt disconnected")
}
