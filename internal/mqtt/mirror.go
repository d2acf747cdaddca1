// Package mqtt mirrors gateway events onto an MQTT broker so external
// operator tooling can follow pairing requests, presence changes, and node
// availability without holding a gateway WebSocket open.
package mqtt

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"clawgate/internal/gateway"
)

// Config holds MQTT mirror configuration.
type Config struct {
	Broker      string
	Username    string
	Password    string
	TopicPrefix string
	ClientID    string
}

// Mirror republishes gateway events to MQTT topics under a prefix.
type Mirror struct {
	client pahomqtt.Client
	events *gateway.EventBus
	prefix string
	logger *slog.Logger
	unsub  func()
}

// NewMirror creates and connects an MQTT mirror.
func NewMirror(events *gateway.EventBus, cfg Config, logger *slog.Logger) (*Mirror, error) {
	if cfg.ClientID == "" {
		cfg.ClientID = "clawgate"
	}
	m := &Mirror{
		events: events,
		prefix: cfg.TopicPrefix,
		logger: logger.With("component", "mqtt"),
	}

	opts := pahomqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetWill(cfg.TopicPrefix+"/bridge/state", "offline", 1, true).
		SetOnConnectHandler(func(_ pahomqtt.Client) {
			m.logger.Info("MQTT connected")
			m.publishBridgeState("online")
		}).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			m.logger.Warn("MQTT connection lost", "err", err)
		})

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	client := pahomqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, fmt.Errorf("mqtt connect timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}

	m.client = client
	return m, nil
}

// Start subscribes to gateway events and begins mirroring.
func (m *Mirror) Start() {
	m.unsub = m.events.OnAll(m.handleEvent)
	m.logger.Info("MQTT mirror started", "prefix", m.prefix)
}

// Stop publishes offline state, unsubscribes, and disconnects.
func (m *Mirror) Stop() {
	if m.unsub != nil {
		m.unsub()
	}
	m.publishBridgeState("offline")
	m.client.Disconnect(1000)
	m.logger.Info("MQTT mirror stopped")
}

func (m *Mirror) handleEvent(event gateway.Event) {
	data, err := json.Marshal(event.Payload)
	if err != nil {
		m.logger.Error("mqtt marshal", "type", event.Type, "err", err)
		return
	}
	topic := m.prefix + "/events/" + event.Type
	if token := m.client.Publish(topic, 0, false, data); token.Wait() && token.Error() != nil {
		m.logger.Warn("mqtt publish", "topic", topic, "err", token.Error())
	}
}

func (m *Mirror) publishBridgeState(state string) {
	m.client.Publish(m.prefix+"/bridge/state", 1, true, state)
}
