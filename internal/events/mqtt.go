package events

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// MQTTPublisher publishes each event to {topic}/{event type}.
type MQTTPublisher struct {
	client mqtt.Client
	topic  string
	logger *slog.Logger

	mu        sync.RWMutex
	connected bool
}

// NewMQTTPublisher connects to broker (host:port or a full URL).
func NewMQTTPublisher(broker, clientID, topic string, logger *slog.Logger) (*MQTTPublisher, error) {
	p := &MQTTPublisher{topic: strings.TrimRight(topic, "/"), logger: logger}

	if !strings.Contains(broker, "://") {
		broker = "tcp://" + broker
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(broker)
	opts.SetClientID(clientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)

	opts.OnConnect = func(c mqtt.Client) {
		p.setConnected(true)
		logger.Info("mqtt connection established", "broker", broker, "client_id", clientID)
	}
	opts.OnConnectionLost = func(c mqtt.Client, err error) {
		p.setConnected(false)
		logger.Warn("mqtt connection lost, will auto-reconnect", "broker", broker, "error", err)
	}

	p.client = mqtt.NewClient(opts)

	token := p.client.Connect()
	if !token.WaitTimeout(5 * time.Second) {
		return nil, fmt.Errorf("mqtt connection timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connection failed: %w", err)
	}
	p.setConnected(true)

	return p, nil
}

func (p *MQTTPublisher) Publish(ctx context.Context, e Event) error {
	if !p.isConnected() {
		return fmt.Errorf("mqtt not connected")
	}

	payload, err := e.JSON()
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	// State transitions must arrive; per-frame events are best effort.
	var qos byte
	if e.Type == TypeTaskState || e.Type == TypeTaskSummary {
		qos = 1
	}

	token := p.client.Publish(p.topic+"/"+e.Type, qos, false, payload)
	select {
	case <-token.Done():
	case <-ctx.Done():
		return fmt.Errorf("publish %s: %w", e.Type, ctx.Err())
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish failed: %w", err)
	}
	return nil
}

func (p *MQTTPublisher) Close() error {
	if p.client != nil && p.client.IsConnected() {
		p.client.Disconnect(250)
	}
	p.setConnected(false)
	return nil
}

func (p *MQTTPublisher) setConnected(v bool) {
	p.mu.Lock()
	p.connected = v
	p.mu.Unlock()
}

func (p *MQTTPublisher) isConnected() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.connected
}
