package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/speakcapture/speakcapture/internal/config"
)

// RecordingSaved is published after a recording is uploaded and stored.
type RecordingSaved struct {
	ID              string    `json:"id"`
	QuestionID      string    `json:"question_id"`
	AudioURL        string    `json:"audio_url"`
	DurationSeconds float64   `json:"duration_seconds"`
	CreatedAt       time.Time `json:"created_at"`
}

// Publisher announces saved recordings.
type Publisher interface {
	PublishRecordingSaved(ctx context.Context, ev RecordingSaved) error
	Close()
}

// New connects to the configured broker, or returns a no-op publisher when
// no broker is set.
func New(cfg config.EventsConfig) (Publisher, error) {
	if cfg.Broker == "" {
		return Noop{}, nil
	}
	return NewMQTTPublisher(cfg)
}

// Noop discards events.
type Noop struct{}

func (Noop) PublishRecordingSaved(context.Context, RecordingSaved) error { return nil }
func (Noop) Close()                                                      {}

// tokenPublisher is the subset of mqtt.Client used for publishing.
type tokenPublisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// MQTTPublisher publishes events as JSON over MQTT at QoS 1.
type MQTTPublisher struct {
	client mqtt.Client
	pub    tokenPublisher
	topic  string // may contain {question_id}
}

// NewMQTTPublisher connects to cfg.Broker.
func NewMQTTPublisher(cfg config.EventsConfig) (*MQTTPublisher, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	opts.SetUsername(cfg.Username)
	opts.SetPassword(cfg.Password)
	opts.SetOnConnectHandler(func(mqtt.Client) {
		slog.Info("MQTT connection established", "broker", cfg.Broker)
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		slog.Warn("MQTT connection lost", "error", err)
	})
	opts.SetAutoReconnect(true)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
	}

	return &MQTTPublisher{client: client, pub: client, topic: cfg.Topic}, nil
}

func (p *MQTTPublisher) PublishRecordingSaved(ctx context.Context, ev RecordingSaved) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	topic := formatTopic(p.topic, ev.QuestionID)
	token := p.pub.Publish(topic, 1, false, payload)
	select {
	case <-token.Done():
	case <-ctx.Done():
		return fmt.Errorf("publish to %s: %w", topic, ctx.Err())
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", topic, err)
	}

	slog.Debug("Published recording event", "topic", topic, "id", ev.ID)
	return nil
}

func (p *MQTTPublisher) Close() {
	if p.client != nil {
		p.client.Disconnect(250)
	}
}

// formatTopic replaces the {question_id} placeholder.
func formatTopic(pattern, questionID string) string {
	return strings.ReplaceAll(pattern, "{question_id}", questionID)
}
