package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/speakcapture/speakcapture/internal/config"
)

type fakeToken struct {
	done chan struct{}
	err  error
}

func completedToken(err error) *fakeToken {
	t := &fakeToken{done: make(chan struct{}), err: err}
	close(t.done)
	return t
}

func (t *fakeToken) Wait() bool                     { <-t.done; return true }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return true }
func (t *fakeToken) Done() <-chan struct{}          { return t.done }
func (t *fakeToken) Error() error                   { return t.err }

type fakeClient struct {
	topic   string
	qos     byte
	payload []byte
	token   *fakeToken
}

func (c *fakeClient) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	c.topic = topic
	c.qos = qos
	c.payload = payload.([]byte)
	return c.token
}

func TestMQTTPublisher_PublishRecordingSaved(t *testing.T) {
	fc := &fakeClient{token: completedToken(nil)}
	p := &MQTTPublisher{pub: fc, topic: "speakcapture/{question_id}/saved"}

	ev := RecordingSaved{ID: "r1", QuestionID: "q7", AudioURL: "https://cdn/x.wav", DurationSeconds: 4}
	require.NoError(t, p.PublishRecordingSaved(context.Background(), ev))

	assert.Equal(t, "speakcapture/q7/saved", fc.topic)
	assert.Equal(t, byte(1), fc.qos)

	var got RecordingSaved
	require.NoError(t, json.Unmarshal(fc.payload, &got))
	assert.Equal(t, ev.ID, got.ID)
	assert.Equal(t, ev.AudioURL, got.AudioURL)
}

func TestMQTTPublisher_PublishError(t *testing.T) {
	boom := errors.New("not connected")
	p := &MQTTPublisher{pub: &fakeClient{token: completedToken(boom)}, topic: "t"}
	err := p.PublishRecordingSaved(context.Background(), RecordingSaved{})
	assert.ErrorIs(t, err, boom)
}

func TestMQTTPublisher_ContextCancelled(t *testing.T) {
	pending := &fakeToken{done: make(chan struct{})}
	p := &MQTTPublisher{pub: &fakeClient{token: pending}, topic: "t"}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := p.PublishRecordingSaved(ctx, RecordingSaved{})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestNew_WithoutBrokerIsNoop(t *testing.T) {
	p, err := New(config.EventsConfig{})
	require.NoError(t, err)
	assert.IsType(t, Noop{}, p)
	assert.NoError(t, p.PublishRecordingSaved(context.Background(), RecordingSaved{}))
	p.Close()
}
