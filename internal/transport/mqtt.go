package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/ChuLiYu/sitepresence/pkg/types"
	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// ErrNotConnected is a transient failure raised while the broker is offline.
var ErrNotConnected = errors.New("mqtt: client not connected")

// Publisher is the subset of mqtt.Client used by MQTTSender.
type Publisher interface {
	IsConnectionOpen() bool
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// MQTTSender publishes events with QoS 1. "{user_id}" in the topic is
// replaced by the event's user.
type MQTTSender struct {
	client Publisher
	topic  string
}

// NewMQTTSender creates a sender publishing on topic.
func NewMQTTSender(client Publisher, topic string) *MQTTSender {
	return &MQTTSender{client: client, topic: topic}
}

// Send implements Sender.
func (s *MQTTSender) Send(ctx context.Context, ev types.TransitionEvent) error {
	if !s.client.IsConnectionOpen() {
		return ErrNotConnected
	}

	data, err := json.Marshal(newPayload(ev))
	if err != nil {
		return Validation(fmt.Sprintf("encode event: %v", err))
	}

	topic := strings.ReplaceAll(s.topic, "{user_id}", ev.UserID)
	token := s.client.Publish(topic, 1, false, data)

	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			return fmt.Errorf("publish to %s: %w", topic, err)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("publish to %s: %w", topic, ctx.Err())
	}
}
