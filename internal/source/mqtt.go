package source

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/ChuLiYu/sitepresence/internal/tracking"
	"github.com/ChuLiYu/sitepresence/pkg/types"
	mqtt "github.com/eclipse/paho.mqtt.golang"
)

var log = slog.Default().With("component", "source")

// Subscriber is the slice of mqtt.Client used by MQTTSource.
type Subscriber interface {
	Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token
}

// MQTTSource turns broker messages into position fixes and region events.
//
//	position topic: {"latitude":..,"longitude":..,"horizontal_accuracy":..,"captured_at":..}
//	region topic:   {"site_id":..,"kind":"enter|exit","at":..}
type MQTTSource struct {
	positions     *LastKnown
	onRegion      func(tracking.RegionEvent)
	positionTopic string
	regionTopic   string
	timeout       time.Duration
}

// NewMQTTSource creates a source. An empty topic is not subscribed.
func NewMQTTSource(positions *LastKnown, onRegion func(tracking.RegionEvent), positionTopic, regionTopic string) *MQTTSource {
	return &MQTTSource{
		positions:     positions,
		onRegion:      onRegion,
		positionTopic: positionTopic,
		regionTopic:   regionTopic,
		timeout:       10 * time.Second,
	}
}

// Subscribe registers both handlers. Call it again from the client's
// OnConnect hook to restore subscriptions after a reconnect.
func (s *MQTTSource) Subscribe(c Subscriber) error {
	if s.positionTopic != "" && s.positions != nil {
		if err := s.subscribe(c, s.positionTopic, s.handlePosition); err != nil {
			return err
		}
	}
	if s.regionTopic != "" && s.onRegion != nil {
		if err := s.subscribe(c, s.regionTopic, s.handleRegion); err != nil {
			return err
		}
	}
	return nil
}

func (s *MQTTSource) subscribe(c Subscriber, topic string, h mqtt.MessageHandler) error {
	token := c.Subscribe(topic, 1, h)
	if !token.WaitTimeout(s.timeout) {
		return fmt.Errorf("subscribe %s: timed out", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("subscribe %s: %w", topic, err)
	}
	log.Info("Subscribed", "topic", topic)
	return nil
}

func (s *MQTTSource) handlePosition(_ mqtt.Client, msg mqtt.Message) {
	var sample types.PositionSample
	if err := json.Unmarshal(msg.Payload(), &sample); err != nil {
		log.Warn("Dropping malformed position message", "topic", msg.Topic(), "error", err)
		return
	}
	s.positions.Update(sample)
}

func (s *MQTTSource) handleRegion(_ mqtt.Client, msg mqtt.Message) {
	var ev tracking.RegionEvent
	if err := json.Unmarshal(msg.Payload(), &ev); err != nil {
		log.Warn("Dropping malformed region message", "topic", msg.Topic(), "error", err)
		return
	}
	if ev.SiteID == "" {
		log.Warn("Dropping region message without site_id", "topic", msg.Topic())
		return
	}
	s.onRegion(ev)
}
