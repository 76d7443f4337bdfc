// Package mqttconn builds paho MQTT clients shared by the MQTT transport and
// the MQTT position source.
package mqttconn

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

var log = slog.Default().With("component", "mqtt")

// ErrConnectTimeout is returned when the broker does not answer in time.
var ErrConnectTimeout = errors.New("mqtt: connect timed out")

// Options configures a client.
type Options struct {
	Broker         string
	ClientID       string
	Username       string
	Password       string
	ConnectTimeout time.Duration
	// OnConnect runs after every (re)connect, used to restore subscriptions.
	OnConnect func(mqtt.Client)
}

// Connect dials the broker with automatic reconnect enabled.
func Connect(opts Options) (mqtt.Client, error) {
	if opts.Broker == "" {
		return nil, errors.New("mqtt: broker is required")
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 10 * time.Second
	}

	co := mqtt.NewClientOptions().
		AddBroker(opts.Broker).
		SetClientID(opts.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectTimeout(opts.ConnectTimeout).
		SetCleanSession(false)
	if opts.Username != "" {
		co.SetUsername(opts.Username)
		co.SetPassword(opts.Password)
	}
	co.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		log.Warn("MQTT connection lost", "broker", opts.Broker, "error", err)
	})
	co.SetOnConnectHandler(func(c mqtt.Client) {
		log.Info("MQTT connected", "broker", opts.Broker, "client_id", opts.ClientID)
		if opts.OnConnect != nil {
			opts.OnConnect(c)
		}
	})

	client := mqtt.NewClient(co)
	token := client.Connect()
	if !token.WaitTimeout(opts.ConnectTimeout) {
		// ConnectRetry keeps trying in the background; callers treat the
		// client as offline until it reconnects.
		log.Warn("MQTT broker not reachable yet", "broker", opts.Broker)
		return client, nil
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect %s: %w", opts.Broker, err)
	}
	return client, nil
}
