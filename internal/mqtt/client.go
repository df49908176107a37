// Package mqtt wraps the paho client with the small surface the coordinators
// need: connect, subscribe with an unsubscribe handle, and fire-and-forget
// publish.
package mqtt

import (
	"fmt"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const connectTimeout = 10 * time.Second

// Config holds broker connection settings.
type Config struct {
	Broker   string `yaml:"broker"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	ClientID string `yaml:"client_id"`
}

// Client is a thin wrapper over one broker connection shared by all
// coordinators.
type Client struct {
	c   paho.Client
	log zerolog.Logger
}

// NewClient builds a client for the configured broker. Handlers registered
// through Subscribe run in message-arrival order (paho's ordered delivery),
// which is what keeps frame processing sequential.
func NewClient(cfg Config, logger zerolog.Logger) *Client {
	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "ledsyncd-" + uuid.NewString()[:8]
	}

	opts := paho.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetOrderMatters(true)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetConnectionLostHandler(func(_ paho.Client, err error) {
		logger.Warn().Err(err).Msg("MQTT connection lost")
	})
	opts.SetOnConnectHandler(func(paho.Client) {
		logger.Info().Str("broker", cfg.Broker).Str("client_id", clientID).Msg("MQTT connected")
	})

	return &Client{c: paho.NewClient(opts), log: logger}
}

// Connect establishes the broker connection.
func (c *Client) Connect() error {
	token := c.c.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return fmt.Errorf("mqtt connect timed out")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connect failed: %w", err)
	}
	return nil
}

// Subscribe registers a handler for a topic at QoS 0 and returns an
// idempotent unsubscribe function.
func (c *Client) Subscribe(topic string, handler func(topic string, payload []byte)) (func(), error) {
	token := c.c.Subscribe(topic, 0, func(_ paho.Client, m paho.Message) {
		handler(m.Topic(), m.Payload())
	})
	token.Wait()
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt subscribe %q failed: %w", topic, err)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			t := c.c.Unsubscribe(topic)
			t.Wait()
			if err := t.Error(); err != nil {
				c.log.Warn().Err(err).Str("topic", topic).Msg("MQTT unsubscribe failed")
			}
		})
	}, nil
}

// Publish sends a payload at QoS 0, not retained.
func (c *Client) Publish(topic string, payload []byte) error {
	token := c.c.Publish(topic, 0, false, payload)
	token.Wait()
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt publish %q failed: %w", topic, err)
	}
	return nil
}

// Disconnect closes the connection, allowing quiesce milliseconds for
// in-flight work.
func (c *Client) Disconnect(quiesce uint) {
	c.c.Disconnect(quiesce)
}
