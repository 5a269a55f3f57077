// Package mqtt ingests thermal samples published as JSON on an MQTT topic.
package mqtt

import (
	"context"
	"errors"
	"fmt"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/nicktill/thermalstore/pkg/config"
	"github.com/nicktill/thermalstore/pkg/thermal"
	"github.com/rs/zerolog"
)

const (
	connectTimeout   = 10 * time.Second
	subscribeTimeout = 5 * time.Second
	ingestTimeout    = 5 * time.Second
	reconnectDelay   = 5 * time.Second

	// QoS 1: a redelivered duplicate only adds an identical sample
	subscribeQoS = 1
)

// Ingester accepts validated samples
type Ingester interface {
	AddSample(ctx context.Context, p thermal.DataPoint) error
}

// Subscriber feeds samples from an MQTT topic into an Ingester
type Subscriber struct {
	client paho.Client
	topic  string
	sink   Ingester
	clock  config.Clock
	log    zerolog.Logger
}

// NewSubscriber creates a subscriber for topic. The client is created by
// Connect; tests may call HandleMessage directly.
func NewSubscriber(topic string, sink Ingester, clock config.Clock, log zerolog.Logger) *Subscriber {
	if clock == nil {
		clock = config.SystemClock{}
	}
	return &Subscriber{
		topic: topic,
		sink:  sink,
		clock: clock,
		log:   log.With().Str("topic", topic).Logger(),
	}
}

// Connect dials the broker and subscribes. The subscription is renewed on
// every reconnect.
func (s *Subscriber) Connect(cfg config.MQTTConfig) error {
	clientID := cfg.ClientID
	if clientID == "" {
		clientID = config.DefaultMQTTClientID
	}

	opts := paho.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(reconnectDelay).
		SetOnConnectHandler(func(c paho.Client) {
			if err := s.subscribe(c); err != nil {
				s.log.Error().Err(err).Msg("MQTT subscribe failed")
				return
			}
			s.log.Info().Str("broker", cfg.Broker).Msg("Subscribed to sample topic")
		}).
		SetConnectionLostHandler(func(_ paho.Client, err error) {
			s.log.Warn().Err(err).Msg("MQTT connection lost, reconnecting")
		})
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username).SetPassword(cfg.Password)
	}

	s.client = paho.NewClient(opts)
	token := s.client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return fmt.Errorf("connect to %s: timeout", cfg.Broker)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("connect to %s: %w", cfg.Broker, err)
	}
	return nil
}

func (s *Subscriber) subscribe(c paho.Client) error {
	token := c.Subscribe(s.topic, subscribeQoS, s.HandleMessage)
	if !token.WaitTimeout(subscribeTimeout) {
		return errors.New("subscribe timeout")
	}
	return token.Error()
}

// HandleMessage parses one payload and ingests it. Invalid payloads are
// logged and dropped; they never stop the subscription.
func (s *Subscriber) HandleMessage(_ paho.Client, msg paho.Message) {
	p, err := thermal.ParseDataPoint(msg.Payload(), s.clock.Now())
	if err != nil {
		s.log.Warn().Err(err).Int("bytes", len(msg.Payload())).Msg("Dropping invalid MQTT sample")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), ingestTimeout)
	defer cancel()
	if err := s.sink.AddSample(ctx, p); err != nil {
		s.log.Error().Err(err).Time("timestamp", p.Timestamp).Msg("Failed to ingest MQTT sample")
		return
	}
	s.log.Debug().
		Time("timestamp", p.Timestamp).
		Float64("indoor", p.IndoorTemperature).
		Bool("heating", p.HeatingActive).
		Msg("Sample received over MQTT")
}

// Close unsubscribes and disconnects. A pending connect retry is abandoned.
func (s *Subscriber) Close() {
	if s.client == nil {
		return
	}
	if s.client.IsConnected() {
		s.client.Unsubscribe(s.topic).WaitTimeout(subscribeTimeout)
	}
	s.client.Disconnect(250)
}
