package mqttconverter

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/illmade-knight/go-tagger/pkg/messagepipeline"
	"github.com/illmade-knight/go-tagger/pkg/metrics"
	"github.com/rs/zerolog"
)

// ClientFactory builds a Paho client from the options assembled by the consumer.
// mqtt.NewClient satisfies it; tests substitute a fake.
type ClientFactory func(opts *mqtt.ClientOptions) mqtt.Client

// ConsumerOption customises an MqttConsumer.
type ConsumerOption func(*MqttConsumer)

// WithClientFactory replaces mqtt.NewClient.
func WithClientFactory(factory ClientFactory) ConsumerOption {
	return func(c *MqttConsumer) {
		c.newClient = factory
	}
}

// WithFatalHandler replaces the handler invoked when a delivered message cannot be
// scheduled at all. The default logs at fatal level, which exits the process.
func WithFatalHandler(fn func(error)) ConsumerOption {
	return func(c *MqttConsumer) {
		c.fatal = fn
	}
}

// MqttConsumer implements the messagepipeline.MessageConsumer interface for an MQTT source.
// The Paho delivery callback hands each message to a Dispatcher and returns immediately.
type MqttConsumer struct {
	pahoClient mqtt.Client
	newClient  ClientFactory
	dispatcher *messagepipeline.Dispatcher
	logger     zerolog.Logger
	metrics    *metrics.Metrics
	fatal      func(error)
	doneChan   chan struct{}
	mqttCfg    *MQTTClientConfig
	clientID   string
	stopOnce   sync.Once
}

// NewMqttConsumer creates a new MqttConsumer. It does not connect until Start is called.
func NewMqttConsumer(
	cfg *MQTTClientConfig,
	dispatcher *messagepipeline.Dispatcher,
	m *metrics.Metrics,
	logger zerolog.Logger,
	opts ...ConsumerOption,
) (*MqttConsumer, error) {
	if cfg == nil || cfg.BrokerURL == "" {
		return nil, fmt.Errorf("MQTT broker URL is required")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("MQTT topic is required")
	}
	if dispatcher == nil {
		return nil, fmt.Errorf("dispatcher cannot be nil")
	}
	if m == nil {
		return nil, fmt.Errorf("metrics cannot be nil")
	}

	c := &MqttConsumer{
		newClient:  mqtt.NewClient,
		dispatcher: dispatcher,
		logger:     logger.With().Str("component", "MqttConsumer").Logger(),
		metrics:    m,
		doneChan:   make(chan struct{}),
		mqttCfg:    cfg,
		clientID:   cfg.ClientIDPrefix + strings.ReplaceAll(uuid.NewString(), "-", "")[:10],
	}
	c.fatal = func(err error) {
		c.logger.Fatal().Err(err).Msg("Message delivered while the pipeline is not running.")
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Messages returns the read-only channel from which raw messages can be consumed.
func (c *MqttConsumer) Messages() <-chan messagepipeline.Message {
	return c.dispatcher.Messages()
}

// ClientID returns the MQTT client ID used for this connection.
func (c *MqttConsumer) ClientID() string {
	return c.clientID
}

// Start opens the dispatcher, connects to the broker and subscribes on every (re)connect.
// A failed initial connection is logged; the Paho client keeps retrying in the background.
func (c *MqttConsumer) Start(ctx context.Context) error {
	c.dispatcher.Open()

	opts := c.createMqttOptions(ctx)
	c.pahoClient = c.newClient(opts)

	c.logger.Info().Str("broker", c.mqttCfg.BrokerURL).Str("client_id", c.clientID).Msg("Attempting to connect to MQTT broker...")
	token := c.pahoClient.Connect()
	if !token.WaitTimeout(c.mqttCfg.ConnectTimeout) {
		c.logger.Warn().Msg("Timed out waiting for initial MQTT connection. The Paho client will continue to retry in the background.")
	} else if err := token.Error(); err != nil {
		c.logger.Error().Err(err).Msg("Failed to connect to MQTT broker on startup. The Paho client will continue to retry in the background.")
	} else {
		c.logger.Info().Msg("Initial connection to MQTT broker successful.")
	}

	go func() {
		select {
		case <-ctx.Done():
			c.logger.Info().Msg("Shutdown signal received, ensuring consumer is stopped.")
			_ = c.Stop(context.Background())
		case <-c.doneChan:
		}
	}()

	return nil
}

// Stop unsubscribes, disconnects and closes the message channel. It is safe to call more than once.
func (c *MqttConsumer) Stop(_ context.Context) error {
	c.stopOnce.Do(func() {
		c.logger.Info().Msg("Stopping MqttConsumer...")
		if c.pahoClient != nil && c.pahoClient.IsConnected() {
			if token := c.pahoClient.Unsubscribe(c.mqttCfg.Topic); token.WaitTimeout(2*time.Second) && token.Error() != nil {
				c.logger.Warn().Err(token.Error()).Str("topic", c.mqttCfg.Topic).Msg("Failed to unsubscribe from MQTT topic.")
			}
			c.pahoClient.Disconnect(500)
			c.logger.Info().Msg("Paho MQTT client disconnected.")
		}
		c.metrics.SetConnected(false)
		c.dispatcher.Close()
		close(c.doneChan)
		c.logger.Info().Msg("MqttConsumer stopped.")
	})
	return nil
}

// Done returns a channel that is closed when the consumer has fully stopped.
func (c *MqttConsumer) Done() <-chan struct{} {
	return c.doneChan
}

// IsConnected returns the connection status of the underlying Paho client.
func (c *MqttConsumer) IsConnected() bool {
	return c.pahoClient != nil && c.pahoClient.IsConnected()
}

// GetMessageHandlerForTest returns the internal message handler for unit testing.
func (c *MqttConsumer) GetMessageHandlerForTest(ctx context.Context) mqtt.MessageHandler {
	return c.handleIncomingMessage(ctx)
}

// handleIncomingMessage is the Paho delivery callback. It runs on a Paho goroutine and
// must not block for long: it copies the payload and hands it to the dispatcher.
func (c *MqttConsumer) handleIncomingMessage(ctx context.Context) mqtt.MessageHandler {
	return func(_ mqtt.Client, msg mqtt.Message) {
		c.metrics.MessagesReceived.Inc()
		topic := msg.Topic()
		c.logger.Debug().Str("topic", topic).Msg("Received MQTT message")

		payloadCopy := make([]byte, len(msg.Payload()))
		copy(payloadCopy, msg.Payload())

		consumed := messagepipeline.Message{
			MessageData: messagepipeline.MessageData{
				ID:          strconv.Itoa(int(msg.MessageID())),
				Payload:     payloadCopy,
				ReceiveTime: time.Now().UTC(),
			},
			Attributes: map[string]string{messagepipeline.AttrTopic: topic},
			// For MQTT the ack is handled at the protocol level by the Paho client.
			Ack:  func() {},
			Nack: func() {},
		}

		err := c.dispatcher.Dispatch(ctx, consumed)
		switch {
		case err == nil:
		case errors.Is(err, messagepipeline.ErrDispatcherNotRunning):
			c.fatal(fmt.Errorf("cannot schedule message from topic %s: %w", topic, err))
		case errors.Is(err, messagepipeline.ErrDispatcherClosed):
			c.metrics.DispatchDropped.WithLabelValues(metrics.DropShutdown).Inc()
			c.logger.Warn().Str("topic", topic).Msg("Consumer is shutting down, dropping MQTT message.")
		default:
			c.metrics.DispatchDropped.WithLabelValues(metrics.DropQueueFull).Inc()
			c.logger.Error().Err(err).Str("topic", topic).Msg("Dispatch queue full, dropping MQTT message.")
		}
	}
}

// createMqttOptions assembles the Paho client options from the config.
func (c *MqttConsumer) createMqttOptions(ctx context.Context) *mqtt.ClientOptions {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(c.mqttCfg.BrokerURL)
	opts.SetClientID(c.clientID)
	opts.SetUsername(c.mqttCfg.Username)
	opts.SetPassword(c.mqttCfg.Password)
	opts.SetKeepAlive(c.mqttCfg.KeepAlive)
	opts.SetConnectTimeout(c.mqttCfg.ConnectTimeout)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetMaxReconnectInterval(c.mqttCfg.ReconnectWaitMax)
	opts.SetOrderMatters(false)

	handler := c.handleIncomingMessage(ctx)
	opts.SetOnConnectHandler(func(client mqtt.Client) {
		c.metrics.SetConnected(true)
		c.logger.Info().
			Str("broker", c.mqttCfg.BrokerURL).
			Str("client_id", c.clientID).
			Str("topic", c.mqttCfg.Topic).
			Msg("Connected to MQTT broker, subscribing to topic.")
		token := client.Subscribe(c.mqttCfg.Topic, c.mqttCfg.QoS, handler)
		go func() {
			switch {
			case !token.WaitTimeout(5 * time.Second):
				c.logger.Warn().Str("topic", c.mqttCfg.Topic).Msg("Timed out waiting for MQTT subscription acknowledgement.")
			case token.Error() != nil:
				c.logger.Error().Err(token.Error()).Str("topic", c.mqttCfg.Topic).Msg("Failed to subscribe to MQTT topic.")
			default:
				c.logger.Info().Str("topic", c.mqttCfg.Topic).Msg("Successfully subscribed to MQTT topic.")
			}
		}()
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		c.metrics.SetConnected(false)
		c.logger.Error().Err(err).Msg("Disconnected from MQTT broker.")
	})
	opts.SetReconnectingHandler(func(_ mqtt.Client, _ *mqtt.ClientOptions) {
		c.logger.Info().Str("broker", c.mqttCfg.BrokerURL).Msg("Reconnecting to MQTT broker.")
	})

	if strings.HasPrefix(strings.ToLower(c.mqttCfg.BrokerURL), "tls://") ||
		strings.HasPrefix(strings.ToLower(c.mqttCfg.BrokerURL), "ssl://") {
		tlsConfig, err := newTLSConfig(c.mqttCfg)
		if err != nil {
			c.logger.Error().Err(err).Msg("Failed to create TLS config, proceeding without it.")
		} else {
			opts.SetTLSConfig(tlsConfig)
			c.logger.Info().Msg("TLS configured for MQTT client.")
		}
	}
	return opts
}
