// Package config loads the relay configuration from defaults, an optional YAML file
// and environment variables, in increasing order of precedence.
//
// Every recognised option is optional. An environment variable that is set but empty
// is treated as unset, so the default applies.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/illmade-knight/go-tagger/pkg/messagepipeline"
	"github.com/illmade-knight/go-tagger/pkg/mqttconverter"
	"github.com/illmade-knight/go-tagger/pkg/tagger"
	"github.com/rs/zerolog"
	"github.com/spf13/viper"
)

// Forward modes.
const (
	ForwardHTTP   = "http"
	ForwardPubsub = "pubsub"
)

// HTTPPortDisabled turns the ops server off when used as HTTP_PORT.
const HTTPPortDisabled = "off"

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// Config is the complete relay configuration. Field tags name the YAML keys; the
// environment variable for each key is its upper-case form (broker_address -> BROKER_ADDRESS).
type Config struct {
	BrokerAddress string `mapstructure:"broker_address"`
	MQTTTopic     string `mapstructure:"mqtt_topic"`
	ParserURL     string `mapstructure:"parser_url"`

	ForwardMode     string        `mapstructure:"forward_mode"`
	ForwardTimeout  time.Duration `mapstructure:"forward_timeout"`
	PubsubProjectID string        `mapstructure:"pubsub_project_id"`
	PubsubTopicID   string        `mapstructure:"pubsub_topic_id"`

	NumWorkers      int           `mapstructure:"num_workers"`
	QueueSize       int           `mapstructure:"queue_size"`
	HandoffWait     time.Duration `mapstructure:"handoff_wait"`
	MinPayloadBytes int           `mapstructure:"min_payload_bytes"`
	MaxPayloadBytes int           `mapstructure:"max_payload_bytes"`

	HTTPPort        string        `mapstructure:"http_port"`
	LogLevel        string        `mapstructure:"log_level"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`

	MQTTClientIDPrefix       string        `mapstructure:"mqtt_client_id_prefix"`
	MQTTUsername             string        `mapstructure:"mqtt_username"`
	MQTTPassword             string        `mapstructure:"mqtt_password"`
	MQTTQoS                  int           `mapstructure:"mqtt_qos"`
	MQTTKeepAlive            time.Duration `mapstructure:"mqtt_keep_alive"`
	MQTTConnectTimeout       time.Duration `mapstructure:"mqtt_connect_timeout"`
	MQTTMaxReconnectInterval time.Duration `mapstructure:"mqtt_max_reconnect_interval"`
	MQTTCACertFile           string        `mapstructure:"mqtt_ca_cert_file"`
	MQTTClientCertFile       string        `mapstructure:"mqtt_client_cert_file"`
	MQTTClientKeyFile        string        `mapstructure:"mqtt_client_key_file"`
	MQTTInsecureSkipVerify   bool          `mapstructure:"mqtt_insecure_skip_verify"`
}

func setDefaults(v *viper.Viper) {
	mqttDefaults := mqttconverter.NewMQTTClientConfigDefaults()
	dispatchDefaults := messagepipeline.NewDispatcherDefaults()

	v.SetDefault("broker_address", "mqtt.greeniot.it.uu.se")
	v.SetDefault("mqtt_topic", "#")
	v.SetDefault("parser_url", "http://localhost:5000/parse/")

	v.SetDefault("forward_mode", ForwardHTTP)
	v.SetDefault("forward_timeout", 5*time.Second)
	v.SetDefault("pubsub_project_id", "")
	v.SetDefault("pubsub_topic_id", "")

	v.SetDefault("num_workers", 16)
	v.SetDefault("queue_size", dispatchDefaults.QueueSize)
	v.SetDefault("handoff_wait", dispatchDefaults.HandoffWait)
	// Zero bounds disable the size filter; every payload reaches the decoder.
	v.SetDefault("min_payload_bytes", 0)
	v.SetDefault("max_payload_bytes", 0)

	v.SetDefault("http_port", ":8080")
	v.SetDefault("log_level", "info")
	v.SetDefault("shutdown_timeout", 10*time.Second)

	v.SetDefault("mqtt_client_id_prefix", mqttDefaults.ClientIDPrefix)
	v.SetDefault("mqtt_username", "")
	v.SetDefault("mqtt_password", "")
	v.SetDefault("mqtt_qos", int(mqttDefaults.QoS))
	v.SetDefault("mqtt_keep_alive", mqttDefaults.KeepAlive)
	v.SetDefault("mqtt_connect_timeout", mqttDefaults.ConnectTimeout)
	v.SetDefault("mqtt_max_reconnect_interval", mqttDefaults.ReconnectWaitMax)
	v.SetDefault("mqtt_ca_cert_file", "")
	v.SetDefault("mqtt_client_cert_file", "")
	v.SetDefault("mqtt_client_key_file", "")
	v.SetDefault("mqtt_insecure_skip_verify", false)
}

// Load reads the configuration. configPath may be empty, in which case only defaults
// and the environment are used.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.ForwardMode = strings.ToLower(strings.TrimSpace(cfg.ForwardMode))

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration and reports every problem found.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if _, err := mqttconverter.NormalizeBrokerURL(c.BrokerAddress); err != nil {
		add("broker_address: %v", err)
	}
	if strings.TrimSpace(c.MQTTTopic) == "" {
		add("mqtt_topic must not be empty")
	}
	if c.MQTTQoS < 0 || c.MQTTQoS > 2 {
		add("mqtt_qos must be 0, 1 or 2, got %d", c.MQTTQoS)
	}

	switch c.ForwardMode {
	case ForwardHTTP:
		if u, err := url.Parse(c.ParserURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			add("parser_url must be an absolute http(s) URL, got %q", c.ParserURL)
		}
	case ForwardPubsub:
		if c.PubsubProjectID == "" {
			add("pubsub_project_id is required when forward_mode is %s", ForwardPubsub)
		}
		if c.PubsubTopicID == "" {
			add("pubsub_topic_id is required when forward_mode is %s", ForwardPubsub)
		}
	default:
		add("forward_mode must be %q or %q, got %q", ForwardHTTP, ForwardPubsub, c.ForwardMode)
	}

	if c.ForwardTimeout <= 0 {
		add("forward_timeout must be positive")
	}
	if c.NumWorkers <= 0 {
		add("num_workers must be positive")
	}
	if c.QueueSize <= 0 {
		add("queue_size must be positive")
	}
	if c.HandoffWait < 0 {
		add("handoff_wait must not be negative")
	}
	if c.MinPayloadBytes < 0 || (c.MaxPayloadBytes > 0 && c.MaxPayloadBytes < c.MinPayloadBytes) {
		add("payload bounds [%d, %d] are invalid", c.MinPayloadBytes, c.MaxPayloadBytes)
	}
	if c.ShutdownTimeout <= 0 {
		add("shutdown_timeout must be positive")
	}
	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		add("log_level: %v", err)
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
	}
	return nil
}

// Level returns the parsed log level. Load has already validated it; an
// unparseable value falls back to info.
func (c *Config) Level() zerolog.Level {
	level, err := zerolog.ParseLevel(c.LogLevel)
	if err != nil {
		return zerolog.InfoLevel
	}
	return level
}

// HTTPEnabled reports whether the ops server should run.
func (c *Config) HTTPEnabled() bool {
	return c.HTTPPort != "" && !strings.EqualFold(c.HTTPPort, HTTPPortDisabled)
}

// MQTTClientConfig builds the broker client configuration.
func (c *Config) MQTTClientConfig() (*mqttconverter.MQTTClientConfig, error) {
	brokerURL, err := mqttconverter.NormalizeBrokerURL(c.BrokerAddress)
	if err != nil {
		return nil, err
	}
	return &mqttconverter.MQTTClientConfig{
		BrokerURL:          brokerURL,
		Topic:              c.MQTTTopic,
		QoS:                byte(c.MQTTQoS),
		ClientIDPrefix:     c.MQTTClientIDPrefix,
		Username:           c.MQTTUsername,
		Password:           c.MQTTPassword,
		KeepAlive:          c.MQTTKeepAlive,
		ConnectTimeout:     c.MQTTConnectTimeout,
		ReconnectWaitMax:   c.MQTTMaxReconnectInterval,
		CACertFile:         c.MQTTCACertFile,
		ClientCertFile:     c.MQTTClientCertFile,
		ClientKeyFile:      c.MQTTClientKeyFile,
		InsecureSkipVerify: c.MQTTInsecureSkipVerify,
	}, nil
}

// DispatcherConfig builds the dispatcher sizing.
func (c *Config) DispatcherConfig() messagepipeline.DispatcherConfig {
	return messagepipeline.DispatcherConfig{
		QueueSize:   c.QueueSize,
		HandoffWait: c.HandoffWait,
	}
}

// RelayConfig builds the worker pool sizing.
func (c *Config) RelayConfig() tagger.RelayConfig {
	return tagger.RelayConfig{
		NumWorkers:      c.NumWorkers,
		MinPayloadBytes: c.MinPayloadBytes,
		MaxPayloadBytes: c.MaxPayloadBytes,
	}
}

// HTTPForwarderConfig builds the parser forwarder configuration.
func (c *Config) HTTPForwarderConfig() tagger.HTTPForwarderConfig {
	return tagger.HTTPForwarderConfig{
		URL:     c.ParserURL,
		Timeout: c.ForwardTimeout,
	}
}
