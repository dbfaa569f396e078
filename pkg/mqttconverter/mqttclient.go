package mqttconverter

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"os"
	"strings"
	"time"
)

// DefaultPort is the MQTT port used when the broker address does not name one.
const DefaultPort = "1883"

// MQTTClientConfig holds all necessary configuration for the Paho MQTT client.
// It defines connection parameters, security settings, and the topic filter for the consumer.
type MQTTClientConfig struct {
	// BrokerURL is the URL of the MQTT broker to connect to.
	// Example: "tls://mqtt.example.com:8883". See NormalizeBrokerURL for bare host names.
	BrokerURL string
	// Topic is the topic filter to subscribe to. "#" matches everything.
	Topic string
	// QoS is the subscription quality of service level.
	QoS byte
	// ClientIDPrefix is a prefix for the MQTT client ID. A random suffix is
	// added to ensure client uniqueness across scaled-out instances.
	ClientIDPrefix string
	// Username for authenticating with the MQTT broker.
	Username string
	// Password for authenticating with the MQTT broker.
	Password string
	// KeepAlive is the interval at which the client sends keep-alive pings to the broker.
	KeepAlive time.Duration
	// ConnectTimeout is the timeout for the initial connection attempt.
	ConnectTimeout time.Duration
	// ReconnectWaitMax is the maximum time to wait before attempting to reconnect.
	ReconnectWaitMax time.Duration
	// CACertFile is an optional path to a CA certificate file for verifying the broker's certificate.
	CACertFile string
	// ClientCertFile is an optional path to a client certificate file for mTLS authentication.
	ClientCertFile string
	// ClientKeyFile is an optional path to a client key file for mTLS authentication.
	ClientKeyFile string
	// InsecureSkipVerify skips TLS certificate verification.
	// This is NOT recommended for production environments.
	InsecureSkipVerify bool
}

// NewMQTTClientConfigDefaults returns a config populated with the operational defaults.
// BrokerURL and Topic are left for the caller.
func NewMQTTClientConfigDefaults() *MQTTClientConfig {
	return &MQTTClientConfig{
		QoS:              1,
		KeepAlive:        60 * time.Second,
		ConnectTimeout:   10 * time.Second,
		ReconnectWaitMax: 120 * time.Second,
		ClientIDPrefix:   "tagger-",
	}
}

// NormalizeBrokerURL turns a bare broker address into a Paho broker URL.
// "mqtt.example.org" becomes "tcp://mqtt.example.org:1883"; addresses that already
// carry a scheme are returned unchanged.
func NormalizeBrokerURL(address string) (string, error) {
	address = strings.TrimSpace(address)
	if address == "" {
		return "", fmt.Errorf("MQTT broker address is required")
	}
	if strings.Contains(address, "://") {
		return address, nil
	}
	if _, _, err := net.SplitHostPort(address); err == nil {
		return "tcp://" + address, nil
	}
	return "tcp://" + net.JoinHostPort(address, DefaultPort), nil
}

// newTLSConfig is a helper to create a tls.Config.
func newTLSConfig(cfg *MQTTClientConfig) (*tls.Config, error) {
	tlsConfig := &tls.Config{InsecureSkipVerify: cfg.InsecureSkipVerify}
	if cfg.CACertFile != "" {
		caCert, err := os.ReadFile(cfg.CACertFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA cert file %s: %w", cfg.CACertFile, err)
		}
		caCertPool := x509.NewCertPool()
		if !caCertPool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("failed to append CA cert from %s", cfg.CACertFile)
		}
		tlsConfig.RootCAs = caCertPool
	}
	if cfg.ClientCertFile != "" && cfg.ClientKeyFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.ClientCertFile, cfg.ClientKeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate/key pair: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}
	return tlsConfig, nil
}
