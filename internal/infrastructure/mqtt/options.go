package mqtt

import (
	"crypto/tls"
	"fmt"
	"net/url"
	"strings"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
)

// Connection constants.
const (
	// defaultConnectTimeout is the maximum time to wait for a connection.
	defaultConnectTimeout = 10 * time.Second

	// defaultPublishTimeout is the maximum time to wait for publish acknowledgment.
	defaultPublishTimeout = 5 * time.Second

	// defaultDisconnectQuiesce is the time to wait for pending operations on disconnect.
	defaultDisconnectQuiesce = 250 // milliseconds

	// defaultKeepAlive is the keepalive interval for the connection.
	defaultKeepAlive = 30 * time.Second

	// defaultReconnectMax caps the auto-reconnect backoff.
	defaultReconnectMax = time.Minute

	// maxQoS is the maximum QoS level supported.
	maxQoS = 2

	// tlsMinVersion is the minimum TLS version for secure connections.
	tlsMinVersion = tls.VersionTLS12
)

// Availability payloads published on the status topic.
const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

// Options describes one broker connection.
//
// Unlike a long-lived service config, Options are built per connection: the
// broker address and credentials are supplied at runtime and may be replaced
// while the process runs.
type Options struct {
	// BrokerURL accepts mqtt://, mqtts://, tcp://, ssl://, tls://, ws:// and
	// wss:// schemes. A bare host:port is treated as tcp.
	BrokerURL string
	Username  string
	Password  string

	// ClientID must be unique per live connection at the broker.
	ClientID string

	// QoS is the default level for PublishRetained and the status messages.
	QoS byte

	// ConnectTimeout bounds the initial connect. Zero uses 10s.
	ConnectTimeout time.Duration

	// AutoReconnect re-establishes a dropped connection. paho starts at a
	// fixed 1s and doubles the delay up to ReconnectMax. The initial connect
	// is never retried: its failure is returned from Connect.
	AutoReconnect bool
	ReconnectMax  time.Duration

	// StatusTopic, when set, receives a retained "offline" last will and a
	// retained "online" message on every connect.
	StatusTopic string

	// OnConnect runs after every successful connect, including reconnects,
	// once subscriptions have been restored.
	OnConnect func()

	// OnConnectionLost runs when an established connection drops.
	OnConnectionLost func(err error)
}

// NormaliseBrokerURL converts a user-supplied broker URL into the form the
// paho client dials.
//
//	mqtt://host:1883   → tcp://host:1883
//	mqtts://host:8883  → ssl://host:8883
//	host:1883          → tcp://host:1883
//
// A missing port defaults to 1883 (8883 for TLS schemes).
func NormaliseBrokerURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidBrokerURL)
	}
	if !strings.Contains(raw, "://") {
		raw = "tcp://" + raw
	}

	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidBrokerURL, err)
	}

	secure := false
	switch strings.ToLower(u.Scheme) {
	case "mqtt", "tcp":
		u.Scheme = "tcp"
	case "mqtts", "ssl", "tls", "tcps":
		u.Scheme = "ssl"
		secure = true
	case "ws":
	case "wss":
		secure = true
	default:
		return "", fmt.Errorf("%w: unsupported scheme %q", ErrInvalidBrokerURL, u.Scheme)
	}

	if u.Hostname() == "" {
		return "", fmt.Errorf("%w: missing host", ErrInvalidBrokerURL)
	}
	if u.Port() == "" && (u.Scheme == "tcp" || u.Scheme == "ssl") {
		port := "1883"
		if secure {
			port = "8883"
		}
		u.Host = u.Host + ":" + port
	}

	return u.String(), nil
}

// buildClientOptions creates paho MQTT options from Options.
//
// This configures:
//   - Broker URL (normalised)
//   - Client ID and credentials
//   - Clean session mode
//   - Auto-reconnect for established connections only
//   - TLS for secure schemes
func buildClientOptions(o Options) (*pahomqtt.ClientOptions, error) {
	brokerURL, err := NormaliseBrokerURL(o.BrokerURL)
	if err != nil {
		return nil, err
	}

	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(brokerURL)
	opts.SetClientID(o.ClientID)

	if o.Username != "" {
		opts.SetUsername(o.Username)
		opts.SetPassword(o.Password)
	}

	opts.SetCleanSession(true)
	opts.SetOrderMatters(false)

	// The first connect is reported to the caller, never retried here.
	opts.SetConnectRetry(false)
	opts.SetAutoReconnect(o.AutoReconnect)
	if o.AutoReconnect {
		maxDelay := o.ReconnectMax
		if maxDelay < time.Second {
			maxDelay = defaultReconnectMax
		}
		opts.SetMaxReconnectInterval(maxDelay)
	}

	timeout := o.ConnectTimeout
	if timeout <= 0 {
		timeout = defaultConnectTimeout
	}
	opts.SetConnectTimeout(timeout)
	opts.SetKeepAlive(defaultKeepAlive)

	if strings.HasPrefix(brokerURL, "ssl://") || strings.HasPrefix(brokerURL, "wss://") {
		opts.SetTLSConfig(&tls.Config{MinVersion: tlsMinVersion})
	}

	if o.StatusTopic != "" {
		configureLWT(opts, o.StatusTopic, o.QoS)
	}

	return opts, nil
}

// configureLWT sets up Last Will and Testament for offline detection.
//
// The broker publishes the will if the client disconnects unexpectedly, so
// subscribers see the bridge go offline without waiting for a state change.
// Retained so late subscribers see the current availability.
func configureLWT(opts *pahomqtt.ClientOptions, topic string, qos byte) {
	opts.SetWill(topic, StatusOffline, qos, true)
}
