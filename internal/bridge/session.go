package bridge

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/nerrad567/bifrost/internal/infrastructure/logging"
	"github.com/nerrad567/bifrost/internal/infrastructure/mqtt"
	"github.com/nerrad567/bifrost/internal/settings"
)

// clientIDPrefix is prepended to the random part of every MQTT client ID.
const clientIDPrefix = "bifrost-"

// State is the lifecycle state of the broker session.
type State string

// Session states.
const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateEnded        State = "ended"
)

// Conn is a live broker connection. *mqtt.Client satisfies it.
type Conn interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
	IsConnected() bool
	ClientID() string
	Close() error
}

// DialFunc opens a live broker connection.
type DialFunc func(ctx context.Context, opts mqtt.Options) (Conn, error)

// DialMQTT is the production DialFunc.
func DialMQTT(ctx context.Context, opts mqtt.Options) (Conn, error) {
	c, err := mqtt.Connect(ctx, opts)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// SessionConfig holds the connection settings that come from the config
// file rather than from the submitted broker configuration.
type SessionConfig struct {
	QoS            byte
	ConnectTimeout time.Duration

	// ReconnectInitial is the first delay of the startup connect supervisor.
	// ReconnectMax caps both the supervisor and paho's own reconnect backoff.
	ReconnectInitial time.Duration
	ReconnectMax     time.Duration

	LegacyCommandTopic string
}

// MessageFunc receives every message delivered on the session's
// subscriptions, together with the topic namespace of the connection it
// arrived on.
type MessageFunc func(topics mqtt.Topics, topic string, payload []byte)

// Session owns the single live broker connection.
//
// Connect and End are serialized by opMu, so a new connection is never
// dialled while the previous one is still open. The current handle is
// published under mu for readers such as the Poller.
type Session struct {
	dial      DialFunc
	cfg       SessionConfig
	onMessage MessageFunc
	logger    *logging.Logger

	opMu sync.Mutex

	mu      sync.RWMutex
	conn    Conn
	current settings.MQTTConfig
	topics  mqtt.Topics
	state   State

	// generation changes on every successful connect and every automatic
	// reconnect. Readers compare it to detect that retained state must be
	// republished.
	generation atomic.Uint64
}

// NewSession returns an idle session. onMessage may be nil.
func NewSession(dial DialFunc, cfg SessionConfig, onMessage MessageFunc, logger *logging.Logger) *Session {
	if dial == nil {
		dial = DialMQTT
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &Session{
		dial:      dial,
		cfg:       cfg,
		onMessage: onMessage,
		logger:    logger,
		state:     StateDisconnected,
	}
}

// Connect opens a connection for cfg, ending any existing one first, and
// subscribes to {base}/# plus the legacy command topic.
//
// A failed connect leaves the session disconnected and is returned as a
// *ConnectivityError. It is not retried here. A failed subscribe is logged
// and does not fail the connect.
func (s *Session) Connect(ctx context.Context, cfg settings.MQTTConfig) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	// A caller that gave up while waiting for opMu must not end the
	// connection someone else has just made.
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.endLocked(); err != nil {
		s.logger.Warn("closing previous MQTT connection failed", "error", err)
	}
	return s.connectLocked(ctx, cfg)
}

// Reconfigure ends the current connection and connects with cfg. The old
// connection is fully closed before the new one is dialled.
func (s *Session) Reconfigure(ctx context.Context, cfg settings.MQTTConfig) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	if prev, ok := s.Current(); ok {
		s.logger.Info("reconfiguring MQTT connection",
			"from_base_topic", prev.BaseTopic,
			"to_base_topic", cfg.BaseTopic,
		)
	}
	if err := s.endLocked(); err != nil {
		s.logger.Warn("closing previous MQTT connection failed", "error", err)
	}
	return s.connectLocked(ctx, cfg)
}

func (s *Session) connectLocked(ctx context.Context, cfg settings.MQTTConfig) error {
	topics := mqtt.NewTopics(cfg.BaseTopic)
	s.setState(StateConnecting)

	// The first OnConnect belongs to the initial connect, which Connect
	// below already accounts for. Later ones are automatic reconnects.
	var connects atomic.Int32
	opts := mqtt.Options{
		BrokerURL:      cfg.URL,
		Username:       cfg.Username,
		Password:       cfg.Password,
		ClientID:       clientIDPrefix + uuid.NewString(),
		QoS:            s.cfg.QoS,
		ConnectTimeout: s.cfg.ConnectTimeout,
		AutoReconnect:  true,
		ReconnectMax:   s.cfg.ReconnectMax,
		StatusTopic:    topics.Status(),
		OnConnect: func() {
			if connects.Add(1) > 1 {
				s.generation.Add(1)
				s.logger.Info("reconnected to MQTT broker", "base_topic", topics.Base())
			}
		},
		OnConnectionLost: func(err error) {
			s.logger.Warn("MQTT connection lost", "base_topic", topics.Base(), "error", err)
		},
	}

	conn, err := s.dial(ctx, opts)
	if err != nil {
		s.setState(StateDisconnected)
		return &ConnectivityError{Broker: cfg.URL, Err: err}
	}
	if l, ok := conn.(interface{ SetLogger(mqtt.Logger) }); ok {
		l.SetLogger(s.logger)
	}

	s.mu.Lock()
	s.conn = conn
	s.current = cfg
	s.topics = topics
	s.state = StateConnected
	s.mu.Unlock()
	s.generation.Add(1)

	s.logger.Info("connected to MQTT broker",
		"broker", cfg.URL,
		"base_topic", topics.Base(),
		"client_id", conn.ClientID(),
	)

	s.subscribe(conn, topics)
	return nil
}

// subscribe registers the base wildcard and, when it is not already
// covered, the legacy command topic.
func (s *Session) subscribe(conn Conn, topics mqtt.Topics) {
	handler := s.handlerFor(topics)

	filters := []string{topics.All()}
	if legacy := s.cfg.LegacyCommandTopic; legacy != "" && !topics.Covers(legacy) {
		filters = append(filters, legacy)
	}

	for _, f := range filters {
		if err := conn.Subscribe(f, s.cfg.QoS, handler); err != nil {
			s.logger.Warn("MQTT subscribe failed", "topic", f, "error", err)
		}
	}
}

func (s *Session) handlerFor(topics mqtt.Topics) mqtt.MessageHandler {
	return func(topic string, payload []byte) error {
		if s.onMessage != nil {
			s.onMessage(topics, topic, payload)
		}
		return nil
	}
}

// End closes the current connection, if any. The broker sees the
// "offline" status before the disconnect.
func (s *Session) End() error {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	return s.endLocked()
}

func (s *Session) endLocked() error {
	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	if conn != nil {
		s.state = StateEnded
	}
	s.mu.Unlock()

	if conn == nil {
		return nil
	}
	s.logger.Info("ending MQTT connection", "client_id", conn.ClientID())
	return conn.Close()
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// Live returns the current connection, its topics and generation. ok is
// false when there is no connection or it is currently down.
func (s *Session) Live() (conn Conn, topics mqtt.Topics, generation uint64, ok bool) {
	s.mu.RLock()
	conn, topics = s.conn, s.topics
	s.mu.RUnlock()

	if conn == nil || !conn.IsConnected() {
		return nil, mqtt.Topics{}, 0, false
	}
	return conn, topics, s.generation.Load(), true
}

// State reports the session state. A connection that exists but is down
// (automatic reconnect pending) reports StateDisconnected.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.conn != nil {
		if s.conn.IsConnected() {
			return StateConnected
		}
		return StateDisconnected
	}
	return s.state
}

// Current returns the configuration of the current connection.
func (s *Session) Current() (settings.MQTTConfig, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.conn == nil {
		return settings.MQTTConfig{}, false
	}
	return s.current, true
}

// ClientID returns the client ID of the current connection, or "".
func (s *Session) ClientID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.conn == nil {
		return ""
	}
	return s.conn.ClientID()
}
