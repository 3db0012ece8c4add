// Package mqtttest runs an in-process MQTT broker for tests.
//
// It lets packages exercise real paho connections without an external
// Mosquitto instance:
//
//	b := mqtttest.Start(t)
//	client, err := mqtt.Connect(ctx, mqtt.Options{BrokerURL: b.URL(), ClientID: "t"})
//
// Brokers started with credentials reject every other username/password
// pair, which is how tests reproduce authentication failures.
package mqtttest

import (
	"net"
	"sync"
	"testing"
	"time"

	mochi "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/hooks/auth"
	"github.com/mochi-mqtt/server/v2/listeners"
	"github.com/mochi-mqtt/server/v2/packets"
)

// Message is a publish observed by the broker.
type Message struct {
	Topic   string
	Payload string
}

// Broker is an embedded broker bound to a loopback port.
type Broker struct {
	server    *mochi.Server
	addr      string
	closeOnce sync.Once

	mu       sync.Mutex
	messages []Message
}

// Credentials restricts the broker to a single username/password pair.
type Credentials struct {
	Username string
	Password string
}

// Start launches a broker that accepts any client. It is closed
// automatically when the test ends.
func Start(t testing.TB) *Broker {
	t.Helper()
	return start(t, nil)
}

// StartWithAuth launches a broker that only accepts creds.
func StartWithAuth(t testing.TB, creds Credentials) *Broker {
	t.Helper()
	return start(t, &creds)
}

func start(t testing.TB, creds *Credentials) *Broker {
	t.Helper()

	server := mochi.New(&mochi.Options{InlineClient: true})

	var err error
	if creds == nil {
		err = server.AddHook(new(auth.AllowHook), nil)
	} else {
		err = server.AddHook(new(auth.Hook), &auth.Options{
			Ledger: &auth.Ledger{
				Auth: auth.AuthRules{
					{Username: auth.RString(creds.Username), Password: auth.RString(creds.Password), Allow: true},
				},
				ACL: auth.ACLRules{
					{Filters: auth.Filters{"#": auth.ReadWrite}},
				},
			},
		})
	}
	if err != nil {
		t.Fatalf("mqtttest: adding auth hook: %v", err)
	}

	addr := freeAddr(t)
	if err := server.AddListener(listeners.NewTCP(listeners.Config{ID: "test", Address: addr})); err != nil {
		t.Fatalf("mqtttest: adding listener: %v", err)
	}

	b := &Broker{server: server, addr: addr}

	if err := server.Subscribe("#", 1, b.record); err != nil {
		t.Fatalf("mqtttest: inline subscribe: %v", err)
	}

	go func() {
		_ = server.Serve()
	}()
	waitListening(t, addr)

	t.Cleanup(func() {
		_ = b.Close()
	})

	return b
}

// freeAddr reserves a loopback port and releases it for the broker.
func freeAddr(t testing.TB) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("mqtttest: reserving port: %v", err)
	}
	addr := l.Addr().String()
	_ = l.Close()
	return addr
}

func waitListening(t testing.TB, addr string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		conn, err := net.DialTimeout("tcp", addr, 100*time.Millisecond)
		if err == nil {
			_ = conn.Close()
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("mqtttest: broker did not start listening on %s", addr)
}

func (b *Broker) record(_ *mochi.Client, _ packets.Subscription, pk packets.Packet) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.messages = append(b.messages, Message{
		Topic:   pk.TopicName,
		Payload: string(pk.Payload),
	})
}

// URL returns the broker address in mqtt:// form.
func (b *Broker) URL() string {
	return "mqtt://" + b.addr
}

// Addr returns the host:port the broker listens on.
func (b *Broker) Addr() string {
	return b.addr
}

// Publish injects a message as if sent by another client.
func (b *Broker) Publish(topic, payload string, retain bool) error {
	return b.server.Publish(topic, []byte(payload), retain, 0)
}

// Messages returns every publish the broker has routed so far.
func (b *Broker) Messages() []Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Message, len(b.messages))
	copy(out, b.messages)
	return out
}

// MessagesOn returns the payloads routed to topic, in order.
func (b *Broker) MessagesOn(topic string) []string {
	var payloads []string
	for _, m := range b.Messages() {
		if m.Topic == topic {
			payloads = append(payloads, m.Payload)
		}
	}
	return payloads
}

// WaitFor polls until topic has carried payload or the timeout expires.
func (b *Broker) WaitFor(topic, payload string, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		for _, p := range b.MessagesOn(topic) {
			if p == payload {
				return true
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	return false
}

// Close stops the broker, dropping every client connection. It is safe to
// call more than once.
func (b *Broker) Close() error {
	var err error
	b.closeOnce.Do(func() {
		err = b.server.Close()
	})
	return err
}
