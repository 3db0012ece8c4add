package bridge

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/bifrost/internal/infrastructure/logging"
	"github.com/nerrad567/bifrost/internal/infrastructure/mqtt"
	"github.com/nerrad567/bifrost/internal/settings"
	"github.com/nerrad567/bifrost/internal/volume"
)

type published struct {
	topic    string
	payload  string
	retained bool
}

// fakeConn records publishes and subscriptions in memory.
type fakeConn struct {
	dialer *fakeDialer
	opts   mqtt.Options

	mu           sync.Mutex
	connected    bool
	closed       bool
	pubs         []published
	subs         map[string]mqtt.MessageHandler
	subscribeErr error
	publishErr   error
}

func (c *fakeConn) Publish(topic string, payload []byte, _ byte, retained bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || !c.connected {
		return mqtt.ErrNotConnected
	}
	if c.publishErr != nil {
		return c.publishErr
	}
	c.pubs = append(c.pubs, published{topic: topic, payload: string(payload), retained: retained})
	return nil
}

func (c *fakeConn) Subscribe(topic string, _ byte, handler mqtt.MessageHandler) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.subscribeErr != nil {
		return c.subscribeErr
	}
	c.subs[topic] = handler
	return nil
}

func (c *fakeConn) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected && !c.closed
}

func (c *fakeConn) ClientID() string { return c.opts.ClientID }

func (c *fakeConn) Close() error {
	c.mu.Lock()
	wasOpen := !c.closed
	c.closed = true
	c.connected = false
	c.mu.Unlock()
	if wasOpen {
		c.dialer.release()
	}
	return nil
}

// drop simulates the broker going away without the session ending.
func (c *fakeConn) drop() {
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()
}

// reconnect simulates an automatic reconnect.
func (c *fakeConn) reconnect() {
	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()
	if c.opts.OnConnect != nil {
		c.opts.OnConnect()
	}
}

// deliver routes a message to the first matching subscription.
func (c *fakeConn) deliver(t *testing.T, topic, payload string) {
	t.Helper()
	c.mu.Lock()
	var handler mqtt.MessageHandler
	for filter, h := range c.subs {
		if filter == topic || (strings.HasSuffix(filter, "/#") && strings.HasPrefix(topic, strings.TrimSuffix(filter, "#"))) {
			handler = h
			break
		}
	}
	c.mu.Unlock()
	if handler == nil {
		t.Fatalf("no subscription matches %q", topic)
	}
	if err := handler(topic, []byte(payload)); err != nil {
		t.Fatalf("handler(%q) error = %v", topic, err)
	}
}

func (c *fakeConn) publishes() []published {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]published(nil), c.pubs...)
}

func (c *fakeConn) payloadsOn(topic string) []string {
	var out []string
	for _, p := range c.publishes() {
		if p.topic == topic {
			out = append(out, p.payload)
		}
	}
	return out
}

func (c *fakeConn) subscriptions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.subs))
	for k := range c.subs {
		out = append(out, k)
	}
	return out
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// fakeDialer hands out fakeConns and tracks how many are open at once.
type fakeDialer struct {
	mu           sync.Mutex
	failURLs     map[string]error
	failNext     []error
	subscribeErr error
	conns        []*fakeConn
	live         int
	maxLive      int
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{failURLs: make(map[string]error)}
}

func (d *fakeDialer) Dial(ctx context.Context, opts mqtt.Options) (Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	d.mu.Lock()
	if err, ok := d.failURLs[opts.BrokerURL]; ok {
		d.mu.Unlock()
		return nil, err
	}
	if len(d.failNext) > 0 {
		err := d.failNext[0]
		d.failNext = d.failNext[1:]
		d.mu.Unlock()
		return nil, err
	}

	c := &fakeConn{
		dialer:       d,
		opts:         opts,
		connected:    true,
		subs:         make(map[string]mqtt.MessageHandler),
		subscribeErr: d.subscribeErr,
	}
	d.conns = append(d.conns, c)
	d.live++
	d.maxLive = max(d.maxLive, d.live)
	d.mu.Unlock()

	// paho fires OnConnect for the initial connect too.
	if opts.OnConnect != nil {
		opts.OnConnect()
	}
	return c, nil
}

func (d *fakeDialer) release() {
	d.mu.Lock()
	d.live--
	d.mu.Unlock()
}

func (d *fakeDialer) dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.conns)
}

func (d *fakeDialer) last(t *testing.T) *fakeConn {
	t.Helper()
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		t.Fatal("no connection dialled")
	}
	return d.conns[len(d.conns)-1]
}

func (d *fakeDialer) peak() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.maxLive
}

// fakeStore is an in-memory Store.
type fakeStore struct {
	mu      sync.Mutex
	mqtt    *settings.MQTTConfig
	prefs   *settings.StartupPreferences
	loadErr error
	saveErr error
	saves   int
}

func (s *fakeStore) MQTTConfig(context.Context) (settings.MQTTConfig, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loadErr != nil {
		return settings.MQTTConfig{}, false, s.loadErr
	}
	if s.mqtt == nil {
		return settings.MQTTConfig{}, false, nil
	}
	return *s.mqtt, true, nil
}

func (s *fakeStore) SaveMQTTConfig(_ context.Context, cfg settings.MQTTConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveErr != nil {
		return s.saveErr
	}
	s.saves++
	s.mqtt = &cfg
	return nil
}

func (s *fakeStore) StartupPreferences(context.Context) (settings.StartupPreferences, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.prefs == nil {
		return settings.DefaultStartupPreferences(), nil
	}
	return *s.prefs, nil
}

func (s *fakeStore) SaveStartupPreferences(_ context.Context, prefs settings.StartupPreferences) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveErr != nil {
		return s.saveErr
	}
	s.prefs = &prefs
	return nil
}

func (s *fakeStore) stored() (settings.MQTTConfig, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mqtt == nil {
		return settings.MQTTConfig{}, false
	}
	return *s.mqtt, true
}

// fakeNotifier records Configure outcomes.
type fakeNotifier struct {
	mu       sync.Mutex
	accepted []string
	rejected []string
}

func (n *fakeNotifier) ConfigAccepted(message string) {
	n.mu.Lock()
	n.accepted = append(n.accepted, message)
	n.mu.Unlock()
}

func (n *fakeNotifier) ConfigRejected(reason string) {
	n.mu.Lock()
	n.rejected = append(n.rejected, reason)
	n.mu.Unlock()
}

func (n *fakeNotifier) outcomes() (accepted, rejected []string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.accepted...), append([]string(nil), n.rejected...)
}

// fakeProbe returns err and records the options it was called with.
type fakeProbe struct {
	mu    sync.Mutex
	err   error
	calls []mqtt.Options
}

func (p *fakeProbe) Probe(_ context.Context, opts mqtt.Options) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, opts)
	return p.err
}

func (p *fakeProbe) setErr(err error) {
	p.mu.Lock()
	p.err = err
	p.mu.Unlock()
}

func (p *fakeProbe) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

// flakySource wraps a Memory source and can be told to fail reads.
type flakySource struct {
	*volume.Memory
	mu  sync.Mutex
	err error
}

func (s *flakySource) Volume(ctx context.Context) (int, error) {
	s.mu.Lock()
	err := s.err
	s.mu.Unlock()
	if err != nil {
		return 0, err
	}
	return s.Memory.Volume(ctx)
}

func (s *flakySource) fail(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

var errRefused = errors.New("Connection refused: Not authorized")

var (
	officeConfig = settings.MQTTConfig{
		URL:       "mqtt://broker.local:1883",
		Username:  "user",
		Password:  "secret",
		BaseTopic: "home/office",
	}
	kitchenConfig = settings.MQTTConfig{
		URL:       "mqtt://other.local:1883",
		Username:  "user2",
		Password:  "secret2",
		BaseTopic: "home/kitchen",
	}
)

// harness is a Bridge wired to fakes. The poll interval is long enough
// that the Run loop never ticks; tests drive the poller with tick.
type harness struct {
	bridge   *Bridge
	dialer   *fakeDialer
	store    *fakeStore
	notifier *fakeNotifier
	probe    *fakeProbe
	source   *flakySource
}

type harnessOption func(*Deps)

func withDiscovery(d *Discovery) harnessOption {
	return func(deps *Deps) { deps.Discovery = d }
}

func withObserver(fn VolumeObserver) harnessOption {
	return func(deps *Deps) { deps.Observers = append(deps.Observers, fn) }
}

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()

	h := &harness{
		dialer:   newFakeDialer(),
		store:    &fakeStore{},
		notifier: &fakeNotifier{},
		probe:    &fakeProbe{},
		source:   &flakySource{Memory: volume.NewMemory(50)},
	}
	deps := Deps{
		Source: h.source,
		Store:  h.store,
		Logger: logging.Discard(),
		Session: SessionConfig{
			ConnectTimeout:     time.Second,
			ReconnectInitial:   5 * time.Millisecond,
			ReconnectMax:       20 * time.Millisecond,
			LegacyCommandTopic: "electron-ha/volume/set",
		},
		PollInterval: time.Hour,
		ProbeTimeout: time.Second,
		Notifier:     h.notifier,
		Dial:         h.dialer.Dial,
		Probe:        h.probe.Probe,
	}
	for _, opt := range opts {
		opt(&deps)
	}

	b, err := New(deps)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	h.bridge = b
	t.Cleanup(func() { _ = b.Close() })
	return h
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	if err := h.bridge.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
}

func (h *harness) configure(t *testing.T, cfg settings.MQTTConfig) {
	t.Helper()
	msg, err := h.bridge.Configure(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Configure() error = %v", err)
	}
	if msg != MessageConfigured {
		t.Fatalf("Configure() message = %q, want %q", msg, MessageConfigured)
	}
}

func (h *harness) tick() {
	h.bridge.poller.tick(context.Background())
}

func (h *harness) setVolume(t *testing.T, level int) {
	t.Helper()
	if err := h.source.SetVolume(context.Background(), level); err != nil {
		t.Fatalf("SetVolume(%d) error = %v", level, err)
	}
}

func (h *harness) deviceVolume(t *testing.T) int {
	t.Helper()
	v, err := h.source.Memory.Volume(context.Background())
	if err != nil {
		t.Fatalf("Volume() error = %v", err)
	}
	return v
}

// eventually polls cond until it holds or the deadline passes.
func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
