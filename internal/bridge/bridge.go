package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nerrad567/bifrost/internal/infrastructure/logging"
	"github.com/nerrad567/bifrost/internal/infrastructure/mqtt"
	"github.com/nerrad567/bifrost/internal/settings"
	"github.com/nerrad567/bifrost/internal/volume"
)

// MessageConfigured is returned and broadcast when a configuration is
// accepted.
const MessageConfigured = "MQTT configured successfully!"

// Supervisor backoff defaults.
const (
	defaultRetryInitial    = time.Second
	defaultRetryMax        = time.Minute
	defaultRetryMultiplier = 2.0
)

// Store is the subset of the settings store the bridge uses.
type Store interface {
	MQTTConfig(ctx context.Context) (settings.MQTTConfig, bool, error)
	SaveMQTTConfig(ctx context.Context, cfg settings.MQTTConfig) error
	StartupPreferences(ctx context.Context) (settings.StartupPreferences, error)
	SaveStartupPreferences(ctx context.Context, prefs settings.StartupPreferences) error
}

// Notifier is told the outcome of every Configure call.
type Notifier interface {
	ConfigAccepted(message string)
	ConfigRejected(reason string)
}

// Deps holds everything a Bridge needs.
type Deps struct {
	Source volume.Source
	Store  Store
	Logger *logging.Logger

	Session      SessionConfig
	PollInterval time.Duration
	ProbeTimeout time.Duration

	// Discovery, when set, is announced on every (re)connect.
	Discovery *Discovery

	// Notifier and Observers are optional.
	Notifier  Notifier
	Observers []VolumeObserver

	// Dial and Probe default to the real MQTT client.
	Dial  DialFunc
	Probe ProbeFunc
}

// Status is a snapshot of the bridge for the local API.
type Status struct {
	State      State  `json:"state"`
	BrokerURL  string `json:"brokerUrl,omitempty"`
	Username   string `json:"username,omitempty"`
	BaseTopic  string `json:"baseTopic,omitempty"`
	ClientID   string `json:"clientId,omitempty"`
	LastVolume *int   `json:"lastVolume,omitempty"`
	Retrying   bool   `json:"retrying"`
}

// Bridge ties the session, poller, command applier and validator together.
type Bridge struct {
	store     Store
	session   *Session
	poller    *Poller
	validator *Validator
	notifier  Notifier
	logger    *logging.Logger

	retryInitial time.Duration
	retryMax     time.Duration

	// configureMu serializes Configure.
	configureMu sync.Mutex

	mu        sync.Mutex
	runCtx    context.Context
	cancelRun context.CancelFunc
	stopRetry context.CancelFunc
	retrying  bool
	started   bool
	wg        sync.WaitGroup
}

// New wires a Bridge from deps. Nothing runs until Start.
func New(deps Deps) (*Bridge, error) {
	if deps.Source == nil {
		return nil, errors.New("bridge: volume source is required")
	}
	if deps.Store == nil {
		return nil, errors.New("bridge: settings store is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = logging.Discard()
	}

	commands := NewCommandApplier(deps.Source, deps.Session.LegacyCommandTopic, logger.Component("commands"))
	session := NewSession(deps.Dial, deps.Session, commands.Handle, logger.Component("session"))
	poller := NewPoller(session, deps.Source, deps.PollInterval, deps.Session.QoS, logger.Component("poller"))
	for _, fn := range deps.Observers {
		poller.Observe(fn)
	}
	if d := deps.Discovery; d != nil {
		discoveryLog := logger.Component("discovery")
		poller.OnResync(func(conn Conn, topics mqtt.Topics) {
			if err := d.Announce(conn, topics); err != nil {
				discoveryLog.Warn("publishing discovery config failed", "topic", d.Topic(), "error", err)
				return
			}
			discoveryLog.Debug("published discovery config", "topic", d.Topic())
		})
	}

	b := &Bridge{
		store:        deps.Store,
		session:      session,
		poller:       poller,
		validator:    NewValidator(deps.Probe, deps.ProbeTimeout),
		notifier:     deps.Notifier,
		logger:       logger.Component("bridge"),
		retryInitial: deps.Session.ReconnectInitial,
		retryMax:     deps.Session.ReconnectMax,
	}
	if b.retryInitial <= 0 {
		b.retryInitial = defaultRetryInitial
	}
	if b.retryMax < b.retryInitial {
		b.retryMax = max(defaultRetryMax, b.retryInitial)
	}
	return b, nil
}

// Start launches the poller and, when a configuration was persisted,
// connects to it without notifying anyone. A failed startup connect is
// retried in the background with exponential backoff until it succeeds,
// ctx ends, Close is called or a new configuration is submitted.
//
// If the stored configuration cannot be loaded nothing is started and Start
// may be called again.
func (b *Bridge) Start(ctx context.Context) error {
	b.mu.Lock()
	if b.started {
		b.mu.Unlock()
		return errors.New("bridge: already started")
	}
	b.started = true
	b.mu.Unlock()

	cfg, ok, err := b.store.MQTTConfig(ctx)
	if err != nil {
		b.mu.Lock()
		b.started = false
		b.mu.Unlock()
		return fmt.Errorf("loading MQTT config: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	b.mu.Lock()
	b.runCtx, b.cancelRun = runCtx, cancel
	b.mu.Unlock()

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.poller.Run(runCtx)
	}()

	if !ok {
		b.logger.Info("no MQTT configuration stored, waiting for one")
		return nil
	}
	if !wellFormed(cfg) {
		b.logger.Warn("stored MQTT configuration is invalid, waiting for a new one")
		return nil
	}

	if err := b.session.Connect(ctx, cfg); err != nil {
		b.logger.Warn("connecting to stored MQTT broker failed, retrying in background",
			"broker", cfg.URL, "error", err)
		b.superviseConnect(cfg)
	}
	return nil
}

// superviseConnect retries connecting cfg until it succeeds or is stopped.
func (b *Bridge) superviseConnect(cfg settings.MQTTConfig) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.runCtx == nil {
		return
	}
	if b.stopRetry != nil {
		b.stopRetry()
	}
	ctx, cancel := context.WithCancel(b.runCtx)
	b.stopRetry = cancel
	b.retrying = true

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.retryLoop(ctx, cfg)
	}()
}

func (b *Bridge) retryLoop(ctx context.Context, cfg settings.MQTTConfig) {
	defer func() {
		// A cancelled loop was replaced or stopped by whoever cancelled it.
		b.mu.Lock()
		if ctx.Err() == nil {
			b.retrying = false
			if b.stopRetry != nil {
				b.stopRetry()
				b.stopRetry = nil
			}
		}
		b.mu.Unlock()
	}()

	delay := b.retryInitial
	for attempt := 1; ; attempt++ {
		if !sleepCtx(ctx, delay) {
			return
		}

		err := b.session.Connect(ctx, cfg)
		if err == nil {
			b.logger.Info("connected to stored MQTT broker", "attempts", attempt)
			return
		}
		if ctx.Err() != nil {
			return
		}

		delay = time.Duration(float64(delay) * defaultRetryMultiplier)
		if delay > b.retryMax {
			delay = b.retryMax
		}
		b.logger.Warn("MQTT connect retry failed",
			"broker", cfg.URL,
			"attempt", attempt,
			"next_retry", delay,
			"error", err,
		)
	}
}

// cancelRetry stops any background connect supervisor.
func (b *Bridge) cancelRetry() {
	b.mu.Lock()
	stop := b.stopRetry
	b.stopRetry = nil
	b.retrying = false
	b.mu.Unlock()
	if stop != nil {
		stop()
	}
}

// Configure validates candidate, persists it, ends the current connection
// and connects with the new configuration.
//
// Validation failures leave the store and the live connection untouched.
// The outcome is always reported to the Notifier; a rejection carries the
// reason verbatim.
func (b *Bridge) Configure(ctx context.Context, candidate settings.MQTTConfig) (string, error) {
	b.configureMu.Lock()
	defer b.configureMu.Unlock()

	if err := b.validator.Validate(ctx, candidate); err != nil {
		b.logger.Warn("MQTT configuration rejected", "broker", candidate.URL, "error", err)
		b.rejected(err.Error())
		return "", err
	}

	if err := b.store.SaveMQTTConfig(ctx, candidate); err != nil {
		err = fmt.Errorf("saving MQTT config: %w", err)
		b.logger.Error("persisting MQTT configuration failed", "error", err)
		b.rejected(err.Error())
		return "", err
	}

	b.cancelRetry()

	if err := b.session.Reconfigure(ctx, candidate); err != nil {
		b.logger.Warn("connecting with new MQTT configuration failed, retrying in background",
			"broker", candidate.URL, "error", err)
		b.rejected(err.Error())
		b.superviseConnect(candidate)
		return "", err
	}

	b.logger.Info("MQTT configuration applied",
		"broker", candidate.URL,
		"base_topic", candidate.BaseTopic,
	)
	if b.notifier != nil {
		b.notifier.ConfigAccepted(MessageConfigured)
	}
	return MessageConfigured, nil
}

func (b *Bridge) rejected(reason string) {
	if b.notifier != nil {
		b.notifier.ConfigRejected(reason)
	}
}

// SetStartupPreferences persists the open-at-login preference. It has no
// effect on the broker connection.
func (b *Bridge) SetStartupPreferences(ctx context.Context, openAtLogin bool) error {
	prefs := settings.StartupPreferences{OpenAtLogin: openAtLogin}
	if err := b.store.SaveStartupPreferences(ctx, prefs); err != nil {
		return fmt.Errorf("saving startup preferences: %w", err)
	}
	b.logger.Info("startup preferences saved", "open_at_login", openAtLogin)
	return nil
}

// StartupPreferences returns the stored preferences, or the defaults.
func (b *Bridge) StartupPreferences(ctx context.Context) (settings.StartupPreferences, error) {
	return b.store.StartupPreferences(ctx)
}

// Status returns a snapshot of the connection and the last published level.
func (b *Bridge) Status() Status {
	st := Status{
		State:    b.session.State(),
		ClientID: b.session.ClientID(),
	}
	if cfg, ok := b.session.Current(); ok {
		st.BrokerURL = cfg.URL
		st.Username = cfg.Username
		st.BaseTopic = mqtt.NewTopics(cfg.BaseTopic).Base()
	}
	if level, ok := b.poller.LastPublished(); ok {
		st.LastVolume = &level
	}
	b.mu.Lock()
	st.Retrying = b.retrying
	b.mu.Unlock()
	return st
}

// Close stops the poller and any connect supervisor, then ends the broker
// connection.
func (b *Bridge) Close() error {
	b.mu.Lock()
	cancel := b.cancelRun
	b.cancelRun = nil
	b.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	b.wg.Wait()
	return b.session.End()
}

// sleepCtx sleeps for d or until ctx is cancelled. Returns false if ctx was
// cancelled.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
