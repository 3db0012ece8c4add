package volume

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/fhs/gompd/v2/mpd"

	"github.com/nerrad567/bifrost/internal/infrastructure/config"
)

// MPD controls the volume of a Music Player Daemon.
//
// One connection is kept open and re-dialled after any error, so a restarted
// daemon is picked up on the next call. gompd has no deadlines of its own:
// each call runs in a goroutine bounded by ctx, and at most one call is in
// flight. A call that outlives its ctx keeps the slot until the daemon
// answers, and later calls fail once their own ctx ends.
type MPD struct {
	cfg config.MPDConfig

	// inflight holds a token while a call is talking to the daemon.
	inflight chan struct{}

	mu     sync.Mutex
	client *mpd.Client
	closed bool
}

// NewMPD returns an MPD source. No connection is made until first use.
func NewMPD(cfg config.MPDConfig) *MPD {
	if cfg.Network == "" {
		cfg.Network = "tcp"
	}
	return &MPD{cfg: cfg, inflight: make(chan struct{}, 1)}
}

// do runs fn against a live client, dropping the client if fn fails.
func (m *MPD) do(ctx context.Context, fn func(*mpd.Client) error) error {
	select {
	case m.inflight <- struct{}{}:
	case <-ctx.Done():
		return fmt.Errorf("mpd: waiting for previous request: %w", ctx.Err())
	}

	done := make(chan error, 1)
	go func() {
		defer func() { <-m.inflight }()
		done <- m.call(fn)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("mpd: %w", ctx.Err())
	}
}

// call runs fn while holding the in-flight token.
func (m *MPD) call(fn func(*mpd.Client) error) error {
	m.mu.Lock()
	c := m.client
	m.client = nil
	m.mu.Unlock()

	if c == nil {
		var err error
		if c, err = m.dial(); err != nil {
			return fmt.Errorf("mpd: dial %s %s: %w", m.cfg.Network, m.cfg.Address, err)
		}
	}

	err := fn(c)

	m.mu.Lock()
	defer m.mu.Unlock()
	if err != nil || m.closed {
		_ = c.Close()
		m.client = nil
	} else {
		m.client = c
	}
	if err != nil {
		return fmt.Errorf("mpd: %w", err)
	}
	return nil
}

func (m *MPD) dial() (*mpd.Client, error) {
	if m.cfg.Password == "" {
		return mpd.Dial(m.cfg.Network, m.cfg.Address)
	}
	c, err := mpd.DialAuthenticated(m.cfg.Network, m.cfg.Address, m.cfg.Password)
	if err != nil {
		if c != nil {
			_ = c.Close()
		}
		return nil, err
	}
	return c, nil
}

// Volume reads the "volume" field of MPD's status. MPD reports -1 when no
// mixer is available, which is returned as ErrUnavailable.
func (m *MPD) Volume(ctx context.Context) (int, error) {
	var level int
	err := m.do(ctx, func(c *mpd.Client) error {
		attrs, err := c.Status()
		if err != nil {
			return err
		}
		raw, ok := attrs["volume"]
		if !ok {
			return ErrUnavailable
		}
		level, err = strconv.Atoi(raw)
		if err != nil {
			return fmt.Errorf("parsing volume %q: %w", raw, err)
		}
		if level < 0 {
			return ErrUnavailable
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return clamp(level), nil
}

func (m *MPD) SetVolume(ctx context.Context, level int) error {
	if err := CheckLevel(level); err != nil {
		return err
	}
	return m.do(ctx, func(c *mpd.Client) error {
		return c.SetVolume(level)
	})
}

// Close drops the idle connection. A call still in flight closes its own
// connection when it returns.
func (m *MPD) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	if m.client == nil {
		return nil
	}
	err := m.client.Close()
	m.client = nil
	return err
}
