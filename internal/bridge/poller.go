package bridge

import (
	"context"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/nerrad567/bifrost/internal/infrastructure/logging"
	"github.com/nerrad567/bifrost/internal/infrastructure/mqtt"
	"github.com/nerrad567/bifrost/internal/volume"
)

// DefaultPollInterval is the device sampling period.
const DefaultPollInterval = 100 * time.Millisecond

// VolumeObserver is told about every level the Poller publishes.
type VolumeObserver func(baseTopic string, level int, at time.Time)

// ResyncFunc runs on the Poller goroutine before the first publish on a
// new or re-established connection.
type ResyncFunc func(conn Conn, topics mqtt.Topics)

// Poller samples the device volume and publishes changes, retained, to
// {base}/volume.
//
// The last published level and the generation it was published under are
// only touched by the Run goroutine. A new generation, meaning a new
// connection or a reconnect, forces a publish of the current level even if
// it has not changed.
type Poller struct {
	session   *Session
	source    volume.Source
	interval  time.Duration
	qos       byte
	observers []VolumeObserver
	onResync  ResyncFunc
	logger    *logging.Logger

	last       int
	hasLast    bool
	generation uint64
	readErr    string

	// published mirrors last for concurrent readers; -1 means none yet.
	published atomic.Int64
}

// NewPoller returns a Poller. A non-positive interval uses
// DefaultPollInterval.
func NewPoller(session *Session, source volume.Source, interval time.Duration, qos byte, logger *logging.Logger) *Poller {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	if logger == nil {
		logger = logging.Discard()
	}
	p := &Poller{
		session:  session,
		source:   source,
		interval: interval,
		qos:      qos,
		logger:   logger,
	}
	p.published.Store(-1)
	return p
}

// Observe registers fn to be called after each successful publish.
// Must be called before Run.
func (p *Poller) Observe(fn VolumeObserver) {
	if fn != nil {
		p.observers = append(p.observers, fn)
	}
}

// OnResync sets the hook run when the connection generation changes.
// Must be called before Run.
func (p *Poller) OnResync(fn ResyncFunc) {
	p.onResync = fn
}

// Run polls until ctx is cancelled.
func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.tick(ctx)
		}
	}
}

// LastPublished returns the most recently published level.
func (p *Poller) LastPublished() (int, bool) {
	v := p.published.Load()
	if v < 0 {
		return 0, false
	}
	return int(v), true
}

// tick runs one sample-and-publish step. It does nothing while the session
// has no live connection.
func (p *Poller) tick(ctx context.Context) {
	conn, topics, generation, ok := p.session.Live()
	if !ok {
		return
	}

	readCtx, cancel := context.WithTimeout(ctx, p.interval*10)
	level, err := p.source.Volume(readCtx)
	cancel()
	if err != nil {
		// Log each distinct failure once rather than every tick.
		if msg := err.Error(); msg != p.readErr {
			p.readErr = msg
			p.logger.Warn("reading device volume failed", "error", err)
		}
		return
	}
	if p.readErr != "" {
		p.readErr = ""
		p.logger.Info("device volume readable again")
	}

	resync := generation != p.generation
	if !resync && p.hasLast && level == p.last {
		return
	}

	if resync && p.onResync != nil {
		p.onResync(conn, topics)
	}

	payload := []byte(strconv.Itoa(level))
	if err := conn.Publish(topics.Volume(), payload, p.qos, true); err != nil {
		p.logger.Warn("publishing volume failed", "topic", topics.Volume(), "error", err)
		return
	}

	p.last, p.hasLast, p.generation = level, true, generation
	p.published.Store(int64(level))
	p.logger.Debug("published volume", "topic", topics.Volume(), "level", level)

	now := time.Now()
	for _, fn := range p.observers {
		fn(topics.Base(), level, now)
	}
}
