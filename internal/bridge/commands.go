package bridge

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/nerrad567/bifrost/internal/infrastructure/logging"
	"github.com/nerrad567/bifrost/internal/infrastructure/mqtt"
	"github.com/nerrad567/bifrost/internal/volume"
)

// defaultCommandTimeout bounds a single device write.
const defaultCommandTimeout = 5 * time.Second

// CommandApplier applies volume commands received from the broker to the
// device.
type CommandApplier struct {
	source      volume.Source
	legacyTopic string
	timeout     time.Duration
	logger      *logging.Logger
}

// NewCommandApplier returns an applier writing to source. legacyTopic, if
// not empty, is accepted as a command topic alongside {base}/volume/set.
func NewCommandApplier(source volume.Source, legacyTopic string, logger *logging.Logger) *CommandApplier {
	if logger == nil {
		logger = logging.Discard()
	}
	return &CommandApplier{
		source:      source,
		legacyTopic: legacyTopic,
		timeout:     defaultCommandTimeout,
		logger:      logger,
	}
}

// IsCommandTopic reports whether topic carries volume commands for the
// connection described by topics.
func (a *CommandApplier) IsCommandTopic(topics mqtt.Topics, topic string) bool {
	if topic == topics.VolumeSet() {
		return true
	}
	return a.legacyTopic != "" && topic == a.legacyTopic
}

// Apply parses payload and sets the device volume. Messages on other topics
// are ignored and return nil. A payload that is not an integer in [0, 100]
// returns a *CommandParseError and leaves the device untouched.
func (a *CommandApplier) Apply(ctx context.Context, topics mqtt.Topics, topic string, payload []byte) error {
	if !a.IsCommandTopic(topics, topic) {
		return nil
	}

	level, err := parseCommand(topic, payload)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()
	return a.source.SetVolume(ctx, level)
}

// Handle is the MessageFunc wired into the Session. Errors are logged and
// never propagate back to the MQTT layer.
func (a *CommandApplier) Handle(topics mqtt.Topics, topic string, payload []byte) {
	if !a.IsCommandTopic(topics, topic) {
		a.logger.Debug("ignoring message", "topic", topic)
		return
	}

	err := a.Apply(context.Background(), topics, topic, payload)
	var parseErr *CommandParseError
	switch {
	case err == nil:
		a.logger.Debug("applied volume command", "topic", topic, "payload", string(payload))
	case errors.As(err, &parseErr):
		a.logger.Warn("ignoring invalid volume command", "topic", topic, "payload", parseErr.Payload, "error", parseErr.Err)
	default:
		a.logger.Error("setting device volume failed", "topic", topic, "error", err)
	}
}

// parseCommand accepts a base-10 integer from 0 to 100, surrounded by
// optional whitespace.
func parseCommand(topic string, payload []byte) (int, error) {
	text := strings.TrimSpace(string(payload))
	level, err := strconv.Atoi(text)
	if err != nil {
		return 0, &CommandParseError{Topic: topic, Payload: text, Err: err}
	}
	if err := volume.CheckLevel(level); err != nil {
		return 0, &CommandParseError{Topic: topic, Payload: text, Err: err}
	}
	return level, nil
}
