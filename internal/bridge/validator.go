package bridge

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/nerrad567/bifrost/internal/infrastructure/mqtt"
	"github.com/nerrad567/bifrost/internal/settings"
)

// DefaultProbeTimeout bounds a connectivity probe.
const DefaultProbeTimeout = 10 * time.Second

// ProbeFunc opens and immediately closes a throwaway broker connection.
type ProbeFunc func(ctx context.Context, opts mqtt.Options) error

// Validator decides whether a submitted broker configuration is acceptable.
type Validator struct {
	probe   ProbeFunc
	timeout time.Duration
}

// NewValidator returns a Validator. A nil probe uses mqtt.Probe.
func NewValidator(probe ProbeFunc, timeout time.Duration) *Validator {
	if probe == nil {
		probe = mqtt.Probe
	}
	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}
	return &Validator{probe: probe, timeout: timeout}
}

// Validate checks candidate in two stages. First every field must be
// non-empty and the base topic usable for publishing, otherwise
// ErrInvalidConfig is returned without touching the network. Then a probe connection is made with the candidate's URL and
// credentials; a failure is returned as a *ConnectivityError carrying the
// broker's reason.
func (v *Validator) Validate(ctx context.Context, candidate settings.MQTTConfig) error {
	if !wellFormed(candidate) {
		return ErrInvalidConfig
	}

	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	err := v.probe(ctx, mqtt.Options{
		BrokerURL:      candidate.URL,
		Username:       candidate.Username,
		Password:       candidate.Password,
		ClientID:       clientIDPrefix + "probe-" + uuid.NewString(),
		ConnectTimeout: v.timeout,
	})
	if err != nil {
		return &ConnectivityError{Broker: candidate.URL, Err: err}
	}
	return nil
}

// wellFormed is the structural half of Validate.
func wellFormed(cfg settings.MQTTConfig) bool {
	return cfg.Complete() && mqtt.ValidBase(cfg.BaseTopic)
}
