package volume

import (
	"context"
	"errors"
	"fmt"

	"github.com/nerrad567/bifrost/internal/infrastructure/config"
)

// Bounds of a volume level.
const (
	MinLevel = 0
	MaxLevel = 100
)

var (
	// ErrOutOfRange is returned when a level outside 0..100 is written.
	ErrOutOfRange = errors.New("volume: level out of range (must be 0-100)")

	// ErrUnavailable is returned when the backend reports no usable volume,
	// for example MPD with no output enabled.
	ErrUnavailable = errors.New("volume: not available")
)

// Source is the device volume control.
type Source interface {
	// Volume returns the current level, 0..100.
	Volume(ctx context.Context) (int, error)

	// SetVolume applies level immediately.
	SetVolume(ctx context.Context, level int) error

	// Close releases any connection held by the source.
	Close() error
}

// New builds the source selected by cfg.Backend.
func New(cfg config.VolumeConfig) (Source, error) {
	switch cfg.Backend {
	case config.VolumeBackendMPD:
		return NewMPD(cfg.MPD), nil
	case config.VolumeBackendAmixer:
		return NewAmixer(cfg.Amixer), nil
	case config.VolumeBackendMemory, "":
		return NewMemory(cfg.Initial), nil
	default:
		return nil, fmt.Errorf("volume: unknown backend %q", cfg.Backend)
	}
}

// CheckLevel returns ErrOutOfRange unless level is within 0..100.
func CheckLevel(level int) error {
	if level < MinLevel || level > MaxLevel {
		return fmt.Errorf("%w: %d", ErrOutOfRange, level)
	}
	return nil
}

func clamp(level int) int {
	return max(MinLevel, min(MaxLevel, level))
}
