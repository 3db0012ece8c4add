package volume

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"strconv"

	"github.com/nerrad567/bifrost/internal/infrastructure/config"
)

// amixerLevel matches the percentage in amixer output, e.g.
// "Front Left: Playback 42152 [64%] [on]".
var amixerLevel = regexp.MustCompile(`\[(\d{1,3})%\]`)

// Amixer controls an ALSA mixer element through the amixer command.
type Amixer struct {
	cfg config.AmixerConfig
}

// NewAmixer returns an Amixer source for cfg.Control.
func NewAmixer(cfg config.AmixerConfig) *Amixer {
	if cfg.Binary == "" {
		cfg.Binary = "amixer"
	}
	return &Amixer{cfg: cfg}
}

func (a *Amixer) args(cmd string, extra ...string) []string {
	var args []string
	if a.cfg.Card != "" {
		args = append(args, "-c", a.cfg.Card)
	}
	args = append(args, cmd, a.cfg.Control)
	return append(args, extra...)
}

func (a *Amixer) run(ctx context.Context, args []string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, a.cfg.Binary, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	out, err := cmd.Output()
	if err != nil {
		if msg := bytes.TrimSpace(stderr.Bytes()); len(msg) > 0 {
			return nil, fmt.Errorf("amixer: %w: %s", err, msg)
		}
		return nil, fmt.Errorf("amixer: %w", err)
	}
	return out, nil
}

// Volume returns the first channel's level as reported by "amixer sget".
func (a *Amixer) Volume(ctx context.Context) (int, error) {
	out, err := a.run(ctx, a.args("sget"))
	if err != nil {
		return 0, err
	}
	return parseAmixerLevel(out)
}

// SetVolume sets every channel of the control to level percent.
func (a *Amixer) SetVolume(ctx context.Context, level int) error {
	if err := CheckLevel(level); err != nil {
		return err
	}
	_, err := a.run(ctx, a.args("sset", strconv.Itoa(level)+"%"))
	return err
}

func (a *Amixer) Close() error { return nil }

func parseAmixerLevel(out []byte) (int, error) {
	m := amixerLevel.FindSubmatch(out)
	if m == nil {
		return 0, fmt.Errorf("%w: no percentage in amixer output", ErrUnavailable)
	}
	level, err := strconv.Atoi(string(m[1]))
	if err != nil {
		return 0, fmt.Errorf("amixer: parsing level: %w", err)
	}
	return clamp(level), nil
}
