package volume

import (
	"context"
	"sync/atomic"
)

// Memory is an in-process volume level.
type Memory struct {
	level atomic.Int64
}

// NewMemory returns a Memory source starting at initial (clamped to 0..100).
func NewMemory(initial int) *Memory {
	m := &Memory{}
	m.level.Store(int64(clamp(initial)))
	return m
}

func (m *Memory) Volume(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return int(m.level.Load()), nil
}

func (m *Memory) SetVolume(ctx context.Context, level int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := CheckLevel(level); err != nil {
		return err
	}
	m.level.Store(int64(level))
	return nil
}

func (m *Memory) Close() error { return nil }
