package session

import (
	"time"

	"github.com/danmuck/gamewire/internal/protocol/frame"
)

// Config defines per-session limits and error policy.
type Config struct {
	MaxFrameSize     uint32
	MaxFrameErrors   int
	FrameErrorWindow time.Duration
}

// DefaultConfig returns the transport defaults.
func DefaultConfig() Config {
	return Config{
		MaxFrameSize:     frame.DefaultMaxFrameSize,
		MaxFrameErrors:   16,
		FrameErrorWindow: 10 * time.Second,
	}
}

// WithDefaults fills zero fields from DefaultConfig. A negative
// MaxFrameErrors disables the error window.
func (c Config) WithDefaults() Config {
	def := DefaultConfig()
	if c.MaxFrameSize < frame.MinLength {
		c.MaxFrameSize = def.MaxFrameSize
	}
	if c.MaxFrameErrors == 0 {
		c.MaxFrameErrors = def.MaxFrameErrors
	}
	if c.FrameErrorWindow <= 0 {
		c.FrameErrorWindow = def.FrameErrorWindow
	}
	return c
}

func (c Config) Limits() frame.Limits {
	return frame.Limits{MaxFrameSize: c.MaxFrameSize}
}
