package tracker

import (
	"fmt"
	"time"

	"github.com/Boykai/runwire/event"
	"github.com/Boykai/runwire/stream"
	"github.com/Boykai/runwire/wire"
)

// Config holds the tunable settings for a Tracker. Zero values fall
// back to the defaults from DefaultConfig at construction.
type Config struct {
	// ListenAddr is the bind address for the TCP streaming endpoint.
	// Empty leaves the endpoint disabled; in-process observers still
	// work through the hub.
	ListenAddr string

	// StreamFormat is the wire codec served to clients that do not name
	// one in their subscribe request ("json" or "msgpack").
	StreamFormat string

	// BusBufferSize is the per-subscription buffer on the live event
	// bus. A subscription lagging this far behind is cut.
	BusBufferSize int

	// ObserverBufferSize is the per-observer buffer on the stream hub.
	ObserverBufferSize int

	// RunnerConcurrency caps how many workflows the embedded runner
	// executes at once.
	RunnerConcurrency int

	// StepTimeout bounds each step handler invocation. Zero means no
	// bound.
	StepTimeout time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		StreamFormat:       wire.CodecNameJSON,
		BusBufferSize:      event.DefaultBufferSize,
		ObserverBufferSize: stream.DefaultBufferSize,
		RunnerConcurrency:  10,
	}
}

// Validate checks the configuration for invalid values.
func (c Config) Validate() error {
	if c.BusBufferSize < 0 {
		return fmt.Errorf("tracker: BusBufferSize must not be negative, got %d", c.BusBufferSize)
	}
	if c.ObserverBufferSize < 0 {
		return fmt.Errorf("tracker: ObserverBufferSize must not be negative, got %d", c.ObserverBufferSize)
	}
	if c.RunnerConcurrency < 0 {
		return fmt.Errorf("tracker: RunnerConcurrency must not be negative, got %d", c.RunnerConcurrency)
	}
	if c.StepTimeout < 0 {
		return fmt.Errorf("tracker: StepTimeout must not be negative, got %s", c.StepTimeout)
	}
	switch c.StreamFormat {
	case "", wire.CodecNameJSON, wire.CodecNameMsgpack:
	default:
		return fmt.Errorf("tracker: unknown StreamFormat %q", c.StreamFormat)
	}
	return nil
}

// withDefaults fills zero values from DefaultConfig.
func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.StreamFormat == "" {
		c.StreamFormat = def.StreamFormat
	}
	if c.BusBufferSize == 0 {
		c.BusBufferSize = def.BusBufferSize
	}
	if c.ObserverBufferSize == 0 {
		c.ObserverBufferSize = def.ObserverBufferSize
	}
	if c.RunnerConcurrency == 0 {
		c.RunnerConcurrency = def.RunnerConcurrency
	}
	return c
}
