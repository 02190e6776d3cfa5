// Package config holds the compiled-in parameters of the noise-cancelling
// recorder. There is no configuration file and no flags: Default is the
// only source of values.
package config

import (
	"fmt"
	"time"

	"ancdemo/internal/anc"
)

// Config holds the stream and session parameters for one run.
type Config struct {
	SampleRate      float64       // Hz
	FramesPerBuffer int           // stream buffer size; also the noise profile period
	Channels        int           // only mono is supported
	Duration        time.Duration // requested capture length
	InputDeviceID   int           // -1 selects the default input device
	OutputDeviceID  int           // -1 selects the default output device

	ProgressInterval time.Duration // how often the frame index is reported
	StopGrace        time.Duration // how long a cancelled phase may take to wind down
}

// Default returns the compiled-in configuration: 10 s of mono audio at
// 44.1 kHz, streamed in 1024-frame buffers through the default devices.
func Default() Config {
	return Config{
		SampleRate:       44100,
		FramesPerBuffer:  1024,
		Channels:         1,
		Duration:         10 * time.Second,
		InputDeviceID:    -1,
		OutputDeviceID:   -1,
		ProgressInterval: time.Second,
		StopGrace:        2 * time.Second,
	}
}

// Capacity returns the capture length in frames, rounded up to a whole number
// of buffers so every captured frame belongs to a complete profile period.
// Rounding up replaces rejection: a duration that is not a whole number of
// buffers is never a configuration error here, and only a session sized by
// hand can still fail the alignment check in anc.NewSession.
func (c Config) Capacity() int {
	if c.FramesPerBuffer <= 0 {
		return 0
	}
	frames := int(c.Duration.Seconds() * c.SampleRate)
	buffers := (frames + c.FramesPerBuffer - 1) / c.FramesPerBuffer
	return buffers * c.FramesPerBuffer
}

// Validate reports parameters the pipeline cannot run with.
func (c Config) Validate() error {
	switch {
	case c.SampleRate <= 0:
		return fmt.Errorf("%w: sample rate must be positive, got %v", anc.ErrConfiguration, c.SampleRate)
	case c.FramesPerBuffer <= 0:
		return fmt.Errorf("%w: frames per buffer must be positive, got %d", anc.ErrConfiguration, c.FramesPerBuffer)
	case c.Channels != 1:
		return fmt.Errorf("%w: only mono is supported, got %d channels", anc.ErrConfiguration, c.Channels)
	case c.Duration <= 0:
		return fmt.Errorf("%w: duration must be positive, got %v", anc.ErrConfiguration, c.Duration)
	case c.ProgressInterval <= 0:
		return fmt.Errorf("%w: progress interval must be positive, got %v", anc.ErrConfiguration, c.ProgressInterval)
	case c.StopGrace < 0:
		return fmt.Errorf("%w: stop grace must not be negative, got %v", anc.ErrConfiguration, c.StopGrace)
	}
	if capacity := c.Capacity(); capacity > anc.MaxCapacity {
		return fmt.Errorf("%w: %v at %v Hz needs %d frames, limit is %d",
			anc.ErrAllocation, c.Duration, c.SampleRate, capacity, anc.MaxCapacity)
	}
	return nil
}
