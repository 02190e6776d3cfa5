// Package anc implements a record-then-playback noise canceller for mono
// float32 PCM audio.
//
// A Session captures a fixed number of frames from an input stream, derives a
// periodic noise profile by averaging the capture across every buffer-length
// period, and then plays the capture back with the profile subtracted from
// each sample.
//
// Usage:
//
//	s, err := anc.NewSession(capacity, 1024)
//
//	// In the capture stream callback:
//	done := s.Capture(in, len(in)) == anc.Complete
//
//	// After the capture stream is stopped and closed:
//	err = s.Estimate()
//	s.Rewind()
//
//	// In the playback stream callback:
//	done = s.Playback(out) == anc.Complete
//
// Capture and Playback are called from the audio callback goroutine, one
// invocation at a time. The phases never overlap, so the sample and profile
// buffers need no lock; only the cursor is published atomically so the
// controlling goroutine can report progress.
package anc

import (
	"fmt"
	"sync/atomic"
)

// MaxCapacity is the largest capture length, in frames, a Session accepts.
// 1<<30 frames is 4 GiB of float32 samples.
const MaxCapacity = 1 << 30

// Signal is the result of one streaming callback invocation.
type Signal int

const (
	// Continue asks the stream to keep delivering buffers.
	Continue Signal = iota
	// Complete reports that the phase has finished; no further buffers are
	// needed.
	Complete
)

func (s Signal) String() string {
	switch s {
	case Continue:
		return "continue"
	case Complete:
		return "complete"
	default:
		return fmt.Sprintf("Signal(%d)", int(s))
	}
}

// Session is the shared state of one capture/estimate/playback run.
type Session struct {
	samples []float32 // capture buffer, len == capacity
	profile []float32 // noise profile, len == period
	period  int

	cursor    atomic.Int64 // next frame to write (capture) or read (playback)
	cancelled atomic.Bool
}

// NewSession allocates a zeroed session holding capacity frames, with a noise
// profile of period frames. capacity must be a whole number of periods so the
// profile average covers every captured frame; capacity 0 is allowed.
func NewSession(capacity, period int) (*Session, error) {
	if capacity < 0 || capacity > MaxCapacity {
		return nil, fmt.Errorf("%w: capacity %d frames outside [0, %d]", ErrAllocation, capacity, MaxCapacity)
	}
	if period <= 0 {
		return nil, fmt.Errorf("%w: period must be positive, got %d", ErrConfiguration, period)
	}
	if capacity%period != 0 {
		return nil, fmt.Errorf("%w: capacity %d is not a multiple of period %d", ErrConfiguration, capacity, period)
	}
	return &Session{
		samples: make([]float32, capacity),
		profile: make([]float32, period),
		period:  period,
	}, nil
}

// Capacity returns the number of frames captured and played back.
func (s *Session) Capacity() int { return len(s.samples) }

// Period returns the noise profile length, equal to the stream buffer size.
func (s *Session) Period() int { return s.period }

// Cursor returns the current frame index. Safe to call from any goroutine.
func (s *Session) Cursor() int { return int(s.cursor.Load()) }

// Samples returns the capture buffer. It must not be modified, and must not
// be read while the capture phase is running.
func (s *Session) Samples() []float32 { return s.samples }

// Profile returns the noise profile computed by Estimate.
func (s *Session) Profile() []float32 { return s.profile }

// Rewind resets the cursor to the start of the buffer. Call it between the
// capture and playback phases, never while a stream is running.
func (s *Session) Rewind() {
	s.cursor.Store(0)
}

// Cancel asks the running phase to finish. The next Capture or Playback call
// returns Complete without consuming or producing audio.
func (s *Session) Cancel() {
	s.cancelled.Store(true)
}

// Cancelled reports whether Cancel has been called.
func (s *Session) Cancelled() bool {
	return s.cancelled.Load()
}

// Capture stores one input buffer at the cursor and advances it. A nil in
// means the device delivered no input; frames zeros are stored instead.
// Writes stop at capacity. Returns Complete once the buffer is full.
func (s *Session) Capture(in []float32, frames int) Signal {
	if s.cancelled.Load() {
		return Complete
	}
	cur := int(s.cursor.Load())

	n := max(frames, 0)
	if in != nil {
		n = min(n, len(in))
	}
	n = min(n, len(s.samples)-cur)

	if n > 0 {
		dst := s.samples[cur : cur+n]
		if in == nil {
			clear(dst)
		} else {
			copy(dst, in[:n])
		}
		cur += n
		s.cursor.Store(int64(cur))
	}

	if cur >= len(s.samples) {
		return Complete
	}
	return Continue
}

// Playback fills out with captured samples minus the noise profile, starting
// at the cursor. The profile is indexed by the absolute frame position modulo
// the period so its phase matches the capture. Positions past capacity are
// filled with silence. Returns Complete once every frame has been emitted.
func (s *Session) Playback(out []float32) Signal {
	if s.cancelled.Load() {
		clear(out)
		return Complete
	}
	cur := int(s.cursor.Load())

	i := 0
	for ; i < len(out) && cur < len(s.samples); i++ {
		out[i] = s.samples[cur] - s.profile[cur%s.period]
		cur++
	}
	clear(out[i:])
	s.cursor.Store(int64(cur))

	if cur >= len(s.samples) {
		return Complete
	}
	return Continue
}

// Estimate computes the noise profile from the captured samples. It must run
// after the capture stream is closed and before playback starts.
func (s *Session) Estimate() error {
	if err := Estimate(s.profile, s.samples, s.period); err != nil {
		return fmt.Errorf("%w: %w", ErrConfiguration, err)
	}
	return nil
}
