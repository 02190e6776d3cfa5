// Package level measures the loudness of mono float32 PCM audio.
//
// RMS measures a single frame. Meter accumulates energy across many frames so
// a whole capture or playback phase can be summarised once it has finished.
package level

import "math"

// Floor is the level reported for digital silence, in dBFS.
const Floor = -120.0

// RMS returns the root-mean-square of a float32 PCM frame.
func RMS(frame []float32) float32 {
	if len(frame) == 0 {
		return 0
	}
	var sum float64
	for _, s := range frame {
		sum += float64(s) * float64(s)
	}
	return float32(math.Sqrt(sum / float64(len(frame))))
}

// DBFS converts a linear RMS amplitude to decibels relative to full scale.
// Silence and negative input map to Floor.
func DBFS(rms float32) float64 {
	if rms <= 0 {
		return Floor
	}
	return math.Max(Floor, 20*math.Log10(float64(rms)))
}

// Meter accumulates the energy of every frame passed to Add. Not safe for
// concurrent use; the stream callback is the only writer and the result is
// read after the stream has stopped.
type Meter struct {
	sum    float64
	frames int
	peak   float32
}

// Add accumulates frame into the meter.
func (m *Meter) Add(frame []float32) {
	for _, s := range frame {
		m.sum += float64(s) * float64(s)
		if a := float32(math.Abs(float64(s))); a > m.peak {
			m.peak = a
		}
	}
	m.frames += len(frame)
}

// Frames returns the number of frames accumulated.
func (m *Meter) Frames() int { return m.frames }

// RMS returns the RMS over all accumulated frames.
func (m *Meter) RMS() float32 {
	if m.frames == 0 {
		return 0
	}
	return float32(math.Sqrt(m.sum / float64(m.frames)))
}

// Peak returns the largest absolute sample seen.
func (m *Meter) Peak() float32 { return m.peak }
