package anc

import (
	"fmt"

	vecmath "github.com/cwbudde/algo-vecmath"
)

// Estimate writes the periodic noise profile of samples into dst.
//
// samples is treated as K = len(samples)/period repetitions of one waveform of
// length period, and dst[p] is the arithmetic mean of samples[p+k*period] over
// all k. Sums are accumulated in float64. An empty capture (K == 0) yields an
// all-zero profile.
//
// len(dst) must equal period and len(samples) must be a multiple of period;
// a trailing partial period is reported as ErrMisaligned rather than dropped.
func Estimate(dst, samples []float32, period int) error {
	if period <= 0 {
		return fmt.Errorf("period must be positive, got %d", period)
	}
	if len(dst) != period {
		return fmt.Errorf("profile length %d does not match period %d", len(dst), period)
	}
	if len(samples)%period != 0 {
		return fmt.Errorf("%w: %d samples, period %d", ErrMisaligned, len(samples), period)
	}

	k := len(samples) / period
	if k == 0 {
		clear(dst)
		return nil
	}

	sum := make([]float64, period)
	block := make([]float64, period)
	for off := 0; off < len(samples); off += period {
		for i, v := range samples[off : off+period] {
			block[i] = float64(v)
		}
		vecmath.AddBlockInPlace(sum, block)
	}
	vecmath.ScaleBlockInPlace(sum, 1/float64(k))

	for i, v := range sum {
		dst[i] = float32(v)
	}
	return nil
}
