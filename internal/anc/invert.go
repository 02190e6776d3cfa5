package anc

// Invert writes the phase-inverted input to out, out[i] = -in[i], and returns
// the number of frames inverted. Frames of out past the end of in are
// silenced, so a nil in yields a silent buffer. Invert keeps no state and is
// safe to call from the audio callback.
func Invert(out, in []float32) int {
	n := min(len(out), len(in))
	for i := range n {
		out[i] = -in[i]
	}
	clear(out[n:])
	return n
}
