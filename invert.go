package main

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"ancdemo/internal/anc"
	"ancdemo/internal/config"
	"ancdemo/internal/level"

	"github.com/gordonklaus/portaudio"
	log "github.com/sirupsen/logrus"
)

// Inverter plays the microphone back through the output device with its
// phase inverted, buffer by buffer, until the run is interrupted. Nothing is
// recorded.
type Inverter struct {
	cfg      config.Config
	device   streamOpener
	frames   atomic.Int64
	stopping atomic.Bool
}

// NewInverter validates cfg. Duration is not used: inversion runs until ctx
// is cancelled.
func NewInverter(cfg config.Config, device streamOpener) (*Inverter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Inverter{cfg: cfg, device: device}, nil
}

// Cursor returns the number of input frames inverted so far.
func (inv *Inverter) Cursor() int { return int(inv.frames.Load()) }

// Cancel makes the next callback emit silence and finish the stream.
func (inv *Inverter) Cancel() { inv.stopping.Store(true) }

// Run streams until ctx is cancelled. Interruption is how an inversion run
// normally ends, so it is not reported as an error once the stream has run.
func (inv *Inverter) Run(ctx context.Context) (PhaseReport, error) {
	if err := ctx.Err(); err != nil {
		return PhaseReport{}, fmt.Errorf("%w: before inversion: %w", anc.ErrCancelled, err)
	}

	log.WithFields(log.Fields{
		"component":   "invert",
		"sample_rate": inv.cfg.SampleRate,
		"buffer":      inv.cfg.FramesPerBuffer,
	}).Info("now inverting microphone input, interrupt to stop")

	ph := newPhase("invert")
	stream, err := inv.device.OpenDuplex(inv.cfg.SampleRate, inv.cfg.FramesPerBuffer, func(in, out []float32, flags portaudio.StreamCallbackFlags) {
		ph.observe(flags)
		if inv.stopping.Load() {
			clear(out)
			ph.signal(anc.Complete)
			return
		}
		n := anc.Invert(out, in)
		inv.frames.Add(int64(n))
		ph.meter.Add(out[:n])
	})
	if err != nil {
		return PhaseReport{}, err
	}

	rep, err := runStream(ctx, inv.cfg, ph, stream, inv)
	if err != nil && !errors.Is(err, anc.ErrCancelled) {
		return rep, err
	}
	log.WithFields(log.Fields{
		"component":   "invert",
		"frames":      rep.Frames,
		"output_dbfs": fmt.Sprintf("%.1f", level.DBFS(rep.RMS)),
		"peak_dbfs":   fmt.Sprintf("%.1f", level.DBFS(rep.Peak)),
		"xruns":       rep.XRuns,
		"elapsed":     rep.Elapsed,
	}).Info("done")
	return rep, nil
}
