package main

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"ancdemo/internal/anc"
	"ancdemo/internal/config"
	"ancdemo/internal/level"

	"github.com/gordonklaus/portaudio"
	log "github.com/sirupsen/logrus"
)

// PhaseReport summarises one streaming phase.
type PhaseReport struct {
	Frames    int           // frames captured or emitted
	Callbacks int           // stream callback invocations
	XRuns     int           // over/underflow flags reported by the driver
	RMS       float32       // level of the frames moved
	Peak      float32       // largest absolute sample moved
	Elapsed   time.Duration // Start to completion
}

// Report summarises a whole run.
type Report struct {
	Capture    PhaseReport
	ProfileRMS float32 // level of the estimated noise profile
	Playback   PhaseReport
}

// Pipeline records from the input device, estimates the periodic noise in the
// recording and plays it back with the noise subtracted. The phases run
// strictly one after another on a single Session.
type Pipeline struct {
	cfg     config.Config
	session *anc.Session
	device  streamOpener
}

// NewPipeline validates cfg and allocates the session buffers. No device is
// touched until Run.
func NewPipeline(cfg config.Config, device streamOpener) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	session, err := anc.NewSession(cfg.Capacity(), cfg.FramesPerBuffer)
	if err != nil {
		return nil, err
	}
	return &Pipeline{cfg: cfg, session: session, device: device}, nil
}

// Session returns the session the pipeline runs on.
func (p *Pipeline) Session() *anc.Session { return p.session }

// Run executes capture, estimation and playback. Cancelling ctx ends the
// running phase at the next buffer boundary and returns ErrCancelled.
func (p *Pipeline) Run(ctx context.Context) (Report, error) {
	var rep Report

	log.WithFields(log.Fields{
		"component":   "capture",
		"frames":      p.session.Capacity(),
		"sample_rate": p.cfg.SampleRate,
		"buffer":      p.cfg.FramesPerBuffer,
	}).Info("now recording, please speak into the microphone")

	capture, err := p.capture(ctx)
	rep.Capture = capture
	if err != nil {
		return rep, err
	}

	start := time.Now()
	if err := p.session.Estimate(); err != nil {
		return rep, err
	}
	rep.ProfileRMS = level.RMS(p.session.Profile())
	log.WithFields(log.Fields{
		"component":    "estimate",
		"period":       p.session.Period(),
		"capture_dbfs": fmt.Sprintf("%.1f", level.DBFS(capture.RMS)),
		"profile_dbfs": fmt.Sprintf("%.1f", level.DBFS(rep.ProfileRMS)),
		"elapsed":      time.Since(start),
	}).Info("noise profile estimated")

	p.session.Rewind()
	log.WithField("component", "playback").Info("now playing back")

	playback, err := p.playback(ctx)
	rep.Playback = playback
	if err != nil {
		return rep, err
	}

	log.WithFields(log.Fields{
		"component":     "playback",
		"output_dbfs":   fmt.Sprintf("%.1f", level.DBFS(playback.RMS)),
		"capture_xruns": capture.XRuns,
		"output_xruns":  playback.XRuns,
	}).Info("done")
	return rep, nil
}

// phase tracks one stream between Start and completion. The callback
// goroutine is the only writer of meter; it is read after the stream stops.
type phase struct {
	name      string
	done      chan struct{}
	once      sync.Once
	callbacks atomic.Int64
	xruns     atomic.Int64
	meter     level.Meter
}

func newPhase(name string) *phase {
	return &phase{name: name, done: make(chan struct{})}
}

func (ph *phase) observe(flags portaudio.StreamCallbackFlags) {
	ph.callbacks.Add(1)
	if n := xruns(flags); n > 0 {
		ph.xruns.Add(int64(n))
	}
}

func (ph *phase) signal(sig anc.Signal) {
	if sig == anc.Complete {
		ph.once.Do(func() { close(ph.done) })
	}
}

func (p *Pipeline) capture(ctx context.Context) (PhaseReport, error) {
	if err := ctx.Err(); err != nil {
		return PhaseReport{}, fmt.Errorf("%w: before capture: %w", anc.ErrCancelled, err)
	}
	ph := newPhase("capture")
	frames := p.cfg.FramesPerBuffer
	stream, err := p.device.OpenCapture(p.cfg.SampleRate, frames, func(in []float32, flags portaudio.StreamCallbackFlags) {
		ph.observe(flags)
		n := frames
		if in != nil {
			n = len(in)
		}
		before := p.session.Cursor()
		sig := p.session.Capture(in, n)
		if in != nil {
			ph.meter.Add(in[:p.session.Cursor()-before])
		}
		ph.signal(sig)
	})
	if err != nil {
		return PhaseReport{}, err
	}
	return runStream(ctx, p.cfg, ph, stream, p.session)
}

func (p *Pipeline) playback(ctx context.Context) (PhaseReport, error) {
	if err := ctx.Err(); err != nil {
		return PhaseReport{}, fmt.Errorf("%w: before playback: %w", anc.ErrCancelled, err)
	}
	ph := newPhase("playback")
	stream, err := p.device.OpenPlayback(p.cfg.SampleRate, p.cfg.FramesPerBuffer, func(out []float32, flags portaudio.StreamCallbackFlags) {
		ph.observe(flags)
		before := p.session.Cursor()
		sig := p.session.Playback(out)
		ph.meter.Add(out[:p.session.Cursor()-before])
		ph.signal(sig)
	})
	if err != nil {
		return PhaseReport{}, err
	}
	return runStream(ctx, p.cfg, ph, stream, p.session)
}

// positioner reports how far a phase has got and can ask its callback to
// finish at the next buffer boundary.
type positioner interface {
	Cursor() int
	Cancel()
}

// runStream starts an opened stream, waits for the phase to complete, then
// stops and closes it. The stream is guaranteed inactive when runStream
// returns.
func runStream(ctx context.Context, cfg config.Config, ph *phase, s paStream, pos positioner) (PhaseReport, error) {
	logger := log.WithField("component", ph.name)
	start := time.Now()

	if err := s.Start(); err != nil {
		if cerr := s.Close(); cerr != nil {
			logger.WithError(cerr).Warn("close after failed start")
		}
		return PhaseReport{}, fmt.Errorf("%w: start %s stream: %w", anc.ErrDevice, ph.name, err)
	}

	ticker := time.NewTicker(cfg.ProgressInterval)
	defer ticker.Stop()

	var (
		ctxDone   = ctx.Done()
		grace     <-chan time.Time
		cancelled bool
		stalled   bool
	)
wait:
	for {
		select {
		case <-ph.done:
			break wait
		case <-ticker.C:
			logger.WithField("index", pos.Cursor()).Info("progress")
		case <-ctxDone:
			logger.WithField("index", pos.Cursor()).Warn("interrupted, finishing current buffer")
			pos.Cancel()
			cancelled = true
			ctxDone = nil
			grace = time.After(cfg.StopGrace)
		case <-grace:
			logger.WithField("grace", cfg.StopGrace).Warn("stream did not finish in time, aborting")
			stalled = true
			break wait
		}
	}
	elapsed := time.Since(start)

	var stopErr error
	if stalled {
		stopErr = s.Abort()
	} else {
		stopErr = s.Stop()
	}
	closeErr := s.Close()

	rep := PhaseReport{
		Frames:    ph.meter.Frames(),
		Callbacks: int(ph.callbacks.Load()),
		XRuns:     int(ph.xruns.Load()),
		RMS:       ph.meter.RMS(),
		Peak:      ph.meter.Peak(),
		Elapsed:   elapsed,
	}

	if stopErr != nil {
		return rep, fmt.Errorf("%w: stop %s stream: %w", anc.ErrDevice, ph.name, stopErr)
	}
	if closeErr != nil {
		return rep, fmt.Errorf("%w: close %s stream: %w", anc.ErrDevice, ph.name, closeErr)
	}
	if cancelled {
		return rep, fmt.Errorf("%w: %s stopped at frame %d: %w", anc.ErrCancelled, ph.name, pos.Cursor(), context.Cause(ctx))
	}

	logger.WithFields(log.Fields{
		"index":     pos.Cursor(),
		"callbacks": rep.Callbacks,
		"xruns":     rep.XRuns,
		"peak_dbfs": fmt.Sprintf("%.1f", level.DBFS(rep.Peak)),
		"elapsed":   elapsed.Round(time.Millisecond),
	}).Info("phase complete")
	return rep, nil
}
