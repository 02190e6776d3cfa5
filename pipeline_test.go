package main

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"ancdemo/internal/anc"
	"ancdemo/internal/config"

	"github.com/gordonklaus/portaudio"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- Fake stream and device ---

// fakeStream implements paStream. Start launches a goroutine that invokes
// tick once per interval, the way the driver invokes the stream callback.
// Stop and Abort halt the goroutine and wait for it, so no tick runs after
// they return.
type fakeStream struct {
	name     string
	tick     func() // nil simulates a stalled driver
	interval time.Duration
	startErr error
	stopErr  error
	closeErr error
	events   *eventLog

	halt     chan struct{}
	haltOnce sync.Once
	wg       sync.WaitGroup

	started atomic.Bool
	stopped atomic.Bool
	aborted atomic.Bool
	closed  atomic.Bool
}

func (s *fakeStream) Start() error {
	if s.startErr != nil {
		return s.startErr
	}
	s.started.Store(true)
	s.halt = make(chan struct{})
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			select {
			case <-s.halt:
				return
			default:
			}
			if s.tick != nil {
				s.tick()
			}
			time.Sleep(s.interval)
		}
	}()
	return nil
}

func (s *fakeStream) shutdown() {
	if s.halt == nil {
		return
	}
	s.haltOnce.Do(func() { close(s.halt) })
	s.wg.Wait()
}

func (s *fakeStream) Stop() error {
	s.stopped.Store(true)
	s.shutdown()
	s.events.add("stop " + s.name)
	return s.stopErr
}

func (s *fakeStream) Abort() error {
	s.aborted.Store(true)
	s.shutdown()
	s.events.add("abort " + s.name)
	return nil
}

func (s *fakeStream) Close() error {
	s.closed.Store(true)
	s.events.add("close " + s.name)
	return s.closeErr
}

type eventLog struct {
	mu     sync.Mutex
	events []string
}

func (l *eventLog) add(e string) {
	l.mu.Lock()
	l.events = append(l.events, e)
	l.mu.Unlock()
}

func (l *eventLog) list() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.events...)
}

// fakeDevice implements streamOpener. Input is generated by source from the
// absolute frame position; output is collected in played.
type fakeDevice struct {
	source       func(pos int) float32
	captureFlags portaudio.StreamCallbackFlags
	nilInput     bool
	stallCapture bool
	openErr      error
	startErr     error
	stopErr      error // returned by the capture stream's Stop
	closeErr     error // returned by the playback stream's Close
	interval     time.Duration

	events   eventLog
	capture  *fakeStream
	playback *fakeStream
	duplex   *fakeStream
	played   []float32 // written by the playback or duplex goroutine only
}

func (d *fakeDevice) input(pos, frames int) []float32 {
	if d.nilInput {
		return nil
	}
	in := make([]float32, frames)
	for i := range in {
		in[i] = d.source(pos + i)
	}
	return in
}

// output returns a buffer the callback must overwrite completely.
func output(frames int) []float32 {
	out := make([]float32, frames)
	for i := range out {
		out[i] = 99
	}
	return out
}

func (d *fakeDevice) OpenCapture(_ float64, frames int, fn captureFunc) (paStream, error) {
	d.events.add("open capture")
	if d.openErr != nil {
		return nil, d.openErr
	}
	pos := 0
	first := true
	tick := func() {
		in := d.input(pos, frames)
		pos += frames
		var flags portaudio.StreamCallbackFlags
		if first {
			flags = d.captureFlags
			first = false
		}
		fn(in, flags)
	}
	if d.stallCapture {
		tick = nil
	}
	d.capture = &fakeStream{name: "capture", tick: tick, interval: d.interval, startErr: d.startErr, stopErr: d.stopErr, events: &d.events}
	return d.capture, nil
}

func (d *fakeDevice) OpenPlayback(_ float64, frames int, fn playbackFunc) (paStream, error) {
	d.events.add("open playback")
	if d.openErr != nil {
		return nil, d.openErr
	}
	tick := func() {
		out := output(frames)
		fn(out, 0)
		d.played = append(d.played, out...)
	}
	d.playback = &fakeStream{name: "playback", tick: tick, interval: d.interval, closeErr: d.closeErr, events: &d.events}
	return d.playback, nil
}

func (d *fakeDevice) OpenDuplex(_ float64, frames int, fn duplexFunc) (paStream, error) {
	d.events.add("open duplex")
	if d.openErr != nil {
		return nil, d.openErr
	}
	pos := 0
	tick := func() {
		in := d.input(pos, frames)
		pos += frames
		out := output(frames)
		fn(in, out, 0)
		d.played = append(d.played, out...)
	}
	d.duplex = &fakeStream{name: "duplex", tick: tick, interval: d.interval, startErr: d.startErr, events: &d.events}
	return d.duplex, nil
}

// testConfig is a one-second run at 200 Hz in 20-frame buffers: 200 frames,
// ten profile periods.
func testConfig() config.Config {
	cfg := config.Default()
	cfg.SampleRate = 200
	cfg.FramesPerBuffer = 20
	cfg.Duration = time.Second
	cfg.ProgressInterval = 2 * time.Millisecond
	cfg.StopGrace = 50 * time.Millisecond
	return cfg
}

func hum(pos int) float32 {
	return float32(0.25 * math.Sin(2*math.Pi*float64(pos%20)/20))
}

func runWithTimeout(t *testing.T, ctx context.Context, pl *Pipeline) (Report, error) {
	t.Helper()
	type result struct {
		rep Report
		err error
	}
	done := make(chan result, 1)
	go func() {
		rep, err := pl.Run(ctx)
		done <- result{rep, err}
	}()
	select {
	case r := <-done:
		return r.rep, r.err
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return within 5s")
		return Report{}, nil
	}
}

// --- Tests ---

func TestPipelineCancelsPeriodicHum(t *testing.T) {
	dev := &fakeDevice{source: hum}
	pl, err := NewPipeline(testConfig(), dev)
	require.NoError(t, err)

	rep, err := runWithTimeout(t, context.Background(), pl)
	require.NoError(t, err)

	assert.Equal(t, 200, rep.Capture.Frames)
	assert.Equal(t, 200, rep.Playback.Frames)
	assert.Greater(t, rep.Capture.RMS, float32(0.1))
	assert.InDelta(t, rep.Capture.RMS, rep.ProfileRMS, 1e-4, "profile should equal the hum")
	assert.InDelta(t, 0.25, rep.Capture.Peak, 1e-6)
	assert.InDelta(t, 0, rep.Playback.Peak, 1e-6)

	require.GreaterOrEqual(t, len(dev.played), 200)
	for i, v := range dev.played[:200] {
		assert.InDelta(t, 0, v, 1e-6, "played[%d]", i)
	}
	for i, v := range dev.played[200:] {
		assert.Zero(t, v, "played[%d] past capacity must be silence", 200+i)
	}
}

func TestPipelinePlaysCaptureMinusProfile(t *testing.T) {
	// Hum plus a one-off click: the click survives noise removal, the hum does not.
	source := func(pos int) float32 {
		v := hum(pos)
		if pos == 105 {
			v += 0.5
		}
		return v
	}
	dev := &fakeDevice{source: source}
	pl, err := NewPipeline(testConfig(), dev)
	require.NoError(t, err)

	_, err = runWithTimeout(t, context.Background(), pl)
	require.NoError(t, err)

	samples := pl.Session().Samples()
	profile := pl.Session().Profile()
	for i := 0; i < 200; i++ {
		assert.Equal(t, samples[i]-profile[i%20], dev.played[i], "frame %d", i)
	}
	assert.InDelta(t, 0.45, dev.played[105], 1e-5)
}

func TestPipelineStopsAndClosesEachPhaseInOrder(t *testing.T) {
	dev := &fakeDevice{source: hum}
	pl, err := NewPipeline(testConfig(), dev)
	require.NoError(t, err)

	_, err = runWithTimeout(t, context.Background(), pl)
	require.NoError(t, err)

	assert.Equal(t, []string{
		"open capture", "stop capture", "close capture",
		"open playback", "stop playback", "close playback",
	}, dev.events.list())
	assert.False(t, dev.capture.aborted.Load())
	assert.False(t, dev.playback.aborted.Load())
}

func TestPipelineNilInputRecordsSilence(t *testing.T) {
	dev := &fakeDevice{source: hum, nilInput: true}
	pl, err := NewPipeline(testConfig(), dev)
	require.NoError(t, err)

	rep, err := runWithTimeout(t, context.Background(), pl)
	require.NoError(t, err)

	assert.Zero(t, rep.Capture.Frames, "no input frames were delivered")
	assert.Equal(t, 200, pl.Session().Cursor())
	for _, v := range pl.Session().Samples() {
		assert.Zero(t, v)
	}
}

func TestPipelineCountsXRuns(t *testing.T) {
	dev := &fakeDevice{source: hum, captureFlags: portaudio.InputOverflow | portaudio.InputUnderflow}
	pl, err := NewPipeline(testConfig(), dev)
	require.NoError(t, err)

	rep, err := runWithTimeout(t, context.Background(), pl)
	require.NoError(t, err)
	assert.Equal(t, 2, rep.Capture.XRuns)
	assert.Zero(t, rep.Playback.XRuns)
	assert.GreaterOrEqual(t, rep.Capture.Callbacks, 10)
}

func TestPipelineOpenFailureIsDeviceError(t *testing.T) {
	// Opener errors arrive already classified by the device adapter.
	dev := &fakeDevice{source: hum, openErr: fmt.Errorf("%w: resolve input device: no default input device", anc.ErrDevice)}
	pl, err := NewPipeline(testConfig(), dev)
	require.NoError(t, err)

	_, err = runWithTimeout(t, context.Background(), pl)
	assert.ErrorIs(t, err, anc.ErrDevice)
	assert.Equal(t, []string{"open capture"}, dev.events.list(), "playback must not be attempted")
}

func TestPipelineStartFailureClosesStream(t *testing.T) {
	dev := &fakeDevice{source: hum, startErr: errors.New("device busy")}
	pl, err := NewPipeline(testConfig(), dev)
	require.NoError(t, err)

	_, err = runWithTimeout(t, context.Background(), pl)
	assert.ErrorIs(t, err, anc.ErrDevice)
	assert.Contains(t, err.Error(), "start capture stream")
	assert.True(t, dev.capture.closed.Load(), "stream must be closed after a failed start")
}

func TestPipelineStopFailureIsDeviceError(t *testing.T) {
	dev := &fakeDevice{source: hum, stopErr: errors.New("host error")}
	pl, err := NewPipeline(testConfig(), dev)
	require.NoError(t, err)

	_, err = runWithTimeout(t, context.Background(), pl)
	assert.ErrorIs(t, err, anc.ErrDevice)
	assert.Contains(t, err.Error(), "stop capture stream")
	assert.True(t, dev.capture.closed.Load(), "stream must be closed after a failed stop")
	assert.Nil(t, dev.playback, "playback must not start after a device error")
}

func TestPipelineCloseFailureIsDeviceError(t *testing.T) {
	dev := &fakeDevice{source: hum, closeErr: errors.New("host error")}
	pl, err := NewPipeline(testConfig(), dev)
	require.NoError(t, err)

	rep, err := runWithTimeout(t, context.Background(), pl)
	assert.ErrorIs(t, err, anc.ErrDevice)
	assert.Contains(t, err.Error(), "close playback stream")
	assert.Equal(t, 200, rep.Playback.Frames, "the report is filled in even when close fails")
}

func TestPipelineCancellationFinishesCooperatively(t *testing.T) {
	cfg := testConfig()
	cfg.Duration = time.Hour // far longer than the test
	cfg.SampleRate = 20
	dev := &fakeDevice{source: hum, interval: time.Millisecond}
	pl, err := NewPipeline(cfg, dev)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	_, err = runWithTimeout(t, ctx, pl)
	assert.ErrorIs(t, err, anc.ErrCancelled)
	assert.ErrorIs(t, err, context.Canceled)
	assert.True(t, pl.Session().Cancelled())
	assert.True(t, dev.capture.stopped.Load())
	assert.False(t, dev.capture.aborted.Load(), "a running stream finishes on its own")
	assert.True(t, dev.capture.closed.Load())
	assert.Nil(t, dev.playback, "playback must not start after cancellation")
}

func TestPipelineCancellationAbortsStalledStream(t *testing.T) {
	dev := &fakeDevice{source: hum, stallCapture: true, interval: time.Millisecond}
	pl, err := NewPipeline(testConfig(), dev)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(10*time.Millisecond, cancel)

	_, err = runWithTimeout(t, ctx, pl)
	assert.ErrorIs(t, err, anc.ErrCancelled)
	assert.True(t, dev.capture.aborted.Load())
	assert.True(t, dev.capture.closed.Load())
}

func TestPipelineAlreadyCancelled(t *testing.T) {
	dev := &fakeDevice{source: hum}
	pl, err := NewPipeline(testConfig(), dev)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = pl.Run(ctx)
	assert.ErrorIs(t, err, anc.ErrCancelled)
	assert.Empty(t, dev.events.list(), "no stream is opened for a cancelled run")
}

func TestNewPipelineRejectsConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Channels = 2
	_, err := NewPipeline(cfg, &fakeDevice{})
	assert.ErrorIs(t, err, anc.ErrConfiguration)
}

func TestNewPipelineAllocatesAlignedSession(t *testing.T) {
	pl, err := NewPipeline(config.Default(), &fakeDevice{})
	require.NoError(t, err)
	assert.Equal(t, 441344, pl.Session().Capacity())
	assert.Equal(t, 1024, pl.Session().Period())
}
