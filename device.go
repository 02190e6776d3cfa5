package main

import (
	"fmt"

	"ancdemo/internal/anc"

	"github.com/gordonklaus/portaudio"
	log "github.com/sirupsen/logrus"
)

const channels = 1

// AudioDevice describes an available audio device.
type AudioDevice struct {
	ID      int
	Name    string
	Inputs  int
	Outputs int
	HostAPI string
	Rate    float64 // default sample rate, Hz
}

// paStream abstracts a callback-mode PortAudio stream for testing.
type paStream interface {
	Start() error
	Stop() error
	Abort() error
	Close() error
}

// captureFunc receives one input buffer per callback. in is nil when the
// device delivered no input for this buffer.
type captureFunc func(in []float32, flags portaudio.StreamCallbackFlags)

// playbackFunc must fill out completely before returning.
type playbackFunc func(out []float32, flags portaudio.StreamCallbackFlags)

// duplexFunc receives one input buffer and must fill the matching output
// buffer before returning. in is nil when the device delivered no input.
type duplexFunc func(in, out []float32, flags portaudio.StreamCallbackFlags)

// streamOpener opens mono float32 streams whose callbacks run on the audio
// driver's thread, one buffer of frames at a time.
type streamOpener interface {
	OpenCapture(sampleRate float64, frames int, fn captureFunc) (paStream, error)
	OpenPlayback(sampleRate float64, frames int, fn playbackFunc) (paStream, error)
	OpenDuplex(sampleRate float64, frames int, fn duplexFunc) (paStream, error)
}

// paDevice opens streams on real PortAudio devices. portaudio.Initialize must
// have been called.
type paDevice struct {
	inputDeviceID  int
	outputDeviceID int
}

func newPADevice(inputDeviceID, outputDeviceID int) *paDevice {
	return &paDevice{inputDeviceID: inputDeviceID, outputDeviceID: outputDeviceID}
}

// OpenCapture opens an input-only stream on the configured input device.
func (d *paDevice) OpenCapture(sampleRate float64, frames int, fn captureFunc) (paStream, error) {
	devices, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("%w: list devices: %w", anc.ErrDevice, err)
	}
	dev, err := resolveDevice(devices, d.inputDeviceID, portaudio.DefaultInputDevice)
	if err != nil {
		return nil, fmt.Errorf("%w: resolve input device: %w", anc.ErrDevice, err)
	}
	if dev.MaxInputChannels < channels {
		return nil, fmt.Errorf("%w: device %q has no input channels", anc.ErrDevice, dev.Name)
	}

	params := portaudio.StreamParameters{
		Input: portaudio.StreamDeviceParameters{
			Device:   dev,
			Channels: channels,
			Latency:  dev.DefaultLowInputLatency,
		},
		SampleRate:      sampleRate,
		FramesPerBuffer: frames,
		Flags:           portaudio.ClipOff,
	}
	callback := func(in []float32, _ portaudio.StreamCallbackTimeInfo, flags portaudio.StreamCallbackFlags) {
		if len(in) == 0 {
			in = nil
		}
		fn(in, flags)
	}
	if err := portaudio.IsFormatSupported(params, callback); err != nil {
		return nil, fmt.Errorf("%w: capture format on %q: %w", anc.ErrDevice, dev.Name, err)
	}
	stream, err := portaudio.OpenStream(params, callback)
	if err != nil {
		return nil, fmt.Errorf("%w: open capture stream on %q: %w", anc.ErrDevice, dev.Name, err)
	}

	log.WithFields(log.Fields{
		"component": "audio",
		"device":    dev.Name,
		"latency":   dev.DefaultLowInputLatency,
	}).Debug("capture stream opened")
	return stream, nil
}

// OpenPlayback opens an output-only stream on the configured output device.
func (d *paDevice) OpenPlayback(sampleRate float64, frames int, fn playbackFunc) (paStream, error) {
	devices, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("%w: list devices: %w", anc.ErrDevice, err)
	}
	dev, err := resolveDevice(devices, d.outputDeviceID, portaudio.DefaultOutputDevice)
	if err != nil {
		return nil, fmt.Errorf("%w: resolve output device: %w", anc.ErrDevice, err)
	}
	if dev.MaxOutputChannels < channels {
		return nil, fmt.Errorf("%w: device %q has no output channels", anc.ErrDevice, dev.Name)
	}

	params := portaudio.StreamParameters{
		Output: portaudio.StreamDeviceParameters{
			Device:   dev,
			Channels: channels,
			Latency:  dev.DefaultLowOutputLatency,
		},
		SampleRate:      sampleRate,
		FramesPerBuffer: frames,
		Flags:           portaudio.ClipOff,
	}
	callback := func(out []float32, _ portaudio.StreamCallbackTimeInfo, flags portaudio.StreamCallbackFlags) {
		fn(out, flags)
	}
	if err := portaudio.IsFormatSupported(params, callback); err != nil {
		return nil, fmt.Errorf("%w: playback format on %q: %w", anc.ErrDevice, dev.Name, err)
	}
	stream, err := portaudio.OpenStream(params, callback)
	if err != nil {
		return nil, fmt.Errorf("%w: open playback stream on %q: %w", anc.ErrDevice, dev.Name, err)
	}

	log.WithFields(log.Fields{
		"component": "audio",
		"device":    dev.Name,
		"latency":   dev.DefaultLowOutputLatency,
	}).Debug("playback stream opened")
	return stream, nil
}

// OpenDuplex opens a single stream that reads the input device and writes the
// output device in the same callback.
func (d *paDevice) OpenDuplex(sampleRate float64, frames int, fn duplexFunc) (paStream, error) {
	devices, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("%w: list devices: %w", anc.ErrDevice, err)
	}
	in, err := resolveDevice(devices, d.inputDeviceID, portaudio.DefaultInputDevice)
	if err != nil {
		return nil, fmt.Errorf("%w: resolve input device: %w", anc.ErrDevice, err)
	}
	if in.MaxInputChannels < channels {
		return nil, fmt.Errorf("%w: device %q has no input channels", anc.ErrDevice, in.Name)
	}
	out, err := resolveDevice(devices, d.outputDeviceID, portaudio.DefaultOutputDevice)
	if err != nil {
		return nil, fmt.Errorf("%w: resolve output device: %w", anc.ErrDevice, err)
	}
	if out.MaxOutputChannels < channels {
		return nil, fmt.Errorf("%w: device %q has no output channels", anc.ErrDevice, out.Name)
	}

	params := portaudio.StreamParameters{
		Input: portaudio.StreamDeviceParameters{
			Device:   in,
			Channels: channels,
			Latency:  in.DefaultLowInputLatency,
		},
		Output: portaudio.StreamDeviceParameters{
			Device:   out,
			Channels: channels,
			Latency:  out.DefaultLowOutputLatency,
		},
		SampleRate:      sampleRate,
		FramesPerBuffer: frames,
		Flags:           portaudio.ClipOff,
	}
	callback := func(inBuf, outBuf []float32, _ portaudio.StreamCallbackTimeInfo, flags portaudio.StreamCallbackFlags) {
		if len(inBuf) == 0 {
			inBuf = nil
		}
		fn(inBuf, outBuf, flags)
	}
	if err := portaudio.IsFormatSupported(params, callback); err != nil {
		return nil, fmt.Errorf("%w: duplex format on %q -> %q: %w", anc.ErrDevice, in.Name, out.Name, err)
	}
	stream, err := portaudio.OpenStream(params, callback)
	if err != nil {
		return nil, fmt.Errorf("%w: open duplex stream on %q -> %q: %w", anc.ErrDevice, in.Name, out.Name, err)
	}

	log.WithFields(log.Fields{
		"component": "audio",
		"input":     in.Name,
		"output":    out.Name,
		"latency":   in.DefaultLowInputLatency + out.DefaultLowOutputLatency,
	}).Debug("duplex stream opened")
	return stream, nil
}

// resolveDevice returns the device at idx if valid, otherwise calls fallback.
func resolveDevice(devices []*portaudio.DeviceInfo, idx int, fallback func() (*portaudio.DeviceInfo, error)) (*portaudio.DeviceInfo, error) {
	if idx >= 0 && idx < len(devices) {
		return devices[idx], nil
	}
	return fallback()
}

// listDevices returns every device PortAudio knows about.
func listDevices() ([]AudioDevice, error) {
	devices, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("%w: list devices: %w", anc.ErrDevice, err)
	}
	return describeDevices(devices), nil
}

func describeDevices(devices []*portaudio.DeviceInfo) []AudioDevice {
	out := make([]AudioDevice, 0, len(devices))
	for i, d := range devices {
		ad := AudioDevice{
			ID:      i,
			Name:    d.Name,
			Inputs:  d.MaxInputChannels,
			Outputs: d.MaxOutputChannels,
			Rate:    d.DefaultSampleRate,
		}
		if d.HostApi != nil {
			ad.HostAPI = d.HostApi.Name
		}
		out = append(out, ad)
	}
	return out
}

// xruns counts the stream status flags that indicate lost or inserted audio.
func xruns(flags portaudio.StreamCallbackFlags) int {
	n := 0
	for _, f := range []portaudio.StreamCallbackFlags{
		portaudio.InputUnderflow,
		portaudio.InputOverflow,
		portaudio.OutputUnderflow,
		portaudio.OutputOverflow,
	} {
		if flags&f != 0 {
			n++
		}
	}
	return n
}
