// Command ancdemo records ten seconds from the default microphone, estimates
// the periodic noise in the recording and plays it back with that noise
// subtracted.
//
// Run as "ancdemo invert" it instead plays the microphone back in real time
// with its phase inverted until interrupted.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"ancdemo/internal/anc"
	"ancdemo/internal/config"

	"github.com/gordonklaus/portaudio"
	log "github.com/sirupsen/logrus"
)

func main() {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	os.Exit(run(os.Args[1:]))
}

// runFunc runs one mode of the program to completion.
type runFunc func(ctx context.Context) error

// newRunner builds the runner for the mode named by args: no argument records
// and plays back, "invert" inverts in real time.
func newRunner(args []string, cfg config.Config, device streamOpener) (runFunc, error) {
	mode := "record"
	if len(args) > 0 {
		mode = args[0]
	}
	if len(args) > 1 {
		return nil, fmt.Errorf("%w: unexpected arguments %q", anc.ErrConfiguration, args[1:])
	}
	switch mode {
	case "record":
		pl, err := NewPipeline(cfg, device)
		if err != nil {
			return nil, err
		}
		return func(ctx context.Context) error {
			_, err := pl.Run(ctx)
			return err
		}, nil
	case "invert":
		inv, err := NewInverter(cfg, device)
		if err != nil {
			return nil, err
		}
		return func(ctx context.Context) error {
			_, err := inv.Run(ctx)
			return err
		}, nil
	default:
		return nil, fmt.Errorf("%w: unknown mode %q, want record or invert", anc.ErrConfiguration, mode)
	}
}

// run returns the process exit status. PortAudio is terminated before run
// returns on every path after a successful Initialize.
func run(args []string) int {
	cfg := config.Default()

	// Buffers are allocated before any device interaction.
	runner, err := newRunner(args, cfg, newPADevice(cfg.InputDeviceID, cfg.OutputDeviceID))
	if err != nil {
		fail("setup", err)
		return 1
	}

	if err := portaudio.Initialize(); err != nil {
		fail("initialize portaudio", fmt.Errorf("%w: %w", anc.ErrDevice, err))
		return 1
	}
	defer func() {
		if err := portaudio.Terminate(); err != nil {
			log.WithError(err).WithField("component", "audio").Warn("terminate portaudio")
		}
	}()
	log.WithField("component", "audio").Info(portaudio.VersionText())

	devices, err := listDevices()
	if err != nil {
		fail("list devices", err)
		return 1
	}
	for _, d := range devices {
		log.WithFields(log.Fields{
			"component": "audio",
			"id":        d.ID,
			"inputs":    d.Inputs,
			"outputs":   d.Outputs,
			"host_api":  d.HostAPI,
			"rate":      d.Rate,
		}).Debug(d.Name)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := runner(ctx); err != nil {
		fail("run", err)
		return 1
	}
	return 0
}

// fail logs err with the operation that produced it and its error class.
func fail(op string, err error) {
	log.WithError(err).WithFields(log.Fields{
		"op":   op,
		"kind": errorKind(err),
	}).Error("ancdemo failed")
}

// errorKind names the class of err for diagnostics.
func errorKind(err error) string {
	switch {
	case errors.Is(err, anc.ErrCancelled):
		return "cancelled"
	case errors.Is(err, anc.ErrConfiguration):
		return "configuration"
	case errors.Is(err, anc.ErrAllocation):
		return "allocation"
	case errors.Is(err, anc.ErrDevice):
		return "device"
	default:
		return "unknown"
	}
}
