package anc

import "errors"

var (
	// ErrConfiguration reports a sample-rate/duration/buffer combination the
	// pipeline cannot run with, detected before any stream is opened.
	ErrConfiguration = errors.New("configuration error")

	// ErrAllocation reports a session whose buffers cannot be allocated.
	ErrAllocation = errors.New("allocation error")

	// ErrDevice reports a failure opening, starting, stopping or closing an
	// audio stream.
	ErrDevice = errors.New("device error")

	// ErrMisaligned is returned by Estimate when the sample count is not a
	// whole number of periods.
	ErrMisaligned = errors.New("sample count is not a multiple of the period")

	// ErrCancelled is returned when a run ends early through Session.Cancel.
	ErrCancelled = errors.New("cancelled")
)
