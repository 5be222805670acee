package model

import (
	"errors"
	"fmt"

	"github.com/23skdu/longbow-biadapt/internal/device"
)

var (
	// ErrUnsupportedExtractionMode is returned by Forward when a head is
	// configured with an output type other than per_sequence or
	// per_sequence_continuous.
	ErrUnsupportedExtractionMode = errors.New("unsupported extraction mode")
	// ErrHeadNotConnected is returned when a loss is requested from a head
	// that was never bound to a task.
	ErrHeadNotConnected = errors.New("prediction head not connected to a task")
	ErrMissingLabelList = errors.New("task has no label list")
	ErrUnknownTask      = errors.New("task not found in task table")
	// ErrDeviceUnavailable is returned when the frozen runtime cannot use
	// the requested device. It matches device.ErrUnavailable as well.
	ErrDeviceUnavailable = fmt.Errorf("frozen backend: %w", device.ErrUnavailable)
	// ErrUnsupportedConversion is returned by Export for compositions that
	// cannot be frozen.
	ErrUnsupportedConversion = errors.New("unsupported conversion")
	// ErrUnexpectedFormat is returned when formatted output has a shape the
	// composition does not accept.
	ErrUnexpectedFormat = errors.New("unexpected formatted prediction shape")
	ErrInvalidConfig    = errors.New("invalid model configuration")
	ErrNoEncoders       = errors.New("both encoders are required")
	// ErrMissingPredictions is returned by FormattedPreds in multi-head mode
	// when no precomputed predictions are supplied.
	ErrMissingPredictions = errors.New("precomputed predictions required")
)
