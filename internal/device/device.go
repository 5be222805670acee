package device

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnavailable is returned when a requested accelerator cannot be used by
// the current build or host.
var ErrUnavailable = errors.New("device unavailable")

// Kind identifies a class of compute device.
type Kind int

const (
	KindCPU Kind = iota
	KindCUDA
	KindMetal
)

func (k Kind) String() string {
	switch k {
	case KindCPU:
		return "cpu"
	case KindCUDA:
		return "cuda"
	case KindMetal:
		return "metal"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Device is a compute device a model is bound to.
type Device struct {
	Kind  Kind
	Index int
}

// CPU is the default device.
var CPU = Device{Kind: KindCPU}

func (d Device) String() string {
	if d.Kind == KindCPU {
		return "cpu"
	}
	return fmt.Sprintf("%s:%d", d.Kind, d.Index)
}

// IsAccelerator reports whether d is anything other than the host CPU.
func (d Device) IsAccelerator() bool {
	return d.Kind != KindCPU
}

// Parse reads "cpu", "cuda", "cuda:1", "metal" or "gpu". "gpu" resolves to
// whichever accelerator this build can probe, falling back to cuda.
func Parse(s string) (Device, error) {
	name, idx, hasIdx := strings.Cut(strings.ToLower(strings.TrimSpace(s)), ":")
	d := Device{}
	switch name {
	case "", "cpu":
		return CPU, nil
	case "cuda":
		d.Kind = KindCUDA
	case "metal", "mps":
		d.Kind = KindMetal
	case "gpu":
		d.Kind = KindCUDA
		if metalAvailable() {
			d.Kind = KindMetal
		}
	default:
		return Device{}, fmt.Errorf("unknown device %q", s)
	}
	if hasIdx {
		if _, err := fmt.Sscanf(idx, "%d", &d.Index); err != nil || d.Index < 0 {
			return Device{}, fmt.Errorf("invalid device index in %q", s)
		}
	}
	return d, nil
}

// Available reports whether d can run in this process.
func Available(d Device) bool {
	switch d.Kind {
	case KindCPU:
		return true
	case KindCUDA:
		return d.Index < cudaDeviceCount()
	case KindMetal:
		return d.Index == 0 && metalAvailable()
	default:
		return false
	}
}

// Require returns an error wrapping ErrUnavailable when d cannot be used.
func Require(d Device) error {
	if !Available(d) {
		deviceRequests.WithLabelValues(d.Kind.String(), "false").Inc()
		return fmt.Errorf("%w: %s", ErrUnavailable, d)
	}
	deviceRequests.WithLabelValues(d.Kind.String(), "true").Inc()
	return nil
}
