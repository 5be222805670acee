package device

import (
	"errors"
	"testing"

	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	tests := []struct {
		in   string
		want Device
	}{
		{"", CPU},
		{"cpu", CPU},
		{"CPU", CPU},
		{"cuda", Device{Kind: KindCUDA}},
		{"cuda:2", Device{Kind: KindCUDA, Index: 2}},
		{"metal", Device{Kind: KindMetal}},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			d, err := Parse(tt.in)
			require.NoError(t, err)
			require.Equal(t, tt.want, d)
		})
	}

	t.Run("Invalid", func(t *testing.T) {
		_, err := Parse("tpu")
		require.Error(t, err)
		_, err = Parse("cuda:x")
		require.Error(t, err)
	})
}

func TestRequire(t *testing.T) {
	read := func(kind, available string) float64 {
		var m dto.Metric
		require.NoError(t, deviceRequests.WithLabelValues(kind, available).Write(&m))
		return m.GetCounter().GetValue()
	}
	cpuOK, cudaMissing := read("cpu", "true"), read("cuda", "false")

	require.NoError(t, Require(CPU))
	require.True(t, Available(CPU))

	// A device index far beyond anything a test host exposes.
	err := Require(Device{Kind: KindCUDA, Index: 1 << 20})
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrUnavailable))

	require.Equal(t, cpuOK+1, read("cpu", "true"))
	require.Equal(t, cudaMissing+1, read("cuda", "false"))
}

func TestDeviceString(t *testing.T) {
	require.Equal(t, "cpu", CPU.String())
	require.Equal(t, "cuda:1", Device{Kind: KindCUDA, Index: 1}.String())
	require.False(t, CPU.IsAccelerator())
	require.True(t, Device{Kind: KindMetal}.IsAccelerator())
}
