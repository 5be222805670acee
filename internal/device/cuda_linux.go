//go:build linux && cuda

package device

import (
	"os"
	"path/filepath"
)

// cudaDeviceCount counts the GPUs exposed by the NVIDIA kernel driver.
func cudaDeviceCount() int {
	if _, err := os.Stat("/proc/driver/nvidia/version"); err != nil {
		return 0
	}
	gpus, err := filepath.Glob("/proc/driver/nvidia/gpus/*")
	if err != nil {
		return 0
	}
	return len(gpus)
}
