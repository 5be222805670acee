//go:build !cuda || !linux

package device

func cudaDeviceCount() int {
	return 0
}
