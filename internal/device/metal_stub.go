//go:build !metal || !darwin

package device

func metalAvailable() bool {
	return false
}
