//go:build metal && darwin

package device

import "runtime"

// Every Apple silicon Mac exposes a Metal device.
func metalAvailable() bool {
	return runtime.GOARCH == "arm64"
}
