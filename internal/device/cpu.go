package device

import (
	"runtime"

	"golang.org/x/sys/cpu"
)

// CPUFeatures lists the SIMD extensions the host CPU reports. It is logged at
// startup so slow BLAS paths are easy to spot.
func CPUFeatures() []string {
	var f []string
	switch runtime.GOARCH {
	case "amd64":
		if cpu.X86.HasAVX {
			f = append(f, "avx")
		}
		if cpu.X86.HasAVX2 {
			f = append(f, "avx2")
		}
		if cpu.X86.HasFMA {
			f = append(f, "fma")
		}
		if cpu.X86.HasAVX512F {
			f = append(f, "avx512f")
		}
	case "arm64":
		if cpu.ARM64.HasASIMD {
			f = append(f, "neon")
		}
		if cpu.ARM64.HasSVE {
			f = append(f, "sve")
		}
		if cpu.ARM64.HasFPHP {
			f = append(f, "fp16")
		}
	}
	return f
}
