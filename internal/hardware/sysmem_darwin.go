//go:build darwin

package hardware

import "golang.org/x/sys/unix"

// TotalMemoryGB returns the installed system memory.
func TotalMemoryGB() (float64, error) {
	n, err := unix.SysctlUint64("hw.memsize")
	if err != nil {
		return 0, err
	}
	return float64(n) / (1 << 30), nil
}

// AvailableMemoryGB is not exposed by sysctl; the total is returned.
func AvailableMemoryGB() (float64, error) {
	return TotalMemoryGB()
}
