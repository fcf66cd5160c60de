//go:build linux

package hardware

import "golang.org/x/sys/unix"

// TotalMemoryGB returns the installed system memory.
func TotalMemoryGB() (float64, error) {
	var info unix.Sysinfo_t
	if err := unix.Sysinfo(&info); err != nil {
		return 0, err
	}
	return float64(uint64(info.Totalram)*uint64(info.Unit)) / (1 << 30), nil
}

// AvailableMemoryGB returns free plus buffered memory.
func AvailableMemoryGB() (float64, error) {
	var info unix.Sysinfo_t
	if err := unix.Sysinfo(&info); err != nil {
		return 0, err
	}
	return float64((uint64(info.Freeram)+uint64(info.Bufferram))*uint64(info.Unit)) / (1 << 30), nil
}
