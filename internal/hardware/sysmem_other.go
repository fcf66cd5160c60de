//go:build !linux && !darwin

package hardware

import "errors"

var errNoSysMem = errors.New("system memory query not supported on this platform")

func TotalMemoryGB() (float64, error) { return 0, errNoSysMem }

func AvailableMemoryGB() (float64, error) { return 0, errNoSysMem }
