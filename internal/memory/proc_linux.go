//go:build linux

package memory

import "github.com/prometheus/procfs"

// processResidentGB 读取 /proc/self/stat 中的 RSS
func processResidentGB() (float64, error) {
	p, err := procfs.Self()
	if err != nil {
		return runtimeResidentGB()
	}
	stat, err := p.Stat()
	if err != nil {
		return runtimeResidentGB()
	}
	return float64(stat.ResidentMemory()) / bytesPerGB, nil
}
