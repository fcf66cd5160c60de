//go:build !linux

package memory

func processResidentGB() (float64, error) {
	return runtimeResidentGB()
}
