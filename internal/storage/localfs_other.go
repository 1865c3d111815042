//go:build !darwin && !linux

package storage

// statfsType reports an unknown local filesystem where detection is unavailable.
func statfsType(string) (string, error) {
	return "local", nil
}
