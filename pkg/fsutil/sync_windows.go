//go:build windows

package fsutil

// directory handles cannot be flushed on windows
func isSyncUnsupported(error) bool {
	return true
}
