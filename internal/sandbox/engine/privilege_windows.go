//go:build windows

package engine

import "golang.org/x/sys/windows"

// CallerIsElevated reports whether the process token carries administrator
// rights.
func CallerIsElevated() bool {
	return windows.GetCurrentProcessToken().IsElevated()
}
