//go:build linux

package engine

import "os"

// CallerIsElevated reports whether the process runs with root privileges,
// which cgroup manipulation under the system hierarchy requires.
func CallerIsElevated() bool {
	return os.Geteuid() == 0
}
