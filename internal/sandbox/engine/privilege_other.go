//go:build !linux && !windows

package engine

// CallerIsElevated always reports false where no isolation primitive
// exists; elevated-only profiles cannot start on these platforms.
func CallerIsElevated() bool {
	return false
}
