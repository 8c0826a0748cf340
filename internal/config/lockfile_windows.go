//go:build windows

package config

import "errors"

// LockFile is the Windows side of the portability shim from spec.md §6;
// the spec calls for a global named event object here instead of flock(2).
// Not implemented in this build — Unix is the only supported host platform
// for now, see DESIGN.md.
type LockFile struct{}

// Acquire always fails on Windows until the named-event-object path is
// implemented.
func Acquire(path string) (*LockFile, error) {
	return nil, errors.New("lockfile: windows named-event locking not implemented")
}

// Release is a no-op companion to the stubbed Acquire.
func (l *LockFile) Release() error { return nil }
