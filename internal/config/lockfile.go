//go:build !windows

package config

import (
	"fmt"
	"os"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// LockFile is the per-port advisory lock from spec.md §6 "Lock file": held
// exclusively for the lifetime of the process, refusing to start if a
// live lock is owned by another user. golang.org/x/sys is the only
// dependency in the pack that reaches flock(2) directly; the teacher has
// no precedent for this since rclone never needs a singleton-process lock,
// so this is grounded on x/sys's own documented Flock usage rather than a
// teacher file (see DESIGN.md).
type LockFile struct {
	path string
	f    *os.File
}

// Acquire opens path (creating it if necessary) and takes an exclusive,
// non-blocking advisory lock on it. If the lock is already held, Acquire
// inspects the file's owner and returns a distinct error depending on
// whether it's owned by the current user (another instance of this same
// daemon, already running) or a different one (refuse to start, per
// spec.md).
func Acquire(path string) (*LockFile, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, errors.Wrapf(err, "lockfile: open %s", path)
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		owner, statErr := fileOwnerUID(path)
		f.Close()
		if statErr == nil && owner != uint32(os.Getuid()) {
			return nil, fmt.Errorf("lockfile: %s held by uid %d, refusing to start", path, owner)
		}
		return nil, errors.Wrapf(err, "lockfile: %s already held", path)
	}

	return &LockFile{path: path, f: f}, nil
}

// Release drops the lock and closes the underlying file. The lock file
// itself is left on disk; flock releases automatically on close or process
// exit, so a stale file with no live holder is harmless.
func (l *LockFile) Release() error {
	if l == nil || l.f == nil {
		return nil
	}
	if err := unix.Flock(int(l.f.Fd()), unix.LOCK_UN); err != nil {
		l.f.Close()
		return errors.Wrap(err, "lockfile: unlock")
	}
	return l.f.Close()
}

func fileOwnerUID(path string) (uint32, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	stat, ok := info.Sys().(*unix.Stat_t)
	if !ok {
		return 0, fmt.Errorf("lockfile: unsupported stat_t for %s", path)
	}
	return stat.Uid, nil
}
