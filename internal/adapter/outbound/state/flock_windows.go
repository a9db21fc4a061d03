//go:build windows

package state

// Windows file locking is mandatory rather than advisory and the in-process
// mutex already serializes writers within one daemon, so the lock file is a
// no-op here.

func flockLock(fd uintptr) error { return nil }

func flockUnlock(fd uintptr) error { return nil }
