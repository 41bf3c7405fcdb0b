//go:build windows

package replication

import (
	"golang.org/x/sys/windows"
)

// tryLock takes a non-blocking exclusive lock on the first byte.
func (l *ownerLock) tryLock() error {
	ol := new(windows.Overlapped)
	return windows.LockFileEx(
		windows.Handle(l.file.Fd()),
		windows.LOCKFILE_EXCLUSIVE_LOCK|windows.LOCKFILE_FAIL_IMMEDIATELY,
		0, 1, 0, ol,
	)
}

func (l *ownerLock) unlock() {
	if l.file != nil {
		ol := new(windows.Overlapped)
		windows.UnlockFileEx(windows.Handle(l.file.Fd()), 0, 1, 0, ol)
	}
}

func isProcessAlive(pid int) bool {
	h, err := windows.OpenProcess(windows.PROCESS_QUERY_LIMITED_INFORMATION, false, uint32(pid))
	if err != nil {
		return false
	}
	defer windows.CloseHandle(h)

	var code uint32
	if err := windows.GetExitCodeProcess(h, &code); err != nil {
		return false
	}
	return code == 259 // STILL_ACTIVE
}
