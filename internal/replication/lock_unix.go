//go:build unix

package replication

import (
	"os"
	"syscall"
)

func (l *ownerLock) tryLock() error {
	return syscall.Flock(int(l.file.Fd()), syscall.LOCK_EX|syscall.LOCK_NB)
}

func (l *ownerLock) unlock() {
	if l.file != nil {
		syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN)
	}
}

func isProcessAlive(pid int) bool {
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// Signal 0 probes for existence.
	return p.Signal(syscall.Signal(0)) == nil
}
