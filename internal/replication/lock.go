package replication

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const (
	lockInitialBackoff = 5 * time.Millisecond
	lockMaxBackoff     = 50 * time.Millisecond
)

// ownerLock gives one coordinator exclusive use of a journal. The OS drops
// the lock when the holder exits, crashes included.
type ownerLock struct {
	path string
	file *os.File
}

func newOwnerLock(journalPath string) *ownerLock {
	return &ownerLock{path: journalPath + ".lock"}
}

// acquire polls for the lock until timeout. The error names the current
// holder when one is recorded.
func (l *ownerLock) acquire(timeout time.Duration) error {
	if err := os.MkdirAll(filepath.Dir(l.path), 0755); err != nil {
		return fmt.Errorf("create lock dir: %w", err)
	}
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return fmt.Errorf("open lock file: %w", err)
	}
	l.file = f

	deadline := time.Now().Add(timeout)
	backoff := lockInitialBackoff
	for {
		if err := l.tryLock(); err == nil {
			l.writeHolder()
			return nil
		}
		if time.Now().After(deadline) {
			holder := l.readHolder()
			l.file.Close()
			l.file = nil
			return fmt.Errorf("%w: held by %s", ErrJournalLocked, holder)
		}
		time.Sleep(backoff)
		backoff = min(backoff*2, lockMaxBackoff)
	}
}

func (l *ownerLock) release() error {
	if l.file == nil {
		return nil
	}
	l.file.Truncate(0)
	l.unlock()
	err := l.file.Close()
	l.file = nil
	return err
}

func (l *ownerLock) writeHolder() {
	l.file.Truncate(0)
	l.file.Seek(0, 0)
	fmt.Fprintf(l.file, "pid:%d\ntime:%s\n", os.Getpid(), time.Now().Format(time.RFC3339))
	l.file.Sync()
}

func (l *ownerLock) readHolder() string {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return "unknown"
	}
	var pid, since string
	for _, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
		if v, ok := strings.CutPrefix(line, "pid:"); ok {
			pid = v
		} else if v, ok := strings.CutPrefix(line, "time:"); ok {
			since = v
		}
	}
	if pid == "" {
		return "unknown"
	}
	if n, err := strconv.Atoi(pid); err == nil && !isProcessAlive(n) {
		return fmt.Sprintf("pid %s since %s (stale)", pid, since)
	}
	return fmt.Sprintf("pid %s since %s", pid, since)
}
