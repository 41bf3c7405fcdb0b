package facade

import "sync"

// keyLocks hands out one mutex per record key. A primary write and the
// enqueue of its snapshot happen under the record's lock, so tasks for a
// record enter the journal in the order the primary committed them.
type keyLocks struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	sync.Mutex
	refs int
}

func newKeyLocks() *keyLocks {
	return &keyLocks{locks: make(map[string]*keyLock)}
}

// lock acquires the lock for table/id and returns its release func. An
// empty id (an insert that lets the store assign one) needs no lock.
func (k *keyLocks) lock(table, id string) func() {
	if id == "" {
		return func() {}
	}
	key := table + "/" + id

	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &keyLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

// held reports how many keys currently have a holder or waiter.
func (k *keyLocks) held() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}
