// Package partition implements the authoritative per-partition entry store.
// Every entry carries a strictly increasing version and its own lock with a
// first-in-first-out wait queue; the entry lock is the sole mutual-exclusion
// primitive for entry state.
package partition

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Entry is the externally visible state of one key.
type Entry struct {
	Key     string
	Value   []byte
	Version uint64
}

// waiter is one queued lock request.
type waiter struct {
	txID string
	// granted is closed when the lock is handed to this waiter. The
	// granted flag is written under the partition mutex so a timed-out
	// waiter can detect a grant that raced with its deadline.
	grantCh chan struct{}
	granted bool
}

// entry is the internal record: value, version, lock holder, FIFO queue.
type entry struct {
	value   []byte
	version uint64
	holder  string
	queue   []*waiter
}

func (e *entry) empty() bool {
	return e.version == 0 && e.holder == "" && len(e.queue) == 0
}

// part is one partition's map of entries behind a single mutex. The mutex
// only guards map and queue manipulation; lock waits park on channels.
type part struct {
	id      int
	mu      sync.Mutex
	entries map[string]*entry
}

func (p *part) entryFor(key string) *entry {
	e, ok := p.entries[key]
	if !ok {
		e = &entry{}
		p.entries[key] = e
	}
	return e
}

// release hands the entry lock to the next FIFO waiter, or clears it.
// Caller holds p.mu.
func (p *part) release(key string, e *entry) {
	if len(e.queue) > 0 {
		next := e.queue[0]
		e.queue = e.queue[1:]
		e.holder = next.txID
		next.granted = true
		close(next.grantCh)
		return
	}
	e.holder = ""
	if e.empty() {
		delete(p.entries, key)
	}
}

// Store is one node's set of hosted partitions.
type Store struct {
	mu    sync.RWMutex
	parts map[int]*part
	log   *zap.Logger
}

// NewStore creates an empty partition store.
func NewStore(log *zap.Logger) *Store {
	if log == nil {
		log = zap.NewNop()
	}
	return &Store{
		parts: make(map[int]*part),
		log:   log.Named("partition"),
	}
}

// partFor returns the partition, creating it on first use. Partitions are
// created lazily: a node hosts whatever the affinity assignment routes at it.
func (s *Store) partFor(id int) *part {
	s.mu.RLock()
	p, ok := s.parts[id]
	s.mu.RUnlock()
	if ok {
		return p
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok = s.parts[id]; ok {
		return p
	}
	p = &part{id: id, entries: make(map[string]*entry)}
	s.parts[id] = p
	return p
}

// Read returns the current value and version of a key. ok is false when the
// key has never been written.
func (s *Store) Read(partID int, key string) (value []byte, version uint64, ok bool) {
	p := s.partFor(partID)
	p.mu.Lock()
	defer p.mu.Unlock()
	e, exists := p.entries[key]
	if !exists || e.version == 0 {
		return nil, 0, false
	}
	return e.value, e.version, true
}

// TryLock acquires the entry lock for txID. A free lock is granted
// immediately; re-acquisition by the holding transaction is reentrant.
// Otherwise the caller joins the FIFO queue and waits up to timeout (or ctx
// cancellation), after which it fails with ErrLockTimeout and is guaranteed
// to have left the entry unlocked by this attempt.
func (s *Store) TryLock(ctx context.Context, partID int, key, txID string, timeout time.Duration) error {
	p := s.partFor(partID)

	p.mu.Lock()
	e := p.entryFor(key)
	if e.holder == "" || e.holder == txID {
		e.holder = txID
		p.mu.Unlock()
		return nil
	}
	w := &waiter{txID: txID, grantCh: make(chan struct{})}
	e.queue = append(e.queue, w)
	p.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-w.grantCh:
		return nil
	case <-timer.C:
	case <-ctx.Done():
	}

	// Deadline (or cancellation) fired; withdraw from the queue. The grant
	// may have raced ahead of the deadline, in which case we now hold the
	// lock and must hand it off so the entry is not left locked.
	p.mu.Lock()
	defer p.mu.Unlock()
	if w.granted {
		if e.holder == txID {
			p.release(key, e)
		}
		return ErrLockTimeout
	}
	for i, queued := range e.queue {
		if queued == w {
			e.queue = append(e.queue[:i], e.queue[i+1:]...)
			break
		}
	}
	if e.empty() {
		delete(p.entries, key)
	}
	return ErrLockTimeout
}

// Write installs a new value for a key whose current version equals
// expectedVersion, returning the strictly larger new version. A stale
// expected version fails with ErrVersionConflict; the caller must hold the
// entry lock as txID.
func (s *Store) Write(partID int, key, txID string, value []byte, expectedVersion uint64) (uint64, error) {
	p := s.partFor(partID)
	p.mu.Lock()
	defer p.mu.Unlock()

	e := p.entryFor(key)
	if e.holder != txID {
		return 0, ErrNotLockHolder
	}
	if e.version != expectedVersion {
		return 0, ErrVersionConflict
	}
	e.value = value
	e.version++
	return e.version, nil
}

// Unlock releases txID's entry lock, handing it to the next FIFO waiter.
func (s *Store) Unlock(partID int, key, txID string) error {
	p := s.partFor(partID)
	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.entries[key]
	if !ok || e.holder != txID {
		return ErrNotLockHolder
	}
	p.release(key, e)
	return nil
}

// ApplyReplicated applies a replicated write on a backup. It is idempotent
// and last-version-wins, and never takes the entry lock: backups apply
// writes passively and never originate locks.
func (s *Store) ApplyReplicated(partID int, key string, value []byte, version uint64) {
	p := s.partFor(partID)
	p.mu.Lock()
	defer p.mu.Unlock()

	e := p.entryFor(key)
	if version <= e.version {
		return
	}
	e.value = value
	e.version = version
}

// LoadEntry seeds a key during warmup or partition state transfer. Existing
// newer state wins.
func (s *Store) LoadEntry(partID int, key string, value []byte, version uint64) {
	s.ApplyReplicated(partID, key, value, version)
}

// Entries returns a copy of all live entries of a partition, for state
// transfer to a new owner.
func (s *Store) Entries(partID int) []Entry {
	p := s.partFor(partID)
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]Entry, 0, len(p.entries))
	for k, e := range p.entries {
		if e.version == 0 {
			continue
		}
		out = append(out, Entry{Key: k, Value: e.value, Version: e.version})
	}
	return out
}

// DropPartition discards all state of a partition the node no longer owns.
func (s *Store) DropPartition(partID int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.parts, partID)
}

// LockHolder reports the transaction currently holding a key's lock, for
// introspection in tests and debugging endpoints.
func (s *Store) LockHolder(partID int, key string) string {
	p := s.partFor(partID)
	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.entries[key]; ok {
		return e.holder
	}
	return ""
}
