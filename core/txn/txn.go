// Package txn implements pessimistic multi-key transactions over the
// partitioned cache: lazy lock acquisition on first touch, repeatable-read
// snapshots, buffered writes, and an atomic commit that replicates to
// backups and refreshes near-cache shadows.
package txn

import (
	"github.com/google/uuid"
)

// Concurrency selects the locking discipline of a transaction.
type Concurrency int

const (
	// Pessimistic acquires exclusive entry locks on first access.
	Pessimistic Concurrency = iota
)

// Isolation selects the read guarantee of a transaction.
type Isolation int

const (
	// RepeatableRead guarantees a transaction observes the same value on
	// every re-read of a touched key.
	RepeatableRead Isolation = iota
)

// State is the coordinator-visible lifecycle state of a transaction.
type State int

const (
	StateActive State = iota
	StatePreparing
	StateCommitting
	StateCommitted
	StateRolledBack
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StatePreparing:
		return "preparing"
	case StateCommitting:
		return "committing"
	case StateCommitted:
		return "committed"
	case StateRolledBack:
		return "rolled-back"
	default:
		return "unknown"
	}
}

// lockedKey records where a key's entry lock was acquired. The primary is
// pinned at lock time; prepare compares it with the current primary to
// detect ownership moves.
type lockedKey struct {
	key     string
	part    int
	primary string
}

// Transaction is an in-flight pessimistic transaction. It is exclusively
// owned by its originating session and must not be shared across
// goroutines; the coordinator serializes nothing on the caller's behalf.
type Transaction struct {
	ID          string
	Concurrency Concurrency
	Isolation   Isolation

	state State

	// readSnapshot maps each touched key to the authoritative version
	// observed on first touch.
	readSnapshot map[string]uint64
	// readCache holds the value observed on first touch, serving
	// repeatable re-reads.
	readCache map[string][]byte
	// writeSet buffers pending values; nothing reaches a partition store
	// before the commit's Committing phase.
	writeSet map[string][]byte
	// locked lists held entry locks in acquisition order.
	locked []lockedKey
}

func newTransaction(concurrency Concurrency, isolation Isolation) *Transaction {
	return &Transaction{
		ID:           uuid.NewString(),
		Concurrency:  concurrency,
		Isolation:    isolation,
		state:        StateActive,
		readSnapshot: make(map[string]uint64),
		readCache:    make(map[string][]byte),
		writeSet:     make(map[string][]byte),
	}
}

// State returns the transaction's lifecycle state.
func (t *Transaction) State() State {
	return t.state
}

// Touched reports whether the transaction has locked key.
func (t *Transaction) touched(key string) (lockedKey, bool) {
	for _, lk := range t.locked {
		if lk.key == key {
			return lk, true
		}
	}
	return lockedKey{}, false
}
