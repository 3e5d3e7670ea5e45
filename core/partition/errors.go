package partition

import "errors"

var (
	// ErrLockTimeout means a lock wait exceeded its bound. The failed
	// waiter is guaranteed to be off the queue and the entry is never left
	// locked by the failed attempt.
	ErrLockTimeout = errors.New("entry lock wait timed out")
	// ErrVersionConflict means a write's expected version is stale. Raised
	// even while the entry lock is held: lock possession alone does not
	// prove exclusivity across an ownership reassignment.
	ErrVersionConflict = errors.New("entry version conflict")
	// ErrNotLockHolder means a write or unlock came from a transaction
	// that does not hold the entry lock.
	ErrNotLockHolder = errors.New("transaction does not hold the entry lock")
	// ErrNoSuchPartition means the node does not host the partition.
	ErrNoSuchPartition = errors.New("partition not hosted on this node")
)
