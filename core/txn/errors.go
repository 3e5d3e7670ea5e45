package txn

import (
	"errors"

	"github.com/meshcache/meshcache/core/partition"
	"github.com/meshcache/meshcache/core/topology"
)

// Failure taxonomy. Retryable failures may be reattempted in a fresh
// transaction; fatal ones require operator action. Every transaction
// failure releases all held locks and leaves no partial write visible.
var (
	// ErrLockTimeout: a lock wait exceeded its bound. Retryable.
	ErrLockTimeout = partition.ErrLockTimeout
	// ErrOptimisticConflict: a snapshot version no longer matched the
	// authoritative version at prepare. Retryable.
	ErrOptimisticConflict = partition.ErrVersionConflict
	// ErrPartitionOwnerChanged: a touched partition's primary moved while
	// the transaction was active. Retryable, and distinct from data
	// conflicts so callers can tell rebalancing from contention.
	ErrPartitionOwnerChanged = errors.New("partition owner changed during transaction")
	// ErrTopologyRejected: join-time attribute mismatch. Fatal.
	ErrTopologyRejected = topology.ErrRejected
	// ErrReplicationFailure: no backup acknowledged a commit write.
	ErrReplicationFailure = errors.New("replication failed: no backup acknowledged the write")
	// ErrInvalidState: the operation is not legal in the transaction's
	// current state (e.g. writing after commit).
	ErrInvalidState = errors.New("transaction is in an invalid state for this operation")
)

// IsRetryable reports whether a failed transaction may be retried from
// scratch with a reasonable expectation of success.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrLockTimeout) ||
		errors.Is(err, ErrOptimisticConflict) ||
		errors.Is(err, ErrPartitionOwnerChanged) ||
		errors.Is(err, ErrReplicationFailure)
}
