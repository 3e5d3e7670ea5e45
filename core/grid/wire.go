package grid

import (
	"errors"

	"github.com/meshcache/meshcache/core/partition"
	"github.com/meshcache/meshcache/core/txn"
)

// Wire error codes. Protocol failures cross the transport as short codes in
// the response's Error field and are mapped back to the sentinel taxonomy on
// the sending side, so errors.Is works across node boundaries.
const (
	codeLockTimeout        = "lock_timeout"
	codeVersionConflict    = "version_conflict"
	codeNotLockHolder      = "not_lock_holder"
	codeOwnerChanged       = "owner_changed"
	codeReplicationFailure = "replication_failure"
)

func encodeWireError(err error) string {
	switch {
	case errors.Is(err, partition.ErrLockTimeout):
		return codeLockTimeout
	case errors.Is(err, partition.ErrVersionConflict):
		return codeVersionConflict
	case errors.Is(err, partition.ErrNotLockHolder):
		return codeNotLockHolder
	case errors.Is(err, txn.ErrPartitionOwnerChanged):
		return codeOwnerChanged
	case errors.Is(err, txn.ErrReplicationFailure):
		return codeReplicationFailure
	default:
		return err.Error()
	}
}

func decodeWireError(code string) error {
	switch code {
	case "":
		return nil
	case codeLockTimeout:
		return partition.ErrLockTimeout
	case codeVersionConflict:
		return partition.ErrVersionConflict
	case codeNotLockHolder:
		return partition.ErrNotLockHolder
	case codeOwnerChanged:
		return txn.ErrPartitionOwnerChanged
	case codeReplicationFailure:
		return txn.ErrReplicationFailure
	default:
		return errors.New(code)
	}
}
