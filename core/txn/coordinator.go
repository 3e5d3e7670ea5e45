package txn

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.uber.org/zap"

	"github.com/meshcache/meshcache/core/affinity"
)

// Cluster is the coordinator's view of the partitioned keyspace. The grid
// node implements it: operations against a local primary hit the node's own
// partition store, the rest travel over the transport. CommitWrite carries
// the whole primary-side commit step — authoritative write, backup
// replication, near-shadow pushes.
type Cluster interface {
	// PartitionOf maps a key to its partition.
	PartitionOf(key string) int
	// Primary returns the current primary of a partition.
	Primary(part int) (string, error)
	// ReadAt reads a key's value and version at the given primary.
	ReadAt(ctx context.Context, node string, part int, key string) (value []byte, version uint64, ok bool, err error)
	// LockAt acquires key's entry lock for txID at the given primary,
	// waiting at most timeout.
	LockAt(ctx context.Context, node string, part int, key, txID string, timeout time.Duration) error
	// UnlockAt releases key's entry lock at the given primary.
	UnlockAt(node string, part int, key, txID string) error
	// CommitWrite applies a committed value at the given primary with an
	// expected-version guard, replicates it to backups, and pushes it to
	// near shadows. Returns the new authoritative version.
	CommitWrite(ctx context.Context, node string, part int, key, txID string, value []byte, expectedVersion uint64) (uint64, error)
}

// Config tunes the coordinator.
type Config struct {
	// LockTimeout bounds a single entry-lock wait.
	LockTimeout time.Duration
	// MaxRetries bounds coordinator-internal retries of lock waits and
	// replication sends before the failure surfaces.
	MaxRetries int
}

func (c *Config) withDefaults() {
	if c.LockTimeout <= 0 {
		c.LockTimeout = 3 * time.Second
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
}

// Coordinator drives pessimistic transactions through their lifecycle:
// Active (lazy lock acquisition) -> Preparing (snapshot re-validation) ->
// Committing (apply, replicate, push) -> Committed, or RolledBack from any
// failure before the first write lands.
type Coordinator struct {
	cluster Cluster
	cfg     Config
	log     *zap.Logger

	commits      metric.Int64Counter
	rollbacks    metric.Int64Counter
	lockTimeouts metric.Int64Counter
	conflicts    metric.Int64Counter
}

// NewCoordinator creates a coordinator over cluster. meter may be nil.
func NewCoordinator(cluster Cluster, cfg Config, log *zap.Logger, meter metric.Meter) *Coordinator {
	cfg.withDefaults()
	if log == nil {
		log = zap.NewNop()
	}
	if meter == nil {
		meter = noop.NewMeterProvider().Meter("meshcache")
	}
	c := &Coordinator{
		cluster: cluster,
		cfg:     cfg,
		log:     log.Named("txn"),
	}
	c.commits, _ = meter.Int64Counter("meshcache.tx.commits")
	c.rollbacks, _ = meter.Int64Counter("meshcache.tx.rollbacks")
	c.lockTimeouts, _ = meter.Int64Counter("meshcache.tx.lock_timeouts")
	c.conflicts, _ = meter.Int64Counter("meshcache.tx.conflicts")
	return c
}

// Begin starts a transaction.
func (c *Coordinator) Begin(concurrency Concurrency, isolation Isolation) *Transaction {
	return newTransaction(concurrency, isolation)
}

// Get returns the transaction's view of key: the pending write if any, else
// the value snapshotted on first touch. A first touch locks the key at its
// current primary and records the snapshot version.
func (c *Coordinator) Get(ctx context.Context, tx *Transaction, key string) ([]byte, bool, error) {
	if tx.state != StateActive {
		return nil, false, fmt.Errorf("get %q in state %s: %w", key, tx.state, ErrInvalidState)
	}
	if v, ok := tx.writeSet[key]; ok {
		return v, v != nil, nil
	}
	if _, touched := tx.touched(key); touched {
		v, ok := tx.readCache[key]
		return v, ok && v != nil, nil
	}
	if err := c.touch(ctx, tx, key); err != nil {
		return nil, false, err
	}
	v, ok := tx.readCache[key]
	return v, ok && v != nil, nil
}

// Put buffers a pending value for key. The key is locked on first touch;
// the partition store is not mutated until commit.
func (c *Coordinator) Put(ctx context.Context, tx *Transaction, key string, value []byte) error {
	if tx.state != StateActive {
		return fmt.Errorf("put %q in state %s: %w", key, tx.state, ErrInvalidState)
	}
	if _, touched := tx.touched(key); !touched {
		if err := c.touch(ctx, tx, key); err != nil {
			return err
		}
	}
	tx.writeSet[key] = value
	return nil
}

// PutAll buffers several pending writes, acquiring the missing entry locks
// in the global key order so concurrent multi-key transactions cannot
// deadlock.
func (c *Coordinator) PutAll(ctx context.Context, tx *Transaction, entries map[string][]byte) error {
	if tx.state != StateActive {
		return fmt.Errorf("put-all in state %s: %w", tx.state, ErrInvalidState)
	}
	keys := make([]string, 0, len(entries))
	for k := range entries {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		oi, oj := affinity.KeyOrder(keys[i]), affinity.KeyOrder(keys[j])
		if oi != oj {
			return oi < oj
		}
		return keys[i] < keys[j]
	})
	for _, k := range keys {
		if _, touched := tx.touched(k); !touched {
			if err := c.touch(ctx, tx, k); err != nil {
				return err
			}
		}
	}
	for _, k := range keys {
		tx.writeSet[k] = entries[k]
	}
	return nil
}

// GetAll returns the transaction's view of several keys, acquiring the
// missing entry locks in the global key order. Keys absent from the cache are
// omitted from the result.
func (c *Coordinator) GetAll(ctx context.Context, tx *Transaction, keys []string) (map[string][]byte, error) {
	if tx.state != StateActive {
		return nil, fmt.Errorf("get-all in state %s: %w", tx.state, ErrInvalidState)
	}
	sorted := make([]string, len(keys))
	copy(sorted, keys)
	sort.Slice(sorted, func(i, j int) bool {
		oi, oj := affinity.KeyOrder(sorted[i]), affinity.KeyOrder(sorted[j])
		if oi != oj {
			return oi < oj
		}
		return sorted[i] < sorted[j]
	})

	out := make(map[string][]byte, len(sorted))
	for _, k := range sorted {
		v, ok, err := c.Get(ctx, tx, k)
		if err != nil {
			return nil, err
		}
		if ok {
			out[k] = v
		}
	}
	return out, nil
}

// touch locks key at its current primary (with bounded retries on lock
// timeouts) and records the snapshot version and value.
func (c *Coordinator) touch(ctx context.Context, tx *Transaction, key string) error {
	part := c.cluster.PartitionOf(key)
	primary, err := c.cluster.Primary(part)
	if err != nil {
		return fmt.Errorf("resolve primary of partition %d: %w", part, err)
	}

	attempts := c.cfg.MaxRetries + 1
	for attempt := 0; ; attempt++ {
		err = c.cluster.LockAt(ctx, primary, part, key, tx.ID, c.cfg.LockTimeout)
		if err == nil {
			break
		}
		if errors.Is(err, ErrLockTimeout) {
			c.lockTimeouts.Add(ctx, 1)
			if attempt+1 < attempts {
				continue
			}
		}
		return fmt.Errorf("lock %q at %s: %w", key, primary, err)
	}

	value, version, ok, err := c.cluster.ReadAt(ctx, primary, part, key)
	if err != nil {
		// The lock is held; give it back before failing the touch.
		_ = c.cluster.UnlockAt(primary, part, key, tx.ID)
		return fmt.Errorf("read %q at %s: %w", key, primary, err)
	}

	tx.locked = append(tx.locked, lockedKey{key: key, part: part, primary: primary})
	tx.readSnapshot[key] = version
	if ok {
		tx.readCache[key] = value
	}
	return nil
}

// Commit drives the transaction through Preparing and Committing. Failures
// in Preparing roll back with no partial writes; once the first write lands
// at a primary during Committing the transaction is irrevocable.
func (c *Coordinator) Commit(ctx context.Context, tx *Transaction) error {
	if tx.state != StateActive {
		return fmt.Errorf("commit in state %s: %w", tx.state, ErrInvalidState)
	}

	tx.state = StatePreparing
	if err := c.prepare(ctx, tx); err != nil {
		c.conflicts.Add(ctx, 1)
		c.rollback(tx)
		return err
	}

	tx.state = StateCommitting
	if err := c.apply(ctx, tx); err != nil {
		return err
	}

	c.releaseLocks(tx)
	tx.state = StateCommitted
	c.commits.Add(ctx, 1)
	return nil
}

// prepare re-validates that every snapshot version still matches the
// authoritative version of the touched key, and that no touched partition's
// primary has moved. Locks are already held, but ownership may have moved
// with a topology change, so lock possession alone is not proof of
// exclusivity.
func (c *Coordinator) prepare(ctx context.Context, tx *Transaction) error {
	for _, lk := range tx.locked {
		primary, err := c.cluster.Primary(lk.part)
		if err != nil {
			return fmt.Errorf("prepare %q: %w", lk.key, err)
		}
		if primary != lk.primary {
			return fmt.Errorf("prepare %q: locked at %s, now owned by %s: %w",
				lk.key, lk.primary, primary, ErrPartitionOwnerChanged)
		}
		_, version, _, err := c.cluster.ReadAt(ctx, primary, lk.part, lk.key)
		if err != nil {
			return fmt.Errorf("prepare %q: %w", lk.key, err)
		}
		if version != tx.readSnapshot[lk.key] {
			return fmt.Errorf("prepare %q: snapshot version %d, authoritative %d: %w",
				lk.key, tx.readSnapshot[lk.key], version, ErrOptimisticConflict)
		}
	}
	return nil
}

// apply writes the buffered values to their primaries in the global key
// order. The first applied write makes the transaction irrevocable: a later
// failure surfaces to the caller but earlier writes stay committed, and all
// locks are still released.
func (c *Coordinator) apply(ctx context.Context, tx *Transaction) error {
	keys := make([]string, 0, len(tx.writeSet))
	for k := range tx.writeSet {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		oi, oj := affinity.KeyOrder(keys[i]), affinity.KeyOrder(keys[j])
		if oi != oj {
			return oi < oj
		}
		return keys[i] < keys[j]
	})

	applied := false
	for _, k := range keys {
		lk, _ := tx.touched(k)
		_, err := c.cluster.CommitWrite(ctx, lk.primary, lk.part, k, tx.ID, tx.writeSet[k], tx.readSnapshot[k])
		if err != nil {
			if !applied {
				// Nothing reached a partition store yet; a clean rollback
				// keeps atomicity.
				c.rollback(tx)
				return fmt.Errorf("commit %q: %w", k, err)
			}
			c.releaseLocks(tx)
			tx.state = StateCommitted
			c.log.Error("partial commit: write applied before a later key failed",
				zap.String("tx", tx.ID), zap.String("key", k), zap.Error(err))
			return fmt.Errorf("commit %q after earlier writes were applied: %w", k, err)
		}
		applied = true
	}
	return nil
}

// Rollback discards the write set and releases all locks. Legal from any
// state before Committing finished; committed transactions cannot be rolled
// back.
func (c *Coordinator) Rollback(ctx context.Context, tx *Transaction) error {
	switch tx.state {
	case StateActive, StatePreparing:
		c.rollback(tx)
		return nil
	case StateRolledBack:
		return nil
	default:
		return fmt.Errorf("rollback in state %s: %w", tx.state, ErrInvalidState)
	}
}

func (c *Coordinator) rollback(tx *Transaction) {
	tx.writeSet = make(map[string][]byte)
	c.releaseLocks(tx)
	tx.state = StateRolledBack
	c.rollbacks.Add(context.Background(), 1)
}

// releaseLocks unlocks every held entry. Order does not matter; failures
// are logged and skipped so one unreachable primary cannot pin the rest.
func (c *Coordinator) releaseLocks(tx *Transaction) {
	for _, lk := range tx.locked {
		if err := c.cluster.UnlockAt(lk.primary, lk.part, lk.key, tx.ID); err != nil {
			c.log.Warn("failed to release entry lock",
				zap.String("tx", tx.ID), zap.String("key", lk.key),
				zap.String("primary", lk.primary), zap.Error(err))
		}
	}
	tx.locked = nil
}

// RunInTransaction runs fn inside a pessimistic repeatable-read transaction
// and commits it, retrying retryable failures up to attempts times. This is
// the canonical read-modify-write loop for counters and similar usage.
func RunInTransaction(ctx context.Context, c *Coordinator, attempts int, fn func(tx *Transaction) error) error {
	if attempts <= 0 {
		attempts = 1
	}
	var err error
	for i := 0; i < attempts; i++ {
		tx := c.Begin(Pessimistic, RepeatableRead)
		if err = fn(tx); err == nil {
			err = c.Commit(ctx, tx)
		} else if tx.State() == StateActive {
			_ = c.Rollback(ctx, tx)
		}
		if err == nil {
			return nil
		}
		if !IsRetryable(err) {
			return err
		}
	}
	return err
}
