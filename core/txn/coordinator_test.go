package txn

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/meshcache/meshcache/core/affinity"
	"github.com/meshcache/meshcache/core/partition"
)

// fakeCluster backs the coordinator with a single partition store, as if
// every partition's primary were one local node. Tests flip the primary to
// simulate ownership moves.
type fakeCluster struct {
	fn    *affinity.Function
	store *partition.Store

	mu      sync.Mutex
	primary string
}

func newFakeCluster() *fakeCluster {
	return &fakeCluster{
		fn:      affinity.New(16, 0),
		store:   partition.NewStore(zap.NewNop()),
		primary: "local",
	}
}

func (c *fakeCluster) setPrimary(node string) {
	c.mu.Lock()
	c.primary = node
	c.mu.Unlock()
}

func (c *fakeCluster) PartitionOf(key string) int { return c.fn.PartitionOf(key) }

func (c *fakeCluster) Primary(part int) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.primary, nil
}

func (c *fakeCluster) ReadAt(ctx context.Context, node string, part int, key string) ([]byte, uint64, bool, error) {
	value, version, ok := c.store.Read(part, key)
	return value, version, ok, nil
}

func (c *fakeCluster) LockAt(ctx context.Context, node string, part int, key, txID string, timeout time.Duration) error {
	return c.store.TryLock(ctx, part, key, txID, timeout)
}

func (c *fakeCluster) UnlockAt(node string, part int, key, txID string) error {
	return c.store.Unlock(part, key, txID)
}

func (c *fakeCluster) CommitWrite(ctx context.Context, node string, part int, key, txID string, value []byte, expectedVersion uint64) (uint64, error) {
	return c.store.Write(part, key, txID, value, expectedVersion)
}

func newTestCoordinator(t *testing.T, cluster Cluster) *Coordinator {
	t.Helper()
	return NewCoordinator(cluster, Config{LockTimeout: time.Second, MaxRetries: 1}, zap.NewNop(), nil)
}

func TestCommitAppliesBufferedWrites(t *testing.T) {
	cluster := newFakeCluster()
	c := newTestCoordinator(t, cluster)
	ctx := context.Background()

	tx := c.Begin(Pessimistic, RepeatableRead)
	require.NoError(t, c.Put(ctx, tx, "k", []byte("v1")))

	// Nothing reaches the store before commit.
	_, _, ok := cluster.store.Read(cluster.PartitionOf("k"), "k")
	require.False(t, ok)

	require.NoError(t, c.Commit(ctx, tx))
	require.Equal(t, StateCommitted, tx.State())

	value, version, ok := cluster.store.Read(cluster.PartitionOf("k"), "k")
	require.True(t, ok)
	require.Equal(t, []byte("v1"), value)
	require.Equal(t, uint64(1), version)

	// Locks are released after commit.
	require.Empty(t, cluster.store.LockHolder(cluster.PartitionOf("k"), "k"))
}

func TestRepeatableRead(t *testing.T) {
	cluster := newFakeCluster()
	c := newTestCoordinator(t, cluster)
	ctx := context.Background()

	require.NoError(t, seed(c, "k", "v1"))

	tx := c.Begin(Pessimistic, RepeatableRead)
	v, ok, err := c.Get(ctx, tx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("v1"), v)

	// Re-reads return the first-touch snapshot.
	v2, ok, err := c.Get(ctx, tx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, v, v2)

	// A buffered write is visible to the writing transaction itself.
	require.NoError(t, c.Put(ctx, tx, "k", []byte("v2")))
	v3, ok, err := c.Get(ctx, tx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("v2"), v3)

	require.NoError(t, c.Commit(ctx, tx))
}

func TestRollbackLeavesNoPartialWrites(t *testing.T) {
	cluster := newFakeCluster()
	c := newTestCoordinator(t, cluster)
	ctx := context.Background()

	require.NoError(t, seed(c, "k", "v1"))

	tx := c.Begin(Pessimistic, RepeatableRead)
	require.NoError(t, c.Put(ctx, tx, "k", []byte("dirty")))
	require.NoError(t, c.Put(ctx, tx, "other", []byte("dirty")))
	require.NoError(t, c.Rollback(ctx, tx))
	require.Equal(t, StateRolledBack, tx.State())

	value, _, ok := cluster.store.Read(cluster.PartitionOf("k"), "k")
	require.True(t, ok)
	require.Equal(t, []byte("v1"), value)
	_, _, ok = cluster.store.Read(cluster.PartitionOf("other"), "other")
	require.False(t, ok)

	require.Empty(t, cluster.store.LockHolder(cluster.PartitionOf("k"), "k"))
	require.Empty(t, cluster.store.LockHolder(cluster.PartitionOf("other"), "other"))
}

func TestPrepareDetectsVersionDrift(t *testing.T) {
	cluster := newFakeCluster()
	c := newTestCoordinator(t, cluster)
	ctx := context.Background()

	require.NoError(t, seed(c, "k", "v1"))

	tx := c.Begin(Pessimistic, RepeatableRead)
	_, _, err := c.Get(ctx, tx, "k")
	require.NoError(t, err)
	require.NoError(t, c.Put(ctx, tx, "k", []byte("v2")))

	// The authoritative version moves underneath the held lock, the way a
	// replication stream from a reassigned owner would move it.
	cluster.store.ApplyReplicated(cluster.PartitionOf("k"), "k", []byte("foreign"), 9)

	err = c.Commit(ctx, tx)
	require.ErrorIs(t, err, ErrOptimisticConflict)
	require.Equal(t, StateRolledBack, tx.State())

	// The conflicting foreign write survives; ours was never applied.
	value, version, _ := cluster.store.Read(cluster.PartitionOf("k"), "k")
	require.Equal(t, []byte("foreign"), value)
	require.Equal(t, uint64(9), version)
	require.Empty(t, cluster.store.LockHolder(cluster.PartitionOf("k"), "k"))
}

func TestPrepareDetectsOwnerChange(t *testing.T) {
	cluster := newFakeCluster()
	c := newTestCoordinator(t, cluster)
	ctx := context.Background()

	tx := c.Begin(Pessimistic, RepeatableRead)
	require.NoError(t, c.Put(ctx, tx, "k", []byte("v")))

	cluster.setPrimary("elsewhere")

	err := c.Commit(ctx, tx)
	require.ErrorIs(t, err, ErrPartitionOwnerChanged)
	require.NotErrorIs(t, err, ErrOptimisticConflict)
	require.Equal(t, StateRolledBack, tx.State())
}

func TestLockTimeoutSurfacesAfterRetries(t *testing.T) {
	cluster := newFakeCluster()
	c := NewCoordinator(cluster, Config{LockTimeout: 50 * time.Millisecond, MaxRetries: 2}, zap.NewNop(), nil)
	ctx := context.Background()

	blocker := c.Begin(Pessimistic, RepeatableRead)
	require.NoError(t, c.Put(ctx, blocker, "k", []byte("held")))

	tx := c.Begin(Pessimistic, RepeatableRead)
	start := time.Now()
	err := c.Put(ctx, tx, "k", []byte("blocked"))
	require.ErrorIs(t, err, ErrLockTimeout)
	// Three attempts of 50ms each before surfacing.
	require.GreaterOrEqual(t, time.Since(start), 150*time.Millisecond)

	require.NoError(t, c.Rollback(ctx, tx))
	require.NoError(t, c.Commit(ctx, blocker))
}

func TestOperationsRejectedAfterCommit(t *testing.T) {
	cluster := newFakeCluster()
	c := newTestCoordinator(t, cluster)
	ctx := context.Background()

	tx := c.Begin(Pessimistic, RepeatableRead)
	require.NoError(t, c.Put(ctx, tx, "k", []byte("v")))
	require.NoError(t, c.Commit(ctx, tx))

	_, _, err := c.Get(ctx, tx, "k")
	require.ErrorIs(t, err, ErrInvalidState)
	require.ErrorIs(t, c.Put(ctx, tx, "k", nil), ErrInvalidState)
	require.ErrorIs(t, c.Commit(ctx, tx), ErrInvalidState)
	require.ErrorIs(t, c.Rollback(ctx, tx), ErrInvalidState)
}

func TestPutAllLocksInGlobalOrder(t *testing.T) {
	cluster := newFakeCluster()
	c := newTestCoordinator(t, cluster)
	ctx := context.Background()

	entries := map[string][]byte{}
	for i := 0; i < 8; i++ {
		entries["k"+strconv.Itoa(i)] = []byte{byte(i)}
	}

	tx := c.Begin(Pessimistic, RepeatableRead)
	require.NoError(t, c.PutAll(ctx, tx, entries))
	require.NoError(t, c.Commit(ctx, tx))

	for k, v := range entries {
		value, version, ok := cluster.store.Read(cluster.PartitionOf(k), k)
		require.True(t, ok)
		require.Equal(t, v, value)
		require.Equal(t, uint64(1), version)
	}
}

func TestGetAllReturnsPresentKeysOnly(t *testing.T) {
	cluster := newFakeCluster()
	c := newTestCoordinator(t, cluster)
	ctx := context.Background()

	require.NoError(t, seed(c, "a", "1"))
	require.NoError(t, seed(c, "b", "2"))

	tx := c.Begin(Pessimistic, RepeatableRead)
	got, err := c.GetAll(ctx, tx, []string{"a", "b", "missing"})
	require.NoError(t, err)
	require.Equal(t, map[string][]byte{"a": []byte("1"), "b": []byte("2")}, got)

	// Every requested key is locked, present or not.
	for _, k := range []string{"a", "b", "missing"} {
		require.Equal(t, tx.ID, cluster.store.LockHolder(cluster.PartitionOf(k), k))
	}
	require.NoError(t, c.Rollback(ctx, tx))
}

func TestNoLostUpdatesUnderConcurrency(t *testing.T) {
	cluster := newFakeCluster()
	c := NewCoordinator(cluster, Config{LockTimeout: 5 * time.Second, MaxRetries: 3}, zap.NewNop(), nil)
	ctx := context.Background()

	require.NoError(t, seed(c, "counter", "0"))

	const workers = 8
	const rounds = 50

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < rounds; i++ {
				err := RunInTransaction(ctx, c, 10, func(tx *Transaction) error {
					raw, _, err := c.Get(ctx, tx, "counter")
					if err != nil {
						return err
					}
					n, err := strconv.Atoi(string(raw))
					if err != nil {
						return err
					}
					return c.Put(ctx, tx, "counter", []byte(strconv.Itoa(n+1)))
				})
				require.NoError(t, err)
			}
		}()
	}
	wg.Wait()

	raw, _, ok := cluster.store.Read(cluster.PartitionOf("counter"), "counter")
	require.True(t, ok)
	require.Equal(t, strconv.Itoa(workers*rounds), string(raw))
}

func TestVersionMonotonicity(t *testing.T) {
	cluster := newFakeCluster()
	c := newTestCoordinator(t, cluster)
	ctx := context.Background()

	var last uint64
	for i := 0; i < 20; i++ {
		tx := c.Begin(Pessimistic, RepeatableRead)
		require.NoError(t, c.Put(ctx, tx, "k", []byte(strconv.Itoa(i))))
		require.NoError(t, c.Commit(ctx, tx))

		_, version, ok := cluster.store.Read(cluster.PartitionOf("k"), "k")
		require.True(t, ok)
		require.Greater(t, version, last)
		last = version
	}
}

// seed commits an initial value outside the transaction under test.
func seed(c *Coordinator, key, value string) error {
	ctx := context.Background()
	tx := c.Begin(Pessimistic, RepeatableRead)
	if err := c.Put(ctx, tx, key, []byte(value)); err != nil {
		return err
	}
	return c.Commit(ctx, tx)
}
