package partition

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return NewStore(zap.NewNop())
}

func TestReadUnknownKey(t *testing.T) {
	s := newTestStore(t)

	_, _, ok := s.Read(1, "missing")
	require.False(t, ok)
}

func TestLockFreeEntryGrantedImmediately(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.TryLock(context.Background(), 1, "k", "tx1", time.Second))
	require.Equal(t, "tx1", s.LockHolder(1, "k"))
}

func TestLockIsReentrantWithinTransaction(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.TryLock(context.Background(), 1, "k", "tx1", time.Second))
	require.NoError(t, s.TryLock(context.Background(), 1, "k", "tx1", time.Second))
	require.Equal(t, "tx1", s.LockHolder(1, "k"))
}

func TestLockTimeoutLeavesEntryUnlockedByFailedAttempt(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.TryLock(context.Background(), 1, "k", "tx1", time.Second))

	err := s.TryLock(context.Background(), 1, "k", "tx2", 50*time.Millisecond)
	require.ErrorIs(t, err, ErrLockTimeout)

	// The failed waiter must be off the queue: unlocking tx1 leaves the
	// entry free, not handed to tx2.
	require.NoError(t, s.Unlock(1, "k", "tx1"))
	require.Empty(t, s.LockHolder(1, "k"))

	require.NoError(t, s.TryLock(context.Background(), 1, "k", "tx3", 50*time.Millisecond))
}

func TestLockQueueIsFIFO(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.TryLock(ctx, 1, "k", "tx1", time.Second))

	var mu sync.Mutex
	var order []string
	var wg sync.WaitGroup

	enqueue := func(txID string) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			require.NoError(t, s.TryLock(ctx, 1, "k", txID, 5*time.Second))
			mu.Lock()
			order = append(order, txID)
			mu.Unlock()
			require.NoError(t, s.Unlock(1, "k", txID))
		}()
		// Give the waiter time to join the queue before the next one.
		time.Sleep(50 * time.Millisecond)
	}

	enqueue("tx2")
	enqueue("tx3")
	enqueue("tx4")

	require.NoError(t, s.Unlock(1, "k", "tx1"))
	wg.Wait()

	require.Equal(t, []string{"tx2", "tx3", "tx4"}, order)
}

func TestMutualExclusionUnderContention(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	const workers = 16
	const rounds = 50

	var inCritical int32
	var violations int32
	counter := 0

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			txID := string(rune('a' + id))
			for i := 0; i < rounds; i++ {
				require.NoError(t, s.TryLock(ctx, 7, "shared", txID, 10*time.Second))
				if !atomic.CompareAndSwapInt32(&inCritical, 0, 1) {
					atomic.AddInt32(&violations, 1)
				}
				counter++
				atomic.StoreInt32(&inCritical, 0)
				require.NoError(t, s.Unlock(7, "shared", txID))
			}
		}(w)
	}
	wg.Wait()

	require.Zero(t, atomic.LoadInt32(&violations))
	require.Equal(t, workers*rounds, counter)
}

func TestWriteRequiresLockHolder(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Write(1, "k", "tx1", []byte("v"), 0)
	require.ErrorIs(t, err, ErrNotLockHolder)
}

func TestWriteVersionsStrictlyIncrease(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.TryLock(ctx, 1, "k", "tx1", time.Second))

	v1, err := s.Write(1, "k", "tx1", []byte("a"), 0)
	require.NoError(t, err)
	require.Equal(t, uint64(1), v1)

	v2, err := s.Write(1, "k", "tx1", []byte("b"), v1)
	require.NoError(t, err)
	require.Greater(t, v2, v1)

	value, version, ok := s.Read(1, "k")
	require.True(t, ok)
	require.Equal(t, []byte("b"), value)
	require.Equal(t, v2, version)
}

func TestWriteStaleVersionConflicts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.TryLock(ctx, 1, "k", "tx1", time.Second))
	_, err := s.Write(1, "k", "tx1", []byte("a"), 0)
	require.NoError(t, err)

	_, err = s.Write(1, "k", "tx1", []byte("b"), 0)
	require.ErrorIs(t, err, ErrVersionConflict)
}

func TestApplyReplicatedIsIdempotentLastVersionWins(t *testing.T) {
	s := newTestStore(t)

	s.ApplyReplicated(2, "k", []byte("v3"), 3)
	s.ApplyReplicated(2, "k", []byte("v3"), 3)
	s.ApplyReplicated(2, "k", []byte("v2-late"), 2)

	value, version, ok := s.Read(2, "k")
	require.True(t, ok)
	require.Equal(t, []byte("v3"), value)
	require.Equal(t, uint64(3), version)

	s.ApplyReplicated(2, "k", []byte("v5"), 5)
	_, version, _ = s.Read(2, "k")
	require.Equal(t, uint64(5), version)
}

func TestApplyReplicatedNeverLocks(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.TryLock(ctx, 1, "k", "tx1", time.Second))
	// Passive replication applies even while a transaction holds the lock.
	s.ApplyReplicated(1, "k", []byte("v9"), 9)

	_, version, ok := s.Read(1, "k")
	require.True(t, ok)
	require.Equal(t, uint64(9), version)
	require.Equal(t, "tx1", s.LockHolder(1, "k"))
}

func TestEntriesAndDropPartition(t *testing.T) {
	s := newTestStore(t)

	s.LoadEntry(4, "a", []byte("1"), 1)
	s.LoadEntry(4, "b", []byte("2"), 1)

	entries := s.Entries(4)
	require.Len(t, entries, 2)

	s.DropPartition(4)
	require.Empty(t, s.Entries(4))
}

func TestUnlockByNonHolderRejected(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.TryLock(ctx, 1, "k", "tx1", time.Second))
	require.ErrorIs(t, s.Unlock(1, "k", "tx2"), ErrNotLockHolder)
	require.Equal(t, "tx1", s.LockHolder(1, "k"))
}

func TestLockContextCancellation(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.TryLock(context.Background(), 1, "k", "tx1", time.Second))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- s.TryLock(ctx, 1, "k", "tx2", time.Minute)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.ErrorIs(t, err, ErrLockTimeout)
	case <-time.After(2 * time.Second):
		t.Fatal("lock wait did not unblock on context cancellation")
	}
}
