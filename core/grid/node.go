// Package grid assembles one cache node: topology view, affinity
// assignment, partition store, near cache, transaction coordinator, and the
// wire protocol handlers that make remote primaries look local.
package grid

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/meshcache/meshcache/core/affinity"
	"github.com/meshcache/meshcache/core/nearcache"
	"github.com/meshcache/meshcache/core/partition"
	"github.com/meshcache/meshcache/core/store"
	"github.com/meshcache/meshcache/core/topology"
	"github.com/meshcache/meshcache/core/transport"
	"github.com/meshcache/meshcache/core/txn"
)

// ErrNoPrimary means a partition currently has no alive owners.
var ErrNoPrimary = errors.New("partition has no alive primary")

// Config tunes one node.
type Config struct {
	NodeID      string
	Partitions  int
	Backups     int
	LockTimeout time.Duration
	// MaxRetries bounds lock-wait and replication retries.
	MaxRetries int
	// SyncReplication requires at least one backup ack before a commit
	// write is applied (when the partition has backups at all).
	SyncReplication bool
}

// Node is one cache node.
type Node struct {
	id   string
	cfg  Config
	log  *zap.Logger
	fn   *affinity.Function
	view *topology.View

	store *partition.Store
	near  *nearcache.Cache
	trans transport.Transport
	coord *txn.Coordinator

	assignMu sync.RWMutex
	assign   *affinity.Assignment
	prev     *affinity.Assignment

	// shadows tracks, per key this node is primary for, which nodes hold
	// near shadows of it. Commit pushes go to every registered holder.
	shadowMu sync.Mutex
	shadows  map[string]map[string]struct{}

	resyncLimit  *rate.Limiter
	replFailures metric.Int64Counter

	stop chan struct{}
	wg   sync.WaitGroup
}

// New assembles a node over the given view and transport and starts its
// topology watcher. The transport's handler is registered here.
func New(cfg Config, view *topology.View, trans transport.Transport, log *zap.Logger, meter metric.Meter) *Node {
	if log == nil {
		log = zap.NewNop()
	}
	if meter == nil {
		meter = noop.NewMeterProvider().Meter("meshcache")
	}
	if cfg.LockTimeout <= 0 {
		cfg.LockTimeout = 3 * time.Second
	}

	n := &Node{
		id:          cfg.NodeID,
		cfg:         cfg,
		log:         log.Named("grid").With(zap.String("node", cfg.NodeID)),
		fn:          affinity.New(cfg.Partitions, cfg.Backups),
		view:        view,
		store:       partition.NewStore(log),
		near:        nearcache.New(log, meter),
		trans:       trans,
		shadows:     make(map[string]map[string]struct{}),
		resyncLimit: rate.NewLimiter(rate.Limit(64), 8),
		stop:        make(chan struct{}),
	}
	n.replFailures, _ = meter.Int64Counter("meshcache.replication.failures")
	n.assign = n.fn.Assign(view.Current())
	n.coord = txn.NewCoordinator(n, txn.Config{
		LockTimeout: cfg.LockTimeout,
		MaxRetries:  cfg.MaxRetries,
	}, log, meter)

	trans.RegisterHandler(n.handle)

	sub := view.Subscribe()
	n.wg.Add(1)
	go n.watchTopology(sub)

	return n
}

// ID returns the node id.
func (n *Node) ID() string { return n.id }

// Affinity returns the node's affinity function, exposed for the compute
// and failover collaborators to make placement decisions.
func (n *Node) Affinity() *affinity.Function { return n.fn }

// NearCache exposes the node's near cache for inspection.
func (n *Node) NearCache() *nearcache.Cache { return n.near }

// Store exposes the node's authoritative partition store for inspection.
func (n *Node) Store() *partition.Store { return n.store }

// Coordinator exposes the transaction coordinator.
func (n *Node) Coordinator() *txn.Coordinator { return n.coord }

// Close stops the topology watcher and the transport.
func (n *Node) Close() error {
	select {
	case <-n.stop:
		return nil
	default:
	}
	close(n.stop)
	err := n.trans.Close()
	n.wg.Wait()
	return err
}

// assignment returns the current affinity assignment.
func (n *Node) assignment() *affinity.Assignment {
	n.assignMu.RLock()
	defer n.assignMu.RUnlock()
	return n.assign
}

// PreviousAssignment returns the assignment that preceded the last topology
// change, or nil once rebalancing has completed. Rebalancing resolves
// state-transfer sources against it; transactions that locked under it fail
// at prepare with an owner-changed error rather than consulting it.
func (n *Node) PreviousAssignment() *affinity.Assignment {
	n.assignMu.RLock()
	defer n.assignMu.RUnlock()
	return n.prev
}

// --- client surface ---

// Get reads a key outside a transaction. Owners read their partition store;
// other nodes answer from a near shadow when possible and otherwise fetch
// from the primary, populating the shadow on the way.
func (n *Node) Get(ctx context.Context, key string) ([]byte, bool, error) {
	part := n.fn.PartitionOf(key)
	primary := n.assignment().Primary(part)
	if primary == "" {
		return nil, false, fmt.Errorf("get %q: %w", key, ErrNoPrimary)
	}
	if primary == n.id {
		value, _, ok := n.store.Read(part, key)
		return value, ok, nil
	}
	if value, _, ok := n.near.Peek(key); ok {
		return value, true, nil
	}
	value, _, ok, err := n.ReadAt(ctx, primary, part, key)
	if err != nil {
		return nil, false, fmt.Errorf("get %q from %s: %w", key, primary, err)
	}
	return value, ok, nil
}

// Put writes a key through an implicit single-key transaction, retrying
// retryable failures within the configured bound.
func (n *Node) Put(ctx context.Context, key string, value []byte) error {
	return txn.RunInTransaction(ctx, n.coord, n.cfg.MaxRetries+1, func(tx *txn.Transaction) error {
		return n.coord.Put(ctx, tx, key, value)
	})
}

// Tx is a client transaction handle bound to this node's coordinator.
type Tx struct {
	node  *Node
	inner *txn.Transaction
}

// TxStart begins a transaction on this node.
func (n *Node) TxStart(concurrency txn.Concurrency, isolation txn.Isolation) *Tx {
	return &Tx{node: n, inner: n.coord.Begin(concurrency, isolation)}
}

// Get reads key through the transaction.
func (t *Tx) Get(ctx context.Context, key string) ([]byte, bool, error) {
	return t.node.coord.Get(ctx, t.inner, key)
}

// Put buffers a write into the transaction.
func (t *Tx) Put(ctx context.Context, key string, value []byte) error {
	return t.node.coord.Put(ctx, t.inner, key, value)
}

// Commit commits the transaction.
func (t *Tx) Commit(ctx context.Context) error {
	return t.node.coord.Commit(ctx, t.inner)
}

// Rollback rolls the transaction back.
func (t *Tx) Rollback(ctx context.Context) error {
	return t.node.coord.Rollback(ctx, t.inner)
}

// State returns the transaction state.
func (t *Tx) State() txn.State {
	return t.inner.State()
}

// Warmup consumes the external store once, loading only the keys whose
// partitions this node owns (as primary or backup). pred optionally narrows
// the key set before the ownership filter applies.
func (n *Node) Warmup(ctx context.Context, st store.Store, pred func(key string) bool) (int, error) {
	a := n.assignment()
	loaded := 0
	err := st.LoadAll(ctx, pred, func(key string, value []byte) error {
		part := n.fn.PartitionOf(key)
		if !a.IsOwner(part, n.id) {
			return nil
		}
		n.store.LoadEntry(part, key, value, 1)
		loaded++
		return nil
	})
	if err != nil {
		return loaded, fmt.Errorf("warmup: %w", err)
	}
	n.log.Info("warmup complete", zap.Int("entries", loaded))
	return loaded, nil
}

// --- txn.Cluster implementation ---

// PartitionOf implements txn.Cluster.
func (n *Node) PartitionOf(key string) int {
	return n.fn.PartitionOf(key)
}

// Primary implements txn.Cluster against the current assignment.
func (n *Node) Primary(part int) (string, error) {
	primary := n.assignment().Primary(part)
	if primary == "" {
		return "", fmt.Errorf("partition %d: %w", part, ErrNoPrimary)
	}
	return primary, nil
}

// ReadAt implements txn.Cluster. Remote reads register this node as a near
// shadow holder at the primary and refresh the local shadow.
func (n *Node) ReadAt(ctx context.Context, node string, part int, key string) ([]byte, uint64, bool, error) {
	if node == n.id {
		value, version, ok := n.store.Read(part, key)
		return value, version, ok, nil
	}
	resp, err := n.trans.Send(ctx, node, &transport.Message{
		Type: transport.MsgRead, From: n.id, Part: part, Key: key,
	})
	if err != nil {
		return nil, 0, false, err
	}
	if err := decodeWireError(resp.Error); err != nil {
		return nil, 0, false, err
	}
	if resp.Found {
		n.near.Update(key, resp.Value, resp.Version, node)
	}
	return resp.Value, resp.Version, resp.Found, nil
}

// LockAt implements txn.Cluster.
func (n *Node) LockAt(ctx context.Context, node string, part int, key, txID string, timeout time.Duration) error {
	if node == n.id {
		return n.store.TryLock(ctx, part, key, txID, timeout)
	}
	// Leave headroom over the lock wait so the remote timeout, not the
	// transport deadline, decides the outcome.
	sendCtx, cancel := context.WithTimeout(ctx, timeout+2*time.Second)
	defer cancel()
	resp, err := n.trans.Send(sendCtx, node, &transport.Message{
		Type: transport.MsgLock, From: n.id, TxID: txID, Part: part, Key: key,
		TimeoutMS: timeout.Milliseconds(),
	})
	if err != nil {
		return err
	}
	return decodeWireError(resp.Error)
}

// UnlockAt implements txn.Cluster.
func (n *Node) UnlockAt(node string, part int, key, txID string) error {
	if node == n.id {
		return n.store.Unlock(part, key, txID)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resp, err := n.trans.Send(ctx, node, &transport.Message{
		Type: transport.MsgUnlock, From: n.id, TxID: txID, Part: part, Key: key,
	})
	if err != nil {
		return err
	}
	return decodeWireError(resp.Error)
}

// CommitWrite implements txn.Cluster.
func (n *Node) CommitWrite(ctx context.Context, node string, part int, key, txID string, value []byte, expectedVersion uint64) (uint64, error) {
	if node == n.id {
		return n.commitLocal(ctx, part, key, txID, value, expectedVersion)
	}
	resp, err := n.trans.Send(ctx, node, &transport.Message{
		Type: transport.MsgCommitWrite, From: n.id, TxID: txID, Part: part, Key: key,
		Value: value, Version: expectedVersion,
	})
	if err != nil {
		return 0, err
	}
	if err := decodeWireError(resp.Error); err != nil {
		return 0, err
	}
	return resp.Version, nil
}
