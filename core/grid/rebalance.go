package grid

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/meshcache/meshcache/core/affinity"
	"github.com/meshcache/meshcache/core/partition"
	"github.com/meshcache/meshcache/core/topology"
	"github.com/meshcache/meshcache/core/transport"
)

// watchTopology applies membership changes: recompute the affinity
// assignment, drop stale near shadows, transfer partition state, and only
// then retire the previous assignment.
func (n *Node) watchTopology(sub <-chan *topology.Snapshot) {
	defer n.wg.Done()
	for {
		select {
		case <-n.stop:
			return
		case snap, ok := <-sub:
			if !ok {
				return
			}
			n.onTopologyChange(snap)
		}
	}
}

func (n *Node) onTopologyChange(snap *topology.Snapshot) {
	next := n.fn.Assign(snap)

	n.assignMu.Lock()
	n.prev = n.assign
	n.assign = next
	n.assignMu.Unlock()

	n.log.Info("affinity recomputed",
		zap.Int64("topology", snap.Version), zap.Int("members", len(snap.Members)))

	// The retiring mapping stays queryable until state transfer finishes;
	// it names the sources partitions are adopted from.
	prev := n.PreviousAssignment()

	// Shadows of keys whose primary moved are stale by construction; drop
	// them and let the next access rebuild them lazily.
	moved := make(map[int]struct{})
	for part := 0; part < n.fn.Partitions; part++ {
		if prev.Primary(part) != next.Primary(part) {
			moved[part] = struct{}{}
		}
	}
	n.near.DropPartitions(moved, n.fn.PartitionOf)
	n.dropShadowHolders(moved)

	n.rebalance(prev, next, snap)

	// Rebalance complete: the prior mapping is no longer needed by
	// in-flight transactions (prepare detects moved owners regardless).
	n.assignMu.Lock()
	if n.assign == next {
		n.prev = nil
	}
	n.assignMu.Unlock()
}

// rebalance adopts partitions this node now owns and drops ones it no
// longer does. Adoption pulls a one-shot entry snapshot from the previous
// primary when it is still reachable; version guards make redundant
// transfers harmless.
func (n *Node) rebalance(prev, next *affinity.Assignment, snap *topology.Snapshot) {
	for part := 0; part < n.fn.Partitions; part++ {
		nowOwner := next.IsOwner(part, n.id)
		wasOwner := prev.IsOwner(part, n.id)

		switch {
		case nowOwner && !wasOwner:
			source := prev.Primary(part)
			if source == "" || source == n.id || !snap.Contains(source) {
				continue
			}
			n.adoptPartition(part, source)
		case wasOwner && !nowOwner:
			n.store.DropPartition(part)
		}
	}
}

func (n *Node) adoptPartition(part int, source string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	resp, err := n.trans.Send(ctx, source, &transport.Message{
		Type: transport.MsgSnapshot, From: n.id, Part: part,
	})
	if err != nil {
		n.log.Warn("partition state transfer failed",
			zap.Int("partition", part), zap.String("source", source), zap.Error(err))
		return
	}
	if resp.Error != "" {
		n.log.Warn("partition state transfer rejected",
			zap.Int("partition", part), zap.String("source", source), zap.String("error", resp.Error))
		return
	}

	var entries []partition.Entry
	if err := json.Unmarshal(resp.Value, &entries); err != nil {
		n.log.Warn("partition state transfer undecodable",
			zap.Int("partition", part), zap.String("source", source), zap.Error(err))
		return
	}
	for _, e := range entries {
		n.store.LoadEntry(part, e.Key, e.Value, e.Version)
	}
	n.log.Info("partition adopted",
		zap.Int("partition", part), zap.String("source", source), zap.Int("entries", len(entries)))
}

// dropShadowHolders forgets near-shadow registrations for keys in moved
// partitions; holders re-register on their next read through the new
// primary.
func (n *Node) dropShadowHolders(moved map[int]struct{}) {
	if len(moved) == 0 {
		return
	}
	n.shadowMu.Lock()
	defer n.shadowMu.Unlock()
	for key := range n.shadows {
		if _, hit := moved[n.fn.PartitionOf(key)]; hit {
			delete(n.shadows, key)
		}
	}
}
