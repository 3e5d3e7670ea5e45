package topology

import (
	"sync"

	"go.uber.org/zap"
)

// View is a node's live picture of cluster membership. It is read
// concurrently by every transaction and mutated only by the discovery event
// handlers; readers always get a single immutable snapshot.
type View struct {
	mu   sync.RWMutex
	snap *Snapshot
	gate *Gate
	subs []chan *Snapshot
	log  *zap.Logger
}

// NewView creates a view seeded with the local member at version 1.
func NewView(local Member, gate *Gate, log *zap.Logger) *View {
	if gate == nil {
		gate = NewGate(nil, nil, log)
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &View{
		snap: &Snapshot{Version: 1, Members: []Member{local}},
		gate: gate,
		log:  log.Named("topology"),
	}
}

// Current returns the current snapshot. The pointer is immutable; callers
// may hold it for the duration of an affinity lookup or a transaction.
func (v *View) Current() *Snapshot {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.snap
}

// Subscribe returns a channel receiving each new snapshot. The channel has a
// one-element buffer and drops intermediate snapshots when the subscriber
// lags; only the latest matters for affinity recomputation.
func (v *View) Subscribe() <-chan *Snapshot {
	ch := make(chan *Snapshot, 1)
	v.mu.Lock()
	v.subs = append(v.subs, ch)
	v.mu.Unlock()
	return ch
}

// OnNodeJoined admits a node after the attribute gate passes against every
// existing member. A gate failure returns ErrRejected (wrapped with the
// divergent attribute) and leaves the topology unchanged.
func (v *View) OnNodeJoined(m Member) error {
	v.mu.Lock()

	for _, existing := range v.snap.Members {
		if err := v.gate.Check(existing.Attributes, m.Attributes); err != nil {
			v.mu.Unlock()
			v.log.Warn("rejected joining node", zap.String("node", m.ID), zap.Error(err))
			return err
		}
	}

	next := v.snap.withMember(m)
	v.snap = next
	v.mu.Unlock()

	v.log.Info("node joined", zap.String("node", m.ID), zap.Int64("version", next.Version))
	v.notify(next)
	return nil
}

// OnNodeLeft removes a node from the topology.
func (v *View) OnNodeLeft(id string) {
	v.mu.Lock()
	if !v.snap.Contains(id) {
		v.mu.Unlock()
		return
	}
	next := v.snap.withoutMember(id)
	v.snap = next
	v.mu.Unlock()

	v.log.Info("node left", zap.String("node", id), zap.Int64("version", next.Version))
	v.notify(next)
}

// OnTopologyChanged installs a full membership snapshot from the discovery
// collaborator, e.g. after recovering the control-plane registry state.
// Older versions than the current snapshot are ignored.
func (v *View) OnTopologyChanged(version int64, members []Member) {
	v.mu.Lock()
	if version <= v.snap.Version {
		v.mu.Unlock()
		return
	}
	next := &Snapshot{Version: version, Members: members}
	v.snap = next
	v.mu.Unlock()

	v.log.Info("topology changed", zap.Int64("version", version), zap.Int("members", len(members)))
	v.notify(next)
}

func (v *View) notify(snap *Snapshot) {
	v.mu.RLock()
	subs := v.subs
	v.mu.RUnlock()
	for _, ch := range subs {
		// Latest-wins delivery: drain a stale snapshot if the subscriber
		// has not consumed it yet.
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- snap:
		default:
		}
	}
}
