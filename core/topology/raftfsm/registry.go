// Package raftfsm implements the replicated control-plane membership
// registry as a hashicorp/raft finite state machine. Join and leave events
// are raft log commands, so every controller replica agrees on membership
// and on the attribute set each node joined with.
package raftfsm

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/hashicorp/raft"
	"go.uber.org/zap"

	"github.com/meshcache/meshcache/core/topology"
)

// Command operations.
const (
	OpJoin    = "join"
	OpLeave   = "leave"
	OpSetAttr = "set-attribute"
)

// Command is one replicated membership change.
type Command struct {
	Op     string          `json:"op"`
	Member topology.Member `json:"member,omitempty"`
	NodeID string          `json:"node_id,omitempty"`
	// Attr and Value carry a set-attribute change for NodeID.
	Attr  string `json:"attr,omitempty"`
	Value string `json:"value,omitempty"`
}

// Encode marshals a command for raft.Apply.
func (c Command) Encode() ([]byte, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("encode registry command: %w", err)
	}
	return data, nil
}

// Registry is the replicated membership state. It implements raft.FSM.
type Registry struct {
	mu         sync.RWMutex
	members    map[string]topology.Member
	generation int64
	applied    uint64

	changed chan struct{}
	log     *zap.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(log *zap.Logger) *Registry {
	if log == nil {
		log = zap.NewNop()
	}
	return &Registry{
		members: make(map[string]topology.Member),
		changed: make(chan struct{}, 1),
		log:     log.Named("registry"),
	}
}

// Apply applies a replicated command. Called by raft on the leader and all
// followers.
func (r *Registry) Apply(entry *raft.Log) interface{} {
	var cmd Command
	if err := json.Unmarshal(entry.Data, &cmd); err != nil {
		r.log.Error("failed to decode registry command", zap.Error(err))
		return fmt.Errorf("decode registry command: %w", err)
	}

	r.mu.Lock()
	r.applied = entry.Index
	switch cmd.Op {
	case OpJoin:
		r.members[cmd.Member.ID] = cmd.Member
		r.generation++
	case OpLeave:
		if _, ok := r.members[cmd.NodeID]; ok {
			delete(r.members, cmd.NodeID)
			r.generation++
		}
	case OpSetAttr:
		if m, ok := r.members[cmd.NodeID]; ok {
			attrs := make(topology.Attributes, len(m.Attributes)+1)
			for k, v := range m.Attributes {
				attrs[k] = v
			}
			attrs[cmd.Attr] = cmd.Value
			m.Attributes = attrs
			r.members[cmd.NodeID] = m
			r.generation++
		}
	default:
		r.mu.Unlock()
		r.log.Warn("unknown registry command", zap.String("op", cmd.Op))
		return fmt.Errorf("unknown registry command %q", cmd.Op)
	}
	gen := r.generation
	r.mu.Unlock()

	r.notify()
	r.log.Debug("registry command applied",
		zap.String("op", cmd.Op), zap.Int64("generation", gen), zap.Uint64("index", entry.Index))
	return gen
}

// Members returns the current membership, sorted by node id.
func (r *Registry) Members() []topology.Member {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]topology.Member, 0, len(r.members))
	for _, m := range r.members {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Generation returns the membership generation, which increases with every
// effective change.
func (r *Registry) Generation() int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.generation
}

// Changed signals (with a one-element buffer) after every applied change.
func (r *Registry) Changed() <-chan struct{} {
	return r.changed
}

func (r *Registry) notify() {
	select {
	case r.changed <- struct{}{}:
	default:
	}
}

// snapshotState is the serialized registry state.
type snapshotState struct {
	Members    map[string]topology.Member `json:"members"`
	Generation int64                      `json:"generation"`
}

// Snapshot returns a point-in-time copy of the registry for raft log
// truncation.
func (r *Registry) Snapshot() (raft.FSMSnapshot, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	members := make(map[string]topology.Member, len(r.members))
	for id, m := range r.members {
		members[id] = m
	}
	return &registrySnapshot{state: snapshotState{
		Members:    members,
		Generation: r.generation,
	}}, nil
}

// Restore replaces the registry state from a snapshot, e.g. when a
// controller replica rejoins after falling behind.
func (r *Registry) Restore(rc io.ReadCloser) error {
	defer rc.Close()

	var state snapshotState
	if err := json.NewDecoder(rc).Decode(&state); err != nil {
		return fmt.Errorf("decode registry snapshot: %w", err)
	}

	r.mu.Lock()
	r.members = state.Members
	if r.members == nil {
		r.members = make(map[string]topology.Member)
	}
	r.generation = state.Generation
	r.mu.Unlock()

	r.notify()
	r.log.Info("registry restored from snapshot", zap.Int64("generation", state.Generation))
	return nil
}

// registrySnapshot implements raft.FSMSnapshot.
type registrySnapshot struct {
	state snapshotState
}

func (s *registrySnapshot) Persist(sink raft.SnapshotSink) error {
	data, err := json.Marshal(s.state)
	if err != nil {
		sink.Cancel()
		return fmt.Errorf("marshal registry snapshot: %w", err)
	}
	if _, err := sink.Write(data); err != nil {
		sink.Cancel()
		return fmt.Errorf("write registry snapshot: %w", err)
	}
	return sink.Close()
}

func (s *registrySnapshot) Release() {}
