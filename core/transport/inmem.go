package transport

import (
	"context"
	"fmt"
	"sync"
)

// Bus is an in-process message bus connecting the transports of several
// nodes running in one test binary. It can sever individual nodes to
// simulate unreachable backups and partitioned peers.
type Bus struct {
	mu    sync.RWMutex
	nodes map[string]*busTransport
	down  map[string]bool
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{
		nodes: make(map[string]*busTransport),
		down:  make(map[string]bool),
	}
}

// Attach registers a node on the bus and returns its transport.
func (b *Bus) Attach(nodeID string) Transport {
	t := &busTransport{bus: b, local: nodeID}
	b.mu.Lock()
	b.nodes[nodeID] = t
	b.mu.Unlock()
	return t
}

// Sever makes a node unreachable for every sender until Heal.
func (b *Bus) Sever(nodeID string) {
	b.mu.Lock()
	b.down[nodeID] = true
	b.mu.Unlock()
}

// Heal reconnects a severed node.
func (b *Bus) Heal(nodeID string) {
	b.mu.Lock()
	delete(b.down, nodeID)
	b.mu.Unlock()
}

type busTransport struct {
	bus     *Bus
	local   string
	mu      sync.RWMutex
	handler Handler
	closed  bool
}

func (t *busTransport) RegisterHandler(h Handler) {
	t.mu.Lock()
	t.handler = h
	t.mu.Unlock()
}

func (t *busTransport) Send(ctx context.Context, nodeID string, msg *Message) (*Message, error) {
	t.mu.RLock()
	closed := t.closed
	t.mu.RUnlock()
	if closed {
		return nil, fmt.Errorf("send from %s: transport closed", t.local)
	}

	t.bus.mu.RLock()
	target, ok := t.bus.nodes[nodeID]
	down := t.bus.down[nodeID] || t.bus.down[t.local]
	t.bus.mu.RUnlock()
	if !ok || down {
		return nil, fmt.Errorf("send to %s: %w", nodeID, ErrNodeUnreachable)
	}

	target.mu.RLock()
	h := target.handler
	target.mu.RUnlock()
	if h == nil {
		return nil, fmt.Errorf("send to %s: no handler registered: %w", nodeID, ErrNodeUnreachable)
	}

	if msg.From == "" {
		msg.From = t.local
	}
	return h(ctx, msg)
}

func (t *busTransport) Close() error {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	t.bus.mu.Lock()
	delete(t.bus.nodes, t.local)
	t.bus.mu.Unlock()
	return nil
}
