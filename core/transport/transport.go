// Package transport carries the cache protocol between nodes: lock
// requests, replication, and near-cache pushes. The core is written against
// the Transport interface; an in-memory bus backs tests and a pooled-TCP
// implementation backs deployments. Transport security, when configured,
// stays below this interface and is transparent to the core.
package transport

import (
	"context"
	"errors"
)

// Message types.
const (
	MsgLock        = "lock"
	MsgUnlock      = "unlock"
	MsgRead        = "read"
	MsgCommitWrite = "commit_write"
	MsgReplicate   = "replicate"
	MsgNearPush    = "near_push"
	MsgSnapshot    = "snapshot"
	MsgAck         = "ack"
	MsgError       = "error"
)

// Message is one request or response frame. A single struct covers the
// whole protocol; unused fields are omitted on the wire.
type Message struct {
	Type    string `json:"type"`
	From    string `json:"from,omitempty"`
	TxID    string `json:"tx_id,omitempty"`
	Part    int    `json:"part"`
	Key     string `json:"key,omitempty"`
	Value   []byte `json:"value,omitempty"`
	Version uint64 `json:"version,omitempty"`
	Found   bool   `json:"found,omitempty"`
	// TimeoutMS bounds a lock wait on the receiving side.
	TimeoutMS int64 `json:"timeout_ms,omitempty"`
	// Error carries a protocol error code (see core/grid wire codes).
	Error string `json:"error,omitempty"`
}

// Handler processes one inbound message and produces the response.
type Handler func(ctx context.Context, msg *Message) (*Message, error)

// Transport sends protocol messages to peers and dispatches inbound ones.
type Transport interface {
	// Send delivers msg to the given node and returns its response. A
	// delivery failure (unreachable node, closed transport) returns an
	// error; protocol-level failures travel in the response's Error field.
	Send(ctx context.Context, nodeID string, msg *Message) (*Message, error)
	// RegisterHandler installs the inbound dispatcher. Must be called
	// before the transport starts receiving.
	RegisterHandler(h Handler)
	// Close releases transport resources.
	Close() error
}

// ErrNodeUnreachable is returned when the target node cannot be reached.
var ErrNodeUnreachable = errors.New("node unreachable")
