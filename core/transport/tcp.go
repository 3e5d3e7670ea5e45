package transport

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/meshcache/meshcache/pkg/connection"
)

// maxFrame bounds a single wire frame. Entries are cache values, not blobs.
const maxFrame = 16 << 20

// TCPTransport exchanges length-prefixed JSON frames over pooled TCP
// connections. Each Send writes one request frame and reads one response
// frame on a pooled connection.
type TCPTransport struct {
	local string
	pool  *connection.Manager
	log   *zap.Logger

	mu      sync.RWMutex
	peers   map[string]string // node id -> addr
	handler Handler
	// accepted holds live inbound connections so Close can unblock their
	// readers.
	accepted map[net.Conn]struct{}

	ln     net.Listener
	closed chan struct{}
	wg     sync.WaitGroup
}

// NewTCP creates a TCP transport listening on listenAddr. peers maps node
// ids to their listen addresses and may be extended later with AddPeer.
func NewTCP(local, listenAddr string, peers map[string]string, log *zap.Logger) (*TCPTransport, error) {
	if log == nil {
		log = zap.NewNop()
	}
	ln, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", listenAddr, err)
	}

	t := &TCPTransport{
		local:    local,
		pool:     connection.NewManager(8, 3*time.Second),
		log:      log.Named("transport"),
		peers:    make(map[string]string, len(peers)),
		accepted: make(map[net.Conn]struct{}),
		ln:       ln,
		closed:   make(chan struct{}),
	}
	for id, addr := range peers {
		t.peers[id] = addr
	}

	t.wg.Add(1)
	go t.acceptLoop()
	return t, nil
}

// Addr returns the transport's bound listen address.
func (t *TCPTransport) Addr() string {
	return t.ln.Addr().String()
}

// AddPeer registers or updates a peer address.
func (t *TCPTransport) AddPeer(nodeID, addr string) {
	t.mu.Lock()
	t.peers[nodeID] = addr
	t.mu.Unlock()
}

func (t *TCPTransport) RegisterHandler(h Handler) {
	t.mu.Lock()
	t.handler = h
	t.mu.Unlock()
}

func (t *TCPTransport) Send(ctx context.Context, nodeID string, msg *Message) (*Message, error) {
	t.mu.RLock()
	addr, ok := t.peers[nodeID]
	t.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no address for node %s: %w", nodeID, ErrNodeUnreachable)
	}

	if msg.From == "" {
		msg.From = t.local
	}

	conn, err := t.pool.Get(addr)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", nodeID, ErrNodeUnreachable)
	}

	if deadline, has := ctx.Deadline(); has {
		_ = conn.SetDeadline(deadline)
	} else {
		_ = conn.SetDeadline(time.Now().Add(30 * time.Second))
	}

	if err := writeFrame(conn, msg); err != nil {
		conn.Discard()
		return nil, fmt.Errorf("send to %s: %w", nodeID, err)
	}
	resp, err := readFrame(conn)
	if err != nil {
		conn.Discard()
		return nil, fmt.Errorf("receive from %s: %w", nodeID, err)
	}
	_ = conn.SetDeadline(time.Time{})
	conn.Close()
	return resp, nil
}

func (t *TCPTransport) Close() error {
	select {
	case <-t.closed:
		return nil
	default:
	}
	close(t.closed)
	err := t.ln.Close()

	// Inbound readers park in readFrame with no deadline; closing their
	// connections is what unblocks them.
	t.mu.Lock()
	for conn := range t.accepted {
		conn.Close()
	}
	t.mu.Unlock()

	t.pool.CloseAll()
	t.wg.Wait()
	return err
}

func (t *TCPTransport) acceptLoop() {
	defer t.wg.Done()
	for {
		conn, err := t.ln.Accept()
		if err != nil {
			select {
			case <-t.closed:
				return
			default:
				t.log.Warn("accept failed", zap.Error(err))
				return
			}
		}

		t.mu.Lock()
		select {
		case <-t.closed:
			t.mu.Unlock()
			conn.Close()
			return
		default:
		}
		t.accepted[conn] = struct{}{}
		t.wg.Add(1)
		t.mu.Unlock()

		go t.serveConn(conn)
	}
}

// serveConn handles one inbound connection, answering request frames until
// the peer closes it or the transport shuts down.
func (t *TCPTransport) serveConn(conn net.Conn) {
	defer t.wg.Done()
	defer func() {
		t.mu.Lock()
		delete(t.accepted, conn)
		t.mu.Unlock()
		conn.Close()
	}()

	for {
		select {
		case <-t.closed:
			return
		default:
		}

		msg, err := readFrame(conn)
		if err != nil {
			if err != io.EOF {
				t.log.Debug("connection read failed", zap.Error(err))
			}
			return
		}

		t.mu.RLock()
		h := t.handler
		t.mu.RUnlock()

		var resp *Message
		if h == nil {
			resp = &Message{Type: MsgError, Error: "no handler registered"}
		} else {
			resp, err = h(context.Background(), msg)
			if err != nil {
				resp = &Message{Type: MsgError, Error: err.Error()}
			}
		}
		if err := writeFrame(conn, resp); err != nil {
			t.log.Debug("connection write failed", zap.Error(err))
			return
		}
	}
}

func writeFrame(w io.Writer, msg *Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(payload)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err = w.Write(payload)
	return err
}

func readFrame(r io.Reader) (*Message, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n > maxFrame {
		return nil, fmt.Errorf("frame of %d bytes exceeds limit", n)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	var msg Message
	if err := json.Unmarshal(payload, &msg); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	return &msg, nil
}
