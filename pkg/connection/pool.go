// Package connection provides a thread-safe TCP connection pool keyed by
// remote address. The cache transport uses it to reuse connections to peer
// nodes for lock requests, replication, and near-cache pushes.
package connection

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"
)

// ErrClosed is returned by Get once CloseAll has shut the manager down.
var ErrClosed = errors.New("connection pool closed")

// PooledConn wraps a net.Conn with a handle back to its pool. Close returns
// the connection for reuse; Discard closes the underlying socket, which is
// what callers must do after an I/O error.
type PooledConn struct {
	net.Conn
	pool *hostPool
}

// Close returns the connection to its pool for reuse.
func (c *PooledConn) Close() error {
	if c.pool == nil {
		return fmt.Errorf("connection already released")
	}
	c.pool.put(c.Conn)
	c.pool = nil
	return nil
}

// Discard closes the underlying connection instead of returning it to the
// pool. Use after a write or read error left the stream in an unknown state.
func (c *PooledConn) Discard() error {
	if c.pool != nil {
		c.pool.mu.Lock()
		c.pool.open--
		c.pool.mu.Unlock()
		c.pool = nil
	}
	return c.Conn.Close()
}

// hostPool holds idle connections for a single remote address.
type hostPool struct {
	mu     sync.Mutex
	idle   chan net.Conn
	done   chan struct{}
	closed bool
	dial   func() (net.Conn, error)
	open   int
	limit  int
}

func (p *hostPool) get() (net.Conn, error) {
	select {
	case conn := <-p.idle:
		return conn, nil
	default:
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrClosed
	}
	if p.open >= p.limit {
		p.mu.Unlock()
		// At capacity; wait for an idle connection or shutdown.
		select {
		case conn := <-p.idle:
			return conn, nil
		case <-p.done:
			return nil, ErrClosed
		}
	}
	p.open++
	p.mu.Unlock()

	conn, err := p.dial()
	if err != nil {
		p.mu.Lock()
		p.open--
		p.mu.Unlock()
		return nil, err
	}
	return conn, nil
}

func (p *hostPool) put(conn net.Conn) {
	p.mu.Lock()
	if p.closed {
		p.open--
		p.mu.Unlock()
		conn.Close()
		return
	}
	select {
	case p.idle <- conn:
		p.mu.Unlock()
	default:
		// Idle buffer full.
		p.open--
		p.mu.Unlock()
		conn.Close()
	}
}

// close marks the pool closed, wakes blocked getters, and drains idle
// connections. Connections still checked out are closed on return via put.
func (p *hostPool) close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.done)
	for {
		select {
		case conn := <-p.idle:
			p.open--
			conn.Close()
		default:
			p.mu.Unlock()
			return
		}
	}
}

// Manager owns one hostPool per remote address.
type Manager struct {
	mu          sync.RWMutex
	pools       map[string]*hostPool
	maxPerHost  int
	dialTimeout time.Duration
}

// NewManager creates a connection pool manager. maxPerHost bounds the open
// connections per remote address; dialTimeout applies to new connections.
func NewManager(maxPerHost int, dialTimeout time.Duration) *Manager {
	if maxPerHost <= 0 {
		maxPerHost = 4
	}
	return &Manager{
		pools:       make(map[string]*hostPool),
		maxPerHost:  maxPerHost,
		dialTimeout: dialTimeout,
	}
}

// Get returns a pooled connection to addr, dialing one if needed.
func (m *Manager) Get(addr string) (*PooledConn, error) {
	m.mu.RLock()
	pool, ok := m.pools[addr]
	m.mu.RUnlock()

	if !ok {
		m.mu.Lock()
		pool, ok = m.pools[addr]
		if !ok {
			pool = &hostPool{
				idle:  make(chan net.Conn, m.maxPerHost),
				done:  make(chan struct{}),
				limit: m.maxPerHost,
				dial: func() (net.Conn, error) {
					return net.DialTimeout("tcp", addr, m.dialTimeout)
				},
			}
			m.pools[addr] = pool
		}
		m.mu.Unlock()
	}

	conn, err := pool.get()
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return &PooledConn{Conn: conn, pool: pool}, nil
}

// CloseAll closes every idle connection and drops all pools. Connections
// checked out at the time are closed when their holders release them.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, pool := range m.pools {
		pool.close()
	}
	m.pools = make(map[string]*hostPool)
}
