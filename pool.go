package pcf

import (
	"sync"
	"sync/atomic"
	"time"
)

// pooledConn is a Conn owned by exactly one pool.
type pooledConn struct {
	Conn
	inUse    atomic.Int32
	lastUsed atomic.Int64
}

func (c *pooledConn) borrow(now time.Time) {
	c.inUse.Add(1)
	c.lastUsed.Store(now.UnixNano())
}

func (c *pooledConn) release() {
	c.inUse.Add(-1)
}

// Idle reports whether no send currently uses the connection.
func (c *pooledConn) Idle() bool {
	return c.inUse.Load() <= 0
}

// LastUsed is the zero time for a connection never borrowed.
func (c *pooledConn) LastUsed() time.Time {
	ns := c.lastUsed.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// connPool rotates the connections of a peer. Its size is always within
// [0, max].
type connPool struct {
	max   int
	mu    sync.Mutex
	conns []*pooledConn
}

func newConnPool(max int) *connPool {
	return &connPool{
		max:   max,
		conns: make([]*pooledConn, 0, max),
	}
}

// next pops the front connection and pushes it back, both under the same
// critical section.
func (p *connPool) next(now time.Time) (*pooledConn, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.conns) == 0 {
		return nil, false
	}
	c := p.conns[0]
	copy(p.conns, p.conns[1:])
	p.conns[len(p.conns)-1] = c
	c.borrow(now)
	return c, true
}

// add returns false when the pool is full, the caller keeps ownership of c.
func (p *connPool) add(c *pooledConn) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.conns) >= p.max {
		return false
	}
	p.conns = append(p.conns, c)
	return true
}

func (p *connPool) remove(c *pooledConn) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, pc := range p.conns {
		if pc == c {
			p.conns = append(p.conns[:i], p.conns[i+1:]...)
			return true
		}
	}
	return false
}

// drain empties the pool and hands the connections to the caller.
func (p *connPool) drain() []*pooledConn {
	p.mu.Lock()
	defer p.mu.Unlock()
	drained := p.conns
	p.conns = make([]*pooledConn, 0, p.max)
	return drained
}

func (p *connPool) size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.conns)
}

// usage counts the idle connections and returns when one was last
// borrowed.
func (p *connPool) usage() (idle int, lastUsed time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, c := range p.conns {
		if c.Idle() {
			idle++
		}
		if used := c.LastUsed(); used.After(lastUsed) {
			lastUsed = used
		}
	}
	return idle, lastUsed
}

func (p *connPool) room() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.max - len(p.conns)
}
