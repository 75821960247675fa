package pcf

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/hashicorp/go-metrics"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

type PeerState int

const (
	PeerDiscovered PeerState = iota
	PeerConnecting
	PeerConnected
	PeerFailed
)

func (s PeerState) String() string {
	switch s {
	case PeerDiscovered:
		return "discovered"
	case PeerConnecting:
		return "connecting"
	case PeerConnected:
		return "connected"
	case PeerFailed:
		return "failed"
	default:
		return "unknown"
	}
}

func (s PeerState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *PeerState) UnmarshalText(text []byte) error {
	for state := PeerDiscovered; state <= PeerFailed; state++ {
		if state.String() == string(text) {
			*s = state
			return nil
		}
	}
	return fmt.Errorf("registry: unknown peer state %q", text)
}

// PeerInfo is a read-only view of a registered peer.
type PeerInfo struct {
	Address  string    `json:"address"`
	Name     string    `json:"name"`
	Kind     Kind      `json:"kind"`
	State    PeerState `json:"state"`
	PoolSize int       `json:"pool_size"`
	// IdleConns is how many pooled connections no send is using.
	IdleConns int       `json:"idle_conns"`
	Failures  int       `json:"failures"`
	LastSeen  time.Time `json:"last_seen"`
	// LastUsed is when a connection of the pool was last borrowed.
	LastUsed time.Time `json:"last_used"`
}

type peer struct {
	desc Descriptor
	pool *connPool

	mu       sync.Mutex
	state    PeerState
	failures int
	lastSeen time.Time
}

func (p *peer) getState() PeerState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *peer) setState(state PeerState) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state = state
}

// registry owns every known peer, keyed by address, and their pools.
type registry struct {
	tr        Transport
	clk       clock.Clock
	logger    *slog.Logger
	msink     metrics.MetricSink
	labels    []metrics.Label
	track     *tracker
	maxPool   int
	threshold int
	timeout   time.Duration

	mu     sync.RWMutex
	peers  map[string]*peer
	closed bool
	fills  singleflight.Group
}

func newRegistry(cfg *config, tr Transport, logger *slog.Logger, track *tracker) *registry {
	return &registry{
		tr:        tr,
		clk:       cfg.clock,
		logger:    logger.With(LabelComponent.L("registry")),
		msink:     cfg.msink,
		labels:    cfg.metricLabels,
		track:     track,
		maxPool:   cfg.maxPoolSize,
		threshold: cfg.failureThreshold,
		timeout:   cfg.dialTimeout,
		peers:     make(map[string]*peer),
	}
}

// RegisterPeer is idempotent for live peers. It returns true when the peer
// is new or was restarted from the failed state.
func (r *registry) RegisterPeer(desc Descriptor) bool {
	r.mu.Lock()
	p, ok := r.peers[desc.Address]
	if !ok {
		p = &peer{
			desc:     desc,
			pool:     newConnPool(r.maxPool),
			state:    PeerDiscovered,
			lastSeen: r.clk.Now(),
		}
		r.peers[desc.Address] = p
	}
	r.mu.Unlock()

	if !ok {
		r.logger.Info("peer registered", "peer", desc)
		r.msink.IncrCounterWithLabels(
			MetricPcfPeerRegisteredCount,
			1.0,
			withLabels(r.labels, LabelKind.M(string(desc.Kind))),
		)
		return true
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.lastSeen = r.clk.Now()
	if p.state != PeerFailed {
		return false
	}
	p.state = PeerDiscovered
	p.failures = 0
	if desc.Name != "" {
		p.desc.Name = desc.Name
	}
	r.logger.Info("failed peer restarted", "peer", desc)
	return true
}

func (r *registry) lookup(addr string) (*peer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.peers[addr]
	return p, ok
}

// Known reports whether addr is registered, whatever its state.
func (r *registry) Known(addr string) bool {
	_, ok := r.lookup(addr)
	return ok
}

// GetConnection borrows a connection in round-robin order, filling the
// pool first when it is empty. The caller MUST give it back with
// ReportSend.
func (r *registry) GetConnection(ctx context.Context, addr string) (*pooledConn, error) {
	p, ok := r.lookup(addr)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPeer, addr)
	}
	if p.getState() == PeerFailed {
		return nil, fmt.Errorf("%w: %s: %w", ErrConnection, addr, ErrPeerFailed)
	}

	for {
		if c, ok := p.pool.next(r.clk.Now()); ok {
			return c, nil
		}
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrConnection, addr, err)
		}
		if err := r.fill(ctx, p); err != nil {
			return nil, err
		}
		// a concurrent failure may have drained what we just filled.
		if p.getState() == PeerFailed {
			return nil, fmt.Errorf("%w: %s: %w", ErrConnection, addr, ErrPeerFailed)
		}
	}
}

// fill dials up to the pool capacity concurrently. Fills of the same peer
// are single-flighted so concurrent borrowers never over-fill the pool.
// The dials outlive a caller giving up, they are only bounded by the dial
// timeout, so one impatient caller never fails the peer for the others.
func (r *registry) fill(ctx context.Context, p *peer) error {
	addr := p.desc.Address
	dialCtx := context.WithoutCancel(ctx)
	ch := r.fills.DoChan(addr, func() (any, error) {
		room := p.pool.room()
		if room < r.maxPool {
			// filled by a previous flight.
			return nil, nil
		}
		p.setState(PeerConnecting)

		var (
			g      errgroup.Group
			errMu  sync.Mutex
			causes error
		)
		for range room {
			g.Go(func() error {
				dctx, cancel := withDeadline(dialCtx, r.timeout)
				defer cancel()

				conn, err := r.tr.Connect(dctx, p.desc)
				if err != nil {
					r.track.Error("pool", err)
					errMu.Lock()
					causes = multierr.Append(causes, err)
					errMu.Unlock()
					return nil
				}
				if r.isClosed() || !p.pool.add(&pooledConn{Conn: conn}) {
					conn.Close()
				}
				return nil
			})
		}
		g.Wait()

		size := p.pool.size()
		r.msink.SetGaugeWithLabels(
			MetricPcfPoolSize,
			float32(size),
			withLabels(r.labels, LabelPeerAddr.M(addr)),
		)
		if size == 0 {
			r.markFailed(p, "every connection attempt failed")
			return nil, fmt.Errorf("%w: %s: %w", ErrConnection, addr, causes)
		}

		p.setState(PeerConnected)
		return nil, nil
	})

	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return fmt.Errorf("%w: %s: %w", ErrConnection, addr, ctx.Err())
	}
}

// ReportSend gives back a borrowed connection with the outcome of the send
// made on it.
func (r *registry) ReportSend(addr string, c *pooledConn, sendErr error) {
	c.release()
	p, ok := r.lookup(addr)
	if !ok {
		return
	}

	if sendErr == nil {
		p.mu.Lock()
		p.failures = 0
		p.lastSeen = r.clk.Now()
		p.mu.Unlock()
		return
	}

	if p.pool.remove(c) {
		c.Close()
	}

	p.mu.Lock()
	p.failures++
	evict := p.failures >= r.threshold && p.state != PeerFailed
	p.mu.Unlock()
	if evict {
		r.markFailed(p, fmt.Sprintf("%d consecutive send failures", r.threshold))
	}
}

func (r *registry) markFailed(p *peer, reason string) {
	p.mu.Lock()
	p.state = PeerFailed
	p.mu.Unlock()

	var err error
	for _, c := range p.pool.drain() {
		err = multierr.Append(err, c.Close())
	}
	r.logger.Warn("peer failed", "peer", p.desc, "reason", reason, LabelError.L(err))
	r.msink.IncrCounterWithLabels(
		MetricPcfPeerFailedCount,
		1.0,
		withLabels(r.labels, LabelPeerAddr.M(p.desc.Address)),
	)
	r.msink.SetGaugeWithLabels(
		MetricPcfPoolSize,
		0,
		withLabels(r.labels, LabelPeerAddr.M(p.desc.Address)),
	)
}

// Connect registers the peer (restarting it if failed) and fills its pool.
func (r *registry) Connect(ctx context.Context, desc Descriptor) error {
	r.RegisterPeer(desc)
	c, err := r.GetConnection(ctx, desc.Address)
	if err != nil {
		return err
	}
	r.ReportSend(desc.Address, c, nil)
	return nil
}

// ConnectedPeers returns the addresses of every peer in the connected state.
func (r *registry) ConnectedPeers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	for addr, p := range r.peers {
		if p.getState() == PeerConnected {
			out = append(out, addr)
		}
	}
	sort.Strings(out)
	return out
}

func (r *registry) Peers() []PeerInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]PeerInfo, 0, len(r.peers))
	for _, p := range r.peers {
		p.mu.Lock()
		out = append(out, PeerInfo{
			Address:  p.desc.Address,
			Name:     p.desc.Name,
			Kind:     p.desc.Kind,
			State:    p.state,
			Failures: p.failures,
			LastSeen: p.lastSeen,
		})
		p.mu.Unlock()
		info := &out[len(out)-1]
		info.PoolSize = p.pool.size()
		info.IdleConns, info.LastUsed = p.pool.usage()
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Address < out[j].Address
	})
	return out
}

func (r *registry) isClosed() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.closed
}

// Close drains every pool. Connections dialed afterwards are closed right
// away.
func (r *registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	var err error
	for _, p := range r.peers {
		for _, c := range p.pool.drain() {
			err = multierr.Append(err, c.Close())
		}
	}
	return err
}
