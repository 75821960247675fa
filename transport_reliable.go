package pcf

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/hashicorp/mdns"
	"github.com/raskyld/pcf/pkg/wire"
	"go.uber.org/multierr"
)

// MDNSConfig controls the local-network announcement of a reliable
// transport.
type MDNSConfig struct {
	Disabled bool   `toml:"disabled"`
	Service  string `toml:"service"`
	Domain   string `toml:"domain"`
	// Iface restricts announcement and queries to one interface.
	Iface string `toml:"iface"`
}

// ReliableConfig represents configuration of the reliable transport.
type ReliableConfig struct {
	// ListenAddr is where the transport accepts sessions, in host:port form.
	ListenAddr string

	// Network is either `NetworkTCP` (yamux sessions) or `NetworkQUIC`.
	Network string

	// TlsConfig is mandatory for the QUIC network. It should enforce mTLS
	// between the peers.
	TlsConfig *tls.Config

	// DialTimeout controls how much time we wait for session establishment.
	DialTimeout time.Duration

	// MaxFrameSize bounds every request and response.
	MaxFrameSize int

	MDNS MDNSConfig

	// LogHandler to use for emitting structured logs.
	LogHandler slog.Handler

	// MetricSink to use for emitting metrics.
	MetricSink metrics.MetricSink

	// MetricsLabels to add to every metrics emitted by the transport.
	MetricLabels []metrics.Label
}

// ReliableTransport sends acknowledged messages over multiplexed streams.
// Each pooled Conn is one stream, streams to the same address share a
// session.
type ReliableTransport struct {
	cfg    *ReliableConfig
	net    network
	logger *slog.Logger
	msink  metrics.MetricSink

	// graceful termination asked, do not spam of connection error in logs
	gracefulTerm atomic.Bool

	handler  atomic.Pointer[ReceiveHandler]
	stateFns []func(bool)
	stateMu  sync.Mutex

	self    atomic.Pointer[Descriptor]
	ln      listener
	mdnsSrv *mdns.Server
	lnMu    sync.Mutex

	sessions   map[string][]session
	inbound    map[session]struct{}
	sessionsMu sync.RWMutex
	connSeq    atomic.Uint64

	wg sync.WaitGroup
}

func NewReliableTransport(cfg *ReliableConfig) (*ReliableTransport, error) {
	nw, err := newNetwork(cfg.Network, cfg.TlsConfig)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfig, err)
	}

	t := &ReliableTransport{
		cfg:      cfg,
		net:      nw,
		sessions: make(map[string][]session),
		inbound:  make(map[session]struct{}),
	}

	if cfg.LogHandler == nil {
		t.logger = slog.Default()
	} else {
		t.logger = slog.New(cfg.LogHandler)
	}
	t.logger = t.logger.With(LabelComponent.L("reliable"))

	if cfg.MetricSink == nil {
		t.msink = metrics.Default()
	} else {
		t.msink = cfg.MetricSink
	}

	if cfg.MaxFrameSize <= 0 {
		cfg.MaxFrameSize = wire.DefaultMaxFrameSize
	}
	if cfg.MDNS.Service == "" {
		cfg.MDNS.Service = "_pcf._tcp"
	}
	if cfg.MDNS.Domain == "" {
		cfg.MDNS.Domain = "local."
	}
	return t, nil
}

func (t *ReliableTransport) Kind() Kind {
	return KindReliable
}

// Addr returns the bound address, nil before Advertise.
func (t *ReliableTransport) Addr() net.Addr {
	t.lnMu.Lock()
	defer t.lnMu.Unlock()
	if t.ln == nil {
		return nil
	}
	return t.ln.Addr()
}

func (t *ReliableTransport) Advertise(ctx context.Context, self Descriptor) error {
	t.lnMu.Lock()
	defer t.lnMu.Unlock()
	// checked under lnMu so Close never races the listener goroutine.
	if t.gracefulTerm.Load() {
		return ErrFabricDown
	}
	if t.ln != nil {
		return nil
	}

	ln, err := t.net.listen(t.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("%w: cannot listen on %s: %w", ErrTransportUnavailable, t.cfg.ListenAddr, err)
	}
	t.ln = ln
	t.self.Store(&self)
	t.logger.Info("listening", "addr", ln.Addr().String(), "network", t.cfg.Network)

	t.wg.Add(1)
	go t.acceptSessions(ln)

	if !t.cfg.MDNS.Disabled {
		srv, err := t.announce(self, ln.Addr())
		if err != nil {
			// peers can still reach us directly.
			t.logger.Warn("mdns announcement failed", LabelError.L(err))
		} else {
			t.mdnsSrv = srv
		}
	}
	return ctx.Err()
}

func (t *ReliableTransport) announce(self Descriptor, addr net.Addr) (*mdns.Server, error) {
	_, portStr, err := net.SplitHostPort(addr.String())
	if err != nil {
		return nil, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, err
	}

	var ips []net.IP
	if host, _, err := net.SplitHostPort(t.cfg.ListenAddr); err == nil {
		if ip := net.ParseIP(host); ip != nil && !ip.IsUnspecified() {
			ips = []net.IP{ip}
		}
	}

	svc, err := mdns.NewMDNSService(
		self.Name,
		t.cfg.MDNS.Service,
		t.cfg.MDNS.Domain,
		"",
		port,
		ips,
		[]string{"id=" + self.Name, "kind=" + string(KindReliable)},
	)
	if err != nil {
		return nil, err
	}

	srvCfg := &mdns.Config{Zone: svc}
	if t.cfg.MDNS.Iface != "" {
		iface, err := net.InterfaceByName(t.cfg.MDNS.Iface)
		if err != nil {
			return nil, err
		}
		srvCfg.Iface = iface
	}
	return mdns.NewServer(srvCfg)
}

// Discover queries the local network until ctx is done.
func (t *ReliableTransport) Discover(ctx context.Context) (<-chan Descriptor, error) {
	if t.gracefulTerm.Load() {
		return nil, ErrFabricDown
	}
	if t.cfg.MDNS.Disabled {
		out := make(chan Descriptor)
		go func() {
			<-ctx.Done()
			close(out)
		}()
		return out, nil
	}

	var iface *net.Interface
	if t.cfg.MDNS.Iface != "" {
		i, err := net.InterfaceByName(t.cfg.MDNS.Iface)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrDiscovery, err)
		}
		iface = i
	}

	out := make(chan Descriptor)
	go func() {
		defer close(out)
		for ctx.Err() == nil {
			t.query(ctx, iface, out)
		}
	}()
	return out, nil
}

func (t *ReliableTransport) query(ctx context.Context, iface *net.Interface, out chan<- Descriptor) {
	timeout := time.Second
	if dl, ok := ctx.Deadline(); ok {
		if left := time.Until(dl); left < timeout {
			timeout = left
		}
	}
	if timeout <= 0 {
		return
	}

	entries := make(chan *mdns.ServiceEntry, 16)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for entry := range entries {
			desc, ok := t.descriptorOf(entry)
			if !ok {
				continue
			}
			select {
			case out <- desc:
			case <-ctx.Done():
			}
		}
	}()

	err := mdns.Query(&mdns.QueryParam{
		Service:             t.cfg.MDNS.Service,
		Domain:              t.cfg.MDNS.Domain,
		Timeout:             timeout,
		Interface:           iface,
		Entries:             entries,
		DisableIPv6:         true,
		WantUnicastResponse: true,
	})
	close(entries)
	<-done
	if err != nil && ctx.Err() == nil {
		t.logger.Debug("mdns query failed", LabelError.L(err))
		// avoid a hot loop when the network has no multicast route.
		select {
		case <-ctx.Done():
		case <-time.After(timeout):
		}
	}
}

func (t *ReliableTransport) descriptorOf(entry *mdns.ServiceEntry) (Descriptor, bool) {
	if entry == nil || entry.AddrV4 == nil {
		return Descriptor{}, false
	}
	desc := Descriptor{
		Address: net.JoinHostPort(entry.AddrV4.String(), strconv.Itoa(entry.Port)),
		Kind:    KindReliable,
	}
	for _, field := range entry.InfoFields {
		if name, ok := strings.CutPrefix(field, "id="); ok {
			desc.Name = name
		}
	}
	if desc.Name == "" || desc.Name == t.selfName() {
		return Descriptor{}, false
	}
	return desc, true
}

func (t *ReliableTransport) selfName() string {
	if self := t.self.Load(); self != nil {
		return self.Name
	}
	return ""
}

func (t *ReliableTransport) selfAddr() string {
	if self := t.self.Load(); self != nil {
		return self.Address
	}
	return ""
}

func (t *ReliableTransport) Connect(ctx context.Context, peer Descriptor) (Conn, error) {
	if t.gracefulTerm.Load() {
		return nil, ErrFabricDown
	}
	mLabels := withLabels(t.cfg.MetricLabels, LabelPeerAddr.M(peer.Address), LabelKind.M(string(KindReliable)))

	dctx, cancel := withDeadline(ctx, t.cfg.DialTimeout)
	defer cancel()

	sess, err := t.getSession(dctx, peer.Address)
	if err != nil {
		t.msink.IncrCounterWithLabels(MetricPcfConnErrorCount, 1.0, append(mLabels, LabelError.M("no_session")))
		return nil, fmt.Errorf("%w: %s: %w", ErrConnection, peer.Address, err)
	}

	st, err := sess.OpenStream(dctx)
	if err != nil {
		t.msink.IncrCounterWithLabels(MetricPcfConnErrorCount, 1.0, append(mLabels, LabelError.M("cannot_open_stream")))
		return nil, fmt.Errorf("%w: %s: %w", ErrConnection, peer.Address, err)
	}

	t.msink.IncrCounterWithLabels(MetricPcfConnEstCount, 1.0, mLabels)
	return &streamConn{
		id:     peer.Address + "#" + strconv.FormatUint(t.connSeq.Add(1), 10),
		peer:   peer.Address,
		stream: st,
	}, nil
}

func (t *ReliableTransport) Send(ctx context.Context, conn Conn, msg Outbound) (Ack, error) {
	sc, ok := conn.(*streamConn)
	if !ok {
		return Ack{}, ErrForeignConn
	}
	if t.gracefulTerm.Load() {
		return Ack{}, ErrFabricDown
	}

	mLabels := withLabels(t.cfg.MetricLabels, LabelPeerAddr.M(sc.peer))
	req := &wire.Request{
		Payload:   msg.Payload,
		Recipient: msg.Recipient,
		From:      t.selfAddr(),
	}

	sc.mu.Lock()
	defer sc.mu.Unlock()

	if dl, ok := ctx.Deadline(); ok {
		sc.stream.SetDeadline(dl)
		defer sc.stream.SetDeadline(time.Time{})
	}

	buf, err := req.Marshal()
	if err != nil {
		return Ack{}, fmt.Errorf("%w: %w", ErrSend, err)
	}
	if err := wire.WriteFrame(sc.stream, buf, t.cfg.MaxFrameSize); err != nil {
		return Ack{}, fmt.Errorf("%w: %w", ErrSend, err)
	}
	t.msink.IncrCounterWithLabels(MetricPcfFrameOutBytes, float32(len(buf)), mLabels)

	raw, err := wire.ReadFrame(sc.stream, t.cfg.MaxFrameSize)
	if err != nil {
		return Ack{}, fmt.Errorf("%w: no acknowledgement: %w", ErrSend, err)
	}
	resp, err := wire.UnmarshalResponse(raw)
	if err != nil {
		return Ack{}, fmt.Errorf("%w: %w", ErrSend, err)
	}
	return ackOf(resp), nil
}

func (t *ReliableTransport) RegisterReceiveHandler(handler ReceiveHandler) {
	t.handler.Store(&handler)
}

func (t *ReliableTransport) OnStateChange(fn func(available bool)) {
	t.stateMu.Lock()
	defer t.stateMu.Unlock()
	t.stateFns = append(t.stateFns, fn)
}

func (t *ReliableTransport) notifyState(available bool) {
	t.stateMu.Lock()
	fns := append([]func(bool){}, t.stateFns...)
	t.stateMu.Unlock()
	for _, fn := range fns {
		fn(available)
	}
}

func (t *ReliableTransport) Close() error {
	if !t.gracefulTerm.CompareAndSwap(false, true) {
		// no-op because it was already shutdown
		return nil
	}

	var err error
	t.lnMu.Lock()
	if t.mdnsSrv != nil {
		err = multierr.Append(err, t.mdnsSrv.Shutdown())
	}
	if t.ln != nil {
		err = multierr.Append(err, t.ln.Close())
	}
	t.lnMu.Unlock()

	t.sessionsMu.Lock()
	for addr, sessions := range t.sessions {
		for _, sess := range sessions {
			sess.Close()
		}
		delete(t.sessions, addr)
	}
	for sess := range t.inbound {
		sess.Close()
		delete(t.inbound, sess)
	}
	t.sessionsMu.Unlock()

	t.wg.Wait()
	return err
}

// getSession returns an open session to addr, dialing one if needed.
func (t *ReliableTransport) getSession(ctx context.Context, addr string) (session, error) {
	t.sessionsMu.RLock()
	sess, ok := t.firstOpenSession(addr)
	t.sessionsMu.RUnlock()
	if ok {
		return sess, nil
	}

	sess, err := t.net.dial(ctx, addr)
	if err != nil {
		return nil, err
	}

	t.sessionsMu.Lock()
	defer t.sessionsMu.Unlock()
	if t.gracefulTerm.Load() {
		sess.Close()
		return nil, ErrFabricDown
	}
	// someone may have dialed concurrently, prefer the existing one.
	if existing, ok := t.firstOpenSession(addr); ok {
		sess.Close()
		return existing, nil
	}
	t.trackSession(addr, sess)
	return sess, nil
}

// firstOpenSession MUST be called with sessionsMu held.
func (t *ReliableTransport) firstOpenSession(addr string) (session, bool) {
	for _, sess := range t.sessions[addr] {
		select {
		case <-sess.Closed():
		default:
			return sess, true
		}
	}
	return nil, false
}

// trackSession MUST be called with sessionsMu held.
func (t *ReliableTransport) trackSession(addr string, sess session) {
	t.sessions[addr] = append(t.sessions[addr], sess)
	t.wg.Add(1)
	go t.garbageCollect(addr, sess)
}

func (t *ReliableTransport) garbageCollect(addr string, sess session) {
	defer t.wg.Done()
	<-sess.Closed()

	t.sessionsMu.Lock()
	defer t.sessionsMu.Unlock()
	kept := t.sessions[addr][:0]
	for _, s := range t.sessions[addr] {
		if s != sess {
			kept = append(kept, s)
		}
	}
	if len(kept) == 0 {
		delete(t.sessions, addr)
	} else {
		t.sessions[addr] = kept
	}
}

func (t *ReliableTransport) acceptSessions(ln listener) {
	defer t.wg.Done()
	for {
		sess, err := ln.Accept(context.Background())
		if err != nil {
			if !t.gracefulTerm.Load() {
				t.logger.Error("listener closed unexpectedly", LabelError.L(err))
				t.dropListener(ln)
				t.notifyState(false)
			}
			return
		}

		t.sessionsMu.Lock()
		if t.gracefulTerm.Load() {
			t.sessionsMu.Unlock()
			sess.Close()
			return
		}
		t.inbound[sess] = struct{}{}
		t.wg.Add(1)
		t.sessionsMu.Unlock()

		go t.serveSession(sess)
	}
}

// dropListener forgets a dead listener so the next Advertise binds again.
func (t *ReliableTransport) dropListener(ln listener) {
	t.lnMu.Lock()
	defer t.lnMu.Unlock()
	if t.ln != ln {
		return
	}
	ln.Close()
	t.ln = nil
	if t.mdnsSrv != nil {
		t.mdnsSrv.Shutdown()
		t.mdnsSrv = nil
	}
}

func (t *ReliableTransport) serveSession(sess session) {
	defer t.wg.Done()
	defer func() {
		sess.Close()
		t.sessionsMu.Lock()
		delete(t.inbound, sess)
		t.sessionsMu.Unlock()
	}()

	remote := sess.RemoteAddr().String()
	logger := t.logger.With(LabelPeerAddr.L(remote))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-sess.Closed()
		cancel()
	}()

	for {
		st, err := sess.AcceptStream(ctx)
		if err != nil {
			if !t.gracefulTerm.Load() && ctx.Err() == nil {
				logger.Debug("session ended", LabelError.L(err))
			}
			return
		}
		t.wg.Add(1)
		go t.serveStream(ctx, remote, st)
	}
}

// serveStream answers every request of a stream in order until the remote
// closes it.
func (t *ReliableTransport) serveStream(ctx context.Context, remote string, st stream) {
	defer t.wg.Done()
	defer st.Close()

	logger := t.logger.With(LabelPeerAddr.L(remote))
	mLabels := withLabels(t.cfg.MetricLabels, LabelPeerAddr.M(remote))

	for {
		raw, err := wire.ReadFrame(st, t.cfg.MaxFrameSize)
		if err != nil {
			if !errors.Is(err, io.EOF) && !t.gracefulTerm.Load() && ctx.Err() == nil {
				logger.Debug("stream ended", LabelError.L(err))
			}
			return
		}
		t.msink.IncrCounterWithLabels(MetricPcfFrameInBytes, float32(len(raw)), mLabels)

		resp := t.receive(ctx, remote, raw)
		if err := wire.WriteMessage(st, resp, t.cfg.MaxFrameSize); err != nil {
			logger.Warn("cannot acknowledge request", LabelError.L(err))
			return
		}
	}
}

func (t *ReliableTransport) receive(ctx context.Context, remote string, raw []byte) *wire.Response {
	req, err := wire.UnmarshalRequest(raw)
	if err != nil {
		return &wire.Response{Code: wire.StatusBadRequest, Message: err.Error()}
	}

	h := t.handler.Load()
	if h == nil {
		return &wire.Response{Code: wire.StatusUnavailable, Message: "no handler registered"}
	}

	from := req.From
	if from == "" {
		from = remote
	}
	ack := (*h)(ctx, from, req.Payload)
	return &wire.Response{Code: ack.Code, Message: ack.Message}
}

// streamConn is a pooled connection of the reliable transport. Requests on
// one stream are serialized, concurrency comes from the pool.
type streamConn struct {
	id     string
	peer   string
	stream stream
	mu     sync.Mutex
}

func (c *streamConn) ID() string {
	return c.id
}

func (c *streamConn) Peer() string {
	return c.peer
}

func (c *streamConn) Close() error {
	return c.stream.Close()
}
