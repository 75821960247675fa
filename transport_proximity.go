package pcf

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/hashicorp/memberlist"
	"github.com/raskyld/pcf/pkg/wire"
)

// ProximityConfig represents configuration of the proximity transport.
type ProximityConfig struct {
	// BindAddr and BindPort are where the gossip layer listens, both for
	// UDP probes and TCP messages.
	BindAddr string
	BindPort int

	// Neighbours are joined every time a scan starts.
	Neighbours []string

	// MaxFrameSize bounds every outbound message.
	MaxFrameSize int

	// LeaveTimeout is how long we wait for our departure to propagate when
	// the adapter goes down or the transport closes.
	LeaveTimeout time.Duration

	// LogHandler to use for emitting structured logs.
	LogHandler slog.Handler

	// MetricSink to use for emitting metrics.
	MetricSink metrics.MetricSink

	// MetricsLabels to add to every metrics emitted by the transport,
	// memberlist included.
	MetricLabels []metrics.Label
}

// ProximityTransport reaches peers in range through a gossip membership.
// Delivery is best-effort: the remote does not answer so acknowledgements
// are synthesized with `wire.StatusAccepted` once the message left.
type ProximityTransport struct {
	cfg    *ProximityConfig
	logger *slog.Logger
	msink  metrics.MetricSink

	gracefulTerm atomic.Bool
	disabled     atomic.Bool
	closing      chan struct{}

	handler  atomic.Pointer[ReceiveHandler]
	stateFns []func(bool)
	stateMu  sync.Mutex

	// self is read by memberlist callbacks which may run under mu.
	self atomic.Pointer[Descriptor]
	ml   *memberlist.Memberlist
	mu   sync.RWMutex

	scanners  map[uint64]chan Descriptor
	scanSeq   uint64
	scannerMu sync.Mutex
	connSeq   atomic.Uint64

	wg sync.WaitGroup
}

func NewProximityTransport(cfg *ProximityConfig) (*ProximityTransport, error) {
	t := &ProximityTransport{
		cfg:      cfg,
		closing:  make(chan struct{}),
		scanners: make(map[uint64]chan Descriptor),
	}

	if cfg.LogHandler == nil {
		t.logger = slog.Default()
	} else {
		t.logger = slog.New(cfg.LogHandler)
	}
	t.logger = t.logger.With(LabelComponent.L("proximity"))

	if cfg.MetricSink == nil {
		t.msink = metrics.Default()
	} else {
		t.msink = cfg.MetricSink
	}

	if cfg.BindAddr == "" {
		cfg.BindAddr = "0.0.0.0"
	}
	if cfg.MaxFrameSize <= 0 {
		cfg.MaxFrameSize = wire.DefaultMaxFrameSize
	}
	if cfg.LeaveTimeout <= 0 {
		cfg.LeaveTimeout = 2 * time.Second
	}
	return t, nil
}

func (t *ProximityTransport) Kind() Kind {
	return KindProximity
}

// SetAdapterEnabled simulates the wireless adapter being switched. While
// disabled, every operation fails with ErrTransportUnavailable.
func (t *ProximityTransport) SetAdapterEnabled(enabled bool) {
	if !t.disabled.CompareAndSwap(enabled, !enabled) {
		return
	}

	if !enabled {
		t.mu.Lock()
		ml := t.ml
		t.ml = nil
		t.mu.Unlock()
		if ml != nil {
			t.leave(ml)
		}
		t.logger.Warn("adapter disabled")
	} else {
		t.logger.Info("adapter enabled")
	}
	t.notifyState(enabled)
}

func (t *ProximityTransport) Advertise(ctx context.Context, self Descriptor) error {
	if t.gracefulTerm.Load() {
		return ErrFabricDown
	}
	if t.disabled.Load() {
		return fmt.Errorf("%w: adapter is off", ErrTransportUnavailable)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ml != nil {
		return nil
	}

	handler := t.cfg.LogHandler
	if handler == nil {
		handler = slog.Default().Handler()
	}

	t.self.Store(&self)
	g := &gossip{t: t, logger: t.logger}
	mlCfg := memberlist.DefaultLocalConfig()
	mlCfg.Name = self.Name
	mlCfg.BindAddr = t.cfg.BindAddr
	mlCfg.BindPort = t.cfg.BindPort
	mlCfg.AdvertisePort = t.cfg.BindPort
	mlCfg.Delegate = g
	mlCfg.Events = g
	mlCfg.Logger = slog.NewLogLogger(handler, slog.LevelDebug)
	mlCfg.MetricLabels = legacyLabels(t.cfg.MetricLabels)

	ml, err := memberlist.Create(mlCfg)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrTransportUnavailable, err)
	}
	t.ml = ml
	self.Address = ml.LocalNode().Address()
	t.self.Store(&self)
	t.logger.Info("in range", "addr", self.Address)
	return ctx.Err()
}

// Discover lists the members in range, joins the configured neighbours and
// then streams every peer coming in range until ctx is done.
func (t *ProximityTransport) Discover(ctx context.Context) (<-chan Descriptor, error) {
	ml, err := t.current()
	if err != nil {
		return nil, err
	}

	joined := make(chan Descriptor, 64)
	t.scannerMu.Lock()
	t.scanSeq++
	id := t.scanSeq
	t.scanners[id] = joined
	t.scannerMu.Unlock()

	out := make(chan Descriptor)
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		defer close(out)
		defer func() {
			t.scannerMu.Lock()
			delete(t.scanners, id)
			t.scannerMu.Unlock()
		}()

		self := ml.LocalNode().Name
		for _, node := range ml.Members() {
			if node.Name == self {
				continue
			}
			select {
			case out <- descriptorOfNode(node):
			case <-ctx.Done():
				return
			case <-t.closing:
				return
			}
		}

		if len(t.cfg.Neighbours) > 0 {
			go func() {
				if _, err := ml.Join(t.cfg.Neighbours); err != nil {
					t.logger.Debug("no neighbour reachable", LabelError.L(err))
				}
			}()
		}

		for {
			select {
			case desc := <-joined:
				select {
				case out <- desc:
				case <-ctx.Done():
					return
				case <-t.closing:
					return
				}
			case <-ctx.Done():
				return
			case <-t.closing:
				return
			}
		}
	}()
	return out, nil
}

func (t *ProximityTransport) joined(node *memberlist.Node) {
	if node.Name == t.selfName() {
		return
	}
	desc := descriptorOfNode(node)

	t.scannerMu.Lock()
	defer t.scannerMu.Unlock()
	for _, ch := range t.scanners {
		select {
		case ch <- desc:
		default:
			// the next scan lists members anyway.
		}
	}
}

func (t *ProximityTransport) Connect(ctx context.Context, peer Descriptor) (Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnection, err)
	}
	ml, err := t.current()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnection, err)
	}
	if memberAt(ml, peer.Address) == nil {
		t.msink.IncrCounterWithLabels(
			MetricPcfConnErrorCount,
			1.0,
			withLabels(t.cfg.MetricLabels, LabelPeerAddr.M(peer.Address), LabelError.M("out_of_range")),
		)
		return nil, fmt.Errorf("%w: %s: %w", ErrConnection, peer.Address, ErrOutOfRange)
	}

	t.msink.IncrCounterWithLabels(
		MetricPcfConnEstCount,
		1.0,
		withLabels(t.cfg.MetricLabels, LabelPeerAddr.M(peer.Address), LabelKind.M(string(KindProximity))),
	)
	return &proximityConn{
		id:   peer.Address + "~" + strconv.FormatUint(t.connSeq.Add(1), 10),
		peer: peer.Address,
	}, nil
}

func (t *ProximityTransport) Send(ctx context.Context, conn Conn, msg Outbound) (Ack, error) {
	pc, ok := conn.(*proximityConn)
	if !ok {
		return Ack{}, ErrForeignConn
	}
	ml, err := t.current()
	if err != nil {
		return Ack{}, fmt.Errorf("%w: %w", ErrSend, err)
	}
	node := memberAt(ml, pc.peer)
	if node == nil {
		return Ack{}, fmt.Errorf("%w: %w", ErrSend, ErrOutOfRange)
	}

	req := &wire.Request{
		Payload:   msg.Payload,
		Recipient: msg.Recipient,
		From:      ml.LocalNode().Address(),
	}
	buf, err := req.Marshal()
	if err != nil {
		return Ack{}, fmt.Errorf("%w: %w", ErrSend, err)
	}
	if len(buf) > t.cfg.MaxFrameSize {
		return Ack{}, fmt.Errorf("%w: %w", ErrSend, wire.ErrFrameTooLarge)
	}

	// memberlist does not take a context.
	errCh := make(chan error, 1)
	go func() {
		errCh <- ml.SendReliable(node, buf)
	}()
	select {
	case <-ctx.Done():
		return Ack{}, fmt.Errorf("%w: %w", ErrSend, ctx.Err())
	case err := <-errCh:
		if err != nil {
			return Ack{}, fmt.Errorf("%w: %w", ErrSend, err)
		}
	}

	t.msink.IncrCounterWithLabels(
		MetricPcfFrameOutBytes,
		float32(len(buf)),
		withLabels(t.cfg.MetricLabels, LabelPeerAddr.M(pc.peer)),
	)
	return Ack{Code: wire.StatusAccepted, Message: "accepted"}, nil
}

func (t *ProximityTransport) receive(buf []byte) {
	if t.gracefulTerm.Load() || t.disabled.Load() {
		return
	}
	req, err := wire.UnmarshalRequest(buf)
	if err != nil {
		t.logger.Warn("dropping malformed message", LabelError.L(err))
		return
	}
	h := t.handler.Load()
	if h == nil {
		return
	}
	t.msink.IncrCounterWithLabels(
		MetricPcfFrameInBytes,
		float32(len(buf)),
		withLabels(t.cfg.MetricLabels, LabelPeerAddr.M(req.From)),
	)

	// NotifyMsg MUST NOT block memberlist.
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		ack := (*h)(context.Background(), req.From, req.Payload)
		if !ack.OK() {
			t.logger.Debug("inbound message rejected",
				LabelPeerAddr.L(req.From),
				"code", ack.Code,
				"reason", ack.Message,
			)
		}
	}()
}

func (t *ProximityTransport) RegisterReceiveHandler(handler ReceiveHandler) {
	t.handler.Store(&handler)
}

func (t *ProximityTransport) OnStateChange(fn func(available bool)) {
	t.stateMu.Lock()
	defer t.stateMu.Unlock()
	t.stateFns = append(t.stateFns, fn)
}

func (t *ProximityTransport) notifyState(available bool) {
	t.stateMu.Lock()
	fns := append([]func(bool){}, t.stateFns...)
	t.stateMu.Unlock()
	for _, fn := range fns {
		fn(available)
	}
}

func (t *ProximityTransport) Close() error {
	if !t.gracefulTerm.CompareAndSwap(false, true) {
		return nil
	}
	close(t.closing)

	t.mu.Lock()
	ml := t.ml
	t.ml = nil
	t.mu.Unlock()

	var err error
	if ml != nil {
		err = t.leave(ml)
	}
	t.wg.Wait()
	return err
}

func (t *ProximityTransport) leave(ml *memberlist.Memberlist) error {
	if err := ml.Leave(t.cfg.LeaveTimeout); err != nil {
		t.logger.Warn("leave did not propagate", LabelError.L(err))
	}
	return ml.Shutdown()
}

func (t *ProximityTransport) current() (*memberlist.Memberlist, error) {
	if t.gracefulTerm.Load() {
		return nil, ErrFabricDown
	}
	if t.disabled.Load() {
		return nil, fmt.Errorf("%w: adapter is off", ErrTransportUnavailable)
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.ml == nil {
		return nil, ErrNotAdvertised
	}
	return t.ml, nil
}

func (t *ProximityTransport) selfName() string {
	if self := t.self.Load(); self != nil {
		return self.Name
	}
	return ""
}

func memberAt(ml *memberlist.Memberlist, addr string) *memberlist.Node {
	for _, node := range ml.Members() {
		if node.Address() == addr {
			return node
		}
	}
	return nil
}

type proximityConn struct {
	id   string
	peer string
}

func (c *proximityConn) ID() string {
	return c.id
}

func (c *proximityConn) Peer() string {
	return c.peer
}

func (c *proximityConn) Close() error {
	return nil
}
