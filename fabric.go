package pcf

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/hashicorp/go-metrics"
	sockaddr "github.com/hashicorp/go-sockaddr"
	"go.uber.org/multierr"
)

// Fabric owns every component of the peer communication fabric. Create one
// per process and pass it by reference.
type Fabric struct {
	config config
	logger *slog.Logger
	self   Descriptor

	tr       Transport
	tracker  *tracker
	registry *registry
	disc     *discovery
	disp     *dispatcher
	router   *router

	// background tasks: self-ping, warm-up connections...
	runCtx context.Context
	stop   context.CancelFunc
	wg     sync.WaitGroup

	// synchronisation
	lk       sync.Mutex
	started  bool
	shutdown bool
}

// Create validates the configuration and builds the fabric. Nothing binds
// before `StartServices`.
func Create(opts ...Option) (*Fabric, error) {
	fb := &Fabric{
		config: defaultConfig(),
	}

	for _, opt := range opts {
		if err := opt(&fb.config); err != nil {
			if errors.Is(err, ErrConfig) {
				return nil, err
			}
			return nil, fmt.Errorf("%w: %w", ErrConfig, err)
		}
	}

	if err := fb.config.fabric.Validate(); err != nil {
		return nil, err
	}

	if fb.config.name == "" {
		fb.config.name = uuid.NewString()
	}

	// Logging implementations.
	if fb.config.logHandler != nil {
		fb.logger = slog.New(fb.config.logHandler)
	} else {
		fb.logger = slog.Default()
	}

	// Metrics implementations.
	if fb.config.msink == nil {
		fb.config.msink = &metrics.BlackholeSink{}
	}

	if fb.config.clock == nil {
		fb.config.clock = clock.New()
	}

	tr := fb.config.transport
	if tr == nil {
		var err error
		tr, err = transports[fb.config.fabric.kind()](&fb.config, fb.logger)
		if err != nil {
			if errors.Is(err, ErrConfig) {
				return nil, err
			}
			return nil, fmt.Errorf("%w: %w", ErrConfig, err)
		}
	}
	fb.tr = tr
	fb.self = Descriptor{
		Name:    fb.config.name,
		Address: advertiseAddr(fb.config.fabric.Host, fb.config.fabric.Port),
		Kind:    tr.Kind(),
	}

	fb.tracker = newTracker(&fb.config, fb.logger, fb.publish)
	fb.registry = newRegistry(&fb.config, tr, fb.logger, fb.tracker)
	fb.disp = newDispatcher(&fb.config, tr, fb.registry, fb.logger, fb.tracker)
	fb.disc = newDiscovery(&fb.config, tr, fb.registry, fb.self, fb.logger, fb.tracker, fb.onPeerFound)

	router, err := newRouter(&fb.config, fb.logger, fb.tracker)
	if err != nil {
		return nil, err
	}
	fb.router = router

	tr.RegisterReceiveHandler(fb.router.Receive)
	tr.OnStateChange(fb.onTransportState)

	fb.runCtx, fb.stop = context.WithCancel(context.Background())
	return fb, nil
}

// ValidateConfig checks the configuration the fabric was created with.
func (fb *Fabric) ValidateConfig() error {
	return fb.config.fabric.Validate()
}

// Self describes this node as advertised to peers.
func (fb *Fabric) Self() Descriptor {
	return fb.self
}

// StartServices advertises this node, starts the discovery cycle and, when
// metrics are enabled, the self-ping. Calling it again is a no-op.
func (fb *Fabric) StartServices(ctx context.Context) error {
	fb.lk.Lock()
	defer fb.lk.Unlock()
	if fb.shutdown {
		return ErrFabricDown
	}
	if fb.started {
		return nil
	}

	if err := fb.disc.Advertise(ctx); err != nil {
		return fmt.Errorf("fabric: cannot advertise: %w", err)
	}
	if err := fb.disc.Start(fb.runCtx, 0); err != nil {
		return err
	}

	if fb.config.fabric.Metrics {
		fb.wg.Add(1)
		go func() {
			defer fb.wg.Done()
			fb.tracker.selfPing(fb.runCtx, fb.config.pingInterval, fb.ping)
		}()
	}

	fb.started = true
	fb.logger.Info("services started", "self", fb.self)
	return nil
}

// DiscoverPeers restarts the discovery cycle, scanning every interval. A
// zero interval keeps the current one.
func (fb *Fabric) DiscoverPeers(interval time.Duration) error {
	fb.lk.Lock()
	defer fb.lk.Unlock()
	if fb.shutdown {
		return ErrFabricDown
	}
	return fb.disc.Start(fb.runCtx, interval)
}

// SendToPeers delivers payload to recipient, or to every connected peer
// when recipient is empty. An empty typ means `TypeGeneral`.
func (fb *Fabric) SendToPeers(ctx context.Context, payload map[string]any, recipient, typ string) (Result, error) {
	if fb.isShutdown() {
		return Result{}, ErrFabricDown
	}
	return fb.disp.Send(ctx, payload, recipient, typ)
}

// Connect registers the peer at addr, restarting it if it failed, and
// fills its pool.
func (fb *Fabric) Connect(ctx context.Context, addr string) error {
	if fb.isShutdown() {
		return ErrFabricDown
	}
	return fb.registry.Connect(ctx, Descriptor{Address: addr, Kind: fb.tr.Kind()})
}

// Handle routes inbound messages of type typ to h.
func (fb *Fabric) Handle(typ string, h Handler) {
	fb.router.Handle(typ, h)
}

func (fb *Fabric) Peers() []PeerInfo {
	return fb.registry.Peers()
}

func (fb *Fabric) Snapshot() MetricsSnapshot {
	return fb.tracker.Snapshot()
}

func (fb *Fabric) ScanState() ScanState {
	return fb.disc.State()
}

// Transport gives access to the underlying transport, e.g. to switch the
// adapter of a `ProximityTransport`.
func (fb *Fabric) Transport() Transport {
	return fb.tr
}

func (fb *Fabric) Shutdown() error {
	// Phase 1: stop every periodic task.
	fb.lk.Lock()
	if fb.shutdown {
		fb.lk.Unlock()
		return nil
	}
	fb.shutdown = true
	fb.lk.Unlock()

	start := time.Now()
	fb.logger.Info("shutting down...")

	fb.logger.Info("shutdown: discovery")
	fb.disc.Close()

	fb.logger.Info("shutdown: wait for sub-tasks to finish")
	fb.stop()
	fb.wg.Wait()

	// Phase 2: drop all resources.
	fb.logger.Info("shutdown: release connections")
	err := multierr.Combine(
		fb.registry.Close(),
		fb.tr.Close(),
	)

	fb.logger.Info("shutdown: completed", LabelDuration.L(time.Since(start)))
	return err
}

func (fb *Fabric) isShutdown() bool {
	fb.lk.Lock()
	defer fb.lk.Unlock()
	return fb.shutdown
}

// spawn runs fn in the background unless the fabric is shutting down.
func (fb *Fabric) spawn(fn func(ctx context.Context)) bool {
	fb.lk.Lock()
	defer fb.lk.Unlock()
	if fb.shutdown {
		return false
	}
	fb.wg.Add(1)
	go func() {
		defer fb.wg.Done()
		fn(fb.runCtx)
	}()
	return true
}

func (fb *Fabric) onPeerFound(desc Descriptor) {
	fb.publish(Event{Kind: EventPeerDiscovered, Address: desc.Address})
	fb.spawn(func(ctx context.Context) {
		ctx, cancel := withDeadline(ctx, fb.config.dialTimeout)
		defer cancel()
		if err := fb.registry.Connect(ctx, desc); err != nil {
			fb.logger.Debug("warm-up failed", "peer", desc, LabelError.L(err))
		}
	})
}

func (fb *Fabric) onTransportState(available bool) {
	fb.lk.Lock()
	active := fb.started && !fb.shutdown
	fb.lk.Unlock()
	if !active {
		return
	}

	if available {
		fb.logger.Info("transport available again")
		fb.disc.Readvertise(fb.runCtx)
		return
	}
	fb.tracker.Error("transport", fmt.Errorf("%w: %s", ErrTransportUnavailable, fb.tr.Kind()))
	fb.disc.Readvertise(fb.runCtx)
}

func (fb *Fabric) ping(ctx context.Context, seq int) error {
	_, err := fb.disp.Send(ctx, map[string]any{"seq": seq}, "", TypePing)
	return err
}

func advertiseAddr(host string, port int) string {
	ip := net.ParseIP(host)
	if host == "" || (ip != nil && ip.IsUnspecified()) {
		host = "127.0.0.1"
		if private, err := sockaddr.GetPrivateIP(); err == nil && private != "" {
			host = private
		}
	}
	return net.JoinHostPort(host, strconv.Itoa(port))
}
