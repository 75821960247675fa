package pcf

import (
	"context"
	"log/slog"
	"time"

	"github.com/raskyld/pcf/pkg/wire"
)

// Kind names a transport variant.
type Kind string

const (
	KindReliable  Kind = "reliable"
	KindProximity Kind = "proximity-wireless"
)

// Descriptor describes a peer as seen by discovery.
type Descriptor struct {
	// Name is the unique instance name of the peer.
	Name string `json:"name"`
	// Address is the dialable address, it is the key of the registry.
	Address string `json:"address"`
	Kind    Kind   `json:"kind"`
}

func (d Descriptor) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("name", d.Name),
		slog.String("addr", d.Address),
		slog.String("kind", string(d.Kind)),
	)
}

// Conn is an opaque handle on a transport channel to one peer.
type Conn interface {
	ID() string
	Peer() string
	Close() error
}

// Outbound is what the fabric hands to a transport for one peer.
type Outbound struct {
	Payload   []byte
	Recipient string
}

// Ack is the acknowledgement returned for every delivered message, either
// by the remote or, for best-effort transports, synthesized locally.
type Ack struct {
	Code    int
	Message string
}

func (a Ack) OK() bool {
	return a.Code >= 200 && a.Code < 300
}

func ackOf(resp *wire.Response) Ack {
	return Ack{Code: resp.Code, Message: resp.Message}
}

// ReceiveHandler is invoked for every inbound payload. It MUST always
// return an Ack, implementations MUST NOT panic.
type ReceiveHandler func(ctx context.Context, from string, payload []byte) Ack

// Transport is the capability contract every transport variant implements.
//
// Implementations MUST be safe for concurrent use. Blocking calls MUST
// honour their context.
type Transport interface {
	Kind() Kind

	// Advertise makes this node reachable and announces it. It is called
	// once and keeps announcing until Close. A transport whose medium is
	// down returns an error wrapping ErrTransportUnavailable.
	Advertise(ctx context.Context, self Descriptor) error

	// Discover returns a lazy sequence of descriptors, it ends (the channel
	// is closed) once ctx is done. It can be called again to restart.
	Discover(ctx context.Context) (<-chan Descriptor, error)

	// Connect opens a channel to a peer, failing with ErrConnection.
	Connect(ctx context.Context, peer Descriptor) (Conn, error)

	// Send delivers one message on a channel, failing with ErrSend.
	Send(ctx context.Context, conn Conn, msg Outbound) (Ack, error)

	RegisterReceiveHandler(handler ReceiveHandler)

	// OnStateChange registers a callback invoked when the medium becomes
	// unavailable (false) or available again (true).
	OnStateChange(fn func(available bool))

	Close() error
}

type transportFactory func(cfg *config, logger *slog.Logger) (Transport, error)

// transports is the dispatch table used to resolve the configured Kind.
var transports = map[Kind]transportFactory{
	KindReliable: func(cfg *config, logger *slog.Logger) (Transport, error) {
		return NewReliableTransport(&ReliableConfig{
			ListenAddr:   cfg.fabric.listenAddr(),
			Network:      cfg.network,
			TlsConfig:    cfg.tlsConf,
			DialTimeout:  cfg.dialTimeout,
			MaxFrameSize: cfg.maxFrameSize,
			MDNS:         cfg.mdns,
			LogHandler:   logger.Handler(),
			MetricSink:   cfg.msink,
			MetricLabels: cfg.metricLabels,
		})
	},
	KindProximity: func(cfg *config, logger *slog.Logger) (Transport, error) {
		return NewProximityTransport(&ProximityConfig{
			BindAddr:     cfg.fabric.Host,
			BindPort:     cfg.fabric.Port,
			Neighbours:   cfg.neighbours,
			MaxFrameSize: cfg.maxFrameSize,
			LeaveTimeout: cfg.gracePeriod,
			LogHandler:   logger.Handler(),
			MetricSink:   cfg.msink,
			MetricLabels: cfg.metricLabels,
		})
	},
}

// withDeadline derives the context of a single transport operation.
func withDeadline(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}
