package pcf

import (
	"crypto/tls"
	"fmt"
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/hashicorp/go-metrics"
	"golang.org/x/time/rate"
)

type config struct {
	fabric       Config
	name         string
	logHandler   slog.Handler
	msink        metrics.MetricSink
	metricLabels []metrics.Label
	clock        clock.Clock
	events       []chan<- Event
	transport    Transport

	// transports
	network      string
	tlsConf      *tls.Config
	dialTimeout  time.Duration
	sendTimeout  time.Duration
	maxFrameSize int
	mdns         MDNSConfig
	neighbours   []string
	gracePeriod  time.Duration

	// registry
	maxPoolSize      int
	failureThreshold int

	// discovery
	scanWindow       time.Duration
	scanInterval     time.Duration
	advertiseBackoff Backoff

	// tracker
	latencyWindow   int
	pingInterval    time.Duration
	errorEventRate  rate.Limit
	errorEventBurst int

	// dispatcher & router
	fanout     int
	dedupeSize int
}

func defaultConfig() config {
	return config{
		network:      NetworkTCP,
		dialTimeout:  5 * time.Second,
		sendTimeout:  5 * time.Second,
		maxFrameSize: 1 << 20,
		mdns: MDNSConfig{
			Service: "_pcf._tcp",
			Domain:  "local.",
		},
		gracePeriod: 2 * time.Second,

		maxPoolSize:      4,
		failureThreshold: 3,

		scanWindow:   5 * time.Second,
		scanInterval: 30 * time.Second,
		advertiseBackoff: Backoff{
			Base:        500 * time.Millisecond,
			Max:         30 * time.Second,
			MaxAttempts: 8,
		},

		latencyWindow:   128,
		pingInterval:    15 * time.Second,
		errorEventRate:  rate.Limit(10),
		errorEventBurst: 20,

		fanout:     16,
		dedupeSize: 1024,
	}
}

// Option to pass to `Create`
type Option func(*config) error

// WithConfig applies the configuration supplied by the host application.
// It is validated by `Create`.
func WithConfig(c Config) Option {
	return func(cfg *config) error {
		cfg.fabric = c
		return nil
	}
}

// WithListenOn overrides host and port of the configuration.
func WithListenOn(addr string, port int) Option {
	return func(c *config) error {
		c.fabric.Host = addr
		c.fabric.Port = port
		return nil
	}
}

// WithName specifies which instance name is advertised to other peers.
// For a well-behaving network, the name MUST be unique. A random one is
// generated otherwise.
func WithName(name string) Option {
	return func(c *config) error {
		c.name = name
		return nil
	}
}

// WithLog specifies which `slog.Handler` to use.
func WithLog(handler slog.Handler) Option {
	return func(c *config) error {
		c.logHandler = handler
		return nil
	}
}

// WithMetricSink allows you to chose how to collect the metrics emitted by
// your `Fabric`.
func WithMetricSink(ms metrics.MetricSink) Option {
	return func(c *config) error {
		if ms == nil {
			ms = &metrics.BlackholeSink{}
		}
		c.msink = ms
		return nil
	}
}

// WithMetricLabels adds static labels to all metrics produced by the Fabric.
func WithMetricLabels(labels []metrics.Label) Option {
	return func(c *config) error {
		c.metricLabels = labels
		return nil
	}
}

// WithClock replaces the wall clock driving discovery, self-ping and
// retries. Mostly useful in tests.
func WithClock(clk clock.Clock) Option {
	return func(c *config) error {
		if clk == nil {
			clk = clock.New()
		}
		c.clock = clk
		return nil
	}
}

// WithEvents registers a channel receiving the fabric's events. Events are
// dropped, and counted, when the channel is full.
func WithEvents(ch chan<- Event) Option {
	return func(c *config) error {
		if ch == nil {
			return configErr("nil event channel")
		}
		c.events = append(c.events, ch)
		return nil
	}
}

// WithTransport makes the fabric use a custom transport instead of
// resolving `Config.Plugins.Transport`.
func WithTransport(tr Transport) Option {
	return func(c *config) error {
		c.transport = tr
		return nil
	}
}

// WithNetwork chooses the network of the reliable transport, either
// `NetworkTCP` or `NetworkQUIC`.
func WithNetwork(network string) Option {
	return func(c *config) error {
		switch network {
		case NetworkTCP, NetworkQUIC:
			c.network = network
			return nil
		default:
			return fmt.Errorf("%w: %w: %q", ErrConfig, ErrUnknownNetwork, network)
		}
	}
}

// WithTlsConfig set the `tls.Config` used by the QUIC network.
func WithTlsConfig(tlsConf *tls.Config) Option {
	return func(c *config) error {
		if tlsConf == nil {
			return ErrNoTLSConfig
		}
		c.tlsConf = tlsConf.Clone()
		return nil
	}
}

// WithDialTimeout controls how much time we are willing to wait for a
// remote node to accept a connection.
func WithDialTimeout(timeout time.Duration) Option {
	return func(c *config) error {
		if timeout == 0 {
			timeout = 5 * time.Second
		}
		c.dialTimeout = timeout
		return nil
	}
}

// WithSendTimeout controls how much time a single peer has to acknowledge
// a message.
func WithSendTimeout(timeout time.Duration) Option {
	return func(c *config) error {
		if timeout == 0 {
			timeout = 5 * time.Second
		}
		c.sendTimeout = timeout
		return nil
	}
}

// WithMDNS tunes the local-network advertisement of the reliable transport.
func WithMDNS(mdnsCfg MDNSConfig) Option {
	return func(c *config) error {
		if mdnsCfg.Service == "" {
			mdnsCfg.Service = c.mdns.Service
		}
		if mdnsCfg.Domain == "" {
			mdnsCfg.Domain = c.mdns.Domain
		}
		c.mdns = mdnsCfg
		return nil
	}
}

// WithNeighbours controls which peers the proximity transport tries to
// reach when its adapter comes up.
func WithNeighbours(neighbours []string) Option {
	return func(c *config) error {
		c.neighbours = neighbours
		return nil
	}
}

// WithGracePeriod controls how much time we wait on Shutdown for peers
// to be notified that we leave.
func WithGracePeriod(period time.Duration) Option {
	return func(c *config) error {
		if period == 0 {
			period = 2 * time.Second
		}
		c.gracePeriod = period
		return nil
	}
}

// WithPool bounds the pool of each peer and sets how many consecutive
// send failures evict it.
func WithPool(maxSize, failureThreshold int) Option {
	return func(c *config) error {
		if maxSize < 1 {
			return configErr("pool size must be positive, got %d", maxSize)
		}
		if failureThreshold < 1 {
			return configErr("failure threshold must be positive, got %d", failureThreshold)
		}
		c.maxPoolSize = maxSize
		c.failureThreshold = failureThreshold
		return nil
	}
}

// WithScan controls the discovery cycle: scanning lasts `window` every
// `interval`.
func WithScan(window, interval time.Duration) Option {
	return func(c *config) error {
		if window <= 0 || interval < window {
			return configErr("scan window %s must be positive and fit in interval %s", window, interval)
		}
		c.scanWindow = window
		c.scanInterval = interval
		return nil
	}
}

// WithAdvertiseBackoff controls how advertisement is retried while the
// transport is unavailable.
func WithAdvertiseBackoff(b Backoff) Option {
	return func(c *config) error {
		if b.Base <= 0 {
			return configErr("backoff base must be positive")
		}
		c.advertiseBackoff = b
		return nil
	}
}

// WithSelfPing controls how often peers are probed when metrics are
// enabled, and how many latency samples are kept.
func WithSelfPing(interval time.Duration, window int) Option {
	return func(c *config) error {
		if interval <= 0 || window < 1 {
			return configErr("invalid self-ping settings")
		}
		c.pingInterval = interval
		c.latencyWindow = window
		return nil
	}
}

// WithErrorEventRate throttles `dcf-error` events. Errors are always
// counted, only their emission is limited.
func WithErrorEventRate(limit rate.Limit, burst int) Option {
	return func(c *config) error {
		c.errorEventRate = limit
		c.errorEventBurst = burst
		return nil
	}
}

// WithFanout limits how many peers are sent to concurrently.
func WithFanout(n int) Option {
	return func(c *config) error {
		if n < 1 {
			return configErr("fanout must be positive, got %d", n)
		}
		c.fanout = n
		return nil
	}
}
