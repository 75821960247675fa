package pcf

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/hashicorp/go-metrics"
)

type ScanState int32

const (
	ScanIdle ScanState = iota
	ScanScanning
)

func (s ScanState) String() string {
	if s == ScanScanning {
		return "scanning"
	}
	return "idle"
}

// discovery keeps this node advertised and periodically scans for peers.
type discovery struct {
	tr      Transport
	reg     *registry
	track   *tracker
	clk     clock.Clock
	logger  *slog.Logger
	msink   metrics.MetricSink
	labels  []metrics.Label
	self    Descriptor
	window  time.Duration
	backoff Backoff

	// found is called for peers that are new or restarted.
	found func(Descriptor)

	state atomic.Int32

	mu       sync.Mutex
	interval time.Duration
	cancel   context.CancelFunc
	done     chan struct{}
	retry    *RetryTask
}

func newDiscovery(
	cfg *config,
	tr Transport,
	reg *registry,
	self Descriptor,
	logger *slog.Logger,
	track *tracker,
	found func(Descriptor),
) *discovery {
	return &discovery{
		tr:       tr,
		reg:      reg,
		track:    track,
		clk:      cfg.clock,
		logger:   logger.With(LabelComponent.L("discovery")),
		msink:    cfg.msink,
		labels:   cfg.metricLabels,
		self:     self,
		window:   cfg.scanWindow,
		backoff:  cfg.advertiseBackoff,
		found:    found,
		interval: cfg.scanInterval,
	}
}

func isUnavailable(err error) bool {
	return errors.Is(err, ErrTransportUnavailable)
}

// Advertise makes the node reachable. When the transport medium is down the
// first failure is counted and a retry task takes over, any other failure
// is returned.
func (d *discovery) Advertise(ctx context.Context) error {
	err := d.tr.Advertise(ctx, d.self)
	if err == nil {
		return nil
	}
	if !isUnavailable(err) {
		return err
	}
	d.track.Error("discovery", err)
	d.Readvertise(context.WithoutCancel(ctx))
	return nil
}

// Readvertise (re)starts the advertisement retry task.
func (d *discovery) Readvertise(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.retry != nil {
		d.retry.Stop()
	}
	d.retry = StartRetry(ctx, d.clk, d.backoff, isUnavailable, func(ctx context.Context) error {
		err := d.tr.Advertise(ctx, d.self)
		if err != nil {
			d.logger.Debug("advertisement still failing", LabelError.L(err))
		} else {
			d.logger.Info("advertised")
		}
		return err
	})
}

// Start (re)starts the scan cycle. A zero interval keeps the current one.
func (d *discovery) Start(ctx context.Context, interval time.Duration) error {
	if interval != 0 && interval < d.window {
		return configErr("scan interval %s shorter than the scan window %s", interval, d.window)
	}

	d.Stop()

	d.mu.Lock()
	defer d.mu.Unlock()
	if interval != 0 {
		d.interval = interval
	}
	ctx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.done = make(chan struct{})
	go d.loop(ctx, d.interval, d.done)
	return nil
}

// Stop cancels the scan cycle and waits for it. It also stops a pending
// advertisement retry.
func (d *discovery) Stop() {
	d.mu.Lock()
	cancel, done := d.cancel, d.done
	d.cancel, d.done = nil, nil
	d.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}

func (d *discovery) Close() {
	d.Stop()
	d.mu.Lock()
	retry := d.retry
	d.retry = nil
	d.mu.Unlock()
	if retry != nil {
		retry.Stop()
	}
}

func (d *discovery) State() ScanState {
	return ScanState(d.state.Load())
}

func (d *discovery) loop(ctx context.Context, interval time.Duration, done chan struct{}) {
	defer close(done)
	for {
		d.scan(ctx)
		if ctx.Err() != nil {
			return
		}

		timer := d.clk.Timer(interval - d.window)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (d *discovery) scan(ctx context.Context) {
	d.state.Store(int32(ScanScanning))
	defer d.state.Store(int32(ScanIdle))

	sctx, cancel := d.clk.WithTimeout(ctx, d.window)
	defer cancel()

	found, err := d.tr.Discover(sctx)
	if err != nil {
		d.track.Error("discovery", fmt.Errorf("%w: %w", ErrDiscovery, err))
		return
	}

	n := 0
	for desc := range found {
		if desc.Name == d.self.Name || desc.Address == d.self.Address {
			continue
		}
		n++
		if d.reg.RegisterPeer(desc) && d.found != nil {
			d.found(desc)
		}
	}
	d.msink.IncrCounterWithLabels(
		MetricPcfScanCount,
		1.0,
		withLabels(d.labels, LabelKind.M(string(d.tr.Kind()))),
	)
	d.logger.Debug("scan ended", "seen", n)
}
