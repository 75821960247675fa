package pcf

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/hashicorp/go-metrics"
	"golang.org/x/time/rate"
)

// MetricsSnapshot is a read-only copy of the tracker state.
type MetricsSnapshot struct {
	Errors        uint64
	Notices       uint64
	DroppedEvents uint64
	// Latencies are the most recent round-trip samples, oldest first.
	Latencies   []time.Duration
	MeanLatency time.Duration
}

// tracker counts every caught failure of the fabric and keeps a rolling
// window of latency samples.
type tracker struct {
	logger  *slog.Logger
	msink   metrics.MetricSink
	labels  []metrics.Label
	clk     clock.Clock
	limiter *rate.Limiter
	emit    func(Event)

	errors  atomic.Uint64
	notices atomic.Uint64
	drops   atomic.Uint64

	mu      sync.Mutex
	samples []time.Duration
	next    int
	full    bool
}

func newTracker(cfg *config, logger *slog.Logger, emit func(Event)) *tracker {
	return &tracker{
		logger:  logger.With(LabelComponent.L("tracker")),
		msink:   cfg.msink,
		labels:  cfg.metricLabels,
		clk:     cfg.clock,
		limiter: rate.NewLimiter(cfg.errorEventRate, cfg.errorEventBurst),
		emit:    emit,
		samples: make([]time.Duration, cfg.latencyWindow),
	}
}

// Error records a caught failure. The counter is never throttled, only the
// `dcf-error` event is.
func (tr *tracker) Error(component string, err error) {
	if err == nil {
		return
	}
	tr.errors.Add(1)
	tr.logger.Warn("caught failure", LabelComponent.L(component), LabelError.L(err))
	tr.msink.IncrCounterWithLabels(
		MetricPcfErrorCount,
		1.0,
		withLabels(tr.labels, LabelComponent.M(component)),
	)
	if tr.emit != nil && tr.limiter.AllowN(tr.clk.Now(), 1) {
		tr.emit(Event{Kind: EventError, Message: err.Error()})
	}
}

// Notice records a non-error condition worth surfacing, like a message
// handled by the default handler.
func (tr *tracker) Notice(kind string) {
	tr.notices.Add(1)
	tr.msink.IncrCounterWithLabels(
		MetricPcfNoticeCount,
		1.0,
		withLabels(tr.labels, LabelMsgType.M(kind)),
	)
}

func (tr *tracker) ObserveLatency(addr string, d time.Duration) {
	tr.mu.Lock()
	tr.samples[tr.next] = d
	tr.next = (tr.next + 1) % len(tr.samples)
	if tr.next == 0 {
		tr.full = true
	}
	tr.mu.Unlock()

	tr.msink.AddSampleWithLabels(
		MetricPcfSendLatencyMs,
		float32(d)/float32(time.Millisecond),
		withLabels(tr.labels, LabelPeerAddr.M(addr)),
	)
}

func (tr *tracker) dropped(kind EventKind) {
	tr.drops.Add(1)
	tr.msink.IncrCounterWithLabels(
		MetricPcfEventDroppedCount,
		1.0,
		withLabels(tr.labels, LabelMsgType.M(string(kind))),
	)
}

func (tr *tracker) Snapshot() MetricsSnapshot {
	snap := MetricsSnapshot{
		Errors:        tr.errors.Load(),
		Notices:       tr.notices.Load(),
		DroppedEvents: tr.drops.Load(),
	}

	tr.mu.Lock()
	if tr.full {
		snap.Latencies = make([]time.Duration, 0, len(tr.samples))
		snap.Latencies = append(snap.Latencies, tr.samples[tr.next:]...)
		snap.Latencies = append(snap.Latencies, tr.samples[:tr.next]...)
	} else {
		snap.Latencies = append([]time.Duration(nil), tr.samples[:tr.next]...)
	}
	tr.mu.Unlock()

	if len(snap.Latencies) > 0 {
		var sum time.Duration
		for _, d := range snap.Latencies {
			sum += d
		}
		snap.MeanLatency = sum / time.Duration(len(snap.Latencies))
	}
	return snap
}

// selfPing probes every connected peer each interval until ctx is done.
// Round-trips are recorded by the dispatcher like any other delivery.
func (tr *tracker) selfPing(ctx context.Context, interval time.Duration, probe func(ctx context.Context, seq int) error) {
	ticker := tr.clk.Ticker(interval)
	defer ticker.Stop()

	for seq := 1; ; seq++ {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if err := probe(ctx, seq); err != nil && ctx.Err() == nil {
			tr.Error("self-ping", err)
		}
	}
}
