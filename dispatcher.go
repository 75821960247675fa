package pcf

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/hashicorp/go-metrics"
	"github.com/raskyld/pcf/pkg/wire"
	"golang.org/x/sync/errgroup"
)

// Delivery is the outcome of sending one message to one peer.
type Delivery struct {
	Address string
	Success bool
	Err     error
	Ack     Ack
	// Latency runs from the dispatch start to the completion of this
	// delivery.
	Latency time.Duration
}

// Result gathers the deliveries of one dispatch.
type Result struct {
	ID         string
	Deliveries []Delivery
	// Latency runs from the dispatch start to the last completion.
	Latency time.Duration
}

// Succeeded counts the successful deliveries.
func (res Result) Succeeded() int {
	n := 0
	for _, d := range res.Deliveries {
		if d.Success {
			n++
		}
	}
	return n
}

type dispatcher struct {
	reg     *registry
	tr      Transport
	track   *tracker
	clk     clock.Clock
	logger  *slog.Logger
	msink   metrics.MetricSink
	labels  []metrics.Label
	timeout time.Duration
	fanout  int
}

func newDispatcher(cfg *config, tr Transport, reg *registry, logger *slog.Logger, track *tracker) *dispatcher {
	return &dispatcher{
		reg:     reg,
		tr:      tr,
		track:   track,
		clk:     cfg.clock,
		logger:  logger.With(LabelComponent.L("dispatcher")),
		msink:   cfg.msink,
		labels:  cfg.metricLabels,
		timeout: cfg.sendTimeout,
		fanout:  cfg.fanout,
	}
}

// Send wraps payload in an envelope and delivers it to recipient, or to
// every connected peer when recipient is empty. Per-peer failures are
// reported in the Result, only invalid input fails the call.
func (d *dispatcher) Send(ctx context.Context, payload map[string]any, recipient, typ string) (Result, error) {
	if len(payload) == 0 {
		return Result{}, ErrEmptyPayload
	}
	if typ == "" {
		typ = TypeGeneral
	}

	env := wire.Envelope{
		ID:        uuid.NewString(),
		Type:      typ,
		Timestamp: d.clk.Now().UnixMilli(),
		Payload:   payload,
	}
	buf, err := env.Marshal()
	if err != nil {
		return Result{}, fmt.Errorf("%w: %w", ErrMalformedPayload, err)
	}

	var targets []string
	if recipient != "" {
		if !d.reg.Known(recipient) {
			return Result{}, fmt.Errorf("%w: %s", ErrUnknownPeer, recipient)
		}
		targets = []string{recipient}
	} else {
		targets = d.reg.ConnectedPeers()
	}

	res := Result{
		ID:         env.ID,
		Deliveries: make([]Delivery, len(targets)),
	}
	start := d.clk.Now()

	var g errgroup.Group
	g.SetLimit(d.fanout)
	for i, addr := range targets {
		g.Go(func() error {
			res.Deliveries[i] = d.deliver(ctx, addr, typ, buf, recipient, start)
			return nil
		})
	}
	g.Wait()

	res.Latency = d.clk.Since(start)
	return res, nil
}

func (d *dispatcher) deliver(
	ctx context.Context,
	addr, typ string,
	buf []byte,
	recipient string,
	start time.Time,
) Delivery {
	delivery := Delivery{Address: addr}
	logger := d.logger.With(LabelPeerAddr.L(addr), LabelMsgType.L(typ))
	mLabels := withLabels(d.labels, LabelPeerAddr.M(addr), LabelMsgType.M(typ))

	fail := func(err error) Delivery {
		delivery.Err = err
		delivery.Latency = d.clk.Since(start)
		logger.Debug("delivery failed", LabelError.L(err))
		d.track.Error("dispatcher", err)
		d.msink.IncrCounterWithLabels(MetricPcfSendErrorCount, 1.0, mLabels)
		return delivery
	}

	conn, err := d.reg.GetConnection(ctx, addr)
	if err != nil {
		return fail(err)
	}

	sctx, cancel := withDeadline(ctx, d.timeout)
	ack, err := d.tr.Send(sctx, conn.Conn, Outbound{Payload: buf, Recipient: recipient})
	cancel()
	if err != nil {
		d.reg.ReportSend(addr, conn, err)
		return fail(err)
	}
	// the channel works, a rejection is not a transport failure.
	d.reg.ReportSend(addr, conn, nil)

	delivery.Ack = ack
	if !ack.OK() {
		return fail(&RemoteError{Code: ack.Code, Message: ack.Message})
	}

	delivery.Success = true
	delivery.Latency = d.clk.Since(start)
	d.track.ObserveLatency(addr, delivery.Latency)
	d.msink.IncrCounterWithLabels(MetricPcfSendCount, 1.0, mLabels)
	return delivery
}
