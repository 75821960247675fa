package pcf

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hashicorp/go-metrics"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/raskyld/pcf/pkg/wire"
)

// Message types known by the fabric. The host registers handlers for the
// ones it serves, the others reach the default handler.
const (
	TypeGeneral       = "general"
	TypePing          = "ping"
	TypeContentRelay  = "content-relay"
	TypeHistorySync   = "history-sync"
	TypeRemoteCommand = "remote-command"
)

// Message is an inbound message handed to a Handler.
type Message struct {
	ID        string
	Type      string
	From      string
	Timestamp time.Time
	Payload   map[string]any
}

// Handler processes an inbound message. A returned error, or a panic, is
// acknowledged as a failure to the sender.
type Handler func(ctx context.Context, msg *Message) error

type router struct {
	logger *slog.Logger
	msink  metrics.MetricSink
	labels []metrics.Label
	track  *tracker

	mu       sync.RWMutex
	handlers map[string]Handler
	fallback Handler

	// seen holds the IDs of recently handled messages, inflight the ones
	// a handler is still working on.
	seen     *lru.Cache[string, struct{}]
	inflight map[string]struct{}
	idMu     sync.Mutex
}

func newRouter(cfg *config, logger *slog.Logger, track *tracker) (*router, error) {
	seen, err := lru.New[string, struct{}](cfg.dedupeSize)
	if err != nil {
		return nil, configErr("dedupe window: %s", err)
	}

	r := &router{
		logger:   logger.With(LabelComponent.L("router")),
		msink:    cfg.msink,
		labels:   cfg.metricLabels,
		track:    track,
		handlers: make(map[string]Handler),
		seen:     seen,
		inflight: make(map[string]struct{}),
	}
	r.fallback = r.logMessage
	r.handlers[TypeGeneral] = r.logMessage
	r.handlers[TypePing] = func(context.Context, *Message) error {
		return nil
	}
	return r, nil
}

// Handle registers h for typ, replacing any previous handler. Registering
// `TypeGeneral` also replaces the default handler.
func (r *router) Handle(typ string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[typ] = h
	if typ == TypeGeneral {
		r.fallback = h
	}
}

func (r *router) logMessage(_ context.Context, msg *Message) error {
	r.logger.Info("message received",
		LabelMsgID.L(msg.ID),
		LabelMsgType.L(msg.Type),
		LabelPeerAddr.L(msg.From),
		"fields", len(msg.Payload),
	)
	return nil
}

// Receive is the ReceiveHandler of the transport, it always acknowledges.
func (r *router) Receive(ctx context.Context, from string, payload []byte) Ack {
	env, err := wire.UnmarshalEnvelope(payload)
	if err != nil {
		err = fmt.Errorf("%w: %w", ErrMalformedPayload, err)
		r.track.Error("router", err)
		return Ack{Code: wire.StatusBadRequest, Message: err.Error()}
	}

	mLabels := withLabels(r.labels, LabelMsgType.M(env.Type))
	r.msink.IncrCounterWithLabels(MetricPcfInboundCount, 1.0, mLabels)

	if env.ID != "" {
		if ack, dup := r.claim(env.ID); dup {
			r.logger.Debug("duplicate suppressed", LabelMsgID.L(env.ID), LabelPeerAddr.L(from), "code", ack.Code)
			return ack
		}
	}

	r.mu.RLock()
	h, ok := r.handlers[env.Type]
	fallback := r.fallback
	r.mu.RUnlock()
	if !ok {
		r.logger.Info("no handler for message type, using default", LabelMsgType.L(env.Type))
		r.track.Notice(env.Type)
		h = fallback
	}

	msg := &Message{
		ID:        env.ID,
		Type:      env.Type,
		From:      from,
		Timestamp: time.UnixMilli(env.Timestamp),
		Payload:   env.Payload,
	}
	err = r.call(ctx, h, msg)
	if env.ID != "" {
		// a failed message stays open to retransmits.
		r.settle(env.ID, err == nil)
	}
	if err != nil {
		r.track.Error("router", err)
		return Ack{Code: wire.StatusHandlerFailed, Message: err.Error()}
	}
	return Ack{Code: wire.StatusOK, Message: "ok"}
}

// claim marks id in flight. It returns the acknowledgement of a duplicate:
// OK when id was already handled, unavailable while its first copy is
// still being handled so the sender does not take it for delivered.
func (r *router) claim(id string) (Ack, bool) {
	r.idMu.Lock()
	defer r.idMu.Unlock()
	if r.seen.Contains(id) {
		return Ack{Code: wire.StatusOK, Message: "duplicate"}, true
	}
	if _, ok := r.inflight[id]; ok {
		return Ack{Code: wire.StatusUnavailable, Message: "duplicate in progress"}, true
	}
	r.inflight[id] = struct{}{}
	return Ack{}, false
}

func (r *router) settle(id string, handled bool) {
	r.idMu.Lock()
	defer r.idMu.Unlock()
	delete(r.inflight, id)
	if handled {
		r.seen.Add(id, struct{}{})
	}
}

func (r *router) call(ctx context.Context, h Handler, msg *Message) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("router: %s handler panicked: %v", msg.Type, rec)
		}
	}()
	return h(ctx, msg)
}
