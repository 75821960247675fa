package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/raskyld/pcf"
)

// Node is what the admin API drives, a *pcf.Fabric in production.
type Node interface {
	Self() pcf.Descriptor
	Peers() []pcf.PeerInfo
	Snapshot() pcf.MetricsSnapshot
	ScanState() pcf.ScanState
	SendToPeers(ctx context.Context, payload map[string]any, recipient, typ string) (pcf.Result, error)
	Connect(ctx context.Context, addr string) error
	DiscoverPeers(interval time.Duration) error
}

var _ Node = (*pcf.Fabric)(nil)

// SendRequest is the body of `POST /v1/send`.
type SendRequest struct {
	Payload   map[string]any `json:"payload"`
	Recipient string         `json:"recipient,omitempty"`
	Type      string         `json:"type,omitempty"`
}

// SendResponse reports every delivery of a dispatch.
type SendResponse struct {
	ID         string     `json:"id"`
	Deliveries []Delivery `json:"deliveries"`
	LatencyMs  float64    `json:"latency_ms"`
}

type Delivery struct {
	Address   string  `json:"address"`
	Success   bool    `json:"success"`
	Code      int     `json:"code,omitempty"`
	Error     string  `json:"error,omitempty"`
	LatencyMs float64 `json:"latency_ms"`
}

// Snapshot is the JSON view of pcf.MetricsSnapshot.
type Snapshot struct {
	Errors        uint64    `json:"errors"`
	Notices       uint64    `json:"notices"`
	DroppedEvents uint64    `json:"dropped_events"`
	LatenciesMs   []float64 `json:"latencies_ms"`
	MeanLatencyMs float64   `json:"mean_latency_ms"`
	ScanState     string    `json:"scan_state"`
}

type ConnectRequest struct {
	Address string `json:"address"`
}

type DiscoverRequest struct {
	Interval Duration `json:"interval"`
}

// AdminHandler returns the chi router of the admin API. metricsHandler is
// mounted on /metrics when not nil.
func AdminHandler(node Node, metricsHandler http.Handler) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/v1", func(r chi.Router) {
		r.Get("/self", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, node.Self())
		})
		r.Get("/peers", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, node.Peers())
		})
		r.Get("/snapshot", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, snapshotOf(node.Snapshot(), node.ScanState()))
		})
		r.Post("/send", handleSend(node))
		r.Post("/connect", handleConnect(node))
		r.Post("/discover", handleDiscover(node))
	})

	if metricsHandler != nil {
		r.Handle("/metrics", metricsHandler)
	}
	return r
}

func handleSend(node Node) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req SendRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
			return
		}

		res, err := node.SendToPeers(r.Context(), req.Payload, req.Recipient, req.Type)
		if err != nil {
			writeError(w, statusOf(err), err.Error())
			return
		}

		resp := SendResponse{
			ID:         res.ID,
			Deliveries: make([]Delivery, 0, len(res.Deliveries)),
			LatencyMs:  ms(res.Latency),
		}
		for _, d := range res.Deliveries {
			out := Delivery{
				Address:   d.Address,
				Success:   d.Success,
				Code:      d.Ack.Code,
				LatencyMs: ms(d.Latency),
			}
			if d.Err != nil {
				out.Error = d.Err.Error()
			}
			resp.Deliveries = append(resp.Deliveries, out)
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func handleConnect(node Node) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req ConnectRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Address == "" {
			writeError(w, http.StatusBadRequest, "an address is required")
			return
		}
		if err := node.Connect(r.Context(), req.Address); err != nil {
			writeError(w, statusOf(err), err.Error())
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func handleDiscover(node Node) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req DiscoverRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
			return
		}
		if err := node.DiscoverPeers(req.Interval.Duration); err != nil {
			writeError(w, statusOf(err), err.Error())
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, pcf.ErrEmptyPayload),
		errors.Is(err, pcf.ErrMalformedPayload),
		errors.Is(err, pcf.ErrConfig):
		return http.StatusBadRequest
	case errors.Is(err, pcf.ErrUnknownPeer):
		return http.StatusNotFound
	case errors.Is(err, pcf.ErrFabricDown):
		return http.StatusServiceUnavailable
	case errors.Is(err, pcf.ErrConnection):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func snapshotOf(snap pcf.MetricsSnapshot, state pcf.ScanState) Snapshot {
	out := Snapshot{
		Errors:        snap.Errors,
		Notices:       snap.Notices,
		DroppedEvents: snap.DroppedEvents,
		LatenciesMs:   make([]float64, 0, len(snap.Latencies)),
		MeanLatencyMs: ms(snap.MeanLatency),
		ScanState:     state.String(),
	}
	for _, d := range snap.Latencies {
		out.LatenciesMs = append(out.LatenciesMs, ms(d))
	}
	return out
}

func ms(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]any{
			"message": msg,
			"status":  status,
		},
	})
}
