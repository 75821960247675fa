package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/raskyld/pcf"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockNode struct {
	mock.Mock
}

func (m *mockNode) Self() pcf.Descriptor {
	return m.Called().Get(0).(pcf.Descriptor)
}

func (m *mockNode) Peers() []pcf.PeerInfo {
	return m.Called().Get(0).([]pcf.PeerInfo)
}

func (m *mockNode) Snapshot() pcf.MetricsSnapshot {
	return m.Called().Get(0).(pcf.MetricsSnapshot)
}

func (m *mockNode) ScanState() pcf.ScanState {
	return m.Called().Get(0).(pcf.ScanState)
}

func (m *mockNode) SendToPeers(ctx context.Context, payload map[string]any, recipient, typ string) (pcf.Result, error) {
	args := m.Called(payload, recipient, typ)
	return args.Get(0).(pcf.Result), args.Error(1)
}

func (m *mockNode) Connect(ctx context.Context, addr string) error {
	return m.Called(addr).Error(0)
}

func (m *mockNode) DiscoverPeers(interval time.Duration) error {
	return m.Called(interval).Error(0)
}

func serve(t *testing.T, node Node, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	AdminHandler(node, nil).ServeHTTP(rec, req)
	return rec
}

func TestAdmin_Send(t *testing.T) {
	node := &mockNode{}
	node.On("SendToPeers", map[string]any{"text": "hi"}, "", "chat").Return(pcf.Result{
		ID: "m-1",
		Deliveries: []pcf.Delivery{
			{Address: "10.0.0.1:6174", Success: true, Ack: pcf.Ack{Code: 200}, Latency: 2 * time.Millisecond},
			{Address: "10.0.0.2:6174", Err: errors.New("transport: send failed")},
		},
		Latency: 3 * time.Millisecond,
	}, nil).Once()

	rec := serve(t, node, http.MethodPost, "/v1/send", `{"payload":{"text":"hi"},"type":"chat"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp SendResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.Equal(t, "m-1", resp.ID)
	require.Equal(t, 3.0, resp.LatencyMs)
	require.Len(t, resp.Deliveries, 2)
	require.True(t, resp.Deliveries[0].Success)
	require.Equal(t, 200, resp.Deliveries[0].Code)
	require.Equal(t, "transport: send failed", resp.Deliveries[1].Error)
	node.AssertExpectations(t)
}

func TestAdmin_SendErrors(t *testing.T) {
	for _, tc := range []struct {
		name   string
		err    error
		status int
	}{
		{name: "empty payload", err: pcf.ErrEmptyPayload, status: http.StatusBadRequest},
		{name: "unknown peer", err: pcf.ErrUnknownPeer, status: http.StatusNotFound},
		{name: "fabric down", err: pcf.ErrFabricDown, status: http.StatusServiceUnavailable},
	} {
		t.Run(tc.name, func(t *testing.T) {
			node := &mockNode{}
			node.On("SendToPeers", mock.Anything, "10.0.0.9:6174", "").Return(pcf.Result{}, tc.err).Once()

			rec := serve(t, node, http.MethodPost, "/v1/send", `{"payload":{},"recipient":"10.0.0.9:6174"}`)
			require.Equal(t, tc.status, rec.Code)
			require.Contains(t, rec.Body.String(), tc.err.Error())
			node.AssertExpectations(t)
		})
	}

	t.Run("invalid body", func(t *testing.T) {
		node := &mockNode{}
		rec := serve(t, node, http.MethodPost, "/v1/send", `{"payload":`)
		require.Equal(t, http.StatusBadRequest, rec.Code)
		node.AssertNotCalled(t, "SendToPeers", mock.Anything, mock.Anything, mock.Anything)
	})
}

func TestAdmin_Introspection(t *testing.T) {
	node := &mockNode{}
	node.On("Peers").Return([]pcf.PeerInfo{
		{Address: "10.0.0.1:6174", Name: "n1", Kind: pcf.KindReliable, State: pcf.PeerConnected, PoolSize: 4},
	})
	node.On("Snapshot").Return(pcf.MetricsSnapshot{
		Errors:      2,
		Latencies:   []time.Duration{time.Millisecond, 3 * time.Millisecond},
		MeanLatency: 2 * time.Millisecond,
	})
	node.On("ScanState").Return(pcf.ScanScanning)

	rec := serve(t, node, http.MethodGet, "/v1/peers", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var peers []pcf.PeerInfo
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&peers))
	require.Len(t, peers, 1)
	require.Equal(t, pcf.PeerConnected, peers[0].State)

	rec = serve(t, node, http.MethodGet, "/v1/snapshot", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var snap Snapshot
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&snap))
	require.EqualValues(t, 2, snap.Errors)
	require.Equal(t, []float64{1, 3}, snap.LatenciesMs)
	require.Equal(t, 2.0, snap.MeanLatencyMs)
	require.Equal(t, "scanning", snap.ScanState)
}

func TestAdmin_Control(t *testing.T) {
	node := &mockNode{}
	node.On("Connect", "10.0.0.1:6174").Return(nil).Once()
	node.On("Connect", "10.0.0.2:6174").Return(pcf.ErrConnection).Once()
	node.On("DiscoverPeers", time.Minute).Return(nil).Once()

	rec := serve(t, node, http.MethodPost, "/v1/connect", `{"address":"10.0.0.1:6174"}`)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = serve(t, node, http.MethodPost, "/v1/connect", `{"address":"10.0.0.2:6174"}`)
	require.Equal(t, http.StatusBadGateway, rec.Code)

	rec = serve(t, node, http.MethodPost, "/v1/connect", `{}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = serve(t, node, http.MethodPost, "/v1/discover", `{"interval":"1m"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)

	node.AssertExpectations(t)
}
