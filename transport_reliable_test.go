package pcf

import (
	"context"
	"crypto/tls"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/raskyld/pcf/pkg/wire"
	"github.com/stretchr/testify/require"
)

type received struct {
	from    string
	payload []byte
}

type recorder struct {
	mu   sync.Mutex
	msgs []received
	ack  Ack
}

func (rec *recorder) handle(_ context.Context, from string, payload []byte) Ack {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	rec.msgs = append(rec.msgs, received{from: from, payload: payload})
	if rec.ack.Code == 0 {
		return Ack{Code: wire.StatusOK, Message: "ok"}
	}
	return rec.ack
}

func (rec *recorder) all() []received {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return append([]received(nil), rec.msgs...)
}

func newTestReliable(t *testing.T, name, network string, tlsConf *tls.Config) (*ReliableTransport, Descriptor) {
	t.Helper()
	tr, err := NewReliableTransport(&ReliableConfig{
		ListenAddr:  "127.0.0.1:0",
		Network:     network,
		TlsConfig:   tlsConf,
		DialTimeout: 2 * time.Second,
		MDNS:        MDNSConfig{Disabled: true},
		LogHandler:  testLogHandler(name),
		MetricSink:  metrics.NewInmemSink(time.Second, time.Minute),
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, tr.Close())
	})

	require.NoError(t, tr.Advertise(context.Background(), Descriptor{Name: name, Kind: KindReliable}))
	addr := tr.Addr()
	require.NotNil(t, addr)

	self := Descriptor{Name: name, Address: addr.String(), Kind: KindReliable}
	// the advertised address is only known once bound.
	tr.self.Store(&self)
	return tr, self
}

func TestReliableTransport_Networks(t *testing.T) {
	pki := newTestPKI(t)

	for _, network := range []string{NetworkTCP, NetworkQUIC} {
		t.Run(network, func(t *testing.T) {
			var srvTLS, cliTLS *tls.Config
			if network == NetworkQUIC {
				srvTLS = pki.tlsConfig(t, "server")
				cliTLS = pki.tlsConfig(t, "client")
			}
			srv, srvDesc := newTestReliable(t, "server", network, srvTLS)
			cli, cliDesc := newTestReliable(t, "client", network, cliTLS)

			rec := &recorder{}
			srv.RegisterReceiveHandler(rec.handle)

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			conn, err := cli.Connect(ctx, srvDesc)
			require.NoError(t, err)
			require.Equal(t, srvDesc.Address, conn.Peer())

			for i := range 3 {
				ack, err := cli.Send(ctx, conn, Outbound{Payload: []byte(fmt.Sprintf(`{"n":%d}`, i))})
				require.NoError(t, err)
				require.True(t, ack.OK())
			}

			msgs := rec.all()
			require.Len(t, msgs, 3, "messages are acknowledged once handled")
			for i, msg := range msgs {
				require.Equal(t, cliDesc.Address, msg.from)
				require.Equal(t, fmt.Sprintf(`{"n":%d}`, i), string(msg.payload))
			}

			t.Run("connections share the session", func(t *testing.T) {
				other, err := cli.Connect(ctx, srvDesc)
				require.NoError(t, err)
				require.NotEqual(t, conn.ID(), other.ID())

				cli.sessionsMu.RLock()
				require.Len(t, cli.sessions[srvDesc.Address], 1)
				cli.sessionsMu.RUnlock()

				ack, err := cli.Send(ctx, other, Outbound{Payload: []byte(`{"n":3}`)})
				require.NoError(t, err)
				require.True(t, ack.OK())
				require.NoError(t, other.Close())
			})
		})
	}
}

func TestReliableTransport_Rejection(t *testing.T) {
	srv, srvDesc := newTestReliable(t, "server", NetworkTCP, nil)
	cli, _ := newTestReliable(t, "client", NetworkTCP, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, err := cli.Connect(ctx, srvDesc)
	require.NoError(t, err)

	t.Run("no handler", func(t *testing.T) {
		ack, err := cli.Send(ctx, conn, Outbound{Payload: []byte(`{}`)})
		require.NoError(t, err)
		require.Equal(t, wire.StatusUnavailable, ack.Code)
	})

	t.Run("handler rejects", func(t *testing.T) {
		rec := &recorder{ack: Ack{Code: wire.StatusHandlerFailed, Message: "boom"}}
		srv.RegisterReceiveHandler(rec.handle)

		ack, err := cli.Send(ctx, conn, Outbound{Payload: []byte(`{}`)})
		require.NoError(t, err, "a rejection is still an acknowledgement")
		require.False(t, ack.OK())
		require.Equal(t, "boom", ack.Message)
	})
}

func TestReliableTransport_Failures(t *testing.T) {
	cli, _ := newTestReliable(t, "client", NetworkTCP, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	t.Run("nobody listens", func(t *testing.T) {
		_, err := cli.Connect(ctx, Descriptor{Address: fmt.Sprintf("127.0.0.1:%d", freePort(t))})
		require.ErrorIs(t, err, ErrConnection)
	})

	t.Run("foreign conn", func(t *testing.T) {
		_, err := cli.Send(ctx, &fakeConn{id: "x", peer: "x"}, Outbound{Payload: []byte(`{}`)})
		require.ErrorIs(t, err, ErrForeignConn)
	})

	t.Run("quic needs tls", func(t *testing.T) {
		_, err := NewReliableTransport(&ReliableConfig{ListenAddr: "127.0.0.1:0", Network: NetworkQUIC})
		require.ErrorIs(t, err, ErrConfig)
		require.ErrorIs(t, err, ErrNoTLSConfig)
	})

	t.Run("port in use", func(t *testing.T) {
		tr, err := NewReliableTransport(&ReliableConfig{
			ListenAddr: cli.Addr().String(),
			MDNS:       MDNSConfig{Disabled: true},
			LogHandler: testLogHandler("dup"),
		})
		require.NoError(t, err)
		err = tr.Advertise(ctx, Descriptor{Name: "dup"})
		require.ErrorIs(t, err, ErrTransportUnavailable)
		require.NoError(t, tr.Close())
	})

	t.Run("closed", func(t *testing.T) {
		tr, _ := newTestReliable(t, "closed", NetworkTCP, nil)
		require.NoError(t, tr.Close())
		_, err := tr.Connect(ctx, Descriptor{Address: cli.Addr().String()})
		require.ErrorIs(t, err, ErrFabricDown)
	})
}

func TestReliableTransport_DiscoverDisabled(t *testing.T) {
	tr, _ := newTestReliable(t, "lonely", NetworkTCP, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	found, err := tr.Discover(ctx)
	require.NoError(t, err)

	for range found {
		t.Fatal("nothing can be found without mDNS")
	}
}
