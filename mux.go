package pcf

import (
	"context"
	"crypto/tls"
	"io"
	"net"
	"time"

	"github.com/hashicorp/yamux"
	"github.com/quic-go/quic-go"
)

const (
	NetworkTCP  = "tcp"
	NetworkQUIC = "quic"

	alpnPcf = "pcf/1"
)

// stream is a bidirectional byte stream multiplexed over a session.
type stream interface {
	io.ReadWriteCloser
	SetDeadline(t time.Time) error
}

// session is a multiplexed link to one remote host, several pooled
// connections to the same peer share it.
type session interface {
	OpenStream(ctx context.Context) (stream, error)
	AcceptStream(ctx context.Context) (stream, error)
	RemoteAddr() net.Addr
	Closed() <-chan struct{}
	Close() error
}

type listener interface {
	Accept(ctx context.Context) (session, error)
	Addr() net.Addr
	Close() error
}

type dialer func(ctx context.Context, addr string) (session, error)

// network bundles how to listen and dial for a given network.
type network struct {
	listen func(addr string) (listener, error)
	dial   dialer
}

func newNetwork(name string, tlsConf *tls.Config) (network, error) {
	switch name {
	case "", NetworkTCP:
		return network{listen: listenYamux, dial: dialYamux}, nil
	case NetworkQUIC:
		if tlsConf == nil {
			return network{}, ErrNoTLSConfig
		}
		tlsConf = tlsConf.Clone()
		if len(tlsConf.NextProtos) == 0 {
			tlsConf.NextProtos = []string{alpnPcf}
		}
		return network{
			listen: func(addr string) (listener, error) {
				return listenQuic(addr, tlsConf)
			},
			dial: func(ctx context.Context, addr string) (session, error) {
				return dialQuic(ctx, addr, tlsConf)
			},
		}, nil
	default:
		return network{}, ErrUnknownNetwork
	}
}

func yamuxConfig() *yamux.Config {
	cfg := yamux.DefaultConfig()
	cfg.LogOutput = io.Discard
	return cfg
}

type yamuxSession struct {
	*yamux.Session
}

func (s yamuxSession) OpenStream(ctx context.Context) (stream, error) {
	type result struct {
		st  *yamux.Stream
		err error
	}
	// yamux does not take a context, do not leak the stream if we gave up.
	ch := make(chan result, 1)
	go func() {
		st, err := s.Session.OpenStream()
		ch <- result{st, err}
	}()
	select {
	case <-ctx.Done():
		go func() {
			if res := <-ch; res.st != nil {
				res.st.Close()
			}
		}()
		return nil, ctx.Err()
	case res := <-ch:
		if res.err != nil {
			return nil, res.err
		}
		return res.st, nil
	}
}

func (s yamuxSession) AcceptStream(_ context.Context) (stream, error) {
	st, err := s.Session.AcceptStream()
	if err != nil {
		return nil, err
	}
	return st, nil
}

func (s yamuxSession) Closed() <-chan struct{} {
	return s.Session.CloseChan()
}

type yamuxListener struct {
	net.Listener
}

func listenYamux(addr string) (listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return yamuxListener{ln}, nil
}

// Accept ignores ctx, the listener unblocks on Close.
func (ln yamuxListener) Accept(_ context.Context) (session, error) {
	conn, err := ln.Listener.Accept()
	if err != nil {
		return nil, err
	}
	sess, err := yamux.Server(conn, yamuxConfig())
	if err != nil {
		conn.Close()
		return nil, err
	}
	return yamuxSession{sess}, nil
}

func dialYamux(ctx context.Context, addr string) (session, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	sess, err := yamux.Client(conn, yamuxConfig())
	if err != nil {
		conn.Close()
		return nil, err
	}
	return yamuxSession{sess}, nil
}

func quicConfig() *quic.Config {
	return &quic.Config{
		Versions:        []quic.Version{quic.Version2, quic.Version1},
		Allow0RTT:       false,
		MaxIdleTimeout:  1 * time.Minute,
		KeepAlivePeriod: 15 * time.Second,
	}
}

type quicSession struct {
	conn quic.Connection
}

func (s quicSession) OpenStream(ctx context.Context) (stream, error) {
	st, err := s.conn.OpenStreamSync(ctx)
	if err != nil {
		return nil, err
	}
	return quicStream{st}, nil
}

func (s quicSession) AcceptStream(ctx context.Context) (stream, error) {
	st, err := s.conn.AcceptStream(ctx)
	if err != nil {
		return nil, err
	}
	return quicStream{st}, nil
}

func (s quicSession) RemoteAddr() net.Addr {
	return s.conn.RemoteAddr()
}

func (s quicSession) Closed() <-chan struct{} {
	return s.conn.Context().Done()
}

func (s quicSession) Close() error {
	return QErrShutdown.Close(s.conn, "session closed")
}

// quicStream makes Close release both directions, a QUIC stream Close
// only ends the write side.
type quicStream struct {
	quic.Stream
}

func (st quicStream) Close() error {
	st.Stream.CancelRead(QErrStreamCancelled)
	return st.Stream.Close()
}

type quicListener struct {
	*quic.Listener
}

func listenQuic(addr string, tlsConf *tls.Config) (listener, error) {
	ln, err := quic.ListenAddr(addr, tlsConf, quicConfig())
	if err != nil {
		return nil, err
	}
	return quicListener{ln}, nil
}

func (ln quicListener) Accept(ctx context.Context) (session, error) {
	conn, err := ln.Listener.Accept(ctx)
	if err != nil {
		return nil, err
	}
	return quicSession{conn}, nil
}

func dialQuic(ctx context.Context, addr string, tlsConf *tls.Config) (session, error) {
	conn, err := quic.DialAddr(ctx, addr, tlsConf, quicConfig())
	if err != nil {
		return nil, err
	}
	return quicSession{conn}, nil
}
