package pcf

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"log/slog"
	"math/big"
	"net"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/hashicorp/go-metrics"
)

func testLogHandler(emitter string) slog.Handler {
	return slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level:     slog.LevelDebug,
		AddSource: true,
	}).WithAttrs([]slog.Attr{
		{Key: "emitter", Value: slog.StringValue(emitter)},
	})
}

func testLogger(emitter string) *slog.Logger {
	return slog.New(testLogHandler(emitter))
}

// testConfig returns the default config driven by a mock clock.
func testConfig(t *testing.T, opts ...Option) (*config, *clock.Mock) {
	t.Helper()
	mock := clock.NewMock()
	cfg := defaultConfig()
	cfg.name = "self"
	cfg.clock = mock
	cfg.msink = metrics.NewInmemSink(time.Second, 5*time.Minute)
	for _, opt := range opts {
		if err := opt(&cfg); err != nil {
			t.Fatalf("invalid option: %s", err)
		}
	}
	return &cfg, mock
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to find a free port: %s", err)
	}
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

func generateKeyPair(t *testing.T) *ecdsa.PrivateKey {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("failed to generate private key: %s", err)
		return nil
	}
	return key
}

func generateCert(t *testing.T, tmpl, parent *x509.Certificate, pub *ecdsa.PublicKey, signer *ecdsa.PrivateKey) []byte {
	t.Helper()
	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		t.Fatalf("failed to generate serialNumber: %s", err)
	}
	tmpl.SerialNumber = serialNumber
	tmpl.NotBefore = time.Now()
	tmpl.NotAfter = time.Now().Add(1 * time.Hour)
	tmpl.IPAddresses = []net.IP{{127, 0, 0, 1}}
	tmpl.BasicConstraintsValid = true

	if parent == nil {
		parent = tmpl
	}
	certDER, err := x509.CreateCertificate(rand.Reader, tmpl, parent, pub, signer)
	if err != nil {
		t.Fatalf("failed to generate certificate %s: %s", tmpl.Subject.CommonName, err)
		return nil
	}
	return certDER
}

// testPKI is a self-signed CA issuing mTLS configurations for loopback
// nodes.
type testPKI struct {
	ca    *x509.Certificate
	caKey *ecdsa.PrivateKey
	pool  *x509.CertPool
}

func newTestPKI(t *testing.T) *testPKI {
	t.Helper()
	caKey := generateKeyPair(t)
	caDER := generateCert(t, &x509.Certificate{
		Subject:  pkix.Name{CommonName: "self-signed"},
		KeyUsage: x509.KeyUsageCertSign,
		IsCA:     true,
	}, nil, &caKey.PublicKey, caKey)

	ca, err := x509.ParseCertificate(caDER)
	if err != nil {
		t.Fatalf("failed to parse CA: %s", err)
	}
	pool := x509.NewCertPool()
	pool.AddCert(ca)
	return &testPKI{ca: ca, caKey: caKey, pool: pool}
}

func (pki *testPKI) tlsConfig(t *testing.T, cn string) *tls.Config {
	t.Helper()
	key := generateKeyPair(t)
	leafDER := generateCert(t, &x509.Certificate{
		Subject:     pkix.Name{CommonName: cn},
		KeyUsage:    x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth, x509.ExtKeyUsageServerAuth},
	}, pki.ca, &key.PublicKey, pki.caKey)

	leaf, err := x509.ParseCertificate(leafDER)
	if err != nil {
		t.Fatalf("failed to parse %s: %s", cn, err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{
			{
				Certificate: [][]byte{leafDER},
				Leaf:        leaf,
				PrivateKey:  key,
			},
		},
		ClientAuth: tls.RequireAndVerifyClientCert,
		ClientCAs:  pki.pool,
		RootCAs:    pki.pool,
	}
}

// fakeTransport is an in-memory Transport whose failures are scripted per
// peer address.
type fakeTransport struct {
	mu sync.Mutex

	found        []Descriptor
	discoverErr  error
	discovers    int
	advertiseErr error
	advertised   int

	connectErr   map[string]error
	connectDelay time.Duration
	connects     map[string]int
	connSeq      int

	sendErr map[string]error
	acks    map[string]Ack
	sent    map[string][][]byte

	handler  ReceiveHandler
	stateFns []func(bool)
	closed   bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		connectErr: make(map[string]error),
		connects:   make(map[string]int),
		sendErr:    make(map[string]error),
		acks:       make(map[string]Ack),
		sent:       make(map[string][][]byte),
	}
}

var _ Transport = (*fakeTransport)(nil)

func (f *fakeTransport) Kind() Kind {
	return KindReliable
}

func (f *fakeTransport) Advertise(_ context.Context, _ Descriptor) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.advertised++
	return f.advertiseErr
}

func (f *fakeTransport) Discover(_ context.Context) (<-chan Descriptor, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.discovers++
	if f.discoverErr != nil {
		return nil, f.discoverErr
	}
	out := make(chan Descriptor, len(f.found))
	for _, desc := range f.found {
		out <- desc
	}
	close(out)
	return out, nil
}

func (f *fakeTransport) Connect(ctx context.Context, peer Descriptor) (Conn, error) {
	f.mu.Lock()
	delay := f.connectDelay
	f.mu.Unlock()
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %w", ErrConnection, ctx.Err())
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects[peer.Address]++
	if err := f.connectErr[peer.Address]; err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnection, err)
	}
	f.connSeq++
	return &fakeConn{id: fmt.Sprintf("%s#%d", peer.Address, f.connSeq), peer: peer.Address}, nil
}

func (f *fakeTransport) Send(_ context.Context, conn Conn, msg Outbound) (Ack, error) {
	fc, ok := conn.(*fakeConn)
	if !ok {
		return Ack{}, fmt.Errorf("%w: %w", ErrSend, ErrForeignConn)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	addr := fc.Peer()
	f.sent[addr] = append(f.sent[addr], msg.Payload)
	if err := f.sendErr[addr]; err != nil {
		return Ack{}, fmt.Errorf("%w: %w", ErrSend, err)
	}
	if ack, ok := f.acks[addr]; ok {
		return ack, nil
	}
	return Ack{Code: 200, Message: "ok"}, nil
}

func (f *fakeTransport) RegisterReceiveHandler(handler ReceiveHandler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handler = handler
}

func (f *fakeTransport) OnStateChange(fn func(bool)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stateFns = append(f.stateFns, fn)
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeTransport) connectCount(addr string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects[addr]
}

func (f *fakeTransport) sentTo(addr string) [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.sent[addr]...)
}

func (f *fakeTransport) discoverCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.discovers
}

type fakeConn struct {
	id     string
	peer   string
	closed bool
}

func (c *fakeConn) ID() string   { return c.id }
func (c *fakeConn) Peer() string { return c.peer }
func (c *fakeConn) Close() error {
	c.closed = true
	return nil
}
