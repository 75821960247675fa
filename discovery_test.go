package pcf

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

var testSelf = Descriptor{Name: "self", Address: "127.0.0.1:7000", Kind: KindReliable}

// advertiseMock scripts the advertisement outcomes of an otherwise fake
// transport.
type advertiseMock struct {
	*fakeTransport
	mock.Mock
	calls atomic.Int32
}

func (m *advertiseMock) Advertise(_ context.Context, self Descriptor) error {
	m.calls.Add(1)
	args := m.Called(self)
	return args.Error(0)
}

func newTestDiscovery(t *testing.T, tr Transport, opts ...Option) (*discovery, *registry, *tracker, *foundRecorder) {
	t.Helper()
	cfg, _ := testConfig(t, opts...)
	return newTestDiscoveryWith(t, cfg, tr)
}

func newTestDiscoveryWith(t *testing.T, cfg *config, tr Transport) (*discovery, *registry, *tracker, *foundRecorder) {
	t.Helper()
	logger := testLogger("discovery")
	track := newTracker(cfg, logger, nil)
	reg := newRegistry(cfg, tr, logger, track)
	rec := &foundRecorder{}
	d := newDiscovery(cfg, tr, reg, testSelf, logger, track, rec.found)
	t.Cleanup(d.Close)
	return d, reg, track, rec
}

type foundRecorder struct {
	mu    sync.Mutex
	descs []Descriptor
}

func (rec *foundRecorder) found(desc Descriptor) {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	rec.descs = append(rec.descs, desc)
}

func (rec *foundRecorder) addresses() []string {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	var out []string
	for _, desc := range rec.descs {
		out = append(out, desc.Address)
	}
	return out
}

func TestDiscovery_Scan(t *testing.T) {
	tr := newFakeTransport()
	tr.found = []Descriptor{
		{Name: "self", Address: "10.0.0.5:7000", Kind: KindReliable},
		{Name: "ghost", Address: testSelf.Address, Kind: KindReliable},
		{Name: "n1", Address: "10.0.0.1:7000", Kind: KindReliable},
		{Name: "n2", Address: "10.0.0.2:7000", Kind: KindReliable},
	}
	cfg, clk := testConfig(t, WithScan(5*time.Second, 30*time.Second))
	d, reg, _, rec := newTestDiscoveryWith(t, cfg, tr)

	require.NoError(t, d.Start(context.Background(), 0))
	require.Eventually(t, func() bool {
		return tr.discoverCount() == 1 && len(rec.addresses()) == 2
	}, time.Second, 10*time.Millisecond)

	require.ElementsMatch(t, []string{"10.0.0.1:7000", "10.0.0.2:7000"}, rec.addresses(), "the node never registers itself")
	require.Len(t, reg.Peers(), 2)

	t.Run("scans repeat every interval", func(t *testing.T) {
		require.Eventually(t, func() bool {
			clk.Add(30 * time.Second)
			return tr.discoverCount() >= 2
		}, 5*time.Second, 10*time.Millisecond)
		require.Len(t, rec.addresses(), 2, "known peers are not reported twice")
	})

	d.Stop()
	require.Equal(t, ScanIdle, d.State())
}

func TestDiscovery_Restart(t *testing.T) {
	d, _, _, _ := newTestDiscovery(t, newFakeTransport(), WithScan(5*time.Second, 30*time.Second))

	err := d.Start(context.Background(), time.Second)
	require.ErrorIs(t, err, ErrConfig, "interval must fit the scan window")

	require.NoError(t, d.Start(context.Background(), time.Minute))
	require.NoError(t, d.Start(context.Background(), 0))
	d.mu.Lock()
	require.Equal(t, time.Minute, d.interval, "a zero interval keeps the current one")
	d.mu.Unlock()
}

func TestDiscovery_ScanFailure(t *testing.T) {
	tr := newFakeTransport()
	tr.discoverErr = errors.New("no multicast interface")
	d, _, track, _ := newTestDiscovery(t, tr)

	d.scan(context.Background())
	require.EqualValues(t, 1, track.Snapshot().Errors)
	require.Equal(t, ScanIdle, d.State())
}

func TestDiscovery_AdvertiseRetry(t *testing.T) {
	tr := &advertiseMock{fakeTransport: newFakeTransport()}
	tr.On("Advertise", testSelf).Return(ErrTransportUnavailable).Times(2)
	tr.On("Advertise", testSelf).Return(nil).Once()

	cfg, clk := testConfig(t, WithAdvertiseBackoff(Backoff{Base: time.Second, Max: 2 * time.Second}))
	d, _, track, _ := newTestDiscoveryWith(t, cfg, tr)

	require.NoError(t, d.Advertise(context.Background()), "an unavailable medium is retried in the background")
	require.EqualValues(t, 1, track.Snapshot().Errors)

	require.Eventually(t, func() bool {
		clk.Add(time.Second)
		return tr.calls.Load() == 3
	}, 5*time.Second, 10*time.Millisecond)

	d.mu.Lock()
	retry := d.retry
	d.mu.Unlock()
	<-retry.Done()
	require.NoError(t, retry.Err())
	tr.AssertExpectations(t)
}

func TestDiscovery_AdvertiseFatal(t *testing.T) {
	tr := &advertiseMock{fakeTransport: newFakeTransport()}
	tr.On("Advertise", testSelf).Return(ErrNoTLSConfig).Once()
	d, _, _, _ := newTestDiscovery(t, tr)

	require.ErrorIs(t, d.Advertise(context.Background()), ErrNoTLSConfig)
	d.mu.Lock()
	require.Nil(t, d.retry, "only an unavailable medium is retried")
	d.mu.Unlock()
	tr.AssertExpectations(t)
}
