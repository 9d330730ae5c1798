package scanner_test

import (
	"context"
	"net/netip"
	"sync"
	"sync/atomic"
	"testing"
	"testing/synctest"
	"time"

	"github.com/CZERTAINLY/bas-agent/internal/fingerprint"
	"github.com/CZERTAINLY/bas-agent/internal/model"
	"github.com/CZERTAINLY/bas-agent/internal/scanner"
	"github.com/CZERTAINLY/bas-agent/internal/scanner/mock"

	tmock "github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/mock/gomock"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type MockFingerprinter struct {
	tmock.Mock
}

func NewMockFingerprinter(t *testing.T) *MockFingerprinter {
	f := new(MockFingerprinter)
	t.Cleanup(func() { f.AssertExpectations(t) })
	return f
}

func (f *MockFingerprinter) Fingerprint(ctx context.Context, target fingerprint.Target, options map[string]any) (model.FingerprintData, error) {
	args := f.Called(ctx, target, options)
	var ret model.FingerprintData
	if x, ok := args.Get(0).(model.FingerprintData); ok {
		ret = x
	}
	return ret, args.Error(1)
}

func addr(s string) model.NetworkAddress {
	return model.NetworkAddress{IP: netip.MustParseAddr(s)}
}

func netScan(fingerprinters ...model.PluginConfig) model.NetworkScan {
	return model.NetworkScan{
		TCP: model.TCPScan{
			Ports:   []uint16{22, 80},
			Timeout: model.Duration(time.Second),
		},
		ICMP: model.ICMPScan{
			Timeout: model.Duration(time.Second),
		},
		Fingerprinters: fingerprinters,
		Concurrency:    4,
	}
}

type collector struct {
	mx      sync.Mutex
	results map[model.NetworkAddress]model.IPScanResults
	calls   int
}

func (c *collector) onResult(a model.NetworkAddress, r model.IPScanResults) {
	c.mx.Lock()
	defer c.mx.Unlock()
	if c.results == nil {
		c.results = make(map[model.NetworkAddress]model.IPScanResults)
	}
	c.results[a] = r
	c.calls++
}

func TestScan(t *testing.T) {
	ctrl := gomock.NewController(t)
	pinger := mock.NewMockPinger(ctrl)
	ports := mock.NewMockPortScanner(ctrl)

	up := addr("10.0.0.1")       // ping and ssh
	silent := addr("10.0.0.2")   // nothing
	pingOnly := addr("10.0.0.3") // icmp reply, no open port

	open22 := map[uint16]model.PortScanData{
		22: {Port: 22, Status: model.PortOpen, Service: "tcp-22", Banner: "SSH-2.0-OpenSSH_9.6"},
		80: {Port: 80, Status: model.PortClosed, Service: "tcp-80"},
	}
	closed := map[uint16]model.PortScanData{
		22: {Port: 22, Status: model.PortFiltered, Service: "tcp-22"},
		80: {Port: 80, Status: model.PortClosed, Service: "tcp-80"},
	}

	pinger.EXPECT().Ping(gomock.Any(), up.IP, time.Second).Return(model.PingScanData{ResponseReceived: true, OS: model.OSLinux}, nil)
	pinger.EXPECT().Ping(gomock.Any(), silent.IP, time.Second).Return(model.PingScanData{}, nil)
	pinger.EXPECT().Ping(gomock.Any(), pingOnly.IP, time.Second).Return(model.PingScanData{ResponseReceived: true}, nil)
	ports.EXPECT().ScanPorts(gomock.Any(), up.IP, []uint16{22, 80}, time.Second).Return(open22, nil)
	ports.EXPECT().ScanPorts(gomock.Any(), silent.IP, []uint16{22, 80}, time.Second).Return(closed, nil)
	ports.EXPECT().ScanPorts(gomock.Any(), pingOnly.IP, []uint16{22, 80}, time.Second).Return(closed, nil)

	first := NewMockFingerprinter(t)
	second := NewMockFingerprinter(t)
	firstData := model.FingerprintData{
		OS:       model.OSLinux,
		Services: map[string]model.Service{"tcp-22": {DisplayName: "ssh", Details: map[string]string{"version": "9.6"}}},
	}
	secondData := model.FingerprintData{
		Services: map[string]model.Service{"tcp-22": {Details: map[string]string{"product": "OpenSSH"}}},
	}
	isUp := tmock.MatchedBy(func(target fingerprint.Target) bool { return target.Address == up })
	isPingOnly := tmock.MatchedBy(func(target fingerprint.Target) bool { return target.Address == pingOnly })
	first.On("Fingerprint", tmock.Anything, isUp, map[string]any{"timeout": "1s"}).Return(firstData, nil).Once()
	first.On("Fingerprint", tmock.Anything, isPingOnly, map[string]any{"timeout": "1s"}).Return(model.FingerprintData{}, nil).Once()
	second.On("Fingerprint", tmock.Anything, isUp, map[string]any(nil)).Return(secondData, nil).Once()
	second.On("Fingerprint", tmock.Anything, isPingOnly, map[string]any(nil)).Return(model.FingerprintData{}, nil).Once()

	registry := fingerprint.NewRegistry()
	require.NoError(t, registry.Register("first", first))
	require.NoError(t, registry.Register("second", second))

	s := scanner.New(pinger, ports, registry)
	var c collector
	err := s.Scan(
		t.Context(),
		[]model.NetworkAddress{up, silent, pingOnly},
		netScan(
			model.PluginConfig{Name: "first", Options: map[string]any{"timeout": "1s"}},
			model.PluginConfig{Name: "second"},
		),
		c.onResult,
	)
	require.NoError(t, err)
	require.Equal(t, 3, c.calls)

	got := c.results[up]
	require.True(t, got.Ping.ResponseReceived)
	require.Equal(t, open22, got.Ports)
	require.True(t, got.FoundOpenPort())
	require.Equal(t, []model.NamedFingerprint{
		{Name: "first", Data: firstData},
		{Name: "second", Data: secondData},
	}, got.Fingerprints)

	got = c.results[silent]
	require.False(t, got.Ping.ResponseReceived)
	require.False(t, got.FoundOpenPort())
	require.Empty(t, got.Fingerprints)

	got = c.results[pingOnly]
	require.True(t, got.Ping.ResponseReceived)
	require.Len(t, got.Fingerprints, 2)
}

func TestScanProbeErrors(t *testing.T) {
	ctrl := gomock.NewController(t)
	pinger := mock.NewMockPinger(ctrl)
	ports := mock.NewMockPortScanner(ctrl)
	fp := NewMockFingerprinter(t)

	target := addr("192.168.1.1")
	pinger.EXPECT().Ping(gomock.Any(), target.IP, gomock.Any()).Return(model.PingScanData{ResponseReceived: true}, nil)
	ports.EXPECT().ScanPorts(gomock.Any(), target.IP, gomock.Any(), gomock.Any()).Return(nil, context.DeadlineExceeded)
	fp.On("Fingerprint", tmock.Anything, tmock.Anything, tmock.Anything).Return(nil, context.DeadlineExceeded).Once()

	registry := fingerprint.NewRegistry()
	require.NoError(t, registry.Register("fp", fp))

	var c collector
	err := scanner.New(pinger, ports, registry).Scan(
		t.Context(),
		[]model.NetworkAddress{target},
		netScan(model.PluginConfig{Name: "fp"}),
		c.onResult,
	)
	require.NoError(t, err)
	require.Equal(t, 1, c.calls)
	got := c.results[target]
	require.True(t, got.Ping.ResponseReceived)
	require.NotNil(t, got.Ports)
	require.Empty(t, got.Ports)
	require.Empty(t, got.Fingerprints)
}

func TestScanUnknownFingerprinter(t *testing.T) {
	ctrl := gomock.NewController(t)
	// no calls expected
	pinger := mock.NewMockPinger(ctrl)
	ports := mock.NewMockPortScanner(ctrl)

	s := scanner.New(pinger, ports, fingerprint.Default())
	cfg := netScan(model.PluginConfig{Name: "ssh"}, model.PluginConfig{Name: "smb"})
	require.ErrorIs(t, s.Check(cfg), model.ErrUnknownPlugin)

	var c collector
	err := s.Scan(t.Context(), []model.NetworkAddress{addr("10.0.0.1")}, cfg, c.onResult)
	require.Error(t, err)
	var cfgErr model.ConfigError
	require.ErrorAs(t, err, &cfgErr)
	require.Zero(t, c.calls)
}

func TestScanCancelled(t *testing.T) {
	ctrl := gomock.NewController(t)
	pinger := mock.NewMockPinger(ctrl)
	ports := mock.NewMockPortScanner(ctrl)

	ctx, cancel := context.WithCancel(t.Context())
	cancel()

	var c collector
	err := scanner.New(pinger, ports, fingerprint.NewRegistry()).Scan(
		ctx,
		[]model.NetworkAddress{addr("10.0.0.1"), addr("10.0.0.2")},
		netScan(),
		c.onResult,
	)
	require.NoError(t, err)
	require.Zero(t, c.calls)
}

type slowPinger struct {
	inFlight atomic.Int32
	max      atomic.Int32
}

func (p *slowPinger) Ping(_ context.Context, _ netip.Addr, _ time.Duration) (model.PingScanData, error) {
	n := p.inFlight.Add(1)
	defer p.inFlight.Add(-1)
	for {
		m := p.max.Load()
		if n <= m || p.max.CompareAndSwap(m, n) {
			break
		}
	}
	time.Sleep(100 * time.Millisecond)
	return model.PingScanData{}, nil
}

type noPorts struct{}

func (noPorts) ScanPorts(context.Context, netip.Addr, []uint16, time.Duration) (map[uint16]model.PortScanData, error) {
	return map[uint16]model.PortScanData{}, nil
}

func TestScanConcurrencyLimit(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		pinger := &slowPinger{}
		targets := make([]model.NetworkAddress, 10)
		for i := range targets {
			targets[i] = model.NetworkAddress{IP: netip.AddrFrom4([4]byte{10, 0, 0, byte(i + 1)})}
		}
		cfg := netScan()
		cfg.Concurrency = 3

		var c collector
		start := time.Now()
		err := scanner.New(pinger, noPorts{}, fingerprint.NewRegistry()).Scan(t.Context(), targets, cfg, c.onResult)
		require.NoError(t, err)
		require.Equal(t, 10, c.calls)
		require.Equal(t, int32(3), pinger.max.Load())
		// 10 targets, 3 at a time, 100ms each
		require.Equal(t, 400*time.Millisecond, time.Since(start))
	})
}

func TestScanCancelledMidway(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		pinger := &slowPinger{}
		targets := make([]model.NetworkAddress, 100)
		for i := range targets {
			targets[i] = model.NetworkAddress{IP: netip.AddrFrom4([4]byte{10, 0, 1, byte(i + 1)})}
		}
		cfg := netScan()
		cfg.Concurrency = 5

		ctx, cancel := context.WithCancel(t.Context())
		var c collector
		done := make(chan error)
		go func() {
			done <- scanner.New(pinger, noPorts{}, fingerprint.NewRegistry()).Scan(ctx, targets, cfg, c.onResult)
		}()
		time.Sleep(250 * time.Millisecond)
		cancel()
		require.NoError(t, <-done)

		c.mx.Lock()
		defer c.mx.Unlock()
		require.Less(t, c.calls, 100)
		require.GreaterOrEqual(t, c.calls, 10)
	})
}
