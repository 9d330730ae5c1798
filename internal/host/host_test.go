package host_test

import (
	"net/netip"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/CZERTAINLY/bas-agent/internal/host"
	"github.com/CZERTAINLY/bas-agent/internal/model"

	"github.com/stretchr/testify/require"
)

func addr(s string) model.NetworkAddress {
	return model.NetworkAddress{IP: netip.MustParseAddr(s)}
}

func TestMergePing(t *testing.T) {
	var testCases = []struct {
		scenario string
		givenOS  model.OperatingSystem
		ping     model.PingScanData
		thenOS   model.OperatingSystem
		thenICMP bool
	}{
		{
			scenario: "sets os",
			ping:     model.PingScanData{ResponseReceived: true, OS: model.OSLinux},
			thenOS:   model.OSLinux,
			thenICMP: true,
		},
		{
			scenario: "last known wins",
			givenOS:  model.OSWindows,
			ping:     model.PingScanData{ResponseReceived: true, OS: model.OSLinux},
			thenOS:   model.OSLinux,
			thenICMP: true,
		},
		{
			scenario: "unknown does not clear",
			givenOS:  model.OSWindows,
			ping:     model.PingScanData{ResponseReceived: true},
			thenOS:   model.OSWindows,
			thenICMP: true,
		},
		{
			scenario: "no response",
			ping:     model.PingScanData{},
			thenOS:   model.OSUnknown,
			thenICMP: false,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			h := model.NewTargetHost(addr("10.0.0.1"))
			h.OS = tc.givenOS
			host.MergePing(h, tc.ping)
			require.Equal(t, tc.thenOS, h.OS)
			require.Equal(t, tc.thenICMP, h.ICMP)
		})
	}
}

func TestMergePorts(t *testing.T) {
	h := model.NewTargetHost(addr("10.0.0.1"))
	open := host.MergePorts(h, map[uint16]model.PortScanData{
		22:  {Port: 22, Status: model.PortOpen, Service: "tcp-22", Banner: "SSH-2.0-OpenSSH_9.6"},
		80:  {Port: 80, Status: model.PortOpen, Service: "tcp-80"},
		443: {Port: 443, Status: model.PortClosed, Service: "tcp-443"},
		445: {Port: 445, Status: model.PortFiltered, Service: "tcp-445"},
	})

	require.True(t, open)
	require.Equal(t, map[string]model.Service{
		"tcp-22": {DisplayName: "unknown(TCP)", Port: 22, Banner: "SSH-2.0-OpenSSH_9.6"},
		"tcp-80": {DisplayName: "unknown(TCP)", Port: 80},
	}, h.Services)

	// a rescan overwrites the whole entry
	h.Services["tcp-80"] = model.Service{DisplayName: "http", Port: 80, Banner: "old", Details: map[string]string{"server": "nginx"}}
	require.True(t, host.MergePorts(h, map[uint16]model.PortScanData{
		80: {Port: 80, Status: model.PortOpen, Service: "tcp-80"},
	}))
	require.Equal(t, model.Service{DisplayName: "unknown(TCP)", Port: 80}, h.Services["tcp-80"])

	h2 := model.NewTargetHost(addr("10.0.0.2"))
	open = host.MergePorts(h2, map[uint16]model.PortScanData{
		443: {Port: 443, Status: model.PortClosed},
	})
	require.False(t, open)
	require.Empty(t, h2.Services)
}

func TestMergeFingerprintsAdditive(t *testing.T) {
	h := model.NewTargetHost(addr("10.0.0.1"))
	host.MergePorts(h, map[uint16]model.PortScanData{
		22: {Port: 22, Status: model.PortOpen, Service: "tcp-22", Banner: "SSH-2.0-OpenSSH_9.6"},
	})

	host.MergeFingerprints(h, []model.NamedFingerprint{
		{Name: "ssh", Data: model.FingerprintData{
			Services: map[string]model.Service{
				"tcp-22": {DisplayName: "ssh", Details: map[string]string{"host_key_type": "ssh-ed25519"}},
			},
		}},
		{Name: "nmap", Data: model.FingerprintData{
			Services: map[string]model.Service{
				"tcp-22": {Details: map[string]string{"product": "OpenSSH"}},
			},
		}},
	})

	require.Equal(t, model.Service{
		DisplayName: "ssh",
		Port:        22,
		Banner:      "SSH-2.0-OpenSSH_9.6",
		Details: map[string]string{
			"host_key_type": "ssh-ed25519",
			"product":       "OpenSSH",
		},
	}, h.Services["tcp-22"])
}

func TestMergeFingerprintsCreatesService(t *testing.T) {
	h := model.NewTargetHost(addr("10.0.0.1"))
	host.MergeFingerprints(h, []model.NamedFingerprint{
		{Name: "http", Data: model.FingerprintData{
			Services: map[string]model.Service{
				"tcp-8080": {DisplayName: "http", Port: 8080, Details: map[string]string{"server": "nginx"}},
			},
		}},
	})
	require.Equal(t, model.Service{
		DisplayName: "http",
		Port:        8080,
		Details:     map[string]string{"server": "nginx"},
	}, h.Services["tcp-8080"])
}

func TestMergeFingerprintsOS(t *testing.T) {
	t.Run("unknown never clears", func(t *testing.T) {
		h := model.NewTargetHost(addr("10.0.0.1"))
		h.OS = model.OSLinux
		host.MergeFingerprints(h, []model.NamedFingerprint{
			{Name: "http", Data: model.FingerprintData{OS: model.OSUnknown}},
		})
		require.Equal(t, model.OSLinux, h.OS)
	})

	t.Run("configured order decides", func(t *testing.T) {
		h := model.NewTargetHost(addr("10.0.0.1"))
		host.MergePing(h, model.PingScanData{ResponseReceived: true, OS: model.OSWindows})
		host.MergeFingerprints(h, []model.NamedFingerprint{
			{Name: "ssh", Data: model.FingerprintData{OS: model.OSLinux}},
			{Name: "http", Data: model.FingerprintData{}},
			{Name: "smb", Data: model.FingerprintData{OS: model.OSWindows}},
		})
		require.Equal(t, model.OSWindows, h.OS)
	})
}

func TestAggregatorProcess(t *testing.T) {
	a := host.NewAggregator()
	target := addr("10.0.0.1")

	res := model.IPScanResults{
		Ping: model.PingScanData{ResponseReceived: true, OS: model.OSLinux},
		Ports: map[uint16]model.PortScanData{
			22: {Port: 22, Status: model.PortOpen, Service: "tcp-22"},
		},
	}

	snapshot, enqueue := a.Process(target, res)
	require.True(t, enqueue)
	require.Equal(t, model.OSLinux, snapshot.OS)
	require.True(t, snapshot.ICMP)
	require.Contains(t, snapshot.Services, "tcp-22")

	// the same host is never enqueued twice
	_, enqueue = a.Process(target, res)
	require.False(t, enqueue)

	// no open port, not enqueued
	_, enqueue = a.Process(addr("10.0.0.2"), model.IPScanResults{
		Ping: model.PingScanData{ResponseReceived: true},
	})
	require.False(t, enqueue)

	// snapshots are not shared with the aggregator
	snapshot.Services["tcp-22"] = model.Service{DisplayName: "changed"}
	hosts := a.Hosts()
	require.Len(t, hosts, 2)
	require.Equal(t, "unknown(TCP)", hosts[0].Services["tcp-22"].DisplayName)
	require.Equal(t, target, hosts[0].Address)
	require.Equal(t, addr("10.0.0.2"), hosts[1].Address)
}

func TestAggregatorConcurrentMerge(t *testing.T) {
	const rounds = 200
	for range 20 {
		a := host.NewAggregator()
		target := addr("10.0.0.1")

		var wg sync.WaitGroup
		var queued atomic.Int32
		process := func(res model.IPScanResults) {
			if _, ok := a.Process(target, res); ok {
				queued.Add(1)
			}
		}
		wg.Go(func() {
			for i := range rounds {
				os := model.OSLinux
				if i%2 == 0 {
					os = model.OSWindows
				}
				process(model.IPScanResults{Ping: model.PingScanData{ResponseReceived: true, OS: os}})
			}
		})
		wg.Go(func() {
			for i := range rounds {
				port := uint16(1000 + i)
				process(model.IPScanResults{
					Ping: model.PingScanData{ResponseReceived: true},
					Ports: map[uint16]model.PortScanData{
						port: {Port: port, Status: model.PortOpen, Service: model.ServiceID(port), Banner: "banner"},
					},
				})
			}
		})
		wg.Go(func() {
			for i := range rounds {
				port := uint16(2000 + i)
				process(model.IPScanResults{
					Ping: model.PingScanData{ResponseReceived: true},
					Fingerprints: []model.NamedFingerprint{
						{Name: "fp", Data: model.FingerprintData{Services: map[string]model.Service{
							model.ServiceID(port): {Details: map[string]string{"seen": "yes"}},
						}}},
					},
				})
			}
		})
		wg.Go(func() {
			for range rounds {
				_ = a.Hosts()
			}
		})
		wg.Wait()

		require.Equal(t, int32(1), queued.Load())
		hosts := a.Hosts()
		require.Len(t, hosts, 1)
		h := hosts[0]
		require.True(t, h.ICMP)
		require.Len(t, h.Services, 2*rounds)
		for i := range rounds {
			port := uint16(1000 + i)
			require.Equal(t, model.Service{
				DisplayName: "unknown(TCP)",
				Port:        port,
				Banner:      "banner",
			}, h.Services[model.ServiceID(port)])
			require.Equal(t, model.Service{
				Details: map[string]string{"seen": "yes"},
			}, h.Services[model.ServiceID(2000+uint16(i))])
		}
	}
}
