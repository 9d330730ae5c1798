// Package host aggregates the scan results into per-host records
package host

import (
	"cmp"
	"maps"
	"slices"
	"strings"
	"sync"

	"github.com/CZERTAINLY/bas-agent/internal/model"
)

// MergePing records the ping result. A known OS guess overwrites the
// current one, unknown never clears it.
func MergePing(h *model.TargetHost, ping model.PingScanData) {
	h.ICMP = ping.ResponseReceived
	if ping.OS != model.OSUnknown {
		h.OS = ping.OS
	}
}

// tcpServiceName names services of open ports until a fingerprinter
// recognizes them
const tcpServiceName = "unknown(TCP)"

// MergePorts creates or overwrites the service entry of every open port. It
// reports whether at least one port was open.
func MergePorts(h *model.TargetHost, ports map[uint16]model.PortScanData) bool {
	var open bool
	for _, port := range slices.Sorted(maps.Keys(ports)) {
		p := ports[port]
		if p.Status != model.PortOpen {
			continue
		}
		id := p.Service
		if id == "" {
			id = model.ServiceID(port)
		}
		h.Services[id] = model.Service{
			DisplayName: tcpServiceName,
			Port:        port,
			Banner:      p.Banner,
		}
		open = true
	}
	return open
}

// MergeFingerprints applies the fingerprints in the given order. The last
// known OS wins and reported services are merged field by field into the
// existing entries.
func MergeFingerprints(h *model.TargetHost, fingerprints []model.NamedFingerprint) {
	for _, fp := range fingerprints {
		if fp.Data.OS != model.OSUnknown {
			h.OS = fp.Data.OS
		}
		for _, id := range slices.Sorted(maps.Keys(fp.Data.Services)) {
			svc := h.Services[id]
			svc.Merge(fp.Data.Services[id])
			h.Services[id] = svc
		}
	}
}

// Aggregator owns the hosts of a single propagation round. It is safe for
// concurrent use.
type Aggregator struct {
	mu     sync.Mutex
	hosts  map[model.NetworkAddress]*model.TargetHost
	queued map[model.NetworkAddress]struct{}
}

func NewAggregator() *Aggregator {
	return &Aggregator{
		hosts:  make(map[model.NetworkAddress]*model.TargetHost),
		queued: make(map[model.NetworkAddress]struct{}),
	}
}

// Process merges all results of one target. It returns a snapshot of the
// host and true if the host has an open port and was not returned for
// enqueueing before.
func (a *Aggregator) Process(addr model.NetworkAddress, res model.IPScanResults) (model.TargetHost, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	h := a.host(addr)
	MergePing(h, res.Ping)
	open := MergePorts(h, res.Ports)
	MergeFingerprints(h, res.Fingerprints)

	if !open {
		return h.Clone(), false
	}
	if _, ok := a.queued[addr]; ok {
		return h.Clone(), false
	}
	a.queued[addr] = struct{}{}
	return h.Clone(), true
}

// Hosts returns snapshots of all hosts sorted by address
func (a *Aggregator) Hosts() []model.TargetHost {
	a.mu.Lock()
	defer a.mu.Unlock()
	ret := make([]model.TargetHost, 0, len(a.hosts))
	for _, h := range a.hosts {
		ret = append(ret, h.Clone())
	}
	slices.SortFunc(ret, func(x, y model.TargetHost) int {
		return cmp.Or(
			x.Address.IP.Compare(y.Address.IP),
			strings.Compare(x.Address.Domain, y.Address.Domain),
		)
	})
	return ret
}

func (a *Aggregator) host(addr model.NetworkAddress) *model.TargetHost {
	h, ok := a.hosts[addr]
	if !ok {
		h = model.NewTargetHost(addr)
		a.hosts[addr] = h
	}
	return h
}
