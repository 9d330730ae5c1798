package scanner

import (
	"context"
	"log/slog"
	"net/netip"
	"sync"
	"time"

	"github.com/CZERTAINLY/bas-agent/internal/fingerprint"
	"github.com/CZERTAINLY/bas-agent/internal/log"
	"github.com/CZERTAINLY/bas-agent/internal/model"
	"github.com/CZERTAINLY/bas-agent/internal/parallel"
)

//go:generate mockgen -destination=./mock/probes.go -package=mock github.com/CZERTAINLY/bas-agent/internal/scanner Pinger,PortScanner

// Pinger sends an ICMP echo request. No reply within timeout is not an error.
type Pinger interface {
	Ping(ctx context.Context, addr netip.Addr, timeout time.Duration) (model.PingScanData, error)
}

// PortScanner probes TCP ports. The result has an entry for every probed port.
type PortScanner interface {
	ScanPorts(ctx context.Context, addr netip.Addr, ports []uint16, timeout time.Duration) (map[uint16]model.PortScanData, error)
}

// OnResult receives the results of a single target. Scanner calls it from
// one goroutine at a time.
type OnResult func(model.NetworkAddress, model.IPScanResults)

// Scanner pings, port scans and fingerprints targets using a bounded pool of goroutines
type Scanner struct {
	pinger         Pinger
	ports          PortScanner
	fingerprinters *fingerprint.Registry
}

func New(pinger Pinger, ports PortScanner, fingerprinters *fingerprint.Registry) *Scanner {
	return &Scanner{
		pinger:         pinger,
		ports:          ports,
		fingerprinters: fingerprinters,
	}
}

// Check validates the configuration without scanning
func (s *Scanner) Check(cfg model.NetworkScan) error {
	_, err := s.fingerprinters.Resolve(cfg.Fingerprinters)
	return err
}

type scanned struct {
	addr    model.NetworkAddress
	results model.IPScanResults
}

// Scan probes all targets with at most cfg.Concurrency targets in flight.
// Probe failures are part of the results. The only error returned is an
// invalid configuration, reported before any probe starts. Once ctx is done
// no new target is started and the results of targets in flight are dropped.
func (s *Scanner) Scan(ctx context.Context, targets []model.NetworkAddress, cfg model.NetworkScan, onResult OnResult) error {
	fingerprinters, err := s.fingerprinters.Resolve(cfg.Fingerprinters)
	if err != nil {
		return err
	}

	seq := func(yield func(model.NetworkAddress, error) bool) {
		for _, addr := range targets {
			if !yield(addr, nil) {
				return
			}
		}
	}

	pmap := parallel.NewMap(ctx, cfg.Concurrency, func(ctx context.Context, addr model.NetworkAddress) (scanned, error) {
		return scanned{
			addr:    addr,
			results: s.scanTarget(ctx, addr, cfg, fingerprinters),
		}, nil
	})

	for res, err := range pmap.Iter(seq) {
		if err != nil {
			slog.WarnContext(ctx, "scan failed", "error", err)
			continue
		}
		onResult(res.addr, res.results)
	}
	return nil
}

func (s *Scanner) scanTarget(ctx context.Context, addr model.NetworkAddress, cfg model.NetworkScan, fingerprinters []fingerprint.Configured) model.IPScanResults {
	ctx = log.ContextAttrs(ctx, slog.String("target", addr.String()))

	var (
		wg    sync.WaitGroup
		ping  model.PingScanData
		ports map[uint16]model.PortScanData
	)
	wg.Go(func() {
		var err error
		ping, err = s.pinger.Ping(ctx, addr.IP, cfg.ICMP.Timeout.Std())
		if err != nil {
			slog.DebugContext(ctx, "ping failed", "error", err)
			ping = model.PingScanData{}
		}
	})
	wg.Go(func() {
		var err error
		ports, err = s.ports.ScanPorts(ctx, addr.IP, cfg.TCP.Ports, cfg.TCP.Timeout.Std())
		if err != nil {
			slog.DebugContext(ctx, "port scan failed", "error", err)
		}
	})
	wg.Wait()
	if ports == nil {
		ports = make(map[uint16]model.PortScanData)
	}

	ret := model.IPScanResults{
		Ping:  ping,
		Ports: ports,
	}
	if !ping.ResponseReceived && !ret.FoundOpenPort() {
		slog.DebugContext(ctx, "no response")
		return ret
	}

	target := fingerprint.Target{
		Address: addr,
		Ping:    ping,
		Ports:   ports,
	}
	for _, f := range fingerprinters {
		if ctx.Err() != nil {
			break
		}
		fctx := log.ContextAttrs(ctx, slog.String("fingerprinter", f.Name))
		data, err := f.Fingerprinter.Fingerprint(fctx, target, f.Options)
		if err != nil {
			slog.DebugContext(fctx, "fingerprint failed", "error", err)
			continue
		}
		ret.Fingerprints = append(ret.Fingerprints, model.NamedFingerprint{
			Name: f.Name,
			Data: data,
		})
	}
	return ret
}
