package propagator

import (
	"context"
	"log/slog"
	"net/netip"
	"slices"
	"sync/atomic"

	"github.com/CZERTAINLY/bas-agent/internal/exploit"
	"github.com/CZERTAINLY/bas-agent/internal/host"
	"github.com/CZERTAINLY/bas-agent/internal/log"
	"github.com/CZERTAINLY/bas-agent/internal/model"
	"github.com/CZERTAINLY/bas-agent/internal/queue"
	"github.com/CZERTAINLY/bas-agent/internal/scanner"
	"github.com/CZERTAINLY/bas-agent/internal/targets"

	"golang.org/x/sync/errgroup"
)

// ErrUnknownPlugin is wrapped by the configuration error returned for a
// fingerprinter or an exploiter missing in a registry
var ErrUnknownPlugin = model.ErrUnknownPlugin

// HTTPFingerprinter receives the exploitation http ports as its http_ports option
const HTTPFingerprinter = "http"

type State string

const (
	StateIdle     State = "idle"
	StateRunning  State = "scanning+exploiting"
	StateDraining State = "draining"
	StateDone     State = "done"
)

const httpPortsOption = "http_ports"

// Report summarizes one propagation round
type Report struct {
	Targets     int                // compiled addresses
	Hosts       []model.TargetHost // every scanned host sorted by address
	Queued      int                // hosts placed on the exploit queue
	Unprocessed int                // hosts left on the queue when stopped
}

// Propagator runs one round of network scanning and exploitation. Scan and
// exploitation run concurrently, connected by the exploit queue.
type Propagator struct {
	scanner    *scanner.Scanner
	runner     *exploit.Runner
	counter    model.Stats
	interfaces func() ([]netip.Prefix, error)
	resolver   targets.Resolver
	onScan     scanner.OnResult
	onExploit  exploit.OnResult
}

func New(s *scanner.Scanner, r *exploit.Runner, counter model.Stats) *Propagator {
	return &Propagator{
		scanner:    s,
		runner:     r,
		counter:    counter,
		interfaces: targets.LocalInterfaces,
	}
}

// WithInterfaces replaces the addresses of local interfaces used when
// scanning own networks
func (p *Propagator) WithInterfaces(prefixes []netip.Prefix) *Propagator {
	prefixes = slices.Clone(prefixes)
	p.interfaces = func() ([]netip.Prefix, error) { return prefixes, nil }
	return p
}

func (p *Propagator) WithResolver(r targets.Resolver) *Propagator {
	p.resolver = r
	return p
}

// WithScanCallback registers a function called for every scanned target
func (p *Propagator) WithScanCallback(fn scanner.OnResult) *Propagator {
	p.onScan = fn
	return p
}

// WithExploitCallback registers a function called for every exploiter
// attempt. It is called concurrently when there is more than one exploit worker.
func (p *Propagator) WithExploitCallback(fn exploit.OnResult) *Propagator {
	p.onExploit = fn
	return p
}

// Propagate compiles the targets, scans them and exploits every host with
// an open port. Invalid configuration is returned before any probe starts.
// Cancelling ctx stops the round early and is not an error. Propagate
// returns after both the scan and the exploitation finished.
func (p *Propagator) Propagate(ctx context.Context, cfg model.Propagation, depth int, servers []string) (Report, error) {
	ctx = log.ContextAttrs(ctx, slog.Int("depth", depth))
	state(ctx, StateIdle)

	scanCfg, addrs, err := p.prepare(ctx, cfg)
	if err != nil {
		return Report{}, err
	}
	p.counter.AddTargets(len(addrs))
	slog.InfoContext(ctx, "targets compiled", "count", len(addrs))

	agg := host.NewAggregator()
	q := queue.New[model.TargetHost]()
	var queued atomic.Int64

	onScan := func(addr model.NetworkAddress, res model.IPScanResults) {
		p.counter.IncHostsScanned()
		if res.Ping.ResponseReceived || res.FoundOpenPort() {
			p.counter.IncHostsResponded()
		}
		snapshot, enqueue := agg.Process(addr, res)
		if enqueue {
			if err := q.Put(snapshot); err != nil {
				slog.ErrorContext(ctx, "can't queue host", "target", addr.String(), "error", err)
			} else {
				queued.Add(1)
				p.counter.IncHostsQueued()
				slog.DebugContext(ctx, "host queued", "target", addr.String())
			}
		}
		if p.onScan != nil {
			p.onScan(addr, res)
		}
	}

	d := exploit.Depth{Current: depth, Maximum: cfg.MaximumDepth}
	onExploit := func(exploiter string, h model.TargetHost, res model.ExploiterResultData) {
		p.count(res)
		logResult(ctx, exploiter, h, res)
		if p.onExploit != nil {
			p.onExploit(exploiter, h, res)
		}
	}

	state(ctx, StateRunning)
	g := new(errgroup.Group)
	g.Go(func() error {
		defer q.Close()
		err := p.scanner.Scan(ctx, addrs, scanCfg, onScan)
		state(ctx, StateDraining)
		return err
	})
	g.Go(func() error {
		return p.runner.ExploitHosts(ctx, cfg.Exploitation, q, d, servers, onExploit)
	})
	if err := g.Wait(); err != nil {
		return Report{}, err
	}

	report := Report{
		Targets:     len(addrs),
		Hosts:       agg.Hosts(),
		Queued:      int(queued.Load()),
		Unprocessed: q.Len(),
	}
	if ctx.Err() != nil {
		slog.InfoContext(ctx, "propagation stopped", "unprocessed", report.Unprocessed)
	}
	state(ctx, StateDone)
	return report, nil
}

// Check validates the configuration without any network activity
func (p *Propagator) Check(ctx context.Context, cfg model.Propagation) error {
	_, _, err := p.prepare(ctx, cfg)
	return err
}

// Targets returns the compiled target list
func (p *Propagator) Targets(ctx context.Context, cfg model.Targets) ([]model.NetworkAddress, error) {
	return p.compile(ctx, cfg)
}

func (p *Propagator) prepare(ctx context.Context, cfg model.Propagation) (model.NetworkScan, []model.NetworkAddress, error) {
	scanCfg := withHTTPPorts(cfg.NetworkScan, cfg.Exploitation.Options.HTTPPorts)
	if err := p.scanner.Check(scanCfg); err != nil {
		return scanCfg, nil, err
	}
	if err := p.runner.Check(cfg.Exploitation); err != nil {
		return scanCfg, nil, err
	}
	addrs, err := p.compile(ctx, scanCfg.Targets)
	return scanCfg, addrs, err
}

func (p *Propagator) compile(ctx context.Context, cfg model.Targets) ([]model.NetworkAddress, error) {
	var ifaces []netip.Prefix
	if cfg.LocalNetworkScan {
		var err error
		ifaces, err = p.interfaces()
		if err != nil {
			// own networks are unknown, the explicit subnets are still scanned
			slog.WarnContext(ctx, "can't list local interfaces", "error", err)
		}
	}
	in := targets.FromConfig(cfg, ifaces)
	in.Resolver = p.resolver
	return targets.Compile(ctx, in)
}

func (p *Propagator) count(res model.ExploiterResultData) {
	p.counter.IncExploitAttempts()
	if res.ExploitationSuccess {
		p.counter.IncExploited()
	}
	if res.PropagationSuccess {
		p.counter.IncPropagated()
	}
	if res.ErrorMessage != "" {
		p.counter.IncExploitErrors()
	}
}

// withHTTPPorts returns a copy of cfg with the http ports injected into the
// options of every http fingerprinter. The injected value always replaces the
// configured one, an empty list means no port is probed.
func withHTTPPorts(cfg model.NetworkScan, ports []uint16) model.NetworkScan {
	fps := make([]model.PluginConfig, len(cfg.Fingerprinters))
	for i, fp := range cfg.Fingerprinters {
		fp = fp.Clone()
		if fp.Name == HTTPFingerprinter {
			if fp.Options == nil {
				fp.Options = make(map[string]any, 1)
			}
			fp.Options[httpPortsOption] = append(make([]uint16, 0, len(ports)), ports...)
		}
		fps[i] = fp
	}
	cfg.Fingerprinters = fps
	return cfg
}

func logResult(ctx context.Context, exploiter string, h model.TargetHost, res model.ExploiterResultData) {
	ctx = log.ContextAttrs(ctx,
		slog.String("exploiter", exploiter),
		slog.String("target", h.String()),
	)
	switch {
	case res.PropagationSuccess:
		slog.InfoContext(ctx, "propagated")
	case res.ExploitationSuccess:
		slog.InfoContext(ctx, "exploited but did not propagate")
	default:
		slog.InfoContext(ctx, "failed: "+res.ErrorMessage)
	}
}

func state(ctx context.Context, s State) {
	slog.InfoContext(ctx, "propagation state", "state", string(s))
}
