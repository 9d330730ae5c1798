package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/CZERTAINLY/bas-agent/internal/exploit"
	"github.com/CZERTAINLY/bas-agent/internal/fingerprint"
	"github.com/CZERTAINLY/bas-agent/internal/island"
	"github.com/CZERTAINLY/bas-agent/internal/log"
	"github.com/CZERTAINLY/bas-agent/internal/model"
	"github.com/CZERTAINLY/bas-agent/internal/nmap"
	"github.com/CZERTAINLY/bas-agent/internal/propagator"
	"github.com/CZERTAINLY/bas-agent/internal/scanner"
	"github.com/CZERTAINLY/bas-agent/internal/stats"

	"github.com/google/uuid"
)

const (
	statsPrefix        = "bas_agent"
	eventsFlushTimeout = 10 * time.Second
)

// expvar names are global, the counters are published once per process
var counters = sync.OnceValue(func() *stats.Stats {
	return stats.New(statsPrefix)
})

// Agent wires the propagation round with the Island control channel
type Agent struct {
	id         uuid.UUID
	config     model.Config
	counter    *stats.Stats
	propagator *propagator.Propagator
	island     *island.Client
}

func NewAgent(ctx context.Context, config model.Config) (*Agent, error) {
	if config.Version != 0 {
		return nil, fmt.Errorf("config version %d is not supported, expected 0", config.Version)
	}

	id := uuid.New()
	if config.Agent.ID != "" {
		var err error
		id, err = uuid.Parse(config.Agent.ID)
		if err != nil {
			return nil, model.ConfigError{Field: "agent.id", Err: err}
		}
	}

	fps, err := fingerprinters()
	if err != nil {
		return nil, err
	}

	exploiters := exploit.Default()
	slog.DebugContext(ctx, "plugins available",
		"fingerprinters", fps.Names(),
		"exploiters", exploiters.Names(),
	)

	counter := counters()
	p := propagator.New(
		scanner.New(
			scanner.NewICMPPinger(),
			scanner.NewTCPScanner(config.Propagation.NetworkScan.TCP.PPS),
			fps,
		),
		exploit.NewRunner(exploiters),
		counter,
	)
	if err := p.Check(ctx, config.Propagation); err != nil {
		return nil, err
	}

	return &Agent{
		id:         id,
		config:     config,
		counter:    counter,
		propagator: p,
		island:     island.NewClient(config.Island),
	}, nil
}

// fingerprinters returns the built-in fingerprinters, nmap is available
// when its binary is configured or installed
func fingerprinters() (*fingerprint.Registry, error) {
	r := fingerprint.Default()
	if err := r.Register("nmap", nmap.New()); err != nil {
		return nil, err
	}
	return r, nil
}

// Run connects to the Island and runs one propagation round. It returns
// after the round finished or the Island sent the stop signal.
func (a *Agent) Run(ctx context.Context) error {
	defer a.island.Close()
	ctx = log.ContextAttrs(ctx, slog.String("agent", a.id.String()))

	var sender island.EventSender = discardEvents{}
	if len(a.config.Agent.Servers) > 0 {
		server, err := a.island.FindServer(ctx, a.config.Agent.Servers)
		if err != nil {
			return err
		}
		a.register(ctx, server)
		sender = a.island

		var stop func()
		ctx, stop, err = island.Watch(ctx, a.island, a.id, a.config.Island.PollInterval.Std())
		if err != nil {
			return err
		}
		defer stop()
	} else {
		slog.WarnContext(ctx, "no servers configured, events are not reported")
	}

	buffer, err := island.NewEventBuffer(ctx, sender, a.config.Island.EventsFlushInterval.Std())
	if err != nil {
		return err
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), eventsFlushTimeout)
		defer cancel()
		if err := buffer.Close(flushCtx); err != nil {
			slog.ErrorContext(ctx, "can't send the remaining events", "error", err, "count", buffer.Len())
		}
	}()

	events := island.NewEventFactory(a.id)
	p := a.propagator.
		WithScanCallback(func(addr model.NetworkAddress, res model.IPScanResults) {
			buffer.Add(events.ScanEvents(addr, res)...)
		}).
		WithExploitCallback(func(exploiter string, h model.TargetHost, res model.ExploiterResultData) {
			buffer.Add(events.ExploitEvents(exploiter, h, res)...)
		})

	report, err := p.Propagate(ctx, a.config.Propagation, a.config.Agent.Depth, a.config.Agent.Servers)
	if err != nil {
		return err
	}
	slog.InfoContext(ctx, "propagation finished",
		"targets", report.Targets,
		"hosts", len(report.Hosts),
		"queued", report.Queued,
		"unprocessed", report.Unprocessed,
	)
	a.logStats(ctx)

	if a.config.Agent.KeepAlive && ctx.Err() == nil {
		slog.InfoContext(ctx, "waiting for the stop signal")
		<-ctx.Done()
	}
	if errors.Is(context.Cause(ctx), island.ErrStopSignal) {
		slog.InfoContext(ctx, "agent stopped by the island")
	}
	return nil
}

// PrintTargets writes the compiled targets, one per line
func (a *Agent) PrintTargets(ctx context.Context, w io.Writer) error {
	addrs, err := a.propagator.Targets(ctx, a.config.Propagation.NetworkScan.Targets)
	if err != nil {
		return err
	}
	for _, addr := range addrs {
		if _, err := fmt.Fprintln(w, addr.String()); err != nil {
			return err
		}
	}
	slog.DebugContext(ctx, "targets compiled", "count", len(addrs))
	return nil
}

func (a *Agent) register(ctx context.Context, server string) {
	hostname, _ := os.Hostname()
	reg := island.Registration{
		ID:       a.id,
		Server:   server,
		Depth:    a.config.Agent.Depth,
		Hostname: hostname,
	}
	if err := a.island.RegisterAgent(ctx, reg); err != nil {
		slog.WarnContext(ctx, "can't register the agent", "error", err)
	}
}

func (a *Agent) logStats(ctx context.Context) {
	attrs := make([]any, 0, 16)
	for k, v := range a.counter.Stats() {
		attrs = append(attrs, k, v)
	}
	slog.InfoContext(ctx, "stats", attrs...)
}

type discardEvents struct{}

func (discardEvents) SendEvents(context.Context, []island.Event) error { return nil }
