package exploit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"slices"
	"sort"
	"strconv"
	"sync"

	"github.com/CZERTAINLY/bas-agent/internal/log"
	"github.com/CZERTAINLY/bas-agent/internal/model"
	"github.com/CZERTAINLY/bas-agent/internal/queue"

	"golang.org/x/sync/errgroup"
)

//go:generate mockgen -destination=./mock/exploiter.go -package=mock github.com/CZERTAINLY/bas-agent/internal/exploit Exploiter

// Exploiter implements one attack technique. An error is reported in the
// result of the attempt, it never stops the other attempts.
type Exploiter interface {
	Exploit(ctx context.Context, host model.TargetHost, options map[string]any, depth Depth, servers []string) (model.ExploiterResultData, error)
}

// OSFilter is implemented by exploiters working on some operating systems only
type OSFilter interface {
	SupportedOS() []model.OperatingSystem
}

// Depth is the position of this agent in the propagation chain
type Depth struct {
	Current int
	Maximum int
}

// CanPropagate reports whether a new agent may be started on exploited hosts
func (d Depth) CanPropagate() bool {
	return d.Current < d.Maximum
}

// Registry maps exploiter names to implementations
type Registry struct {
	mx    sync.RWMutex
	items map[string]Exploiter
}

func NewRegistry() *Registry {
	return &Registry{items: make(map[string]Exploiter)}
}

// Default returns a registry with the dry-run exploiter
func Default() *Registry {
	r := NewRegistry()
	_ = r.Register(DryRunName, DryRun{})
	return r
}

func (r *Registry) Register(name string, e Exploiter) error {
	if name == "" || e == nil {
		return fmt.Errorf("register exploiter %q: empty name or nil implementation", name)
	}
	r.mx.Lock()
	defer r.mx.Unlock()
	if _, ok := r.items[name]; ok {
		return fmt.Errorf("exploiter %q already registered", name)
	}
	r.items[name] = e
	return nil
}

func (r *Registry) Lookup(name string) (Exploiter, bool) {
	r.mx.RLock()
	defer r.mx.RUnlock()
	e, ok := r.items[name]
	return e, ok
}

func (r *Registry) Names() []string {
	r.mx.RLock()
	defer r.mx.RUnlock()
	ret := make([]string, 0, len(r.items))
	for name := range r.items {
		ret = append(ret, name)
	}
	sort.Strings(ret)
	return ret
}

// Configured is an exploiter bound to its configured options
type Configured struct {
	Name      string
	Options   map[string]any
	Exploiter Exploiter
}

// Resolve looks up all configured exploiters, keeping the configured order
func (r *Registry) Resolve(cfgs []model.PluginConfig) ([]Configured, error) {
	ret := make([]Configured, 0, len(cfgs))
	for idx, cfg := range cfgs {
		e, ok := r.Lookup(cfg.Name)
		if !ok {
			return nil, model.ConfigError{
				Field: "propagation.exploitation.exploiters." + strconv.Itoa(idx),
				Err:   fmt.Errorf("%w: %q", model.ErrUnknownPlugin, cfg.Name),
			}
		}
		ret = append(ret, Configured{
			Name:      cfg.Name,
			Options:   cfg.Clone().Options,
			Exploiter: e,
		})
	}
	return ret, nil
}

// Source is the exploit queue as seen by the consumers
type Source interface {
	Get(ctx context.Context) (model.TargetHost, error)
}

// OnResult receives every attempt. It is called concurrently when there is
// more than one worker.
type OnResult func(exploiter string, host model.TargetHost, result model.ExploiterResultData)

// Runner consumes the exploit queue and attempts the configured exploiters
type Runner struct {
	exploiters *Registry
}

func NewRunner(exploiters *Registry) *Runner {
	return &Runner{exploiters: exploiters}
}

// Check validates the configuration without exploiting anything
func (r *Runner) Check(cfg model.Exploitation) error {
	_, err := r.exploiters.Resolve(cfg.Exploiters)
	return err
}

// ExploitHosts pulls hosts from q until it is closed and drained or ctx is
// done and attempts every configured exploiter on each of them. Hosts which
// are one of the servers are never attacked. Only an invalid configuration
// is returned as an error.
func (r *Runner) ExploitHosts(ctx context.Context, cfg model.Exploitation, q Source, depth Depth, servers []string, onResult OnResult) error {
	exploiters, err := r.exploiters.Resolve(cfg.Exploiters)
	if err != nil {
		return err
	}

	workers := max(cfg.Workers, 1)
	g := new(errgroup.Group)
	for i := range workers {
		wctx := log.ContextAttrs(ctx, slog.Int("worker", i))
		g.Go(func() error {
			for {
				host, err := q.Get(wctx)
				if err != nil {
					if errors.Is(err, queue.ErrClosed) {
						slog.DebugContext(wctx, "exploit queue drained")
					}
					return nil
				}
				r.exploitHost(wctx, host, exploiters, cfg.StopOnPropagation, depth, servers, onResult)
			}
		})
	}
	return g.Wait()
}

func (r *Runner) exploitHost(ctx context.Context, host model.TargetHost, exploiters []Configured, stopOnPropagation bool, depth Depth, servers []string, onResult OnResult) {
	ctx = log.ContextAttrs(ctx, slog.String("target", host.String()))
	if IsServer(host.Address, servers) {
		slog.InfoContext(ctx, "skipping exploitation of a known server")
		return
	}

	for _, e := range exploiters {
		if ctx.Err() != nil {
			return
		}
		ectx := log.ContextAttrs(ctx, slog.String("exploiter", e.Name))
		if !supports(e.Exploiter, host.OS) {
			slog.DebugContext(ectx, "exploiter does not support the operating system", "os", host.OS)
			continue
		}
		result := attempt(ectx, e, host, depth, servers)
		onResult(e.Name, host, result)
		if stopOnPropagation && result.PropagationSuccess {
			slog.DebugContext(ectx, "host propagated, skipping remaining exploiters")
			return
		}
	}
}

func attempt(ctx context.Context, e Configured, host model.TargetHost, depth Depth, servers []string) (ret model.ExploiterResultData) {
	defer func() {
		if rec := recover(); rec != nil {
			slog.ErrorContext(ctx, "exploiter panicked", "panic", rec)
			ret = model.ExploiterResultData{
				OS:           host.OS,
				ErrorMessage: fmt.Sprintf("panic: %v", rec),
			}
		}
	}()

	ret, err := e.Exploiter.Exploit(ctx, host.Clone(), e.Options, depth, slices.Clone(servers))
	if err != nil {
		ret.ErrorMessage = err.Error()
	}
	ret = ret.Normalize()
	if ret.PropagationSuccess && !depth.CanPropagate() {
		slog.WarnContext(ctx, "propagation reported beyond the maximum depth", "depth", depth.Current, "maximum", depth.Maximum)
		ret.PropagationSuccess = false
	}
	return ret
}

func supports(e Exploiter, os model.OperatingSystem) bool {
	if os == model.OSUnknown {
		return true
	}
	f, ok := e.(OSFilter)
	if !ok {
		return true
	}
	return slices.Contains(f.SupportedOS(), os)
}

// IsServer reports whether addr is the host part of one of the servers
// given as host:port
func IsServer(addr model.NetworkAddress, servers []string) bool {
	for _, server := range servers {
		host, _, err := net.SplitHostPort(server)
		if err != nil {
			host = server
		}
		if ip, err := netip.ParseAddr(host); err == nil {
			if ip.Unmap() == addr.IP {
				return true
			}
			continue
		}
		if addr.Domain != "" && host == addr.Domain {
			return true
		}
	}
	return false
}
