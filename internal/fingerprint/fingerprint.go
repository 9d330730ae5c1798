package fingerprint

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/CZERTAINLY/bas-agent/internal/model"
)

// Target is what the IP scanner knows about an address when fingerprinters run
type Target struct {
	Address model.NetworkAddress
	Ping    model.PingScanData
	Ports   map[uint16]model.PortScanData
}

// OpenPorts returns the sorted list of open ports
func (t Target) OpenPorts() []uint16 {
	ret := make([]uint16, 0, len(t.Ports))
	for port, data := range t.Ports {
		if data.Status == model.PortOpen {
			ret = append(ret, port)
		}
	}
	slices.Sort(ret)
	return ret
}

// Fingerprinter reads service and operating system metadata of a responding host.
// Implementations must be safe for concurrent use, one instance serves all targets.
type Fingerprinter interface {
	Fingerprint(ctx context.Context, target Target, options map[string]any) (model.FingerprintData, error)
}

// Registry maps fingerprinter names to implementations
type Registry struct {
	mx    sync.RWMutex
	items map[string]Fingerprinter
}

func NewRegistry() *Registry {
	return &Registry{items: make(map[string]Fingerprinter)}
}

// Default returns a registry with the built-in ssh and http fingerprinters
func Default() *Registry {
	r := NewRegistry()
	_ = r.Register("ssh", SSH{})
	_ = r.Register("http", HTTP{})
	return r
}

func (r *Registry) Register(name string, f Fingerprinter) error {
	if name == "" || f == nil {
		return fmt.Errorf("register fingerprinter %q: empty name or nil implementation", name)
	}
	r.mx.Lock()
	defer r.mx.Unlock()
	if _, ok := r.items[name]; ok {
		return fmt.Errorf("fingerprinter %q already registered", name)
	}
	r.items[name] = f
	return nil
}

func (r *Registry) Lookup(name string) (Fingerprinter, bool) {
	r.mx.RLock()
	defer r.mx.RUnlock()
	f, ok := r.items[name]
	return f, ok
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

// Configured is a fingerprinter bound to its configured options
type Configured struct {
	Name          string
	Options       map[string]any
	Fingerprinter Fingerprinter
}

// Resolve looks up all configured fingerprinters, keeping the configured order.
// An unknown name is reported as model.ConfigError.
func (r *Registry) Resolve(cfgs []model.PluginConfig) ([]Configured, error) {
	ret := make([]Configured, 0, len(cfgs))
	for idx, cfg := range cfgs {
		f, ok := r.Lookup(cfg.Name)
		if !ok {
			return nil, model.ConfigError{
				Field: "propagation.network_scan.fingerprinters." + strconv.Itoa(idx),
				Err:   fmt.Errorf("%w: %q", model.ErrUnknownPlugin, cfg.Name),
			}
		}
		ret = append(ret, Configured{
			Name:          cfg.Name,
			Options:       cfg.Clone().Options,
			Fingerprinter: f,
		})
	}
	return ret, nil
}

// PortsOption reads a list of ports from plugin options. YAML and CUE decoding
// produce different integer types, all of them are accepted.
func PortsOption(options map[string]any, key string) ([]uint16, error) {
	v, ok := options[key]
	if !ok || v == nil {
		return nil, nil
	}
	switch x := v.(type) {
	case []uint16:
		return slices.Clone(x), nil
	case []int:
		ret := make([]uint16, 0, len(x))
		for _, p := range x {
			port, err := toPort(p)
			if err != nil {
				return nil, fmt.Errorf("option %s: %w", key, err)
			}
			ret = append(ret, port)
		}
		return ret, nil
	case []any:
		ret := make([]uint16, 0, len(x))
		for _, item := range x {
			var n int
			switch p := item.(type) {
			case int:
				n = p
			case int64:
				n = int(p)
			case uint16:
				n = int(p)
			case float64:
				n = int(p)
			default:
				return nil, fmt.Errorf("option %s: unsupported port type %T", key, item)
			}
			port, err := toPort(n)
			if err != nil {
				return nil, fmt.Errorf("option %s: %w", key, err)
			}
			ret = append(ret, port)
		}
		return ret, nil
	default:
		return nil, fmt.Errorf("option %s: unsupported type %T", key, v)
	}
}

func toPort(n int) (uint16, error) {
	if n < 1 || n > 65535 {
		return 0, fmt.Errorf("port %d out of range", n)
	}
	return uint16(n), nil
}

// DurationOption reads a Go duration string from plugin options, returns def
// if the key is absent
func DurationOption(options map[string]any, key string, def time.Duration) (time.Duration, error) {
	v, ok := options[key]
	if !ok || v == nil {
		return def, nil
	}
	switch x := v.(type) {
	case time.Duration:
		return x, nil
	case model.Duration:
		return x.Std(), nil
	case string:
		var d model.Duration
		if err := d.UnmarshalText([]byte(x)); err != nil {
			return 0, fmt.Errorf("option %s: %w", key, err)
		}
		return d.Std(), nil
	default:
		return 0, fmt.Errorf("option %s: unsupported type %T", key, v)
	}
}

// StringOption reads a string from plugin options, returns def if the key is absent
func StringOption(options map[string]any, key string, def string) (string, error) {
	v, ok := options[key]
	if !ok || v == nil {
		return def, nil
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("option %s: unsupported type %T", key, v)
	}
	return s, nil
}

// GuessOS maps well known product or banner strings to an operating system
func GuessOS(s string) model.OperatingSystem {
	s = strings.ToLower(s)
	for _, m := range osMarkers {
		if strings.Contains(s, m.marker) {
			return m.os
		}
	}
	return model.OSUnknown
}

var osMarkers = []struct {
	marker string
	os     model.OperatingSystem
}{
	{"windows", model.OSWindows},
	{"microsoft", model.OSWindows},
	{"win32", model.OSWindows},
	{"win64", model.OSWindows},
	{"ubuntu", model.OSLinux},
	{"debian", model.OSLinux},
	{"centos", model.OSLinux},
	{"fedora", model.OSLinux},
	{"red hat", model.OSLinux},
	{"alpine", model.OSLinux},
	{"linux", model.OSLinux},
}
