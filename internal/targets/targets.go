package targets

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"strings"

	"github.com/CZERTAINLY/bas-agent/internal/log"
	"github.com/CZERTAINLY/bas-agent/internal/model"

	"go4.org/netipx"
)

// MaxTargets is the upper bound of addresses a single Compile may produce
const MaxTargets = 1 << 20

var ErrInvalidTarget = errors.New("invalid target")

// Resolver resolves host names used as targets. *net.Resolver implements it.
type Resolver interface {
	LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error)
}

// Input are the sources of the target set
type Input struct {
	Interfaces      []netip.Prefix // addresses of local interfaces with their mask
	Include         []string       // CIDR, IP, a.b.c.d-a.b.c.e or a host name
	Exclude         []string       // CIDR, IP or a.b.c.d-a.b.c.e
	Blocked         []string       // IP
	ScanOwnNetworks bool
	Resolver        Resolver // net.DefaultResolver when nil
}

// FromConfig returns the Input for the given targets configuration
func FromConfig(cfg model.Targets, interfaces []netip.Prefix) Input {
	return Input{
		Interfaces:      interfaces,
		Include:         cfg.Subnets,
		Exclude:         cfg.InaccessibleSubnets,
		Blocked:         cfg.BlockedIPs,
		ScanOwnNetworks: cfg.LocalNetworkScan,
	}
}

// Compile returns deduplicated addresses sorted by their numeric value.
// Network and broadcast addresses of the expanded prefixes are skipped. Invalid
// entries are reported as model.ConfigError wrapping ErrInvalidTarget. A host
// name that fails to resolve is logged and skipped.
func Compile(ctx context.Context, in Input) ([]model.NetworkAddress, error) {
	var b netipx.IPSetBuilder
	domains := make(map[netip.Addr]string)

	resolver := in.Resolver
	if resolver == nil {
		resolver = net.DefaultResolver
	}

	for _, s := range in.Include {
		s = strings.TrimSpace(s)
		ok, err := addRange(&b, s, hosts)
		if err != nil {
			return nil, configError("subnets", err)
		}
		if ok {
			continue
		}
		if !isHostname(s) {
			return nil, configError("subnets", fmt.Errorf("%w %q", ErrInvalidTarget, s))
		}
		for _, addr := range resolve(ctx, resolver, s) {
			b.Add(addr)
			if _, ok := domains[addr]; !ok {
				domains[addr] = s
			}
		}
	}

	if in.ScanOwnNetworks {
		for _, p := range in.Interfaces {
			if !p.Addr().Is4() || p.Addr().IsLoopback() || p.Addr().IsLinkLocalUnicast() {
				continue
			}
			b.AddRange(hosts(p.Masked()))
		}
	}

	var exclude netipx.IPSetBuilder
	for _, s := range in.Exclude {
		s = strings.TrimSpace(s)
		ok, err := addRange(&exclude, s, netipx.RangeOfPrefix)
		if err != nil {
			return nil, configError("inaccessible_subnets", err)
		}
		if !ok {
			return nil, configError("inaccessible_subnets", fmt.Errorf("%w %q", ErrInvalidTarget, s))
		}
	}
	for _, s := range in.Blocked {
		addr, err := parseAddr(strings.TrimSpace(s))
		if err != nil {
			return nil, configError("blocked_ips", err)
		}
		exclude.Add(addr)
	}
	excluded, err := exclude.IPSet()
	if err != nil {
		return nil, configError("inaccessible_subnets", err)
	}
	b.RemoveSet(excluded)

	set, err := b.IPSet()
	if err != nil {
		return nil, configError("subnets", err)
	}

	var total uint64
	ranges := set.Ranges()
	for _, r := range ranges {
		total += rangeSize(r)
		if total > MaxTargets {
			return nil, configError("subnets", fmt.Errorf("%w: more than %d addresses", ErrInvalidTarget, MaxTargets))
		}
	}

	ret := make([]model.NetworkAddress, 0, total)
	for _, r := range ranges {
		for addr := r.From(); addr.IsValid() && addr.Compare(r.To()) <= 0; addr = addr.Next() {
			ret = append(ret, model.NetworkAddress{IP: addr, Domain: domains[addr]})
		}
	}
	return ret, nil
}

// LocalInterfaces returns IPv4 prefixes of the local non-loopback interfaces
func LocalInterfaces() ([]netip.Prefix, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, fmt.Errorf("listing interfaces: %w", err)
	}
	var ret []netip.Prefix
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			return nil, fmt.Errorf("listing addresses of %s: %w", iface.Name, err)
		}
		for _, a := range addrs {
			ipnet, ok := a.(*net.IPNet)
			if !ok {
				continue
			}
			p, ok := netipx.FromStdIPNet(ipnet)
			if !ok || !p.Addr().Is4() {
				continue
			}
			ret = append(ret, p)
		}
	}
	return ret, nil
}

// addRange adds a prefix, an address or a range to b. It returns false if s
// is none of those. Prefixes are converted to ranges by expand.
func addRange(b *netipx.IPSetBuilder, s string, expand func(netip.Prefix) netipx.IPRange) (bool, error) {
	switch {
	case s == "":
		return false, fmt.Errorf("%w: empty", ErrInvalidTarget)
	case strings.Contains(s, "/"):
		p, err := netip.ParsePrefix(s)
		if err != nil {
			return false, fmt.Errorf("%w %q: %w", ErrInvalidTarget, s, err)
		}
		if !p.Addr().Is4() {
			return false, fmt.Errorf("%w %q: only IPv4 is supported", ErrInvalidTarget, s)
		}
		b.AddRange(expand(p.Masked()))
		return true, nil
	case isRange(s):
		r, err := netipx.ParseIPRange(s)
		if err != nil {
			return false, fmt.Errorf("%w %q: %w", ErrInvalidTarget, s, err)
		}
		if !r.From().Is4() {
			return false, fmt.Errorf("%w %q: only IPv4 is supported", ErrInvalidTarget, s)
		}
		b.AddRange(r)
		return true, nil
	case looksLikeIP(s):
		addr, err := parseAddr(s)
		if err != nil {
			return false, err
		}
		b.Add(addr)
		return true, nil
	default:
		return false, nil
	}
}

func parseAddr(s string) (netip.Addr, error) {
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("%w %q: %w", ErrInvalidTarget, s, err)
	}
	if !addr.Is4() {
		return netip.Addr{}, fmt.Errorf("%w %q: only IPv4 is supported", ErrInvalidTarget, s)
	}
	return addr, nil
}

// hosts returns the usable addresses of p, /31 and /32 are used as a whole
func hosts(p netip.Prefix) netipx.IPRange {
	r := netipx.RangeOfPrefix(p)
	if p.Bits() >= 31 {
		return r
	}
	return netipx.IPRangeFrom(r.From().Next(), r.To().Prev())
}

func rangeSize(r netipx.IPRange) uint64 {
	from := r.From().As4()
	to := r.To().As4()
	return uint64(be32(to)) - uint64(be32(from)) + 1
}

func be32(b [4]byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

func resolve(ctx context.Context, r Resolver, host string) []netip.Addr {
	ctx = log.ContextAttrs(ctx, slog.String("target", host))
	addrs, err := r.LookupNetIP(ctx, "ip4", host)
	if err != nil {
		slog.WarnContext(ctx, "can't resolve target", "error", err)
		return nil
	}
	ret := make([]netip.Addr, 0, len(addrs))
	for _, a := range addrs {
		a = a.Unmap()
		if a.Is4() {
			ret = append(ret, a)
		}
	}
	slog.DebugContext(ctx, "target resolved", "addrs", ret)
	return ret
}

func isRange(s string) bool {
	from, to, ok := strings.Cut(s, "-")
	return ok && looksLikeIP(from) && looksLikeIP(to)
}

// looksLikeIP reports strings made of digits and dots or containing a colon
func looksLikeIP(s string) bool {
	if s == "" {
		return false
	}
	if strings.Contains(s, ":") {
		return true
	}
	for _, c := range s {
		if (c < '0' || c > '9') && c != '.' {
			return false
		}
	}
	return true
}

func isHostname(s string) bool {
	if s == "" || len(s) > 253 {
		return false
	}
	for label := range strings.SplitSeq(strings.TrimSuffix(s, "."), ".") {
		if label == "" || len(label) > 63 || label[0] == '-' || label[len(label)-1] == '-' {
			return false
		}
		for _, c := range label {
			switch {
			case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '_':
			default:
				return false
			}
		}
	}
	return true
}

func configError(field string, err error) error {
	return model.ConfigError{Field: "propagation.network_scan.targets." + field, Err: err}
}
