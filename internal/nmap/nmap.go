package nmap

import (
	"context"
	"fmt"
	"log/slog"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"github.com/CZERTAINLY/bas-agent/internal/fingerprint"
	"github.com/CZERTAINLY/bas-agent/internal/log"
	"github.com/CZERTAINLY/bas-agent/internal/model"

	"github.com/Ullaakut/nmap/v3"
)

// Scanner is a wrapper on top of "github.com/Ullaakut/nmap/v3" Scanner. It
// implements fingerprint.Fingerprinter and reports the service versions and
// the operating system guessed by nmap.
//
// Options:
//   - nmap: path to the nmap binary, default is to look it up in PATH
type Scanner struct {
	nmap    string
	ports   []string
	options []nmap.Option
}

// New creates a nmap scanner with -sV and --script ssh-hostkey,http-server-header
func New() Scanner {
	return Scanner{
		options: []nmap.Option{
			nmap.WithTimingTemplate(nmap.TimingAggressive),
			nmap.WithServiceInfo(),
			nmap.WithScripts("ssh-hostkey", "http-server-header"),
		},
	}
}

func (s Scanner) WithNmapBinary(nmap string) Scanner {
	s.nmap = nmap
	return s
}

func (s Scanner) WithPorts(defs ...string) Scanner {
	ret := s
	ret.ports = append(append([]string(nil), ret.ports...), defs...)
	return ret
}

// Fingerprint scans the open ports of the target. Hosts without open ports
// are not scanned.
func (s Scanner) Fingerprint(ctx context.Context, target fingerprint.Target, options map[string]any) (model.FingerprintData, error) {
	binary, err := fingerprint.StringOption(options, "nmap", s.nmap)
	if err != nil {
		return model.FingerprintData{}, err
	}
	open := target.OpenPorts()
	if len(open) == 0 {
		return model.FingerprintData{}, nil
	}
	ports := make([]string, len(open))
	for i, p := range open {
		ports[i] = strconv.Itoa(int(p))
	}
	return s.WithNmapBinary(binary).WithPorts(ports...).Scan(ctx, target.Address.IP)
}

func (s Scanner) Scan(ctx context.Context, addr netip.Addr) (model.FingerprintData, error) {
	options := s.options
	if s.nmap != "" {
		options = append(options, nmap.WithBinaryPath(s.nmap))
	}

	options = append(options, []nmap.Option{
		nmap.WithTargets(addr.String()),
	}...)

	if addr.Is6() {
		options = append(options, nmap.WithIPv6Scanning())
	}

	ports := s.ports
	if ports == nil {
		ports = []string{"1-65535"}
	}
	options = append(options, nmap.WithPorts(ports...))

	logCtx := log.ContextAttrs(
		ctx,
		slog.String("fingerprinter", "nmap"),
		slog.GroupAttrs(
			"options",
			slog.String("nmap", s.nmap),
			slog.Any("ports", ports),
		),
		slog.String("target", addr.String()),
	)
	run, err := scan(logCtx, options)
	if err != nil {
		return model.FingerprintData{}, fmt.Errorf("nmap scan services: %w", err)
	}

	if run == nil || len(run.Hosts) == 0 {
		slog.WarnContext(logCtx, "nmap scan: no hosts results")
		return model.FingerprintData{}, nil
	}

	return HostToModel(logCtx, run.Hosts[0]), nil
}

func scan(ctx context.Context, options []nmap.Option) (*nmap.Run, error) {
	scanner, err := nmap.NewScanner(ctx, options...)
	if err != nil {
		return nil, fmt.Errorf("creating nmap scanner: %w", err)
	}

	now := time.Now()
	slog.DebugContext(ctx, "scan started")
	scan, warningsp, err := scanner.Run()
	if err != nil {
		slog.DebugContext(ctx, "scan failed", "error", err)
		return nil, fmt.Errorf("nmap scan: %w", err)
	}

	if scan == nil || len(scan.Hosts) == 0 {
		slog.DebugContext(ctx, "scan found nothing")
		return nil, nil
	}

	slog.DebugContext(ctx, "scan finished",
		"elapsed", time.Since(now).String(),
		slog.Group("stats",
			"args", scan.Args,
			"summary", scan.Stats.Finished.Summary,
		),
	)

	if warningsp != nil && *warningsp != nil {
		for _, warn := range *warningsp {
			slog.WarnContext(ctx, "scan", "warning", warn)
		}
	}

	return scan, nil
}

// HostToModel converts open ports of a nmap host into services. The operating
// system comes from the best OS match, or from the service detection when nmap
// did not run OS detection.
func HostToModel(ctx context.Context, host nmap.Host) model.FingerprintData {
	ret := model.FingerprintData{
		Services: make(map[string]model.Service, len(host.Ports)),
	}

	for _, port := range host.Ports {
		if port.State.State != "open" || port.Protocol != "tcp" {
			continue
		}
		ret.Services[model.ServiceID(port.ID)] = portToModel(ctx, port)
		if port.Service.OSType != "" {
			if os := fingerprint.GuessOS(port.Service.OSType); os != model.OSUnknown {
				ret.OS = os
			}
		}
	}

	if os := osMatch(host.OS); os != model.OSUnknown {
		ret.OS = os
	}
	return ret
}

func osMatch(os nmap.OS) model.OperatingSystem {
	for _, match := range os.Matches {
		for _, class := range match.Classes {
			if guess := fingerprint.GuessOS(class.Family); guess != model.OSUnknown {
				return guess
			}
		}
		if guess := fingerprint.GuessOS(match.Name); guess != model.OSUnknown {
			return guess
		}
	}
	return model.OSUnknown
}

func portToModel(ctx context.Context, port nmap.Port) model.Service {
	details := make(map[string]string)
	set := func(key, value string) {
		if value != "" {
			details[key] = value
		}
	}
	set("product", port.Service.Product)
	set("version", port.Service.Version)
	set("extra_info", port.Service.ExtraInfo)
	set("os_type", port.Service.OSType)
	parseScripts(ctx, port.Scripts, set)

	ret := model.Service{
		DisplayName: port.Service.Name,
		Port:        port.ID,
		Banner:      strings.TrimSpace(port.Service.Product + " " + port.Service.Version),
	}
	if len(details) > 0 {
		ret.Details = details
	}
	return ret
}

func parseScripts(ctx context.Context, scripts []nmap.Script, set func(key, value string)) {
	for _, s := range scripts {
		switch s.ID {
		case "ssh-hostkey":
			for idx, key := range sshHostKey(ctx, s) {
				prefix := "host_key." + strconv.Itoa(idx) + "."
				set(prefix+"type", key.typ)
				set(prefix+"bits", key.bits)
				set(prefix+"fingerprint", key.fingerprint)
			}
		case "http-server-header":
			set("server", strings.TrimSpace(s.Output))
		default:
			set("script."+s.ID, strings.TrimSpace(s.Output))
		}
	}
}

type hostKey struct {
	typ         string
	bits        string
	fingerprint string
}

func sshHostKey(_ context.Context, s nmap.Script) []hostKey {
	hostKeys := make([]hostKey, len(s.Tables))

	for idx, table := range s.Tables {
		var typ, bits, fp string
		for _, row := range table.Elements {
			switch row.Key {
			case "type":
				typ = row.Value
			case "bits":
				bits = row.Value
			case "fingerprint":
				fp = row.Value
			}
		}
		hostKeys[idx] = hostKey{
			typ:         typ,
			bits:        bits,
			fingerprint: fp,
		}
	}

	return hostKeys
}
