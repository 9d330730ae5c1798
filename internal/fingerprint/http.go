package fingerprint

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"slices"
	"strconv"
	"time"

	"github.com/CZERTAINLY/bas-agent/internal/model"
)

const httpDefaultTimeout = 5 * time.Second

var httpDefaultPorts = []uint16{80, 443, 8080, 8443}

// HTTP reads the Server header of web servers running on open ports.
// TLS is tried first, certificates are not verified.
//
// Options:
//   - http_ports: ports to probe, filled from exploitation.options.http_ports
//   - timeout: duration of a single request, default 5s
type HTTP struct{}

func (HTTP) Fingerprint(ctx context.Context, target Target, options map[string]any) (model.FingerprintData, error) {
	ports, err := PortsOption(options, "http_ports")
	if err != nil {
		return model.FingerprintData{}, err
	}
	if ports == nil {
		ports = httpDefaultPorts
	}
	timeout, err := DurationOption(options, "timeout", httpDefaultTimeout)
	if err != nil {
		return model.FingerprintData{}, err
	}

	client := &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{
				InsecureSkipVerify: true, //nolint:gosec // fingerprinting, not trusting
			},
			DialContext:       (&net.Dialer{Timeout: timeout}).DialContext,
			DisableKeepAlives: true,
		},
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	defer client.CloseIdleConnections()

	ret := model.FingerprintData{
		Services: make(map[string]model.Service),
	}
	var errs []error
	for _, port := range target.OpenPorts() {
		if !slices.Contains(ports, port) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return ret, err
		}
		addrPort := netip.AddrPortFrom(target.Address.IP, port)
		info, err := httpProbe(ctx, client, addrPort, target.Address.Domain)
		if err != nil {
			slog.DebugContext(ctx, "http probe failed", "port", port, "error", err)
			errs = append(errs, fmt.Errorf("http probe %s: %w", addrPort, err))
			continue
		}
		details := map[string]string{
			"scheme": info.scheme,
			"status": strconv.Itoa(info.status),
		}
		if info.server != "" {
			details["server"] = info.server
		}
		ret.Services[model.ServiceID(port)] = model.Service{
			DisplayName: info.scheme,
			Port:        port,
			Banner:      info.server,
			Details:     details,
		}
		if os := GuessOS(info.server); os != model.OSUnknown {
			ret.OS = os
		}
	}

	if len(ret.Services) == 0 && len(errs) > 0 {
		return model.FingerprintData{}, errors.Join(errs...)
	}
	return ret, nil
}

type httpInfo struct {
	scheme string
	status int
	server string
}

func httpProbe(ctx context.Context, client *http.Client, addrPort netip.AddrPort, domain string) (httpInfo, error) {
	var errs []error
	for _, scheme := range []string{"https", "http"} {
		req, err := http.NewRequestWithContext(ctx, http.MethodHead, scheme+"://"+addrPort.String()+"/", nil)
		if err != nil {
			return httpInfo{}, err
		}
		if domain != "" {
			req.Host = domain
		}
		req.Header.Set("User-Agent", "Mozilla/5.0")
		resp, err := client.Do(req)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		_ = resp.Body.Close()
		return httpInfo{
			scheme: scheme,
			status: resp.StatusCode,
			server: resp.Header.Get("Server"),
		}, nil
	}
	return httpInfo{}, errors.Join(errs...)
}
