package fingerprint

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/CZERTAINLY/bas-agent/internal/model"

	"golang.org/x/crypto/ssh"
)

const (
	sshDefaultTimeout = 5 * time.Second
	sshMaxPreamble    = 4096
)

var errHostKeyCaptured = errors.New("host key captured")

// SSH reads the protocol version line and the host key of SSH servers. It
// never authenticates, the handshake is aborted once the host key is known.
//
// Options:
//   - ports: list of ports to probe, default [22]. Open ports whose banner
//     starts with "SSH-" are always probed.
//   - timeout: duration of a single probe, default 5s
type SSH struct{}

func (SSH) Fingerprint(ctx context.Context, target Target, options map[string]any) (model.FingerprintData, error) {
	ports, err := PortsOption(options, "ports")
	if err != nil {
		return model.FingerprintData{}, err
	}
	if ports == nil {
		ports = []uint16{22}
	}
	timeout, err := DurationOption(options, "timeout", sshDefaultTimeout)
	if err != nil {
		return model.FingerprintData{}, err
	}

	var candidates []uint16
	for _, port := range target.OpenPorts() {
		if slices.Contains(ports, port) || strings.HasPrefix(target.Ports[port].Banner, "SSH-") {
			candidates = append(candidates, port)
		}
	}

	ret := model.FingerprintData{
		Services: make(map[string]model.Service, len(candidates)),
	}
	var errs []error
	for _, port := range candidates {
		if err := ctx.Err(); err != nil {
			return ret, err
		}
		addrPort := netip.AddrPortFrom(target.Address.IP, port)
		info, err := sshProbe(ctx, addrPort, timeout)
		if err != nil {
			slog.DebugContext(ctx, "ssh probe failed", "port", port, "error", err)
			errs = append(errs, fmt.Errorf("ssh probe %s: %w", addrPort, err))
			continue
		}
		ret.Services[model.ServiceID(port)] = model.Service{
			DisplayName: "ssh",
			Port:        port,
			Banner:      info.version,
			Details: map[string]string{
				"version":              info.version,
				"host_key_type":        info.keyType,
				"host_key_fingerprint": info.fingerprint,
			},
		}
		if os := GuessOS(info.version); os != model.OSUnknown {
			ret.OS = os
		}
	}

	if len(ret.Services) == 0 && len(errs) > 0 {
		return model.FingerprintData{}, errors.Join(errs...)
	}
	return ret, nil
}

type sshInfo struct {
	version     string
	keyType     string
	fingerprint string
}

func sshProbe(ctx context.Context, addrPort netip.AddrPort, timeout time.Duration) (sshInfo, error) {
	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addrPort.String())
	if err != nil {
		return sshInfo{}, err
	}
	defer func() {
		_ = conn.Close()
	}()
	stop := context.AfterFunc(ctx, func() {
		_ = conn.Close()
	})
	defer stop()
	if err := conn.SetDeadline(time.Now().Add(timeout)); err != nil {
		return sshInfo{}, err
	}

	rec := &recordingConn{Conn: conn}
	// the callback runs in the handshake goroutine
	keys := make(chan ssh.PublicKey, 1)
	config := &ssh.ClientConfig{
		User: "probe",
		HostKeyCallback: func(_ string, _ net.Addr, k ssh.PublicKey) error {
			select {
			case keys <- k:
			default:
			}
			return errHostKeyCaptured
		},
		Timeout: timeout,
	}
	_, _, _, err = ssh.NewClientConn(rec, addrPort.String(), config)
	var key ssh.PublicKey
	select {
	case key = <-keys:
	default:
	}
	if key == nil {
		if err == nil {
			err = errors.New("no host key received")
		}
		return sshInfo{}, err
	}

	return sshInfo{
		version:     rec.version(),
		keyType:     key.Type(),
		fingerprint: ssh.FingerprintSHA256(key),
	}, nil
}

// recordingConn keeps the first bytes sent by the server, which contain the
// protocol version line
type recordingConn struct {
	net.Conn
	mx  sync.Mutex
	buf bytes.Buffer
}

func (c *recordingConn) Read(p []byte) (int, error) {
	n, err := c.Conn.Read(p)
	if n > 0 {
		c.mx.Lock()
		if rest := sshMaxPreamble - c.buf.Len(); rest > 0 {
			c.buf.Write(p[:min(n, rest)])
		}
		c.mx.Unlock()
	}
	return n, err
}

func (c *recordingConn) version() string {
	c.mx.Lock()
	defer c.mx.Unlock()
	scanner := bufio.NewScanner(bytes.NewReader(c.buf.Bytes()))
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if strings.HasPrefix(line, "SSH-") {
			return line
		}
	}
	return ""
}
