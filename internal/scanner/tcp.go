package scanner

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"strings"
	"sync"
	"syscall"
	"time"
	"unicode"

	"github.com/CZERTAINLY/bas-agent/internal/model"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

const (
	bannerSize    = 1024
	bannerTimeout = 500 * time.Millisecond
	portsInFlight = 32
)

// TCPScanner does a TCP connect scan and reads the banner of open ports.
// Probes are rate limited for all targets together.
type TCPScanner struct {
	limiter *rate.Limiter
}

// NewTCPScanner returns a scanner sending at most pps probes per second, zero
// is unlimited
func NewTCPScanner(pps int) *TCPScanner {
	limit := rate.Inf
	if pps > 0 {
		limit = rate.Limit(pps)
	}
	return &TCPScanner{
		limiter: rate.NewLimiter(limit, 1),
	}
}

func (s *TCPScanner) ScanPorts(ctx context.Context, addr netip.Addr, ports []uint16, timeout time.Duration) (map[uint16]model.PortScanData, error) {
	var (
		mx  sync.Mutex
		ret = make(map[uint16]model.PortScanData, len(ports))
	)

	g := new(errgroup.Group)
	g.SetLimit(portsInFlight)
	var err error
	for _, port := range ports {
		if err = s.limiter.Wait(ctx); err != nil {
			break
		}
		g.Go(func() error {
			data := probeTCP(ctx, netip.AddrPortFrom(addr, port), timeout)
			mx.Lock()
			ret[port] = data
			mx.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return ret, err
}

func probeTCP(ctx context.Context, addrPort netip.AddrPort, timeout time.Duration) model.PortScanData {
	ret := model.PortScanData{
		Port:    addrPort.Port(),
		Status:  model.PortFiltered,
		Service: model.ServiceID(addrPort.Port()),
	}

	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addrPort.String())
	if err != nil {
		if errors.Is(err, syscall.ECONNREFUSED) {
			ret.Status = model.PortClosed
		}
		return ret
	}
	defer func() {
		_ = conn.Close()
	}()

	ret.Status = model.PortOpen
	ret.Banner = grabBanner(conn, min(timeout, bannerTimeout))
	return ret
}

// grabBanner reads what a service sends right after the connection is
// established, like SSH or SMTP do
func grabBanner(conn net.Conn, timeout time.Duration) string {
	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return ""
	}
	buf := make([]byte, bannerSize)
	n, _ := conn.Read(buf)
	if n <= 0 {
		return ""
	}
	banner := strings.TrimSpace(string(buf[:n]))
	return strings.Map(func(r rune) rune {
		if r == '\n' || r == '\t' || unicode.IsPrint(r) {
			return r
		}
		return -1
	}, banner)
}
