package scanner

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"os"
	"sync/atomic"
	"time"

	"github.com/CZERTAINLY/bas-agent/internal/model"

	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"
)

const protocolICMP = 1

var echoPayload = []byte("bas-agent")

// ICMPPinger sends ICMP echo requests. Unprivileged datagram sockets are
// preferred, raw sockets are used when the system does not allow them.
type ICMPPinger struct {
	seq atomic.Uint32
}

func NewICMPPinger() *ICMPPinger {
	return &ICMPPinger{}
}

func (p *ICMPPinger) Ping(ctx context.Context, addr netip.Addr, timeout time.Duration) (model.PingScanData, error) {
	if !addr.Is4() {
		return model.PingScanData{}, fmt.Errorf("icmp: unsupported address %s", addr)
	}
	conn, privileged, err := listenICMP()
	if err != nil {
		return model.PingScanData{}, err
	}
	defer func() {
		_ = conn.Close()
	}()

	if err := conn.SetDeadline(time.Now().Add(timeout)); err != nil {
		return model.PingScanData{}, err
	}
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Now())
	})
	defer stop()

	pconn := conn.IPv4PacketConn()
	// TTL is optional, the OS guess stays unknown without it
	_ = pconn.SetControlMessage(ipv4.FlagTTL, true)

	id := os.Getpid() & 0xffff
	seq := int(p.seq.Add(1) & 0xffff)
	msg := icmp.Message{
		Type: ipv4.ICMPTypeEcho,
		Code: 0,
		Body: &icmp.Echo{
			ID:   id,
			Seq:  seq,
			Data: echoPayload,
		},
	}
	wb, err := msg.Marshal(nil)
	if err != nil {
		return model.PingScanData{}, err
	}

	var dst net.Addr = &net.UDPAddr{IP: addr.AsSlice()}
	if privileged {
		dst = &net.IPAddr{IP: addr.AsSlice()}
	}
	if _, err := conn.WriteTo(wb, dst); err != nil {
		return model.PingScanData{}, fmt.Errorf("icmp: send: %w", err)
	}

	rb := make([]byte, 1500)
	for {
		n, cm, peer, err := pconn.ReadFrom(rb)
		if err != nil {
			if ctx.Err() != nil {
				return model.PingScanData{}, ctx.Err()
			}
			if errors.Is(err, os.ErrDeadlineExceeded) {
				return model.PingScanData{}, nil
			}
			return model.PingScanData{}, fmt.Errorf("icmp: receive: %w", err)
		}
		if peerAddr(peer) != addr {
			continue
		}
		reply, err := icmp.ParseMessage(protocolICMP, rb[:n])
		if err != nil || reply.Type != ipv4.ICMPTypeEchoReply {
			continue
		}
		echo, ok := reply.Body.(*icmp.Echo)
		if !ok || echo.Seq != seq {
			continue
		}
		// the kernel rewrites the id of datagram sockets
		if privileged && echo.ID != id {
			continue
		}
		var ttl int
		if cm != nil {
			ttl = cm.TTL
		}
		return model.PingScanData{
			ResponseReceived: true,
			OS:               OSFromTTL(ttl),
		}, nil
	}
}

func listenICMP() (*icmp.PacketConn, bool, error) {
	conn, err := icmp.ListenPacket("udp4", "0.0.0.0")
	if err == nil {
		return conn, false, nil
	}
	conn, rawErr := icmp.ListenPacket("ip4:icmp", "0.0.0.0")
	if rawErr != nil {
		return nil, false, fmt.Errorf("icmp: listen: %w", errors.Join(err, rawErr))
	}
	return conn, true, nil
}

func peerAddr(peer net.Addr) netip.Addr {
	var ip net.IP
	switch a := peer.(type) {
	case *net.UDPAddr:
		ip = a.IP
	case *net.IPAddr:
		ip = a.IP
	default:
		return netip.Addr{}
	}
	addr, ok := netip.AddrFromSlice(ip)
	if !ok {
		return netip.Addr{}
	}
	return addr.Unmap()
}

// OSFromTTL guesses the operating system from the TTL of a reply. Linux
// starts with 64, Windows with 128.
func OSFromTTL(ttl int) model.OperatingSystem {
	switch {
	case ttl <= 0:
		return model.OSUnknown
	case ttl <= 64:
		return model.OSLinux
	case ttl <= 128:
		return model.OSWindows
	default:
		return model.OSUnknown
	}
}
