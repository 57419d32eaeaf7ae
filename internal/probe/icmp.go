package probe

import (
	"context"
	"errors"
	"math/rand/v2"
	"net"
	"os"
	"time"

	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
)

var errTimeout = errors.New("no echo reply before deadline")

const (
	protocolICMP     = 1
	protocolIPv6ICMP = 58
)

// icmpPing sends one echo request. It prefers an unprivileged datagram
// socket and falls back to a raw socket when the kernel refuses one.
func icmpPing(ctx context.Context, ip net.IP, timeout time.Duration) (time.Duration, error) {
	v4 := ip.To4() != nil

	conn, privileged, err := listenICMP(v4)
	if err != nil {
		return 0, err
	}
	defer conn.Close()

	var (
		echoType  icmp.Type = ipv4.ICMPTypeEcho
		replyType icmp.Type = ipv4.ICMPTypeEchoReply
		proto               = protocolICMP
	)
	if !v4 {
		echoType, replyType, proto = ipv6.ICMPTypeEchoRequest, ipv6.ICMPTypeEchoReply, protocolIPv6ICMP
	}

	id := os.Getpid() & 0xffff
	seq := rand.IntN(0xffff)
	msg := icmp.Message{
		Type: echoType,
		Body: &icmp.Echo{ID: id, Seq: seq, Data: []byte("task-launcher")},
	}
	wb, err := msg.Marshal(nil)
	if err != nil {
		return 0, err
	}

	var dst net.Addr = &net.UDPAddr{IP: ip}
	if privileged {
		dst = &net.IPAddr{IP: ip}
	}

	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return 0, err
	}

	start := time.Now()
	if _, err := conn.WriteTo(wb, dst); err != nil {
		return 0, err
	}

	rb := make([]byte, 1500)
	for {
		n, _, err := conn.ReadFrom(rb)
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				return 0, errTimeout
			}
			return 0, err
		}
		rm, err := icmp.ParseMessage(proto, rb[:n])
		if err != nil || rm.Type != replyType {
			continue
		}
		echo, ok := rm.Body.(*icmp.Echo)
		if !ok || echo.Seq != seq {
			continue
		}
		// datagram sockets get their ID rewritten by the kernel
		if privileged && echo.ID != id {
			continue
		}
		return time.Since(start), nil
	}
}

func listenICMP(v4 bool) (*icmp.PacketConn, bool, error) {
	udp, raw, addr := "udp4", "ip4:icmp", "0.0.0.0"
	if !v4 {
		udp, raw, addr = "udp6", "ip6:ipv6-icmp", "::"
	}
	if c, err := icmp.ListenPacket(udp, addr); err == nil {
		return c, false, nil
	}
	c, err := icmp.ListenPacket(raw, addr)
	if err != nil {
		return nil, false, err
	}
	return c, true, nil
}
