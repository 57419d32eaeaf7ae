// Package probe answers "is this task reachable": ICMP round trips to server
// IPs and TCP port checks run from a probe host over SSH.
package probe

import (
	"context"
	"errors"
	"net"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/tastythames/task-launcher/internal/inventory"
	"github.com/tastythames/task-launcher/internal/sshclient"
)

const (
	defaultPingTimeout = 5 * time.Second
	localDialTimeout   = 5 * time.Second
)

// ProbeHostSource picks the host liveness commands run on.
type ProbeHostSource interface {
	Prober() (inventory.Host, bool)
}

// PingResult is the outcome of one ICMP echo. Reachable is false when no
// reply arrived in time; Err is set when the probe itself could not be sent.
type PingResult struct {
	Millis    int64
	Reachable bool
	Err       error
}

// pingFunc sends one echo request to ip and returns the round-trip time, or
// errTimeout when no reply came back before the deadline.
type pingFunc func(ctx context.Context, ip net.IP, timeout time.Duration) (time.Duration, error)

type Options struct {
	Hosts       ProbeHostSource
	Pool        sshclient.Acquirer
	Runner      sshclient.CommandRunner
	PingTimeout time.Duration
	Logger      *zap.Logger
}

type Prober struct {
	hosts       ProbeHostSource
	pool        sshclient.Acquirer
	runner      sshclient.CommandRunner
	pingTimeout time.Duration
	logger      *zap.Logger

	ping pingFunc
	dial func(ctx context.Context, network, addr string) (net.Conn, error)
}

func New(opts Options) *Prober {
	if opts.PingTimeout <= 0 {
		opts.PingTimeout = defaultPingTimeout
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	d := &net.Dialer{Timeout: localDialTimeout}
	return &Prober{
		hosts:       opts.Hosts,
		pool:        opts.Pool,
		runner:      opts.Runner,
		pingTimeout: opts.PingTimeout,
		logger:      opts.Logger.Named("probe"),
		ping:        icmpPing,
		dial:        d.DialContext,
	}
}

// Ping measures the round trip to ip. Local addresses answer 0 ms without
// touching the network.
func (p *Prober) Ping(ctx context.Context, ip string) PingResult {
	if isLocal(ip) {
		return PingResult{Reachable: true}
	}

	addr := net.ParseIP(ip)
	if addr == nil {
		ips, err := net.DefaultResolver.LookupIP(ctx, "ip", ip)
		if err != nil || len(ips) == 0 {
			if err == nil {
				err = errors.New("no addresses")
			}
			p.logger.Warn("ping target resolution failed", zap.String("ip", ip), zap.Error(err))
			return PingResult{Err: err}
		}
		addr = ips[0]
	}
	if addr.IsLoopback() {
		return PingResult{Reachable: true}
	}

	rtt, err := p.ping(ctx, addr, p.pingTimeout)
	switch {
	case errors.Is(err, errTimeout):
		p.logger.Debug("ping timeout", zap.String("ip", ip))
		return PingResult{}
	case err != nil:
		p.logger.Warn("ping failed", zap.String("ip", ip), zap.Error(err))
		return PingResult{Err: err}
	}
	return PingResult{Millis: rtt.Milliseconds(), Reachable: true}
}

// CheckPort reports whether hostPort accepts TCP connections. The check runs
// nc on the probe host; with no SSH host configured it dials localhost on the
// same port instead. Every failure reads as "not live".
func (p *Prober) CheckPort(ctx context.Context, hostPort string) bool {
	host, port, err := sshclient.ParseHostPort(hostPort)
	if err != nil {
		p.logger.Warn("invalid liveness address", zap.String("addr", hostPort), zap.Error(err))
		return false
	}

	probeHost, ok := p.hosts.Prober()
	if !ok {
		return p.checkLocal(ctx, port)
	}

	client, err := p.pool.Acquire(ctx, probeHost)
	if err != nil {
		p.logger.Warn("probe host unavailable", zap.String("host", probeHost.Name), zap.Error(err))
		return false
	}
	return p.runner.Run(client, sshclient.LivenessCommand(host, port))
}

func (p *Prober) checkLocal(ctx context.Context, port int) bool {
	conn, err := p.dial(ctx, "tcp", net.JoinHostPort("localhost", strconv.Itoa(port)))
	if err != nil {
		p.logger.Debug("local port closed", zap.Int("port", port), zap.Error(err))
		return false
	}
	_ = conn.Close()
	return true
}

func isLocal(ip string) bool {
	ip = strings.TrimSpace(ip)
	return ip == "" || ip == "localhost" || ip == "::1" || strings.HasPrefix(ip, "127.")
}
