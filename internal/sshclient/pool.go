package sshclient

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"
	"golang.org/x/sync/singleflight"

	"github.com/tastythames/task-launcher/internal/inventory"
)

// Pool keeps one authenticated SSH client per address:port. Clients stay open
// between commands and across reconcile ticks; only Evict and CloseAll close
// them.
type Pool struct {
	cfg    Config
	logger *zap.Logger

	mu      sync.Mutex
	clients map[string]*ssh.Client

	// collapses concurrent dials for the same key into one
	dials singleflight.Group
}

func NewPool(cfg Config, logger *zap.Logger) *Pool {
	return &Pool{
		cfg:     cfg,
		logger:  logger.Named("pool"),
		clients: make(map[string]*ssh.Client),
	}
}

// Acquire returns a live client for host. A cached client is returned as is
// if it still answers a keepalive; otherwise it is evicted and a new one is
// dialed. Concurrent callers for the same address:port share one dial and
// receive the same client.
func (p *Pool) Acquire(ctx context.Context, host inventory.Host) (*ssh.Client, error) {
	key := host.Addr()
	if c := p.cached(key); c != nil {
		return c, nil
	}

	// The dial is shared by every caller waiting on key, so it must not die
	// with the first caller's context. The connect timeout still bounds it.
	dialCtx := context.WithoutCancel(ctx)
	v, err, _ := p.dials.Do(key, func() (any, error) {
		if c := p.cached(key); c != nil {
			return c, nil
		}
		c, err := p.dial(dialCtx, host)
		if err != nil {
			return nil, err
		}
		p.mu.Lock()
		p.clients[key] = c
		p.mu.Unlock()
		p.logger.Info("ssh session established", zap.String("host", host.Name), zap.String("addr", key))
		return c, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*ssh.Client), nil
}

// cached returns the pooled client for key if it is alive, evicting it otherwise.
func (p *Pool) cached(key string) *ssh.Client {
	p.mu.Lock()
	c := p.clients[key]
	p.mu.Unlock()
	if c == nil {
		return nil
	}
	if alive(c, p.cfg.connectTimeout()) {
		return c
	}
	p.logger.Warn("ssh session dead, evicting", zap.String("addr", key))
	p.evict(key, c)
	return nil
}

// alive sends a keepalive global request. A "request denied" reply still
// proves the transport works; a transport error or no reply within timeout
// means the client is dead.
func alive(c *ssh.Client, timeout time.Duration) bool {
	replied := make(chan error, 1)
	go func() {
		_, _, err := c.SendRequest("keepalive@openssh.com", true, nil)
		replied <- err
	}()

	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case err := <-replied:
		return err == nil
	case <-t.C:
		// closing the client unblocks the pending request
		return false
	}
}

func (p *Pool) evict(key string, c *ssh.Client) {
	p.mu.Lock()
	if p.clients[key] == c {
		delete(p.clients, key)
	}
	p.mu.Unlock()
	_ = c.Close()
}

// Evict closes and drops the client for addr (address:port), if any.
func (p *Pool) Evict(addr string) {
	p.mu.Lock()
	c := p.clients[addr]
	p.mu.Unlock()
	if c != nil {
		p.evict(addr, c)
	}
}

// Len returns the number of cached clients.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.clients)
}

// CloseAll closes every cached client and empties the pool. It is safe to
// call more than once; the pool stays usable afterwards.
func (p *Pool) CloseAll() error {
	p.mu.Lock()
	clients := p.clients
	p.clients = make(map[string]*ssh.Client)
	p.mu.Unlock()

	var errs []error
	for key, c := range clients {
		if err := c.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = append(errs, fmt.Errorf("close %s: %w", key, err))
		}
	}
	if len(clients) > 0 {
		p.logger.Info("all ssh sessions closed", zap.Int("count", len(clients)))
	}
	return errors.Join(errs...)
}

func (p *Pool) dial(ctx context.Context, host inventory.Host) (*ssh.Client, error) {
	auth, err := authMethods(host)
	if err != nil {
		return nil, err
	}
	hk, err := p.cfg.hostKeyCallback()
	if err != nil {
		return nil, err
	}

	timeout := p.cfg.connectTimeout()
	sshCfg := &ssh.ClientConfig{
		User:            host.User,
		Auth:            auth,
		HostKeyCallback: hk,
		Timeout:         timeout,
	}

	addr := host.Addr()
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	dialer := net.Dialer{}
	conn, err := dialer.DialContext(dialCtx, "tcp", addr)
	if err != nil {
		return nil, &ConnectionError{Addr: addr, Err: err}
	}

	// The handshake has no context of its own; bound it with a deadline and
	// clear the deadline once the client is up, since the client is reused.
	deadline, _ := dialCtx.Deadline()
	_ = conn.SetDeadline(deadline)

	cconn, chans, reqs, err := ssh.NewClientConn(conn, addr, sshCfg)
	if err != nil {
		_ = conn.Close()
		return nil, &ConnectionError{Addr: addr, Err: err}
	}
	_ = conn.SetDeadline(time.Time{})

	return ssh.NewClient(cconn, chans, reqs), nil
}

// authMethods picks the private key when configured, else the password.
func authMethods(host inventory.Host) ([]ssh.AuthMethod, error) {
	if host.KeyPath != "" {
		keyData, err := os.ReadFile(host.KeyPath)
		if err != nil {
			return nil, fmt.Errorf("host %s: read private key: %w", host.Name, err)
		}
		signer, err := ssh.ParsePrivateKey(keyData)
		if err != nil {
			return nil, fmt.Errorf("host %s: parse private key: %w", host.Name, err)
		}
		return []ssh.AuthMethod{ssh.PublicKeys(signer)}, nil
	}

	password := host.ResolvePassword()
	if password == "" {
		return nil, fmt.Errorf("host %s: %w", host.Name, ErrAuthConfiguration)
	}
	return []ssh.AuthMethod{
		ssh.Password(password),
		ssh.KeyboardInteractive(func(_, _ string, questions []string, _ []bool) ([]string, error) {
			answers := make([]string, len(questions))
			for i := range questions {
				answers[i] = password
			}
			return answers, nil
		}),
	}, nil
}
