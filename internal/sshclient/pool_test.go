package sshclient

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"

	"github.com/tastythames/task-launcher/internal/inventory"
)

func newTestPool() *Pool {
	return NewPool(Config{ConnectTimeout: 2 * time.Second}, zap.NewNop())
}

func TestAcquireReusesLiveSession(t *testing.T) {
	srv := startTestServer(t, echoHandler)
	pool := newTestPool()
	defer pool.CloseAll()

	host := srv.passwordHost("node1")
	c1, err := pool.Acquire(context.Background(), host)
	require.NoError(t, err)
	c2, err := pool.Acquire(context.Background(), host)
	require.NoError(t, err)

	assert.Same(t, c1, c2)
	assert.Equal(t, 1, pool.Len())
	assert.Equal(t, 1, srv.dialCount())
}

func TestAcquireConcurrentSameHostSharesSession(t *testing.T) {
	srv := startTestServer(t, echoHandler)
	pool := newTestPool()
	defer pool.CloseAll()

	host := srv.passwordHost("node1")
	const callers = 8

	var wg sync.WaitGroup
	start := make(chan struct{})
	clients := make([]*ssh.Client, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			clients[i], errs[i] = pool.Acquire(context.Background(), host)
		}(i)
	}
	close(start)
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Same(t, clients[0], clients[i])
	}
	assert.Equal(t, 1, srv.dialCount())
	assert.Equal(t, 1, pool.Len())
}

func TestAcquireEvictsDeadSession(t *testing.T) {
	srv := startTestServer(t, echoHandler)
	pool := newTestPool()
	defer pool.CloseAll()

	host := srv.passwordHost("node1")
	c1, err := pool.Acquire(context.Background(), host)
	require.NoError(t, err)

	srv.dropConnections()
	waitClosed(t, c1)

	c2, err := pool.Acquire(context.Background(), host)
	require.NoError(t, err)
	assert.NotSame(t, c1, c2)
	assert.Equal(t, 1, pool.Len())
	assert.Equal(t, 2, srv.dialCount())
}

func TestAcquireEvictsUnresponsiveSession(t *testing.T) {
	srv := startTestServer(t, echoHandler)
	srv.stopAnswering()
	pool := NewPool(Config{ConnectTimeout: 500 * time.Millisecond}, zap.NewNop())
	defer pool.CloseAll()

	host := srv.passwordHost("node1")
	c1, err := pool.Acquire(context.Background(), host)
	require.NoError(t, err)

	type acquired struct {
		c   *ssh.Client
		err error
	}
	done := make(chan acquired, 1)
	go func() {
		c, err := pool.Acquire(context.Background(), host)
		done <- acquired{c, err}
	}()

	select {
	case got := <-done:
		require.NoError(t, got.err)
		assert.NotSame(t, c1, got.c)
	case <-time.After(5 * time.Second):
		t.Fatal("acquire blocked on a silent session")
	}
	waitClosed(t, c1)
	assert.Equal(t, 2, srv.dialCount())
	assert.Equal(t, 1, pool.Len())
}

func TestAcquireDialSurvivesCanceledContext(t *testing.T) {
	srv := startTestServer(t, echoHandler)
	pool := newTestPool()
	defer pool.CloseAll()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	c, err := pool.Acquire(ctx, srv.passwordHost("node1"))
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, 1, pool.Len())
}

func TestAcquirePrefersPrivateKey(t *testing.T) {
	srv := startTestServer(t, echoHandler)
	pool := newTestPool()
	defer pool.CloseAll()

	host := srv.keyHost("node1")
	host.Password = "wrong-password"

	_, err := pool.Acquire(context.Background(), host)
	require.NoError(t, err)
}

func TestAcquireWithoutCredentials(t *testing.T) {
	pool := newTestPool()
	defer pool.CloseAll()

	_, err := pool.Acquire(context.Background(), inventory.Host{Name: "bare", Address: "127.0.0.1", Port: 22, User: "root"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrAuthConfiguration))
	assert.Equal(t, 0, pool.Len())
}

func TestAcquireBadKeyPath(t *testing.T) {
	pool := newTestPool()
	defer pool.CloseAll()

	_, err := pool.Acquire(context.Background(), inventory.Host{Name: "k", Address: "127.0.0.1", Port: 22, KeyPath: "/nonexistent/key"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read private key")
}

func TestAcquireConnectionErrorNotCached(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().(*net.TCPAddr)
	l.Close()

	pool := newTestPool()
	defer pool.CloseAll()

	_, err = pool.Acquire(context.Background(), inventory.Host{Name: "gone", Address: "127.0.0.1", Port: addr.Port, Password: "x"})
	require.Error(t, err)

	var connErr *ConnectionError
	require.True(t, errors.As(err, &connErr))
	assert.Equal(t, addr.String(), connErr.Addr)
	assert.Equal(t, 0, pool.Len())
}

func TestAcquireWrongPasswordIsConnectionError(t *testing.T) {
	srv := startTestServer(t, echoHandler)
	pool := newTestPool()
	defer pool.CloseAll()

	host := srv.passwordHost("node1")
	host.Password = "nope"

	_, err := pool.Acquire(context.Background(), host)
	var connErr *ConnectionError
	require.True(t, errors.As(err, &connErr))
	assert.Equal(t, 0, pool.Len())
}

func TestEvict(t *testing.T) {
	srv := startTestServer(t, echoHandler)
	pool := newTestPool()
	defer pool.CloseAll()

	host := srv.passwordHost("node1")
	_, err := pool.Acquire(context.Background(), host)
	require.NoError(t, err)

	pool.Evict(host.Addr())
	assert.Equal(t, 0, pool.Len())
	pool.Evict("unknown:22")
}

func TestCloseAllIdempotent(t *testing.T) {
	srv := startTestServer(t, echoHandler)
	pool := newTestPool()

	_, err := pool.Acquire(context.Background(), srv.passwordHost("a"))
	require.NoError(t, err)

	require.NoError(t, pool.CloseAll())
	assert.Equal(t, 0, pool.Len())
	require.NoError(t, pool.CloseAll())

	// pool remains usable after a drain
	_, err = pool.Acquire(context.Background(), srv.passwordHost("a"))
	require.NoError(t, err)
	require.NoError(t, pool.CloseAll())
}

func waitClosed(t *testing.T, c *ssh.Client) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		c.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("client did not observe closed connection")
	}
}
