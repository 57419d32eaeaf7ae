package sshclient

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"

	"golang.org/x/crypto/ssh"

	"github.com/tastythames/task-launcher/internal/inventory"
)

const testPassword = "secret"

// execHandler maps a command to its stdout and exit status.
type execHandler func(cmd string) (string, int)

// testServer is an in-process SSH server that answers exec requests.
type testServer struct {
	t        *testing.T
	listener net.Listener
	keyPath  string
	handler  execHandler

	mu       sync.Mutex
	conns    []net.Conn
	dials    int
	commands []string
	// unresponsive leaves global requests unanswered, like a wedged sshd
	unresponsive bool
}

func startTestServer(t *testing.T, handler execHandler) *testServer {
	t.Helper()

	_, hostPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate host key: %v", err)
	}
	hostSigner, err := ssh.NewSignerFromKey(hostPriv)
	if err != nil {
		t.Fatalf("host signer: %v", err)
	}

	clientPub, clientPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate client key: %v", err)
	}
	authorized, err := ssh.NewPublicKey(clientPub)
	if err != nil {
		t.Fatalf("client public key: %v", err)
	}
	block, err := ssh.MarshalPrivateKey(clientPriv, "")
	if err != nil {
		t.Fatalf("marshal client key: %v", err)
	}
	keyPath := filepath.Join(t.TempDir(), "id_ed25519")
	if err := os.WriteFile(keyPath, pem.EncodeToMemory(block), 0o600); err != nil {
		t.Fatalf("write client key: %v", err)
	}

	cfg := &ssh.ServerConfig{
		PasswordCallback: func(_ ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
			if string(pass) == testPassword {
				return &ssh.Permissions{}, nil
			}
			return nil, fmt.Errorf("bad password")
		},
		PublicKeyCallback: func(_ ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			if ssh.FingerprintSHA256(key) == ssh.FingerprintSHA256(authorized) {
				return &ssh.Permissions{}, nil
			}
			return nil, fmt.Errorf("unknown public key")
		},
	}
	cfg.AddHostKey(hostSigner)

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	s := &testServer{t: t, listener: l, keyPath: keyPath, handler: handler}
	go s.serve(cfg)
	t.Cleanup(s.close)
	return s
}

func (s *testServer) serve(cfg *ssh.ServerConfig) {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		s.conns = append(s.conns, conn)
		s.dials++
		s.mu.Unlock()
		go s.handleConn(conn, cfg)
	}
}

func (s *testServer) handleConn(conn net.Conn, cfg *ssh.ServerConfig) {
	sconn, chans, reqs, err := ssh.NewServerConn(conn, cfg)
	if err != nil {
		conn.Close()
		return
	}
	defer sconn.Close()

	s.mu.Lock()
	unresponsive := s.unresponsive
	s.mu.Unlock()

	go func() {
		for req := range reqs {
			if unresponsive {
				continue
			}
			if req.WantReply {
				req.Reply(true, nil)
			}
		}
	}()

	for newChan := range chans {
		if newChan.ChannelType() != "session" {
			newChan.Reject(ssh.UnknownChannelType, "unknown channel type")
			continue
		}
		ch, requests, err := newChan.Accept()
		if err != nil {
			continue
		}
		go s.handleSession(ch, requests)
	}
}

func (s *testServer) handleSession(ch ssh.Channel, requests <-chan *ssh.Request) {
	defer ch.Close()
	for req := range requests {
		if req.Type != "exec" {
			if req.WantReply {
				req.Reply(false, nil)
			}
			continue
		}
		var payload struct{ Command string }
		if err := ssh.Unmarshal(req.Payload, &payload); err != nil {
			req.Reply(false, nil)
			return
		}
		if req.WantReply {
			req.Reply(true, nil)
		}

		s.mu.Lock()
		s.commands = append(s.commands, payload.Command)
		s.mu.Unlock()

		out, code := s.handler(payload.Command)
		if code == 0 {
			ch.Write([]byte(out))
		} else {
			ch.Stderr().Write([]byte(out))
		}
		ch.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{uint32(code)}))
		return
	}
}

func (s *testServer) stopAnswering() {
	s.mu.Lock()
	s.unresponsive = true
	s.mu.Unlock()
}

// dropConnections closes every accepted TCP connection, killing live clients.
func (s *testServer) dropConnections() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.conns {
		c.Close()
	}
	s.conns = nil
}

func (s *testServer) close() {
	s.listener.Close()
	s.dropConnections()
}

func (s *testServer) dialCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dials
}

func (s *testServer) received() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.commands...)
}

// passwordHost returns a catalog host pointing at the server.
func (s *testServer) passwordHost(name string) inventory.Host {
	host, portStr, _ := net.SplitHostPort(s.listener.Addr().String())
	port, _ := strconv.Atoi(portStr)
	return inventory.Host{Name: name, Address: host, Port: port, User: "root", Password: testPassword}
}

func (s *testServer) keyHost(name string) inventory.Host {
	h := s.passwordHost(name)
	h.Password = ""
	h.KeyPath = s.keyPath
	return h
}

// echoHandler succeeds for "echo <text>", exits with the given code for
// "exit <n>" and returns 127 for anything else.
func echoHandler(cmd string) (string, int) {
	var text string
	if _, err := fmt.Sscanf(cmd, "echo %s", &text); err == nil {
		return text, 0
	}
	var code int
	if _, err := fmt.Sscanf(cmd, "exit %d", &code); err == nil {
		return "exiting", code
	}
	return "command not found", 127
}
