package sshclient

import (
	"errors"
	"fmt"
)

var (
	// ErrAuthConfiguration means a host has neither a private key nor a password.
	ErrAuthConfiguration = errors.New("no authentication method configured")
	// ErrHostNotConfigured means a batch references a host missing from the catalog.
	ErrHostNotConfigured = errors.New("host not configured")
)

// ConnectionError is a dial, handshake or timeout failure. Nothing is cached
// when it is returned; the next Acquire dials again.
type ConnectionError struct {
	Addr string
	Err  error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connect to %s: %v", e.Addr, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }
