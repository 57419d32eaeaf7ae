package sshclient

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// livenessTimeoutSeconds bounds how long the remote nc waits for the port.
const livenessTimeoutSeconds = 5

// LivenessCommand is run on the probe host to test whether host:port accepts
// TCP connections.
func LivenessCommand(host string, port int) string {
	return fmt.Sprintf("nc -z -w %d %s %d", livenessTimeoutSeconds, shellQuote(host), port)
}

// ParseHostPort splits "host:port" and validates the port range.
func ParseHostPort(hostPort string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(strings.TrimSpace(hostPort))
	if err != nil {
		return "", 0, fmt.Errorf("invalid host:port %q: %w", hostPort, err)
	}
	if host == "" {
		return "", 0, fmt.Errorf("invalid host:port %q: empty host", hostPort)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return "", 0, fmt.Errorf("invalid host:port %q: bad port", hostPort)
	}
	return host, port, nil
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
