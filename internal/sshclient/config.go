package sshclient

import (
	"fmt"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

type Config struct {
	ConnectTimeout time.Duration
	// KnownHostsFile enables host key verification. Empty accepts any host key.
	KnownHostsFile string
}

func (c Config) connectTimeout() time.Duration {
	if c.ConnectTimeout <= 0 {
		return 10 * time.Second
	}
	return c.ConnectTimeout
}

func (c Config) hostKeyCallback() (ssh.HostKeyCallback, error) {
	if c.KnownHostsFile == "" {
		return ssh.InsecureIgnoreHostKey(), nil
	}
	cb, err := knownhosts.New(c.KnownHostsFile)
	if err != nil {
		return nil, fmt.Errorf("load known_hosts %s: %w", c.KnownHostsFile, err)
	}
	return cb, nil
}
