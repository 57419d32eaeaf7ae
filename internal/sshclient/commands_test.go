package sshclient

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseHostPort(t *testing.T) {
	host, port, err := ParseHostPort("10.0.0.5:25565")
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.5", host)
	assert.Equal(t, 25565, port)

	host, port, err = ParseHostPort("[::1]:8080")
	require.NoError(t, err)
	assert.Equal(t, "::1", host)
	assert.Equal(t, 8080, port)

	for _, bad := range []string{"", "nohost", "host:", ":80", "host:0", "host:70000", "host:abc", "a:b:c"} {
		_, _, err := ParseHostPort(bad)
		assert.Error(t, err, bad)
	}
}

func TestLivenessCommand(t *testing.T) {
	assert.Equal(t, "nc -z -w 5 '10.0.0.5' 25565", LivenessCommand("10.0.0.5", 25565))
	assert.Equal(t, `nc -z -w 5 'a'\''b' 1`, LivenessCommand("a'b", 1))
}
