package sshclient

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	Timeout time.Duration
	Port    int
	// KnownHosts is an OpenSSH known_hosts file. Empty accepts any host key.
	KnownHosts string
}

// LoadConfig returns the built-in defaults with SSH_PORT,
// SSH_TIMEOUT_SECONDS and SSH_KNOWN_HOSTS applied on top.
func LoadConfig() Config {
	timeout := 10 * time.Second
	if v := os.Getenv("SSH_TIMEOUT_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			timeout = time.Duration(n) * time.Second
		}
	}

	port := 22
	if v := os.Getenv("SSH_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			port = n
		}
	}

	return Config{
		Timeout:    timeout,
		Port:       port,
		KnownHosts: os.Getenv("SSH_KNOWN_HOSTS"),
	}
}
