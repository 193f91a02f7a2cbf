package sshclient

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

const signalEscalationTimeout = 2 * time.Second

type Client struct {
	cfg     Config
	hostKey ssh.HostKeyCallback
}

func New(cfg Config) (*Client, error) {
	if cfg.Port <= 0 {
		cfg.Port = 22
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}

	hk := ssh.InsecureIgnoreHostKey() //nolint:gosec
	if cfg.KnownHosts != "" {
		cb, err := knownhosts.New(cfg.KnownHosts)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to load known_hosts %s", cfg.KnownHosts)
		}
		hk = cb
	} else {
		log.Debug("ssh: no known_hosts configured, host keys are not verified")
	}

	return &Client{cfg: cfg, hostKey: hk}, nil
}

// Dial opens an authenticated connection to host using username/password.
// Keyboard-interactive is offered too and answers every question with the
// password.
func (c *Client) Dial(ctx context.Context, host, user, password string) (*Conn, error) {
	if user == "" {
		return nil, errors.New("ssh user is empty")
	}
	if password == "" {
		return nil, errors.New("ssh password is empty")
	}

	addr := host
	if _, _, err := net.SplitHostPort(host); err != nil {
		addr = net.JoinHostPort(host, fmt.Sprintf("%d", c.cfg.Port))
	}

	sshCfg := &ssh.ClientConfig{
		User:            user,
		HostKeyCallback: c.hostKey,
		Timeout:         c.cfg.Timeout,
		Auth: []ssh.AuthMethod{
			ssh.Password(password),
			ssh.KeyboardInteractive(func(_, _ string, questions []string, _ []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range questions {
					answers[i] = password
				}
				return answers, nil
			}),
		},
	}

	dialer := net.Dialer{Timeout: c.cfg.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to connect to %s", addr)
	}

	// the handshake does not observe ctx
	deadline := time.Now().Add(c.cfg.Timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetDeadline(deadline)

	cconn, chans, reqs, err := ssh.NewClientConn(conn, addr, sshCfg)
	if err != nil {
		conn.Close()
		return nil, errors.Wrapf(err, "ssh handshake with %s failed", addr)
	}
	_ = conn.SetDeadline(time.Time{})

	log.Debugf("ssh: connected to %s as %s", addr, user)
	return &Conn{client: ssh.NewClient(cconn, chans, reqs), addr: addr}, nil
}

// Conn is one authenticated SSH connection.
type Conn struct {
	client *ssh.Client
	addr   string
}

func (c *Conn) Addr() string { return c.addr }

func (c *Conn) Close() error {
	return c.client.Close()
}

func terminateSession(session *ssh.Session, done <-chan error) {
	if err := session.Signal(ssh.SIGTERM); err != nil {
		log.Debugf("ssh: failed to send SIGTERM: %v", err)
	}
	select {
	case <-done:
		return
	case <-time.After(signalEscalationTimeout):
		if err := session.Signal(ssh.SIGKILL); err != nil {
			log.Debugf("ssh: failed to send SIGKILL: %v", err)
		}
	}
}
