package pipeline

import (
	"context"

	"github.com/tastythames/probe-deployer/internal/inventory"
	"github.com/tastythames/probe-deployer/internal/sshclient"
)

// SSHDialer connects to devices with the password from the inventory.
type SSHDialer struct {
	Client *sshclient.Client
}

func (s SSHDialer) Dial(ctx context.Context, d inventory.Device) (Conn, error) {
	c, err := s.Client.Dial(ctx, d.Address, d.User, d.Password)
	if err != nil {
		return nil, err
	}
	return sshConn{c}, nil
}

type sshConn struct {
	*sshclient.Conn
}

func (c sshConn) Shell(ctx context.Context) (Shell, error) {
	sh, err := c.Conn.Shell(ctx)
	if err != nil {
		return nil, err
	}
	return sh, nil
}
