package sshclient

import (
	"bytes"
	"context"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/crypto/ssh"
)

const (
	TermType   = "vt100"
	TermWidth  = 300
	TermHeight = 24
)

// ErrShellClosed is returned by ReadUntil when the remote side closed the
// shell before the marker appeared.
var ErrShellClosed = errors.New("remote shell closed")

// Shell is an interactive PTY shell. Output is accumulated in the
// background and consumed by ReadUntil.
type Shell struct {
	session *ssh.Session
	stdin   io.WriteCloser

	mu      sync.Mutex
	buf     bytes.Buffer
	readErr error
	notify  chan struct{}
}

// Shell requests a vt100 PTY and starts a login shell on it.
func (c *Conn) Shell(ctx context.Context) (*Shell, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	session, err := c.client.NewSession()
	if err != nil {
		return nil, errors.Wrap(err, "failed to create SSH session")
	}

	modes := ssh.TerminalModes{
		ssh.ECHO:          1,
		ssh.TTY_OP_ISPEED: 14400,
		ssh.TTY_OP_OSPEED: 14400,
	}
	if err := session.RequestPty(TermType, TermHeight, TermWidth, modes); err != nil {
		session.Close()
		return nil, errors.Wrap(err, "failed to request pty")
	}

	stdin, err := session.StdinPipe()
	if err != nil {
		session.Close()
		return nil, errors.Wrap(err, "failed to get stdin pipe")
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		session.Close()
		return nil, errors.Wrap(err, "failed to get stdout pipe")
	}

	if err := session.Shell(); err != nil {
		session.Close()
		return nil, errors.Wrap(err, "failed to start shell")
	}

	s := &Shell{
		session: session,
		stdin:   stdin,
		notify:  make(chan struct{}, 1),
	}
	go s.pump(stdout)
	return s, nil
}

func (s *Shell) pump(r io.Reader) {
	chunk := make([]byte, 4096)
	for {
		n, err := r.Read(chunk)
		s.mu.Lock()
		s.buf.Write(chunk[:n])
		if err != nil {
			s.readErr = err
		}
		s.mu.Unlock()

		select {
		case s.notify <- struct{}{}:
		default:
		}
		if err != nil {
			return
		}
	}
}

// Send writes one line to the shell.
func (s *Shell) Send(line string) error {
	if _, err := io.WriteString(s.stdin, line+"\n"); err != nil {
		return errors.Wrap(err, "failed to write to shell")
	}
	return nil
}

// ReadUntil waits until the accumulated output contains marker. It returns
// the output consumed so far and whether the marker was seen. A timeout is
// not an error: found is false and the partial output is returned.
func (s *Shell) ReadUntil(ctx context.Context, marker string, timeout time.Duration) (string, bool, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		s.mu.Lock()
		if idx := strings.Index(s.buf.String(), marker); idx >= 0 {
			out := string(s.buf.Next(idx + len(marker)))
			s.mu.Unlock()
			return out, true, nil
		}
		if s.readErr != nil {
			out := s.drainLocked()
			s.mu.Unlock()
			return out, false, ErrShellClosed
		}
		s.mu.Unlock()

		select {
		case <-s.notify:
		case <-timer.C:
			s.mu.Lock()
			out := s.drainLocked()
			s.mu.Unlock()
			return out, false, nil
		case <-ctx.Done():
			return "", false, ctx.Err()
		}
	}
}

func (s *Shell) drainLocked() string {
	out := s.buf.String()
	s.buf.Reset()
	return out
}

func (s *Shell) Close() error {
	_ = s.stdin.Close()
	return s.session.Close()
}
