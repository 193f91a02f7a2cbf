package sshclient

import (
	"bufio"
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"io"
	"net"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
)

const (
	testUser     = "evertz"
	testPassword = "secret"
)

// shellHandler answers one line typed into the fake shell. Returning
// close=true ends the shell after writing reply.
type shellHandler func(line string) (reply string, close bool)

// testServer is an in-process SSH server with a scripted PTY shell and an
// scp sink.
type testServer struct {
	listener   net.Listener
	config     *ssh.ServerConfig
	hostKey    ssh.Signer
	knownHosts string
	handler    shellHandler
	banner     string

	mu       sync.Mutex
	files    map[string][]byte
	termType string
	execs    []string

	wg sync.WaitGroup
}

func startTestServer(t *testing.T, handler shellHandler) *testServer {
	t.Helper()

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	signer, err := ssh.NewSignerFromKey(priv)
	require.NoError(t, err)

	cfg := &ssh.ServerConfig{
		PasswordCallback: func(c ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
			if c.User() == testUser && string(pass) == testPassword {
				return &ssh.Permissions{}, nil
			}
			return nil, fmt.Errorf("password rejected for %q", c.User())
		},
	}
	cfg.AddHostKey(signer)

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	port := l.Addr().(*net.TCPAddr).Port
	knownHosts := filepath.Join(t.TempDir(), "known_hosts")
	line := fmt.Sprintf("[127.0.0.1]:%d %s\n", port, strings.TrimSpace(string(ssh.MarshalAuthorizedKey(signer.PublicKey()))))
	require.NoError(t, os.WriteFile(knownHosts, []byte(line), 0o644))

	s := &testServer{
		listener:   l,
		config:     cfg,
		hostKey:    signer,
		knownHosts: knownHosts,
		handler:    handler,
		banner:     "Welcome\r\nevertz@box:~$ ",
		files:      make(map[string][]byte),
	}
	s.wg.Add(1)
	go s.accept()
	t.Cleanup(func() {
		l.Close()
		s.wg.Wait()
	})
	return s
}

func (s *testServer) addr() string { return s.listener.Addr().String() }

func (s *testServer) file(p string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.files[p]
	return b, ok
}

func (s *testServer) accept() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

func (s *testServer) handleConn(conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()

	sshConn, chans, reqs, err := ssh.NewServerConn(conn, s.config)
	if err != nil {
		return
	}
	defer sshConn.Close()
	go ssh.DiscardRequests(reqs)

	for nc := range chans {
		if nc.ChannelType() != "session" {
			_ = nc.Reject(ssh.UnknownChannelType, "unknown channel type")
			continue
		}
		ch, chReqs, err := nc.Accept()
		if err != nil {
			continue
		}
		go s.handleSession(ch, chReqs)
	}
}

func (s *testServer) handleSession(ch ssh.Channel, reqs <-chan *ssh.Request) {
	defer ch.Close()
	for req := range reqs {
		switch req.Type {
		case "pty-req":
			var pty struct {
				Term     string
				Columns  uint32
				Rows     uint32
				Width    uint32
				Height   uint32
				Modelist string
			}
			_ = ssh.Unmarshal(req.Payload, &pty)
			s.mu.Lock()
			s.termType = pty.Term
			s.mu.Unlock()
			_ = req.Reply(true, nil)
		case "shell":
			_ = req.Reply(true, nil)
			s.runShell(ch)
			return
		case "exec":
			var payload struct{ Command string }
			_ = ssh.Unmarshal(req.Payload, &payload)
			_ = req.Reply(true, nil)
			s.mu.Lock()
			s.execs = append(s.execs, payload.Command)
			s.mu.Unlock()

			status := uint32(0)
			if strings.HasPrefix(payload.Command, "scp -t ") {
				if err := s.scpSink(ch, strings.TrimPrefix(payload.Command, "scp -t ")); err != nil {
					_, _ = ch.Stderr().Write([]byte(err.Error()))
					status = 1
				}
			}
			_, _ = ch.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{status}))
			return
		default:
			if req.WantReply {
				_ = req.Reply(false, nil)
			}
		}
	}
}

func (s *testServer) runShell(ch ssh.Channel) {
	_, _ = io.WriteString(ch, s.banner)
	r := bufio.NewReader(ch)
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		reply, closeShell := s.handler(strings.TrimRight(line, "\r\n"))
		_, _ = io.WriteString(ch, reply)
		if closeShell {
			_, _ = ch.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{0}))
			return
		}
	}
}

func (s *testServer) scpSink(ch ssh.Channel, dir string) error {
	r := bufio.NewReader(ch)
	header, err := r.ReadString('\n')
	if err != nil {
		return err
	}
	// C0644 <size> <name>
	fields := strings.SplitN(strings.TrimSpace(header), " ", 3)
	if len(fields) != 3 || !strings.HasPrefix(fields[0], "C") {
		return fmt.Errorf("bad scp header %q", header)
	}
	size, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil {
		return err
	}
	data := make([]byte, size)
	if _, err := io.ReadFull(r, data); err != nil {
		return err
	}
	if b, err := r.ReadByte(); err != nil || b != 0 {
		return fmt.Errorf("missing scp end marker")
	}

	s.mu.Lock()
	s.files[path.Join(dir, fields[2])] = data
	s.mu.Unlock()
	return nil
}

// sudoShell emulates a login shell that elevates with sudo.
func sudoShell(extra map[string]string) shellHandler {
	elevated := false
	return func(line string) (string, bool) {
		switch {
		case line == "sudo -s":
			return "[sudo] password for evertz: ", false
		case !elevated && line == testPassword:
			elevated = true
			return "\r\nroot@box:/home/evertz# ", false
		case line == "exit":
			return "logout\r\n", true
		}
		if out, ok := extra[line]; ok {
			return out + "\r\nroot@box:~# ", false
		}
		return "\r\nroot@box:~# ", false
	}
}
