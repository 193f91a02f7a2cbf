package pipeline

import (
	"bytes"
	"context"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/atomic"

	"github.com/tastythames/probe-deployer/internal/artifact"
	"github.com/tastythames/probe-deployer/internal/inventory"
	"github.com/tastythames/probe-deployer/internal/sshclient"
)

// fakeArtifacts serves a fixed payload per key.
type fakeArtifacts struct {
	mu       sync.Mutex
	failing  map[inventory.Platform]bool
	resolves map[string]int
	payload  []byte
	// block makes Fetch wait for cancellation after the first chunk.
	block   atomic.Bool
	fetched chan struct{}
}

func newFakeArtifacts() *fakeArtifacts {
	return &fakeArtifacts{
		failing:  make(map[inventory.Platform]bool),
		resolves: make(map[string]int),
		payload:  bytes.Repeat([]byte("probe-package "), 4096),
		fetched:  make(chan struct{}, 16),
	}
}

func (f *fakeArtifacts) NewRequest(p inventory.Platform, fm inventory.ArchiveFormat) artifact.Request {
	return artifact.Request{Type: string(p), ArchiveType: string(fm)}
}

func (f *fakeArtifacts) Resolve(_ context.Context, req artifact.Request) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resolves[req.Type+"."+req.ArchiveType]++
	if f.failing[inventory.Platform(req.Type)] {
		return "", &artifact.StatusError{Op: "resolve", Code: 500}
	}
	return "pkg/" + req.Type, nil
}

func (f *fakeArtifacts) resolveCount(key string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.resolves[key]
}

func (f *fakeArtifacts) Size(context.Context, string) (int64, error) {
	return int64(len(f.payload)), nil
}

func (f *fakeArtifacts) Fetch(ctx context.Context, _ string, dst io.Writer, onChunk func(int) error) (int64, error) {
	var written int64
	for off := 0; off < len(f.payload); off += 4096 {
		end := off + 4096
		if end > len(f.payload) {
			end = len(f.payload)
		}
		n, err := dst.Write(f.payload[off:end])
		if err != nil {
			return written, err
		}
		written += int64(n)
		if err := onChunk(n); err != nil {
			return written, err
		}
		// the next chunk observes cancellation
		if f.block.CompareAndSwap(true, false) {
			f.fetched <- struct{}{}
			<-ctx.Done()
		}
	}
	return written, nil
}

// fakeHost is the scripted remote side of one device.
type fakeHost struct {
	mu sync.Mutex

	password   string
	running    bool
	startFixes bool
	dialErr    error
	pushErr    error
	// silent makes the root shell stop answering after elevation.
	silent bool
	// holdPush keeps a push reporting progress until it is aborted.
	holdPush bool

	dials int
	files map[string][]byte
	sent  []string
}

func (h *fakeHost) commands() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, len(h.sent))
	copy(out, h.sent)
	return out
}

func (h *fakeHost) dialCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.dials
}

type fakeDialer struct {
	mu    sync.Mutex
	hosts map[string]*fakeHost
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{hosts: make(map[string]*fakeHost)}
}

// host returns the scripted host for addr, creating a healthy one.
func (f *fakeDialer) host(addr string) *fakeHost {
	f.mu.Lock()
	defer f.mu.Unlock()
	h, ok := f.hosts[addr]
	if !ok {
		h = &fakeHost{password: "secret", running: true, files: make(map[string][]byte)}
		f.hosts[addr] = h
	}
	return h
}

func (f *fakeDialer) Dial(ctx context.Context, d inventory.Device) (Conn, error) {
	h := f.host(d.Address)
	h.mu.Lock()
	defer h.mu.Unlock()
	h.dials++
	if h.dialErr != nil {
		return nil, h.dialErr
	}
	return &fakeConn{host: h, device: d}, nil
}

type fakeConn struct {
	host   *fakeHost
	device inventory.Device
}

func (c *fakeConn) Push(ctx context.Context, local, remote string, progress sshclient.ProgressFunc) error {
	c.host.mu.Lock()
	pushErr, hold := c.host.pushErr, c.host.holdPush
	c.host.mu.Unlock()
	if pushErr != nil {
		return pushErr
	}
	data, err := os.ReadFile(local)
	if err != nil {
		return err
	}
	total := int64(len(data))
	if hold {
		for sent := int64(1); ; sent = min(sent+1, total-1) {
			if err := progress(sent, total); err != nil {
				return err
			}
			time.Sleep(time.Millisecond)
		}
	}
	for sent := int64(0); sent < total; {
		sent += 1024
		if sent > total {
			sent = total
		}
		if err := progress(sent, total); err != nil {
			return err
		}
	}
	c.host.mu.Lock()
	c.host.files[remote] = data
	c.host.mu.Unlock()
	return nil
}

func (c *fakeConn) Shell(context.Context) (Shell, error) {
	return &fakeShell{host: c.host, device: c.device}, nil
}

func (c *fakeConn) Close() error { return nil }

type fakeShell struct {
	host     *fakeHost
	device   inventory.Device
	elevated bool

	mu      sync.Mutex
	pending string
}

const fakePrompt = "root@probe-host:~# "

func (s *fakeShell) Send(line string) error {
	h := s.host
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sent = append(h.sent, line)

	var out string
	switch {
	case line == "sudo -s":
		out = "[sudo] password for " + s.device.User + ": "
	case line == "su":
		out = "Password: "
	case !s.elevated:
		if line == h.password {
			s.elevated = true
			out = "\r\n" + fakePrompt
		} else {
			out = "\r\nSorry, try again.\r\n"
		}
	case h.silent:
		out = ""
	case strings.HasSuffix(line, "status "+sshclient.ServiceName):
		state := "inactive (dead)"
		if h.running {
			state = "active (running) since Mon 2024-01-01"
		}
		out = "   Active: " + state + "\r\n" + fakePrompt
	case strings.HasSuffix(line, "start "+sshclient.ServiceName):
		if h.startFixes {
			h.running = true
		}
		out = fakePrompt
	default:
		out = fakePrompt
	}

	s.mu.Lock()
	s.pending += out
	s.mu.Unlock()
	return nil
}

func (s *fakeShell) ReadUntil(ctx context.Context, marker string, timeout time.Duration) (string, bool, error) {
	s.mu.Lock()
	if idx := strings.Index(s.pending, marker); idx >= 0 {
		out := s.pending[:idx+len(marker)]
		s.pending = s.pending[idx+len(marker):]
		s.mu.Unlock()
		return out, true, nil
	}
	s.mu.Unlock()

	select {
	case <-ctx.Done():
		return "", false, ctx.Err()
	case <-time.After(timeout):
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.pending
	s.pending = ""
	return out, false, nil
}

func (s *fakeShell) Close() error { return nil }

var errPush = errors.New("scp: /home/evertz: Permission denied")
