// Package artifact talks to the appliance that builds probe packages:
// it resolves a package path, probes its size and streams it to disk.
package artifact

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/tastythames/probe-deployer/internal/inventory"
)

const (
	resolvePath  = "/api/-/model/probes?static-asset=true"
	downloadPath = "/probe/download/"

	chunkSize = 32 * 1024
)

type OS struct {
	Family       string `json:"family"`
	Architecture string `json:"architecture"`
}

type Beats struct {
	Filebeat   bool `json:"filebeat"`
	Metricbeat bool `json:"metricbeat"`
}

// Request is the resolution payload for one (platform, format) pair.
type Request struct {
	Type        string `json:"type"`
	OS          OS     `json:"os"`
	Bits        int    `json:"bits"`
	ArchiveType string `json:"archive-type"`
	Port        int    `json:"port"`
	Beats       Beats  `json:"beats"`
}

type resolveResponse struct {
	Path string `json:"path"`
}

// StatusError is returned for any non-200 response.
type StatusError struct {
	Op   string
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: unexpected status code %d", e.Op, e.Code)
}

// ErrNoPath is returned when the service answers 200 without a path.
var ErrNoPath = errors.New("artifact service returned no path")

type Options struct {
	// Address is the artifact service host, with or without scheme.
	// A bare host is reached over https.
	Address  string
	Insecure bool
	Timeout  time.Duration

	OSFamily     string
	Architecture string
	Bits         int
	ProbePort    int
	Filebeat     bool
	Metricbeat   bool
}

type Client struct {
	base string
	opts Options
	http *http.Client
}

func NewClient(opts Options) (*Client, error) {
	base, err := normalizeBase(opts.Address)
	if err != nil {
		return nil, err
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.OSFamily == "" {
		opts.OSFamily = "linux"
	}
	if opts.Architecture == "" {
		opts.Architecture = "amd64"
	}
	if opts.Bits == 0 {
		opts.Bits = 64
	}
	if opts.ProbePort == 0 {
		opts.ProbePort = 22222
	}

	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          30,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		ResponseHeaderTimeout: opts.Timeout,
	}
	if opts.Insecure {
		// appliances ship self-signed certificates
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec
	}

	return &Client{
		base: base,
		opts: opts,
		http: &http.Client{Transport: transport},
	}, nil
}

func normalizeBase(addr string) (string, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return "", errors.New("artifact service address is empty")
	}
	if !strings.Contains(addr, "://") {
		addr = "https://" + addr
	}
	u, err := url.Parse(addr)
	if err != nil {
		return "", errors.Wrap(err, "invalid artifact service address")
	}
	if u.Host == "" {
		return "", errors.Errorf("invalid artifact service address %q", addr)
	}
	return strings.TrimSuffix(u.String(), "/"), nil
}

// Base returns the normalised service URL.
func (c *Client) Base() string { return c.base }

// NewRequest builds the resolution payload for a platform/format pair
// from the configured defaults.
func (c *Client) NewRequest(p inventory.Platform, f inventory.ArchiveFormat) Request {
	return Request{
		Type:        string(p),
		OS:          OS{Family: c.opts.OSFamily, Architecture: c.opts.Architecture},
		Bits:        c.opts.Bits,
		ArchiveType: string(f),
		Port:        c.opts.ProbePort,
		Beats:       Beats{Filebeat: c.opts.Filebeat, Metricbeat: c.opts.Metricbeat},
	}
}

// Resolve asks the service for the download path of a package.
func (c *Client) Resolve(ctx context.Context, req Request) (string, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return "", errors.Wrap(err, "failed to marshal resolve request")
	}

	ctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+resolvePath, bytes.NewReader(body))
	if err != nil {
		return "", errors.Wrap(err, "failed to create resolve request")
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return "", errors.Wrap(err, "resolve request failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return "", &StatusError{Op: "resolve", Code: resp.StatusCode}
	}

	var out resolveResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", errors.Wrap(err, "failed to decode resolve response")
	}
	if out.Path == "" {
		return "", ErrNoPath
	}
	log.Debugf("artifact: resolved %s/%s to %s", req.Type, req.ArchiveType, out.Path)
	return out.Path, nil
}

// DownloadURL is where a resolved path is fetched from.
func (c *Client) DownloadURL(path string) string {
	return c.base + downloadPath + strings.TrimPrefix(path, "/")
}

// Size returns the content-length reported by a HEAD request, 0 if absent.
func (c *Client) Size(ctx context.Context, path string) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, c.DownloadURL(path), nil)
	if err != nil {
		return 0, errors.Wrap(err, "failed to create size request")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, errors.Wrap(err, "size request failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, &StatusError{Op: "size", Code: resp.StatusCode}
	}
	if resp.ContentLength < 0 {
		return 0, nil
	}
	return resp.ContentLength, nil
}

// Fetch streams the package into dst. onChunk is called after every chunk
// written with the chunk length; a non-nil return aborts the transfer and
// is returned as is.
func (c *Client) Fetch(ctx context.Context, path string, dst io.Writer, onChunk func(n int) error) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.DownloadURL(path), nil)
	if err != nil {
		return 0, errors.Wrap(err, "failed to create download request")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, errors.Wrap(err, "download request failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, &StatusError{Op: "download", Code: resp.StatusCode}
	}

	var written int64
	buf := make([]byte, chunkSize)
	for {
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return written, errors.Wrap(werr, "failed to write package")
			}
			written += int64(n)
			if onChunk != nil {
				if cerr := onChunk(n); cerr != nil {
					return written, cerr
				}
			}
		}
		if rerr == io.EOF {
			return written, nil
		}
		if rerr != nil {
			return written, errors.Wrap(rerr, "download interrupted")
		}
	}
}
