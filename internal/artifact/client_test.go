package artifact

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tastythames/probe-deployer/internal/inventory"
)

func newTestService(t *testing.T, payload []byte) (*httptest.Server, *[]Request) {
	var seen []Request
	mux := http.NewServeMux()
	mux.HandleFunc("/api/-/model/probes", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "true", r.URL.Query().Get("static-asset"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var req Request
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		seen = append(seen, req)

		switch req.Type {
		case "centos":
			w.WriteHeader(http.StatusInternalServerError)
		case "debian":
			_, _ = w.Write([]byte(`{}`))
		default:
			_, _ = w.Write([]byte(`{"path":"pkg/` + req.Type + `.tar"}`))
		}
	})
	mux.HandleFunc("/probe/download/pkg/ubuntu.tar", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", strconv.Itoa(len(payload)))
		if r.Method == http.MethodHead {
			return
		}
		_, _ = w.Write(payload)
	})
	srv := httptest.NewTLSServer(mux)
	t.Cleanup(srv.Close)
	return srv, &seen
}

func TestResolveSizeFetch(t *testing.T) {
	payload := bytes.Repeat([]byte("probe"), 50000)
	srv, seen := newTestService(t, payload)

	c, err := NewClient(Options{Address: srv.URL, Insecure: true, Filebeat: true, Metricbeat: true})
	require.NoError(t, err)

	ctx := context.Background()
	path, err := c.Resolve(ctx, c.NewRequest(inventory.Ubuntu, inventory.TAR))
	require.NoError(t, err)
	assert.Equal(t, "pkg/ubuntu.tar", path)

	require.Len(t, *seen, 1)
	req := (*seen)[0]
	assert.Equal(t, "ubuntu", req.Type)
	assert.Equal(t, "TAR", req.ArchiveType)
	assert.Equal(t, OS{Family: "linux", Architecture: "amd64"}, req.OS)
	assert.Equal(t, 64, req.Bits)
	assert.Equal(t, 22222, req.Port)
	assert.True(t, req.Beats.Filebeat)
	assert.True(t, req.Beats.Metricbeat)

	size, err := c.Size(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, int64(len(payload)), size)

	var buf bytes.Buffer
	var chunks, total int
	n, err := c.Fetch(ctx, path, &buf, func(n int) error {
		chunks++
		total += n
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, int64(len(payload)), n)
	assert.Equal(t, len(payload), total)
	assert.Greater(t, chunks, 1)
	assert.Equal(t, payload, buf.Bytes())
}

func TestResolveFailures(t *testing.T) {
	srv, _ := newTestService(t, nil)
	c, err := NewClient(Options{Address: srv.URL, Insecure: true})
	require.NoError(t, err)

	_, err = c.Resolve(context.Background(), c.NewRequest(inventory.CentOS, inventory.TAR))
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusInternalServerError, se.Code)

	_, err = c.Resolve(context.Background(), c.NewRequest(inventory.Debian, inventory.TAR))
	assert.ErrorIs(t, err, ErrNoPath)
}

func TestFetchAbortFromCallback(t *testing.T) {
	payload := bytes.Repeat([]byte("x"), 200000)
	srv, _ := newTestService(t, payload)
	c, err := NewClient(Options{Address: srv.URL, Insecure: true})
	require.NoError(t, err)

	stop := errors.New("stop")
	var buf bytes.Buffer
	n, err := c.Fetch(context.Background(), "pkg/ubuntu.tar", &buf, func(int) error { return stop })
	assert.ErrorIs(t, err, stop)
	assert.Less(t, n, int64(len(payload)))
}

func TestFetchNotFound(t *testing.T) {
	srv, _ := newTestService(t, nil)
	c, err := NewClient(Options{Address: srv.URL, Insecure: true})
	require.NoError(t, err)

	_, err = c.Fetch(context.Background(), "pkg/missing.tar", &bytes.Buffer{}, nil)
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusNotFound, se.Code)
}

func TestSizeNotFound(t *testing.T) {
	srv, _ := newTestService(t, nil)
	c, err := NewClient(Options{Address: srv.URL, Insecure: true})
	require.NoError(t, err)

	size, err := c.Size(context.Background(), "pkg/missing.tar")
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "size", se.Op)
	assert.Equal(t, http.StatusNotFound, se.Code)
	assert.Zero(t, size)
}

func TestTLSVerifiedByDefault(t *testing.T) {
	srv, _ := newTestService(t, nil)
	c, err := NewClient(Options{Address: srv.URL})
	require.NoError(t, err)

	_, err = c.Resolve(context.Background(), c.NewRequest(inventory.Ubuntu, inventory.TAR))
	assert.Error(t, err)
}

func TestNormalizeBase(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "172.17.223.4", want: "https://172.17.223.4"},
		{in: "http://example.test:8080/", want: "http://example.test:8080"},
		{in: " https://appliance ", want: "https://appliance"},
		{in: "", wantErr: true},
		{in: "https://", wantErr: true},
	}
	for _, tt := range tests {
		got, err := normalizeBase(tt.in)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got)
	}
}

func TestDownloadURL(t *testing.T) {
	c, err := NewClient(Options{Address: "10.1.1.1"})
	require.NoError(t, err)
	assert.Equal(t, "https://10.1.1.1/probe/download/a/b.tar", c.DownloadURL("/a/b.tar"))
}
