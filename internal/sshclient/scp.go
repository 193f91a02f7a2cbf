package sshclient

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"strings"

	"github.com/kballard/go-shellquote"
	"github.com/pkg/errors"
)

// ProgressFunc is called after each chunk pushed. A non-nil return aborts
// the transfer and is returned from Push unchanged.
type ProgressFunc func(sent, total int64) error

type progressReader struct {
	ctx      context.Context
	r        io.Reader
	sent     int64
	total    int64
	progress ProgressFunc
}

func (p *progressReader) Read(b []byte) (int, error) {
	if err := p.ctx.Err(); err != nil {
		return 0, err
	}
	n, err := p.r.Read(b)
	if n > 0 {
		p.sent += int64(n)
		if p.progress != nil {
			if perr := p.progress(p.sent, p.total); perr != nil {
				return n, perr
			}
		}
	}
	return n, err
}

// Push copies the local file to remotePath over SCP.
func (c *Conn) Push(ctx context.Context, localPath, remotePath string, progress ProgressFunc) error {
	f, err := os.Open(localPath)
	if err != nil {
		return errors.Wrap(err, "failed to open local file")
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return errors.Wrap(err, "failed to stat local file")
	}

	destDir := path.Dir(remotePath)
	destFile := path.Base(remotePath)
	if strings.ContainsAny(destFile, "\n\r\x00") {
		return errors.Errorf("invalid filename for SCP transfer: contains control characters")
	}

	session, err := c.client.NewSession()
	if err != nil {
		return errors.Wrap(err, "failed to create SSH session")
	}
	defer session.Close()

	stdin, err := session.StdinPipe()
	if err != nil {
		return errors.Wrap(err, "failed to get stdin pipe")
	}
	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	if err := session.Start("scp -t " + shellquote.Join(destDir)); err != nil {
		return errors.Wrap(err, "failed to start SCP command")
	}

	header := fmt.Sprintf("C%04o %d %s\n", st.Mode().Perm(), st.Size(), destFile)
	if _, err := io.WriteString(stdin, header); err != nil {
		return errors.Wrap(err, "failed to write SCP header")
	}

	src := &progressReader{ctx: ctx, r: f, total: st.Size(), progress: progress}
	n, err := io.Copy(stdin, src)
	if err != nil {
		// stdin still open, the remote scp is left waiting; closing the
		// session below tears it down.
		return err
	}
	if n != st.Size() {
		return errors.Errorf("incomplete file transfer: sent %d of %d bytes", n, st.Size())
	}

	if _, err := stdin.Write([]byte{0}); err != nil {
		return errors.Wrap(err, "failed to write SCP end marker")
	}
	if err := stdin.Close(); err != nil {
		return errors.Wrap(err, "failed to close stdin pipe")
	}

	done := make(chan error, 1)
	go func() {
		done <- session.Wait()
	}()

	select {
	case <-ctx.Done():
		terminateSession(session, done)
		return ctx.Err()
	case err := <-done:
		if err != nil {
			return errors.Wrapf(err, "SCP failed (stderr: %s)", strings.TrimSpace(stderr.String()))
		}
	}
	return nil
}
