package pipeline

import (
	"context"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/tastythames/probe-deployer/internal/inventory"
	"github.com/tastythames/probe-deployer/internal/job"
	"github.com/tastythames/probe-deployer/internal/sshclient"
)

// ErrElevation is returned when no root prompt follows the password.
var ErrElevation = errors.New("failed to obtain a root shell")

func (c *Coordinator) installWorker(ctx context.Context, i int) {
	j := c.installs[i]
	d := j.Device()
	logger := log.WithFields(log.Fields{"stage": StageInstall, "device": d.Alias})

	if j.Errored() {
		j.AddLog("Skipped: earlier stage failed")
		c.deviceFinished(i, 0, nil)
		return
	}

	start := time.Now()
	j.Start()

	err := c.install(ctx, j, d)
	switch {
	case err == nil:
		j.Complete()
		j.AddLog("Install complete")
		logger.Info("Install complete")
	case stopped(ctx, err):
		j.Stop()
		j.AddLog("Install stopped")
		logger.Info("Install stopped")
		err = nil
	default:
		j.Fail()
		j.Logf("Install failed: %v", err)
		logger.Errorf("Install failed: %v", err)
	}
	c.deviceFinished(i, time.Since(start), err)
}

func (c *Coordinator) install(ctx context.Context, j *job.Job, d inventory.Device) error {
	sh, closeFn, err := openRootShell(ctx, c.deps.Dialer, j, d, c.opts.ElevateTimeout)
	if err != nil {
		return err
	}
	defer closeFn()

	for _, cmd := range sshclient.InstallCommands(d.Format, d.User, d.FileName()) {
		if ctx.Err() != nil {
			return ErrStopped
		}
		if _, err := execRoot(ctx, j, sh, cmd, c.opts.CommandTimeout); err != nil {
			return err
		}
	}
	j.SetProgress(85)

	return c.verify(ctx, j, sh, d)
}

// openRootShell connects, opens a PTY shell and elevates it. closeFn
// releases the shell and the connection.
func openRootShell(ctx context.Context, dialer Dialer, j *job.Job, d inventory.Device, timeout time.Duration) (Shell, func(), error) {
	j.Logf("Connecting to %s", d.Address)
	conn, err := dialer.Dial(ctx, d)
	if err != nil {
		return nil, nil, err
	}
	j.SetProgress(10)

	sh, err := conn.Shell(ctx)
	if err != nil {
		conn.Close()
		return nil, nil, err
	}
	j.SetProgress(30)
	closeFn := func() {
		sh.Close()
		conn.Close()
	}

	if err := elevate(ctx, j, sh, d, timeout); err != nil {
		closeFn()
		return nil, nil, err
	}
	j.SetProgress(40)
	return sh, closeFn, nil
}

func elevate(ctx context.Context, j *job.Job, sh Shell, d inventory.Device, timeout time.Duration) error {
	el := sshclient.ElevationFor(d.Platform)
	j.Logf("Elevating with %q", el.Command)
	if err := sh.Send(el.Command); err != nil {
		return err
	}
	_, found, err := sh.ReadUntil(ctx, el.Prompt, timeout)
	if err != nil {
		return readErr(ctx, err)
	}
	if !found {
		j.Logf("Password prompt %q not seen", el.Prompt)
	}

	if err := sh.Send(d.Password); err != nil {
		return err
	}
	out, found, err := sh.ReadUntil(ctx, sshclient.RootMarker, timeout)
	if err != nil {
		return readErr(ctx, err)
	}
	if !found {
		if last := sshclient.LastLine(out); last != "" {
			j.AddLog(last)
		}
		return ErrElevation
	}
	j.AddLog("Root shell obtained")
	return nil
}

// execRoot runs one command in the root shell and waits for the prompt.
// A missing prompt is logged but not fatal.
func execRoot(ctx context.Context, j *job.Job, sh Shell, cmd string, timeout time.Duration) (string, error) {
	j.Logf("# %s", cmd)
	if err := sh.Send(cmd); err != nil {
		return "", err
	}
	out, found, err := sh.ReadUntil(ctx, sshclient.RootMarker, timeout)
	if err != nil {
		return out, readErr(ctx, err)
	}
	if !found {
		j.Logf("No prompt after %s", timeout)
	}
	return out, nil
}

func readErr(ctx context.Context, err error) error {
	if stopped(ctx, err) {
		return ErrStopped
	}
	return errors.Wrap(err, "shell read failed")
}

// verify checks the service, starts it once if it is not running and
// checks again.
func (c *Coordinator) verify(ctx context.Context, j *job.Job, sh Shell, d inventory.Device) error {
	status := sshclient.StatusCommand(d.Platform)

	out, err := execRoot(ctx, j, sh, status, c.opts.CommandTimeout)
	if err != nil {
		return err
	}
	if sshclient.ServiceRunning(out) {
		j.Logf("Service %s is running", sshclient.ServiceName)
		return nil
	}

	j.Logf("Service %s is not running, starting it", sshclient.ServiceName)
	if _, err := execRoot(ctx, j, sh, sshclient.StartCommand(d.Platform), c.opts.CommandTimeout); err != nil {
		return err
	}
	out, err = execRoot(ctx, j, sh, status, c.opts.CommandTimeout)
	if err != nil {
		return err
	}
	if sshclient.ServiceRunning(out) {
		j.Logf("Service %s is running", sshclient.ServiceName)
		return nil
	}

	state := sshclient.ServiceState(out)
	if state == "" {
		state = sshclient.LastLine(out)
	}
	j.Logf("Service %s state: %s", sshclient.ServiceName, state)
	return errors.Errorf("service %s is not running", sshclient.ServiceName)
}
