package pipeline

import (
	"context"
	"os"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/tastythames/probe-deployer/internal/inventory"
	"github.com/tastythames/probe-deployer/internal/job"
	"github.com/tastythames/probe-deployer/internal/sshclient"
)

func (c *Coordinator) transferWorker(ctx context.Context, i int) {
	j := c.transfers[i]
	d := j.Device()
	logger := log.WithFields(log.Fields{"stage": StageTransfer, "device": d.Alias})

	// failed by propagation after admission
	if j.Errored() {
		j.AddLog("Skipped: earlier stage failed")
		return
	}

	j.Start()
	j.Logf("Connecting to %s", d.Address)

	err := c.transfer(ctx, j, d)
	switch {
	case err == nil:
		j.Complete()
		j.AddLog("Transfer complete")
		logger.Info("Transfer complete")
	case stopped(ctx, err):
		j.Stop()
		j.AddLog("Transfer stopped")
		logger.Info("Transfer stopped")
	default:
		j.Fail()
		j.Logf("Transfer failed: %v", err)
		logger.Errorf("Transfer failed: %v", err)
		c.handleTransferError(i)
	}
}

func (c *Coordinator) transfer(ctx context.Context, j *job.Job, d inventory.Device) error {
	local := c.LocalPath(KeyOf(d))
	st, err := os.Stat(local)
	if err != nil {
		return errors.Wrap(err, "artifact missing")
	}
	j.SetSize(toMB(st.Size()))

	conn, err := c.deps.Dialer.Dial(ctx, d)
	if err != nil {
		return err
	}
	defer conn.Close()

	remote := sshclient.RemotePath(d.User, d.FileName())
	j.Logf("Pushing %s to %s", d.FileName(), remote)

	start := time.Now()
	return conn.Push(ctx, local, remote, func(sent, total int64) error {
		if ctx.Err() != nil {
			return ErrStopped
		}
		doneMB, sizeMB, progress, speed := transferRate(sent, total, time.Since(start))
		j.UpdateTransfer(doneMB, sizeMB, progress, speed)
		return nil
	})
}
