package pipeline

import (
	"context"
	"os"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/tastythames/probe-deployer/internal/job"
)

func (c *Coordinator) downloadWorker(ctx context.Context, i int) {
	j, k := c.downloads[i], c.keys[i]
	logger := log.WithFields(log.Fields{"stage": StageDownload, "file": k.FileName()})

	j.Start()
	j.Logf("Downloading %s", k.FileName())

	err := c.download(ctx, j, k)
	switch {
	case err == nil:
		j.Complete()
		j.AddLog("Download complete")
		logger.Info("Download complete")
	case stopped(ctx, err):
		j.Stop()
		j.AddLog("Download stopped")
		logger.Info("Download stopped")
	default:
		j.Fail()
		j.Logf("Download failed: %v", err)
		logger.Errorf("Download failed: %v", err)
		c.handleDownloadError(k)
	}
}

// download tries up to DownloadAttempts times, without backoff.
func (c *Coordinator) download(ctx context.Context, j *job.Job, k Key) error {
	var lastErr error
	for attempt := 1; attempt <= c.opts.DownloadAttempts; attempt++ {
		if ctx.Err() != nil {
			return ErrStopped
		}
		err := c.downloadOnce(ctx, j, k)
		if err == nil {
			return nil
		}
		if stopped(ctx, err) {
			return ErrStopped
		}
		j.Logf("Attempt %d: %v", attempt, err)
		log.WithField("file", k.FileName()).Warnf("Attempt %d: %v", attempt, err)
		lastErr = err
	}
	return errors.Wrapf(lastErr, "giving up after %d attempts", c.opts.DownloadAttempts)
}

func (c *Coordinator) downloadOnce(ctx context.Context, j *job.Job, k Key) error {
	svc := c.deps.Artifacts

	path, err := svc.Resolve(ctx, svc.NewRequest(k.Platform, k.Format))
	if err != nil {
		return err
	}
	size, err := svc.Size(ctx, path)
	if err != nil {
		return err
	}
	j.SetSize(toMB(size))

	f, err := os.Create(c.LocalPath(k))
	if err != nil {
		return errors.Wrap(err, "failed to create local file")
	}
	defer f.Close()

	start := time.Now()
	var done int64
	_, err = svc.Fetch(ctx, path, f, func(n int) error {
		if ctx.Err() != nil {
			return ErrStopped
		}
		done += int64(n)
		doneMB, sizeMB, progress, speed := transferRate(done, size, time.Since(start))
		j.UpdateTransfer(doneMB, sizeMB, progress, speed)
		return nil
	})
	if err != nil {
		return err
	}
	return errors.Wrap(f.Sync(), "failed to flush local file")
}
