package pipeline

import (
	"context"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/tastythames/probe-deployer/internal/inventory"
	"github.com/tastythames/probe-deployer/internal/job"
	"github.com/tastythames/probe-deployer/internal/runlog"
	"github.com/tastythames/probe-deployer/internal/scheduler"
	"github.com/tastythames/probe-deployer/internal/sshclient"
)

// Uninstall removes the probe from every selected device in a single
// batch-bounded stage and writes a run log. The returned jobs carry the
// per-device outcome; the error only reports a run log failure.
func Uninstall(ctx context.Context, devices []inventory.Device, opts Options, deps Deps) ([]*job.Job, error) {
	if deps.Dialer == nil {
		return nil, errors.New("dialer is required")
	}
	opts = opts.withDefaults()
	start := time.Now()

	selected := inventory.Selected(devices)
	jobs := make([]*job.Job, len(selected))
	for i, d := range selected {
		jobs[i] = job.New(d)
	}

	ex := scheduler.New(jobs, scheduler.FuncFactory(func(ctx context.Context, j *job.Job) {
		uninstallWorker(ctx, deps.Dialer, j, opts)
	}), scheduler.Options[*job.Job]{Name: StageUninstall, BatchSize: opts.InstallBatch})
	ex.Run(ctx)

	_, err := runlog.Write(opts.LogDir, start, []runlog.Section{
		deviceSection("Uninstall tasks", jobs),
	})
	return jobs, err
}

func uninstallWorker(ctx context.Context, dialer Dialer, j *job.Job, opts Options) {
	d := j.Device()
	logger := log.WithFields(log.Fields{"stage": StageUninstall, "device": d.Alias})
	j.Start()

	err := uninstall(ctx, dialer, j, d, opts)
	switch {
	case err == nil:
		j.Complete()
		j.AddLog("Uninstall complete")
		logger.Info("Uninstall complete")
	case stopped(ctx, err):
		j.Stop()
		j.AddLog("Uninstall stopped")
	default:
		j.Fail()
		j.Logf("Uninstall failed: %v", err)
		logger.Errorf("Uninstall failed: %v", err)
	}
}

func uninstall(ctx context.Context, dialer Dialer, j *job.Job, d inventory.Device, opts Options) error {
	sh, closeFn, err := openRootShell(ctx, dialer, j, d, opts.ElevateTimeout)
	if err != nil {
		return err
	}
	defer closeFn()

	cmds := sshclient.UninstallCommands(d.Platform, d.Format, opts.Reboot)
	for n, cmd := range cmds {
		if ctx.Err() != nil {
			return ErrStopped
		}
		if cmd == "reboot" {
			// the connection drops, there is no prompt to wait for
			j.AddLog("# reboot")
			return sh.Send(cmd)
		}
		if _, err := execRoot(ctx, j, sh, cmd, opts.CommandTimeout); err != nil {
			return err
		}
		j.SetProgress(40 + float64(n+1)*55/float64(len(cmds)))
	}
	return nil
}
