package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"go.uber.org/atomic"

	"github.com/tastythames/probe-deployer/internal/cache"
	"github.com/tastythames/probe-deployer/internal/inventory"
	"github.com/tastythames/probe-deployer/internal/job"
	"github.com/tastythames/probe-deployer/internal/runlog"
	"github.com/tastythames/probe-deployer/internal/scheduler"
)

// Status is the caller-facing view of a run.
type Status struct {
	RunID      string    `json:"run_id"`
	State      State     `json:"state"`
	Current    string    `json:"current"`
	Completed  int       `json:"completed"`
	Successful int       `json:"successful"`
	Total      int       `json:"total"`
	Progress   string    `json:"progress"`
	Line       string    `json:"line"`
	StartedAt  time.Time `json:"started_at,omitempty"`
	LogPath    string    `json:"log_path,omitempty"`
}

type stopper interface {
	Stop(block bool)
}

// Coordinator owns the job lists of one run and drives the stages.
type Coordinator struct {
	opts Options
	deps Deps

	runID   string
	devices []inventory.Device

	keys      []Key
	downloads []*job.Job
	byKey     map[Key]*job.Job
	transfers []*job.Job
	installs  []*job.Job

	started       atomic.Bool
	stopRequested atomic.Bool
	done          chan struct{}

	mu         sync.Mutex
	state      State
	current    string
	line       string
	completed  int
	successful int
	startedAt  time.Time
	logPath    string
	active     stopper
	cancel     context.CancelFunc
	stats      map[string]scheduler.Stats
}

// New builds the job lists for the selected devices. Devices that are not
// selected are ignored.
func New(devices []inventory.Device, opts Options, deps Deps) (*Coordinator, error) {
	if deps.Artifacts == nil {
		return nil, errors.New("artifact service is required")
	}
	if deps.Dialer == nil {
		return nil, errors.New("dialer is required")
	}

	selected := inventory.Selected(devices)
	c := &Coordinator{
		opts:    opts.withDefaults(),
		deps:    deps,
		runID:   uuid.NewString(),
		devices: selected,
		byKey:   make(map[Key]*job.Job),
		done:    make(chan struct{}),
		stats:   make(map[string]scheduler.Stats),
		line:    "Waiting to start",
	}

	for _, d := range selected {
		k := KeyOf(d)
		if _, ok := c.byKey[k]; !ok {
			j := job.New(inventory.Device{
				Alias:    k.FileName(),
				Platform: k.Platform,
				Format:   k.Format,
				Deploy:   true,
			})
			c.byKey[k] = j
			c.keys = append(c.keys, k)
			c.downloads = append(c.downloads, j)
		}
		c.transfers = append(c.transfers, job.New(d))
		c.installs = append(c.installs, job.New(d))
	}
	return c, nil
}

func (c *Coordinator) RunID() string { return c.runID }

func (c *Coordinator) DownloadJobs() []*job.Job { return c.downloads }
func (c *Coordinator) TransferJobs() []*job.Job { return c.transfers }
func (c *Coordinator) InstallJobs() []*job.Job  { return c.installs }

// Jobs returns the job list of a stage, nil for an unknown stage.
func (c *Coordinator) Jobs(stage string) []*job.Job {
	switch stage {
	case StageDownload:
		return c.downloads
	case StageTransfer:
		return c.transfers
	case StageInstall:
		return c.installs
	default:
		return nil
	}
}

// Keys returns the download keys in job order.
func (c *Coordinator) Keys() []Key { return c.keys }

func (c *Coordinator) LocalPath(k Key) string {
	return filepath.Join(c.opts.FilesDir, k.FileName())
}

// Run executes the three stages in order. It returns when the run is
// Finished or Stopped; per-device failures are recorded in the jobs, not
// returned. A files directory that cannot be created fails every device and
// is returned after the run log is written. Run may only be called once.
func (c *Coordinator) Run(ctx context.Context) error {
	if !c.started.CompareAndSwap(false, true) {
		return errors.New("coordinator already started")
	}
	defer close(c.done)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	c.mu.Lock()
	c.cancel = cancel
	c.startedAt = time.Now()
	c.mu.Unlock()

	if c.stopRequested.Load() {
		cancel()
	}

	logger := log.WithField("run", c.runID)
	logger.Infof("Starting deployment of %d devices (%d downloads)", len(c.devices), len(c.downloads))

	// without a files directory nothing can be downloaded; every device
	// fails through the usual propagation and the run log is still written
	setupErr := os.MkdirAll(c.opts.FilesDir, 0o755)
	if setupErr != nil {
		setupErr = errors.Wrapf(setupErr, "failed to create files directory %s", c.opts.FilesDir)
		logger.Error(setupErr)
		for i, j := range c.downloads {
			j.Logf("Download failed: %v", setupErr)
			j.Fail()
			c.handleDownloadError(c.keys[i])
		}
	}

	stages := []struct {
		state State
		run   func(context.Context)
	}{
		{Downloading, c.runDownloads},
		{Transferring, c.runTransfers},
		{Installing, c.runInstalls},
	}
	for _, st := range stages {
		if c.stopRequested.Load() || ctx.Err() != nil {
			break
		}
		c.setState(st.state, st.state.String())
		logger.Infof("Stage %s", st.state)
		st.run(ctx)
	}

	final := Finished
	if c.stopRequested.Load() || ctx.Err() != nil {
		final = Stopped
	}
	c.setState(final, fmt.Sprintf("%s: %s devices deployed", final, c.Summary()))
	logger.Infof("Deployment %s: %s devices deployed", final, c.Summary())

	path, err := runlog.Write(c.opts.LogDir, c.startedAt, c.runLogSections())
	if err != nil {
		logger.Errorf("Failed to write run log: %v", err)
	} else {
		c.mu.Lock()
		c.logPath = path
		c.mu.Unlock()
		logger.Infof("Run log written to %s", path)
	}

	if final == Finished && !c.opts.KeepFiles && setupErr == nil {
		c.removeFiles()
	}
	if setupErr != nil {
		return setupErr
	}
	return err
}

func (c *Coordinator) runStage(ctx context.Context, name string, n, batch int, factory scheduler.Factory[int], skip func(int) bool, onSkip func(int)) {
	idx := make([]int, n)
	for i := range idx {
		idx[i] = i
	}
	ex := scheduler.New(idx, factory, scheduler.Options[int]{
		Name:      name,
		BatchSize: batch,
		Skip:      skip,
		OnSkip:    onSkip,
	})

	c.mu.Lock()
	c.active = ex
	c.mu.Unlock()
	// a stop raised before active was visible
	if c.stopRequested.Load() {
		ex.Stop(false)
	}

	ex.Run(ctx)

	c.mu.Lock()
	c.active = nil
	c.stats[name] = ex.Stats()
	c.mu.Unlock()
}

func (c *Coordinator) runDownloads(ctx context.Context) {
	c.runStage(ctx, StageDownload, len(c.downloads), c.opts.DownloadBatch,
		scheduler.FuncFactory(c.downloadWorker),
		func(i int) bool { return c.downloads[i].Errored() },
		func(i int) { c.downloads[i].AddLog("Skipped: download failed before admission") },
	)
}

func (c *Coordinator) runTransfers(ctx context.Context) {
	c.runStage(ctx, StageTransfer, len(c.transfers), c.opts.TransferBatch,
		scheduler.FuncFactory(c.transferWorker),
		func(i int) bool { return c.transfers[i].Errored() },
		func(i int) { c.transfers[i].AddLog("Skipped: earlier stage failed") },
	)
}

func (c *Coordinator) runInstalls(ctx context.Context) {
	c.runStage(ctx, StageInstall, len(c.installs), c.opts.InstallBatch,
		scheduler.FuncFactory(c.installWorker),
		func(i int) bool { return c.installs[i].Errored() },
		func(i int) {
			c.installs[i].AddLog("Skipped: earlier stage failed")
			c.deviceFinished(i, 0, nil)
		},
	)
}

// handleDownloadError fails every transfer and install job of devices
// sharing the key.
func (c *Coordinator) handleDownloadError(k Key) {
	for i, d := range c.devices {
		if KeyOf(d) != k {
			continue
		}
		msg := fmt.Sprintf("Download of %s failed", k.FileName())
		c.transfers[i].AddLog(msg)
		c.transfers[i].Fail()
		c.installs[i].AddLog(msg)
		c.installs[i].Fail()
	}
}

// handleTransferError fails the install job of the same device.
func (c *Coordinator) handleTransferError(i int) {
	c.installs[i].AddLog("Transfer failed")
	c.installs[i].Fail()
}

func (c *Coordinator) deviceFinished(i int, elapsed time.Duration, err error) {
	d := c.devices[i]
	st := c.installs[i].Status()

	c.mu.Lock()
	c.completed++
	if st == job.Completed {
		c.successful++
	}
	c.current = d.Alias
	c.line = fmt.Sprintf("%s: %s (%d/%d)", d.Alias, st, c.completed, len(c.devices))
	c.mu.Unlock()

	if c.deps.Cache != nil {
		if err == nil && st == job.Error {
			err = errors.New("deployment failed")
		}
		c.deps.Cache.Set(d.Address, cache.Result{
			At:       time.Now(),
			Alias:    d.Alias,
			Platform: string(d.Platform),
			Format:   string(d.Format),
			Status:   st.String(),
			Duration: elapsed,
			Err:      err,
		})
	}
}

func (c *Coordinator) setState(s State, line string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = s
	c.line = line
}

// RequestStop stops the active stage: admissions are abandoned and every
// active worker is cancelled. Stages that already completed are untouched.
// With block set it returns once Run has returned.
func (c *Coordinator) RequestStop(block bool) {
	c.stopRequested.Store(true)

	c.mu.Lock()
	active, cancel := c.active, c.cancel
	c.mu.Unlock()

	if active != nil {
		active.Stop(false)
	}
	if cancel != nil {
		cancel()
	}
	log.WithField("run", c.runID).Info("Stop requested")

	if block && c.started.Load() {
		<-c.done
	}
}

// Done is closed when Run returns.
func (c *Coordinator) Done() <-chan struct{} { return c.done }

func (c *Coordinator) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Status{
		RunID:      c.runID,
		State:      c.state,
		Current:    c.current,
		Completed:  c.completed,
		Successful: c.successful,
		Total:      len(c.devices),
		Progress:   fmt.Sprintf("%d/%d", c.completed, len(c.devices)),
		Line:       c.line,
		StartedAt:  c.startedAt,
		LogPath:    c.logPath,
	}
}

// Summary reports "{successful}/{total}".
func (c *Coordinator) Summary() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return fmt.Sprintf("%d/%d", c.successful, len(c.devices))
}

// StageStats returns executor statistics of every stage that ran.
func (c *Coordinator) StageStats() map[string]scheduler.Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]scheduler.Stats, len(c.stats))
	for k, v := range c.stats {
		out[k] = v
	}
	return out
}

func (c *Coordinator) runLogSections() []runlog.Section {
	downloads := runlog.Section{Title: "Download tasks"}
	for i, j := range c.downloads {
		downloads.Entries = append(downloads.Entries, runlog.Entry{
			Header: runlog.FileHeader(c.keys[i].String()),
			Lines:  j.Logs(),
		})
	}
	return []runlog.Section{
		downloads,
		deviceSection("Transfer tasks", c.transfers),
		deviceSection("Install tasks", c.installs),
	}
}

func deviceSection(title string, jobs []*job.Job) runlog.Section {
	s := runlog.Section{Title: title, Devices: true}
	for _, j := range jobs {
		d := j.Device()
		s.Entries = append(s.Entries, runlog.Entry{
			Header: runlog.DeviceHeader(d.Alias, d.Address),
			Lines:  j.Logs(),
		})
	}
	return s
}

func (c *Coordinator) removeFiles() {
	for _, k := range c.keys {
		p := c.LocalPath(k)
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			log.Warnf("Failed to remove %s: %v", p, err)
		}
	}
}
