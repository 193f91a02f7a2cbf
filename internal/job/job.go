// Package job holds the per-unit-of-work state record shared between a
// stage worker and any number of status pollers.
package job

import (
	"fmt"
	"sync"

	"github.com/tastythames/probe-deployer/internal/inventory"
)

// Status is the display state of a Job.
type Status int

const (
	Pending Status = iota
	InProgress
	Completed
	Error
	Stopped
)

func (s Status) String() string {
	switch s {
	case Pending:
		return "pending"
	case InProgress:
		return "in_progress"
	case Completed:
		return "completed"
	case Error:
		return "error"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// MarshalText makes Status render as its name in JSON.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Status) UnmarshalText(b []byte) error {
	for c := Pending; c <= Stopped; c++ {
		if c.String() == string(b) {
			*s = c
			return nil
		}
	}
	return fmt.Errorf("unknown job status %q", b)
}

// Terminal reports whether no further progress is expected.
func (s Status) Terminal() bool {
	return s == Completed || s == Error || s == Stopped
}

// Snapshot is a consistent copy of the fields a status consumer displays.
type Snapshot struct {
	Device     string  `json:"device"`
	Address    string  `json:"address"`
	Status     Status  `json:"status"`
	Error      bool    `json:"error"`
	Completed  bool    `json:"completed"`
	InProgress bool    `json:"in_progress"`
	Stopped    bool    `json:"stopped"`
	SizeMB     float64 `json:"size_mb"`
	DoneMB     float64 `json:"done_mb"`
	Progress   float64 `json:"progress"`
	SpeedMBps  float64 `json:"speed_mbps"`
	LogLines   int     `json:"log_lines"`
}

// Job is the mutable record for one download, transfer or install.
// Every field is guarded by mu so a Snapshot never mixes two updates.
type Job struct {
	device inventory.Device

	mu         sync.Mutex
	err        bool
	completed  bool
	inProgress bool
	stopped    bool
	sizeMB     float64
	doneMB     float64
	progress   float64
	speed      float64
	logs       []string
}

func New(d inventory.Device) *Job {
	return &Job{device: d}
}

// Device returns the device this job works on.
func (j *Job) Device() inventory.Device {
	return j.device
}

// AddLog appends one entry; safe from any goroutine.
func (j *Job) AddLog(msg string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.logs = append(j.logs, msg)
}

func (j *Job) Logf(format string, args ...any) {
	j.AddLog(fmt.Sprintf(format, args...))
}

// Logs returns a copy of the accumulated log entries.
func (j *Job) Logs() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]string, len(j.logs))
	copy(out, j.logs)
	return out
}

func (j *Job) Snapshot() Snapshot {
	j.mu.Lock()
	defer j.mu.Unlock()
	return Snapshot{
		Device:     j.device.Alias,
		Address:    j.device.Address,
		Status:     j.statusLocked(),
		Error:      j.err,
		Completed:  j.completed,
		InProgress: j.inProgress,
		Stopped:    j.stopped,
		SizeMB:     j.sizeMB,
		DoneMB:     j.doneMB,
		Progress:   j.progress,
		SpeedMBps:  j.speed,
		LogLines:   len(j.logs),
	}
}

func (j *Job) Status() Status {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.statusLocked()
}

// statusLocked checks error before completed; that order is part of the
// display contract.
func (j *Job) statusLocked() Status {
	switch {
	case j.err:
		return Error
	case j.completed:
		return Completed
	case j.stopped:
		return Stopped
	case j.inProgress:
		return InProgress
	default:
		return Pending
	}
}

// Errored reports the sticky error flag.
func (j *Job) Errored() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.err
}

func (j *Job) Start() {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.terminalLocked() {
		return
	}
	j.inProgress = true
}

func (j *Job) terminalLocked() bool {
	return j.err || j.completed || j.stopped
}

// SetSize records the total size in MB.
func (j *Job) SetSize(mb float64) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.sizeMB = mb
}

// SetProgress raises progress to p. Progress never moves backwards and is
// frozen once the job is terminal.
func (j *Job) SetProgress(p float64) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.setProgressLocked(p)
}

func (j *Job) setProgressLocked(p float64) {
	if j.terminalLocked() {
		return
	}
	if p > 100 {
		p = 100
	}
	if p > j.progress {
		j.progress = p
	}
}

// UpdateTransfer records one byte-level progress tick in a single update.
func (j *Job) UpdateTransfer(doneMB, sizeMB, progress, speedMBps float64) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.terminalLocked() {
		return
	}
	j.doneMB = doneMB
	j.sizeMB = sizeMB
	j.speed = speedMBps
	j.setProgressLocked(progress)
}

// Complete marks success. It has no effect on an errored job.
func (j *Job) Complete() {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.err {
		return
	}
	j.progress = 100
	j.inProgress = false
	j.completed = true
	j.stopped = false
}

// Fail sets the sticky error flag.
func (j *Job) Fail() {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.err = true
	j.completed = false
	j.inProgress = false
	j.progress = 100
}

// Stop marks a cancelled job. Cancellation is not a failure, and a job
// that already reached another terminal state keeps it.
func (j *Job) Stop() {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.err || j.completed {
		return
	}
	j.inProgress = false
	j.stopped = true
}
