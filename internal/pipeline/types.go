// Package pipeline deploys the probe to a set of devices in three
// barrier-separated stages: download, transfer and install.
package pipeline

import (
	"context"
	"io"
	"time"

	"github.com/pkg/errors"

	"github.com/tastythames/probe-deployer/internal/artifact"
	"github.com/tastythames/probe-deployer/internal/cache"
	"github.com/tastythames/probe-deployer/internal/inventory"
	"github.com/tastythames/probe-deployer/internal/sshclient"
)

// ErrStopped marks a worker that returned because the run was stopped.
// It is never reported as a failure.
var ErrStopped = errors.New("stopped")

// Key identifies one artifact: every device with the same key shares a
// single download.
type Key struct {
	Platform inventory.Platform
	Format   inventory.ArchiveFormat
}

func KeyOf(d inventory.Device) Key {
	return Key{Platform: d.Platform, Format: d.Format}
}

func (k Key) FileName() string {
	return inventory.ArtifactFileName(k.Platform, k.Format)
}

func (k Key) String() string {
	return string(k.Platform) + "." + string(k.Format)
}

type ArtifactService interface {
	NewRequest(p inventory.Platform, f inventory.ArchiveFormat) artifact.Request
	Resolve(ctx context.Context, req artifact.Request) (string, error)
	Size(ctx context.Context, path string) (int64, error)
	Fetch(ctx context.Context, path string, dst io.Writer, onChunk func(n int) error) (int64, error)
}

type Dialer interface {
	Dial(ctx context.Context, d inventory.Device) (Conn, error)
}

type Conn interface {
	Shell(ctx context.Context) (Shell, error)
	Push(ctx context.Context, localPath, remotePath string, progress sshclient.ProgressFunc) error
	Close() error
}

type Shell interface {
	Send(line string) error
	ReadUntil(ctx context.Context, marker string, timeout time.Duration) (string, bool, error)
	Close() error
}

type Options struct {
	DownloadBatch int
	TransferBatch int
	InstallBatch  int

	// FilesDir holds downloaded artifacts, LogDir the run logs.
	FilesDir  string
	LogDir    string
	KeepFiles bool

	DownloadAttempts int
	ElevateTimeout   time.Duration
	CommandTimeout   time.Duration

	// Reboot is used by Uninstall only.
	Reboot bool
}

func (o Options) withDefaults() Options {
	if o.DownloadBatch <= 0 {
		o.DownloadBatch = 4
	}
	if o.TransferBatch <= 0 {
		o.TransferBatch = 8
	}
	if o.InstallBatch <= 0 {
		o.InstallBatch = 8
	}
	if o.FilesDir == "" {
		o.FilesDir = "probe_files"
	}
	if o.LogDir == "" {
		o.LogDir = "logs"
	}
	if o.DownloadAttempts <= 0 {
		o.DownloadAttempts = 3
	}
	if o.ElevateTimeout <= 0 {
		o.ElevateTimeout = 5 * time.Second
	}
	if o.CommandTimeout <= 0 {
		o.CommandTimeout = 20 * time.Second
	}
	return o
}

type Deps struct {
	Artifacts ArtifactService
	Dialer    Dialer
	// Cache receives one Result per device when its install finishes.
	// Optional.
	Cache cache.Cache
}

// State is the coordinator's lifecycle position.
type State int

const (
	NotStarted State = iota
	Downloading
	Transferring
	Installing
	Finished
	Stopped
)

func (s State) String() string {
	switch s {
	case NotStarted:
		return "NotStarted"
	case Downloading:
		return "Downloading"
	case Transferring:
		return "Transferring"
	case Installing:
		return "Installing"
	case Finished:
		return "Finished"
	case Stopped:
		return "Stopped"
	default:
		return "Unknown"
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Stage names used for job lists and executor stats.
const (
	StageDownload  = "download"
	StageTransfer  = "transfer"
	StageInstall   = "install"
	StageUninstall = "uninstall"
)

const bytesPerMB = 1024 * 1024

func toMB(n int64) float64 {
	return float64(n) / bytesPerMB
}

// transferRate computes the shared download/transfer telemetry.
func transferRate(done, total int64, elapsed time.Duration) (doneMB, sizeMB, progress, speed float64) {
	doneMB, sizeMB = toMB(done), toMB(total)
	if total > 0 {
		progress = float64(done) / float64(total) * 100
	}
	if secs := elapsed.Seconds(); secs > 0 {
		speed = doneMB / secs
	}
	return doneMB, sizeMB, progress, speed
}

// stopped reports whether err is the result of cancellation.
func stopped(ctx context.Context, err error) bool {
	return errors.Is(err, ErrStopped) || errors.Is(err, context.Canceled) || ctx.Err() != nil
}
