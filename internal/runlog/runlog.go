// Package runlog writes the plain-text record of one deployment run.
package runlog

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
)

const (
	fileLayout = "01-02__15-04-05"

	fileSeparator   = "----------------------------------"
	deviceSeparator = "-------------------------------------------------"
)

// Entry is one job: a header line followed by its log lines.
type Entry struct {
	Header string
	Lines  []string
}

type Section struct {
	Title   string
	Entries []Entry
	// Devices selects the long separator used for per-device sections.
	Devices bool
}

// FileHeader is the header of a download job entry.
func FileHeader(fileName string) string {
	return "File: " + fileName
}

// DeviceHeader is the header of a transfer, install or uninstall entry.
func DeviceHeader(alias, address string) string {
	return "Alias: " + alias + "    Control IP: " + address
}

// FileName is the run log name for a run started at t.
func FileName(t time.Time) string {
	return "log--" + t.Format(fileLayout) + ".log"
}

// Write creates dir if needed and writes the sections to a new run log,
// returning its path.
func Write(dir string, t time.Time, sections []Section) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", errors.Wrapf(err, "failed to create log directory %s", dir)
	}
	path := filepath.Join(dir, FileName(t))

	f, err := os.Create(path)
	if err != nil {
		return "", errors.Wrap(err, "failed to create run log")
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	for i, s := range sections {
		if i > 0 {
			w.WriteString("\n\n")
		}
		w.WriteString(s.Title + "\n")
		sep := fileSeparator
		if s.Devices {
			sep = deviceSeparator
		}
		for _, e := range s.Entries {
			w.WriteString(sep + "\n")
			w.WriteString(e.Header + "\n")
			for _, ln := range e.Lines {
				w.WriteString(strings.TrimRight(ln, "\r\n") + "\n")
			}
		}
	}
	if err := w.Flush(); err != nil {
		return "", errors.Wrap(err, "failed to write run log")
	}
	return path, errors.Wrap(f.Sync(), "failed to sync run log")
}
