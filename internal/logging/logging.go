// Package logging configures the process-wide logrus logger.
package logging

import (
	"io"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Setup sets the level and formatter of the standard logger. When file is
// set, output also goes to that file; the returned closer releases it.
// debug overrides level.
func Setup(level, file string, debug bool) (io.Closer, error) {
	lvl := log.InfoLevel
	if level != "" {
		var err error
		if lvl, err = log.ParseLevel(level); err != nil {
			return nil, errors.Wrapf(err, "invalid log level %q", level)
		}
	}
	if debug {
		lvl = log.DebugLevel
	}
	log.SetLevel(lvl)
	log.SetFormatter(&log.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05",
	})

	if file == "" {
		log.SetOutput(os.Stderr)
		return nopCloser{}, nil
	}
	if err := os.MkdirAll(filepath.Dir(file), 0o755); err != nil {
		return nil, errors.Wrap(err, "failed to create log directory")
	}
	f, err := os.OpenFile(file, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open log file %s", file)
	}
	log.SetOutput(io.MultiWriter(os.Stderr, f))
	log.Debugf("Logging to %s", file)
	return f, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
