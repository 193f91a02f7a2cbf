package runlog

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrite(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "logs")
	at := time.Date(2024, time.March, 7, 9, 5, 3, 0, time.Local)

	path, err := Write(dir, at, []Section{
		{
			Title: "Download tasks",
			Entries: []Entry{
				{Header: FileHeader("ubuntu.tar"), Lines: []string{"Attempt 1: boom", "Download complete\r\n"}},
			},
		},
		{
			Title:   "Transfer tasks",
			Devices: true,
			Entries: []Entry{
				{Header: DeviceHeader("Box 1", "10.0.0.1"), Lines: []string{"Transfer complete"}},
			},
		},
		{Title: "Install tasks", Devices: true},
	})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "log--03-07__09-05-03.log"), path)

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "Download tasks\n"+
		"----------------------------------\n"+
		"File: ubuntu.tar\n"+
		"Attempt 1: boom\n"+
		"Download complete\n"+
		"\n\nTransfer tasks\n"+
		"-------------------------------------------------\n"+
		"Alias: Box 1    Control IP: 10.0.0.1\n"+
		"Transfer complete\n"+
		"\n\nInstall tasks\n", string(b))
}

func TestWriteUnwritableDir(t *testing.T) {
	file := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(file, nil, 0o644))

	_, err := Write(filepath.Join(file, "logs"), time.Now(), nil)
	assert.Error(t, err)
}
