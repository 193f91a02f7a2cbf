package sshclient

import (
	"path"

	"github.com/kballard/go-shellquote"

	"github.com/tastythames/probe-deployer/internal/inventory"
)

const (
	ServiceName = "insite-probe"
	InstallDir  = "/opt/evertz/insite/probe"
	BinaryPath  = "/bin/insite-probe"

	// RootMarker ends every root prompt.
	RootMarker = "#"
)

var serviceUnits = []string{
	"/lib/systemd/system/insite-probe.service",
	"/usr/lib/systemd/system/insite-probe.service",
}

// Elevation is how a platform becomes root from a login shell.
type Elevation struct {
	Command string
	// Prompt is the password prompt that Command prints.
	Prompt string
}

func ElevationFor(p inventory.Platform) Elevation {
	if p == inventory.Debian {
		return Elevation{Command: "su", Prompt: "Password:"}
	}
	return Elevation{Command: "sudo -s", Prompt: "[sudo] password for"}
}

// RemoteHome is where pushed packages land.
func RemoteHome(user string) string {
	if user == "root" {
		return "/root"
	}
	return path.Join("/home", user)
}

func RemotePath(user, file string) string {
	return path.Join(RemoteHome(user), file)
}

// InstallCommands is the root command sequence that installs the pushed
// package file.
func InstallCommands(f inventory.ArchiveFormat, user, file string) []string {
	pushed := shellquote.Join(RemotePath(user, file))
	if f == inventory.DEB {
		return []string{"dpkg -i " + pushed}
	}

	target := shellquote.Join(path.Join(InstallDir, file))
	cmds := []string{"rm -rf " + InstallDir}
	for _, unit := range serviceUnits {
		cmds = append(cmds, "rm "+unit)
	}
	return append(cmds,
		"rm -rf "+BinaryPath,
		"mkdir -p "+InstallDir,
		"mv "+pushed+" "+target,
		"cd "+InstallDir,
		"tar -xvf "+shellquote.Join(file),
		"cd "+path.Join(InstallDir, "insite-probe", "setup"),
		"chmod +x ./install",
		`printf '1\ny\n' | ./install`,
	)
}

// Systemctl returns the systemctl invocation for a platform.
func Systemctl(p inventory.Platform) string {
	switch p {
	case inventory.CentOS, inventory.Fedora:
		return "/bin/systemctl"
	default:
		return "systemctl"
	}
}

func StatusCommand(p inventory.Platform) string {
	return Systemctl(p) + " --no-pager status " + ServiceName
}

func StartCommand(p inventory.Platform) string {
	return Systemctl(p) + " start " + ServiceName
}

// UninstallCommands stops the service and removes everything
// InstallCommands put in place. With reboot set the host is rebooted last.
func UninstallCommands(p inventory.Platform, f inventory.ArchiveFormat, reboot bool) []string {
	sc := Systemctl(p)
	cmds := []string{sc + " stop " + ServiceName}
	if f == inventory.DEB {
		cmds = append(cmds, "dpkg -r "+ServiceName)
	}
	cmds = append(cmds, "rm -rf "+InstallDir)
	for _, unit := range serviceUnits {
		cmds = append(cmds, "rm -f "+unit)
	}
	cmds = append(cmds, "rm -rf "+BinaryPath, sc+" daemon-reload")
	if reboot {
		cmds = append(cmds, "reboot")
	}
	return cmds
}
