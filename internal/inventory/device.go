package inventory

import (
	"fmt"
	"net"
	"regexp"
	"strings"

	"github.com/pkg/errors"
)

// Platform is the OS family a probe package is built for.
type Platform string

const (
	Ubuntu   Platform = "ubuntu"
	Debian   Platform = "debian"
	CentOS   Platform = "centos"
	Fedora   Platform = "fedora"
	OpenSUSE Platform = "opensuse"
	SUSE     Platform = "suse"
)

// ArchiveFormat is the package format requested from the artifact service.
type ArchiveFormat string

const (
	TAR ArchiveFormat = "TAR"
	DEB ArchiveFormat = "DEB"
)

// supported lists the formats each platform can install.
var supported = map[Platform][]ArchiveFormat{
	Ubuntu:   {TAR, DEB},
	Debian:   {TAR, DEB},
	CentOS:   {TAR},
	Fedora:   {TAR},
	OpenSUSE: {TAR},
	SUSE:     {TAR},
}

// Platforms returns the known platforms in a stable order.
func Platforms() []Platform {
	return []Platform{Ubuntu, Debian, CentOS, Fedora, OpenSUSE, SUSE}
}

// Formats returns the formats supported by p, nil for an unknown platform.
func Formats(p Platform) []ArchiveFormat {
	return supported[p]
}

// Supports reports whether format f can be installed on platform p.
func Supports(p Platform, f ArchiveFormat) bool {
	for _, x := range supported[p] {
		if x == f {
			return true
		}
	}
	return false
}

// Device is one deployment target. The pipeline only reads it.
type Device struct {
	Alias    string
	Address  string
	User     string
	Password string
	Platform Platform
	Format   ArchiveFormat
	Deploy   bool
}

func (d Device) String() string {
	return fmt.Sprintf("%s (%s)", d.Alias, d.Address)
}

// FileName is the local and remote name of the artifact for this device.
func (d Device) FileName() string {
	return ArtifactFileName(d.Platform, d.Format)
}

// ArtifactFileName is "{platform}.{format lowercased}".
func ArtifactFileName(p Platform, f ArchiveFormat) string {
	return string(p) + "." + strings.ToLower(string(f))
}

var hostnameRe = regexp.MustCompile(`^[a-zA-Z0-9]([a-zA-Z0-9\-]{0,61}[a-zA-Z0-9])?(\.[a-zA-Z0-9]([a-zA-Z0-9\-]{0,61}[a-zA-Z0-9])?)*$`)

// AllowLoopback lets tests and lab setups target 127.0.0.0/8.
var AllowLoopback = false

// Validate checks the device can be deployed to.
func (d Device) Validate() error {
	if d.Address == "" {
		return errors.New("address is empty")
	}
	if err := ValidateAddress(d.Address); err != nil {
		return err
	}
	if d.User == "" {
		return errors.New("ssh user is empty")
	}
	if _, ok := supported[d.Platform]; !ok {
		return errors.Errorf("unknown platform %q", d.Platform)
	}
	if !Supports(d.Platform, d.Format) {
		return errors.Errorf("format %s is not supported on %s", d.Format, d.Platform)
	}
	return nil
}

// ValidateAddress accepts IPv4 addresses outside the loopback range and
// plain hostnames.
func ValidateAddress(addr string) error {
	if ip := net.ParseIP(addr); ip != nil {
		if ip.To4() == nil {
			return errors.Errorf("address %s is not IPv4", addr)
		}
		if ip.IsLoopback() && !AllowLoopback {
			return errors.Errorf("address %s is a loopback address", addr)
		}
		return nil
	}
	if looksNumeric(addr) {
		return errors.Errorf("address %s is not a valid IPv4 address", addr)
	}
	if !hostnameRe.MatchString(addr) {
		return errors.Errorf("address %s is not a valid hostname", addr)
	}
	return nil
}

func looksNumeric(s string) bool {
	for _, r := range s {
		if (r < '0' || r > '9') && r != '.' {
			return false
		}
	}
	return true
}

// Selected returns the devices flagged for deployment, in order.
func Selected(devices []Device) []Device {
	out := make([]Device, 0, len(devices))
	for _, d := range devices {
		if d.Deploy {
			out = append(out, d)
		}
	}
	return out
}
