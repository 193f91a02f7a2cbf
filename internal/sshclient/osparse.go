package sshclient

import (
	"regexp"
	"strings"
)

// RunningIndicator is what systemctl status prints for a healthy service.
const RunningIndicator = "active (running)"

var ansiEscape = regexp.MustCompile(`\x1b\[[0-9;?]*[ -/]*[@-~]|\x1b[()][A-Za-z0-9]|\r`)

// StripANSI removes terminal escape sequences and carriage returns from
// PTY output.
func StripANSI(out string) string {
	return ansiEscape.ReplaceAllString(out, "")
}

func ServiceRunning(statusOut string) bool {
	return strings.Contains(StripANSI(statusOut), RunningIndicator)
}

// ServiceState extracts the value of the "Active:" line of systemctl status
// output, or "" when there is none.
func ServiceState(statusOut string) string {
	for _, ln := range strings.Split(StripANSI(statusOut), "\n") {
		ln = strings.TrimSpace(ln)
		if strings.HasPrefix(ln, "Active:") {
			return strings.TrimSpace(strings.TrimPrefix(ln, "Active:"))
		}
	}
	return ""
}

// LastLine returns the last non-empty line of out.
func LastLine(out string) string {
	lines := strings.Split(StripANSI(out), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if ln := strings.TrimSpace(lines[i]); ln != "" {
			return ln
		}
	}
	return ""
}
