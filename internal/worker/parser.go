package worker

import (
	"strings"
)

// ParseBlocked extracts a BLOCKED reason from agent output.
func ParseBlocked(output string) string {
	return parseMarker(output, "BLOCKED:")
}

// ParseFailed extracts a FAILED reason from agent output.
func ParseFailed(output string) string {
	return parseMarker(output, "FAILED:")
}

func parseMarker(output, marker string) string {
	for _, line := range strings.Split(output, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(strings.ToUpper(trimmed), marker) {
			return strings.TrimSpace(trimmed[len(marker):])
		}
	}
	return ""
}

// tail returns the last n bytes of s, for error messages.
func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
