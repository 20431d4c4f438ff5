// Package timeformat implements the engine's MM:SS time format,
// zero-padded, with a tolerant parser for "m:ss" style input.
package timeformat

import (
	"fmt"
	"strconv"
	"strings"
)

// SecondsToMMSS formats a non-negative second count as zero-padded MM:SS.
func SecondsToMMSS(seconds int) string {
	if seconds < 0 {
		seconds = 0
	}
	return fmt.Sprintf("%02d:%02d", seconds/60, seconds%60)
}

// MMSSToSeconds parses "MM:SS" or the tolerant "M:SS"/"M:S" forms back
// into a second count. Malformed input returns 0, false.
func MMSSToSeconds(s string) (int, bool) {
	parts := strings.SplitN(strings.TrimSpace(s), ":", 2)
	if len(parts) != 2 {
		return 0, false
	}
	m, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil || m < 0 {
		return 0, false
	}
	sec, err := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err != nil || sec < 0 || sec > 59 {
		return 0, false
	}
	return m*60 + sec, true
}
