package common

import (
	"regexp"
	"strings"
)

// ansiRegex matches ANSI escape sequences (colors, cursor movement, etc.)
var ansiRegex = regexp.MustCompile(`\x1b\[[0-9;]*[a-zA-Z]`)

// pagerRegex matches the "more" markers OLTs leave behind when paging
// could not be disabled, including the backspace runs that erase them.
var pagerRegex = regexp.MustCompile(`(?i)-+\s*more\s*(\([^)]*\))?\s*-+[\x08 ]*`)

// StripANSI removes ANSI escape codes from a string.
// Useful for parsing CLI output that may contain terminal formatting.
func StripANSI(s string) string {
	return ansiRegex.ReplaceAllString(s, "")
}

// CleanOutput strips terminal formatting and pager residue and normalizes
// line endings.
func CleanOutput(s string) string {
	s = StripANSI(s)
	s = pagerRegex.ReplaceAllString(s, "")
	s = strings.ReplaceAll(s, "\r\n", "\n")
	return strings.ReplaceAll(s, "\r", "")
}

// Lines splits cleaned output into trimmed, non-empty lines
func Lines(s string) []string {
	raw := strings.Split(CleanOutput(s), "\n")
	out := make([]string, 0, len(raw))
	for _, line := range raw {
		if line = strings.TrimSpace(line); line != "" {
			out = append(out, line)
		}
	}
	return out
}

// MetadataString returns the first non-empty value among keys
func MetadataString(meta map[string]string, def string, keys ...string) string {
	for _, k := range keys {
		if v := meta[k]; v != "" {
			return v
		}
	}
	return def
}
