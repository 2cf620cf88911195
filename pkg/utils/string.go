package utils

// Truncate shortens s to maxLen bytes of content plus an ellipsis marker.
// Used when logging tool payloads, which can be arbitrarily large.
func Truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}

// FirstLine returns everything up to the first newline in s.
func FirstLine(s string) string {
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			return s[:i]
		}
	}
	return s
}
