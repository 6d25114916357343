package util

// TokenLogLength is the number of token characters that may appear in logs.
const TokenLogLength = 8

// SafeTruncate truncates s to at most maxLen bytes without panicking.
// A negative maxLen yields "".
//
// Example:
//
//	SafeTruncate("very-long-token-abc123", 8) // Returns: "very-lon"
//	SafeTruncate("short", 10)                  // Returns: "short"
func SafeTruncate(s string, maxLen int) string {
	if maxLen < 0 {
		return ""
	}
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}

// TokenPrefix returns the loggable prefix of a token followed by "...",
// or "<none>" for an empty token.
func TokenPrefix(token string) string {
	if token == "" {
		return "<none>"
	}
	return SafeTruncate(token, TokenLogLength) + "..."
}
