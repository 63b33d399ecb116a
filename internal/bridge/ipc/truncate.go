package ipc

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// MaxToolResultLen is the threshold above which tool_result content is
// truncated for transport.
const MaxToolResultLen = 20000

// MaxErrorContentLen bounds error-looking content forwarded to the host.
const MaxErrorContentLen = 1000

// errorPrefixes identify content that is an error dump rather than normal
// assistant output. Only such content gets the aggressive 1000-char cap.
var errorPrefixes = []string{
	"Error:",
	"error:",
	"API Error",
	"Traceback (most recent call last)",
	"Exception",
	"FATAL",
}

// TruncateTail shortens s to roughly limit characters, keeping the first 65%
// and the last 35% with an elision marker stating the original length.
// Strings within the limit are returned unchanged.
func TruncateTail(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	head := limit * 65 / 100
	tail := limit - head
	headEnd := runeFloor(s, head)
	tailStart := runeCeil(s, len(s)-tail)
	return fmt.Sprintf("%s\n... [%d characters elided, original length %d] ...\n%s",
		s[:headEnd], tailStart-headEnd, len(s), s[tailStart:])
}

// runeFloor moves i back to the nearest rune boundary so a cut at i cannot
// split a multibyte character.
func runeFloor(s string, i int) int {
	for i > 0 && !utf8.RuneStart(s[i]) {
		i--
	}
	return i
}

// runeCeil moves i forward to the nearest rune boundary.
func runeCeil(s string, i int) int {
	for i < len(s) && !utf8.RuneStart(s[i]) {
		i++
	}
	return i
}

// ShapeToolResult applies the transport bound to tool_result content.
func ShapeToolResult(s string) string {
	return TruncateTail(s, MaxToolResultLen)
}

// ShapeContent caps error-looking content at MaxErrorContentLen with a note
// of the original length. Normal content passes through untouched.
func ShapeContent(s string) string {
	if !looksLikeError(s) {
		return s
	}
	if len(s) <= MaxErrorContentLen {
		return s
	}
	return fmt.Sprintf("%s... [error output truncated, original length %d]",
		s[:runeFloor(s, MaxErrorContentLen)], len(s))
}

func looksLikeError(s string) bool {
	for _, prefix := range errorPrefixes {
		if strings.HasPrefix(s, prefix) {
			return true
		}
	}
	return false
}
