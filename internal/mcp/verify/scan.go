package verify

import (
	"encoding/json"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
)

// maxScanLine guards the brace scanner against pathological lines. Longer
// lines are skipped outright.
const maxScanLine = 256 * 1024

// ExtractJSONObject returns the first balanced JSON object starting at or
// after the marker in line. The scanner respects string literals and escape
// sequences, so braces inside strings do not terminate the object. Returns
// "" when no balanced object is found.
func ExtractJSONObject(line, marker string) string {
	if len(line) > maxScanLine {
		return ""
	}
	at := strings.Index(line, marker)
	if at < 0 {
		return ""
	}
	start := strings.IndexByte(line[at+len(marker):], '{')
	if start < 0 {
		return ""
	}
	start += at + len(marker)

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(line); i++ {
		c := line[i]
		if escaped {
			escaped = false
			continue
		}
		switch c {
		case '\\':
			if inString {
				escaped = true
			}
		case '"':
			inString = !inString
		case '{':
			if !inString {
				depth++
			}
		case '}':
			if !inString {
				depth--
				if depth == 0 {
					return line[start : i+1]
				}
			}
		}
	}
	return ""
}

// parseServerInfo locates a "serverInfo" object in the buffered stdout and
// parses it. Malformed or partial lines yield nil rather than an error: the
// info is best-effort decoration on a successful handshake.
func parseServerInfo(output string) *mcp.Implementation {
	for _, line := range strings.Split(output, "\n") {
		if len(line) > maxScanLine {
			continue
		}
		if !strings.Contains(line, `"serverInfo"`) {
			continue
		}
		obj := ExtractJSONObject(line, `"serverInfo"`)
		if obj == "" {
			continue
		}
		var info mcp.Implementation
		if err := json.Unmarshal([]byte(obj), &info); err != nil {
			continue
		}
		return &info
	}
	return nil
}
