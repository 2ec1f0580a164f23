package container

import (
	"fmt"
	"regexp"
)

// sanitizeLine strips the few wire-message fields that can blow past
// reasonable memory limits without ever being read by parseLine: base64
// image payloads, raw tool_result content, and tool_use_result stdout/stderr.
// JSON structure is preserved so the line still parses; only the oversized
// payload is replaced with a marker.
func sanitizeLine(line string) string {
	line = stripBase64Images(line)
	line = stripLargeToolResultContent(line)
	line = stripLargeToolUseResultContent(line)
	return line
}

// stripBase64Images replaces base64 data fields of 1000+ chars (screenshots,
// images) with a placeholder. Images are never read by parseLine, but they
// can push a single line past the scanner buffer.
func stripBase64Images(line string) string {
	re := regexp.MustCompile(`("data":")([\w+/=]{1000,})(")`)
	return re.ReplaceAllString(line, `${1}[IMAGE_STRIPPED]${3}`)
}

const maxInlineContentSize = 100 * 1024

// stripLargeToolResultContent truncates tool_result content fields over
// 100KB (grep output, whole-file reads) to a fixed prefix plus a marker
// naming the original size.
func stripLargeToolResultContent(line string) string {
	re := regexp.MustCompile(`("type":"tool_result","content":")([^"\\]*(?:\\.[^"\\]*)*)(")`)
	return re.ReplaceAllStringFunc(line, func(match string) string {
		parts := re.FindStringSubmatch(match)
		if len(parts) != 4 {
			return match
		}
		prefix, content, suffix := parts[1], parts[2], parts[3]
		if len(content) <= maxInlineContentSize {
			return match
		}
		truncated := content[:maxInlineContentSize] + fmt.Sprintf("...[CONTENT_TRUNCATED_%d_BYTES]", len(content))
		return prefix + truncated + suffix
	})
}

var (
	stdoutFieldPattern = regexp.MustCompile(`("stdout":")([^"\\]*(?:\\.[^"\\]*)*)(")`)
	stderrFieldPattern = regexp.MustCompile(`("stderr":")([^"\\]*(?:\\.[^"\\]*)*)(")`)
)

// stripLargeToolUseResultContent truncates tool_use_result stdout/stderr
// fields over 100KB (commands that dump large output) the same way.
func stripLargeToolUseResultContent(line string) string {
	line = truncateField(line, stdoutFieldPattern, "STDOUT_TRUNCATED")
	line = truncateField(line, stderrFieldPattern, "STDERR_TRUNCATED")
	return line
}

func truncateField(line string, pattern *regexp.Regexp, marker string) string {
	return pattern.ReplaceAllStringFunc(line, func(match string) string {
		parts := pattern.FindStringSubmatch(match)
		if len(parts) != 4 {
			return match
		}
		prefix, content, suffix := parts[1], parts[2], parts[3]
		if len(content) <= maxInlineContentSize {
			return match
		}
		truncated := content[:maxInlineContentSize] + fmt.Sprintf("...[%s_%d_BYTES]", marker, len(content))
		return prefix + truncated + suffix
	})
}
