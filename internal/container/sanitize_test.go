package container

import (
	"strings"
	"testing"
)

func TestStripBase64Images(t *testing.T) {
	big := strings.Repeat("a", 1200)
	line := `{"type":"image","data":"` + big + `"}`
	out := stripBase64Images(line)
	if strings.Contains(out, big) {
		t.Fatalf("expected base64 payload to be stripped")
	}
	if !strings.Contains(out, "[IMAGE_STRIPPED]") {
		t.Fatalf("expected stripped marker, got %q", out)
	}
}

func TestStripBase64ImagesLeavesSmallPayloads(t *testing.T) {
	line := `{"type":"image","data":"c2hvcnQ="}`
	if out := stripBase64Images(line); out != line {
		t.Fatalf("expected short payload to pass through unchanged, got %q", out)
	}
}

func TestStripLargeToolResultContent(t *testing.T) {
	big := strings.Repeat("x", maxInlineContentSize+500)
	line := `{"type":"tool_result","content":"` + big + `"}`
	out := stripLargeToolResultContent(line)
	if strings.Contains(out, big) {
		t.Fatalf("expected tool_result content to be truncated")
	}
	if !strings.Contains(out, "CONTENT_TRUNCATED") {
		t.Fatalf("expected truncation marker, got %q", out)
	}
}

func TestStripLargeToolUseResultContent(t *testing.T) {
	bigOut := strings.Repeat("o", maxInlineContentSize+10)
	bigErr := strings.Repeat("e", maxInlineContentSize+10)
	line := `{"tool_use_result":{"stdout":"` + bigOut + `","stderr":"` + bigErr + `"}}`
	out := stripLargeToolUseResultContent(line)
	if strings.Contains(out, bigOut) || strings.Contains(out, bigErr) {
		t.Fatalf("expected stdout/stderr to be truncated")
	}
	if !strings.Contains(out, "STDOUT_TRUNCATED") || !strings.Contains(out, "STDERR_TRUNCATED") {
		t.Fatalf("expected both truncation markers, got %q", out)
	}
}
