package container

import (
	"bufio"
	"strings"
	"testing"

	"aifixd/internal/coreerr"
)

func TestScanFramesAssistantAndResult(t *testing.T) {
	input := strings.Join([]string{
		`not json, should be ignored`,
		`{"type":"assistant","session_id":"sess-1","message":{"model":"claude-sonnet-4"}}`,
		`{"type":"result","is_error":false,"num_turns":3,"total_cost_usd":0.42,"result":"done","session_id":"sess-1"}`,
	}, "\n")

	var gotModel, gotSession string
	var rawLines int
	var result *Frame

	err := ScanFrames(bufio.NewScanner(strings.NewReader(input)),
		func(f *Frame) {
			if f.Model != "" {
				gotModel = f.Model
			}
			if f.SessionID != "" {
				gotSession = f.SessionID
			}
			if f.IsResult {
				result = f
			}
		},
		func(string) { rawLines++ },
	)
	if err != nil {
		t.Fatalf("ScanFrames: %v", err)
	}
	if rawLines != 3 {
		t.Errorf("expected 3 raw lines forwarded, got %d", rawLines)
	}
	if gotModel != "claude-sonnet-4" {
		t.Errorf("expected model to be captured, got %q", gotModel)
	}
	if gotSession != "sess-1" {
		t.Errorf("expected session id to be captured, got %q", gotSession)
	}
	if result == nil || !result.Success || result.NumTurns != 3 || result.CostUSD != 0.42 {
		t.Fatalf("unexpected result frame: %+v", result)
	}
}

func TestScanFramesUsageLimit(t *testing.T) {
	input := `{"type":"result","is_error":true,"result":"usage limit reached|1700000000"}`

	err := ScanFrames(bufio.NewScanner(strings.NewReader(input)), func(*Frame) {}, func(string) {})
	var ule *coreerr.UsageLimitError
	if err == nil {
		t.Fatal("expected a usage limit error")
	}
	var ok bool
	ule, ok = err.(*coreerr.UsageLimitError)
	if !ok {
		t.Fatalf("expected *coreerr.UsageLimitError, got %T", err)
	}
	if ule.ResetAt.Unix() != 1700000000 {
		t.Errorf("unexpected reset time: %v", ule.ResetAt)
	}
}
