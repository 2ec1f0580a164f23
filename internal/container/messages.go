package container

import (
	"bufio"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"aifixd/internal/coreerr"
)

// Frame is one decoded line of the subprocess's line-delimited JSON stream.
// Only the fields the runner actually consumes are typed; everything else
// in the line is preserved in Raw for forwarding to the log stream verbatim.
type Frame struct {
	Type           string
	SessionID      string
	ConversationID string
	Model          string
	IsResult       bool
	Success        bool
	NumTurns       int
	CostUSD        float64
	ResultText     string
	Raw            string
}

var usageLimitPattern = regexp.MustCompile(`usage limit reached\|(\d+)`)

type wireFrame struct {
	Type           string          `json:"type"`
	SessionID      string          `json:"session_id"`
	ConversationID string          `json:"conversation_id"`
	IsError        bool            `json:"is_error"`
	NumTurns       int             `json:"num_turns"`
	CostUSD        float64         `json:"total_cost_usd"`
	CostUSDAlt     float64         `json:"cost_usd"`
	Result         string          `json:"result"`
	Message        json.RawMessage `json:"message"`
}

type wireMessage struct {
	Model string `json:"model"`
}

// parseLine decodes one line of subprocess stdout into a Frame. Lines that
// fail to decode as JSON, a malformed "result" line included, are skipped:
// parseLine reports ok=false with no error and never returns a ParseError.
func parseLine(line string) (*Frame, bool, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil, false, nil
	}

	var wf wireFrame
	if err := json.Unmarshal([]byte(line), &wf); err != nil {
		return nil, false, nil
	}

	f := &Frame{Type: wf.Type, SessionID: wf.SessionID, ConversationID: wf.ConversationID, Raw: line}

	if wf.Type == "assistant" && len(wf.Message) > 0 {
		var m wireMessage
		if json.Unmarshal(wf.Message, &m) == nil {
			f.Model = m.Model
		}
	}

	if wf.Type == "result" {
		f.IsResult = true
		f.Success = !wf.IsError
		f.NumTurns = wf.NumTurns
		f.CostUSD = wf.CostUSD
		if f.CostUSD == 0 {
			f.CostUSD = wf.CostUSDAlt
		}
		f.ResultText = wf.Result
		if !f.Success {
			if m := usageLimitPattern.FindStringSubmatch(wf.Result); m != nil {
				if sec, err := strconv.ParseInt(m[1], 10, 64); err == nil {
					return f, true, &coreerr.UsageLimitError{Raw: wf.Result, ResetAt: time.Unix(sec, 0)}
				}
			}
		}
	}

	return f, true, nil
}

// ScanFrames reads line-delimited JSON from scanner, invoking onFrame for each
// successfully decoded frame and onRaw for every line (decoded or not) so
// the caller can forward raw chunks to the live log stream regardless of
// parse success.
func ScanFrames(scanner *bufio.Scanner, onFrame func(*Frame), onRaw func(string)) error {
	for scanner.Scan() {
		line := sanitizeLine(scanner.Text())
		if onRaw != nil {
			onRaw(line)
		}
		frame, ok, err := parseLine(line)
		if err != nil {
			return err
		}
		if ok && onFrame != nil {
			onFrame(frame)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("scanning subprocess output: %w", err)
	}
	return nil
}
