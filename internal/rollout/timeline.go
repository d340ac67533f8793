package rollout

import (
	"bufio"
	"bytes"
	"encoding/json"
	"os"
	"strings"

	"github.com/rivo/uniseg"
)

// Timeline item types.
const (
	ItemUser       = "user"
	ItemAssistant  = "assistant"
	ItemReasoning  = "reasoning"
	ItemStatus     = "status"
	ItemToolCall   = "toolCall"
	ItemToolResult = "toolResult"
)

// Per-category caps in grapheme clusters. Rollout lines can carry entire
// file dumps; the UI only ever renders a preview.
const (
	maxUserChars      = 4000
	maxAssistantChars = 6000
	maxReasoningChars = 2000
	maxToolArgChars   = 1800
	maxToolOutChars   = 2200
)

// TimelineItem is one renderable entry of a thread's history, derived from
// a rollout line.
type TimelineItem struct {
	ThreadID  string `json:"threadId"`
	Type      string `json:"type"`
	TurnID    string `json:"turnId,omitempty"`
	Text      string `json:"text,omitempty"`
	RawType   string `json:"rawType,omitempty"`
	Tool      string `json:"tool,omitempty"`
	CallID    string `json:"callId,omitempty"`
	Truncated bool   `json:"truncated,omitempty"`
}

// timelineProbe decodes the rollout line fields the parser cares about.
// Output is raw because workers write it as either a string or an object.
type timelineProbe struct {
	Type    string `json:"type"`
	Payload struct {
		Type      string          `json:"type"`
		TurnID    string          `json:"turn_id"`
		Message   string          `json:"message"`
		Text      string          `json:"text"`
		Name      string          `json:"name"`
		Arguments string          `json:"arguments"`
		CallID    string          `json:"call_id"`
		Output    json.RawMessage `json:"output"`
	} `json:"payload"`
}

// ParseTimeline converts raw rollout lines into renderable items,
// returning the newest limit items in chronological order. Malformed and
// unrecognized lines are skipped; lines carrying a turn_id still advance
// the active turn even when they produce no item.
func ParseTimeline(lines []string, threadID string, limit int) []TimelineItem {
	var items []TimelineItem
	activeTurnID := ""

	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		var rec timelineProbe
		if err := json.Unmarshal([]byte(trimmed), &rec); err != nil {
			continue
		}

		if rec.Payload.TurnID != "" {
			activeTurnID = rec.Payload.TurnID
		}

		var item TimelineItem
		ok := false
		switch rec.Type {
		case "event_msg":
			item, ok = eventMsgItem(rec)
		case "response_item":
			item, ok = responseItem(rec)
		}
		if ok {
			item.ThreadID = threadID
			item.TurnID = activeTurnID
			items = append(items, item)
		}

		if rec.Type == "event_msg" &&
			(rec.Payload.Type == "task_complete" || rec.Payload.Type == "turn_aborted") &&
			rec.Payload.TurnID == activeTurnID {
			activeTurnID = ""
		}
	}

	items = collapseConsecutive(items)

	if limit > 0 && len(items) > limit {
		items = items[len(items)-limit:]
	}
	return items
}

// ReadTimeline loads a rollout file and parses it in one step.
func ReadTimeline(path, threadID string, limit int) ([]TimelineItem, error) {
	f, err := os.Open(path) // #nosec G304 -- path comes from the session index walk, not request input
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	scanner := bufio.NewScanner(f)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 1024*1024)

	var lines []string
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		lines = append(lines, string(line))
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	return ParseTimeline(lines, threadID, limit), nil
}

func eventMsgItem(rec timelineProbe) (TimelineItem, bool) {
	p := rec.Payload
	switch p.Type {
	case "user_message":
		text, truncated := truncate(p.Message, maxUserChars)
		return TimelineItem{Type: ItemUser, Text: text, RawType: p.Type, Truncated: truncated}, true
	case "agent_message":
		text, truncated := truncate(p.Message, maxAssistantChars)
		return TimelineItem{Type: ItemAssistant, Text: text, RawType: p.Type, Truncated: truncated}, true
	case "agent_reasoning":
		text, truncated := truncate(p.Text, maxReasoningChars)
		return TimelineItem{Type: ItemReasoning, Text: text, RawType: p.Type, Truncated: truncated}, true
	case "task_started", "task_complete", "turn_aborted":
		return TimelineItem{Type: ItemStatus, RawType: p.Type}, true
	}
	return TimelineItem{}, false
}

func responseItem(rec timelineProbe) (TimelineItem, bool) {
	p := rec.Payload
	switch p.Type {
	case "function_call", "custom_tool_call", "local_shell_call":
		name := p.Name
		if name == "" && p.Type == "local_shell_call" {
			name = "shell"
		}
		args, truncated := truncate(p.Arguments, maxToolArgChars)
		return TimelineItem{Type: ItemToolCall, Tool: name, Text: args, RawType: p.Type, CallID: p.CallID, Truncated: truncated}, true
	case "function_call_output", "custom_tool_call_output":
		text, truncated := truncate(outputText(p.Output), maxToolOutChars)
		return TimelineItem{Type: ItemToolResult, Text: text, RawType: p.Type, CallID: p.CallID, Truncated: truncated}, true
	}
	return TimelineItem{}, false
}

// outputText flattens a tool output payload into displayable text.
func outputText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

// collapseConsecutive drops items identical to their predecessor. Resumed
// sessions replay earlier records into the same rollout, which would
// otherwise double the view.
func collapseConsecutive(items []TimelineItem) []TimelineItem {
	if len(items) < 2 {
		return items
	}
	out := items[:1]
	for _, item := range items[1:] {
		prev := out[len(out)-1]
		if item.Type == prev.Type && item.TurnID == prev.TurnID && item.Text == prev.Text && item.RawType == prev.RawType {
			continue
		}
		out = append(out, item)
	}
	return out
}

// truncate caps s at max grapheme clusters so multi-byte text is never cut
// mid-character.
func truncate(s string, max int) (string, bool) {
	// Cluster count never exceeds byte count, so short strings skip the scan.
	if max <= 0 || len(s) <= max {
		return s, false
	}
	gr := uniseg.NewGraphemes(s)
	count := 0
	end := 0
	for gr.Next() {
		count++
		if count > max {
			return s[:end] + "…", true
		}
		_, end = gr.Positions()
	}
	return s, false
}
