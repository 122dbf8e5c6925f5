package agent

import (
	"bytes"
	"encoding/json"
)

// EventType enumerates event types in the agent CLI's stream-json output.
// Conductor only speaks the Claude Code stream-json dialect for now
// (spec.md §4.3); the shape is a close match to agentium's
// claudecode.StreamEventType.
type EventType string

// Event types.
const (
	EventSystem    EventType = "system"
	EventAssistant EventType = "assistant"
	EventUser      EventType = "user"
	EventResult    EventType = "result"
)

// BlockType enumerates content block types within a message event.
type BlockType string

// Block types.
const (
	BlockText       BlockType = "text"
	BlockThinking   BlockType = "thinking"
	BlockToolUse    BlockType = "tool_use"
	BlockToolResult BlockType = "tool_result"
)

// TokenUsage holds token counts reported on a result event.
type TokenUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// StreamEvent is one high-level event extracted from a line of NDJSON
// output. The stdout drain goroutine started by Runner.Spawn delivers these
// to the caller's OnEvent callback as they arrive, rather than after the
// process exits.
type StreamEvent struct {
	Type       EventType
	Subtype    BlockType
	Content    string
	ToolName   string
	ToolInput  json.RawMessage
	Tokens     *TokenUsage
	StopReason string
}

type rawEvent struct {
	Type    string          `json:"type"`
	Subtype string          `json:"subtype,omitempty"`
	Message json.RawMessage `json:"message,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
}

type rawContentBlock struct {
	Type     string          `json:"type"`
	Text     string          `json:"text,omitempty"`
	Thinking string          `json:"thinking,omitempty"`
	Name     string          `json:"name,omitempty"`
	Input    json.RawMessage `json:"input,omitempty"`
	Content  any             `json:"content,omitempty"`
}

type rawMessage struct {
	Content []rawContentBlock `json:"content"`
}

type rawResult struct {
	Content    []rawContentBlock `json:"content"`
	Usage      *TokenUsage       `json:"usage,omitempty"`
	StopReason string            `json:"stop_reason,omitempty"`
}

// parseLine parses one line of NDJSON stream-json output into zero or more
// StreamEvents. Malformed lines are silently skipped, matching
// agentium's ParseStreamJSON (internal/agent/claudecode/stream.go).
func parseLine(line []byte) []StreamEvent {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return nil
	}

	var evt rawEvent
	if err := json.Unmarshal(line, &evt); err != nil {
		return nil
	}

	switch EventType(evt.Type) {
	case EventAssistant, EventUser:
		var msg rawMessage
		if err := json.Unmarshal(evt.Message, &msg); err != nil {
			return nil
		}
		return blocksToEvents(EventType(evt.Type), msg.Content)

	case EventResult:
		var res rawResult
		if err := json.Unmarshal(evt.Result, &res); err != nil {
			return nil
		}
		events := blocksToEvents(EventResult, res.Content)
		events = append(events, StreamEvent{
			Type:       EventResult,
			Tokens:     res.Usage,
			StopReason: res.StopReason,
		})
		return events

	case EventSystem:
		return []StreamEvent{{Type: EventSystem, Subtype: BlockType(evt.Subtype)}}

	default:
		return nil
	}
}

func blocksToEvents(evtType EventType, blocks []rawContentBlock) []StreamEvent {
	var out []StreamEvent
	for _, block := range blocks {
		switch BlockType(block.Type) {
		case BlockText:
			out = append(out, StreamEvent{Type: evtType, Subtype: BlockText, Content: block.Text})
		case BlockThinking:
			out = append(out, StreamEvent{Type: evtType, Subtype: BlockThinking, Content: block.Thinking})
		case BlockToolUse:
			out = append(out, StreamEvent{Type: evtType, Subtype: BlockToolUse, ToolName: block.Name, ToolInput: block.Input})
		case BlockToolResult:
			out = append(out, StreamEvent{Type: evtType, Subtype: BlockToolResult, Content: blockContentToString(block.Content)})
		}
	}
	return out
}

func blockContentToString(content any) string {
	switch v := content.(type) {
	case nil:
		return ""
	case string:
		return v
	case []any:
		var parts [][]byte
		for _, item := range v {
			m, ok := item.(map[string]any)
			if !ok {
				continue
			}
			if text, ok := m["text"].(string); ok && text != "" {
				parts = append(parts, []byte(text))
			}
		}
		if len(parts) > 0 {
			return string(bytes.Join(parts, []byte("\n")))
		}
		data, err := json.Marshal(v)
		if err != nil {
			return ""
		}
		return string(data)
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return ""
		}
		return string(data)
	}
}
