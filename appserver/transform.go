package appserver

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/tandemdev/tandem-core/rpc"
)

// threadStartedParams decodes the thread/started notification.
type threadStartedParams struct {
	Thread struct {
		ID string `json:"id"`
	} `json:"thread"`
	Model string `json:"model"`
}

// deltaParams decodes the streaming delta notifications.
type deltaParams struct {
	ItemID string `json:"itemId"`
	Delta  string `json:"delta"`
}

// itemParams decodes item/started and item/completed notifications.
type itemParams struct {
	Item itemPayload `json:"item"`
}

type itemPayload struct {
	ID               string           `json:"id"`
	Type             string           `json:"type"`
	Text             string           `json:"text"`
	Command          string           `json:"command"`
	AggregatedOutput string           `json:"aggregatedOutput"`
	ExitCode         *int             `json:"exitCode"`
	Status           string           `json:"status"`
	Server           string           `json:"server"`
	Tool             string           `json:"tool"`
	Changes          []fileChangeSpec `json:"changes"`
}

type fileChangeSpec struct {
	Path string `json:"path"`
	Kind string `json:"kind"`
}

// usageParams decodes thread/tokenUsage/updated and the optional usage on
// turn/completed.
type usageParams struct {
	Usage struct {
		InputTokens       int64 `json:"inputTokens"`
		CachedInputTokens int64 `json:"cachedInputTokens"`
		OutputTokens      int64 `json:"outputTokens"`
		TotalTokens       int64 `json:"totalTokens"`
	} `json:"usage"`
}

// turnCompletedParams decodes turn/completed.
type turnCompletedParams struct {
	Turn struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	} `json:"turn"`
	usageParams
}

// errorParams decodes the error notification.
type errorParams struct {
	Message string `json:"message"`
}

// Transformer converts agent notifications into the outward event
// vocabulary. It is stateful only in the running assistant-text
// accumulator, which feeds the final text on the completed event; call
// Reset between turns.
type Transformer struct {
	log       *slog.Logger
	text      strings.Builder
	sawDeltas bool
}

// NewTransformer creates a transformer.
func NewTransformer(log *slog.Logger) *Transformer {
	return &Transformer{log: log}
}

// Reset clears per-turn state. Call before each turn so text from an
// earlier turn cannot leak into the next one's completed event.
func (tf *Transformer) Reset() {
	tf.text.Reset()
	tf.sawDeltas = false
}

// Transform maps one notification to zero or more events. Unknown
// notification methods produce no events; decode failures are logged and
// surfaced as a single non-fatal error event, never an error return.
func (tf *Transformer) Transform(msg *rpc.Message) []Event {
	switch msg.Method {
	case rpc.NotifyThreadStarted:
		var p threadStartedParams
		if err := json.Unmarshal(msg.Params, &p); err != nil {
			return tf.decodeFailure(msg.Method, err)
		}
		return []Event{{Type: EventSessionStarted, SessionID: p.Thread.ID, Model: p.Model}}

	case rpc.NotifyTurnStarted:
		tf.Reset()
		return nil

	case rpc.NotifyAgentMessageDelta:
		var p deltaParams
		if err := json.Unmarshal(msg.Params, &p); err != nil {
			return tf.decodeFailure(msg.Method, err)
		}
		clean := CleanText(p.Delta)
		tf.sawDeltas = true
		tf.text.WriteString(clean)
		if clean == "" {
			return nil
		}
		return []Event{{Type: EventText, Text: clean}}

	case rpc.NotifyReasoningSummaryDelta:
		var p deltaParams
		if err := json.Unmarshal(msg.Params, &p); err != nil {
			return tf.decodeFailure(msg.Method, err)
		}
		clean := CleanText(p.Delta)
		if clean == "" {
			return nil
		}
		return []Event{{Type: EventThinking, Text: clean}}

	case rpc.NotifyCommandOutputDelta:
		var p deltaParams
		if err := json.Unmarshal(msg.Params, &p); err != nil {
			return tf.decodeFailure(msg.Method, err)
		}
		return []Event{{Type: EventToolOutput, ToolID: p.ItemID, Output: p.Delta}}

	case rpc.NotifyItemStarted:
		return tf.itemStarted(msg)

	case rpc.NotifyItemCompleted:
		return tf.itemCompleted(msg)

	case rpc.NotifyTokenUsageUpdated:
		var p usageParams
		if err := json.Unmarshal(msg.Params, &p); err != nil {
			return tf.decodeFailure(msg.Method, err)
		}
		return []Event{{Type: EventUsage, Usage: toUsageStats(p)}}

	case rpc.NotifyTurnCompleted:
		return tf.turnCompleted(msg)

	case rpc.NotifyError:
		var p errorParams
		if err := json.Unmarshal(msg.Params, &p); err != nil {
			return tf.decodeFailure(msg.Method, err)
		}
		return []Event{{Type: EventError, Message: p.Message}}

	default:
		return nil
	}
}

func (tf *Transformer) itemStarted(msg *rpc.Message) []Event {
	var p itemParams
	if err := json.Unmarshal(msg.Params, &p); err != nil {
		return tf.decodeFailure(msg.Method, err)
	}

	switch p.Item.Type {
	case rpc.ItemTypeCommandExecution:
		return []Event{{Type: EventToolRunning, ToolID: p.Item.ID, Tool: "command", Detail: p.Item.Command}}
	case rpc.ItemTypeMCPToolCall:
		return []Event{{Type: EventToolRunning, ToolID: p.Item.ID, Tool: mcpToolName(p.Item), Detail: ""}}
	case rpc.ItemTypeFileChange:
		return []Event{{Type: EventToolRunning, ToolID: p.Item.ID, Tool: "fileChange", Detail: summarizeChanges(p.Item.Changes)}}
	default:
		return nil
	}
}

func (tf *Transformer) itemCompleted(msg *rpc.Message) []Event {
	var p itemParams
	if err := json.Unmarshal(msg.Params, &p); err != nil {
		return tf.decodeFailure(msg.Method, err)
	}

	switch p.Item.Type {
	case rpc.ItemTypeAgentMessage:
		// Streaming already delivered this text delta by delta. Only emit
		// the full message when no deltas were seen (non-streaming server).
		if tf.sawDeltas {
			return nil
		}
		clean := CleanText(p.Item.Text)
		tf.text.WriteString(clean)
		if clean == "" {
			return nil
		}
		return []Event{{Type: EventText, Text: clean}}

	case rpc.ItemTypeReasoning:
		clean := CleanText(p.Item.Text)
		if clean == "" {
			return nil
		}
		return []Event{{Type: EventThinking, Text: clean}}

	case rpc.ItemTypeCommandExecution:
		detail := p.Item.Command
		if p.Item.ExitCode != nil {
			detail = fmt.Sprintf("%s (exit %d)", p.Item.Command, *p.Item.ExitCode)
		}
		return []Event{{Type: EventToolComplete, ToolID: p.Item.ID, Tool: "command", Detail: detail, Output: p.Item.AggregatedOutput}}

	case rpc.ItemTypeMCPToolCall:
		return []Event{{Type: EventToolComplete, ToolID: p.Item.ID, Tool: mcpToolName(p.Item), Output: p.Item.AggregatedOutput}}

	case rpc.ItemTypeFileChange:
		// One event per changed path, in the order the agent reported them,
		// then a summary completing the tool.
		events := make([]Event, 0, len(p.Item.Changes)+1)
		for _, ch := range p.Item.Changes {
			events = append(events, Event{Type: fileEventType(ch.Kind), Path: ch.Path})
		}
		events = append(events, Event{Type: EventToolComplete, ToolID: p.Item.ID, Tool: "fileChange", Detail: summarizeChanges(p.Item.Changes)})
		return events

	default:
		return nil
	}
}

func (tf *Transformer) turnCompleted(msg *rpc.Message) []Event {
	var p turnCompletedParams
	if err := json.Unmarshal(msg.Params, &p); err != nil {
		// Still emit a terminal event so the stream cannot end without one.
		return append(tf.decodeFailure(msg.Method, err),
			Event{Type: EventCompleted, Status: "unknown", FinalText: tf.text.String()})
	}

	var events []Event
	if p.Usage.TotalTokens > 0 || p.Usage.InputTokens > 0 || p.Usage.OutputTokens > 0 {
		events = append(events, Event{Type: EventUsage, Usage: toUsageStats(p.usageParams)})
	}

	status := p.Turn.Status
	if status == "" {
		status = "completed"
	}
	events = append(events, Event{Type: EventCompleted, Status: status, FinalText: tf.text.String()})
	return events
}

// decodeFailure logs a bad notification payload and turns it into a
// non-fatal inline error event so the client sees the hiccup too.
func (tf *Transformer) decodeFailure(method string, err error) []Event {
	tf.log.Warn("failed to decode notification params", "method", method, "error", err)
	return []Event{{Type: EventError, Message: fmt.Sprintf("malformed %s notification: %v", method, err)}}
}

// fileEventType maps a change kind onto the outward file event. Unknown
// kinds count as modifications.
func fileEventType(kind string) EventType {
	switch kind {
	case "add", "create":
		return EventFileAdded
	case "delete", "remove":
		return EventFileRemoved
	default:
		return EventFileChanged
	}
}

// mcpToolName renders "server/tool" for MCP tool call items.
func mcpToolName(item itemPayload) string {
	if item.Server != "" && item.Tool != "" {
		return item.Server + "/" + item.Tool
	}
	if item.Tool != "" {
		return item.Tool
	}
	return "mcpToolCall"
}

// summarizeChanges renders a short human-readable change list.
func summarizeChanges(changes []fileChangeSpec) string {
	if len(changes) == 0 {
		return ""
	}
	parts := make([]string, 0, len(changes))
	for _, ch := range changes {
		parts = append(parts, ch.Path)
	}
	return strings.Join(parts, ", ")
}

func toUsageStats(p usageParams) *UsageStats {
	total := p.Usage.TotalTokens
	if total == 0 {
		total = p.Usage.InputTokens + p.Usage.OutputTokens
	}
	return &UsageStats{
		InputTokens:       p.Usage.InputTokens,
		CachedInputTokens: p.Usage.CachedInputTokens,
		OutputTokens:      p.Usage.OutputTokens,
		TotalTokens:       total,
	}
}
