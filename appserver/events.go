package appserver

// EventType identifies an outward event delivered to the web client.
type EventType string

const (
	EventSessionStarted EventType = "session-started"
	EventText           EventType = "text"
	EventThinking       EventType = "thinking"
	EventToolRunning    EventType = "tool-running"
	EventToolOutput     EventType = "tool-output"
	EventToolComplete   EventType = "tool-complete"
	EventFileAdded      EventType = "file-added"
	EventFileChanged    EventType = "file-changed"
	EventFileRemoved    EventType = "file-removed"
	EventUsage          EventType = "usage"
	EventDecisionNeeded EventType = "decision-needed"
	EventCompleted      EventType = "completed"
	EventError          EventType = "error"
)

// UsageStats reports token consumption for the active thread.
type UsageStats struct {
	InputTokens       int64 `json:"inputTokens"`
	CachedInputTokens int64 `json:"cachedInputTokens"`
	OutputTokens      int64 `json:"outputTokens"`
	TotalTokens       int64 `json:"totalTokens"`
}

// Event is the transport-agnostic message the backend streams to clients.
// Which fields are set depends on Type; unset fields are omitted from JSON.
type Event struct {
	Type EventType `json:"type"`

	// session-started
	SessionID string `json:"sessionId,omitempty"`
	Model     string `json:"model,omitempty"`

	// text, thinking
	Text string `json:"text,omitempty"`

	// tool-running, tool-output, tool-complete
	ToolID string `json:"toolId,omitempty"`
	Tool   string `json:"tool,omitempty"`
	Detail string `json:"detail,omitempty"`
	Output string `json:"output,omitempty"`

	// file-added, file-changed, file-removed
	Path string `json:"path,omitempty"`

	// usage
	Usage *UsageStats `json:"usage,omitempty"`

	// decision-needed
	CorrelationID string `json:"correlationId,omitempty"`
	DecisionKind  string `json:"decisionKind,omitempty"`
	Payload       any    `json:"payload,omitempty"`

	// completed
	Status    string `json:"status,omitempty"`
	FinalText string `json:"finalText,omitempty"`

	// error
	Message string `json:"message,omitempty"`
	Fatal   bool   `json:"fatal,omitempty"`
}
