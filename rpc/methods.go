package rpc

// Client-initiated methods.
const (
	MethodInitialize    = "initialize"
	MethodLoginStart    = "account/login/start"
	MethodThreadStart   = "thread/start"
	MethodThreadResume  = "thread/resume"
	MethodTurnStart     = "turn/start"
	MethodTurnInterrupt = "turn/interrupt"
)

// Client-initiated notifications.
const (
	NotifyInitialized = "initialized"
)

// Server-initiated notifications.
const (
	NotifyThreadStarted         = "thread/started"
	NotifyTurnStarted           = "turn/started"
	NotifyTurnCompleted         = "turn/completed"
	NotifyItemStarted           = "item/started"
	NotifyItemCompleted         = "item/completed"
	NotifyAgentMessageDelta     = "item/agentMessage/delta"
	NotifyReasoningSummaryDelta = "item/reasoning/summaryTextDelta"
	NotifyCommandOutputDelta    = "item/commandExecution/outputDelta"
	NotifyTokenUsageUpdated     = "thread/tokenUsage/updated"
	NotifyError                 = "error"
)

// Server-initiated requests that expect a reply from us.
const (
	RequestCommandApproval    = "item/commandExecution/requestApproval"
	RequestFileChangeApproval = "item/fileChange/requestApproval"
	RequestToolUserInput      = "item/tool/requestUserInput"
	RequestFreeformInput      = "thread/input/request"
	RequestQuestion           = "thread/question/request"
)

// Item types carried by item/started and item/completed notifications.
const (
	ItemTypeAgentMessage     = "agentMessage"
	ItemTypeCommandExecution = "commandExecution"
	ItemTypeFileChange       = "fileChange"
	ItemTypeMCPToolCall      = "mcpToolCall"
	ItemTypeReasoning        = "reasoning"
)
