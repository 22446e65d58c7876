package appserver

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tandemdev/tandem-core/rpc"
)

// responder is the slice of the transport the correlator needs to answer
// server requests. Narrowed for testability.
type responder interface {
	Respond(id rpc.ID, result any) error
	RespondError(id rpc.ID, code int, message string) error
}

// DecisionKind names the category of user decision a server request needs.
type DecisionKind string

const (
	DecisionCommandApproval    DecisionKind = "command-approval"
	DecisionFileChangeApproval DecisionKind = "file-change-approval"
	DecisionToolInput          DecisionKind = "tool-input"
	DecisionFreeformInput      DecisionKind = "freeform-input"
	DecisionQuestion           DecisionKind = "question"
)

// DecisionAction is what the user chose.
type DecisionAction string

const (
	DecisionAllow  DecisionAction = "allow"
	DecisionDeny   DecisionAction = "deny"
	DecisionCancel DecisionAction = "cancel"
)

// Decision carries a user's answer back to a pending server request.
// Text answers freeform input; Answers maps question ids to chosen values
// for structured input and questionnaires.
type Decision struct {
	Action  DecisionAction
	Text    string
	Answers map[string]string
	Message string
}

// codeInputDeclined answers input requests the user declined or that
// timed out. Approvals decline through a normal result instead.
const codeInputDeclined = -32001

// approvalResult is the wire result for approval requests.
type approvalResult struct {
	Decision string `json:"decision"`
}

// inputResult is the wire result for input and question requests.
type inputResult struct {
	Text    string            `json:"text,omitempty"`
	Answers map[string]string `json:"answers,omitempty"`
}

// pendingDecision is one outstanding server request awaiting a user
// decision.
type pendingDecision struct {
	requestID rpc.ID
	kind      DecisionKind
	timer     *time.Timer
	createdAt time.Time
}

// Correlator bridges server-initiated requests to out-of-band user
// decisions. Each request gets a locally generated correlation id, distinct
// from the JSON-RPC request id, and a deadline after which the default
// (deny) answer is sent. Exactly one response goes out per request no
// matter how resolution and timeout race.
type Correlator struct {
	tr      responder
	log     *slog.Logger
	timeout time.Duration

	mu      sync.Mutex
	pending map[string]*pendingDecision

	events chan Event
}

// NewCorrelator creates a correlator answering through tr. timeout bounds
// how long a request waits for a decision; zero means ApprovalTimeout.
func NewCorrelator(tr responder, timeout time.Duration, log *slog.Logger) *Correlator {
	if timeout <= 0 {
		timeout = ApprovalTimeout
	}
	return &Correlator{
		tr:      tr,
		log:     log,
		timeout: timeout,
		pending: make(map[string]*pendingDecision),
		events:  make(chan Event, ServerRequestBuffer),
	}
}

// Events yields one decision-needed event per accepted server request.
func (c *Correlator) Events() <-chan Event { return c.events }

// Handle processes one server-initiated request. Supported methods become
// pending decisions; anything else is answered immediately with a
// method-not-found error and never enters the registry.
func (c *Correlator) Handle(msg *rpc.Message) {
	kind, ok := decisionKindFor(msg.Method)
	if !ok {
		c.log.Warn("unsupported server request", "method", msg.Method, "id", msg.ID.String())
		if err := c.tr.RespondError(msg.ID, rpc.CodeMethodNotFound, "unsupported method: "+msg.Method); err != nil {
			c.log.Warn("failed to reject server request", "error", err)
		}
		return
	}

	// Server requests name the thread they belong to. Carry it on the
	// event so the layer above can route the decision to the conversation
	// that owns that thread and nobody else.
	var route struct {
		ThreadID string `json:"threadId"`
	}
	if len(msg.Params) > 0 {
		json.Unmarshal(msg.Params, &route)
	}

	correlationID := uuid.New().String()
	p := &pendingDecision{
		requestID: msg.ID,
		kind:      kind,
		createdAt: time.Now(),
	}
	p.timer = time.AfterFunc(c.timeout, func() {
		c.expire(correlationID)
	})

	c.mu.Lock()
	c.pending[correlationID] = p
	c.mu.Unlock()

	c.log.Info("decision needed", "kind", kind, "correlationID", correlationID, "requestID", msg.ID.String())

	var payload any
	if len(msg.Params) > 0 {
		payload = json.RawMessage(msg.Params)
	}
	c.events <- Event{
		Type:          EventDecisionNeeded,
		SessionID:     route.ThreadID,
		CorrelationID: correlationID,
		DecisionKind:  string(kind),
		Payload:       payload,
	}
}

// Resolve applies a user decision. Returns false when the correlation id is
// unknown — already resolved, timed out, or never issued — in which case
// nothing is sent, preserving the single-response guarantee.
func (c *Correlator) Resolve(correlationID string, d Decision) bool {
	p := c.take(correlationID)
	if p == nil {
		c.log.Debug("decision for unknown correlation id", "correlationID", correlationID)
		return false
	}
	p.timer.Stop()

	c.log.Info("decision resolved", "kind", p.kind, "correlationID", correlationID,
		"action", d.Action, "waited", time.Since(p.createdAt).Round(time.Millisecond))

	c.respond(p, d)
	return true
}

// expire fires when no decision arrived in time. The pending entry is
// consumed, so a Resolve racing in just after loses and becomes a no-op.
func (c *Correlator) expire(correlationID string) {
	p := c.take(correlationID)
	if p == nil {
		return
	}

	c.log.Warn("decision timed out, denying", "kind", p.kind, "correlationID", correlationID, "timeout", c.timeout)
	c.respond(p, Decision{Action: DecisionDeny, Message: "decision timed out"})
}

// take removes and returns the pending entry, or nil if absent.
func (c *Correlator) take(correlationID string) *pendingDecision {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.pending[correlationID]
	if !ok {
		return nil
	}
	delete(c.pending, correlationID)
	return p
}

// respond sends the kind-specific wire answer for a consumed entry.
func (c *Correlator) respond(p *pendingDecision, d Decision) {
	var err error
	switch p.kind {
	case DecisionCommandApproval, DecisionFileChangeApproval:
		decision := "decline"
		if d.Action == DecisionAllow {
			decision = "accept"
		}
		err = c.tr.Respond(p.requestID, approvalResult{Decision: decision})

	case DecisionFreeformInput:
		if d.Action == DecisionAllow {
			err = c.tr.Respond(p.requestID, inputResult{Text: d.Text})
		} else {
			err = c.tr.RespondError(p.requestID, codeInputDeclined, declineMessage(d))
		}

	case DecisionToolInput, DecisionQuestion:
		if d.Action == DecisionAllow {
			err = c.tr.Respond(p.requestID, inputResult{Answers: d.Answers})
		} else {
			err = c.tr.RespondError(p.requestID, codeInputDeclined, declineMessage(d))
		}
	}

	if err != nil {
		c.log.Warn("failed to answer server request", "kind", p.kind, "error", err)
	}
}

// CancelAll drops every pending decision without responding. Used when the
// agent process exits: there is no one left to answer.
func (c *Correlator) CancelAll() {
	c.mu.Lock()
	pending := c.pending
	c.pending = make(map[string]*pendingDecision)
	c.mu.Unlock()

	for correlationID, p := range pending {
		p.timer.Stop()
		c.log.Debug("cancelling pending decision", "correlationID", correlationID, "kind", p.kind)
	}
}

// PendingCount reports how many decisions are outstanding.
func (c *Correlator) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func declineMessage(d Decision) string {
	if d.Message != "" {
		return d.Message
	}
	return "user declined"
}

// decisionKindFor maps a server request method onto its decision kind.
func decisionKindFor(method string) (DecisionKind, bool) {
	switch method {
	case rpc.RequestCommandApproval:
		return DecisionCommandApproval, true
	case rpc.RequestFileChangeApproval:
		return DecisionFileChangeApproval, true
	case rpc.RequestToolUserInput:
		return DecisionToolInput, true
	case rpc.RequestFreeformInput:
		return DecisionFreeformInput, true
	case rpc.RequestQuestion:
		return DecisionQuestion, true
	default:
		return "", false
	}
}
