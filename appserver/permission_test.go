package appserver

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/tandemdev/tandem-core/logger"
	"github.com/tandemdev/tandem-core/rpc"
)

// recordedReply captures one answer sent through the fake responder.
type recordedReply struct {
	id     rpc.ID
	result any
	code   int
	msg    string
	isErr  bool
}

// fakeResponder records replies for assertions.
type fakeResponder struct {
	mu      sync.Mutex
	replies []recordedReply
}

func (f *fakeResponder) Respond(id rpc.ID, result any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.replies = append(f.replies, recordedReply{id: id, result: result})
	return nil
}

func (f *fakeResponder) RespondError(id rpc.ID, code int, msg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.replies = append(f.replies, recordedReply{id: id, code: code, msg: msg, isErr: true})
	return nil
}

func (f *fakeResponder) all() []recordedReply {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]recordedReply, len(f.replies))
	copy(out, f.replies)
	return out
}

func serverRequest(method string, id int64, params string) *rpc.Message {
	return &rpc.Message{
		JSONRPC: rpc.Version,
		ID:      rpc.NewID(id),
		Method:  method,
		Params:  json.RawMessage(params),
	}
}

func newTestCorrelator(timeout time.Duration) (*Correlator, *fakeResponder) {
	fr := &fakeResponder{}
	return NewCorrelator(fr, timeout, logger.WithComponent("test")), fr
}

func takeEvent(t *testing.T, c *Correlator) Event {
	t.Helper()
	select {
	case ev := <-c.Events():
		return ev
	case <-time.After(time.Second):
		t.Fatal("no decision-needed event emitted")
		return Event{}
	}
}

func TestHandle_EmitsDecisionNeeded(t *testing.T) {
	c, fr := newTestCorrelator(time.Minute)

	c.Handle(serverRequest(rpc.RequestCommandApproval, 11, `{"threadId":"thr_1","command":"rm -rf build","cwd":"/work"}`))

	ev := takeEvent(t, c)
	if ev.Type != EventDecisionNeeded {
		t.Errorf("type = %v", ev.Type)
	}
	if ev.DecisionKind != string(DecisionCommandApproval) {
		t.Errorf("kind = %q", ev.DecisionKind)
	}
	if ev.SessionID != "thr_1" {
		t.Errorf("session id = %q, want the request's thread", ev.SessionID)
	}
	if ev.CorrelationID == "" {
		t.Error("missing correlation id")
	}
	if len(fr.all()) != 0 {
		t.Error("no reply should be sent before a decision")
	}
	if c.PendingCount() != 1 {
		t.Errorf("pending = %d, want 1", c.PendingCount())
	}
}

func TestResolve_AllowSendsAccept(t *testing.T) {
	c, fr := newTestCorrelator(time.Minute)

	c.Handle(serverRequest(rpc.RequestCommandApproval, 11, `{"command":"ls"}`))
	ev := takeEvent(t, c)

	if !c.Resolve(ev.CorrelationID, Decision{Action: DecisionAllow}) {
		t.Fatal("Resolve returned false for live correlation id")
	}

	replies := fr.all()
	if len(replies) != 1 {
		t.Fatalf("got %d replies, want 1", len(replies))
	}
	res, ok := replies[0].result.(approvalResult)
	if !ok || res.Decision != "accept" {
		t.Errorf("reply = %+v", replies[0])
	}
	if replies[0].id.Int64() != 11 {
		t.Errorf("reply id = %v, want the original server request id", replies[0].id)
	}
	if c.PendingCount() != 0 {
		t.Errorf("pending = %d after resolve", c.PendingCount())
	}
}

func TestResolve_DenySendsDecline(t *testing.T) {
	c, fr := newTestCorrelator(time.Minute)

	c.Handle(serverRequest(rpc.RequestFileChangeApproval, 3, `{"changes":[{"path":"a.go","kind":"update"}]}`))
	ev := takeEvent(t, c)

	c.Resolve(ev.CorrelationID, Decision{Action: DecisionDeny})

	replies := fr.all()
	if len(replies) != 1 {
		t.Fatalf("got %d replies, want 1", len(replies))
	}
	res, ok := replies[0].result.(approvalResult)
	if !ok || res.Decision != "decline" {
		t.Errorf("reply = %+v", replies[0])
	}
}

func TestResolve_InputKinds(t *testing.T) {
	t.Run("freeform allow carries text", func(t *testing.T) {
		c, fr := newTestCorrelator(time.Minute)
		c.Handle(serverRequest(rpc.RequestFreeformInput, 5, `{"prompt":"API key?"}`))
		ev := takeEvent(t, c)

		c.Resolve(ev.CorrelationID, Decision{Action: DecisionAllow, Text: "sk-123"})

		replies := fr.all()
		res, ok := replies[0].result.(inputResult)
		if !ok || res.Text != "sk-123" {
			t.Errorf("reply = %+v", replies[0])
		}
	})

	t.Run("question allow carries answers", func(t *testing.T) {
		c, fr := newTestCorrelator(time.Minute)
		c.Handle(serverRequest(rpc.RequestQuestion, 6, `{"questions":[{"id":"q1"}]}`))
		ev := takeEvent(t, c)

		c.Resolve(ev.CorrelationID, Decision{Action: DecisionAllow, Answers: map[string]string{"q1": "yes"}})

		replies := fr.all()
		res, ok := replies[0].result.(inputResult)
		if !ok || res.Answers["q1"] != "yes" {
			t.Errorf("reply = %+v", replies[0])
		}
	})

	t.Run("declined input becomes error reply", func(t *testing.T) {
		c, fr := newTestCorrelator(time.Minute)
		c.Handle(serverRequest(rpc.RequestToolUserInput, 7, `{"questions":[]}`))
		ev := takeEvent(t, c)

		c.Resolve(ev.CorrelationID, Decision{Action: DecisionDeny})

		replies := fr.all()
		if len(replies) != 1 || !replies[0].isErr {
			t.Fatalf("replies = %+v", replies)
		}
		if replies[0].code != codeInputDeclined {
			t.Errorf("code = %d", replies[0].code)
		}
	})
}

func TestHandle_UnsupportedMethodRejectedImmediately(t *testing.T) {
	c, fr := newTestCorrelator(time.Minute)

	c.Handle(serverRequest("item/unknown/requestSomething", 9, `{}`))

	replies := fr.all()
	if len(replies) != 1 {
		t.Fatalf("got %d replies, want 1", len(replies))
	}
	if !replies[0].isErr || replies[0].code != rpc.CodeMethodNotFound {
		t.Errorf("reply = %+v", replies[0])
	}
	if c.PendingCount() != 0 {
		t.Error("unsupported request must not enter the registry")
	}

	select {
	case ev := <-c.Events():
		t.Errorf("unsupported request emitted event: %+v", ev)
	default:
	}
}

func TestTimeout_DefaultDenyExactlyOnce(t *testing.T) {
	c, fr := newTestCorrelator(50 * time.Millisecond)

	c.Handle(serverRequest(rpc.RequestCommandApproval, 21, `{"command":"ls"}`))
	ev := takeEvent(t, c)

	// Wait past the deadline.
	deadline := time.After(2 * time.Second)
	for c.PendingCount() != 0 {
		select {
		case <-deadline:
			t.Fatal("timeout never fired")
		case <-time.After(10 * time.Millisecond):
		}
	}

	replies := fr.all()
	if len(replies) != 1 {
		t.Fatalf("got %d replies, want exactly 1", len(replies))
	}
	res, ok := replies[0].result.(approvalResult)
	if !ok || res.Decision != "decline" {
		t.Errorf("timeout reply = %+v", replies[0])
	}

	// Late resolve is a no-op: no second reply.
	if c.Resolve(ev.CorrelationID, Decision{Action: DecisionAllow}) {
		t.Error("late Resolve returned true")
	}
	if got := len(fr.all()); got != 1 {
		t.Errorf("late resolve produced a second reply: %d total", got)
	}
}

func TestResolve_UnknownCorrelationIDIsNoOp(t *testing.T) {
	c, fr := newTestCorrelator(time.Minute)

	if c.Resolve("never-issued", Decision{Action: DecisionAllow}) {
		t.Error("Resolve returned true for unknown id")
	}
	if len(fr.all()) != 0 {
		t.Error("unknown id produced a reply")
	}
}

func TestResolve_DoubleResolveSingleReply(t *testing.T) {
	c, fr := newTestCorrelator(time.Minute)

	c.Handle(serverRequest(rpc.RequestCommandApproval, 30, `{"command":"ls"}`))
	ev := takeEvent(t, c)

	first := c.Resolve(ev.CorrelationID, Decision{Action: DecisionAllow})
	second := c.Resolve(ev.CorrelationID, Decision{Action: DecisionDeny})

	if !first || second {
		t.Errorf("first = %v, second = %v; want true, false", first, second)
	}
	if got := len(fr.all()); got != 1 {
		t.Errorf("got %d replies, want 1", got)
	}
}

func TestCancelAll_DropsPendingWithoutReplies(t *testing.T) {
	c, fr := newTestCorrelator(time.Minute)

	c.Handle(serverRequest(rpc.RequestCommandApproval, 1, `{"command":"a"}`))
	c.Handle(serverRequest(rpc.RequestFileChangeApproval, 2, `{"changes":[]}`))
	takeEvent(t, c)
	takeEvent(t, c)

	c.CancelAll()

	if c.PendingCount() != 0 {
		t.Errorf("pending = %d after CancelAll", c.PendingCount())
	}
	if len(fr.all()) != 0 {
		t.Error("CancelAll must not send replies")
	}

	// Resolving after cancel is a no-op.
	if c.Resolve("anything", Decision{Action: DecisionAllow}) {
		t.Error("resolve after CancelAll returned true")
	}
}
