package appserver

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/tandemdev/tandem-core/logger"
	"github.com/tandemdev/tandem-core/rpc"
)

// scriptedCaller fakes the transport for turn driver tests. Call results
// are scripted per method; notifications are pushed by the test.
type scriptedCaller struct {
	mu      sync.Mutex
	results map[string][]scriptedResult
	calls   []string
	subs    []chan *rpc.Message
}

type scriptedResult struct {
	raw json.RawMessage
	err error
}

func newScriptedCaller() *scriptedCaller {
	return &scriptedCaller{results: make(map[string][]scriptedResult)}
}

func (s *scriptedCaller) script(method string, raw string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results[method] = append(s.results[method], scriptedResult{raw: json.RawMessage(raw), err: err})
}

func (s *scriptedCaller) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, method)
	queue := s.results[method]
	if len(queue) == 0 {
		return nil, errors.New("unscripted call: " + method)
	}
	res := queue[0]
	s.results[method] = queue[1:]
	return res.raw, res.err
}

func (s *scriptedCaller) SubscribeNotifications() <-chan *rpc.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch := make(chan *rpc.Message, NotificationBuffer)
	s.subs = append(s.subs, ch)
	return ch
}

func (s *scriptedCaller) push(method, params string) {
	s.mu.Lock()
	subs := append([]chan *rpc.Message{}, s.subs...)
	s.mu.Unlock()
	msg := &rpc.Message{JSONRPC: rpc.Version, Method: method, Params: json.RawMessage(params)}
	for _, ch := range subs {
		ch <- msg
	}
}

func (s *scriptedCaller) closeSubs() {
	s.mu.Lock()
	subs := s.subs
	s.subs = nil
	s.mu.Unlock()
	for _, ch := range subs {
		close(ch)
	}
}

func (s *scriptedCaller) calledMethods() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.calls))
	copy(out, s.calls)
	return out
}

func newTestDriver(s *scriptedCaller) *TurnDriver {
	return NewTurnDriver(s, 0, logger.WithComponent("test"))
}

// deadlineCaller records the deadline each call's context carries before
// delegating to the scripted results.
type deadlineCaller struct {
	*scriptedCaller
	mu        sync.Mutex
	deadlines []time.Duration
}

func (c *deadlineCaller) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if deadline, ok := ctx.Deadline(); ok {
		c.mu.Lock()
		c.deadlines = append(c.deadlines, time.Until(deadline))
		c.mu.Unlock()
	}
	return c.scriptedCaller.Call(ctx, method, params)
}

func (c *deadlineCaller) lastDeadline(t *testing.T) time.Duration {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.deadlines) == 0 {
		t.Fatal("no call carried a deadline")
	}
	return c.deadlines[len(c.deadlines)-1]
}

func TestDriver_AppliesConfiguredCallTimeout(t *testing.T) {
	s := newScriptedCaller()
	s.script(rpc.MethodThreadStart, `{"thread":{"id":"thr_1"}}`, nil)
	s.script(rpc.MethodTurnStart, `{"turn":{"id":"turn_1"}}`, nil)
	c := &deadlineCaller{scriptedCaller: s}
	d := NewTurnDriver(c, 3*time.Second, logger.WithComponent("test"))

	if _, _, err := d.EnsureThread(context.Background(), "", "/work"); err != nil {
		t.Fatalf("EnsureThread: %v", err)
	}
	if got := c.lastDeadline(t); got <= 2*time.Second || got > 3*time.Second {
		t.Errorf("thread call deadline = %v, want about 3s", got)
	}

	h, err := d.StartTurn(context.Background(), "thr_1", "prompt")
	if err != nil {
		t.Fatalf("StartTurn: %v", err)
	}
	if got := c.lastDeadline(t); got <= 2*time.Second || got > 3*time.Second {
		t.Errorf("turn call deadline = %v, want about 3s", got)
	}

	s.push(rpc.NotifyTurnCompleted, `{"threadId":"thr_1","turn":{"id":"turn_1","status":"completed"}}`)
	for range h.Notifications() {
	}
}

func TestDriver_ZeroCallTimeoutFallsBackToDefault(t *testing.T) {
	s := newScriptedCaller()
	s.script(rpc.MethodThreadStart, `{"thread":{"id":"thr_1"}}`, nil)
	c := &deadlineCaller{scriptedCaller: s}
	d := NewTurnDriver(c, 0, logger.WithComponent("test"))

	if _, _, err := d.EnsureThread(context.Background(), "", "/work"); err != nil {
		t.Fatal(err)
	}
	if got := c.lastDeadline(t); got <= DefaultCallTimeout-time.Second || got > DefaultCallTimeout {
		t.Errorf("deadline = %v, want about %v", got, DefaultCallTimeout)
	}
}

func TestEnsureThread_NoPriorStartsNew(t *testing.T) {
	s := newScriptedCaller()
	s.script(rpc.MethodThreadStart, `{"thread":{"id":"thr_new"}}`, nil)
	d := newTestDriver(s)

	id, resumed, err := d.EnsureThread(context.Background(), "", "/work")
	if err != nil {
		t.Fatalf("EnsureThread: %v", err)
	}
	if id != "thr_new" || resumed {
		t.Errorf("id = %q, resumed = %v", id, resumed)
	}

	calls := s.calledMethods()
	if len(calls) != 1 || calls[0] != rpc.MethodThreadStart {
		t.Errorf("calls = %v", calls)
	}
}

func TestEnsureThread_ResumeSucceeds(t *testing.T) {
	s := newScriptedCaller()
	s.script(rpc.MethodThreadResume, `{"thread":{"id":"thr_old"}}`, nil)
	d := newTestDriver(s)

	id, resumed, err := d.EnsureThread(context.Background(), "thr_old", "/work")
	if err != nil {
		t.Fatalf("EnsureThread: %v", err)
	}
	if id != "thr_old" || !resumed {
		t.Errorf("id = %q, resumed = %v", id, resumed)
	}
}

func TestEnsureThread_ResumeFallsBackToStart(t *testing.T) {
	s := newScriptedCaller()
	s.script(rpc.MethodThreadResume, ``, &rpc.Error{Code: -32000, Message: "thread not found"})
	s.script(rpc.MethodThreadStart, `{"thread":{"id":"thr_fresh"}}`, nil)
	d := newTestDriver(s)

	id, resumed, err := d.EnsureThread(context.Background(), "thr_gone", "/work")
	if err != nil {
		t.Fatalf("fallback must hide the resume failure, got %v", err)
	}
	if id != "thr_fresh" || resumed {
		t.Errorf("id = %q, resumed = %v; want fresh thread, not resumed", id, resumed)
	}

	calls := s.calledMethods()
	if len(calls) != 2 || calls[0] != rpc.MethodThreadResume || calls[1] != rpc.MethodThreadStart {
		t.Errorf("calls = %v", calls)
	}
}

func TestStartTurn_FollowsUntilCompleted(t *testing.T) {
	s := newScriptedCaller()
	s.script(rpc.MethodTurnStart, `{"turn":{"id":"turn_1","status":"inProgress"}}`, nil)
	d := newTestDriver(s)

	h, err := d.StartTurn(context.Background(), "thr_1", "do the thing")
	if err != nil {
		t.Fatalf("StartTurn: %v", err)
	}
	if h.TurnID() != "turn_1" {
		t.Errorf("turn id = %q", h.TurnID())
	}

	s.push(rpc.NotifyTurnStarted, `{"threadId":"thr_1","turn":{"id":"turn_1","status":"inProgress"}}`)
	s.push(rpc.NotifyAgentMessageDelta, `{"threadId":"thr_1","delta":"hi"}`)
	s.push(rpc.NotifyTurnCompleted, `{"threadId":"thr_1","turn":{"id":"turn_1","status":"completed"}}`)
	// Traffic after turn/completed must not reach the handle.
	s.push(rpc.NotifyAgentMessageDelta, `{"threadId":"thr_1","delta":"late"}`)

	var methods []string
	for msg := range h.Notifications() {
		methods = append(methods, msg.Method)
	}

	want := []string{rpc.NotifyTurnStarted, rpc.NotifyAgentMessageDelta, rpc.NotifyTurnCompleted}
	if len(methods) != len(want) {
		t.Fatalf("methods = %v, want %v", methods, want)
	}
	for i := range want {
		if methods[i] != want[i] {
			t.Errorf("methods[%d] = %q, want %q", i, methods[i], want[i])
		}
	}
	if h.Err() != nil {
		t.Errorf("Err() = %v after normal completion", h.Err())
	}
}

func TestStartTurn_FiltersOtherThreads(t *testing.T) {
	s := newScriptedCaller()
	s.script(rpc.MethodTurnStart, `{"turn":{"id":"turn_1"}}`, nil)
	d := newTestDriver(s)

	h, err := d.StartTurn(context.Background(), "thr_1", "prompt")
	if err != nil {
		t.Fatal(err)
	}

	s.push(rpc.NotifyAgentMessageDelta, `{"threadId":"thr_other","delta":"not ours"}`)
	s.push(rpc.NotifyAgentMessageDelta, `{"threadId":"thr_1","delta":"ours"}`)
	s.push(rpc.NotifyTurnCompleted, `{"threadId":"thr_1","turn":{"id":"turn_1","status":"completed"}}`)

	var deltas int
	for msg := range h.Notifications() {
		if msg.Method == rpc.NotifyAgentMessageDelta {
			deltas++
		}
	}
	if deltas != 1 {
		t.Errorf("got %d deltas, want 1 (other thread filtered)", deltas)
	}
}

func TestStartTurn_AdoptsTurnIDFromNotification(t *testing.T) {
	s := newScriptedCaller()
	// turn/start result with no turn id: the id arrives via turn/started.
	s.script(rpc.MethodTurnStart, `{}`, nil)
	d := newTestDriver(s)

	h, err := d.StartTurn(context.Background(), "thr_1", "prompt")
	if err != nil {
		t.Fatal(err)
	}
	if h.TurnID() != "" {
		t.Errorf("turn id = %q before turn/started", h.TurnID())
	}

	s.push(rpc.NotifyTurnStarted, `{"threadId":"thr_1","turn":{"id":"turn_7","status":"inProgress"}}`)
	s.push(rpc.NotifyTurnCompleted, `{"threadId":"thr_1","turn":{"id":"turn_7","status":"completed"}}`)

	for range h.Notifications() {
	}
	if h.TurnID() != "turn_7" {
		t.Errorf("turn id = %q, want turn_7", h.TurnID())
	}
}

func TestStartTurn_StreamEndWithoutCompletion(t *testing.T) {
	s := newScriptedCaller()
	s.script(rpc.MethodTurnStart, `{"turn":{"id":"turn_1"}}`, nil)
	d := newTestDriver(s)

	h, err := d.StartTurn(context.Background(), "thr_1", "prompt")
	if err != nil {
		t.Fatal(err)
	}

	s.push(rpc.NotifyAgentMessageDelta, `{"threadId":"thr_1","delta":"partial"}`)
	s.closeSubs()

	deadline := time.After(5 * time.Second)
	for {
		select {
		case _, ok := <-h.Notifications():
			if !ok {
				if h.Err() == nil {
					t.Error("Err() = nil after stream ended mid-turn")
				}
				return
			}
		case <-deadline:
			t.Fatal("handle never closed after stream end")
		}
	}
}

func TestStartTurn_CallFailureReleasesSerialization(t *testing.T) {
	s := newScriptedCaller()
	s.script(rpc.MethodTurnStart, ``, errors.New("write failed"))
	s.script(rpc.MethodTurnStart, `{"turn":{"id":"turn_2"}}`, nil)
	d := newTestDriver(s)

	if _, err := d.StartTurn(context.Background(), "thr_1", "first"); err == nil {
		t.Fatal("expected first StartTurn to fail")
	}

	// A failed start must not leave the driver locked.
	done := make(chan struct{})
	go func() {
		defer close(done)
		h, err := d.StartTurn(context.Background(), "thr_1", "second")
		if err != nil {
			t.Errorf("second StartTurn: %v", err)
			return
		}
		s.push(rpc.NotifyTurnCompleted, `{"threadId":"thr_1","turn":{"id":"turn_2","status":"completed"}}`)
		for range h.Notifications() {
		}
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("driver stayed locked after failed StartTurn")
	}
}

func TestStartTurn_SerializesTurns(t *testing.T) {
	s := newScriptedCaller()
	s.script(rpc.MethodTurnStart, `{"turn":{"id":"turn_1"}}`, nil)
	s.script(rpc.MethodTurnStart, `{"turn":{"id":"turn_2"}}`, nil)
	d := newTestDriver(s)

	h1, err := d.StartTurn(context.Background(), "thr_1", "first")
	if err != nil {
		t.Fatal(err)
	}

	secondStarted := make(chan struct{})
	go func() {
		h2, err := d.StartTurn(context.Background(), "thr_1", "second")
		if err != nil {
			t.Errorf("second StartTurn: %v", err)
			close(secondStarted)
			return
		}
		close(secondStarted)
		s.push(rpc.NotifyTurnCompleted, `{"threadId":"thr_1","turn":{"id":"turn_2","status":"completed"}}`)
		for range h2.Notifications() {
		}
	}()

	// The second turn must not start while the first is still open.
	select {
	case <-secondStarted:
		t.Fatal("second turn started before first completed")
	case <-time.After(100 * time.Millisecond):
	}

	s.push(rpc.NotifyTurnCompleted, `{"threadId":"thr_1","turn":{"id":"turn_1","status":"completed"}}`)
	for range h1.Notifications() {
	}

	select {
	case <-secondStarted:
	case <-time.After(5 * time.Second):
		t.Fatal("second turn never started after first completed")
	}
}

func TestInterrupt_BestEffort(t *testing.T) {
	s := newScriptedCaller()
	s.script(rpc.MethodTurnInterrupt, ``, errors.New("process gone"))
	d := newTestDriver(s)

	// Must not panic or return anything; failure is logged only.
	d.Interrupt("thr_1", "turn_1")

	calls := s.calledMethods()
	if len(calls) != 1 || calls[0] != rpc.MethodTurnInterrupt {
		t.Errorf("calls = %v", calls)
	}
}
