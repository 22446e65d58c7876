package appserver

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"

	"github.com/tandemdev/tandem-core/rpc"
)

// callResult carries the outcome of one pending call.
type callResult struct {
	result json.RawMessage
	err    error
}

// Transport multiplexes JSON-RPC traffic over the agent process's stdio.
// Outbound calls are matched to replies through a pending-call table;
// inbound notifications and server requests fan out to subscribers.
//
// The transport does not own the byte stream: the process layer feeds
// inbound lines through HandleLine and supplies the stdin writer. Tests
// drive a Transport directly with scripted lines.
type Transport struct {
	log     *slog.Logger
	wireLog io.Writer // raw line mirror, may be nil

	// writeMu serializes line writes so concurrent calls can't interleave.
	writeMu sync.Mutex
	out     io.Writer

	mu      sync.Mutex
	nextID  int64
	pending map[int64]chan callResult
	closed  bool
	exitErr error

	subMu     sync.Mutex
	notifSubs []chan *rpc.Message
	reqSubs   []chan *rpc.Message
}

// NewTransport creates a transport writing outbound lines to out.
// wireLog, when non-nil, receives a copy of every raw line in both
// directions.
func NewTransport(out io.Writer, wireLog io.Writer, log *slog.Logger) *Transport {
	return &Transport{
		log:     log,
		wireLog: wireLog,
		out:     out,
		pending: make(map[int64]chan callResult),
	}
}

// Call sends a request and blocks until the reply arrives, the context
// expires, or the process exits. The reply's result is returned raw for the
// caller to decode. A JSON-RPC error object comes back as *rpc.Error.
func (t *Transport) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	t.mu.Lock()
	if t.closed {
		err := t.exitErr
		t.mu.Unlock()
		if err == nil {
			err = ErrNotRunning
		}
		return nil, err
	}
	t.nextID++
	id := t.nextID
	ch := make(chan callResult, 1)
	t.pending[id] = ch
	t.mu.Unlock()

	if err := t.writeLine(rpc.NewRequest(id, method, params)); err != nil {
		t.mu.Lock()
		delete(t.pending, id)
		t.mu.Unlock()
		return nil, err
	}

	select {
	case res := <-ch:
		return res.result, res.err
	case <-ctx.Done():
		t.mu.Lock()
		delete(t.pending, id)
		t.mu.Unlock()
		if ctx.Err() == context.DeadlineExceeded {
			t.log.Warn("call timed out", "method", method, "id", id)
			return nil, ErrTimeout
		}
		return nil, ctx.Err()
	}
}

// Notify sends a fire-and-forget notification. Failures are logged, not
// returned, matching the best-effort contract of notifications.
func (t *Transport) Notify(method string, params any) {
	if err := t.writeLine(rpc.NewNotification(method, params)); err != nil {
		t.log.Warn("failed to send notification", "method", method, "error", err)
	}
}

// Respond answers a server-initiated request with a success result.
func (t *Transport) Respond(id rpc.ID, result any) error {
	return t.writeLine(rpc.NewResponse(id, result))
}

// RespondError answers a server-initiated request with an error.
func (t *Transport) RespondError(id rpc.ID, code int, message string) error {
	return t.writeLine(rpc.NewErrorResponse(id, code, message))
}

// writeLine marshals the envelope and writes it as one newline-terminated
// line. Writes are serialized so frames never interleave.
func (t *Transport) writeLine(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	data = append(data, '\n')

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if t.wireLog != nil {
		t.wireLog.Write(append([]byte("> "), data...))
	}
	if _, err := t.out.Write(data); err != nil {
		return err
	}
	return nil
}

// SubscribeNotifications registers a new notification subscriber. The
// returned channel is closed when the transport shuts down. A subscriber
// that stops draining loses notifications rather than stalling the reader.
func (t *Transport) SubscribeNotifications() <-chan *rpc.Message {
	ch := make(chan *rpc.Message, NotificationBuffer)
	t.subMu.Lock()
	defer t.subMu.Unlock()
	if t.isClosed() {
		close(ch)
		return ch
	}
	t.notifSubs = append(t.notifSubs, ch)
	return ch
}

// SubscribeServerRequests registers a subscriber for server-initiated
// requests. Same lifecycle as notifications, but a request that cannot
// be buffered by any subscriber is rejected with an error reply instead
// of dropped, so the server never waits on an answer that will not come.
func (t *Transport) SubscribeServerRequests() <-chan *rpc.Message {
	ch := make(chan *rpc.Message, ServerRequestBuffer)
	t.subMu.Lock()
	defer t.subMu.Unlock()
	if t.isClosed() {
		close(ch)
		return ch
	}
	t.reqSubs = append(t.reqSubs, ch)
	return ch
}

func (t *Transport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// HandleLine processes one inbound line. Malformed lines are logged and
// skipped; a single bad line never takes the stream down.
func (t *Transport) HandleLine(line []byte) {
	if t.wireLog != nil {
		t.writeMu.Lock()
		t.wireLog.Write(append([]byte("< "), append(append([]byte{}, line...), '\n')...))
		t.writeMu.Unlock()
	}

	kind, msg, err := rpc.Classify(line)
	if err != nil {
		t.log.Warn("skipping malformed line", "error", err, "line", truncateForLog(string(line)))
		return
	}

	switch kind {
	case rpc.KindResponse:
		t.handleResponse(msg)
	case rpc.KindNotification:
		t.fanOutNotifications(msg)
	case rpc.KindServerRequest:
		t.fanOutRequests(msg)
	}
}

// handleResponse resolves the matching pending call. An unknown id is a
// protocol anomaly worth logging but never fatal.
func (t *Transport) handleResponse(msg *rpc.Message) {
	id := msg.ID.Int64()

	t.mu.Lock()
	ch, ok := t.pending[id]
	if ok {
		delete(t.pending, id)
	}
	t.mu.Unlock()

	if !ok {
		t.log.Warn("response for unknown call id", "id", msg.ID.String())
		return
	}

	if msg.Error != nil {
		ch <- callResult{err: msg.Error}
		return
	}
	ch <- callResult{result: msg.Result}
}

// fanOutNotifications delivers msg to every notification subscriber
// without ever blocking the reader. Full subscriber channels drop the
// message.
func (t *Transport) fanOutNotifications(msg *rpc.Message) {
	t.subMu.Lock()
	list := make([]chan *rpc.Message, len(t.notifSubs))
	copy(list, t.notifSubs)
	t.subMu.Unlock()

	for _, ch := range list {
		select {
		case ch <- msg:
		default:
			t.log.Warn("subscriber too slow, dropping notification", "method", msg.Method)
		}
	}
}

// fanOutRequests delivers a server request to its subscribers. The server
// is waiting on a reply, so a request no subscriber can buffer is answered
// with an error right here rather than silently discarded.
func (t *Transport) fanOutRequests(msg *rpc.Message) {
	t.subMu.Lock()
	list := make([]chan *rpc.Message, len(t.reqSubs))
	copy(list, t.reqSubs)
	t.subMu.Unlock()

	delivered := false
	for _, ch := range list {
		select {
		case ch <- msg:
			delivered = true
		default:
			t.log.Warn("server request subscriber too slow", "method", msg.Method, "id", msg.ID.String())
		}
	}
	if !delivered {
		t.log.Warn("rejecting undeliverable server request", "method", msg.Method, "id", msg.ID.String())
		if err := t.RespondError(msg.ID, rpc.CodeInternalError, "client busy"); err != nil {
			t.log.Warn("failed to reject server request", "method", msg.Method, "error", err)
		}
	}
}

// CloseWithError shuts the transport down: every in-flight call is rejected
// with err and all subscriber channels are closed. Safe to call more than
// once; only the first call takes effect.
func (t *Transport) CloseWithError(err error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	t.exitErr = err
	pending := t.pending
	t.pending = make(map[int64]chan callResult)
	t.mu.Unlock()

	for id, ch := range pending {
		t.log.Debug("rejecting in-flight call", "id", id)
		ch <- callResult{err: err}
	}

	t.subMu.Lock()
	notifSubs := t.notifSubs
	reqSubs := t.reqSubs
	t.notifSubs = nil
	t.reqSubs = nil
	t.subMu.Unlock()

	for _, ch := range notifSubs {
		close(ch)
	}
	for _, ch := range reqSubs {
		close(ch)
	}
}

// truncateForLog shortens long payloads for log lines.
func truncateForLog(s string) string {
	const max = 200
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
