package appserver

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/tandemdev/tandem-core/rpc"
)

// turnCaller is the slice of the transport the turn driver needs. Narrowed
// for testability.
type turnCaller interface {
	Call(ctx context.Context, method string, params any) (json.RawMessage, error)
	SubscribeNotifications() <-chan *rpc.Message
}

// threadResult decodes thread/start and thread/resume results.
type threadResult struct {
	Thread struct {
		ID string `json:"id"`
	} `json:"thread"`
}

// turnResult decodes the turn/start result.
type turnResult struct {
	Turn struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	} `json:"turn"`
}

// notifProbe extracts the routing fields a notification may carry.
type notifProbe struct {
	ThreadID string `json:"threadId"`
	Turn     struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	} `json:"turn"`
}

// threadStartParams are the parameters for thread/start.
type threadStartParams struct {
	Cwd string `json:"cwd,omitempty"`
}

// threadResumeParams are the parameters for thread/resume.
type threadResumeParams struct {
	ThreadID string `json:"threadId"`
}

// turnStartParams are the parameters for turn/start.
type turnStartParams struct {
	ThreadID string          `json:"threadId"`
	Input    []turnInputItem `json:"input"`
}

type turnInputItem struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// turnInterruptParams are the parameters for turn/interrupt.
type turnInterruptParams struct {
	ThreadID string `json:"threadId"`
	TurnID   string `json:"turnId,omitempty"`
}

// TurnDriver runs the thread and turn lifecycle against one connection.
// Turn starts are serialized: a second StartTurn blocks until the previous
// turn's handle has reached its terminal state.
type TurnDriver struct {
	tr          turnCaller
	log         *slog.Logger
	callTimeout time.Duration
	turnMu      sync.Mutex
}

// NewTurnDriver creates a driver over the given transport. callTimeout
// bounds each thread and turn call; zero means DefaultCallTimeout.
func NewTurnDriver(tr turnCaller, callTimeout time.Duration, log *slog.Logger) *TurnDriver {
	if callTimeout <= 0 {
		callTimeout = DefaultCallTimeout
	}
	return &TurnDriver{tr: tr, log: log, callTimeout: callTimeout}
}

// EnsureThread returns a live thread id. With a prior id it attempts
// thread/resume and silently falls back to thread/start on failure, so a
// lost server-side thread costs the caller nothing but context. cwd is
// passed to thread/start so new threads operate in the right project
// directory.
func (d *TurnDriver) EnsureThread(ctx context.Context, priorID, cwd string) (threadID string, resumed bool, err error) {
	callCtx, cancel := context.WithTimeout(ctx, d.callTimeout)
	defer cancel()

	if priorID != "" {
		raw, err := d.tr.Call(callCtx, rpc.MethodThreadResume, threadResumeParams{ThreadID: priorID})
		if err == nil {
			var res threadResult
			if jsonErr := json.Unmarshal(raw, &res); jsonErr == nil && res.Thread.ID != "" {
				return res.Thread.ID, true, nil
			}
			return priorID, true, nil
		}
		d.log.Warn("failed to resume thread, starting a new one", "threadID", priorID, "error", err)
	}

	raw, err := d.tr.Call(callCtx, rpc.MethodThreadStart, threadStartParams{Cwd: cwd})
	if err != nil {
		return "", false, err
	}
	var res threadResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return "", false, err
	}
	return res.Thread.ID, false, nil
}

// TurnHandle follows one turn's notification stream. Notifications() yields
// everything from the turn start up to and including turn/completed, then
// closes. If the stream ends before completion, the channel closes and
// Err() reports why.
type TurnHandle struct {
	ThreadID string

	mu     sync.Mutex
	turnID string
	err    error

	ch      chan *rpc.Message
	release func()
}

// Notifications returns the turn's notification stream.
func (h *TurnHandle) Notifications() <-chan *rpc.Message { return h.ch }

// TurnID returns the turn id, which may be empty until turn/started.
func (h *TurnHandle) TurnID() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.turnID
}

// Err reports why the stream ended early. Nil after a normal
// turn/completed. Only meaningful once Notifications() has closed.
func (h *TurnHandle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

func (h *TurnHandle) setTurnID(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.turnID == "" {
		h.turnID = id
	}
}

// StartTurn subscribes to the notification stream, issues turn/start, and
// returns a handle following the turn. The subscription is registered
// before the call goes out so no notification can slip through the gap.
func (d *TurnDriver) StartTurn(ctx context.Context, threadID, prompt string) (*TurnHandle, error) {
	d.turnMu.Lock()

	notifs := d.tr.SubscribeNotifications()

	h := &TurnHandle{
		ThreadID: threadID,
		ch:       make(chan *rpc.Message, NotificationBuffer),
	}
	var releaseOnce sync.Once
	h.release = func() {
		releaseOnce.Do(d.turnMu.Unlock)
	}

	callCtx, cancel := context.WithTimeout(ctx, d.callTimeout)
	defer cancel()

	params := turnStartParams{
		ThreadID: threadID,
		Input:    []turnInputItem{{Type: "text", Text: prompt}},
	}
	raw, err := d.tr.Call(callCtx, rpc.MethodTurnStart, params)
	if err != nil {
		h.release()
		return nil, err
	}

	var res turnResult
	if jsonErr := json.Unmarshal(raw, &res); jsonErr == nil && res.Turn.ID != "" {
		h.setTurnID(res.Turn.ID)
	}

	go d.followTurn(h, notifs)
	return h, nil
}

// followTurn forwards the turn's notifications to the handle until the
// terminal turn/completed, then closes the handle. A stream that ends
// before completion records the error on the handle instead of hanging.
func (d *TurnDriver) followTurn(h *TurnHandle, notifs <-chan *rpc.Message) {
	defer func() {
		close(h.ch)
		h.release()
	}()

	for msg := range notifs {
		var probe notifProbe
		if len(msg.Params) > 0 {
			json.Unmarshal(msg.Params, &probe)
		}

		// Notifications addressed to some other thread are not ours.
		if probe.ThreadID != "" && probe.ThreadID != h.ThreadID {
			continue
		}

		if msg.Method == rpc.NotifyTurnStarted && probe.Turn.ID != "" {
			h.setTurnID(probe.Turn.ID)
		}

		if msg.Method == rpc.NotifyTurnCompleted {
			if turnID := h.TurnID(); turnID != "" && probe.Turn.ID != "" && probe.Turn.ID != turnID {
				continue
			}
			h.ch <- msg
			return
		}

		select {
		case h.ch <- msg:
		default:
			d.log.Warn("turn handle buffer full, dropping notification", "method", msg.Method)
		}
	}

	// Stream closed before turn/completed: the process died mid-turn.
	d.log.Warn("notification stream ended before turn completed", "threadID", h.ThreadID)
	h.mu.Lock()
	h.err = ErrNotRunning
	h.mu.Unlock()
}

// Interrupt asks the agent to stop the active turn. Best effort: failures
// are logged, never returned, and a short timeout keeps it from stalling
// shutdown paths.
func (d *TurnDriver) Interrupt(threadID, turnID string) {
	ctx, cancel := context.WithTimeout(context.Background(), InterruptTimeout)
	defer cancel()

	_, err := d.tr.Call(ctx, rpc.MethodTurnInterrupt, turnInterruptParams{ThreadID: threadID, TurnID: turnID})
	if err != nil {
		d.log.Warn("turn interrupt failed", "threadID", threadID, "turnID", turnID, "error", err)
	}
}
