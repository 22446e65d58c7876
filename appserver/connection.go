package appserver

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tandemdev/tandem-core/logger"
	"github.com/tandemdev/tandem-core/rpc"
)

// initializeParams is the client handshake sent on connect.
type initializeParams struct {
	ClientInfo clientInfo `json:"clientInfo"`
}

type clientInfo struct {
	Name    string `json:"name"`
	Title   string `json:"title"`
	Version string `json:"version"`
}

// Connection owns one agent process and the transport multiplexing its
// stdio. It performs the initialize handshake on start and tears everything
// down together: when the process exits, every in-flight call is rejected
// and all subscriber streams close.
type Connection struct {
	ID string

	proc        *Process
	tr          *Transport
	wireLog     io.Closer
	callTimeout time.Duration
	stopOnce    sync.Once
}

// Connect launches the agent process, wires up the transport, and runs the
// initialize handshake. callTimeout bounds each handshake call; zero means
// DefaultCallTimeout. The returned connection is ready for thread and turn
// operations.
func Connect(ctx context.Context, cfg ProcessConfig, callTimeout time.Duration) (*Connection, error) {
	connID := uuid.New().String()[:8]
	log := logger.WithComponent("connection").With("connID", connID)

	if callTimeout <= 0 {
		callTimeout = DefaultCallTimeout
	}
	c := &Connection{ID: connID, callTimeout: callTimeout}

	var wireWriter io.Writer
	if path, err := logger.WireLogPath(connID); err == nil {
		if f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644); err == nil {
			wireWriter = f
			c.wireLog = f
		}
	}

	c.proc = NewProcess(cfg, ProcessCallbacks{
		OnLine: func(line string) {
			c.tr.HandleLine([]byte(line))
		},
		OnExit: func(code int, stderr string) {
			log.Info("agent process exited", "code", code)
			c.tr.CloseWithError(&ProcessExitedError{Code: code, Stderr: stderr})
		},
	}, log)

	c.tr = NewTransport(c.proc, wireWriter, log)

	if err := c.proc.Start(); err != nil {
		c.closeWireLog()
		return nil, err
	}

	if err := c.handshake(ctx); err != nil {
		c.Close()
		return nil, fmt.Errorf("initialize handshake: %w", err)
	}

	return c, nil
}

// handshake performs initialize, the initialized notification, and the
// credential handshake, in that order.
func (c *Connection) handshake(ctx context.Context) error {
	callCtx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	params := initializeParams{
		ClientInfo: clientInfo{Name: "tandem", Title: "Tandem", Version: "1.0.0"},
	}
	if _, err := c.tr.Call(callCtx, rpc.MethodInitialize, params); err != nil {
		return err
	}

	c.tr.Notify(rpc.NotifyInitialized, nil)

	if _, err := c.tr.Call(callCtx, rpc.MethodLoginStart, struct{}{}); err != nil {
		return fmt.Errorf("login: %w", err)
	}
	return nil
}

// Transport exposes the underlying transport for turn driving and
// permission handling.
func (c *Connection) Transport() *Transport { return c.tr }

// IsRunning reports whether the agent process is alive.
func (c *Connection) IsRunning() bool { return c.proc.IsRunning() }

// Close stops the agent process and shuts down the transport. Idempotent.
func (c *Connection) Close() {
	c.stopOnce.Do(func() {
		c.proc.Stop()
		c.tr.CloseWithError(ErrNotRunning)
		c.closeWireLog()
	})
}

func (c *Connection) closeWireLog() {
	if c.wireLog != nil {
		c.wireLog.Close()
	}
}
