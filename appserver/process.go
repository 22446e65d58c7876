package appserver

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"time"
)

// readResult holds the result of a read operation for cancellation handling.
type readResult struct {
	line string
	err  error
}

// ProcessConfig holds the configuration for launching the agent app-server.
type ProcessConfig struct {
	Command    string   // agent binary, e.g. "codex"
	Args       []string // e.g. ["app-server"]
	WorkingDir string   // process working directory
}

// ProcessCallbacks defines callbacks the Process invokes during operation.
//
// All callbacks run on the Process's internal goroutines. Implementations
// must be thread-safe and must not block for long, or they delay process
// management.
//
//  1. OnLine: called repeatedly as stdout produces lines
//  2. OnExit: called exactly once when the process exits, with the exit
//     code and any captured stderr
type ProcessCallbacks struct {
	// OnLine is called for each line read from stdout, without the
	// trailing newline.
	OnLine func(line string)

	// OnExit is called when the process exits for any reason, after
	// stderr has been fully drained. code is -1 when no exit code is
	// available.
	OnExit func(code int, stderr string)
}

// Process manages the lifecycle of one agent app-server child process:
// launch, stdin writes, stdout line reading, stderr capture, and shutdown.
type Process struct {
	config    ProcessConfig
	callbacks ProcessCallbacks
	log       *slog.Logger

	// Process state (protected by mu)
	mu            sync.Mutex
	cmd           *exec.Cmd
	stdin         io.WriteCloser
	stdout        *bufio.Reader
	stderr        io.ReadCloser
	stderrContent string
	stderrDone    chan struct{}
	running       bool

	// waitDone is closed by monitorExit when cmd.Wait() completes.
	// Stop() selects on this channel instead of calling cmd.Wait() again,
	// preventing undefined behavior from double Wait().
	waitDone chan struct{}

	ctx    context.Context
	cancel context.CancelFunc

	wg sync.WaitGroup
}

// NewProcess creates a Process with the given configuration and callbacks.
func NewProcess(config ProcessConfig, callbacks ProcessCallbacks, log *slog.Logger) *Process {
	return &Process{
		config:    config,
		callbacks: callbacks,
		log:       log,
	}
}

// Start launches the agent process and begins reading its output.
// Returns *SpawnError if the process cannot be started.
func (p *Process) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return nil
	}

	p.log.Info("starting agent process", "command", p.config.Command, "args", strings.Join(p.config.Args, " "))
	startTime := time.Now()

	cmd := exec.Command(p.config.Command, p.config.Args...)
	cmd.Dir = p.config.WorkingDir

	stdin, err := cmd.StdinPipe()
	if err != nil {
		p.log.Error("failed to get stdin pipe", "error", err)
		return &SpawnError{Err: fmt.Errorf("stdin pipe: %w", err)}
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		p.log.Error("failed to get stdout pipe", "error", err)
		return &SpawnError{Err: fmt.Errorf("stdout pipe: %w", err)}
	}

	stderr, err := cmd.StderrPipe()
	if err != nil {
		stdin.Close()
		stdout.Close()
		p.log.Error("failed to get stderr pipe", "error", err)
		return &SpawnError{Err: fmt.Errorf("stderr pipe: %w", err)}
	}

	if err := cmd.Start(); err != nil {
		stdin.Close()
		stdout.Close()
		stderr.Close()
		p.log.Error("failed to start process", "error", err)
		return &SpawnError{Err: err}
	}

	p.cmd = cmd
	p.stdin = stdin
	p.stdout = bufio.NewReader(stdout)
	p.stderr = stderr
	p.stderrContent = ""
	p.stderrDone = make(chan struct{})
	p.waitDone = make(chan struct{})
	p.running = true

	// Cancel any previous context to prevent goroutine leaks from prior runs
	if p.cancel != nil {
		p.cancel()
	}
	p.ctx, p.cancel = context.WithCancel(context.Background())

	p.log.Info("agent process started", "elapsed", time.Since(startTime), "pid", cmd.Process.Pid)

	p.wg.Add(3)
	go func() {
		defer p.wg.Done()
		p.readOutput()
	}()
	go func() {
		defer p.wg.Done()
		p.drainStderr()
	}()
	go func() {
		defer p.wg.Done()
		p.monitorExit()
	}()

	return nil
}

// Stop stops the process gracefully, force-killing after StopTimeout.
// Safe to call multiple times — subsequent calls are no-ops.
func (p *Process) Stop() {
	p.mu.Lock()
	wasRunning := p.running

	// Cancel context first to signal goroutines to exit
	if p.cancel != nil {
		p.cancel()
		p.cancel = nil
	}

	if !wasRunning {
		p.mu.Unlock()
		return
	}

	p.log.Debug("stopping agent process")

	// Mark as not running immediately to prevent concurrent Stop() from
	// doing duplicate cleanup
	p.running = false

	// Close stdin to signal EOF to the process
	if p.stdin != nil {
		p.stdin.Close()
		p.stdin = nil
	}

	cmd := p.cmd
	waitDone := p.waitDone
	p.mu.Unlock()

	// Wait for the process to exit using the waitDone channel from
	// monitorExit. monitorExit is the sole caller of cmd.Wait() and
	// signals waitDone when it completes.
	if cmd != nil && cmd.Process != nil && waitDone != nil {
		select {
		case <-waitDone:
			p.log.Debug("process exited gracefully")
		case <-time.After(StopTimeout):
			p.log.Debug("force killing process")
			cmd.Process.Kill()
			<-waitDone
		}
	}

	p.log.Debug("waiting for goroutines to complete")
	p.wg.Wait()
	p.log.Debug("all goroutines completed")

	p.mu.Lock()
	if p.stderr != nil {
		p.stderr.Close()
		p.stderr = nil
	}
	p.cmd = nil
	p.stdout = nil
	p.mu.Unlock()
}

// IsRunning returns whether the process is currently running.
func (p *Process) IsRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// Write writes raw bytes to the process stdin. The transport uses this as
// its outbound writer.
func (p *Process) Write(data []byte) (int, error) {
	p.mu.Lock()
	stdin := p.stdin
	running := p.running
	p.mu.Unlock()

	if !running || stdin == nil {
		return 0, ErrNotRunning
	}

	n, err := stdin.Write(data)
	if err != nil {
		return n, fmt.Errorf("write to agent process: %w", err)
	}
	return n, nil
}

// readOutput continuously reads stdout lines and invokes OnLine.
func (p *Process) readOutput() {
	p.log.Debug("output reader started")

	for {
		select {
		case <-p.ctx.Done():
			p.log.Debug("output reader exiting - context cancelled")
			return
		default:
		}

		p.mu.Lock()
		running := p.running
		reader := p.stdout
		p.mu.Unlock()

		if !running || reader == nil {
			p.log.Debug("output reader exiting - process not running")
			return
		}

		line, err := p.readLine(reader)
		if err != nil {
			select {
			case <-p.ctx.Done():
				p.log.Debug("output reader exiting - context cancelled during read")
				return
			default:
			}

			if err == io.EOF {
				p.log.Debug("EOF on stdout - process exited")
			} else {
				p.log.Debug("error reading stdout", "error", err)
			}
			// Process exit is handled by the monitorExit goroutine
			return
		}

		line = strings.TrimRight(line, "\n")
		if len(line) == 0 {
			continue
		}

		if p.callbacks.OnLine != nil {
			p.callbacks.OnLine(line)
		}
	}
}

// readLine reads a line from the reader, blocking until data is available.
//
// The spawned goroutine doing ReadString() cannot be cancelled (Go's
// blocking I/O limitation). That is acceptable because Stop() closes stdin
// and kills the process, which unblocks the read with EOF. The channel is
// buffered (size 1) so the goroutine can always send its result even after
// this function returns due to cancellation.
func (p *Process) readLine(reader *bufio.Reader) (string, error) {
	resultCh := make(chan readResult, 1)

	go func() {
		line, err := reader.ReadString('\n')
		resultCh <- readResult{line: line, err: err}
	}()

	select {
	case <-p.ctx.Done():
		return "", p.ctx.Err()
	case result := <-resultCh:
		return result.line, result.err
	}
}

// drainStderr reads all stderr content and stores it for the exit report.
// This must run concurrently with the process so stderr is captured before
// cmd.Wait() closes the pipe.
func (p *Process) drainStderr() {
	defer close(p.stderrDone)

	p.mu.Lock()
	stderr := p.stderr
	p.mu.Unlock()

	if stderr == nil {
		return
	}

	stderrBytes, err := io.ReadAll(stderr)
	if err != nil {
		p.log.Debug("error reading stderr", "error", err)
		return
	}
	if len(stderrBytes) > 0 {
		p.mu.Lock()
		p.stderrContent = strings.TrimSpace(string(stderrBytes))
		p.mu.Unlock()
		p.log.Debug("captured stderr", "content", p.stderrContent)
	}
}

// monitorExit waits for the process to exit and reports it. It is the sole
// caller of cmd.Wait() — Stop() coordinates via the waitDone channel.
func (p *Process) monitorExit() {
	p.mu.Lock()
	cmd := p.cmd
	waitDone := p.waitDone
	stderrDone := p.stderrDone
	p.mu.Unlock()

	if cmd == nil {
		if waitDone != nil {
			close(waitDone)
		}
		return
	}

	err := cmd.Wait()
	p.log.Debug("process exited", "error", err)
	if waitDone != nil {
		close(waitDone)
	}

	// Wait for stderr to be fully drained before reporting the exit so the
	// callback sees the complete stderr content.
	if stderrDone != nil {
		<-stderrDone
	}

	code := 0
	if exitErr, ok := err.(*exec.ExitError); ok {
		code = exitErr.ExitCode()
	} else if err != nil {
		code = -1
	}

	p.mu.Lock()
	stderrContent := p.stderrContent
	p.running = false
	p.mu.Unlock()

	if p.callbacks.OnExit != nil {
		p.callbacks.OnExit(code, stderrContent)
	}
}
