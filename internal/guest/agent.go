// Package guest implements the agent that runs as PID 1 inside a Firecracker
// microVM. It accepts one task per vsock connection, runs the command and
// streams its output back to the host line by line.
package guest

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/seantiz/forge/internal/backend"
	fc "github.com/seantiz/forge/internal/backend/firecracker"
)

// killGrace is how long a killed task's pipes may stay open before Wait gives up.
const killGrace = 2 * time.Second

// Agent handles vsock connections and executes tasks.
type Agent struct {
	listener net.Listener
	workDir  string
}

// New creates a guest agent. workDir is used for requests that do not name one.
func New(listener net.Listener, workDir string) *Agent {
	return &Agent{
		listener: listener,
		workDir:  workDir,
	}
}

// Serve accepts connections until the listener is closed.
func (a *Agent) Serve() error {
	for {
		conn, err := a.listener.Accept()
		if err != nil {
			return fmt.Errorf("accept: %w", err)
		}
		go a.handleConnection(conn)
	}
}

// handleConnection runs the single task request read from conn.
func (a *Agent) handleConnection(conn net.Conn) {
	defer conn.Close()

	var req fc.GuestRequest
	if err := fc.ReadMessage(conn, &req); err != nil {
		log.Printf("read request: %v", err)
		sendResult(conn, nil, fc.GuestResponse{ExitCode: -1, Error: fmt.Sprintf("read request: %v", err)})
		return
	}

	var writeMu sync.Mutex
	resp := a.runTask(conn, &writeMu, &req)
	sendResult(conn, &writeMu, resp)
}

// runTask executes req, sending every output line to conn as it is produced.
func (a *Agent) runTask(conn net.Conn, writeMu *sync.Mutex, req *fc.GuestRequest) fc.GuestResponse {
	if len(req.Argv) == 0 || req.Argv[0] == "" {
		return fc.GuestResponse{ExitCode: -1, Error: "empty command"}
	}

	workDir := req.WorkDir
	if workDir == "" {
		workDir = a.workDir
	}
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return fc.GuestResponse{ExitCode: -1, Error: fmt.Sprintf("create work dir: %v", err)}
	}

	ctx := context.Background()
	if req.TimeoutS > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(req.TimeoutS)*time.Second)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, req.Argv[0], req.Argv[1:]...)
	cmd.Dir = workDir
	cmd.Env = append(os.Environ(), req.Env...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if err := syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL); err != nil {
			return cmd.Process.Kill()
		}
		return nil
	}
	cmd.WaitDelay = killGrace

	stdout := backend.NewStreamWriter(lineSender(conn, writeMu, fc.StreamStdout))
	stderr := backend.NewStreamWriter(lineSender(conn, writeMu, fc.StreamStderr))
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	runErr := cmd.Run()
	stdout.Flush()
	stderr.Flush()

	resp := fc.GuestResponse{Stdout: stdout.String(), Stderr: stderr.String()}
	var exitErr *exec.ExitError
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		resp.ExitCode = -1
		resp.TimedOut = true
		resp.Error = fmt.Sprintf("task killed: timeout after %ds", req.TimeoutS)
	case runErr == nil:
	case errors.As(runErr, &exitErr):
		resp.ExitCode = exitErr.ExitCode()
	case errors.Is(runErr, exec.ErrWaitDelay) && cmd.ProcessState != nil:
		resp.ExitCode = cmd.ProcessState.ExitCode()
	default:
		resp.ExitCode = -1
		resp.Error = fmt.Sprintf("start %q: %v", req.Argv[0], runErr)
	}

	log.Printf("task %s exited with code %d", req.TaskID, resp.ExitCode)
	return resp
}

// lineSender returns a callback that forwards one output line as a log message.
func lineSender(conn net.Conn, mu *sync.Mutex, stream string) func(string) {
	return func(line string) {
		msg := fc.GuestMessage{Type: fc.MsgTypeLog, Stream: stream, Line: line}
		mu.Lock()
		err := fc.WriteMessage(conn, &msg)
		mu.Unlock()
		if err != nil {
			log.Printf("write log line: %v", err)
		}
	}
}

// sendResult sends the final GuestResponse wrapped in a GuestMessage.
func sendResult(conn net.Conn, mu *sync.Mutex, resp fc.GuestResponse) {
	msg := fc.GuestMessage{Type: fc.MsgTypeResult, Response: &resp}
	if mu != nil {
		mu.Lock()
		defer mu.Unlock()
	}
	if err := fc.WriteMessage(conn, &msg); err != nil {
		log.Printf("write result: %v", err)
	}
}
