package agent

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"
)

const (
	defaultLogDir   = ".fixpool/logs"
	readBufferSize  = 32 * 1024
	stderrTailLines = 20
	eventBuffer     = 64
	killGracePeriod = 5 * time.Second
)

// EventKind identifies a process lifecycle event.
type EventKind string

const (
	EventSpawned EventKind = "spawned"
	EventOutput  EventKind = "output"
	EventError   EventKind = "error"
	EventExit    EventKind = "exit"
)

// ProcessEvent is delivered on a Handle's event channel. For a single
// process the order is Spawned, Output*, Exit; or a lone Error when the
// process never started.
type ProcessEvent struct {
	Kind       EventKind
	PID        int
	Data       []byte
	ExitCode   int
	Err        error
	StderrTail string
}

// LaunchSpec describes a child process.
type LaunchSpec struct {
	ID      string
	Command string
	Args    []string
	Dir     string
	Env     []string
}

// Launcher starts agent processes.
type Launcher interface {
	Launch(ctx context.Context, spec LaunchSpec) (Handle, error)
}

// Handle is a launched process. Events is closed after the final event.
type Handle interface {
	Events() <-chan ProcessEvent
	// Kill requests termination. Safe to call more than once and before
	// the process has started.
	Kill()
	LogFile() string
}

// ExecLauncher runs agents as OS processes in their own process group and
// tees their output into <logDir>/<id>.log.
type ExecLauncher struct {
	logDir string
}

// NewExecLauncher creates a launcher writing logs under logDir.
func NewExecLauncher(logDir string) *ExecLauncher {
	if logDir == "" {
		home, _ := os.UserHomeDir()
		logDir = filepath.Join(home, defaultLogDir)
	}
	if abs, err := filepath.Abs(logDir); err == nil {
		logDir = abs
	}
	os.MkdirAll(logDir, 0755)
	return &ExecLauncher{logDir: logDir}
}

// LogDir returns the directory holding per-agent logs.
func (l *ExecLauncher) LogDir() string {
	return l.logDir
}

// Launch prepares the process and starts it asynchronously. Errors setting
// up pipes or the log file are returned here; a failure to exec is reported
// as an EventError.
func (l *ExecLauncher) Launch(ctx context.Context, spec LaunchSpec) (Handle, error) {
	if spec.Command == "" {
		return nil, errors.New("launch: empty command")
	}

	procCtx, cancel := context.WithCancel(ctx)
	cmd := exec.CommandContext(procCtx, spec.Command, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Env = append(os.Environ(), "NO_COLOR=1")
	cmd.Env = append(cmd.Env, spec.Env...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGTERM)
	}
	cmd.WaitDelay = killGracePeriod

	logPath := filepath.Join(l.logDir, fmt.Sprintf("%s.log", spec.ID))
	logFile, err := os.Create(logPath)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create log file: %w", err)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		logFile.Close()
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		logFile.Close()
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		cancel()
		logFile.Close()
		return nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	h := &execHandle{
		cmd:     cmd,
		cancel:  cancel,
		events:  make(chan ProcessEvent, eventBuffer),
		logPath: logPath,
		log:     &lockedWriter{w: logFile},
	}
	go h.run(logFile, stdin, stdout, stderr)
	return h, nil
}

type execHandle struct {
	cmd     *exec.Cmd
	cancel  context.CancelFunc
	events  chan ProcessEvent
	logPath string
	log     *lockedWriter

	mu         sync.Mutex
	stderrTail []string
}

func (h *execHandle) Events() <-chan ProcessEvent { return h.events }

func (h *execHandle) LogFile() string { return h.logPath }

func (h *execHandle) Kill() { h.cancel() }

func (h *execHandle) run(logFile *os.File, stdin io.WriteCloser, stdout, stderr io.ReadCloser) {
	defer close(h.events)
	defer logFile.Close()
	defer h.cancel()

	if err := h.cmd.Start(); err != nil {
		h.events <- ProcessEvent{Kind: EventError, Err: fmt.Errorf("failed to start %s: %w", h.cmd.Path, err)}
		return
	}
	stdin.Close()
	h.events <- ProcessEvent{Kind: EventSpawned, PID: h.cmd.Process.Pid}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		h.captureStderr(stderr)
	}()

	buf := make([]byte, readBufferSize)
	for {
		n, err := stdout.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			h.log.Write(data)
			h.events <- ProcessEvent{Kind: EventOutput, Data: data}
		}
		if err != nil {
			break
		}
	}
	wg.Wait()

	err := h.cmd.Wait()
	code := 0
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code = exitErr.ExitCode()
		} else {
			code = -1
		}
	}
	h.events <- ProcessEvent{Kind: EventExit, ExitCode: code, Err: err, StderrTail: h.tail()}
}

func (h *execHandle) captureStderr(stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		fmt.Fprintf(h.log, "[stderr] %s\n", line)

		h.mu.Lock()
		h.stderrTail = append(h.stderrTail, line)
		if len(h.stderrTail) > stderrTailLines {
			h.stderrTail = h.stderrTail[len(h.stderrTail)-stderrTailLines:]
		}
		h.mu.Unlock()
	}

	// A line past the buffer limit stops the scanner; keep draining so the
	// child never blocks on a full stderr pipe.
	if err := scanner.Err(); err != nil {
		fmt.Fprintf(h.log, "[stderr] %v, remaining output copied raw\n", err)
		io.Copy(h.log, stderr)
	}
}

func (h *execHandle) tail() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return strings.Join(h.stderrTail, "\n")
}

// lockedWriter serializes stdout and stderr writes into the log file.
type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}
