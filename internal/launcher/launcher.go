// Package launcher starts one agent CLI process per turn with its output
// streams wired for incremental reads.
package launcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	defaultCommand     = "copilot"
	defaultGracePeriod = 5 * time.Second

	// Exit statuses a POSIX shell uses when it cannot run the command.
	shellExitNotExecutable = 126
	shellExitNotFound      = 127
)

// Config controls how the agent CLI is invoked.
type Config struct {
	Command     string   // executable name or path; defaults to "copilot"
	PromptFlag  string   // flag preceding the prompt; empty passes it positionally
	ModelFlag   string   // flag preceding the model id; empty omits the model
	ResumeFlag  string   // flag preceding a continuation id; empty disables resume
	StreamArgs  []string // flags requesting incremental, colorless output
	ExtraArgs   []string
	Env         []string // extra KEY=VALUE entries on top of the server environment
	UseShell    bool     // run through sh -c instead of an argument vector
	GracePeriod time.Duration
}

// Request describes one turn's invocation.
type Request struct {
	Prompt   string
	WorkDir  string
	Model    string
	ResumeID string
}

// Launcher starts agent processes.
type Launcher struct {
	cfg      Config
	logger   *zap.Logger
	lookPath func(string) (string, error)
}

// New creates a Launcher, filling in defaults for empty fields.
func New(cfg Config, logger *zap.Logger) *Launcher {
	if cfg.Command == "" {
		cfg.Command = defaultCommand
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = defaultGracePeriod
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Launcher{
		cfg:      cfg,
		logger:   logger.With(zap.String("component", "launcher")),
		lookPath: exec.LookPath,
	}
}

// Args returns the argument vector (excluding the executable) for req.
func (l *Launcher) Args(req Request) []string {
	args := make([]string, 0, len(l.cfg.ExtraArgs)+len(l.cfg.StreamArgs)+6)
	args = append(args, l.cfg.ExtraArgs...)
	args = append(args, l.cfg.StreamArgs...)
	if l.cfg.ModelFlag != "" && req.Model != "" {
		args = append(args, l.cfg.ModelFlag, req.Model)
	}
	if l.cfg.ResumeFlag != "" && req.ResumeID != "" {
		args = append(args, l.cfg.ResumeFlag, req.ResumeID)
	}
	if l.cfg.PromptFlag != "" {
		args = append(args, l.cfg.PromptFlag)
	}
	return append(args, req.Prompt)
}

// ResumeSupported reports whether continuation ids are fed back to the agent.
func (l *Launcher) ResumeSupported() bool {
	return l.cfg.ResumeFlag != ""
}

// ShellCommand renders the sh -c command line for binary and args.
func ShellCommand(binary string, args []string) string {
	quoted := make([]string, 0, len(args)+1)
	quoted = append(quoted, ShellQuote(binary))
	for _, a := range args {
		quoted = append(quoted, ShellQuote(a))
	}
	return strings.Join(quoted, " ")
}

// Start launches the agent for req. It returns an *EscapeError for prompts
// that cannot be delivered and a *LaunchError when the working directory or
// executable is unusable. The caller owns the returned Handle and should
// drain both streams; they end once the process has been reaped.
func (l *Launcher) Start(ctx context.Context, req Request) (*Handle, error) {
	if err := ValidatePrompt(req.Prompt); err != nil {
		return nil, err
	}

	info, err := os.Stat(req.WorkDir)
	if err != nil {
		return nil, &LaunchError{Op: "workdir", Path: req.WorkDir, Err: err}
	}
	if !info.IsDir() {
		return nil, &LaunchError{Op: "workdir", Path: req.WorkDir, Err: fmt.Errorf("not a directory")}
	}

	binary, err := l.lookPath(l.cfg.Command)
	if err != nil {
		return nil, &LaunchError{Op: "lookup", Path: l.cfg.Command, Err: err}
	}

	ctx, cancel := context.WithCancel(ctx)
	args := l.Args(req)

	var cmd *exec.Cmd
	if l.cfg.UseShell {
		cmd = exec.CommandContext(ctx, "/bin/sh", "-c", ShellCommand(binary, args))
	} else {
		cmd = exec.CommandContext(ctx, binary, args...)
	}
	cmd.Dir = req.WorkDir
	cmd.Env = append(os.Environ(), "NO_COLOR=1", "TERM=dumb")
	cmd.Env = append(cmd.Env, l.cfg.Env...)

	setProcessGroup(cmd)
	cmd.Cancel = func() error {
		return interruptGroup(cmd.Process)
	}
	cmd.WaitDelay = l.cfg.GracePeriod

	// With in-memory pipes cmd.Wait returns at most WaitDelay after the agent
	// exits, even if a descendant still holds its output open.
	stdoutR, stdoutW := io.Pipe()
	stderrR, stderrW := io.Pipe()
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	if err := cmd.Start(); err != nil {
		cancel()
		stdoutW.Close()
		stderrW.Close()
		return nil, &LaunchError{Op: "start", Path: binary, Err: err}
	}

	h := &Handle{
		PID:     cmd.Process.Pid,
		cmd:     cmd,
		cancel:  cancel,
		stdout:  stdoutR,
		stderr:  stderrR,
		stdoutW: stdoutW,
		stderrW: stderrW,
		grace:   l.cfg.GracePeriod,
		shell:   l.cfg.UseShell,
		exited:  make(chan struct{}),
		binary:  binary,
		logger:  l.logger,
	}
	go h.reap()

	l.logger.Debug("agent started",
		zap.Int("pid", h.PID),
		zap.String("binary", binary),
		zap.String("workdir", req.WorkDir),
		zap.String("model", req.Model),
		zap.Bool("shell", l.cfg.UseShell))

	return h, nil
}

// Handle is a running agent process and its two output streams.
type Handle struct {
	PID int

	cmd     *exec.Cmd
	cancel  context.CancelFunc
	stdout  *io.PipeReader
	stderr  *io.PipeReader
	stdoutW *io.PipeWriter
	stderrW *io.PipeWriter
	grace   time.Duration
	shell   bool
	binary  string
	logger  *zap.Logger

	terminateOnce sync.Once
	exitCode      int
	waitErr       error
	exited        chan struct{}
}

// Stdout returns the process standard output. Stdout and Stderr are
// unbuffered and must be read concurrently.
func (h *Handle) Stdout() io.Reader { return h.stdout }

// Stderr returns the process standard error.
func (h *Handle) Stderr() io.Reader { return h.stderr }

// Exited returns a channel closed once the process has been reaped.
func (h *Handle) Exited() <-chan struct{} { return h.exited }

// reap waits for the agent, kills whatever it left running in its process
// group and then ends both output streams.
func (h *Handle) reap() {
	err := h.cmd.Wait()
	h.cancel()

	if h.cmd.ProcessState == nil {
		h.exitCode = -1
		h.waitErr = fmt.Errorf("launcher: wait: %w", err)
	} else {
		h.exitCode = h.cmd.ProcessState.ExitCode()
		if errors.Is(err, exec.ErrWaitDelay) {
			h.logger.Debug("agent left output open after exit", zap.Int("pid", h.PID))
		}
		// The group outlives its leader while descendants remain.
		killGroup(h.cmd.Process)
	}

	if h.shell && (h.exitCode == shellExitNotFound || h.exitCode == shellExitNotExecutable) {
		h.waitErr = &LaunchError{Op: "exec", Path: h.binary, Err: fmt.Errorf("shell exit status %d", h.exitCode)}
	}

	h.stdoutW.Close()
	h.stderrW.Close()
	close(h.exited)
}

// Wait blocks until the process has been reaped and returns its exit code. A
// non-zero exit is not an error; the error is non-nil only when the process
// could not be waited on, or when the shell wrapper reports the agent could
// not be executed. Wait may be called before or after the streams are drained.
func (h *Handle) Wait() (int, error) {
	<-h.exited
	return h.exitCode, h.waitErr
}

// Terminate asks the process group to stop with SIGTERM and escalates to
// SIGKILL if it is still running after the grace period. It does not wait.
func (h *Handle) Terminate() {
	h.terminateOnce.Do(func() {
		h.cancel()
		go func() {
			timer := time.NewTimer(h.grace)
			defer timer.Stop()
			select {
			case <-h.exited:
			case <-timer.C:
				h.logger.Warn("agent ignored SIGTERM, killing process group", zap.Int("pid", h.PID))
				killGroup(h.cmd.Process)
			}
		}()
	})
}
