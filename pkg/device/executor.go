// Package device owns every interaction with the physical device: shell
// commands, UI dumps, taps and text input, all serialized through a Guard.
package device

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"syscall"
	"time"
)

// DefaultCommandTimeout bounds a single shell command.
const DefaultCommandTimeout = 30 * time.Second

// ErrEmptyOutput is returned when a command that must print something printed nothing.
var ErrEmptyOutput = errors.New("device: empty output")

var serialPattern = regexp.MustCompile(`^[a-zA-Z0-9._:\-]+$`)

// ValidateSerial checks an adb serial against injection.
func ValidateSerial(serial string) error {
	if serial == "" {
		return nil
	}
	if len(serial) > 256 {
		return fmt.Errorf("serial too long: %d characters", len(serial))
	}
	if !serialPattern.MatchString(serial) {
		return fmt.Errorf("serial contains invalid characters: %q", serial)
	}
	return nil
}

// Executor runs shell commands on the device.
type Executor interface {
	// Shell runs cmd and returns its trimmed combined output.
	Shell(ctx context.Context, cmd string) (string, error)
	// Start launches cmd as a long-running process with its stdout exposed.
	Start(ctx context.Context, cmd string) (Process, error)
}

// Process is a running capture or streaming command.
type Process interface {
	Stdout() io.Reader
	// Terminate asks the process to exit.
	Terminate() error
	// Kill force-stops the process.
	Kill() error
	// Wait blocks until the process exits.
	Wait() error
}

// AdbExecutor drives a device through "adb -s <serial> shell".
type AdbExecutor struct {
	AdbPath string
	Serial  string
	Timeout time.Duration
}

// NewAdbExecutor validates the serial and returns an executor.
func NewAdbExecutor(adbPath, serial string) (*AdbExecutor, error) {
	if err := ValidateSerial(serial); err != nil {
		return nil, fmt.Errorf("invalid device serial: %w", err)
	}
	if adbPath == "" {
		adbPath = "adb"
	}
	return &AdbExecutor{AdbPath: adbPath, Serial: serial, Timeout: DefaultCommandTimeout}, nil
}

func (e *AdbExecutor) args(cmd string) []string {
	var args []string
	if e.Serial != "" {
		args = append(args, "-s", e.Serial)
	}
	return append(args, "shell", cmd)
}

// Shell implements Executor.
func (e *AdbExecutor) Shell(ctx context.Context, cmd string) (string, error) {
	cmd = strings.TrimSpace(cmd)
	if cmd == "" {
		return "", nil
	}
	ctx, cancel := withDefaultTimeout(ctx, e.Timeout)
	defer cancel()
	return run(newCommand(ctx, e.AdbPath, e.args(cmd)...))
}

// Start implements Executor.
func (e *AdbExecutor) Start(ctx context.Context, cmd string) (Process, error) {
	return start(newCommand(ctx, e.AdbPath, e.args(cmd)...))
}

// LocalExecutor runs commands with "sh -c" on the host itself, for agents
// deployed on the device (Termux).
type LocalExecutor struct {
	Interpreter string
	Timeout     time.Duration
}

// NewLocalExecutor returns an executor using /system/bin/sh when present, sh otherwise.
func NewLocalExecutor() *LocalExecutor {
	sh := "sh"
	if _, err := os.Stat("/system/bin/sh"); err == nil {
		sh = "/system/bin/sh"
	}
	return &LocalExecutor{Interpreter: sh, Timeout: DefaultCommandTimeout}
}

// Shell implements Executor.
func (e *LocalExecutor) Shell(ctx context.Context, cmd string) (string, error) {
	cmd = strings.TrimSpace(cmd)
	if cmd == "" {
		return "", nil
	}
	ctx, cancel := withDefaultTimeout(ctx, e.Timeout)
	defer cancel()
	return run(newCommand(ctx, e.Interpreter, "-c", cmd))
}

// Start implements Executor.
func (e *LocalExecutor) Start(ctx context.Context, cmd string) (Process, error) {
	return start(newCommand(ctx, e.Interpreter, "-c", cmd))
}

func withDefaultTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok || d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

// newCommand creates an exec.Cmd with proxy variables removed from the environment.
func newCommand(ctx context.Context, name string, args ...string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, name, args...)

	proxyVars := []string{"HTTP_PROXY", "HTTPS_PROXY", "ALL_PROXY", "NO_PROXY", "http_proxy", "https_proxy", "all_proxy", "no_proxy"}
	env := os.Environ()
	clean := make([]string, 0, len(env))
	for _, e := range env {
		isProxy := false
		for _, v := range proxyVars {
			if strings.HasPrefix(e, v+"=") {
				isProxy = true
				break
			}
		}
		if !isProxy {
			clean = append(clean, e)
		}
	}
	cmd.Env = clean
	return cmd
}

func run(cmd *exec.Cmd) (string, error) {
	output, err := cmd.CombinedOutput()
	res := string(output)
	if err != nil {
		return res, fmt.Errorf("command failed: %w, output: %s", err, strings.TrimSpace(res))
	}
	return strings.TrimSpace(res), nil
}

type execProcess struct {
	cmd    *exec.Cmd
	stdout io.Reader
	stderr *bytes.Buffer
}

func start(cmd *exec.Cmd) (Process, error) {
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr := &bytes.Buffer{}
	cmd.Stderr = stderr
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", cmd.Path, err)
	}
	return &execProcess{cmd: cmd, stdout: stdout, stderr: stderr}, nil
}

func (p *execProcess) Stdout() io.Reader { return p.stdout }

func (p *execProcess) Terminate() error {
	if p.cmd.Process == nil {
		return nil
	}
	return p.cmd.Process.Signal(syscall.SIGTERM)
}

func (p *execProcess) Kill() error {
	if p.cmd.Process == nil {
		return nil
	}
	return p.cmd.Process.Kill()
}

func (p *execProcess) Wait() error {
	err := p.cmd.Wait()
	if err != nil && p.stderr.Len() > 0 {
		return fmt.Errorf("%w: %s", err, strings.TrimSpace(p.stderr.String()))
	}
	return err
}
