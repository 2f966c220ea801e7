// Package devicetest provides scripted device.Executor fakes for tests.
package devicetest

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"sync/atomic"

	"Relay/pkg/device"
)

type rule struct {
	prefix  string
	outputs []string
	err     error
	used    int
}

// Executor answers shell commands from rules matched by prefix. Rules
// registered later take precedence. Each rule returns its outputs in order
// and then keeps repeating the last one. Unmatched commands return "".
type Executor struct {
	mu       sync.Mutex
	rules    []*rule
	calls    []string
	starts   []string
	procs    []device.Process
	startErr error

	active    atomic.Int32
	maxActive atomic.Int32

	// OnShell, when set, is invoked for every command before rules apply.
	OnShell func(cmd string)
}

// NewExecutor returns an Executor with no rules.
func NewExecutor() *Executor { return &Executor{} }

// On registers outputs for commands starting with prefix.
func (e *Executor) On(prefix string, outputs ...string) *Executor {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rules = append(e.rules, &rule{prefix: prefix, outputs: outputs})
	return e
}

// Fail makes commands starting with prefix return err.
func (e *Executor) Fail(prefix string, err error) *Executor {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rules = append(e.rules, &rule{prefix: prefix, err: err})
	return e
}

// Dumps scripts successive uiautomator snapshots.
func (e *Executor) Dumps(xml ...string) *Executor {
	return e.On("uiautomator dump", xml...)
}

// Processes queues processes returned by Start, in order.
func (e *Executor) Processes(p ...device.Process) *Executor {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.procs = append(e.procs, p...)
	return e
}

// FailStart makes Start return err.
func (e *Executor) FailStart(err error) *Executor {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.startErr = err
	return e
}

// Shell implements device.Executor.
func (e *Executor) Shell(ctx context.Context, cmd string) (string, error) {
	n := e.active.Add(1)
	defer e.active.Add(-1)
	for {
		m := e.maxActive.Load()
		if n <= m || e.maxActive.CompareAndSwap(m, n) {
			break
		}
	}
	if e.OnShell != nil {
		e.OnShell(cmd)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls = append(e.calls, cmd)
	if err := ctx.Err(); err != nil {
		return "", err
	}
	for i := len(e.rules) - 1; i >= 0; i-- {
		r := e.rules[i]
		if !strings.HasPrefix(cmd, r.prefix) {
			continue
		}
		if r.err != nil {
			return "", r.err
		}
		if len(r.outputs) == 0 {
			return "", nil
		}
		idx := r.used
		if idx >= len(r.outputs) {
			idx = len(r.outputs) - 1
		}
		r.used++
		return r.outputs[idx], nil
	}
	return "", nil
}

// Start implements device.Executor.
func (e *Executor) Start(ctx context.Context, cmd string) (device.Process, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.starts = append(e.starts, cmd)
	if e.startErr != nil {
		return nil, e.startErr
	}
	if len(e.procs) == 0 {
		return nil, errors.New("devicetest: no process queued")
	}
	p := e.procs[0]
	e.procs = e.procs[1:]
	return p, nil
}

// Calls returns every shell command received so far.
func (e *Executor) Calls() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.calls...)
}

// Starts returns every command passed to Start.
func (e *Executor) Starts() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.starts...)
}

// Count returns how many shell commands started with prefix.
func (e *Executor) Count(prefix string) int {
	n := 0
	for _, c := range e.Calls() {
		if strings.HasPrefix(c, prefix) {
			n++
		}
	}
	return n
}

// MaxConcurrent returns the highest number of overlapping Shell calls seen.
func (e *Executor) MaxConcurrent() int { return int(e.maxActive.Load()) }

// Process is an in-memory device.Process backed by a pipe.
type Process struct {
	r    *io.PipeReader
	w    *io.PipeWriter
	done chan struct{}
	once sync.Once

	// IgnoreTerminate simulates a wedged process that only dies on Kill.
	IgnoreTerminate bool

	terminated atomic.Bool
	killed     atomic.Bool
}

// NewProcess returns a running fake process.
func NewProcess() *Process {
	r, w := io.Pipe()
	return &Process{r: r, w: w, done: make(chan struct{})}
}

// Write feeds bytes to the process stdout.
func (p *Process) Write(b []byte) (int, error) { return p.w.Write(b) }

// Exit ends the process as if it finished on its own.
func (p *Process) Exit() {
	p.once.Do(func() {
		p.w.Close()
		close(p.done)
	})
}

func (p *Process) Stdout() io.Reader { return p.r }

func (p *Process) Terminate() error {
	p.terminated.Store(true)
	if !p.IgnoreTerminate {
		p.Exit()
	}
	return nil
}

func (p *Process) Kill() error {
	p.killed.Store(true)
	p.Exit()
	return nil
}

func (p *Process) Wait() error {
	<-p.done
	return nil
}

// Terminated reports whether Terminate was called.
func (p *Process) Terminated() bool { return p.terminated.Load() }

// Killed reports whether Kill was called.
func (p *Process) Killed() bool { return p.killed.Load() }
