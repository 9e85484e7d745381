package stage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"
	"unicode/utf8"
)

// DefaultOutputLimit caps combined stdout and stderr per stage invocation.
const DefaultOutputLimit = 10 << 20

var ErrOutputLimit = errors.New("stage output exceeded limit")

type Invocation struct {
	Name    string
	Program string
	Args    []string
	Dir     string
}

type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration
}

// Runner executes one external stage program and reports what it printed.
type Runner interface {
	Run(ctx context.Context, inv Invocation) (Result, error)
}

// Error is returned when a stage exits non-zero or cannot be started.
type Error struct {
	Stage    string
	ExitCode int
	Stderr   string
	Err      error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("stage %s failed", e.Stage)
	if e.ExitCode != 0 {
		msg += fmt.Sprintf(" (exit code %d)", e.ExitCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if tail := strings.TrimSpace(e.Stderr); tail != "" {
		msg += ": " + tailRunes(tail, 2000)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

type ExecRunner struct {
	limit int
}

func NewExecRunner(limit int) *ExecRunner {
	if limit <= 0 {
		limit = DefaultOutputLimit
	}
	return &ExecRunner{limit: limit}
}

func (r *ExecRunner) Run(ctx context.Context, inv Invocation) (Result, error) {
	start := time.Now()
	shared := &budget{remaining: r.limit}
	stdout := &limitedBuffer{budget: shared}
	stderr := &limitedBuffer{budget: shared}

	cmd := exec.CommandContext(ctx, inv.Program, inv.Args...)
	cmd.Dir = inv.Dir
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.WaitDelay = 5 * time.Second

	err := cmd.Run()
	res := Result{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}
	if cmd.ProcessState != nil {
		res.ExitCode = cmd.ProcessState.ExitCode()
	}

	if shared.exceeded() {
		return res, &Error{Stage: inv.Name, ExitCode: res.ExitCode, Err: fmt.Errorf("%w (%d bytes)", ErrOutputLimit, r.limit)}
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return res, &Error{Stage: inv.Name, ExitCode: res.ExitCode, Stderr: res.Stderr, Err: ctxErr}
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return res, &Error{Stage: inv.Name, ExitCode: res.ExitCode, Stderr: res.Stderr}
		}
		return res, &Error{Stage: inv.Name, ExitCode: res.ExitCode, Stderr: res.Stderr, Err: err}
	}
	return res, nil
}

type budget struct {
	mu        sync.Mutex
	remaining int
	over      bool
}

func (b *budget) take(n int) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if n > b.remaining {
		b.over = true
		n = b.remaining
	}
	b.remaining -= n
	return n
}

func (b *budget) exceeded() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.over
}

// limitedBuffer keeps at most the shared budget and silently drops the rest, so the child
// never blocks on a full pipe.
type limitedBuffer struct {
	mu     sync.Mutex
	buf    bytes.Buffer
	budget *budget
}

func (w *limitedBuffer) Write(p []byte) (int, error) {
	keep := w.budget.take(len(p))
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf.Write(p[:keep])
	return len(p), nil
}

// String returns the captured text as valid UTF-8 without NUL bytes.
func (w *limitedBuffer) String() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return strings.ReplaceAll(strings.ToValidUTF8(w.buf.String(), "\uFFFD"), "\x00", "")
}

// tailRunes keeps roughly the last max bytes of s without splitting a character.
func tailRunes(s string, max int) string {
	s = strings.ToValidUTF8(s, "\uFFFD")
	if len(s) <= max {
		return s
	}
	cut := len(s) - max
	for cut < len(s) && !utf8.RuneStart(s[cut]) {
		cut++
	}
	return s[cut:]
}
