// Package runner executes a rule's command and reports how it went.
//
// It is deliberately free of logging and events: the engine owns
// observability, the runner owns process mechanics.
package runner

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"time"
)

var ErrEmptyCommand = errors.New("runner: empty command")

// DefaultOutputLimit bounds the captured combined output per run.
const DefaultOutputLimit = 32 << 10

// Spec describes a single command invocation. Zero Timeout means no limit;
// Env entries are appended to the daemon's environment.
type Spec struct {
	Command     []string
	Dir         string
	Env         []string
	Timeout     time.Duration
	OutputLimit int
}

// Result is the outcome of one run. ExitCode is -1 when the process was
// killed or never started. Output holds the tail of combined stdout+stderr.
type Result struct {
	Start     time.Time
	Duration  time.Duration
	ExitCode  int
	Output    []byte
	Truncated bool
	Err       error
}

// Ok reports whether the run completed with exit status 0.
func (r Result) Ok() bool { return r.Err == nil }

// Run executes spec.Command and waits for it to finish. The context kills
// the process when it ends; the caller sees ctx.Err() as the result error so
// a superseded or shutting-down run is distinguishable from a real failure.
func Run(ctx context.Context, spec Spec) Result {
	res := Result{Start: time.Now(), ExitCode: -1}
	if len(spec.Command) == 0 || spec.Command[0] == "" {
		res.Err = ErrEmptyCommand
		return res
	}

	runCtx := ctx
	var cancel context.CancelFunc
	if spec.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, spec.Timeout)
		defer cancel()
	}

	limit := spec.OutputLimit
	if limit <= 0 {
		limit = DefaultOutputLimit
	}
	// os/exec serializes writes when stdout and stderr share one writer,
	// so the tail buffer needs no locking.
	tail := &tailBuffer{max: limit}

	cmd := exec.CommandContext(runCtx, spec.Command[0], spec.Command[1:]...)
	cmd.Dir = spec.Dir
	if len(spec.Env) > 0 {
		cmd.Env = append(os.Environ(), spec.Env...)
	}
	cmd.Stdout = tail
	cmd.Stderr = tail
	// Don't let Wait hang on pipes inherited by grandchildren after the kill.
	cmd.WaitDelay = 10 * time.Second

	err := cmd.Run()
	res.Duration = time.Since(res.Start)
	res.Output = tail.Bytes()
	res.Truncated = tail.dropped > 0
	if cmd.ProcessState != nil {
		res.ExitCode = cmd.ProcessState.ExitCode()
	} else if err == nil {
		res.ExitCode = 0
	}

	switch {
	case err == nil:
	case ctx.Err() != nil:
		// Caller cancellation wins over whatever the kill made exec report.
		res.Err = ctx.Err()
	case runCtx.Err() == context.DeadlineExceeded:
		res.Err = fmt.Errorf("timed out after %s", spec.Timeout)
	default:
		res.Err = err
	}
	return res
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	max     int
	buf     []byte
	dropped int64
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	n := len(p)
	if n >= b.max {
		b.dropped += int64(len(b.buf)) + int64(n-b.max)
		b.buf = append(b.buf[:0], p[n-b.max:]...)
		return n, nil
	}
	if over := len(b.buf) + n - b.max; over > 0 {
		b.dropped += int64(over)
		b.buf = append(b.buf[:0], b.buf[over:]...)
	}
	b.buf = append(b.buf, p...)
	return n, nil
}

func (b *tailBuffer) Bytes() []byte { return b.buf }
