// Package hook runs the external executables which stage data in and out of burst buffers and
// which report the state of the burst buffer system.
package hook

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/armadaproject/burstbuffer/internal/common/armadacontext"
)

// Names of the configured hooks, used in logs and errors.
const (
	StartStageIn  = "StartStageIn"
	StartStageOut = "StartStageOut"
	StopStageIn   = "StopStageIn"
	StopStageOut  = "StopStageOut"
	GetSysState   = "GetSysState"
)

const DefaultMaxOutputBytes = 1024 * 1024

// ErrNotConfigured is returned when a hook is invoked without a command path.
var ErrNotConfigured = errors.New("hook not configured")

// ErrTimeout is returned when a hook does not exit within its maximum wait.
type ErrTimeout struct {
	Hook    string
	MaxWait time.Duration
}

func (err *ErrTimeout) Error() string {
	return fmt.Sprintf("%s did not complete within %s", err.Hook, err.MaxWait)
}

// ErrExitStatus is returned when a hook exits with a non-zero status.
type ErrExitStatus struct {
	Hook   string
	Status int
	Output string
}

func (err *ErrExitStatus) Error() string {
	return fmt.Sprintf("%s exited with status %d: %s", err.Hook, err.Status, strings.TrimSpace(err.Output))
}

// ErrOutputParse is returned when a hook succeeds but its output can't be understood.
type ErrOutputParse struct {
	Hook    string
	Line    int
	Message string
}

func (err *ErrOutputParse) Error() string {
	return fmt.Sprintf("%s output line %d: %s", err.Hook, err.Line, err.Message)
}

// Result is the outcome of running a hook.
type Result struct {
	// Standard output of the hook, truncated to the runner's output limit.
	Output string
	// True if Output was truncated.
	Truncated  bool
	ExitStatus int
	TimedOut   bool
	Duration   time.Duration
}

// Runner executes hooks. Runners hold no locks and are safe for concurrent use.
type Runner struct {
	// Maximum number of bytes of standard output (and, separately, standard error) retained.
	MaxOutputBytes int
}

func NewRunner(maxOutputBytes int) *Runner {
	if maxOutputBytes <= 0 {
		maxOutputBytes = DefaultMaxOutputBytes
	}
	return &Runner{MaxOutputBytes: maxOutputBytes}
}

// Run executes the command at path with argv, waiting at most maxWait for it to exit.
// On timeout an *ErrTimeout is returned, on non-zero exit an *ErrExitStatus; in both cases the
// result is also returned.
func (r *Runner) Run(ctx *armadacontext.Context, name string, path string, argv []string, maxWait time.Duration) (*Result, error) {
	if path == "" {
		return nil, errors.WithMessagef(ErrNotConfigured, "%s", name)
	}
	ctx = armadacontext.WithLogFields(ctx, logrus.Fields{
		"hook":         name,
		"invocationId": uuid.NewString(),
	})
	runCtx, cancel := armadacontext.WithTimeout(ctx, maxWait)
	defer cancel()

	stdout := &limitedBuffer{limit: r.MaxOutputBytes}
	stderr := &limitedBuffer{limit: r.MaxOutputBytes}
	cmd := exec.CommandContext(runCtx, path, argv...)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	// Don't wait forever on output pipes held open by children of a killed hook.
	cmd.WaitDelay = time.Second

	ctx.Log.Debugf("running %s %s", path, strings.Join(argv, " "))
	start := time.Now()
	err := cmd.Run()
	result := &Result{
		Output:     stdout.String(),
		Truncated:  stdout.truncated,
		ExitStatus: cmd.ProcessState.ExitCode(),
		Duration:   time.Since(start),
	}
	if stdout.truncated {
		ctx.Log.Warnf("%s output truncated to %d bytes", name, r.MaxOutputBytes)
	}

	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		result.TimedOut = true
		ctx.Log.Errorf("%s timed out after %s", name, maxWait)
		return result, &ErrTimeout{Hook: name, MaxWait: maxWait}
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			ctx.Log.Errorf("%s exited with status %d: %s", name, result.ExitStatus, strings.TrimSpace(stderr.String()))
			return result, &ErrExitStatus{Hook: name, Status: result.ExitStatus, Output: stderr.String()}
		}
		if ctx.Err() != nil {
			return result, errors.WithStack(ctx.Err())
		}
		return result, errors.Wrapf(err, "unable to run %s", name)
	}
	ctx.Log.Debugf("%s completed in %s", name, result.Duration)
	return result, nil
}

// limitedBuffer keeps the first limit bytes written to it and silently discards the rest.
type limitedBuffer struct {
	buf       bytes.Buffer
	limit     int
	truncated bool
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	remaining := b.limit - b.buf.Len()
	if remaining <= 0 {
		b.truncated = b.truncated || len(p) > 0
		return len(p), nil
	}
	if len(p) > remaining {
		b.buf.Write(p[:remaining])
		b.truncated = true
		return len(p), nil
	}
	b.buf.Write(p)
	return len(p), nil
}

func (b *limitedBuffer) String() string {
	return b.buf.String()
}
