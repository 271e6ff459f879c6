package burstbuffer

import (
	"fmt"
	"strconv"
	"time"

	"github.com/armadaproject/burstbuffer/internal/burstbuffer/bbconfig"
	"github.com/armadaproject/burstbuffer/internal/burstbuffer/hook"
	"github.com/armadaproject/burstbuffer/internal/burstbuffer/lifecycle"
	"github.com/armadaproject/burstbuffer/internal/burstbuffer/state"
	"github.com/armadaproject/burstbuffer/internal/burstbuffer/store"
	"github.com/armadaproject/burstbuffer/internal/common/armadacontext"
	"github.com/armadaproject/burstbuffer/internal/common/armadaerrors"
)

// direction describes one way of moving data between a job and its burst buffer.
type direction struct {
	hook     string
	start    lifecycle.Event
	complete lifecycle.Event
	staging  lifecycle.State
	path     func(c *bbconfig.Config) string
	timeout  func(c *bbconfig.Config) time.Duration
}

var (
	stageIn = direction{
		hook:     hook.StartStageIn,
		start:    lifecycle.EventStageIn,
		complete: lifecycle.EventStageInComplete,
		staging:  lifecycle.StagingIn,
		path:     func(c *bbconfig.Config) string { return c.StartStageIn },
		timeout:  (*bbconfig.Config).StageInTimeoutDuration,
	}
	stageOut = direction{
		hook:     hook.StartStageOut,
		start:    lifecycle.EventStageOut,
		complete: lifecycle.EventStageOutComplete,
		staging:  lifecycle.StagingOut,
		path:     func(c *bbconfig.Config) string { return c.StartStageOut },
		timeout:  (*bbconfig.Config).StageOutTimeoutDuration,
	}
)

// Stager moves data into and out of job burst buffers by running the configured staging hooks.
// Hooks are run without holding the state lock.
type Stager struct {
	runtime *state.Runtime
	runner  *hook.Runner
	// Maximum time to wait for a hook when no stage timeout is configured.
	defaultMaxWait time.Duration
}

func NewStager(runtime *state.Runtime, runner *hook.Runner, defaultMaxWait time.Duration) *Stager {
	return &Stager{
		runtime:        runtime,
		runner:         runner,
		defaultMaxWait: defaultMaxWait,
	}
}

// StageIn runs StartStageIn for a job's buffer, leaving it StagedIn on success and Failed if the
// hook fails or times out.
func (s *Stager) StageIn(ctx *armadacontext.Context, jobId, userId uint32) error {
	return s.stage(ctx, stageIn, jobId, userId)
}

// StageOut runs StartStageOut for a job's buffer, leaving it StagedOut on success and Failed if
// the hook fails or times out.
func (s *Stager) StageOut(ctx *armadacontext.Context, jobId, userId uint32) error {
	return s.stage(ctx, stageOut, jobId, userId)
}

func (s *Stager) stage(ctx *armadacontext.Context, d direction, jobId, userId uint32) error {
	ctx = armadacontext.WithJob(ctx, jobId, userId)

	var path string
	var argv []string
	var maxWait time.Duration
	err := s.runtime.Update(func(txn *state.Txn) error {
		a := txn.FindJob(jobId, userId)
		if a == nil {
			return &armadaerrors.ErrNotFound{Type: "burst buffer", Value: fmt.Sprintf("job %d", jobId)}
		}
		config := txn.Config()
		path = d.path(config)
		if path == "" {
			// Nothing to move; pass straight through the staging state.
			if err := txn.Transition(a, d.start); err != nil {
				return err
			}
			return txn.Transition(a, d.complete)
		}
		if err := txn.Transition(a, d.start); err != nil {
			return err
		}
		argv = hookArgs(a)
		maxWait = d.timeout(config)
		if maxWait == 0 {
			maxWait = s.defaultMaxWait
		}
		return nil
	})
	if err != nil || path == "" {
		return err
	}

	_, hookErr := s.runner.Run(ctx, d.hook, path, argv, maxWait)

	return s.runtime.Update(func(txn *state.Txn) error {
		a := txn.FindJob(jobId, userId)
		if a == nil {
			ctx.Log.Warnf("burst buffer for job %d removed while running %s", jobId, d.hook)
			if hookErr != nil {
				return hookErr
			}
			return &armadaerrors.ErrNotFound{Type: "burst buffer", Value: fmt.Sprintf("job %d", jobId)}
		}
		if a.State != d.staging {
			// Most likely failed by the maintenance cycle after exceeding its stage timeout.
			ctx.Log.Warnf("%s changed state to %s while running %s", a, a.State, d.hook)
			if hookErr != nil {
				return hookErr
			}
			return &lifecycle.ErrInvalidTransition{From: a.State, Event: d.complete}
		}
		if hookErr != nil {
			if err := txn.Transition(a, lifecycle.EventFail); err != nil {
				return err
			}
			ctx.Log.WithError(hookErr).Errorf("%s failed", d.hook)
			return hookErr
		}
		ctx.Log.Infof("%s complete for %s", d.hook, a)
		return txn.Transition(a, d.complete)
	})
}

// hookArgs are the arguments passed to every stage hook: job id, user id and buffer size.
func hookArgs(a *store.Allocation) []string {
	return []string{
		strconv.FormatUint(uint64(a.JobId), 10),
		strconv.FormatUint(uint64(a.UserId), 10),
		a.Size.String(),
	}
}
