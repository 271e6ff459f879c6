package burstbuffer

import (
	"sync/atomic"
	"time"

	"github.com/avast/retry-go"
	"github.com/pkg/errors"

	"github.com/armadaproject/burstbuffer/internal/burstbuffer/hook"
	"github.com/armadaproject/burstbuffer/internal/burstbuffer/interfaces"
	"github.com/armadaproject/burstbuffer/internal/burstbuffer/lifecycle"
	"github.com/armadaproject/burstbuffer/internal/burstbuffer/size"
	"github.com/armadaproject/burstbuffer/internal/burstbuffer/state"
	"github.com/armadaproject/burstbuffer/internal/burstbuffer/store"
	"github.com/armadaproject/burstbuffer/internal/common/armadacontext"
)

// sysStateRetryDelay is the pause between attempts to run GetSysState.
const sysStateRetryDelay = 100 * time.Millisecond

// Maintainer performs the periodic upkeep of the burst buffer state: refreshing capacity from the
// burst buffer system, purging buffers whose jobs have gone, failing stage operations which have
// run too long and tracking when jobs expect to use their buffers.
type Maintainer struct {
	runtime *state.Runtime
	jobs    interfaces.JobRepository
	runner  *hook.Runner
	// Buffers of jobs missing from the job repository for longer than this are purged.
	orphanGracePeriod time.Duration
	hookMaxWait       time.Duration
	// Number of times GetSysState is run before the refresh is abandoned. Only timeouts and
	// non-zero exits are retried.
	SysStateAttempts uint
	// Unix nanoseconds at which the last cycle finished; zero if none has.
	lastCycle atomic.Int64
}

func NewMaintainer(
	runtime *state.Runtime,
	jobs interfaces.JobRepository,
	runner *hook.Runner,
	orphanGracePeriod time.Duration,
	hookMaxWait time.Duration,
) *Maintainer {
	return &Maintainer{
		runtime:           runtime,
		jobs:              jobs,
		runner:            runner,
		orphanGracePeriod: orphanGracePeriod,
		hookMaxWait:       hookMaxWait,
		SysStateAttempts:  1,
	}
}

// timedOut is a stage operation that exceeded its timeout.
type timedOut struct {
	jobId   uint32
	userId  uint32
	staging lifecycle.State
	hook    string
	path    string
	argv    []string
}

// CycleResult summarises one maintenance cycle.
type CycleResult struct {
	Purged     int
	TimedOut   int
	Reconciled int
}

// RunCycle performs one maintenance cycle. Hooks are run without holding the state lock.
func (m *Maintainer) RunCycle(ctx *armadacontext.Context) CycleResult {
	m.refreshCapacity(ctx)

	var result CycleResult
	var expired []timedOut
	_ = m.runtime.Update(func(txn *state.Txn) error {
		result.Purged = m.purgeOrphans(ctx, txn)
		result.Reconciled = txn.ReconcileUserLoads()
		expired = collectTimedOut(txn)
		return nil
	})

	for _, op := range expired {
		if m.failTimedOut(ctx, op) {
			result.TimedOut++
		}
	}

	_ = m.runtime.Update(func(txn *state.Txn) error {
		setUseTimes(txn, m.jobs)
		m.lastCycle.Store(txn.Now().UnixNano())
		return nil
	})
	if result.Purged > 0 || result.TimedOut > 0 {
		ctx.Log.Infof("maintenance purged %d burst buffers and failed %d stage operations", result.Purged, result.TimedOut)
	}
	return result
}

// LastCycle returns when the last maintenance cycle finished, or the zero time if none has.
func (m *Maintainer) LastCycle() time.Time {
	ns := m.lastCycle.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// StaleChecker returns a health check failing once no cycle has finished within maxAge of now.
// Before the first cycle the age is measured from started.
func (m *Maintainer) StaleChecker(now func() time.Time, started time.Time, maxAge time.Duration) func() error {
	return func() error {
		last := m.LastCycle()
		if last.IsZero() {
			last = started
		}
		if age := now().Sub(last); age > maxAge {
			return errors.Errorf("no maintenance cycle has completed in %s", age.Round(time.Second))
		}
		return nil
	}
}

// refreshCapacity sets the total space to the used space plus the free space reported by the
// GetSysState hook. On failure the previous total is kept.
func (m *Maintainer) refreshCapacity(ctx *armadacontext.Context) {
	path := m.runtime.Config().GetSysState
	if path == "" {
		return
	}
	attempts := m.SysStateAttempts
	if attempts == 0 {
		attempts = 1
	}
	var pools []hook.PoolEntry
	err := retry.Do(
		func() error {
			res, err := m.runner.Run(ctx, hook.GetSysState, path, nil, m.hookMaxWait)
			if err != nil {
				return err
			}
			pools, err = hook.ParseSysState(res.Output)
			return err
		},
		retry.Attempts(attempts),
		retry.Delay(sysStateRetryDelay),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
		retry.RetryIf(isTransientHookError),
	)
	if err != nil {
		ctx.Log.WithError(err).Warn("unable to refresh burst buffer capacity")
		return
	}
	free := hook.TotalFree(pools)
	_ = m.runtime.Update(func(txn *state.Txn) error {
		total, _ := size.Add(txn.UsedSpace().In(size.Gigabytes), free)
		txn.SetTotalSpace(total)
		return nil
	})
}

func isTransientHookError(err error) bool {
	var timeout *hook.ErrTimeout
	var exitStatus *hook.ErrExitStatus
	return errors.As(err, &timeout) || errors.As(err, &exitStatus)
}

// purgeOrphans removes job buffers whose jobs have been missing from the job repository for
// longer than the grace period, and records the time at which every other job was seen.
// Persistent buffers are never orphaned.
func (m *Maintainer) purgeOrphans(ctx *armadacontext.Context, txn *state.Txn) int {
	now := txn.Now()
	purged := 0
	for _, a := range txn.Allocations() {
		if a.IsPersistent() {
			continue
		}
		if job, ok := m.jobs.GetJob(a.JobId); ok && job.GetUserId() == a.UserId {
			a.SeenTime = now
			continue
		}
		if now.Sub(a.SeenTime) <= m.orphanGracePeriod {
			continue
		}
		if err := txn.Remove(a); err != nil {
			ctx.Log.WithError(err).Errorf("unable to purge orphaned %s", a)
			continue
		}
		armadacontext.WithJob(ctx, a.JobId, a.UserId).
			Log.Infof("purged orphaned %s, last seen %s", a, a.SeenTime.Format(time.RFC3339))
		purged++
	}
	return purged
}

// collectTimedOut returns the stage operations which have exceeded their configured timeouts.
func collectTimedOut(txn *state.Txn) []timedOut {
	config := txn.Config()
	now := txn.Now()
	var expired []timedOut
	for _, a := range txn.Allocations() {
		var timeout time.Duration
		op := timedOut{jobId: a.JobId, userId: a.UserId, staging: a.State, argv: hookArgs(a)}
		switch a.State {
		case lifecycle.StagingIn:
			timeout = config.StageInTimeoutDuration()
			op.hook, op.path = hook.StopStageIn, config.StopStageIn
		case lifecycle.StagingOut:
			timeout = config.StageOutTimeoutDuration()
			op.hook, op.path = hook.StopStageOut, config.StopStageOut
		default:
			continue
		}
		if a.IsPersistent() || timeout == 0 || now.Sub(a.StateTime) <= timeout {
			continue
		}
		expired = append(expired, op)
	}
	return expired
}

// failTimedOut stops a stage operation and marks its buffer Failed. Returns false if the buffer
// finished staging, or was removed, while the stop hook ran.
func (m *Maintainer) failTimedOut(ctx *armadacontext.Context, op timedOut) bool {
	ctx = armadacontext.WithJob(ctx, op.jobId, op.userId)
	if op.path != "" {
		if _, err := m.runner.Run(ctx, op.hook, op.path, op.argv, m.hookMaxWait); err != nil {
			ctx.Log.WithError(err).Errorf("%s failed", op.hook)
		}
	}
	failed := false
	_ = m.runtime.Update(func(txn *state.Txn) error {
		a := txn.FindJob(op.jobId, op.userId)
		if a == nil || a.State != op.staging {
			return nil
		}
		if err := txn.Transition(a, lifecycle.EventFail); err != nil {
			ctx.Log.WithError(err).Errorf("unable to fail %s", a)
			return nil
		}
		ctx.Log.Errorf("%s timed out in state %s", a, op.staging)
		failed = true
		return nil
	})
	return failed
}

// setUseTimes copies the expected start and end times of each job onto its buffer and records the
// earliest expected end time.
func setUseTimes(txn *state.Txn, jobs interfaces.JobRepository) {
	var next time.Time
	for _, a := range txn.Allocations() {
		if a.IsPersistent() {
			continue
		}
		job, ok := jobs.GetJob(a.JobId)
		if !ok || job.GetUserId() != a.UserId {
			continue
		}
		updateTimes(a, job)
		if !a.EndTime.IsZero() && (next.IsZero() || a.EndTime.Before(next)) {
			next = a.EndTime
		}
	}
	txn.SetNextEndTime(next)
}

func updateTimes(a *store.Allocation, job interfaces.Job) {
	if start := job.GetStartTime(); !start.IsZero() {
		a.UseTime = start
	}
	if end := job.GetEndTime(); !end.IsZero() {
		a.EndTime = end
	}
}
