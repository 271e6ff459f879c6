package state

import (
	"fmt"
	"strconv"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/armadaproject/burstbuffer/internal/burstbuffer/bbconfig"
	"github.com/armadaproject/burstbuffer/internal/burstbuffer/interfaces"
	"github.com/armadaproject/burstbuffer/internal/burstbuffer/lifecycle"
	"github.com/armadaproject/burstbuffer/internal/burstbuffer/queue"
	"github.com/armadaproject/burstbuffer/internal/burstbuffer/size"
	"github.com/armadaproject/burstbuffer/internal/burstbuffer/store"
	"github.com/armadaproject/burstbuffer/internal/common/armadaerrors"
)

// AllocJob creates a buffer of the given size for job and returns the priority boost which the
// scheduler should apply to it.
func (r *Runtime) AllocJob(job interfaces.Job, sz size.Size) (uint32, error) {
	var boost uint32
	err := r.Update(func(txn *Txn) error {
		// Job ids are unique across users. A buffer held under another user is an inconsistency.
		if held := txn.JobAllocations(job.GetJobId()); len(held) > 0 {
			for _, a := range held {
				if a.UserId != job.GetUserId() {
					log.WithFields(logFields(a)).
						Errorf("scheduler state inconsistent with burst buffer: job %d has user id mismatch (%d != %d)", a.JobId, job.GetUserId(), a.UserId)
				}
			}
			return &armadaerrors.ErrAlreadyExists{
				Type:  "burst buffer",
				Value: fmt.Sprintf("job %d", job.GetJobId()),
			}
		}
		config := txn.Config()
		if err := txn.checkRequest(job.GetUserId(), sz); err != nil {
			return err
		}
		if exceedsLimit(sz, config.JobSizeLimit) {
			return &armadaerrors.ErrInvalidArgument{
				Name:    "size",
				Value:   sz.String(),
				Message: fmt.Sprintf("exceeds JobSizeLimit of %s", bbconfig.FormatLimit(config.JobSizeLimit)),
			}
		}
		now := txn.Now()
		a := &store.Allocation{
			JobId:       job.GetJobId(),
			UserId:      job.GetUserId(),
			ArrayJobId:  job.GetArrayJobId(),
			ArrayTaskId: job.GetArrayTaskId(),
			Size:        sz,
			State:       lifecycle.Pending,
			UseTime:     job.GetStartTime(),
			EndTime:     job.GetEndTime(),
			SeenTime:    now,
		}
		if err := txn.Transition(a, lifecycle.EventAllocate); err != nil {
			return err
		}
		if err := txn.Insert(a); err != nil {
			return err
		}
		boost = config.PrioBoostAlloc
		log.WithFields(logFields(a)).Infof("allocated %s", a)
		return nil
	})
	return boost, err
}

// AllocName creates a persistent buffer owned by userId.
func (r *Runtime) AllocName(name string, userId uint32, sz size.Size) error {
	if name == "" {
		return &armadaerrors.ErrInvalidArgument{Name: "name", Value: name, Message: "persistent burst buffers must be named"}
	}
	return r.Update(func(txn *Txn) error {
		if txn.FindName(name, userId) != nil {
			return &armadaerrors.ErrAlreadyExists{Type: "burst buffer", Value: name}
		}
		if err := txn.checkRequest(userId, sz); err != nil {
			return err
		}
		now := txn.Now()
		a := &store.Allocation{
			UserId:   userId,
			Name:     name,
			Size:     sz,
			State:    lifecycle.Pending,
			SeenTime: now,
		}
		if err := txn.Transition(a, lifecycle.EventAllocate); err != nil {
			return err
		}
		if err := txn.Insert(a); err != nil {
			return err
		}
		log.WithFields(logFields(a)).Infof("allocated %s", a)
		return nil
	})
}

// checkRequest applies the user permissions and the limits common to job and persistent buffers.
func (t *Txn) checkRequest(userId uint32, sz size.Size) error {
	config := t.Config()
	if !config.UserPermitted(userId) {
		return &armadaerrors.ErrNoPermission{
			Principal:  "user " + strconv.FormatUint(uint64(userId), 10),
			Permission: "burst buffer",
			Action:     "allocate",
		}
	}
	load, _ := size.Add(t.UserLoad(userId).In(sz.Unit), sz)
	if exceedsLimit(load, config.UserSizeLimit) {
		return &armadaerrors.ErrInvalidArgument{
			Name:    "size",
			Value:   sz.String(),
			Message: fmt.Sprintf("user %d would exceed UserSizeLimit of %s", userId, bbconfig.FormatLimit(config.UserSizeLimit)),
		}
	}
	total := t.TotalSpace()
	if !total.IsZero() && sz.Unit == total.Unit {
		used, _ := size.Add(t.UsedSpace().In(total.Unit), sz)
		if used.Cmp(total) > 0 {
			return &armadaerrors.ErrInvalidArgument{
				Name:    "size",
				Value:   sz.String(),
				Message: fmt.Sprintf("insufficient burst buffer space, %s of %s in use", t.UsedSpace().In(total.Unit), total),
			}
		}
	}
	return nil
}

// Limits only apply to sizes measured in the same unit as the limit.
func exceedsLimit(sz size.Size, limit *size.Size) bool {
	return limit != nil && sz.Unit == limit.Unit && sz.Cmp(*limit) > 0
}

// Release removes the buffer held by a job.
func (r *Runtime) Release(jobId, userId uint32) error {
	return r.Update(func(txn *Txn) error {
		a := txn.FindJob(jobId, userId)
		if a == nil {
			return &armadaerrors.ErrNotFound{Type: "burst buffer", Value: fmt.Sprintf("job %d", jobId)}
		}
		return txn.release(a)
	})
}

// ReleaseName removes a persistent buffer.
func (r *Runtime) ReleaseName(name string, userId uint32) error {
	return r.Update(func(txn *Txn) error {
		a := txn.FindName(name, userId)
		if a == nil {
			return &armadaerrors.ErrNotFound{Type: "burst buffer", Value: name}
		}
		return txn.release(a)
	})
}

func (t *Txn) release(a *store.Allocation) error {
	if a.State.IsStaging() {
		return &armadaerrors.ErrInvalidArgument{
			Name:    "state",
			Value:   a.State.String(),
			Message: fmt.Sprintf("%s can not be released while staging", a),
		}
	}
	if err := t.Remove(a); err != nil {
		return err
	}
	log.WithFields(logFields(a)).Infof("released %s", a)
	return nil
}

// Transition applies event to a, updating its state time. On error a is unchanged.
func (t *Txn) Transition(a *store.Allocation, event lifecycle.Event) error {
	next, err := lifecycle.Transition(a.State, event)
	if err != nil {
		return err
	}
	a.State = next
	// State times are kept to whole seconds, as they are written to snapshots.
	a.StateTime = t.Now().Truncate(time.Second)
	return nil
}

// StartJob moves a job's buffer to Running and returns the priority boost to apply to the job.
func (r *Runtime) StartJob(jobId, userId uint32) (uint32, error) {
	var boost uint32
	err := r.Update(func(txn *Txn) error {
		a := txn.FindJob(jobId, userId)
		if a == nil {
			return &armadaerrors.ErrNotFound{Type: "burst buffer", Value: fmt.Sprintf("job %d", jobId)}
		}
		if err := txn.Transition(a, lifecycle.EventRun); err != nil {
			return errors.WithMessagef(err, "unable to start job %d", jobId)
		}
		boost = txn.Config().PrioBoostUse
		return nil
	})
	return boost, err
}

// Teardown marks a buffer as being torn down. Teardown of a buffer that is staging is rejected.
func (r *Runtime) Teardown(jobId, userId uint32) error {
	return r.Update(func(txn *Txn) error {
		a := txn.FindJob(jobId, userId)
		if a == nil {
			return &armadaerrors.ErrNotFound{Type: "burst buffer", Value: fmt.Sprintf("job %d", jobId)}
		}
		return txn.Transition(a, lifecycle.EventTeardown)
	})
}

// Cancel flags a job's buffer as belonging to a cancelled job.
func (r *Runtime) Cancel(jobId, userId uint32) error {
	return r.Update(func(txn *Txn) error {
		a := txn.FindJob(jobId, userId)
		if a == nil {
			return &armadaerrors.ErrNotFound{Type: "burst buffer", Value: fmt.Sprintf("job %d", jobId)}
		}
		a.Cancelled = true
		return nil
	})
}

// FindJob returns a copy of the buffer held by a job.
func (r *Runtime) FindJob(jobId, userId uint32) (store.Allocation, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if a := r.store.FindJob(jobId, userId); a != nil {
		return *a, true
	}
	return store.Allocation{}, false
}

// FindName returns a copy of a persistent buffer.
func (r *Runtime) FindName(name string, userId uint32) (store.Allocation, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if a := r.store.FindName(name, userId); a != nil {
		return *a, true
	}
	return store.Allocation{}, false
}

// PreemptCandidates returns the job buffers which are held but not yet in use, those whose use
// would begin latest first.
func (r *Runtime) PreemptCandidates() []*queue.PreemptRec {
	r.mu.Lock()
	defer r.mu.Unlock()
	var recs []*queue.PreemptRec
	for _, a := range r.store.Allocations() {
		if a.IsPersistent() || !a.State.IsPreemptable() {
			continue
		}
		recs = append(recs, &queue.PreemptRec{
			JobId:   a.JobId,
			UserId:  a.UserId,
			Size:    a.Size,
			UseTime: a.UseTime,
		})
	}
	queue.SortPreemptQueue(recs)
	return recs
}

// JobQueue orders requests from jobs waiting for buffers by expected start time.
func JobQueue(recs []*queue.JobQueueRec) []*queue.JobQueueRec {
	sorted := make([]*queue.JobQueueRec, len(recs))
	copy(sorted, recs)
	queue.SortJobQueue(sorted)
	return sorted
}
