// Package queue orders jobs waiting for burst buffers, and burst buffers which may be preempted.
package queue

import (
	"time"

	"golang.org/x/exp/slices"

	"github.com/armadaproject/burstbuffer/internal/burstbuffer/interfaces"
	"github.com/armadaproject/burstbuffer/internal/burstbuffer/size"
)

// JobQueueRec is a job waiting for a burst buffer of the given size.
type JobQueueRec struct {
	Job  interfaces.Job
	Size size.Size
}

// PreemptRec is an allocated burst buffer that could be reclaimed.
type PreemptRec struct {
	JobId  uint32
	UserId uint32
	Size   size.Size
	// Expected time at which use of the buffer will begin.
	UseTime time.Time
}

// CompareByStartTime orders queue entries by the expected start time of their jobs.
// It returns -1 if a should come first, +1 if b should come first and 0 on ties.
// An unknown (zero) start time sorts as earliest.
func CompareByStartTime(a, b *JobQueueRec) int {
	return compareTimes(a.Job.GetStartTime(), b.Job.GetStartTime())
}

// CompareByUseTimeDescending orders preemption candidates by decreasing use time, so that buffers
// whose use would begin latest are reclaimed first.
func CompareByUseTimeDescending(a, b *PreemptRec) int {
	return -compareTimes(a.UseTime, b.UseTime)
}

func compareTimes(a, b time.Time) int {
	if a.Before(b) {
		return -1
	} else if a.After(b) {
		return 1
	}
	return 0
}

// SortJobQueue sorts recs by expected start time. Entries with equal start times keep their
// relative order.
func SortJobQueue(recs []*JobQueueRec) {
	slices.SortStableFunc(recs, func(a, b *JobQueueRec) bool {
		return CompareByStartTime(a, b) < 0
	})
}

// SortPreemptQueue sorts recs by decreasing use time. Entries with equal use times keep their
// relative order.
func SortPreemptQueue(recs []*PreemptRec) {
	slices.SortStableFunc(recs, func(a, b *PreemptRec) bool {
		return CompareByUseTimeDescending(a, b) < 0
	})
}
