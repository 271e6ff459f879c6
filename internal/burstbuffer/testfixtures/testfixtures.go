// Package testfixtures contains jobs and a user resolver for use in tests.
package testfixtures

import (
	"fmt"
	"time"
)

var BaseTime = time.Date(2022, 3, 1, 12, 0, 0, 0, time.UTC)

type TestJob struct {
	JobId       uint32
	UserId      uint32
	ArrayJobId  uint32
	ArrayTaskId uint32
	StartTime   time.Time
	EndTime     time.Time
}

func (j *TestJob) GetJobId() uint32        { return j.JobId }
func (j *TestJob) GetUserId() uint32       { return j.UserId }
func (j *TestJob) GetArrayJobId() uint32   { return j.ArrayJobId }
func (j *TestJob) GetArrayTaskId() uint32  { return j.ArrayTaskId }
func (j *TestJob) GetStartTime() time.Time { return j.StartTime }
func (j *TestJob) GetEndTime() time.Time   { return j.EndTime }

// NewJob returns a job expected to start startOffset after BaseTime and run for an hour.
func NewJob(jobId, userId uint32, startOffset time.Duration) *TestJob {
	return &TestJob{
		JobId:     jobId,
		UserId:    userId,
		StartTime: BaseTime.Add(startOffset),
		EndTime:   BaseTime.Add(startOffset + time.Hour),
	}
}

// StaticResolver resolves users from a fixed name to uid table.
type StaticResolver struct {
	Uids map[string]uint32
	// Lookups counts calls made against the table.
	Lookups int
}

func NewStaticResolver(uids map[string]uint32) *StaticResolver {
	return &StaticResolver{Uids: uids}
}

func (r *StaticResolver) UidFromName(name string) (uint32, error) {
	r.Lookups++
	uid, ok := r.Uids[name]
	if !ok {
		return 0, fmt.Errorf("unknown user %s", name)
	}
	return uid, nil
}

func (r *StaticResolver) NameFromUid(uid uint32) (string, error) {
	r.Lookups++
	for name, u := range r.Uids {
		if u == uid {
			return name, nil
		}
	}
	return "", fmt.Errorf("unknown uid %d", uid)
}
