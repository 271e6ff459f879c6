package interfaces

import "time"

// Job is the scheduler's description of a job holding, or requesting, a burst buffer.
type Job interface {
	GetJobId() uint32
	GetUserId() uint32
	GetArrayJobId() uint32
	GetArrayTaskId() uint32
	// GetStartTime returns the expected (or actual) start time of the job.
	// The zero time means no start time is known yet.
	GetStartTime() time.Time
	// GetEndTime returns the expected end time of the job.
	GetEndTime() time.Time
}

// JobRepository is a read-only view of the scheduler's job table.
type JobRepository interface {
	GetJob(jobId uint32) (Job, bool)
}
