package burstbuffer

import (
	"sync"

	"github.com/armadaproject/burstbuffer/internal/burstbuffer/interfaces"
)

// JobTable is an in-memory interfaces.JobRepository, kept up to date by whatever is tracking the
// scheduler's jobs. It is safe for concurrent use.
type JobTable struct {
	mu   sync.RWMutex
	jobs map[uint32]interfaces.Job
}

func NewJobTable(jobs ...interfaces.Job) *JobTable {
	t := &JobTable{jobs: make(map[uint32]interfaces.Job, len(jobs))}
	for _, job := range jobs {
		t.jobs[job.GetJobId()] = job
	}
	return t
}

func (t *JobTable) GetJob(jobId uint32) (interfaces.Job, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	job, ok := t.jobs[jobId]
	return job, ok
}

// Upsert adds job, replacing any job with the same id.
func (t *JobTable) Upsert(job interfaces.Job) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.jobs[job.GetJobId()] = job
}

func (t *JobTable) Delete(jobId uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.jobs, jobId)
}

func (t *JobTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.jobs)
}
