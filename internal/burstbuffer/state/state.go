// Package state holds the burst buffer runtime state: the active configuration, the allocation
// and user load records, and the capacity counters. Everything is guarded by a single lock;
// multi-step updates are made through a Txn so that they happen in one critical section.
package state

import (
	"sync"
	"time"

	"github.com/pkg/errors"
	"k8s.io/utils/clock"

	"github.com/armadaproject/burstbuffer/internal/burstbuffer/bbconfig"
	"github.com/armadaproject/burstbuffer/internal/burstbuffer/size"
	"github.com/armadaproject/burstbuffer/internal/burstbuffer/store"
)

// Runtime is the shared burst buffer state. It is safe for concurrent use.
type Runtime struct {
	mu           sync.Mutex
	clock        clock.Clock
	config       *bbconfig.Config
	store        *store.Store
	totalSpace   size.Size
	usedSpace    size.Load
	lastLoadTime time.Time
	nextEndTime  time.Time
}

func NewRuntime(config *bbconfig.Config, clk clock.Clock) (*Runtime, error) {
	if config == nil {
		return nil, errors.New("burst buffer configuration must be provided")
	}
	s, err := store.New()
	if err != nil {
		return nil, err
	}
	return &Runtime{
		clock:        clk,
		config:       config,
		store:        s,
		lastLoadTime: clk.Now(),
	}, nil
}

// Update runs fn with exclusive access to the state. The Txn must not be used after fn returns,
// and fn must not block on anything external such as a hook.
func (r *Runtime) Update(fn func(txn *Txn) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return fn(&Txn{r: r})
}

// Config returns the active configuration. The returned Config is never modified.
func (r *Runtime) Config() *bbconfig.Config {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.config
}

// Reload replaces the configuration. Allocations are kept.
func (r *Runtime) Reload(config *bbconfig.Config) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.config = config
	r.lastLoadTime = r.clock.Now()
}

func (r *Runtime) LastLoadTime() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastLoadTime
}

// Clear drops every allocation and user record and zeroes the used space.
func (r *Runtime) Clear() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.usedSpace = size.Load{}
	r.nextEndTime = time.Time{}
	return r.store.Reset()
}

func (r *Runtime) TotalSpace() size.Size {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.totalSpace
}

func (r *Runtime) SetTotalSpace(total size.Size) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.totalSpace = total
}

// UsedSpace returns the capacity and the node count held by all buffers.
func (r *Runtime) UsedSpace() size.Load {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.usedSpace
}

// NextEndTime returns the earliest expected end time of any job holding a buffer, as computed by
// the last maintenance cycle. The zero time means no job buffers were held.
func (r *Runtime) NextEndTime() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.nextEndTime
}

// UserLoad returns the total size of the buffers held by userId.
func (r *Runtime) UserLoad(userId uint32) size.Load {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.store.User(userId).Load
}

// Allocations returns copies of every allocation, so that callers may inspect them without
// holding the lock.
func (r *Runtime) Allocations() []store.Allocation {
	r.mu.Lock()
	defer r.mu.Unlock()
	allocations := r.store.Allocations()
	rv := make([]store.Allocation, len(allocations))
	for i, a := range allocations {
		rv[i] = *a
	}
	return rv
}

// Users returns copies of every user load record.
func (r *Runtime) Users() []store.UserLoad {
	r.mu.Lock()
	defer r.mu.Unlock()
	users := r.store.Users()
	rv := make([]store.UserLoad, len(users))
	for i, u := range users {
		rv[i] = *u
	}
	return rv
}

// Txn is exclusive access to a Runtime, obtained through Runtime.Update.
type Txn struct {
	r *Runtime
}

func (t *Txn) Config() *bbconfig.Config {
	return t.r.config
}

func (t *Txn) Now() time.Time {
	return t.r.clock.Now()
}

func (t *Txn) TotalSpace() size.Size {
	return t.r.totalSpace
}

func (t *Txn) UsedSpace() size.Load {
	return t.r.usedSpace
}

func (t *Txn) SetTotalSpace(total size.Size) {
	t.r.totalSpace = total
}

func (t *Txn) SetNextEndTime(endTime time.Time) {
	t.r.nextEndTime = endTime
}

// FindJob returns the buffer held by a job, or nil. The allocation may be modified in place until
// the Txn ends.
func (t *Txn) FindJob(jobId, userId uint32) *store.Allocation {
	return t.r.store.FindJob(jobId, userId)
}

// JobAllocations returns the buffers carrying jobId under any user.
func (t *Txn) JobAllocations(jobId uint32) []*store.Allocation {
	return t.r.store.JobAllocations(jobId)
}

// FindName returns the persistent buffer with the given name and owner, or nil.
func (t *Txn) FindName(name string, userId uint32) *store.Allocation {
	return t.r.store.FindName(name, userId)
}

func (t *Txn) Allocations() []*store.Allocation {
	return t.r.store.Allocations()
}

func (t *Txn) UserLoad(userId uint32) size.Load {
	return t.r.store.User(userId).Load
}

// Insert stores a new allocation and charges it to its user.
func (t *Txn) Insert(a *store.Allocation) error {
	if err := t.r.store.Insert(a); err != nil {
		return err
	}
	t.AddUserLoad(a)
	return nil
}

// Remove deletes an allocation and releases its load.
func (t *Txn) Remove(a *store.Allocation) error {
	if err := t.r.store.Remove(a); err != nil {
		return err
	}
	t.RemoveUserLoad(a)
	return nil
}
