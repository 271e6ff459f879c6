package store

import (
	"fmt"
	"time"

	"github.com/hashicorp/go-memdb"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/armadaproject/burstbuffer/internal/burstbuffer/lifecycle"
	"github.com/armadaproject/burstbuffer/internal/burstbuffer/size"
)

const (
	allocationsTable = "allocations"
	usersTable       = "users"
	idIndex          = "id"   // primary key
	jobIndex         = "job"  // lookup allocations by job id
	userIndex        = "user" // lookup all allocations owned by a user
	nameIndex        = "name" // lookup named allocations by name and user
)

// Gres is a generic resource attached to an allocation.
type Gres struct {
	Name  string
	Count uint64
}

// Allocation is one burst buffer held by a job or, for persistent buffers, by a user under a name.
//
// JobId, UserId and Name are indexed and must not be modified once the allocation is in a Store.
// Other fields may be updated in place while holding the lock that guards the Store.
type Allocation struct {
	JobId       uint32
	UserId      uint32
	ArrayJobId  uint32
	ArrayTaskId uint32
	// Name is only set for persistent burst buffers. Such buffers have a JobId of zero.
	Name      string
	Size      size.Size
	State     lifecycle.State
	StateTime time.Time
	// Expected time at which use of the buffer will begin.
	UseTime time.Time
	// Expected time at which use of the buffer will end.
	EndTime time.Time
	// Last time the owning job was observed in the scheduler.
	SeenTime  time.Time
	Cancelled bool
	Gres      []Gres
}

// IsPersistent returns true for named buffers which are not owned by a job.
func (a *Allocation) IsPersistent() bool {
	return a.Name != ""
}

func (a *Allocation) String() string {
	if a.IsPersistent() {
		return fmt.Sprintf("burst buffer %s (user %d)", a.Name, a.UserId)
	}
	return fmt.Sprintf("burst buffer for job %d (user %d)", a.JobId, a.UserId)
}

// UserLoad is the total size of all burst buffers held by one user.
type UserLoad struct {
	UserId uint32
	Load   size.Load
}

// Store holds burst buffer allocations and per-user load records.
//
// Store is implemented on top of https://github.com/hashicorp/go-memdb. Allocations are indexed by
// owning user, so that all buffers of one user can be visited cheaply, as well as by job id and
// by name. Store is not threadsafe: callers serialise access with their own lock.
type Store struct {
	db *memdb.MemDB
}

func New() (*Store, error) {
	s := &Store{}
	if err := s.Reset(); err != nil {
		return nil, err
	}
	return s, nil
}

// Reset discards every allocation and user record.
func (s *Store) Reset() error {
	db, err := memdb.NewMemDB(schema())
	if err != nil {
		return errors.WithStack(err)
	}
	s.db = db
	return nil
}

// Insert adds an allocation, replacing any allocation with the same user, job id and name.
func (s *Store) Insert(a *Allocation) error {
	txn := s.db.Txn(true)
	defer txn.Abort()
	if err := txn.Insert(allocationsTable, a); err != nil {
		return errors.WithStack(err)
	}
	txn.Commit()
	return nil
}

// Remove deletes an allocation. Removing an allocation which isn't present is not an error.
func (s *Store) Remove(a *Allocation) error {
	txn := s.db.Txn(true)
	defer txn.Abort()
	if err := txn.Delete(allocationsTable, a); err != nil {
		if errors.Is(err, memdb.ErrNotFound) {
			return nil
		}
		return errors.WithStack(err)
	}
	txn.Commit()
	return nil
}

// FindJob returns the allocation for a job, or nil if there isn't one.
//
// An allocation carrying the right job id but a different user means the scheduler's job state
// and the burst buffer state disagree, e.g. after the scheduler recovered state which was missing
// jobs that already had buffers. Such allocations are logged and skipped.
func (s *Store) FindJob(jobId, userId uint32) *Allocation {
	for _, a := range s.JobAllocations(jobId) {
		if a.UserId == userId {
			return a
		}
		logUserMismatch(jobId, userId, a.UserId)
	}
	return nil
}

// JobAllocations returns every job allocation carrying jobId, whichever user owns it.
func (s *Store) JobAllocations(jobId uint32) []*Allocation {
	txn := s.db.Txn(false)
	it, err := txn.Get(allocationsTable, jobIndex, jobId)
	if err != nil {
		log.WithError(err).Errorf("unable to look up burst buffer for job %d", jobId)
		return nil
	}
	var allocations []*Allocation
	for obj := it.Next(); obj != nil; obj = it.Next() {
		if a := obj.(*Allocation); !a.IsPersistent() {
			allocations = append(allocations, a)
		}
	}
	return allocations
}

func logUserMismatch(jobId, userId, allocationUserId uint32) {
	log.WithFields(log.Fields{"jobId": jobId, "userId": userId, "allocationUserId": allocationUserId}).
		Errorf("scheduler state inconsistent with burst buffer: job %d has user id mismatch (%d != %d)", jobId, userId, allocationUserId)
}

// FindName returns the persistent allocation with the given name owned by userId, or nil.
func (s *Store) FindName(name string, userId uint32) *Allocation {
	txn := s.db.Txn(false)
	obj, err := txn.First(allocationsTable, nameIndex, name, userId)
	if err != nil {
		log.WithError(err).Errorf("unable to look up burst buffer %s", name)
		return nil
	}
	if obj == nil {
		return nil
	}
	return obj.(*Allocation)
}

// UserAllocations returns every allocation owned by userId.
func (s *Store) UserAllocations(userId uint32) []*Allocation {
	txn := s.db.Txn(false)
	it, err := txn.Get(allocationsTable, userIndex, userId)
	if err != nil {
		log.WithError(err).Errorf("unable to look up burst buffers for user %d", userId)
		return nil
	}
	return collect(it)
}

// Allocations returns every allocation in primary key order. The order is deterministic but is
// not numeric order of user ids.
func (s *Store) Allocations() []*Allocation {
	txn := s.db.Txn(false)
	it, err := txn.Get(allocationsTable, idIndex)
	if err != nil {
		log.WithError(err).Error("unable to list burst buffers")
		return nil
	}
	return collect(it)
}

// Count returns the number of allocations.
func (s *Store) Count() int {
	return len(s.Allocations())
}

// User returns the load record for userId, creating a zero record if none exists.
func (s *Store) User(userId uint32) *UserLoad {
	txn := s.db.Txn(true)
	defer txn.Abort()
	obj, err := txn.First(usersTable, idIndex, userId)
	if err == nil && obj != nil {
		return obj.(*UserLoad)
	}
	u := &UserLoad{UserId: userId}
	if err := txn.Insert(usersTable, u); err != nil {
		// Only possible if the schema is broken; the record is still usable, just untracked.
		log.WithError(err).Errorf("unable to record burst buffer load for user %d", userId)
		return u
	}
	txn.Commit()
	return u
}

// Users returns every user load record in primary key order.
func (s *Store) Users() []*UserLoad {
	txn := s.db.Txn(false)
	it, err := txn.Get(usersTable, idIndex)
	if err != nil {
		log.WithError(err).Error("unable to list burst buffer users")
		return nil
	}
	var rv []*UserLoad
	for obj := it.Next(); obj != nil; obj = it.Next() {
		rv = append(rv, obj.(*UserLoad))
	}
	return rv
}

func collect(it memdb.ResultIterator) []*Allocation {
	var rv []*Allocation
	for obj := it.Next(); obj != nil; obj = it.Next() {
		rv = append(rv, obj.(*Allocation))
	}
	return rv
}

// schema creates the database schema.
// Allocations are keyed by (user, job, name); job allocations have no name and persistent
// allocations have job id zero, so the key is unique for both kinds.
func schema() *memdb.DBSchema {
	allocationIndexes := map[string]*memdb.IndexSchema{
		idIndex: {
			Name:   idIndex,
			Unique: true,
			Indexer: &memdb.CompoundIndex{
				Indexes: []memdb.Indexer{
					&memdb.UintFieldIndex{Field: "UserId"},
					&memdb.UintFieldIndex{Field: "JobId"},
					&memdb.StringFieldIndex{Field: "Name"},
				},
				AllowMissing: true,
			},
		},
		jobIndex: {
			Name:    jobIndex,
			Indexer: &memdb.UintFieldIndex{Field: "JobId"},
		},
		userIndex: {
			Name:    userIndex,
			Indexer: &memdb.UintFieldIndex{Field: "UserId"},
		},
		nameIndex: {
			Name:         nameIndex,
			AllowMissing: true,
			Indexer: &memdb.CompoundIndex{
				Indexes: []memdb.Indexer{
					&memdb.StringFieldIndex{Field: "Name"},
					&memdb.UintFieldIndex{Field: "UserId"},
				},
			},
		},
	}
	userIndexes := map[string]*memdb.IndexSchema{
		idIndex: {
			Name:    idIndex,
			Unique:  true,
			Indexer: &memdb.UintFieldIndex{Field: "UserId"},
		},
	}
	return &memdb.DBSchema{
		Tables: map[string]*memdb.TableSchema{
			allocationsTable: {Name: allocationsTable, Indexes: allocationIndexes},
			usersTable:       {Name: usersTable, Indexes: userIndexes},
		},
	}
}
