package state

import (
	log "github.com/sirupsen/logrus"

	"github.com/armadaproject/burstbuffer/internal/burstbuffer/size"
	"github.com/armadaproject/burstbuffer/internal/burstbuffer/store"
)

// AddUserLoad charges an allocation to its user and to the used space. Capacity and node counts
// are totalled separately. Used space never exceeds a known total of the same unit: an overflow
// is logged and clamped.
func (t *Txn) AddUserLoad(a *store.Allocation) {
	user := t.r.store.User(a.UserId)
	load, ok := user.Load.Add(a.Size)
	if !ok {
		log.WithFields(logFields(a)).Errorf("user %d burst buffer load overflow", a.UserId)
	}
	user.Load = load

	used, ok := t.r.usedSpace.Add(a.Size)
	total := t.r.totalSpace
	overTotal := !total.IsZero() && total.Unit == a.Size.Unit && used.In(total.Unit).Cmp(total) > 0
	if !ok || overTotal {
		log.WithFields(logFields(a)).Errorf("used space overflow adding %s, used space %s of %s", a, t.r.usedSpace, total)
		if overTotal {
			used, _ = used.Sub(size.Size{Value: used.In(total.Unit).Value - total.Value, Unit: total.Unit})
		}
	}
	t.r.usedSpace = used
}

// RemoveUserLoad is the inverse of AddUserLoad. Underflow of either the user's load or the used
// space means the accounting is inconsistent; it is logged and the value clamped to zero.
func (t *Txn) RemoveUserLoad(a *store.Allocation) {
	used, ok := t.r.usedSpace.Sub(a.Size)
	if !ok {
		log.WithFields(logFields(a)).Errorf("used space underflow releasing %s", a)
	}
	t.r.usedSpace = used

	user := t.r.store.User(a.UserId)
	load, ok := user.Load.Sub(a.Size)
	if !ok {
		log.WithFields(logFields(a)).Errorf("user %d table underflow", a.UserId)
	}
	user.Load = load
}

// ReconcileUserLoads recomputes every user's load from the allocations they hold, walking each
// user's buffers through the user index. Loads which disagree are logged and corrected. Returns
// the number of users corrected.
func (t *Txn) ReconcileUserLoads() int {
	corrected := 0
	for _, user := range t.r.store.Users() {
		var actual size.Load
		for _, a := range t.r.store.UserAllocations(user.UserId) {
			actual, _ = actual.Add(a.Size)
		}
		if actual != user.Load {
			log.WithField("userId", user.UserId).
				Errorf("user %d burst buffer load %s does not match held buffers %s, correcting", user.UserId, user.Load, actual)
			user.Load = actual
			corrected++
		}
	}
	return corrected
}

func logFields(a *store.Allocation) log.Fields {
	return log.Fields{
		"jobId":  a.JobId,
		"userId": a.UserId,
		"size":   a.Size.String(),
	}
}
