package state

import (
	"bytes"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/armadaproject/burstbuffer/internal/burstbuffer/bbconfig"
	"github.com/armadaproject/burstbuffer/internal/burstbuffer/lifecycle"
	"github.com/armadaproject/burstbuffer/internal/burstbuffer/queue"
	"github.com/armadaproject/burstbuffer/internal/burstbuffer/size"
	"github.com/armadaproject/burstbuffer/internal/burstbuffer/snapshot"
	"github.com/armadaproject/burstbuffer/internal/burstbuffer/store"
	"github.com/armadaproject/burstbuffer/internal/burstbuffer/testfixtures"
	"github.com/armadaproject/burstbuffer/internal/common/armadaerrors"
)

func newTestRuntime(t *testing.T, config *bbconfig.Config) (*Runtime, *clocktesting.FakeClock) {
	clk := clocktesting.NewFakeClock(testfixtures.BaseTime)
	if config == nil {
		config = bbconfig.Default()
	}
	r, err := NewRuntime(config, clk)
	require.NoError(t, err)
	return r, clk
}

func TestNewRuntime_RequiresConfig(t *testing.T) {
	_, err := NewRuntime(nil, clocktesting.NewFakeClock(testfixtures.BaseTime))
	assert.Error(t, err)
}

func TestAllocJob(t *testing.T) {
	r, _ := newTestRuntime(t, &bbconfig.Config{PrioBoostAlloc: 25})
	job := testfixtures.NewJob(42, 1001, time.Hour)
	job.ArrayJobId = 40
	job.ArrayTaskId = 2

	boost, err := r.AllocJob(job, size.GB(100))
	require.NoError(t, err)
	assert.Equal(t, uint32(25), boost)

	a, ok := r.FindJob(42, 1001)
	require.True(t, ok)
	assert.Equal(t, lifecycle.Allocated, a.State)
	assert.Equal(t, testfixtures.BaseTime, a.StateTime)
	assert.Equal(t, testfixtures.BaseTime, a.SeenTime)
	assert.Equal(t, job.StartTime, a.UseTime)
	assert.Equal(t, job.EndTime, a.EndTime)
	assert.Equal(t, uint32(40), a.ArrayJobId)
	assert.Equal(t, uint32(2), a.ArrayTaskId)
	assert.Equal(t, size.Load{GB: 100}, r.UserLoad(1001))
	assert.Equal(t, size.Load{GB: 100}, r.UsedSpace())
}

func TestAllocJob_Duplicate(t *testing.T) {
	r, _ := newTestRuntime(t, nil)
	job := testfixtures.NewJob(42, 1001, 0)
	_, err := r.AllocJob(job, size.GB(1))
	require.NoError(t, err)

	_, err = r.AllocJob(job, size.GB(1))
	var alreadyExists *armadaerrors.ErrAlreadyExists
	assert.True(t, errors.As(err, &alreadyExists))
	assert.Equal(t, size.Load{GB: 1}, r.UserLoad(1001))
}

func TestAllocJob_Rejected(t *testing.T) {
	jobLimit := size.GB(100)
	userLimit := size.GB(150)
	tests := map[string]struct {
		config     *bbconfig.Config
		totalSpace size.Size
		request    size.Size
		permission bool
	}{
		"denied user": {
			config:     &bbconfig.Config{DenyUsers: []uint32{1001}},
			request:    size.GB(1),
			permission: true,
		},
		"not in allow list": {
			config:     &bbconfig.Config{AllowUsers: []uint32{1002}},
			request:    size.GB(1),
			permission: true,
		},
		"over job limit": {
			config:  &bbconfig.Config{JobSizeLimit: &jobLimit},
			request: size.GB(101),
		},
		"over user limit": {
			config:  &bbconfig.Config{UserSizeLimit: &userLimit},
			request: size.GB(100),
		},
		"over capacity": {
			config:     &bbconfig.Config{},
			totalSpace: size.GB(120),
			request:    size.GB(100),
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			r, _ := newTestRuntime(t, tc.config)
			r.SetTotalSpace(tc.totalSpace)
			// Existing load of 60G for the user, except where the user may not allocate at all.
			if !tc.permission {
				_, err := r.AllocJob(testfixtures.NewJob(1, 1001, 0), size.GB(60))
				require.NoError(t, err)
			}

			_, err := r.AllocJob(testfixtures.NewJob(2, 1001, 0), tc.request)
			if tc.permission {
				var noPermission *armadaerrors.ErrNoPermission
				assert.True(t, errors.As(err, &noPermission))
			} else {
				var invalid *armadaerrors.ErrInvalidArgument
				assert.True(t, errors.As(err, &invalid))
			}
			_, ok := r.FindJob(2, 1001)
			assert.False(t, ok)
		})
	}
}

func TestAllocJob_LimitInOtherUnitIgnored(t *testing.T) {
	limit := size.GB(10)
	r, _ := newTestRuntime(t, &bbconfig.Config{JobSizeLimit: &limit})
	_, err := r.AllocJob(testfixtures.NewJob(1, 1001, 0), size.NodeCount(20))
	assert.NoError(t, err)
}

func TestAllocJob_JobIdHeldByOtherUser(t *testing.T) {
	r, _ := newTestRuntime(t, nil)
	_, err := r.AllocJob(testfixtures.NewJob(42, 9, 0), size.GB(10))
	require.NoError(t, err)

	_, err = r.AllocJob(testfixtures.NewJob(42, 7, 0), size.GB(3))
	var alreadyExists *armadaerrors.ErrAlreadyExists
	assert.True(t, errors.As(err, &alreadyExists))
	assert.Len(t, r.Allocations(), 1)
	assert.Equal(t, size.Load{}, r.UserLoad(7))
	assert.Equal(t, size.Load{GB: 10}, r.UsedSpace())
}

func TestAllocJob_CapacityWithNodeBuffers(t *testing.T) {
	r, _ := newTestRuntime(t, nil)
	r.SetTotalSpace(size.GB(100))
	require.NoError(t, r.AllocName("nodes", 1001, size.NodeCount(1)))
	assert.Equal(t, size.Load{Nodes: 1}, r.UsedSpace())

	_, err := r.AllocJob(testfixtures.NewJob(1, 1001, 0), size.GB(500))
	var invalid *armadaerrors.ErrInvalidArgument
	assert.True(t, errors.As(err, &invalid))

	_, err = r.AllocJob(testfixtures.NewJob(2, 1002, 0), size.GB(50))
	require.NoError(t, err)
	assert.Equal(t, size.Load{GB: 50, Nodes: 1}, r.UsedSpace())
	_, err = r.AllocJob(testfixtures.NewJob(3, 1002, 0), size.GB(51))
	assert.True(t, errors.As(err, &invalid))

	// Releasing one unit leaves the other's usage in place.
	require.NoError(t, r.ReleaseName("nodes", 1001))
	assert.Equal(t, size.Load{GB: 50}, r.UsedSpace())
	_, err = r.AllocJob(testfixtures.NewJob(3, 1002, 0), size.GB(51))
	assert.True(t, errors.As(err, &invalid))
	require.NoError(t, r.Release(2, 1002))
	assert.Equal(t, size.Load{}, r.UsedSpace())
}

func TestAllocJob_UserLimitWithNodeBuffers(t *testing.T) {
	limit := size.GB(10)
	r, _ := newTestRuntime(t, &bbconfig.Config{UserSizeLimit: &limit})
	require.NoError(t, r.AllocName("nodes", 1001, size.NodeCount(1)))

	_, err := r.AllocJob(testfixtures.NewJob(1, 1001, 0), size.GB(1000))
	var invalid *armadaerrors.ErrInvalidArgument
	assert.True(t, errors.As(err, &invalid))

	_, err = r.AllocJob(testfixtures.NewJob(2, 1001, 0), size.GB(10))
	require.NoError(t, err)
	assert.Equal(t, size.Load{GB: 10, Nodes: 1}, r.UserLoad(1001))
	_, err = r.AllocJob(testfixtures.NewJob(3, 1001, 0), size.GB(1))
	assert.True(t, errors.As(err, &invalid))

	require.NoError(t, r.ReleaseName("nodes", 1001))
	assert.Equal(t, size.Load{GB: 10}, r.UserLoad(1001))
}

func TestAllocName(t *testing.T) {
	r, _ := newTestRuntime(t, nil)
	require.NoError(t, r.AllocName("scratch", 1001, size.GB(10)))

	a, ok := r.FindName("scratch", 1001)
	require.True(t, ok)
	assert.True(t, a.IsPersistent())
	assert.Equal(t, uint32(0), a.JobId)
	assert.Equal(t, lifecycle.Allocated, a.State)

	_, ok = r.FindName("scratch", 1002)
	assert.False(t, ok)

	var alreadyExists *armadaerrors.ErrAlreadyExists
	assert.True(t, errors.As(r.AllocName("scratch", 1001, size.GB(1)), &alreadyExists))
	var invalid *armadaerrors.ErrInvalidArgument
	assert.True(t, errors.As(r.AllocName("", 1001, size.GB(1)), &invalid))

	// The same name may be used by another user.
	assert.NoError(t, r.AllocName("scratch", 1002, size.GB(1)))
}

func TestRelease(t *testing.T) {
	r, _ := newTestRuntime(t, nil)
	_, err := r.AllocJob(testfixtures.NewJob(1, 1001, 0), size.GB(10))
	require.NoError(t, err)
	require.NoError(t, r.AllocName("data", 1001, size.GB(5)))
	assert.Equal(t, size.Load{GB: 15}, r.UserLoad(1001))

	require.NoError(t, r.Release(1, 1001))
	assert.Equal(t, size.Load{GB: 5}, r.UserLoad(1001))
	require.NoError(t, r.ReleaseName("data", 1001))
	assert.Equal(t, size.Load{}, r.UserLoad(1001))
	assert.Equal(t, size.Load{}, r.UsedSpace())
	assert.Empty(t, r.Allocations())

	assert.True(t, armadaerrors.IsNotFound(r.Release(1, 1001)))
	assert.True(t, armadaerrors.IsNotFound(r.ReleaseName("data", 1001)))
}

func TestRelease_WhileStaging(t *testing.T) {
	r, _ := newTestRuntime(t, nil)
	_, err := r.AllocJob(testfixtures.NewJob(1, 1001, 0), size.GB(10))
	require.NoError(t, err)
	require.NoError(t, r.Update(func(txn *Txn) error {
		return txn.Transition(txn.FindJob(1, 1001), lifecycle.EventStageIn)
	}))

	var invalid *armadaerrors.ErrInvalidArgument
	assert.True(t, errors.As(r.Release(1, 1001), &invalid))
	_, ok := r.FindJob(1, 1001)
	assert.True(t, ok)
}

func TestFindJob_UserMismatch(t *testing.T) {
	r, _ := newTestRuntime(t, nil)
	_, err := r.AllocJob(testfixtures.NewJob(42, 9, 0), size.GB(1))
	require.NoError(t, err)
	_, err = r.AllocJob(testfixtures.NewJob(43, 9, 0), size.GB(1))
	require.NoError(t, err)

	_, ok := r.FindJob(42, 7)
	assert.False(t, ok)
	a, ok := r.FindJob(43, 9)
	require.True(t, ok)
	assert.Equal(t, uint32(43), a.JobId)
	_, ok = r.FindJob(42, 9)
	assert.True(t, ok)
}

func TestStartJob(t *testing.T) {
	r, clk := newTestRuntime(t, &bbconfig.Config{PrioBoostUse: 7})
	_, err := r.AllocJob(testfixtures.NewJob(1, 1001, 0), size.GB(1))
	require.NoError(t, err)
	clk.Step(time.Minute)

	boost, err := r.StartJob(1, 1001)
	require.NoError(t, err)
	assert.Equal(t, uint32(7), boost)
	a, _ := r.FindJob(1, 1001)
	assert.Equal(t, lifecycle.Running, a.State)
	assert.Equal(t, testfixtures.BaseTime.Add(time.Minute), a.StateTime)

	// Already running.
	_, err = r.StartJob(1, 1001)
	var invalid *lifecycle.ErrInvalidTransition
	assert.True(t, errors.As(err, &invalid))

	_, err = r.StartJob(2, 1001)
	assert.True(t, armadaerrors.IsNotFound(err))
}

func TestTeardown(t *testing.T) {
	r, _ := newTestRuntime(t, nil)
	_, err := r.AllocJob(testfixtures.NewJob(1, 1001, 0), size.GB(1))
	require.NoError(t, err)
	_, err = r.StartJob(1, 1001)
	require.NoError(t, err)

	var invalid *lifecycle.ErrInvalidTransition
	assert.True(t, errors.As(r.Teardown(1, 1001), &invalid))
	a, _ := r.FindJob(1, 1001)
	assert.Equal(t, lifecycle.Running, a.State)

	_, err = r.AllocJob(testfixtures.NewJob(2, 1001, 0), size.GB(1))
	require.NoError(t, err)
	require.NoError(t, r.Teardown(2, 1001))
	a, _ = r.FindJob(2, 1001)
	assert.Equal(t, lifecycle.Teardown, a.State)
}

func TestCancel(t *testing.T) {
	r, _ := newTestRuntime(t, nil)
	_, err := r.AllocJob(testfixtures.NewJob(1, 1001, 0), size.GB(1))
	require.NoError(t, err)
	require.NoError(t, r.Cancel(1, 1001))
	a, _ := r.FindJob(1, 1001)
	assert.True(t, a.Cancelled)
	assert.True(t, armadaerrors.IsNotFound(r.Cancel(5, 1001)))
}

func TestAccounting_AddThenRemoveRestoresTotals(t *testing.T) {
	r, _ := newTestRuntime(t, nil)
	allocations := []*store.Allocation{
		{JobId: 1, UserId: 1001, Size: size.GB(10)},
		{JobId: 2, UserId: 1002, Size: size.GB(20)},
		{JobId: 3, UserId: 1001, Size: size.GB(30)},
		{JobId: 4, UserId: 1003, Size: size.NodeCount(4)},
		{JobId: 5, UserId: 1002, Size: size.GB(5)},
	}
	require.NoError(t, r.Update(func(txn *Txn) error {
		for _, a := range allocations {
			require.NoError(t, txn.Insert(a))
		}
		assert.Equal(t, size.Load{GB: 40}, txn.UserLoad(1001))
		assert.Equal(t, size.Load{GB: 25}, txn.UserLoad(1002))
		assert.Equal(t, size.Load{Nodes: 4}, txn.UserLoad(1003))

		before := txn.UserLoad(1001)
		extra := &store.Allocation{JobId: 6, UserId: 1001, Size: size.GB(7)}
		txn.AddUserLoad(extra)
		assert.Equal(t, size.Load{GB: 47}, txn.UserLoad(1001))
		txn.RemoveUserLoad(extra)
		assert.Equal(t, before, txn.UserLoad(1001))

		// Interleaved removal keeps each user's load equal to the sum of its buffers.
		require.NoError(t, txn.Remove(allocations[1]))
		assert.Equal(t, size.Load{GB: 40}, txn.UserLoad(1001))
		assert.Equal(t, size.Load{GB: 5}, txn.UserLoad(1002))
		require.NoError(t, txn.Remove(allocations[0]))
		assert.Equal(t, size.Load{GB: 30}, txn.UserLoad(1001))
		require.NoError(t, txn.Remove(allocations[2]))
		require.NoError(t, txn.Remove(allocations[3]))
		require.NoError(t, txn.Remove(allocations[4]))
		for _, uid := range []uint32{1001, 1002, 1003} {
			assert.Equal(t, size.Load{}, txn.UserLoad(uid))
		}
		assert.Equal(t, size.Load{}, txn.UsedSpace())
		return nil
	}))
}

func TestAccounting_UnderflowClampsToZero(t *testing.T) {
	r, _ := newTestRuntime(t, nil)
	require.NoError(t, r.Update(func(txn *Txn) error {
		txn.AddUserLoad(&store.Allocation{JobId: 1, UserId: 1001, Size: size.GB(5)})
		txn.RemoveUserLoad(&store.Allocation{JobId: 2, UserId: 1001, Size: size.GB(50)})
		assert.Equal(t, size.Load{}, txn.UserLoad(1001))
		assert.Equal(t, size.Load{}, txn.UsedSpace())

		txn.AddUserLoad(&store.Allocation{JobId: 3, UserId: 1001, Size: size.NodeCount(2)})
		txn.RemoveUserLoad(&store.Allocation{JobId: 4, UserId: 1001, Size: size.NodeCount(3)})
		assert.Equal(t, size.Load{}, txn.UserLoad(1001))
		return nil
	}))
}

func TestAccounting_UsedSpaceClampedToTotal(t *testing.T) {
	r, _ := newTestRuntime(t, nil)
	r.SetTotalSpace(size.GB(100))
	require.NoError(t, r.Update(func(txn *Txn) error {
		txn.AddUserLoad(&store.Allocation{JobId: 1, UserId: 1001, Size: size.GB(80)})
		txn.AddUserLoad(&store.Allocation{JobId: 2, UserId: 1002, Size: size.GB(80)})
		return nil
	}))
	assert.Equal(t, size.Load{GB: 100}, r.UsedSpace())
	assert.Equal(t, size.Load{GB: 80}, r.UserLoad(1002))
}

func TestReconcileUserLoads(t *testing.T) {
	r, _ := newTestRuntime(t, nil)
	_, err := r.AllocJob(testfixtures.NewJob(1, 1001, 0), size.GB(10))
	require.NoError(t, err)
	require.NoError(t, r.AllocName("nodes", 1001, size.NodeCount(2)))
	_, err = r.AllocJob(testfixtures.NewJob(2, 1002, 0), size.GB(5))
	require.NoError(t, err)

	require.NoError(t, r.Update(func(txn *Txn) error {
		assert.Equal(t, 0, txn.ReconcileUserLoads())
		// Charge a buffer that was never stored.
		txn.AddUserLoad(&store.Allocation{JobId: 9, UserId: 1001, Size: size.GB(7)})
		assert.Equal(t, 1, txn.ReconcileUserLoads())
		return nil
	}))
	assert.Equal(t, size.Load{GB: 10, Nodes: 2}, r.UserLoad(1001))
	assert.Equal(t, size.Load{GB: 5}, r.UserLoad(1002))
}

func TestPreemptCandidates(t *testing.T) {
	r, _ := newTestRuntime(t, nil)
	for i, offset := range []time.Duration{50 * time.Second, 100 * time.Second, 75 * time.Second} {
		_, err := r.AllocJob(testfixtures.NewJob(uint32(i+1), 1001, offset), size.GB(1))
		require.NoError(t, err)
	}
	// Running buffers and persistent buffers are not candidates.
	_, err := r.AllocJob(testfixtures.NewJob(4, 1001, time.Hour), size.GB(1))
	require.NoError(t, err)
	_, err = r.StartJob(4, 1001)
	require.NoError(t, err)
	require.NoError(t, r.AllocName("data", 1001, size.GB(1)))

	candidates := r.PreemptCandidates()
	jobIds := make([]uint32, len(candidates))
	for i, c := range candidates {
		jobIds[i] = c.JobId
	}
	assert.Equal(t, []uint32{2, 3, 1}, jobIds)
	assert.Equal(t, testfixtures.BaseTime.Add(100*time.Second), candidates[0].UseTime)
}

func TestJobQueue(t *testing.T) {
	recs := []*queue.JobQueueRec{
		{Job: testfixtures.NewJob(1, 1001, 30*time.Second), Size: size.GB(1)},
		{Job: testfixtures.NewJob(2, 1001, 10*time.Second), Size: size.GB(1)},
		{Job: testfixtures.NewJob(3, 1001, 30*time.Second), Size: size.GB(1)},
		{Job: testfixtures.NewJob(4, 1001, 20*time.Second), Size: size.GB(1)},
	}
	sorted := JobQueue(recs)
	jobIds := make([]uint32, len(sorted))
	for i, rec := range sorted {
		jobIds[i] = rec.Job.GetJobId()
	}
	assert.Equal(t, []uint32{2, 4, 1, 3}, jobIds)
	// Input is left untouched.
	assert.Equal(t, uint32(1), recs[0].Job.GetJobId())
}

func TestPackState(t *testing.T) {
	r, _ := newTestRuntime(t, nil)
	_, err := r.AllocJob(testfixtures.NewJob(1, 1001, 0), size.GB(10))
	require.NoError(t, err)
	require.NoError(t, r.AllocName("data", 1002, size.NodeCount(2)))

	var buf bytes.Buffer
	require.NoError(t, r.PackState(&buf))
	decoded, err := snapshot.DecodeState(&buf)
	require.NoError(t, err)
	require.Len(t, decoded, 2)

	byOwner := map[uint32]*store.Allocation{}
	for _, a := range decoded {
		byOwner[a.UserId] = a
	}
	assert.Equal(t, uint32(1), byOwner[1001].JobId)
	assert.Equal(t, size.GB(10), byOwner[1001].Size)
	assert.Equal(t, "data", byOwner[1002].Name)
	assert.Equal(t, size.NodeCount(2), byOwner[1002].Size)
	assert.Equal(t, lifecycle.Allocated, byOwner[1002].State)
	assert.Equal(t, testfixtures.BaseTime.Unix(), byOwner[1002].StateTime.Unix())
}

func TestPackState_StateTimeRoundTrip(t *testing.T) {
	r, clk := newTestRuntime(t, nil)
	clk.Step(1500 * time.Millisecond)
	_, err := r.AllocJob(testfixtures.NewJob(1, 1001, 0), size.GB(10))
	require.NoError(t, err)
	held, ok := r.FindJob(1, 1001)
	require.True(t, ok)
	assert.Equal(t, 0, held.StateTime.Nanosecond())

	var buf bytes.Buffer
	require.NoError(t, r.PackState(&buf))
	decoded, err := snapshot.DecodeState(&buf)
	require.NoError(t, err)
	require.Len(t, decoded, 1)
	assert.True(t, held.StateTime.Equal(decoded[0].StateTime), "%s != %s", held.StateTime, decoded[0].StateTime)
	assert.True(t, testfixtures.BaseTime.Add(time.Second).Equal(decoded[0].StateTime))
}

func TestPackConfig(t *testing.T) {
	r, _ := newTestRuntime(t, &bbconfig.Config{GetSysState: "/bin/state", StageInTimeout: 9})
	var buf bytes.Buffer
	require.NoError(t, r.PackConfig(&buf))
	decoded, err := snapshot.DecodeConfig(&buf)
	require.NoError(t, err)
	assert.Equal(t, "/bin/state", decoded.GetSysState)
	assert.Equal(t, uint32(9), decoded.StageInTimeout)
}

func TestReload(t *testing.T) {
	r, clk := newTestRuntime(t, &bbconfig.Config{StageInTimeout: 1})
	_, err := r.AllocJob(testfixtures.NewJob(1, 1001, 0), size.GB(10))
	require.NoError(t, err)
	clk.Step(time.Hour)

	r.Reload(&bbconfig.Config{StageOutTimeout: 2})
	assert.Equal(t, &bbconfig.Config{StageOutTimeout: 2}, r.Config())
	assert.Equal(t, testfixtures.BaseTime.Add(time.Hour), r.LastLoadTime())
	_, ok := r.FindJob(1, 1001)
	assert.True(t, ok)
}

func TestClear(t *testing.T) {
	r, _ := newTestRuntime(t, nil)
	_, err := r.AllocJob(testfixtures.NewJob(1, 1001, 0), size.GB(10))
	require.NoError(t, err)
	require.NoError(t, r.Clear())
	assert.Empty(t, r.Allocations())
	assert.Empty(t, r.Users())
	assert.Equal(t, size.Load{}, r.UsedSpace())
}
