package burstbuffer

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/armadaproject/burstbuffer/internal/burstbuffer/bbconfig"
	"github.com/armadaproject/burstbuffer/internal/burstbuffer/hook"
	"github.com/armadaproject/burstbuffer/internal/burstbuffer/lifecycle"
	"github.com/armadaproject/burstbuffer/internal/burstbuffer/size"
	"github.com/armadaproject/burstbuffer/internal/burstbuffer/state"
	"github.com/armadaproject/burstbuffer/internal/burstbuffer/store"
	"github.com/armadaproject/burstbuffer/internal/burstbuffer/testfixtures"
	"github.com/armadaproject/burstbuffer/internal/common/armadacontext"
)

const gracePeriod = 5 * time.Minute

func TestRunCycle_PurgesOrphans(t *testing.T) {
	r, clk := newTestRuntime(t, &bbconfig.Config{})
	live := testfixtures.NewJob(1, 1001, time.Minute)
	jobs := NewJobTable(live)
	allocate(t, r, 1, 1001)
	allocate(t, r, 2, 1001)
	require.NoError(t, r.AllocName("data", 1002, size.GB(1)))

	m := NewMaintainer(r, jobs, hook.NewRunner(0), gracePeriod, time.Second)

	// Within the grace period nothing is purged.
	clk.Step(time.Minute)
	assert.Equal(t, CycleResult{}, m.RunCycle(armadacontext.Background()))
	_, ok := r.FindJob(2, 1001)
	assert.True(t, ok)

	clk.Step(gracePeriod)
	assert.Equal(t, CycleResult{Purged: 1}, m.RunCycle(armadacontext.Background()))
	_, ok = r.FindJob(2, 1001)
	assert.False(t, ok)
	a, ok := r.FindJob(1, 1001)
	require.True(t, ok)
	assert.Equal(t, clk.Now(), a.SeenTime)
	_, ok = r.FindName("data", 1002)
	assert.True(t, ok)
	assert.Equal(t, size.Load{GB: 10}, r.UserLoad(1001))
}

func TestRunCycle_JobWithOtherUserIsOrphaned(t *testing.T) {
	r, clk := newTestRuntime(t, &bbconfig.Config{})
	jobs := NewJobTable(testfixtures.NewJob(1, 2002, 0))
	allocate(t, r, 1, 1001)

	m := NewMaintainer(r, jobs, hook.NewRunner(0), gracePeriod, time.Second)
	clk.Step(gracePeriod + time.Second)
	assert.Equal(t, 1, m.RunCycle(armadacontext.Background()).Purged)
	assert.Empty(t, r.Allocations())
}

func TestRunCycle_FailsTimedOutStaging(t *testing.T) {
	stopped := filepath.Join(t.TempDir(), "stopped")
	r, clk := newTestRuntime(t, &bbconfig.Config{
		StageInTimeout: 60,
		StopStageIn:    writeScript(t, `echo "$1" > `+stopped),
	})
	jobs := NewJobTable(testfixtures.NewJob(1, 1001, 0), testfixtures.NewJob(2, 1001, 0))
	allocate(t, r, 1, 1001)
	allocate(t, r, 2, 1001)
	require.NoError(t, r.Update(func(txn *state.Txn) error {
		return txn.Transition(txn.FindJob(1, 1001), lifecycle.EventStageIn)
	}))
	m := NewMaintainer(r, jobs, hook.NewRunner(0), gracePeriod, 5*time.Second)

	clk.Step(30 * time.Second)
	assert.Equal(t, 0, m.RunCycle(armadacontext.Background()).TimedOut)
	assert.Equal(t, lifecycle.StagingIn, stateOf(t, r, 1, 1001))

	clk.Step(time.Minute)
	assert.Equal(t, 1, m.RunCycle(armadacontext.Background()).TimedOut)
	assert.Equal(t, lifecycle.Failed, stateOf(t, r, 1, 1001))
	assert.Equal(t, lifecycle.Allocated, stateOf(t, r, 2, 1001))

	contents, err := os.ReadFile(stopped)
	require.NoError(t, err)
	assert.Equal(t, "1\n", string(contents))
}

func TestRunCycle_NoStageTimeoutConfigured(t *testing.T) {
	r, clk := newTestRuntime(t, &bbconfig.Config{})
	jobs := NewJobTable(testfixtures.NewJob(1, 1001, 0))
	allocate(t, r, 1, 1001)
	require.NoError(t, r.Update(func(txn *state.Txn) error {
		return txn.Transition(txn.FindJob(1, 1001), lifecycle.EventStageIn)
	}))
	m := NewMaintainer(r, jobs, hook.NewRunner(0), gracePeriod, time.Second)

	clk.Step(24 * time.Hour)
	assert.Equal(t, 0, m.RunCycle(armadacontext.Background()).TimedOut)
	assert.Equal(t, lifecycle.StagingIn, stateOf(t, r, 1, 1001))
}

func TestRunCycle_RefreshesCapacity(t *testing.T) {
	r, _ := newTestRuntime(t, &bbconfig.Config{
		GetSysState: writeScript(t, "echo 'pool1 G 1 100'; echo 'pool2 T 1 1'"),
	})
	jobs := NewJobTable(testfixtures.NewJob(1, 1001, 0))
	allocate(t, r, 1, 1001)

	m := NewMaintainer(r, jobs, hook.NewRunner(0), gracePeriod, 5*time.Second)
	m.RunCycle(armadacontext.Background())
	assert.Equal(t, size.GB(10+100+1024), r.TotalSpace())
}

func TestRunCycle_RefreshesCapacityWithNodeBuffers(t *testing.T) {
	r, _ := newTestRuntime(t, &bbconfig.Config{
		GetSysState: writeScript(t, "echo 'pool1 G 1 100'"),
	})
	jobs := NewJobTable(testfixtures.NewJob(1, 1001, 0))
	allocate(t, r, 1, 1001)
	require.NoError(t, r.AllocName("nodes", 1001, size.NodeCount(3)))

	m := NewMaintainer(r, jobs, hook.NewRunner(0), gracePeriod, 5*time.Second)
	m.RunCycle(armadacontext.Background())
	assert.Equal(t, size.GB(10+100), r.TotalSpace())
}

func TestRunCycle_ReconcilesUserLoads(t *testing.T) {
	r, _ := newTestRuntime(t, &bbconfig.Config{})
	jobs := NewJobTable(testfixtures.NewJob(1, 1001, 0))
	allocate(t, r, 1, 1001)
	require.NoError(t, r.Update(func(txn *state.Txn) error {
		txn.RemoveUserLoad(&store.Allocation{JobId: 1, UserId: 1001, Size: size.GB(4)})
		return nil
	}))
	require.Equal(t, size.Load{GB: 6}, r.UserLoad(1001))

	m := NewMaintainer(r, jobs, hook.NewRunner(0), gracePeriod, time.Second)
	assert.Equal(t, CycleResult{Reconciled: 1}, m.RunCycle(armadacontext.Background()))
	assert.Equal(t, size.Load{GB: 10}, r.UserLoad(1001))
}

func TestRunCycle_CapacityKeptOnHookFailure(t *testing.T) {
	r, _ := newTestRuntime(t, &bbconfig.Config{GetSysState: writeScript(t, "exit 1")})
	r.SetTotalSpace(size.GB(500))

	m := NewMaintainer(r, NewJobTable(), hook.NewRunner(0), gracePeriod, 5*time.Second)
	m.RunCycle(armadacontext.Background())
	assert.Equal(t, size.GB(500), r.TotalSpace())
}

func TestRunCycle_RetriesSysState(t *testing.T) {
	marker := filepath.Join(t.TempDir(), "attempted")
	r, _ := newTestRuntime(t, &bbconfig.Config{
		GetSysState: writeScript(t, "if [ ! -e "+marker+" ]; then touch "+marker+"; exit 1; fi; echo 'pool1 G 1 100'"),
	})

	m := NewMaintainer(r, NewJobTable(), hook.NewRunner(0), gracePeriod, 5*time.Second)
	m.SysStateAttempts = 2
	m.RunCycle(armadacontext.Background())
	assert.Equal(t, size.GB(100), r.TotalSpace())
}

func TestRunCycle_UnparseableSysStateNotRetried(t *testing.T) {
	counter := filepath.Join(t.TempDir(), "runs")
	r, _ := newTestRuntime(t, &bbconfig.Config{
		GetSysState: writeScript(t, "echo run >> "+counter+"; echo 'not a pool'"),
	})
	r.SetTotalSpace(size.GB(500))

	m := NewMaintainer(r, NewJobTable(), hook.NewRunner(0), gracePeriod, 5*time.Second)
	m.SysStateAttempts = 3
	m.RunCycle(armadacontext.Background())
	assert.Equal(t, size.GB(500), r.TotalSpace())
	runs, err := os.ReadFile(counter)
	require.NoError(t, err)
	assert.Equal(t, "run\n", string(runs))
}

func TestRunCycle_SetsUseTimes(t *testing.T) {
	r, _ := newTestRuntime(t, &bbconfig.Config{})
	job1 := testfixtures.NewJob(1, 1001, time.Minute)
	job2 := testfixtures.NewJob(2, 1001, time.Minute)
	jobs := NewJobTable(job1, job2)
	allocate(t, r, 1, 1001)
	allocate(t, r, 2, 1001)

	// The scheduler revises its expectations.
	job1.StartTime = testfixtures.BaseTime.Add(time.Hour)
	job1.EndTime = testfixtures.BaseTime.Add(3 * time.Hour)
	job2.EndTime = testfixtures.BaseTime.Add(2 * time.Hour)

	m := NewMaintainer(r, jobs, hook.NewRunner(0), gracePeriod, time.Second)
	m.RunCycle(armadacontext.Background())

	a, _ := r.FindJob(1, 1001)
	assert.Equal(t, job1.StartTime, a.UseTime)
	assert.Equal(t, job1.EndTime, a.EndTime)
	assert.Equal(t, job2.EndTime, r.NextEndTime())
}

func TestMaintainer_StaleChecker(t *testing.T) {
	runtime, clk := newTestRuntime(t, bbconfig.Default())
	m := NewMaintainer(runtime, NewJobTable(), hook.NewRunner(0), time.Minute, time.Second)
	started := clk.Now()
	check := m.StaleChecker(clk.Now, started, time.Minute)

	assert.True(t, m.LastCycle().IsZero())
	assert.NoError(t, check())

	clk.Step(2 * time.Minute)
	assert.Error(t, check())

	m.RunCycle(armadacontext.Background())
	assert.Equal(t, clk.Now().UnixNano(), m.LastCycle().UnixNano())
	assert.NoError(t, check())
}
