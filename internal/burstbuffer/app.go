package burstbuffer

import (
	"context"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
	"k8s.io/utils/clock"

	"github.com/armadaproject/burstbuffer/internal/burstbuffer/bbconfig"
	"github.com/armadaproject/burstbuffer/internal/burstbuffer/configuration"
	"github.com/armadaproject/burstbuffer/internal/burstbuffer/hook"
	"github.com/armadaproject/burstbuffer/internal/burstbuffer/interfaces"
	"github.com/armadaproject/burstbuffer/internal/burstbuffer/size"
	"github.com/armadaproject/burstbuffer/internal/burstbuffer/state"
	"github.com/armadaproject/burstbuffer/internal/burstbuffer/users"
	"github.com/armadaproject/burstbuffer/internal/common"
	"github.com/armadaproject/burstbuffer/internal/common/app"
	"github.com/armadaproject/burstbuffer/internal/common/armadacontext"
	"github.com/armadaproject/burstbuffer/internal/common/health"
	commonmetrics "github.com/armadaproject/burstbuffer/internal/common/metrics"
	"github.com/armadaproject/burstbuffer/internal/common/task"
)

const (
	defaultShutdownTimeout = 5 * time.Second
	// The daemon reports unhealthy once this many maintenance intervals pass without a completed cycle.
	staleMaintenanceCycles = 3
)

// BurstBuffer is the burst buffer core: its state and the components which act on it.
type BurstBuffer struct {
	Runtime *state.Runtime
	// Jobs holds the scheduler's view of its jobs. Buffers of jobs missing from it are purged as
	// orphans by the Maintainer.
	Jobs       *JobTable
	Stager     *Stager
	Maintainer *Maintainer
	Metrics    *MetricsCollector
	resolver   users.Resolver
	loader     *bbconfig.Loader
	configPath string
	debug      bool
}

// New loads burst_buffer.conf and creates the burst buffer core. Failure to read
// burst_buffer.conf is fatal.
func New(config configuration.Configuration, jobs *JobTable, resolver users.Resolver, clk clock.Clock) (*BurstBuffer, error) {
	loader := bbconfig.NewLoader(resolver)
	if config.MaxNiceOffset > 0 {
		loader.MaxNiceOffset = config.MaxNiceOffset
	}
	bbConfig, err := loader.Load(config.BurstBufferConfig)
	if err != nil {
		return nil, errors.WithMessage(err, "error loading burst buffer configuration")
	}
	if bbConfig.Debug || config.Debug {
		bbconfig.LogConfig(bbConfig, resolver)
	}

	runtime, err := state.NewRuntime(bbConfig, clk)
	if err != nil {
		return nil, errors.WithMessage(err, "error creating burst buffer state")
	}
	runtime.SetTotalSpace(config.TotalSpace)

	runner := hook.NewRunner(config.MaxHookOutputBytes)
	maintainer := NewMaintainer(runtime, jobs, runner, config.OrphanGracePeriod, config.HookMaxWait)
	if config.SysStateAttempts > 0 {
		maintainer.SysStateAttempts = config.SysStateAttempts
	}
	return &BurstBuffer{
		Runtime:    runtime,
		Jobs:       jobs,
		Stager:     NewStager(runtime, runner, config.HookMaxWait),
		Maintainer: maintainer,
		Metrics:    NewMetricsCollector(runtime),
		resolver:   resolver,
		loader:     loader,
		configPath: config.BurstBufferConfig,
		debug:      config.Debug,
	}, nil
}

// AllocJob records job in the job table and allocates its buffer.
func (b *BurstBuffer) AllocJob(job interfaces.Job, sz size.Size) (uint32, error) {
	b.Jobs.Upsert(job)
	return b.Runtime.AllocJob(job, sz)
}

// JobFinished removes a job which has left the scheduler from the job table. A buffer it still
// holds is purged once the orphan grace period has passed.
func (b *BurstBuffer) JobFinished(jobId uint32) {
	b.Jobs.Delete(jobId)
}

// Reload re-reads burst_buffer.conf. If it can't be read the current configuration is kept.
func (b *BurstBuffer) Reload() error {
	bbConfig, err := b.loader.Load(b.configPath)
	if err != nil {
		return errors.WithMessage(err, "error reloading burst buffer configuration")
	}
	if bbConfig.Debug || b.debug {
		bbconfig.LogConfig(bbConfig, b.resolver)
	}
	b.Runtime.Reload(bbConfig)
	log.Infof("Reloaded burst buffer configuration from %s", b.configPath)
	return nil
}

// Run sets up the burst buffer daemon and runs it until a SIGTERM is received
func Run(config configuration.Configuration) error {
	g, ctx := armadacontext.ErrGroup(armadacontext.FromContext(app.CreateContextWithShutdown()))
	if config.Debug {
		log.SetLevel(log.DebugLevel)
	}

	//////////////////////////////////////////////////////////////////////////
	// Health Checks
	//////////////////////////////////////////////////////////////////////////
	mux := http.NewServeMux()

	startupCompleteCheck := health.NewStartupCompleteChecker()
	healthChecks := health.NewMultiChecker(startupCompleteCheck)
	health.SetupHttpMux(mux, healthChecks)
	shutdownHttpServer := common.ServeHttp(config.Http.Port, mux)
	defer shutdownHttpServer()

	// List of services to run concurrently.
	var services []func() error

	//////////////////////////////////////////////////////////////////////////
	// Burst buffer state
	//////////////////////////////////////////////////////////////////////////
	resolver, err := users.NewCachingResolver(users.OSResolver{}, config.UserCacheSize)
	if err != nil {
		return errors.WithMessage(err, "error creating user resolver")
	}
	// The scheduler integration feeds the job table through AllocJob and JobFinished.
	bb, err := New(config, NewJobTable(), resolver, clock.RealClock{})
	if err != nil {
		return err
	}
	services = append(services, func() error { return bb.watchReload(ctx) })
	healthChecks.Add(health.CheckerFunc(
		bb.Maintainer.StaleChecker(time.Now, time.Now(), staleMaintenanceCycles*config.AgentInterval),
	))

	//////////////////////////////////////////////////////////////////////////
	// Background tasks
	//////////////////////////////////////////////////////////////////////////
	shutdownTimeout := config.ShutdownTimeout
	if shutdownTimeout <= 0 {
		shutdownTimeout = defaultShutdownTimeout
	}
	taskManager := task.NewBackgroundTaskManager(commonmetrics.MetricPrefix, task.NewDriver(clock.RealClock{}), prometheus.DefaultRegisterer)
	services = append(services, func() error {
		log.Infof("Running maintenance every %s", config.AgentInterval)
		taskManager.Register(ctx, func(ctx context.Context) {
			bb.Maintainer.RunCycle(armadacontext.FromContext(ctx))
		}, config.AgentInterval, "maintenance")
		taskManager.Register(ctx, bb.Metrics.Refresh, config.Metrics.RefreshInterval, "metrics_refresh")
		<-ctx.Done()
		if taskManager.StopAll(shutdownTimeout) {
			log.Warnf("Background tasks did not stop within %s", shutdownTimeout)
		}
		return nil
	})

	//////////////////////////////////////////////////////////////////////////
	// Metrics
	//////////////////////////////////////////////////////////////////////////
	prometheus.MustRegister(bb.Metrics)
	shutdownMetricServer := common.ServeMetrics(config.Metrics.Port)
	defer shutdownMetricServer()

	// start all services
	for _, service := range services {
		g.Go(service)
	}

	// Mark startup as complete, will allow the health check to return healthy
	startupCompleteCheck.MarkComplete()

	return g.Wait()
}

// watchReload reloads burst_buffer.conf on SIGHUP until ctx is done.
func (b *BurstBuffer) watchReload(ctx *armadacontext.Context) error {
	reload, stop := app.NotifyReload()
	defer stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-reload:
			if err := b.Reload(); err != nil {
				ctx.Log.WithError(err).Error("Keeping current burst buffer configuration")
			}
		}
	}
}
