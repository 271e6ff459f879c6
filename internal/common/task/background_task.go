package task

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"
)

type task struct {
	function   func(ctx context.Context)
	interval   time.Duration
	metricName string
}

// BackgroundTaskManager runs functions periodically until stopped.
// BackgroundTaskManager is not threadsafe, it should only be accessed from a single thread.
type BackgroundTaskManager struct {
	tasks         []*task
	metricsPrefix string
	registerer    prometheus.Registerer
	driver        *Driver
	wg            *sync.WaitGroup
}

func NewBackgroundTaskManager(metricsPrefix string, driver *Driver, registerer prometheus.Registerer) *BackgroundTaskManager {
	return &BackgroundTaskManager{
		tasks:         []*task{},
		metricsPrefix: metricsPrefix,
		registerer:    registerer,
		driver:        driver,
		wg:            &sync.WaitGroup{},
	}
}

// Register starts running backgroundTask immediately and then every interval.
// The task stops when StopAll is called or ctx is done.
func (m *BackgroundTaskManager) Register(ctx context.Context, backgroundTask func(ctx context.Context), interval time.Duration, metricName string) {
	task := &task{
		function:   backgroundTask,
		interval:   interval,
		metricName: metricName,
	}
	m.startBackgroundTask(ctx, task)
	m.tasks = append(m.tasks, task)
}

// StopAll requests termination of every task and waits up to timeout for them to finish.
// Returns true if the timeout was reached.
func (m *BackgroundTaskManager) StopAll(timeout time.Duration) bool {
	m.driver.RequestTermination()
	return m.waitForShutdownCompletion(timeout)
}

func (m *BackgroundTaskManager) startBackgroundTask(ctx context.Context, task *task) {
	taskDurationHistogram := promauto.With(m.registerer).NewHistogram(
		prometheus.HistogramOpts{
			Name:    m.metricsPrefix + task.metricName + "_latency_seconds",
			Help:    "Background loop " + task.metricName + " latency in seconds",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 15),
		})

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		for {
			start := time.Now()
			task.function(ctx)
			taskDurationHistogram.Observe(time.Since(start).Seconds())
			if !m.driver.Sleep(ctx, task.interval) {
				log.Infof("background task %s stopping", task.metricName)
				return
			}
		}
	}()
}

func (m *BackgroundTaskManager) waitForShutdownCompletion(timeout time.Duration) bool {
	c := make(chan struct{})
	go func() {
		defer close(c)
		m.wg.Wait()
	}()
	select {
	case <-c:
		return false // completed normally
	case <-time.After(timeout):
		return true // timed out
	}
}
