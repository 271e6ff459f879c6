package task

import (
	"context"
	"sync"
	"time"

	"k8s.io/utils/clock"
)

// State of a Driver.
type State int32

const (
	Running State = iota
	Terminating
)

func (s State) String() string {
	if s == Terminating {
		return "terminating"
	}
	return "running"
}

// Driver lets long-running background loops sleep between iterations while remaining
// responsive to shutdown. Once termination has been requested every current and future Sleep
// returns immediately.
//
// Driver has its own lock so that termination can be requested without contending with whatever
// lock the background loop takes while doing its work.
type Driver struct {
	clock       clock.Clock
	mu          sync.Mutex
	terminating bool
	done        chan struct{}
}

func NewDriver(clk clock.Clock) *Driver {
	return &Driver{
		clock: clk,
		done:  make(chan struct{}),
	}
}

// Sleep blocks for duration, or until termination is requested or ctx is done.
// Returns true if the full duration elapsed.
func (d *Driver) Sleep(ctx context.Context, duration time.Duration) bool {
	deadline := d.clock.Now().Add(duration)
	// Loop as a timer firing is not proof that the deadline has been reached.
	for {
		if d.State() == Terminating {
			return false
		}
		remaining := deadline.Sub(d.clock.Now())
		if remaining <= 0 {
			return true
		}
		timer := d.clock.NewTimer(remaining)
		select {
		case <-timer.C():
		case <-d.done:
			timer.Stop()
			return false
		case <-ctx.Done():
			timer.Stop()
			return false
		}
	}
}

// RequestTermination moves the driver to Terminating and wakes any sleeper.
// It may be called any number of times, including before anything has slept.
func (d *Driver) RequestTermination() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.terminating {
		return
	}
	d.terminating = true
	close(d.done)
}

func (d *Driver) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.terminating {
		return Terminating
	}
	return Running
}

// Done returns a channel that is closed once termination has been requested.
func (d *Driver) Done() <-chan struct{} {
	return d.done
}
