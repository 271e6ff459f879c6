package armadacontext

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Context is a go context carrying a contextual logger, so that log fields such as the job id follow a request
// through the hook runner and the state machine without being threaded by hand.
type Context struct {
	context.Context
	Log *logrus.Entry
}

// Background creates an empty context with the standard logger. It is analogous to context.Background()
func Background() *Context {
	return New(context.Background(), logrus.NewEntry(logrus.StandardLogger()))
}

// FromContext wraps a plain context, reusing its logger if it is already an armada context.
func FromContext(ctx context.Context) *Context {
	if c, ok := ctx.(*Context); ok {
		return c
	}
	return New(ctx, logrus.NewEntry(logrus.StandardLogger()))
}

// New returns a context that encapsulates both a go context and a logger
func New(ctx context.Context, log *logrus.Entry) *Context {
	return &Context{
		Context: ctx,
		Log:     log,
	}
}

// WithTimeout returns a copy of parent that is cancelled after timeout. A non-positive timeout means no deadline,
// in which case the returned cancel func only releases the derived context.
func WithTimeout(parent *Context, timeout time.Duration) (*Context, context.CancelFunc) {
	var c context.Context
	var cancel context.CancelFunc
	if timeout > 0 {
		c, cancel = context.WithTimeout(parent.Context, timeout)
	} else {
		c, cancel = context.WithCancel(parent.Context)
	}
	return New(c, parent.Log), cancel
}

// WithLogFields returns a copy of parent with the supplied key-values added to the logger
func WithLogFields(parent *Context, fields logrus.Fields) *Context {
	return New(parent.Context, parent.Log.WithFields(fields))
}

// WithJob returns a copy of parent whose logger is tagged with the owning job and user.
func WithJob(parent *Context, jobId, userId uint32) *Context {
	return WithLogFields(parent, logrus.Fields{"jobId": jobId, "userId": userId})
}

// ErrGroup returns a new Error Group and an associated Context derived from ctx.
// It is analogous to errgroup.WithContext(ctx)
func ErrGroup(ctx *Context) (*errgroup.Group, *Context) {
	group, goctx := errgroup.WithContext(ctx)
	return group, New(goctx, ctx.Log)
}
