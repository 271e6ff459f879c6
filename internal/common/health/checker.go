package health

import (
	"errors"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/hashicorp/go-multierror"
)

// Checker is implemented by anything whose health can be reported.
type Checker interface {
	Check() error
}

// CheckerFunc adapts a plain function to a Checker.
type CheckerFunc func() error

func (f CheckerFunc) Check() error {
	return f()
}

// StartupCompleteChecker reports unhealthy until MarkComplete has been called.
type StartupCompleteChecker struct {
	complete atomic.Bool
}

func NewStartupCompleteChecker() *StartupCompleteChecker {
	return &StartupCompleteChecker{}
}

func (c *StartupCompleteChecker) MarkComplete() {
	c.complete.Store(true)
}

func (c *StartupCompleteChecker) Check() error {
	if c.complete.Load() {
		return nil
	}
	return errors.New("startup is not complete")
}

// MultiChecker is healthy only when all of its checkers are. Checkers may be added while it is serving.
type MultiChecker struct {
	mu       sync.Mutex
	checkers []Checker
}

func NewMultiChecker(checkers ...Checker) *MultiChecker {
	return &MultiChecker{
		checkers: checkers,
	}
}

func (mc *MultiChecker) Check() error {
	mc.mu.Lock()
	checkers := append([]Checker(nil), mc.checkers...)
	mc.mu.Unlock()

	var result *multierror.Error
	for _, checker := range checkers {
		if err := checker.Check(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if result == nil {
		return nil
	}
	result.ErrorFormat = joinErrors
	return result
}

func (mc *MultiChecker) Add(checker Checker) {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	mc.checkers = append(mc.checkers, checker)
}

func joinErrors(errs []error) string {
	msgs := make([]string, len(errs))
	for i, err := range errs {
		msgs[i] = err.Error()
	}
	return strings.Join(msgs, "\n")
}
