package app

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

// CreateContextWithShutdown returns a context that will report done when SIGINT or SIGTERM is
// received.
func CreateContextWithShutdown() context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	c := make(chan os.Signal, 1)
	signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		defer signal.Stop(c)
		select {
		case <-c:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx
}

// NotifyReload returns a channel receiving a value each time SIGHUP is received, and a function
// which stops delivery.
func NotifyReload() (<-chan os.Signal, func()) {
	c := make(chan os.Signal, 1)
	signal.Notify(c, syscall.SIGHUP)
	return c, func() { signal.Stop(c) }
}
