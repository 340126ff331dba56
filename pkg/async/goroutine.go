// Package async provides helpers for running background work safely:
// panic recovery, timeouts, and context cancellation for fire-and-forget
// tasks such as proxy route notifications and audit writes.
package async

import (
	"context"
	"log"
	"runtime/debug"
	"time"
)

// SafeGo executes a function in a goroutine with context cancellation,
// panic recovery, timeout enforcement, and error logging.
//
// Use this instead of bare `go func()` to prevent goroutine leaks and
// crashes taking down the hub.
func SafeGo(parentCtx context.Context, timeout time.Duration, taskName string, fn func(context.Context) error) {
	go func() {
		ctx, cancel := context.WithTimeout(parentCtx, timeout)
		defer cancel()

		defer func() {
			if r := recover(); r != nil {
				log.Printf("[SafeGo] PANIC in %s: %v\nStack trace:\n%s",
					taskName, r, string(debug.Stack()))
			}
		}()

		if err := fn(ctx); err != nil {
			log.Printf("[SafeGo] Error in %s: %v", taskName, err)
		}
	}()
}

// SafeGoNoError is like SafeGo but for functions that don't return errors.
func SafeGoNoError(parentCtx context.Context, timeout time.Duration, taskName string, fn func(context.Context)) {
	SafeGo(parentCtx, timeout, taskName, func(ctx context.Context) error {
		fn(ctx)
		return nil
	})
}

// Loop runs fn on a fixed interval until the context is cancelled. Each
// invocation gets its own timeout-bounded context and panic recovery.
// Used for the supervisor health poller and the proxy reconciler.
func Loop(ctx context.Context, interval, timeout time.Duration, taskName string, fn func(context.Context) error) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				runOnce(ctx, timeout, taskName, fn)
			}
		}
	}()
}

func runOnce(parentCtx context.Context, timeout time.Duration, taskName string, fn func(context.Context) error) {
	ctx, cancel := context.WithTimeout(parentCtx, timeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			log.Printf("[Loop] PANIC in %s: %v\nStack trace:\n%s",
				taskName, r, string(debug.Stack()))
		}
	}()

	if err := fn(ctx); err != nil {
		log.Printf("[Loop] Error in %s: %v", taskName, err)
	}
}
