package logging

import (
	"context"
	"time"
)

// DetachContext creates a context that won't be cancelled when parent is.
func DetachContext(parent context.Context) context.Context {
	return context.WithoutCancel(parent)
}

// DetachContextWithTimeout creates a detached context with its own timeout.
// The engine uses it for the final flush on shutdown, after the serve
// context has already been cancelled.
//
//	flushCtx, cancel := logging.DetachContextWithTimeout(ctx, 10*time.Second)
//	defer cancel()
//	err := eng.Flush(flushCtx)
func DetachContextWithTimeout(parent context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(parent), timeout)
}
