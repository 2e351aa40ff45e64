// Package appctx provides context utilities for background operations that
// must outlive the request that started them (spec.md §6: a webhook
// dispatch that spawns a runner subprocess must not abort just because the
// tracker's HTTP client closed its connection).
package appctx

import (
	"context"
	"time"
)

// Detached returns a new context that is not tied to the parent's
// cancellation, bounded only by timeout and stopCh (server shutdown). Use
// for operations that must outlive the request.
func Detached(parent context.Context, stopCh <-chan struct{}, timeout time.Duration) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)

	go func() {
		select {
		case <-stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	return ctx, cancel
}

// valuesOnly defers Value lookups to parent while taking Deadline/Done/Err
// from a replacement context, so a detached context can still see things
// like a request's correlation id without inheriting its cancellation.
type valuesOnly struct {
	context.Context
	parent context.Context
}

func (v valuesOnly) Value(key any) any { return v.parent.Value(key) }

// DetachedWithValues is Detached, except Value lookups fall through to
// parent: a handler can read the originating request's correlation/request
// id even after that request's own context has been canceled.
func DetachedWithValues(parent context.Context, stopCh <-chan struct{}, timeout time.Duration) (context.Context, context.CancelFunc) {
	ctx, cancel := Detached(parent, stopCh, timeout)
	return valuesOnly{Context: ctx, parent: parent}, cancel
}
