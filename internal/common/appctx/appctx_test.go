package appctx_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ceedaragents/cyrus-edge-worker/internal/common/appctx"
)

type ctxKey string

func TestDetached_SurvivesParentCancellation(t *testing.T) {
	parent, parentCancel := context.WithCancel(context.Background())
	stopCh := make(chan struct{})

	ctx, cancel := appctx.Detached(parent, stopCh, time.Second)
	defer cancel()

	parentCancel()

	select {
	case <-ctx.Done():
		t.Fatal("detached context should not be canceled when parent is canceled")
	case <-time.After(20 * time.Millisecond):
	}
}

func TestDetached_CancelsOnStopCh(t *testing.T) {
	stopCh := make(chan struct{})
	ctx, cancel := appctx.Detached(context.Background(), stopCh, time.Minute)
	defer cancel()

	close(stopCh)

	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("detached context should be canceled when stopCh closes")
	}
}

func TestDetached_DoesNotInheritParentValues(t *testing.T) {
	parent := context.WithValue(context.Background(), ctxKey("request-id"), "abc")
	ctx, cancel := appctx.Detached(parent, nil, time.Minute)
	defer cancel()

	require.Nil(t, ctx.Value(ctxKey("request-id")))
}

func TestDetachedWithValues_InheritsParentValuesButNotCancellation(t *testing.T) {
	parent, parentCancel := context.WithCancel(context.Background())
	parent = context.WithValue(parent, ctxKey("request-id"), "abc")

	ctx, cancel := appctx.DetachedWithValues(parent, nil, time.Minute)
	defer cancel()

	require.Equal(t, "abc", ctx.Value(ctxKey("request-id")))

	parentCancel()
	select {
	case <-ctx.Done():
		t.Fatal("DetachedWithValues should not inherit parent's cancellation")
	case <-time.After(20 * time.Millisecond):
	}
}

func TestDetachedWithValues_CancelsOnStopChOrTimeout(t *testing.T) {
	stopCh := make(chan struct{})
	ctx, cancel := appctx.DetachedWithValues(context.Background(), stopCh, time.Minute)
	defer cancel()

	close(stopCh)

	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("DetachedWithValues should be canceled when stopCh closes")
	}
}
