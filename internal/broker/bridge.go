package broker

import (
	"context"
	"time"

	"ordergate/internal/domain"
)

// defaultCallTimeout bounds how long a caller waits on a venue round trip.
const defaultCallTimeout = 10 * time.Second

// bridge confines all blocking venue calls for one live connection to a
// single worker goroutine. Venue SDKs are connection-oriented and not safely
// reentrant from arbitrary goroutines, so the connection is owned by exactly
// one worker: callers hand work over a channel and wait on a per-call result
// channel, never touching the connection themselves.
//
// Calls are processed strictly in submission order. A caller whose wait
// exceeds the timeout gets a TIMEOUT BrokerError, but the venue-side
// operation keeps running on the worker and may still complete; recovery is
// the idempotent-retry path on PlaceOrder.
type bridge struct {
	calls   chan *bridgeCall
	quit    chan struct{}
	done    chan struct{}
	timeout time.Duration
}

type bridgeCall struct {
	fn     func() (any, error)
	result chan bridgeResult
}

type bridgeResult struct {
	val any
	err error
}

// newBridge starts the worker goroutine for a fresh connection. One bridge
// per connection; it is torn down on disconnect and never reused.
func newBridge(timeout time.Duration) *bridge {
	if timeout <= 0 {
		timeout = defaultCallTimeout
	}
	b := &bridge{
		calls:   make(chan *bridgeCall),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
		timeout: timeout,
	}
	go b.run()
	return b
}

func (b *bridge) run() {
	defer close(b.done)
	for {
		select {
		case c := <-b.calls:
			v, err := c.fn()
			// Buffered: the caller may have timed out and gone away.
			c.result <- bridgeResult{val: v, err: err}
		case <-b.quit:
			return
		}
	}
}

// stop retires the worker. Pending submissions fail with NOT_CONNECTED; the
// call in flight, if any, runs to completion first.
func (b *bridge) stop() {
	close(b.quit)
	<-b.done
}

// submit hands fn to the worker and waits for its result, the timeout, or
// caller cancellation, whichever comes first. The timeout covers the whole
// round trip from submission: a caller queued behind a slow venue call times
// out instead of waiting for that call to finish.
func (b *bridge) submit(ctx context.Context, fn func() (any, error)) (any, error) {
	c := &bridgeCall{fn: fn, result: make(chan bridgeResult, 1)}

	timer := time.NewTimer(b.timeout)
	defer timer.Stop()

	select {
	case b.calls <- c:
	case <-timer.C:
		return nil, domain.Errf(domain.CodeTimeout,
			"venue worker busy for %s; call was not dispatched", b.timeout)
	case <-b.quit:
		return nil, domain.Errf(domain.CodeNotConnected, "connection closed")
	case <-ctx.Done():
		return nil, domain.Errf(domain.CodeTimeout, "cancelled before dispatch: %v", ctx.Err())
	}

	select {
	case r := <-c.result:
		return r.val, r.err
	case <-timer.C:
		return nil, domain.Errf(domain.CodeTimeout,
			"venue call did not complete within %s; it may still finish at the venue", b.timeout)
	case <-ctx.Done():
		return nil, domain.Errf(domain.CodeTimeout, "cancelled while waiting: %v", ctx.Err())
	}
}

// doCall submits fn through the bridge and types the result.
func doCall[T any](ctx context.Context, b *bridge, fn func() (T, error)) (T, error) {
	v, err := b.submit(ctx, func() (any, error) { return fn() })
	if err != nil {
		var zero T
		return zero, err
	}
	return v.(T), nil
}
