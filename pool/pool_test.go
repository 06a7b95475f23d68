// Copyright 2023-2025 Buf Technologies, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package pool_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bufbuild/httpengine/conn"
	"github.com/bufbuild/httpengine/health"
	"github.com/bufbuild/httpengine/httperr"
	"github.com/bufbuild/httpengine/internal/clocktest"
	"github.com/bufbuild/httpengine/internal/pooltesting"
	"github.com/bufbuild/httpengine/pool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

const eventually = 5 * time.Second

func TestCheckoutReusesIdleConnection(t *testing.T) {
	t.Parallel()
	ctx := testContext(t)
	dialer := pooltesting.NewFakeDialer()
	p := newPool(t, dialer.Dial)
	key := testKey(t, conn.ProtocolAuto)

	first, err := p.Checkout(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, key, first.Key())
	first.Release()
	assert.Equal(t, pool.Stats{Conns: 1, Idle: 1}, p.Stats())

	second, err := p.Checkout(ctx, key)
	require.NoError(t, err)
	assert.Same(t, first.Conn(), second.Conn())
	assert.Equal(t, 1, dialer.Attempts())
	assert.Equal(t, pool.Stats{Conns: 1, InUse: 1}, p.Stats())
	second.Release()
}

func TestCheckoutIsExclusive(t *testing.T) {
	t.Parallel()
	ctx := testContext(t)
	dialer := pooltesting.NewFakeDialer()
	p := newPool(t, dialer.Dial)
	key := testKey(t, conn.ProtocolHTTP1)

	first, err := p.Checkout(ctx, key)
	require.NoError(t, err)
	second, err := p.Checkout(ctx, key)
	require.NoError(t, err)
	assert.NotSame(t, first.Conn(), second.Conn())
	assert.Equal(t, 2, dialer.Attempts())
	first.Release()
	second.Release()
}

func TestCheckoutIsExclusiveUnderContention(t *testing.T) {
	t.Parallel()
	ctx := testContext(t)
	p := newPool(t, pooltesting.NewFakeDialer().Dial, pool.WithMaxConnsPerKey(3))
	key := testKey(t, conn.ProtocolHTTP1)

	var mu sync.Mutex
	holders := map[conn.Conn]int{}
	var grp errgroup.Group
	for range 8 {
		grp.Go(func() error {
			for range 50 {
				handle, err := p.Checkout(ctx, key)
				if err != nil {
					return err
				}
				mu.Lock()
				holders[handle.Conn()]++
				overlapping := holders[handle.Conn()] > 1
				mu.Unlock()
				if overlapping {
					return errors.New("connection checked out twice")
				}
				mu.Lock()
				holders[handle.Conn()]--
				mu.Unlock()
				handle.Release()
			}
			return nil
		})
	}
	require.NoError(t, grp.Wait())
	stats := p.Stats()
	assert.LessOrEqual(t, stats.Conns, 3)
	assert.Zero(t, stats.InUse)
}

func TestCheckoutMostRecentlyUsed(t *testing.T) {
	t.Parallel()
	ctx := testContext(t)
	p := newPool(t, pooltesting.NewFakeDialer().Dial)
	key := testKey(t, conn.ProtocolHTTP1)

	first, err := p.Checkout(ctx, key)
	require.NoError(t, err)
	second, err := p.Checkout(ctx, key)
	require.NoError(t, err)
	first.Release()
	second.Release()

	third, err := p.Checkout(ctx, key)
	require.NoError(t, err)
	assert.Same(t, second.Conn(), third.Conn())
	third.Release()
}

func TestKeysAreSeparate(t *testing.T) {
	t.Parallel()
	ctx := testContext(t)
	dialer := pooltesting.NewFakeDialer()
	p := newPool(t, dialer.Dial)
	plain := testKey(t, conn.ProtocolAuto)
	secure, err := pool.NewKey("https", "example.com", "", conn.ProtocolAuto)
	require.NoError(t, err)

	first, err := p.Checkout(ctx, plain)
	require.NoError(t, err)
	first.Release()
	second, err := p.Checkout(ctx, secure)
	require.NoError(t, err)
	assert.NotSame(t, first.Conn(), second.Conn())
	assert.Equal(t, secure, second.Conn().(*pooltesting.FakeConn).Key) //nolint:forcetypeassert
	second.Release()
	assert.Equal(t, pool.Stats{Conns: 1, Idle: 1}, p.KeyStats(plain))
	assert.Equal(t, pool.Stats{Conns: 1, Idle: 1}, p.KeyStats(secure))
}

func TestIdleConnectionExpires(t *testing.T) {
	t.Parallel()
	ctx := testContext(t)
	clock := clocktest.NewFakeClock()
	dialer := pooltesting.NewFakeDialer()
	p := newPool(t, dialer.Dial, pool.WithClock(clock), pool.WithIdleTimeout(time.Minute))
	key := testKey(t, conn.ProtocolHTTP1)

	first, err := p.Checkout(ctx, key)
	require.NoError(t, err)
	first.Release()
	clock.Advance(time.Minute)

	second, err := p.Checkout(ctx, key)
	require.NoError(t, err)
	assert.NotSame(t, first.Conn(), second.Conn())
	fake := first.Conn().(*pooltesting.FakeConn) //nolint:forcetypeassert
	assert.Eventually(t, fake.Closed, eventually, time.Millisecond)
	second.Release()
}

func TestSweepClosesExpiredConnections(t *testing.T) {
	t.Parallel()
	ctx := testContext(t)
	clock := clocktest.NewFakeClock()
	p := newPool(t, pooltesting.NewFakeDialer().Dial,
		pool.WithClock(clock),
		pool.WithIdleTimeout(time.Minute),
		pool.WithSweepInterval(time.Second),
	)
	key := testKey(t, conn.ProtocolHTTP1)

	handle, err := p.Checkout(ctx, key)
	require.NoError(t, err)
	handle.Release()
	require.NoError(t, clock.AdvanceWhenWaiting(ctx, 1, 30*time.Second))
	assert.Equal(t, 1, p.Stats().Conns)

	clock.Advance(30 * time.Second)
	fake := handle.Conn().(*pooltesting.FakeConn) //nolint:forcetypeassert
	assert.Eventually(t, fake.Closed, eventually, time.Millisecond)
	assert.Eventually(t, func() bool { return p.Stats().Conns == 0 }, eventually, time.Millisecond)
}

func TestMaxIdlePerKey(t *testing.T) {
	t.Parallel()
	ctx := testContext(t)
	p := newPool(t, pooltesting.NewFakeDialer().Dial, pool.WithMaxIdlePerKey(1))
	key := testKey(t, conn.ProtocolHTTP1)

	first, err := p.Checkout(ctx, key)
	require.NoError(t, err)
	second, err := p.Checkout(ctx, key)
	require.NoError(t, err)
	first.Release()
	second.Release()

	fake := first.Conn().(*pooltesting.FakeConn) //nolint:forcetypeassert
	assert.Eventually(t, fake.Closed, eventually, time.Millisecond)
	assert.Equal(t, pool.Stats{Conns: 1, Idle: 1}, p.Stats())
}

func TestWaitersAreServedInOrder(t *testing.T) {
	t.Parallel()
	ctx := testContext(t)
	dialer := pooltesting.NewFakeDialer()
	p := newPool(t, dialer.Dial, pool.WithMaxConnsPerKey(1))
	key := testKey(t, conn.ProtocolHTTP1)

	held, err := p.Checkout(ctx, key)
	require.NoError(t, err)
	firstWaiter := checkoutAsync(ctx, p, key)
	awaitWaiting(t, p, 1)
	secondWaiter := checkoutAsync(ctx, p, key)
	awaitWaiting(t, p, 2)

	held.Release()
	first := <-firstWaiter
	require.NoError(t, first.err)
	assert.Same(t, held.Conn(), first.handle.Conn())
	select {
	case <-secondWaiter:
		t.Fatal("second waiter served before the connection was released")
	case <-time.After(20 * time.Millisecond):
	}

	first.handle.Release()
	second := <-secondWaiter
	require.NoError(t, second.err)
	assert.Same(t, held.Conn(), second.handle.Conn())
	second.handle.Release()
	assert.Equal(t, 1, dialer.Attempts())
}

func TestTooManyWaiters(t *testing.T) {
	t.Parallel()
	ctx := testContext(t)
	p := newPool(t, pooltesting.NewFakeDialer().Dial,
		pool.WithMaxConnsPerKey(1),
		pool.WithMaxWaitersPerKey(1),
	)
	key := testKey(t, conn.ProtocolHTTP1)

	held, err := p.Checkout(ctx, key)
	require.NoError(t, err)
	waiter := checkoutAsync(ctx, p, key)
	awaitWaiting(t, p, 1)

	_, err = p.Checkout(ctx, key)
	require.ErrorIs(t, err, httperr.ErrPoolExhausted)

	held.Release()
	result := <-waiter
	require.NoError(t, result.err)
	result.handle.Release()
}

func TestCheckoutTimeout(t *testing.T) {
	t.Parallel()
	ctx := testContext(t)
	clock := clocktest.NewFakeClock()
	p := newPool(t, pooltesting.NewFakeDialer().Dial,
		pool.WithClock(clock),
		pool.WithMaxConnsPerKey(1),
		pool.WithCheckoutTimeout(time.Second),
	)
	key := testKey(t, conn.ProtocolHTTP1)

	held, err := p.Checkout(ctx, key)
	require.NoError(t, err)
	waiter := checkoutAsync(ctx, p, key)
	awaitWaiting(t, p, 1)
	// the sweep ticker and the checkout timer
	require.NoError(t, clock.AdvanceWhenWaiting(ctx, 2, time.Second))

	result := <-waiter
	require.ErrorIs(t, result.err, httperr.ErrCheckoutTimeout)
	assert.Zero(t, p.Stats().Waiting)
	held.Release()
}

func TestCheckoutContextDone(t *testing.T) {
	t.Parallel()
	ctx := testContext(t)
	dialer := pooltesting.NewFakeDialer()
	dialer.Hold()
	p := newPool(t, dialer.Dial)
	key := testKey(t, conn.ProtocolHTTP1)

	cancelCtx, cancel := context.WithCancel(ctx)
	waiter := checkoutAsync(cancelCtx, p, key)
	awaitWaiting(t, p, 1)
	cancel()
	result := <-waiter
	require.ErrorIs(t, result.err, httperr.ErrCancelled)

	deadlineCtx, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancel()
	_, err := p.Checkout(deadlineCtx, key)
	require.ErrorIs(t, err, httperr.ErrCheckoutTimeout)
	assert.Zero(t, p.Stats().Waiting)

	// the abandoned dial still completes and leaves an idle connection
	dialer.Proceed()
	assert.Eventually(t, func() bool { return p.Stats().Idle == 1 }, eventually, time.Millisecond)
	assert.Equal(t, 1, dialer.Attempts())
}

func TestConnectErrorFailsWaiters(t *testing.T) {
	t.Parallel()
	ctx := testContext(t)
	dialer := pooltesting.NewFakeDialer()
	dialer.Hold()
	dialErr := errors.New("connection refused")
	dialer.FailNext(dialErr)
	p := newPool(t, dialer.Dial, pool.WithMaxConnsPerKey(1))
	key := testKey(t, conn.ProtocolHTTP1)

	first := checkoutAsync(ctx, p, key)
	awaitWaiting(t, p, 1)
	second := checkoutAsync(ctx, p, key)
	awaitWaiting(t, p, 2)
	dialer.Proceed()

	for _, waiter := range []chan checkoutResult{first, second} {
		result := <-waiter
		require.ErrorIs(t, result.err, httperr.ErrConnect)
		require.ErrorIs(t, result.err, dialErr)
	}
	assert.Equal(t, 1, dialer.Attempts())
	assert.Equal(t, pool.Stats{}, p.Stats())

	// the next checkout tries again
	handle, err := p.Checkout(ctx, key)
	require.NoError(t, err)
	handle.Release()
}

func TestConnectErrorRetriesForRemainingWaiters(t *testing.T) {
	t.Parallel()
	ctx := testContext(t)
	dialer := pooltesting.NewFakeDialer()
	p := newPool(t, dialer.Dial, pool.WithMaxConnsPerKey(2))
	key := testKey(t, conn.ProtocolHTTP1)

	broken, err := p.Checkout(ctx, key)
	require.NoError(t, err)
	held, err := p.Checkout(ctx, key)
	require.NoError(t, err)
	first := checkoutAsync(ctx, p, key)
	awaitWaiting(t, p, 1)
	second := checkoutAsync(ctx, p, key)
	awaitWaiting(t, p, 2)

	// releasing the broken connection makes room for a dial, which fails;
	// held is still checked out, so the remaining waiter gets another try
	dialer.FailNext(errors.New("connection reset"))
	broken.Conn().(*pooltesting.FakeConn).SetReusable(false) //nolint:forcetypeassert
	broken.Release()

	result := <-first
	require.ErrorIs(t, result.err, httperr.ErrConnect)
	result = <-second
	require.NoError(t, result.err)
	assert.NotSame(t, broken.Conn(), result.handle.Conn())
	assert.NotSame(t, held.Conn(), result.handle.Conn())
	assert.Equal(t, 4, dialer.Attempts())
	result.handle.Release()
	held.Release()
}

func TestReleaseClosesUnreusableConnection(t *testing.T) {
	t.Parallel()
	ctx := testContext(t)
	dialer := pooltesting.NewFakeDialer()
	p := newPool(t, dialer.Dial)
	key := testKey(t, conn.ProtocolHTTP1)

	first, err := p.Checkout(ctx, key)
	require.NoError(t, err)
	fake := first.Conn().(*pooltesting.FakeConn) //nolint:forcetypeassert
	fake.SetReusable(false)
	first.Release()
	assert.Equal(t, pool.Stats{}, p.Stats())
	assert.Eventually(t, fake.Closed, eventually, time.Millisecond)

	second, err := p.Checkout(ctx, key)
	require.NoError(t, err)
	assert.NotSame(t, first.Conn(), second.Conn())
	second.Release()
}

func TestReleaseDoesNotWaitForClose(t *testing.T) {
	t.Parallel()
	ctx := testContext(t)
	unblock := make(chan struct{})
	t.Cleanup(func() {
		close(unblock)
	})
	dialer := pooltesting.NewFakeDialer()
	p := pool.New(func(ctx context.Context, key pool.Key) (conn.Conn, error) {
		c, err := dialer.Dial(ctx, key)
		if err != nil {
			return nil, err
		}
		return &slowCloseConn{Conn: c, unblock: unblock}, nil
	}, pool.WithHealthChecker(health.NopChecker))
	t.Cleanup(func() {
		assert.NoError(t, p.Close())
	})
	key := testKey(t, conn.ProtocolHTTP1)

	handle, err := p.Checkout(ctx, key)
	require.NoError(t, err)
	// a connection releases its handle from its own goroutines, which its
	// Close waits for
	released := make(chan struct{})
	go func() {
		defer close(released)
		handle.Discard()
	}()
	select {
	case <-released:
	case <-ctx.Done():
		t.Fatal("release blocked on closing the connection")
	}
	assert.Equal(t, pool.Stats{}, p.Stats())
}

func TestDiscard(t *testing.T) {
	t.Parallel()
	ctx := testContext(t)
	p := newPool(t, pooltesting.NewFakeDialer().Dial)
	key := testKey(t, conn.ProtocolHTTP1)

	handle, err := p.Checkout(ctx, key)
	require.NoError(t, err)
	handle.Discard()
	fake := handle.Conn().(*pooltesting.FakeConn) //nolint:forcetypeassert
	assert.Eventually(t, fake.Closed, eventually, time.Millisecond)
	// already given back
	handle.Release()
	assert.Equal(t, pool.Stats{}, p.Stats())
}

func TestReleaseTwice(t *testing.T) {
	t.Parallel()
	ctx := testContext(t)
	p := newPool(t, pooltesting.NewFakeDialer().Dial)
	key := testKey(t, conn.ProtocolHTTP1)

	first, err := p.Checkout(ctx, key)
	require.NoError(t, err)
	first.Release()
	second, err := p.Checkout(ctx, key)
	require.NoError(t, err)
	require.Same(t, first.Conn(), second.Conn())

	// must not hand the connection out again while second holds it
	p.Checkin(first)
	assert.Equal(t, pool.Stats{Conns: 1, InUse: 1}, p.Stats())
	second.Release()
}

func TestReleaseAfterClose(t *testing.T) {
	t.Parallel()
	ctx := testContext(t)
	p := pool.New(pooltesting.NewFakeDialer().Dial, pool.WithHealthChecker(health.NopChecker))
	key := testKey(t, conn.ProtocolHTTP1)

	handle, err := p.Checkout(ctx, key)
	require.NoError(t, err)
	require.NoError(t, p.Close())
	fake := handle.Conn().(*pooltesting.FakeConn) //nolint:forcetypeassert
	assert.True(t, fake.Closed())
	handle.Release()

	_, err = p.Checkout(ctx, key)
	require.ErrorIs(t, err, httperr.ErrPoolExhausted)
}

func TestCloseFailsWaiters(t *testing.T) {
	t.Parallel()
	ctx := testContext(t)
	dialer := pooltesting.NewFakeDialer()
	dialer.Hold()
	p := pool.New(dialer.Dial, pool.WithHealthChecker(health.NopChecker))
	key := testKey(t, conn.ProtocolHTTP1)

	waiter := checkoutAsync(ctx, p, key)
	awaitWaiting(t, p, 1)
	require.NoError(t, p.Close())
	result := <-waiter
	require.ErrorIs(t, result.err, httperr.ErrPoolExhausted)
}

func TestUnhealthyConnectionIsEvicted(t *testing.T) {
	t.Parallel()
	ctx := testContext(t)
	checker := pooltesting.NewFakeHealthChecker()
	p := newPool(t, pooltesting.NewFakeDialer().Dial, pool.WithHealthChecker(checker))
	key := testKey(t, conn.ProtocolHTTP1)

	idle, err := p.Checkout(ctx, key)
	require.NoError(t, err)
	busy, err := p.Checkout(ctx, key)
	require.NoError(t, err)
	idle.Release()
	require.NoError(t, checker.AwaitInitialized(ctx, idle.Conn()))
	require.NoError(t, checker.AwaitInitialized(ctx, busy.Conn()))

	checker.UpdateHealthState(idle.Conn(), health.StateUnhealthy)
	idleFake := idle.Conn().(*pooltesting.FakeConn) //nolint:forcetypeassert
	assert.Eventually(t, idleFake.Closed, eventually, time.Millisecond)

	checker.UpdateHealthState(busy.Conn(), health.StateUnhealthy)
	busyFake := busy.Conn().(*pooltesting.FakeConn) //nolint:forcetypeassert
	assert.False(t, busyFake.Closed())
	busy.Release()
	assert.Eventually(t, busyFake.Closed, eventually, time.Millisecond)
	assert.Equal(t, pool.Stats{}, p.Stats())
}

func TestPeerClosedConnectionIsRemoved(t *testing.T) {
	t.Parallel()
	ctx := testContext(t)
	p := newPool(t, pooltesting.NewFakeDialer().Dial)
	key := testKey(t, conn.ProtocolHTTP1)

	handle, err := p.Checkout(ctx, key)
	require.NoError(t, err)
	handle.Release()
	require.NoError(t, handle.Conn().Close())
	assert.Eventually(t, func() bool { return p.Stats().Conns == 0 }, eventually, time.Millisecond)
}

func TestMultiplexedConnectionIsShared(t *testing.T) {
	t.Parallel()
	ctx := testContext(t)
	dialer := pooltesting.NewFakeDialer()
	p := newPool(t, dialer.Dial)
	key := testKey(t, conn.ProtocolHTTP2)

	first, err := p.Checkout(ctx, key)
	require.NoError(t, err)
	second, err := p.Checkout(ctx, key)
	require.NoError(t, err)
	assert.Same(t, first.Conn(), second.Conn())
	assert.Equal(t, pool.Stats{Conns: 1, InUse: 1}, p.Stats())

	fake := first.Conn().(*pooltesting.FakeConn) //nolint:forcetypeassert
	fake.SetFull(true)
	third, err := p.Checkout(ctx, key)
	require.NoError(t, err)
	assert.NotSame(t, first.Conn(), third.Conn())
	assert.Equal(t, 2, dialer.Attempts())

	fake.SetFull(false)
	first.Release()
	second.Release()
	third.Release()
	assert.Equal(t, pool.Stats{Conns: 2, Idle: 2}, p.Stats())
}

func TestMultiplexedConnectionServesAllWaiters(t *testing.T) {
	t.Parallel()
	ctx := testContext(t)
	dialer := pooltesting.NewFakeDialer()
	dialer.Hold()
	p := newPool(t, dialer.Dial)
	key := testKey(t, conn.ProtocolHTTP2)

	waiters := make([]chan checkoutResult, 3)
	for i := range waiters {
		waiters[i] = checkoutAsync(ctx, p, key)
		awaitWaiting(t, p, i+1)
	}
	dialer.Proceed()

	handles := make([]*pool.Handle, 0, len(waiters))
	for _, waiter := range waiters {
		result := <-waiter
		require.NoError(t, result.err)
		handles = append(handles, result.handle)
	}
	for _, handle := range handles[1:] {
		assert.Same(t, handles[0].Conn(), handle.Conn())
	}
	assert.Equal(t, 1, dialer.Attempts())
	assert.Equal(t, pool.Stats{Conns: 1, InUse: 1}, p.Stats())
	for _, handle := range handles {
		handle.Release()
	}
}

func TestUnreusableMultiplexedConnectionDrains(t *testing.T) {
	t.Parallel()
	ctx := testContext(t)
	p := newPool(t, pooltesting.NewFakeDialer().Dial)
	key := testKey(t, conn.ProtocolHTTP2)

	first, err := p.Checkout(ctx, key)
	require.NoError(t, err)
	second, err := p.Checkout(ctx, key)
	require.NoError(t, err)
	fake := first.Conn().(*pooltesting.FakeConn) //nolint:forcetypeassert
	fake.SetReusable(false)

	first.Release()
	assert.False(t, fake.Closed())
	second.Release()
	assert.Eventually(t, fake.Closed, eventually, time.Millisecond)
}

func TestNegotiatedProtocolMismatch(t *testing.T) {
	t.Parallel()
	ctx := testContext(t)
	checker := pooltesting.NewFakeHealthChecker()
	p := newPool(t, func(context.Context, pool.Key) (conn.Conn, error) {
		return pooltesting.NewFakeConn(conn.ProtocolHTTP1), nil
	}, pool.WithHealthChecker(checker))

	_, err := p.Checkout(ctx, testKey(t, conn.ProtocolHTTP2))
	require.ErrorIs(t, err, httperr.ErrConnect)
}

type checkoutResult struct {
	handle *pool.Handle
	err    error
}

func newPool(t *testing.T, dial pool.DialFunc, opts ...pool.Option) *pool.Pool {
	t.Helper()
	opts = append([]pool.Option{pool.WithHealthChecker(health.NopChecker)}, opts...)
	p := pool.New(dial, opts...)
	t.Cleanup(func() {
		assert.NoError(t, p.Close())
	})
	return p
}

func checkoutAsync(ctx context.Context, p *pool.Pool, key pool.Key) chan checkoutResult {
	results := make(chan checkoutResult, 1)
	go func() {
		handle, err := p.Checkout(ctx, key)
		results <- checkoutResult{handle: handle, err: err}
	}()
	return results
}

func awaitWaiting(t *testing.T, p *pool.Pool, count int) {
	t.Helper()
	require.Eventually(t, func() bool { return p.Stats().Waiting == count }, eventually, time.Millisecond)
}

func testKey(t *testing.T, protocol conn.Protocol) pool.Key {
	t.Helper()
	key, err := pool.NewKey("http", "example.com", "", protocol)
	require.NoError(t, err)
	return key
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

type slowCloseConn struct {
	conn.Conn

	unblock chan struct{}
}

func (c *slowCloseConn) Close() error {
	<-c.unblock
	return c.Conn.Close()
}
