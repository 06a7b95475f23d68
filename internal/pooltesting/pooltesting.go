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

// Package pooltesting provides fake connections, dialers, and health
// checkers for testing code that manages pooled connections.
package pooltesting

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bufbuild/httpengine/conn"
	"github.com/bufbuild/httpengine/health"
	"github.com/bufbuild/httpengine/pool"
)

// FakeConn is an implementation of conn.Conn that carries no traffic. Tests
// flip its state to simulate what a real connection would report.
//
// To create new instances of FakeConn, use a FakeDialer.
type FakeConn struct {
	Index int
	Key   pool.Key

	protocol  conn.Protocol
	broken    atomic.Bool
	full      atomic.Bool
	done      chan struct{}
	closeOnce sync.Once
}

// NewFakeConn returns an open connection that speaks protocol.
func NewFakeConn(protocol conn.Protocol) *FakeConn {
	return &FakeConn{protocol: protocol, done: make(chan struct{})}
}

// Protocol implements the conn.Conn interface.
func (c *FakeConn) Protocol() conn.Protocol {
	return c.protocol
}

// Reusable implements the conn.Conn interface. It reports true until the
// connection is closed or SetReusable(false) is called.
func (c *FakeConn) Reusable() bool {
	return !c.broken.Load() && !c.Closed()
}

// Available implements the conn.Conn interface. It reports true while the
// connection is reusable, unless SetFull(true) was called.
func (c *FakeConn) Available() bool {
	return c.Reusable() && !c.full.Load()
}

// Multiplexed implements the conn.Conn interface. Only HTTP/2 connections
// are multiplexed.
func (c *FakeConn) Multiplexed() bool {
	return c.protocol == conn.ProtocolHTTP2
}

// Done implements the conn.Conn interface.
func (c *FakeConn) Done() <-chan struct{} {
	return c.done
}

// Close implements the conn.Conn interface. It is also how tests simulate
// the peer closing the connection.
func (c *FakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.done) })
	return nil
}

// Closed returns true once Close has been called.
func (c *FakeConn) Closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// SetReusable changes what Reusable reports, without closing the
// connection.
func (c *FakeConn) SetReusable(reusable bool) {
	c.broken.Store(!reusable)
}

// SetFull makes a multiplexed connection report that it cannot take
// another stream.
func (c *FakeConn) SetFull(full bool) {
	c.full.Store(full)
}

// FakeDialer is a pool.DialFunc source that creates FakeConn values. It
// numbers them in sequential order, so the first connection created has an
// Index of 1. Connections speak the key's protocol, or Protocol when the
// key accepts either.
//
// See NewFakeDialer.
type FakeDialer struct {
	// Protocol is negotiated for keys with conn.ProtocolAuto. It should be
	// set before the first dial.
	Protocol conn.Protocol // +checklocksignore: only written before use.

	dialed chan *FakeConn

	mu sync.Mutex
	// +checklocks:mu
	attempts int
	// +checklocks:mu
	conns []*FakeConn
	// +checklocks:mu
	failures []error
	// +checklocks:mu
	gate chan struct{}
}

// NewFakeDialer constructs a new FakeDialer.
func NewFakeDialer() *FakeDialer {
	return &FakeDialer{
		Protocol: conn.ProtocolHTTP1,
		dialed:   make(chan *FakeConn, 64),
	}
}

// Dial implements pool.DialFunc.
func (d *FakeDialer) Dial(ctx context.Context, key pool.Key) (conn.Conn, error) {
	d.mu.Lock()
	d.attempts++
	gate := d.gate
	d.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.failures) > 0 {
		err := d.failures[0]
		d.failures = d.failures[1:]
		return nil, err
	}
	protocol := key.Protocol
	if protocol == conn.ProtocolAuto {
		protocol = d.Protocol
	}
	fake := NewFakeConn(protocol)
	fake.Index = len(d.conns) + 1
	fake.Key = key
	d.conns = append(d.conns, fake)
	select {
	case d.dialed <- fake:
	default:
	}
	return fake, nil
}

// FailNext makes the next dial that gets past the gate fail with err.
// Calls queue up.
func (d *FakeDialer) FailNext(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failures = append(d.failures, err)
}

// Hold makes dials block until Proceed is called.
func (d *FakeDialer) Hold() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.gate == nil {
		d.gate = make(chan struct{})
	}
}

// Proceed releases dials blocked by Hold, and stops blocking new ones.
func (d *FakeDialer) Proceed() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.gate != nil {
		close(d.gate)
		d.gate = nil
	}
}

// Attempts returns how many times Dial was called, including calls still
// blocked and calls that failed.
func (d *FakeDialer) Attempts() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.attempts
}

// Conns returns the connections created so far.
func (d *FakeDialer) Conns() []*FakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*FakeConn(nil), d.conns...)
}

// AwaitDial waits for the next connection to be created and returns it.
func (d *FakeDialer) AwaitDial(ctx context.Context) (*FakeConn, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case fake := <-d.dialed:
		return fake, nil
	}
}

// FakeHealthChecker is an implementation of health.Checker that lets tests
// decide the health of each connection. It tracks the connections for
// which check processes are active (created with New but not closed). By
// default, all connections will be immediately healthy, but
// SetInitialState can be used to change that.
//
// See NewFakeHealthChecker.
type FakeHealthChecker struct {
	mu sync.Mutex
	// +checklocks:mu
	initialState health.State
	// +checklocks:mu
	trackers map[conn.Conn]health.Tracker
	// +checklocks:mu
	states map[conn.Conn]health.State
	// +checklocks:mu
	initialized map[conn.Conn]chan struct{}
}

// NewFakeHealthChecker creates a new FakeHealthChecker.
func NewFakeHealthChecker() *FakeHealthChecker {
	return &FakeHealthChecker{
		initialState: health.StateHealthy,
		trackers:     map[conn.Conn]health.Tracker{},
		states:       map[conn.Conn]health.State{},
		initialized:  map[conn.Conn]chan struct{}{},
	}
}

// New implements the health.Checker interface. It will use the given
// tracker to mark the given connection with the currently configured
// initial health state.
func (hc *FakeHealthChecker) New(_ context.Context, connection conn.Conn, tracker health.Tracker) io.Closer {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	state := hc.initialState
	hc.states[connection] = state
	hc.trackers[connection] = tracker
	initialized := make(chan struct{})
	hc.initialized[connection] = initialized
	go func() {
		tracker.UpdateHealthState(connection, state)
		close(initialized)
	}()
	return closerFunc(func() error {
		hc.mu.Lock()
		defer hc.mu.Unlock()
		delete(hc.states, connection)
		delete(hc.trackers, connection)
		delete(hc.initialized, connection)
		return nil
	})
}

// AwaitInitialized waits until the initial state of the connection has
// been reported to its tracker, so that later updates are not overwritten
// by it. It returns an error if the context is done first.
func (hc *FakeHealthChecker) AwaitInitialized(ctx context.Context, connection conn.Conn) error {
	for {
		hc.mu.Lock()
		initialized := hc.initialized[connection]
		hc.mu.Unlock()
		if initialized != nil {
			select {
			case <-initialized:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		// the check process has not started yet
		select {
		case <-time.After(time.Millisecond):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// UpdateHealthState changes the state of a connection and reports it to
// the tracker. It does nothing for connections that are not checked.
func (hc *FakeHealthChecker) UpdateHealthState(connection conn.Conn, state health.State) {
	hc.mu.Lock()
	tracker, ok := hc.trackers[connection]
	if ok {
		hc.states[connection] = state
	}
	hc.mu.Unlock()
	if ok {
		tracker.UpdateHealthState(connection, state)
	}
}

// SetInitialState sets the state that new connections will be put into
// in subsequent calls to New.
func (hc *FakeHealthChecker) SetInitialState(state health.State) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	hc.initialState = state
}

// Checking returns true if a check process is active for the connection.
func (hc *FakeHealthChecker) Checking(connection conn.Conn) bool {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	_, ok := hc.trackers[connection]
	return ok
}

type closerFunc func() error

func (f closerFunc) Close() error {
	return f()
}
